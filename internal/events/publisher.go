// Package events publishes chat lifecycle notifications.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// Event types.
const (
	TurnCompleted = "turn.completed"
	TurnFailed    = "turn.failed"
	SessionReset  = "session.reset"
)

// Event is a single chat lifecycle notification.
type Event struct {
	Type        string    `json:"type"`
	SessionID   string    `json:"sessionId"`
	Language    string    `json:"language,omitempty"`
	Attachments int       `json:"attachments,omitempty"`
	Messages    int       `json:"messages,omitempty"`
	Error       string    `json:"error,omitempty"`
	At          time.Time `json:"at"`
}

// Publisher delivers events. Delivery is best-effort.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Nop discards every event.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, Event) error { return nil }

// NATSPublisher sends events as JSON to "<prefix>.<type>".
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
}

// NewNATSPublisher connects to the NATS server at url.
func NewNATSPublisher(url, prefix, name string) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.Timeout(5*time.Second),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	log.Printf("[events] connected to NATS server: %s", url)
	return &NATSPublisher{conn: conn, prefix: prefix}, nil
}

// Publish implements Publisher.
func (p *NATSPublisher) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encode(ev)
	if err != nil {
		return err
	}
	if err := p.conn.Publish(Subject(p.prefix, ev.Type), data); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	return nil
}

// Close drains pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}

// Subject builds the NATS subject for an event type.
func Subject(prefix, eventType string) string {
	if prefix == "" {
		return eventType
	}
	return prefix + "." + eventType
}

func encode(ev Event) ([]byte, error) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return data, nil
}
