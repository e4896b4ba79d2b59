package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/kisan-chat/backend/internal/events"
	"github.com/zhouzirui/kisan-chat/backend/internal/metrics"
	"github.com/zhouzirui/kisan-chat/backend/internal/model/chat"
	"github.com/zhouzirui/kisan-chat/backend/internal/service/ai"
	"github.com/zhouzirui/kisan-chat/backend/internal/service/attachment"
)

var (
	ErrValidation         = errors.New("message and sessionId are required")
	ErrAttachmentRejected = errors.New("attachment rejected")
	ErrBackendUnavailable = errors.New("generative backend not configured")
	ErrBackend            = errors.New("generative backend failed")
)

// Completer produces the assistant reply for an assembled prompt.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Options tunes a Service. Zero values fall back to defaults.
type Options struct {
	SystemPrompt  string
	MaxUploadSize int64
	Events        events.Publisher
	Metrics       *metrics.Metrics
	Now           func() time.Time
}

// Service runs one chat turn end to end: validation, attachment storage,
// conversation bookkeeping and the backend call.
type Service struct {
	store     Store
	completer Completer
	storage   attachment.Storage
	system    string
	maxUpload int64
	events    events.Publisher
	metrics   *metrics.Metrics
	locks     *sessionLocks
	now       func() time.Time
}

// NewService wires the collaborators. completer may be nil, in which case
// every Send fails with ErrBackendUnavailable.
func NewService(store Store, completer Completer, storage attachment.Storage, opts Options) *Service {
	svc := &Service{
		store:     store,
		completer: completer,
		storage:   storage,
		system:    opts.SystemPrompt,
		maxUpload: opts.MaxUploadSize,
		events:    opts.Events,
		metrics:   opts.Metrics,
		locks:     newSessionLocks(),
		now:       opts.Now,
	}
	if svc.system == "" {
		svc.system = ai.DefaultSystemPrompt
	}
	if svc.maxUpload <= 0 {
		svc.maxUpload = attachment.DefaultMaxSize
	}
	if svc.events == nil {
		svc.events = events.Nop{}
	}
	if svc.now == nil {
		svc.now = time.Now
	}
	return svc
}

// BackendConfigured reports whether a generative backend is wired in.
func (s *Service) BackendConfigured() bool {
	return s.completer != nil
}

// Request is one inbound chat turn.
type Request struct {
	SessionID string
	Message   string
	Language  string
	// BaseURL prefixes the retrieval URLs of stored attachments.
	BaseURL string
	Files   []attachment.Upload
}

// Reply is the outcome of a successful turn.
type Reply struct {
	Response  string            `json:"response"`
	Files     []chat.Attachment `json:"files"`
	SessionID string            `json:"sessionId"`
}

// Send appends the user turn, asks the backend for a reply and records it.
// When the backend fails the user turn stays in the log and no assistant
// turn is added.
func (s *Service) Send(ctx context.Context, req Request) (*Reply, error) {
	if s.completer == nil {
		s.metrics.RecordChatTurn("backend_unavailable")
		return nil, ErrBackendUnavailable
	}

	if strings.TrimSpace(req.SessionID) == "" || (strings.TrimSpace(req.Message) == "" && len(req.Files) == 0) {
		s.metrics.RecordChatTurn("invalid")
		return nil, ErrValidation
	}

	uploads, err := attachment.Prepare(req.Files, s.maxUpload)
	if err != nil {
		s.metrics.RecordChatTurn("attachment_rejected")
		return nil, fmt.Errorf("%w: %w", ErrAttachmentRejected, err)
	}

	unlock := s.locks.Lock(req.SessionID)
	defer unlock()
	if p, ok := s.store.(pinner); ok {
		defer p.Pin(req.SessionID)()
	}

	attachments, err := s.storeAttachments(ctx, req.BaseURL, uploads)
	if err != nil {
		s.metrics.RecordChatTurn("storage_error")
		return nil, err
	}

	userMsg := chat.Message{
		ID:          uuid.NewString(),
		Role:        chat.RoleUser,
		Content:     annotate(req.Message, attachments),
		Attachments: attachments,
		Timestamp:   s.now().UTC(),
	}
	if err := s.store.Append(ctx, req.SessionID, userMsg); err != nil {
		s.metrics.RecordChatTurn("store_error")
		return nil, fmt.Errorf("append user message: %w", err)
	}

	history, err := s.store.Get(ctx, req.SessionID)
	if err != nil {
		s.metrics.RecordChatTurn("store_error")
		return nil, fmt.Errorf("load conversation: %w", err)
	}

	text, err := s.completer.Complete(ctx, ai.AssemblePrompt(s.system, history))
	if err != nil {
		s.metrics.RecordChatTurn("backend_error")
		s.publish(ctx, events.Event{
			Type:        events.TurnFailed,
			SessionID:   req.SessionID,
			Language:    req.Language,
			Attachments: len(attachments),
			Error:       err.Error(),
		})
		return nil, fmt.Errorf("%w: %w", ErrBackend, err)
	}

	assistantMsg := chat.Message{
		ID:        uuid.NewString(),
		Role:      chat.RoleAssistant,
		Content:   text,
		Timestamp: s.now().UTC(),
	}
	if err := s.store.Append(ctx, req.SessionID, assistantMsg); err != nil {
		s.metrics.RecordChatTurn("store_error")
		return nil, fmt.Errorf("append assistant message: %w", err)
	}
	if err := s.store.Prune(ctx, req.SessionID); err != nil {
		log.Printf("[chat] failed to prune session=%s: %v", req.SessionID, err)
	}

	s.metrics.RecordChatTurn("ok")
	s.publish(ctx, events.Event{
		Type:        events.TurnCompleted,
		SessionID:   req.SessionID,
		Language:    req.Language,
		Attachments: len(attachments),
		Messages:    len(history) + 1,
	})
	log.Printf("[chat] session=%s language=%s attachments=%d response_len=%d", req.SessionID, req.Language, len(attachments), len(text))

	return &Reply{
		Response:  text,
		Files:     attachments,
		SessionID: req.SessionID,
	}, nil
}

// Reset deletes the session's conversation. Unknown sessions are ignored.
func (s *Service) Reset(ctx context.Context, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return nil
	}

	unlock := s.locks.Lock(sessionID)
	defer unlock()

	if err := s.store.Delete(ctx, sessionID); err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	s.publish(ctx, events.Event{Type: events.SessionReset, SessionID: sessionID})
	return nil
}

// Transcript returns the stored conversation for a session.
func (s *Service) Transcript(ctx context.Context, sessionID string) ([]chat.Message, error) {
	return s.store.Get(ctx, sessionID)
}

func (s *Service) storeAttachments(ctx context.Context, baseURL string, uploads []attachment.Upload) ([]chat.Attachment, error) {
	if len(uploads) == 0 {
		return []chat.Attachment{}, nil
	}
	if s.storage == nil {
		return nil, errors.New("attachment storage not configured")
	}

	attachments, err := s.storage.Save(ctx, baseURL, uploads)
	if err != nil {
		return nil, fmt.Errorf("store attachments: %w", err)
	}
	for _, a := range attachments {
		s.metrics.RecordAttachment(string(a.Kind()))
	}
	return attachments, nil
}

func (s *Service) publish(ctx context.Context, ev events.Event) {
	ev.At = s.now().UTC()
	if err := s.events.Publish(ctx, ev); err != nil {
		log.Printf("[events] failed to publish %s for session=%s: %v", ev.Type, ev.SessionID, err)
	}
}

// annotate inlines one reference line per attachment into the message text.
func annotate(message string, attachments []chat.Attachment) string {
	if len(attachments) == 0 {
		return message
	}
	var b strings.Builder
	b.WriteString(message)
	for _, a := range attachments {
		b.WriteString("\n\n")
		b.WriteString(a.Annotation())
	}
	return b.String()
}
