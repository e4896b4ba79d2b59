package ws

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	chatservice "github.com/zhouzirui/kisan-chat/backend/internal/service/chat"
)

type echoCompleter struct{ err error }

func (e echoCompleter) Complete(_ context.Context, prompt string) (string, error) {
	if e.err != nil {
		return "", e.err
	}
	return "reply:" + prompt[strings.LastIndex(prompt, "user: ")+6:strings.LastIndex(prompt, "\n\nassistant:")], nil
}

type slowCompleter struct{ delay time.Duration }

func (s slowCompleter) Complete(ctx context.Context, _ string) (string, error) {
	select {
	case <-time.After(s.delay):
		return "done", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func newHandler(completer chatservice.Completer) *Handler {
	svc := chatservice.NewService(chatservice.NewMemoryStore(10, 20), completer, nil, chatservice.Options{})
	return New(svc)
}

func dial(t *testing.T, completer chatservice.Completer, query string) *websocket.Conn {
	t.Helper()
	return dialHandler(t, newHandler(completer), query)
}

func dialHandler(t *testing.T, h *Handler, query string) *websocket.Conn {
	t.Helper()
	r := chi.NewRouter()
	h.RegisterRoutes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var hello outboundFrame
	if err := conn.ReadJSON(&hello); err != nil || hello.Type != "connected" {
		t.Fatalf("expected connected frame, got %+v (%v)", hello, err)
	}
	return conn
}

func roundTrip(t *testing.T, conn *websocket.Conn, in inboundFrame) outboundFrame {
	t.Helper()
	if err := conn.WriteJSON(in); err != nil {
		t.Fatalf("write: %v", err)
	}
	var out outboundFrame
	if err := conn.ReadJSON(&out); err != nil {
		t.Fatalf("read: %v", err)
	}
	return out
}

func TestWebSocketChat(t *testing.T) {
	conn := dial(t, echoCompleter{}, "?sessionId=ws-1")

	out := roundTrip(t, conn, inboundFrame{Message: "what fertiliser?"})
	if out.Type != "reply" || out.Response != "reply:what fertiliser?" || out.SessionID != "ws-1" {
		t.Fatalf("unexpected frame %+v", out)
	}

	out = roundTrip(t, conn, inboundFrame{Message: "for rice", SessionID: "ws-2"})
	if out.SessionID != "ws-2" {
		t.Fatalf("frame session should win, got %+v", out)
	}
}

func TestWebSocketValidationError(t *testing.T) {
	conn := dial(t, echoCompleter{}, "")

	out := roundTrip(t, conn, inboundFrame{Message: "no session"})
	if out.Type != "error" || out.Error != "Message and sessionId are required" {
		t.Fatalf("unexpected frame %+v", out)
	}
}

func TestWebSocketBackendError(t *testing.T) {
	conn := dial(t, echoCompleter{err: errors.New("quota exceeded")}, "?sessionId=s")

	out := roundTrip(t, conn, inboundFrame{Message: "hello"})
	if out.Type != "error" || !strings.Contains(out.Details, "quota exceeded") {
		t.Fatalf("unexpected frame %+v", out)
	}
}

func TestWebSocketSurvivesCompletionLongerThanReadTimeout(t *testing.T) {
	h := newHandler(slowCompleter{delay: 300 * time.Millisecond})
	h.readTimeout = 100 * time.Millisecond
	conn := dialHandler(t, h, "?sessionId=slow")

	for i := 0; i < 2; i++ {
		out := roundTrip(t, conn, inboundFrame{Message: "hello"})
		if out.Type != "reply" || out.Response != "done" {
			t.Fatalf("turn %d: unexpected frame %+v", i, out)
		}
	}
}
