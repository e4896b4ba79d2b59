package chat_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/kisan-chat/backend/internal/events"
	model "github.com/zhouzirui/kisan-chat/backend/internal/model/chat"
	"github.com/zhouzirui/kisan-chat/backend/internal/service/attachment"
	chat "github.com/zhouzirui/kisan-chat/backend/internal/service/chat"
)

type fakeCompleter struct {
	mu      sync.Mutex
	reply   func(prompt string) (string, error)
	prompts []string
}

func (f *fakeCompleter) Complete(_ context.Context, prompt string) (string, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()
	return f.reply(prompt)
}

func replyWith(text string) *fakeCompleter {
	return &fakeCompleter{reply: func(string) (string, error) { return text, nil }}
}

type fakeStorage struct {
	calls int
}

func (f *fakeStorage) Save(_ context.Context, baseURL string, uploads []attachment.Upload) ([]model.Attachment, error) {
	f.calls++
	out := make([]model.Attachment, len(uploads))
	for i, u := range uploads {
		out[i] = model.Attachment{
			Filename: u.Filename,
			URL:      fmt.Sprintf("%s/uploads/stored-%d", baseURL, i),
			Type:     u.ContentType,
		}
	}
	return out, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingPublisher) Publish(_ context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func image(name string) attachment.Upload {
	return attachment.Upload{
		Filename:    name,
		ContentType: "image/jpeg",
		Size:        4,
		Open:        func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader([]byte("jpeg"))), nil },
	}
}

func TestSendStoresBothTurns(t *testing.T) {
	store := chat.NewMemoryStore(10, model.MaxConversationMessages)
	svc := chat.NewService(store, replyWith("ok"), &fakeStorage{}, chat.Options{})
	ctx := context.Background()

	reply, err := svc.Send(ctx, chat.Request{SessionID: "s1", Message: "test"})
	require.NoError(t, err)
	assert.Equal(t, "ok", reply.Response)
	assert.Equal(t, "s1", reply.SessionID)
	assert.NotNil(t, reply.Files)
	assert.Empty(t, reply.Files)

	log, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, log, 2)
	assert.Equal(t, model.RoleUser, log[0].Role)
	assert.Equal(t, "test", log[0].Content)
	assert.Equal(t, model.RoleAssistant, log[1].Role)
	assert.Equal(t, "ok", log[1].Content)
}

func TestSendKeepsSessionWhileOtherSessionsFillStore(t *testing.T) {
	store := chat.NewMemoryStore(1, model.MaxConversationMessages)
	ctx := context.Background()
	completer := &fakeCompleter{reply: func(string) (string, error) {
		if err := store.Append(ctx, "other", model.Message{Role: model.RoleUser, Content: "hi"}); err != nil {
			return "", err
		}
		return "ok", nil
	}}
	svc := chat.NewService(store, completer, &fakeStorage{}, chat.Options{})

	_, err := svc.Send(ctx, chat.Request{SessionID: "s1", Message: "test"})
	require.NoError(t, err)

	log, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, log, 2)
	assert.Equal(t, model.RoleUser, log[0].Role)
	assert.Equal(t, model.RoleAssistant, log[1].Role)
}

func TestSendRejectsSixFilesWithoutMutation(t *testing.T) {
	store := chat.NewMemoryStore(10, model.MaxConversationMessages)
	storage := &fakeStorage{}
	completer := replyWith("ok")
	svc := chat.NewService(store, completer, storage, chat.Options{})

	files := make([]attachment.Upload, 6)
	for i := range files {
		files[i] = image(fmt.Sprintf("p%d.jpg", i))
	}

	_, err := svc.Send(context.Background(), chat.Request{SessionID: "s1", Message: "look", Files: files})
	require.ErrorIs(t, err, chat.ErrAttachmentRejected)
	assert.ErrorIs(t, err, attachment.ErrTooManyFiles)
	assert.Equal(t, 0, storage.calls)
	assert.Equal(t, 0, store.Len())
	assert.Empty(t, completer.prompts)
}

func TestSendBackendFailureKeepsUserTurn(t *testing.T) {
	store := chat.NewMemoryStore(10, model.MaxConversationMessages)
	cause := errors.New("network down")
	completer := &fakeCompleter{reply: func(string) (string, error) { return "", cause }}
	publisher := &recordingPublisher{}
	svc := chat.NewService(store, completer, &fakeStorage{}, chat.Options{Events: publisher})
	ctx := context.Background()

	_, err := svc.Send(ctx, chat.Request{SessionID: "s2", Message: "help"})
	require.ErrorIs(t, err, chat.ErrBackend)
	assert.ErrorIs(t, err, cause)

	log, err := store.Get(ctx, "s2")
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.Equal(t, model.RoleUser, log[0].Role)

	require.Len(t, publisher.events, 1)
	assert.Equal(t, events.TurnFailed, publisher.events[0].Type)
}

func TestSendWithoutBackendIsUnavailable(t *testing.T) {
	store := chat.NewMemoryStore(10, model.MaxConversationMessages)
	storage := &fakeStorage{}
	svc := chat.NewService(store, nil, storage, chat.Options{})

	_, err := svc.Send(context.Background(), chat.Request{SessionID: "s1", Message: "hi", Files: []attachment.Upload{image("a.jpg")}})
	require.ErrorIs(t, err, chat.ErrBackendUnavailable)
	assert.False(t, svc.BackendConfigured())
	assert.Equal(t, 0, store.Len())
	assert.Equal(t, 0, storage.calls)
}

func TestSendValidation(t *testing.T) {
	svc := chat.NewService(chat.NewMemoryStore(10, 20), replyWith("ok"), &fakeStorage{}, chat.Options{})
	ctx := context.Background()

	_, err := svc.Send(ctx, chat.Request{Message: "hello"})
	assert.ErrorIs(t, err, chat.ErrValidation)

	_, err = svc.Send(ctx, chat.Request{SessionID: "s1", Message: "   "})
	assert.ErrorIs(t, err, chat.ErrValidation)

	reply, err := svc.Send(ctx, chat.Request{SessionID: "s1", Files: []attachment.Upload{image("leaf.jpg")}})
	require.NoError(t, err)
	assert.Len(t, reply.Files, 1)
}

func TestSendAnnotatesAttachments(t *testing.T) {
	store := chat.NewMemoryStore(10, 20)
	completer := replyWith("Looks like leaf blight")
	svc := chat.NewService(store, completer, &fakeStorage{}, chat.Options{SystemPrompt: "SYS"})
	ctx := context.Background()

	reply, err := svc.Send(ctx, chat.Request{
		SessionID: "s1",
		Message:   "What is this?",
		BaseURL:   "http://farm.local",
		Files:     []attachment.Upload{image("leaf.jpg"), image("stem.jpg")},
	})
	require.NoError(t, err)
	require.Len(t, reply.Files, 2)

	log, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	want := "What is this?" +
		"\n\n[Uploaded file: leaf.jpg - http://farm.local/uploads/stored-0]" +
		"\n\n[Uploaded file: stem.jpg - http://farm.local/uploads/stored-1]"
	assert.Equal(t, want, log[0].Content)
	assert.Len(t, log[0].Attachments, 2)

	require.Len(t, completer.prompts, 1)
	assert.True(t, strings.HasPrefix(completer.prompts[0], "SYS\n\nConversation history:\nuser: What is this?"))
	assert.True(t, strings.HasSuffix(completer.prompts[0], "\n\nassistant:"))
}

func TestSendPrunesToCap(t *testing.T) {
	store := chat.NewMemoryStore(10, model.MaxConversationMessages)
	var turn atomic.Int32
	completer := &fakeCompleter{reply: func(string) (string, error) {
		return fmt.Sprintf("answer %d", turn.Load()), nil
	}}
	svc := chat.NewService(store, completer, nil, chat.Options{})
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		turn.Store(int32(i))
		_, err := svc.Send(ctx, chat.Request{SessionID: "s1", Message: fmt.Sprintf("question %d", i)})
		require.NoError(t, err)

		log, err := store.Get(ctx, "s1")
		require.NoError(t, err)
		assert.LessOrEqual(t, len(log), model.MaxConversationMessages)
	}

	log, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, log, model.MaxConversationMessages)
	assert.Equal(t, "question 5", log[0].Content)
	assert.Equal(t, "answer 14", log[len(log)-1].Content)
}

func TestSendSerializesTurnsPerSession(t *testing.T) {
	store := chat.NewMemoryStore(10, 100)
	var inFlight, maxInFlight atomic.Int32
	completer := &fakeCompleter{reply: func(string) (string, error) {
		n := inFlight.Add(1)
		for {
			cur := maxInFlight.Load()
			if n <= cur || maxInFlight.CompareAndSwap(cur, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		inFlight.Add(-1)
		return "ok", nil
	}}
	svc := chat.NewService(store, completer, nil, chat.Options{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Send(ctx, chat.Request{SessionID: "shared", Message: fmt.Sprintf("m%d", i)})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInFlight.Load())
	log, err := store.Get(ctx, "shared")
	require.NoError(t, err)
	require.Len(t, log, 16)
	for i, msg := range log {
		if i%2 == 0 {
			assert.Equal(t, model.RoleUser, msg.Role)
		} else {
			assert.Equal(t, model.RoleAssistant, msg.Role)
		}
	}
}

func TestResetIsIdempotent(t *testing.T) {
	store := chat.NewMemoryStore(10, 20)
	publisher := &recordingPublisher{}
	svc := chat.NewService(store, replyWith("ok"), nil, chat.Options{Events: publisher})
	ctx := context.Background()

	require.NoError(t, svc.Reset(ctx, "unknown"))
	require.NoError(t, svc.Reset(ctx, ""))

	_, err := svc.Send(ctx, chat.Request{SessionID: "s1", Message: "hi"})
	require.NoError(t, err)
	require.NoError(t, svc.Reset(ctx, "s1"))

	log, err := svc.Transcript(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, log)

	var resets int
	for _, ev := range publisher.events {
		if ev.Type == events.SessionReset {
			resets++
		}
	}
	assert.Equal(t, 2, resets)
}
