package ai

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms/fake"

	"github.com/zhouzirui/kisan-chat/backend/internal/config"
	"github.com/zhouzirui/kisan-chat/backend/internal/metrics"
)

type stubCompleter struct {
	text   string
	err    error
	prompt string
}

func (s *stubCompleter) Complete(_ context.Context, prompt string) (string, error) {
	s.prompt = prompt
	return s.text, s.err
}

func TestServiceCompletePassesPromptThrough(t *testing.T) {
	stub := &stubCompleter{text: "Use neem oil"}
	svc := NewServiceWithBackend("stub", stub, metrics.New())

	text, err := svc.Complete(context.Background(), "prompt text")
	require.NoError(t, err)
	assert.Equal(t, "Use neem oil", text)
	assert.Equal(t, "prompt text", stub.prompt)
	assert.Equal(t, "stub", svc.Provider())
}

func TestServiceCompleteWrapsBackendErrors(t *testing.T) {
	cause := errors.New("quota exceeded")
	svc := NewServiceWithBackend("stub", &stubCompleter{err: cause}, nil)

	_, err := svc.Complete(context.Background(), "p")
	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
}

func TestServiceCompleteRejectsEmptyText(t *testing.T) {
	svc := NewServiceWithBackend("stub", &stubCompleter{}, nil)

	_, err := svc.Complete(context.Background(), "p")
	assert.ErrorIs(t, err, ErrEmptyCompletion)
}

func TestNewServiceRequiresCredentials(t *testing.T) {
	_, err := NewService(context.Background(), config.AIConfig{Provider: config.ProviderGemini}, nil)
	assert.Error(t, err)
}

func TestOpenAICompleterUsesLangchainModel(t *testing.T) {
	completer := &openAICompleter{llm: fake.NewFakeLLM([]string{"water early morning"})}
	svc := NewServiceWithBackend(config.ProviderOpenAI, completer, nil)

	text, err := svc.Complete(context.Background(), "When should I irrigate?")
	require.NoError(t, err)
	assert.Equal(t, "water early morning", text)
}
