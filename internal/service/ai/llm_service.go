package ai

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/zhouzirui/kisan-chat/backend/internal/config"
	"github.com/zhouzirui/kisan-chat/backend/internal/metrics"
)

// ErrEmptyCompletion is returned when the backend answers without any text.
var ErrEmptyCompletion = errors.New("empty completion")

// Completer turns an assembled prompt into generated text.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Service is the gateway to the configured generative backend.
type Service struct {
	provider string
	backend  Completer
	metrics  *metrics.Metrics
}

// NewService creates the backend selected by cfg.Provider.
func NewService(ctx context.Context, cfg config.AIConfig, m *metrics.Metrics) (*Service, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("credentials for provider %q are not configured", cfg.Provider)
	}

	var (
		backend Completer
		err     error
	)
	switch cfg.Provider {
	case config.ProviderArk:
		backend, err = newArkCompleter(ctx, cfg)
	case config.ProviderOpenAI:
		backend, err = newOpenAICompleter(cfg)
	default:
		backend, err = newGeminiCompleter(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s backend: %w", cfg.Provider, err)
	}

	return NewServiceWithBackend(cfg.Provider, backend, m), nil
}

// NewServiceWithBackend wraps an existing Completer.
func NewServiceWithBackend(provider string, backend Completer, m *metrics.Metrics) *Service {
	return &Service{provider: provider, backend: backend, metrics: m}
}

// Provider names the backend in use.
func (s *Service) Provider() string {
	return s.provider
}

// Complete sends the prompt to the backend. The context is passed through
// untouched; no timeout is added here.
func (s *Service) Complete(ctx context.Context, prompt string) (string, error) {
	start := time.Now()
	text, err := s.backend.Complete(ctx, prompt)
	if err == nil && text == "" {
		err = ErrEmptyCompletion
	}
	elapsed := time.Since(start)
	s.metrics.RecordCompletion(s.provider, err, elapsed)

	if err != nil {
		return "", fmt.Errorf("%s completion failed: %w", s.provider, err)
	}

	log.Printf("[ai] provider=%s prompt_len=%d response_len=%d elapsed=%s", s.provider, len(prompt), len(text), elapsed.Round(time.Millisecond))
	return text, nil
}
