package ai

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/zhouzirui/kisan-chat/backend/internal/config"
)

// openAICompleter targets any OpenAI-compatible endpoint through langchaingo.
type openAICompleter struct {
	llm llms.Model
}

func newOpenAICompleter(cfg config.AIConfig) (*openAICompleter, error) {
	opts := []openai.Option{
		openai.WithToken(cfg.OpenAIAPIKey),
		openai.WithModel(cfg.OpenAIModel),
	}
	if cfg.OpenAIBaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.OpenAIBaseURL))
	}

	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create openai client: %w", err)
	}
	return &openAICompleter{llm: llm}, nil
}

func (o *openAICompleter) Complete(ctx context.Context, prompt string) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, o.llm, prompt)
}
