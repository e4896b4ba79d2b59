package ai

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/kisan-chat/backend/internal/config"
)

// arkCompleter runs the assembled prompt through an eino chain backed by an
// Ark chat model.
type arkCompleter struct {
	chain compose.Runnable[map[string]any, *schema.Message]
}

func newArkCompleter(ctx context.Context, cfg config.AIConfig) (*arkCompleter, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.UserMessage("{prompt}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	return &arkCompleter{chain: runnable}, nil
}

func (a *arkCompleter) Complete(ctx context.Context, text string) (string, error) {
	response, err := a.chain.Invoke(ctx, map[string]any{"prompt": text})
	if err != nil {
		return "", fmt.Errorf("failed to run chat chain: %w", err)
	}
	if response == nil {
		return "", ErrEmptyCompletion
	}
	return response.Content, nil
}
