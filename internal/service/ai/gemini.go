package ai

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// geminiCompleter calls the Gemini API through the Gen AI SDK.
type geminiCompleter struct {
	client *genai.Client
	model  string
}

func newGeminiCompleter(ctx context.Context, apiKey, model string) (*geminiCompleter, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &geminiCompleter{client: client, model: model}, nil
}

func (g *geminiCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), nil)
	if err != nil {
		return "", err
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return "", fmt.Errorf("no candidates in response: %w", ErrEmptyCompletion)
	}
	return strings.TrimSpace(resp.Text()), nil
}
