// Package llm holds the model-backed classifier and evidence scorers.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// chatClient sends one system+user exchange to an OpenAI-compatible chat
// endpoint and decodes a JSON object reply.
type chatClient struct {
	client *openai.Client
	model  string
}

func newChatClient(apiKeyEnv, model, baseURL string) (*chatClient, error) {
	apiKey := os.Getenv(apiKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("API key not found in environment variable: %s", apiKeyEnv)
	}
	if model == "" {
		model = "gpt-4o-mini"
	}

	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &chatClient{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}, nil
}

func (c *chatClient) completeJSON(ctx context.Context, system, user string, out any) error {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return fmt.Errorf("chat completion returned no choices")
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.Trim(content, "`\n ")
	if err := json.Unmarshal([]byte(content), out); err != nil {
		return fmt.Errorf("failed to parse model reply %q: %w", content, err)
	}
	return nil
}
