// Package openai is the OpenAI chat completions oracle provider.
package openai

import (
	"context"
	"fmt"

	"github.com/sashabaranov/go-openai"

	"smart-ticket-relay-go/internal/config"
	"smart-ticket-relay-go/internal/oracle"
)

// Client implements oracle.Provider using OpenAI
type Client struct {
	client    *openai.Client
	modelName string
}

// New creates a Client from configuration. A base URL selects an
// OpenAI-compatible endpoint.
func New(cfg config.OpenAIConfig) *Client {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &Client{
		client:    openai.NewClientWithConfig(clientCfg),
		modelName: cfg.ModelName,
	}
}

// Name returns the provider and model name
func (c *Client) Name() string {
	return "openai/" + c.modelName
}

// GenerateResponse sends prompt as a single user message and returns the reply
func (c *Client) GenerateResponse(ctx context.Context, prompt string, opts oracle.GenerateOptions) (string, error) {
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if opts.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: opts.System,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt,
	})

	req := openai.ChatCompletionRequest{
		Model:       c.modelName,
		Messages:    messages,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("failed to create chat completion with OpenAI: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty response from OpenAI")
	}
	return resp.Choices[0].Message.Content, nil
}

var _ oracle.Provider = (*Client)(nil)
