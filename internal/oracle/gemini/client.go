// Package gemini is the Google Gemini oracle provider.
package gemini

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"smart-ticket-relay-go/internal/config"
	"smart-ticket-relay-go/internal/oracle"
)

// Client implements oracle.Provider using Gemini
type Client struct {
	client    *genai.Client
	modelName string
}

// New creates a Client from configuration
func New(ctx context.Context, cfg config.GeminiConfig) (*Client, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &Client{client: client, modelName: cfg.ModelName}, nil
}

// Close closes the Gemini client
func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// Name returns the provider and model name
func (c *Client) Name() string {
	return "gemini/" + c.modelName
}

// GenerateResponse generates content for prompt and returns the text parts of
// the first candidate
func (c *Client) GenerateResponse(ctx context.Context, prompt string, opts oracle.GenerateOptions) (string, error) {
	model := c.client.GenerativeModel(c.modelName)
	model.SetTemperature(opts.Temperature)
	if opts.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(opts.MaxTokens))
	}
	model.ResponseMIMEType = "application/json"
	if opts.System != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(opts.System)}}
	}

	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("failed to generate content with Gemini: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("empty response from Gemini")
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			sb.WriteString(string(text))
		}
	}
	return sb.String(), nil
}

var _ oracle.Provider = (*Client)(nil)
