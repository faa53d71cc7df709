// Package bedrock is the Anthropic Claude on Amazon Bedrock oracle provider.
package bedrock

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"smart-ticket-relay-go/internal/config"
	"smart-ticket-relay-go/internal/oracle"
)

const anthropicVersion = "bedrock-2023-05-31"

// InvokeAPI is the subset of the Bedrock runtime client used here
type InvokeAPI interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Client implements oracle.Provider using the Claude messages API on Bedrock
type Client struct {
	client  InvokeAPI
	modelID string
}

type message struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type request struct {
	AnthropicVersion string    `json:"anthropic_version"`
	MaxTokens        int       `json:"max_tokens"`
	Temperature      float32   `json:"temperature"`
	System           string    `json:"system,omitempty"`
	Messages         []message `json:"messages"`
}

type response struct {
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
}

// New creates a Client using the default AWS credential chain
func New(ctx context.Context, cfg config.BedrockConfig) (*Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}
	return NewWithClient(bedrockruntime.NewFromConfig(awsCfg), cfg.ModelID), nil
}

// NewWithClient creates a Client around an existing runtime client
func NewWithClient(client InvokeAPI, modelID string) *Client {
	return &Client{client: client, modelID: modelID}
}

// Name returns the provider and model name
func (c *Client) Name() string {
	return "bedrock/" + c.modelID
}

// GenerateResponse invokes the model with prompt as a single user turn
func (c *Client) GenerateResponse(ctx context.Context, prompt string, opts oracle.GenerateOptions) (string, error) {
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2000
	}
	payload, err := json.Marshal(request{
		AnthropicVersion: anthropicVersion,
		MaxTokens:        maxTokens,
		Temperature:      opts.Temperature,
		System:           opts.System,
		Messages: []message{{
			Role:    "user",
			Content: []contentBlock{{Type: "text", Text: prompt}},
		}},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request payload: %w", err)
	}

	out, err := c.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(c.modelID),
		Body:        payload,
		Accept:      aws.String("application/json"),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to invoke Bedrock model: %w", err)
	}

	var resp response
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		return "", fmt.Errorf("failed to unmarshal Claude response: %w", err)
	}
	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("empty response from Bedrock (stop_reason=%s)", resp.StopReason)
	}
	return sb.String(), nil
}

var _ oracle.Provider = (*Client)(nil)
