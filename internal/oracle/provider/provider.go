// Package provider selects the oracle's LLM backend once at startup.
package provider

import (
	"context"
	"fmt"

	"smart-ticket-relay-go/internal/config"
	"smart-ticket-relay-go/internal/oracle"
	"smart-ticket-relay-go/internal/oracle/bedrock"
	"smart-ticket-relay-go/internal/oracle/gemini"
	"smart-ticket-relay-go/internal/oracle/openai"
)

// New creates the provider named by cfg.Provider. The returned close function
// releases provider resources and is never nil.
func New(ctx context.Context, cfg config.LLMConfig) (oracle.Provider, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Provider {
	case "openai":
		return openai.New(cfg.OpenAI), noop, nil
	case "gemini":
		c, err := gemini.New(ctx, cfg.Gemini)
		if err != nil {
			return nil, noop, err
		}
		return c, c.Close, nil
	case "bedrock":
		c, err := bedrock.New(ctx, cfg.Bedrock)
		if err != nil {
			return nil, noop, err
		}
		return c, noop, nil
	default:
		return nil, noop, fmt.Errorf("unsupported LLM provider: %s", cfg.Provider)
	}
}
