package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/sirupsen/logrus"

	"smart-ticket-relay-go/internal/apperr"
	"smart-ticket-relay-go/internal/config"
)

const systemPrompt = "You are a customer support triage assistant for an e-commerce shop. Respond only with JSON."

const promptFormat = `Decide how to handle the following inbound support email.

Respond with a JSON object containing:
- intent: string (short label, e.g. "tracking_request", "return_request", "supplier_update", "complaint")
- confidence: number between 0 and 1
- requires_escalation: boolean (true when a human must take over)
- escalation_reason: string (required when requires_escalation is true)
- customer_draft: object {subject, body} or null. Only when the customer needs an answer.
- supplier_draft: object {subject, body} or null. Only when something must be asked of the supplier
  that the conversation does not already contain. Never repeat a question the supplier answered.
- internal_note: string (always present, a short note for the support team)
- conversation_summary_updates: string (the updated running summary of this ticket)

Ticket:
Number: %s
Order number: %s
Purchase order: %s
State: %s
Customer: %s <%s>
Supplier: %s <%s>
Tracking: %s %s
Related tickets: %s

Conversation summary:
%s

Recent outbound messages:
%s

Email:
From: %s
Subject: %s
Attachments: %s
Body:
%s

Respond only with the JSON object and nothing else.`

// LLMOracle is the Decider backed by an LLM Provider
type LLMOracle struct {
	provider    Provider
	schema      *jsonschema.Schema
	maxTokens   int
	temperature float32
	maxBodySize int
}

// NewLLMOracle creates an oracle around provider
func NewLLMOracle(provider Provider, cfg config.LLMConfig) (*LLMOracle, error) {
	schema, err := compileSchema()
	if err != nil {
		return nil, err
	}
	return &LLMOracle{
		provider:    provider,
		schema:      schema,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		maxBodySize: cfg.MaxBodySize,
	}, nil
}

// Decide asks the provider for a decision. Any error is an oracle failure;
// callers use SafeDefault in its place.
func (o *LLMOracle) Decide(ctx context.Context, in Input) (*Decision, error) {
	prompt := o.buildPrompt(in)

	raw, err := o.provider.GenerateResponse(ctx, prompt, GenerateOptions{
		MaxTokens:   o.maxTokens,
		Temperature: o.temperature,
		System:      systemPrompt,
	})
	if err != nil {
		return nil, apperr.Oracle("decide", fmt.Errorf("%s: %w", o.provider.Name(), err))
	}

	d, err := o.parse(raw)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"message_id": in.Email.MessageID,
			"provider":   o.provider.Name(),
		}).WithError(err).Warn("Invalid oracle response")
		return nil, apperr.Oracle("decide", err)
	}
	d.Model = o.provider.Name()
	d.Raw = raw
	return d, nil
}

// parse extracts, validates and normalizes the JSON decision in raw
func (o *LLMOracle) parse(raw string) (*Decision, error) {
	body, err := extractJSON(raw)
	if err != nil {
		return nil, err
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse LLM response as JSON: %w", err)
	}
	if err := o.schema.Validate(inst); err != nil {
		return nil, fmt.Errorf("LLM response does not match decision schema: %w", err)
	}

	var d Decision
	if err := json.Unmarshal(body, &d); err != nil {
		return nil, fmt.Errorf("failed to decode decision: %w", err)
	}

	d.Intent = strings.TrimSpace(d.Intent)
	d.Confidence = clamp(d.Confidence)
	if d.RequiresEscalation && strings.TrimSpace(d.EscalationReason) == "" {
		d.EscalationReason = "escalation requested by oracle"
	}
	if d.CustomerDraft.Empty() {
		d.CustomerDraft = nil
	}
	if d.SupplierDraft.Empty() {
		d.SupplierDraft = nil
	}
	return &d, nil
}

func (o *LLMOracle) buildPrompt(in Input) string {
	t := in.Ticket
	related := "none"
	if len(in.Related) > 0 {
		related = strings.Join(in.Related, ", ")
	} else if len(t.RelatedTicketNumbers) > 0 {
		related = strings.Join(t.RelatedTicketNumbers, ", ")
	}
	summary := in.ConversationSummary
	if summary == "" {
		summary = "(none)"
	}
	attachments := "none"
	if len(in.Email.Attachments) > 0 {
		attachments = strings.Join(in.Email.Attachments, ", ")
	}

	var history strings.Builder
	if len(in.History) == 0 {
		history.WriteString("(none)")
	}
	for _, m := range in.History {
		fmt.Fprintf(&history, "[%s] %s to %s: %s\n", m.SentAt.Format("2006-01-02 15:04"), m.Class, m.Recipient,
			truncate(m.Body, 500))
	}

	return fmt.Sprintf(promptFormat,
		t.TicketNumber, t.OrderNumber, t.PurchaseOrderNumber, t.State,
		t.CustomerName, t.CustomerEmail, t.SupplierName, t.SupplierEmail,
		t.Carrier, t.TrackingNumber, related,
		summary, history.String(),
		in.Email.Sender, in.Email.Subject, attachments,
		truncate(in.Email.Body, o.maxBodySize),
	)
}

// extractJSON returns the outermost JSON object in s. Models often wrap
// their answer in prose or code fences.
func extractJSON(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if json.Valid([]byte(s)) {
		return []byte(s), nil
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return nil, errors.New("failed to extract JSON from LLM response")
	}
	body := []byte(s[start : end+1])
	if !json.Valid(body) {
		return nil, errors.New("failed to extract JSON from LLM response: invalid JSON")
	}
	return body, nil
}

// truncate cuts text to maxSize bytes on a rune boundary
func truncate(text string, maxSize int) string {
	if maxSize <= 0 || len(text) <= maxSize {
		return text
	}
	cut := text[:maxSize]
	for !utf8.ValidString(cut) && len(cut) > 0 {
		cut = cut[:len(cut)-1]
	}
	return cut + "\n[... Content truncated due to size limits ...]"
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
