// Package oracle asks an LLM what to do with an inbound email and turns the
// answer into a validated Decision. Provider failures never escape as fatal
// errors: callers fall back to SafeDefault.
package oracle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"smart-ticket-relay-go/internal/model"
)

// IntentUnknown is the intent of the safe default decision
const IntentUnknown = "unknown"

// GenerateOptions are per-call generation settings
type GenerateOptions struct {
	MaxTokens   int
	Temperature float32
	System      string
}

// Provider is one LLM backend. Implementations live in the openai, gemini and
// bedrock subpackages.
type Provider interface {
	GenerateResponse(ctx context.Context, prompt string, opts GenerateOptions) (string, error)
	Name() string
}

// Email is the normalized inbound email
type Email struct {
	MessageID   string
	Sender      string
	Subject     string
	Body        string
	Attachments []string
}

// Input is everything the oracle sees for one decision
type Input struct {
	Email               Email
	Ticket              model.Ticket
	Related             []string
	ConversationSummary string
	History             []model.SentMessage
}

// Draft is a proposed outbound message
type Draft struct {
	Subject   string   `json:"subject,omitempty"`
	Body      string   `json:"body"`
	Recipient string   `json:"recipient,omitempty"`
	CC        []string `json:"cc,omitempty"`
}

// Empty reports whether the draft carries no content
func (d *Draft) Empty() bool {
	return d == nil || strings.TrimSpace(d.Body) == ""
}

// Decision is the oracle's structured recommendation
type Decision struct {
	Intent                     string  `json:"intent"`
	Confidence                 float64 `json:"confidence"`
	RequiresEscalation         bool    `json:"requires_escalation"`
	EscalationReason           string  `json:"escalation_reason,omitempty"`
	CustomerDraft              *Draft  `json:"customer_draft,omitempty"`
	SupplierDraft              *Draft  `json:"supplier_draft,omitempty"`
	InternalNote               string  `json:"internal_note"`
	ConversationSummaryUpdates string  `json:"conversation_summary_updates,omitempty"`

	// Failed is set on the safe default produced after an oracle failure
	Failed bool   `json:"-"`
	Model  string `json:"-"`
	Raw    string `json:"-"`
}

// Decider produces decisions
type Decider interface {
	Decide(ctx context.Context, in Input) (*Decision, error)
}

// SafeDefault is the decision used when the oracle fails: escalate, draft
// nothing, and leave an internal note explaining why.
func SafeDefault(err error) *Decision {
	reason := "oracle failure"
	if err != nil {
		reason = fmt.Sprintf("oracle failure: %v", err)
	}
	return &Decision{
		Intent:             IntentUnknown,
		Confidence:         0,
		RequiresEscalation: true,
		EscalationReason:   reason,
		InternalNote:       "Automated triage unavailable (" + reason + "). Please review this ticket manually.",
		Failed:             true,
	}
}

// Record converts d into the persisted decision log row
func (d *Decision) Record(ticketID uint, messageID string, at time.Time) *model.DecisionRecord {
	return &model.DecisionRecord{
		TicketID:           ticketID,
		MessageID:          messageID,
		Intent:             d.Intent,
		Confidence:         d.Confidence,
		RequiresEscalation: d.RequiresEscalation,
		EscalationReason:   d.EscalationReason,
		OracleFailed:       d.Failed,
		Model:              d.Model,
		RawResponse:        d.Raw,
		CreatedAt:          at,
	}
}
