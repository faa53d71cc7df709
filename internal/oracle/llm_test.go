package oracle

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smart-ticket-relay-go/internal/apperr"
	"smart-ticket-relay-go/internal/config"
	"smart-ticket-relay-go/internal/model"
)

type fakeProvider struct {
	reply  string
	err    error
	prompt string
	opts   GenerateOptions
}

func (f *fakeProvider) GenerateResponse(_ context.Context, prompt string, opts GenerateOptions) (string, error) {
	f.prompt = prompt
	f.opts = opts
	return f.reply, f.err
}

func (f *fakeProvider) Name() string { return "fake/model" }

func newOracle(t *testing.T, p Provider) *LLMOracle {
	t.Helper()
	o, err := NewLLMOracle(p, config.LLMConfig{MaxTokens: 1000, Temperature: 0.2, MaxBodySize: 200})
	require.NoError(t, err)
	return o
}

func testInput() Input {
	return Input{
		Email: Email{MessageID: "m1", Sender: "jane@example.com", Subject: "Where is order 12345?", Body: "Still waiting."},
		Ticket: model.Ticket{
			TicketNumber:  "DE25000042",
			OrderNumber:   "12345",
			CustomerEmail: "jane@example.com",
			SupplierEmail: "orders@supplier.example",
		},
		ConversationSummary: "Customer asked about delivery.",
	}
}

func TestDecideParsesWrappedJSON(t *testing.T) {
	p := &fakeProvider{reply: "Here you go:\n```json\n" + `{
		"intent": "tracking_request",
		"confidence": 1.7,
		"requires_escalation": false,
		"customer_draft": {"subject": "Your order", "body": "We asked the supplier."},
		"supplier_draft": {"body": "   "},
		"internal_note": "Asked supplier for tracking.",
		"conversation_summary_updates": "Tracking requested from supplier."
	}` + "\n```"}
	o := newOracle(t, p)

	d, err := o.Decide(context.Background(), testInput())
	require.NoError(t, err)
	assert.Equal(t, "tracking_request", d.Intent)
	assert.Equal(t, 1.0, d.Confidence)
	require.NotNil(t, d.CustomerDraft)
	assert.Equal(t, "We asked the supplier.", d.CustomerDraft.Body)
	assert.Nil(t, d.SupplierDraft, "whitespace-only drafts are dropped")
	assert.Equal(t, "fake/model", d.Model)
	assert.False(t, d.Failed)

	assert.Contains(t, p.prompt, "DE25000042")
	assert.Contains(t, p.prompt, "Customer asked about delivery.")
	assert.Equal(t, systemPrompt, p.opts.System)
	assert.Equal(t, 1000, p.opts.MaxTokens)
}

func TestDecideSchemaViolation(t *testing.T) {
	o := newOracle(t, &fakeProvider{reply: `{"intent": "x", "confidence": "high"}`})

	_, err := o.Decide(context.Background(), testInput())
	require.Error(t, err)
	assert.Equal(t, apperr.KindOracle, apperr.KindOf(err))
}

func TestDecideProviderError(t *testing.T) {
	o := newOracle(t, &fakeProvider{err: errors.New("rate limited")})

	_, err := o.Decide(context.Background(), testInput())
	require.Error(t, err)
	assert.Equal(t, apperr.KindOracle, apperr.KindOf(err))
	assert.Contains(t, err.Error(), "rate limited")
}

func TestDecideNotJSON(t *testing.T) {
	o := newOracle(t, &fakeProvider{reply: "I cannot help with that."})

	_, err := o.Decide(context.Background(), testInput())
	assert.Error(t, err)
}

func TestEscalationReasonDefaulted(t *testing.T) {
	o := newOracle(t, &fakeProvider{reply: `{"intent":"complaint","confidence":0.4,"requires_escalation":true,"internal_note":"Angry customer."}`})

	d, err := o.Decide(context.Background(), testInput())
	require.NoError(t, err)
	assert.True(t, d.RequiresEscalation)
	assert.NotEmpty(t, d.EscalationReason)
	assert.Nil(t, d.CustomerDraft)
}

func TestSafeDefault(t *testing.T) {
	d := SafeDefault(errors.New("timeout"))
	assert.Equal(t, IntentUnknown, d.Intent)
	assert.True(t, d.RequiresEscalation)
	assert.True(t, d.Failed)
	assert.Nil(t, d.CustomerDraft)
	assert.Nil(t, d.SupplierDraft)
	assert.Contains(t, d.EscalationReason, "timeout")
	assert.NotEmpty(t, d.InternalNote)
}

func TestTruncateKeepsValidUTF8(t *testing.T) {
	body := strings.Repeat("ä", 10)
	out := truncate(body, 5)
	assert.True(t, strings.HasPrefix(out, "ää"))
	assert.NotContains(t, out, "�")
	assert.Equal(t, body, truncate(body, 0))
}

func TestPromptTruncatesBody(t *testing.T) {
	p := &fakeProvider{reply: `{"intent":"x","confidence":0.5,"requires_escalation":false,"internal_note":"n"}`}
	o := newOracle(t, p)
	in := testInput()
	in.Email.Body = strings.Repeat("a", 1000)

	_, err := o.Decide(context.Background(), in)
	require.NoError(t, err)
	assert.Contains(t, p.prompt, "Content truncated")
	assert.NotContains(t, p.prompt, strings.Repeat("a", 201))
}
