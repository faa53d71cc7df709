package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"smart-ticket-relay-go/internal/config"
)

func TestNewDisabledIsNop(t *testing.T) {
	p := New(config.RedisConfig{Enabled: false})
	assert.IsType(t, Nop{}, p)
	p.Publish(context.Background(), Event{Type: MessageSent})
}

func TestRecorderFillsIDAndTime(t *testing.T) {
	r := &Recorder{}
	r.Publish(context.Background(), Event{Type: TicketEscalated, TicketNumber: "DE25000042"})

	evs := r.Events()
	assert.Len(t, evs, 1)
	assert.NotEmpty(t, evs[0].ID)
	assert.False(t, evs[0].CreatedAt.IsZero())
	assert.Equal(t, []string{TicketEscalated}, r.Types())
}
