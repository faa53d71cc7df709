// Package events publishes pipeline events for the dashboard. Publishing is
// best effort: failures are logged and never fail the caller's unit of work.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"smart-ticket-relay-go/internal/config"
)

// Event types
const (
	MessageDrafted   = "message.drafted"
	MessageSent      = "message.sent"
	MessageFailed    = "message.failed"
	MessageEscalated = "message.escalated"
	TicketEscalated  = "ticket.escalated"
	EmailUnresolved  = "email.unresolved"
)

// Event is one pipeline event
type Event struct {
	ID               string    `json:"id"`
	Type             string    `json:"type"`
	TicketNumber     string    `json:"ticket_number,omitempty"`
	MessageID        string    `json:"message_id,omitempty"`
	PendingMessageID uint      `json:"pending_message_id,omitempty"`
	Detail           string    `json:"detail,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// Publisher publishes events
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// New returns a Redis publisher when enabled, otherwise a no-op
func New(cfg config.RedisConfig) Publisher {
	if !cfg.Enabled {
		return Nop{}
	}
	return NewRedisPublisher(redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}), cfg.Channel)
}

// RedisPublisher publishes JSON events on a pub/sub channel
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

// NewRedisPublisher creates a RedisPublisher
func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

// Publish sends e. Errors are logged.
func (p *RedisPublisher) Publish(ctx context.Context, e Event) {
	fill(&e)
	data, err := json.Marshal(e)
	if err != nil {
		logrus.WithError(err).Warn("Failed to encode event")
		return
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		logrus.WithFields(logrus.Fields{
			"type":    e.Type,
			"channel": p.channel,
		}).WithError(err).Warn("Failed to publish event")
	}
}

// Close closes the Redis connection
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

// Nop discards events
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}

// Recorder keeps published events in memory
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, e Event) {
	fill(&e)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Types returns the types of the recorded events in order
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

// Events returns a copy of the recorded events
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func fill(e *Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
}
