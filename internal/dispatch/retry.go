package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"smart-ticket-relay-go/internal/model"
	"smart-ticket-relay-go/internal/pending"
)

// RetryStats summarises one retry run
type RetryStats struct {
	Candidates int `json:"candidates"`
	Deferred   int `json:"deferred"`
	Attempted  int `json:"attempted"`
	Sent       int `json:"sent"`
	Failed     int `json:"failed"`
	Escalated  int `json:"escalated"`
}

// RetryJob re-sends transiently failed messages on a linear backoff and
// escalates messages that reached the retry ceiling
type RetryJob struct {
	dispatcher *Dispatcher
	now        func() time.Time
}

// NewRetryJob creates the retry job
func NewRetryJob(d *Dispatcher) *RetryJob {
	return &RetryJob{
		dispatcher: d,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source
func (j *RetryJob) SetClock(now func() time.Time) {
	j.now = now
}

// Due reports whether the backoff gate lets m be retried at now: attempt n
// waits until n retry intervals have passed since creation.
func Due(m *model.PendingMessage, interval time.Duration, now time.Time) bool {
	return now.Sub(m.CreatedAt) >= interval*time.Duration(m.RetryCount)
}

// Run performs one retry pass
func (j *RetryJob) Run(ctx context.Context) (RetryStats, error) {
	var stats RetryStats
	d := j.dispatcher
	maxRetries := d.cfg.MaxRetries

	exhausted, err := d.messages.ListUnescalatedExhausted(ctx, maxRetries)
	if err != nil {
		return stats, err
	}
	for i := range exhausted {
		m := &exhausted[i]
		reason := fmt.Sprintf("%s after %d attempts: %s", pending.ReasonRetriesExhausted, m.RetryCount, m.LastError)
		ok, err := d.messages.Escalate(ctx, m.ID, reason)
		if err != nil {
			logrus.Errorf("Failed to escalate message %d: %v", m.ID, err)
			continue
		}
		if ok {
			stats.Escalated++
			m.LastError = reason
			d.exhausted(ctx, m, j.ticketNumber(ctx, m.TicketID))
		}
	}

	candidates, err := d.messages.ListRetryCandidates(ctx, maxRetries, d.cfg.BatchSize)
	if err != nil {
		return stats, err
	}
	stats.Candidates = len(candidates)

	now := j.now()
	interval := d.cfg.RetryInterval()
	for i := range candidates {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		m := &candidates[i]
		if !Due(m, interval, now) {
			stats.Deferred++
			logrus.WithFields(logrus.Fields{
				"pending_message_id": m.ID,
				"retry_count":        m.RetryCount,
			}).Debug("Retry not due yet")
			continue
		}

		claimed, token, err := d.messages.Claim(ctx, m.ID, []string{model.StatusFailed}, d.cfg.ClaimLease)
		if err != nil {
			if errors.Is(err, pending.ErrClaimed) || errors.Is(err, pending.ErrInvalidTransition) {
				stats.Deferred++
				continue
			}
			logrus.Errorf("Failed to claim message %d for retry: %v", m.ID, err)
			continue
		}

		stats.Attempted++
		res, err := d.Dispatch(ctx, claimed, token)
		if err != nil {
			logrus.Errorf("Retry of message %d failed: %v", m.ID, err)
			stats.Failed++
			continue
		}
		if res.Sent {
			stats.Sent++
			continue
		}
		stats.Failed++
		if res.Message.Escalated {
			stats.Escalated++
		}
	}

	logrus.WithFields(logrus.Fields{
		"candidates": stats.Candidates,
		"deferred":   stats.Deferred,
		"attempted":  stats.Attempted,
		"sent":       stats.Sent,
		"failed":     stats.Failed,
		"escalated":  stats.Escalated,
	}).Info("Retry run completed")

	return stats, nil
}

func (j *RetryJob) ticketNumber(ctx context.Context, ticketID uint) string {
	t, err := j.dispatcher.tickets.Get(ctx, ticketID)
	if err != nil {
		return ""
	}
	return t.TicketNumber
}
