// Package retryqueue parks inbound emails that could not be resolved to a
// ticket and hands them back for another attempt with exponential backoff.
// Entries that reach the attempt ceiling stay in place for operators to audit.
package retryqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"smart-ticket-relay-go/internal/config"
	"smart-ticket-relay-go/internal/db"
	"smart-ticket-relay-go/internal/model"
)

// ReasonMaxAttempts is stored on entries that exhausted their attempts
const ReasonMaxAttempts = "max attempts reached"

// ErrNotFound is returned when no entry exists for a message id
var ErrNotFound = errors.New("unresolved email not found")

// Entry is the email content needed to re-run resolution
type Entry struct {
	MessageID           string
	ThreadID            string
	Sender              string
	Subject             string
	Body                string
	TicketNumber        string
	OrderNumber         string
	PurchaseOrderNumber string
	AttachmentRefs      []string
	PendingExternalID   string
}

// Queue is the durable retry queue
type Queue struct {
	db          *gorm.DB
	retryDelay  time.Duration
	maxDelay    time.Duration
	maxAttempts int
	now         func() time.Time
}

// New creates a Queue
func New(gdb *gorm.DB, cfg config.RetryQueueConfig) *Queue {
	q := &Queue{
		db:          gdb,
		retryDelay:  cfg.RetryDelay,
		maxDelay:    cfg.MaxDelay,
		maxAttempts: cfg.MaxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
	}
	if q.retryDelay <= 0 {
		q.retryDelay = 30 * time.Minute
	}
	if q.maxDelay < q.retryDelay {
		q.maxDelay = q.retryDelay
	}
	if q.maxAttempts <= 0 {
		q.maxAttempts = 5
	}
	return q
}

// WithTx returns a queue bound to tx
func (q *Queue) WithTx(tx *gorm.DB) *Queue {
	c := *q
	c.db = tx
	return &c
}

// SetClock replaces the queue's clock
func (q *Queue) SetClock(now func() time.Time) {
	q.now = now
}

// MaxAttempts returns the attempt ceiling
func (q *Queue) MaxAttempts() int {
	return q.maxAttempts
}

// Schedule inserts or updates the entry for e.MessageID with
// nextAttemptAt = now + retryDelay and lastError = reason. Attempts are kept
// on update; MarkFailed counts them.
func (q *Queue) Schedule(ctx context.Context, e Entry, reason string) error {
	now := q.now()
	row := model.UnresolvedEmail{
		MessageID:           e.MessageID,
		ThreadID:            e.ThreadID,
		Sender:              e.Sender,
		Subject:             e.Subject,
		Body:                e.Body,
		TicketNumber:        e.TicketNumber,
		OrderNumber:         e.OrderNumber,
		PurchaseOrderNumber: e.PurchaseOrderNumber,
		AttachmentRefs:      e.AttachmentRefs,
		PendingExternalID:   e.PendingExternalID,
		NextAttemptAt:       now.Add(q.retryDelay),
		LastError:           reason,
	}

	update := []string{"next_attempt_at", "last_error", "updated_at"}
	if e.PendingExternalID != "" {
		update = append(update, "pending_external_id")
	}
	err := q.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "message_id"}},
		DoUpdates: clause.AssignmentColumns(update),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to schedule unresolved email %s: %w", e.MessageID, err)
	}

	logrus.WithFields(logrus.Fields{
		"message_id":      e.MessageID,
		"reason":          reason,
		"next_attempt_at": row.NextAttemptAt,
	}).Info("Email queued for resolution retry")
	return nil
}

// Due returns entries with nextAttemptAt <= now and attempts < maxAttempts
func (q *Queue) Due(ctx context.Context, limit int) ([]model.UnresolvedEmail, error) {
	var rows []model.UnresolvedEmail
	query := q.db.WithContext(ctx).
		Where("next_attempt_at <= ? AND attempts < ? AND gave_up = ?", q.now(), q.maxAttempts, false).
		Order("next_attempt_at asc")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load due unresolved emails: %w", err)
	}
	return rows, nil
}

// Contains reports whether messageID is parked in the queue
func (q *Queue) Contains(ctx context.Context, messageID string) (bool, error) {
	var count int64
	if err := q.db.WithContext(ctx).Model(&model.UnresolvedEmail{}).
		Where("message_id = ?", messageID).Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to check unresolved email %s: %w", messageID, err)
	}
	return count > 0, nil
}

// MarkFailed counts a failed attempt and reschedules the entry. The delay
// doubles per attempt up to maxDelay. At the ceiling the entry gives up and
// keeps lastError = "max attempts reached". It reports whether it gave up.
func (q *Queue) MarkFailed(ctx context.Context, messageID, reason, pendingExternalID string) (bool, error) {
	gaveUp := false
	err := db.UnitOfWork(ctx, q.db, func(tx *gorm.DB) error {
		var row model.UnresolvedEmail
		if err := tx.Where("message_id = ?", messageID).First(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}

		row.Attempts++
		row.LastError = reason
		if pendingExternalID != "" {
			row.PendingExternalID = pendingExternalID
		}
		if row.Attempts >= q.maxAttempts {
			row.GaveUp = true
			row.LastError = ReasonMaxAttempts
			gaveUp = true
		} else {
			row.NextAttemptAt = q.now().Add(q.delay(row.Attempts))
		}
		return tx.Save(&row).Error
	})
	if err != nil {
		return false, fmt.Errorf("failed to record retry failure for %s: %w", messageID, err)
	}

	fields := logrus.Fields{"message_id": messageID, "reason": reason}
	if gaveUp {
		logrus.WithFields(fields).Warn("Unresolved email reached max attempts")
	} else {
		logrus.WithFields(fields).Info("Unresolved email rescheduled")
	}
	return gaveUp, nil
}

// Remove deletes the entry after a successful resolution
func (q *Queue) Remove(ctx context.Context, messageID string) error {
	if err := q.db.WithContext(ctx).Where("message_id = ?", messageID).Delete(&model.UnresolvedEmail{}).Error; err != nil {
		return fmt.Errorf("failed to remove unresolved email %s: %w", messageID, err)
	}
	return nil
}

// List returns entries for operators, give-ups included
func (q *Queue) List(ctx context.Context, limit int) ([]model.UnresolvedEmail, error) {
	var rows []model.UnresolvedEmail
	query := q.db.WithContext(ctx).Order("created_at desc")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list unresolved emails: %w", err)
	}
	return rows, nil
}

// delay returns retryDelay * 2^attempts capped at maxDelay
func (q *Queue) delay(attempts int) time.Duration {
	d := q.retryDelay
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= q.maxDelay {
			return q.maxDelay
		}
	}
	return d
}
