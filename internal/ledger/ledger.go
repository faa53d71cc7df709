// Package ledger is the durable record of every inbound email the pipeline has
// handled. It is the single source of truth for "have we finished this email".
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"smart-ticket-relay-go/internal/model"
)

// Attempt is one processing outcome for an inbound message
type Attempt struct {
	MessageID   string
	ThreadID    string
	TicketID    *uint
	OrderNumber string
	Success     bool
	ErrorDetail string
}

// Ledger records processing attempts keyed by message id
type Ledger struct {
	db  *gorm.DB
	now func() time.Time
}

// New creates a ledger backed by db
func New(db *gorm.DB) *Ledger {
	return &Ledger{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// WithTx returns a ledger bound to tx so the record commits with the caller's unit of work
func (l *Ledger) WithTx(tx *gorm.DB) *Ledger {
	return &Ledger{db: tx, now: l.now}
}

// IsAlreadySucceeded reports whether messageID already reached a terminal success
func (l *Ledger) IsAlreadySucceeded(ctx context.Context, messageID string) (bool, error) {
	var count int64
	err := l.db.WithContext(ctx).Model(&model.ProcessedEmail{}).
		Where("message_id = ? AND success = ?", messageID, true).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("database error checking processed email: %w", err)
	}
	return count > 0, nil
}

// Get returns the ledger row for messageID, or nil when none exists
func (l *Ledger) Get(ctx context.Context, messageID string) (*model.ProcessedEmail, error) {
	var rec model.ProcessedEmail
	err := l.db.WithContext(ctx).Where("message_id = ?", messageID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load processed email: %w", err)
	}
	return &rec, nil
}

// RecordAttempt upserts the ledger row for a.MessageID. A row that already
// succeeded is left untouched.
func (l *Ledger) RecordAttempt(ctx context.Context, a Attempt) error {
	if a.MessageID == "" {
		return fmt.Errorf("message id is required")
	}

	existing, err := l.Get(ctx, a.MessageID)
	if err != nil {
		return err
	}

	if existing == nil {
		rec := model.ProcessedEmail{
			MessageID:   a.MessageID,
			ThreadID:    a.ThreadID,
			TicketID:    a.TicketID,
			OrderNumber: a.OrderNumber,
			Success:     a.Success,
			ErrorDetail: a.ErrorDetail,
			Attempts:    1,
			ProcessedAt: l.now(),
		}
		if err := l.db.WithContext(ctx).Create(&rec).Error; err != nil {
			return fmt.Errorf("failed to mark email as processed: %w", err)
		}
		l.log(a)
		return nil
	}

	if existing.Success {
		logrus.WithField("message_id", a.MessageID).Debug("Ledger row already terminal, ignoring attempt")
		return nil
	}

	updates := map[string]interface{}{
		"success":      a.Success,
		"error_detail": a.ErrorDetail,
		"attempts":     gorm.Expr("attempts + 1"),
		"processed_at": l.now(),
	}
	if a.ThreadID != "" {
		updates["thread_id"] = a.ThreadID
	}
	if a.TicketID != nil {
		updates["ticket_id"] = *a.TicketID
	}
	if a.OrderNumber != "" {
		updates["order_number"] = a.OrderNumber
	}

	// the success guard keeps a concurrent terminal write from being overwritten
	result := l.db.WithContext(ctx).Model(&model.ProcessedEmail{}).
		Where("message_id = ? AND success = ?", a.MessageID, false).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to update processed email: %w", result.Error)
	}
	l.log(a)
	return nil
}

// ListFailed returns rows that have not succeeded, newest first
func (l *Ledger) ListFailed(ctx context.Context, limit int) ([]model.ProcessedEmail, error) {
	var recs []model.ProcessedEmail
	q := l.db.WithContext(ctx).Where("success = ?", false).Order("processed_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list failed emails: %w", err)
	}
	return recs, nil
}

// List returns the most recent ledger rows
func (l *Ledger) List(ctx context.Context, limit int) ([]model.ProcessedEmail, error) {
	var recs []model.ProcessedEmail
	q := l.db.WithContext(ctx).Order("processed_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list processed emails: %w", err)
	}
	return recs, nil
}

func (l *Ledger) log(a Attempt) {
	entry := logrus.WithFields(logrus.Fields{
		"message_id": a.MessageID,
		"success":    a.Success,
	})
	if a.Success {
		entry.Debug("Recorded processing attempt")
		return
	}
	entry.WithField("error", a.ErrorDetail).Info("Recorded failed processing attempt")
}
