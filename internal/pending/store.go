// Package pending stores drafted outbound messages and enforces their state
// machine. sent and rejected are absorbing; failed goes back to pending only
// through ManualRetry. Every transition is a single status-guarded update.
package pending

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"smart-ticket-relay-go/internal/db"
	"smart-ticket-relay-go/internal/model"
	"smart-ticket-relay-go/internal/oracle"
)

var (
	// ErrNotFound is returned when no message has the given id
	ErrNotFound = errors.New("pending message not found")
	// ErrInvalidTransition is returned when the message's status does not
	// allow the requested transition
	ErrInvalidTransition = errors.New("invalid pending message transition")
	// ErrClaimed is returned when another worker holds the message's claim
	ErrClaimed = errors.New("pending message is claimed by another dispatch")
)

// ReasonRetriesExhausted prefixes the error of messages escalated at the
// retry ceiling
const ReasonRetriesExhausted = "max retries exceeded"

// Filter selects messages for listing
type Filter struct {
	Status   string
	Class    string
	TicketID uint
	Limit    int
}

// Edits are operator changes applied before approval
type Edits struct {
	Subject   *string  `json:"subject,omitempty"`
	Body      *string  `json:"body,omitempty"`
	Recipient *string  `json:"recipient,omitempty"`
	CC        []string `json:"cc,omitempty"`
}

// Failure describes a failed send
type Failure struct {
	Permanent bool
	Error     string
}

// Store is the pending message store
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStore creates a Store
func NewStore(gdb *gorm.DB) *Store {
	return &Store{db: gdb, now: func() time.Time { return time.Now().UTC() }}
}

// WithTx returns a store bound to tx
func (s *Store) WithTx(tx *gorm.DB) *Store {
	return &Store{db: tx, now: s.now}
}

// SetClock replaces the store's clock
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// CreateFromDecision drafts the messages for one decision: at most one
// customer and one supplier draft, each only when the oracle produced
// content, and always exactly one internal note. attachments are attached to
// the supplier draft.
func (s *Store) CreateFromDecision(ctx context.Context, ticket *model.Ticket, decisionID *uint, d *oracle.Decision, attachments []string) ([]model.PendingMessage, error) {
	var drafts []model.PendingMessage

	if !d.CustomerDraft.Empty() {
		drafts = append(drafts, s.draft(ticket, decisionID, d, model.ClassCustomer, d.CustomerDraft, ticket.CustomerEmail, nil))
	}
	if !d.SupplierDraft.Empty() {
		drafts = append(drafts, s.draft(ticket, decisionID, d, model.ClassSupplier, d.SupplierDraft, ticket.SupplierEmail, attachments))
	}
	note := strings.TrimSpace(d.InternalNote)
	if note == "" {
		note = fmt.Sprintf("Decision: intent=%s confidence=%.2f", d.Intent, d.Confidence)
	}
	if d.RequiresEscalation {
		note += "\n\nEscalation: " + d.EscalationReason
	}
	drafts = append(drafts, s.draft(ticket, decisionID, d, model.ClassInternal, &oracle.Draft{Body: note}, "", nil))

	created := make([]model.PendingMessage, 0, len(drafts))
	for i := range drafts {
		m := drafts[i]
		if m.Class != model.ClassInternal {
			dup, err := s.hasOpenDuplicate(ctx, &m)
			if err != nil {
				return nil, err
			}
			if dup {
				logrus.WithFields(logrus.Fields{
					"ticket_id": ticket.ID,
					"class":     m.Class,
				}).Info("Skipping draft identical to one awaiting review")
				continue
			}
		}
		if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
			return nil, fmt.Errorf("failed to create %s draft: %w", m.Class, err)
		}
		created = append(created, m)
	}
	return created, nil
}

func (s *Store) draft(ticket *model.Ticket, decisionID *uint, d *oracle.Decision, class string, src *oracle.Draft, defaultRecipient string, attachments []string) model.PendingMessage {
	recipient := strings.TrimSpace(src.Recipient)
	if recipient == "" {
		recipient = defaultRecipient
	}
	subject := strings.TrimSpace(src.Subject)
	if subject == "" && class != model.ClassInternal {
		subject = fmt.Sprintf("[%s] %s", ticket.TicketNumber, ticket.Subject)
	}
	return model.PendingMessage{
		TicketID:    ticket.ID,
		DecisionID:  decisionID,
		Class:       class,
		Recipient:   recipient,
		CC:          src.CC,
		Subject:     subject,
		Body:        src.Body,
		Attachments: attachments,
		Confidence:  d.Confidence,
		Status:      model.StatusPending,
		CreatedAt:   s.now(),
	}
}

// hasOpenDuplicate reports whether an identical draft already awaits review
func (s *Store) hasOpenDuplicate(ctx context.Context, m *model.PendingMessage) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.PendingMessage{}).
		Where("ticket_id = ? AND class = ? AND status = ? AND body = ?", m.TicketID, m.Class, model.StatusPending, m.Body).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check for duplicate draft: %w", err)
	}
	return count > 0, nil
}

// Get loads a message
func (s *Store) Get(ctx context.Context, id uint) (*model.PendingMessage, error) {
	var m model.PendingMessage
	if err := s.db.WithContext(ctx).First(&m, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load pending message %d: %w", id, err)
	}
	return &m, nil
}

// List returns messages matching f, oldest first
func (s *Store) List(ctx context.Context, f Filter) ([]model.PendingMessage, error) {
	q := s.db.WithContext(ctx).Preload("Ticket").Order("created_at asc, id asc")
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Class != "" {
		q = q.Where("class = ?", f.Class)
	}
	if f.TicketID != 0 {
		q = q.Where("ticket_id = ?", f.TicketID)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var ms []model.PendingMessage
	if err := q.Find(&ms).Error; err != nil {
		return nil, fmt.Errorf("failed to list pending messages: %w", err)
	}
	return ms, nil
}

// ListExhausted returns failed messages that need a human: escalated after
// the retry ceiling, or permanently failed
func (s *Store) ListExhausted(ctx context.Context, limit int) ([]model.PendingMessage, error) {
	q := s.db.WithContext(ctx).Preload("Ticket").
		Where("status = ? AND (escalated = ? OR failure_kind = ?)", model.StatusFailed, true, model.FailurePermanent).
		Order("updated_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var ms []model.PendingMessage
	if err := q.Find(&ms).Error; err != nil {
		return nil, fmt.Errorf("failed to list exhausted messages: %w", err)
	}
	return ms, nil
}

// ListRetryCandidates returns failed, non-escalated, transiently failed
// messages with retryCount < maxRetries. The backoff gate is the caller's.
func (s *Store) ListRetryCandidates(ctx context.Context, maxRetries, limit int) ([]model.PendingMessage, error) {
	q := s.db.WithContext(ctx).
		Where("status = ? AND escalated = ? AND failure_kind <> ? AND retry_count < ?",
			model.StatusFailed, false, model.FailurePermanent, maxRetries).
		Order("created_at asc, id asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var ms []model.PendingMessage
	if err := q.Find(&ms).Error; err != nil {
		return nil, fmt.Errorf("failed to list retry candidates: %w", err)
	}
	return ms, nil
}

// ListUnescalatedExhausted returns failed messages that reached maxRetries
// but were never marked escalated
func (s *Store) ListUnescalatedExhausted(ctx context.Context, maxRetries int) ([]model.PendingMessage, error) {
	var ms []model.PendingMessage
	err := s.db.WithContext(ctx).
		Where("status = ? AND escalated = ? AND failure_kind <> ? AND retry_count >= ?",
			model.StatusFailed, false, model.FailurePermanent, maxRetries).
		Find(&ms).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list exhausted retries: %w", err)
	}
	return ms, nil
}

// CountByStatus returns the number of messages in status
func (s *Store) CountByStatus(ctx context.Context, status string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&model.PendingMessage{}).Where("status = ?", status).Count(&n).Error
	return n, err
}

// ApplyEdits changes a pending message's content before approval
func (s *Store) ApplyEdits(ctx context.Context, id uint, e Edits, reviewer string) error {
	updates := map[string]interface{}{}
	if e.Subject != nil {
		updates["subject"] = *e.Subject
	}
	if e.Body != nil {
		updates["body"] = *e.Body
	}
	if e.Recipient != nil {
		updates["recipient"] = strings.TrimSpace(*e.Recipient)
	}
	if e.CC != nil {
		updates["cc"] = datatypes.JSONSlice[string](e.CC)
	}
	if reviewer != "" {
		updates["reviewed_by"] = reviewer
	}
	if len(updates) == 0 {
		return nil
	}
	now := s.now()
	updates["reviewed_at"] = &now
	return s.transition(ctx, id, []string{model.StatusPending}, updates)
}

// Reject moves a pending message to rejected
func (s *Store) Reject(ctx context.Context, id uint, reason, reviewer string) error {
	now := s.now()
	return s.transition(ctx, id, []string{model.StatusPending}, map[string]interface{}{
		"status":           model.StatusRejected,
		"rejection_reason": reason,
		"reviewed_by":      reviewer,
		"reviewed_at":      &now,
	})
}

// ManualRetry resubmits a failed message for review. The retry budget and
// escalation are reset.
func (s *Store) ManualRetry(ctx context.Context, id uint, reviewer string) error {
	now := s.now()
	return s.transition(ctx, id, []string{model.StatusFailed}, map[string]interface{}{
		"status":       model.StatusPending,
		"retry_count":  0,
		"escalated":    false,
		"failure_kind": "",
		"last_error":   "",
		"reviewed_by":  reviewer,
		"reviewed_at":  &now,
		"claim_token":  "",
		"claimed_at":   nil,
	})
}

// Escalate marks a failed message as escalated. It returns false when the
// message was already escalated or is not failed.
func (s *Store) Escalate(ctx context.Context, id uint, reason string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&model.PendingMessage{}).
		Where("id = ? AND status = ? AND escalated = ?", id, model.StatusFailed, false).
		Updates(map[string]interface{}{"escalated": true, "last_error": reason})
	if res.Error != nil {
		return false, fmt.Errorf("failed to escalate pending message %d: %w", id, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// Claim takes the dispatch claim on a message in one of from. A claim older
// than lease is considered abandoned and may be taken over.
func (s *Store) Claim(ctx context.Context, id uint, from []string, lease time.Duration) (*model.PendingMessage, string, error) {
	now := s.now()
	token := uuid.NewString()

	res := s.db.WithContext(ctx).Model(&model.PendingMessage{}).
		Where("id = ? AND status IN ?", id, from).
		Where("(claim_token = '' OR claim_token IS NULL OR claimed_at < ?)", now.Add(-lease)).
		Updates(map[string]interface{}{"claim_token": token, "claimed_at": &now})
	if res.Error != nil {
		return nil, "", fmt.Errorf("failed to claim pending message %d: %w", id, res.Error)
	}

	m, err := s.Get(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if res.RowsAffected == 0 {
		if !contains(from, m.Status) {
			return nil, "", fmt.Errorf("%w: message %d is %s", ErrInvalidTransition, id, m.Status)
		}
		return nil, "", ErrClaimed
	}
	return m, token, nil
}

// Release drops a claim without changing status
func (s *Store) Release(ctx context.Context, id uint, token string) error {
	return s.db.WithContext(ctx).Model(&model.PendingMessage{}).
		Where("id = ? AND claim_token = ?", id, token).
		Updates(map[string]interface{}{"claim_token": "", "claimed_at": nil}).Error
}

// MarkSent records a successful send: the sent transition and the durable
// sent copy commit together
func (s *Store) MarkSent(ctx context.Context, id uint, token string, sent *model.SentMessage) error {
	now := s.now()
	return db.UnitOfWork(ctx, s.db, func(tx *gorm.DB) error {
		res := tx.Model(&model.PendingMessage{}).
			Where("id = ? AND claim_token = ? AND status IN ?", id, token, []string{model.StatusPending, model.StatusFailed}).
			Updates(map[string]interface{}{
				"status":       model.StatusSent,
				"sent_at":      &now,
				"last_error":   "",
				"failure_kind": "",
				"claim_token":  "",
				"claimed_at":   nil,
			})
		if res.Error != nil {
			return fmt.Errorf("failed to mark message %d sent: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: claim on message %d lost", ErrClaimed, id)
		}

		sent.PendingMessageID = id
		if sent.SentAt.IsZero() {
			sent.SentAt = now
		}
		if err := tx.Create(sent).Error; err != nil {
			return fmt.Errorf("failed to store sent copy of message %d: %w", id, err)
		}
		return nil
	})
}

// MarkFailed records a failed send. Transient failures consume one retry and
// escalate once retryCount reaches maxRetries; permanent failures consume
// nothing and wait for a manual edit. It returns the updated message.
func (s *Store) MarkFailed(ctx context.Context, id uint, token string, f Failure, maxRetries int) (*model.PendingMessage, error) {
	var out model.PendingMessage
	err := db.UnitOfWork(ctx, s.db, func(tx *gorm.DB) error {
		if err := tx.First(&out, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if out.ClaimToken != token || out.IsTerminal() {
			return fmt.Errorf("%w: claim on message %d lost", ErrClaimed, id)
		}

		updates := map[string]interface{}{
			"status":      model.StatusFailed,
			"last_error":  f.Error,
			"claim_token": "",
			"claimed_at":  nil,
		}
		if f.Permanent {
			updates["failure_kind"] = model.FailurePermanent
		} else {
			out.RetryCount++
			updates["failure_kind"] = model.FailureTransient
			updates["retry_count"] = out.RetryCount
			if out.RetryCount >= maxRetries {
				updates["escalated"] = true
				updates["last_error"] = fmt.Sprintf("%s after %d attempts: %s", ReasonRetriesExhausted, out.RetryCount, f.Error)
			}
		}
		res := tx.Model(&model.PendingMessage{}).
			Where("id = ? AND claim_token = ?", id, token).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: claim on message %d lost", ErrClaimed, id)
		}
		return tx.First(&out, id).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to mark message %d failed: %w", id, err)
	}
	return &out, nil
}

// transition applies updates when the message is in one of from
func (s *Store) transition(ctx context.Context, id uint, from []string, updates map[string]interface{}) error {
	res := s.db.WithContext(ctx).Model(&model.PendingMessage{}).
		Where("id = ? AND status IN ?", id, from).
		Where("(claim_token = '' OR claim_token IS NULL)").
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to update pending message %d: %w", id, res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}

	m, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if m.ClaimToken != "" && contains(from, m.Status) {
		return ErrClaimed
	}
	return fmt.Errorf("%w: message %d is %s", ErrInvalidTransition, id, m.Status)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
