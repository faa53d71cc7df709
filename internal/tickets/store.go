// Package tickets persists the local mirror of external tickets.
package tickets

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"smart-ticket-relay-go/internal/model"
	"smart-ticket-relay-go/internal/ticketing"
)

// ErrNotFound is returned when no local ticket matches
var ErrNotFound = errors.New("ticket not found")

// Store reads and writes model.Ticket rows
type Store struct {
	db *gorm.DB
}

// NewStore creates a ticket store
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx returns a store bound to tx
func (s *Store) WithTx(tx *gorm.DB) *Store {
	return &Store{db: tx}
}

// Get loads a ticket by primary key
func (s *Store) Get(ctx context.Context, id uint) (*model.Ticket, error) {
	var t model.Ticket
	if err := s.db.WithContext(ctx).First(&t, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load ticket %d: %w", id, err)
	}
	return &t, nil
}

// FindByNumber loads a ticket by its ticket number
func (s *Store) FindByNumber(ctx context.Context, number string) (*model.Ticket, error) {
	var t model.Ticket
	err := s.db.WithContext(ctx).Where("ticket_number = ?", number).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find ticket %s: %w", number, err)
	}
	return &t, nil
}

// FindByOrderNumber returns every local ticket for an order number
func (s *Store) FindByOrderNumber(ctx context.Context, orderNumber string) ([]model.Ticket, error) {
	return s.findBy(ctx, "order_number", orderNumber)
}

// FindByPurchaseOrderNumber returns every local ticket for a purchase order
func (s *Store) FindByPurchaseOrderNumber(ctx context.Context, poNumber string) ([]model.Ticket, error) {
	return s.findBy(ctx, "purchase_order_number", poNumber)
}

func (s *Store) findBy(ctx context.Context, column, value string) ([]model.Ticket, error) {
	var ts []model.Ticket
	if err := s.db.WithContext(ctx).Where(column+" = ?", value).Find(&ts).Error; err != nil {
		return nil, fmt.Errorf("failed to find tickets by %s: %w", column, err)
	}
	return ts, nil
}

// Import upserts the local mirror of remote, keyed by ticket number. Upstream
// fields overwrite local ones; escalation and summary stay local.
func (s *Store) Import(ctx context.Context, remote ticketing.Ticket, related []string, at time.Time) (*model.Ticket, error) {
	if remote.TicketNumber == "" {
		return nil, fmt.Errorf("remote ticket %s has no ticket number", remote.ID)
	}

	var t model.Ticket
	err := s.db.WithContext(ctx).Where("ticket_number = ?", remote.TicketNumber).First(&t).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to load ticket %s: %w", remote.TicketNumber, err)
	}

	ApplyRemote(&t, remote)
	t.RelatedTicketNumbers = mergeRelated(t.RelatedTicketNumbers, related, t.TicketNumber)
	t.LastRefreshedAt = &at

	if err := s.db.WithContext(ctx).Save(&t).Error; err != nil {
		return nil, fmt.Errorf("failed to save ticket %s: %w", remote.TicketNumber, err)
	}
	return &t, nil
}

// Save persists t
func (s *Store) Save(ctx context.Context, t *model.Ticket) error {
	if err := s.db.WithContext(ctx).Save(t).Error; err != nil {
		return fmt.Errorf("failed to save ticket %s: %w", t.TicketNumber, err)
	}
	return nil
}

// ListEscalated returns escalated tickets, newest escalation first
func (s *Store) ListEscalated(ctx context.Context, limit int) ([]model.Ticket, error) {
	var ts []model.Ticket
	q := s.db.WithContext(ctx).Where("escalated = ?", true).Order("escalated_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&ts).Error; err != nil {
		return nil, fmt.Errorf("failed to list escalated tickets: %w", err)
	}
	return ts, nil
}

// ApplyRemote overwrites the upstream-owned fields of t with remote
func ApplyRemote(t *model.Ticket, remote ticketing.Ticket) {
	t.TicketNumber = remote.TicketNumber
	t.ExternalID = remote.ID
	t.OrderNumber = remote.OrderNumber
	t.PurchaseOrderNumber = remote.PurchaseOrderNumber
	if remote.Subject != "" {
		t.Subject = remote.Subject
	}
	t.CustomerName = remote.CustomerName
	t.CustomerEmail = remote.CustomerEmail
	t.SupplierName = remote.SupplierName
	t.SupplierEmail = remote.SupplierEmail
	t.TrackingNumber = remote.TrackingNumber
	t.Carrier = remote.Carrier
	t.OwnerID = remote.OwnerID
	if remote.State != "" {
		t.State = remote.State
	} else if t.State == "" {
		t.State = model.TicketStateOpen
	}
}

func mergeRelated(existing, add []string, self string) []string {
	seen := map[string]bool{self: true}
	out := make([]string, 0, len(existing)+len(add))
	for _, list := range [][]string{existing, add} {
		for _, n := range list {
			if n == "" || seen[n] {
				continue
			}
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}
