// Package resolver maps an inbound email's identifiers to exactly one ticket.
//
// Lookups are priority ordered (ticket number, order number, purchase order)
// and short-circuit on the first hit: local store first, then the external
// ticketing system. When nothing matches a ticket is created upstream and
// polled for until the external system has indexed it.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"smart-ticket-relay-go/internal/apperr"
	"smart-ticket-relay-go/internal/config"
	"smart-ticket-relay-go/internal/db"
	"smart-ticket-relay-go/internal/extract"
	"smart-ticket-relay-go/internal/model"
	"smart-ticket-relay-go/internal/ticketing"
	"smart-ticket-relay-go/internal/ticketnumber"
	"smart-ticket-relay-go/internal/tickets"
)

// ReasonNoIdentifiers is the escalation reason for tickets created from
// emails without any identifier
const ReasonNoIdentifiers = "no identifiers found"

// DefaultPollSchedule is used when no schedule is configured
var DefaultPollSchedule = []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 120 * time.Second}

// Source tells where a resolved ticket came from
type Source string

const (
	SourceLocal    Source = "local"
	SourceExternal Source = "external"
	SourceCreated  Source = "created"
)

// Request is the input of one resolution
type Request struct {
	MessageID   string
	Identifiers extract.Identifiers
	Sender      string
	Subject     string
	Body        string
	// PendingExternalID is a ticket created by an earlier attempt that was
	// not visible yet. It is polled for instead of creating another ticket.
	PendingExternalID string
}

// Result is a resolved ticket
type Result struct {
	Ticket  *model.Ticket
	Source  Source
	Related []string
}

// Failure is a resolution failure. CreatedExternalID is set when a ticket was
// created upstream but could not be confirmed.
type Failure struct {
	CreatedExternalID string
	err               error
}

func (f *Failure) Error() string { return f.err.Error() }

func (f *Failure) Unwrap() error { return f.err }

// CreatedExternalID returns the upstream ticket id carried by a resolution
// failure, if any
func CreatedExternalID(err error) string {
	var f *Failure
	if errors.As(err, &f) {
		return f.CreatedExternalID
	}
	return ""
}

// Options configures a Resolver
type Options struct {
	PollSchedule    []time.Duration
	PollMaxAttempts int
	// Sleep waits between polls. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

// Resolver resolves emails to tickets
type Resolver struct {
	db       *gorm.DB
	store    *tickets.Store
	api      ticketing.API
	format   *ticketnumber.Format
	schedule []time.Duration
	attempts int
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time
}

// New creates a Resolver
func New(gdb *gorm.DB, api ticketing.API, format *ticketnumber.Format, opts Options) *Resolver {
	schedule := opts.PollSchedule
	if len(schedule) == 0 {
		schedule = DefaultPollSchedule
	}
	attempts := opts.PollMaxAttempts
	if attempts <= 0 {
		attempts = len(schedule)
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Resolver{
		db:       gdb,
		store:    tickets.NewStore(gdb),
		api:      api,
		format:   format,
		schedule: schedule,
		attempts: attempts,
		sleep:    sleep,
		now:      now,
	}
}

// NewFromConfig creates a Resolver from configuration
func NewFromConfig(gdb *gorm.DB, api ticketing.API, format *ticketnumber.Format, cfg config.ResolverConfig) *Resolver {
	return New(gdb, api, format, Options{PollSchedule: cfg.PollSchedule, PollMaxAttempts: cfg.PollMaxAttempts})
}

// Resolve returns exactly one ticket for req. Errors are resolution failures
// (apperr.KindResolution) the caller routes to the retry queue.
func (r *Resolver) Resolve(ctx context.Context, req Request) (*Result, error) {
	ids := req.Identifiers
	log := logrus.WithFields(logrus.Fields{
		"message_id":    req.MessageID,
		"ticket_number": ids.TicketNumber,
		"order_number":  ids.OrderNumber,
		"po_number":     ids.PurchaseOrderNumber,
	})

	if req.PendingExternalID != "" {
		log.WithField("external_id", req.PendingExternalID).Info("Polling for previously created ticket")
		return r.awaitCreated(ctx, req, req.PendingExternalID)
	}

	if !ids.Empty() {
		// a ticket number wins on conflict, so it is searched upstream before
		// any order or PO number is tried
		steps := []struct {
			name   string
			lookup func(context.Context, extract.Identifiers) (*Result, error)
		}{
			{"ticket number lookup", r.lookupTicketNumber},
			{"local lookup", r.lookupLocal},
			{"external lookup", r.lookupExternal},
		}
		for _, step := range steps {
			res, err := step.lookup(ctx, ids)
			if err != nil {
				return nil, r.fail(step.name+" failed", "", err)
			}
			if res != nil {
				log.WithFields(logrus.Fields{
					"ticket": res.Ticket.TicketNumber,
					"source": res.Source,
				}).Info("Resolved ticket")
				return res, nil
			}
		}
	}

	externalID, err := r.api.CreateTicket(ctx, ticketing.CreateTicketRequest{
		Subject:             req.Subject,
		Body:                req.Body,
		CustomerEmail:       req.Sender,
		OrderNumber:         ids.OrderNumber,
		PurchaseOrderNumber: ids.PurchaseOrderNumber,
	})
	if err != nil {
		return nil, r.fail("ticket creation failed", "", err)
	}
	log.WithField("external_id", externalID).Info("Created ticket in ticketing system")

	return r.awaitCreated(ctx, req, externalID)
}

// lookupTicketNumber finds the ticket number locally, then upstream
func (r *Resolver) lookupTicketNumber(ctx context.Context, ids extract.Identifiers) (*Result, error) {
	if ids.TicketNumber == "" {
		return nil, nil
	}
	t, err := r.store.FindByNumber(ctx, ids.TicketNumber)
	if err == nil {
		return &Result{Ticket: t, Source: SourceLocal}, nil
	}
	if !errors.Is(err, tickets.ErrNotFound) {
		return nil, err
	}
	return r.importLatest(ctx, r.api.FindByTicketNumber, ids.TicketNumber)
}

// lookupLocal searches the local store by order number, then PO number
func (r *Resolver) lookupLocal(ctx context.Context, ids extract.Identifiers) (*Result, error) {
	lookups := []struct {
		value string
		find  func(context.Context, string) ([]model.Ticket, error)
	}{
		{ids.OrderNumber, r.store.FindByOrderNumber},
		{ids.PurchaseOrderNumber, r.store.FindByPurchaseOrderNumber},
	}
	for _, l := range lookups {
		if l.value == "" {
			continue
		}
		found, err := l.find(ctx, l.value)
		if err != nil {
			return nil, err
		}
		if len(found) == 0 {
			continue
		}
		byNumber := make(map[string]*model.Ticket, len(found))
		numbers := make([]string, 0, len(found))
		for i := range found {
			byNumber[found[i].TicketNumber] = &found[i]
			numbers = append(numbers, found[i].TicketNumber)
		}
		latest, related := r.format.Latest(numbers)
		t := byNumber[latest]
		if len(related) > 0 {
			if err := r.recordRelated(ctx, t, related); err != nil {
				return nil, err
			}
		}
		return &Result{Ticket: t, Source: SourceLocal, Related: related}, nil
	}
	return nil, nil
}

// lookupExternal searches the ticketing system by order number, then PO
// number, and imports the latest match
func (r *Resolver) lookupExternal(ctx context.Context, ids extract.Identifiers) (*Result, error) {
	lookups := []struct {
		value string
		find  func(context.Context, string) ([]ticketing.Ticket, error)
	}{
		{ids.OrderNumber, r.api.FindByOrderNumber},
		{ids.PurchaseOrderNumber, r.api.FindByPurchaseOrderNumber},
	}
	for _, l := range lookups {
		if l.value == "" {
			continue
		}
		res, err := r.importLatest(ctx, l.find, l.value)
		if err != nil || res != nil {
			return res, err
		}
	}
	return nil, nil
}

// importLatest imports the latest upstream match for value, or returns nil
// when nothing matched
func (r *Resolver) importLatest(ctx context.Context, find func(context.Context, string) ([]ticketing.Ticket, error), value string) (*Result, error) {
	found, err := find(ctx, value)
	if err != nil {
		return nil, err
	}
	byNumber := make(map[string]ticketing.Ticket, len(found))
	numbers := make([]string, 0, len(found))
	for _, t := range found {
		if t.TicketNumber == "" {
			continue
		}
		if _, dup := byNumber[t.TicketNumber]; !dup {
			numbers = append(numbers, t.TicketNumber)
		}
		byNumber[t.TicketNumber] = t
	}
	if len(numbers) == 0 {
		return nil, nil
	}
	latest, related := r.format.Latest(numbers)
	t, err := r.store.Import(ctx, byNumber[latest], related, r.now())
	if err != nil {
		return nil, err
	}
	return &Result{Ticket: t, Source: SourceExternal, Related: related}, nil
}

// awaitCreated polls for a created ticket until it is visible or the attempt
// ceiling is reached
func (r *Resolver) awaitCreated(ctx context.Context, req Request, externalID string) (*Result, error) {
	var lastErr error
	for attempt := 0; attempt < r.attempts; attempt++ {
		delay := r.schedule[len(r.schedule)-1]
		if attempt < len(r.schedule) {
			delay = r.schedule[attempt]
		}
		if err := r.sleep(ctx, delay); err != nil {
			return nil, r.fail("polling interrupted", externalID, err)
		}

		remote, err := r.api.GetTicketByID(ctx, externalID)
		switch {
		case err == nil && remote != nil && remote.TicketNumber != "":
			return r.importCreated(ctx, req, remote)
		case err == nil, errors.Is(err, ticketing.ErrNotFound), apperr.IsTransient(err):
			lastErr = err
			logrus.WithFields(logrus.Fields{
				"external_id": externalID,
				"attempt":     attempt + 1,
			}).Debug("Created ticket not visible yet")
		default:
			return nil, r.fail("polling for created ticket failed", externalID, err)
		}
	}

	reason := fmt.Sprintf("created ticket %s not visible after %d polls", externalID, r.attempts)
	return nil, r.fail(reason, externalID, lastErr)
}

func (r *Resolver) importCreated(ctx context.Context, req Request, remote *ticketing.Ticket) (*Result, error) {
	var t *model.Ticket
	err := db.UnitOfWork(ctx, r.db, func(tx *gorm.DB) error {
		store := r.store.WithTx(tx)
		imported, err := store.Import(ctx, *remote, nil, r.now())
		if err != nil {
			return err
		}
		if req.Identifiers.Empty() {
			imported.Escalate(ReasonNoIdentifiers, r.now())
			if err := store.Save(ctx, imported); err != nil {
				return err
			}
		}
		t = imported
		return nil
	})
	if err != nil {
		return nil, r.fail("failed to store created ticket", remote.ID, err)
	}
	if t.Escalated {
		logrus.WithFields(logrus.Fields{
			"message_id": req.MessageID,
			"ticket":     t.TicketNumber,
		}).Warn("Created ticket escalated: " + ReasonNoIdentifiers)
	}
	return &Result{Ticket: t, Source: SourceCreated}, nil
}

// recordRelated stores related ticket numbers on t
func (r *Resolver) recordRelated(ctx context.Context, t *model.Ticket, related []string) error {
	merged := append([]string(nil), t.RelatedTicketNumbers...)
	seen := make(map[string]bool, len(merged))
	for _, n := range merged {
		seen[n] = true
	}
	changed := false
	for _, n := range related {
		if !seen[n] && n != t.TicketNumber {
			merged = append(merged, n)
			seen[n] = true
			changed = true
		}
	}
	if !changed {
		return nil
	}
	t.RelatedTicketNumbers = merged
	return r.store.Save(ctx, t)
}

// Refresh overwrites the upstream-owned fields of a local ticket with the
// ticketing system's current state
func (r *Resolver) Refresh(ctx context.Context, ticketNumber string) (*model.Ticket, error) {
	local, err := r.store.FindByNumber(ctx, ticketNumber)
	if err != nil {
		return nil, err
	}

	var remote *ticketing.Ticket
	if local.ExternalID != "" {
		remote, err = r.api.GetTicketByID(ctx, local.ExternalID)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch ticket %s: %w", ticketNumber, err)
		}
	} else {
		found, err := r.api.FindByTicketNumber(ctx, ticketNumber)
		if err != nil {
			return nil, fmt.Errorf("failed to find ticket %s: %w", ticketNumber, err)
		}
		for i := range found {
			if found[i].TicketNumber == ticketNumber {
				remote = &found[i]
				break
			}
		}
		if remote == nil {
			return nil, ticketing.ErrNotFound
		}
	}

	now := r.now()
	tickets.ApplyRemote(local, *remote)
	local.LastRefreshedAt = &now
	if err := r.store.Save(ctx, local); err != nil {
		return nil, err
	}
	logrus.WithField("ticket", ticketNumber).Info("Refreshed ticket from ticketing system")
	return local, nil
}

func (r *Resolver) fail(reason, externalID string, err error) error {
	return &Failure{
		CreatedExternalID: externalID,
		err:               apperr.Resolution("resolve", reason, err),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
