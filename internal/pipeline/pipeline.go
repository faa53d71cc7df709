// Package pipeline is the main processing loop: fetch inbound mail, skip what
// the ledger already handled, resolve a ticket, ask the decision oracle and
// store its drafts for review. Unresolved mail is parked on the retry queue
// and swept on every cycle.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.uber.org/dig"
	"gorm.io/gorm"

	"smart-ticket-relay-go/internal/attachments"
	"smart-ticket-relay-go/internal/db"
	"smart-ticket-relay-go/internal/events"
	"smart-ticket-relay-go/internal/extract"
	"smart-ticket-relay-go/internal/ledger"
	"smart-ticket-relay-go/internal/mail"
	metricsPkg "smart-ticket-relay-go/internal/metrics"
	"smart-ticket-relay-go/internal/model"
	"smart-ticket-relay-go/internal/oracle"
	"smart-ticket-relay-go/internal/pending"
	"smart-ticket-relay-go/internal/resolver"
	"smart-ticket-relay-go/internal/retryqueue"
	"smart-ticket-relay-go/internal/tickets"
)

// Ledger error details for emails that finished without a decision
const (
	DetailAutoReply      = "auto-reply skipped"
	DetailQueued         = "queued for retry"
	DetailDecisionFailed = "decision failed"
)

// maxSummaryLen bounds the rolling conversation summary kept on a ticket
const maxSummaryLen = 8000

// Params are the pipeline's collaborators
type Params struct {
	dig.In

	DB          *gorm.DB
	Fetcher     mail.Fetcher
	Extractor   *extract.Extractor
	Ledger      *ledger.Ledger
	Resolver    *resolver.Resolver
	Queue       *retryqueue.Queue
	Oracle      oracle.Decider
	Messages    *pending.Store
	Tickets     *tickets.Store
	Attachments attachments.Store  `optional:"true"`
	Events      events.Publisher   `optional:"true"`
	Metrics     *metricsPkg.Metrics
	Options     Options
}

// Options tunes the pipeline
type Options struct {
	// HistoryLimit is the number of sent messages shown to the oracle
	HistoryLimit int
	// BatchSize caps the retry queue entries swept per cycle
	BatchSize int
}

// Stats summarises one cycle
type Stats struct {
	Fetched     int `json:"fetched"`
	Duplicates  int `json:"duplicates"`
	Parked      int `json:"parked"`
	AutoReplies int `json:"auto_replies"`
	Decided     int `json:"decided"`
	Queued      int `json:"queued"`
	Recovered   int `json:"recovered"`
	Requeued    int `json:"requeued"`
	GaveUp      int `json:"gave_up"`
	Errors      int `json:"errors"`
}

// Pipeline processes inbound email
type Pipeline struct {
	db          *gorm.DB
	fetcher     mail.Fetcher
	extractor   *extract.Extractor
	ledger      *ledger.Ledger
	resolver    *resolver.Resolver
	queue       *retryqueue.Queue
	oracle      oracle.Decider
	messages    *pending.Store
	tickets     *tickets.Store
	attachments attachments.Store
	events      events.Publisher
	metrics     *metricsPkg.Metrics
	opts        Options
	now         func() time.Time
}

// New creates a pipeline
func New(p Params) *Pipeline {
	if p.Attachments == nil {
		p.Attachments = attachments.Disabled{}
	}
	if p.Events == nil {
		p.Events = events.Nop{}
	}
	if p.Options.HistoryLimit <= 0 {
		p.Options.HistoryLimit = 5
	}
	if p.Options.BatchSize <= 0 {
		p.Options.BatchSize = 50
	}
	return &Pipeline{
		db:          p.DB,
		fetcher:     p.Fetcher,
		extractor:   p.Extractor,
		ledger:      p.Ledger,
		resolver:    p.Resolver,
		queue:       p.Queue,
		oracle:      p.Oracle,
		messages:    p.Messages,
		tickets:     p.Tickets,
		attachments: p.Attachments,
		events:      p.Events,
		metrics:     p.Metrics,
		opts:        p.Options,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source
func (p *Pipeline) SetClock(now func() time.Time) {
	p.now = now
}

// inbound is an email reduced to what resolution and decision need
type inbound struct {
	MessageID   string
	ThreadID    string
	Sender      string
	Subject     string
	Body        string
	Identifiers extract.Identifiers
	Attachments []string
}

// ProcessCycle runs one pass: new mail first, then the retry queue sweep.
// A fetch failure does not stop the sweep.
func (p *Pipeline) ProcessCycle(ctx context.Context) (Stats, error) {
	var stats Stats
	log := logrus.WithField("cycle_id", uuid.NewString())
	log.Info("Starting email processing cycle")
	start := time.Now()

	emails, fetchErr := p.fetcher.FetchNewEmails(ctx)
	if fetchErr != nil {
		log.Errorf("Failed to fetch emails: %v", fetchErr)
		fetchErr = fmt.Errorf("failed to fetch emails: %w", fetchErr)
	}
	stats.Fetched = len(emails)
	p.metrics.EmailsFetched.Add(float64(len(emails)))
	log.Infof("Fetched %d emails", len(emails))

	for _, email := range emails {
		if ctx.Err() != nil {
			break
		}
		emailStart := time.Now()
		if err := p.processEmail(ctx, email, &stats); err != nil {
			stats.Errors++
			log.WithField("message_id", email.ID).Errorf("Failed to process email: %v", err)
		}
		p.metrics.ProcessingTime.Observe(time.Since(emailStart).Seconds())
	}

	if ctx.Err() == nil {
		if err := p.Sweep(ctx, &stats); err != nil {
			stats.Errors++
			log.Errorf("Retry queue sweep failed: %v", err)
		}
	}

	if n, err := p.messages.CountByStatus(ctx, model.StatusPending); err == nil {
		p.metrics.PendingAwaitReview.Set(float64(n))
	}

	log.WithFields(logrus.Fields{
		"fetched":      stats.Fetched,
		"duplicates":   stats.Duplicates,
		"auto_replies": stats.AutoReplies,
		"decided":      stats.Decided,
		"queued":       stats.Queued,
		"recovered":    stats.Recovered,
		"gave_up":      stats.GaveUp,
		"errors":       stats.Errors,
	}).Infof("Email processing cycle completed in %v", time.Since(start))

	if fetchErr != nil {
		return stats, fetchErr
	}
	return stats, ctx.Err()
}

// processEmail handles one fetched email
func (p *Pipeline) processEmail(ctx context.Context, email model.EmailMessage, stats *Stats) error {
	if email.ID == "" {
		return fmt.Errorf("email has no message id")
	}
	log := logrus.WithField("message_id", email.ID)

	done, err := p.ledger.IsAlreadySucceeded(ctx, email.ID)
	if err != nil {
		return err
	}
	if done {
		stats.Duplicates++
		p.metrics.DuplicatesSkipped.Inc()
		log.Debug("Email already processed, skipping")
		return nil
	}

	parked, err := p.queue.Contains(ctx, email.ID)
	if err != nil {
		return err
	}
	if parked {
		stats.Parked++
		log.Debug("Email is on the retry queue, leaving it to the sweep")
		return nil
	}

	if p.extractor.IsAutoReply(email) {
		stats.AutoReplies++
		p.metrics.AutoRepliesSkipped.Inc()
		return p.ledger.RecordAttempt(ctx, ledger.Attempt{
			MessageID:   email.ID,
			ThreadID:    email.ThreadID,
			Success:     true,
			ErrorDetail: DetailAutoReply,
		})
	}

	body := email.Body
	if strings.TrimSpace(body) == "" && email.HTMLBody != "" {
		body = extract.HTMLToText(email.HTMLBody)
	}
	in := inbound{
		MessageID:   email.ID,
		ThreadID:    email.ThreadID,
		Sender:      mail.AddressOf(email.From),
		Subject:     email.Subject,
		Body:        body,
		Identifiers: p.extractor.Extract(email),
	}
	in.Attachments = p.storeAttachments(ctx, in, email.Attachments)

	res, err := p.resolver.Resolve(ctx, resolver.Request{
		MessageID:   in.MessageID,
		Identifiers: in.Identifiers,
		Sender:      in.Sender,
		Subject:     in.Subject,
		Body:        in.Body,
	})
	if err != nil {
		stats.Queued++
		return p.park(ctx, in, err)
	}
	p.resolved(ctx, in, res)

	if err := p.decide(ctx, in, res, nil); err != nil {
		// the decision rolled back with its ledger row; park the email so
		// the sweep retries it under the attempt ceiling
		log.Errorf("Decision failed, queueing email for retry: %v", err)
		stats.Queued++
		if perr := p.park(ctx, in, fmt.Errorf("%s: %w", DetailDecisionFailed, err)); perr != nil {
			return errors.Join(err, perr)
		}
		return err
	}
	stats.Decided++
	return nil
}

// storeAttachments puts inbound attachments into object storage and returns
// their refs. Storage failures drop the attachment with a warning.
func (p *Pipeline) storeAttachments(ctx context.Context, in inbound, files []model.Attachment) []string {
	if len(files) == 0 {
		return nil
	}
	prefix := in.Identifiers.TicketNumber
	if prefix == "" {
		prefix = "unassigned"
	}
	var refs []string
	for _, f := range files {
		ref, err := p.attachments.Put(ctx, prefix, f.Filename, f.MIMEType, f.Data)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"message_id": in.MessageID,
				"filename":   f.Filename,
			}).Warnf("Dropping attachment: %v", err)
			continue
		}
		refs = append(refs, ref)
	}
	return refs
}

// park puts an unresolved email on the retry queue and records the failed
// attempt in the ledger
func (p *Pipeline) park(ctx context.Context, in inbound, cause error) error {
	reason := cause.Error()
	err := db.UnitOfWork(ctx, p.db, func(tx *gorm.DB) error {
		if err := p.queue.WithTx(tx).Schedule(ctx, retryqueue.Entry{
			MessageID:           in.MessageID,
			ThreadID:            in.ThreadID,
			Sender:              in.Sender,
			Subject:             in.Subject,
			Body:                in.Body,
			TicketNumber:        in.Identifiers.TicketNumber,
			OrderNumber:         in.Identifiers.OrderNumber,
			PurchaseOrderNumber: in.Identifiers.PurchaseOrderNumber,
			AttachmentRefs:      in.Attachments,
			PendingExternalID:   resolver.CreatedExternalID(cause),
		}, reason); err != nil {
			return err
		}
		return p.ledger.WithTx(tx).RecordAttempt(ctx, ledger.Attempt{
			MessageID:   in.MessageID,
			ThreadID:    in.ThreadID,
			OrderNumber: in.Identifiers.OrderNumber,
			Success:     false,
			ErrorDetail: DetailQueued + ": " + reason,
		})
	})
	if err != nil {
		return fmt.Errorf("failed to queue unresolved email: %w", err)
	}

	p.metrics.UnresolvedQueued.Inc()
	p.events.Publish(ctx, events.Event{
		Type:      events.EmailUnresolved,
		MessageID: in.MessageID,
		Detail:    reason,
	})
	return nil
}

// resolved accounts for a successful resolution
func (p *Pipeline) resolved(ctx context.Context, in inbound, res *resolver.Result) {
	p.metrics.Resolutions.WithLabelValues(string(res.Source)).Inc()
	logrus.WithFields(logrus.Fields{
		"message_id":    in.MessageID,
		"ticket_number": res.Ticket.TicketNumber,
		"source":        res.Source,
	}).Info("Resolved ticket")

	if res.Source == resolver.SourceCreated && res.Ticket.Escalated {
		p.ticketEscalated(ctx, in.MessageID, res.Ticket)
	}
}

func (p *Pipeline) ticketEscalated(ctx context.Context, messageID string, t *model.Ticket) {
	p.metrics.TicketsEscalated.Inc()
	p.events.Publish(ctx, events.Event{
		Type:         events.TicketEscalated,
		TicketNumber: t.TicketNumber,
		MessageID:    messageID,
		Detail:       t.EscalationReason,
	})
}

// decide asks the oracle about a resolved email and commits the decision,
// its drafts, the ticket changes and the ledger success in one transaction.
// extra runs inside the same transaction.
func (p *Pipeline) decide(ctx context.Context, in inbound, res *resolver.Result, extra func(tx *gorm.DB) error) error {
	ticket := res.Ticket
	log := logrus.WithFields(logrus.Fields{
		"message_id":    in.MessageID,
		"ticket_number": ticket.TicketNumber,
	})

	history, err := p.history(ctx, ticket.ID)
	if err != nil {
		return err
	}

	decision, err := p.oracle.Decide(ctx, oracle.Input{
		Email: oracle.Email{
			MessageID:   in.MessageID,
			Sender:      in.Sender,
			Subject:     in.Subject,
			Body:        in.Body,
			Attachments: in.Attachments,
		},
		Ticket:              *ticket,
		Related:             res.Related,
		ConversationSummary: ticket.ConversationSummary,
		History:             history,
	})
	if err != nil || decision == nil {
		p.metrics.OracleFailures.Inc()
		log.Warnf("Decision oracle failed, escalating: %v", err)
		decision = oracle.SafeDefault(err)
	}

	now := p.now()
	wasEscalated := ticket.Escalated
	var drafts []model.PendingMessage

	err = db.UnitOfWork(ctx, p.db, func(tx *gorm.DB) error {
		rec := decision.Record(ticket.ID, in.MessageID, now)
		if err := tx.Create(rec).Error; err != nil {
			return fmt.Errorf("failed to store decision: %w", err)
		}

		created, err := p.messages.WithTx(tx).CreateFromDecision(ctx, ticket, &rec.ID, decision, in.Attachments)
		if err != nil {
			return err
		}
		drafts = created

		changed := false
		if decision.RequiresEscalation && !ticket.Escalated {
			ticket.Escalate(decision.EscalationReason, now)
			changed = true
		}
		if update := strings.TrimSpace(decision.ConversationSummaryUpdates); update != "" {
			ticket.ConversationSummary = appendSummary(ticket.ConversationSummary, update)
			changed = true
		}
		if changed {
			if err := p.tickets.WithTx(tx).Save(ctx, ticket); err != nil {
				return err
			}
		}

		if extra != nil {
			if err := extra(tx); err != nil {
				return err
			}
		}

		return p.ledger.WithTx(tx).RecordAttempt(ctx, ledger.Attempt{
			MessageID:   in.MessageID,
			ThreadID:    in.ThreadID,
			TicketID:    &ticket.ID,
			OrderNumber: in.Identifiers.OrderNumber,
			Success:     true,
		})
	})
	if err != nil {
		return fmt.Errorf("failed to commit decision: %w", err)
	}

	for _, m := range drafts {
		p.metrics.DraftsCreated.WithLabelValues(m.Class).Inc()
		p.events.Publish(ctx, events.Event{
			Type:             events.MessageDrafted,
			TicketNumber:     ticket.TicketNumber,
			MessageID:        in.MessageID,
			PendingMessageID: m.ID,
			Detail:           m.Class,
		})
	}
	if !wasEscalated && ticket.Escalated {
		p.ticketEscalated(ctx, in.MessageID, ticket)
	}

	log.WithFields(logrus.Fields{
		"intent":     decision.Intent,
		"confidence": decision.Confidence,
		"escalated":  ticket.Escalated,
		"drafts":     len(drafts),
	}).Info("Email processed")
	return nil
}

// history returns the most recent sent messages of a ticket, oldest first
func (p *Pipeline) history(ctx context.Context, ticketID uint) ([]model.SentMessage, error) {
	var sent []model.SentMessage
	err := p.db.WithContext(ctx).
		Where("ticket_id = ?", ticketID).
		Order("sent_at desc, id desc").
		Limit(p.opts.HistoryLimit).
		Find(&sent).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation history: %w", err)
	}
	for i, j := 0, len(sent)-1; i < j; i, j = i+1, j-1 {
		sent[i], sent[j] = sent[j], sent[i]
	}
	return sent, nil
}

// appendSummary adds update to the rolling summary, dropping the oldest text
// beyond maxSummaryLen
func appendSummary(summary, update string) string {
	out := update
	if summary != "" {
		out = summary + "\n" + update
	}
	if len(out) <= maxSummaryLen {
		return out
	}
	cut := len(out) - maxSummaryLen
	if i := strings.IndexByte(out[cut:], '\n'); i >= 0 {
		return out[cut+i+1:]
	}
	return out[cut:]
}

// Sweep re-runs resolution for due retry queue entries. Recovered emails
// leave the queue in the same transaction that stores their decision.
func (p *Pipeline) Sweep(ctx context.Context, stats *Stats) error {
	if stats == nil {
		stats = &Stats{}
	}
	due, err := p.queue.Due(ctx, p.opts.BatchSize)
	if err != nil {
		return err
	}

	var errs []error
	for i := range due {
		if ctx.Err() != nil {
			break
		}
		row := due[i]
		in := inbound{
			MessageID: row.MessageID,
			ThreadID:  row.ThreadID,
			Sender:    row.Sender,
			Subject:   row.Subject,
			Body:      row.Body,
			Identifiers: extract.Identifiers{
				TicketNumber:        row.TicketNumber,
				OrderNumber:         row.OrderNumber,
				PurchaseOrderNumber: row.PurchaseOrderNumber,
			},
			Attachments: row.AttachmentRefs,
		}
		log := logrus.WithFields(logrus.Fields{
			"message_id": row.MessageID,
			"attempts":   row.Attempts,
		})

		res, err := p.resolver.Resolve(ctx, resolver.Request{
			MessageID:         in.MessageID,
			Identifiers:       in.Identifiers,
			Sender:            in.Sender,
			Subject:           in.Subject,
			Body:              in.Body,
			PendingExternalID: row.PendingExternalID,
		})
		if err != nil {
			if err := p.requeue(ctx, row, err, stats); err != nil {
				errs = append(errs, err)
			}
			continue
		}

		p.resolved(ctx, in, res)
		remove := func(tx *gorm.DB) error {
			return p.queue.WithTx(tx).Remove(ctx, row.MessageID)
		}
		if err := p.decide(ctx, in, res, remove); err != nil {
			log.Errorf("Decision failed for recovered email: %v", err)
			errs = append(errs, err)
			if err := p.requeue(ctx, row, fmt.Errorf("%s: %w", DetailDecisionFailed, err), stats); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		stats.Recovered++
		log.WithField("ticket_number", res.Ticket.TicketNumber).Info("Unresolved email recovered")
	}
	return errors.Join(errs...)
}

// requeue counts a failed sweep attempt on the queue entry and records it in
// the ledger
func (p *Pipeline) requeue(ctx context.Context, row model.UnresolvedEmail, cause error, stats *Stats) error {
	gaveUp, err := p.queue.MarkFailed(ctx, row.MessageID, cause.Error(), resolver.CreatedExternalID(cause))
	if err != nil {
		return err
	}
	detail := DetailQueued + ": " + cause.Error()
	if gaveUp {
		detail = retryqueue.ReasonMaxAttempts + ": " + cause.Error()
		stats.GaveUp++
		p.metrics.UnresolvedGaveUp.Inc()
	} else {
		stats.Requeued++
	}
	return p.ledger.RecordAttempt(ctx, ledger.Attempt{
		MessageID:   row.MessageID,
		ThreadID:    row.ThreadID,
		OrderNumber: row.OrderNumber,
		Success:     false,
		ErrorDetail: detail,
	})
}
