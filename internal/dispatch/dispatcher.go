// Package dispatch sends approved messages through the ticketing system or
// the mail transport and records the outcome on the pending message.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	netmail "net/mail"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"smart-ticket-relay-go/internal/apperr"
	"smart-ticket-relay-go/internal/attachments"
	"smart-ticket-relay-go/internal/config"
	"smart-ticket-relay-go/internal/events"
	"smart-ticket-relay-go/internal/mail"
	metricsPkg "smart-ticket-relay-go/internal/metrics"
	"smart-ticket-relay-go/internal/model"
	"smart-ticket-relay-go/internal/pending"
	"smart-ticket-relay-go/internal/ticketing"
	"smart-ticket-relay-go/internal/tickets"
)

// Delivery channels recorded on sent messages
const (
	ChannelTicketing = "ticketing"
	ChannelEmail     = "email"
)

// Result is the outcome of one dispatch attempt
type Result struct {
	Message *model.PendingMessage `json:"message"`
	Sent    bool                  `json:"sent"`
	Error   string                `json:"error,omitempty"`
}

// Dispatcher performs the "attempt send, record outcome" unit of work
type Dispatcher struct {
	messages    *pending.Store
	tickets     *tickets.Store
	api         ticketing.API
	mailer      mail.Sender
	attachments attachments.Store
	events      events.Publisher
	metrics     *metricsPkg.Metrics
	cfg         config.DispatchConfig
}

// NewDispatcher creates a dispatcher
func NewDispatcher(messages *pending.Store, ticketStore *tickets.Store, api ticketing.API, mailer mail.Sender, store attachments.Store, publisher events.Publisher, metrics *metricsPkg.Metrics, cfg config.DispatchConfig) *Dispatcher {
	if store == nil {
		store = attachments.Disabled{}
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = 5 * time.Minute
	}
	if cfg.SupplierChannel == "" {
		cfg.SupplierChannel = ChannelTicketing
	}
	return &Dispatcher{
		messages:    messages,
		tickets:     ticketStore,
		api:         api,
		mailer:      mailer,
		attachments: store,
		events:      publisher,
		metrics:     metrics,
		cfg:         cfg,
	}
}

// Approve applies the operator's edits to a pending message and sends it.
// A send failure is reported in the result, not as an error; errors mean the
// message could not be approved at all.
func (d *Dispatcher) Approve(ctx context.Context, id uint, edits pending.Edits, reviewer string) (*Result, error) {
	if err := d.messages.ApplyEdits(ctx, id, edits, reviewer); err != nil {
		return nil, err
	}

	m, token, err := d.messages.Claim(ctx, id, []string{model.StatusPending}, d.cfg.ClaimLease)
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"pending_message_id": id,
		"class":              m.Class,
		"reviewer":           reviewer,
	}).Info("Message approved")

	return d.Dispatch(ctx, m, token)
}

// Dispatch sends a claimed message and commits the outcome
func (d *Dispatcher) Dispatch(ctx context.Context, m *model.PendingMessage, token string) (*Result, error) {
	log := logrus.WithFields(logrus.Fields{
		"pending_message_id": m.ID,
		"class":              m.Class,
		"retry_count":        m.RetryCount,
	})

	ticket, err := d.tickets.Get(ctx, m.TicketID)
	if err != nil {
		if relErr := d.messages.Release(ctx, m.ID, token); relErr != nil {
			log.Warnf("Failed to release claim: %v", relErr)
		}
		return nil, fmt.Errorf("failed to load ticket for message %d: %w", m.ID, err)
	}
	log = log.WithField("ticket_number", ticket.TicketNumber)

	channel, ids, sendErr := d.send(ctx, m, ticket)
	if sendErr == nil {
		sent := &model.SentMessage{
			TicketID:           m.TicketID,
			Class:              m.Class,
			Channel:            channel,
			Recipient:          m.Recipient,
			CC:                 m.CC,
			Subject:            m.Subject,
			Body:               m.Body,
			ExternalMessageIDs: ids,
		}
		if err := d.messages.MarkSent(ctx, m.ID, token, sent); err != nil {
			log.Errorf("Message was delivered but recording the outcome failed: %v", err)
			return nil, err
		}
		d.metrics.DispatchSuccesses.WithLabelValues(m.Class).Inc()
		d.events.Publish(ctx, events.Event{
			Type:             events.MessageSent,
			TicketNumber:     ticket.TicketNumber,
			PendingMessageID: m.ID,
			Detail:           channel,
		})
		log.WithField("channel", channel).Info("Message sent")

		out, err := d.messages.Get(ctx, m.ID)
		if err != nil {
			return nil, err
		}
		return &Result{Message: out, Sent: true}, nil
	}

	failure := pending.Failure{Permanent: apperr.IsPermanent(sendErr), Error: sendErr.Error()}
	kind := model.FailureTransient
	if failure.Permanent {
		kind = model.FailurePermanent
	}

	out, err := d.messages.MarkFailed(ctx, m.ID, token, failure, d.cfg.MaxRetries)
	if err != nil {
		log.Errorf("Failed to record dispatch failure: %v", err)
		return nil, err
	}
	d.metrics.DispatchFailures.WithLabelValues(kind).Inc()
	d.events.Publish(ctx, events.Event{
		Type:             events.MessageFailed,
		TicketNumber:     ticket.TicketNumber,
		PendingMessageID: m.ID,
		Detail:           out.LastError,
	})
	log.WithFields(logrus.Fields{
		"failure_kind": kind,
		"retry_count":  out.RetryCount,
	}).Warnf("Message dispatch failed: %v", sendErr)

	if out.Escalated && !m.Escalated {
		d.exhausted(ctx, out, ticket.TicketNumber)
	}

	return &Result{Message: out, Sent: false, Error: out.LastError}, nil
}

// exhausted reports a message that reached the retry ceiling
func (d *Dispatcher) exhausted(ctx context.Context, m *model.PendingMessage, ticketNumber string) {
	d.metrics.RetriesExhausted.Inc()
	d.events.Publish(ctx, events.Event{
		Type:             events.MessageEscalated,
		TicketNumber:     ticketNumber,
		PendingMessageID: m.ID,
		Detail:           m.LastError,
	})
	logrus.WithFields(logrus.Fields{
		"pending_message_id": m.ID,
		"class":              m.Class,
		"retry_count":        m.RetryCount,
		"ticket_number":      ticketNumber,
	}).Error("Message escalated after exhausting retries")
}

// send delivers m on its channel and returns the channel and message ids
func (d *Dispatcher) send(ctx context.Context, m *model.PendingMessage, ticket *model.Ticket) (string, []string, error) {
	channel := ChannelTicketing
	if m.Class == model.ClassSupplier && d.cfg.SupplierChannel == ChannelEmail {
		channel = ChannelEmail
	}

	if err := validateRecipients(m, channel); err != nil {
		return channel, nil, err
	}
	if channel == ChannelTicketing && ticket.ExternalID == "" {
		return channel, nil, apperr.Permanent("dispatch", "ticket has no external id", nil)
	}

	files, err := d.loadAttachments(ctx, m)
	if err != nil {
		return channel, nil, err
	}

	if channel == ChannelEmail {
		if d.mailer == nil {
			return channel, nil, apperr.Permanent("dispatch", "no mail transport configured", nil)
		}
		out := mail.Outgoing{
			To:      m.Recipient,
			CC:      m.CC,
			Subject: m.Subject,
			Body:    m.Body,
		}
		for _, f := range files {
			out.Attachments = append(out.Attachments, mail.Attachment{Filename: f.Filename, ContentType: f.ContentType, Data: f.Data})
		}
		id, err := d.mailer.SendEmail(ctx, out)
		if err != nil {
			return channel, nil, classify("send email", err)
		}
		return channel, []string{id}, nil
	}

	req := ticketing.SendRequest{
		TicketID:  ticket.ExternalID,
		Subject:   m.Subject,
		Body:      m.Body,
		Recipient: m.Recipient,
		CC:        m.CC,
	}
	for _, f := range files {
		req.Attachments = append(req.Attachments, ticketing.Attachment{Filename: f.Filename, ContentType: f.ContentType, Data: f.Data})
	}

	var res *ticketing.SendResult
	switch m.Class {
	case model.ClassCustomer:
		res, err = d.api.SendCustomerMessage(ctx, req)
	case model.ClassSupplier:
		res, err = d.api.SendSupplierMessage(ctx, req)
	case model.ClassInternal:
		res, err = d.api.SendInternalNote(ctx, req)
	default:
		return channel, nil, apperr.Permanent("dispatch", fmt.Sprintf("unknown message class %q", m.Class), nil)
	}
	if err != nil {
		return channel, nil, classify("send "+m.Class+" message", err)
	}
	if res == nil || !res.Succeeded {
		reason := "send rejected by ticketing system"
		if res != nil && len(res.Messages) > 0 {
			reason = strings.Join(res.Messages, "; ")
		}
		return channel, nil, apperr.Transient("send "+m.Class+" message", errors.New(reason))
	}
	return channel, res.MessageIDs, nil
}

// loadAttachments fetches attachment content. Refs that storage cannot
// serve because it is disabled are dropped.
func (d *Dispatcher) loadAttachments(ctx context.Context, m *model.PendingMessage) ([]attachments.Object, error) {
	var out []attachments.Object
	for _, ref := range m.Attachments {
		obj, err := d.attachments.Get(ctx, ref)
		if err != nil {
			if errors.Is(err, attachments.ErrDisabled) {
				logrus.WithField("pending_message_id", m.ID).Warnf("Dropping attachment %s: storage disabled", ref)
				continue
			}
			return nil, apperr.Transient("load attachment", err)
		}
		out = append(out, *obj)
	}
	return out, nil
}

// validateRecipients rejects malformed addresses before anything is sent.
// Internal notes have no recipient.
func validateRecipients(m *model.PendingMessage, channel string) error {
	if m.Class == model.ClassInternal {
		return nil
	}
	if m.Recipient == "" {
		if channel == ChannelEmail {
			return apperr.Permanent("validate recipient", "missing recipient", nil)
		}
	} else if _, err := netmail.ParseAddress(m.Recipient); err != nil {
		return apperr.Permanent("validate recipient", fmt.Sprintf("malformed recipient %q", m.Recipient), err)
	}
	for _, cc := range m.CC {
		if _, err := netmail.ParseAddress(cc); err != nil {
			return apperr.Permanent("validate recipient", fmt.Sprintf("malformed cc %q", cc), err)
		}
	}
	return nil
}

// classify keeps already classified errors. Anything else, including
// timeouts, is transient.
func classify(op string, err error) error {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	return apperr.Transient(op, err)
}
