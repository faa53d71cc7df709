// Package mail is the mail transport: inbound fetchers over the Gmail API or
// IMAP and outbound senders over the Gmail API or SMTP.
package mail

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"smart-ticket-relay-go/internal/config"
	"smart-ticket-relay-go/internal/model"
)

// Fetcher fetches recent inbound emails. Every call returns the whole
// lookback window; the idempotency ledger filters what was already handled.
type Fetcher interface {
	FetchNewEmails(ctx context.Context) ([]model.EmailMessage, error)
	Close() error
}

// NewFetcher creates the inbound fetcher selected by cfg.Inbound
func NewFetcher(ctx context.Context, cfg config.MailConfig) (Fetcher, error) {
	switch cfg.Inbound {
	case "gmail":
		return NewGmailAPIFetcher(ctx, cfg)
	case "imap":
		return NewIMAPFetcher(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported inbound mail transport: %s", cfg.Inbound)
	}
}

func lookback(cfg config.MailConfig) time.Duration {
	if cfg.Lookback <= 0 {
		return 24 * time.Hour
	}
	return cfg.Lookback
}

func gmailService(ctx context.Context, cfg config.MailConfig, scopes ...string) (*gmail.Service, error) {
	oauth2Config := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Scopes:       scopes,
		Endpoint:     google.Endpoint,
	}
	token := &oauth2.Token{RefreshToken: cfg.RefreshToken}
	tokenSource := oauth2Config.TokenSource(ctx, token)

	service, err := gmail.NewService(ctx, option.WithTokenSource(tokenSource))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return service, nil
}

// GmailAPIFetcher implements Fetcher using the Gmail API
type GmailAPIFetcher struct {
	service   *gmail.Service
	userEmail string
	lookback  time.Duration
}

// NewGmailAPIFetcher creates a new Gmail API fetcher
func NewGmailAPIFetcher(ctx context.Context, cfg config.MailConfig) (*GmailAPIFetcher, error) {
	service, err := gmailService(ctx, cfg, gmail.GmailReadonlyScope)
	if err != nil {
		return nil, err
	}
	return &GmailAPIFetcher{
		service:   service,
		userEmail: cfg.UserEmail,
		lookback:  lookback(cfg),
	}, nil
}

// FetchNewEmails fetches inbox emails received within the lookback window
func (f *GmailAPIFetcher) FetchNewEmails(ctx context.Context) ([]model.EmailMessage, error) {
	query := fmt.Sprintf("in:inbox after:%d", time.Now().Add(-f.lookback).Unix())

	var emails []model.EmailMessage
	err := f.service.Users.Messages.List(f.userEmail).Q(query).Pages(ctx, func(resp *gmail.ListMessagesResponse) error {
		for _, msg := range resp.Messages {
			message, err := f.service.Users.Messages.Get(f.userEmail, msg.Id).Format("full").Context(ctx).Do()
			if err != nil {
				logrus.Warnf("Failed to get message %s: %v", msg.Id, err)
				continue
			}
			email, err := f.parseGmailMessage(ctx, message)
			if err != nil {
				logrus.Warnf("Failed to parse message %s: %v", msg.Id, err)
				continue
			}
			emails = append(emails, email)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return emails, nil
}

// parseGmailMessage parses a Gmail API message into EmailMessage. The
// RFC Message-ID is the message id when present so switching transports keeps
// idempotency.
func (f *GmailAPIFetcher) parseGmailMessage(ctx context.Context, msg *gmail.Message) (model.EmailMessage, error) {
	email := model.EmailMessage{
		ID:       msg.Id,
		ThreadID: msg.ThreadId,
		Headers:  make(map[string]string),
	}
	if msg.Payload == nil {
		return email, fmt.Errorf("message has no payload")
	}

	for _, header := range msg.Payload.Headers {
		email.Headers[header.Name] = header.Value

		switch strings.ToLower(header.Name) {
		case "subject":
			email.Subject = header.Value
		case "from":
			email.From = AddressOf(header.Value)
		case "to":
			email.To = splitAddresses(header.Value)
		case "cc":
			email.CC = splitAddresses(header.Value)
		case "message-id":
			if id := strings.Trim(strings.TrimSpace(header.Value), "<>"); id != "" {
				email.ID = id
			}
		}
	}

	if err := f.parseGmailBody(ctx, msg.Id, msg.Payload, &email); err != nil {
		return email, err
	}
	return email, nil
}

// parseGmailBody recursively parses Gmail message body parts
func (f *GmailAPIFetcher) parseGmailBody(ctx context.Context, gmailID string, part *gmail.MessagePart, email *model.EmailMessage) error {
	if part.Filename != "" && part.Body != nil {
		data, err := f.attachmentData(ctx, gmailID, part.Body)
		if err != nil {
			return err
		}
		email.Attachments = append(email.Attachments, model.Attachment{
			Filename: part.Filename,
			MIMEType: part.MimeType,
			Data:     data,
		})
	} else if part.Body != nil && part.Body.Data != "" {
		data, err := decodeBase64URL(part.Body.Data)
		if err != nil {
			return fmt.Errorf("failed to decode body data: %w", err)
		}

		switch part.MimeType {
		case "text/plain":
			if email.Body == "" {
				email.Body = string(data)
			}
		case "text/html":
			if email.HTMLBody == "" {
				email.HTMLBody = string(data)
			}
		}
	}

	for _, subPart := range part.Parts {
		if err := f.parseGmailBody(ctx, gmailID, subPart, email); err != nil {
			return err
		}
	}
	return nil
}

func (f *GmailAPIFetcher) attachmentData(ctx context.Context, gmailID string, body *gmail.MessagePartBody) ([]byte, error) {
	if body.Data != "" {
		return decodeBase64URL(body.Data)
	}
	if body.AttachmentId == "" {
		return nil, nil
	}
	att, err := f.service.Users.Messages.Attachments.Get(f.userEmail, gmailID, body.AttachmentId).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to get attachment: %w", err)
	}
	return decodeBase64URL(att.Data)
}

// Close closes the Gmail API fetcher
func (f *GmailAPIFetcher) Close() error {
	return nil
}

// IMAPFetcher implements Fetcher using IMAP. It connects per fetch.
type IMAPFetcher struct {
	addr     string
	user     string
	password string
	mailbox  string
	lookback time.Duration
}

// NewIMAPFetcher creates a new IMAP fetcher
func NewIMAPFetcher(cfg config.MailConfig) *IMAPFetcher {
	mailbox := cfg.IMAPMailbox
	if mailbox == "" {
		mailbox = "INBOX"
	}
	return &IMAPFetcher{
		addr:     fmt.Sprintf("%s:%d", cfg.IMAPHost, cfg.IMAPPort),
		user:     cfg.IMAPUser,
		password: cfg.IMAPPassword,
		mailbox:  mailbox,
		lookback: lookback(cfg),
	}
}

// FetchNewEmails fetches messages received within the lookback window
func (f *IMAPFetcher) FetchNewEmails(ctx context.Context) ([]model.EmailMessage, error) {
	c, err := client.DialTLS(f.addr, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to IMAP server: %w", err)
	}
	defer c.Logout()

	if err := c.Login(f.user, f.password); err != nil {
		return nil, fmt.Errorf("failed to login to IMAP server: %w", err)
	}

	if _, err := c.Select(f.mailbox, true); err != nil {
		return nil, fmt.Errorf("failed to select %s: %w", f.mailbox, err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.Since = time.Now().Add(-f.lookback)
	uids, err := c.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}
	if len(uids) == 0 {
		return []model.EmailMessage{}, nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)

	section := &imap.BodySectionName{Peek: true}
	messages := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(seqset, []imap.FetchItem{imap.FetchEnvelope, imap.FetchUid, section.FetchItem()}, messages)
	}()

	var emails []model.EmailMessage
	for msg := range messages {
		if ctx.Err() != nil {
			continue
		}
		email, err := f.parseIMAPMessage(msg, section)
		if err != nil {
			logrus.Warnf("Failed to parse IMAP message %d: %v", msg.Uid, err)
			continue
		}
		emails = append(emails, *email)
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return emails, nil
}

// parseIMAPMessage parses an IMAP message into EmailMessage
func (f *IMAPFetcher) parseIMAPMessage(msg *imap.Message, section *imap.BodySectionName) (*model.EmailMessage, error) {
	r := msg.GetBody(section)
	if r == nil {
		return nil, fmt.Errorf("failed to get message body")
	}
	email, err := ParseMIME(r)
	if err != nil {
		return nil, err
	}

	if msg.Envelope != nil {
		if email.Subject == "" {
			email.Subject = msg.Envelope.Subject
		}
		if email.From == "" && len(msg.Envelope.From) > 0 {
			email.From = msg.Envelope.From[0].Address()
		}
		if email.ID == "" {
			email.ID = strings.Trim(msg.Envelope.MessageId, "<>")
		}
	}
	if email.ID == "" {
		email.ID = fmt.Sprintf("imap-%s-%d", f.mailbox, msg.Uid)
	}
	return email, nil
}

// Close closes the IMAP fetcher
func (f *IMAPFetcher) Close() error {
	return nil
}

func splitAddresses(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func decodeBase64URL(s string) ([]byte, error) {
	data, err := base64.URLEncoding.DecodeString(s)
	if err == nil {
		return data, nil
	}
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}
