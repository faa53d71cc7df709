package mail

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/googleapi"
	gmail "google.golang.org/api/gmail/v1"

	"smart-ticket-relay-go/internal/apperr"
	"smart-ticket-relay-go/internal/config"
)

// Attachment is a file attached to an outgoing email
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Outgoing is one direct email
type Outgoing struct {
	To          string
	CC          []string
	Subject     string
	Body        string
	InReplyTo   string
	Attachments []Attachment
}

// Sender sends direct emails and returns the sent message id
type Sender interface {
	SendEmail(ctx context.Context, msg Outgoing) (string, error)
}

// NewSender creates the outbound sender selected by cfg.Outbound
func NewSender(ctx context.Context, cfg config.MailConfig) (Sender, error) {
	switch cfg.Outbound {
	case "gmail":
		return NewGmailSender(ctx, cfg)
	case "smtp":
		return NewSMTPSender(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported outbound mail transport: %s", cfg.Outbound)
	}
}

// GmailSender sends mail through the Gmail API
type GmailSender struct {
	service   *gmail.Service
	userEmail string
	from      string
}

// NewGmailSender creates a new Gmail sender
func NewGmailSender(ctx context.Context, cfg config.MailConfig) (*GmailSender, error) {
	service, err := gmailService(ctx, cfg, gmail.GmailSendScope)
	if err != nil {
		return nil, err
	}
	from := cfg.FromAddress
	if from == "" {
		from = cfg.UserEmail
	}
	return &GmailSender{service: service, userEmail: cfg.UserEmail, from: from}, nil
}

// SendEmail sends msg and returns the Gmail message id
func (s *GmailSender) SendEmail(ctx context.Context, msg Outgoing) (string, error) {
	raw, _, err := Compose(s.from, msg)
	if err != nil {
		return "", apperr.Permanent("gmail send", "failed to compose email", err)
	}

	sent, err := s.service.Users.Messages.Send(s.userEmail, &gmail.Message{
		Raw: base64.URLEncoding.EncodeToString(raw),
	}).Context(ctx).Do()
	if err != nil {
		return "", classifyGmail(err)
	}

	logrus.Infof("Sent email to %s via Gmail API (id %s)", msg.To, sent.Id)
	return sent.Id, nil
}

// TestConnection tests the Gmail API connection
func (s *GmailSender) TestConnection(ctx context.Context) error {
	if _, err := s.service.Users.GetProfile(s.userEmail).Context(ctx).Do(); err != nil {
		return fmt.Errorf("failed to test Gmail API connection: %w", err)
	}
	return nil
}

func classifyGmail(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		if apperr.FromStatus(gerr.Code) == apperr.KindPermanent {
			return apperr.Permanent("gmail send", gerr.Message, err)
		}
		return apperr.Transient("gmail send", err)
	}
	if apperr.Classify(err) == apperr.KindTransient {
		return apperr.Transient("gmail send", err)
	}
	return fmt.Errorf("failed to send email via Gmail API: %w", err)
}

// SMTPSender sends mail through an SMTP submission server with STARTTLS
type SMTPSender struct {
	addr     string
	host     string
	user     string
	password string
	from     string
	timeout  time.Duration
	// dial is replaceable in tests
	dial func(ctx context.Context, addr string) (net.Conn, error)
	// tlsConfig is nil to skip STARTTLS
	tlsConfig *tls.Config
}

// NewSMTPSender creates a new SMTP sender
func NewSMTPSender(cfg config.MailConfig) *SMTPSender {
	from := cfg.FromAddress
	if from == "" {
		from = cfg.SMTPUser
	}
	d := &net.Dialer{Timeout: 10 * time.Second}
	return &SMTPSender{
		addr:      net.JoinHostPort(cfg.SMTPHost, strconv.Itoa(cfg.SMTPPort)),
		host:      cfg.SMTPHost,
		user:      cfg.SMTPUser,
		password:  cfg.SMTPPassword,
		from:      from,
		timeout:   60 * time.Second,
		dial:      func(ctx context.Context, addr string) (net.Conn, error) { return d.DialContext(ctx, "tcp", addr) },
		tlsConfig: &tls.Config{ServerName: cfg.SMTPHost},
	}
}

// SendEmail sends msg and returns its Message-ID
func (s *SMTPSender) SendEmail(ctx context.Context, msg Outgoing) (string, error) {
	raw, messageID, err := Compose(s.from, msg)
	if err != nil {
		return "", apperr.Permanent("smtp send", "failed to compose email", err)
	}

	conn, err := s.dial(ctx, s.addr)
	if err != nil {
		return "", apperr.Transient("smtp send", fmt.Errorf("failed to connect to SMTP server: %w", err))
	}
	deadline := time.Now().Add(s.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return "", apperr.Transient("smtp send", err)
	}

	c := smtp.NewClient(conn)
	defer c.Close()

	if err := c.Hello("localhost"); err != nil {
		return "", classifySMTP("EHLO", err)
	}
	if s.tlsConfig != nil {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(s.tlsConfig); err != nil {
				return "", classifySMTP("STARTTLS", err)
			}
		}
	}
	if s.user != "" {
		if err := c.Auth(sasl.NewPlainClient("", s.user, s.password)); err != nil {
			return "", classifySMTP("AUTH", err)
		}
	}
	if err := c.Mail(s.from, nil); err != nil {
		return "", classifySMTP("MAIL FROM", err)
	}
	for _, rcpt := range append([]string{msg.To}, msg.CC...) {
		if err := c.Rcpt(rcpt, nil); err != nil {
			return "", classifySMTP("RCPT TO "+rcpt, err)
		}
	}

	wc, err := c.Data()
	if err != nil {
		return "", classifySMTP("DATA", err)
	}
	if _, err := wc.Write(raw); err != nil {
		wc.Close()
		return "", classifySMTP("DATA", err)
	}
	if err := wc.Close(); err != nil {
		return "", classifySMTP("DATA", err)
	}

	if err := c.Quit(); err != nil {
		logrus.Warnf("SMTP QUIT failed: %v", err)
	}

	logrus.Infof("Sent email to %s via SMTP (Message-ID %s)", msg.To, messageID)
	return messageID, nil
}

// classifySMTP maps 5xx replies to permanent failures and everything else to
// transient ones
func classifySMTP(stage string, err error) error {
	var serr *smtp.SMTPError
	if errors.As(err, &serr) && serr.Code >= 500 {
		return apperr.Permanent("smtp "+stage, serr.Message, err)
	}
	return apperr.Transient("smtp "+stage, err)
}
