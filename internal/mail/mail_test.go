package mail

import (
	"bytes"
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smart-ticket-relay-go/internal/apperr"
)

func TestComposeParsesBack(t *testing.T) {
	raw, messageID, err := Compose("support@shop.example", Outgoing{
		To:        "orders@supplier.example",
		CC:        []string{"logistics@shop.example"},
		Subject:   "[DE25000042] Tracking für Bestellung 12345",
		Body:      "Bitte senden Sie uns die Sendungsnummer.",
		InReplyTo: "abc@supplier.example",
		Attachments: []Attachment{
			{Filename: "invoice.pdf", ContentType: "application/pdf", Data: []byte("%PDF-1.4")},
		},
	})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(messageID, "@shop.example"))

	email, err := ParseMIME(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, messageID, email.ID)
	assert.Equal(t, "support@shop.example", email.From)
	assert.Equal(t, []string{"orders@supplier.example"}, email.To)
	assert.Equal(t, []string{"logistics@shop.example"}, email.CC)
	assert.Equal(t, "[DE25000042] Tracking für Bestellung 12345", email.Subject)
	assert.Equal(t, "Bitte senden Sie uns die Sendungsnummer.", strings.TrimSpace(email.Body))
	assert.Equal(t, "abc@supplier.example", email.ThreadID)
	require.Len(t, email.Attachments, 1)
	assert.Equal(t, "invoice.pdf", email.Attachments[0].Filename)
	assert.Equal(t, []byte("%PDF-1.4"), email.Attachments[0].Data)
}

func TestParseMIMEHTMLOnly(t *testing.T) {
	raw := "From: Jane <jane@example.com>\r\n" +
		"To: support@shop.example\r\n" +
		"Subject: Order 12345\r\n" +
		"Message-ID: <m1@example.com>\r\n" +
		"Auto-Submitted: auto-replied\r\n" +
		"Content-Type: text/html; charset=utf-8\r\n" +
		"\r\n" +
		"<p>Where is <b>my order</b>?</p>\r\n"

	email, err := ParseMIME(strings.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, "m1@example.com", email.ID)
	assert.Equal(t, "jane@example.com", email.From)
	assert.Empty(t, email.Body)
	assert.Contains(t, email.HTMLBody, "<b>my order</b>")
	assert.Equal(t, "auto-replied", email.Headers["Auto-Submitted"])
}

func TestAddressOf(t *testing.T) {
	assert.Equal(t, "jane@example.com", AddressOf("Jane Doe <jane@example.com>"))
	assert.Equal(t, "not an address", AddressOf(" not an address "))
}

type testBackend struct {
	mu       sync.Mutex
	rejectTo string
	from     string
	rcpts    []string
	data     []byte
}

func (b *testBackend) NewSession(_ *smtp.Conn) (smtp.Session, error) {
	return &testSession{b: b}, nil
}

type testSession struct{ b *testBackend }

func (s *testSession) Reset() {}

func (s *testSession) Logout() error { return nil }

func (s *testSession) AuthPlain(_, _ string) error { return nil }

func (s *testSession) Mail(from string, _ *smtp.MailOptions) error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	s.b.from = from
	return nil
}

func (s *testSession) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if to == s.b.rejectTo {
		return &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 1, 1}, Message: "no such user"}
	}
	s.b.rcpts = append(s.b.rcpts, to)
	return nil
}

func (s *testSession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	s.b.data = data
	return nil
}

func startSMTP(t *testing.T, b *testBackend) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := smtp.NewServer(b)
	srv.Domain = "localhost"
	srv.ReadTimeout = 5 * time.Second
	srv.WriteTimeout = 5 * time.Second
	go srv.Serve(l)
	t.Cleanup(func() { srv.Close() })
	return l.Addr().String()
}

func testSender(addr string) *SMTPSender {
	d := &net.Dialer{Timeout: time.Second}
	return &SMTPSender{
		addr:    addr,
		from:    "support@shop.example",
		timeout: 5 * time.Second,
		dial:    func(ctx context.Context, a string) (net.Conn, error) { return d.DialContext(ctx, "tcp", a) },
	}
}

func TestSMTPSenderDelivers(t *testing.T) {
	b := &testBackend{}
	s := testSender(startSMTP(t, b))

	id, err := s.SendEmail(context.Background(), Outgoing{
		To:      "jane@example.com",
		CC:      []string{"team@shop.example"},
		Subject: "Your order",
		Body:    "It ships tomorrow.",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	b.mu.Lock()
	defer b.mu.Unlock()
	assert.Equal(t, "support@shop.example", b.from)
	assert.Equal(t, []string{"jane@example.com", "team@shop.example"}, b.rcpts)
	assert.Contains(t, string(b.data), "It ships tomorrow.")
}

func TestSMTPSenderRejectedRecipientIsPermanent(t *testing.T) {
	b := &testBackend{rejectTo: "ghost@example.com"}
	s := testSender(startSMTP(t, b))

	_, err := s.SendEmail(context.Background(), Outgoing{To: "ghost@example.com", Subject: "x", Body: "y"})
	require.Error(t, err)
	assert.True(t, apperr.IsPermanent(err))
}

func TestSMTPSenderConnectFailureIsTransient(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()

	_, err = testSender(addr).SendEmail(context.Background(), Outgoing{To: "a@example.com", Body: "x"})
	require.Error(t, err)
	assert.True(t, apperr.IsTransient(err))
}
