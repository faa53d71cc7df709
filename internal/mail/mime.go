package mail

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	_ "github.com/emersion/go-message/charset"
	gomail "github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"smart-ticket-relay-go/internal/model"
)

// maxAttachmentSize bounds a single inbound attachment
const maxAttachmentSize = 20 << 20

// ParseMIME reads an RFC 5322 message into an EmailMessage
func ParseMIME(r io.Reader) (*model.EmailMessage, error) {
	mr, err := gomail.CreateReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}
	defer mr.Close()

	email := &model.EmailMessage{Headers: make(map[string]string)}
	fields := mr.Header.Fields()
	for fields.Next() {
		if _, ok := email.Headers[fields.Key()]; !ok {
			email.Headers[fields.Key()] = fields.Value()
		}
	}

	email.Subject, _ = mr.Header.Subject()
	email.ID, _ = mr.Header.MessageID()
	if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
		email.From = from[0].Address
	}
	email.To = addresses(mr.Header, "To")
	email.CC = addresses(mr.Header, "Cc")
	if refs, err := mr.Header.MsgIDList("References"); err == nil && len(refs) > 0 {
		email.ThreadID = refs[0]
	}

	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return email, fmt.Errorf("failed to read part: %w", err)
		}

		switch h := p.Header.(type) {
		case *gomail.InlineHeader:
			ct, _, _ := h.ContentType()
			content, err := io.ReadAll(io.LimitReader(p.Body, maxAttachmentSize))
			if err != nil {
				return email, fmt.Errorf("failed to read part body: %w", err)
			}
			switch {
			case ct == "text/plain" && email.Body == "":
				email.Body = string(content)
			case ct == "text/html" && email.HTMLBody == "":
				email.HTMLBody = string(content)
			}
		case *gomail.AttachmentHeader:
			filename, _ := h.Filename()
			ct, _, _ := h.ContentType()
			data, err := io.ReadAll(io.LimitReader(p.Body, maxAttachmentSize))
			if err != nil {
				return email, fmt.Errorf("failed to read attachment %s: %w", filename, err)
			}
			email.Attachments = append(email.Attachments, model.Attachment{
				Filename: filename,
				MIMEType: ct,
				Data:     data,
			})
		}
	}
	return email, nil
}

func addresses(h gomail.Header, key string) []string {
	list, err := h.AddressList(key)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, a.Address)
	}
	return out
}

// Compose renders msg as an RFC 5322 message from the given address. It
// returns the raw bytes and the generated Message-ID.
func Compose(from string, msg Outgoing) ([]byte, string, error) {
	var h gomail.Header
	h.SetDate(time.Now())
	h.SetSubject(msg.Subject)
	h.SetAddressList("From", []*gomail.Address{{Address: from}})
	h.SetAddressList("To", []*gomail.Address{{Address: msg.To}})
	if len(msg.CC) > 0 {
		cc := make([]*gomail.Address, 0, len(msg.CC))
		for _, a := range msg.CC {
			cc = append(cc, &gomail.Address{Address: a})
		}
		h.SetAddressList("Cc", cc)
	}
	if msg.InReplyTo != "" {
		h.SetMsgIDList("In-Reply-To", []string{msg.InReplyTo})
		h.SetMsgIDList("References", []string{msg.InReplyTo})
	}
	messageID := uuid.NewString() + "@" + domainOf(from)
	h.SetMessageID(messageID)

	var buf bytes.Buffer
	mw, err := gomail.CreateWriter(&buf, h)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create message writer: %w", err)
	}

	tw, err := mw.CreateInline()
	if err != nil {
		return nil, "", fmt.Errorf("failed to create inline part: %w", err)
	}
	var th gomail.InlineHeader
	th.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	w, err := tw.CreatePart(th)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create text part: %w", err)
	}
	if _, err := io.WriteString(w, msg.Body); err != nil {
		return nil, "", fmt.Errorf("failed to write body: %w", err)
	}
	w.Close()
	tw.Close()

	for _, a := range msg.Attachments {
		var ah gomail.AttachmentHeader
		ct := a.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		ah.SetContentType(ct, nil)
		ah.SetFilename(a.Filename)
		aw, err := mw.CreateAttachment(ah)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create attachment %s: %w", a.Filename, err)
		}
		if _, err := aw.Write(a.Data); err != nil {
			return nil, "", fmt.Errorf("failed to write attachment %s: %w", a.Filename, err)
		}
		aw.Close()
	}

	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to finish message: %w", err)
	}
	return buf.Bytes(), messageID, nil
}

func domainOf(addr string) string {
	if i := strings.LastIndex(addr, "@"); i >= 0 && i < len(addr)-1 {
		return addr[i+1:]
	}
	return "localhost"
}

// AddressOf returns the bare address of a header value like "Jane <jane@example.com>"
func AddressOf(v string) string {
	if a, err := gomail.ParseAddress(v); err == nil {
		return a.Address
	}
	return strings.TrimSpace(v)
}
