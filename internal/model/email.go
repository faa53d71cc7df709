package model

// EmailMessage represents an inbound email message
type EmailMessage struct {
	ID          string            `json:"id"`
	ThreadID    string            `json:"thread_id"`
	Subject     string            `json:"subject"`
	From        string            `json:"from"`
	To          []string          `json:"to"`
	CC          []string          `json:"cc"`
	Body        string            `json:"body"`
	HTMLBody    string            `json:"html_body"`
	Headers     map[string]string `json:"headers"`
	Attachments []Attachment      `json:"attachments"`
}

// Attachment represents an email attachment
type Attachment struct {
	Filename string `json:"filename"`
	MIMEType string `json:"mime_type"`
	Data     []byte `json:"-"`
}

// AllModels lists every model managed by migrations
func AllModels() []interface{} {
	return []interface{}{
		&ProcessedEmail{},
		&Ticket{},
		&UnresolvedEmail{},
		&DecisionRecord{},
		&PendingMessage{},
		&SentMessage{},
	}
}
