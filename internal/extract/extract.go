package extract

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"smart-ticket-relay-go/internal/model"
	"smart-ticket-relay-go/internal/ticketnumber"
)

// DefaultOrderPatterns match customer-facing order numbers in English and German mail.
// The first capture group is the identifier.
var DefaultOrderPatterns = []string{
	`(?i)\b(?:order|bestellnummer|auftragsnummer|auftrag|commande)\s*(?:no\.?|nr\.?|number|nummer|#)?\s*[:#]?\s*([0-9]{3}-[0-9]{7}-[0-9]{7}|[0-9]{5,}|[A-Z]{2,4}-?[0-9]{4,})`,
}

// DefaultPONumberPatterns match supplier purchase-order references
var DefaultPONumberPatterns = []string{
	`(?i)\b(?:PO|P\.O\.|purchase\s+order|einkaufsbestellung|lieferantenbestellung)\s*(?:no\.?|nr\.?|number|nummer|#)?\s*[:#]?\s*([0-9]{4,}|[A-Z]{1,4}-?[0-9]{4,})`,
}

var autoReplySubjects = []string{
	"automatic reply",
	"auto reply",
	"autoreply",
	"out of office",
	"out of the office",
	"abwesenheitsnotiz",
	"automatische antwort",
	"réponse automatique",
	"delivery status notification",
	"undeliverable",
}

// Identifiers are the ticket-related references found in an inbound email
type Identifiers struct {
	TicketNumber        string `json:"ticket_number,omitempty"`
	OrderNumber         string `json:"order_number,omitempty"`
	PurchaseOrderNumber string `json:"purchase_order_number,omitempty"`
}

// Empty reports whether no identifier was found
func (i Identifiers) Empty() bool {
	return i.TicketNumber == "" && i.OrderNumber == "" && i.PurchaseOrderNumber == ""
}

// Extractor finds identifiers in email subjects and bodies
type Extractor struct {
	format   *ticketnumber.Format
	orderRes []*regexp.Regexp
	poRes    []*regexp.Regexp
	fold     cases.Caser
}

// NewExtractor compiles the identifier patterns. Empty pattern lists fall back
// to the defaults.
func NewExtractor(format *ticketnumber.Format, orderPatterns, poPatterns []string) (*Extractor, error) {
	if len(orderPatterns) == 0 {
		orderPatterns = DefaultOrderPatterns
	}
	if len(poPatterns) == 0 {
		poPatterns = DefaultPONumberPatterns
	}
	orderRes, err := compileAll(orderPatterns)
	if err != nil {
		return nil, fmt.Errorf("invalid order number pattern: %w", err)
	}
	poRes, err := compileAll(poPatterns)
	if err != nil {
		return nil, fmt.Errorf("invalid purchase order pattern: %w", err)
	}
	return &Extractor{format: format, orderRes: orderRes, poRes: poRes, fold: cases.Fold()}, nil
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	res := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		if re.NumSubexp() < 1 {
			return nil, fmt.Errorf("pattern %q has no capture group", p)
		}
		res = append(res, re)
	}
	return res, nil
}

// Extract returns the identifiers found in email. The subject is searched before
// the body for each identifier.
func (e *Extractor) Extract(email model.EmailMessage) Identifiers {
	subject := norm.NFKC.String(email.Subject)
	body := norm.NFKC.String(email.Body)
	if body == "" && email.HTMLBody != "" {
		body = norm.NFKC.String(HTMLToText(email.HTMLBody))
	}

	var ids Identifiers
	for _, text := range []string{subject, body} {
		if ids.TicketNumber == "" {
			ids.TicketNumber = e.format.Find(text)
		}
		// purchase-order phrases contain the word "order"; cut them out before
		// looking for the customer order number
		po, rest := firstMatch(e.poRes, text)
		if ids.PurchaseOrderNumber == "" {
			ids.PurchaseOrderNumber = po
		}
		if ids.OrderNumber == "" {
			ids.OrderNumber, _ = firstMatch(e.orderRes, rest)
		}
	}

	logrus.WithFields(logrus.Fields{
		"message_id":    email.ID,
		"ticket_number": ids.TicketNumber,
		"order_number":  ids.OrderNumber,
		"po_number":     ids.PurchaseOrderNumber,
	}).Debug("Extracted identifiers")
	return ids
}

// firstMatch returns the first identifier matched by res and text with that
// match removed.
func firstMatch(res []*regexp.Regexp, text string) (string, string) {
	for _, re := range res {
		if loc := re.FindStringSubmatchIndex(text); loc != nil && loc[2] >= 0 {
			value := strings.ToUpper(strings.TrimSpace(text[loc[2]:loc[3]]))
			return value, text[:loc[0]] + " " + text[loc[1]:]
		}
	}
	return "", text
}

// IsAutoReply reports whether email is an automatic response that should be
// recorded as processed without further work.
func (e *Extractor) IsAutoReply(email model.EmailMessage) bool {
	if v := header(email.Headers, "Auto-Submitted"); v != "" && !strings.EqualFold(v, "no") {
		return true
	}
	if header(email.Headers, "X-Autoreply") != "" || header(email.Headers, "X-Autorespond") != "" {
		return true
	}
	switch strings.ToLower(header(email.Headers, "Precedence")) {
	case "bulk", "auto_reply", "junk":
		return true
	}

	subject := e.fold.String(norm.NFKC.String(strings.TrimSpace(email.Subject)))
	for _, prefix := range autoReplySubjects {
		if strings.HasPrefix(subject, e.fold.String(prefix)) {
			return true
		}
	}
	return false
}

func header(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return strings.TrimSpace(v)
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
