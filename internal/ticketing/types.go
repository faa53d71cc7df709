package ticketing

import (
	"context"
	"errors"
)

// ErrNotFound is returned when the ticketing system does not know a ticket id yet
var ErrNotFound = errors.New("ticket not found")

// Ticket is a ticket as returned by the ticketing system
type Ticket struct {
	ID                  string `json:"id"`
	TicketNumber        string `json:"ticket_number"`
	OrderNumber         string `json:"order_number,omitempty"`
	PurchaseOrderNumber string `json:"purchase_order_number,omitempty"`
	Subject             string `json:"subject,omitempty"`
	CustomerName        string `json:"customer_name,omitempty"`
	CustomerEmail       string `json:"customer_email,omitempty"`
	SupplierName        string `json:"supplier_name,omitempty"`
	SupplierEmail       string `json:"supplier_email,omitempty"`
	TrackingNumber      string `json:"tracking_number,omitempty"`
	Carrier             string `json:"carrier,omitempty"`
	State               string `json:"state,omitempty"`
	OwnerID             string `json:"owner_id,omitempty"`
}

// CreateTicketRequest opens a new ticket
type CreateTicketRequest struct {
	Subject             string `json:"subject"`
	Body                string `json:"body"`
	CustomerEmail       string `json:"customer_email"`
	OrderNumber         string `json:"order_number,omitempty"`
	PurchaseOrderNumber string `json:"purchase_order_number,omitempty"`
}

// Attachment is a file sent along with a message
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"data"`
}

// SendRequest posts a message on a ticket
type SendRequest struct {
	TicketID    string       `json:"-"`
	Subject     string       `json:"subject,omitempty"`
	Body        string       `json:"body"`
	Recipient   string       `json:"recipient,omitempty"`
	CC          []string     `json:"cc,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// SendResult is the ticketing system's answer to a send. Succeeded=false is an
// API-level failure; Messages then carries the reasons.
type SendResult struct {
	Succeeded  bool     `json:"succeeded"`
	Messages   []string `json:"messages"`
	MessageIDs []string `json:"message_ids"`
}

// API is the subset of the ticketing system the pipeline depends on
type API interface {
	FindByTicketNumber(ctx context.Context, ticketNumber string) ([]Ticket, error)
	FindByOrderNumber(ctx context.Context, orderNumber string) ([]Ticket, error)
	FindByPurchaseOrderNumber(ctx context.Context, poNumber string) ([]Ticket, error)
	CreateTicket(ctx context.Context, req CreateTicketRequest) (string, error)
	GetTicketByID(ctx context.Context, id string) (*Ticket, error)
	SendCustomerMessage(ctx context.Context, req SendRequest) (*SendResult, error)
	SendSupplierMessage(ctx context.Context, req SendRequest) (*SendResult, error)
	SendInternalNote(ctx context.Context, req SendRequest) (*SendResult, error)
}
