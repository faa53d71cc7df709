package model

import (
	"time"

	"gorm.io/datatypes"
)

// Ticket lifecycle states mirrored from the ticketing system
const (
	TicketStateOpen    = "open"
	TicketStatePending = "pending"
	TicketStateClosed  = "closed"
)

// Ticket is the local mirror of an external ticket. Rows are never deleted.
type Ticket struct {
	ID                   uint                        `json:"id" gorm:"primaryKey;autoIncrement"`
	TicketNumber         string                      `json:"ticket_number" gorm:"type:varchar(64);not null;uniqueIndex"`
	ExternalID           string                      `json:"external_id" gorm:"type:varchar(128);index"`
	OrderNumber          string                      `json:"order_number" gorm:"type:varchar(100);index"`
	PurchaseOrderNumber  string                      `json:"purchase_order_number" gorm:"type:varchar(100);index"`
	Subject              string                      `json:"subject" gorm:"type:varchar(998)"`
	CustomerName         string                      `json:"customer_name" gorm:"type:varchar(255)"`
	CustomerEmail        string                      `json:"customer_email" gorm:"type:varchar(255)"`
	SupplierName         string                      `json:"supplier_name" gorm:"type:varchar(255)"`
	SupplierEmail        string                      `json:"supplier_email" gorm:"type:varchar(255)"`
	TrackingNumber       string                      `json:"tracking_number" gorm:"type:varchar(100)"`
	Carrier              string                      `json:"carrier" gorm:"type:varchar(100)"`
	State                string                      `json:"state" gorm:"type:varchar(50);not null;default:'open'"`
	OwnerID              string                      `json:"owner_id" gorm:"type:varchar(100)"`
	Escalated            bool                        `json:"escalated" gorm:"not null;default:false;index"`
	EscalationReason     string                      `json:"escalation_reason" gorm:"type:text"`
	EscalatedAt          *time.Time                  `json:"escalated_at"`
	RelatedTicketNumbers datatypes.JSONSlice[string] `json:"related_ticket_numbers"`
	ConversationSummary  string                      `json:"conversation_summary" gorm:"type:text"`
	LastRefreshedAt      *time.Time                  `json:"last_refreshed_at"`
	CreatedAt            time.Time                   `json:"created_at"`
	UpdatedAt            time.Time                   `json:"updated_at"`
}

// TableName specifies the table name for Ticket
func (Ticket) TableName() string {
	return "tickets"
}

// Escalate marks the ticket as requiring human intervention. The first reason wins.
func (t *Ticket) Escalate(reason string, at time.Time) {
	if t.Escalated {
		return
	}
	t.Escalated = true
	t.EscalationReason = reason
	t.EscalatedAt = &at
}
