package model

import (
	"time"

	"gorm.io/datatypes"
)

// UnresolvedEmail is an inbound email that could not be resolved to a ticket yet.
// It carries the email content so a later sweep can re-run resolution without refetching.
type UnresolvedEmail struct {
	ID                  uint                        `json:"id" gorm:"primaryKey;autoIncrement"`
	MessageID           string                      `json:"message_id" gorm:"type:varchar(255);not null;uniqueIndex"`
	ThreadID            string                      `json:"thread_id" gorm:"type:varchar(255)"`
	Sender              string                      `json:"sender" gorm:"type:varchar(255)"`
	Subject             string                      `json:"subject" gorm:"type:varchar(998)"`
	Body                string                      `json:"body" gorm:"type:mediumtext"`
	TicketNumber        string                      `json:"ticket_number" gorm:"type:varchar(64)"`
	OrderNumber         string                      `json:"order_number" gorm:"type:varchar(100)"`
	PurchaseOrderNumber string                      `json:"purchase_order_number" gorm:"type:varchar(100)"`
	AttachmentRefs      datatypes.JSONSlice[string] `json:"attachment_refs"`
	PendingExternalID   string                      `json:"pending_external_id" gorm:"type:varchar(128)"`
	Attempts            int                         `json:"attempts" gorm:"not null;default:0"`
	NextAttemptAt       time.Time                   `json:"next_attempt_at" gorm:"index"`
	LastError           string                      `json:"last_error" gorm:"type:text"`
	GaveUp              bool                        `json:"gave_up" gorm:"not null;default:false;index"`
	CreatedAt           time.Time                   `json:"created_at"`
	UpdatedAt           time.Time                   `json:"updated_at"`
}

// TableName specifies the table name for UnresolvedEmail
func (UnresolvedEmail) TableName() string {
	return "unresolved_emails"
}
