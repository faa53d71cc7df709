package model

import (
	"time"

	"gorm.io/datatypes"
)

// Message classes produced by the decision oracle
const (
	ClassCustomer = "customer"
	ClassSupplier = "supplier"
	ClassInternal = "internal"
)

// Pending message statuses
const (
	StatusPending  = "pending"
	StatusSent     = "sent"
	StatusFailed   = "failed"
	StatusRejected = "rejected"
)

// Failure kinds recorded on failed messages
const (
	FailureTransient = "transient"
	FailurePermanent = "permanent"
)

// PendingMessage is a drafted outbound message awaiting approval.
type PendingMessage struct {
	ID              uint                        `json:"id" gorm:"primaryKey;autoIncrement"`
	TicketID        uint                        `json:"ticket_id" gorm:"not null;index"`
	DecisionID      *uint                       `json:"decision_id" gorm:"index"`
	Class           string                      `json:"class" gorm:"type:varchar(20);not null;index"`
	Recipient       string                      `json:"recipient" gorm:"type:varchar(255)"`
	CC              datatypes.JSONSlice[string] `json:"cc"`
	Subject         string                      `json:"subject" gorm:"type:varchar(998)"`
	Body            string                      `json:"body" gorm:"type:mediumtext"`
	Attachments     datatypes.JSONSlice[string] `json:"attachments"`
	Confidence      float64                     `json:"confidence"`
	Status          string                      `json:"status" gorm:"type:varchar(20);not null;index"`
	RetryCount      int                         `json:"retry_count" gorm:"not null;default:0"`
	LastError       string                      `json:"last_error" gorm:"type:text"`
	FailureKind     string                      `json:"failure_kind" gorm:"type:varchar(20)"`
	Escalated       bool                        `json:"escalated" gorm:"not null;default:false;index"`
	RejectionReason string                      `json:"rejection_reason" gorm:"type:text"`
	ReviewedBy      string                      `json:"reviewed_by" gorm:"type:varchar(255)"`
	ClaimToken      string                      `json:"-" gorm:"type:varchar(64);index"`
	ClaimedAt       *time.Time                  `json:"-"`
	CreatedAt       time.Time                   `json:"created_at"`
	ReviewedAt      *time.Time                  `json:"reviewed_at"`
	SentAt          *time.Time                  `json:"sent_at"`
	UpdatedAt       time.Time                   `json:"updated_at"`

	Ticket *Ticket `json:"ticket,omitempty" gorm:"foreignKey:TicketID"`
}

// TableName specifies the table name for PendingMessage
func (PendingMessage) TableName() string {
	return "pending_messages"
}

// IsTerminal reports whether the message is in an absorbing state.
func (m *PendingMessage) IsTerminal() bool {
	return m.Status == StatusSent || m.Status == StatusRejected
}
