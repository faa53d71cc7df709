package model

import (
	"time"
)

// ProcessedEmail is the idempotency ledger row for one inbound message id.
// Once Success is true the row is terminal.
type ProcessedEmail struct {
	ID          uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	MessageID   string    `json:"message_id" gorm:"type:varchar(255);not null;uniqueIndex"`
	ThreadID    string    `json:"thread_id" gorm:"type:varchar(255);index"`
	TicketID    *uint     `json:"ticket_id" gorm:"index"`
	OrderNumber string    `json:"order_number" gorm:"type:varchar(100)"`
	Success     bool      `json:"success" gorm:"not null;default:false;index"`
	ErrorDetail string    `json:"error_detail" gorm:"type:text"`
	Attempts    int       `json:"attempts" gorm:"not null;default:0"`
	ProcessedAt time.Time `json:"processed_at"`
}

// TableName specifies the table name for ProcessedEmail
func (ProcessedEmail) TableName() string {
	return "processed_emails"
}
