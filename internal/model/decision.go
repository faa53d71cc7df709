package model

import (
	"time"
)

// DecisionRecord is the logged output of the decision oracle. It is never mutated.
type DecisionRecord struct {
	ID                 uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	TicketID           uint      `json:"ticket_id" gorm:"not null;index"`
	MessageID          string    `json:"message_id" gorm:"type:varchar(255);index"`
	Intent             string    `json:"intent" gorm:"type:varchar(100)"`
	Confidence         float64   `json:"confidence"`
	RequiresEscalation bool      `json:"requires_escalation"`
	EscalationReason   string    `json:"escalation_reason" gorm:"type:text"`
	OracleFailed       bool      `json:"oracle_failed"`
	Model              string    `json:"model" gorm:"type:varchar(100)"`
	RawResponse        string    `json:"raw_response" gorm:"type:mediumtext"`
	CreatedAt          time.Time `json:"created_at"`
}

// TableName specifies the table name for DecisionRecord
func (DecisionRecord) TableName() string {
	return "decisions"
}
