package model

import (
	"time"

	"gorm.io/datatypes"
)

// SentMessage is the durable copy of a dispatched message, used to rebuild
// conversation history.
type SentMessage struct {
	ID                 uint                        `json:"id" gorm:"primaryKey;autoIncrement"`
	PendingMessageID   uint                        `json:"pending_message_id" gorm:"not null;uniqueIndex"`
	TicketID           uint                        `json:"ticket_id" gorm:"not null;index"`
	Class              string                      `json:"class" gorm:"type:varchar(20);not null"`
	Channel            string                      `json:"channel" gorm:"type:varchar(20);not null"`
	Recipient          string                      `json:"recipient" gorm:"type:varchar(255)"`
	CC                 datatypes.JSONSlice[string] `json:"cc"`
	Subject            string                      `json:"subject" gorm:"type:varchar(998)"`
	Body               string                      `json:"body" gorm:"type:mediumtext"`
	ExternalMessageIDs datatypes.JSONSlice[string] `json:"external_message_ids"`
	SentAt             time.Time                   `json:"sent_at" gorm:"index"`
}

// TableName specifies the table name for SentMessage
func (SentMessage) TableName() string {
	return "sent_messages"
}
