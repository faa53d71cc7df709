package handler

import (
	"time"

	"smart-ticket-relay-go/internal/scheduler"
)

// ApproveRequest carries optional edits applied before sending
type ApproveRequest struct {
	Subject   *string  `json:"subject"`
	Body      *string  `json:"body"`
	Recipient *string  `json:"recipient"`
	CC        []string `json:"cc"`
	Reviewer  string   `json:"reviewer"`
}

// RejectRequest represents the request structure for rejecting a message
type RejectRequest struct {
	Reason   string `json:"reason" binding:"required"`
	Reviewer string `json:"reviewer"`
}

// RetryRequest represents the request structure for a manual retry
type RetryRequest struct {
	Reviewer string `json:"reviewer"`
}

// SchedulerStatusResponse represents the scheduler status
type SchedulerStatusResponse struct {
	Status string             `json:"status"`
	Tasks  []scheduler.Status `json:"tasks"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Database  string            `json:"database"`
	Metrics   map[string]string `json:"metrics,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}
