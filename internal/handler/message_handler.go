package handler

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"smart-ticket-relay-go/internal/middleware"
	"smart-ticket-relay-go/internal/model"
	"smart-ticket-relay-go/internal/pending"
)

// ListMessages returns pending messages filtered by status, class and ticket
func (h *Handlers) ListMessages(c *gin.Context) {
	filter := pending.Filter{
		Status: c.Query("status"),
		Class:  c.Query("class"),
		Limit:  limitParam(c),
	}
	switch filter.Status {
	case "", model.StatusPending, model.StatusSent, model.StatusFailed, model.StatusRejected:
	default:
		badRequest(c, "invalid_status", "Unknown message status")
		return
	}
	switch filter.Class {
	case "", model.ClassCustomer, model.ClassSupplier, model.ClassInternal:
	default:
		badRequest(c, "invalid_class", "Unknown message class")
		return
	}
	if v := c.Query("ticket_id"); v != "" {
		id, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			badRequest(c, "invalid_ticket_id", "Invalid ticket ID")
			return
		}
		filter.TicketID = uint(id)
	}

	messages, err := h.messages.List(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err, "Failed to fetch messages")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"messages": messages,
		"count":    len(messages),
	})
}

// ListExhausted returns failed messages that need a human
func (h *Handlers) ListExhausted(c *gin.Context) {
	messages, err := h.messages.ListExhausted(c.Request.Context(), limitParam(c))
	if err != nil {
		respondError(c, err, "Failed to fetch exhausted messages")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"messages": messages,
		"count":    len(messages),
	})
}

// GetMessage returns a specific message
func (h *Handlers) GetMessage(c *gin.Context) {
	id, ok := messageID(c)
	if !ok {
		return
	}

	m, err := h.messages.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err, "Failed to fetch message")
		return
	}

	c.JSON(http.StatusOK, m)
}

// ApproveMessage applies optional edits and sends the message. A failed send
// still answers 200 with sent=false and the recorded error.
func (h *Handlers) ApproveMessage(c *gin.Context) {
	id, ok := messageID(c)
	if !ok {
		return
	}

	var req ApproveRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, "invalid_request", err.Error())
		return
	}

	edits := pending.Edits{
		Subject:   req.Subject,
		Body:      req.Body,
		Recipient: req.Recipient,
		CC:        req.CC,
	}
	result, err := h.dispatcher.Approve(c.Request.Context(), id, edits, reviewer(c, req.Reviewer))
	if err != nil {
		respondError(c, err, "Failed to approve message")
		return
	}

	c.JSON(http.StatusOK, result)
}

// RejectMessage rejects a pending message
func (h *Handlers) RejectMessage(c *gin.Context) {
	id, ok := messageID(c)
	if !ok {
		return
	}

	var req RejectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", err.Error())
		return
	}

	if err := h.messages.Reject(c.Request.Context(), id, req.Reason, reviewer(c, req.Reviewer)); err != nil {
		respondError(c, err, "Failed to reject message")
		return
	}

	m, err := h.messages.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err, "Failed to fetch message")
		return
	}
	c.JSON(http.StatusOK, m)
}

// RetryMessage resubmits a failed message for review
func (h *Handlers) RetryMessage(c *gin.Context) {
	id, ok := messageID(c)
	if !ok {
		return
	}

	var req RetryRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, "invalid_request", err.Error())
		return
	}

	if err := h.messages.ManualRetry(c.Request.Context(), id, reviewer(c, req.Reviewer)); err != nil {
		respondError(c, err, "Failed to retry message")
		return
	}

	m, err := h.messages.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err, "Failed to fetch message")
		return
	}
	c.JSON(http.StatusOK, m)
}

func messageID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		badRequest(c, "invalid_id", "Invalid message ID")
		return 0, false
	}
	return uint(id), true
}

// reviewer prefers the authenticated operator over the name in the body
func reviewer(c *gin.Context, fromBody string) string {
	if op := middleware.Operator(c); op != "" {
		return op
	}
	return fromBody
}
