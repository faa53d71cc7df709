package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"smart-ticket-relay-go/internal/model"
)

// ListUnresolved returns the retry queue, give-ups included
func (h *Handlers) ListUnresolved(c *gin.Context) {
	rows, err := h.queue.List(c.Request.Context(), limitParam(c))
	if err != nil {
		respondError(c, err, "Failed to fetch unresolved emails")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"unresolved": rows,
		"count":      len(rows),
	})
}

// ListProcessed returns ledger rows. ?success=false lists failed attempts only.
func (h *Handlers) ListProcessed(c *gin.Context) {
	var (
		rows []model.ProcessedEmail
		err  error
	)
	switch c.Query("success") {
	case "":
		rows, err = h.ledger.List(c.Request.Context(), limitParam(c))
	case "false":
		rows, err = h.ledger.ListFailed(c.Request.Context(), limitParam(c))
	default:
		badRequest(c, "invalid_filter", "success only supports false")
		return
	}
	if err != nil {
		respondError(c, err, "Failed to fetch processed emails")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"processed": rows,
		"count":     len(rows),
	})
}
