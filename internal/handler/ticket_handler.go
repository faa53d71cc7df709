package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ListEscalatedTickets returns tickets flagged for human attention
func (h *Handlers) ListEscalatedTickets(c *gin.Context) {
	tickets, err := h.tickets.ListEscalated(c.Request.Context(), limitParam(c))
	if err != nil {
		respondError(c, err, "Failed to fetch escalated tickets")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"tickets": tickets,
		"count":   len(tickets),
	})
}

// GetTicket returns a ticket by number
func (h *Handlers) GetTicket(c *gin.Context) {
	t, err := h.tickets.FindByNumber(c.Request.Context(), c.Param("number"))
	if err != nil {
		respondError(c, err, "Failed to fetch ticket")
		return
	}

	c.JSON(http.StatusOK, t)
}

// RefreshTicket re-reads a ticket from the ticketing system
func (h *Handlers) RefreshTicket(c *gin.Context) {
	t, err := h.resolver.Refresh(c.Request.Context(), c.Param("number"))
	if err != nil {
		respondError(c, err, "Failed to refresh ticket")
		return
	}

	c.JSON(http.StatusOK, t)
}
