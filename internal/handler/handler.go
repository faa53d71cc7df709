package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"smart-ticket-relay-go/internal/db"
	"smart-ticket-relay-go/internal/dispatch"
	"smart-ticket-relay-go/internal/ledger"
	"smart-ticket-relay-go/internal/model"
	"smart-ticket-relay-go/internal/pending"
	"smart-ticket-relay-go/internal/resolver"
	"smart-ticket-relay-go/internal/retryqueue"
	"smart-ticket-relay-go/internal/scheduler"
	"smart-ticket-relay-go/internal/ticketing"
	"smart-ticket-relay-go/internal/tickets"
)

// Handlers contains all HTTP handlers
type Handlers struct {
	db         *gorm.DB
	messages   *pending.Store
	dispatcher *dispatch.Dispatcher
	tickets    *tickets.Store
	resolver   *resolver.Resolver
	queue      *retryqueue.Queue
	ledger     *ledger.Ledger
	scheduler  *scheduler.Scheduler
}

// NewHandlers creates new HTTP handlers
func NewHandlers(gdb *gorm.DB, messages *pending.Store, dispatcher *dispatch.Dispatcher, ticketStore *tickets.Store, res *resolver.Resolver, queue *retryqueue.Queue, l *ledger.Ledger, sched *scheduler.Scheduler) *Handlers {
	return &Handlers{
		db:         gdb,
		messages:   messages,
		dispatcher: dispatcher,
		tickets:    ticketStore,
		resolver:   res,
		queue:      queue,
		ledger:     l,
		scheduler:  sched,
	}
}

// SetupRoutes sets up all HTTP routes. auth guards /api/v1.
func (h *Handlers) SetupRoutes(router *gin.Engine, auth gin.HandlerFunc) {
	router.GET("/healthz", h.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/v1")
	if auth != nil {
		api.Use(auth)
	}
	{
		api.GET("/messages", h.ListMessages)
		api.GET("/messages/exhausted", h.ListExhausted)
		api.GET("/messages/:id", h.GetMessage)
		api.POST("/messages/:id/approve", h.ApproveMessage)
		api.POST("/messages/:id/reject", h.RejectMessage)
		api.POST("/messages/:id/retry", h.RetryMessage)

		api.GET("/tickets/escalated", h.ListEscalatedTickets)
		api.GET("/tickets/:number", h.GetTicket)
		api.POST("/tickets/:number/refresh", h.RefreshTicket)

		api.GET("/unresolved", h.ListUnresolved)
		api.GET("/processed", h.ListProcessed)

		api.POST("/scheduler/start", h.StartScheduler)
		api.POST("/scheduler/stop", h.StopScheduler)
		api.POST("/scheduler/run-once", h.RunOnce)
		api.GET("/scheduler/status", h.GetSchedulerStatus)
	}
}

// HealthCheck handles health check requests
func (h *Handlers) HealthCheck(c *gin.Context) {
	response := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Database:  "ok",
		Metrics:   make(map[string]string),
	}

	if err := db.Ping(c.Request.Context(), h.db); err != nil {
		response.Status = "error"
		response.Database = "error"
		logrus.Errorf("Database health check failed: %v", err)
	}

	if h.scheduler != nil && h.scheduler.IsRunning() {
		response.Metrics["scheduler"] = "running"
		for _, name := range h.scheduler.Tasks() {
			response.Metrics[name+"_next_run"] = h.scheduler.NextRun(name).Format(time.RFC3339)
		}
	} else {
		response.Metrics["scheduler"] = "stopped"
	}

	if response.Status == "ok" {
		if n, err := h.messages.CountByStatus(c.Request.Context(), model.StatusPending); err == nil {
			response.Metrics["pending_messages"] = strconv.FormatInt(n, 10)
		}
	}

	statusCode := http.StatusOK
	if response.Status == "error" {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, response)
}

// respondError maps domain errors onto HTTP responses
func respondError(c *gin.Context, err error, message string) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, pending.ErrNotFound), errors.Is(err, tickets.ErrNotFound),
		errors.Is(err, ticketing.ErrNotFound), errors.Is(err, retryqueue.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, pending.ErrInvalidTransition):
		status, code = http.StatusConflict, "invalid_transition"
	case errors.Is(err, pending.ErrClaimed), errors.Is(err, scheduler.ErrTaskBusy):
		status, code = http.StatusConflict, "busy"
	case errors.Is(err, scheduler.ErrUnknownTask):
		status, code = http.StatusBadRequest, "unknown_task"
	default:
		logrus.Errorf("%s: %v", message, err)
	}

	c.JSON(status, ErrorResponse{
		Error:   code,
		Message: message + ": " + err.Error(),
		Code:    status,
	})
}

func badRequest(c *gin.Context, code, message string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error:   code,
		Message: message,
		Code:    http.StatusBadRequest,
	})
}

// limitParam reads ?limit=, defaulting to 50 and capped at 500
func limitParam(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 1 || limit > 500 {
		return 50
	}
	return limit
}
