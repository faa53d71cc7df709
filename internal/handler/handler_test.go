package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"smart-ticket-relay-go/internal/config"
	"smart-ticket-relay-go/internal/db"
	"smart-ticket-relay-go/internal/dispatch"
	"smart-ticket-relay-go/internal/events"
	"smart-ticket-relay-go/internal/ledger"
	metricsPkg "smart-ticket-relay-go/internal/metrics"
	"smart-ticket-relay-go/internal/model"
	"smart-ticket-relay-go/internal/pending"
	"smart-ticket-relay-go/internal/resolver"
	"smart-ticket-relay-go/internal/retryqueue"
	"smart-ticket-relay-go/internal/scheduler"
	"smart-ticket-relay-go/internal/ticketing"
	"smart-ticket-relay-go/internal/ticketing/ticketingtest"
	"smart-ticket-relay-go/internal/ticketnumber"
	"smart-ticket-relay-go/internal/tickets"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	db     *gorm.DB
	api    *ticketingtest.Fake
	router *gin.Engine
	ticket *model.Ticket
	runs   int
}

func newServer(t *testing.T) *testServer {
	t.Helper()
	gdb, err := db.OpenMemory()
	require.NoError(t, err)

	s := &testServer{db: gdb, api: ticketingtest.New()}
	s.ticket = &model.Ticket{
		TicketNumber:  "DE25000042",
		ExternalID:    "ext-42",
		CustomerEmail: "jane@example.com",
	}
	require.NoError(t, gdb.Create(s.ticket).Error)

	m := metricsPkg.New(prometheus.NewRegistry())
	messages := pending.NewStore(gdb)
	ticketStore := tickets.NewStore(gdb)
	d := dispatch.NewDispatcher(messages, ticketStore, s.api, nil, nil, events.Nop{}, m, config.DispatchConfig{
		MaxRetries:           3,
		RetryIntervalMinutes: 15,
		ClaimLease:           time.Minute,
	})
	res := resolver.New(gdb, s.api, ticketnumber.MustFormat(ticketnumber.DefaultPattern), resolver.Options{})
	sched := scheduler.New(m, scheduler.Task{Name: "pipeline", Interval: time.Hour, Run: func(context.Context) error {
		s.runs++
		return nil
	}})

	h := NewHandlers(gdb, messages, d, ticketStore, res, retryqueue.New(gdb, config.RetryQueueConfig{}), ledger.New(gdb), sched)
	s.router = gin.New()
	h.SetupRoutes(s.router, nil)
	return s
}

func (s *testServer) message(t *testing.T, status string) *model.PendingMessage {
	t.Helper()
	m := &model.PendingMessage{
		TicketID:  s.ticket.ID,
		Class:     model.ClassCustomer,
		Recipient: "jane@example.com",
		Subject:   "[DE25000042] Update",
		Body:      "Your parcel ships tomorrow.",
		Status:    status,
	}
	require.NoError(t, s.db.Create(m).Error)
	return m
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

func TestHealthCheck(t *testing.T) {
	s := newServer(t)
	s.message(t, model.StatusPending)

	w := s.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	decode(t, w, &resp)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "stopped", resp.Metrics["scheduler"])
	assert.Equal(t, "1", resp.Metrics["pending_messages"])
}

func TestListMessagesFilters(t *testing.T) {
	s := newServer(t)
	s.message(t, model.StatusPending)
	s.message(t, model.StatusRejected)

	w := s.do(t, http.MethodGet, "/api/v1/messages?status=pending", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Messages []model.PendingMessage `json:"messages"`
		Count    int                    `json:"count"`
	}
	decode(t, w, &resp)
	assert.Equal(t, 1, resp.Count)
	assert.Equal(t, model.StatusPending, resp.Messages[0].Status)

	w = s.do(t, http.MethodGet, "/api/v1/messages?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestApproveWithEdits(t *testing.T) {
	s := newServer(t)
	m := s.message(t, model.StatusPending)

	w := s.do(t, http.MethodPost, "/api/v1/messages/"+itoa(m.ID)+"/approve", ApproveRequest{
		Body:     strPtr("Edited"),
		Reviewer: "alice",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var res dispatch.Result
	decode(t, w, &res)
	assert.True(t, res.Sent)
	assert.Equal(t, model.StatusSent, res.Message.Status)
	require.Len(t, s.api.Sent, 1)
	assert.Equal(t, "Edited", s.api.Sent[0].Request.Body)

	// sent is absorbing
	w = s.do(t, http.MethodPost, "/api/v1/messages/"+itoa(m.ID)+"/approve", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	var errResp ErrorResponse
	decode(t, w, &errResp)
	assert.Equal(t, "invalid_transition", errResp.Error)
}

func TestApproveFailureIsReportedInResult(t *testing.T) {
	s := newServer(t)
	s.api.SendResult = &ticketing.SendResult{Succeeded: false, Messages: []string{"rate limited"}}
	m := s.message(t, model.StatusPending)

	w := s.do(t, http.MethodPost, "/api/v1/messages/"+itoa(m.ID)+"/approve", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var res dispatch.Result
	decode(t, w, &res)
	assert.False(t, res.Sent)
	assert.Equal(t, model.StatusFailed, res.Message.Status)
	assert.Contains(t, res.Error, "rate limited")
}

func TestRejectRequiresReason(t *testing.T) {
	s := newServer(t)
	m := s.message(t, model.StatusPending)

	w := s.do(t, http.MethodPost, "/api/v1/messages/"+itoa(m.ID)+"/reject", RejectRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/messages/"+itoa(m.ID)+"/reject", RejectRequest{Reason: "wrong tone"})
	require.Equal(t, http.StatusOK, w.Code)
	var got model.PendingMessage
	decode(t, w, &got)
	assert.Equal(t, model.StatusRejected, got.Status)
	assert.Equal(t, "wrong tone", got.RejectionReason)
}

func TestRetryOnlyFromFailed(t *testing.T) {
	s := newServer(t)
	pendingMsg := s.message(t, model.StatusPending)
	failed := s.message(t, model.StatusFailed)

	w := s.do(t, http.MethodPost, "/api/v1/messages/"+itoa(pendingMsg.ID)+"/retry", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/messages/"+itoa(failed.ID)+"/retry", RetryRequest{Reviewer: "bob"})
	require.Equal(t, http.StatusOK, w.Code)
	var got model.PendingMessage
	decode(t, w, &got)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.Equal(t, "bob", got.ReviewedBy)
}

func TestGetMessageNotFound(t *testing.T) {
	s := newServer(t)

	w := s.do(t, http.MethodGet, "/api/v1/messages/999", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/messages/abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTicketEndpoints(t *testing.T) {
	s := newServer(t)
	s.api.Add(ticketing.Ticket{ID: "ext-42", TicketNumber: "DE25000042", State: "closed", CustomerEmail: "jane@example.com"})

	w := s.do(t, http.MethodGet, "/api/v1/tickets/DE25000042", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/tickets/DE25000042/refresh", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got model.Ticket
	decode(t, w, &got)
	assert.Equal(t, "closed", got.State)

	w = s.do(t, http.MethodGet, "/api/v1/tickets/DE25999999", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/tickets/escalated", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestProcessedFilter(t *testing.T) {
	s := newServer(t)
	l := ledger.New(s.db)
	require.NoError(t, l.RecordAttempt(context.Background(), ledger.Attempt{MessageID: "a", Success: true}))
	require.NoError(t, l.RecordAttempt(context.Background(), ledger.Attempt{MessageID: "b", Success: false, ErrorDetail: "queued for retry: x"}))

	w := s.do(t, http.MethodGet, "/api/v1/processed?success=false", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Processed []model.ProcessedEmail `json:"processed"`
	}
	decode(t, w, &resp)
	require.Len(t, resp.Processed, 1)
	assert.Equal(t, "b", resp.Processed[0].MessageID)

	w = s.do(t, http.MethodGet, "/api/v1/unresolved", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSchedulerEndpoints(t *testing.T) {
	s := newServer(t)

	w := s.do(t, http.MethodPost, "/api/v1/scheduler/run-once", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, s.runs)

	w = s.do(t, http.MethodPost, "/api/v1/scheduler/run-once?task=nope", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/scheduler/start", nil)
	require.Equal(t, http.StatusOK, w.Code)
	defer s.do(t, http.MethodPost, "/api/v1/scheduler/stop", nil)

	w = s.do(t, http.MethodGet, "/api/v1/scheduler/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var status SchedulerStatusResponse
	decode(t, w, &status)
	assert.Equal(t, "running", status.Status)
	require.Len(t, status.Tasks, 1)
	assert.Equal(t, "pipeline", status.Tasks[0].Name)
}

func strPtr(s string) *string { return &s }

func itoa(id uint) string {
	b, _ := json.Marshal(id)
	return string(b)
}
