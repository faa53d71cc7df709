package ticketing

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smart-ticket-relay-go/internal/apperr"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewHTTPClient(ClientOptions{
		BaseURL:    srv.URL + "/",
		APIKey:     "secret",
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
	})
}

func TestFindByOrderNumber(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/tickets", r.URL.Path)
		assert.Equal(t, "100234", r.URL.Query().Get("order_number"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(ticketList{Tickets: []Ticket{
			{ID: "a", TicketNumber: "DE25000010"},
			{ID: "b", TicketNumber: "DE25000042"},
		}})
	})

	tickets, err := c.FindByOrderNumber(context.Background(), "100234")
	require.NoError(t, err)
	require.Len(t, tickets, 2)
	assert.Equal(t, "DE25000042", tickets[1].TicketNumber)
}

func TestGetTicketByIDNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := c.GetTicketByID(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRetriesTransientStatus(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, "/tickets/ext-1/messages/customer", r.URL.Path)
		var req SendRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "hello", req.Body)
		_ = json.NewEncoder(w).Encode(SendResult{Succeeded: true, MessageIDs: []string{"m-1"}})
	})

	res, err := c.SendCustomerMessage(context.Background(), SendRequest{TicketID: "ext-1", Body: "hello"})
	require.NoError(t, err)
	assert.True(t, res.Succeeded)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestExhaustedRetriesAreTransient(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := c.SendInternalNote(context.Background(), SendRequest{TicketID: "ext-1", Body: "note"})
	require.Error(t, err)
	assert.True(t, apperr.IsTransient(err))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestValidationErrorIsPermanent(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"code":"invalid_recipient","message":"recipient is not a valid address"}`))
	})

	_, err := c.SendSupplierMessage(context.Background(), SendRequest{TicketID: "ext-1", Body: "x", Recipient: "nope"})
	require.Error(t, err)
	assert.True(t, apperr.IsPermanent(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "permanent failures are not retried")

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, "invalid_recipient", statusErr.Code)
	assert.Equal(t, "recipient is not a valid address", statusErr.Message)
}

func TestSendWithoutTicketIDIsPermanent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})

	_, err := c.SendCustomerMessage(context.Background(), SendRequest{Body: "x"})
	assert.True(t, apperr.IsPermanent(err))
}

func TestCreateTicket(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var req CreateTicketRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "100234", req.OrderNumber)
		_, _ = w.Write([]byte(`{"id":"ext-9"}`))
	})

	id, err := c.CreateTicket(context.Background(), CreateTicketRequest{Subject: "s", Body: "b", CustomerEmail: "c@example.com", OrderNumber: "100234"})
	require.NoError(t, err)
	assert.Equal(t, "ext-9", id)
}

func TestRetryDelay(t *testing.T) {
	c := NewHTTPClient(ClientOptions{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second})

	assert.Equal(t, 100*time.Millisecond, c.retryDelay(1, ""))
	assert.Equal(t, 400*time.Millisecond, c.retryDelay(3, ""))
	assert.Equal(t, time.Second, c.retryDelay(10, ""))
	assert.Equal(t, time.Second, c.retryDelay(1, "30"), "Retry-After is capped")
	assert.Equal(t, 200*time.Millisecond, c.retryDelay(2, "soon"))
}
