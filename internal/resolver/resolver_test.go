package resolver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"smart-ticket-relay-go/internal/apperr"
	"smart-ticket-relay-go/internal/db"
	"smart-ticket-relay-go/internal/extract"
	"smart-ticket-relay-go/internal/model"
	"smart-ticket-relay-go/internal/ticketing"
	"smart-ticket-relay-go/internal/ticketing/ticketingtest"
	"smart-ticket-relay-go/internal/ticketnumber"
)

func setup(t *testing.T) (*gorm.DB, *ticketingtest.Fake, *Resolver, *[]time.Duration) {
	t.Helper()
	gdb, err := db.OpenMemory()
	require.NoError(t, err)

	api := ticketingtest.New()
	var slept []time.Duration
	r := New(gdb, api, ticketnumber.MustFormat(ticketnumber.DefaultPattern), Options{
		PollSchedule:    []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 120 * time.Second},
		PollMaxAttempts: 4,
		Sleep: func(_ context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		},
	})
	return gdb, api, r, &slept
}

func TestResolveLocalTicketNumberWinsOverOrderNumber(t *testing.T) {
	gdb, api, r, _ := setup(t)
	require.NoError(t, gdb.Create(&model.Ticket{TicketNumber: "DE25000001", OrderNumber: "111"}).Error)
	require.NoError(t, gdb.Create(&model.Ticket{TicketNumber: "DE25000002", OrderNumber: "12345"}).Error)

	res, err := r.Resolve(context.Background(), Request{
		MessageID:   "m1",
		Identifiers: extract.Identifiers{TicketNumber: "DE25000001", OrderNumber: "12345"},
	})
	require.NoError(t, err)
	assert.Equal(t, "DE25000001", res.Ticket.TicketNumber)
	assert.Equal(t, SourceLocal, res.Source)
	assert.Zero(t, api.CallCount())
}

func TestResolveUpstreamTicketNumberWinsOverLocalOrderNumber(t *testing.T) {
	gdb, api, r, _ := setup(t)
	require.NoError(t, gdb.Create(&model.Ticket{TicketNumber: "DE25000002", OrderNumber: "12345"}).Error)
	api.Add(ticketing.Ticket{ID: "ext-1", TicketNumber: "DE25000001", CustomerEmail: "jane@example.com"})

	res, err := r.Resolve(context.Background(), Request{
		MessageID:   "m1",
		Identifiers: extract.Identifiers{TicketNumber: "DE25000001", OrderNumber: "12345"},
	})
	require.NoError(t, err)
	assert.Equal(t, "DE25000001", res.Ticket.TicketNumber)
	assert.Equal(t, SourceExternal, res.Source)

	var stored model.Ticket
	require.NoError(t, gdb.Where("ticket_number = ?", "DE25000001").First(&stored).Error)
	assert.Equal(t, "ext-1", stored.ExternalID)
}

func TestResolveUnknownTicketNumberFallsBackToOrderNumber(t *testing.T) {
	gdb, api, r, _ := setup(t)
	require.NoError(t, gdb.Create(&model.Ticket{TicketNumber: "DE25000002", OrderNumber: "12345"}).Error)

	res, err := r.Resolve(context.Background(), Request{
		MessageID:   "m1",
		Identifiers: extract.Identifiers{TicketNumber: "DE25000001", OrderNumber: "12345"},
	})
	require.NoError(t, err)
	assert.Equal(t, "DE25000002", res.Ticket.TicketNumber)
	assert.Equal(t, SourceLocal, res.Source)
	assert.Equal(t, 1, api.CallCount())
	assert.Empty(t, api.Created)
}

func TestResolveExternalSelectsLatestAndRecordsRelated(t *testing.T) {
	gdb, api, r, _ := setup(t)
	api.Add(ticketing.Ticket{TicketNumber: "DE25000010", OrderNumber: "55555"})
	api.Add(ticketing.Ticket{TicketNumber: "DE25000042", OrderNumber: "55555", CustomerEmail: "jane@example.com"})

	res, err := r.Resolve(context.Background(), Request{
		MessageID:   "m2",
		Identifiers: extract.Identifiers{OrderNumber: "55555"},
	})
	require.NoError(t, err)
	assert.Equal(t, SourceExternal, res.Source)
	assert.Equal(t, "DE25000042", res.Ticket.TicketNumber)
	assert.Equal(t, []string{"DE25000010"}, res.Related)

	var stored model.Ticket
	require.NoError(t, gdb.Where("ticket_number = ?", "DE25000042").First(&stored).Error)
	assert.Equal(t, "jane@example.com", stored.CustomerEmail)
	assert.Equal(t, []string{"DE25000010"}, []string(stored.RelatedTicketNumbers))
	assert.NotNil(t, stored.LastRefreshedAt)

	var count int64
	gdb.Model(&model.Ticket{}).Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestResolveLocalOrderNumberSelectsLatest(t *testing.T) {
	gdb, _, r, _ := setup(t)
	require.NoError(t, gdb.Create(&model.Ticket{TicketNumber: "DE25000042", OrderNumber: "777"}).Error)
	require.NoError(t, gdb.Create(&model.Ticket{TicketNumber: "DE25000010", OrderNumber: "777"}).Error)

	res, err := r.Resolve(context.Background(), Request{Identifiers: extract.Identifiers{OrderNumber: "777"}})
	require.NoError(t, err)
	assert.Equal(t, "DE25000042", res.Ticket.TicketNumber)
	assert.Equal(t, []string{"DE25000010"}, res.Related)
}

func TestResolveCreatesAndPolls(t *testing.T) {
	gdb, api, r, slept := setup(t)
	api.VisibleAfter = 2

	res, err := r.Resolve(context.Background(), Request{
		MessageID:   "m3",
		Identifiers: extract.Identifiers{OrderNumber: "99999"},
		Sender:      "buyer@example.com",
		Subject:     "Where is my parcel?",
		Body:        "Order 99999 has not arrived.",
	})
	require.NoError(t, err)
	assert.Equal(t, SourceCreated, res.Source)
	assert.False(t, res.Ticket.Escalated)
	assert.Equal(t, "99999", res.Ticket.OrderNumber)
	require.Len(t, api.Created, 1)
	assert.Equal(t, "buyer@example.com", api.Created[0].CustomerEmail)
	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}, *slept)

	var count int64
	gdb.Model(&model.Ticket{}).Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestResolveWithoutIdentifiersCreatesEscalatedTicket(t *testing.T) {
	_, api, r, _ := setup(t)

	res, err := r.Resolve(context.Background(), Request{
		MessageID: "m4",
		Sender:    "someone@example.com",
		Subject:   "Hello",
		Body:      "I have a question.",
	})
	require.NoError(t, err)
	assert.Equal(t, SourceCreated, res.Source)
	assert.True(t, res.Ticket.Escalated)
	assert.Equal(t, ReasonNoIdentifiers, res.Ticket.EscalationReason)
	assert.NotNil(t, res.Ticket.EscalatedAt)
	assert.Len(t, api.Created, 1)
}

func TestResolvePollTimeoutIsResolutionFailure(t *testing.T) {
	gdb, api, r, slept := setup(t)
	api.VisibleAfter = 100

	_, err := r.Resolve(context.Background(), Request{
		MessageID:   "m5",
		Identifiers: extract.Identifiers{OrderNumber: "424242"},
	})
	require.Error(t, err)
	assert.True(t, apperr.IsResolution(err))
	assert.Equal(t, "ext-1", CreatedExternalID(err))
	assert.Len(t, *slept, 4)

	var count int64
	gdb.Model(&model.Ticket{}).Count(&count)
	assert.Zero(t, count, "unconfirmed tickets must not be stored")
}

func TestResolvePendingExternalIDDoesNotCreateAgain(t *testing.T) {
	_, api, r, _ := setup(t)
	api.VisibleAfter = 100

	_, err := r.Resolve(context.Background(), Request{Identifiers: extract.Identifiers{OrderNumber: "31337"}})
	require.Error(t, err)
	externalID := CreatedExternalID(err)
	require.NotEmpty(t, externalID)

	api.VisibleAfter = 0
	res, err := r.Resolve(context.Background(), Request{
		Identifiers:       extract.Identifiers{OrderNumber: "31337"},
		PendingExternalID: externalID,
	})
	require.NoError(t, err)
	assert.Equal(t, SourceCreated, res.Source)
	assert.Len(t, api.Created, 1)
}

func TestResolveExternalLookupErrorDoesNotCreate(t *testing.T) {
	_, api, r, _ := setup(t)
	api.FindErr = apperr.Transient("find", context.DeadlineExceeded)

	_, err := r.Resolve(context.Background(), Request{Identifiers: extract.Identifiers{OrderNumber: "1234567"}})
	require.Error(t, err)
	assert.True(t, apperr.IsResolution(err))
	assert.Empty(t, api.Created)
	assert.Empty(t, CreatedExternalID(err))
}

func TestResolveCreateErrorIsResolutionFailure(t *testing.T) {
	_, api, r, _ := setup(t)
	api.CreateErr = apperr.Permanent("create", "bad request", nil)

	_, err := r.Resolve(context.Background(), Request{Identifiers: extract.Identifiers{OrderNumber: "1234567"}})
	require.Error(t, err)
	assert.True(t, apperr.IsResolution(err))
}

func TestRefreshOverwritesUpstreamFields(t *testing.T) {
	gdb, api, r, _ := setup(t)
	api.Add(ticketing.Ticket{ID: "ext-77", TicketNumber: "DE25000077", State: "pending", OwnerID: "agent-9", TrackingNumber: "1Z999"})
	require.NoError(t, gdb.Create(&model.Ticket{
		TicketNumber:        "DE25000077",
		ExternalID:          "ext-77",
		State:               model.TicketStateOpen,
		ConversationSummary: "customer asked for tracking",
	}).Error)

	refreshed, err := r.Refresh(context.Background(), "DE25000077")
	require.NoError(t, err)
	assert.Equal(t, "pending", refreshed.State)
	assert.Equal(t, "agent-9", refreshed.OwnerID)
	assert.Equal(t, "1Z999", refreshed.TrackingNumber)
	assert.Equal(t, "customer asked for tracking", refreshed.ConversationSummary)
	assert.NotNil(t, refreshed.LastRefreshedAt)
}
