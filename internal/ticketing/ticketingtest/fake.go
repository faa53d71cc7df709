// Package ticketingtest provides an in-memory ticketing.API for tests.
package ticketingtest

import (
	"context"
	"fmt"
	"sync"

	"smart-ticket-relay-go/internal/ticketing"
)

// Sent is a message recorded by Fake
type Sent struct {
	Kind    string
	Request ticketing.SendRequest
}

// Fake is an in-memory ticketing system. Tickets added with Add are
// searchable immediately; tickets created through CreateTicket become visible
// to GetTicketByID after VisibleAfter lookups.
type Fake struct {
	mu sync.Mutex

	tickets map[string]ticketing.Ticket
	lookups map[string]int
	nextID  int

	// VisibleAfter is the number of GetTicketByID calls that report a created
	// ticket as missing before it becomes visible
	VisibleAfter int
	// NumberFor assigns ticket numbers to created tickets
	NumberFor func(seq int) string

	CreateErr error
	GetErr    error
	FindErr   error
	// SendErr and SendResult override the outcome of every send
	SendErr    error
	SendResult *ticketing.SendResult

	Created []ticketing.CreateTicketRequest
	Sent    []Sent
	Calls   int
}

// New creates an empty Fake
func New() *Fake {
	return &Fake{
		tickets: make(map[string]ticketing.Ticket),
		lookups: make(map[string]int),
		NumberFor: func(seq int) string {
			return fmt.Sprintf("DE25%06d", 900000+seq)
		},
	}
}

// Add registers an existing ticket
func (f *Fake) Add(t ticketing.Ticket) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t.ID == "" {
		f.nextID++
		t.ID = fmt.Sprintf("ext-%d", f.nextID)
	}
	f.tickets[t.ID] = t
	f.lookups[t.ID] = f.VisibleAfter + 1
}

// CallCount returns the number of API calls made so far
func (f *Fake) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Calls
}

func (f *Fake) find(match func(ticketing.Ticket) bool) ([]ticketing.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls++
	if f.FindErr != nil {
		return nil, f.FindErr
	}
	var out []ticketing.Ticket
	for id, t := range f.tickets {
		if f.lookups[id] <= f.VisibleAfter {
			continue
		}
		if match(t) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *Fake) FindByTicketNumber(_ context.Context, n string) ([]ticketing.Ticket, error) {
	return f.find(func(t ticketing.Ticket) bool { return t.TicketNumber == n })
}

func (f *Fake) FindByOrderNumber(_ context.Context, n string) ([]ticketing.Ticket, error) {
	return f.find(func(t ticketing.Ticket) bool { return t.OrderNumber == n })
}

func (f *Fake) FindByPurchaseOrderNumber(_ context.Context, n string) ([]ticketing.Ticket, error) {
	return f.find(func(t ticketing.Ticket) bool { return t.PurchaseOrderNumber == n })
}

func (f *Fake) CreateTicket(_ context.Context, req ticketing.CreateTicketRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls++
	if f.CreateErr != nil {
		return "", f.CreateErr
	}
	f.nextID++
	id := fmt.Sprintf("ext-%d", f.nextID)
	f.tickets[id] = ticketing.Ticket{
		ID:                  id,
		TicketNumber:        f.NumberFor(f.nextID),
		OrderNumber:         req.OrderNumber,
		PurchaseOrderNumber: req.PurchaseOrderNumber,
		Subject:             req.Subject,
		CustomerEmail:       req.CustomerEmail,
		State:               "open",
	}
	f.Created = append(f.Created, req)
	return id, nil
}

func (f *Fake) GetTicketByID(_ context.Context, id string) (*ticketing.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls++
	if f.GetErr != nil {
		return nil, f.GetErr
	}
	t, ok := f.tickets[id]
	if !ok {
		return nil, ticketing.ErrNotFound
	}
	f.lookups[id]++
	if f.lookups[id] <= f.VisibleAfter {
		return nil, ticketing.ErrNotFound
	}
	return &t, nil
}

func (f *Fake) send(kind string, req ticketing.SendRequest) (*ticketing.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls++
	if f.SendErr != nil {
		return nil, f.SendErr
	}
	if f.SendResult != nil {
		res := *f.SendResult
		if res.Succeeded {
			f.Sent = append(f.Sent, Sent{Kind: kind, Request: req})
		}
		return &res, nil
	}
	f.Sent = append(f.Sent, Sent{Kind: kind, Request: req})
	return &ticketing.SendResult{Succeeded: true, MessageIDs: []string{fmt.Sprintf("msg-%d", len(f.Sent))}}, nil
}

func (f *Fake) SendCustomerMessage(_ context.Context, req ticketing.SendRequest) (*ticketing.SendResult, error) {
	return f.send("customer", req)
}

func (f *Fake) SendSupplierMessage(_ context.Context, req ticketing.SendRequest) (*ticketing.SendResult, error) {
	return f.send("supplier", req)
}

func (f *Fake) SendInternalNote(_ context.Context, req ticketing.SendRequest) (*ticketing.SendResult, error) {
	return f.send("internal", req)
}

var _ ticketing.API = (*Fake)(nil)
