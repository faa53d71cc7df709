package ticketing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"smart-ticket-relay-go/internal/apperr"
	"smart-ticket-relay-go/internal/config"
)

// StatusError is a non-2xx answer from the ticketing system
type StatusError struct {
	Status  int
	Code    string
	Message string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("ticketing api error: status=%d code=%s message=%s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("ticketing api error: status=%d message=%s", e.Status, e.Message)
}

// ClientOptions configures an HTTPClient
type ClientOptions struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	UserAgent  string
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// HTTPClient talks to the ticketing system's REST API
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	userAgent  string
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// NewHTTPClient creates a client, filling zero options with defaults
func NewHTTPClient(opts ClientOptions) *HTTPClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 10 * time.Second
	}
	userAgent := strings.TrimSpace(opts.UserAgent)
	if userAgent == "" {
		userAgent = "smart-ticket-relay"
	}
	return &HTTPClient{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(opts.APIKey),
		httpClient: httpClient,
		userAgent:  userAgent,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}
}

// NewFromConfig builds a client from configuration. When OAuth2 client
// credentials are configured the underlying transport fetches and refreshes tokens.
func NewFromConfig(cfg config.TicketingConfig) *HTTPClient {
	base := &http.Client{Timeout: cfg.Timeout}
	httpClient := base
	if cfg.ClientID != "" && cfg.ClientSecret != "" && cfg.TokenURL != "" {
		cc := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
		}
		httpClient = cc.Client(context.WithValue(context.Background(), oauth2.HTTPClient, base))
		httpClient.Timeout = cfg.Timeout
	}
	return NewHTTPClient(ClientOptions{
		BaseURL:    cfg.BaseURL,
		APIKey:     cfg.APIKey,
		HTTPClient: httpClient,
		MaxRetries: cfg.MaxRetries,
		BaseDelay:  cfg.BaseDelay,
		MaxDelay:   cfg.MaxDelay,
	})
}

type ticketList struct {
	Tickets []Ticket `json:"tickets"`
}

// FindByTicketNumber returns tickets with the given number
func (c *HTTPClient) FindByTicketNumber(ctx context.Context, ticketNumber string) ([]Ticket, error) {
	return c.search(ctx, "ticket_number", ticketNumber)
}

// FindByOrderNumber returns tickets for a customer order
func (c *HTTPClient) FindByOrderNumber(ctx context.Context, orderNumber string) ([]Ticket, error) {
	return c.search(ctx, "order_number", orderNumber)
}

// FindByPurchaseOrderNumber returns tickets for a supplier purchase order
func (c *HTTPClient) FindByPurchaseOrderNumber(ctx context.Context, poNumber string) ([]Ticket, error) {
	return c.search(ctx, "purchase_order_number", poNumber)
}

func (c *HTTPClient) search(ctx context.Context, field, value string) ([]Ticket, error) {
	q := url.Values{}
	q.Set(field, value)
	var out ticketList
	if err := c.do(ctx, http.MethodGet, "/tickets?"+q.Encode(), nil, &out); err != nil {
		return nil, fmt.Errorf("failed to search tickets by %s: %w", field, err)
	}
	return out.Tickets, nil
}

// CreateTicket opens a ticket and returns its external id
func (c *HTTPClient) CreateTicket(ctx context.Context, req CreateTicketRequest) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/tickets", req, &out); err != nil {
		return "", fmt.Errorf("failed to create ticket: %w", err)
	}
	if out.ID == "" {
		return "", apperr.Permanent("ticketing.CreateTicket", "response carried no ticket id", nil)
	}
	return out.ID, nil
}

// GetTicketByID loads a ticket. ErrNotFound means the ticket is not (yet) indexed.
func (c *HTTPClient) GetTicketByID(ctx context.Context, id string) (*Ticket, error) {
	var out Ticket
	err := c.do(ctx, http.MethodGet, "/tickets/"+url.PathEscape(id), nil, &out)
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.Status == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ticket %s: %w", id, err)
	}
	return &out, nil
}

// SendCustomerMessage posts a reply to the customer
func (c *HTTPClient) SendCustomerMessage(ctx context.Context, req SendRequest) (*SendResult, error) {
	return c.send(ctx, "customer", req)
}

// SendSupplierMessage posts a message to the supplier
func (c *HTTPClient) SendSupplierMessage(ctx context.Context, req SendRequest) (*SendResult, error) {
	return c.send(ctx, "supplier", req)
}

// SendInternalNote adds an internal note to the ticket
func (c *HTTPClient) SendInternalNote(ctx context.Context, req SendRequest) (*SendResult, error) {
	return c.send(ctx, "internal", req)
}

func (c *HTTPClient) send(ctx context.Context, kind string, req SendRequest) (*SendResult, error) {
	if req.TicketID == "" {
		return nil, apperr.Permanent("ticketing.send", "ticket id is required", nil)
	}
	var out SendResult
	path := fmt.Sprintf("/tickets/%s/messages/%s", url.PathEscape(req.TicketID), kind)
	if err := c.do(ctx, http.MethodPost, path, req, &out); err != nil {
		return nil, fmt.Errorf("failed to send %s message: %w", kind, err)
	}
	return &out, nil
}

// do performs one API call, retrying rate limits, 5xx answers and network
// errors with capped exponential backoff. Returned errors are classified.
func (c *HTTPClient) do(ctx context.Context, method, path string, payload, out any) error {
	var bodyBytes []byte
	if payload != nil {
		var err error
		bodyBytes, err = json.Marshal(payload)
		if err != nil {
			return apperr.Permanent("ticketing", "failed to encode request", err)
		}
	}

	for attempt := 0; ; attempt++ {
		var body io.Reader
		if bodyBytes != nil {
			body = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return apperr.Permanent("ticketing", "failed to build request", err)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", c.userAgent)
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() == nil && attempt < c.maxRetries {
				logrus.Warnf("Ticketing API request failed (attempt %d/%d): %v", attempt+1, c.maxRetries+1, err)
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return apperr.Transient("ticketing", waitErr)
				}
				continue
			}
			return apperr.Transient("ticketing", err)
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return apperr.Transient("ticketing", readErr)
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(respBody) == 0 {
				return nil
			}
			if err := json.Unmarshal(respBody, out); err != nil {
				return apperr.Permanent("ticketing", "failed to decode response", err)
			}
			return nil
		}

		kind := apperr.FromStatus(resp.StatusCode)
		if kind == apperr.KindTransient && attempt < c.maxRetries {
			logrus.Warnf("Ticketing API returned %d (attempt %d/%d)", resp.StatusCode, attempt+1, c.maxRetries+1)
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return apperr.Transient("ticketing", waitErr)
			}
			continue
		}

		statusErr := parseStatusError(resp.StatusCode, respBody)
		if kind == apperr.KindTransient {
			return apperr.Transient("ticketing", statusErr)
		}
		return apperr.Permanent("ticketing", "", statusErr)
	}
}

func parseStatusError(status int, body []byte) *StatusError {
	e := &StatusError{Status: status, Message: strings.TrimSpace(string(body))}
	var parsed map[string]any
	if json.Unmarshal(body, &parsed) == nil {
		if code, ok := parsed["code"].(string); ok {
			e.Code = code
		}
		if message, ok := parsed["message"].(string); ok && strings.TrimSpace(message) != "" {
			e.Message = message
		}
	}
	return e
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
