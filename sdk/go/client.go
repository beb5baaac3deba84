package weighlinesdk

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
)

// Client is a minimal Weighline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

// Ticket is the API ticket model. Weights are decimal strings in kilograms.
type Ticket struct {
	ID              string   `json:"id"`
	Number          string   `json:"number"`
	Categories      []string `json:"categories"`
	SiteID          string   `json:"site_id"`
	WorkflowID      string   `json:"workflow_id"`
	StepID          string   `json:"step_id"`
	Status          string   `json:"status"`
	AnomalyFrom     string   `json:"anomaly_from,omitempty"`
	Tier            string   `json:"tier"`
	ArrivedAt       string   `json:"arrived_at"`
	WeightIn        string   `json:"weight_in,omitempty"`
	WeightOut       string   `json:"weight_out,omitempty"`
	NetWeight       string   `json:"net_weight,omitempty"`
	TransferredFrom string   `json:"transferred_from,omitempty"`
	TransferredTo   string   `json:"transferred_to,omitempty"`
	Revision        int64    `json:"revision"`
}

// ActionResult is the ticket an action produced. Transferred is set for
// transferCategory and holds the closed ticket.
type ActionResult struct {
	Ticket      Ticket  `json:"ticket"`
	Transferred *Ticket `json:"transferred,omitempty"`
}

// Action describes one request against a ticket.
type Action struct {
	Action   string `json:"action"`
	Weight   string `json:"weight,omitempty"`
	Manual   bool   `json:"manual,omitempty"`
	Notes    string `json:"notes,omitempty"`
	Category string `json:"category,omitempty"`
}

type QueueMember struct {
	Position  int    `json:"position"`
	TicketID  string `json:"ticket_id"`
	Number    string `json:"number"`
	Tier      string `json:"tier"`
	Status    string `json:"status"`
	ArrivedAt string `json:"arrived_at"`
}

type Queue struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	SiteID     string        `json:"site_id"`
	WorkflowID string        `json:"workflow_id"`
	StepCode   string        `json:"step_code"`
	Length     int           `json:"length"`
	Members    []QueueMember `json:"members"`
}

type Position struct {
	TicketID string `json:"ticket_id"`
	Number   string `json:"number"`
	Status   string `json:"status"`
	QueueID  string `json:"queue_id"`
	Position int    `json:"position"`
	Length   int    `json:"length"`
}

// Event represents a log entry.
type Event struct {
	ID           int64          `json:"id"`
	TS           string         `json:"ts"`
	Type         string         `json:"type"`
	SiteID       string         `json:"site_id"`
	TicketID     string         `json:"ticket_id"`
	TicketNumber string         `json:"ticket_number"`
	OldStatus    string         `json:"old_status,omitempty"`
	NewStatus    string         `json:"new_status"`
	ActorID      string         `json:"actor_id"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code and Details come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Retryable reports whether the server flagged the failure as safe to retry,
// which it does for optimistic-concurrency conflicts.
func (e *APIError) Retryable() bool {
	v, _ := e.Details["retryable"].(bool)
	return v
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// CreateTicket registers an arriving vehicle. An empty siteID uses the caller's site.
func (c *Client) CreateTicket(ctx context.Context, categories []string, siteID, tier string) (Ticket, error) {
	body := map[string]any{"categories": categories}
	if siteID != "" {
		body["site_id"] = siteID
	}
	if tier != "" {
		body["tier"] = tier
	}
	var resp Ticket
	err := c.do(ctx, http.MethodPost, "tickets", body, &resp)
	return resp, err
}

// Ticket fetches a ticket by id.
func (c *Client) Ticket(ctx context.Context, id string) (Ticket, error) {
	var resp Ticket
	err := c.do(ctx, http.MethodGet, "tickets/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// TicketByNumber fetches a ticket by its human-readable number.
func (c *Client) TicketByNumber(ctx context.Context, number string) (Ticket, error) {
	var resp Ticket
	err := c.do(ctx, http.MethodGet, "ticket-numbers/"+url.PathEscape(number), nil, &resp)
	return resp, err
}

// Act applies an action to a ticket.
func (c *Client) Act(ctx context.Context, ticketID string, a Action) (ActionResult, error) {
	var resp ActionResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("tickets/%s/actions", url.PathEscape(ticketID)), a, &resp)
	return resp, err
}

// Reprioritize changes the tier of a ticket.
func (c *Client) Reprioritize(ctx context.Context, ticketID, tier string) (Ticket, error) {
	var resp Ticket
	err := c.do(ctx, http.MethodPut, fmt.Sprintf("tickets/%s/priority", url.PathEscape(ticketID)), map[string]string{"tier": tier}, &resp)
	return resp, err
}

// Position reports where a ticket waits.
func (c *Client) Position(ctx context.Context, ticketID string) (Position, error) {
	var resp Position
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("tickets/%s/position", url.PathEscape(ticketID)), nil, &resp)
	return resp, err
}

// Queues lists queues, optionally limited to one site.
func (c *Client) Queues(ctx context.Context, siteID string) ([]Queue, error) {
	endpoint := "queues"
	if siteID != "" {
		endpoint += "?site_id=" + url.QueryEscape(siteID)
	}
	var resp struct {
		Items []Queue `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// CallNext calls the head of a queue. An empty queue answers 404 queue_empty.
func (c *Client) CallNext(ctx context.Context, queueID string) (Ticket, error) {
	var resp Ticket
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("queues/%s/call", url.PathEscape(queueID)), nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
			apiErr.Details = envelope.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/")
}
