package venuelinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Venueline HTTP API client.
type Client struct {
	BaseURL string
	// Tenant is sent as X-Tenant-Key; empty uses the token's or the server's default tenant.
	Tenant      string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no token is set; servers accept it only in local mode.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, tenant string) *Client {
	return &Client{
		BaseURL: baseURL,
		Tenant:  tenant,
		Timeout: 30 * time.Second,
	}
}

// Message is one inbound client message.
type Message struct {
	MessageID string `json:"message_id,omitempty"`
	Body      string `json:"body"`
	SenderID  string `json:"sender_id,omitempty"`
	ThreadID  string `json:"thread_id"`
}

// Draft is a reply composed by the engine.
type Draft struct {
	Body             string `json:"body"`
	Topic            string `json:"topic"`
	RequiresApproval bool   `json:"requires_approval"`
	Stage            int    `json:"stage"`
	Gate             string `json:"gate,omitempty"`
}

// Task is a reply held for operator review.
type Task struct {
	ID        string `json:"id"`
	Tenant    string `json:"tenant"`
	BookingID string `json:"booking_id"`
	Stage     int    `json:"stage"`
	Gate      string `json:"gate,omitempty"`
	Action    string `json:"action"`
	Draft     Draft  `json:"draft"`
	Status    string `json:"status"`
	Note      string `json:"note,omitempty"`
	CreatedAt string `json:"created_at"`
	DecidedAt string `json:"decided_at,omitempty"`
}

// Turn is the outcome of one processed message.
type Turn struct {
	BookingID string `json:"booking_id"`
	Tenant    string `json:"tenant"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Decision  struct {
		Action     string `json:"action"`
		TargetGate string `json:"target_gate,omitempty"`
		Reason     string `json:"reason"`
	} `json:"decision"`
	Stage        int    `json:"stage"`
	Status       string `json:"status"`
	Reply        string `json:"reply,omitempty"`
	Draft        *Draft `json:"draft,omitempty"`
	Task         *Task  `json:"task,omitempty"`
	LoopExceeded bool   `json:"loop_exceeded,omitempty"`
}

// Gate is the state of one booking gate.
type Gate struct {
	Captured  string `json:"captured_value,omitempty"`
	Canonical string `json:"canonical_value,omitempty"`
	Verified  bool   `json:"verified"`
}

// Booking represents the API booking record (partial).
type Booking struct {
	ID        string          `json:"id"`
	Tenant    string          `json:"tenant"`
	ThreadKey string          `json:"thread_key"`
	Status    string          `json:"status"`
	Stage     int             `json:"stage"`
	Gates     map[string]Gate `json:"gates"`
	Version   int64           `json:"version"`
	UpdatedAt string          `json:"updated_at"`
}

// Decision is the outcome of approving or rejecting a task.
type Decision struct {
	Task     Task   `json:"task"`
	NewStage int    `json:"new_stage"`
	Status   string `json:"status"`
	Reply    string `json:"reply,omitempty"`
	FollowUp string `json:"follow_up,omitempty"`
	NewTask  *Task  `json:"new_task,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	BookingID  string         `json:"booking_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Retryable  bool
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsRetryable reports whether the server marked err as safe to retry.
func IsRetryable(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Retryable
}

// SendMessage processes one inbound message.
func (c *Client) SendMessage(ctx context.Context, msg Message) (Turn, error) {
	var resp Turn
	err := c.do(ctx, http.MethodPost, "messages", msg, &resp)
	return resp, err
}

// Booking fetches a booking by id.
func (c *Client) Booking(ctx context.Context, id string) (Booking, error) {
	var resp Booking
	err := c.do(ctx, http.MethodGet, "bookings/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// BookingByThread fetches the booking of a conversation thread.
func (c *Client) BookingByThread(ctx context.Context, thread string) (Booking, error) {
	var resp Booking
	err := c.do(ctx, http.MethodGet, "threads/"+url.PathEscape(thread)+"/booking", nil, &resp)
	return resp, err
}

// Bookings lists bookings, optionally by status.
func (c *Client) Bookings(ctx context.Context, status string) ([]Booking, error) {
	endpoint := "bookings"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp struct {
		Items []Booking `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// PendingTasks lists tasks awaiting a decision.
func (c *Client) PendingTasks(ctx context.Context) ([]Task, error) {
	var resp struct {
		Items []Task `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "hil/tasks", nil, &resp)
	return resp.Items, err
}

// Approve approves a task; editedBody replaces the drafted reply when set.
func (c *Client) Approve(ctx context.Context, taskID, note, editedBody string) (Decision, error) {
	body := map[string]any{"note": note, "edited_body": editedBody}
	var resp Decision
	err := c.do(ctx, http.MethodPost, "hil/tasks/"+url.PathEscape(taskID)+"/approve", body, &resp)
	return resp, err
}

// Reject rejects a task.
func (c *Client) Reject(ctx context.Context, taskID, note string) (Decision, error) {
	body := map[string]any{"note": note}
	var resp Decision
	err := c.do(ctx, http.MethodPost, "hil/tasks/"+url.PathEscape(taskID)+"/reject", body, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
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
	url := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Tenant != "" {
		req.Header.Set("X-Tenant-Key", c.Tenant)
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return decodeError(resp.StatusCode, b)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeError(status int, body []byte) error {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &env) == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		apiErr.Retryable, _ = env.Error.Details["retryable"].(bool)
	}
	return apiErr
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
