package joblinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Jobline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Job is the submission payload.
type Job struct {
	JobType      string         `json:"job_type"`
	RoutingHints map[string]any `json:"routing_hints,omitempty"`
	OutputSpec   map[string]any `json:"output_spec,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
	User         string         `json:"user,omitempty"`
}

// Receipt is the submit response.
type Receipt struct {
	RunID    string         `json:"run_id"`
	Status   string         `json:"status"`
	WorkerID string         `json:"worker_id,omitempty"`
	Result   map[string]any `json:"result,omitempty"`
}

// Run is the API run model.
type Run struct {
	ID        string         `json:"id"`
	JobType   string         `json:"job_type"`
	WorkerID  string         `json:"worker_id,omitempty"`
	Status    string         `json:"status"`
	User      string         `json:"user"`
	Result    map[string]any `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	CreatedAt string         `json:"created_at"`
	UpdatedAt string         `json:"updated_at"`
	Events    []Event        `json:"events,omitempty"`
}

// Event is a ledger entry.
type Event struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts"`
	Type    string         `json:"type"`
	RunID   string         `json:"run_id,omitempty"`
	Service string         `json:"service,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// QueueEntry is a fallback-queue entry.
type QueueEntry struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Payload    map[string]any `json:"payload,omitempty"`
	EnqueuedAt string         `json:"enqueued_at"`
	Attempts   int            `json:"attempts"`
	Status     string         `json:"status"`
	LastError  string         `json:"last_error,omitempty"`
	UpdatedAt  string         `json:"updated_at"`
}

// BreakerSnapshot reports one service breaker's state.
type BreakerSnapshot struct {
	Service             string `json:"service"`
	State               string `json:"state"`
	ConsecutiveFailures uint32 `json:"consecutive_failures"`
}

// Status is the operator summary: spend against caps plus breaker states.
type Status struct {
	DailySpend   float64           `json:"daily_spend"`
	DailyCap     float64           `json:"daily_cap"`
	MonthlySpend float64           `json:"monthly_spend"`
	MonthlyCap   float64           `json:"monthly_cap"`
	Breakers     []BreakerSnapshot `json:"breakers"`
}

// DrainResult summarizes one queue drain pass.
type DrainResult struct {
	Claimed int `json:"claimed"`
	Done    int `json:"done"`
	Retried int `json:"retried"`
	Dead    int `json:"dead"`
}

// APIError wraps non-2xx responses. Code carries the orchestration error
// taxonomy (validation_failed, budget_exceeded, service_unavailable,
// execution_failed) when the server provided one.
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

// Queued reports whether the failed call was parked on the fallback queue.
func (e *APIError) Queued() bool {
	q, _ := e.Details["queued"].(bool)
	return q
}

// SubmitJob submits one job and waits for the synchronous outcome.
func (c *Client) SubmitJob(ctx context.Context, job Job) (Receipt, error) {
	var resp Receipt
	err := c.do(ctx, http.MethodPost, "v0/jobs", job, &resp)
	return resp, err
}

// Run fetches a run with its events.
func (c *Client) Run(ctx context.Context, runID string) (Run, error) {
	var resp Run
	endpoint := fmt.Sprintf("v0/runs/%s", url.PathEscape(runID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Runs lists runs, optionally filtered by status.
func (c *Client) Runs(ctx context.Context, status string, limit int) ([]Run, error) {
	var resp []Run
	err := c.do(ctx, http.MethodGet, listEndpoint("v0/runs", status, limit), nil, &resp)
	return resp, err
}

// Status returns spend against caps and breaker states.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodGet, "v0/status", nil, &resp)
	return resp, err
}

// QueueEntries lists fallback queue entries, optionally filtered by status.
func (c *Client) QueueEntries(ctx context.Context, status string, limit int) ([]QueueEntry, error) {
	var resp []QueueEntry
	err := c.do(ctx, http.MethodGet, listEndpoint("v0/queue", status, limit), nil, &resp)
	return resp, err
}

// DrainQueue runs one drain pass over pending entries.
func (c *Client) DrainQueue(ctx context.Context, batch int) (DrainResult, error) {
	endpoint := "v0/queue/drain"
	if batch > 0 {
		endpoint = fmt.Sprintf("%s?batch=%d", endpoint, batch)
	}
	var resp DrainResult
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Events tails the run event ledger.
func (c *Client) Events(ctx context.Context, after int64, limit int) ([]Event, error) {
	endpoint := "v0/events"
	sep := "?"
	if after > 0 {
		endpoint = fmt.Sprintf("%s%safter=%d", endpoint, sep, after)
		sep = "&"
	}
	if limit > 0 {
		endpoint = fmt.Sprintf("%s%slimit=%d", endpoint, sep, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func listEndpoint(base, status string, limit int) string {
	sep := "?"
	if status != "" {
		base = fmt.Sprintf("%s%sstatus=%s", base, sep, url.QueryEscape(status))
		sep = "&"
	}
	if limit > 0 {
		base = fmt.Sprintf("%s%slimit=%d", base, sep, limit)
	}
	return base
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
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
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
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
		if json.Unmarshal(b, &envelope) == nil && envelope.Error.Code != "" {
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
	return strings.TrimRight(c.BaseURL, "/")
}
