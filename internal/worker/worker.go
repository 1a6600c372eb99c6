// Package worker is the boundary to downstream execution backends. The
// orchestration core neither knows nor cares what a worker does internally;
// it only requires that Execute returns a result or an error within the
// breaker's call timeout.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"jobline/internal/config"
	"jobline/internal/domain"
)

// Result is what a worker reports back. ActualCost is optional; the cost
// tracker falls back to the estimate when it is nil.
type Result struct {
	Output     map[string]any `json:"result,omitempty"`
	ActualCost *float64       `json:"actual_cost,omitempty"`
	LatencyMs  int64          `json:"latency_ms,omitempty"`
}

// Worker executes one job.
type Worker interface {
	Execute(ctx context.Context, job domain.Job) (Result, error)
}

// Registry maps worker ids to constructed workers plus the service key their
// calls are metered under.
type Registry struct {
	workers  map[string]Worker
	services map[string]string
}

// NewRegistry builds workers from configuration.
func NewRegistry(cfgs map[string]config.WorkerConfig, log *logrus.Logger) (*Registry, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	reg := &Registry{workers: make(map[string]Worker), services: make(map[string]string)}
	for id, wc := range cfgs {
		var w Worker
		switch wc.Kind {
		case "http":
			w = NewHTTP(id, wc, log)
		case "static":
			w = Static{WorkerID: id, Service: wc.Service}
		default:
			return nil, fmt.Errorf("worker %s: unknown kind %q", id, wc.Kind)
		}
		reg.workers[id] = w
		reg.services[id] = wc.Service
	}
	return reg, nil
}

// Register adds or replaces a worker, used by tests and embedders.
func (r *Registry) Register(id, service string, w Worker) {
	r.workers[id] = w
	r.services[id] = service
}

// Get returns the worker and its service key.
func (r *Registry) Get(id string) (Worker, string, error) {
	w, ok := r.workers[id]
	if !ok {
		return nil, "", fmt.Errorf("worker %s not registered", id)
	}
	return w, r.services[id], nil
}

// HTTP posts the job document to a configured endpoint and decodes the result
// envelope. This is the boundary most production backends sit behind.
type HTTP struct {
	WorkerID string
	Service  string
	URL      string
	Headers  map[string]string
	Client   *http.Client
	Log      *logrus.Logger
}

func NewHTTP(id string, cfg config.WorkerConfig, log *logrus.Logger) *HTTP {
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTP{
		WorkerID: id,
		Service:  cfg.Service,
		URL:      cfg.URL,
		Headers:  cfg.Headers,
		Client:   &http.Client{Timeout: timeout},
		Log:      log,
	}
}

func (w *HTTP) Execute(ctx context.Context, job domain.Job) (Result, error) {
	body, err := json.Marshal(job)
	if err != nil {
		return Result{}, fmt.Errorf("marshal job: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.Headers {
		req.Header.Set(k, v)
	}
	start := time.Now()
	resp, err := w.Client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("worker %s: %w", w.WorkerID, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, fmt.Errorf("worker %s: read response: %w", w.WorkerID, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{}, fmt.Errorf("worker %s returned status %d: %s", w.WorkerID, resp.StatusCode, truncate(string(data), 200))
	}
	var res Result
	if len(data) > 0 {
		if err := json.Unmarshal(data, &res); err != nil {
			return Result{}, fmt.Errorf("worker %s: decode response: %w", w.WorkerID, err)
		}
	}
	if res.LatencyMs == 0 {
		res.LatencyMs = time.Since(start).Milliseconds()
	}
	return res, nil
}

// Static acknowledges jobs without doing work. Useful for development
// workspaces and routing dry runs.
type Static struct {
	WorkerID string
	Service  string
}

func (w Static) Execute(_ context.Context, job domain.Job) (Result, error) {
	return Result{
		Output: map[string]any{
			"worker":   w.WorkerID,
			"accepted": true,
			"job_type": job.JobType,
		},
	}, nil
}

// Func adapts a function to the Worker interface, used heavily in tests.
type Func func(ctx context.Context, job domain.Job) (Result, error)

func (f Func) Execute(ctx context.Context, job domain.Job) (Result, error) {
	return f(ctx, job)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
