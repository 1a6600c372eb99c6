package domain

// Job is a request to produce an artifact. Immutable after submission; the
// payload is opaque to the orchestration core.
type Job struct {
	JobType      string         `json:"job_type"`
	RoutingHints map[string]any `json:"routing_hints,omitempty"`
	OutputSpec   map[string]any `json:"output_spec,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
	User         string         `json:"user"`
}

// Document flattens a job into a single map for predicate evaluation and
// schema path lookup.
func (j Job) Document() map[string]any {
	return map[string]any{
		"jobType":      j.JobType,
		"routingHints": j.RoutingHints,
		"outputSpec":   j.OutputSpec,
		"payload":      j.Payload,
		"user":         j.User,
	}
}

// Run statuses. A run moves submitted -> validated -> routed -> executing and
// ends in exactly one terminal status.
const (
	RunSubmitted         = "submitted"
	RunValidated         = "validated"
	RunRouted            = "routed"
	RunExecuting         = "executing"
	RunCompleted         = "completed"
	RunValidationFailed  = "validation_failed"
	RunBudgetRejected    = "budget_rejected"
	RunCircuitOpenQueued = "circuit_open_queued"
	RunFailed            = "failed"
)

// Run is the persisted record of one job submission, correlated by RunID.
type Run struct {
	ID         string  `json:"id"`
	JobType    string  `json:"job_type"`
	WorkerID   string  `json:"worker_id,omitempty"`
	Status     string  `json:"status"`
	User       string  `json:"user"`
	JobJSON    string  `json:"-"`
	ResultJSON *string `json:"-"`
	Error      *string `json:"error,omitempty"`
	CreatedAt  string  `json:"created_at"`
	UpdatedAt  string  `json:"updated_at"`
}

// CostEvent is one append-only ledger entry per executed external call.
// Rejected or queued operations never produce one.
type CostEvent struct {
	ID            int64   `json:"id"`
	Service       string  `json:"service"`
	Operation     string  `json:"operation"`
	EstimatedCost float64 `json:"estimated_cost"`
	ActualCost    float64 `json:"actual_cost"`
	TS            string  `json:"ts"`
	RunID         string  `json:"run_id"`
	LatencyMs     int64   `json:"latency_ms"`
	Success       bool    `json:"success"`
}

// Queue entry statuses. done and dead are terminal; dead entries are retained
// for operator inspection, never deleted.
const (
	QueuePending  = "pending"
	QueueInFlight = "in_flight"
	QueueDone     = "done"
	QueueDead     = "dead"
)

// QueueEntryTypeAPICall marks deferred external calls, the only entry type the
// orchestrator enqueues.
const QueueEntryTypeAPICall = "api_call"

// QueueEntry is a deferred unit of work awaiting the drain loop.
type QueueEntry struct {
	ID          string  `json:"id"`
	Type        string  `json:"type"`
	PayloadJSON string  `json:"-"`
	EnqueuedAt  string  `json:"enqueued_at"`
	Attempts    int     `json:"attempts"`
	Status      string  `json:"status"`
	LastError   *string `json:"last_error,omitempty"`
	UpdatedAt   string  `json:"updated_at"`
}

// RetryPayload is the queue payload for a deferred external call: everything
// needed to re-execute the original operation.
type RetryPayload struct {
	Service   string `json:"service"`
	Operation string `json:"operation"`
	WorkerID  string `json:"worker_id"`
	RunID     string `json:"run_id"`
	Job       Job    `json:"job"`
}

// Event is one append-only run event ledger entry.
type Event struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts"`
	Type    string         `json:"type"`
	RunID   string         `json:"run_id,omitempty"`
	Service string         `json:"service,omitempty"`
	Payload map[string]any `json:"payload"`
}

// BreakerSnapshot is the read-only view of one circuit breaker for the status
// surface.
type BreakerSnapshot struct {
	Service             string `json:"service"`
	State               string `json:"state"`
	ConsecutiveFailures uint32 `json:"consecutive_failures"`
}

// Status is the operator-facing read-only status summary.
type Status struct {
	DailySpend   float64           `json:"daily_spend"`
	DailyCap     float64           `json:"daily_cap"`
	MonthlySpend float64           `json:"monthly_spend"`
	MonthlyCap   float64           `json:"monthly_cap"`
	Breakers     []BreakerSnapshot `json:"breakers"`
}
