package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Writer appends run lifecycle events to the append-only events ledger.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Event types appended by the orchestrator and drain loop.
const (
	JobSubmitted      = "job.submitted"
	JobValidated      = "job.validated"
	JobRejected       = "job.rejected"
	JobRouted         = "job.routed"
	JobCompleted      = "job.completed"
	JobBudgetRejected = "job.budget_rejected"
	JobQueued         = "job.queued"
	JobFailed         = "job.failed"
	QueueDrained      = "queue.drained"
)

func (w Writer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

// Append writes one event. Pass a nil tx to write outside a transaction.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, runID, service string, payload EventPayload) error {
	ts := w.now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	const q = `INSERT INTO events(ts,type,run_id,service,payload_json) VALUES (?,?,?,?,?)`
	if tx != nil {
		_, err = tx.ExecContext(ctx, q, ts, evtType, nullable(runID), nullable(service), string(data))
	} else {
		_, err = w.DB.ExecContext(ctx, q, ts, evtType, nullable(runID), nullable(service), string(data))
	}
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
