package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"jobline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// --- runs ---

func (r Repo) InsertRun(ctx context.Context, tx *sql.Tx, run domain.Run) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO runs(id,job_type,worker_id,status,user,job_json,result_json,error,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		run.ID, run.JobType, nullable(run.WorkerID), run.Status, run.User, run.JobJSON, run.ResultJSON, run.Error, run.CreatedAt, run.UpdatedAt)
	return err
}

func (r Repo) UpdateRun(ctx context.Context, tx *sql.Tx, run domain.Run) error {
	_, err := tx.ExecContext(ctx, `UPDATE runs SET worker_id=?,status=?,result_json=?,error=?,updated_at=? WHERE id=?`,
		nullable(run.WorkerID), run.Status, run.ResultJSON, run.Error, run.UpdatedAt, run.ID)
	return err
}

func scanRun(row *sql.Row) (domain.Run, error) {
	var run domain.Run
	var workerID sql.NullString
	err := row.Scan(&run.ID, &run.JobType, &workerID, &run.Status, &run.User, &run.JobJSON, &run.ResultJSON, &run.Error, &run.CreatedAt, &run.UpdatedAt)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	if workerID.Valid {
		run.WorkerID = workerID.String
	}
	return run, err
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	return scanRun(r.DB.QueryRowContext(ctx, `SELECT id,job_type,worker_id,status,user,job_json,result_json,error,created_at,updated_at FROM runs WHERE id=?`, id))
}

func (r Repo) ListRuns(ctx context.Context, status string, limit int) ([]domain.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id,job_type,worker_id,status,user,job_json,result_json,error,created_at,updated_at FROM runs`
	args := []any{}
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		var run domain.Run
		var workerID sql.NullString
		if err := rows.Scan(&run.ID, &run.JobType, &workerID, &run.Status, &run.User, &run.JobJSON, &run.ResultJSON, &run.Error, &run.CreatedAt, &run.UpdatedAt); err != nil {
			return nil, err
		}
		if workerID.Valid {
			run.WorkerID = workerID.String
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// --- cost events (append-only) ---

func (r Repo) AppendCostEvent(ctx context.Context, ev domain.CostEvent) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO cost_events(service,operation,estimated_cost,actual_cost,ts,run_id,latency_ms,success) VALUES (?,?,?,?,?,?,?,?)`,
		ev.Service, ev.Operation, ev.EstimatedCost, ev.ActualCost, ev.TS, ev.RunID, ev.LatencyMs, boolInt(ev.Success))
	return err
}

// SpendSince sums recorded actual cost for events at or after the given
// RFC3339 UTC timestamp. Timestamps are stored normalized so the string
// comparison matches chronological order.
func (r Repo) SpendSince(ctx context.Context, tsUTC string) (float64, error) {
	var total float64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(SUM(actual_cost),0) FROM cost_events WHERE ts>=?`, tsUTC).Scan(&total)
	return total, err
}

func (r Repo) ListCostEvents(ctx context.Context, runID string, limit int) ([]domain.CostEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id,service,operation,estimated_cost,actual_cost,ts,run_id,latency_ms,success FROM cost_events`
	args := []any{}
	if runID != "" {
		query += ` WHERE run_id=?`
		args = append(args, runID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CostEvent
	for rows.Next() {
		var ev domain.CostEvent
		var success int
		if err := rows.Scan(&ev.ID, &ev.Service, &ev.Operation, &ev.EstimatedCost, &ev.ActualCost, &ev.TS, &ev.RunID, &ev.LatencyMs, &success); err != nil {
			return nil, err
		}
		ev.Success = success != 0
		res = append(res, ev)
	}
	return res, rows.Err()
}

func (r Repo) CountCostEvents(ctx context.Context, runID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM cost_events WHERE run_id=?`, runID).Scan(&n)
	return n, err
}

// --- queue entries ---

func (r Repo) InsertQueueEntry(ctx context.Context, e domain.QueueEntry) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO queue_entries(id,type,payload_json,enqueued_at,attempts,status,last_error,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		e.ID, e.Type, e.PayloadJSON, e.EnqueuedAt, e.Attempts, e.Status, e.LastError, e.UpdatedAt)
	return err
}

func (r Repo) GetQueueEntry(ctx context.Context, id string) (domain.QueueEntry, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,type,payload_json,enqueued_at,attempts,status,last_error,updated_at FROM queue_entries WHERE id=?`, id)
	var e domain.QueueEntry
	err := row.Scan(&e.ID, &e.Type, &e.PayloadJSON, &e.EnqueuedAt, &e.Attempts, &e.Status, &e.LastError, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	return e, err
}

func (r Repo) ListQueueEntries(ctx context.Context, status string, limit int) ([]domain.QueueEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id,type,payload_json,enqueued_at,attempts,status,last_error,updated_at FROM queue_entries`
	args := []any{}
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY enqueued_at ASC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.QueueEntry
	for rows.Next() {
		var e domain.QueueEntry
		if err := rows.Scan(&e.ID, &e.Type, &e.PayloadJSON, &e.EnqueuedAt, &e.Attempts, &e.Status, &e.LastError, &e.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// ClaimQueueEntries atomically moves up to limit pending entries to in_flight
// and returns them. The select and update share one transaction so no two
// drain invocations can claim the same entry.
func (r Repo) ClaimQueueEntries(ctx context.Context, limit int, nowUTC string) ([]domain.QueueEntry, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT id,type,payload_json,enqueued_at,attempts,status,last_error,updated_at FROM queue_entries WHERE status=? ORDER BY enqueued_at ASC LIMIT ?`,
		domain.QueuePending, limit)
	if err != nil {
		return nil, err
	}
	var claimed []domain.QueueEntry
	for rows.Next() {
		var e domain.QueueEntry
		if err := rows.Scan(&e.ID, &e.Type, &e.PayloadJSON, &e.EnqueuedAt, &e.Attempts, &e.Status, &e.LastError, &e.UpdatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		claimed = append(claimed, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range claimed {
		claimed[i].Status = domain.QueueInFlight
		claimed[i].UpdatedAt = nowUTC
		if _, err := tx.ExecContext(ctx, `UPDATE queue_entries SET status=?,updated_at=? WHERE id=? AND status=?`,
			domain.QueueInFlight, nowUTC, claimed[i].ID, domain.QueuePending); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return claimed, nil
}

// SettleQueueEntry records the outcome of one processed entry.
func (r Repo) SettleQueueEntry(ctx context.Context, id, status string, attempts int, lastError *string, nowUTC string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE queue_entries SET status=?,attempts=?,last_error=?,updated_at=? WHERE id=?`,
		status, attempts, lastError, nowUTC, id)
	return err
}

func (r Repo) CountQueueEntries(ctx context.Context, status string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_entries WHERE status=?`, status).Scan(&n)
	return n, err
}

// --- events ---

func (r Repo) EventsForRun(ctx context.Context, runID string) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,COALESCE(run_id,''),COALESCE(service,''),payload_json FROM events WHERE run_id=? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func (r Repo) EventsAfter(ctx context.Context, afterID int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,COALESCE(run_id,''),COALESCE(service,''),payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload string
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.RunID, &e.Service, &payload); err != nil {
			return nil, err
		}
		e.Payload = decodeJSONMap(payload)
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp map[string]any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	return tmp
}
