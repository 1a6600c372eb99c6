package queue_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"jobline/internal/db"
	"jobline/internal/domain"
	"jobline/internal/migrate"
	"jobline/internal/queue"
	"jobline/internal/repo"
)

func openTestDB(t *testing.T, workspace string) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return conn
}

func testPayload(runID string) domain.RetryPayload {
	return domain.RetryPayload{
		Service:   "pdf_services",
		Operation: "export",
		WorkerID:  "batch",
		RunID:     runID,
		Job:       domain.Job{JobType: "export", User: "tester"},
	}
}

func TestEnqueueAndDrainSuccess(t *testing.T) {
	conn := openTestDB(t, t.TempDir())
	defer conn.Close()
	r := repo.Repo{DB: conn}
	q := queue.New(r, 5, nil)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, domain.QueueEntryTypeAPICall, testPayload("run-1"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	res, err := q.Drain(ctx, func(_ context.Context, entry domain.QueueEntry, payload domain.RetryPayload) error {
		if payload.RunID != "run-1" || payload.WorkerID != "batch" {
			t.Fatalf("payload round-trip broken: %+v", payload)
		}
		return nil
	}, 10)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if res.Claimed != 1 || res.Done != 1 {
		t.Fatalf("unexpected drain result: %+v", res)
	}

	entry, err := r.GetQueueEntry(ctx, id)
	if err != nil {
		t.Fatalf("get entry: %v", err)
	}
	if entry.Status != domain.QueueDone || entry.Attempts != 1 {
		t.Fatalf("expected done after 1 attempt, got %+v", entry)
	}
}

func TestFailedAttemptsReturnToPendingThenDead(t *testing.T) {
	conn := openTestDB(t, t.TempDir())
	defer conn.Close()
	r := repo.Repo{DB: conn}
	q := queue.New(r, 2, nil)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, domain.QueueEntryTypeAPICall, testPayload("run-1"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	fail := func(context.Context, domain.QueueEntry, domain.RetryPayload) error {
		return errors.New("still down")
	}

	res, err := q.Drain(ctx, fail, 10)
	if err != nil {
		t.Fatalf("drain 1: %v", err)
	}
	if res.Retried != 1 || res.Dead != 0 {
		t.Fatalf("first failure should retry: %+v", res)
	}
	entry, _ := r.GetQueueEntry(ctx, id)
	if entry.Status != domain.QueuePending || entry.Attempts != 1 {
		t.Fatalf("expected pending/1, got %+v", entry)
	}
	if entry.LastError == nil || *entry.LastError != "still down" {
		t.Fatalf("last error not recorded: %+v", entry)
	}

	res, err = q.Drain(ctx, fail, 10)
	if err != nil {
		t.Fatalf("drain 2: %v", err)
	}
	if res.Dead != 1 {
		t.Fatalf("second failure should dead-letter at max attempts 2: %+v", res)
	}
	entry, _ = r.GetQueueEntry(ctx, id)
	if entry.Status != domain.QueueDead || entry.Attempts != 2 {
		t.Fatalf("expected dead/2, got %+v", entry)
	}

	// dead entries are retained, never reclaimed
	res, err = q.Drain(ctx, fail, 10)
	if err != nil {
		t.Fatalf("drain 3: %v", err)
	}
	if res.Claimed != 0 {
		t.Fatalf("dead entry must not be claimed again: %+v", res)
	}
}

func TestEntriesSurviveReopen(t *testing.T) {
	workspace := t.TempDir()
	conn := openTestDB(t, workspace)
	q := queue.New(repo.Repo{DB: conn}, 5, nil)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, domain.QueueEntryTypeAPICall, testPayload("run-1"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	conn.Close()

	conn2 := openTestDB(t, workspace)
	defer conn2.Close()
	r2 := repo.Repo{DB: conn2}
	entry, err := r2.GetQueueEntry(ctx, id)
	if err != nil {
		t.Fatalf("entry lost across restart: %v", err)
	}
	if entry.Status != domain.QueuePending {
		t.Fatalf("expected pending after reopen, got %+v", entry)
	}

	res, err := queue.New(r2, 5, nil).Drain(ctx, func(context.Context, domain.QueueEntry, domain.RetryPayload) error {
		return nil
	}, 10)
	if err != nil || res.Done != 1 {
		t.Fatalf("drain after reopen: %+v, %v", res, err)
	}
}

func TestUnreadablePayloadDeadLettersImmediately(t *testing.T) {
	conn := openTestDB(t, t.TempDir())
	defer conn.Close()
	r := repo.Repo{DB: conn}
	ctx := context.Background()

	bad := domain.QueueEntry{
		ID:          "bad-entry",
		Type:        domain.QueueEntryTypeAPICall,
		PayloadJSON: "{not json",
		EnqueuedAt:  "2026-01-01T00:00:00Z",
		Status:      domain.QueuePending,
		UpdatedAt:   "2026-01-01T00:00:00Z",
	}
	if err := r.InsertQueueEntry(ctx, bad); err != nil {
		t.Fatalf("insert: %v", err)
	}

	res, err := queue.New(r, 5, nil).Drain(ctx, func(context.Context, domain.QueueEntry, domain.RetryPayload) error {
		t.Fatal("processor must not run for unreadable payloads")
		return nil
	}, 10)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if res.Dead != 1 {
		t.Fatalf("expected immediate dead-letter: %+v", res)
	}
}

func TestDrainClaimsOldestFirst(t *testing.T) {
	conn := openTestDB(t, t.TempDir())
	defer conn.Close()
	r := repo.Repo{DB: conn}
	q := queue.New(r, 5, nil)
	ctx := context.Background()

	// distinct timestamps so the FIFO order is unambiguous
	tick := 0
	q.Now = func() time.Time {
		tick++
		return time.Date(2026, 1, 1, 0, 0, tick, 0, time.UTC)
	}
	for _, run := range []string{"run-1", "run-2", "run-3"} {
		if _, err := q.Enqueue(ctx, domain.QueueEntryTypeAPICall, testPayload(run)); err != nil {
			t.Fatalf("enqueue %s: %v", run, err)
		}
	}

	var seen []string
	res, err := q.Drain(ctx, func(_ context.Context, _ domain.QueueEntry, payload domain.RetryPayload) error {
		seen = append(seen, payload.RunID)
		return nil
	}, 2)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if res.Claimed != 2 {
		t.Fatalf("batch limit ignored: %+v", res)
	}
	if len(seen) != 2 || seen[0] != "run-1" || seen[1] != "run-2" {
		t.Fatalf("expected FIFO order, got %v", seen)
	}
	if pending, _ := r.CountQueueEntries(ctx, domain.QueuePending); pending != 1 {
		t.Fatalf("expected 1 pending left, got %d", pending)
	}
}
