// Package queue is the durable fallback queue: operations that could not
// execute because a circuit breaker was open are parked here and retried by a
// separate drain loop. Entries are never silently dropped; done and dead are
// terminal, inspectable states.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"jobline/internal/domain"
	"jobline/internal/repo"
)

// Processor handles one claimed entry. A nil return marks the entry done; an
// error returns it to pending (or dead once attempts reach MaxAttempts).
type Processor func(ctx context.Context, entry domain.QueueEntry, payload domain.RetryPayload) error

// Queue persists deferred operations in the queue_entries table.
type Queue struct {
	Repo        repo.Repo
	Log         *logrus.Logger
	Now         func() time.Time
	MaxAttempts int
}

func New(r repo.Repo, maxAttempts int, log *logrus.Logger) *Queue {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Queue{Repo: r, Log: log, Now: time.Now, MaxAttempts: maxAttempts}
}

func (q *Queue) now() time.Time {
	if q.Now != nil {
		return q.Now()
	}
	return time.Now()
}

// Enqueue durably persists a pending entry and returns its id.
func (q *Queue) Enqueue(ctx context.Context, entryType string, payload domain.RetryPayload) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal queue payload: %w", err)
	}
	now := q.now().UTC().Format(time.RFC3339)
	entry := domain.QueueEntry{
		ID:          uuid.New().String(),
		Type:        entryType,
		PayloadJSON: string(data),
		EnqueuedAt:  now,
		Attempts:    0,
		Status:      domain.QueuePending,
		UpdatedAt:   now,
	}
	if err := q.Repo.InsertQueueEntry(ctx, entry); err != nil {
		return "", fmt.Errorf("insert queue entry: %w", err)
	}
	q.Log.WithFields(logrus.Fields{
		"entry_id": entry.ID,
		"service":  payload.Service,
		"run_id":   payload.RunID,
	}).Info("operation queued for retry")
	return entry.ID, nil
}

// DrainResult summarizes one drain pass.
type DrainResult struct {
	Claimed int `json:"claimed"`
	Done    int `json:"done"`
	Retried int `json:"retried"`
	Dead    int `json:"dead"`
}

// Drain claims up to batch pending entries and processes them sequentially.
// The claim is transactional, so concurrent drain invocations never process
// the same entry twice.
func (q *Queue) Drain(ctx context.Context, processor Processor, batch int) (DrainResult, error) {
	if batch <= 0 {
		batch = 20
	}
	var res DrainResult
	claimed, err := q.Repo.ClaimQueueEntries(ctx, batch, q.now().UTC().Format(time.RFC3339))
	if err != nil {
		return res, fmt.Errorf("claim queue entries: %w", err)
	}
	res.Claimed = len(claimed)
	for _, entry := range claimed {
		var payload domain.RetryPayload
		if err := json.Unmarshal([]byte(entry.PayloadJSON), &payload); err != nil {
			// Unreadable payloads can never succeed; dead-letter immediately.
			msg := fmt.Sprintf("decode payload: %v", err)
			if serr := q.settle(ctx, entry, domain.QueueDead, entry.Attempts+1, &msg); serr != nil {
				return res, serr
			}
			res.Dead++
			continue
		}
		err := processor(ctx, entry, payload)
		if err == nil {
			if serr := q.settle(ctx, entry, domain.QueueDone, entry.Attempts+1, nil); serr != nil {
				return res, serr
			}
			res.Done++
			continue
		}
		attempts := entry.Attempts + 1
		msg := err.Error()
		status := domain.QueuePending
		if attempts >= q.MaxAttempts {
			status = domain.QueueDead
			res.Dead++
		} else {
			res.Retried++
		}
		if serr := q.settle(ctx, entry, status, attempts, &msg); serr != nil {
			return res, serr
		}
		q.Log.WithFields(logrus.Fields{
			"entry_id": entry.ID,
			"attempts": attempts,
			"status":   status,
		}).WithError(err).Warn("queued operation failed")
	}
	return res, nil
}

func (q *Queue) settle(ctx context.Context, entry domain.QueueEntry, status string, attempts int, lastError *string) error {
	return q.Repo.SettleQueueEntry(ctx, entry.ID, status, attempts, lastError, q.now().UTC().Format(time.RFC3339))
}

// DrainLoop runs Drain on an interval until the context is canceled. This is
// the cron-like execution context for deferred retries, deliberately separate
// from the submission path.
func (q *Queue) DrainLoop(ctx context.Context, processor Processor, batch int, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := q.Drain(ctx, processor, batch); err != nil {
			q.Log.WithError(err).Error("queue drain pass failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
