package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"jobline/internal/breaker"
	"jobline/internal/config"
	"jobline/internal/cost"
	"jobline/internal/domain"
	"jobline/internal/events"
	"jobline/internal/queue"
	"jobline/internal/repo"
	"jobline/internal/route"
	"jobline/internal/schema"
	"jobline/internal/worker"
)

// Engine is the composition root: it validates, routes, and executes jobs,
// guarding every outbound call with budget enforcement and a per-service
// circuit breaker, and diverting breaker-open operations to the fallback
// queue.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Schemas  *schema.Registry
	Router   *route.Router
	Tracker  *cost.Tracker
	Breakers *breaker.Set
	Queue    *queue.Queue
	Workers  *worker.Registry
	Log      *logrus.Logger
	Now      func() time.Time
}

// New wires the engine from a database handle and validated config.
func New(db *sql.DB, cfg *config.Config) (Engine, error) {
	if cfg == nil {
		return Engine{}, errors.New("config not loaded")
	}
	log := logrus.StandardLogger()
	r := repo.Repo{DB: db}
	router, err := route.New(cfg.Routing.Rules, cfg.Routing.DefaultWorker)
	if err != nil {
		return Engine{}, err
	}
	workers, err := worker.NewRegistry(cfg.Workers, log)
	if err != nil {
		return Engine{}, err
	}
	return Engine{
		DB:       db,
		Repo:     r,
		Events:   events.Writer{DB: db},
		Config:   cfg,
		Schemas:  schema.NewRegistry(cfg.Schemas),
		Router:   router,
		Tracker:  cost.New(r, cfg.Budget, cfg.Costs, cfg.Location()),
		Breakers: breaker.NewSet(cfg.Breakers, log),
		Queue:    queue.New(r, cfg.Queue.MaxAttempts, log),
		Workers:  workers,
		Log:      log,
		Now:      time.Now,
	}, nil
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Receipt is what a submitter gets back.
type Receipt struct {
	RunID    string         `json:"run_id"`
	Status   string         `json:"status"`
	WorkerID string         `json:"worker_id,omitempty"`
	Result   map[string]any `json:"result,omitempty"`
}

// Submit runs one job through the full pipeline:
// validate -> route -> budget check -> breaker-guarded call -> record cost.
// All failure kinds propagate synchronously; the only asynchronous remediation
// is the fallback queue's drain loop.
func (e Engine) Submit(ctx context.Context, job domain.Job) (Receipt, error) {
	runID := uuid.New().String()
	receipt := Receipt{RunID: runID, Status: domain.RunSubmitted}

	jobJSON, err := json.Marshal(job)
	if err != nil {
		return receipt, fmt.Errorf("marshal job: %w", err)
	}
	now := e.now().UTC().Format(time.RFC3339)
	run := domain.Run{
		ID:        runID,
		JobType:   job.JobType,
		Status:    domain.RunSubmitted,
		User:      job.User,
		JobJSON:   string(jobJSON),
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return receipt, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertRun(ctx, tx, run); err != nil {
		return receipt, fmt.Errorf("insert run: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.JobSubmitted, runID, "", events.EventPayload{"job_type": job.JobType, "user": job.User}); err != nil {
		return receipt, err
	}
	if err := tx.Commit(); err != nil {
		return receipt, err
	}

	// Validation gate: a malformed job is rejected before any routing or
	// cost, producing neither a CostEvent nor a QueueEntry.
	if err := e.Schemas.Validate(job); err != nil {
		var ve schema.ValidationError
		if errors.As(err, &ve) {
			e.finishRun(ctx, &run, domain.RunValidationFailed, nil, err)
			e.appendEvent(ctx, events.JobRejected, runID, "", events.EventPayload{"reason": ve.Reason, "details": ve.Details})
			receipt.Status = domain.RunValidationFailed
			return receipt, err
		}
		return receipt, err
	}
	e.updateRunStatus(ctx, &run, domain.RunValidated)
	e.appendEvent(ctx, events.JobValidated, runID, "", nil)

	decision := e.Router.Route(job.Document())
	run.WorkerID = decision.Worker
	receipt.WorkerID = decision.Worker
	e.updateRunStatus(ctx, &run, domain.RunRouted)
	e.appendEvent(ctx, events.JobRouted, runID, "", events.EventPayload{
		"worker": decision.Worker, "reason": decision.Reason, "rule": decision.Rule, "default": decision.Default,
	})

	w, service, err := e.Workers.Get(decision.Worker)
	if err != nil {
		e.finishRun(ctx, &run, domain.RunFailed, nil, err)
		receipt.Status = domain.RunFailed
		return receipt, err
	}

	e.updateRunStatus(ctx, &run, domain.RunExecuting)
	result, err := e.executeWithCostTracking(ctx, service, job.JobType, runID, decision.Worker, job, w, true)
	switch {
	case err == nil:
		e.finishRun(ctx, &run, domain.RunCompleted, result.Output, nil)
		e.appendEvent(ctx, events.JobCompleted, runID, service, events.EventPayload{"worker": decision.Worker})
		receipt.Status = domain.RunCompleted
		receipt.Result = result.Output
		return receipt, nil
	case isBudgetError(err):
		e.finishRun(ctx, &run, domain.RunBudgetRejected, nil, err)
		e.appendEvent(ctx, events.JobBudgetRejected, runID, service, events.EventPayload{"error": err.Error()})
		receipt.Status = domain.RunBudgetRejected
		return receipt, err
	case isBreakerOpen(err):
		e.finishRun(ctx, &run, domain.RunCircuitOpenQueued, nil, err)
		e.appendEvent(ctx, events.JobQueued, runID, service, events.EventPayload{"error": err.Error()})
		receipt.Status = domain.RunCircuitOpenQueued
		return receipt, err
	default:
		e.finishRun(ctx, &run, domain.RunFailed, nil, err)
		e.appendEvent(ctx, events.JobFailed, runID, service, events.EventPayload{"error": err.Error()})
		receipt.Status = domain.RunFailed
		return receipt, err
	}
}

// executeWithCostTracking guards one worker call:
//  1. reserve budget; a breach propagates without touching breaker or queue
//  2. run the call through the service's circuit breaker
//  3. on success record the cost and return
//  4. on breaker-open release the reservation, enqueue for retry (when
//     queueOnOpen), and re-raise; the caller learns immediately that the call
//     did not happen
//  5. on any other failure record a failed-cost event and re-raise; only
//     breaker-open conditions are queued
func (e Engine) executeWithCostTracking(ctx context.Context, service, operation, runID, workerID string, job domain.Job, w worker.Worker, queueOnOpen bool) (worker.Result, error) {
	amount := e.Tracker.EstimateCost(service, operation)
	reservation, err := e.Tracker.CheckBudget(ctx, service, operation, amount)
	if err != nil {
		e.Log.WithFields(logrus.Fields{"service": service, "run_id": runID}).WithError(err).
			Warn("budget check rejected call")
		return worker.Result{}, err
	}

	br := e.Breakers.For(service)
	start := e.now()
	raw, err := br.Execute(ctx, func(cctx context.Context) (any, error) {
		return w.Execute(cctx, job)
	})
	latency := time.Since(start).Milliseconds()

	if err != nil {
		var open breaker.OpenError
		if errors.As(err, &open) {
			// Not costed: the call never started.
			e.Tracker.Release(reservation)
			if queueOnOpen {
				if _, qerr := e.Queue.Enqueue(ctx, domain.QueueEntryTypeAPICall, domain.RetryPayload{
					Service:   service,
					Operation: operation,
					WorkerID:  workerID,
					RunID:     runID,
					Job:       job,
				}); qerr != nil {
					e.Log.WithError(qerr).Error("enqueue fallback entry failed")
				}
			}
			return worker.Result{}, err
		}
		if rerr := e.Tracker.RecordCost(ctx, reservation, cost.Outcome{
			RunID:     runID,
			LatencyMs: latency,
			Success:   false,
		}); rerr != nil {
			e.Log.WithError(rerr).Error("record failed-call cost")
		}
		return worker.Result{}, err
	}

	result, _ := raw.(worker.Result)
	if result.LatencyMs == 0 {
		result.LatencyMs = latency
	}
	if err := e.Tracker.RecordCost(ctx, reservation, cost.Outcome{
		RunID:      runID,
		ActualCost: result.ActualCost,
		LatencyMs:  result.LatencyMs,
		Success:    true,
	}); err != nil {
		e.Log.WithError(err).Error("record cost")
	}
	return result, nil
}

// RetryProcessor returns the drain-loop processor: it re-executes queued
// operations through the same budget and breaker path, with queueing disabled
// so a still-open breaker fails the attempt instead of duplicating the entry.
func (e Engine) RetryProcessor() queue.Processor {
	return func(ctx context.Context, entry domain.QueueEntry, payload domain.RetryPayload) error {
		w, _, err := e.Workers.Get(payload.WorkerID)
		if err != nil {
			return err
		}
		result, err := e.executeWithCostTracking(ctx, payload.Service, payload.Operation, payload.RunID, payload.WorkerID, payload.Job, w, false)
		if err != nil {
			return err
		}
		// The original caller was told the call did not happen; reflect the
		// late success on the run record for operators.
		run, gerr := e.Repo.GetRun(ctx, payload.RunID)
		if gerr == nil && run.Status == domain.RunCircuitOpenQueued {
			e.finishRun(ctx, &run, domain.RunCompleted, result.Output, nil)
		}
		e.appendEvent(ctx, events.QueueDrained, payload.RunID, payload.Service, events.EventPayload{
			"entry_id": entry.ID, "attempts": entry.Attempts + 1,
		})
		return nil
	}
}

// Status assembles the read-only operator summary.
func (e Engine) Status(ctx context.Context) (domain.Status, error) {
	daily, err := e.Tracker.DailySpend(ctx)
	if err != nil {
		return domain.Status{}, err
	}
	monthly, err := e.Tracker.MonthlySpend(ctx)
	if err != nil {
		return domain.Status{}, err
	}
	dailyCap, monthlyCap := e.Tracker.Caps()
	return domain.Status{
		DailySpend:   daily,
		DailyCap:     dailyCap,
		MonthlySpend: monthly,
		MonthlyCap:   monthlyCap,
		Breakers:     e.Breakers.Snapshots(),
	}, nil
}

// --- helpers ---

func (e Engine) updateRunStatus(ctx context.Context, run *domain.Run, status string) {
	run.Status = status
	run.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	e.persistRun(ctx, run)
}

func (e Engine) finishRun(ctx context.Context, run *domain.Run, status string, result map[string]any, cause error) {
	run.Status = status
	run.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if result != nil {
		if data, err := json.Marshal(result); err == nil {
			s := string(data)
			run.ResultJSON = &s
		}
		run.Error = nil
	}
	if cause != nil {
		msg := cause.Error()
		run.Error = &msg
	}
	e.persistRun(ctx, run)
}

func (e Engine) persistRun(ctx context.Context, run *domain.Run) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		e.Log.WithError(err).Error("begin run update")
		return
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateRun(ctx, tx, *run); err != nil {
		e.Log.WithError(err).WithField("run_id", run.ID).Error("update run")
		return
	}
	if err := tx.Commit(); err != nil {
		e.Log.WithError(err).Error("commit run update")
	}
}

func (e Engine) appendEvent(ctx context.Context, evtType, runID, service string, payload events.EventPayload) {
	if err := e.Events.Append(ctx, nil, evtType, runID, service, payload); err != nil {
		e.Log.WithError(err).WithField("type", evtType).Error("append event")
	}
}

func isBudgetError(err error) bool {
	var ce cost.ExceededError
	return errors.As(err, &ce)
}

func isBreakerOpen(err error) bool {
	var oe breaker.OpenError
	return errors.As(err, &oe)
}
