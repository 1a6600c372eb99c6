// Package cost records spend against a durable ledger and enforces daily and
// monthly budget caps before a call executes.
//
// Budget checks use a reserve-then-settle discipline: CheckBudget reserves the
// estimated amount under a single mutex, and RecordCost (or Release) settles
// the reservation. Concurrent submissions therefore cannot jointly pass a
// check that would overspend a cap.
package cost

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"jobline/internal/config"
	"jobline/internal/domain"
	"jobline/internal/repo"
)

// ExceededError reports a budget rejection. Window is "daily" or "monthly" so
// callers can tell operators when the budget resets.
type ExceededError struct {
	Window    string
	Spend     float64
	Cap       float64
	Estimated float64
}

func (e ExceededError) Error() string {
	return fmt.Sprintf("budget exceeded: %s spend %.2f + estimated %.2f would exceed cap %.2f",
		e.Window, e.Spend, e.Estimated, e.Cap)
}

// Outcome describes one completed attempt for the ledger.
type Outcome struct {
	RunID      string
	ActualCost *float64 // nil means the backend reported nothing; the estimate is used
	LatencyMs  int64
	Success    bool
}

// Reservation is an in-flight hold on budget. It must be settled with
// RecordCost or returned with Release; leaking reservations pins budget until
// process restart.
type Reservation struct {
	id        string
	Service   string
	Operation string
	Amount    float64
}

// Tracker owns all CostEvent writes. One instance per process.
type Tracker struct {
	Repo repo.Repo
	Log  *logrus.Logger
	Now  func() time.Time

	budget config.BudgetConfig
	costs  config.CostTable
	loc    *time.Location

	mu       sync.Mutex
	reserved map[string]float64
}

func New(r repo.Repo, budget config.BudgetConfig, costs config.CostTable, loc *time.Location) *Tracker {
	if loc == nil {
		loc = time.UTC
	}
	return &Tracker{
		Repo:     r,
		Log:      logrus.StandardLogger(),
		Now:      time.Now,
		budget:   budget,
		costs:    costs,
		loc:      loc,
		reserved: make(map[string]float64),
	}
}

func (t *Tracker) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

// EstimateCost is a table-driven lookup with no side effects.
func (t *Tracker) EstimateCost(service, operation string) float64 {
	return t.costs.Estimate(service, operation)
}

// CheckBudget reserves amount against both windows, failing fast with an
// ExceededError if either cap would be breached. The ledger read and the
// reservation are made under one lock so concurrent checks serialize.
func (t *Tracker) CheckBudget(ctx context.Context, service, operation string, amount float64) (*Reservation, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	daily, monthly, err := t.spendLocked(ctx)
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	pending := 0.0
	for _, v := range t.reserved {
		pending += v
	}
	if daily+pending+amount > t.budget.DailyCap {
		return nil, ExceededError{Window: "daily", Spend: daily + pending, Cap: t.budget.DailyCap, Estimated: amount}
	}
	if monthly+pending+amount > t.budget.MonthlyCap {
		return nil, ExceededError{Window: "monthly", Spend: monthly + pending, Cap: t.budget.MonthlyCap, Estimated: amount}
	}
	res := &Reservation{id: uuid.New().String(), Service: service, Operation: operation, Amount: amount}
	t.reserved[res.id] = amount
	return res, nil
}

// RecordCost appends exactly one CostEvent for an executed attempt and
// releases the reservation. Call once per attempt, after it completes.
func (t *Tracker) RecordCost(ctx context.Context, res *Reservation, out Outcome) error {
	actual := res.Amount
	if out.ActualCost != nil {
		actual = *out.ActualCost
	}
	ev := domain.CostEvent{
		Service:       res.Service,
		Operation:     res.Operation,
		EstimatedCost: res.Amount,
		ActualCost:    actual,
		TS:            t.now().UTC().Format(time.RFC3339),
		RunID:         out.RunID,
		LatencyMs:     out.LatencyMs,
		Success:       out.Success,
	}
	// Append before dropping the reservation: the cap invariant holds whether
	// the amount is counted as pending or as recorded, never as neither.
	if err := t.Repo.AppendCostEvent(ctx, ev); err != nil {
		return fmt.Errorf("append cost event: %w", err)
	}
	t.Release(res)
	t.Log.WithFields(logrus.Fields{
		"service":   res.Service,
		"operation": res.Operation,
		"run_id":    out.RunID,
		"cost":      actual,
		"success":   out.Success,
	}).Debug("cost recorded")
	return nil
}

// Release returns reserved budget for an attempt that never started.
func (t *Tracker) Release(res *Reservation) {
	if res == nil {
		return
	}
	t.mu.Lock()
	delete(t.reserved, res.id)
	t.mu.Unlock()
}

// DailySpend sums recorded cost since midnight in the configured timezone.
func (t *Tracker) DailySpend(ctx context.Context) (float64, error) {
	return t.Repo.SpendSince(ctx, t.dayStart().UTC().Format(time.RFC3339))
}

// MonthlySpend sums recorded cost since the start of the calendar month.
func (t *Tracker) MonthlySpend(ctx context.Context) (float64, error) {
	return t.Repo.SpendSince(ctx, t.monthStart().UTC().Format(time.RFC3339))
}

// Caps returns the configured caps for the status surface.
func (t *Tracker) Caps() (daily, monthly float64) {
	return t.budget.DailyCap, t.budget.MonthlyCap
}

func (t *Tracker) spendLocked(ctx context.Context) (daily, monthly float64, err error) {
	daily, err = t.Repo.SpendSince(ctx, t.dayStart().UTC().Format(time.RFC3339))
	if err != nil {
		return 0, 0, err
	}
	monthly, err = t.Repo.SpendSince(ctx, t.monthStart().UTC().Format(time.RFC3339))
	if err != nil {
		return 0, 0, err
	}
	return daily, monthly, nil
}

func (t *Tracker) dayStart() time.Time {
	now := t.now().In(t.loc)
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, t.loc)
}

func (t *Tracker) monthStart() time.Time {
	now := t.now().In(t.loc)
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, t.loc)
}
