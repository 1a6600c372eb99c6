// Package breaker wraps each metered external service in a circuit breaker:
// after FailureThreshold consecutive failures the service is failed fast
// without touching the network, and after ResetTimeout a single trial call is
// let through.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"jobline/internal/config"
	"jobline/internal/domain"
)

// OpenError is returned when the breaker rejects a call without executing it.
type OpenError struct {
	Service string
}

func (e OpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for service %s", e.Service)
}

// TimeoutError marks a call that exceeded the breaker's call timeout. It
// counts as a failure for breaker-state purposes.
type TimeoutError struct {
	Service string
	After   time.Duration
}

func (e TimeoutError) Error() string {
	return fmt.Sprintf("call to %s timed out after %s", e.Service, e.After)
}

// Breaker guards one service key. State transitions are serialized by the
// underlying gobreaker state machine.
type Breaker struct {
	service     string
	callTimeout time.Duration
	cb          *gobreaker.CircuitBreaker
	log         *logrus.Logger
}

func newBreaker(service string, cfg config.BreakerConfig, log *logrus.Logger) *Breaker {
	threshold := cfg.FailureThreshold
	b := &Breaker{service: service, callTimeout: cfg.CallTimeout(), log: log}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        service,
		MaxRequests: 1, // exactly one half-open trial call
		Timeout:     cfg.ResetTimeout(),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithFields(logrus.Fields{"service": name, "from": from.String(), "to": to.String()}).
				Warn("circuit breaker state change")
		},
	})
	return b
}

// Execute runs call through the breaker. It bounds the wait at the configured
// call timeout; a timed-out attempt counts as a failure. When the breaker is
// open (or a second call races the half-open trial) it returns OpenError
// without invoking call. No retries happen here: retry policy belongs to the
// caller or the fallback queue.
func (b *Breaker) Execute(ctx context.Context, call func(context.Context) (any, error)) (any, error) {
	result, err := b.cb.Execute(func() (any, error) {
		return b.callWithTimeout(ctx, call)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, OpenError{Service: b.service}
	}
	return result, err
}

func (b *Breaker) callWithTimeout(ctx context.Context, call func(context.Context) (any, error)) (any, error) {
	if b.callTimeout <= 0 {
		return call(ctx)
	}
	cctx, cancel := context.WithTimeout(ctx, b.callTimeout)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := call(cctx)
		done <- outcome{result, err}
	}()
	select {
	case out := <-done:
		return out.result, out.err
	case <-cctx.Done():
		// The in-flight call keeps running; the breaker only bounds how long
		// it waits before counting the attempt as failed.
		return nil, TimeoutError{Service: b.service, After: b.callTimeout}
	}
}

// Snapshot reports the breaker's current state for the status surface.
func (b *Breaker) Snapshot() domain.BreakerSnapshot {
	return domain.BreakerSnapshot{
		Service:             b.service,
		State:               b.cb.State().String(),
		ConsecutiveFailures: b.cb.Counts().ConsecutiveFailures,
	}
}

// Set holds one breaker per service, created lazily from per-service or
// default settings. Breaker state is in-memory only and resets to closed on
// process start.
type Set struct {
	cfg config.BreakerSet
	log *logrus.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

func NewSet(cfg config.BreakerSet, log *logrus.Logger) *Set {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Set{cfg: cfg, log: log, breakers: make(map[string]*Breaker)}
}

// For returns the breaker guarding the given service key.
func (s *Set) For(service string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[service]; ok {
		return b
	}
	b := newBreaker(service, s.cfg.For(service), s.log)
	s.breakers[service] = b
	return b
}

// Snapshots lists all instantiated breakers, sorted by service key.
func (s *Set) Snapshots() []domain.BreakerSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.BreakerSnapshot, 0, len(s.breakers))
	for _, b := range s.breakers {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}
