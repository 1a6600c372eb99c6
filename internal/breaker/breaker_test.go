package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"jobline/internal/config"
)

func testSet(t *testing.T, cfg config.BreakerConfig) *Set {
	t.Helper()
	return NewSet(config.BreakerSet{Default: cfg}, nil)
}

func failing() func(context.Context) (any, error) {
	return func(context.Context) (any, error) { return nil, errors.New("backend down") }
}

func succeeding() func(context.Context) (any, error) {
	return func(context.Context) (any, error) { return "ok", nil }
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	set := testSet(t, config.BreakerConfig{FailureThreshold: 3, CallTimeoutMs: 1000, ResetTimeoutMs: 60000})
	b := set.For("pdf_services")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := b.Execute(ctx, failing()); err == nil {
			t.Fatalf("call %d: expected failure", i)
		}
	}

	called := false
	_, err := b.Execute(ctx, func(context.Context) (any, error) {
		called = true
		return "ok", nil
	})
	var oe OpenError
	if !errors.As(err, &oe) {
		t.Fatalf("expected OpenError after threshold, got %v", err)
	}
	if oe.Service != "pdf_services" {
		t.Fatalf("wrong service in OpenError: %s", oe.Service)
	}
	if called {
		t.Fatal("open breaker must fail fast without invoking the call")
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	set := testSet(t, config.BreakerConfig{FailureThreshold: 3, CallTimeoutMs: 1000, ResetTimeoutMs: 60000})
	b := set.For("image_services")
	ctx := context.Background()

	_, _ = b.Execute(ctx, failing())
	_, _ = b.Execute(ctx, failing())
	if _, err := b.Execute(ctx, succeeding()); err != nil {
		t.Fatalf("success call: %v", err)
	}
	// two more failures should not trip a threshold of three
	_, _ = b.Execute(ctx, failing())
	_, _ = b.Execute(ctx, failing())
	if _, err := b.Execute(ctx, succeeding()); err != nil {
		t.Fatalf("breaker should still be closed: %v", err)
	}
}

func TestHalfOpenRecovery(t *testing.T) {
	set := testSet(t, config.BreakerConfig{FailureThreshold: 1, CallTimeoutMs: 1000, ResetTimeoutMs: 50})
	b := set.For("pdf_services")
	ctx := context.Background()

	_, _ = b.Execute(ctx, failing())
	var oe OpenError
	if _, err := b.Execute(ctx, succeeding()); !errors.As(err, &oe) {
		t.Fatalf("expected OpenError, got %v", err)
	}

	time.Sleep(80 * time.Millisecond)
	// trial call after the reset timeout closes the breaker again
	if _, err := b.Execute(ctx, succeeding()); err != nil {
		t.Fatalf("half-open trial should pass: %v", err)
	}
	if _, err := b.Execute(ctx, succeeding()); err != nil {
		t.Fatalf("breaker should be closed: %v", err)
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	set := testSet(t, config.BreakerConfig{FailureThreshold: 1, CallTimeoutMs: 1000, ResetTimeoutMs: 50})
	b := set.For("pdf_services")
	ctx := context.Background()

	_, _ = b.Execute(ctx, failing())
	time.Sleep(80 * time.Millisecond)
	if _, err := b.Execute(ctx, failing()); err == nil {
		t.Fatal("trial call should fail")
	}
	var oe OpenError
	if _, err := b.Execute(ctx, succeeding()); !errors.As(err, &oe) {
		t.Fatalf("failed trial must reopen the breaker, got %v", err)
	}
}

func TestCallTimeoutCountsAsFailure(t *testing.T) {
	set := testSet(t, config.BreakerConfig{FailureThreshold: 1, CallTimeoutMs: 30, ResetTimeoutMs: 60000})
	b := set.For("indesign_desktop")
	ctx := context.Background()

	_, err := b.Execute(ctx, func(cctx context.Context) (any, error) {
		select {
		case <-time.After(500 * time.Millisecond):
			return "late", nil
		case <-cctx.Done():
			return nil, cctx.Err()
		}
	})
	var te TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	var oe OpenError
	if _, err := b.Execute(ctx, succeeding()); !errors.As(err, &oe) {
		t.Fatalf("timeout must trip a threshold-1 breaker, got %v", err)
	}
}

func TestSetSnapshots(t *testing.T) {
	set := testSet(t, config.BreakerConfig{FailureThreshold: 1, CallTimeoutMs: 1000, ResetTimeoutMs: 60000})
	ctx := context.Background()
	_, _ = set.For("pdf_services").Execute(ctx, failing())
	_, _ = set.For("image_services").Execute(ctx, succeeding())

	snaps := set.Snapshots()
	if len(snaps) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(snaps))
	}
	// sorted by service key
	if snaps[0].Service != "image_services" || snaps[1].Service != "pdf_services" {
		t.Fatalf("unexpected order: %+v", snaps)
	}
	if snaps[1].State != "open" {
		t.Fatalf("pdf_services should be open, got %s", snaps[1].State)
	}
	if snaps[0].State != "closed" {
		t.Fatalf("image_services should be closed, got %s", snaps[0].State)
	}
}

func TestPerServiceOverrides(t *testing.T) {
	set := NewSet(config.BreakerSet{
		Default: config.BreakerConfig{FailureThreshold: 5, CallTimeoutMs: 1000, ResetTimeoutMs: 60000},
		Services: map[string]config.BreakerConfig{
			"pdf_services": {FailureThreshold: 1},
		},
	}, nil)
	ctx := context.Background()

	_, _ = set.For("pdf_services").Execute(ctx, failing())
	var oe OpenError
	if _, err := set.For("pdf_services").Execute(ctx, succeeding()); !errors.As(err, &oe) {
		t.Fatalf("override threshold 1 should trip immediately, got %v", err)
	}
	// another service keeps the default threshold
	_, _ = set.For("image_services").Execute(ctx, failing())
	if _, err := set.For("image_services").Execute(ctx, succeeding()); err != nil {
		t.Fatalf("default threshold should not trip after one failure: %v", err)
	}
}
