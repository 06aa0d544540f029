package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func TestBreakerTripsAndRecovers(t *testing.T) {
	logger := zaptest.NewLogger(t)
	cfg := DefaultConfig()
	cfg.FailureThreshold = 3
	cfg.SuccessThreshold = 2
	cfg.HalfOpenMax = 5
	cfg.Cooldown = 50 * time.Millisecond
	cfg.CountWindow = 200 * time.Millisecond

	b := New("test", cfg, logger)

	if b.State() != StateClosed {
		t.Fatalf("expected initial state closed, got %s", b.State())
	}

	// Successes keep the breaker closed.
	for i := 0; i < 3; i++ {
		if err := b.Execute(func() error { return nil }); err != nil {
			t.Fatalf("expected success, got %v", err)
		}
	}
	if b.State() != StateClosed {
		t.Fatalf("expected closed, got %s", b.State())
	}

	// Consecutive failures trip it open.
	for i := 0; i < 3; i++ {
		if err := b.Execute(func() error { return errors.New("backend down") }); err == nil {
			t.Fatal("expected error, got nil")
		}
	}
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %s", b.State())
	}

	// Open breaker rejects without invoking the call.
	invoked := false
	err := b.Execute(func() error { invoked = true; return nil })
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if invoked {
		t.Fatal("call must not run while breaker is open")
	}

	// After the cooldown the breaker probes, and enough successes close it.
	time.Sleep(70 * time.Millisecond)
	if b.State() != StateHalfOpen {
		t.Fatalf("expected half-open after cooldown, got %s", b.State())
	}
	for i := 0; i < 2; i++ {
		if err := b.Execute(func() error { return nil }); err != nil {
			t.Fatalf("expected probe success, got %v", err)
		}
	}
	if b.State() != StateClosed {
		t.Fatalf("expected closed after probes, got %s", b.State())
	}
}

func TestBreakerHalfOpenProbeBudget(t *testing.T) {
	logger := zaptest.NewLogger(t)
	cfg := DefaultConfig()
	cfg.HalfOpenMax = 2
	cfg.SuccessThreshold = 5 // keep it half-open through the test
	cfg.Cooldown = 10 * time.Millisecond

	b := New("test", cfg, logger)

	b.mu.Lock()
	b.state = StateHalfOpen
	b.generation++
	b.counts = Counts{}
	b.mu.Unlock()

	for i := 0; i < 2; i++ {
		if err := b.Execute(func() error { return nil }); err != nil {
			t.Fatalf("expected probe %d admitted, got %v", i, err)
		}
	}
	if err := b.Execute(func() error { return nil }); !errors.Is(err, ErrHalfOpenSaturated) {
		t.Fatalf("expected ErrHalfOpenSaturated, got %v", err)
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	logger := zaptest.NewLogger(t)
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	cfg.Cooldown = 20 * time.Millisecond

	b := New("test", cfg, logger)

	if err := b.Execute(func() error { return errors.New("down") }); err == nil {
		t.Fatal("expected error")
	}
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %s", b.State())
	}

	time.Sleep(30 * time.Millisecond)
	if b.State() != StateHalfOpen {
		t.Fatalf("expected half-open, got %s", b.State())
	}

	if err := b.Execute(func() error { return errors.New("still down") }); err == nil {
		t.Fatal("expected error")
	}
	if b.State() != StateOpen {
		t.Fatalf("expected reopen after failed probe, got %s", b.State())
	}
}

func TestBreakerIgnoresBenignErrors(t *testing.T) {
	logger := zaptest.NewLogger(t)
	benign := errors.New("not found")

	cfg := DefaultConfig()
	cfg.FailureThreshold = 2
	cfg.IsFailure = func(err error) bool { return !errors.Is(err, benign) }

	b := New("test", cfg, logger)

	// Misses and cancellations pass through without tripping.
	for i := 0; i < 10; i++ {
		if err := b.Execute(func() error { return benign }); !errors.Is(err, benign) {
			t.Fatalf("expected benign error passthrough, got %v", err)
		}
	}
	if err := b.Execute(func() error { return context.Canceled }); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation passthrough, got %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("expected closed, got %s", b.State())
	}

	// Real failures still count.
	for i := 0; i < 2; i++ {
		b.Execute(func() error { return errors.New("hard down") })
	}
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %s", b.State())
	}
}

func TestBreakerCounts(t *testing.T) {
	logger := zaptest.NewLogger(t)
	b := New("test", DefaultConfig(), logger)

	b.Execute(func() error { return nil })
	b.Execute(func() error { return errors.New("bad") })
	b.Execute(func() error { return nil })

	counts := b.Counts()
	if counts.Requests != 3 {
		t.Errorf("expected 3 requests, got %d", counts.Requests)
	}
	if counts.TotalSuccesses != 2 {
		t.Errorf("expected 2 successes, got %d", counts.TotalSuccesses)
	}
	if counts.TotalFailures != 1 {
		t.Errorf("expected 1 failure, got %d", counts.TotalFailures)
	}
}
