// Package circuitbreaker guards calls to external backends so a dead
// dependency fails fast instead of stalling every poll tick behind its
// timeout. The state store runs all Redis commands through one.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/talonhq/talon/internal/metrics"
)

// State represents the breaker state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

var (
	// ErrOpen is returned without invoking the wrapped call while the
	// breaker is open.
	ErrOpen = errors.New("circuit breaker is open")
	// ErrHalfOpenSaturated is returned when the half-open probe budget
	// is already in flight.
	ErrHalfOpenSaturated = errors.New("circuit breaker half-open saturated")
)

// Config tunes a Breaker.
type Config struct {
	// HalfOpenMax caps concurrent probe calls in half-open state.
	HalfOpenMax uint32
	// CountWindow resets closed-state counters so old failures age out.
	CountWindow time.Duration
	// Cooldown is how long the breaker stays open before probing.
	Cooldown time.Duration
	// FailureThreshold is the consecutive-failure count that trips the
	// breaker open.
	FailureThreshold uint32
	// SuccessThreshold is the consecutive-success count in half-open
	// state that closes the breaker.
	SuccessThreshold uint32
	// IsFailure classifies errors. Misses and caller cancellations must
	// not count against the backend; nil means "any non-nil error".
	IsFailure func(error) bool
}

// DefaultConfig returns the tuning used for talond backends.
func DefaultConfig() Config {
	return Config{
		HalfOpenMax:      3,
		CountWindow:      60 * time.Second,
		Cooldown:         10 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
	}
}

// Counts holds rolling statistics for the current generation.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// Breaker implements a generation-counted circuit breaker. Each state
// transition bumps the generation so results from calls started before
// the transition cannot corrupt the new state's counters.
type Breaker struct {
	name   string
	cfg    Config
	logger *zap.Logger

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
}

// New creates a Breaker. The name labels log lines and metrics.
func New(name string, cfg Config, logger *zap.Logger) *Breaker {
	b := &Breaker{
		name:   name,
		cfg:    cfg,
		logger: logger,
		state:  StateClosed,
		expiry: time.Now().Add(cfg.CountWindow),
	}
	metrics.BreakerState.WithLabelValues(name).Set(float64(StateClosed))
	return b
}

// Execute runs fn if the breaker admits the call. When the breaker is
// open the call is rejected with ErrOpen and fn is never invoked.
func (b *Breaker) Execute(fn func() error) error {
	generation, err := b.before()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			b.after(generation, false)
			panic(r)
		}
	}()

	err = fn()
	b.after(generation, !b.isFailure(err))
	return err
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, _ := b.currentState(time.Now())
	return state
}

// Counts returns the current generation's statistics.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

func (b *Breaker) isFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if b.cfg.IsFailure != nil {
		return b.cfg.IsFailure(err)
	}
	return true
}

func (b *Breaker) before() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, generation := b.currentState(now)

	switch {
	case state == StateOpen:
		return generation, ErrOpen
	case state == StateHalfOpen && b.counts.Requests >= b.cfg.HalfOpenMax:
		return generation, ErrHalfOpenSaturated
	}

	b.counts.Requests++
	return generation, nil
}

func (b *Breaker) after(before uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, generation := b.currentState(now)
	if generation != before {
		return
	}

	if success {
		b.onSuccess(state, now)
	} else {
		b.onFailure(state, now)
	}
}

func (b *Breaker) currentState(now time.Time) (State, uint64) {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.newGeneration(now)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.setState(StateHalfOpen, now)
		}
	}
	return b.state, b.generation
}

func (b *Breaker) onSuccess(state State, now time.Time) {
	switch state {
	case StateClosed:
		b.counts.TotalSuccesses++
		b.counts.ConsecutiveSuccesses++
		b.counts.ConsecutiveFailures = 0
	case StateHalfOpen:
		b.counts.TotalSuccesses++
		b.counts.ConsecutiveSuccesses++
		if b.counts.ConsecutiveSuccesses >= b.cfg.SuccessThreshold {
			b.setState(StateClosed, now)
		}
	}
}

func (b *Breaker) onFailure(state State, now time.Time) {
	switch state {
	case StateClosed:
		b.counts.TotalFailures++
		b.counts.ConsecutiveFailures++
		b.counts.ConsecutiveSuccesses = 0
		if b.counts.ConsecutiveFailures >= b.cfg.FailureThreshold {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}

	prev := b.state
	b.state = state
	b.newGeneration(now)

	metrics.BreakerState.WithLabelValues(b.name).Set(float64(state))
	if state == StateOpen {
		metrics.BreakerOpens.WithLabelValues(b.name).Inc()
	}

	b.logger.Info("Circuit breaker state changed",
		zap.String("name", b.name),
		zap.String("from", prev.String()),
		zap.String("to", state.String()),
	)
}

func (b *Breaker) newGeneration(now time.Time) {
	b.generation++
	b.counts = Counts{}

	switch b.state {
	case StateClosed:
		if b.cfg.CountWindow == 0 {
			b.expiry = time.Time{}
		} else {
			b.expiry = now.Add(b.cfg.CountWindow)
		}
	case StateOpen:
		b.expiry = now.Add(b.cfg.Cooldown)
	default: // half-open has no expiry; it resolves via probe results
		b.expiry = time.Time{}
	}
}
