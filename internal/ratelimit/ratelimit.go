// Package ratelimit tracks per-endpoint request windows and decides how
// long a caller must wait before hitting the site again. The registry is
// in-memory and advisory: observed response metadata is always the
// authority, and windows are mirrored to the state store best-effort so
// a restart does not begin with a blind burst.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/talonhq/talon/internal/config"
	"github.com/talonhq/talon/internal/faults"
	"github.com/talonhq/talon/internal/metrics"
	"github.com/talonhq/talon/internal/store"
)

// Strategy selects what Throttle does when a window is exhausted.
type Strategy string

const (
	// StrategyWait sleeps until the window resets, capped by WaitCap.
	StrategyWait Strategy = "wait"
	// StrategyError propagates a RateLimited failure without sleeping.
	StrategyError Strategy = "error"
	// StrategyAdaptive paces calls across the window and halves the
	// pace every time the site pushes back.
	StrategyAdaptive Strategy = "adaptive"
)

// minPaceFactor floors adaptive halving so the pace never reaches zero.
const minPaceFactor = 1.0 / 16

// Window is the per-endpoint counter updated from observed responses.
type Window struct {
	Endpoint  string    `json:"endpoint"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// Exhausted reports whether the window has no budget left at t.
func (w Window) Exhausted(t time.Time) bool {
	return w.Remaining <= 0 && t.Before(w.ResetAt)
}

type entry struct {
	window  Window
	limiter *rate.Limiter
	factor  float64
}

// Registry maintains one window per endpoint.
type Registry struct {
	logger   *zap.Logger
	store    *store.Store // nil disables persistence
	strategy Strategy
	waitCap  time.Duration
	defaults Defaults

	mu      sync.Mutex
	entries map[string]*entry
}

// New builds a registry. The store may be nil; windows then live only in
// process memory.
func New(cfg config.RateConfig, defaults Defaults, st *store.Store, logger *zap.Logger) *Registry {
	return &Registry{
		logger:   logger,
		store:    st,
		strategy: Strategy(cfg.Strategy),
		waitCap:  cfg.WaitCap,
		defaults: defaults,
		entries:  make(map[string]*entry),
	}
}

// Check returns the wait required before the next call to endpoint.
// Zero means the call is permitted now.
func (r *Registry) Check(ctx context.Context, endpoint string) time.Duration {
	now := time.Now()
	r.mu.Lock()
	e := r.ensureLocked(ctx, endpoint, now)
	var wait time.Duration
	if e.window.Exhausted(now) {
		wait = e.window.ResetAt.Sub(now)
	}
	r.mu.Unlock()
	return wait
}

// Throttle blocks per the configured strategy until a call to endpoint
// is permitted. It returns a RateLimited failure when the strategy is
// "error" and the window is exhausted, or when the required wait
// exceeds the configured cap.
func (r *Registry) Throttle(ctx context.Context, endpoint string) error {
	wait := r.Check(ctx, endpoint)

	if wait > 0 {
		switch {
		case r.strategy == StrategyError:
			return faults.Newf(faults.KindRateLimited, "throttle",
				"endpoint %s exhausted for %s", endpoint, wait.Round(time.Second))
		case wait > r.waitCap:
			return faults.Newf(faults.KindRateLimited, "throttle",
				"endpoint %s wait %s exceeds cap %s", endpoint, wait.Round(time.Second), r.waitCap)
		}

		r.logger.Debug("Rate window exhausted, waiting",
			zap.String("endpoint", endpoint),
			zap.Duration("wait", wait),
		)
		metrics.RateWaits.WithLabelValues(endpoint).Inc()
		start := time.Now()
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
		metrics.RateWaitDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}

	if r.strategy == StrategyAdaptive {
		r.mu.Lock()
		limiter := r.ensureLocked(ctx, endpoint, time.Now()).limiter
		r.mu.Unlock()
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// RecordResponse updates the endpoint's window from observed response
// metadata. Authoritative: it overwrites whatever the registry assumed.
func (r *Registry) RecordResponse(ctx context.Context, endpoint string, limit, remaining int, resetAt time.Time) {
	now := time.Now()
	r.mu.Lock()
	e := r.ensureLocked(ctx, endpoint, now)
	e.window.Limit = limit
	e.window.Remaining = remaining
	e.window.ResetAt = resetAt
	e.retune(now)
	w := e.window
	r.mu.Unlock()

	r.persist(ctx, w)
}

// OnRateLimited records an externally observed limit hit: the window is
// marked exhausted until retryAfter elapses (or its existing reset when
// retryAfter is zero). Under the adaptive strategy the pace is halved.
func (r *Registry) OnRateLimited(ctx context.Context, endpoint string, retryAfter time.Duration) {
	now := time.Now()
	r.mu.Lock()
	e := r.ensureLocked(ctx, endpoint, now)
	e.window.Remaining = 0
	if retryAfter > 0 {
		e.window.ResetAt = now.Add(retryAfter)
	} else if !now.Before(e.window.ResetAt) {
		e.window.ResetAt = now.Add(r.defaults.For(endpoint).Window())
	}
	if r.strategy == StrategyAdaptive {
		e.factor /= 2
		if e.factor < minPaceFactor {
			e.factor = minPaceFactor
		}
		e.retune(now)
	}
	w := e.window
	r.mu.Unlock()

	metrics.RateLimitHits.WithLabelValues(endpoint).Inc()
	r.logger.Warn("Rate limit observed",
		zap.String("endpoint", endpoint),
		zap.Duration("retry_after", retryAfter),
		zap.Time("reset_at", w.ResetAt),
	)
	r.persist(ctx, w)
}

// SetDefaults swaps the seed table, for hot reload. Live windows keep
// their observed state; the new seeds apply when a window next rolls
// over or an endpoint is first seen.
func (r *Registry) SetDefaults(d Defaults) {
	r.mu.Lock()
	r.defaults = d
	r.mu.Unlock()
	r.logger.Info("Rate limit defaults replaced",
		zap.Int("endpoints", len(d.Endpoints)))
}

// Snapshot returns a copy of every live window, for stats endpoints.
func (r *Registry) Snapshot() []Window {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Window, 0, len(r.entries))
	for _, e := range r.entries {
		if !now.Before(e.window.ResetAt) {
			continue // auto-forgotten
		}
		out = append(out, e.window)
	}
	return out
}

// ensureLocked returns the entry for endpoint, seeding or rolling it as
// needed. Windows whose reset has passed are forgotten and reseeded
// from defaults. Caller holds r.mu.
func (r *Registry) ensureLocked(ctx context.Context, endpoint string, now time.Time) *entry {
	e, ok := r.entries[endpoint]
	if ok && now.Before(e.window.ResetAt) {
		return e
	}

	if !ok {
		if w, found := r.hydrate(ctx, endpoint); found && now.Before(w.ResetAt) {
			e = &entry{window: w, factor: 1}
			e.retune(now)
			r.entries[endpoint] = e
			return e
		}
	}

	d := r.defaults.For(endpoint)
	fresh := Window{
		Endpoint:  endpoint,
		Limit:     d.Limit,
		Remaining: d.Limit,
		ResetAt:   now.Add(d.Window()),
	}
	if e == nil {
		e = &entry{factor: 1}
		r.entries[endpoint] = e
	}
	e.window = fresh
	e.retune(now)
	return e
}

// retune repaces the adaptive limiter to spread the remaining budget
// over the time left in the window.
func (e *entry) retune(now time.Time) {
	left := e.window.ResetAt.Sub(now).Seconds()
	if left <= 0 || e.window.Limit <= 0 {
		e.limiter = nil
		return
	}
	budget := float64(e.window.Remaining)
	if budget < 1 {
		budget = 1
	}
	e.limiter = rate.NewLimiter(rate.Limit(e.factor*budget/left), 1)
}

// hydrate reads a persisted window. Best effort: errors read as absent.
func (r *Registry) hydrate(ctx context.Context, endpoint string) (Window, bool) {
	if r.store == nil {
		return Window{}, false
	}
	var w Window
	if err := r.store.Get(ctx, store.RateKey(endpoint), &w); err != nil {
		return Window{}, false
	}
	return w, true
}

// persist mirrors the window to the store with TTL equal to the time
// left in the window. Best effort; failures are logged and dropped.
func (r *Registry) persist(ctx context.Context, w Window) {
	if r.store == nil {
		return
	}
	ttl := time.Until(w.ResetAt)
	if ttl <= 0 {
		return
	}
	if err := r.store.Set(ctx, store.RateKey(w.Endpoint), w, ttl); err != nil {
		r.logger.Debug("Failed to persist rate window", zap.String("endpoint", w.Endpoint), zap.Error(err))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
