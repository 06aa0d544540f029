// Package quota enforces the per-kind daily action caps. Counters live in
// the state store keyed by local date, so they survive restarts and roll
// over at the agent's local midnight without any reset job.
package quota

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/talonhq/talon/internal/config"
	"github.com/talonhq/talon/internal/metrics"
	"github.com/talonhq/talon/internal/store"
)

// counterTTL outlives the day it counts; the date in the key does the
// actual rollover.
const counterTTL = 48 * time.Hour

// Usage reports one kind's spend against its cap.
type Usage struct {
	Kind  string `json:"kind"`
	Used  int64  `json:"used"`
	Limit int    `json:"limit"`
}

// Ledger answers "may the agent still do this today". Budgets are scoped
// to one owner; concurrent agents each carry their own ledger. The owning
// orchestrator is the only spender and acts serially, so
// check-then-increment needs no cross-process atomicity.
type Ledger struct {
	owner  string
	store  *store.Store
	logger *zap.Logger
	loc    *time.Location
	limits map[string]int

	// now is swappable so tests can pin the date.
	now func() time.Time
}

// New builds a ledger for one agent from its daily_limits table.
func New(owner string, cfg config.AgentConfig, st *store.Store, logger *zap.Logger) *Ledger {
	limits := make(map[string]int, len(cfg.DailyLimits))
	for k, v := range cfg.DailyLimits {
		limits[k] = v
	}
	return &Ledger{
		owner:  owner,
		store:  st,
		logger: logger,
		loc:    cfg.Location(),
		limits: limits,
		now:    time.Now,
	}
}

// Day returns the local date bucket in force right now.
func (l *Ledger) Day() string {
	return l.now().In(l.loc).Format("2006-01-02")
}

// Limit returns the configured cap for kind. ok is false when the kind is
// uncapped.
func (l *Ledger) Limit(kind string) (int, bool) {
	n, ok := l.limits[kind]
	return n, ok
}

// Used returns today's spend for kind.
func (l *Ledger) Used(ctx context.Context, kind string) (int64, error) {
	return l.store.GetInt(ctx, store.QuotaKey(l.owner, kind, l.Day()))
}

// Allow reports whether one more action of kind fits today's budget. An
// unconfigured kind is uncapped; a zero or negative cap disables the kind.
func (l *Ledger) Allow(ctx context.Context, kind string) (bool, error) {
	limit, capped := l.limits[kind]
	if !capped {
		return true, nil
	}
	if limit <= 0 {
		return false, nil
	}
	used, err := l.Used(ctx, kind)
	if err != nil {
		return false, err
	}
	return used < int64(limit), nil
}

// Spend records one performed action of kind.
func (l *Ledger) Spend(ctx context.Context, kind string) error {
	n, err := l.store.Incr(ctx, store.QuotaKey(l.owner, kind, l.Day()), counterTTL)
	if err != nil {
		return err
	}
	if limit, capped := l.limits[kind]; capped && n >= int64(limit) {
		l.logger.Info("Daily quota reached",
			zap.String("owner", l.owner),
			zap.String("kind", kind),
			zap.Int64("used", n),
			zap.Int("limit", limit),
		)
	}
	return nil
}

// TrySpend combines the budget check with the spend. It returns false,
// and counts the refusal, when the kind's budget is gone.
func (l *Ledger) TrySpend(ctx context.Context, kind string) (bool, error) {
	ok, err := l.Allow(ctx, kind)
	if err != nil {
		return false, err
	}
	if !ok {
		metrics.QuotaExhausted.WithLabelValues(kind).Inc()
		return false, nil
	}
	return true, l.Spend(ctx, kind)
}

// Exhausted reports whether every capped kind is out of budget. With no
// caps configured it is never exhausted.
func (l *Ledger) Exhausted(ctx context.Context) (bool, error) {
	if len(l.limits) == 0 {
		return false, nil
	}
	for kind, limit := range l.limits {
		if limit <= 0 {
			continue
		}
		used, err := l.Used(ctx, kind)
		if err != nil {
			return false, err
		}
		if used < int64(limit) {
			return false, nil
		}
	}
	return true, nil
}

// Snapshot returns today's usage for every capped kind, sorted by kind.
func (l *Ledger) Snapshot(ctx context.Context) ([]Usage, error) {
	out := make([]Usage, 0, len(l.limits))
	for kind, limit := range l.limits {
		used, err := l.Used(ctx, kind)
		if err != nil {
			return nil, err
		}
		out = append(out, Usage{Kind: kind, Used: used, Limit: limit})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out, nil
}
