package health

import (
	"context"
	"fmt"
	"time"

	"github.com/talonhq/talon/internal/browser"
	"github.com/talonhq/talon/internal/history"
	"github.com/talonhq/talon/internal/store"
	"github.com/talonhq/talon/internal/stream"
)

// slowPing marks a dependency as degraded when it answers but takes
// this long about it.
const slowPing = 100 * time.Millisecond

// StoreChecker pings Redis. The store is critical: stream records,
// quotas, seen rings and poll locks all live there.
type StoreChecker struct {
	st *store.Store
}

func NewStoreChecker(st *store.Store) *StoreChecker { return &StoreChecker{st: st} }

func (c *StoreChecker) Name() string           { return "store" }
func (c *StoreChecker) Critical() bool         { return true }
func (c *StoreChecker) Timeout() time.Duration { return 5 * time.Second }

func (c *StoreChecker) Check(ctx context.Context) Result {
	start := time.Now()
	err := c.st.Ping(ctx)
	took := time.Since(start)
	r := Result{Details: map[string]any{"ping_ms": took.Milliseconds()}}
	if err != nil {
		r.Status = StatusUnhealthy
		r.Message = "store ping failed"
		r.Error = err.Error()
		return r
	}
	if took > slowPing {
		r.Status = StatusDegraded
		r.Message = "store responding slowly"
		return r
	}
	r.Status = StatusHealthy
	r.Message = "store reachable"
	return r
}

// HistoryChecker pings the audit database. Losing history degrades the
// service but never blocks it; agents and streams keep running.
type HistoryChecker struct {
	rec *history.Recorder
}

func NewHistoryChecker(rec *history.Recorder) *HistoryChecker { return &HistoryChecker{rec: rec} }

func (c *HistoryChecker) Name() string           { return "history" }
func (c *HistoryChecker) Critical() bool         { return false }
func (c *HistoryChecker) Timeout() time.Duration { return 5 * time.Second }

func (c *HistoryChecker) Check(ctx context.Context) Result {
	r := Result{Details: map[string]any{"queue_depth": c.rec.QueueDepth()}}
	if err := c.rec.Ping(ctx); err != nil {
		r.Status = StatusUnhealthy
		r.Message = "history database unreachable"
		r.Error = err.Error()
		return r
	}
	r.Status = StatusHealthy
	r.Message = "history database reachable"
	return r
}

// PoolChecker watches browser capacity. Saturation with queued waiters
// reads as degraded; the pool heals itself as leases release and stale
// handles recycle.
type PoolChecker struct {
	pool *browser.Pool
}

func NewPoolChecker(pool *browser.Pool) *PoolChecker { return &PoolChecker{pool: pool} }

func (c *PoolChecker) Name() string           { return "browser_pool" }
func (c *PoolChecker) Critical() bool         { return false }
func (c *PoolChecker) Timeout() time.Duration { return 2 * time.Second }

func (c *PoolChecker) Check(context.Context) Result {
	s := c.pool.Stats()
	r := Result{Details: map[string]any{
		"handles":    s.Handles,
		"pages_open": s.PagesOpen,
		"waiting":    s.Waiting,
	}}
	if s.Waiting > 0 && s.Handles >= s.MaxHandles {
		r.Status = StatusDegraded
		r.Message = fmt.Sprintf("pool saturated, %d waiter(s) queued", s.Waiting)
		return r
	}
	r.Status = StatusHealthy
	r.Message = fmt.Sprintf("%d/%d handles up", s.Handles, s.MaxHandles)
	return r
}

// StreamChecker reports poller fleet state. Streams stuck in backoff
// usually mean the upstream site is throttling or the session died.
type StreamChecker struct {
	mgr *stream.Manager
}

func NewStreamChecker(mgr *stream.Manager) *StreamChecker { return &StreamChecker{mgr: mgr} }

func (c *StreamChecker) Name() string           { return "streams" }
func (c *StreamChecker) Critical() bool         { return false }
func (c *StreamChecker) Timeout() time.Duration { return 5 * time.Second }

func (c *StreamChecker) Check(ctx context.Context) Result {
	stats, err := c.mgr.Stats(ctx)
	if err != nil {
		return Result{
			Status:  StatusUnhealthy,
			Message: "stream registry unreadable",
			Error:   err.Error(),
		}
	}
	r := Result{Details: map[string]any{
		"streams":  stats.Streams,
		"by_state": stats.ByState,
	}}
	if n := stats.ByState[string(stream.StateBackoff)]; n > 0 {
		r.Status = StatusDegraded
		r.Message = fmt.Sprintf("%d stream(s) in backoff", n)
		return r
	}
	r.Status = StatusHealthy
	r.Message = fmt.Sprintf("%d stream(s) tracked", stats.Streams)
	return r
}
