package browser

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/talonhq/talon/internal/config"
	"github.com/talonhq/talon/internal/faults"
	"github.com/talonhq/talon/internal/metrics"
)

// Pool owns every browser handle in the process. Callers acquire page
// leases; the pool launches handles on demand up to the configured
// ceiling, evicts aged or disconnected handles, and serves waiters in
// FIFO order.
//
// Lock ordering: p.mu is never held across driver I/O (launch, page
// open/close, health pings).
type Pool struct {
	cfg    config.PoolConfig
	driver Driver
	logger *zap.Logger

	// init, when set, runs once per freshly launched handle before it
	// serves pages. Session restore installs cookies here.
	init func(context.Context, Handle) error

	mu        sync.Mutex
	handles   []*poolHandle
	launching int
	waiters   *list.List
	closed    bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

type poolHandle struct {
	id        string
	driver    Handle
	createdAt time.Time
	pages     int
	idleSince time.Time
	broken    bool
}

type waiter struct {
	ready chan struct{}
}

// Lease grants exclusive use of one page until released.
type Lease struct {
	ID         string
	AcquiredAt time.Time

	page     Page
	handle   *poolHandle
	pool     *Pool
	released atomic.Bool
}

// Page returns the leased page.
func (l *Lease) Page() Page { return l.page }

// HandleID identifies the handle backing this lease.
func (l *Lease) HandleID() string { return l.handle.id }

// Handle exposes the driver handle backing this lease. Session
// persistence reads cookies through it.
func (l *Lease) Handle() Handle { return l.handle.driver }

// Release closes the page and returns capacity to the pool. Safe to
// call more than once.
func (l *Lease) Release() { l.pool.Release(l) }

// Stats is a point-in-time view of the pool.
type Stats struct {
	Handles     int   `json:"handles"`
	PagesOpen   int   `json:"pages_open"`
	MaxHandles  int   `json:"max_handles"`
	OldestAgeMS int64 `json:"oldest_age_ms"`
	Waiting     int   `json:"waiting"`
}

// NewPool creates the pool and starts its maintenance loop. No handles
// are launched until the first acquire.
func NewPool(cfg config.PoolConfig, driver Driver, logger *zap.Logger) *Pool {
	p := &Pool{
		cfg:     cfg,
		driver:  driver,
		logger:  logger,
		waiters: list.New(),
		stopCh:  make(chan struct{}),
	}
	p.wg.Add(1)
	go p.maintain()
	return p
}

// OnHandleLaunch registers a hook run on every new handle before it
// serves its first page. Must be set before the first acquire.
func (p *Pool) OnHandleLaunch(fn func(context.Context, Handle) error) {
	p.init = fn
}

// Acquire blocks until a page is free or the acquire timeout elapses.
// The caller's context cancels the wait early.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	defer cancel()

	var w *waiter
	var elem *list.Element
	failures := 0

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, faults.New(faults.KindFatal, "acquire_page", "browser pool is closed")
		}

		// Existing handle with page capacity.
		if h := p.pickLocked(); h != nil {
			h.pages++
			p.updateGaugesLocked()
			p.mu.Unlock()

			page, err := h.driver.NewPage(ctx)
			if err != nil {
				p.mu.Lock()
				h.pages--
				h.broken = true
				p.signalLocked(1)
				p.updateGaugesLocked()
				p.mu.Unlock()
				p.logger.Warn("Failed to open page, handle marked broken",
					zap.String("handle_id", h.id), zap.Error(err))
				if failures++; failures >= 3 {
					return nil, faults.Classify("acquire_page", err)
				}
				continue
			}
			metrics.PoolAcquireWait.Observe(time.Since(start).Seconds())
			return p.newLease(h, page), nil
		}

		// Room to launch a fresh handle.
		if len(p.handles)+p.launching < p.cfg.MaxHandles {
			p.launching++
			p.mu.Unlock()

			lease, err := p.launchAndLease(ctx)
			if err != nil {
				if faults.IsKind(err, faults.KindPoolTimeout) || errors.Is(err, context.Canceled) {
					return nil, err
				}
				p.logger.Warn("Browser launch failed", zap.Error(err))
				if failures++; failures >= 3 {
					return nil, err
				}
				continue
			}
			metrics.PoolAcquireWait.Observe(time.Since(start).Seconds())
			return lease, nil
		}

		// Full: wait for capacity, FIFO.
		if w == nil {
			w = &waiter{ready: make(chan struct{})}
			elem = p.waiters.PushBack(w)
		} else {
			// Woken but lost the race; keep our place at the front.
			w.ready = make(chan struct{})
			elem = p.waiters.PushFront(w)
		}
		p.mu.Unlock()

		select {
		case <-w.ready:
			continue
		case <-ctx.Done():
			p.mu.Lock()
			p.removeWaiterLocked(elem, w)
			p.mu.Unlock()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				metrics.PoolTimeouts.Inc()
				return nil, faults.Newf(faults.KindPoolTimeout, "acquire_page",
					"no page free within %s", p.cfg.AcquireTimeout)
			}
			return nil, ctx.Err()
		}
	}
}

// launchAndLease starts a handle, runs the init hook, registers it with
// one page reserved, and opens that page. The launching slot was
// already reserved by the caller.
func (p *Pool) launchAndLease(ctx context.Context) (*Lease, error) {
	giveBack := func() {
		p.mu.Lock()
		p.launching--
		p.signalLocked(1)
		p.mu.Unlock()
	}

	h, err := p.driver.Launch(ctx)
	if err != nil {
		giveBack()
		if errors.Is(err, context.DeadlineExceeded) {
			metrics.PoolTimeouts.Inc()
			return nil, faults.New(faults.KindPoolTimeout, "acquire_page", "browser launch exceeded acquire timeout")
		}
		return nil, faults.Classify("acquire_page", err)
	}

	if p.init != nil {
		if err := p.init(ctx, h); err != nil {
			h.Close()
			giveBack()
			return nil, faults.Classify("acquire_page", err)
		}
	}

	ph := &poolHandle{
		id:        uuid.NewString()[:8],
		driver:    h,
		createdAt: time.Now(),
		pages:     1,
	}

	p.mu.Lock()
	if p.closed {
		p.launching--
		p.mu.Unlock()
		h.Close()
		return nil, faults.New(faults.KindFatal, "acquire_page", "browser pool is closed")
	}
	p.launching--
	p.handles = append(p.handles, ph)
	// The new handle has free slots beyond ours; let waiters at them.
	p.signalLocked(p.cfg.MaxPagesPerHandle - 1)
	p.updateGaugesLocked()
	p.mu.Unlock()

	p.logger.Info("Browser handle launched", zap.String("handle_id", ph.id))

	page, err := h.NewPage(ctx)
	if err != nil {
		p.mu.Lock()
		ph.pages--
		ph.broken = true
		p.signalLocked(1)
		p.updateGaugesLocked()
		p.mu.Unlock()
		return nil, faults.Classify("acquire_page", err)
	}
	return p.newLease(ph, page), nil
}

func (p *Pool) newLease(h *poolHandle, page Page) *Lease {
	return &Lease{
		ID:         uuid.NewString(),
		AcquiredAt: time.Now(),
		page:       page,
		handle:     h,
		pool:       p,
	}
}

// Release closes the leased page, frees its slot, and evicts the
// backing handle if it aged out or broke while the lease was live.
func (p *Pool) Release(l *Lease) {
	if l == nil || !l.released.CompareAndSwap(false, true) {
		return
	}
	if err := l.page.Close(); err != nil {
		p.logger.Debug("Page close failed", zap.String("handle_id", l.handle.id), zap.Error(err))
	}

	var evict *poolHandle
	reason := ""

	p.mu.Lock()
	h := l.handle
	h.pages--
	if p.closed {
		// Close() already owns handle teardown.
		p.mu.Unlock()
		return
	}
	if h.pages == 0 {
		h.idleSince = time.Now()
		switch {
		case h.broken:
			reason = "disconnected"
		case time.Since(h.createdAt) > p.cfg.HandleMaxAge:
			reason = "age"
		}
		if reason != "" {
			p.removeLocked(h)
			evict = h
		}
	}
	p.signalLocked(1)
	p.updateGaugesLocked()
	p.mu.Unlock()

	if evict != nil {
		p.destroy(evict, reason)
	}
}

// Stats reports the pool's current shape.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{
		Handles:    len(p.handles),
		MaxHandles: p.cfg.MaxHandles,
		Waiting:    p.waiters.Len(),
	}
	now := time.Now()
	for _, h := range p.handles {
		s.PagesOpen += h.pages
		if age := now.Sub(h.createdAt); age.Milliseconds() > s.OldestAgeMS {
			s.OldestAgeMS = age.Milliseconds()
		}
	}
	return s
}

// Close tears the pool down: waiters fail fast, maintenance stops, and
// every handle is destroyed.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for e := p.waiters.Front(); e != nil; e = e.Next() {
		close(e.Value.(*waiter).ready)
	}
	p.waiters.Init()
	handles := p.handles
	p.handles = nil
	p.updateGaugesLocked()
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()

	for _, h := range handles {
		if err := h.driver.Close(); err != nil {
			p.logger.Warn("Handle close failed", zap.String("handle_id", h.id), zap.Error(err))
		}
		metrics.PoolHandlesEvicted.WithLabelValues("shutdown").Inc()
	}
	p.logger.Info("Browser pool closed", zap.Int("handles", len(handles)))
	return nil
}

// pickLocked returns a usable handle or nil. Caller holds p.mu.
func (p *Pool) pickLocked() *poolHandle {
	now := time.Now()
	for _, h := range p.handles {
		if h.broken {
			continue
		}
		if now.Sub(h.createdAt) >= p.cfg.HandleMaxAge {
			continue
		}
		if h.pages < p.cfg.MaxPagesPerHandle {
			return h
		}
	}
	return nil
}

// signalLocked wakes up to n FIFO waiters. Caller holds p.mu.
func (p *Pool) signalLocked(n int) {
	for i := 0; i < n; i++ {
		e := p.waiters.Front()
		if e == nil {
			return
		}
		p.waiters.Remove(e)
		close(e.Value.(*waiter).ready)
	}
}

// removeWaiterLocked drops a cancelled waiter; if it had already been
// woken, the wake is passed on so capacity is not lost.
func (p *Pool) removeWaiterLocked(elem *list.Element, w *waiter) {
	p.waiters.Remove(elem)
	select {
	case <-w.ready:
		p.signalLocked(1)
	default:
	}
}

func (p *Pool) removeLocked(h *poolHandle) {
	for i, cand := range p.handles {
		if cand == h {
			last := len(p.handles) - 1
			p.handles[i] = p.handles[last]
			p.handles = p.handles[:last]
			return
		}
	}
}

func (p *Pool) destroy(h *poolHandle, reason string) {
	if err := h.driver.Close(); err != nil {
		p.logger.Debug("Handle close failed", zap.String("handle_id", h.id), zap.Error(err))
	}
	metrics.PoolHandlesEvicted.WithLabelValues(reason).Inc()
	p.logger.Info("Browser handle evicted",
		zap.String("handle_id", h.id),
		zap.String("reason", reason),
	)
}

// maintain prunes disconnected handles and evicts idle aged ones at
// least once a second.
func (p *Pool) maintain() {
	defer p.wg.Done()
	interval := p.cfg.MaintainInterval
	if interval <= 0 || interval > time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

func (p *Pool) sweep() {
	p.mu.Lock()
	snapshot := make([]*poolHandle, len(p.handles))
	copy(snapshot, p.handles)
	p.mu.Unlock()

	// Health pings happen outside the lock.
	dead := make(map[*poolHandle]bool, len(snapshot))
	for _, h := range snapshot {
		if !h.driver.Connected() {
			dead[h] = true
		}
	}

	var evict []*poolHandle
	var reasons []string

	p.mu.Lock()
	now := time.Now()
	for _, h := range snapshot {
		if dead[h] {
			h.broken = true
		}
		if h.pages > 0 {
			continue // evicted on release
		}
		switch {
		case h.broken:
			p.removeLocked(h)
			evict = append(evict, h)
			reasons = append(reasons, "disconnected")
		case now.Sub(h.createdAt) > p.cfg.HandleMaxAge:
			p.removeLocked(h)
			evict = append(evict, h)
			reasons = append(reasons, "age")
		}
	}
	p.signalLocked(len(evict))
	p.updateGaugesLocked()
	p.mu.Unlock()

	for i, h := range evict {
		p.destroy(h, reasons[i])
	}
}

func (p *Pool) updateGaugesLocked() {
	pages := 0
	for _, h := range p.handles {
		pages += h.pages
	}
	metrics.PoolHandles.Set(float64(len(p.handles)))
	metrics.PoolPagesOpen.Set(float64(pages))
}
