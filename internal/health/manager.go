package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Manager runs registered probes on demand and on a background cadence,
// keeping the last readings for cheap cached queries.
type Manager struct {
	interval time.Duration
	log      *zap.Logger

	mu       sync.RWMutex
	checkers map[string]Checker
	last     map[string]Result
	started  bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewManager creates a manager probing every interval once started.
func NewManager(interval time.Duration, logger *zap.Logger) *Manager {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Manager{
		interval: interval,
		log:      logger,
		checkers: make(map[string]Checker),
		last:     make(map[string]Result),
		stopCh:   make(chan struct{}),
	}
}

// Register adds a probe. Names must be unique.
func (m *Manager) Register(c Checker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := c.Name()
	if name == "" {
		return fmt.Errorf("health: checker name cannot be empty")
	}
	if _, exists := m.checkers[name]; exists {
		return fmt.Errorf("health: checker %s already registered", name)
	}
	m.checkers[name] = c
	m.log.Info("Health probe registered",
		zap.String("component", name),
		zap.Bool("critical", c.Critical()))
	return nil
}

// Start arms the background refresh loop.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	m.wg.Add(1)
	go m.loop()
	m.log.Info("Health manager started", zap.Duration("interval", m.interval))
}

// Stop halts the background loop. Probe-on-demand keeps working.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	close(m.stopCh)
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Manager) loop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.interval)
			m.Refresh(ctx)
			cancel()
		}
	}
}

// Refresh runs every probe and updates the cache.
func (m *Manager) Refresh(ctx context.Context) map[string]Result {
	m.mu.RLock()
	checkers := make([]Checker, 0, len(m.checkers))
	for _, c := range m.checkers {
		checkers = append(checkers, c)
	}
	m.mu.RUnlock()

	results := make(map[string]Result, len(checkers))
	for _, c := range checkers {
		results[c.Name()] = m.probe(ctx, c)
	}

	m.mu.Lock()
	for name, r := range results {
		m.last[name] = r
	}
	m.mu.Unlock()
	return results
}

func (m *Manager) probe(ctx context.Context, c Checker) Result {
	probeCtx, cancel := context.WithTimeout(ctx, c.Timeout())
	defer cancel()

	start := time.Now()
	r := c.Check(probeCtx)
	r.Component = c.Name()
	r.Critical = c.Critical()
	r.LatencyMS = time.Since(start).Milliseconds()
	r.CheckedAt = start.UTC()
	return r
}

// Report probes everything now and aggregates.
func (m *Manager) Report(ctx context.Context) Report {
	return aggregate(m.Refresh(ctx))
}

// Cached aggregates the last background readings without probing.
func (m *Manager) Cached() Report {
	m.mu.RLock()
	results := make(map[string]Result, len(m.last))
	for name, r := range m.last {
		results[name] = r
	}
	m.mu.RUnlock()
	return aggregate(results)
}

// Ready reports whether every critical probe passes.
func (m *Manager) Ready(ctx context.Context) bool {
	return m.Report(ctx).Ready
}

// Live reports process liveness. A responding process is alive even
// when its dependencies are down; restarts cannot fix those.
func (m *Manager) Live() bool { return true }

// aggregate folds probe readings into the service view: a critical
// failure is unhealthy and not ready, anything else short of clean is
// degraded but still ready.
func aggregate(results map[string]Result) Report {
	rep := Report{
		Components: results,
		CheckedAt:  time.Now().UTC(),
		Live:       true,
	}
	if len(results) == 0 {
		rep.Status = StatusUnknown
		rep.Message = "no probes registered"
		return rep
	}

	criticalDown := 0
	for _, r := range results {
		rep.Summary.Total++
		switch r.Status {
		case StatusHealthy:
			rep.Summary.Healthy++
		case StatusDegraded:
			rep.Summary.Degraded++
		case StatusUnhealthy:
			rep.Summary.Unhealthy++
			if r.Critical {
				criticalDown++
			}
		}
	}

	switch {
	case criticalDown > 0:
		rep.Status = StatusUnhealthy
		rep.Message = fmt.Sprintf("%d critical component(s) failing", criticalDown)
	case rep.Summary.Unhealthy > 0:
		rep.Status = StatusDegraded
		rep.Ready = true
		rep.Message = fmt.Sprintf("%d non-critical component(s) failing", rep.Summary.Unhealthy)
	case rep.Summary.Degraded > 0:
		rep.Status = StatusDegraded
		rep.Ready = true
		rep.Message = fmt.Sprintf("%d component(s) degraded", rep.Summary.Degraded)
	default:
		rep.Status = StatusHealthy
		rep.Ready = true
		rep.Message = fmt.Sprintf("all %d components healthy", rep.Summary.Total)
	}
	return rep
}
