package stream

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/talonhq/talon/internal/browser"
	"github.com/talonhq/talon/internal/events"
	"github.com/talonhq/talon/internal/faults"
	"github.com/talonhq/talon/internal/metrics"
	"github.com/talonhq/talon/internal/store"
)

// Manager owns the stream registry and the armed kernels. All
// management operations go through it; kernels only ever mutate their
// own record.
type Manager struct {
	deps Deps

	rootCtx    context.Context
	rootCancel context.CancelFunc

	mu      sync.Mutex
	kernels map[string]*armedKernel
}

type armedKernel struct {
	k      *Kernel
	cancel context.CancelFunc
}

// GlobalStats is the management-API roll-up.
type GlobalStats struct {
	Streams int            `json:"streams"`
	ByState map[string]int `json:"by_state"`
	ByKind  map[string]int `json:"by_kind"`
	Pool    browser.Stats  `json:"pool"`
}

// NewManager wires the shared collaborators. Deps.OnExit is owned by
// the manager; any value the caller sets is replaced.
func NewManager(deps Deps) *Manager {
	m := &Manager{
		kernels: make(map[string]*armedKernel),
	}
	m.rootCtx, m.rootCancel = context.WithCancel(context.Background())
	deps.OnExit = m.release
	m.deps = deps
	return m
}

// Start replays the persisted registry after a restart: records in
// running or backoff state are re-armed, paused ones wait for Resume,
// stopped ones are left to expire. It also starts the gauge refresher.
func (m *Manager) Start(ctx context.Context) error {
	ids, err := m.deps.Store.SetMembers(ctx, store.StreamsKey)
	if err != nil {
		return err
	}
	// Replay loads in parallel. An expired record just drops out of the
	// registry; a store failure aborts startup.
	var armed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			var rec Stream
			if err := m.deps.Store.Get(gctx, store.StreamKey(id), &rec); err != nil {
				if faults.IsKind(err, faults.KindNotFound) {
					_, _ = m.deps.Store.SetRem(gctx, store.StreamsKey, id)
					return nil
				}
				return err
			}
			switch rec.State {
			case StateRunning, StateBackoff:
				m.arm(rec)
				armed.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	m.deps.Logger.Info("Stream manager started",
		zap.Int("registered", len(ids)),
		zap.Int("armed", int(armed.Load())),
	)
	go m.gaugeLoop()
	return nil
}

// Create registers a new stream and arms its kernel. The first poll
// runs promptly; for tweet and mention streams it emits everything
// currently visible, for follower streams it seeds the baseline
// silently.
func (m *Manager) Create(ctx context.Context, kind Kind, target string, opts Options) (Stream, error) {
	if !kind.Valid() {
		return Stream{}, faults.Newf(faults.KindValidation, "stream.create", "unknown stream kind %q", kind)
	}
	target = strings.TrimPrefix(strings.TrimSpace(target), "@")
	if target == "" {
		return Stream{}, faults.New(faults.KindValidation, "stream.create", "target is required")
	}
	interval := opts.Interval
	if interval == 0 {
		interval = m.deps.Cfg.DefaultInterval
	}
	if interval < m.deps.Cfg.MinInterval || interval > m.deps.Cfg.MaxInterval {
		return Stream{}, faults.Newf(faults.KindValidation, "stream.create",
			"interval %s outside [%s, %s]", interval, m.deps.Cfg.MinInterval, m.deps.Cfg.MaxInterval)
	}
	op := opts.Operation
	if op == "" {
		op = kind.DefaultOperation()
	}
	if !m.deps.Dispatch.Has(op) {
		return Stream{}, faults.Newf(faults.KindValidation, "stream.create", "unknown operation %q", op)
	}

	id := NewID(kind, target)
	idxKey := store.StreamIndexKey(string(kind), target)
	ok, err := m.deps.Store.SetNX(ctx, idxKey, id, m.deps.Store.DefaultTTL())
	if err != nil {
		return Stream{}, err
	}
	if !ok {
		existing, _ := m.deps.Store.GetString(ctx, idxKey)
		return Stream{}, faults.Newf(faults.KindDuplicate, "stream.create",
			"%s stream for %s already exists as %s", kind, target, existing)
	}

	rec := Stream{
		ID:        id,
		Kind:      kind,
		Target:    target,
		Interval:  interval,
		Operation: op,
		State:     StateRunning,
		Owner:     opts.Owner,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.deps.Store.Set(ctx, store.StreamKey(id), rec, m.deps.Store.DefaultTTL()); err != nil {
		_ = m.deps.Store.Del(ctx, idxKey)
		return Stream{}, err
	}
	if _, err := m.deps.Store.SetAdd(ctx, store.StreamsKey, id); err != nil {
		_ = m.deps.Store.Del(ctx, store.StreamKey(id), idxKey)
		return Stream{}, err
	}

	m.arm(rec)
	m.deps.Logger.Info("Stream created",
		zap.String("stream_id", id),
		zap.String("kind", string(kind)),
		zap.String("target", target),
		zap.Duration("interval", interval),
		zap.String("operation", op),
	)
	return rec, nil
}

// Get returns the live snapshot when the kernel is armed, the persisted
// record otherwise.
func (m *Manager) Get(ctx context.Context, id string) (Stream, error) {
	m.mu.Lock()
	rk, ok := m.kernels[id]
	m.mu.Unlock()
	if ok {
		return rk.k.Snapshot(), nil
	}
	return m.load(ctx, id)
}

// List returns every registered stream sorted by creation time.
func (m *Manager) List(ctx context.Context) ([]Stream, error) {
	ids, err := m.deps.Store.SetMembers(ctx, store.StreamsKey)
	if err != nil {
		return nil, err
	}
	out := make([]Stream, 0, len(ids))
	for _, id := range ids {
		rec, err := m.Get(ctx, id)
		if err != nil {
			if faults.IsKind(err, faults.KindNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Pause disarms the kernel and marks the record paused. Rings and
// baselines are kept so Resume picks up where the stream left off.
func (m *Manager) Pause(ctx context.Context, id string) (Stream, error) {
	m.stopKernel(id)
	rec, err := m.load(ctx, id)
	if err != nil {
		return Stream{}, err
	}
	if rec.State == StateStopped {
		return Stream{}, faults.Newf(faults.KindValidation, "stream.pause", "stream %s is stopped", id)
	}
	rec.State = StatePaused
	rec.BackoffUntil = time.Time{}
	if err := m.persist(ctx, rec); err != nil {
		return Stream{}, err
	}
	m.deps.Logger.Info("Stream paused", zap.String("stream_id", id))
	return rec, nil
}

// Resume re-arms a paused stream with a clean error slate.
func (m *Manager) Resume(ctx context.Context, id string) (Stream, error) {
	m.mu.Lock()
	rk, armed := m.kernels[id]
	m.mu.Unlock()
	if armed {
		return rk.k.Snapshot(), nil
	}
	rec, err := m.load(ctx, id)
	if err != nil {
		return Stream{}, err
	}
	if rec.State == StateStopped {
		return Stream{}, faults.Newf(faults.KindValidation, "stream.resume",
			"stream %s is stopped; create it again", id)
	}
	rec.State = StateRunning
	rec.ConsecutiveErrors = 0
	rec.BackoffUntil = time.Time{}
	rec.LastError = ""
	if err := m.persist(ctx, rec); err != nil {
		return Stream{}, err
	}
	m.arm(rec)
	m.deps.Logger.Info("Stream resumed", zap.String("stream_id", id))
	return rec, nil
}

// UpdateInterval changes the poll period, re-arming the live timer when
// the kernel is running.
func (m *Manager) UpdateInterval(ctx context.Context, id string, interval time.Duration) (Stream, error) {
	if interval < m.deps.Cfg.MinInterval || interval > m.deps.Cfg.MaxInterval {
		return Stream{}, faults.Newf(faults.KindValidation, "stream.update",
			"interval %s outside [%s, %s]", interval, m.deps.Cfg.MinInterval, m.deps.Cfg.MaxInterval)
	}
	m.mu.Lock()
	rk, armed := m.kernels[id]
	m.mu.Unlock()
	if armed {
		rk.k.SetInterval(ctx, interval)
		return rk.k.Snapshot(), nil
	}
	rec, err := m.load(ctx, id)
	if err != nil {
		return Stream{}, err
	}
	rec.Interval = interval
	if err := m.persist(ctx, rec); err != nil {
		return Stream{}, err
	}
	return rec, nil
}

// Stop disarms the kernel and deletes everything the stream persisted.
// Stopping an unknown or already-stopped stream is a no-op, and a later
// Create for the same kind and target starts from an empty slate.
func (m *Manager) Stop(ctx context.Context, id string) error {
	m.stopKernel(id)
	rec, err := m.load(ctx, id)
	if err != nil {
		if faults.IsKind(err, faults.KindNotFound) {
			return nil
		}
		return err
	}

	keys := []string{
		store.StreamKey(id),
		store.SeenKey(id),
		store.EventsKey(id),
		store.PollLockKey(id),
	}
	if rec.Kind == KindFollower {
		keys = append(keys, store.FollowersKey(rec.Target), store.FollowersScratchKey(rec.Target))
	}
	if err := m.deps.Store.Del(ctx, keys...); err != nil {
		return err
	}
	// Only clear the uniqueness marker when it still points at this
	// stream; a concurrent re-create may have claimed it.
	idxKey := store.StreamIndexKey(string(rec.Kind), rec.Target)
	if cur, err := m.deps.Store.GetString(ctx, idxKey); err == nil && cur == id {
		if err := m.deps.Store.Del(ctx, idxKey); err != nil {
			return err
		}
	}
	if _, err := m.deps.Store.SetRem(ctx, store.StreamsKey, id); err != nil {
		return err
	}
	m.deps.Bus.Forget(id)
	m.deps.Logger.Info("Stream stopped",
		zap.String("stream_id", id),
		zap.String("kind", string(rec.Kind)),
		zap.String("target", rec.Target),
	)
	return nil
}

// StopAll stops every registered stream and returns how many it
// removed. Failures are joined, not short-circuited, so one bad record
// cannot strand the rest.
func (m *Manager) StopAll(ctx context.Context) (int, error) {
	ids, err := m.deps.Store.SetMembers(ctx, store.StreamsKey)
	if err != nil {
		return 0, err
	}
	var errs error
	stopped := 0
	for _, id := range ids {
		if err := m.Stop(ctx, id); err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		stopped++
	}
	return stopped, errs
}

// Shutdown disarms all kernels and waits for in-flight polls to drain.
// Records stay in the store so the next Start can replay them.
func (m *Manager) Shutdown(ctx context.Context) {
	m.rootCancel()
	m.mu.Lock()
	kernels := make([]*armedKernel, 0, len(m.kernels))
	for _, rk := range m.kernels {
		kernels = append(kernels, rk)
	}
	m.kernels = make(map[string]*armedKernel)
	m.mu.Unlock()

	for _, rk := range kernels {
		select {
		case <-rk.k.Done():
		case <-ctx.Done():
			return
		case <-time.After(m.deps.Cfg.StopGrace):
		}
	}
	m.deps.Logger.Info("Stream manager drained", zap.Int("kernels", len(kernels)))
}

// History returns up to limit persisted events for the stream, oldest
// first, optionally filtered by topic. It reads the durable ring, so it
// survives restarts where the bus's in-memory replay does not.
func (m *Manager) History(ctx context.Context, id string, topic events.Topic, limit int) ([]events.Event, error) {
	if _, err := m.Get(ctx, id); err != nil {
		return nil, err
	}
	raw, err := m.deps.Store.Range(ctx, store.EventsKey(id), 0, -1)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	// Ring head is newest; collect the first limit matches then flip to
	// chronological order.
	out := make([]events.Event, 0, limit)
	for _, line := range raw {
		var ev events.Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		if topic != "" && ev.Topic != topic {
			continue
		}
		out = append(out, ev)
		if len(out) == limit {
			break
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Stats aggregates stream counts and the browser pool's occupancy.
func (m *Manager) Stats(ctx context.Context) (GlobalStats, error) {
	streams, err := m.List(ctx)
	if err != nil {
		return GlobalStats{}, err
	}
	gs := GlobalStats{
		Streams: len(streams),
		ByState: make(map[string]int),
		ByKind:  make(map[string]int),
		Pool:    m.deps.Pool.Stats(),
	}
	for _, s := range streams {
		gs.ByState[string(s.State)]++
		gs.ByKind[string(s.Kind)]++
	}
	return gs, nil
}

func (m *Manager) arm(rec Stream) {
	kctx, cancel := context.WithCancel(m.rootCtx)
	k := NewKernel(&rec, m.deps)
	m.mu.Lock()
	m.kernels[rec.ID] = &armedKernel{k: k, cancel: cancel}
	m.mu.Unlock()
	k.Start(kctx)
}

// release drops a kernel that retired itself. The kernel has already
// persisted its terminal state, so there is nothing to wait for.
func (m *Manager) release(id string) {
	m.mu.Lock()
	rk, ok := m.kernels[id]
	if ok {
		delete(m.kernels, id)
	}
	m.mu.Unlock()
	if ok {
		rk.cancel()
	}
}

// stopKernel disarms and waits for the loop to unwind so no poll is in
// flight when the caller mutates or deletes the record.
func (m *Manager) stopKernel(id string) bool {
	m.mu.Lock()
	rk, ok := m.kernels[id]
	if ok {
		delete(m.kernels, id)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	rk.cancel()
	select {
	case <-rk.k.Done():
	case <-time.After(m.deps.Cfg.StopGrace):
		m.deps.Logger.Warn("Kernel did not drain within grace period", zap.String("stream_id", id))
	}
	return true
}

func (m *Manager) load(ctx context.Context, id string) (Stream, error) {
	var rec Stream
	if err := m.deps.Store.Get(ctx, store.StreamKey(id), &rec); err != nil {
		if faults.IsKind(err, faults.KindNotFound) {
			return Stream{}, faults.Newf(faults.KindNotFound, "stream.get", "stream %s not found", id)
		}
		return Stream{}, err
	}
	return rec, nil
}

func (m *Manager) persist(ctx context.Context, rec Stream) error {
	return m.deps.Store.Set(ctx, store.StreamKey(rec.ID), rec, m.deps.Store.DefaultTTL())
}

func (m *Manager) gaugeLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.rootCtx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(m.rootCtx, 5*time.Second)
			streams, err := m.List(ctx)
			cancel()
			if err != nil {
				continue
			}
			counts := make(map[State]float64, 4)
			for _, s := range streams {
				counts[s.State]++
			}
			for _, st := range []State{StateRunning, StatePaused, StateBackoff, StateStopped} {
				metrics.StreamsActive.WithLabelValues(string(st)).Set(counts[st])
			}
		}
	}
}
