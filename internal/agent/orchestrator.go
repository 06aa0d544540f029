// Package agent runs the autonomous browsing loop. One orchestrator
// drives one identity strictly serially through its circadian day:
// wait for the next slot, pull candidates through the browser pool and
// dispatcher, score them with the planner, and perform quota-, rate-
// and policy-gated actions. Orchestrators share the pool, the rate
// registry and the store; everything else about an agent is its own.
package agent

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/talonhq/talon/internal/browser"
	"github.com/talonhq/talon/internal/circadian"
	"github.com/talonhq/talon/internal/config"
	"github.com/talonhq/talon/internal/events"
	"github.com/talonhq/talon/internal/faults"
	"github.com/talonhq/talon/internal/history"
	"github.com/talonhq/talon/internal/metrics"
	"github.com/talonhq/talon/internal/policy"
	"github.com/talonhq/talon/internal/quota"
	"github.com/talonhq/talon/internal/ratelimit"
	"github.com/talonhq/talon/internal/scraper"
	"github.com/talonhq/talon/internal/sessions"
	"github.com/talonhq/talon/internal/store"
	"github.com/talonhq/talon/internal/tracing"
)

// Quota kinds the orchestrator spends. They are the keys of the
// agent.daily_limits table.
const (
	KindLikes    = "likes"
	KindFollows  = "follows"
	KindComments = "comments"
	KindPosts    = "posts"
)

const (
	// sleepCap bounds a single sleep wait so a misconfigured window
	// cannot park the agent for days.
	sleepCap = 8 * time.Hour
	// exhaustedWait is the nap taken when every quota kind is spent.
	exhaustedWait = 30 * time.Minute
	// transientWait follows navigation and other retryable failures.
	transientWait = 45 * time.Second
	// rateLimitedWait follows an observed upstream limit.
	rateLimitedWait = 15 * time.Minute
	// sessionSaveEvery spaces cookie-jar writes.
	sessionSaveEvery = 20 * time.Minute
	// maxConsecutiveErrors retires the agent, mirroring the stream
	// auto-stop budget.
	maxConsecutiveErrors = 10
)

// Planner score thresholds on the 0..100 scale. The noop planner
// scores everything 50, so an agent without an LLM browses its plan
// but never engages.
const (
	scoreNeutral    = 50
	likeThreshold   = 60
	followThreshold = 70
	replyThreshold  = 75
)

// State is the orchestrator phase reported by status calls.
type State string

const (
	StateRunning  State = "running"
	StateSleeping State = "sleeping"
	StateStopped  State = "stopped"
)

// Record is the persisted status of one orchestrator, written under
// AgentStateKey on every phase change.
type Record struct {
	ID           string    `json:"id"`
	State        State     `json:"state"`
	LoggedIn     bool      `json:"logged_in"`
	StartedAt    time.Time `json:"started_at"`
	Activity     string    `json:"activity,omitempty"`
	LastActiveAt time.Time `json:"last_active_at,omitempty"`
	Errors       int       `json:"consecutive_errors"`
	LastError    string    `json:"last_error,omitempty"`
}

// ActionNotice is the bus payload for one performed action.
type ActionNotice struct {
	AgentID  string    `json:"agent_id"`
	Activity string    `json:"activity"`
	Kind     string    `json:"kind"`
	Target   string    `json:"target"`
	At       time.Time `json:"at"`
}

// ActivityNotice is the bus payload for one completed activity slot.
type ActivityNotice struct {
	AgentID    string    `json:"agent_id"`
	Activity   string    `json:"activity"`
	Candidates int       `json:"candidates"`
	Actions    int       `json:"actions"`
	Outcome    string    `json:"outcome"`
	At         time.Time `json:"at"`
}

// Deps carries the collaborators one orchestrator drives. Store, Pool,
// Dispatch, Rate and Bus are shared process singletons; Quota and
// Sched are scoped to this agent. Gate, Sessions, History and Planner
// are optional.
type Deps struct {
	Cfg      config.AgentConfig
	Store    *store.Store
	Pool     *browser.Pool
	Dispatch *scraper.Dispatcher
	Rate     *ratelimit.Registry
	Sched    *circadian.Scheduler
	Quota    *quota.Ledger
	Gate     *policy.Gate
	Sessions *sessions.Jar
	History  *history.Recorder
	Bus      *events.Bus
	Planner  Planner
	Logger   *zap.Logger
}

// Agent is the serial loop for one identity. The profile doubles as
// the agent ID: one orchestrator per identity.
type Agent struct {
	id     string
	deps   Deps
	scores *scorer
	log    *zap.Logger
	loc    *time.Location

	mu       sync.Mutex
	rec      Record
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}
	lastSave time.Time

	// rng is touched only by the run goroutine.
	rng *rand.Rand

	// sleep and now are swappable so tests run the loop without real
	// waits.
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// New wires an orchestrator for the given identity. A nil Planner
// falls back to the noop planner.
func New(profile string, deps Deps) *Agent {
	if deps.Planner == nil {
		deps.Planner = NoopPlanner{}
	}
	logger := deps.Logger.With(zap.String("agent_id", profile))
	return &Agent{
		id:     profile,
		deps:   deps,
		scores: newScorer(deps.Planner, deps.Cfg.TopicHints, deps.Cfg.ScoreCacheSize, logger),
		log:    logger,
		loc:    deps.Cfg.Location(),
		done:   make(chan struct{}),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:  sleepCtx,
		now:    time.Now,
	}
}

// ID returns the agent identity.
func (a *Agent) ID() string { return a.id }

// Start arms the loop. Starting a running agent is a validation error.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return faults.Newf(faults.KindValidation, "agent.start", "agent %s already running", a.id)
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.running = true
	a.cancel = cancel
	a.done = make(chan struct{})
	a.rec = Record{
		ID:        a.id,
		State:     StateRunning,
		StartedAt: a.now().UTC(),
	}
	rec := a.rec
	a.mu.Unlock()

	a.persist(runCtx, rec)
	a.log.Info("Agent started")
	go a.run(runCtx)
	return nil
}

// Stop cancels the loop and waits for it to unwind, bounded by grace.
func (a *Agent) Stop(grace time.Duration) {
	a.mu.Lock()
	cancel := a.cancel
	done := a.done
	a.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	select {
	case <-done:
	case <-time.After(grace):
		a.log.Warn("Agent stop grace expired")
	}
}

// Done closes when the loop has fully unwound.
func (a *Agent) Done() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.done
}

// Status returns a copy of the current record.
func (a *Agent) Status() Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rec
}

// Running reports whether the loop is armed.
func (a *Agent) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// Quotas reports today's budget usage for this agent.
func (a *Agent) Quotas(ctx context.Context) ([]quota.Usage, error) {
	return a.deps.Quota.Snapshot(ctx)
}

// Plan returns today's remaining day plan.
func (a *Agent) Plan(ctx context.Context) []circadian.Slot {
	return a.deps.Sched.Today(ctx)
}

func (a *Agent) run(ctx context.Context) {
	defer a.finish()
	a.preflight(ctx)
	for {
		if ctx.Err() != nil {
			return
		}

		slot := a.deps.Sched.Next(ctx)
		if slot.Kind == circadian.SlotSleep {
			d := slot.Duration
			if d > sleepCap {
				d = sleepCap
			}
			a.setPhase(ctx, StateSleeping, "")
			a.log.Info("Sleep window, resting", zap.Duration("until_wake", d))
			if a.sleep(ctx, d) != nil {
				return
			}
			a.setPhase(ctx, StateRunning, "")
			continue
		}

		if wait := slot.ScheduledFor.Sub(a.now()); wait > 0 {
			a.log.Debug("Waiting for next slot",
				zap.String("activity", string(slot.Kind)),
				zap.Duration("wait", wait))
			if a.sleep(ctx, wait) != nil {
				return
			}
		}

		done, err := a.deps.Quota.Exhausted(ctx)
		if err != nil {
			a.log.Warn("Quota check failed, proceeding on per-action checks", zap.Error(err))
		} else if done {
			a.log.Info("Every quota spent, napping", zap.Duration("for", exhaustedWait))
			if a.sleep(ctx, exhaustedWait) != nil {
				return
			}
			continue
		}

		if !a.runSlot(ctx, slot) {
			return
		}
	}
}

// preflight checks the session once at startup. A logged-out or
// failing probe is not fatal; the agent can browse without acting and
// mutating operations will surface auth failures on their own.
func (a *Agent) preflight(ctx context.Context) {
	lease, err := a.deps.Pool.Acquire(ctx)
	if err != nil {
		a.log.Warn("Auth preflight skipped, no page available", zap.Error(err))
		return
	}
	defer lease.Release()
	a.restoreSession(ctx, lease)

	res, err := a.deps.Dispatch.Run(ctx, scraper.OpCheckAuth, lease.Page(), nil, 0)
	if err != nil {
		a.log.Warn("Auth preflight failed", zap.Error(err))
		return
	}
	status, ok := res.(scraper.AuthStatus)
	if !ok {
		return
	}

	a.mu.Lock()
	a.rec.LoggedIn = status.LoggedIn
	rec := a.rec
	a.mu.Unlock()
	a.persist(ctx, rec)

	if status.LoggedIn {
		a.log.Info("Session authenticated", zap.String("username", status.Username))
	} else {
		a.log.Warn("No authenticated session, agent will browse without acting")
	}
}

// restoreSession stamps this identity's cookies onto the leased
// handle. Handles are shared across agents, so every lease is
// restamped before any navigation.
func (a *Agent) restoreSession(ctx context.Context, lease *browser.Lease) {
	if a.deps.Sessions == nil || !a.deps.Sessions.Enabled() {
		return
	}
	if _, err := a.deps.Sessions.Restore(ctx, a.id, lease.Handle()); err != nil {
		a.log.Warn("Session restore failed, continuing logged out", zap.Error(err))
	}
}

// runSlot executes one activity slot end to end. The returned flag is
// false when the agent must retire.
func (a *Agent) runSlot(ctx context.Context, slot circadian.Slot) bool {
	start := a.now()
	a.mu.Lock()
	a.rec.State = StateRunning
	a.rec.Activity = string(slot.Kind)
	a.rec.LastActiveAt = start.UTC()
	rec := a.rec
	a.mu.Unlock()
	a.persist(ctx, rec)

	actCtx, span := tracing.StartActivitySpan(ctx, a.id, string(slot.Kind))
	defer span.End()

	res, err := a.execute(actCtx, slot)
	return a.afterSlot(actCtx, slot, start, res, err)
}

// afterSlot applies one slot's outcome to the record and decides
// whether the loop stays armed.
func (a *Agent) afterSlot(ctx context.Context, slot circadian.Slot, start time.Time, res slotResult, err error) bool {
	if err != nil && errors.Is(err, context.Canceled) {
		// Shutdown or stop; the run loop unwinds on its own.
		return true
	}

	took := a.now().Sub(start)
	activity := string(slot.Kind)
	metrics.AgentActivities.WithLabelValues(activity).Inc()
	a.recordActivity(slot, start, took, res, err)

	if err == nil {
		a.mu.Lock()
		a.rec.Errors = 0
		a.rec.LastError = ""
		a.rec.Activity = ""
		rec := a.rec
		a.mu.Unlock()
		a.persist(ctx, rec)
		a.deps.Bus.Publish(a.id, events.TopicAgent, ActivityNotice{
			AgentID: a.id, Activity: activity, Candidates: res.candidates,
			Actions: res.actions, Outcome: "ok", At: a.now().UTC(),
		})
		a.log.Debug("Activity completed",
			zap.String("activity", activity),
			zap.Int("candidates", res.candidates),
			zap.Int("actions", res.actions),
			zap.Duration("took", took))
		return true
	}

	kind := faults.KindOf(err)
	a.deps.Bus.Publish(a.id, events.TopicAgent, ActivityNotice{
		AgentID: a.id, Activity: activity, Candidates: res.candidates,
		Actions: res.actions, Outcome: kind.String(), At: a.now().UTC(),
	})

	switch kind {
	case faults.KindAuthExpired, faults.KindUnauthorized:
		a.log.Warn("Agent stopped: authentication failure", zap.Error(err))
		a.markLoggedOut()
		a.retire(ctx, err)
		return false
	case faults.KindFatal, faults.KindValidation:
		a.log.Error("Agent stopped: unrecoverable failure", zap.Error(err))
		a.retire(ctx, err)
		return false
	}

	a.mu.Lock()
	a.rec.Errors++
	errs := a.rec.Errors
	a.rec.LastError = err.Error()
	rec := a.rec
	a.mu.Unlock()
	a.persist(ctx, rec)

	if errs >= maxConsecutiveErrors {
		a.log.Warn("Agent stopped: consecutive-error budget spent",
			zap.Int("consecutive_errors", errs), zap.Error(err))
		a.retire(ctx, err)
		return false
	}

	wait := transientWait
	if kind == faults.KindRateLimited {
		wait = rateLimitedWait
	}
	a.log.Warn("Activity failed, waiting",
		zap.String("activity", activity),
		zap.String("kind", kind.String()),
		zap.Int("consecutive_errors", errs),
		zap.Duration("wait", wait),
		zap.Error(err))
	_ = a.sleep(ctx, wait)
	return true
}

func (a *Agent) setPhase(ctx context.Context, st State, activity string) {
	a.mu.Lock()
	a.rec.State = st
	a.rec.Activity = activity
	rec := a.rec
	a.mu.Unlock()
	a.persist(ctx, rec)
}

func (a *Agent) markLoggedOut() {
	a.mu.Lock()
	a.rec.LoggedIn = false
	a.mu.Unlock()
}

// retire marks the record stopped with its cause. The run loop exits
// right after, and finish persists the final record.
func (a *Agent) retire(ctx context.Context, cause error) {
	a.mu.Lock()
	a.rec.State = StateStopped
	a.rec.Activity = ""
	if cause != nil {
		a.rec.LastError = cause.Error()
	}
	rec := a.rec
	a.mu.Unlock()
	a.persist(ctx, rec)
}

func (a *Agent) finish() {
	a.mu.Lock()
	a.running = false
	a.cancel = nil
	a.rec.State = StateStopped
	a.rec.Activity = ""
	rec := a.rec
	done := a.done
	a.mu.Unlock()

	// The run context is gone by now; give the final write its own.
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	a.persist(ctx, rec)
	a.log.Info("Agent stopped")
	close(done)
}

func (a *Agent) persist(ctx context.Context, rec Record) {
	if err := a.deps.Store.Set(ctx, store.AgentStateKey(a.id), rec, a.deps.Store.DefaultTTL()); err != nil {
		a.log.Warn("Agent state persist failed", zap.Error(err))
	}
}

func (a *Agent) recordActivity(slot circadian.Slot, start time.Time, took time.Duration, res slotResult, err error) {
	if a.deps.History == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = faults.KindOf(err).String()
	}
	arg := slot.Query
	if arg == "" {
		arg = slot.Username
	}
	a.deps.History.RecordActivity(history.Activity{
		AgentID:    a.id,
		Kind:       string(slot.Kind),
		Argument:   arg,
		StartedAt:  start.UTC(),
		DurationMS: took.Milliseconds(),
		Candidates: res.candidates,
		Actions:    res.actions,
		Outcome:    outcome,
	})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
