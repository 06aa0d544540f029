package stream

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/talonhq/talon/internal/browser"
	"github.com/talonhq/talon/internal/config"
	"github.com/talonhq/talon/internal/events"
	"github.com/talonhq/talon/internal/faults"
	"github.com/talonhq/talon/internal/metrics"
	"github.com/talonhq/talon/internal/ratelimit"
	"github.com/talonhq/talon/internal/scraper"
	"github.com/talonhq/talon/internal/store"
	"github.com/talonhq/talon/internal/tracing"
)

// Deps carries the collaborators a kernel polls with. All are shared
// process singletons except OnExit.
type Deps struct {
	Cfg       config.StreamConfig
	EventsCap int
	Store     *store.Store
	Pool      *browser.Pool
	Dispatch  *scraper.Dispatcher
	Rate      *ratelimit.Registry
	Bus       *events.Bus
	Logger    *zap.Logger
	// OnExit fires when the kernel retires itself: auth pause, target
	// gone, or the consecutive-error budget spent.
	OnExit func(id string)
}

// Kernel is the per-stream poll loop. It is the sole mutator of its
// Stream record and of the stream's persisted rings while armed.
type Kernel struct {
	deps Deps

	mu       sync.Mutex
	s        *Stream
	inFlight bool

	wake chan struct{}
	done chan struct{}

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewKernel wraps a stream record. Start arms the loop.
func NewKernel(s *Stream, deps Deps) *Kernel {
	return &Kernel{
		deps: deps,
		s:    s,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Start runs the poll loop until ctx is cancelled or the kernel retires.
func (k *Kernel) Start(ctx context.Context) {
	go k.run(ctx)
}

// Done closes when the loop has fully unwound.
func (k *Kernel) Done() <-chan struct{} { return k.done }

// Snapshot returns a copy of the stream record.
func (k *Kernel) Snapshot() Stream {
	k.mu.Lock()
	defer k.mu.Unlock()
	return *k.s
}

// SetInterval changes the poll period and re-arms the timer.
func (k *Kernel) SetInterval(ctx context.Context, d time.Duration) {
	k.mu.Lock()
	k.s.Interval = d
	rec := *k.s
	k.mu.Unlock()
	k.persist(ctx, rec)
	select {
	case k.wake <- struct{}{}:
	default:
	}
}

func (k *Kernel) run(ctx context.Context) {
	defer close(k.done)
	timer := time.NewTimer(k.nextDelay(true))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-k.wake:
		case <-timer.C:
			if alive := k.tick(ctx); !alive {
				return
			}
			if ctx.Err() != nil {
				return
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(k.nextDelay(false))
	}
}

// nextDelay picks the wait before the next tick: the backoff remainder
// when backing off, zero on the very first arm so creation and restart
// poll promptly, the interval otherwise.
func (k *Kernel) nextDelay(first bool) time.Duration {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.s.State == StateBackoff {
		if d := time.Until(k.s.BackoffUntil); d > 0 {
			return d
		}
		return 0
	}
	if first {
		return 0
	}
	return k.s.Interval
}

// tick runs one poll under both single-flight guards. The in-process
// flag stops timer/wake overlap; the store lock stops another process
// from polling the same stream after a restart handoff.
func (k *Kernel) tick(ctx context.Context) bool {
	k.mu.Lock()
	if k.inFlight {
		k.mu.Unlock()
		return true
	}
	k.inFlight = true
	snap := *k.s
	k.mu.Unlock()
	defer func() {
		k.mu.Lock()
		k.inFlight = false
		k.mu.Unlock()
	}()

	pollCtx, span := tracing.StartPollSpan(ctx, snap.ID, string(snap.Kind))
	defer span.End()
	start := time.Now()

	token := uuid.NewString()
	lockKey := store.PollLockKey(snap.ID)
	held, err := k.deps.Store.AcquireLock(pollCtx, lockKey, token, snap.Interval+k.deps.Cfg.LockMargin)
	if err != nil {
		return k.afterPoll(pollCtx, start, snap, err)
	}
	if !held {
		k.deps.Logger.Debug("Poll lock held elsewhere, skipping tick",
			zap.String("stream_id", snap.ID))
		return true
	}
	defer func() {
		relCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_, _ = k.deps.Store.ReleaseLock(relCtx, lockKey, token)
	}()

	err = k.poll(pollCtx, &snap)
	return k.afterPoll(pollCtx, start, snap, err)
}

func (k *Kernel) poll(ctx context.Context, s *Stream) error {
	endpoint := k.deps.Dispatch.Endpoint(s.Operation)
	if err := k.deps.Rate.Throttle(ctx, endpoint); err != nil {
		return err
	}

	lease, err := k.deps.Pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()
	page := lease.Page()

	if s.Kind == KindFollower {
		skip, err := k.followerFastPath(ctx, s, page)
		if err != nil || skip {
			return err
		}
	}

	// Target doubles as the query for search-backed operations.
	args := scraper.Args{"username": s.Target, "query": s.Target}
	res, err := k.deps.Dispatch.Run(ctx, s.Operation, page, args, 0)
	if err != nil {
		return err
	}

	switch s.Kind {
	case KindFollower:
		users, ok := res.([]scraper.User)
		if !ok {
			return faults.Newf(faults.KindFatal, "poll",
				"operation %s returned %T, want []scraper.User", s.Operation, res)
		}
		return k.applyFollowers(ctx, s, users)
	default:
		tweets, ok := res.([]scraper.Tweet)
		if !ok {
			return faults.Newf(faults.KindFatal, "poll",
				"operation %s returned %T, want []scraper.Tweet", s.Operation, res)
		}
		return k.applyTweets(ctx, s, tweets)
	}
}

// followerFastPath probes the cheap profile counters. When the count
// matches the persisted baseline the expensive listing is skipped. A
// count that collapses to zero against a non-empty baseline is surfaced
// as an error event instead of a mass-unfollow diff.
func (k *Kernel) followerFastPath(ctx context.Context, s *Stream, page browser.Page) (bool, error) {
	if err := k.deps.Rate.Throttle(ctx, k.deps.Dispatch.Endpoint(scraper.OpProfileCounts)); err != nil {
		return false, err
	}
	res, err := k.deps.Dispatch.Run(ctx, scraper.OpProfileCounts, page, scraper.Args{"username": s.Target}, 0)
	if err != nil {
		return false, err
	}
	counts, ok := res.(*scraper.ProfileCounts)
	if !ok {
		return false, faults.Newf(faults.KindFatal, "poll",
			"profile probe returned %T, want *scraper.ProfileCounts", res)
	}
	if s.Seeded && counts.Followers == 0 && s.FollowerCount > 0 {
		k.emitError(ctx, s, faults.KindNotFound.String(),
			"follower count dropped to zero; skipping diff")
		return true, nil
	}
	if s.Seeded && counts.Followers == s.FollowerCount {
		metrics.PollsSkippedFastPath.Inc()
		return true, nil
	}
	s.FollowerCount = counts.Followers
	return false, nil
}

// applyTweets diffs observed items against the seen ring, emits one
// event per new item in observation order, and appends the new IDs.
func (k *Kernel) applyTweets(ctx context.Context, s *Stream, tweets []scraper.Tweet) error {
	ringIDs, err := k.deps.Store.Range(ctx, store.SeenKey(s.ID), 0, -1)
	if err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(ringIDs))
	for _, id := range ringIDs {
		seen[id] = struct{}{}
	}

	topic := s.Kind.Topic()
	var newIDs []string
	for _, t := range tweets {
		if t.ID == "" {
			continue
		}
		if _, dup := seen[t.ID]; dup {
			continue
		}
		seen[t.ID] = struct{}{}
		k.emit(ctx, s, topic, TweetPayload{
			StreamID:  s.ID,
			TweetID:   t.ID,
			Author:    t.Author,
			Text:      t.Text,
			CreatedAt: t.PostedAt,
		})
		newIDs = append(newIDs, t.ID)
	}
	if len(newIDs) > 0 {
		return k.deps.Store.PushCapped(ctx, store.SeenKey(s.ID), int64(k.deps.Cfg.SeenRingSize), newIDs...)
	}
	return nil
}

// applyFollowers rebuilds the scratch set from the observation, diffs it
// both ways against the baseline, emits one event per change, and
// renames scratch over baseline.
func (k *Kernel) applyFollowers(ctx context.Context, s *Stream, users []scraper.User) error {
	observed := make([]string, 0, len(users))
	for _, u := range users {
		if u.Username != "" {
			observed = append(observed, u.Username)
		}
	}

	if s.Seeded && len(observed) == 0 && s.FollowerCount > 0 {
		k.emitError(ctx, s, faults.KindScraperMissing.String(),
			"follower listing rendered empty despite nonzero count; skipping diff")
		return nil
	}

	baseKey := store.FollowersKey(s.Target)
	curKey := store.FollowersScratchKey(s.Target)

	if err := k.deps.Store.Del(ctx, curKey); err != nil {
		return err
	}
	if len(observed) > 0 {
		if _, err := k.deps.Store.SetAdd(ctx, curKey, observed...); err != nil {
			return err
		}
	}

	if !s.Seeded {
		// First poll seeds the baseline; historical followers are not
		// events.
		if len(observed) > 0 {
			if err := k.deps.Store.Rename(ctx, curKey, baseKey); err != nil {
				return err
			}
		}
		s.Seeded = true
		return nil
	}

	follows, err := k.deps.Store.SetDiff(ctx, curKey, baseKey)
	if err != nil {
		return err
	}
	unfollows, err := k.deps.Store.SetDiff(ctx, baseKey, curKey)
	if err != nil {
		return err
	}
	// Set diff order is unspecified; pin it.
	sort.Strings(follows)
	sort.Strings(unfollows)

	now := time.Now().UTC()
	for _, f := range follows {
		k.emit(ctx, s, events.TopicFollower, FollowerPayload{
			StreamID: s.ID, Action: "follow", Follower: f, ObservedAt: now,
		})
	}
	for _, f := range unfollows {
		k.emit(ctx, s, events.TopicFollower, FollowerPayload{
			StreamID: s.ID, Action: "unfollow", Follower: f, ObservedAt: now,
		})
	}

	if len(observed) > 0 {
		return k.deps.Store.Rename(ctx, curKey, baseKey)
	}
	return k.deps.Store.Del(ctx, baseKey)
}

// afterPoll applies the outcome to the stream record and reports whether
// the kernel stays armed.
func (k *Kernel) afterPoll(ctx context.Context, start time.Time, snap Stream, err error) bool {
	took := time.Since(start)
	kindLabel := string(snap.Kind)

	if err == nil {
		metrics.PollsTotal.WithLabelValues(kindLabel, "ok").Inc()
		metrics.PollDuration.WithLabelValues(kindLabel).Observe(took.Seconds())
		k.mu.Lock()
		k.s.FollowerCount = snap.FollowerCount
		k.s.Seeded = snap.Seeded
		k.s.State = StateRunning
		k.s.ConsecutiveErrors = 0
		k.s.BackoffUntil = time.Time{}
		k.s.LastError = ""
		k.s.LastPollAt = time.Now().UTC()
		rec := *k.s
		k.mu.Unlock()
		k.persist(ctx, rec)
		k.deps.Logger.Debug("Poll completed",
			zap.String("stream_id", snap.ID),
			zap.Duration("took", took),
		)
		return true
	}

	if errors.Is(err, context.Canceled) {
		// Shutdown or stop; the run loop unwinds on its own.
		return true
	}

	kind := faults.KindOf(err)
	metrics.PollsTotal.WithLabelValues(kindLabel, kind.String()).Inc()
	metrics.PollDuration.WithLabelValues(kindLabel).Observe(took.Seconds())

	if kind == faults.KindRateLimited {
		k.deps.Rate.OnRateLimited(ctx, k.deps.Dispatch.Endpoint(snap.Operation), 0)
	}

	switch kind {
	case faults.KindAuthExpired, faults.KindUnauthorized:
		k.deps.Logger.Warn("Stream paused: authentication failure",
			zap.String("stream_id", snap.ID), zap.Error(err))
		k.retire(ctx, StatePaused, err, "stream paused: "+err.Error())
		return false
	case faults.KindNotFound, faults.KindFatal, faults.KindValidation:
		k.deps.Logger.Warn("Stream stopped: unrecoverable failure",
			zap.String("stream_id", snap.ID), zap.Error(err))
		k.retire(ctx, StateStopped, err, "stream stopped: "+err.Error())
		return false
	}

	// Retryable: advance the error counter, back off or give up.
	k.mu.Lock()
	k.s.ConsecutiveErrors++
	errs := k.s.ConsecutiveErrors
	k.mu.Unlock()

	if errs >= k.deps.Cfg.MaxConsecutiveErrors {
		k.deps.Logger.Warn("Stream stopped: consecutive-error budget spent",
			zap.String("stream_id", snap.ID),
			zap.Int("consecutive_errors", errs),
			zap.Error(err))
		k.retire(ctx, StateStopped, err, "stream auto-stopped after repeated failures")
		return false
	}

	delay := k.backoffDelay(snap.Interval, errs)
	k.mu.Lock()
	k.s.State = StateBackoff
	k.s.BackoffUntil = time.Now().Add(delay)
	k.s.LastError = err.Error()
	rec := *k.s
	k.mu.Unlock()
	k.persist(ctx, rec)
	k.emitError(ctx, &rec, kind.String(), err.Error())
	k.deps.Logger.Warn("Poll failed, backing off",
		zap.String("stream_id", snap.ID),
		zap.String("kind", kind.String()),
		zap.Int("consecutive_errors", errs),
		zap.Duration("backoff", delay),
		zap.Error(err))
	return true
}

// backoffDelay is interval * 2^errors clamped to the cap, plus uniform
// jitter up to a quarter of the clamped delay.
func (k *Kernel) backoffDelay(interval time.Duration, errs int) time.Duration {
	shift := errs
	if shift > 20 {
		shift = 20
	}
	d := interval << uint(shift)
	if d <= 0 || d > k.deps.Cfg.BackoffCap {
		d = k.deps.Cfg.BackoffCap
	}
	k.rngMu.Lock()
	jitter := time.Duration(k.rng.Int63n(int64(d)/4 + 1))
	k.rngMu.Unlock()
	return d + jitter
}

// retire persists a terminal state, emits the error event, and tells the
// manager the kernel is gone.
func (k *Kernel) retire(ctx context.Context, state State, err error, msg string) {
	k.mu.Lock()
	k.s.State = state
	if state != StatePaused {
		k.s.BackoffUntil = time.Time{}
	}
	k.s.LastError = err.Error()
	rec := *k.s
	k.mu.Unlock()
	k.persist(ctx, rec)
	k.emitError(ctx, &rec, faults.KindOf(err).String(), msg)
	if k.deps.OnExit != nil {
		k.deps.OnExit(rec.ID)
	}
}

func (k *Kernel) emit(ctx context.Context, s *Stream, topic events.Topic, payload interface{}) {
	ev := k.deps.Bus.Publish(s.ID, topic, payload)
	if err := k.deps.Store.PushCapped(ctx, store.EventsKey(s.ID), int64(k.deps.EventsCap), string(ev.Marshal())); err != nil {
		k.deps.Logger.Warn("Failed to persist event",
			zap.String("stream_id", s.ID), zap.Error(err))
	}
}

func (k *Kernel) emitError(ctx context.Context, s *Stream, kind, msg string) {
	k.emit(ctx, s, events.TopicError, ErrorPayload{StreamID: s.ID, Kind: kind, Message: msg})
}

func (k *Kernel) persist(ctx context.Context, rec Stream) {
	pctx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
	}
	if err := k.deps.Store.Set(pctx, store.StreamKey(rec.ID), rec, k.deps.Store.DefaultTTL()); err != nil {
		k.deps.Logger.Warn("Failed to persist stream record",
			zap.String("stream_id", rec.ID), zap.Error(err))
	}
}
