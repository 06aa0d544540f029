package stream

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/talonhq/talon/internal/browser"
	"github.com/talonhq/talon/internal/config"
	"github.com/talonhq/talon/internal/events"
	"github.com/talonhq/talon/internal/faults"
	"github.com/talonhq/talon/internal/ratelimit"
	"github.com/talonhq/talon/internal/scraper"
	"github.com/talonhq/talon/internal/store"
)

// scriptedPage serves canned HTML per URL substring so kernels exercise
// the real dispatcher and parsers without a browser.
type scriptedPage struct {
	mu       sync.Mutex
	routes   []pageRoute
	navs     []string
	current  string
	failNavs int
	failErr  error
}

type pageRoute struct {
	match string
	html  string
}

func (p *scriptedPage) setRoutes(routes ...pageRoute) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.routes = routes
}

func (p *scriptedPage) failNext(n int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failNavs = n
	p.failErr = err
}

func (p *scriptedPage) navCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.navs)
}

func (p *scriptedPage) navsFrom(n int) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.navs[n:]...)
}

func (p *scriptedPage) Navigate(_ context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.navs = append(p.navs, url)
	if p.failNavs > 0 {
		p.failNavs--
		return p.failErr
	}
	p.current = ""
	for _, r := range p.routes {
		if r.match == "" || strings.Contains(url, r.match) {
			p.current = r.html
			break
		}
	}
	return nil
}

func (p *scriptedPage) HTML(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current, nil
}

func (p *scriptedPage) Click(context.Context, string) error        { return nil }
func (p *scriptedPage) Type(context.Context, string, string) error { return nil }
func (p *scriptedPage) WaitVisible(context.Context, string) error  { return nil }
func (p *scriptedPage) Eval(context.Context, string) (string, error) {
	return "", nil
}
func (p *scriptedPage) Close() error { return nil }

type scriptedHandle struct{ page *scriptedPage }

func (h *scriptedHandle) NewPage(context.Context) (browser.Page, error) { return h.page, nil }
func (h *scriptedHandle) Connected() bool                               { return true }
func (h *scriptedHandle) SetCookies(context.Context, []browser.Cookie) error {
	return nil
}
func (h *scriptedHandle) Cookies(context.Context) ([]browser.Cookie, error) {
	return nil, nil
}
func (h *scriptedHandle) Close() error { return nil }

type scriptedDriver struct{ page *scriptedPage }

func (d *scriptedDriver) Launch(context.Context) (browser.Handle, error) {
	return &scriptedHandle{page: d.page}, nil
}

// exitRecorder collects kernel retirement callbacks.
type exitRecorder struct {
	mu  sync.Mutex
	ids []string
}

func (r *exitRecorder) record(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
}

func (r *exitRecorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

func profilePage(followers string) string {
	return fmt.Sprintf(`<html><body>
<div data-testid="primaryColumn">
  <div data-testid="UserName"><span>Target</span><span>@target</span></div>
  <div>10 posts</div>
  <a href="/target/following"><span><span>5</span></span><span>Following</span></a>
  <a href="/target/verified_followers"><span><span>%s</span></span><span>Followers</span></a>
</div>
<a data-testid="SideNav_NewTweet_Button" href="/compose/post"></a>
</body></html>`, followers)
}

func timelinePage(items ...[2]string) string {
	var b strings.Builder
	b.WriteString(`<html><body><div data-testid="primaryColumn">`)
	for _, it := range items {
		fmt.Fprintf(&b, `<article data-testid="tweet">
  <a href="/%s/status/%s"><time datetime="2026-08-25T10:00:00.000Z">1h</time></a>
  <div data-testid="tweetText">post %s by %s</div>
</article>`, it[0], it[1], it[1], it[0])
	}
	b.WriteString(`</div><a data-testid="SideNav_NewTweet_Button" href="/compose/post"></a></body></html>`)
	return b.String()
}

func followersPage(users ...string) string {
	var b strings.Builder
	b.WriteString(`<html><body><div data-testid="primaryColumn">`)
	for _, u := range users {
		fmt.Fprintf(&b, `<div data-testid="UserCell"><a href="/%s"><span>U %s</span></a><a href="/%s"><span>@%s</span></a></div>`, u, u, u, u)
	}
	b.WriteString(`</div><a data-testid="SideNav_NewTweet_Button" href="/compose/post"></a></body></html>`)
	return b.String()
}

const loginWallPage = `<html><body>
<div data-testid="primaryColumn"></div>
<a data-testid="loginButton" href="/login">Log in</a>
</body></html>`

const goneAccountPage = `<html><body>
<div data-testid="primaryColumn">
  <div data-testid="emptyState">This account doesn’t exist</div>
</div>
</body></html>`

func testStreamConfig() config.StreamConfig {
	return config.StreamConfig{
		MinInterval:          15 * time.Second,
		MaxInterval:          time.Hour,
		DefaultInterval:      60 * time.Second,
		MaxConsecutiveErrors: 3,
		BackoffCap:           15 * time.Minute,
		SeenRingSize:         10,
		LockMargin:           5 * time.Second,
		StopGrace:            2 * time.Second,
	}
}

func newTestDeps(t *testing.T, page *scriptedPage) (Deps, *store.Store, *events.Bus) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	st, err := store.New(config.StoreConfig{Addr: mr.Addr(), KeyTTL: time.Hour}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger := zaptest.NewLogger(t)
	pool := browser.NewPool(config.PoolConfig{
		MaxHandles:        1,
		MaxPagesPerHandle: 2,
		HandleMaxAge:      time.Hour,
		AcquireTimeout:    2 * time.Second,
		MaintainInterval:  100 * time.Millisecond,
	}, &scriptedDriver{page: page}, logger)
	t.Cleanup(func() { _ = pool.Close() })

	disp := scraper.NewDispatcher(config.ScraperConfig{
		BaseURL:   "https://x.test",
		OpTimeout: 5 * time.Second,
		RetryBase: time.Millisecond,
	}, logger)

	// A huge seed window keeps throttling out of the way.
	reg := ratelimit.New(config.RateConfig{Strategy: "wait", WaitCap: time.Second},
		ratelimit.Defaults{Default: ratelimit.EndpointDefault{Limit: 1 << 20, WindowS: 60}},
		nil, zap.NewNop())

	bus := events.NewBus(64)

	return Deps{
		Cfg:       testStreamConfig(),
		EventsCap: 64,
		Store:     st,
		Pool:      pool,
		Dispatch:  disp,
		Rate:      reg,
		Bus:       bus,
		Logger:    logger,
	}, st, bus
}

func newTweetStream(id string) *Stream {
	return &Stream{
		ID:        id,
		Kind:      KindTweet,
		Target:    "target",
		Interval:  60 * time.Second,
		Operation: scraper.OpListTweetsByUser,
		State:     StateRunning,
		CreatedAt: time.Now().UTC(),
	}
}

func newFollowerStream(id string) *Stream {
	return &Stream{
		ID:        id,
		Kind:      KindFollower,
		Target:    "target",
		Interval:  60 * time.Second,
		Operation: scraper.OpListFollowers,
		State:     StateRunning,
		CreatedAt: time.Now().UTC(),
	}
}

func drainEvents(ch chan events.Event) []events.Event {
	var out []events.Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestTickEmitsAllTweetsOnFirstPoll(t *testing.T) {
	page := &scriptedPage{}
	page.setRoutes(pageRoute{match: "", html: timelinePage(
		[2]string{"target", "1111"},
		[2]string{"target", "2222"},
	)})
	deps, st, bus := newTestDeps(t, page)

	k := NewKernel(newTweetStream("s1"), deps)
	ch := bus.Join("s1", 32)
	defer bus.Leave("s1", ch)

	require.True(t, k.tick(context.Background()))

	got := drainEvents(ch)
	require.Len(t, got, 2)
	assert.Equal(t, events.TopicTweet, got[0].Topic)
	first := got[0].Payload.(TweetPayload)
	assert.Equal(t, "1111", first.TweetID)
	assert.Equal(t, "target", first.Author)
	second := got[1].Payload.(TweetPayload)
	assert.Equal(t, "2222", second.TweetID)

	ring, err := st.Range(context.Background(), store.SeenKey("s1"), 0, -1)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"1111", "2222"}, ring)

	snap := k.Snapshot()
	assert.Equal(t, StateRunning, snap.State)
	assert.Zero(t, snap.ConsecutiveErrors)
	assert.False(t, snap.LastPollAt.IsZero())

	var rec Stream
	require.NoError(t, st.Get(context.Background(), store.StreamKey("s1"), &rec))
	assert.Equal(t, StateRunning, rec.State)
}

func TestTickEmitsOnlyUnseenTweets(t *testing.T) {
	page := &scriptedPage{}
	page.setRoutes(pageRoute{match: "", html: timelinePage(
		[2]string{"target", "1111"},
		[2]string{"target", "2222"},
	)})
	deps, st, bus := newTestDeps(t, page)
	require.NoError(t, st.PushCapped(context.Background(), store.SeenKey("s1"), 10, "1111"))

	k := NewKernel(newTweetStream("s1"), deps)
	ch := bus.Join("s1", 32)
	defer bus.Leave("s1", ch)

	require.True(t, k.tick(context.Background()))

	got := drainEvents(ch)
	require.Len(t, got, 1)
	assert.Equal(t, "2222", got[0].Payload.(TweetPayload).TweetID)
}

func TestTickIsQuietWhenNothingChanged(t *testing.T) {
	page := &scriptedPage{}
	page.setRoutes(pageRoute{match: "", html: timelinePage([2]string{"target", "1111"})})
	deps, _, bus := newTestDeps(t, page)

	k := NewKernel(newTweetStream("s1"), deps)
	ch := bus.Join("s1", 32)
	defer bus.Leave("s1", ch)

	require.True(t, k.tick(context.Background()))
	drainEvents(ch)
	require.True(t, k.tick(context.Background()))

	assert.Empty(t, drainEvents(ch))
}

func TestFollowerFirstPollSeedsBaselineSilently(t *testing.T) {
	page := &scriptedPage{}
	page.setRoutes(
		pageRoute{match: "/followers", html: followersPage("alice", "bob")},
		pageRoute{match: "", html: profilePage("2")},
	)
	deps, st, bus := newTestDeps(t, page)

	k := NewKernel(newFollowerStream("f1"), deps)
	ch := bus.Join("f1", 32)
	defer bus.Leave("f1", ch)

	require.True(t, k.tick(context.Background()))

	assert.Empty(t, drainEvents(ch), "seeding the baseline must not emit events")

	members, err := st.SetMembers(context.Background(), store.FollowersKey("target"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, members)

	snap := k.Snapshot()
	assert.True(t, snap.Seeded)
	assert.Equal(t, int64(2), snap.FollowerCount)
}

func TestFollowerDiffEmitsFollowsThenUnfollows(t *testing.T) {
	page := &scriptedPage{}
	page.setRoutes(
		pageRoute{match: "/followers", html: followersPage("alice", "bob")},
		pageRoute{match: "", html: profilePage("2")},
	)
	deps, st, bus := newTestDeps(t, page)

	k := NewKernel(newFollowerStream("f1"), deps)
	ch := bus.Join("f1", 32)
	defer bus.Leave("f1", ch)

	require.True(t, k.tick(context.Background()))
	drainEvents(ch)

	// alice leaves, carol and dave arrive.
	page.setRoutes(
		pageRoute{match: "/followers", html: followersPage("bob", "carol", "dave")},
		pageRoute{match: "", html: profilePage("3")},
	)
	require.True(t, k.tick(context.Background()))

	got := drainEvents(ch)
	require.Len(t, got, 3)
	for _, ev := range got {
		assert.Equal(t, events.TopicFollower, ev.Topic)
	}
	follows := []FollowerPayload{
		got[0].Payload.(FollowerPayload),
		got[1].Payload.(FollowerPayload),
	}
	assert.Equal(t, "follow", follows[0].Action)
	assert.Equal(t, "carol", follows[0].Follower)
	assert.Equal(t, "follow", follows[1].Action)
	assert.Equal(t, "dave", follows[1].Follower)
	unfollow := got[2].Payload.(FollowerPayload)
	assert.Equal(t, "unfollow", unfollow.Action)
	assert.Equal(t, "alice", unfollow.Follower)

	members, err := st.SetMembers(context.Background(), store.FollowersKey("target"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"bob", "carol", "dave"}, members)
	assert.Equal(t, int64(3), k.Snapshot().FollowerCount)
}

func TestFollowerFastPathSkipsUnchangedCount(t *testing.T) {
	page := &scriptedPage{}
	page.setRoutes(
		pageRoute{match: "/followers", html: followersPage("alice", "bob")},
		pageRoute{match: "", html: profilePage("2")},
	)
	deps, st, bus := newTestDeps(t, page)

	k := NewKernel(newFollowerStream("f1"), deps)
	ch := bus.Join("f1", 32)
	defer bus.Leave("f1", ch)

	require.True(t, k.tick(context.Background()))
	drainEvents(ch)
	navsAfterSeed := page.navCount()

	// Same count, different cells; the listing must not even be fetched.
	page.setRoutes(
		pageRoute{match: "/followers", html: followersPage("carol", "dave")},
		pageRoute{match: "", html: profilePage("2")},
	)
	require.True(t, k.tick(context.Background()))

	assert.Empty(t, drainEvents(ch))
	for _, url := range page.navsFrom(navsAfterSeed) {
		assert.NotContains(t, url, "/followers")
	}
	members, err := st.SetMembers(context.Background(), store.FollowersKey("target"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, members)
}

func TestFollowerZeroCountDropGuard(t *testing.T) {
	page := &scriptedPage{}
	page.setRoutes(
		pageRoute{match: "/followers", html: followersPage("alice", "bob")},
		pageRoute{match: "", html: profilePage("2")},
	)
	deps, st, bus := newTestDeps(t, page)

	k := NewKernel(newFollowerStream("f1"), deps)
	ch := bus.Join("f1", 32)
	defer bus.Leave("f1", ch)

	require.True(t, k.tick(context.Background()))
	drainEvents(ch)

	page.setRoutes(
		pageRoute{match: "/followers", html: followersPage()},
		pageRoute{match: "", html: profilePage("0")},
	)
	require.True(t, k.tick(context.Background()))

	got := drainEvents(ch)
	require.Len(t, got, 1)
	assert.Equal(t, events.TopicError, got[0].Topic)
	assert.Equal(t, faults.KindNotFound.String(), got[0].Payload.(ErrorPayload).Kind)

	// Baseline intact, stream healthy.
	members, err := st.SetMembers(context.Background(), store.FollowersKey("target"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, members)
	snap := k.Snapshot()
	assert.Equal(t, StateRunning, snap.State)
	assert.Zero(t, snap.ConsecutiveErrors)
}

func TestTransientFailureBacksOffExponentially(t *testing.T) {
	page := &scriptedPage{}
	page.setRoutes(pageRoute{match: "", html: timelinePage([2]string{"target", "1111"})})
	deps, _, bus := newTestDeps(t, page)

	k := NewKernel(newTweetStream("s1"), deps)
	ch := bus.Join("s1", 32)
	defer bus.Leave("s1", ch)

	page.failNext(2, fmt.Errorf("connection reset"))
	before := time.Now()
	require.True(t, k.tick(context.Background()))

	snap := k.Snapshot()
	assert.Equal(t, StateBackoff, snap.State)
	assert.Equal(t, 1, snap.ConsecutiveErrors)
	assert.Contains(t, snap.LastError, "connection reset")
	// One failure doubles the 60s interval; jitter adds at most a quarter.
	assert.WithinRange(t, snap.BackoffUntil,
		before.Add(2*60*time.Second),
		time.Now().Add(2*60*time.Second+31*time.Second))

	got := drainEvents(ch)
	require.Len(t, got, 1)
	assert.Equal(t, events.TopicError, got[0].Topic)
	assert.Equal(t, faults.KindTransient.String(), got[0].Payload.(ErrorPayload).Kind)

	before = time.Now()
	require.True(t, k.tick(context.Background()))
	snap = k.Snapshot()
	assert.Equal(t, 2, snap.ConsecutiveErrors)
	// Two failures quadruple it.
	assert.WithinRange(t, snap.BackoffUntil,
		before.Add(4*60*time.Second),
		time.Now().Add(4*60*time.Second+61*time.Second))
}

func TestSuccessClearsBackoff(t *testing.T) {
	page := &scriptedPage{}
	page.setRoutes(pageRoute{match: "", html: timelinePage([2]string{"target", "1111"})})
	deps, _, _ := newTestDeps(t, page)

	k := NewKernel(newTweetStream("s1"), deps)
	page.failNext(1, fmt.Errorf("flaky proxy"))
	require.True(t, k.tick(context.Background()))
	require.Equal(t, StateBackoff, k.Snapshot().State)

	require.True(t, k.tick(context.Background()))

	snap := k.Snapshot()
	assert.Equal(t, StateRunning, snap.State)
	assert.Zero(t, snap.ConsecutiveErrors)
	assert.True(t, snap.BackoffUntil.IsZero())
	assert.Empty(t, snap.LastError)
}

func TestAuthFailurePausesStream(t *testing.T) {
	page := &scriptedPage{}
	page.setRoutes(
		pageRoute{match: "/followers", html: loginWallPage},
		pageRoute{match: "", html: profilePage("1")},
	)
	deps, st, bus := newTestDeps(t, page)
	exits := &exitRecorder{}
	deps.OnExit = exits.record

	k := NewKernel(newFollowerStream("f1"), deps)
	ch := bus.Join("f1", 32)
	defer bus.Leave("f1", ch)

	require.False(t, k.tick(context.Background()), "auth failure must retire the kernel")

	snap := k.Snapshot()
	assert.Equal(t, StatePaused, snap.State)
	assert.Contains(t, snap.LastError, "login wall")
	assert.Equal(t, []string{"f1"}, exits.all())

	got := drainEvents(ch)
	require.Len(t, got, 1)
	assert.Equal(t, faults.KindAuthExpired.String(), got[0].Payload.(ErrorPayload).Kind)

	var rec Stream
	require.NoError(t, st.Get(context.Background(), store.StreamKey("f1"), &rec))
	assert.Equal(t, StatePaused, rec.State)
}

func TestGoneTargetStopsStream(t *testing.T) {
	page := &scriptedPage{}
	page.setRoutes(pageRoute{match: "", html: goneAccountPage})
	deps, st, _ := newTestDeps(t, page)
	exits := &exitRecorder{}
	deps.OnExit = exits.record

	k := NewKernel(newTweetStream("s1"), deps)
	require.False(t, k.tick(context.Background()))

	assert.Equal(t, StateStopped, k.Snapshot().State)
	assert.Equal(t, []string{"s1"}, exits.all())

	var rec Stream
	require.NoError(t, st.Get(context.Background(), store.StreamKey("s1"), &rec))
	assert.Equal(t, StateStopped, rec.State)
}

func TestConsecutiveErrorBudgetStopsStream(t *testing.T) {
	page := &scriptedPage{}
	page.setRoutes(pageRoute{match: "", html: timelinePage([2]string{"target", "1111"})})
	deps, _, bus := newTestDeps(t, page)
	deps.Cfg.MaxConsecutiveErrors = 2
	exits := &exitRecorder{}
	deps.OnExit = exits.record

	k := NewKernel(newTweetStream("s1"), deps)
	ch := bus.Join("s1", 32)
	defer bus.Leave("s1", ch)
	page.failNext(10, fmt.Errorf("proxy down"))

	require.True(t, k.tick(context.Background()))
	require.False(t, k.tick(context.Background()))

	snap := k.Snapshot()
	assert.Equal(t, StateStopped, snap.State)
	assert.Equal(t, 2, snap.ConsecutiveErrors)
	assert.Equal(t, []string{"s1"}, exits.all())
	assert.Len(t, drainEvents(ch), 2)
}

func TestTickSkipsWhenLockHeldElsewhere(t *testing.T) {
	page := &scriptedPage{}
	page.setRoutes(pageRoute{match: "", html: timelinePage([2]string{"target", "1111"})})
	deps, st, bus := newTestDeps(t, page)

	held, err := st.AcquireLock(context.Background(), store.PollLockKey("s1"), "other-process", time.Minute)
	require.NoError(t, err)
	require.True(t, held)

	k := NewKernel(newTweetStream("s1"), deps)
	ch := bus.Join("s1", 32)
	defer bus.Leave("s1", ch)

	require.True(t, k.tick(context.Background()))

	assert.Zero(t, page.navCount(), "a contended tick must not touch the site")
	assert.Empty(t, drainEvents(ch))
	assert.Zero(t, k.Snapshot().ConsecutiveErrors)
}

func TestEventsPersistedToRing(t *testing.T) {
	page := &scriptedPage{}
	page.setRoutes(pageRoute{match: "", html: timelinePage(
		[2]string{"target", "1111"},
		[2]string{"target", "2222"},
	)})
	deps, st, _ := newTestDeps(t, page)

	k := NewKernel(newTweetStream("s1"), deps)
	require.True(t, k.tick(context.Background()))

	raw, err := st.Range(context.Background(), store.EventsKey("s1"), 0, -1)
	require.NoError(t, err)
	require.Len(t, raw, 2)
	// Ring head is the newest event.
	assert.Contains(t, raw[0], `"2222"`)
	assert.Contains(t, raw[1], `"1111"`)
}

func TestRunLoopPollsPromptlyAndPeriodically(t *testing.T) {
	page := &scriptedPage{}
	page.setRoutes(pageRoute{match: "", html: timelinePage([2]string{"target", "1111"})})
	deps, _, _ := newTestDeps(t, page)

	s := newTweetStream("s1")
	s.Interval = 25 * time.Millisecond
	k := NewKernel(s, deps)

	ctx, cancel := context.WithCancel(context.Background())
	k.Start(ctx)

	require.Eventually(t, func() bool { return page.navCount() >= 2 },
		3*time.Second, 10*time.Millisecond, "loop should poll more than once")

	cancel()
	select {
	case <-k.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("kernel did not unwind after cancellation")
	}
}

func TestSetIntervalRearmsTimer(t *testing.T) {
	page := &scriptedPage{}
	page.setRoutes(pageRoute{match: "", html: timelinePage([2]string{"target", "1111"})})
	deps, _, _ := newTestDeps(t, page)

	s := newTweetStream("s1")
	s.Interval = time.Hour
	k := NewKernel(s, deps)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	k.Start(ctx)

	require.Eventually(t, func() bool { return page.navCount() == 1 },
		3*time.Second, 10*time.Millisecond)

	k.SetInterval(context.Background(), 25*time.Millisecond)

	require.Eventually(t, func() bool { return page.navCount() >= 2 },
		3*time.Second, 10*time.Millisecond, "shortened interval should trigger another poll")
	assert.Equal(t, 25*time.Millisecond, k.Snapshot().Interval)
}
