package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/talonhq/talon/internal/circadian"
	"github.com/talonhq/talon/internal/config"
	"github.com/talonhq/talon/internal/policy"
	"github.com/talonhq/talon/internal/sessions"
)

// tweetDetail is a status page for the like and reply flows.
func tweetDetail(author, id, text string, liked bool) string {
	btn := `<button data-testid="like"></button>`
	if liked {
		btn = `<button data-testid="unlike"></button>`
	}
	return signedInShell("kestrel", fmt.Sprintf(`<article data-testid="tweet">
  <a href="/%s/status/%s"><time datetime="2026-08-25T09:00:00.000Z">1h</time></a>
  <div data-testid="tweetText">%s</div>
  <button data-testid="reply"></button>
  %s
</article>`, author, id, text, btn))
}

// followablePage is a profile with the follow control in either state.
func followablePage(following bool) string {
	btn := `<button data-testid="1588-follow">Follow</button>`
	if following {
		btn = `<button data-testid="1588-unfollow">Following</button>`
	}
	return signedInShell("kestrel", btn)
}

// profilePage carries the header the profile extractor requires.
func profilePage(handle, name string) string {
	return signedInShell(handle, fmt.Sprintf(`
<div data-testid="UserName">%s<span>@%s</span></div>
<a href="/%s/following"><span>42</span> Following</a>
<a href="/%s/followers"><span>1,024</span> Followers</a>
<div>128 posts</div>`, name, handle, handle, handle))
}

// userCells renders a people-search listing. Each item is username,
// display name.
func userCells(items ...[2]string) string {
	var b strings.Builder
	for _, it := range items {
		fmt.Fprintf(&b, `<div data-testid="UserCell">
  <a href="/%s"><span>%s</span></a>
  <span>@%s</span>
</div>`, it[0], it[1], it[0])
	}
	return signedInShell("kestrel", b.String())
}

func navsContaining(navs []string, sub string) int {
	n := 0
	for _, u := range navs {
		if strings.Contains(u, sub) {
			n++
		}
	}
	return n
}

func TestSearchSlotLikesRelevantTweets(t *testing.T) {
	page := &scriptedPage{}
	page.setRoutes(
		pageRoute{match: "/search", html: signedInShell("kestrel", feedArticles(
			[3]string{"grace", "1111", "deep dive on raft consensus"},
			[3]string{"noise", "2222", "what I had for lunch"},
		))},
		pageRoute{match: "/status/1111", html: tweetDetail("grace", "1111", "deep dive on raft consensus", false)},
		pageRoute{match: "", html: signedInShell("kestrel", "")},
	)
	plan := &plannerScript{base: 10, scores: map[string]int{
		"deep dive on raft consensus": 68,
	}}
	deps, _, bus := newTestDeps(t, page, plan)
	a := New("kestrel", deps)

	ch := bus.Join("kestrel", 8)
	defer bus.Leave("kestrel", ch)

	ctx := context.Background()
	res, err := a.execute(ctx, circadian.Slot{
		Kind: circadian.SlotSearchEngage, Query: "golang", Intensity: 0.5,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.candidates)
	assert.Equal(t, 1, res.actions)

	used, err := deps.Quota.Used(ctx, KindLikes)
	require.NoError(t, err)
	assert.EqualValues(t, 1, used)

	got := drainEvents(ch)
	require.Len(t, got, 1)
	notice := got[0].Payload.(ActionNotice)
	assert.Equal(t, KindLikes, notice.Kind)
	assert.Equal(t, "/grace/status/1111", notice.Target)

	navs := page.allNavs()
	assert.Equal(t, 1, navsContaining(navs, "/status/1111"))
	assert.Zero(t, navsContaining(navs, "/status/2222"), "a low-scored tweet must not be opened")
}

func TestStandoutTweetDrawsReply(t *testing.T) {
	page := &scriptedPage{}
	page.setRoutes(
		pageRoute{match: "/search", html: signedInShell("kestrel", feedArticles(
			[3]string{"grace", "1111", "benchmarking zero-copy parsers"},
		))},
		pageRoute{match: "/status/1111", html: tweetDetail("grace", "1111", "benchmarking zero-copy parsers", false)},
		pageRoute{match: "", html: signedInShell("kestrel", "")},
	)
	plan := &plannerScript{
		base:   10,
		scores: map[string]int{"benchmarking zero-copy parsers": 90},
		reply:  "which allocator were you on?",
	}
	deps, _, bus := newTestDeps(t, page, plan)
	a := New("kestrel", deps)

	ch := bus.Join("kestrel", 8)
	defer bus.Leave("kestrel", ch)

	ctx := context.Background()
	res, err := a.execute(ctx, circadian.Slot{
		Kind: circadian.SlotSearchEngage, Query: "golang", Intensity: 0.5,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.actions, "a standout earns a like and a reply")

	likes, err := deps.Quota.Used(ctx, KindLikes)
	require.NoError(t, err)
	comments, err := deps.Quota.Used(ctx, KindComments)
	require.NoError(t, err)
	assert.EqualValues(t, 1, likes)
	assert.EqualValues(t, 1, comments)

	got := drainEvents(ch)
	require.Len(t, got, 2)
	assert.Equal(t, KindLikes, got[0].Payload.(ActionNotice).Kind)
	assert.Equal(t, KindComments, got[1].Payload.(ActionNotice).Kind)
}

func TestAlreadyLikedTweetSpendsNothing(t *testing.T) {
	page := &scriptedPage{}
	page.setRoutes(
		pageRoute{match: "/search", html: signedInShell("kestrel", feedArticles(
			[3]string{"grace", "1111", "deep dive on raft consensus"},
		))},
		pageRoute{match: "/status/1111", html: tweetDetail("grace", "1111", "deep dive on raft consensus", true)},
		pageRoute{match: "", html: signedInShell("kestrel", "")},
	)
	plan := &plannerScript{base: 10, scores: map[string]int{
		"deep dive on raft consensus": 68,
	}}
	deps, _, bus := newTestDeps(t, page, plan)
	a := New("kestrel", deps)

	ch := bus.Join("kestrel", 8)
	defer bus.Leave("kestrel", ch)

	ctx := context.Background()
	res, err := a.execute(ctx, circadian.Slot{
		Kind: circadian.SlotSearchEngage, Query: "golang", Intensity: 0.5,
	})
	require.NoError(t, err)
	assert.Zero(t, res.actions, "a no-op click is not an action")

	used, err := deps.Quota.Used(ctx, KindLikes)
	require.NoError(t, err)
	assert.Zero(t, used, "idempotent skips must not spend quota")
	assert.Empty(t, drainEvents(ch))
}

func TestDailyCapStopsLiking(t *testing.T) {
	page := &scriptedPage{}
	page.setRoutes(
		pageRoute{match: "/search", html: signedInShell("kestrel", feedArticles(
			[3]string{"grace", "1111", "tuning the go scheduler"},
			[3]string{"ada", "3333", "tracing allocations in production"},
		))},
		pageRoute{match: "/status/", html: tweetDetail("grace", "1111", "tuning the go scheduler", false)},
		pageRoute{match: "", html: signedInShell("kestrel", "")},
	)
	plan := &plannerScript{base: 65}

	cfg := testAgentConfig()
	cfg.DailyLimits = map[string]int{"likes": 1, "follows": 20, "comments": 10, "posts": 5}
	deps, _, _ := newTestDepsCfg(t, page, plan, cfg)
	a := New("kestrel", deps)

	ctx := context.Background()
	res, err := a.execute(ctx, circadian.Slot{
		Kind: circadian.SlotSearchEngage, Query: "golang", Intensity: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.actions, "the second like must hit the cap")

	used, err := deps.Quota.Used(ctx, KindLikes)
	require.NoError(t, err)
	assert.EqualValues(t, 1, used)
}

func TestPolicyDenialSkipsAction(t *testing.T) {
	page := &scriptedPage{}
	page.setRoutes(
		pageRoute{match: "/search", html: signedInShell("kestrel", feedArticles(
			[3]string{"grace", "1111", "tuning the go scheduler"},
		))},
		pageRoute{match: "/status/", html: tweetDetail("grace", "1111", "tuning the go scheduler", false)},
		pageRoute{match: "", html: signedInShell("kestrel", "")},
	)
	plan := &plannerScript{base: 68}
	deps, _, bus := newTestDeps(t, page, plan)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "agent.rego"), []byte(`package talon.agent

deny[msg] {
	input.action == "likes"
	msg := "likes are paused for this fleet"
}

decision = {"allow": count(deny) == 0, "reason": concat("; ", deny)}
`), 0o644))
	gate, err := policy.New(config.PolicyConfig{
		Enabled: true, Path: dir, Mode: policy.ModeEnforce,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	deps.Gate = gate

	a := New("kestrel", deps)
	ch := bus.Join("kestrel", 8)
	defer bus.Leave("kestrel", ch)

	ctx := context.Background()
	res, err := a.execute(ctx, circadian.Slot{
		Kind: circadian.SlotSearchEngage, Query: "golang", Intensity: 0.5,
	})
	require.NoError(t, err, "a denial is a skip, not a failure")
	assert.Equal(t, 1, res.candidates)
	assert.Zero(t, res.actions)

	used, err := deps.Quota.Used(ctx, KindLikes)
	require.NoError(t, err)
	assert.Zero(t, used)
	assert.Empty(t, drainEvents(ch))
}

func TestIntensityBoundsActionsPerSlot(t *testing.T) {
	page := &scriptedPage{}
	page.setRoutes(
		pageRoute{match: "/search", html: signedInShell("kestrel", feedArticles(
			[3]string{"a1", "1001", "go generics in anger"},
			[3]string{"a2", "1002", "profiling grpc streams"},
			[3]string{"a3", "1003", "the cost of cgo calls"},
			[3]string{"a4", "1004", "fuzzing wire decoders"},
			[3]string{"a5", "1005", "write barriers explained"},
		))},
		pageRoute{match: "/status/", html: tweetDetail("a1", "1001", "go generics in anger", false)},
		pageRoute{match: "", html: signedInShell("kestrel", "")},
	)
	// Likeable everywhere, but below the reply bar.
	plan := &plannerScript{base: 65}
	deps, _, _ := newTestDeps(t, page, plan)
	a := New("kestrel", deps)

	ctx := context.Background()
	res, err := a.execute(ctx, circadian.Slot{
		Kind: circadian.SlotSearchEngage, Query: "golang", Intensity: 0.5,
	})
	require.NoError(t, err)
	assert.Equal(t, 5, res.candidates)
	assert.Equal(t, 3, res.actions, "intensity 0.5 budgets three engagements")
}

func TestPeopleSearchFollowsHighScorers(t *testing.T) {
	page := &scriptedPage{}
	page.setRoutes(
		pageRoute{match: "f=user", html: userCells(
			[2]string{"kestrel", "Kestrel"},
			[2]string{"alice", "Alice Chen"},
			[2]string{"bob", "Bob Marsh"},
		)},
		pageRoute{match: "/alice", html: followablePage(false)},
		pageRoute{match: "", html: signedInShell("kestrel", "")},
	)
	plan := &plannerScript{base: 10, scores: map[string]int{
		"Alice Chen @alice": 82,
		"Bob Marsh @bob":    30,
	}}
	deps, _, bus := newTestDeps(t, page, plan)
	a := New("kestrel", deps)

	ch := bus.Join("kestrel", 8)
	defer bus.Leave("kestrel", ch)

	ctx := context.Background()
	res, err := a.execute(ctx, circadian.Slot{
		Kind: circadian.SlotSearchPeople, Query: "golang", Intensity: 0.5,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.candidates)
	assert.Equal(t, 1, res.actions)

	used, err := deps.Quota.Used(ctx, KindFollows)
	require.NoError(t, err)
	assert.EqualValues(t, 1, used)

	got := drainEvents(ch)
	require.Len(t, got, 1)
	notice := got[0].Payload.(ActionNotice)
	assert.Equal(t, KindFollows, notice.Kind)
	assert.Equal(t, "alice", notice.Target)

	navs := page.allNavs()
	assert.Equal(t, 1, navsContaining(navs, "/alice"))
	assert.Zero(t, navsContaining(navs, "/bob"), "low scorers and the agent itself stay unvisited")
}

func TestAlreadyFollowedUserSpendsNothing(t *testing.T) {
	page := &scriptedPage{}
	page.setRoutes(
		pageRoute{match: "f=user", html: userCells([2]string{"alice", "Alice Chen"})},
		pageRoute{match: "/alice", html: followablePage(true)},
		pageRoute{match: "", html: signedInShell("kestrel", "")},
	)
	plan := &plannerScript{base: 10, scores: map[string]int{"Alice Chen @alice": 82}}
	deps, _, _ := newTestDeps(t, page, plan)
	a := New("kestrel", deps)

	ctx := context.Background()
	res, err := a.execute(ctx, circadian.Slot{
		Kind: circadian.SlotSearchPeople, Query: "golang", Intensity: 0.5,
	})
	require.NoError(t, err)
	assert.Zero(t, res.actions)

	used, err := deps.Quota.Used(ctx, KindFollows)
	require.NoError(t, err)
	assert.Zero(t, used)
}

func TestMentionsSlotAnswersMentions(t *testing.T) {
	page := &scriptedPage{}
	page.setRoutes(
		// The mention search queries for the escaped @handle.
		pageRoute{match: "%40kestrel", html: signedInShell("kestrel", feedArticles(
			[3]string{"fan1", "7777", "@kestrel what do you think of the new gc?"},
			[3]string{"kestrel", "7778", "@kestrel talking to myself"},
		))},
		pageRoute{match: "/status/7777", html: tweetDetail("fan1", "7777", "@kestrel what do you think of the new gc?", false)},
		pageRoute{match: "", html: signedInShell("kestrel", "")},
	)
	plan := &plannerScript{
		base:   10,
		scores: map[string]int{"@kestrel what do you think of the new gc?": 85},
		reply:  "promising, watching the tail latencies",
	}
	deps, _, bus := newTestDeps(t, page, plan)
	a := New("kestrel", deps)

	ch := bus.Join("kestrel", 8)
	defer bus.Leave("kestrel", ch)

	ctx := context.Background()
	res, err := a.execute(ctx, circadian.Slot{
		Kind: circadian.SlotEngageReplies, Intensity: 0.5,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.candidates, "the agent's own posts are not mentions")
	assert.Equal(t, 2, res.actions)

	comments, err := deps.Quota.Used(ctx, KindComments)
	require.NoError(t, err)
	assert.EqualValues(t, 1, comments)

	got := drainEvents(ch)
	require.Len(t, got, 2)
	assert.Equal(t, KindComments, got[1].Payload.(ActionNotice).Kind)
	assert.Equal(t, "/fan1/status/7777", got[1].Payload.(ActionNotice).Target)
}

func TestCreateContentPublishesDraft(t *testing.T) {
	page := &scriptedPage{}
	page.setRoutes(pageRoute{match: "", html: signedInShell("kestrel", "")})
	plan := &plannerScript{base: 10, post: "shipping a little scheduler experiment today"}
	deps, _, bus := newTestDeps(t, page, plan)
	a := New("kestrel", deps)

	ch := bus.Join("kestrel", 8)
	defer bus.Leave("kestrel", ch)

	ctx := context.Background()
	res, err := a.execute(ctx, circadian.Slot{Kind: circadian.SlotCreateContent, Intensity: 0.3})
	require.NoError(t, err)
	assert.Equal(t, 1, res.candidates)
	assert.Equal(t, 1, res.actions)

	used, err := deps.Quota.Used(ctx, KindPosts)
	require.NoError(t, err)
	assert.EqualValues(t, 1, used)

	got := drainEvents(ch)
	require.Len(t, got, 1)
	notice := got[0].Payload.(ActionNotice)
	assert.Equal(t, KindPosts, notice.Kind)
	assert.Equal(t, "shipping a little scheduler experiment today", notice.Target)

	assert.Equal(t, 1, navsContaining(page.allNavs(), "/compose/post"))
}

func TestPlannerSilenceSkipsPosting(t *testing.T) {
	page := &scriptedPage{}
	page.setRoutes(pageRoute{match: "", html: signedInShell("kestrel", "")})

	for name, plan := range map[string]*plannerScript{
		"empty draft":    {base: 10, post: "   "},
		"planner failed": {base: 10, postErr: fmt.Errorf("model overloaded")},
	} {
		t.Run(name, func(t *testing.T) {
			deps, _, bus := newTestDeps(t, page, plan)
			a := New("kestrel", deps)
			ch := bus.Join("kestrel", 8)
			defer bus.Leave("kestrel", ch)

			res, err := a.execute(context.Background(), circadian.Slot{Kind: circadian.SlotCreateContent})
			require.NoError(t, err, "a quiet planner is not a slot failure")
			assert.Zero(t, res.actions)
			assert.Empty(t, drainEvents(ch))
		})
	}
}

func TestOwnProfileVisitObservesOnly(t *testing.T) {
	page := &scriptedPage{}
	page.setRoutes(
		pageRoute{match: "/kestrel", html: profilePage("kestrel", "Kestrel")},
		pageRoute{match: "", html: signedInShell("kestrel", "")},
	)
	deps, _, bus := newTestDeps(t, page, &plannerScript{base: 99})
	a := New("kestrel", deps)

	ch := bus.Join("kestrel", 8)
	defer bus.Leave("kestrel", ch)

	res, err := a.execute(context.Background(), circadian.Slot{Kind: circadian.SlotOwnProfile})
	require.NoError(t, err)
	assert.Equal(t, 1, res.candidates)
	assert.Zero(t, res.actions, "a profile visit never engages")
	assert.Empty(t, drainEvents(ch))
}

func TestExploreFollowsTopicHints(t *testing.T) {
	page := &scriptedPage{}
	page.setRoutes(pageRoute{match: "", html: signedInShell("kestrel", "")})

	deps, _, _ := newTestDeps(t, page, &plannerScript{base: 10})
	a := New("kestrel", deps)
	_, err := a.execute(context.Background(), circadian.Slot{Kind: circadian.SlotExplore})
	require.NoError(t, err)
	assert.Equal(t, 1, navsContaining(page.allNavs(), "q=distributed"),
		"explore should search the configured hints")

	// Without hints or queries the slot wanders the home feed.
	bare := &scriptedPage{}
	bare.setRoutes(pageRoute{match: "", html: signedInShell("kestrel", "")})
	cfg := testAgentConfig()
	cfg.TopicHints = nil
	cfg.SearchQueries = nil
	deps, _, _ = newTestDepsCfg(t, bare, &plannerScript{base: 10}, cfg)
	a = New("kestrel", deps)
	_, err = a.execute(context.Background(), circadian.Slot{Kind: circadian.SlotExplore})
	require.NoError(t, err)
	assert.Equal(t, 1, navsContaining(bare.allNavs(), "/home"))
}

func TestSlotSavesSessionThroughLease(t *testing.T) {
	page := &scriptedPage{}
	page.setRoutes(pageRoute{match: "", html: signedInShell("kestrel", "")})
	deps, _, _ := newTestDeps(t, page, &plannerScript{base: 10})

	t.Setenv("TALON_SESSION_KEY", strings.Repeat("a1", 32))
	dir := t.TempDir()
	jar, err := sessions.New(config.SessionsConfig{Dir: dir, KeyEnv: "TALON_SESSION_KEY"},
		zaptest.NewLogger(t))
	require.NoError(t, err)
	require.True(t, jar.Enabled())
	deps.Sessions = jar

	a := New("kestrel", deps)
	_, err = a.execute(context.Background(), circadian.Slot{Kind: circadian.SlotHomeFeed})
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, "kestrel.session"))
	require.NoError(t, err, "the first slot should seal a session jar")

	a.mu.Lock()
	saved := a.lastSave
	a.mu.Unlock()
	assert.False(t, saved.IsZero())

	// A back-to-back slot is inside the save interval and must not
	// rewrite the jar.
	_, err = a.execute(context.Background(), circadian.Slot{Kind: circadian.SlotHomeFeed})
	require.NoError(t, err)
	a.mu.Lock()
	assert.Equal(t, saved, a.lastSave)
	a.mu.Unlock()
}

func TestSlotDeadlineStopsEngaging(t *testing.T) {
	page := &scriptedPage{}
	page.setRoutes(
		pageRoute{match: "/search", html: signedInShell("kestrel", feedArticles(
			[3]string{"a1", "1001", "go generics in anger"},
			[3]string{"a2", "1002", "profiling grpc streams"},
		))},
		pageRoute{match: "/status/", html: tweetDetail("a1", "1001", "go generics in anger", false)},
		pageRoute{match: "", html: signedInShell("kestrel", "")},
	)
	plan := &plannerScript{base: 65}
	deps, _, _ := newTestDeps(t, page, plan)
	a := New("kestrel", deps)

	// The first clock read computes the deadline; every later read is
	// an hour on, so the deadline trips before the first engagement.
	base := time.Now()
	reads := 0
	a.now = func() time.Time {
		reads++
		if reads == 1 {
			return base
		}
		return base.Add(time.Hour)
	}

	res, err := a.execute(context.Background(), circadian.Slot{
		Kind: circadian.SlotSearchEngage, Query: "golang",
		Duration: time.Minute, Intensity: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.candidates)
	assert.Zero(t, res.actions, "an expired slot only browses")
}
