package agent

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/talonhq/talon/internal/browser"
	"github.com/talonhq/talon/internal/circadian"
	"github.com/talonhq/talon/internal/events"
	"github.com/talonhq/talon/internal/faults"
	"github.com/talonhq/talon/internal/history"
	"github.com/talonhq/talon/internal/metrics"
	"github.com/talonhq/talon/internal/policy"
	"github.com/talonhq/talon/internal/scraper"
	"github.com/talonhq/talon/internal/tracing"
)

// slotResult summarizes one executed activity slot.
type slotResult struct {
	candidates int
	actions    int
}

// action is one gated mutating step within a slot.
type action struct {
	kind   string // quota kind
	op     string // scraper operation
	target string
	args   scraper.Args
}

// execute runs one activity: acquire a page, browse, engage. Per-item
// misses are skipped inside the engage loops; only slot-fatal failures
// reach the caller.
func (a *Agent) execute(ctx context.Context, slot circadian.Slot) (slotResult, error) {
	var res slotResult

	var deadline time.Time
	if slot.Duration > 0 {
		deadline = a.now().Add(slot.Duration)
	}

	lease, err := a.deps.Pool.Acquire(ctx)
	if err != nil {
		return res, err
	}
	defer lease.Release()
	a.restoreSession(ctx, lease)
	page := lease.Page()
	defer a.maybeSaveSession(ctx, lease)

	if slot.Kind == circadian.SlotCreateContent {
		return a.composePost(ctx, page, slot)
	}

	op, args := a.browseOp(slot)
	out, err := a.browse(ctx, page, op, args)
	if err != nil {
		return res, err
	}

	switch items := out.(type) {
	case []scraper.Tweet:
		res.candidates = len(items)
		res.actions, err = a.engageTweets(ctx, page, slot, items, deadline)
		return res, err
	case []scraper.User:
		res.candidates = len(items)
		res.actions, err = a.engageUsers(ctx, page, slot, items, deadline)
		return res, err
	case *scraper.Profile:
		// Own-profile visits are pure observation.
		res.candidates = 1
		a.log.Debug("Profile reviewed",
			zap.String("username", items.Username),
			zap.Int64("followers", items.Counts.Followers))
		return res, nil
	default:
		return res, faults.Newf(faults.KindFatal, "agent.activity",
			"operation %s returned %T", op, out)
	}
}

// browseOp maps a slot kind onto the operation that lists its
// candidates. Home feed is the fallback for anything unrecognized.
func (a *Agent) browseOp(slot circadian.Slot) (string, scraper.Args) {
	switch slot.Kind {
	case circadian.SlotSearchEngage:
		return scraper.OpSearchTweets, scraper.Args{"query": slot.Query}
	case circadian.SlotInfluencerVisit:
		return scraper.OpListTweetsByUser, scraper.Args{"username": slot.Username}
	case circadian.SlotEngageReplies:
		return scraper.OpSearchMentions, scraper.Args{"username": a.id}
	case circadian.SlotSearchPeople:
		return scraper.OpSearchPeople, scraper.Args{"query": slot.Query}
	case circadian.SlotOwnProfile:
		return scraper.OpExtractProfile, scraper.Args{"username": a.id}
	case circadian.SlotExplore:
		if q := a.exploreQuery(); q != "" {
			return scraper.OpSearchTweets, scraper.Args{"query": q}
		}
		return scraper.OpListHomeTimeline, scraper.Args{}
	default:
		return scraper.OpListHomeTimeline, scraper.Args{}
	}
}

// exploreQuery picks a wander topic: hints first, then the configured
// searches. Empty means explore falls back to the home feed.
func (a *Agent) exploreQuery() string {
	if n := len(a.deps.Cfg.TopicHints); n > 0 {
		return a.deps.Cfg.TopicHints[a.rng.Intn(n)]
	}
	if n := len(a.deps.Cfg.SearchQueries); n > 0 {
		return a.deps.Cfg.SearchQueries[a.rng.Intn(n)]
	}
	return ""
}

// browse throttles the operation's endpoint and runs it.
func (a *Agent) browse(ctx context.Context, page browser.Page, op string, args scraper.Args) (any, error) {
	endpoint := a.deps.Dispatch.Endpoint(op)
	if err := a.deps.Rate.Throttle(ctx, endpoint); err != nil {
		return nil, err
	}
	out, err := a.deps.Dispatch.Run(ctx, op, page, args, 0)
	if err != nil && faults.IsKind(err, faults.KindRateLimited) {
		a.deps.Rate.OnRateLimited(ctx, endpoint, 0)
	}
	return out, err
}

// engageTweets likes the relevant items and replies to the standouts,
// within the slot's budget and remaining time.
func (a *Agent) engageTweets(ctx context.Context, page browser.Page, slot circadian.Slot, tweets []scraper.Tweet, deadline time.Time) (int, error) {
	budget := actionBudget(slot.Intensity)
	actions := 0
	for _, t := range tweets {
		if actions >= budget {
			break
		}
		if ctx.Err() != nil {
			return actions, ctx.Err()
		}
		if !deadline.IsZero() && a.now().After(deadline) {
			a.log.Debug("Slot time spent", zap.String("activity", string(slot.Kind)))
			break
		}
		if t.URL == "" || strings.EqualFold(t.Author, a.id) {
			continue
		}

		score := a.scores.score(ctx, t.ID, t.Text)
		if score < likeThreshold {
			continue
		}

		performed, err := a.act(ctx, page, slot, action{
			kind:   KindLikes,
			op:     scraper.OpClickLike,
			target: t.URL,
			args:   scraper.Args{"tweet_url": t.URL},
		})
		if err != nil {
			if slotFatal(err) {
				return actions, err
			}
			continue
		}
		if performed {
			actions++
		}

		if score >= replyThreshold && actions < budget {
			performed, err = a.replyTo(ctx, page, slot, t)
			if err != nil {
				if slotFatal(err) {
					return actions, err
				}
				continue
			}
			if performed {
				actions++
			}
		}
	}
	return actions, nil
}

// engageUsers follows people-search results the planner rates highly.
func (a *Agent) engageUsers(ctx context.Context, page browser.Page, slot circadian.Slot, users []scraper.User, deadline time.Time) (int, error) {
	budget := actionBudget(slot.Intensity)
	actions := 0
	for _, u := range users {
		if actions >= budget {
			break
		}
		if ctx.Err() != nil {
			return actions, ctx.Err()
		}
		if !deadline.IsZero() && a.now().After(deadline) {
			break
		}
		if u.Username == "" || strings.EqualFold(u.Username, a.id) {
			continue
		}

		// The listing carries no bio, so the handle and display name
		// are all the planner gets to judge.
		score := a.scores.score(ctx, "user:"+u.Username, u.DisplayName+" @"+u.Username)
		if score < followThreshold {
			continue
		}

		performed, err := a.act(ctx, page, slot, action{
			kind:   KindFollows,
			op:     scraper.OpClickFollow,
			target: u.Username,
			args:   scraper.Args{"username": u.Username},
		})
		if err != nil {
			if slotFatal(err) {
				return actions, err
			}
			continue
		}
		if performed {
			actions++
		}
	}
	return actions, nil
}

// replyTo asks the planner for text and posts it as a comment. An
// empty draft or a planner failure skips quietly.
func (a *Agent) replyTo(ctx context.Context, page browser.Page, slot circadian.Slot, t scraper.Tweet) (bool, error) {
	text, err := a.deps.Planner.GenerateReply(ctx, t)
	if err != nil {
		a.log.Debug("Planner declined to draft a reply",
			zap.String("tweet", t.URL), zap.Error(err))
		return false, nil
	}
	if strings.TrimSpace(text) == "" {
		return false, nil
	}
	return a.act(ctx, page, slot, action{
		kind:   KindComments,
		op:     scraper.OpPostComment,
		target: t.URL,
		args:   scraper.Args{"tweet_url": t.URL, "text": text},
	})
}

// composePost drafts and publishes an original post.
func (a *Agent) composePost(ctx context.Context, page browser.Page, slot circadian.Slot) (slotResult, error) {
	var res slotResult
	text, err := a.deps.Planner.GeneratePost(ctx, a.deps.Cfg.TopicHints)
	if err != nil {
		a.log.Debug("Planner declined to draft a post", zap.Error(err))
		return res, nil
	}
	if strings.TrimSpace(text) == "" {
		return res, nil
	}
	res.candidates = 1

	performed, err := a.act(ctx, page, slot, action{
		kind:   KindPosts,
		op:     scraper.OpPostTweet,
		target: snippet(text),
		args:   scraper.Args{"text": text},
	})
	if err != nil {
		if slotFatal(err) {
			return res, err
		}
		return res, nil
	}
	if performed {
		res.actions = 1
	}
	return res, nil
}

// act runs one mutating step through the full gate chain: quota check,
// policy gate, rate throttle, then the operation. Posts and comments
// always perform, so their budget is spent before the click; likes and
// follows can come back Performed=false (already in the desired
// state), so they spend only after the receipt confirms.
func (a *Agent) act(ctx context.Context, page browser.Page, slot circadian.Slot, act action) (bool, error) {
	ok, err := a.deps.Quota.Allow(ctx, act.kind)
	if err != nil {
		return false, err
	}
	if !ok {
		metrics.QuotaExhausted.WithLabelValues(act.kind).Inc()
		a.recordAction(slot, act, history.OutcomeSkipped, "daily quota spent")
		return false, nil
	}

	if a.deps.Gate != nil {
		used, err := a.deps.Quota.Used(ctx, act.kind)
		if err != nil {
			return false, err
		}
		limit, _ := a.deps.Quota.Limit(act.kind)
		local := a.now().In(a.loc)
		d := a.deps.Gate.Evaluate(ctx, policy.Input{
			AgentID:    a.id,
			Action:     act.kind,
			Activity:   string(slot.Kind),
			Target:     act.target,
			Hour:       local.Hour(),
			Weekday:    local.Weekday().String(),
			QuotaUsed:  used,
			QuotaLimit: limit,
			Intensity:  slot.Intensity,
		})
		if !d.Allow {
			a.log.Info("Action denied by policy",
				zap.String("action", act.kind),
				zap.String("target", act.target),
				zap.String("reason", d.Reason))
			metrics.AgentActions.WithLabelValues(act.kind, "denied").Inc()
			a.recordAction(slot, act, history.OutcomeDenied, d.Reason)
			return false, nil
		}
	}

	endpoint := a.deps.Dispatch.Endpoint(act.op)
	if err := a.deps.Rate.Throttle(ctx, endpoint); err != nil {
		return false, err
	}

	if spendUpFront(act.kind) {
		if err := a.deps.Quota.Spend(ctx, act.kind); err != nil {
			return false, err
		}
	}

	opCtx, span := tracing.StartOperationSpan(ctx, act.op, act.target)
	defer span.End()
	res, err := a.deps.Dispatch.Run(opCtx, act.op, page, act.args, 0)
	if err != nil {
		if faults.IsKind(err, faults.KindRateLimited) {
			a.deps.Rate.OnRateLimited(ctx, endpoint, 0)
		}
		metrics.AgentActions.WithLabelValues(act.kind, "failed").Inc()
		a.recordAction(slot, act, history.OutcomeFailed, err.Error())
		return false, err
	}

	receipt, ok := res.(scraper.ActionReceipt)
	if !ok {
		return false, faults.Newf(faults.KindFatal, "agent.act",
			"operation %s returned %T, want scraper.ActionReceipt", act.op, res)
	}
	if !receipt.Performed {
		metrics.AgentActions.WithLabelValues(act.kind, "skipped").Inc()
		a.recordAction(slot, act, history.OutcomeSkipped, "already in the desired state")
		return false, nil
	}

	if !spendUpFront(act.kind) {
		if err := a.deps.Quota.Spend(ctx, act.kind); err != nil {
			// The click landed; keep the receipt and surface the
			// store failure to the loop.
			metrics.AgentActions.WithLabelValues(act.kind, "performed").Inc()
			a.recordAction(slot, act, history.OutcomePerformed, "quota record failed: "+err.Error())
			return true, err
		}
	}

	metrics.AgentActions.WithLabelValues(act.kind, "performed").Inc()
	a.recordAction(slot, act, history.OutcomePerformed, "")
	a.deps.Bus.Publish(a.id, events.TopicAgent, ActionNotice{
		AgentID:  a.id,
		Activity: string(slot.Kind),
		Kind:     act.kind,
		Target:   act.target,
		At:       receipt.At,
	})
	a.log.Info("Action performed",
		zap.String("action", act.kind),
		zap.String("target", act.target),
		zap.String("activity", string(slot.Kind)))
	return true, nil
}

func (a *Agent) recordAction(slot circadian.Slot, act action, outcome, detail string) {
	if a.deps.History == nil {
		return
	}
	a.deps.History.RecordAction(history.Action{
		AgentID:  a.id,
		Activity: string(slot.Kind),
		Kind:     act.kind,
		Target:   act.target,
		Detail:   detail,
		Outcome:  outcome,
	})
}

// maybeSaveSession persists cookies through the held lease when the
// last save is old enough.
func (a *Agent) maybeSaveSession(ctx context.Context, lease *browser.Lease) {
	if a.deps.Sessions == nil || !a.deps.Sessions.Enabled() {
		return
	}
	a.mu.Lock()
	due := a.lastSave.IsZero() || a.now().Sub(a.lastSave) >= sessionSaveEvery
	a.mu.Unlock()
	if !due {
		return
	}
	if err := a.deps.Sessions.Save(ctx, a.id, lease.Handle()); err != nil {
		a.log.Warn("Session save failed", zap.Error(err))
		return
	}
	a.mu.Lock()
	a.lastSave = a.now()
	a.mu.Unlock()
}

// spendUpFront reports whether kind's operation always performs.
func spendUpFront(kind string) bool {
	return kind == KindPosts || kind == KindComments
}

// slotFatal reports errors that must abort the whole slot: session
// loss, upstream limits, store outages, invariant violations, and
// cancellation. Anything else is a per-item miss worth skipping past.
func slotFatal(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	switch faults.KindOf(err) {
	case faults.KindAuthExpired, faults.KindUnauthorized, faults.KindRateLimited,
		faults.KindFatal, faults.KindStateStore:
		return true
	}
	return false
}

// actionBudget converts slot intensity into a per-slot engagement cap.
// Even a maximum-intensity slot stays small; quotas guard the day.
func actionBudget(intensity float64) int {
	if intensity <= 0 {
		return 1
	}
	n := 1 + int(intensity*4)
	if n > 5 {
		n = 5
	}
	return n
}

func snippet(s string) string {
	r := []rune(s)
	if len(r) <= 80 {
		return s
	}
	return string(r[:77]) + "..."
}
