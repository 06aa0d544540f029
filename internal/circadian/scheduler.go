// Package circadian turns an hour-by-hour behavior template into a
// day plan of activity slots with human-shaped variance: irregular
// drops, jittered times and durations, occasional binges, weekend
// lie-ins, and a sleep window that may wrap midnight.
//
// The scheduler is deterministic under a fixed seed; wall-clock reads
// go through a swappable clock so tests can pin the day.
package circadian

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/talonhq/talon/internal/config"
	"github.com/talonhq/talon/internal/faults"
	"github.com/talonhq/talon/internal/store"
)

// SlotKind names one agent activity.
type SlotKind string

const (
	SlotHomeFeed        SlotKind = "home-feed"
	SlotSearchEngage    SlotKind = "search-engage"
	SlotInfluencerVisit SlotKind = "influencer-visit"
	SlotCreateContent   SlotKind = "create-content"
	SlotEngageReplies   SlotKind = "engage-replies"
	SlotExplore         SlotKind = "explore"
	SlotOwnProfile      SlotKind = "own-profile"
	SlotSearchPeople    SlotKind = "search-people"
	SlotSleep           SlotKind = "sleep"
)

// Slot is one scheduled unit of agent work.
type Slot struct {
	Kind         SlotKind      `json:"kind"`
	ScheduledFor time.Time     `json:"scheduled_for"`
	Duration     time.Duration `json:"duration"`
	Intensity    float64       `json:"intensity"`
	Query        string        `json:"query,omitempty"`
	Username     string        `json:"username,omitempty"`
}

const (
	// graceWindow keeps a slightly late slot eligible; anything older
	// is skipped as missed.
	graceWindow = 15 * time.Minute

	// maxTimeJitter clamps the Gaussian start-time noise.
	maxTimeJitter = 30 * time.Minute

	dayFormat = "2006-01-02"
)

// Scheduler builds and serves one day plan at a time for one agent.
// Plans are cached in the store under the owner so a restart mid-day
// resumes the same shape instead of rolling a fresh one.
type Scheduler struct {
	owner    string
	cfg      config.AgentConfig
	tmpl     Template
	store    *store.Store // optional; nil keeps plans in memory only
	log      *zap.Logger
	loc      *time.Location
	variance time.Duration

	mu      sync.Mutex
	rng     *rand.Rand
	planDay string
	plan    []Slot
	cursor  int
	now     func() time.Time
}

// New builds a scheduler seeded from the wall clock.
func New(owner string, cfg config.AgentConfig, tmpl Template, st *store.Store, logger *zap.Logger) *Scheduler {
	return NewSeeded(owner, cfg, tmpl, st, logger, time.Now().UnixNano())
}

// NewSeeded fixes the random source so plans are reproducible.
func NewSeeded(owner string, cfg config.AgentConfig, tmpl Template, st *store.Store, logger *zap.Logger, seed int64) *Scheduler {
	variance := time.Duration(cfg.VarianceMinutes) * time.Minute
	if variance <= 0 {
		variance = 20 * time.Minute
	}
	return &Scheduler{
		owner:    owner,
		cfg:      cfg,
		tmpl:     tmpl,
		store:    st,
		log:      logger,
		loc:      cfg.Location(),
		variance: variance,
		rng:      rand.New(rand.NewSource(seed)),
		now:      time.Now,
	}
}

// Next returns the slot the agent should act on now: a sleep slot
// lasting until wake when inside the sleep window, otherwise the
// nearest plan slot that is not stale, otherwise a light home-feed
// filler scheduled a few minutes out.
func (s *Scheduler) Next(ctx context.Context) Slot {
	s.mu.Lock()
	defer s.mu.Unlock()

	local := s.now().In(s.loc)
	if asleep, wake := s.sleepUntil(local); asleep {
		return Slot{Kind: SlotSleep, ScheduledFor: local, Duration: wake.Sub(local)}
	}

	s.ensurePlan(ctx, local)
	stale := local.Add(-graceWindow)
	for s.cursor < len(s.plan) {
		slot := s.plan[s.cursor]
		s.cursor++
		if slot.ScheduledFor.Before(stale) {
			continue
		}
		return slot
	}

	// Plan exhausted; pad the evening with a light feed check.
	return Slot{
		Kind:         SlotHomeFeed,
		ScheduledFor: local.Add(time.Duration(1+s.rng.Intn(4)) * time.Minute),
		Duration:     3 * time.Minute,
		Intensity:    0.2,
	}
}

// Today returns a copy of the current day plan, building it if needed.
func (s *Scheduler) Today(ctx context.Context) []Slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensurePlan(ctx, s.now().In(s.loc))
	out := make([]Slot, len(s.plan))
	copy(out, s.plan)
	return out
}

func (s *Scheduler) ensurePlan(ctx context.Context, local time.Time) {
	day := local.Format(dayFormat)
	if s.planDay == day {
		return
	}
	s.planDay = day
	s.cursor = 0
	if s.store != nil {
		var cached []Slot
		err := s.store.Get(ctx, store.PlanKey(s.owner, day), &cached)
		if err == nil && len(cached) > 0 {
			s.plan = cached
			s.log.Info("Day plan restored",
				zap.String("day", day),
				zap.Int("slots", len(cached)))
			return
		}
		if err != nil && !faults.IsKind(err, faults.KindNotFound) {
			s.log.Warn("Day plan lookup failed", zap.String("day", day), zap.Error(err))
		}
	}
	s.plan = s.buildPlan(local)
	s.log.Info("Day plan built",
		zap.String("day", day),
		zap.Int("slots", len(s.plan)),
		zap.Bool("weekend", isWeekend(local)))
	if s.store != nil {
		if err := s.store.Set(ctx, store.PlanKey(s.owner, day), s.plan, s.store.DefaultTTL()); err != nil {
			s.log.Warn("Day plan persist failed", zap.String("day", day), zap.Error(err))
		}
	}
}

// buildPlan rolls the day's slots. Draw order per candidate is fixed
// (argument, keep, drop, time jitter, duration jitter, binge, weekend
// shift) so a seeded scheduler reproduces the same plan.
func (s *Scheduler) buildPlan(local time.Time) []Slot {
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.loc)
	weekend := isWeekend(local)

	var plan []Slot
	for hour := 0; hour < 24; hour++ {
		if s.inSleepHours(hour) {
			continue
		}
		intensity := s.tmpl.Intensity[hour]
		arch := s.tmpl.archetypeFor(hour)
		n := len(arch.Activities)
		for i, act := range arch.Activities {
			query, username, ok := s.slotArgs(act.Kind)
			if !ok {
				continue
			}
			if s.rng.Float64() >= act.Weight*intensity {
				continue
			}
			if s.rng.Float64() < s.tmpl.Drop {
				continue
			}

			// Nominal position spreads the archetype's activities
			// evenly across the hour before any jitter.
			offset := time.Duration(hour)*time.Hour +
				time.Duration((i+1)*60/(n+1))*time.Minute
			at := midnight.Add(offset + s.timeJitter())

			dur := time.Duration(float64(act.Duration) * (0.8 + 0.4*s.rng.Float64()))
			if s.rng.Float64() < s.tmpl.Binge {
				dur *= 2
			}

			// Weekend lie-in: early-morning slots drift 1-3 hours later.
			if weekend && hour >= 6 && hour < 10 {
				at = at.Add(time.Duration(float64(time.Hour) * (1 + 2*s.rng.Float64())))
			}

			plan = append(plan, Slot{
				Kind:         act.Kind,
				ScheduledFor: at,
				Duration:     dur,
				Intensity:    intensity,
				Query:        query,
				Username:     username,
			})
		}
	}
	sort.Slice(plan, func(i, j int) bool {
		if plan[i].ScheduledFor.Equal(plan[j].ScheduledFor) {
			return plan[i].Kind < plan[j].Kind
		}
		return plan[i].ScheduledFor.Before(plan[j].ScheduledFor)
	})
	return plan
}

// slotArgs picks the query or username a slot kind needs. Kinds whose
// pool is empty cannot run and are skipped without consuming a draw.
func (s *Scheduler) slotArgs(kind SlotKind) (query, username string, ok bool) {
	switch kind {
	case SlotSearchEngage, SlotSearchPeople:
		if len(s.cfg.SearchQueries) == 0 {
			return "", "", false
		}
		return s.cfg.SearchQueries[s.rng.Intn(len(s.cfg.SearchQueries))], "", true
	case SlotInfluencerVisit:
		if len(s.cfg.Influencers) == 0 {
			return "", "", false
		}
		return "", s.cfg.Influencers[s.rng.Intn(len(s.cfg.Influencers))], true
	default:
		return "", "", true
	}
}

func (s *Scheduler) timeJitter() time.Duration {
	d := time.Duration(s.rng.NormFloat64() * float64(s.variance))
	if d > maxTimeJitter {
		return maxTimeJitter
	}
	if d < -maxTimeJitter {
		return -maxTimeJitter
	}
	return d
}

// inSleepHours reports whether hour falls inside the configured sleep
// window. Equal start and end disable the window entirely.
func (s *Scheduler) inSleepHours(hour int) bool {
	start, end := s.cfg.SleepHours[0], s.cfg.SleepHours[1]
	switch {
	case start == end:
		return false
	case start < end:
		return hour >= start && hour < end
	default: // wraps midnight
		return hour >= start || hour < end
	}
}

// sleepUntil reports whether local is inside the sleep window and, if
// so, the next wake time.
func (s *Scheduler) sleepUntil(local time.Time) (bool, time.Time) {
	if !s.inSleepHours(local.Hour()) {
		return false, time.Time{}
	}
	end := s.cfg.SleepHours[1]
	wake := time.Date(local.Year(), local.Month(), local.Day(), end, 0, 0, 0, s.loc)
	if !wake.After(local) {
		wake = wake.Add(24 * time.Hour)
	}
	return true, wake
}

func isWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}
