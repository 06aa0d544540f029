package agent

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/talonhq/talon/internal/browser"
	"github.com/talonhq/talon/internal/circadian"
	"github.com/talonhq/talon/internal/faults"
	"github.com/talonhq/talon/internal/quota"
	"github.com/talonhq/talon/internal/sessions"
	"github.com/talonhq/talon/internal/store"
)

// Supervisor owns the set of orchestrators in this process and builds
// their per-agent collaborators from the shared ones.
type Supervisor struct {
	deps Deps // Quota and Sched are left nil and filled per agent
	tmpl circadian.Template
	log  *zap.Logger

	mu     sync.Mutex
	agents map[string]*Agent
}

// NewSupervisor wraps the shared collaborators. tmpl shapes every
// agent's day plan.
func NewSupervisor(deps Deps, tmpl circadian.Template) *Supervisor {
	return &Supervisor{
		deps:   deps,
		tmpl:   tmpl,
		log:    deps.Logger,
		agents: make(map[string]*Agent),
	}
}

// StartAgent launches the orchestrator for profile, building it on
// first use. Restarting a stopped agent reuses its ledger and
// scheduler; starting a running one is a validation error.
func (s *Supervisor) StartAgent(ctx context.Context, profile string) (*Agent, error) {
	if err := sessions.ValidProfile(profile); err != nil {
		return nil, err
	}

	s.mu.Lock()
	ag, exists := s.agents[profile]
	if !exists {
		d := s.deps
		d.Quota = quota.New(profile, d.Cfg, d.Store, d.Logger)
		d.Sched = circadian.New(profile, d.Cfg, s.tmpl, d.Store, d.Logger)
		ag = New(profile, d)
		s.agents[profile] = ag
	}
	s.mu.Unlock()

	if err := ag.Start(ctx); err != nil {
		return nil, err
	}
	s.log.Info("Agent launched", zap.String("agent_id", profile))
	return ag, nil
}

// StopAgent stops the orchestrator for profile.
func (s *Supervisor) StopAgent(profile string, grace time.Duration) error {
	s.mu.Lock()
	ag, ok := s.agents[profile]
	s.mu.Unlock()
	if !ok {
		return faults.Newf(faults.KindNotFound, "agent.stop", "agent %s not found", profile)
	}
	ag.Stop(grace)
	return nil
}

// Agent returns the live orchestrator for profile.
func (s *Supervisor) Agent(profile string) (*Agent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ag, ok := s.agents[profile]
	return ag, ok
}

// Status reports profile's record: live when the agent runs in this
// process, otherwise the last persisted record.
func (s *Supervisor) Status(ctx context.Context, profile string) (Record, error) {
	s.mu.Lock()
	ag, ok := s.agents[profile]
	s.mu.Unlock()
	if ok {
		return ag.Status(), nil
	}
	var rec Record
	if err := s.deps.Store.Get(ctx, store.AgentStateKey(profile), &rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// List returns the records of every agent this process has built,
// sorted by ID.
func (s *Supervisor) List() []Record {
	s.mu.Lock()
	agents := make([]*Agent, 0, len(s.agents))
	for _, ag := range s.agents {
		agents = append(agents, ag)
	}
	s.mu.Unlock()

	out := make([]Record, 0, len(agents))
	for _, ag := range agents {
		out = append(out, ag.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// StopAll stops every agent concurrently, each bounded by grace.
func (s *Supervisor) StopAll(grace time.Duration) {
	s.mu.Lock()
	agents := make([]*Agent, 0, len(s.agents))
	for _, ag := range s.agents {
		agents = append(agents, ag)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, ag := range agents {
		wg.Add(1)
		go func(ag *Agent) {
			defer wg.Done()
			ag.Stop(grace)
		}(ag)
	}
	wg.Wait()
}

// Login installs cookies for profile and seals them into its jar, so
// subsequent slots run authenticated. The cookie values come from an
// interactive login performed elsewhere.
func (s *Supervisor) Login(ctx context.Context, profile string, cookies []browser.Cookie) error {
	if err := sessions.ValidProfile(profile); err != nil {
		return err
	}
	if len(cookies) == 0 {
		return faults.New(faults.KindValidation, "agent.login", "no cookies supplied")
	}
	if s.deps.Sessions == nil || !s.deps.Sessions.Enabled() {
		return faults.New(faults.KindValidation, "agent.login", "session persistence disabled")
	}

	lease, err := s.deps.Pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()

	if err := lease.Handle().SetCookies(ctx, cookies); err != nil {
		return faults.Wrap(faults.KindTransient, "agent.login", err)
	}
	return s.deps.Sessions.Save(ctx, profile, lease.Handle())
}

// Logout discards profile's sealed jar. A running agent keeps its
// in-browser cookies until its handles recycle.
func (s *Supervisor) Logout(profile string) error {
	if err := sessions.ValidProfile(profile); err != nil {
		return err
	}
	if s.deps.Sessions == nil {
		return nil
	}
	return s.deps.Sessions.Delete(profile)
}
