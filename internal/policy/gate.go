// Package policy gates agent actions through OPA rego rules. The gate
// evaluates one fixed query, data.talon.agent.decision, against an
// input describing the action about to be taken; operators write the
// rules, talond only enforces them. Rule edits are picked up live
// through a filesystem watcher.
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"

	"github.com/talonhq/talon/internal/config"
	"github.com/talonhq/talon/internal/metrics"
)

// Enforcement modes.
const (
	ModeOff     = "off"
	ModeDryRun  = "dry-run"
	ModeEnforce = "enforce"
)

const decisionQuery = "data.talon.agent.decision"

// Input describes one action the agent wants to perform.
type Input struct {
	AgentID    string  `json:"agent_id"`
	Action     string  `json:"action"`   // likes | follows | comments | posts
	Activity   string  `json:"activity"` // the slot kind driving the action
	Target     string  `json:"target,omitempty"`
	Hour       int     `json:"hour"` // agent-local hour
	Weekday    string  `json:"weekday"`
	QuotaUsed  int64   `json:"quota_used"`
	QuotaLimit int     `json:"quota_limit"`
	Intensity  float64 `json:"intensity"`
}

// Decision is the gate's verdict.
type Decision struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason,omitempty"`
}

// Gate evaluates agent actions against the compiled rule set. The
// prepared query swaps atomically on reload, so evaluation never sees
// a half-loaded rule set.
type Gate struct {
	cfg config.PolicyConfig
	log *zap.Logger

	mu       sync.RWMutex
	prepared *rego.PreparedEvalQuery
}

// New compiles the configured rules. A load failure is fatal only in
// fail-closed mode; otherwise the gate starts open and logs.
func New(cfg config.PolicyConfig, logger *zap.Logger) (*Gate, error) {
	g := &Gate{cfg: cfg, log: logger}
	if !g.enabled() {
		logger.Info("Policy gate disabled", zap.String("mode", cfg.Mode))
		return g, nil
	}
	if err := g.Load(); err != nil {
		if cfg.FailClosed {
			return nil, fmt.Errorf("policy: %w", err)
		}
		logger.Warn("Policy load failed, gate is open", zap.Error(err))
	}
	return g, nil
}

func (g *Gate) enabled() bool { return g.cfg.Enabled && g.cfg.Mode != ModeOff }

// Enabled reports whether the gate evaluates anything at all.
func (g *Gate) Enabled() bool { return g.enabled() }

// Mode returns the configured enforcement mode.
func (g *Gate) Mode() string { return g.cfg.Mode }

// Load walks the policy directory, compiles every .rego file, and
// swaps in the prepared query.
func (g *Gate) Load() error {
	modules := make(map[string]string)
	err := filepath.Walk(g.cfg.Path, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".rego") {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		rel, _ := filepath.Rel(g.cfg.Path, path)
		modules[strings.TrimSuffix(rel, ".rego")] = string(content)
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk policy dir %s: %w", g.cfg.Path, err)
	}
	if len(modules) == 0 {
		if g.cfg.FailClosed {
			return fmt.Errorf("no policies under %s in fail-closed mode", g.cfg.Path)
		}
		g.mu.Lock()
		g.prepared = nil
		g.mu.Unlock()
		g.log.Warn("No policy files found", zap.String("path", g.cfg.Path))
		return nil
	}

	opts := []func(*rego.Rego){rego.Query(decisionQuery)}
	for name, src := range modules {
		opts = append(opts, rego.Module(name, src))
	}
	prepared, err := rego.New(opts...).PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("compile policies: %w", err)
	}

	g.mu.Lock()
	g.prepared = &prepared
	g.mu.Unlock()
	g.log.Info("Policies loaded",
		zap.Int("modules", len(modules)),
		zap.String("query", decisionQuery))
	return nil
}

// Evaluate renders a verdict for the action. Failures fold into the
// fail-open or fail-closed posture instead of surfacing as errors, so
// the agent never has to re-decide what an evaluation error means.
func (g *Gate) Evaluate(ctx context.Context, in Input) Decision {
	if !g.enabled() {
		return Decision{Allow: true, Reason: "policy gate disabled"}
	}

	g.mu.RLock()
	prepared := g.prepared
	g.mu.RUnlock()
	if prepared == nil {
		return g.fallback("no policies loaded")
	}

	raw, err := json.Marshal(in)
	if err != nil {
		metrics.PolicyDecisions.WithLabelValues("error").Inc()
		return g.fallback("input conversion failed")
	}
	var inputMap map[string]interface{}
	if err := json.Unmarshal(raw, &inputMap); err != nil {
		metrics.PolicyDecisions.WithLabelValues("error").Inc()
		return g.fallback("input conversion failed")
	}

	results, err := prepared.Eval(ctx, rego.EvalInput(inputMap))
	if err != nil {
		metrics.PolicyDecisions.WithLabelValues("error").Inc()
		g.log.Error("Policy evaluation failed", zap.Error(err))
		return g.fallback("policy evaluation error")
	}

	d := parseDecision(results)
	if g.cfg.Mode == ModeDryRun && !d.Allow {
		metrics.PolicyDecisions.WithLabelValues("dry_run_deny").Inc()
		g.log.Info("Dry-run policy denial",
			zap.String("action", in.Action),
			zap.String("target", in.Target),
			zap.String("reason", d.Reason))
		return Decision{Allow: true, Reason: "dry-run: would deny: " + d.Reason}
	}
	if d.Allow {
		metrics.PolicyDecisions.WithLabelValues("allow").Inc()
	} else {
		metrics.PolicyDecisions.WithLabelValues("deny").Inc()
	}
	return d
}

func (g *Gate) fallback(reason string) Decision {
	return Decision{Allow: !g.cfg.FailClosed, Reason: reason}
}

func parseDecision(results rego.ResultSet) Decision {
	d := Decision{Allow: false, Reason: "no matching policy rules"}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return d
	}
	switch value := results[0].Expressions[0].Value.(type) {
	case map[string]interface{}:
		if allow, ok := value["allow"].(bool); ok {
			d.Allow = allow
			d.Reason = ""
		}
		if reason, ok := value["reason"].(string); ok {
			d.Reason = reason
		}
	case bool:
		d.Allow = value
		d.Reason = ""
	}
	return d
}

// Watch reloads the rules when files under the policy directory
// change. Returns when ctx is done; a broken watcher degrades to the
// rules loaded at startup.
func (g *Gate) Watch(ctx context.Context) {
	if !g.enabled() {
		return
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		g.log.Warn("Policy watcher unavailable", zap.Error(err))
		return
	}
	defer w.Close()

	if err := w.Add(g.cfg.Path); err != nil {
		g.log.Warn("Policy watcher cannot watch directory",
			zap.String("path", g.cfg.Path),
			zap.Error(err))
		return
	}
	_ = filepath.Walk(g.cfg.Path, func(path string, info os.FileInfo, err error) error {
		if err == nil && info.IsDir() && path != g.cfg.Path {
			_ = w.Add(path)
		}
		return nil
	})

	// Rapid successive writes collapse into one reload.
	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(ev.Name, ".rego") {
				continue
			}
			if ev.Op&fsnotify.Chmod == fsnotify.Chmod {
				continue
			}
			pending = time.After(300 * time.Millisecond)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			g.log.Warn("Policy watcher error", zap.Error(err))
		case <-pending:
			pending = nil
			if err := g.Load(); err != nil {
				g.log.Error("Policy reload failed", zap.Error(err))
				continue
			}
			g.log.Info("Policies reloaded")
		}
	}
}
