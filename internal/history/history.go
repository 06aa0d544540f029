// Package history keeps a durable log of what the agent actually did:
// one row per executed activity slot and one per item-level action,
// including skips and denials. Writes go through a small async queue so
// a slow disk never stalls the agent loop; reads back the recent rows
// for the status surfaces.
package history

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/talonhq/talon/internal/config"
	"github.com/talonhq/talon/internal/metrics"
)

// Action is one item-level agent action: a like, follow, comment, or
// post, or the decision not to perform one.
type Action struct {
	ID          string    `db:"id" json:"id"`
	AgentID     string    `db:"agent_id" json:"agent_id"`
	Activity    string    `db:"activity" json:"activity"`
	Kind        string    `db:"kind" json:"kind"`
	Target      string    `db:"target" json:"target,omitempty"`
	Detail      string    `db:"detail" json:"detail,omitempty"`
	Outcome     string    `db:"outcome" json:"outcome"`
	PerformedAt time.Time `db:"performed_at" json:"performed_at"`
}

// Action outcomes.
const (
	OutcomePerformed = "performed"
	OutcomeSkipped   = "skipped"
	OutcomeDenied    = "denied"
	OutcomeFailed    = "failed"
)

// Activity summarizes one executed activity slot.
type Activity struct {
	ID         string    `db:"id" json:"id"`
	AgentID    string    `db:"agent_id" json:"agent_id"`
	Kind       string    `db:"kind" json:"kind"`
	Argument   string    `db:"argument" json:"argument,omitempty"`
	StartedAt  time.Time `db:"started_at" json:"started_at"`
	DurationMS int64     `db:"duration_ms" json:"duration_ms"`
	Candidates int       `db:"candidates" json:"candidates"`
	Actions    int       `db:"actions" json:"actions"`
	Outcome    string    `db:"outcome" json:"outcome"`
}

type record struct {
	action   *Action
	activity *Activity
}

// Recorder owns the history database and its async write queue.
type Recorder struct {
	db      *sqlx.DB
	log     *zap.Logger
	queue   chan record
	workers int
	stopCh  chan struct{}
	wg      sync.WaitGroup
	closed  atomic.Bool
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS actions (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		activity TEXT NOT NULL,
		kind TEXT NOT NULL,
		target TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT '',
		outcome TEXT NOT NULL,
		performed_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS actions_agent_time ON actions (agent_id, performed_at)`,
	`CREATE TABLE IF NOT EXISTS activities (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		argument TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMP NOT NULL,
		duration_ms INTEGER NOT NULL,
		candidates INTEGER NOT NULL,
		actions INTEGER NOT NULL,
		outcome TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS activities_agent_time ON activities (agent_id, started_at)`,
}

const (
	insertAction = `INSERT INTO actions
		(id, agent_id, activity, kind, target, detail, outcome, performed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	insertActivity = `INSERT INTO activities
		(id, agent_id, kind, argument, started_at, duration_ms, candidates, actions, outcome)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	selectActions = `SELECT id, agent_id, activity, kind, target, detail, outcome, performed_at
		FROM actions WHERE agent_id = ? ORDER BY performed_at DESC LIMIT ?`
	selectActivities = `SELECT id, agent_id, kind, argument, started_at, duration_ms, candidates, actions, outcome
		FROM activities WHERE agent_id = ? ORDER BY started_at DESC LIMIT ?`
)

// Open dials the configured database, applies the schema, and starts
// the write workers. SQLite is the default and needs no server;
// postgres is for deployments that already run one.
func Open(cfg config.HistoryConfig, logger *zap.Logger) (*Recorder, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = "sqlite3"
	}
	dsn := cfg.DSN
	if driver == "sqlite3" {
		if dsn == "" {
			dsn = "./data/talon.db"
		}
		if !strings.Contains(dsn, ":memory:") {
			if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
				return nil, fmt.Errorf("history: create %s: %w", filepath.Dir(dsn), err)
			}
		}
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", driver, err)
	}
	if driver == "sqlite3" {
		// The file driver locks the whole database; one writer at a
		// time avoids SQLITE_BUSY churn.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: ping: %w", err)
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("history: schema: %w", err)
		}
	}

	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	r := NewWithDB(db, cfg, logger)
	logger.Info("History store opened",
		zap.String("driver", driver),
		zap.Int("workers", cfg.Workers),
		zap.Int("queue", cfg.QueueSize))
	return r, nil
}

// NewWithDB wraps an already-open connection. The schema is the
// caller's concern, config values are used as-is; tests run this
// against sqlmock with zero workers for deterministic draining.
func NewWithDB(db *sqlx.DB, cfg config.HistoryConfig, logger *zap.Logger) *Recorder {
	r := &Recorder{
		db:      db,
		log:     logger,
		queue:   make(chan record, cfg.QueueSize),
		workers: cfg.Workers,
		stopCh:  make(chan struct{}),
	}
	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	return r
}

// RecordAction queues an action row. Missing ID and timestamp are
// filled in. A full queue falls back to a synchronous write so rows
// are never dropped.
func (r *Recorder) RecordAction(a Action) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.PerformedAt.IsZero() {
		a.PerformedAt = time.Now().UTC()
	}
	r.enqueue(record{action: &a})
}

// RecordActivity queues an activity summary row.
func (r *Recorder) RecordActivity(a Activity) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.StartedAt.IsZero() {
		a.StartedAt = time.Now().UTC()
	}
	r.enqueue(record{activity: &a})
}

func (r *Recorder) enqueue(rec record) {
	if r.closed.Load() {
		r.log.Warn("History write after close dropped")
		return
	}
	select {
	case r.queue <- rec:
		metrics.HistoryQueueDepth.Inc()
	default:
		r.log.Warn("History queue full, writing synchronously")
		r.write(rec)
	}
}

func (r *Recorder) worker() {
	defer r.wg.Done()
	for {
		select {
		case <-r.stopCh:
			return
		case rec := <-r.queue:
			metrics.HistoryQueueDepth.Dec()
			r.write(rec)
		}
	}
}

func (r *Recorder) write(rec record) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var table string
	var err error
	switch {
	case rec.action != nil:
		table = "actions"
		a := rec.action
		_, err = r.db.ExecContext(ctx, r.db.Rebind(insertAction),
			a.ID, a.AgentID, a.Activity, a.Kind, a.Target, a.Detail, a.Outcome, a.PerformedAt)
	case rec.activity != nil:
		table = "activities"
		a := rec.activity
		_, err = r.db.ExecContext(ctx, r.db.Rebind(insertActivity),
			a.ID, a.AgentID, a.Kind, a.Argument, a.StartedAt, a.DurationMS, a.Candidates, a.Actions, a.Outcome)
	default:
		return
	}
	if err != nil {
		metrics.HistoryWrites.WithLabelValues(table, "error").Inc()
		r.log.Error("History write failed", zap.String("table", table), zap.Error(err))
		return
	}
	metrics.HistoryWrites.WithLabelValues(table, "ok").Inc()
}

// RecentActions returns the newest action rows for an agent.
func (r *Recorder) RecentActions(ctx context.Context, agentID string, limit int) ([]Action, error) {
	if limit <= 0 {
		limit = 50
	}
	out := []Action{}
	err := r.db.SelectContext(ctx, &out, r.db.Rebind(selectActions), agentID, limit)
	return out, err
}

// RecentActivities returns the newest activity summaries for an agent.
func (r *Recorder) RecentActivities(ctx context.Context, agentID string, limit int) ([]Activity, error) {
	if limit <= 0 {
		limit = 50
	}
	out := []Activity{}
	err := r.db.SelectContext(ctx, &out, r.db.Rebind(selectActivities), agentID, limit)
	return out, err
}

// QueueDepth reports writes waiting in the async queue.
func (r *Recorder) QueueDepth() int { return len(r.queue) }

// Ping verifies the database still answers.
func (r *Recorder) Ping(ctx context.Context) error { return r.db.PingContext(ctx) }

// Close stops the workers, drains whatever is still queued, and closes
// the database.
func (r *Recorder) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	close(r.stopCh)
	r.wg.Wait()

	deadline := time.After(10 * time.Second)
	for {
		select {
		case rec := <-r.queue:
			metrics.HistoryQueueDepth.Dec()
			r.write(rec)
			continue
		case <-deadline:
			r.log.Warn("Timeout draining history queue", zap.Int("left", len(r.queue)))
		default:
		}
		break
	}
	return r.db.Close()
}
