// Package scraper names and runs page operations against the target site.
// Every recipe registers under a stable name; the dispatcher owns the
// per-operation deadline, bounded retry, error classification, and
// telemetry, so callers never reach into page internals.
package scraper

import (
	"context"
	"errors"
	"runtime/debug"
	"sort"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/talonhq/talon/internal/browser"
	"github.com/talonhq/talon/internal/config"
	"github.com/talonhq/talon/internal/faults"
	"github.com/talonhq/talon/internal/metrics"
	"github.com/talonhq/talon/internal/tracing"
)

// Func is one scraping recipe: page plus args in, typed result out.
type Func func(ctx context.Context, page browser.Page, args Args) (any, error)

// Operation is a registered recipe. Mutating operations (likes, follows,
// posts) are never retried by the dispatcher; a second attempt could
// double-act.
type Operation struct {
	Name     string
	Endpoint string
	Mutating bool
	Run      Func
}

// Dispatcher is the uniform invocation point for scraper operations. The
// registry is filled at construction and must not change afterwards.
type Dispatcher struct {
	ops    map[string]Operation
	cfg    config.ScraperConfig
	logger *zap.Logger
}

// NewDispatcher builds a dispatcher with the built-in operations
// registered.
func NewDispatcher(cfg config.ScraperConfig, logger *zap.Logger) *Dispatcher {
	d := &Dispatcher{
		ops:    make(map[string]Operation),
		cfg:    cfg,
		logger: logger,
	}
	registerBuiltins(d, cfg.BaseURL)
	return d
}

// Register adds an operation. Duplicate names are rejected.
func (d *Dispatcher) Register(op Operation) error {
	if op.Name == "" || op.Run == nil {
		return faults.New(faults.KindValidation, "register_operation", "operation needs a name and a run func")
	}
	if _, ok := d.ops[op.Name]; ok {
		return faults.Newf(faults.KindValidation, "register_operation", "operation %q already registered", op.Name)
	}
	d.ops[op.Name] = op
	return nil
}

func (d *Dispatcher) mustRegister(op Operation) {
	if err := d.Register(op); err != nil {
		panic(err)
	}
}

// Has reports whether name is registered.
func (d *Dispatcher) Has(name string) bool {
	_, ok := d.ops[name]
	return ok
}

// Endpoint reports the rate-limit endpoint an operation consumes, or ""
// for unknown names.
func (d *Dispatcher) Endpoint(name string) string {
	return d.ops[name].Endpoint
}

// Names lists the registered operations, sorted.
func (d *Dispatcher) Names() []string {
	names := make([]string, 0, len(d.ops))
	for name := range d.ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run invokes a named operation against the page with a deadline covering
// all attempts. Retryable failures of non-mutating operations are retried
// with jittered exponential backoff; every error that comes back carries
// a taxonomy kind, except caller cancellation which passes through.
func (d *Dispatcher) Run(ctx context.Context, name string, page browser.Page, args Args, timeout time.Duration) (any, error) {
	op, ok := d.ops[name]
	if !ok {
		metrics.OperationsTotal.WithLabelValues(name, "unknown").Inc()
		return nil, faults.Newf(faults.KindValidation, "run_operation", "unknown operation %q", name)
	}
	if timeout <= 0 {
		timeout = d.cfg.OpTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ctx, span := tracing.StartOperationSpan(ctx, name, spanTarget(args))
	defer span.End()

	start := time.Now()
	result, err := d.execute(ctx, op, page, args)
	err = faults.Classify("scrape."+name, err)
	took := time.Since(start)

	outcome := "ok"
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled):
			outcome = "canceled"
		case ctx.Err() != nil && faults.KindOf(err) == faults.KindTransient:
			outcome = "timeout"
		default:
			outcome = faults.KindOf(err).String()
		}
		span.RecordError(err)
	}
	metrics.OperationDuration.WithLabelValues(name).Observe(took.Seconds())
	metrics.OperationsTotal.WithLabelValues(name, outcome).Inc()
	d.logger.Debug("Scraper operation finished",
		zap.String("operation", name),
		zap.Duration("took", took),
		zap.String("outcome", outcome),
	)
	return result, err
}

func (d *Dispatcher) execute(ctx context.Context, op Operation, page browser.Page, args Args) (any, error) {
	if op.Mutating || d.cfg.MaxRetries == 0 {
		return d.invoke(ctx, op, page, args)
	}

	var result any
	attempt := func() error {
		res, err := d.invoke(ctx, op, page, args)
		if err != nil {
			if !faults.Retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		result = res
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.RetryBase
	b.MaxElapsedTime = 0 // the operation deadline bounds total time
	err := backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(b, d.cfg.MaxRetries), ctx))
	return result, err
}

// invoke runs the recipe once, converting panics into fatal failures so a
// broken selector walk cannot take the poller down.
func (d *Dispatcher) invoke(ctx context.Context, op Operation, page browser.Page, args Args) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Scraper operation panicked",
				zap.String("operation", op.Name),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			result = nil
			err = faults.Newf(faults.KindFatal, "scrape."+op.Name, "operation panicked: %v", r)
		}
	}()
	result, err = op.Run(ctx, page, args)
	return result, faults.Classify("scrape."+op.Name, err)
}

func spanTarget(args Args) string {
	for _, key := range []string{"username", "query", "tweet_url"} {
		if v := args.Get(key); v != "" {
			return v
		}
	}
	return ""
}
