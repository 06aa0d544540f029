// Package faults defines the closed failure taxonomy shared by every talon
// subsystem. Operations return a *Failure wrapping the underlying cause; the
// poller kernel and the agent orchestrator are the only components that decide
// between retry and surface based on the kind.
package faults

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure. The set is closed: new kinds require updating
// every switch that routes on them.
type Kind int

const (
	// KindTransient covers timeouts, disconnects, 5xx-equivalents and
	// navigation failures. Retryable with backoff.
	KindTransient Kind = iota
	// KindAuthExpired means the session is no longer valid.
	KindAuthExpired
	// KindUnauthorized means credentials were rejected outright.
	KindUnauthorized
	// KindRateLimited means the upstream reported a limit hit.
	KindRateLimited
	// KindScraperMissing means an expected element or selector was absent,
	// often a sign of an upstream UI change. Retryable, bounded.
	KindScraperMissing
	// KindNotFound means the target does not exist.
	KindNotFound
	// KindPoolTimeout means a browser page could not be acquired in time.
	KindPoolTimeout
	// KindStateStore means the persistence layer was unavailable.
	KindStateStore
	// KindValidation means bad input at the management interface.
	KindValidation
	// KindDuplicate means a (kind, target) stream already exists.
	KindDuplicate
	// KindFatal means an internal invariant was violated.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAuthExpired:
		return "auth_expired"
	case KindUnauthorized:
		return "unauthorized"
	case KindRateLimited:
		return "rate_limited"
	case KindScraperMissing:
		return "scraper_missing"
	case KindNotFound:
		return "not_found"
	case KindPoolTimeout:
		return "pool_timeout"
	case KindStateStore:
		return "state_store"
	case KindValidation:
		return "validation"
	case KindDuplicate:
		return "duplicate"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Retryable reports whether work that failed with this kind may be retried.
// ScraperMissing is retryable but callers are expected to bound attempts.
func (k Kind) Retryable() bool {
	switch k {
	case KindTransient, KindRateLimited, KindScraperMissing, KindPoolTimeout, KindStateStore:
		return true
	default:
		return false
	}
}

// Failure is the error type carried across subsystem boundaries.
type Failure struct {
	Kind Kind
	// Op names the operation that failed, e.g. "pool.acquire" or
	// "scraper.list-tweets-by-user".
	Op  string
	Msg string
	Err error
}

func (f *Failure) Error() string {
	switch {
	case f.Msg != "" && f.Err != nil:
		return fmt.Sprintf("%s: %s: %s: %v", f.Kind, f.Op, f.Msg, f.Err)
	case f.Msg != "":
		return fmt.Sprintf("%s: %s: %s", f.Kind, f.Op, f.Msg)
	case f.Err != nil:
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Op, f.Err)
	default:
		return fmt.Sprintf("%s: %s", f.Kind, f.Op)
	}
}

func (f *Failure) Unwrap() error { return f.Err }

// Is lets errors.Is match two failures by kind, so sentinel-style checks like
// errors.Is(err, &Failure{Kind: KindPoolTimeout}) work without identity.
func (f *Failure) Is(target error) bool {
	var other *Failure
	if !errors.As(target, &other) {
		return false
	}
	return f.Kind == other.Kind
}

// New builds a failure with a static message.
func New(kind Kind, op, msg string) *Failure {
	return &Failure{Kind: kind, Op: op, Msg: msg}
}

// Newf builds a failure with a formatted message.
func Newf(kind Kind, op, format string, args ...interface{}) *Failure {
	return &Failure{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and operation to an underlying error. A nil err
// returns nil so call sites can wrap unconditionally.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Failure{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the kind from an error chain. Errors that are not failures
// classify as Transient, except context cancellation which callers should
// treat as cancellation rather than failure.
func KindOf(err error) Kind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindTransient
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, k Kind) bool {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind == k
	}
	return false
}

// Retryable reports whether the error may be retried. Plain errors default to
// retryable (treated as transient); context cancellation is never retried.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind.Retryable()
	}
	return true
}

// Classify normalizes an arbitrary error into the taxonomy. Existing
// failures pass through unchanged; deadline expiry becomes Transient; all
// other errors default to Transient so the retry machinery owns them.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Failure{Kind: KindTransient, Op: op, Msg: "deadline exceeded", Err: err}
	}
	return &Failure{Kind: KindTransient, Op: op, Err: err}
}
