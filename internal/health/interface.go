// Package health aggregates component probes into the liveness and
// readiness signals the admin server exposes.
package health

import (
	"context"
	"encoding/json"
	"time"
)

// Status grades one probe or the whole service.
type Status int

const (
	StatusHealthy Status = iota
	StatusDegraded
	StatusUnhealthy
	StatusUnknown
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

func (s Status) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

// Result is one probe's reading.
type Result struct {
	Component string         `json:"component"`
	Status    Status         `json:"status"`
	Message   string         `json:"message,omitempty"`
	Error     string         `json:"error,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Critical  bool           `json:"critical"`
	LatencyMS int64          `json:"latency_ms"`
	CheckedAt time.Time      `json:"checked_at"`
}

// Checker is one component probe. Critical probes gate readiness;
// non-critical ones only degrade the report.
type Checker interface {
	Name() string
	Critical() bool
	Timeout() time.Duration
	Check(ctx context.Context) Result
}

// Summary counts probe outcomes.
type Summary struct {
	Total     int `json:"total"`
	Healthy   int `json:"healthy"`
	Degraded  int `json:"degraded"`
	Unhealthy int `json:"unhealthy"`
}

// Report is the aggregated service view. Components is populated only
// on the detailed surface.
type Report struct {
	Status     Status            `json:"status"`
	Message    string            `json:"message"`
	Ready      bool              `json:"ready"`
	Live       bool              `json:"live"`
	Summary    Summary           `json:"summary"`
	Components map[string]Result `json:"components,omitempty"`
	CheckedAt  time.Time         `json:"checked_at"`
}
