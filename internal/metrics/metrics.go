// Package metrics declares every talond Prometheus collector. Importing the
// package registers the collectors; main serves them via promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Stream / poller metrics
	PollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talon_polls_total",
			Help: "Total poll ticks by stream kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	PollDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "talon_poll_duration_seconds",
			Help:    "Poll tick duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	PollsSkippedFastPath = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "talon_polls_skipped_fastpath_total",
			Help: "Follower polls skipped because the profile count was unchanged",
		},
	)

	StreamsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "talon_streams_active",
			Help: "Streams registered in the manager by state",
		},
		[]string{"state"},
	)

	EventsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talon_events_emitted_total",
			Help: "Events fanned out to the bus by topic",
		},
		[]string{"topic"},
	)

	// Browser pool metrics
	PoolHandles = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "talon_pool_handles",
			Help: "Live browser handles",
		},
	)

	PoolPagesOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "talon_pool_pages_open",
			Help: "Pages currently leased across all handles",
		},
	)

	PoolAcquireWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "talon_pool_acquire_wait_seconds",
			Help:    "Time callers waited to acquire a page",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10, 30},
		},
	)

	PoolTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "talon_pool_timeouts_total",
			Help: "Page acquisitions that timed out",
		},
	)

	PoolHandlesEvicted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talon_pool_handles_evicted_total",
			Help: "Handles destroyed by the pool",
		},
		[]string{"reason"},
	)

	// Scraper dispatcher metrics
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "talon_operation_duration_seconds",
			Help:    "Scraper operation duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"operation"},
	)

	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talon_operations_total",
			Help: "Scraper operations by name and outcome kind",
		},
		[]string{"operation", "outcome"},
	)

	// Rate-limit metrics
	RateWaits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talon_rate_waits_total",
			Help: "Pre-call throttle waits imposed per endpoint",
		},
		[]string{"endpoint"},
	)

	RateWaitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "talon_rate_wait_seconds",
			Help:    "Duration of rate-limit waits",
			Buckets: []float64{0.1, 1, 5, 15, 60, 300, 900},
		},
		[]string{"endpoint"},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talon_rate_limit_hits_total",
			Help: "Upstream rate-limit responses observed per endpoint",
		},
		[]string{"endpoint"},
	)

	// Agent metrics
	AgentActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talon_agent_actions_total",
			Help: "Agent actions performed by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	AgentActivities = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talon_agent_activities_total",
			Help: "Agent activity slots executed by activity kind",
		},
		[]string{"activity"},
	)

	QuotaExhausted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talon_quota_exhausted_total",
			Help: "Actions skipped because the daily quota was spent",
		},
		[]string{"kind"},
	)

	PolicyDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talon_policy_decisions_total",
			Help: "Action policy evaluations by decision",
		},
		[]string{"decision"},
	)

	// Store metrics
	StoreOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talon_store_ops_total",
			Help: "State store operations by op and status",
		},
		[]string{"op", "status"},
	)

	StoreLockContention = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "talon_store_lock_contention_total",
			Help: "Single-flight lock acquisitions that found the lock held",
		},
	)

	// Circuit breaker metrics
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "talon_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	BreakerOpens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talon_breaker_opens_total",
			Help: "Times a circuit breaker tripped open",
		},
		[]string{"name"},
	)

	// History metrics
	HistoryWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talon_history_writes_total",
			Help: "History rows written by table and status",
		},
		[]string{"table", "status"},
	)

	HistoryQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "talon_history_queue_depth",
			Help: "Pending asynchronous history writes",
		},
	)
)
