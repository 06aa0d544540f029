// Package config loads and validates the talond configuration tree. A single
// YAML file (TALON_CONFIG or ./config/talon.yaml) feeds every subsystem;
// environment variables with the TALON_ prefix override individual keys.
package config

import (
	"fmt"
	"time"
)

// Config is the root of the talond configuration tree.
type Config struct {
	Service  ServiceConfig  `json:"service" yaml:"service" mapstructure:"service"`
	Logging  LoggingConfig  `json:"logging" yaml:"logging" mapstructure:"logging"`
	Store    StoreConfig    `json:"store" yaml:"store" mapstructure:"store"`
	Stream   StreamConfig   `json:"stream" yaml:"stream" mapstructure:"stream"`
	Pool     PoolConfig     `json:"pool" yaml:"pool" mapstructure:"pool"`
	Scraper  ScraperConfig  `json:"scraper" yaml:"scraper" mapstructure:"scraper"`
	Rate     RateConfig     `json:"rate" yaml:"rate" mapstructure:"rate"`
	Events   EventsConfig   `json:"events" yaml:"events" mapstructure:"events"`
	Agent    AgentConfig    `json:"agent" yaml:"agent" mapstructure:"agent"`
	Sessions SessionsConfig `json:"sessions" yaml:"sessions" mapstructure:"sessions"`
	History  HistoryConfig  `json:"history" yaml:"history" mapstructure:"history"`
	Policy   PolicyConfig   `json:"policy" yaml:"policy" mapstructure:"policy"`
	HTTP     HTTPConfig     `json:"http" yaml:"http" mapstructure:"http"`
	Tracing  TracingConfig  `json:"tracing" yaml:"tracing" mapstructure:"tracing"`
}

// ServiceConfig covers the admin HTTP server and process lifecycle.
// The server carries no write timeout: the event feeds hold their
// responses open for as long as the client stays connected.
type ServiceConfig struct {
	AdminPort       int           `json:"admin_port" yaml:"admin_port" mapstructure:"admin_port"`
	GracefulTimeout time.Duration `json:"graceful_timeout" yaml:"graceful_timeout" mapstructure:"graceful_timeout"`
	ReadTimeout     time.Duration `json:"read_timeout" yaml:"read_timeout" mapstructure:"read_timeout"`
}

// LoggingConfig selects the zap preset.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" mapstructure:"level"`
	Format string `json:"format" yaml:"format" mapstructure:"format"` // json | console
}

// StoreConfig configures the Redis-backed state store.
type StoreConfig struct {
	Addr         string        `json:"addr" yaml:"addr" mapstructure:"addr"`
	Password     string        `json:"password" yaml:"password" mapstructure:"password"`
	DB           int           `json:"db" yaml:"db" mapstructure:"db"`
	DialTimeout  time.Duration `json:"dial_timeout" yaml:"dial_timeout" mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout" mapstructure:"write_timeout"`
	// KeyTTL bounds the lifetime of stream state keys (metadata, seen
	// rings, follower sets, event logs).
	KeyTTL time.Duration `json:"key_ttl" yaml:"key_ttl" mapstructure:"key_ttl"`
}

// StreamConfig bounds poller behavior.
type StreamConfig struct {
	MinInterval          time.Duration `json:"min_interval" yaml:"min_interval" mapstructure:"min_interval"`
	MaxInterval          time.Duration `json:"max_interval" yaml:"max_interval" mapstructure:"max_interval"`
	DefaultInterval      time.Duration `json:"default_interval" yaml:"default_interval" mapstructure:"default_interval"`
	MaxConsecutiveErrors int           `json:"max_consecutive_errors" yaml:"max_consecutive_errors" mapstructure:"max_consecutive_errors"`
	BackoffCap           time.Duration `json:"backoff_cap" yaml:"backoff_cap" mapstructure:"backoff_cap"`
	// SeenRingSize caps the per-stream dedup ring. Rings smaller than the
	// burst size of the source can re-emit items after long outages.
	SeenRingSize int `json:"seen_ring_size" yaml:"seen_ring_size" mapstructure:"seen_ring_size"`
	// LockMargin pads the store-backed single-flight lock TTL beyond the
	// poll interval.
	LockMargin time.Duration `json:"lock_margin" yaml:"lock_margin" mapstructure:"lock_margin"`
	StopGrace  time.Duration `json:"stop_grace" yaml:"stop_grace" mapstructure:"stop_grace"`
}

// PoolConfig bounds the browser pool.
type PoolConfig struct {
	MaxHandles        int           `json:"max_handles" yaml:"max_handles" mapstructure:"max_handles"`
	MaxPagesPerHandle int           `json:"max_pages_per_handle" yaml:"max_pages_per_handle" mapstructure:"max_pages_per_handle"`
	HandleMaxAge      time.Duration `json:"handle_max_age" yaml:"handle_max_age" mapstructure:"handle_max_age"`
	AcquireTimeout    time.Duration `json:"acquire_timeout" yaml:"acquire_timeout" mapstructure:"acquire_timeout"`
	MaintainInterval  time.Duration `json:"maintain_interval" yaml:"maintain_interval" mapstructure:"maintain_interval"`
	Headless          bool          `json:"headless" yaml:"headless" mapstructure:"headless"`
	BrowserBin        string        `json:"browser_bin" yaml:"browser_bin" mapstructure:"browser_bin"`
	ProxyURL          string        `json:"proxy_url" yaml:"proxy_url" mapstructure:"proxy_url"`
}

// ScraperConfig bounds scraper operation dispatch.
type ScraperConfig struct {
	BaseURL string `json:"base_url" yaml:"base_url" mapstructure:"base_url"`
	// OpTimeout is the deadline for one dispatched operation including
	// its retries.
	OpTimeout  time.Duration `json:"op_timeout" yaml:"op_timeout" mapstructure:"op_timeout"`
	MaxRetries uint64        `json:"max_retries" yaml:"max_retries" mapstructure:"max_retries"`
	RetryBase  time.Duration `json:"retry_base" yaml:"retry_base" mapstructure:"retry_base"`
}

// RateConfig selects the rate-limit strategy.
type RateConfig struct {
	// Strategy on an observed limit hit: wait | error | adaptive.
	Strategy string        `json:"strategy" yaml:"strategy" mapstructure:"strategy"`
	WaitCap  time.Duration `json:"wait_cap" yaml:"wait_cap" mapstructure:"wait_cap"`
	// DefaultsFile optionally seeds per-endpoint pacing from YAML.
	DefaultsFile string `json:"defaults_file" yaml:"defaults_file" mapstructure:"defaults_file"`
}

// EventsConfig sizes the per-stream history rings.
type EventsConfig struct {
	RingCapacity int `json:"ring_capacity" yaml:"ring_capacity" mapstructure:"ring_capacity"`
}

// AgentConfig drives the autonomous agent orchestrator.
type AgentConfig struct {
	Timezone        string         `json:"timezone" yaml:"timezone" mapstructure:"timezone"`
	SleepHours      []int          `json:"sleep_hours" yaml:"sleep_hours" mapstructure:"sleep_hours"`
	DailyLimits     map[string]int `json:"daily_limits" yaml:"daily_limits" mapstructure:"daily_limits"`
	VarianceMinutes int            `json:"variance_minutes" yaml:"variance_minutes" mapstructure:"variance_minutes"`
	SearchQueries   []string       `json:"search_queries" yaml:"search_queries" mapstructure:"search_queries"`
	Influencers     []string       `json:"influencers" yaml:"influencers" mapstructure:"influencers"`
	TopicHints      []string       `json:"topic_hints" yaml:"topic_hints" mapstructure:"topic_hints"`
	// TemplateFile optionally overrides the built-in day-plan template (YAML).
	TemplateFile string `json:"template_file" yaml:"template_file" mapstructure:"template_file"`
	// ScoreCacheSize bounds the LRU of planner relevance scores.
	ScoreCacheSize int `json:"score_cache_size" yaml:"score_cache_size" mapstructure:"score_cache_size"`
}

// SessionsConfig locates encrypted cookie jars.
type SessionsConfig struct {
	Dir string `json:"dir" yaml:"dir" mapstructure:"dir"`
	// KeyEnv names the env var holding the 32-byte hex encryption key.
	KeyEnv string `json:"key_env" yaml:"key_env" mapstructure:"key_env"`
}

// HistoryConfig configures the action/poll history database.
type HistoryConfig struct {
	Driver    string `json:"driver" yaml:"driver" mapstructure:"driver"` // sqlite3 | postgres
	DSN       string `json:"dsn" yaml:"dsn" mapstructure:"dsn"`
	QueueSize int    `json:"queue_size" yaml:"queue_size" mapstructure:"queue_size"`
	Workers   int    `json:"workers" yaml:"workers" mapstructure:"workers"`
}

// PolicyConfig configures the OPA action gate.
type PolicyConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Path       string `json:"path" yaml:"path" mapstructure:"path"`
	Mode       string `json:"mode" yaml:"mode" mapstructure:"mode"` // off | dry-run | enforce
	FailClosed bool   `json:"fail_closed" yaml:"fail_closed" mapstructure:"fail_closed"`
}

// HTTPConfig configures the management API surface.
type HTTPConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	AuthEnabled bool   `json:"auth_enabled" yaml:"auth_enabled" mapstructure:"auth_enabled"`
	JWTSecret   string `json:"jwt_secret" yaml:"jwt_secret" mapstructure:"jwt_secret"`
}

// TracingConfig configures OTLP export.
type TracingConfig struct {
	Enabled      bool   `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	ServiceName  string `json:"service_name" yaml:"service_name" mapstructure:"service_name"`
	OTLPEndpoint string `json:"otlp_endpoint" yaml:"otlp_endpoint" mapstructure:"otlp_endpoint"`
}

// Default returns the configuration talond runs with when no file is present.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			AdminPort:       8089,
			GracefulTimeout: 15 * time.Second,
			ReadTimeout:     10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Store: StoreConfig{
			Addr:         "localhost:6379",
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
			KeyTTL:       7 * 24 * time.Hour,
		},
		Stream: StreamConfig{
			MinInterval:          15 * time.Second,
			MaxInterval:          3600 * time.Second,
			DefaultInterval:      60 * time.Second,
			MaxConsecutiveErrors: 10,
			BackoffCap:           900 * time.Second,
			SeenRingSize:         500,
			LockMargin:           10 * time.Second,
			StopGrace:            5 * time.Second,
		},
		Pool: PoolConfig{
			MaxHandles:        3,
			MaxPagesPerHandle: 5,
			HandleMaxAge:      30 * time.Minute,
			AcquireTimeout:    30 * time.Second,
			MaintainInterval:  time.Second,
			Headless:          true,
		},
		Scraper: ScraperConfig{
			BaseURL:    "https://x.com",
			OpTimeout:  45 * time.Second,
			MaxRetries: 2,
			RetryBase:  500 * time.Millisecond,
		},
		Rate: RateConfig{
			Strategy: "wait",
			WaitCap:  900 * time.Second,
		},
		Events: EventsConfig{RingCapacity: 256},
		Agent: AgentConfig{
			Timezone:        "UTC",
			SleepHours:      []int{23, 7},
			DailyLimits:     map[string]int{"likes": 50, "follows": 20, "comments": 10, "posts": 5},
			VarianceMinutes: 20,
			ScoreCacheSize:  2048,
		},
		Sessions: SessionsConfig{
			Dir:    "./data/sessions",
			KeyEnv: "TALON_SESSION_KEY",
		},
		History: HistoryConfig{
			Driver:    "sqlite3",
			DSN:       "./data/talon.db",
			QueueSize: 1024,
			Workers:   2,
		},
		Policy: PolicyConfig{
			Enabled: false,
			Path:    "./config/policies",
			Mode:    "enforce",
		},
		HTTP:    HTTPConfig{Enabled: true},
		Tracing: TracingConfig{ServiceName: "talond"},
	}
}

// Validate rejects configurations the subsystems cannot honor.
func (c *Config) Validate() error {
	if c.Stream.MinInterval <= 0 || c.Stream.MaxInterval < c.Stream.MinInterval {
		return fmt.Errorf("stream: interval bounds invalid (min=%s max=%s)", c.Stream.MinInterval, c.Stream.MaxInterval)
	}
	if c.Stream.DefaultInterval < c.Stream.MinInterval || c.Stream.DefaultInterval > c.Stream.MaxInterval {
		return fmt.Errorf("stream: default_interval %s outside [%s, %s]", c.Stream.DefaultInterval, c.Stream.MinInterval, c.Stream.MaxInterval)
	}
	if c.Stream.MaxConsecutiveErrors < 1 {
		return fmt.Errorf("stream: max_consecutive_errors must be >= 1")
	}
	if c.Stream.SeenRingSize < 1 {
		return fmt.Errorf("stream: seen_ring_size must be >= 1")
	}
	if c.Pool.MaxHandles < 0 || c.Pool.MaxPagesPerHandle < 1 {
		return fmt.Errorf("pool: max_handles=%d max_pages_per_handle=%d invalid", c.Pool.MaxHandles, c.Pool.MaxPagesPerHandle)
	}
	if c.Pool.AcquireTimeout <= 0 {
		return fmt.Errorf("pool: acquire_timeout must be positive")
	}
	if c.Scraper.OpTimeout <= 0 {
		return fmt.Errorf("scraper: op_timeout must be positive")
	}
	switch c.Rate.Strategy {
	case "wait", "error", "adaptive":
	default:
		return fmt.Errorf("rate: unknown strategy %q", c.Rate.Strategy)
	}
	if len(c.Agent.SleepHours) != 2 {
		return fmt.Errorf("agent: sleep_hours must be [start, end]")
	}
	for _, h := range c.Agent.SleepHours {
		if h < 0 || h > 23 {
			return fmt.Errorf("agent: sleep hour %d outside 0..23", h)
		}
	}
	if _, err := time.LoadLocation(c.Agent.Timezone); err != nil {
		return fmt.Errorf("agent: timezone %q: %w", c.Agent.Timezone, err)
	}
	switch c.History.Driver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("history: unknown driver %q", c.History.Driver)
	}
	switch c.Policy.Mode {
	case "off", "dry-run", "enforce":
	default:
		return fmt.Errorf("policy: unknown mode %q", c.Policy.Mode)
	}
	return nil
}

// Location resolves the agent timezone. Validate must have passed.
func (c *AgentConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
