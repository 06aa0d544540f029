package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Load reads the configuration file named by TALON_CONFIG (falling back to
// ./config/talon.yaml) and merges it over Default(). A missing file is not an
// error; the defaults plus TALON_* env overrides apply.
func Load() (*Config, error) {
	path := os.Getenv("TALON_CONFIG")
	if path == "" {
		path = "./config/talon.yaml"
	}
	return LoadFile(path)
}

// LoadFile loads a specific configuration file over the defaults.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("TALON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := Default()
	seedDefaults(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if _, statErr := os.Stat(path); statErr == nil {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
		// No file: defaults + env only.
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// seedDefaults registers the Default() tree with viper so env overrides bind
// even for keys absent from the file.
func seedDefaults(v *viper.Viper, c *Config) {
	v.SetDefault("service.admin_port", c.Service.AdminPort)
	v.SetDefault("service.graceful_timeout", c.Service.GracefulTimeout)
	v.SetDefault("service.read_timeout", c.Service.ReadTimeout)

	v.SetDefault("logging.level", c.Logging.Level)
	v.SetDefault("logging.format", c.Logging.Format)

	v.SetDefault("store.addr", c.Store.Addr)
	v.SetDefault("store.password", c.Store.Password)
	v.SetDefault("store.db", c.Store.DB)
	v.SetDefault("store.dial_timeout", c.Store.DialTimeout)
	v.SetDefault("store.read_timeout", c.Store.ReadTimeout)
	v.SetDefault("store.write_timeout", c.Store.WriteTimeout)
	v.SetDefault("store.key_ttl", c.Store.KeyTTL)

	v.SetDefault("stream.min_interval", c.Stream.MinInterval)
	v.SetDefault("stream.max_interval", c.Stream.MaxInterval)
	v.SetDefault("stream.default_interval", c.Stream.DefaultInterval)
	v.SetDefault("stream.max_consecutive_errors", c.Stream.MaxConsecutiveErrors)
	v.SetDefault("stream.backoff_cap", c.Stream.BackoffCap)
	v.SetDefault("stream.seen_ring_size", c.Stream.SeenRingSize)
	v.SetDefault("stream.lock_margin", c.Stream.LockMargin)
	v.SetDefault("stream.stop_grace", c.Stream.StopGrace)

	v.SetDefault("pool.max_handles", c.Pool.MaxHandles)
	v.SetDefault("pool.max_pages_per_handle", c.Pool.MaxPagesPerHandle)
	v.SetDefault("pool.handle_max_age", c.Pool.HandleMaxAge)
	v.SetDefault("pool.acquire_timeout", c.Pool.AcquireTimeout)
	v.SetDefault("pool.maintain_interval", c.Pool.MaintainInterval)
	v.SetDefault("pool.headless", c.Pool.Headless)

	v.SetDefault("scraper.base_url", c.Scraper.BaseURL)
	v.SetDefault("scraper.op_timeout", c.Scraper.OpTimeout)
	v.SetDefault("scraper.max_retries", c.Scraper.MaxRetries)
	v.SetDefault("scraper.retry_base", c.Scraper.RetryBase)

	v.SetDefault("rate.strategy", c.Rate.Strategy)
	v.SetDefault("rate.wait_cap", c.Rate.WaitCap)

	v.SetDefault("events.ring_capacity", c.Events.RingCapacity)

	v.SetDefault("agent.timezone", c.Agent.Timezone)
	v.SetDefault("agent.sleep_hours", c.Agent.SleepHours)
	v.SetDefault("agent.daily_limits", c.Agent.DailyLimits)
	v.SetDefault("agent.variance_minutes", c.Agent.VarianceMinutes)
	v.SetDefault("agent.score_cache_size", c.Agent.ScoreCacheSize)

	v.SetDefault("sessions.dir", c.Sessions.Dir)
	v.SetDefault("sessions.key_env", c.Sessions.KeyEnv)

	v.SetDefault("history.driver", c.History.Driver)
	v.SetDefault("history.dsn", c.History.DSN)
	v.SetDefault("history.queue_size", c.History.QueueSize)
	v.SetDefault("history.workers", c.History.Workers)

	v.SetDefault("policy.enabled", c.Policy.Enabled)
	v.SetDefault("policy.path", c.Policy.Path)
	v.SetDefault("policy.mode", c.Policy.Mode)
	v.SetDefault("policy.fail_closed", c.Policy.FailClosed)

	v.SetDefault("http.enabled", c.HTTP.Enabled)
	v.SetDefault("http.auth_enabled", c.HTTP.AuthEnabled)
	v.SetDefault("http.jwt_secret", c.HTTP.JWTSecret)

	v.SetDefault("tracing.enabled", c.Tracing.Enabled)
	v.SetDefault("tracing.service_name", c.Tracing.ServiceName)
	v.SetDefault("tracing.otlp_endpoint", c.Tracing.OTLPEndpoint)
}
