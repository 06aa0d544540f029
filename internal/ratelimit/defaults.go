package ratelimit

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EndpointDefault seeds the first window for an endpoint that has not
// reported authoritative metadata yet. WindowS is seconds.
type EndpointDefault struct {
	Limit   int `yaml:"limit"`
	WindowS int `yaml:"window_s"`
}

// Window returns the seed window duration.
func (d EndpointDefault) Window() time.Duration {
	if d.WindowS <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(d.WindowS) * time.Second
}

// Defaults maps endpoints to seed windows, with a catch-all fallback.
type Defaults struct {
	Default   EndpointDefault            `yaml:"default"`
	Endpoints map[string]EndpointDefault `yaml:"endpoints"`
}

type defaultsFile struct {
	RateLimits Defaults `yaml:"rate_limits"`
}

// For returns the seed for endpoint, falling back first to the file's
// default entry and then to the built-in table.
func (d Defaults) For(endpoint string) EndpointDefault {
	key := strings.ToLower(strings.TrimSpace(endpoint))
	if d.Endpoints != nil {
		if e, ok := d.Endpoints[key]; ok {
			return e
		}
	}
	if d.Default.Limit > 0 {
		return d.Default
	}
	if e, ok := builtInDefaults[key]; ok {
		return e
	}
	return EndpointDefault{Limit: 50, WindowS: 900}
}

// Observed client budgets for the X web endpoints; conservative on
// purpose since the real window is only learned from responses.
var builtInDefaults = map[string]EndpointDefault{
	"profile":        {Limit: 95, WindowS: 900},
	"tweets":         {Limit: 50, WindowS: 900},
	"search":         {Limit: 50, WindowS: 900},
	"followers":      {Limit: 50, WindowS: 900},
	"mentions":       {Limit: 50, WindowS: 900},
	"like":           {Limit: 500, WindowS: 86400},
	"follow":         {Limit: 100, WindowS: 86400},
	"comment":        {Limit: 100, WindowS: 86400},
	"post":           {Limit: 50, WindowS: 86400},
	"home_timeline":  {Limit: 95, WindowS: 900},
	"notifications":  {Limit: 95, WindowS: 900},
	"profile_counts": {Limit: 95, WindowS: 900},
}

// LoadDefaults reads seed windows from path. An explicit path that does
// not exist yields empty defaults (built-ins apply); an empty path tries
// the TALON_RATE_LIMITS env var, then conventional locations, then walks
// up from the working directory.
func LoadDefaults(path string) (Defaults, error) {
	if path != "" {
		return readDefaults(path)
	}
	for _, p := range []string{os.Getenv("TALON_RATE_LIMITS"), "./config/rate_limits.yaml"} {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			continue
		}
		return readDefaults(p)
	}
	if p, ok := findUpDefaults(); ok {
		return readDefaults(p)
	}
	return Defaults{}, nil
}

func readDefaults(path string) (Defaults, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Defaults{}, nil
		}
		return Defaults{}, err
	}
	var f defaultsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Defaults{}, err
	}
	return f.RateLimits, nil
}

func findUpDefaults() (string, bool) {
	wd, err := os.Getwd()
	if err != nil {
		return "", false
	}
	for i := 0; i < 6; i++ {
		cand := filepath.Join(wd, "config", "rate_limits.yaml")
		if _, err := os.Stat(cand); err == nil {
			return cand, true
		}
		wd = filepath.Dir(wd)
	}
	return "", false
}
