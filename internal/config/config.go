// Package config assembles the server configuration from defaults, an
// optional YAML file and environment overrides.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/hashicorp/go-multierror"
	"sigs.k8s.io/yaml"
)

// ErrInvalid matches every validation failure reported by Validate.
var ErrInvalid = errors.New("config: invalid")

// DriverMemory selects the in-process upstream.
const DriverMemory = "memory"

// Duration is a time.Duration that reads "250ms"/"1m" strings or integer
// milliseconds from YAML and JSON.
type Duration time.Duration

// D returns d as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// MarshalJSON writes d in time.Duration string form.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts a duration string or a number of milliseconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case float64:
		*d = Duration(time.Duration(x) * time.Millisecond)
	case string:
		p, err := time.ParseDuration(x)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", x, err)
		}
		*d = Duration(p)
	default:
		return fmt.Errorf("invalid duration %s", b)
	}
	return nil
}

// Server holds the HTTP listener settings.
type Server struct {
	Port          int      `json:"port"`
	ShutdownGrace Duration `json:"shutdownGrace"`
}

// Cache sizes the user cache and its expiry sweep.
type Cache struct {
	Capacity      int      `json:"capacity"`
	TTL           Duration `json:"ttl"`
	SweepInterval Duration `json:"sweepInterval"`
}

// RateLimit configures the per-client admission buckets.
type RateLimit struct {
	MaxRequests   int      `json:"maxRequests"`
	Window        Duration `json:"window"`
	BurstCapacity int      `json:"burstCapacity"`
	BurstWindow   Duration `json:"burstWindow"`
	SweepInterval Duration `json:"sweepInterval"`
}

// Metrics bounds the event log and names the Prometheus namespace.
type Metrics struct {
	MaxEvents int    `json:"maxEvents"`
	Namespace string `json:"namespace"`
}

// Upstream selects the user store and the fetch behaviour.
type Upstream struct {
	// Driver is "memory", "sqlite3", "mysql" or "postgres".
	Driver       string   `json:"driver"`
	DSN          string   `json:"dsn"`
	Delay        Duration `json:"delay"`
	FetchTimeout Duration `json:"fetchTimeout"`
	Workers      int      `json:"workers"`
}

// Log sets the logger level and encoder.
type Log struct {
	Level       string `json:"level"`
	Development bool   `json:"development"`
}

// Config is the full server configuration.
type Config struct {
	Server    Server    `json:"server"`
	Cache     Cache     `json:"cache"`
	RateLimit RateLimit `json:"rateLimit"`
	Metrics   Metrics   `json:"metrics"`
	Upstream  Upstream  `json:"upstream"`
	Log       Log       `json:"log"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: Server{Port: 3000, ShutdownGrace: Duration(10 * time.Second)},
		Cache: Cache{
			Capacity:      100,
			TTL:           Duration(60 * time.Second),
			SweepInterval: Duration(30 * time.Second),
		},
		RateLimit: RateLimit{
			MaxRequests:   10,
			Window:        Duration(time.Minute),
			BurstCapacity: 5,
			BurstWindow:   Duration(10 * time.Second),
			SweepInterval: Duration(5 * time.Minute),
		},
		Metrics: Metrics{MaxEvents: 10_000, Namespace: "readthrough"},
		Upstream: Upstream{
			Driver:       DriverMemory,
			Delay:        Duration(200 * time.Millisecond),
			FetchTimeout: Duration(5 * time.Second),
			Workers:      1,
		},
		Log: Log{Level: "info"},
	}
}

// Load returns Default() overlaid with the YAML file at path (if path is not
// empty) and then with environment variables read through getenv. The result
// is validated.
func Load(path string, getenv func(string) string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overrides fields from the environment. Unset variables are
// skipped; every malformed one is reported.
func (c *Config) applyEnv(getenv func(string) string) error {
	var errs *multierror.Error
	intVar := func(key string, dst *int) {
		if v := getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	msVar := func(key string, dst *Duration) {
		if v := getenv(key); v != "" {
			ms, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = Duration(time.Duration(ms) * time.Millisecond)
		}
	}
	strVar := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}

	intVar("PORT", &c.Server.Port)
	msVar("SHUTDOWN_GRACE_MS", &c.Server.ShutdownGrace)
	intVar("CACHE_CAPACITY", &c.Cache.Capacity)
	msVar("CACHE_TTL_MS", &c.Cache.TTL)
	msVar("CACHE_SWEEP_INTERVAL_MS", &c.Cache.SweepInterval)
	intVar("RATE_LIMIT_MAX_REQUESTS", &c.RateLimit.MaxRequests)
	msVar("RATE_LIMIT_WINDOW_MS", &c.RateLimit.Window)
	intVar("RATE_LIMIT_BURST_CAPACITY", &c.RateLimit.BurstCapacity)
	msVar("RATE_LIMIT_BURST_WINDOW_MS", &c.RateLimit.BurstWindow)
	intVar("METRICS_MAX_EVENTS", &c.Metrics.MaxEvents)
	strVar("STORE_DRIVER", &c.Upstream.Driver)
	strVar("STORE_DSN", &c.Upstream.DSN)
	msVar("DB_DELAY_MS", &c.Upstream.Delay)
	intVar("COALESCE_WORKERS", &c.Upstream.Workers)
	strVar("LOG_LEVEL", &c.Log.Level)
	if getenv("NODE_ENV") == "development" || getenv("APP_ENV") == "development" {
		c.Log.Development = true
	}

	if err := errs.ErrorOrNil(); err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}
	return nil
}

// Validate reports every out-of-range setting at once.
func (c Config) Validate() error {
	var errs *multierror.Error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = multierror.Append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
		}
	}

	check(c.Server.Port > 0 && c.Server.Port < 65536, "server.port %d out of range", c.Server.Port)
	check(c.Server.ShutdownGrace > 0, "server.shutdownGrace must be positive")
	check(c.Cache.Capacity > 0, "cache.capacity must be positive, got %d", c.Cache.Capacity)
	check(c.Cache.TTL > 0, "cache.ttl must be positive")
	check(c.Cache.SweepInterval > 0, "cache.sweepInterval must be positive")
	check(c.RateLimit.MaxRequests > 0, "rateLimit.maxRequests must be positive, got %d", c.RateLimit.MaxRequests)
	check(c.RateLimit.Window > 0, "rateLimit.window must be positive")
	check(c.RateLimit.BurstCapacity > 0, "rateLimit.burstCapacity must be positive, got %d", c.RateLimit.BurstCapacity)
	check(c.RateLimit.BurstWindow > 0, "rateLimit.burstWindow must be positive")
	check(c.RateLimit.SweepInterval > 0, "rateLimit.sweepInterval must be positive")
	check(c.Metrics.MaxEvents > 0, "metrics.maxEvents must be positive, got %d", c.Metrics.MaxEvents)
	check(c.Upstream.Delay >= 0, "upstream.delay must not be negative")
	check(c.Upstream.Workers > 0, "upstream.workers must be positive, got %d", c.Upstream.Workers)

	switch c.Upstream.Driver {
	case DriverMemory, "sqlite3":
	case "mysql", "postgres":
		check(c.Upstream.DSN != "", "upstream.dsn is required for driver %q", c.Upstream.Driver)
	default:
		check(false, "upstream.driver %q is not one of memory, sqlite3, mysql, postgres", c.Upstream.Driver)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		check(false, "log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}

	return errs.ErrorOrNil()
}
