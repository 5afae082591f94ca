// Package config loads and validates agent configuration from environment
// variables. Functional options at the façade override these values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all agent configuration.
type Config struct {
	// Project settings.
	ProjectID   string
	Environment string // local, dev, stg, prod

	// State persistence.
	StateDir string

	// Session continuity.
	InactivityTimeout  time.Duration
	MaxSessionDuration time.Duration
	StaleThreshold     time.Duration // legacy alias for InactivityTimeout

	// Recorder settings.
	IdleTimeout    time.Duration
	MaxEvents      int
	BlockedURLs    []string // regex patterns
	ConsoleCapture bool

	// Network tap settings.
	ExcludeURLs        []string
	SanitizeParams     []string
	SanitizeHeaders    []string
	SanitizeBodyFields []string
	CaptureBodies      bool
	MaxBodySize        int
	MaxRequests        int

	// Resource monitoring.
	MemoryLimitBytes int

	// Upload settings.
	Compress bool

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string
}

// Load reads configuration from environment variables with sensible defaults.
// Missing variables use defaults; only malformed values are rejected.
func Load() (Config, error) {
	var errs []error
	cfg := Config{
		ProjectID:          envStr("PERCEPTR_PROJECT_ID", ""),
		Environment:        envStr("PERCEPTR_ENVIRONMENT", "prod"),
		StateDir:           envStr("PERCEPTR_STATE_DIR", defaultStateDir()),
		BlockedURLs:        envStrSlice("PERCEPTR_BLOCKED_URLS", nil),
		ExcludeURLs:        envStrSlice("PERCEPTR_EXCLUDE_URLS", nil),
		SanitizeParams:     envStrSlice("PERCEPTR_SANITIZE_PARAMS", nil),
		SanitizeHeaders:    envStrSlice("PERCEPTR_SANITIZE_HEADERS", nil),
		SanitizeBodyFields: envStrSlice("PERCEPTR_SANITIZE_BODY_FIELDS", nil),
		OTELEndpoint:       envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:        envStr("OTEL_SERVICE_NAME", "perceptr-go"),
	}

	cfg.MaxEvents, errs = collectInt(errs, "PERCEPTR_MAX_EVENTS", 10_000)
	cfg.MaxRequests, errs = collectInt(errs, "PERCEPTR_MAX_REQUESTS", 1000)
	cfg.MaxBodySize, errs = collectInt(errs, "PERCEPTR_MAX_BODY_SIZE", 100*1024)
	cfg.MemoryLimitBytes, errs = collectInt(errs, "PERCEPTR_MEMORY_LIMIT_BYTES", 50*1024*1024)

	cfg.CaptureBodies, errs = collectBool(errs, "PERCEPTR_CAPTURE_BODIES", true)
	cfg.ConsoleCapture, errs = collectBool(errs, "PERCEPTR_CONSOLE_CAPTURE", true)
	cfg.Compress, errs = collectBool(errs, "PERCEPTR_COMPRESS", true)
	cfg.OTELInsecure, errs = collectBool(errs, "OTEL_EXPORTER_OTLP_INSECURE", false)

	cfg.InactivityTimeout, errs = collectDuration(errs, "PERCEPTR_INACTIVITY_TIMEOUT", 0)
	cfg.MaxSessionDuration, errs = collectDuration(errs, "PERCEPTR_MAX_SESSION_DURATION", 0)
	cfg.StaleThreshold, errs = collectDuration(errs, "PERCEPTR_STALE_THRESHOLD", 0)
	cfg.IdleTimeout, errs = collectDuration(errs, "PERCEPTR_IDLE_TIMEOUT", 0)

	if len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return Config{}, fmt.Errorf("config: invalid environment variables:\n  %s", strings.Join(msgs, "\n  "))
	}
	return cfg, nil
}

// Validate checks that required configuration is present and sane. Called
// after option overrides are applied.
func (c Config) Validate() error {
	var errs []error

	if c.ProjectID == "" {
		errs = append(errs, errors.New("config: PERCEPTR_PROJECT_ID is required"))
	}
	switch c.Environment {
	case "local", "dev", "stg", "prod":
	default:
		errs = append(errs, fmt.Errorf("config: PERCEPTR_ENVIRONMENT %q must be one of local, dev, stg, prod", c.Environment))
	}
	if c.StateDir == "" {
		errs = append(errs, errors.New("config: PERCEPTR_STATE_DIR is required"))
	}
	if c.MaxEvents <= 0 {
		errs = append(errs, errors.New("config: PERCEPTR_MAX_EVENTS must be positive"))
	}
	if c.MaxRequests <= 0 {
		errs = append(errs, errors.New("config: PERCEPTR_MAX_REQUESTS must be positive"))
	}
	if c.MaxBodySize <= 0 {
		errs = append(errs, errors.New("config: PERCEPTR_MAX_BODY_SIZE must be positive"))
	}
	if c.MemoryLimitBytes <= 0 {
		errs = append(errs, errors.New("config: PERCEPTR_MEMORY_LIMIT_BYTES must be positive"))
	}
	if c.InactivityTimeout < 0 || c.MaxSessionDuration < 0 || c.IdleTimeout < 0 {
		errs = append(errs, errors.New("config: durations must not be negative"))
	}

	return errors.Join(errs...)
}

// defaultStateDir places agent state under the user cache directory, falling
// back to a dot directory in the working directory.
func defaultStateDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "perceptr")
	}
	return ".perceptr"
}

// collectInt parses an int env var, appending any error to the accumulator.
func collectInt(errs []error, key string, fallback int) (int, []error) {
	v, err := envInt(key, fallback)
	if err != nil {
		errs = append(errs, err)
	}
	return v, errs
}

// collectBool parses a bool env var, appending any error to the accumulator.
func collectBool(errs []error, key string, fallback bool) (bool, []error) {
	v, err := envBool(key, fallback)
	if err != nil {
		errs = append(errs, err)
	}
	return v, errs
}

// collectDuration parses a duration env var, appending any error to the accumulator.
func collectDuration(errs []error, key string, fallback time.Duration) (time.Duration, []error) {
	v, err := envDuration(key, fallback)
	if err != nil {
		errs = append(errs, err)
	}
	return v, errs
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}

// envStrSlice reads a comma-separated env var into a string slice.
func envStrSlice(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
