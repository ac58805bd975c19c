// Package hooks implements the execution engine for external command hooks:
// a registry of hook definitions, per-hook circuit breakers, a shared result
// cache, rolling performance telemetry, and a bounded worker pool that runs
// hooks concurrently with timeout, retry, and fallback handling.
package hooks

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// Defaults applied by Config.Normalize for fields left at their zero value.
const (
	DefaultTimeout          = 60 * time.Second
	DefaultBreakerThreshold = 5
	DefaultRecoveryTimeout  = 30 * time.Second
)

// Sentinel errors. All of them end up inside Result.Error; the only one the
// engine itself returns is ErrEngineClosed.
var (
	ErrCircuitOpen    = errors.New("circuit open")
	ErrHookTimeout    = errors.New("hook timed out")
	ErrFallbackFailed = errors.New("fallback failed")
	ErrEngineClosed   = errors.New("engine is shut down")
	ErrShuttingDown   = errors.New("engine shutting down")
	ErrShutdownForced = errors.New("shutdown grace expired, in-flight hooks terminated")
)

// ConfigError reports an invalid hook definition detected at load time.
type ConfigError struct {
	Hook   string
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Hook == "" {
		return fmt.Sprintf("hook config: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("hook %q: %s: %s", e.Hook, e.Field, e.Reason)
}

// Config defines a single hook: a named external command plus the resilience
// policy the engine applies when running it.
type Config struct {
	Name             string            `json:"name"`
	Command          string            `json:"command"`
	Timeout          time.Duration     `json:"timeout"`
	Priority         int               `json:"priority"`
	MaxRetries       int               `json:"max_retries"`
	CacheTTL         time.Duration     `json:"cache_ttl"`
	BreakerThreshold int               `json:"breaker_threshold"`
	RecoveryTimeout  time.Duration     `json:"recovery_timeout"`
	Async            bool              `json:"async"`
	Fallback         string            `json:"fallback,omitempty"`
	When             string            `json:"when,omitempty"`
	Env              map[string]string `json:"env,omitempty"`
	WorkDir          string            `json:"workdir,omitempty"`
}

// Normalize fills zero-valued policy fields with their defaults.
func (c *Config) Normalize() {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = DefaultBreakerThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = DefaultRecoveryTimeout
	}
}

// Validate checks the definition after Normalize has run.
func (c *Config) Validate() error {
	if c.Name == "" {
		return &ConfigError{Field: "name", Reason: "must not be empty"}
	}
	if c.Command == "" {
		return &ConfigError{Hook: c.Name, Field: "command", Reason: "must not be empty"}
	}
	if c.MaxRetries < 0 {
		return &ConfigError{Hook: c.Name, Field: "max_retries", Reason: "must not be negative"}
	}
	if c.CacheTTL < 0 {
		return &ConfigError{Hook: c.Name, Field: "cache_ttl", Reason: "must not be negative"}
	}
	return nil
}

// Result is the outcome of one hook within a batch. Exactly one Result is
// produced per known hook name passed to the engine, whatever happened.
type Result struct {
	HookName     string        `json:"hook_name"`
	Success      bool          `json:"success"`
	Duration     time.Duration `json:"duration"`
	Output       string        `json:"output,omitempty"`
	Error        string        `json:"error,omitempty"`
	ExitCode     int           `json:"exit_code"`
	Retries      int           `json:"retries"`
	Cached       bool          `json:"cached,omitempty"`
	Skipped      bool          `json:"skipped,omitempty"`
	TimedOut     bool          `json:"timed_out,omitempty"`
	FallbackUsed bool          `json:"fallback_used,omitempty"`
}

// Status labels the result for logs, metrics, and history rows.
func (r Result) Status() string {
	switch {
	case r.Skipped:
		return "skipped"
	case r.Cached:
		return "cached"
	case r.Success && r.FallbackUsed:
		return "fallback"
	case r.Success:
		return "success"
	case r.TimedOut:
		return "timeout"
	case r.Error == ErrCircuitOpen.Error():
		return "circuit_open"
	default:
		return "failed"
	}
}

// sortByPriority orders configs highest priority first. The sort is stable
// so hooks with equal priority keep the order the caller requested them in.
func sortByPriority(configs []Config) {
	sort.SliceStable(configs, func(i, j int) bool {
		return configs[i].Priority > configs[j].Priority
	})
}
