// Package config provides configuration management for Grapnel.
package config

import (
	"strconv"
	"time"

	"github.com/perfectuser21/grapnel/internal/hooks"
)

// Config is the root configuration structure for Grapnel.
type Config struct {
	Logging   LoggingConfig    `mapstructure:"logging"`
	Engine    EngineConfig     `mapstructure:"engine"`
	Runner    RunnerConfig     `mapstructure:"runner"`
	Server    ServerConfig     `mapstructure:"server"`
	History   HistoryConfig    `mapstructure:"history"`
	Archive   ArchiveConfig    `mapstructure:"archive"`
	Hooks     []HookConfig     `mapstructure:"hooks"`
	Schedules []ScheduleConfig `mapstructure:"schedules"`
	Webhooks  []WebhookConfig  `mapstructure:"webhooks"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Log level (trace, debug, info, warn, error)
	Level string `mapstructure:"level"`

	// Log format (json, console)
	Format string `mapstructure:"format"`

	// Include caller info
	Caller bool `mapstructure:"caller"`
}

// EngineConfig holds hook engine settings.
type EngineConfig struct {
	// Size of the worker pool shared by all hooks
	Workers int `mapstructure:"workers"`

	// How long a graceful shutdown waits for in-flight hooks
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`

	// Base delay for exponential retry backoff
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`

	// Maximum entries in the result cache
	CacheCapacity int `mapstructure:"cache_capacity"`

	// Samples kept per hook in the rolling performance window
	MonitorWindow int `mapstructure:"monitor_window"`
}

// RunnerConfig holds settings for the process that runs hook commands.
type RunnerConfig struct {
	// Shell used to interpret hook commands
	Shell string `mapstructure:"shell"`

	// How long a canceled hook gets between SIGTERM and SIGKILL
	KillGrace time.Duration `mapstructure:"kill_grace"`

	// Captured output limit per stream, in bytes
	MaxOutputBytes int `mapstructure:"max_output_bytes"`
}

// ServerConfig holds admin API server settings.
type ServerConfig struct {
	// Enable the admin API server
	Enabled bool `mapstructure:"enabled"`

	// Host to bind the server to
	Host string `mapstructure:"host"`

	// Port to listen on
	Port int `mapstructure:"port"`

	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`

	// Auth settings for the protected API routes
	Auth AuthConfig `mapstructure:"auth"`
}

// AuthConfig holds JWT settings for the admin API. An empty secret disables
// authentication, which is only sensible on a loopback bind.
type AuthConfig struct {
	// Secret key for signing tokens (min 32 chars when set)
	Secret string `mapstructure:"secret"`

	// Token lifetime for minted tokens
	TokenTTL time.Duration `mapstructure:"token_ttl"`

	// JWT issuer claim
	Issuer string `mapstructure:"issuer"`
}

// HistoryConfig holds execution history settings.
type HistoryConfig struct {
	// Enable persistent execution history
	Enabled bool `mapstructure:"enabled"`

	// Path to the SQLite database file
	Path string `mapstructure:"path"`

	// How long executions are kept before pruning
	Retention time.Duration `mapstructure:"retention"`

	// How often the pruner runs
	PruneInterval time.Duration `mapstructure:"prune_interval"`
}

// ArchiveConfig holds settings for archiving pruned history records.
type ArchiveConfig struct {
	// Archive pruned records instead of discarding them
	Enabled bool `mapstructure:"enabled"`

	// Backend type (filesystem or s3)
	Backend string `mapstructure:"backend"`

	// Compression applied to archive objects (none, gzip, zstd)
	Compression string `mapstructure:"compression"`

	// Filesystem backend settings
	Filesystem *FilesystemArchiveConfig `mapstructure:"filesystem"`

	// S3 backend settings
	S3 *S3ArchiveConfig `mapstructure:"s3"`
}

// FilesystemArchiveConfig holds filesystem archive settings.
type FilesystemArchiveConfig struct {
	// Root directory for archive objects
	Path string `mapstructure:"path"`
}

// S3ArchiveConfig holds S3 archive settings.
type S3ArchiveConfig struct {
	Bucket string `mapstructure:"bucket"`
	Region string `mapstructure:"region"`

	// Custom endpoint for S3-compatible stores (MinIO, R2)
	Endpoint string `mapstructure:"endpoint"`

	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`

	// Use path-style addressing (required by most S3-compatible stores)
	UsePathStyle bool `mapstructure:"use_path_style"`
}

// HookConfig declares one hook as written in the config file. Async is a
// pointer because it defaults to true when omitted, which a plain bool
// cannot express through mapstructure.
type HookConfig struct {
	Name     string            `mapstructure:"name"`
	Command  string            `mapstructure:"command"`
	Timeout  time.Duration     `mapstructure:"timeout"`
	Priority int               `mapstructure:"priority"`
	Retries  int               `mapstructure:"max_retries"`
	CacheTTL time.Duration     `mapstructure:"cache_ttl"`
	Breaker  int               `mapstructure:"breaker_threshold"`
	Recovery time.Duration     `mapstructure:"recovery_timeout"`
	Async    *bool             `mapstructure:"async"`
	Fallback string            `mapstructure:"fallback"`
	When     string            `mapstructure:"when"`
	Env      map[string]string `mapstructure:"env"`
	WorkDir  string            `mapstructure:"workdir"`
}

// ToHook converts the file representation into an engine hook definition.
func (h HookConfig) ToHook() hooks.Config {
	async := true
	if h.Async != nil {
		async = *h.Async
	}
	return hooks.Config{
		Name:             h.Name,
		Command:          h.Command,
		Timeout:          h.Timeout,
		Priority:         h.Priority,
		MaxRetries:       h.Retries,
		CacheTTL:         h.CacheTTL,
		BreakerThreshold: h.Breaker,
		RecoveryTimeout:  h.Recovery,
		Async:            async,
		Fallback:         h.Fallback,
		When:             h.When,
		Env:              h.Env,
		WorkDir:          h.WorkDir,
	}
}

// ScheduleConfig declares one cron schedule that fires a set of hooks.
type ScheduleConfig struct {
	Name string `mapstructure:"name"`

	// Cron expression (standard five fields, or @every / @hourly forms)
	Cron string `mapstructure:"cron"`

	// Hook selectors, resolved against registered names with glob matching
	Hooks []string `mapstructure:"hooks"`

	// Extra context merged into each fired batch
	Context map[string]any `mapstructure:"context"`

	Disabled bool `mapstructure:"disabled"`
}

// WebhookConfig declares one inbound webhook endpoint that triggers hooks.
// Requests are verified with an HMAC-SHA256 signature over the raw body when
// a secret is set; an empty secret accepts unsigned requests, which is only
// sensible on a loopback bind.
type WebhookConfig struct {
	Name string `mapstructure:"name"`

	// Secret for signature verification
	Secret string `mapstructure:"secret"`

	// Header carrying the hex signature, with or without an algorithm
	// prefix ("sha256=..."). Defaults to X-Grapnel-Signature; set to
	// X-Hub-Signature-256 for GitHub.
	SignatureHeader string `mapstructure:"signature_header"`

	// Hook selectors, resolved against registered names with glob matching
	Hooks []string `mapstructure:"hooks"`

	// Extra context merged into each triggered batch
	Context map[string]any `mapstructure:"context"`
}

// HookDefinitions converts all declared hooks to engine definitions.
func (c *Config) HookDefinitions() []hooks.Config {
	defs := make([]hooks.Config, 0, len(c.Hooks))
	for _, h := range c.Hooks {
		defs = append(defs, h.ToHook())
	}
	return defs
}

// Address returns the server address in host:port format.
func (s *ServerConfig) Address() string {
	return s.Host + ":" + strconv.Itoa(s.Port)
}
