package config

import (
	"time"

	"github.com/perfectuser21/grapnel/internal/hooks"
)

// Default configuration values.
const (
	// Server defaults.
	DefaultHost         = "localhost"
	DefaultPort         = 8456
	DefaultReadTimeout  = 15 * time.Second
	DefaultWriteTimeout = 30 * time.Second
	DefaultIdleTimeout  = 120 * time.Second

	// Auth defaults.
	DefaultTokenTTL  = 24 * time.Hour
	DefaultJWTIssuer = "grapnel"

	// History defaults.
	DefaultHistoryPath   = "grapnel.db"
	DefaultRetention     = 30 * 24 * time.Hour
	DefaultPruneInterval = time.Hour

	// Logging defaults.
	DefaultLogLevel  = "info"
	DefaultLogFormat = "console"
)

// Default returns a Config with sensible defaults. Engine and runner knobs
// reuse the engine package defaults so the two never drift apart.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
			Caller: false,
		},
		Engine: EngineConfig{
			Workers:        hooks.DefaultWorkers,
			ShutdownGrace:  hooks.DefaultShutdownGrace,
			RetryBaseDelay: hooks.DefaultRetryBaseDelay,
			CacheCapacity:  hooks.DefaultCacheCapacity,
			MonitorWindow:  hooks.DefaultMonitorWindow,
		},
		Runner: RunnerConfig{
			Shell:          hooks.DefaultShell,
			KillGrace:      hooks.DefaultKillGrace,
			MaxOutputBytes: hooks.DefaultMaxOutputBytes,
		},
		Server: ServerConfig{
			Enabled:      true,
			Host:         DefaultHost,
			Port:         DefaultPort,
			ReadTimeout:  DefaultReadTimeout,
			WriteTimeout: DefaultWriteTimeout,
			IdleTimeout:  DefaultIdleTimeout,
			Auth: AuthConfig{
				TokenTTL: DefaultTokenTTL,
				Issuer:   DefaultJWTIssuer,
			},
		},
		History: HistoryConfig{
			Enabled:       true,
			Path:          DefaultHistoryPath,
			Retention:     DefaultRetention,
			PruneInterval: DefaultPruneInterval,
		},
		Archive: ArchiveConfig{
			Enabled:     false,
			Backend:     "filesystem",
			Compression: "zstd",
		},
	}
}
