package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"github.com/robfig/cron/v3"

	"github.com/perfectuser21/grapnel/internal/hooks"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")
	for _, err := range e {
		sb.WriteString("  - ")
		sb.WriteString(err.Error())
		sb.WriteString("\n")
	}
	return sb.String()
}

// cronParser accepts the standard five-field format plus descriptors like
// @hourly and @every 5m, matching what the scheduler runs with.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

func Validate(cfg *Config) error {
	var errs ValidationErrors

	errs = append(errs, validateLogging(&cfg.Logging)...)
	errs = append(errs, validateEngine(&cfg.Engine)...)
	errs = append(errs, validateRunner(&cfg.Runner)...)
	errs = append(errs, validateServer(&cfg.Server)...)
	errs = append(errs, validateHistory(&cfg.History)...)
	errs = append(errs, validateArchive(&cfg.Archive)...)
	errs = append(errs, validateHooks(cfg.Hooks)...)
	errs = append(errs, validateSchedules(cfg.Schedules)...)
	errs = append(errs, validateWebhooks(cfg.Webhooks)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateLogging(cfg *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLevels[cfg.Level] {
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: "must be one of: trace, debug, info, warn, error, fatal, panic",
		})
	}

	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[cfg.Format] {
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: "must be 'json' or 'console'",
		})
	}

	return errs
}

func validateEngine(cfg *EngineConfig) ValidationErrors {
	var errs ValidationErrors

	if cfg.Workers < 1 {
		errs = append(errs, ValidationError{
			Field:   "engine.workers",
			Message: "must be at least 1",
		})
	}

	if cfg.ShutdownGrace < time.Second {
		errs = append(errs, ValidationError{
			Field:   "engine.shutdown_grace",
			Message: "must be at least 1 second",
		})
	}

	if cfg.RetryBaseDelay < time.Millisecond {
		errs = append(errs, ValidationError{
			Field:   "engine.retry_base_delay",
			Message: "must be at least 1ms",
		})
	}

	if cfg.CacheCapacity < 1 {
		errs = append(errs, ValidationError{
			Field:   "engine.cache_capacity",
			Message: "must be at least 1",
		})
	}

	if cfg.MonitorWindow < 1 {
		errs = append(errs, ValidationError{
			Field:   "engine.monitor_window",
			Message: "must be at least 1",
		})
	}

	return errs
}

func validateRunner(cfg *RunnerConfig) ValidationErrors {
	var errs ValidationErrors

	if cfg.Shell == "" {
		errs = append(errs, ValidationError{
			Field:   "runner.shell",
			Message: "required",
		})
	}

	if cfg.KillGrace < 0 {
		errs = append(errs, ValidationError{
			Field:   "runner.kill_grace",
			Message: "must be non-negative",
		})
	}

	if cfg.MaxOutputBytes < 1024 {
		errs = append(errs, ValidationError{
			Field:   "runner.max_output_bytes",
			Message: "must be at least 1024",
		})
	}

	return errs
}

func validateServer(cfg *ServerConfig) ValidationErrors {
	var errs ValidationErrors

	if !cfg.Enabled {
		return errs
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		errs = append(errs, ValidationError{
			Field:   "server.port",
			Message: "must be between 1 and 65535",
		})
	}

	if cfg.ReadTimeout < 0 {
		errs = append(errs, ValidationError{
			Field:   "server.read_timeout",
			Message: "must be non-negative",
		})
	}

	if cfg.WriteTimeout < 0 {
		errs = append(errs, ValidationError{
			Field:   "server.write_timeout",
			Message: "must be non-negative",
		})
	}

	if cfg.Auth.Secret != "" && len(cfg.Auth.Secret) < 32 {
		errs = append(errs, ValidationError{
			Field:   "server.auth.secret",
			Message: "must be at least 32 characters",
		})
	}

	if cfg.Auth.Secret != "" && cfg.Auth.TokenTTL < time.Minute {
		errs = append(errs, ValidationError{
			Field:   "server.auth.token_ttl",
			Message: "must be at least 1 minute",
		})
	}

	return errs
}

func validateHistory(cfg *HistoryConfig) ValidationErrors {
	var errs ValidationErrors

	if !cfg.Enabled {
		return errs
	}

	if cfg.Path == "" {
		errs = append(errs, ValidationError{
			Field:   "history.path",
			Message: "required when history is enabled",
		})
	}

	if cfg.Retention < time.Hour {
		errs = append(errs, ValidationError{
			Field:   "history.retention",
			Message: "must be at least 1 hour",
		})
	}

	if cfg.PruneInterval < time.Minute {
		errs = append(errs, ValidationError{
			Field:   "history.prune_interval",
			Message: "must be at least 1 minute",
		})
	}

	return errs
}

func validateArchive(cfg *ArchiveConfig) ValidationErrors {
	var errs ValidationErrors

	if !cfg.Enabled {
		return errs
	}

	validBackends := map[string]bool{"filesystem": true, "s3": true}
	if !validBackends[cfg.Backend] {
		errs = append(errs, ValidationError{
			Field:   "archive.backend",
			Message: "must be 'filesystem' or 's3'",
		})
	}

	validCompression := map[string]bool{"none": true, "gzip": true, "zstd": true}
	if !validCompression[cfg.Compression] {
		errs = append(errs, ValidationError{
			Field:   "archive.compression",
			Message: "must be one of: none, gzip, zstd",
		})
	}

	switch cfg.Backend {
	case "filesystem":
		if cfg.Filesystem == nil || cfg.Filesystem.Path == "" {
			errs = append(errs, ValidationError{
				Field:   "archive.filesystem.path",
				Message: "required when backend is 'filesystem'",
			})
		} else if strings.Contains(cfg.Filesystem.Path, "..") {
			errs = append(errs, ValidationError{
				Field:   "archive.filesystem.path",
				Message: "path traversal (..) not allowed",
			})
		}

	case "s3":
		if cfg.S3 == nil {
			errs = append(errs, ValidationError{
				Field:   "archive.s3",
				Message: "required when backend is 's3'",
			})
			break
		}
		if cfg.S3.Bucket == "" {
			errs = append(errs, ValidationError{
				Field:   "archive.s3.bucket",
				Message: "required",
			})
		}
		if cfg.S3.Region == "" && cfg.S3.Endpoint == "" {
			errs = append(errs, ValidationError{
				Field:   "archive.s3.region",
				Message: "required unless a custom endpoint is set",
			})
		}
	}

	return errs
}

func validateHooks(hookCfgs []HookConfig) ValidationErrors {
	var errs ValidationErrors

	conditions, err := hooks.NewConditionSet()
	if err != nil {
		errs = append(errs, ValidationError{
			Field:   "hooks",
			Message: fmt.Sprintf("initializing condition compiler: %v", err),
		})
		return errs
	}

	seen := make(map[string]bool, len(hookCfgs))
	for i, h := range hookCfgs {
		def := h.ToHook()
		def.Normalize()

		field := fmt.Sprintf("hooks[%d]", i)
		if def.Name != "" {
			field = fmt.Sprintf("hooks.%s", def.Name)
		}

		if err := def.Validate(); err != nil {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: err.Error(),
			})
			continue
		}

		if seen[def.Name] {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: "duplicate hook name",
			})
		}
		seen[def.Name] = true

		if def.When != "" {
			if err := conditions.Compile(def.When); err != nil {
				errs = append(errs, ValidationError{
					Field:   field + ".when",
					Message: err.Error(),
				})
			}
		}
	}

	return errs
}

func validateSchedules(schedules []ScheduleConfig) ValidationErrors {
	var errs ValidationErrors

	seen := make(map[string]bool, len(schedules))
	for i, s := range schedules {
		field := fmt.Sprintf("schedules[%d]", i)
		if s.Name != "" {
			field = fmt.Sprintf("schedules.%s", s.Name)
		}

		if s.Name == "" {
			errs = append(errs, ValidationError{
				Field:   field + ".name",
				Message: "required",
			})
		}

		if seen[s.Name] {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: "duplicate schedule name",
			})
		}
		seen[s.Name] = true

		if s.Cron == "" {
			errs = append(errs, ValidationError{
				Field:   field + ".cron",
				Message: "required",
			})
		} else if _, err := cronParser.Parse(s.Cron); err != nil {
			errs = append(errs, ValidationError{
				Field:   field + ".cron",
				Message: fmt.Sprintf("invalid cron expression: %v", err),
			})
		}

		if len(s.Hooks) == 0 {
			errs = append(errs, ValidationError{
				Field:   field + ".hooks",
				Message: "at least one hook selector required",
			})
		}
		for _, pattern := range s.Hooks {
			if _, err := glob.Compile(pattern); err != nil {
				errs = append(errs, ValidationError{
					Field:   field + ".hooks",
					Message: fmt.Sprintf("invalid selector %q: %v", pattern, err),
				})
			}
		}
	}

	return errs
}

func validateWebhooks(webhooks []WebhookConfig) ValidationErrors {
	var errs ValidationErrors

	seen := make(map[string]bool, len(webhooks))
	for i, w := range webhooks {
		field := fmt.Sprintf("webhooks[%d]", i)
		if w.Name != "" {
			field = fmt.Sprintf("webhooks.%s", w.Name)
		}

		if w.Name == "" {
			errs = append(errs, ValidationError{
				Field:   field + ".name",
				Message: "required",
			})
		}

		if seen[w.Name] {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: "duplicate webhook name",
			})
		}
		seen[w.Name] = true

		if len(w.Hooks) == 0 {
			errs = append(errs, ValidationError{
				Field:   field + ".hooks",
				Message: "at least one hook selector required",
			})
		}
		for _, pattern := range w.Hooks {
			if _, err := glob.Compile(pattern); err != nil {
				errs = append(errs, ValidationError{
					Field:   field + ".hooks",
					Message: fmt.Sprintf("invalid selector %q: %v", pattern, err),
				})
			}
		}
	}

	return errs
}
