package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

var (
	ErrConfigNotFound = errors.New("config file not found")
	ErrInvalidConfig  = errors.New("invalid configuration")
)

type LoadOptions struct {
	ConfigFile string
	EnvPrefix  string
	Defaults   *Config
}

func Load(opts LoadOptions) (*Config, error) {
	v := viper.New()

	defaults := opts.Defaults
	if defaults == nil {
		defaults = Default()
	}
	setViperDefaults(v, defaults)

	if opts.EnvPrefix == "" {
		opts.EnvPrefix = "GRAPNEL"
	}
	v.SetEnvPrefix(opts.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
	} else {
		v.SetConfigName("grapnel")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/grapnel")
		v.AddConfigPath("/etc/grapnel")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	expandEnvInConfig(v)

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	return cfg, nil
}

func LoadFromFile(path string) (*Config, error) {
	return Load(LoadOptions{ConfigFile: path})
}

func setViperDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("logging.caller", cfg.Logging.Caller)

	v.SetDefault("engine.workers", cfg.Engine.Workers)
	v.SetDefault("engine.shutdown_grace", cfg.Engine.ShutdownGrace)
	v.SetDefault("engine.retry_base_delay", cfg.Engine.RetryBaseDelay)
	v.SetDefault("engine.cache_capacity", cfg.Engine.CacheCapacity)
	v.SetDefault("engine.monitor_window", cfg.Engine.MonitorWindow)

	v.SetDefault("runner.shell", cfg.Runner.Shell)
	v.SetDefault("runner.kill_grace", cfg.Runner.KillGrace)
	v.SetDefault("runner.max_output_bytes", cfg.Runner.MaxOutputBytes)

	v.SetDefault("server.enabled", cfg.Server.Enabled)
	v.SetDefault("server.host", cfg.Server.Host)
	v.SetDefault("server.port", cfg.Server.Port)
	v.SetDefault("server.read_timeout", cfg.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", cfg.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", cfg.Server.IdleTimeout)
	v.SetDefault("server.auth.token_ttl", cfg.Server.Auth.TokenTTL)
	v.SetDefault("server.auth.issuer", cfg.Server.Auth.Issuer)

	v.SetDefault("history.enabled", cfg.History.Enabled)
	v.SetDefault("history.path", cfg.History.Path)
	v.SetDefault("history.retention", cfg.History.Retention)
	v.SetDefault("history.prune_interval", cfg.History.PruneInterval)

	v.SetDefault("archive.enabled", cfg.Archive.Enabled)
	v.SetDefault("archive.backend", cfg.Archive.Backend)
	v.SetDefault("archive.compression", cfg.Archive.Compression)
}

// expandEnvInConfig resolves ${VAR} values so secrets can live outside the
// config file.
func expandEnvInConfig(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		val := v.GetString(key)
		if strings.HasPrefix(val, "${") && strings.HasSuffix(val, "}") {
			envVar := val[2 : len(val)-1]
			if envVal := os.Getenv(envVar); envVal != "" {
				v.Set(key, envVal)
			}
		}
	}
}

// ConfigFilePath resolves the effective config file, checking the standard
// search locations when no explicit path is given.
func ConfigFilePath(customPath string) (string, error) {
	if customPath != "" {
		absPath, err := filepath.Abs(customPath)
		if err != nil {
			return "", fmt.Errorf("resolving config path: %w", err)
		}
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("%w: %s", ErrConfigNotFound, absPath)
		}
		return absPath, nil
	}

	searchPaths := []string{
		"grapnel.yaml",
		"grapnel.yml",
		filepath.Join(os.Getenv("HOME"), ".config", "grapnel", "grapnel.yaml"),
		"/etc/grapnel/grapnel.yaml",
	}

	for _, p := range searchPaths {
		if _, err := os.Stat(p); err == nil {
			return filepath.Abs(p)
		}
	}

	return "", ErrConfigNotFound
}
