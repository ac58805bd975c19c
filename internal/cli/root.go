// Package cli implements the grapnel command line interface.
package cli

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/perfectuser21/grapnel/internal/config"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "grapnel",
	Short: "Resilient hook execution engine",
	Long: `Grapnel runs named external commands ("hooks") with the failure
handling a production system needs:

  - Concurrent execution through a bounded worker pool
  - Per-hook circuit breakers that shed load from failing commands
  - Result caching with TTL expiry
  - Timeouts, retries with exponential backoff, and fallback commands
  - Cron schedules, execution history, and an admin API

Start the daemon:
  grapnel serve

Run hooks once from the command line:
  grapnel run deploy-* --context env=prod`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./grapnel.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (console, json)")
}

// setupLogging installs a bootstrap logger so config loading itself has
// somewhere to log. loadConfig reconfigures it from the file afterwards.
func setupLogging() {
	output := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// loadConfig loads the configuration file and applies logging flags on top,
// so --log-level and --log-format win over the file.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(config.LoadOptions{ConfigFile: cfgFile})
	if err != nil {
		return nil, err
	}

	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	if err := configureLogging(cfg.Logging); err != nil {
		return nil, err
	}
	return cfg, nil
}

// configureLogging applies the final logging configuration.
func configureLogging(cfg config.LoggingConfig) error {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("parsing log level %q: %w", cfg.Level, err)
	}
	zerolog.SetGlobalLevel(level)

	var logger zerolog.Logger
	switch cfg.Format {
	case "console":
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	default:
		logger = zerolog.New(os.Stderr)
	}

	ctx := logger.With().Timestamp()
	if cfg.Caller {
		ctx = ctx.Caller()
	}
	log.Logger = ctx.Logger()
	return nil
}
