package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/perfectuser21/grapnel/internal/archive"
	"github.com/perfectuser21/grapnel/internal/config"
	"github.com/perfectuser21/grapnel/internal/events"
	"github.com/perfectuser21/grapnel/internal/history"
	"github.com/perfectuser21/grapnel/internal/hooks"
	"github.com/perfectuser21/grapnel/internal/metrics"
	"github.com/perfectuser21/grapnel/internal/scheduler"
	"github.com/perfectuser21/grapnel/internal/server"
)

// eventRingSize bounds how many recent events late websocket subscribers can
// backfill.
const eventRingSize = 256

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the hook engine as a daemon",
	Long: `Serve starts the hook engine and keeps it running: cron schedules
fire, the admin API accepts batches, execution history is recorded, and hook
definitions are hot reloaded when the config file changes.

Stop it with SIGINT or SIGTERM; in-flight hooks get the configured grace
period to finish.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	registry, err := hooks.NewRegistry(cfg.HookDefinitions())
	if err != nil {
		return fmt.Errorf("registering hooks: %w", err)
	}

	hub := events.NewHub(eventRingSize)
	observers := []hooks.Observer{hub, metrics.NewObserver()}

	var (
		store    *history.Store
		recorder *history.Recorder
		pruner   *history.Pruner
	)
	if cfg.History.Enabled {
		store, err = history.Open(cfg.History.Path)
		if err != nil {
			return fmt.Errorf("opening history store: %w", err)
		}
		recorder = history.NewRecorder(store, 0)
		observers = append(observers, recorder)

		// A nil Archiver interface means prune-and-discard; only assign
		// through the concrete type when archiving is on.
		var archiver history.Archiver
		if cfg.Archive.Enabled {
			a, err := archive.New(cmd.Context(), archiveConfig(cfg.Archive))
			if err != nil {
				return fmt.Errorf("configuring archive backend: %w", err)
			}
			archiver = a
		}
		pruner = history.NewPruner(store, cfg.History.Retention, cfg.History.PruneInterval, archiver)
		pruner.Start()
	}

	runner := &hooks.ShellRunner{
		Shell:          cfg.Runner.Shell,
		KillGrace:      cfg.Runner.KillGrace,
		MaxOutputBytes: cfg.Runner.MaxOutputBytes,
	}

	engine, err := hooks.NewEngine(registry, hooks.Options{
		Workers:        cfg.Engine.Workers,
		ShutdownGrace:  cfg.Engine.ShutdownGrace,
		RetryBaseDelay: cfg.Engine.RetryBaseDelay,
		CacheCapacity:  cfg.Engine.CacheCapacity,
		MonitorWindow:  cfg.Engine.MonitorWindow,
		Runner:         runner,
		Observers:      observers,
	})
	if err != nil {
		return fmt.Errorf("building engine: %w", err)
	}
	prometheus.MustRegister(metrics.NewEngineCollector(engine))

	var sched *scheduler.Scheduler
	if len(cfg.Schedules) > 0 {
		entries := make([]scheduler.Entry, 0, len(cfg.Schedules))
		for _, s := range cfg.Schedules {
			entries = append(entries, scheduler.Entry{
				Name:     s.Name,
				Cron:     s.Cron,
				Hooks:    s.Hooks,
				Context:  s.Context,
				Disabled: s.Disabled,
			})
		}
		sched, err = scheduler.New(entries, engine, registry)
		if err != nil {
			return fmt.Errorf("building scheduler: %w", err)
		}
		sched.Start()
	}

	var srv *server.Server
	serverErr := make(chan error, 1)
	if cfg.Server.Enabled {
		opts := []server.Option{server.WithHub(hub)}
		if store != nil {
			opts = append(opts, server.WithHistory(store))
		}
		if sched != nil {
			opts = append(opts, server.WithScheduler(sched))
		}
		if len(cfg.Webhooks) > 0 {
			opts = append(opts, server.WithWebhooks(cfg.Webhooks))
		}
		srv = server.New(cfg.Server, engine, registry, opts...)
		go func() {
			serverErr <- srv.Start()
		}()
	}

	watcher := startConfigWatcher(cmd.Context(), engine)

	log.Info().
		Int("hooks", len(cfg.Hooks)).
		Int("schedules", len(cfg.Schedules)).
		Bool("server", cfg.Server.Enabled).
		Bool("history", cfg.History.Enabled).
		Msg("Grapnel started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case err := <-serverErr:
		log.Error().Err(err).Msg("API server failed")
	}

	// Shutdown order matters: stop accepting new work (watcher, schedules,
	// API) before draining the engine, then stop the consumers behind it.
	if watcher != nil {
		if err := watcher.Stop(); err != nil {
			log.Debug().Err(err).Msg("Config watcher stop failed")
		}
	}
	if sched != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Engine.ShutdownGrace)
		if err := sched.Stop(stopCtx); err != nil {
			log.Warn().Err(err).Msg("Scheduler stopped with in-flight batches canceled")
		}
		cancel()
	}
	if srv != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := srv.Shutdown(stopCtx); err != nil {
			log.Warn().Err(err).Msg("API server shutdown failed")
		}
		cancel()
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Engine.ShutdownGrace+5*time.Second)
	defer cancel()
	if err := engine.Shutdown(stopCtx); err != nil {
		log.Warn().Err(err).Msg("Engine shutdown was not clean")
	}

	if pruner != nil {
		pruner.Stop()
	}
	if recorder != nil {
		recorder.Close()
	}
	if store != nil {
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("History store close failed")
		}
	}

	log.Info().Msg("Shutdown complete")
	return nil
}

// startConfigWatcher wires hot reload of hook definitions. Reload failures
// keep the previous definitions active. Returns nil when no config file is
// on disk, which is fine: defaults-only setups have nothing to watch.
func startConfigWatcher(ctx context.Context, engine *hooks.Engine) *config.Watcher {
	path, err := config.ConfigFilePath(cfgFile)
	if err != nil {
		log.Debug().Msg("No config file on disk, hot reload disabled")
		return nil
	}

	watcher, err := config.NewWatcher(path, func(newCfg *config.Config) {
		if err := engine.Reload(newCfg.HookDefinitions()); err != nil {
			log.Error().Err(err).Msg("Hook reload rejected, previous definitions stay active")
			return
		}
		log.Info().Int("hooks", len(newCfg.Hooks)).Msg("Hook definitions reloaded")
	})
	if err != nil {
		log.Warn().Err(err).Msg("Config watcher unavailable, hot reload disabled")
		return nil
	}
	watcher.Start(ctx)
	return watcher
}

// archiveConfig maps the file configuration onto the archive package config.
func archiveConfig(cfg config.ArchiveConfig) archive.Config {
	out := archive.Config{
		Backend:     cfg.Backend,
		Compression: cfg.Compression,
	}
	if cfg.Filesystem != nil {
		out.Path = cfg.Filesystem.Path
	}
	if cfg.S3 != nil {
		out.Bucket = cfg.S3.Bucket
		out.Region = cfg.S3.Region
		out.Endpoint = cfg.S3.Endpoint
		out.AccessKeyID = cfg.S3.AccessKeyID
		out.SecretAccessKey = cfg.S3.SecretAccessKey
		out.UsePathStyle = cfg.S3.UsePathStyle
	}
	return out
}
