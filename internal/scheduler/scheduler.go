// Package scheduler fires configured hook batches on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/perfectuser21/grapnel/internal/hooks"
)

// Engine is the slice of the hook engine the scheduler drives.
type Engine interface {
	Execute(ctx context.Context, batch hooks.Batch) ([]hooks.Result, error)
}

// Matcher expands hook selectors into registered hook names.
type Matcher interface {
	Match(patterns []string) ([]string, error)
}

// Entry is one configured schedule. Hooks holds selectors (exact names or
// globs) resolved against the registry at fire time, so hot-reloaded hooks
// are picked up without restarting the scheduler.
type Entry struct {
	Name     string
	Cron     string
	Hooks    []string
	Context  map[string]any
	Disabled bool
}

// EntryStatus is the read-only view of an active schedule.
type EntryStatus struct {
	Name    string    `json:"name"`
	Cron    string    `json:"cron"`
	Hooks   []string  `json:"hooks"`
	NextRun time.Time `json:"next_run"`
}

type scheduledEntry struct {
	Entry
	schedule cron.Schedule
}

// Scheduler owns a cron runner and fires one batch per schedule tick. A tick
// that lands while the previous batch for the same schedule is still running
// is skipped.
type Scheduler struct {
	engine  Engine
	matcher Matcher
	runner  *cron.Cron

	ctx    context.Context
	cancel context.CancelFunc

	entries []scheduledEntry

	runningMu sync.Mutex
	running   map[string]bool
}

// New registers all enabled entries with a five-field cron parser that also
// accepts descriptors like @hourly and @every 10m.
func New(entries []Entry, engine Engine, matcher Matcher) (*Scheduler, error) {
	parser := cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		engine:  engine,
		matcher: matcher,
		runner:  cron.New(cron.WithParser(parser)),
		ctx:     ctx,
		cancel:  cancel,
		running: make(map[string]bool),
	}

	for _, e := range entries {
		if e.Disabled {
			log.Debug().Str("schedule", e.Name).Msg("Schedule disabled, skipping")
			continue
		}

		sched, err := parser.Parse(e.Cron)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("parsing cron expression for schedule %q: %w", e.Name, err)
		}

		entry := e
		s.runner.Schedule(sched, cron.FuncJob(func() { s.fire(entry) }))
		s.entries = append(s.entries, scheduledEntry{Entry: entry, schedule: sched})
	}

	return s, nil
}

// Start begins firing schedules.
func (s *Scheduler) Start() {
	s.runner.Start()
	log.Info().Int("schedules", len(s.entries)).Msg("Scheduler started")
}

// Stop halts new fires and waits for in-flight batches. When ctx expires
// first, in-flight engine calls are canceled and Stop waits for them to
// unwind before returning ctx's error.
func (s *Scheduler) Stop(ctx context.Context) error {
	jobs := s.runner.Stop()

	select {
	case <-jobs.Done():
		log.Info().Msg("Scheduler stopped")
		return nil
	case <-ctx.Done():
		s.cancel()
		<-jobs.Done()
		log.Warn().Msg("Scheduler stopped after canceling in-flight batches")
		return ctx.Err()
	}
}

// Entries reports the active schedules with their next fire times.
func (s *Scheduler) Entries() []EntryStatus {
	now := time.Now()
	out := make([]EntryStatus, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, EntryStatus{
			Name:    e.Name,
			Cron:    e.Cron,
			Hooks:   e.Hooks,
			NextRun: e.schedule.Next(now),
		})
	}
	return out
}

func (s *Scheduler) fire(e Entry) {
	if !s.tryAcquire(e.Name) {
		log.Warn().
			Str("schedule", e.Name).
			Msg("Previous run still in flight, skipping this tick")
		return
	}
	defer s.release(e.Name)

	names, err := s.matcher.Match(e.Hooks)
	if err != nil {
		log.Error().
			Err(err).
			Str("schedule", e.Name).
			Msg("Failed to resolve schedule hooks")
		return
	}
	if len(names) == 0 {
		log.Warn().
			Str("schedule", e.Name).
			Strs("selectors", e.Hooks).
			Msg("Schedule matched no registered hooks")
		return
	}

	execCtx := make(map[string]any, len(e.Context)+1)
	for k, v := range e.Context {
		execCtx[k] = v
	}
	execCtx["schedule"] = e.Name

	started := time.Now()
	results, err := s.engine.Execute(s.ctx, hooks.Batch{
		Hooks:   names,
		Context: execCtx,
		Source:  "schedule",
	})
	if err != nil {
		log.Error().
			Err(err).
			Str("schedule", e.Name).
			Msg("Scheduled batch failed")
		return
	}

	failed := 0
	for _, res := range results {
		if !res.Success && !res.Skipped {
			failed++
		}
	}

	log.Info().
		Str("schedule", e.Name).
		Int("hooks", len(results)).
		Int("failed", failed).
		Dur("duration", time.Since(started)).
		Msg("Scheduled batch finished")
}

func (s *Scheduler) tryAcquire(name string) bool {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()

	if s.running[name] {
		return false
	}
	s.running[name] = true
	return true
}

func (s *Scheduler) release(name string) {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()
	delete(s.running, name)
}
