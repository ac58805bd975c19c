package hooks

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/perfectuser21/grapnel/internal/hostinfo"
)

// Engine defaults.
const (
	DefaultWorkers        = 8
	DefaultShutdownGrace  = 30 * time.Second
	DefaultRetryBaseDelay = 100 * time.Millisecond
)

// Batch is one request to execute a set of hooks against a shared context.
// Source labels what asked for the batch (api, schedule, cli, webhook,
// manual).
type Batch struct {
	Hooks   []string
	Context map[string]any
	Source  string
}

// ExecutionEvent describes one finalized hook result inside a batch.
// Observers see every result the engine produces, cache hits and skips
// included.
type ExecutionEvent struct {
	BatchID    string    `json:"batch_id"`
	Source     string    `json:"source"`
	Result     Result    `json:"result"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Observer is notified after each hook result is finalized. Implementations
// must not block; slow consumers buffer internally.
type Observer interface {
	HookExecuted(ev ExecutionEvent)
}

// BatchObserver is an optional extension for observers that also want batch
// boundaries.
type BatchObserver interface {
	BatchExecuted(batchID, source string, hookCount int)
}

// Options configures a new Engine. Zero values fall back to defaults.
type Options struct {
	Workers        int
	ShutdownGrace  time.Duration
	RetryBaseDelay time.Duration
	CacheCapacity  int
	MonitorWindow  int
	Runner         Runner
	Sampler        hostinfo.Sampler
	Observers      []Observer
}

// Engine coordinates hook execution: registry lookups, condition gating, the
// result cache, per-hook circuit breaking, bounded concurrency, timeouts,
// retries and fallbacks. One Engine serves the whole process.
type Engine struct {
	registry   *Registry
	runner     Runner
	cache      *ResultCache
	monitor    *PerformanceMonitor
	conditions *ConditionSet

	breakerMu sync.Mutex
	breakers  map[string]*CircuitBreaker

	slots     chan struct{}
	grace     time.Duration
	baseDelay time.Duration
	observers []Observer

	root     context.Context
	cancel   context.CancelFunc
	stateMu  sync.RWMutex
	closed   bool
	wg       sync.WaitGroup
	inflight atomic.Int64
}

// EngineStats is the snapshot returned by Stats.
type EngineStats struct {
	Registered int                        `json:"registered_hooks"`
	InFlight   int64                      `json:"in_flight"`
	Workers    int                        `json:"workers"`
	Hooks      map[string]HookStats       `json:"hooks"`
	Cache      CacheStats                 `json:"cache"`
	Breakers   map[string]BreakerSnapshot `json:"breakers"`
	Host       hostinfo.Snapshot          `json:"host"`
}

// NewEngine builds an engine around the registry. Conditions on the initial
// hook set are compiled here so bad expressions fail at startup, not at
// execution time.
func NewEngine(registry *Registry, opts Options) (*Engine, error) {
	if registry == nil {
		return nil, errors.New("registry is required")
	}
	conditions, err := NewConditionSet()
	if err != nil {
		return nil, err
	}
	for _, cfg := range registry.List() {
		if cfg.When == "" {
			continue
		}
		if err := conditions.Compile(cfg.When); err != nil {
			return nil, &ConfigError{Hook: cfg.Name, Field: "when", Reason: err.Error()}
		}
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	grace := opts.ShutdownGrace
	if grace <= 0 {
		grace = DefaultShutdownGrace
	}
	baseDelay := opts.RetryBaseDelay
	if baseDelay <= 0 {
		baseDelay = DefaultRetryBaseDelay
	}
	runner := opts.Runner
	if runner == nil {
		runner = NewShellRunner()
	}
	sampler := opts.Sampler
	if sampler == nil {
		sampler = hostinfo.NewSystemSampler(0)
	}

	root, cancel := context.WithCancel(context.Background())
	return &Engine{
		registry:   registry,
		runner:     runner,
		cache:      NewResultCache(opts.CacheCapacity),
		monitor:    NewPerformanceMonitor(opts.MonitorWindow, sampler),
		conditions: conditions,
		breakers:   make(map[string]*CircuitBreaker),
		slots:      make(chan struct{}, workers),
		grace:      grace,
		baseDelay:  baseDelay,
		observers:  append([]Observer(nil), opts.Observers...),
		root:       root,
		cancel:     cancel,
	}, nil
}

// ExecuteHooks runs the named hooks against execCtx and returns one result
// per known hook, ordered by priority. Unknown names are dropped with a
// warning. The only error returned is ErrEngineClosed; per-hook failures are
// absorbed into their results.
func (e *Engine) ExecuteHooks(ctx context.Context, names []string, execCtx map[string]any) ([]Result, error) {
	return e.Execute(ctx, Batch{Hooks: names, Context: execCtx})
}

// Execute is ExecuteHooks with an explicit batch source label.
func (e *Engine) Execute(ctx context.Context, batch Batch) ([]Result, error) {
	e.stateMu.RLock()
	if e.closed {
		e.stateMu.RUnlock()
		return nil, ErrEngineClosed
	}
	e.wg.Add(1)
	e.stateMu.RUnlock()
	defer e.wg.Done()

	source := batch.Source
	if source == "" {
		source = "manual"
	}
	batchID := uuid.New().String()

	configs := e.resolve(batch.Hooks)
	sortByPriority(configs)

	log.Debug().
		Str("batch_id", batchID).
		Str("source", source).
		Int("hooks", len(configs)).
		Msg("Executing hook batch")

	results := make([]Result, len(configs))
	var wg sync.WaitGroup
	for i, cfg := range configs {
		if cfg.Async {
			wg.Add(1)
			go func(i int, cfg Config) {
				defer wg.Done()
				results[i] = e.runHook(ctx, batchID, source, cfg, batch.Context)
			}(i, cfg)
		} else {
			results[i] = e.runHook(ctx, batchID, source, cfg, batch.Context)
		}
	}
	wg.Wait()

	for _, obs := range e.observers {
		if bo, ok := obs.(BatchObserver); ok {
			bo.BatchExecuted(batchID, source, len(configs))
		}
	}
	return results, nil
}

// resolve maps names to definitions, dropping unknown names and duplicates.
func (e *Engine) resolve(names []string) []Config {
	configs := make([]Config, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		cfg, ok := e.registry.Get(name)
		if !ok {
			log.Warn().Str("hook", name).Msg("Unknown hook requested, skipping")
			continue
		}
		configs = append(configs, cfg)
	}
	return configs
}

// runHook executes one hook through the full pipeline. It never lets an
// error or panic escape; every outcome becomes a Result.
func (e *Engine) runHook(ctx context.Context, batchID, source string, cfg Config, execCtx map[string]any) (res Result) {
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("hook", cfg.Name).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("Hook execution panicked")
			res = Result{
				HookName: cfg.Name,
				Duration: time.Since(started),
				Error:    fmt.Sprintf("panic: %v", r),
			}
		}
		e.notify(ExecutionEvent{
			BatchID:    batchID,
			Source:     source,
			Result:     res,
			StartedAt:  started,
			FinishedAt: time.Now(),
		})
	}()

	if cfg.When != "" {
		ok, err := e.conditions.Eval(cfg.When, execCtx)
		if err != nil {
			return Result{HookName: cfg.Name, Duration: time.Since(started), Error: err.Error()}
		}
		if !ok {
			log.Debug().Str("hook", cfg.Name).Msg("Condition false, skipping hook")
			return Result{HookName: cfg.Name, Success: true, Skipped: true}
		}
	}

	if cfg.CacheTTL > 0 {
		if cached, ok := e.cache.Get(cfg.Name, execCtx, cfg.CacheTTL); ok {
			log.Debug().Str("hook", cfg.Name).Msg("Result served from cache")
			return cached
		}
	}

	select {
	case e.slots <- struct{}{}:
	case <-ctx.Done():
		return Result{
			HookName: cfg.Name,
			Duration: time.Since(started),
			Error:    fmt.Sprintf("waiting for worker: %v", ctx.Err()),
		}
	case <-e.root.Done():
		return Result{HookName: cfg.Name, Duration: time.Since(started), Error: ErrShuttingDown.Error()}
	}
	defer func() { <-e.slots }()

	e.inflight.Add(1)
	defer e.inflight.Add(-1)

	breaker := e.breakerFor(cfg)
	var inv Result
	err := breaker.Call(func() error {
		inv = e.invoke(ctx, cfg, execCtx)
		if !inv.Success {
			return errors.New(inv.Error)
		}
		return nil
	})
	if errors.Is(err, ErrCircuitOpen) {
		log.Debug().Str("hook", cfg.Name).Msg("Circuit open, refusing execution")
		return Result{
			HookName: cfg.Name,
			Duration: time.Since(started),
			Error:    ErrCircuitOpen.Error(),
		}
	}

	e.monitor.Record(cfg.Name, inv.Duration, inv.Success)
	if inv.Success && cfg.CacheTTL > 0 {
		e.cache.Set(cfg.Name, execCtx, inv)
	}
	return inv
}

// invoke runs the command with timeout, retry, and fallback policy applied.
// The outcome is always encoded in the Result, never an error.
func (e *Engine) invoke(ctx context.Context, cfg Config, execCtx map[string]any) Result {
	started := time.Now()
	res := Result{HookName: cfg.Name}

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			delay := e.baseDelay * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				res.Error = fmt.Sprintf("retry aborted: %v", ctx.Err())
				res.Duration = time.Since(started)
				return res
			case <-e.root.Done():
				res.Error = ErrShuttingDown.Error()
				res.Duration = time.Since(started)
				return res
			}
		}

		out, timedOut, err := e.runOnce(ctx, cfg, cfg.Command, cfg.Timeout, execCtx)
		res.Retries = attempt
		res.Output = out.Stdout
		res.ExitCode = out.ExitCode
		res.TimedOut = timedOut
		if err == nil {
			res.Success = true
			res.Error = ""
			res.Duration = time.Since(started)
			return res
		}
		res.Success = false
		res.Error = errorText(err, out)

		if timedOut && cfg.Fallback != "" {
			res = e.runFallback(ctx, cfg, execCtx, res)
			res.Duration = time.Since(started)
			return res
		}

		if attempt >= cfg.MaxRetries || ctx.Err() != nil || e.root.Err() != nil {
			res.Duration = time.Since(started)
			return res
		}
		log.Debug().
			Str("hook", cfg.Name).
			Int("attempt", attempt+1).
			Str("error", res.Error).
			Msg("Hook attempt failed, retrying")
	}
}

// runFallback runs the configured fallback once with half the primary
// timeout. It decides the invocation either way; the retry loop never
// continues past a fallback.
func (e *Engine) runFallback(ctx context.Context, cfg Config, execCtx map[string]any, res Result) Result {
	res.FallbackUsed = true
	out, _, err := e.runOnce(ctx, cfg, cfg.Fallback, cfg.Timeout/2, execCtx)
	if err != nil {
		log.Warn().
			Str("hook", cfg.Name).
			Str("error", err.Error()).
			Msg("Fallback failed after hook timeout")
		res.Error = fmt.Sprintf("%s: %s", ErrFallbackFailed.Error(), errorText(err, out))
		return res
	}
	log.Warn().
		Str("hook", cfg.Name).
		Dur("timeout", cfg.Timeout).
		Msg("Hook timed out, fallback succeeded")
	res.Success = true
	res.Output = out.Stdout
	res.ExitCode = out.ExitCode
	res.Error = ""
	return res
}

// runOnce performs a single command execution bounded by timeout and by the
// engine lifetime.
func (e *Engine) runOnce(ctx context.Context, cfg Config, command string, timeout time.Duration, execCtx map[string]any) (RunOutput, bool, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	stop := context.AfterFunc(e.root, cancel)
	defer stop()

	out, err := e.runner.Run(runCtx, Invocation{
		HookName: cfg.Name,
		Command:  command,
		Context:  execCtx,
		Env:      cfg.Env,
		WorkDir:  cfg.WorkDir,
	})
	if err == nil {
		return out, false, nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return out, true, fmt.Errorf("%w after %v", ErrHookTimeout, timeout)
	}
	if e.root.Err() != nil {
		return out, false, ErrShuttingDown
	}
	return out, false, err
}

// errorText folds trimmed stderr into the error message when the child wrote
// any.
func errorText(err error, out RunOutput) string {
	stderr := strings.TrimSpace(out.Stderr)
	if stderr != "" {
		return fmt.Sprintf("%v: %s", err, stderr)
	}
	return err.Error()
}

// breakerFor returns the hook's breaker, creating it on first use. Breakers
// live for the engine lifetime; reloads adjust limits but never reset state.
func (e *Engine) breakerFor(cfg Config) *CircuitBreaker {
	e.breakerMu.Lock()
	defer e.breakerMu.Unlock()
	breaker, ok := e.breakers[cfg.Name]
	if !ok {
		breaker = NewCircuitBreaker(cfg.BreakerThreshold, cfg.RecoveryTimeout)
		e.breakers[cfg.Name] = breaker
	}
	return breaker
}

func (e *Engine) notify(ev ExecutionEvent) {
	for _, obs := range e.observers {
		obs.HookExecuted(ev)
	}
}

// Reload installs a new hook set, recompiling conditions and re-applying
// breaker limits. Breaker state survives so flapping hooks stay contained
// across config reloads.
func (e *Engine) Reload(configs []Config) error {
	for i := range configs {
		cfg := configs[i]
		cfg.Normalize()
		if cfg.When == "" {
			continue
		}
		if err := e.conditions.Compile(cfg.When); err != nil {
			return &ConfigError{Hook: cfg.Name, Field: "when", Reason: err.Error()}
		}
	}
	if err := e.registry.Replace(configs); err != nil {
		return err
	}

	e.breakerMu.Lock()
	defer e.breakerMu.Unlock()
	for name, breaker := range e.breakers {
		if cfg, ok := e.registry.Get(name); ok {
			breaker.Reconfigure(cfg.BreakerThreshold, cfg.RecoveryTimeout)
		}
	}
	return nil
}

// Stats returns a point-in-time snapshot across all engine components.
func (e *Engine) Stats(ctx context.Context) EngineStats {
	mon := e.monitor.Stats(ctx)

	e.breakerMu.Lock()
	breakers := make(map[string]BreakerSnapshot, len(e.breakers))
	for name, breaker := range e.breakers {
		breakers[name] = breaker.Snapshot()
	}
	e.breakerMu.Unlock()

	return EngineStats{
		Registered: e.registry.Len(),
		InFlight:   e.inflight.Load(),
		Workers:    cap(e.slots),
		Hooks:      mon.Hooks,
		Cache:      e.cache.Stats(),
		Breakers:   breakers,
		Host:       mon.Host,
	}
}

// Closed reports whether Shutdown has begun.
func (e *Engine) Closed() bool {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.closed
}

// Shutdown drains in-flight work. New batches are refused immediately;
// running hooks get up to the grace period (also bounded by ctx) before the
// engine context is canceled, which terminates stragglers. Returns nil on a
// clean drain and ErrShutdownForced when stragglers had to be killed.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.stateMu.Lock()
	if e.closed {
		e.stateMu.Unlock()
		return nil
	}
	e.closed = true
	e.stateMu.Unlock()

	log.Info().Dur("grace", e.grace).Msg("Engine shutting down")

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(e.grace)
	defer timer.Stop()

	forced := false
	select {
	case <-done:
	case <-timer.C:
		forced = true
		e.cancel()
		<-done
	case <-ctx.Done():
		forced = true
		e.cancel()
		<-done
	}
	e.cancel()

	if forced {
		log.Warn().Msg("Engine shutdown forced, in-flight hooks terminated")
		return ErrShutdownForced
	}
	log.Info().Msg("Engine drained cleanly")
	return nil
}
