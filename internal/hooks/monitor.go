package hooks

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/perfectuser21/grapnel/internal/hostinfo"
)

// DefaultMonitorWindow is the per-hook sample window size when none is
// configured.
const DefaultMonitorWindow = 100

// HookStats summarizes the rolling window for one hook.
type HookStats struct {
	Samples   int           `json:"samples"`
	Mean      time.Duration `json:"mean"`
	Min       time.Duration `json:"min"`
	Max       time.Duration `json:"max"`
	ErrorRate float64       `json:"error_rate"`
	Successes uint64        `json:"successes"`
	Failures  uint64        `json:"failures"`
}

// MonitorStats is the full telemetry snapshot.
type MonitorStats struct {
	Hooks map[string]HookStats `json:"hooks"`
	Host  hostinfo.Snapshot    `json:"host"`
}

type sample struct {
	duration time.Duration
	success  bool
}

// sampleRing is a fixed FIFO of the most recent samples for one hook.
type sampleRing struct {
	samples []sample
	next    int
	full    bool
}

func (r *sampleRing) push(s sample) {
	r.samples[r.next] = s
	r.next = (r.next + 1) % len(r.samples)
	if r.next == 0 {
		r.full = true
	}
}

func (r *sampleRing) len() int {
	if r.full {
		return len(r.samples)
	}
	return r.next
}

// PerformanceMonitor keeps a bounded window of execution samples per hook
// plus lifetime totals. Callers only report real invocations; cache hits and
// circuit fast-fails never reach it.
type PerformanceMonitor struct {
	mu         sync.RWMutex
	windows    map[string]*sampleRing
	successes  map[string]uint64
	failures   map[string]uint64
	windowSize int
	sampler    hostinfo.Sampler
}

// NewPerformanceMonitor returns a monitor with per-hook windows of
// windowSize samples. sampler may be nil when host telemetry is unwanted.
func NewPerformanceMonitor(windowSize int, sampler hostinfo.Sampler) *PerformanceMonitor {
	if windowSize <= 0 {
		windowSize = DefaultMonitorWindow
	}
	return &PerformanceMonitor{
		windows:    make(map[string]*sampleRing),
		successes:  make(map[string]uint64),
		failures:   make(map[string]uint64),
		windowSize: windowSize,
		sampler:    sampler,
	}
}

// Record appends one invocation outcome to the hook's window.
func (m *PerformanceMonitor) Record(name string, d time.Duration, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ring, ok := m.windows[name]
	if !ok {
		ring = &sampleRing{samples: make([]sample, m.windowSize)}
		m.windows[name] = ring
	}
	ring.push(sample{duration: d, success: success})
	if success {
		m.successes[name]++
	} else {
		m.failures[name]++
	}
}

// HookStats returns window stats for one hook; ok is false when the hook has
// never been recorded.
func (m *PerformanceMonitor) HookStats(name string) (HookStats, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ring, ok := m.windows[name]
	if !ok {
		return HookStats{}, false
	}
	return m.statsLocked(name, ring), true
}

// Stats returns stats for every recorded hook plus a host snapshot.
func (m *PerformanceMonitor) Stats(ctx context.Context) MonitorStats {
	m.mu.RLock()
	hooks := make(map[string]HookStats, len(m.windows))
	for name, ring := range m.windows {
		hooks[name] = m.statsLocked(name, ring)
	}
	m.mu.RUnlock()

	out := MonitorStats{Hooks: hooks}
	if m.sampler != nil {
		snap, err := m.sampler.Sample(ctx)
		if err != nil {
			log.Debug().Err(err).Msg("Host sample failed")
		}
		out.Host = snap
	}
	return out
}

// statsLocked computes window stats. Caller holds at least a read lock.
func (m *PerformanceMonitor) statsLocked(name string, ring *sampleRing) HookStats {
	n := ring.len()
	stats := HookStats{
		Samples:   n,
		Successes: m.successes[name],
		Failures:  m.failures[name],
	}
	if n == 0 {
		return stats
	}

	var total time.Duration
	var failures int
	for i := 0; i < n; i++ {
		s := ring.samples[i]
		total += s.duration
		if !s.success {
			failures++
		}
		if i == 0 || s.duration < stats.Min {
			stats.Min = s.duration
		}
		if s.duration > stats.Max {
			stats.Max = s.duration
		}
	}
	stats.Mean = total / time.Duration(n)
	stats.ErrorRate = float64(failures) / float64(n)
	return stats
}
