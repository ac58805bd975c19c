// Package hostinfo samples host resource usage for the stats surface.
package hostinfo

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// DefaultSampleInterval is how long a sample stays fresh before the next
// caller triggers a new read.
const DefaultSampleInterval = 5 * time.Second

// Snapshot is a point-in-time view of host resource usage.
type Snapshot struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	MemoryUsed    uint64    `json:"memory_used_bytes"`
	MemoryTotal   uint64    `json:"memory_total_bytes"`
	SampledAt     time.Time `json:"sampled_at"`
}

// Sampler reports host resource usage.
type Sampler interface {
	Sample(ctx context.Context) (Snapshot, error)
}

// SystemSampler reads live values through gopsutil, caching them briefly so
// hot stats paths do not hammer /proc.
type SystemSampler struct {
	mu       sync.Mutex
	last     Snapshot
	lastErr  error
	interval time.Duration
}

// NewSystemSampler returns a sampler that refreshes at most once per
// interval.
func NewSystemSampler(interval time.Duration) *SystemSampler {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	return &SystemSampler{interval: interval}
}

// Sample returns the cached snapshot when fresh, otherwise reads new values.
func (s *SystemSampler) Sample(ctx context.Context) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.last.SampledAt.IsZero() && time.Since(s.last.SampledAt) < s.interval {
		return s.last, s.lastErr
	}

	snap := Snapshot{SampledAt: time.Now()}

	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		s.last, s.lastErr = snap, fmt.Errorf("sampling cpu: %w", err)
		return s.last, s.lastErr
	}
	if len(percents) > 0 {
		snap.CPUPercent = percents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		s.last, s.lastErr = snap, fmt.Errorf("sampling memory: %w", err)
		return s.last, s.lastErr
	}
	snap.MemoryPercent = vm.UsedPercent
	snap.MemoryUsed = vm.Used
	snap.MemoryTotal = vm.Total

	s.last, s.lastErr = snap, nil
	return snap, nil
}
