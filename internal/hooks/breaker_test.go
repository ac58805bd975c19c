package hooks

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestBreaker(threshold int, recovery time.Duration) (*CircuitBreaker, *fakeClock) {
	clock := newFakeClock()
	b := NewCircuitBreaker(threshold, recovery)
	b.now = clock.Now
	return b, clock
}

var errBoom = errors.New("boom")

func failN(b *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		_ = b.Call(func() error { return errBoom })
	}
}

func TestCircuitBreaker_OpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	failN(b, 2)
	if got := b.State(); got != BreakerClosed {
		t.Fatalf("state after 2 failures = %v, want closed", got)
	}

	failN(b, 1)
	if got := b.State(); got != BreakerOpen {
		t.Fatalf("state after 3 failures = %v, want open", got)
	}
}

func TestCircuitBreaker_OpenFailsFastWithoutCalling(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)
	failN(b, 1)

	called := false
	err := b.Call(func() error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Fatal("guarded function ran while circuit was open")
	}
}

func TestCircuitBreaker_HalfOpenTrialSuccessCloses(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute)
	failN(b, 1)

	clock.Advance(time.Minute + time.Second)

	called := false
	if err := b.Call(func() error {
		called = true
		return nil
	}); err != nil {
		t.Fatalf("trial call failed: %v", err)
	}
	if !called {
		t.Fatal("trial did not run")
	}
	if got := b.State(); got != BreakerClosed {
		t.Fatalf("state after successful trial = %v, want closed", got)
	}
	if snap := b.Snapshot(); snap.Failures != 0 {
		t.Fatalf("failures after successful trial = %d, want 0", snap.Failures)
	}
}

func TestCircuitBreaker_HalfOpenTrialFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute)
	failN(b, 1)

	clock.Advance(time.Minute + time.Second)
	failN(b, 1)

	if got := b.State(); got != BreakerOpen {
		t.Fatalf("state after failed trial = %v, want open", got)
	}

	// The recovery timer restarted at the trial failure.
	called := false
	err := b.Call(func() error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) || called {
		t.Fatalf("breaker admitted a call right after failed trial (err=%v called=%v)", err, called)
	}
}

func TestCircuitBreaker_FailureCountResetsOnlyOnSuccess(t *testing.T) {
	b, _ := newTestBreaker(5, time.Minute)

	failN(b, 3)
	if snap := b.Snapshot(); snap.Failures != 3 {
		t.Fatalf("failures = %d, want 3", snap.Failures)
	}

	if err := b.Call(func() error { return nil }); err != nil {
		t.Fatalf("successful call returned %v", err)
	}
	if snap := b.Snapshot(); snap.Failures != 0 {
		t.Fatalf("failures after success = %d, want 0", snap.Failures)
	}

	failN(b, 1)
	if snap := b.Snapshot(); snap.Failures != 1 {
		t.Fatalf("failures after fresh failure = %d, want 1", snap.Failures)
	}
}

func TestCircuitBreaker_SingleHalfOpenProbe(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute)
	failN(b, 1)
	clock.Advance(2 * time.Minute)

	probeEntered := make(chan struct{})
	release := make(chan struct{})
	probeDone := make(chan error, 1)

	go func() {
		probeDone <- b.Call(func() error {
			close(probeEntered)
			<-release
			return nil
		})
	}()

	<-probeEntered

	// A second caller during the trial is rejected as if open.
	err := b.Call(func() error { return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("concurrent call during probe: err = %v, want ErrCircuitOpen", err)
	}

	close(release)
	if err := <-probeDone; err != nil {
		t.Fatalf("probe call failed: %v", err)
	}
	if got := b.State(); got != BreakerClosed {
		t.Fatalf("state after probe success = %v, want closed", got)
	}
}

func TestCircuitBreaker_Reconfigure(t *testing.T) {
	b, _ := newTestBreaker(5, time.Minute)
	failN(b, 3)

	b.Reconfigure(3, time.Minute)
	if got := b.State(); got != BreakerClosed {
		t.Fatalf("state = %v, want closed until next failure", got)
	}

	failN(b, 1)
	if got := b.State(); got != BreakerOpen {
		t.Fatalf("state after reaching lowered threshold = %v, want open", got)
	}
}
