package hooks

import (
	"sync"
	"time"
)

// BreakerState is a circuit breaker state machine position.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerSnapshot is a point-in-time view of one breaker for stats output.
type BreakerSnapshot struct {
	State       string    `json:"state"`
	Failures    int       `json:"failures"`
	Threshold   int       `json:"threshold"`
	LastFailure time.Time `json:"last_failure"`
}

// CircuitBreaker fails calls fast after a run of consecutive failures. The
// mutex guards state transitions only; the guarded function runs unlocked so
// slow hooks never serialize behind each other here.
type CircuitBreaker struct {
	mu          sync.Mutex
	state       BreakerState
	failures    int
	lastFailure time.Time
	probing     bool

	threshold int
	recovery  time.Duration

	now func() time.Time
}

// NewCircuitBreaker returns a closed breaker that opens after threshold
// consecutive failures and admits a half-open trial once recovery has passed
// since the last failure.
func NewCircuitBreaker(threshold int, recovery time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = DefaultBreakerThreshold
	}
	if recovery <= 0 {
		recovery = DefaultRecoveryTimeout
	}
	return &CircuitBreaker{
		state:     BreakerClosed,
		threshold: threshold,
		recovery:  recovery,
		now:       time.Now,
	}
}

// Call runs fn under the breaker policy. When the circuit is open it returns
// ErrCircuitOpen without running fn; otherwise it returns fn's error.
// While a half-open trial is in flight, concurrent callers fail fast.
func (b *CircuitBreaker) Call(fn func() error) error {
	b.mu.Lock()
	switch b.state {
	case BreakerOpen:
		if b.now().Sub(b.lastFailure) < b.recovery {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		b.state = BreakerHalfOpen
	case BreakerHalfOpen:
		if b.probing {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
	}
	trial := b.state == BreakerHalfOpen
	if trial {
		b.probing = true
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if trial {
		b.probing = false
	}
	if err != nil {
		b.failures++
		b.lastFailure = b.now()
		if trial || b.failures >= b.threshold {
			b.state = BreakerOpen
		}
		return err
	}
	b.failures = 0
	b.state = BreakerClosed
	return nil
}

// State reports the current position without advancing the machine.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the breaker's stats view.
func (b *CircuitBreaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerSnapshot{
		State:       b.state.String(),
		Failures:    b.failures,
		Threshold:   b.threshold,
		LastFailure: b.lastFailure,
	}
}

// Reconfigure applies new limits without disturbing the state machine. Used
// when hook definitions are hot-reloaded.
func (b *CircuitBreaker) Reconfigure(threshold int, recovery time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if threshold > 0 {
		b.threshold = threshold
	}
	if recovery > 0 {
		b.recovery = recovery
	}
}
