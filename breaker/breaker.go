package breaker

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/log"

	"github.com/mevlab/arb-engine/params"
)

// State of the circuit breaker.
type State int32

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Event describes one state transition, delivered to the registered listener.
type Event struct {
	Previous            State
	New                 State
	ConsecutiveFailures int
	Reason              string
	Timestamp           int64 // unix ms
}

// Snapshot is a point-in-time view of the breaker.
type Snapshot struct {
	State                State
	ConsecutiveFailures  int
	OpenedAtMs           int64
	HalfOpenAttemptsUsed int
}

// Metrics are the breaker's cumulative counters.
type Metrics struct {
	TimesTripped   int64
	TotalFailures  int64
	TotalSuccesses int64
	TotalOpenTime  time.Duration
}

// Breaker trips open after a run of consecutive failures, cools down, then
// admits a limited number of half-open probes before closing again.
type Breaker struct {
	mu    sync.Mutex
	cfg   params.BreakerConfig
	clock mclock.Clock

	state               State
	consecutiveFailures int
	openedAt            mclock.AbsTime
	openedAtMs          int64
	halfOpenUsed        int

	listener func(Event)

	timesTripped   int64
	totalFailures  int64
	totalSuccesses int64
	totalOpenTime  time.Duration
}

// New constructs a breaker using the system clock.
func New(cfg params.BreakerConfig) *Breaker {
	return NewWithClock(cfg, mclock.System{})
}

// NewWithClock constructs a breaker with an injected clock for tests.
func NewWithClock(cfg params.BreakerConfig, clock mclock.Clock) *Breaker {
	return &Breaker{cfg: cfg, clock: clock, state: Closed}
}

// OnStateChange registers the single transition listener.
func (b *Breaker) OnStateChange(cb func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listener = cb
}

// CanExecute reports whether an execution may proceed. The first call at or
// after the cooldown deadline moves an open breaker to half-open; half-open
// admits at most HalfOpenMaxAttempts probes.
func (b *Breaker) CanExecute() bool {
	if !b.cfg.Enabled {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if time.Duration(b.clock.Now()-b.openedAt) >= b.cfg.CooldownPeriod {
			b.transition(HalfOpen, "cooldown elapsed")
			b.halfOpenUsed = 1
			return true
		}
		return false
	case HalfOpen:
		if b.halfOpenUsed < b.cfg.HalfOpenMaxAttempts {
			b.halfOpenUsed++
			return true
		}
		return false
	}
	return false
}

// RecordSuccess reports a successful execution.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalSuccesses++
	b.consecutiveFailures = 0
	if b.state == HalfOpen {
		b.transition(Closed, "recovered")
	}
}

// RecordFailure reports a failed execution.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalFailures++
	b.consecutiveFailures++

	switch b.state {
	case HalfOpen:
		b.open("half-open probe failed")
	case Closed:
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.open("failure threshold reached")
		}
	}
}

// ForceClose manually closes the breaker.
func (b *Breaker) ForceClose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures = 0
	if b.state != Closed {
		b.transition(Closed, "Manual close")
	}
}

// ForceOpen manually opens the breaker with the given reason.
func (b *Breaker) ForceOpen(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Open {
		b.open("Manual open: " + reason)
	}
}

// GetSnapshot returns the current breaker state.
func (b *Breaker) GetSnapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:                b.state,
		ConsecutiveFailures:  b.consecutiveFailures,
		OpenedAtMs:           b.openedAtMs,
		HalfOpenAttemptsUsed: b.halfOpenUsed,
	}
}

// GetMetrics returns the cumulative counters. Open time accrued by the
// current open period is included.
func (b *Breaker) GetMetrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	openTime := b.totalOpenTime
	if b.state == Open || b.state == HalfOpen {
		openTime += time.Duration(b.clock.Now() - b.openedAt)
	}
	return Metrics{
		TimesTripped:   b.timesTripped,
		TotalFailures:  b.totalFailures,
		TotalSuccesses: b.totalSuccesses,
		TotalOpenTime:  openTime,
	}
}

// open must be called with b.mu held.
func (b *Breaker) open(reason string) {
	if b.state == Closed {
		b.timesTripped++
		breakerTripMeter.Mark(1)
	}
	b.openedAt = b.clock.Now()
	b.openedAtMs = time.Now().UnixMilli()
	b.transition(Open, reason)
}

// transition must be called with b.mu held.
func (b *Breaker) transition(to State, reason string) {
	from := b.state
	if from == to {
		return
	}
	if to == Closed && (from == Open || from == HalfOpen) {
		b.totalOpenTime += time.Duration(b.clock.Now() - b.openedAt)
	}
	b.state = to
	breakerStateGauge.Update(int64(to))
	log.Info("circuit breaker state change", "from", from, "to", to, "reason", reason,
		"consecutiveFailures", b.consecutiveFailures)

	// Delivered under the lock; listeners must not call back into the
	// breaker.
	if b.listener != nil {
		b.listener(Event{
			Previous:            from,
			New:                 to,
			ConsecutiveFailures: b.consecutiveFailures,
			Reason:              reason,
			Timestamp:           time.Now().UnixMilli(),
		})
	}
}
