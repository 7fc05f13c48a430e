package nonce

import (
	"context"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/log"

	"github.com/mevlab/arb-engine/core"
	"github.com/mevlab/arb-engine/params"
)

// Allocator serialises transaction submission per chain. Exactly one
// opportunity holds a chain's lock at a time; contenders wait on the
// holder's release signal and re-contend when it fires.
//
// Waits are bounded by an absolute deadline computed once at entry, so a
// waiter that loses several re-contention races never waits longer than its
// original timeout.
type Allocator struct {
	mu    sync.Mutex
	cfg   params.NonceConfig
	clock mclock.Clock

	locks map[string]*chainLock

	// tracking is a per-chain diagnostic of opportunity ids currently inside
	// the locked section; it detects locking bugs, it does not enforce
	// anything.
	tracking map[string]mapset.Set[string]
}

type chainLock struct {
	holder     string
	acquiredAt mclock.AbsTime
	released   chan struct{} // closed on release; waiters re-contend
}

// NewAllocator constructs an allocator using the system clock.
func NewAllocator(cfg params.NonceConfig) *Allocator {
	return NewAllocatorWithClock(cfg, mclock.System{})
}

// NewAllocatorWithClock constructs an allocator with an injected clock.
func NewAllocatorWithClock(cfg params.NonceConfig, clock mclock.Clock) *Allocator {
	return &Allocator{
		cfg:      cfg,
		clock:    clock,
		locks:    make(map[string]*chainLock),
		tracking: make(map[string]mapset.Set[string]),
	}
}

// AcquireLock takes the chain's exclusive lock for opportunityId, waiting at
// most timeout. A zero timeout uses the configured default. On expiry it
// returns core.ErrNonceLockTimeout; the wait timer never outlives the wait.
func (a *Allocator) AcquireLock(ctx context.Context, chain, opportunityID string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = a.cfg.DefaultLockTimeout
	}
	deadline := a.clock.Now().Add(timeout)

	for {
		a.mu.Lock()
		l := a.locks[chain]
		if l == nil {
			a.locks[chain] = &chainLock{
				holder:     opportunityID,
				acquiredAt: a.clock.Now(),
				released:   make(chan struct{}),
			}
			a.mu.Unlock()
			log.Trace("nonce lock acquired", "chain", chain, "id", opportunityID)
			return nil
		}
		released := l.released
		holder := l.holder
		a.mu.Unlock()

		remaining := time.Duration(deadline - a.clock.Now())
		if remaining <= 0 {
			log.Warn("WARN_NONCE_LOCK_TIMEOUT", "chain", chain, "id", opportunityID,
				"holder", holder, "timeout", timeout)
			return core.ErrNonceLockTimeout
		}

		timer := a.clock.NewTimer(remaining)
		select {
		case <-released:
			timer.Stop()
			// Another waiter may have raced in; loop and re-contend against
			// the same absolute deadline.
		case <-timer.C():
			log.Warn("WARN_NONCE_LOCK_TIMEOUT", "chain", chain, "id", opportunityID,
				"holder", holder, "timeout", timeout)
			return core.ErrNonceLockTimeout
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// ReleaseLock releases the chain lock if opportunityId holds it and wakes
// all waiters.
func (a *Allocator) ReleaseLock(chain, opportunityID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	l := a.locks[chain]
	if l == nil || l.holder != opportunityID {
		log.Debug("nonce release ignored, not the holder", "chain", chain, "id", opportunityID)
		return
	}
	delete(a.locks, chain)
	close(l.released)
	log.Trace("nonce lock released", "chain", chain, "id", opportunityID,
		"held", time.Duration(a.clock.Now()-l.acquiredAt))
}

// HasLock reports whether any holder currently owns the chain's lock.
func (a *Allocator) HasLock(chain string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.locks[chain] != nil
}

// Reset wakes every outstanding waiter and clears all locks; waiters
// re-contend against the empty lock map.
func (a *Allocator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for chain, l := range a.locks {
		close(l.released)
		delete(a.locks, chain)
	}
	log.Debug("nonce allocator reset")
}

// ResetChain releases the given chain's lock regardless of holder; used when
// a provider reconnect invalidates in-flight nonce state.
func (a *Allocator) ResetChain(chain string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if l := a.locks[chain]; l != nil {
		close(l.released)
		delete(a.locks, chain)
		log.Debug("nonce chain reset", "chain", chain, "holder", l.holder)
	}
}

// CheckConcurrentAccess records opportunityId in the chain's tracking set
// and reports whether the set was already non-empty, which would indicate a
// locking bug upstream. A repeated check for the same id also reports true:
// the first entry should have been cleared before re-entering.
func (a *Allocator) CheckConcurrentAccess(chain, opportunityID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	set := a.tracking[chain]
	if set == nil {
		set = mapset.NewThreadUnsafeSet[string]()
		a.tracking[chain] = set
	}
	concurrent := set.Cardinality() > 0
	set.Add(opportunityID)
	if concurrent {
		log.Error("concurrent nonce access detected", "chain", chain, "id", opportunityID,
			"inProgress", set.Cardinality())
	}
	return concurrent
}

// ClearTracking removes opportunityId from the chain's tracking set.
func (a *Allocator) ClearTracking(chain, opportunityID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if set := a.tracking[chain]; set != nil {
		set.Remove(opportunityID)
	}
}

// GetInProgressCount returns the size of the chain's tracking set.
func (a *Allocator) GetInProgressCount(chain string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if set := a.tracking[chain]; set != nil {
		return set.Cardinality()
	}
	return 0
}
