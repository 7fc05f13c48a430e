package locker

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/log"

	"github.com/mevlab/arb-engine/params"
)

// Tracker detects crashed remote holders of the distributed chain lock
// through a repeated-conflict heuristic: the same opportunity failing to
// acquire the lock several times over a sustained period means the holder is
// almost certainly gone, because the recovery age exceeds any legitimate
// execution time while staying well below the lock TTL.
type Tracker struct {
	mu    sync.Mutex
	cfg   params.LockerConfig
	clock mclock.Clock

	conflicts map[string]*conflictRecord // keyed by opportunityId
}

type conflictRecord struct {
	chain     string
	firstSeen mclock.AbsTime
	count     int
}

// NewTracker constructs a tracker using the system clock.
func NewTracker(cfg params.LockerConfig) *Tracker {
	return NewTrackerWithClock(cfg, mclock.System{})
}

// NewTrackerWithClock constructs a tracker with an injected clock.
func NewTrackerWithClock(cfg params.LockerConfig, clock mclock.Clock) *Tracker {
	return &Tracker{
		cfg:       cfg,
		clock:     clock,
		conflicts: make(map[string]*conflictRecord),
	}
}

// RecordConflict notes one "lock not acquired" failure for opportunityId and
// reports whether the crash-recovery trigger has fired: at least
// RecoveryConflicts conflicts spanning at least RecoveryMinAge. The caller
// force-releases the remote lock only on a true return.
func (t *Tracker) RecordConflict(chain, opportunityID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	lockConflictMeter.Mark(1)

	rec := t.conflicts[opportunityID]
	if rec == nil {
		rec = &conflictRecord{chain: chain, firstSeen: t.clock.Now()}
		t.conflicts[opportunityID] = rec
	}
	rec.count++

	age := time.Duration(t.clock.Now() - rec.firstSeen)
	if rec.count >= t.cfg.RecoveryConflicts && age >= t.cfg.RecoveryMinAge {
		log.Warn("stale chain lock detected", "chain", chain, "id", opportunityID,
			"conflicts", rec.count, "age", age)
		delete(t.conflicts, opportunityID)
		return true
	}
	log.Debug("chain lock conflict recorded", "chain", chain, "id", opportunityID,
		"conflicts", rec.count, "age", age)
	return false
}

// ClearSuccess forgets conflicts for opportunityId after a successful
// acquisition.
func (t *Tracker) ClearSuccess(opportunityID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.conflicts, opportunityID)
}

// Cleanup drops conflict records older than ConflictMaxAge and returns how
// many were removed. The health monitor runs this periodically.
func (t *Tracker) Cleanup() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	now := t.clock.Now()
	for id, rec := range t.conflicts {
		if time.Duration(now-rec.firstSeen) > t.cfg.ConflictMaxAge {
			delete(t.conflicts, id)
			removed++
		}
	}
	if removed > 0 {
		log.Debug("lock tracker cleanup", "removed", removed, "remaining", len(t.conflicts))
	}
	return removed
}

// Len returns the number of live conflict records.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conflicts)
}
