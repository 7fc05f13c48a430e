package risk

import (
	"math/big"
	"sync"
)

// defaultWinProbabilityBps is assumed until a type has observed outcomes.
const defaultWinProbabilityBps = 5000

// typeRecord accumulates observed outcomes for one opportunity type.
type typeRecord struct {
	wins   int64
	losses int64

	totalProfitWei *big.Int // sum over winning trades
	totalLossWei   *big.Int // sum of gas burned on losing trades
}

// ProbabilityTracker estimates per-type win probability and average
// profit/loss from realized outcomes. All amounts are integer wei.
type ProbabilityTracker struct {
	mu    sync.Mutex
	types map[string]*typeRecord
}

func NewProbabilityTracker() *ProbabilityTracker {
	return &ProbabilityTracker{types: make(map[string]*typeRecord)}
}

func (t *ProbabilityTracker) record(typ string) *typeRecord {
	r := t.types[typ]
	if r == nil {
		r = &typeRecord{totalProfitWei: new(big.Int), totalLossWei: new(big.Int)}
		t.types[typ] = r
	}
	return r
}

// Record folds one realized outcome into the type's history.
func (t *ProbabilityTracker) Record(typ string, success bool, amountWei *big.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.record(typ)
	if success {
		r.wins++
		r.totalProfitWei.Add(r.totalProfitWei, amountWei)
	} else {
		r.losses++
		r.totalLossWei.Add(r.totalLossWei, amountWei)
	}
}

// WinProbabilityBps returns the observed win rate scaled by 10000, or the
// neutral prior when the type has no history.
func (t *ProbabilityTracker) WinProbabilityBps(typ string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.types[typ]
	if r == nil || r.wins+r.losses == 0 {
		return defaultWinProbabilityBps
	}
	return r.wins * bpsScale / (r.wins + r.losses)
}

// AverageProfitWei returns the mean profit of winning trades, or nil when
// the type has no wins yet.
func (t *ProbabilityTracker) AverageProfitWei(typ string) *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.types[typ]
	if r == nil || r.wins == 0 {
		return nil
	}
	return new(big.Int).Div(r.totalProfitWei, big.NewInt(r.wins))
}

// AverageLossWei returns the mean loss of failed trades, or nil when the
// type has no losses yet.
func (t *ProbabilityTracker) AverageLossWei(typ string) *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.types[typ]
	if r == nil || r.losses == 0 {
		return nil
	}
	return new(big.Int).Div(r.totalLossWei, big.NewInt(r.losses))
}

// Samples returns the number of recorded outcomes for the type.
func (t *ProbabilityTracker) Samples(typ string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.types[typ]
	if r == nil {
		return 0
	}
	return r.wins + r.losses
}
