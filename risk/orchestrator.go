package risk

import (
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/log"

	"github.com/mevlab/arb-engine/core"
	"github.com/mevlab/arb-engine/params"
)

// Decision is the risk pipeline's verdict for one opportunity.
type Decision struct {
	Allowed bool
	Reason  string // reject code when not allowed

	Drawdown DrawdownCheck
	EV       *EVCalculation

	// PositionSizeWei is the raw Kelly size; RecommendedSizeWei applies the
	// drawdown size multiplier on top.
	PositionSizeWei    *big.Int
	RecommendedSizeWei *big.Int
}

// Orchestrator runs the sequential risk pipeline: in-flight cap, drawdown
// breaker, expected-value gate, Kelly sizer. Stages short-circuit in that
// order.
type Orchestrator struct {
	cfg      params.RiskConfig
	drawdown *DrawdownBreaker
	tracker  *ProbabilityTracker
	stats    *core.ExecutionStats

	mu            sync.Mutex
	inFlight      int
	cautionTrades int64
}

// NewOrchestrator constructs the pipeline. stats may be nil.
func NewOrchestrator(cfg params.RiskConfig, stats *core.ExecutionStats) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		drawdown: NewDrawdownBreaker(cfg),
		tracker:  NewProbabilityTracker(),
		stats:    stats,
	}
}

// Assess runs the pipeline. The in-flight slot is reserved up front, in the
// same critical section as the cap check, and released again on every reject
// path; concurrent assessments can therefore never push the count past the
// cap. On accept the caller must hand the eventual outcome to RecordOutcome
// to release the slot.
func (o *Orchestrator) Assess(op *core.Opportunity) *Decision {
	if !o.reserveSlot() {
		log.Debug("risk rejected, in-flight cap reached", "id", op.ID,
			"cap", o.cfg.MaxInFlightTrades)
		return o.reject(core.RejectDrawdownHalt, DrawdownCheck{Allowed: false, State: DrawdownHalt})
	}

	check := o.drawdown.Check()
	if !check.Allowed {
		o.releaseSlot()
		if o.stats != nil {
			o.stats.RiskDrawdownBlocks.Add(1)
		}
		return o.reject(core.RejectDrawdownHalt, check)
	}
	if check.State == DrawdownCaution {
		o.mu.Lock()
		o.cautionTrades++
		o.mu.Unlock()
		cautionMeter.Mark(1)
		log.Warn("trading in drawdown caution band", "drawdown", check.DrawdownWei,
			"sizeMultiplierBps", check.SizeMultiplierBps)
	}

	pBps := o.tracker.WinProbabilityBps(string(op.Type))
	profitWei, lossWei := o.estimates(op)
	ev := &EVCalculation{
		WinProbabilityBps: pBps,
		ProfitWei:         profitWei,
		LossWei:           lossWei,
		ExpectedValueWei:  expectedValue(pBps, profitWei, lossWei),
	}
	if o.cfg.EnableEVGate && ev.ExpectedValueWei.Sign() < 0 {
		o.releaseSlot()
		if o.stats != nil {
			o.stats.RiskEVRejections.Add(1)
		}
		log.Debug("risk rejected, negative expected value", "id", op.ID,
			"ev", ev.ExpectedValueWei, "pBps", pBps)
		d := o.reject(core.RejectLowEV, check)
		d.EV = ev
		return d
	}

	decision := &Decision{
		Allowed:  true,
		Drawdown: check,
		EV:       ev,
	}
	if o.cfg.EnableKelly {
		fBps := kellyFractionBps(pBps, profitWei, lossWei)
		decision.PositionSizeWei = kellySizeWei(o.cfg, fBps, bpsScale)
		decision.RecommendedSizeWei = kellySizeWei(o.cfg, fBps, check.SizeMultiplierBps)
		if decision.RecommendedSizeWei.Sign() == 0 {
			o.releaseSlot()
			if o.stats != nil {
				o.stats.RiskPositionSizeRejections.Add(1)
			}
			log.Debug("risk rejected, zero position size", "id", op.ID, "kellyBps", fBps)
			d := o.reject(core.RejectPositionSize, check)
			d.EV = ev
			return d
		}
	}

	return decision
}

// reserveSlot claims one in-flight slot; cap check and increment share a
// single critical section.
func (o *Orchestrator) reserveSlot() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inFlight >= o.cfg.MaxInFlightTrades {
		return false
	}
	o.inFlight++
	inFlightGauge.Update(int64(o.inFlight))
	return true
}

func (o *Orchestrator) releaseSlot() {
	o.mu.Lock()
	if o.inFlight > 0 {
		o.inFlight--
	}
	inFlightGauge.Update(int64(o.inFlight))
	o.mu.Unlock()
}

// estimates picks the profit and loss figures the EV and Kelly stages work
// with. The opportunity's own profit estimate wins; realized averages fill
// in when it is absent. With no loss history half the profit is assumed at
// risk, which keeps the cold-start edge positive at the neutral prior.
func (o *Orchestrator) estimates(op *core.Opportunity) (profitWei, lossWei *big.Int) {
	profitWei = core.EthToWei(op.ExpectedProfit)
	if profitWei.Sign() <= 0 {
		if avg := o.tracker.AverageProfitWei(string(op.Type)); avg != nil {
			profitWei = avg
		}
	}
	lossWei = o.tracker.AverageLossWei(string(op.Type))
	if lossWei == nil {
		lossWei = new(big.Int).Div(profitWei, big.NewInt(2))
	}
	return profitWei, lossWei
}

func (o *Orchestrator) reject(reason string, check DrawdownCheck) *Decision {
	riskRejectMeter.Mark(1)
	return &Decision{Allowed: false, Reason: reason, Drawdown: check}
}

// RecordOutcome folds one realized outcome into the probability tracker and
// the drawdown breaker. The in-flight count is always released, even when
// the outcome carries malformed amounts.
func (o *Orchestrator) RecordOutcome(out core.ExecutionOutcome) {
	defer o.releaseSlot()

	if out.Success {
		profitWei := core.EthToWei(out.Profit)
		o.tracker.Record(string(out.Type), true, profitWei)
		o.drawdown.RecordPnL(profitWei)
	} else {
		gasWei := core.EthToWei(out.GasCost)
		o.tracker.Record(string(out.Type), false, gasWei)
		o.drawdown.RecordPnL(new(big.Int).Neg(gasWei))
	}
}

// GetInFlightCount returns the number of accepted, unresolved trades.
func (o *Orchestrator) GetInFlightCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.inFlight
}

// CautionTrades returns how many trades were admitted inside the caution
// band.
func (o *Orchestrator) CautionTrades() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cautionTrades
}

// DrawdownWei exposes the current drawdown for health reporting.
func (o *Orchestrator) DrawdownWei() *big.Int {
	return o.drawdown.Drawdown()
}
