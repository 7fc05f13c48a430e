package risk

import (
	"math/big"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mevlab/arb-engine/core"
	"github.com/mevlab/arb-engine/params"
)

func testOpportunity(profit float64) *core.Opportunity {
	return &core.Opportunity{
		ID:             "opp-1",
		Type:           core.TypeSimple,
		TokenIn:        "WETH",
		TokenOut:       "USDC",
		AmountIn:       big.NewInt(1e18),
		ExpectedProfit: profit,
		Confidence:     0.9,
		BuyChain:       "arbitrum",
	}
}

func TestAssessAcceptIncrementsInFlight(t *testing.T) {
	o := NewOrchestrator(params.DefaultRiskConfig, nil)

	d := o.Assess(testOpportunity(0.05))
	require.True(t, d.Allowed)
	assert.Empty(t, d.Reason)
	assert.Equal(t, DrawdownNormal, d.Drawdown.State)
	require.NotNil(t, d.EV)
	assert.GreaterOrEqual(t, d.EV.ExpectedValueWei.Sign(), 0)
	require.NotNil(t, d.RecommendedSizeWei)
	assert.Positive(t, d.RecommendedSizeWei.Sign())
	assert.Equal(t, 1, o.GetInFlightCount())
}

func TestAssessInFlightCap(t *testing.T) {
	cfg := params.DefaultRiskConfig
	cfg.MaxInFlightTrades = 2
	o := NewOrchestrator(cfg, nil)

	require.True(t, o.Assess(testOpportunity(0.05)).Allowed)
	require.True(t, o.Assess(testOpportunity(0.05)).Allowed)

	d := o.Assess(testOpportunity(0.05))
	assert.False(t, d.Allowed)
	assert.Equal(t, core.RejectDrawdownHalt, d.Reason)
	assert.Equal(t, 2, o.GetInFlightCount())
}

func TestAssessConcurrentNeverOvershootsCap(t *testing.T) {
	cfg := params.DefaultRiskConfig
	cfg.MaxInFlightTrades = 3
	o := NewOrchestrator(cfg, nil)

	var wg sync.WaitGroup
	var admitted atomic.Int64
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if o.Assess(testOpportunity(0.05)).Allowed {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(3), admitted.Load())
	assert.Equal(t, 3, o.GetInFlightCount())
}

func TestAssessRejectReleasesReservedSlot(t *testing.T) {
	cfg := params.DefaultRiskConfig
	cfg.EnableKelly = false
	o := NewOrchestrator(cfg, nil)

	// Nine losses against one win drive the expected value negative.
	for i := 0; i < 9; i++ {
		o.tracker.Record(string(core.TypeSimple), false, big.NewInt(1e16))
	}
	o.tracker.Record(string(core.TypeSimple), true, big.NewInt(1e16))

	d := o.Assess(testOpportunity(0.05))
	require.False(t, d.Allowed)
	assert.Equal(t, core.RejectLowEV, d.Reason)
	assert.Zero(t, o.GetInFlightCount())
}

func TestRecordOutcomeAlwaysReleasesInFlight(t *testing.T) {
	stats := &core.ExecutionStats{}
	o := NewOrchestrator(params.DefaultRiskConfig, stats)

	require.True(t, o.Assess(testOpportunity(0.05)).Allowed)
	o.RecordOutcome(core.ExecutionOutcome{
		OpportunityID: "opp-1",
		Type:          core.TypeSimple,
		Success:       true,
		Profit:        0.05,
	})
	assert.Zero(t, o.GetInFlightCount())

	// Releasing past zero must not go negative.
	o.RecordOutcome(core.ExecutionOutcome{Type: core.TypeSimple, Success: false, GasCost: 0.001})
	assert.Zero(t, o.GetInFlightCount())
}

func TestDrawdownHaltBlocksTrading(t *testing.T) {
	cfg := params.DefaultRiskConfig
	cfg.MaxDrawdownWei = big.NewInt(1e17) // 0.1 native
	cfg.EnableEVGate = false              // isolate the breaker
	cfg.EnableKelly = false
	stats := &core.ExecutionStats{}
	o := NewOrchestrator(cfg, stats)

	// Burn 0.12 native of gas across failed trades.
	for i := 0; i < 4; i++ {
		require.True(t, o.Assess(testOpportunity(0.05)).Allowed, "trade %d", i)
		o.RecordOutcome(core.ExecutionOutcome{Type: core.TypeSimple, Success: false, GasCost: 0.03})
	}

	d := o.Assess(testOpportunity(0.05))
	assert.False(t, d.Allowed)
	assert.Equal(t, core.RejectDrawdownHalt, d.Reason)
	assert.Equal(t, DrawdownHalt, d.Drawdown.State)
	assert.Equal(t, int64(1), stats.RiskDrawdownBlocks.Load())
}

func TestDrawdownCautionShrinksSize(t *testing.T) {
	cfg := params.DefaultRiskConfig
	cfg.MaxDrawdownWei = big.NewInt(1e17)
	o := NewOrchestrator(cfg, nil)

	// Three wins keep the win rate healthy, then a 0.06 native loss lands
	// inside the 50% caution band.
	for i := 0; i < 3; i++ {
		require.True(t, o.Assess(testOpportunity(0.05)).Allowed)
		o.RecordOutcome(core.ExecutionOutcome{Type: core.TypeSimple, Success: true, Profit: 0.01})
	}
	require.True(t, o.Assess(testOpportunity(0.05)).Allowed)
	o.RecordOutcome(core.ExecutionOutcome{Type: core.TypeSimple, Success: false, GasCost: 0.06})

	d := o.Assess(testOpportunity(0.05))
	require.True(t, d.Allowed)
	assert.Equal(t, DrawdownCaution, d.Drawdown.State)
	assert.Equal(t, cfg.CautionSizeMultiplierBps, d.Drawdown.SizeMultiplierBps)
	assert.Equal(t, int64(1), o.CautionTrades())

	// The recommended size is the raw Kelly size scaled by the caution
	// multiplier.
	expected := new(big.Int).Mul(d.PositionSizeWei, big.NewInt(cfg.CautionSizeMultiplierBps))
	expected.Div(expected, big.NewInt(10000))
	assert.Zero(t, expected.Cmp(d.RecommendedSizeWei))
}

func TestEVGateRejectsLosingType(t *testing.T) {
	stats := &core.ExecutionStats{}
	o := NewOrchestrator(params.DefaultRiskConfig, stats)

	// Nine losses against one small win drive the expected value negative.
	o.tracker.Record(string(core.TypeSimple), true, big.NewInt(1e15))
	for i := 0; i < 9; i++ {
		o.tracker.Record(string(core.TypeSimple), false, big.NewInt(5e16))
	}

	d := o.Assess(testOpportunity(0.001))
	assert.False(t, d.Allowed)
	assert.Equal(t, core.RejectLowEV, d.Reason)
	require.NotNil(t, d.EV)
	assert.Negative(t, d.EV.ExpectedValueWei.Sign())
	assert.Equal(t, int64(1), stats.RiskEVRejections.Load())
	assert.Zero(t, o.GetInFlightCount())
}

func TestEVGateDisabledAllowsNegativeEV(t *testing.T) {
	cfg := params.DefaultRiskConfig
	cfg.EnableEVGate = false
	cfg.EnableKelly = false
	o := NewOrchestrator(cfg, nil)

	o.tracker.Record(string(core.TypeSimple), true, big.NewInt(1e15))
	for i := 0; i < 9; i++ {
		o.tracker.Record(string(core.TypeSimple), false, big.NewInt(5e16))
	}

	d := o.Assess(testOpportunity(0.001))
	assert.True(t, d.Allowed)
	assert.Nil(t, d.RecommendedSizeWei)
}

func TestKellyRejectsZeroSize(t *testing.T) {
	cfg := params.DefaultRiskConfig
	cfg.EnableEVGate = false // isolate the sizer
	cfg.BankrollWei = big.NewInt(0)
	stats := &core.ExecutionStats{}
	o := NewOrchestrator(cfg, stats)

	d := o.Assess(testOpportunity(0.05))
	assert.False(t, d.Allowed)
	assert.Equal(t, core.RejectPositionSize, d.Reason)
	assert.Equal(t, int64(1), stats.RiskPositionSizeRejections.Load())
}

func TestKellyFractionMath(t *testing.T) {
	// p=0.6, b=2 (profit double the loss): f* = 0.6 - 0.4/2 = 0.4.
	f := kellyFractionBps(6000, big.NewInt(2e17), big.NewInt(1e17))
	assert.Equal(t, int64(4000), f)

	// Negative edge clamps to zero.
	assert.Zero(t, kellyFractionBps(3000, big.NewInt(1e17), big.NewInt(1e17)))
	assert.Zero(t, kellyFractionBps(6000, big.NewInt(0), big.NewInt(1e17)))
}

func TestKellySizeScaling(t *testing.T) {
	cfg := params.DefaultRiskConfig
	cfg.BankrollWei = new(big.Int).Mul(big.NewInt(10), big.NewInt(1e18))
	cfg.KellyFractionBps = 2500

	// Full Kelly 40% of a 10-native bankroll, quarter Kelly, full
	// multiplier: 10 * 0.4 * 0.25 = 1 native.
	size := kellySizeWei(cfg, 4000, 10000)
	assert.Zero(t, size.Cmp(big.NewInt(1e18)))

	// Caution multiplier halves it.
	half := kellySizeWei(cfg, 4000, 5000)
	assert.Zero(t, half.Cmp(big.NewInt(5e17)))
}

func TestProbabilityTrackerAverages(t *testing.T) {
	tr := NewProbabilityTracker()
	assert.Equal(t, int64(5000), tr.WinProbabilityBps("simple"))
	assert.Nil(t, tr.AverageProfitWei("simple"))

	tr.Record("simple", true, big.NewInt(3e16))
	tr.Record("simple", true, big.NewInt(1e16))
	tr.Record("simple", false, big.NewInt(4e15))

	assert.Equal(t, int64(6666), tr.WinProbabilityBps("simple"))
	assert.Zero(t, tr.AverageProfitWei("simple").Cmp(big.NewInt(2e16)))
	assert.Zero(t, tr.AverageLossWei("simple").Cmp(big.NewInt(4e15)))
	assert.Equal(t, int64(3), tr.Samples("simple"))
}
