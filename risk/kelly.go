package risk

import (
	"math/big"

	"github.com/mevlab/arb-engine/params"
)

// EVCalculation is the expected-value gate's working.
type EVCalculation struct {
	WinProbabilityBps int64
	ProfitWei         *big.Int
	LossWei           *big.Int
	ExpectedValueWei  *big.Int
}

// expectedValue computes p*profit - (1-p)*loss in wei with the probability
// scaled by 10000.
func expectedValue(pBps int64, profitWei, lossWei *big.Int) *big.Int {
	win := new(big.Int).Mul(profitWei, big.NewInt(pBps))
	lose := new(big.Int).Mul(lossWei, big.NewInt(bpsScale-pBps))
	ev := win.Sub(win, lose)
	return ev.Div(ev, big.NewInt(bpsScale))
}

// kellyFractionBps computes the Kelly bet fraction f* = p - q/b scaled by
// 10000, where b is the profit/loss odds ratio. Returns zero when the edge
// is non-positive or the odds are degenerate.
func kellyFractionBps(pBps int64, profitWei, lossWei *big.Int) int64 {
	if profitWei.Sign() <= 0 {
		return 0
	}
	qBps := int64(bpsScale) - pBps
	// q/b = q * loss / profit, all in bps.
	qOverB := new(big.Int).Mul(big.NewInt(qBps), lossWei)
	qOverB.Div(qOverB, profitWei)
	f := pBps - qOverB.Int64()
	if f < 0 {
		return 0
	}
	return f
}

// kellySizeWei applies fractional Kelly and the drawdown size multiplier to
// the bankroll using scaled-integer math.
func kellySizeWei(cfg params.RiskConfig, fBps, sizeMultiplierBps int64) *big.Int {
	if cfg.BankrollWei == nil || fBps <= 0 {
		return new(big.Int)
	}
	size := new(big.Int).Mul(cfg.BankrollWei, big.NewInt(fBps))
	size.Div(size, big.NewInt(bpsScale))
	size.Mul(size, big.NewInt(cfg.KellyFractionBps))
	size.Div(size, big.NewInt(bpsScale))
	size.Mul(size, big.NewInt(sizeMultiplierBps))
	size.Div(size, big.NewInt(bpsScale))
	return size
}
