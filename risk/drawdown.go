package risk

import (
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/log"

	"github.com/mevlab/arb-engine/params"
)

// Drawdown states, ordered by severity.
const (
	DrawdownNormal  = "NORMAL"
	DrawdownCaution = "CAUTION"
	DrawdownHalt    = "HALT"
)

const bpsScale = 10000

// DrawdownCheck is the breaker's verdict for one assessment.
type DrawdownCheck struct {
	Allowed           bool
	State             string
	DrawdownWei       *big.Int
	SizeMultiplierBps int64
}

// DrawdownBreaker halts trading when cumulative losses from the PnL peak
// reach the configured threshold, and shrinks position sizes in the caution
// band before that.
type DrawdownBreaker struct {
	mu  sync.Mutex
	cfg params.RiskConfig

	pnl  *big.Int // cumulative realized PnL in wei, may go negative
	peak *big.Int // high-water mark of pnl
}

func NewDrawdownBreaker(cfg params.RiskConfig) *DrawdownBreaker {
	return &DrawdownBreaker{
		cfg:  cfg,
		pnl:  new(big.Int),
		peak: new(big.Int),
	}
}

// RecordPnL applies one realized outcome: positive for profit, negative for
// loss. The peak only ratchets upward.
func (b *DrawdownBreaker) RecordPnL(deltaWei *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pnl.Add(b.pnl, deltaWei)
	if b.pnl.Cmp(b.peak) > 0 {
		b.peak.Set(b.pnl)
	}
	drawdownGauge.Update(new(big.Int).Sub(b.peak, b.pnl).Int64())
}

// Check classifies the current drawdown. The caution band starts at
// CautionPct of the halt threshold; inside it trades proceed with a reduced
// size multiplier.
func (b *DrawdownBreaker) Check() DrawdownCheck {
	b.mu.Lock()
	defer b.mu.Unlock()

	drawdown := new(big.Int).Sub(b.peak, b.pnl)
	check := DrawdownCheck{
		Allowed:           true,
		State:             DrawdownNormal,
		DrawdownWei:       drawdown,
		SizeMultiplierBps: bpsScale,
	}
	max := b.cfg.MaxDrawdownWei
	if max == nil || max.Sign() <= 0 {
		return check
	}
	if drawdown.Cmp(max) >= 0 {
		check.Allowed = false
		check.State = DrawdownHalt
		check.SizeMultiplierBps = 0
		log.Warn("drawdown halt active", "drawdown", drawdown, "max", max)
		return check
	}
	caution := new(big.Int).Mul(max, big.NewInt(b.cfg.CautionPct))
	caution.Div(caution, big.NewInt(100))
	if drawdown.Cmp(caution) >= 0 {
		check.State = DrawdownCaution
		check.SizeMultiplierBps = b.cfg.CautionSizeMultiplierBps
	}
	return check
}

// Drawdown returns the current distance from the PnL peak in wei.
func (b *DrawdownBreaker) Drawdown() *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(big.Int).Sub(b.peak, b.pnl)
}
