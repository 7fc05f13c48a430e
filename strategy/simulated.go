package strategy

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/mevlab/arb-engine/core"
)

// Simulated is a no-op strategy that reports success without touching a
// chain. Standby instances register it for every type so the pipeline stays
// exercised while real strategies are inactive.
type Simulated struct {
	typ core.OpportunityType
}

// NewSimulated constructs a simulated strategy for one opportunity type.
func NewSimulated(typ core.OpportunityType) *Simulated {
	return &Simulated{typ: typ}
}

// RegisterSimulatedAll registers a simulated strategy for every known
// opportunity type.
func RegisterSimulatedAll(f *Factory) {
	for _, typ := range []core.OpportunityType{
		core.TypeSimple, core.TypeCrossChain, core.TypeFlashLoan,
		core.TypeBackrun, core.TypeUniswapX, core.TypeStatistical,
	} {
		f.Register(NewSimulated(typ))
	}
	f.SetSimulationMode(true)
}

func (s *Simulated) Type() core.OpportunityType { return s.typ }

func (s *Simulated) Prepare(ctx context.Context, op *core.Opportunity, sizeWei *big.Int) (*core.TxRequest, error) {
	return &core.TxRequest{
		Chain:    op.Chain(),
		Value:    sizeWei,
		GasLimit: 21000,
	}, nil
}

func (s *Simulated) Execute(ctx context.Context, op *core.Opportunity, tx *core.TxRequest) (*core.ExecutionOutcome, error) {
	start := time.Now()
	log.Debug("simulated execution", "id", op.ID, "type", s.typ, "chain", tx.Chain)
	return &core.ExecutionOutcome{
		OpportunityID: op.ID,
		Type:          op.Type,
		Chain:         tx.Chain,
		Success:       true,
		Profit:        op.ExpectedProfit,
		Latency:       time.Since(start),
	}, nil
}
