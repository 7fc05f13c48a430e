// Package strategy defines the execution-strategy capability and the
// type-keyed factory the engine selects from. Concrete DEX and bridge
// strategies register themselves at composition time.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/log"

	"github.com/mevlab/arb-engine/core"
)

// ErrUnknownStrategy is returned when no strategy is registered for an
// opportunity type.
var ErrUnknownStrategy = errors.New("no strategy registered for opportunity type")

// Strategy prepares and executes one opportunity. Prepare shapes the
// transaction (gas, MEV protection, nonce, commit-reveal as the strategy
// requires); Execute submits it and reports the outcome.
type Strategy interface {
	Type() core.OpportunityType
	Prepare(ctx context.Context, op *core.Opportunity, sizeWei *big.Int) (*core.TxRequest, error)
	Execute(ctx context.Context, op *core.Opportunity, tx *core.TxRequest) (*core.ExecutionOutcome, error)
}

// Factory holds the registered strategies keyed by opportunity type.
type Factory struct {
	mu         sync.RWMutex
	strategies map[core.OpportunityType]Strategy
	simulation bool
}

func NewFactory() *Factory {
	return &Factory{strategies: make(map[core.OpportunityType]Strategy)}
}

// Register adds a strategy, replacing any previous one for the same type.
func (f *Factory) Register(s Strategy) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.strategies[s.Type()]; exists {
		log.Warn("replacing registered strategy", "type", s.Type())
	}
	f.strategies[s.Type()] = s
}

// ForType resolves the strategy for an opportunity type.
func (f *Factory) ForType(t core.OpportunityType) (Strategy, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	s, ok := f.strategies[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStrategy, t)
	}
	return s, nil
}

// Types lists the registered opportunity types.
func (f *Factory) Types() []core.OpportunityType {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]core.OpportunityType, 0, len(f.strategies))
	for t := range f.strategies {
		out = append(out, t)
	}
	return out
}

// SetSimulationMode tells strategies whether executions are live. The
// standby manager flips this on activation.
func (f *Factory) SetSimulationMode(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.simulation = enabled
}

// SimulationMode reports the current mode.
func (f *Factory) SimulationMode() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.simulation
}
