// Package mev decides whether an execution should be routed through a
// private relay and shapes its fee fields accordingly.
package mev

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"

	"github.com/mevlab/arb-engine/core"
	"github.com/mevlab/arb-engine/gasprice"
	"github.com/mevlab/arb-engine/params"
	"github.com/mevlab/arb-engine/provider"
)

// ProviderSource resolves a chain's RPC client; the provider registry
// satisfies it.
type ProviderSource interface {
	GetProvider(chain string) provider.Client
}

// Eligibility is the protection verdict for one submission.
type Eligibility struct {
	ShouldUseMev bool
	Relay        *params.MevRelay
	ChainProfile *params.ChainProfile
}

// Shaper evaluates MEV-protection eligibility and applies EIP-1559 fee
// shaping with a capped priority fee.
type Shaper struct {
	cfg       params.MevConfig
	chains    map[string]*params.ChainProfile
	providers ProviderSource
	gas       *gasprice.Optimizer
}

func NewShaper(cfg params.MevConfig, chains map[string]*params.ChainProfile, providers ProviderSource, gas *gasprice.Optimizer) *Shaper {
	return &Shaper{cfg: cfg, chains: chains, providers: providers, gas: gas}
}

// CheckEligibility reports whether the submission qualifies for private
// routing: an enabled relay must exist for the chain, the chain must not
// opt out, and the expected profit must clear the protection floor.
func (s *Shaper) CheckEligibility(chain string, expectedProfit float64) Eligibility {
	e := Eligibility{ChainProfile: s.chains[chain]}
	relays := s.GetProviderFallbackChain(chain)
	if len(relays) == 0 {
		return e
	}
	if e.ChainProfile != nil && e.ChainProfile.MevDisabled {
		log.Debug("mev protection disabled for chain", "chain", chain)
		return e
	}
	if expectedProfit < s.cfg.MinProfitForProtection {
		log.Trace("profit below mev protection floor", "chain", chain,
			"profit", expectedProfit, "min", s.cfg.MinProfitForProtection)
		return e
	}
	e.ShouldUseMev = true
	e.Relay = &relays[0]
	return e
}

// GetProviderFallbackChain returns the chain's enabled relays in configured
// order. Callers iterate and fall back to the public mempool only when all
// of them fail.
func (s *Shaper) GetProviderFallbackChain(chain string) []params.MevRelay {
	var out []params.MevRelay
	for _, relay := range s.cfg.Relays {
		if relay.Enabled && relay.Chain == chain {
			out = append(out, relay)
		}
	}
	return out
}

// ApplyProtection shapes the transaction's fee fields. When the chain head
// carries a base fee the request becomes a type-2 transaction with the
// priority fee capped at MaxPriorityFeeWei; RPC errors degrade to legacy
// gas pricing with a warning.
func (s *Shaper) ApplyProtection(ctx context.Context, tx *core.TxRequest, chain string) error {
	client := s.providers.GetProvider(chain)
	if client == nil {
		return s.applyLegacy(ctx, tx, chain, nil)
	}
	header, err := client.HeaderByNumber(ctx, nil)
	if err != nil || header.BaseFee == nil {
		if err != nil {
			log.Warn("fee data unavailable, using legacy gas pricing", "chain", chain, "err", err)
		}
		return s.applyLegacy(ctx, tx, chain, client)
	}
	tip, err := client.SuggestGasTipCap(ctx)
	if err != nil {
		log.Warn("tip suggestion failed, using legacy gas pricing", "chain", chain, "err", err)
		return s.applyLegacy(ctx, tx, chain, client)
	}
	if s.cfg.MaxPriorityFeeWei != nil && tip.Cmp(s.cfg.MaxPriorityFeeWei) > 0 {
		log.Debug("capping priority fee", "chain", chain, "suggested", tip, "cap", s.cfg.MaxPriorityFeeWei)
		tip = new(big.Int).Set(s.cfg.MaxPriorityFeeWei)
	}
	tx.Type = types.DynamicFeeTxType
	tx.GasTipCap = tip
	// Double the base fee of headroom keeps the tx valid across near-term
	// base fee growth.
	feeCap := new(big.Int).Mul(header.BaseFee, big.NewInt(2))
	tx.GasFeeCap = feeCap.Add(feeCap, tip)
	tx.GasPrice = nil
	protectedMeter.Mark(1)
	return nil
}

func (s *Shaper) applyLegacy(ctx context.Context, tx *core.TxRequest, chain string, src gasprice.FeeSource) error {
	if src == nil {
		return core.ErrNoProvider
	}
	price, err := s.gas.GetOptimalGasPrice(ctx, chain, src)
	if err != nil {
		return err
	}
	tx.Type = types.LegacyTxType
	tx.GasPrice = price
	tx.GasFeeCap = nil
	tx.GasTipCap = nil
	legacyFallbackMeter.Mark(1)
	return nil
}
