// Package bridge pre-flights cross-chain opportunities against the bridge
// fee they would pay.
package bridge

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/log"

	"github.com/mevlab/arb-engine/core"
	"github.com/mevlab/arb-engine/params"
)

// Analysis is the profitability verdict for one bridge transfer.
type Analysis struct {
	IsProfitable          bool
	BridgeFeeEth          float64
	BridgeFeeUsd          float64
	ProfitAfterFees       float64
	FeePercentageOfProfit float64
	Reason                string
}

// Filter rejects transfers whose bridge fee eats too much of the expected
// profit.
type Filter struct {
	cfg params.BridgeConfig
}

func NewFilter(cfg params.BridgeConfig) *Filter {
	return &Filter{cfg: cfg}
}

// Analyze prices the bridge fee in USD and compares it against the expected
// profit. A zero-profit opportunity is treated as fully consumed by fees.
func (f *Filter) Analyze(bridgeFeeWei *big.Int, expectedProfitUsd, nativeTokenPriceUsd float64) Analysis {
	feeEth := core.WeiToEth(bridgeFeeWei)
	feeUsd := feeEth * nativeTokenPriceUsd

	a := Analysis{
		BridgeFeeEth:    feeEth,
		BridgeFeeUsd:    feeUsd,
		ProfitAfterFees: expectedProfitUsd - feeUsd,
	}
	if expectedProfitUsd == 0 {
		a.FeePercentageOfProfit = 100
	} else {
		a.FeePercentageOfProfit = feeUsd / expectedProfitUsd * 100
	}
	if a.FeePercentageOfProfit >= f.cfg.MaxFeePercentage {
		a.Reason = fmt.Sprintf("bridge fee is %.1f%% of expected profit (max %.1f%%)",
			a.FeePercentageOfProfit, f.cfg.MaxFeePercentage)
		log.Debug("bridge transfer rejected", "feeUsd", feeUsd,
			"profitUsd", expectedProfitUsd, "feePct", a.FeePercentageOfProfit)
		bridgeRejectMeter.Mark(1)
		return a
	}
	a.IsProfitable = true
	return a
}

// MinimumProfitRequired returns the smallest expected profit in USD that
// would pass the fee-percentage gate for the given bridge fee.
func (f *Filter) MinimumProfitRequired(bridgeFeeWei *big.Int, nativeTokenPriceUsd float64) float64 {
	if f.cfg.MaxFeePercentage <= 0 {
		return 0
	}
	feeUsd := core.WeiToEth(bridgeFeeWei) * nativeTokenPriceUsd
	return feeUsd / (f.cfg.MaxFeePercentage / 100)
}
