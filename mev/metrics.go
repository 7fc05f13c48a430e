package mev

import "github.com/ethereum/go-ethereum/metrics"

var (
	protectedMeter      = metrics.NewRegisteredMeter("arb/mev/protected", nil)
	legacyFallbackMeter = metrics.NewRegisteredMeter("arb/mev/legacy", nil)
)
