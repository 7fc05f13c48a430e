package consumer

import "github.com/ethereum/go-ethereum/metrics"

var (
	activeGauge       = metrics.NewRegisteredGauge("arb/consumer/active", nil)
	pendingGauge      = metrics.NewRegisteredGauge("arb/consumer/pending", nil)
	duplicateMeter    = metrics.NewRegisteredMeter("arb/consumer/duplicates", nil)
	deadLetterMeter   = metrics.NewRegisteredMeter("arb/consumer/deadletters", nil)
	staleCleanupMeter = metrics.NewRegisteredMeter("arb/consumer/stale/cleaned", nil)
)
