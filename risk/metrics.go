package risk

import "github.com/ethereum/go-ethereum/metrics"

var (
	inFlightGauge   = metrics.NewRegisteredGauge("arb/risk/inflight", nil)
	drawdownGauge   = metrics.NewRegisteredGauge("arb/risk/drawdown/wei", nil)
	riskRejectMeter = metrics.NewRegisteredMeter("arb/risk/rejects", nil)
	cautionMeter    = metrics.NewRegisteredMeter("arb/risk/caution", nil)
)
