package breaker

import "github.com/ethereum/go-ethereum/metrics"

var (
	breakerStateGauge = metrics.NewRegisteredGauge("arb/breaker/state", nil) // 0 closed, 1 open, 2 half-open
	breakerTripMeter  = metrics.NewRegisteredMeter("arb/breaker/trips", nil)
)
