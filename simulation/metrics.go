package simulation

import "github.com/ethereum/go-ethereum/metrics"

var (
	simulationMeter = metrics.NewRegisteredMeter("arb/simulation/runs", nil)
	revertMeter     = metrics.NewRegisteredMeter("arb/simulation/reverts", nil)
)
