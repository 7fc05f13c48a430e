package gasprice

import "github.com/ethereum/go-ethereum/metrics"

var gasSpikeMeter = metrics.NewRegisteredMeter("arb/gas/spikes", nil)
