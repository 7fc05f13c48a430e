package standby

import "github.com/ethereum/go-ethereum/metrics"

var activationMeter = metrics.NewRegisteredMeter("arb/standby/activations", nil)
