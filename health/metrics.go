package health

import "github.com/ethereum/go-ethereum/metrics"

var heartbeatMeter = metrics.NewRegisteredMeter("arb/health/heartbeats", nil)
