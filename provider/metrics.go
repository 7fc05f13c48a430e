package provider

import "github.com/ethereum/go-ethereum/metrics"

var (
	healthyCountGauge = metrics.NewRegisteredGauge("arb/provider/healthy", nil)
	reconnectMeter    = metrics.NewRegisteredMeter("arb/provider/reconnects", nil)
)
