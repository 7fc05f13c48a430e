package queue

import "github.com/ethereum/go-ethereum/metrics"

var (
	queueDepthGauge  = metrics.NewRegisteredGauge("arb/queue/depth", nil)
	queuePausedGauge = metrics.NewRegisteredGauge("arb/queue/paused", nil) // 1: paused, 0: accepting
	queueRejectMeter = metrics.NewRegisteredMeter("arb/queue/rejects", nil)
)
