package bridge

import "github.com/ethereum/go-ethereum/metrics"

var bridgeRejectMeter = metrics.NewRegisteredMeter("arb/bridge/rejects", nil)
