package engine

import "github.com/ethereum/go-ethereum/metrics"

var executionTimer = metrics.NewRegisteredTimer("arb/engine/execution", nil)
