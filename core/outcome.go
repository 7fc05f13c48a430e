package core

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ExecutionOutcome is the terminal result of executing one opportunity.
// Profit and GasCost are in fractional native units; convert to wei with
// EthToWei before feeding integer pipelines.
type ExecutionOutcome struct {
	OpportunityID string
	Type          OpportunityType
	Chain         string
	Success       bool
	Profit        float64
	GasCost       float64
	TxHash        common.Hash
	Latency       time.Duration
	Error         string
}
