package core

import (
	"math/big"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

// OpportunityType identifies the strategy family an opportunity belongs to.
type OpportunityType string

const (
	TypeSimple      OpportunityType = "simple"
	TypeCrossChain  OpportunityType = "cross-chain"
	TypeFlashLoan   OpportunityType = "flash-loan"
	TypeBackrun     OpportunityType = "backrun"
	TypeUniswapX    OpportunityType = "uniswapx"
	TypeStatistical OpportunityType = "statistical"
)

var knownTypes = mapset.NewSet(
	TypeSimple, TypeCrossChain, TypeFlashLoan, TypeBackrun, TypeUniswapX, TypeStatistical,
)

// Known reports whether t is a recognised opportunity type.
func (t OpportunityType) Known() bool {
	return knownTypes.Contains(t)
}

// Pipeline timestamp milestones stamped onto opportunities as they move
// through the system. Values are unix milliseconds.
const (
	MilestoneDetected          = "detectedAt"
	MilestonePublished         = "publishedAt"
	MilestoneExecutionReceived = "executionReceivedAt"
	MilestoneExecutionStarted  = "executionStartedAt"
	MilestoneExecutionFinished = "executionFinishedAt"
)

// Opportunity is an arbitrage opportunity consumed from the opportunity
// stream. It is immutable once consumed, except for pipeline timestamp
// stamping.
type Opportunity struct {
	ID             string          `json:"id"`
	Type           OpportunityType `json:"type"`
	TokenIn        string          `json:"tokenIn"`
	TokenOut       string          `json:"tokenOut"`
	AmountIn       *big.Int        `json:"amountIn"`       // wei scale
	ExpectedProfit float64         `json:"expectedProfit"` // USD or native units
	Confidence     float64         `json:"confidence"`     // 0..1
	ExpiresAt      int64           `json:"expiresAt"`      // unix ms

	BuyChain  string `json:"buyChain,omitempty"`
	SellChain string `json:"sellChain,omitempty"`
	BuyDex    string `json:"buyDex,omitempty"`
	SellDex   string `json:"sellDex,omitempty"`

	PipelineTimestamps map[string]int64 `json:"pipelineTimestamps,omitempty"`
}

// Chain returns the chain this opportunity executes on. Cross-chain
// opportunities execute the buy leg first.
func (o *Opportunity) Chain() string {
	if o.BuyChain != "" {
		return o.BuyChain
	}
	return o.SellChain
}

// Stamp records a pipeline milestone at the current wall clock.
func (o *Opportunity) Stamp(milestone string) {
	if o.PipelineTimestamps == nil {
		o.PipelineTimestamps = make(map[string]int64)
	}
	o.PipelineTimestamps[milestone] = time.Now().UnixMilli()
}

// Expired reports whether the opportunity's deadline has passed.
func (o *Opportunity) Expired(nowMs int64) bool {
	return o.ExpiresAt <= nowMs
}

// TimeRemaining returns the milliseconds until expiry, never negative.
func (o *Opportunity) TimeRemaining(nowMs int64) int64 {
	if r := o.ExpiresAt - nowMs; r > 0 {
		return r
	}
	return 0
}
