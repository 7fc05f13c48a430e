package consumer

import (
	"encoding/json"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/log"

	"github.com/mevlab/arb-engine/core"
)

var requiredFields = []string{"id", "type", "tokenIn", "tokenOut", "amountIn", "confidence", "expiresAt"}

// parseOpportunity validates one stream message's payload. A non-empty
// reject code means the message is structurally invalid and belongs on the
// dead-letter stream.
func parseOpportunity(values map[string]any, nowMs int64) (*core.Opportunity, string) {
	for _, field := range requiredFields {
		if s := asString(values[field]); s == "" {
			return nil, core.ValidationMissingField
		}
	}

	typ := core.OpportunityType(asString(values["type"]))
	if !typ.Known() {
		return nil, core.ValidationInvalidType
	}

	amountIn, ok := new(big.Int).SetString(asString(values["amountIn"]), 10)
	if !ok || amountIn.Sign() <= 0 {
		return nil, core.ValidationBadAmount
	}

	// expiresAt arrives as a number or a numeric string depending on the
	// producer's serializer.
	expiresAt, ok := asInt64(values["expiresAt"])
	if !ok {
		return nil, core.ValidationBadExpiry
	}
	if expiresAt <= nowMs {
		return nil, core.ValidationExpired
	}

	op := &core.Opportunity{
		ID:        asString(values["id"]),
		Type:      typ,
		TokenIn:   asString(values["tokenIn"]),
		TokenOut:  asString(values["tokenOut"]),
		AmountIn:  amountIn,
		ExpiresAt: expiresAt,
		BuyChain:  asString(values["buyChain"]),
		SellChain: asString(values["sellChain"]),
		BuyDex:    asString(values["buyDex"]),
		SellDex:   asString(values["sellDex"]),
	}
	op.ExpectedProfit, _ = asFloat(values["expectedProfit"])
	op.Confidence, _ = asFloat(values["confidence"])

	// Milestones may arrive serialized as a JSON string. Bad JSON drops the
	// upstream milestones but never the opportunity itself.
	if raw := asString(values["pipelineTimestamps"]); raw != "" {
		var stamps map[string]int64
		if err := json.Unmarshal([]byte(raw), &stamps); err != nil {
			log.Debug("dropping malformed pipeline timestamps", "id", op.ID, "err", err)
		} else {
			op.PipelineTimestamps = stamps
		}
	}
	op.Stamp(core.MilestoneExecutionReceived)
	return op, ""
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return ""
	}
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case string:
		parsed, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			// Producers serializing through floats emit "1.7e12" style
			// expiries.
			f, ferr := strconv.ParseFloat(n, 64)
			if ferr != nil {
				return 0, false
			}
			return int64(f), true
		}
		return parsed, true
	default:
		return 0, false
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
