package core

import (
	"math"
	"math/big"
)

var weiPerEth = new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))

// EthToWei converts a fractional native amount to integer wei as
// floor(x * 10^18). Negative and non-finite inputs yield zero.
func EthToWei(x float64) *big.Int {
	if x <= 0 || math.IsNaN(x) || math.IsInf(x, 0) {
		return new(big.Int)
	}
	f := new(big.Float).SetFloat64(x)
	f.Mul(f, weiPerEth)
	wei, _ := f.Int(nil) // truncates toward zero; floor for non-negative input
	return wei
}

// WeiToEth converts wei to a float native amount for display and USD math.
func WeiToEth(wei *big.Int) float64 {
	if wei == nil {
		return 0
	}
	f := new(big.Float).SetInt(wei)
	f.Quo(f, weiPerEth)
	out, _ := f.Float64()
	return out
}

// MulScaled multiplies x by a multiplier expressed in the given integer
// scale (e.g. scale 10000 for basis points), flooring the result.
func MulScaled(x *big.Int, multiplier int64, scale int64) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	out := new(big.Int).Mul(x, big.NewInt(multiplier))
	return out.Quo(out, big.NewInt(scale))
}
