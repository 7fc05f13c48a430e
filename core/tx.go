package core

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// TxRequest is an unsigned transaction shaped by the hot path (gas pricing,
// MEV protection, nonce allocation) before a strategy signs and submits it.
type TxRequest struct {
	Chain    string
	To       *common.Address
	Data     []byte
	Value    *big.Int
	Nonce    uint64
	GasLimit uint64

	// Legacy pricing.
	GasPrice *big.Int

	// EIP-1559 pricing; Type is types.DynamicFeeTxType when populated.
	Type      uint8
	GasFeeCap *big.Int
	GasTipCap *big.Int
}

// ToTransaction materialises the request as a geth transaction for signing.
func (r *TxRequest) ToTransaction(chainID *big.Int) *types.Transaction {
	if r.Type == types.DynamicFeeTxType {
		return types.NewTx(&types.DynamicFeeTx{
			ChainID:   chainID,
			Nonce:     r.Nonce,
			GasTipCap: r.GasTipCap,
			GasFeeCap: r.GasFeeCap,
			Gas:       r.GasLimit,
			To:        r.To,
			Value:     r.Value,
			Data:      r.Data,
		})
	}
	return types.NewTx(&types.LegacyTx{
		Nonce:    r.Nonce,
		GasPrice: r.GasPrice,
		Gas:      r.GasLimit,
		To:       r.To,
		Value:    r.Value,
		Data:     r.Data,
	})
}
