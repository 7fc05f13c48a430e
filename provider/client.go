package provider

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Client is the chain RPC capability the engine needs; *ethclient.Client
// satisfies it.
type Client interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	Close()
}

// Dialer opens a Client for a chain RPC endpoint. The default dialer wraps
// ethclient; tests substitute fakes.
type Dialer func(ctx context.Context, rawurl string) (Client, error)

// DefaultDialer dials with ethclient.
func DefaultDialer(ctx context.Context, rawurl string) (Client, error) {
	return ethclient.DialContext(ctx, rawurl)
}
