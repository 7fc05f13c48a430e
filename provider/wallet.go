package provider

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Wallet is a chain-bound signing identity.
type Wallet struct {
	Chain   string
	Address common.Address
	Opts    *bind.TransactOpts
}

// KeyDeriver derives a per-chain signing key from a seed phrase. Key
// derivation itself is an external collaborator.
type KeyDeriver interface {
	DeriveKey(chain string) (*ecdsa.PrivateKey, error)
}

// KMSSigner binds a wallet through an external KMS; enabled by feature flag.
type KMSSigner interface {
	TransactOpts(chain string, chainID *big.Int) (*bind.TransactOpts, common.Address, error)
}

// newWalletFromKey builds a keyed transactor for the chain.
func newWalletFromKey(chain string, key *ecdsa.PrivateKey, chainID *big.Int) (*Wallet, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return nil, fmt.Errorf("keyed transactor for %s: %w", chain, err)
	}
	return &Wallet{
		Chain:   chain,
		Address: crypto.PubkeyToAddress(key.PublicKey),
		Opts:    opts,
	}, nil
}

// parseKeyHex parses a hex private key, tolerating a 0x prefix.
func parseKeyHex(chain, hexkey string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexkey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key format for chain %s: %w", chain, err)
	}
	return key, nil
}
