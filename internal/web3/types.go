package web3

import (
	"context"
	"crypto/ecdsa"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ChainSnapshot represents summarized network metadata for health reporting.
type ChainSnapshot struct {
	Name        string `json:"name"`
	ChainID     string `json:"chain_id"`
	BlockNumber string `json:"block_number"`
	Notes       string `json:"notes,omitempty"`
}

// Transfer describes one ERC-20 transfer signed by the payer key.
type Transfer struct {
	Token    common.Address
	From     *ecdsa.PrivateKey
	To       common.Address
	Amount   *big.Int
	GasLimit uint64
}

// Client defines what the settlement layer needs from a chain so different
// EVM networks can be used uniformly.
type Client interface {
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	TokenBalance(ctx context.Context, token, holder common.Address) (*big.Int, error)
	TransferToken(ctx context.Context, transfer Transfer) (common.Hash, error)
	Close()
}
