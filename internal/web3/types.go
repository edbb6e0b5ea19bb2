package web3

import (
	"context"
	"crypto/ecdsa"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
)

// ChainSnapshot represents summarized network metadata for operator logs.
type ChainSnapshot struct {
	Name        string
	ChainID     string
	BlockNumber uint64
	Notes       string
}

// TxRequest describes a transaction to be signed by the sender key. A nil To
// is not supported; contract creation goes through factory contracts.
type TxRequest struct {
	To       common.Address
	Value    *big.Int
	Data     []byte
	GasLimit uint64
}

// PendingTx is a broadcast transaction whose receipt may not exist yet.
type PendingTx interface {
	Hash() common.Hash
	// Wait blocks until the transaction is mined. A receipt with a failed
	// status is reported as an error.
	Wait(ctx context.Context) (*coretypes.Receipt, error)
}

// Client defines the chain capability shared by every workflow stage.
// Implementations must allow concurrent calls from different sender keys.
type Client interface {
	ChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	SendTransaction(ctx context.Context, key *ecdsa.PrivateKey, req TxRequest) (PendingTx, error)
	CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address) (*big.Int, error)
	Close()
}
