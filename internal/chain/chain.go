// Package chain exposes the on-chain capability interface the engine
// is written against, plus an ethclient-backed implementation.
package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Provider is the engine's view of the chain. The engine never talks
// to a concrete RPC client directly; tests substitute fakes.
type Provider interface {
	// GetReserves returns the pair's two reserves in contract order.
	GetReserves(ctx context.Context, pair common.Address) (reserve0, reserve1 *big.Int, err error)
	// Token0 returns the pair's first token, which fixes reserve order.
	Token0(ctx context.Context, pair common.Address) (common.Address, error)
	Token1(ctx context.Context, pair common.Address) (common.Address, error)
	TotalSupply(ctx context.Context, token common.Address) (*big.Int, error)
	BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error)
	EthBalance(ctx context.Context, account common.Address) (*big.Int, error)

	// SuggestFees returns the node's current tip suggestion and the
	// latest base fee.
	SuggestFees(ctx context.Context) (tipCap, baseFee *big.Int, err error)

	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	Call(ctx context.Context, msg ethereum.CallMsg) ([]byte, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	WaitForConfirmation(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}
