package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	zaperr "github.com/NimaZeighami/Uniswap-V2-Zapper/internal/errors"
)

const pairABIJSON = `[
	{"constant":true,"inputs":[],"name":"getReserves","outputs":[
		{"name":"_reserve0","type":"uint112"},
		{"name":"_reserve1","type":"uint112"},
		{"name":"_blockTimestampLast","type":"uint32"}],
		"stateMutability":"view","type":"function"},
	{"constant":true,"inputs":[],"name":"token0","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"},
	{"constant":true,"inputs":[],"name":"token1","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"},
	{"constant":true,"inputs":[],"name":"totalSupply","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

// Client implements Provider over a go-ethereum RPC connection.
type Client struct {
	rpcClient *rpc.Client
	ethClient *ethclient.Client
	pairABI   abi.ABI

	pollInterval   time.Duration
	confirmTimeout time.Duration
}

func NewClient(ctx context.Context, rpcURL string) (*Client, error) {
	rpcClient, err := rpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, zaperr.Wrap(zaperr.CodeUnavailable, "connect rpc", err)
	}
	parsed, err := abi.JSON(strings.NewReader(pairABIJSON))
	if err != nil {
		return nil, zaperr.Wrap(zaperr.CodeInternal, "parse pair abi", err)
	}
	return &Client{
		rpcClient:      rpcClient,
		ethClient:      ethclient.NewClient(rpcClient),
		pairABI:        parsed,
		pollInterval:   2 * time.Second,
		confirmTimeout: 2 * time.Minute,
	}, nil
}

func (c *Client) Close() {
	if c.rpcClient != nil {
		c.rpcClient.Close()
	}
}

func (c *Client) callView(ctx context.Context, target common.Address, method string, args ...any) ([]any, error) {
	data, err := c.pairABI.Pack(method, args...)
	if err != nil {
		return nil, zaperr.Wrap(zaperr.CodeInternal, fmt.Sprintf("pack %s call", method), err)
	}
	raw, err := c.ethClient.CallContract(ctx, ethereum.CallMsg{To: &target, Data: data}, nil)
	if err != nil {
		return nil, zaperr.Wrap(zaperr.CodeUnavailable, fmt.Sprintf("call %s", method), err)
	}
	values, err := c.pairABI.Unpack(method, raw)
	if err != nil {
		return nil, zaperr.Wrap(zaperr.CodeUnavailable, fmt.Sprintf("decode %s result", method), err)
	}
	return values, nil
}

func (c *Client) GetReserves(ctx context.Context, pair common.Address) (*big.Int, *big.Int, error) {
	values, err := c.callView(ctx, pair, "getReserves")
	if err != nil {
		return nil, nil, err
	}
	if len(values) < 2 {
		return nil, nil, zaperr.New(zaperr.CodeUnavailable, "getReserves returned short result")
	}
	reserve0, ok0 := values[0].(*big.Int)
	reserve1, ok1 := values[1].(*big.Int)
	if !ok0 || !ok1 {
		return nil, nil, zaperr.New(zaperr.CodeUnavailable, "getReserves returned unexpected types")
	}
	return reserve0, reserve1, nil
}

func (c *Client) Token0(ctx context.Context, pair common.Address) (common.Address, error) {
	values, err := c.callView(ctx, pair, "token0")
	if err != nil {
		return common.Address{}, err
	}
	addr, ok := values[0].(common.Address)
	if !ok {
		return common.Address{}, zaperr.New(zaperr.CodeUnavailable, "token0 returned unexpected type")
	}
	return addr, nil
}

func (c *Client) Token1(ctx context.Context, pair common.Address) (common.Address, error) {
	values, err := c.callView(ctx, pair, "token1")
	if err != nil {
		return common.Address{}, err
	}
	addr, ok := values[0].(common.Address)
	if !ok {
		return common.Address{}, zaperr.New(zaperr.CodeUnavailable, "token1 returned unexpected type")
	}
	return addr, nil
}

func (c *Client) TotalSupply(ctx context.Context, token common.Address) (*big.Int, error) {
	values, err := c.callView(ctx, token, "totalSupply")
	if err != nil {
		return nil, err
	}
	supply, ok := values[0].(*big.Int)
	if !ok {
		return nil, zaperr.New(zaperr.CodeUnavailable, "totalSupply returned unexpected type")
	}
	return supply, nil
}

func (c *Client) BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	values, err := c.callView(ctx, token, "balanceOf", owner)
	if err != nil {
		return nil, err
	}
	balance, ok := values[0].(*big.Int)
	if !ok {
		return nil, zaperr.New(zaperr.CodeUnavailable, "balanceOf returned unexpected type")
	}
	return balance, nil
}

func (c *Client) EthBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	balance, err := c.ethClient.BalanceAt(ctx, account, nil)
	if err != nil {
		return nil, zaperr.Wrap(zaperr.CodeUnavailable, "fetch balance", err)
	}
	return balance, nil
}

func (c *Client) SuggestFees(ctx context.Context) (*big.Int, *big.Int, error) {
	tipCap, err := c.ethClient.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, zaperr.Wrap(zaperr.CodeUnavailable, "suggest gas tip cap", err)
	}
	header, err := c.ethClient.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, zaperr.Wrap(zaperr.CodeUnavailable, "fetch latest header", err)
	}
	baseFee := header.BaseFee
	if baseFee == nil {
		baseFee = big.NewInt(1_000_000_000)
	}
	return tipCap, baseFee, nil
}

func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	chainID, err := c.ethClient.ChainID(ctx)
	if err != nil {
		return nil, zaperr.Wrap(zaperr.CodeUnavailable, "read chain id", err)
	}
	return chainID, nil
}

func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	nonce, err := c.ethClient.PendingNonceAt(ctx, account)
	if err != nil {
		return 0, zaperr.Wrap(zaperr.CodeUnavailable, "fetch nonce", err)
	}
	return nonce, nil
}

func (c *Client) Call(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	out, err := c.ethClient.CallContract(ctx, msg, nil)
	if err != nil {
		if isRevert(err) {
			return nil, zaperr.Wrap(zaperr.CodeReverted, "call reverted", err)
		}
		return nil, zaperr.Wrap(zaperr.CodeUnavailable, "eth_call", err)
	}
	return out, nil
}

func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if err := c.ethClient.SendTransaction(ctx, tx); err != nil {
		if isRevert(err) {
			return zaperr.Wrap(zaperr.CodeReverted, "transaction rejected", err)
		}
		return zaperr.Wrap(zaperr.CodeUnavailable, "broadcast transaction", err)
	}
	return nil
}

// WaitForConfirmation polls for the receipt until it lands, the
// transaction reverts, or the confirmation timeout elapses. Transient
// polling failures are ignored until the deadline.
func (c *Client) WaitForConfirmation(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, c.confirmTimeout)
	defer cancel()
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.ethClient.TransactionReceipt(waitCtx, hash)
		if err == nil && receipt != nil {
			if receipt.Status == types.ReceiptStatusSuccessful {
				return receipt, nil
			}
			return receipt, zaperr.New(zaperr.CodeReverted, fmt.Sprintf("transaction reverted on-chain (tx %s)", hash.Hex()))
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) && waitCtx.Err() == nil {
			// Transient RPC failure; keep polling.
		}
		select {
		case <-waitCtx.Done():
			return nil, zaperr.Wrap(zaperr.CodeTimeout, "timed out waiting for receipt", waitCtx.Err())
		case <-ticker.C:
		}
	}
}

func isRevert(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "revert") || strings.Contains(msg, "execution reverted")
}
