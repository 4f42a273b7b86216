// Package zapper is the transaction-preparation engine: it turns a
// pair address and an amount into a fully priced, slippage-protected
// zap plan, executes the plan through the zap contract, and keeps the
// position ledger consistent with what landed on-chain.
package zapper

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/NimaZeighami/Uniswap-V2-Zapper/internal/amm"
	"github.com/NimaZeighami/Uniswap-V2-Zapper/internal/balance"
	"github.com/NimaZeighami/Uniswap-V2-Zapper/internal/chain"
	zaperr "github.com/NimaZeighami/Uniswap-V2-Zapper/internal/errors"
	"github.com/NimaZeighami/Uniswap-V2-Zapper/internal/gas"
	"github.com/NimaZeighami/Uniswap-V2-Zapper/internal/ledger"
	"github.com/NimaZeighami/Uniswap-V2-Zapper/internal/signer"
)

const zapABIJSON = `[
	{"inputs":[{"name":"pair","type":"address"},{"name":"minTokenOut","type":"uint256"}],
		"name":"zapInETH","outputs":[{"name":"liquidity","type":"uint256"}],
		"stateMutability":"payable","type":"function"},
	{"inputs":[{"name":"pair","type":"address"},{"name":"fractionBps","type":"uint256"},{"name":"minEthOut","type":"uint256"}],
		"name":"zapOutETH","outputs":[{"name":"ethOut","type":"uint256"}],
		"stateMutability":"nonpayable","type":"function"}
]`

// Config carries the per-deployment constants the engine needs.
type Config struct {
	ZapContract    common.Address
	WETH           common.Address
	ZapInGasLimit  uint64
	ZapOutGasLimit uint64
	Slippage       amm.Policy
}

type Service struct {
	provider  chain.Provider
	fees      *gas.Resolver
	balances  *balance.Validator
	positions *ledger.Store
	account   signer.Signer
	cfg       Config
	zapABI    abi.ABI
	logger    *zap.Logger
}

func NewService(provider chain.Provider, fees *gas.Resolver, balances *balance.Validator, positions *ledger.Store, account signer.Signer, cfg Config, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	parsed, err := abi.JSON(strings.NewReader(zapABIJSON))
	if err != nil {
		return nil, zaperr.Wrap(zaperr.CodeInternal, "parse zap abi", err)
	}
	return &Service{
		provider:  provider,
		fees:      fees,
		balances:  balances,
		positions: positions,
		account:   account,
		cfg:       cfg,
		zapABI:    parsed,
		logger:    logger,
	}, nil
}

// Plan is a fully priced zap, ready to sign. Everything a caller needs
// to show the user before committing is here.
type Plan struct {
	Pair           common.Address
	Token          common.Address
	AmountIn       *big.Int
	ProjectedOut   *big.Int
	MinAmountOut   *big.Int
	SlippageBps    int64
	PriceImpactPct float64
	Fees           gas.Quote
	GasLimit       uint64
	Calldata       []byte
}

// Result is a confirmed zap.
type Result struct {
	Plan        Plan
	TxHash      common.Hash
	GasUsed     uint64
	BlockNumber uint64
}

// pool is a WETH pair oriented so the base (WETH) side is explicit.
type pool struct {
	token        common.Address
	baseReserve  *big.Int
	tokenReserve *big.Int
}

func (s *Service) readPool(ctx context.Context, pair common.Address) (pool, error) {
	token0, err := s.provider.Token0(ctx, pair)
	if err != nil {
		return pool{}, err
	}
	token1, err := s.provider.Token1(ctx, pair)
	if err != nil {
		return pool{}, err
	}
	reserve0, reserve1, err := s.provider.GetReserves(ctx, pair)
	if err != nil {
		return pool{}, err
	}
	switch s.cfg.WETH {
	case token0:
		return pool{token: token1, baseReserve: reserve0, tokenReserve: reserve1}, nil
	case token1:
		return pool{token: token0, baseReserve: reserve1, tokenReserve: reserve0}, nil
	default:
		return pool{}, zaperr.New(zaperr.CodeUsage, fmt.Sprintf("pair %s has no WETH side", pair.Hex()))
	}
}

// PrepareZapIn prices an ETH entry into the pair: projected token
// output, impact-driven slippage floor, fee quote, and the exact
// calldata that would be submitted.
func (s *Service) PrepareZapIn(ctx context.Context, pair common.Address, amountIn *big.Int) (Plan, error) {
	if amountIn == nil || amountIn.Sign() <= 0 {
		return Plan{}, zaperr.New(zaperr.CodeUsage, "zap-in amount must be positive")
	}
	p, err := s.readPool(ctx, pair)
	if err != nil {
		return Plan{}, err
	}

	projected := amm.AmountOut(amountIn, p.baseReserve, p.tokenReserve)
	if projected.Sign() <= 0 {
		return Plan{}, zaperr.New(zaperr.CodeUsage, "trade produces no output against current reserves")
	}
	impact := amm.PriceImpactPct(amountIn, p.baseReserve, p.tokenReserve)
	slip := amm.SlippageBps(amountIn, p.baseReserve, p.tokenReserve, s.cfg.Slippage)
	minOut := amm.MinAmountOut(projected, slip)

	calldata, err := s.zapABI.Pack("zapInETH", pair, minOut)
	if err != nil {
		return Plan{}, zaperr.Wrap(zaperr.CodeInternal, "pack zapInETH", err)
	}

	plan := Plan{
		Pair:           pair,
		Token:          p.token,
		AmountIn:       amountIn,
		ProjectedOut:   projected,
		MinAmountOut:   minOut,
		SlippageBps:    slip,
		PriceImpactPct: impact,
		Fees:           s.fees.Resolve(ctx),
		GasLimit:       s.cfg.ZapInGasLimit,
		Calldata:       calldata,
	}
	s.logger.Info("prepared zap-in",
		zap.String("pair", pair.Hex()),
		zap.String("amount_in_wei", amountIn.String()),
		zap.String("min_out", minOut.String()),
		zap.Int64("slippage_bps", slip),
		zap.Float64("price_impact_pct", impact))
	return plan, nil
}

// ZapIn prepares, funds-checks, executes, and records an ETH entry. A
// ledger failure after on-chain confirmation is reported with the tx
// hash so the position can be reconciled by hand; the trade itself is
// final at that point.
func (s *Service) ZapIn(ctx context.Context, pair common.Address, amountIn *big.Int) (Result, error) {
	plan, err := s.PrepareZapIn(ctx, pair, amountIn)
	if err != nil {
		return Result{}, err
	}
	if err := s.balances.Check(ctx, s.account.Address(), amountIn, plan.Fees.MaxFee, plan.GasLimit); err != nil {
		return Result{}, err
	}

	result, err := s.execute(ctx, plan, amountIn)
	if err != nil {
		return Result{}, err
	}

	p, err := s.readPool(ctx, pair)
	if err != nil {
		return result, zaperr.Wrap(zaperr.CodePersistence,
			fmt.Sprintf("zap-in confirmed (tx %s) but post-trade pool read failed; record the entry manually", result.TxHash.Hex()), err)
	}
	marketCap, err := s.tokenMarketCap(ctx, p)
	if err != nil {
		return result, zaperr.Wrap(zaperr.CodePersistence,
			fmt.Sprintf("zap-in confirmed (tx %s) but market cap read failed; record the entry manually", result.TxHash.Hex()), err)
	}
	baseValue := decimal.NewFromBigInt(amountIn, -18)
	if err := s.positions.RecordEntry(ctx, plan.Token.Hex(), pair.Hex(), baseValue, marketCap); err != nil {
		return result, zaperr.Wrap(zaperr.CodePersistence,
			fmt.Sprintf("zap-in confirmed (tx %s) but ledger update failed; record the entry manually", result.TxHash.Hex()), err)
	}
	return result, nil
}

// PrepareZapOut prices an exit of fractionBps of the account's LP
// holding back to ETH: the burn share plus the token side swapped
// through the pool, slippage-protected on the swap leg.
func (s *Service) PrepareZapOut(ctx context.Context, pair common.Address, fractionBps int64) (Plan, error) {
	if fractionBps <= 0 || fractionBps > ledger.FullExitBps {
		return Plan{}, zaperr.New(zaperr.CodeUsage, fmt.Sprintf("exit fraction must be in (0, %d] bps", ledger.FullExitBps))
	}
	p, err := s.readPool(ctx, pair)
	if err != nil {
		return Plan{}, err
	}
	lpBalance, err := s.provider.BalanceOf(ctx, pair, s.account.Address())
	if err != nil {
		return Plan{}, err
	}
	if lpBalance.Sign() <= 0 {
		return Plan{}, zaperr.New(zaperr.CodeUsage, fmt.Sprintf("no liquidity held in pair %s", pair.Hex()))
	}
	lpSupply, err := s.provider.TotalSupply(ctx, pair)
	if err != nil {
		return Plan{}, err
	}
	if lpSupply.Sign() <= 0 {
		return Plan{}, zaperr.New(zaperr.CodeUnavailable, "pair reports zero LP supply")
	}

	liquidity := new(big.Int).Mul(lpBalance, big.NewInt(fractionBps))
	liquidity.Div(liquidity, big.NewInt(ledger.FullExitBps))
	if liquidity.Sign() <= 0 {
		return Plan{}, zaperr.New(zaperr.CodeUsage, "exit fraction rounds to zero liquidity")
	}

	baseShare := new(big.Int).Mul(p.baseReserve, liquidity)
	baseShare.Div(baseShare, lpSupply)
	tokenShare := new(big.Int).Mul(p.tokenReserve, liquidity)
	tokenShare.Div(tokenShare, lpSupply)

	// After the burn the pool shrinks; the token half is swapped
	// against the remaining reserves.
	remainingToken := new(big.Int).Sub(p.tokenReserve, tokenShare)
	remainingBase := new(big.Int).Sub(p.baseReserve, baseShare)
	swapped := amm.AmountOut(tokenShare, remainingToken, remainingBase)
	projected := new(big.Int).Add(baseShare, swapped)

	impact := amm.PriceImpactPct(tokenShare, remainingToken, remainingBase)
	slip := amm.SlippageBps(tokenShare, remainingToken, remainingBase, s.cfg.Slippage)
	minOut := amm.MinAmountOut(projected, slip)

	calldata, err := s.zapABI.Pack("zapOutETH", pair, big.NewInt(fractionBps), minOut)
	if err != nil {
		return Plan{}, zaperr.Wrap(zaperr.CodeInternal, "pack zapOutETH", err)
	}

	plan := Plan{
		Pair:           pair,
		Token:          p.token,
		AmountIn:       liquidity,
		ProjectedOut:   projected,
		MinAmountOut:   minOut,
		SlippageBps:    slip,
		PriceImpactPct: impact,
		Fees:           s.fees.Resolve(ctx),
		GasLimit:       s.cfg.ZapOutGasLimit,
		Calldata:       calldata,
	}
	s.logger.Info("prepared zap-out",
		zap.String("pair", pair.Hex()),
		zap.Int64("fraction_bps", fractionBps),
		zap.String("liquidity", liquidity.String()),
		zap.String("min_eth_out", minOut.String()),
		zap.Int64("slippage_bps", slip))
	return plan, nil
}

// ZapOut executes an exit and updates the ledger: a full exit closes
// the position, a partial one leaves the recorded basis untouched.
func (s *Service) ZapOut(ctx context.Context, pair common.Address, fractionBps int64) (Result, error) {
	plan, err := s.PrepareZapOut(ctx, pair, fractionBps)
	if err != nil {
		return Result{}, err
	}
	if err := s.balances.Check(ctx, s.account.Address(), big.NewInt(0), plan.Fees.MaxFee, plan.GasLimit); err != nil {
		return Result{}, err
	}

	result, err := s.execute(ctx, plan, big.NewInt(0))
	if err != nil {
		return Result{}, err
	}

	if err := s.positions.RecordExit(ctx, plan.Token.Hex(), fractionBps); err != nil {
		return result, zaperr.Wrap(zaperr.CodePersistence,
			fmt.Sprintf("zap-out confirmed (tx %s) but ledger update failed; reconcile the position manually", result.TxHash.Hex()), err)
	}
	return result, nil
}

// execute signs, simulates, broadcasts, and waits for the plan's
// transaction. The pre-broadcast simulation catches reverts while they
// are still free.
func (s *Service) execute(ctx context.Context, plan Plan, value *big.Int) (Result, error) {
	chainID, err := s.provider.ChainID(ctx)
	if err != nil {
		return Result{}, err
	}
	nonce, err := s.provider.PendingNonceAt(ctx, s.account.Address())
	if err != nil {
		return Result{}, err
	}

	from := s.account.Address()
	if _, err := s.provider.Call(ctx, ethereum.CallMsg{
		From:  from,
		To:    &s.cfg.ZapContract,
		Gas:   plan.GasLimit,
		Value: value,
		Data:  plan.Calldata,
	}); err != nil {
		return Result{}, err
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: plan.Fees.PriorityFee,
		GasFeeCap: plan.Fees.MaxFee,
		Gas:       plan.GasLimit,
		To:        &s.cfg.ZapContract,
		Value:     value,
		Data:      plan.Calldata,
	})
	signed, err := s.account.SignTx(chainID, tx)
	if err != nil {
		return Result{}, zaperr.Wrap(zaperr.CodeInternal, "sign transaction", err)
	}
	if err := s.provider.SendTransaction(ctx, signed); err != nil {
		return Result{}, err
	}
	s.logger.Info("transaction submitted",
		zap.String("tx", signed.Hash().Hex()),
		zap.Uint64("nonce", nonce),
		zap.String("max_fee_wei", plan.Fees.MaxFee.String()))

	receipt, err := s.provider.WaitForConfirmation(ctx, signed.Hash())
	if err != nil {
		return Result{}, err
	}
	result := Result{Plan: plan, TxHash: signed.Hash(), GasUsed: receipt.GasUsed}
	if receipt.BlockNumber != nil {
		result.BlockNumber = receipt.BlockNumber.Uint64()
	}
	s.logger.Info("transaction confirmed",
		zap.String("tx", result.TxHash.Hex()),
		zap.Uint64("block", result.BlockNumber),
		zap.Uint64("gas_used", result.GasUsed))
	return result, nil
}

// tokenMarketCap values the pool token in ETH terms: spot price from
// the reserve ratio times the token's total supply.
func (s *Service) tokenMarketCap(ctx context.Context, p pool) (decimal.Decimal, error) {
	supply, err := s.provider.TotalSupply(ctx, p.token)
	if err != nil {
		return decimal.Zero, err
	}
	if p.tokenReserve.Sign() <= 0 {
		return decimal.Zero, zaperr.New(zaperr.CodeUnavailable, "pool has zero token reserve")
	}
	capWei := new(big.Int).Mul(p.baseReserve, supply)
	capWei.Div(capWei, p.tokenReserve)
	return decimal.NewFromBigInt(capWei, -18), nil
}

// PositionView is a position valued against live reserves.
type PositionView struct {
	Position         ledger.Position
	CurrentValue     decimal.Decimal
	CurrentMarketCap decimal.Decimal
	ChangePct        decimal.Decimal
}

// ValuePosition prices a recorded position against the pool right now.
// The second return is false when the LP holding is gone, which means
// the position was closed outside this process.
func (s *Service) ValuePosition(ctx context.Context, position ledger.Position) (PositionView, bool, error) {
	pair := common.HexToAddress(position.PairAddress)
	p, err := s.readPool(ctx, pair)
	if err != nil {
		return PositionView{}, false, err
	}
	lpBalance, err := s.provider.BalanceOf(ctx, pair, s.account.Address())
	if err != nil {
		return PositionView{}, false, err
	}
	if lpBalance.Sign() <= 0 {
		return PositionView{Position: position}, false, nil
	}
	lpSupply, err := s.provider.TotalSupply(ctx, pair)
	if err != nil {
		return PositionView{}, false, err
	}
	if lpSupply.Sign() <= 0 {
		return PositionView{}, false, zaperr.New(zaperr.CodeUnavailable, "pair reports zero LP supply")
	}

	// An LP share is worth twice its base-side claim at the current
	// spot price.
	valueWei := new(big.Int).Mul(p.baseReserve, lpBalance)
	valueWei.Mul(valueWei, big.NewInt(2))
	valueWei.Div(valueWei, lpSupply)

	marketCap, err := s.tokenMarketCap(ctx, p)
	if err != nil {
		return PositionView{}, false, err
	}

	view := PositionView{
		Position:         position,
		CurrentValue:     decimal.NewFromBigInt(valueWei, -18),
		CurrentMarketCap: marketCap,
	}
	if position.InitialMarketCap.Sign() > 0 {
		view.ChangePct = marketCap.Sub(position.InitialMarketCap).
			Div(position.InitialMarketCap).
			Mul(decimal.NewFromInt(100)).
			Round(2)
	}
	return view, true, nil
}
