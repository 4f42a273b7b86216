package zapper

import (
	"context"
	"math/big"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/NimaZeighami/Uniswap-V2-Zapper/internal/amm"
	"github.com/NimaZeighami/Uniswap-V2-Zapper/internal/balance"
	zaperr "github.com/NimaZeighami/Uniswap-V2-Zapper/internal/errors"
	"github.com/NimaZeighami/Uniswap-V2-Zapper/internal/gas"
	"github.com/NimaZeighami/Uniswap-V2-Zapper/internal/ledger"
	"github.com/NimaZeighami/Uniswap-V2-Zapper/internal/signer"
)

var (
	wethAddr    = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	tokenAddr   = common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F")
	pairAddr    = common.HexToAddress("0xA478c2975Ab1Ea89e8196811F51A7B7Ade33eB11")
	zapContract = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

// Hardhat's first well-known development key.
const testKeyHex = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func eth(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000_000_000_000))
}

type fakeChain struct {
	reserve0, reserve1 *big.Int
	lpSupply           *big.Int
	tokenSupply        *big.Int
	lpBalance          *big.Int
	ethBalance         *big.Int

	callErr error
	sent    []*types.Transaction
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		reserve0:    eth(100),      // WETH side
		reserve1:    eth(1000),     // token side
		lpSupply:    eth(300),      // LP token supply
		tokenSupply: eth(10_000),   // token total supply
		lpBalance:   eth(3),        // account's LP holding
		ethBalance:  eth(1000),
	}
}

func (f *fakeChain) GetReserves(context.Context, common.Address) (*big.Int, *big.Int, error) {
	return new(big.Int).Set(f.reserve0), new(big.Int).Set(f.reserve1), nil
}
func (f *fakeChain) Token0(context.Context, common.Address) (common.Address, error) {
	return wethAddr, nil
}
func (f *fakeChain) Token1(context.Context, common.Address) (common.Address, error) {
	return tokenAddr, nil
}
func (f *fakeChain) TotalSupply(_ context.Context, token common.Address) (*big.Int, error) {
	if token == pairAddr {
		return new(big.Int).Set(f.lpSupply), nil
	}
	return new(big.Int).Set(f.tokenSupply), nil
}
func (f *fakeChain) BalanceOf(context.Context, common.Address, common.Address) (*big.Int, error) {
	return new(big.Int).Set(f.lpBalance), nil
}
func (f *fakeChain) EthBalance(context.Context, common.Address) (*big.Int, error) {
	return new(big.Int).Set(f.ethBalance), nil
}
func (f *fakeChain) SuggestFees(context.Context) (*big.Int, *big.Int, error) {
	return big.NewInt(2_000_000_000), big.NewInt(10_000_000_000), nil
}
func (f *fakeChain) ChainID(context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}
func (f *fakeChain) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return 7, nil
}
func (f *fakeChain) Call(context.Context, ethereum.CallMsg) ([]byte, error) {
	if f.callErr != nil {
		return nil, f.callErr
	}
	return nil, nil
}
func (f *fakeChain) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.sent = append(f.sent, tx)
	return nil
}
func (f *fakeChain) WaitForConfirmation(context.Context, common.Hash) (*types.Receipt, error) {
	return &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		GasUsed:     321_000,
		BlockNumber: big.NewInt(123),
	}, nil
}

func newTestService(t *testing.T, provider *fakeChain) (*Service, *ledger.Store) {
	t.Helper()
	dir := t.TempDir()
	store, err := ledger.Open(filepath.Join(dir, "positions.db"), filepath.Join(dir, "positions.lock"), nil)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	account, err := signer.NewLocalFromHex(testKeyHex)
	if err != nil {
		t.Fatalf("test signer: %v", err)
	}
	static := gas.NewStaticSource(gas.Config{
		SpeedTier:          gas.TierStandard,
		MaxFeeGwei:         300,
		MinPriorityFeeGwei: 1,
		StaticGwei:         30,
	})
	resolver := gas.NewResolver(nil, time.Minute, static)

	svc, err := NewService(provider, resolver, balance.NewValidator(provider, nil), store, account, Config{
		ZapContract:    zapContract,
		WETH:           wethAddr,
		ZapInGasLimit:  400_000,
		ZapOutGasLimit: 450_000,
		Slippage:       amm.Policy{Dynamic: true, MinBps: 50, MaxBps: 4900, StaticBps: 100},
	}, nil)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc, store
}

func TestPrepareZapIn(t *testing.T) {
	svc, _ := newTestService(t, newFakeChain())

	plan, err := svc.PrepareZapIn(context.Background(), pairAddr, eth(1))
	if err != nil {
		t.Fatalf("PrepareZapIn failed: %v", err)
	}
	if plan.Token != tokenAddr {
		t.Fatalf("expected non-WETH token side, got %s", plan.Token.Hex())
	}
	if plan.ProjectedOut.Sign() <= 0 {
		t.Fatal("projected output should be positive")
	}
	if plan.MinAmountOut.Cmp(plan.ProjectedOut) >= 0 {
		t.Fatalf("min out %s must be below projected %s", plan.MinAmountOut, plan.ProjectedOut)
	}
	// 1 ETH into a 100 ETH pool moves price just under 2%.
	if plan.SlippageBps != 100 {
		t.Fatalf("expected 100 bps tolerance, got %d", plan.SlippageBps)
	}
	if plan.GasLimit != 400_000 {
		t.Fatalf("unexpected gas limit %d", plan.GasLimit)
	}
	if plan.Fees.MaxFee == nil || plan.Fees.MaxFee.Sign() <= 0 {
		t.Fatal("plan carries no fee quote")
	}

	parsed, err := abi.JSON(strings.NewReader(zapABIJSON))
	if err != nil {
		t.Fatalf("parse abi: %v", err)
	}
	args, err := parsed.Methods["zapInETH"].Inputs.Unpack(plan.Calldata[4:])
	if err != nil {
		t.Fatalf("unpack calldata: %v", err)
	}
	if got := args[0].(common.Address); got != pairAddr {
		t.Fatalf("calldata pair mismatch: %s", got.Hex())
	}
	if got := args[1].(*big.Int); got.Cmp(plan.MinAmountOut) != 0 {
		t.Fatalf("calldata min out mismatch: %s vs %s", got, plan.MinAmountOut)
	}
}

func TestPrepareZapInRejectsBadInput(t *testing.T) {
	svc, _ := newTestService(t, newFakeChain())
	ctx := context.Background()

	if _, err := svc.PrepareZapIn(ctx, pairAddr, big.NewInt(0)); err == nil {
		t.Fatal("expected error for zero amount")
	}
	if _, err := svc.PrepareZapIn(ctx, pairAddr, nil); err == nil {
		t.Fatal("expected error for nil amount")
	}
}

func TestPrepareZapInRejectsPairWithoutWETH(t *testing.T) {
	provider := newFakeChain()
	svc, _ := newTestService(t, provider)
	// Point WETH somewhere neither pool token matches.
	svc.cfg.WETH = common.HexToAddress("0x9999999999999999999999999999999999999999")

	_, err := svc.PrepareZapIn(context.Background(), pairAddr, eth(1))
	if ze, ok := zaperr.As(err); !ok || ze.Code != zaperr.CodeUsage {
		t.Fatalf("expected usage error, got %v", err)
	}
}

func TestZapInRecordsPosition(t *testing.T) {
	provider := newFakeChain()
	svc, store := newTestService(t, provider)
	ctx := context.Background()

	result, err := svc.ZapIn(ctx, pairAddr, eth(1))
	if err != nil {
		t.Fatalf("ZapIn failed: %v", err)
	}
	if len(provider.sent) != 1 {
		t.Fatalf("expected one broadcast, got %d", len(provider.sent))
	}
	tx := provider.sent[0]
	if tx.To() == nil || *tx.To() != zapContract {
		t.Fatalf("transaction not addressed to zap contract: %v", tx.To())
	}
	if tx.Value().Cmp(eth(1)) != 0 {
		t.Fatalf("unexpected tx value %s", tx.Value())
	}
	if tx.Type() != types.DynamicFeeTxType {
		t.Fatalf("expected dynamic fee tx, got type %d", tx.Type())
	}
	if result.GasUsed != 321_000 || result.BlockNumber != 123 {
		t.Fatalf("receipt not reflected in result: %+v", result)
	}

	p, ok, err := store.Get(ctx, tokenAddr.Hex())
	if err != nil || !ok {
		t.Fatalf("position not recorded: ok=%v err=%v", ok, err)
	}
	if !p.InitialBaseValue.Equal(decimal.RequireFromString("1")) {
		t.Fatalf("unexpected base value %s", p.InitialBaseValue)
	}
	// market cap = baseReserve * tokenSupply / tokenReserve
	//            = 100 * 10000 / 1000 = 1000 ETH
	if !p.InitialMarketCap.Equal(decimal.RequireFromString("1000")) {
		t.Fatalf("unexpected market cap %s", p.InitialMarketCap)
	}
}

func TestZapInStopsOnInsufficientFunds(t *testing.T) {
	provider := newFakeChain()
	provider.ethBalance = big.NewInt(1)
	svc, _ := newTestService(t, provider)

	_, err := svc.ZapIn(context.Background(), pairAddr, eth(1))
	if ze, ok := zaperr.As(err); !ok || ze.Code != zaperr.CodeInsufficientFunds {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if len(provider.sent) != 0 {
		t.Fatal("nothing should be broadcast after a failed funds check")
	}
}

func TestZapInSimulationRevertStopsBroadcast(t *testing.T) {
	provider := newFakeChain()
	provider.callErr = zaperr.New(zaperr.CodeReverted, "call reverted")
	svc, _ := newTestService(t, provider)

	_, err := svc.ZapIn(context.Background(), pairAddr, eth(1))
	if ze, ok := zaperr.As(err); !ok || ze.Code != zaperr.CodeReverted {
		t.Fatalf("expected revert error, got %v", err)
	}
	if len(provider.sent) != 0 {
		t.Fatal("reverted simulation must not broadcast")
	}
}

func TestZapInReportsLedgerFailureWithTxHash(t *testing.T) {
	provider := newFakeChain()
	svc, store := newTestService(t, provider)

	// A closed store makes every write fail, standing in for a broken
	// ledger discovered only after the trade confirmed.
	_ = store.Close()

	result, err := svc.ZapIn(context.Background(), pairAddr, eth(1))
	ze, ok := zaperr.As(err)
	if !ok || ze.Code != zaperr.CodePersistence {
		t.Fatalf("expected persistence error, got %v", err)
	}
	if result.TxHash == (common.Hash{}) {
		t.Fatal("result should still carry the confirmed tx hash")
	}
	if !strings.Contains(ze.Message, result.TxHash.Hex()) {
		t.Fatalf("error should name the tx hash, got %q", ze.Message)
	}
}

func TestPrepareZapOut(t *testing.T) {
	svc, _ := newTestService(t, newFakeChain())

	plan, err := svc.PrepareZapOut(context.Background(), pairAddr, 5000)
	if err != nil {
		t.Fatalf("PrepareZapOut failed: %v", err)
	}
	// Half of 3 LP out of 300 total is a 0.5% pool share: the burn
	// returns ~0.5 ETH plus the swapped token half.
	if plan.ProjectedOut.Cmp(eth(1)) >= 0 || plan.ProjectedOut.Cmp(new(big.Int).Div(eth(1), big.NewInt(2))) < 0 {
		t.Fatalf("projected ETH out of expected range: %s", plan.ProjectedOut)
	}
	if plan.MinAmountOut.Cmp(plan.ProjectedOut) >= 0 {
		t.Fatal("min out must be below projected")
	}
	if plan.GasLimit != 450_000 {
		t.Fatalf("unexpected gas limit %d", plan.GasLimit)
	}
}

func TestPrepareZapOutRejectsBadFraction(t *testing.T) {
	svc, _ := newTestService(t, newFakeChain())
	ctx := context.Background()

	if _, err := svc.PrepareZapOut(ctx, pairAddr, 0); err == nil {
		t.Fatal("expected error for zero fraction")
	}
	if _, err := svc.PrepareZapOut(ctx, pairAddr, 10_001); err == nil {
		t.Fatal("expected error for oversized fraction")
	}
}

func TestPrepareZapOutRequiresHolding(t *testing.T) {
	provider := newFakeChain()
	provider.lpBalance = big.NewInt(0)
	svc, _ := newTestService(t, provider)

	_, err := svc.PrepareZapOut(context.Background(), pairAddr, 10_000)
	if ze, ok := zaperr.As(err); !ok || ze.Code != zaperr.CodeUsage {
		t.Fatalf("expected usage error for empty holding, got %v", err)
	}
}

func TestZapOutFullExitClosesPosition(t *testing.T) {
	provider := newFakeChain()
	svc, store := newTestService(t, provider)
	ctx := context.Background()

	if err := store.RecordEntry(ctx, tokenAddr.Hex(), pairAddr.Hex(),
		decimal.RequireFromString("1"), decimal.RequireFromString("1000")); err != nil {
		t.Fatalf("seed position: %v", err)
	}

	if _, err := svc.ZapOut(ctx, pairAddr, ledger.FullExitBps); err != nil {
		t.Fatalf("ZapOut failed: %v", err)
	}
	if _, ok, err := store.Get(ctx, tokenAddr.Hex()); err != nil || ok {
		t.Fatalf("full exit should close the position: ok=%v err=%v", ok, err)
	}
}

func TestZapOutPartialKeepsPosition(t *testing.T) {
	provider := newFakeChain()
	svc, store := newTestService(t, provider)
	ctx := context.Background()

	if err := store.RecordEntry(ctx, tokenAddr.Hex(), pairAddr.Hex(),
		decimal.RequireFromString("2"), decimal.RequireFromString("500")); err != nil {
		t.Fatalf("seed position: %v", err)
	}

	if _, err := svc.ZapOut(ctx, pairAddr, 2500); err != nil {
		t.Fatalf("ZapOut failed: %v", err)
	}
	p, ok, err := store.Get(ctx, tokenAddr.Hex())
	if err != nil || !ok {
		t.Fatalf("partial exit should keep the position: ok=%v err=%v", ok, err)
	}
	if !p.InitialBaseValue.Equal(decimal.RequireFromString("2")) {
		t.Fatalf("partial exit must not touch the basis, got %s", p.InitialBaseValue)
	}
}

func TestValuePosition(t *testing.T) {
	provider := newFakeChain()
	svc, store := newTestService(t, provider)
	ctx := context.Background()

	if err := store.RecordEntry(ctx, tokenAddr.Hex(), pairAddr.Hex(),
		decimal.RequireFromString("1"), decimal.RequireFromString("800")); err != nil {
		t.Fatalf("seed position: %v", err)
	}
	p, _, err := store.Get(ctx, tokenAddr.Hex())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	view, open, err := svc.ValuePosition(ctx, p)
	if err != nil {
		t.Fatalf("ValuePosition failed: %v", err)
	}
	if !open {
		t.Fatal("position with LP balance should be open")
	}
	// 3 LP of 300 over a 100 ETH base reserve: 2 * 100 * 3/300 = 2 ETH.
	if !view.CurrentValue.Equal(decimal.RequireFromString("2")) {
		t.Fatalf("unexpected current value %s", view.CurrentValue)
	}
	if !view.CurrentMarketCap.Equal(decimal.RequireFromString("1000")) {
		t.Fatalf("unexpected market cap %s", view.CurrentMarketCap)
	}
	// 800 -> 1000 is +25%.
	if !view.ChangePct.Equal(decimal.RequireFromString("25")) {
		t.Fatalf("unexpected change pct %s", view.ChangePct)
	}
}

func TestValuePositionDetectsClosedHolding(t *testing.T) {
	provider := newFakeChain()
	provider.lpBalance = big.NewInt(0)
	svc, store := newTestService(t, provider)
	ctx := context.Background()

	if err := store.RecordEntry(ctx, tokenAddr.Hex(), pairAddr.Hex(),
		decimal.RequireFromString("1"), decimal.RequireFromString("800")); err != nil {
		t.Fatalf("seed position: %v", err)
	}
	p, _, _ := store.Get(ctx, tokenAddr.Hex())

	_, open, err := svc.ValuePosition(ctx, p)
	if err != nil {
		t.Fatalf("ValuePosition failed: %v", err)
	}
	if open {
		t.Fatal("zero LP balance should report the position closed")
	}
}
