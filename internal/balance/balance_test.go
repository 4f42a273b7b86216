package balance

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	zaperr "github.com/NimaZeighami/Uniswap-V2-Zapper/internal/errors"
)

type fakeProvider struct {
	balance *big.Int
	err     error
}

func (f *fakeProvider) EthBalance(context.Context, common.Address) (*big.Int, error) {
	if f.err != nil {
		return nil, f.err
	}
	return new(big.Int).Set(f.balance), nil
}

func (f *fakeProvider) GetReserves(context.Context, common.Address) (*big.Int, *big.Int, error) {
	return nil, nil, errors.New("not implemented")
}
func (f *fakeProvider) Token0(context.Context, common.Address) (common.Address, error) {
	return common.Address{}, errors.New("not implemented")
}
func (f *fakeProvider) Token1(context.Context, common.Address) (common.Address, error) {
	return common.Address{}, errors.New("not implemented")
}
func (f *fakeProvider) TotalSupply(context.Context, common.Address) (*big.Int, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeProvider) BalanceOf(context.Context, common.Address, common.Address) (*big.Int, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeProvider) SuggestFees(context.Context) (*big.Int, *big.Int, error) {
	return nil, nil, errors.New("not implemented")
}
func (f *fakeProvider) ChainID(context.Context) (*big.Int, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeProvider) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return 0, errors.New("not implemented")
}
func (f *fakeProvider) Call(context.Context, ethereum.CallMsg) ([]byte, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeProvider) SendTransaction(context.Context, *types.Transaction) error {
	return errors.New("not implemented")
}
func (f *fakeProvider) WaitForConfirmation(context.Context, common.Hash) (*types.Receipt, error) {
	return nil, errors.New("not implemented")
}

var account = common.HexToAddress("0x1111111111111111111111111111111111111111")

func eth(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000_000_000_000))
}

func TestCheckPassesWithExactBudget(t *testing.T) {
	// spend 1 ETH, fee budget 100 gwei * 400k gas = 0.04 ETH
	maxFee := big.NewInt(100_000_000_000)
	required := new(big.Int).Add(eth(1), new(big.Int).Mul(maxFee, big.NewInt(400_000)))

	v := NewValidator(&fakeProvider{balance: required}, nil)
	if err := v.Check(context.Background(), account, eth(1), maxFee, 400_000); err != nil {
		t.Fatalf("exact balance should pass: %v", err)
	}
}

func TestCheckFailsOneWeiShort(t *testing.T) {
	maxFee := big.NewInt(100_000_000_000)
	required := new(big.Int).Add(eth(1), new(big.Int).Mul(maxFee, big.NewInt(400_000)))
	short := new(big.Int).Sub(required, big.NewInt(1))

	v := NewValidator(&fakeProvider{balance: short}, nil)
	err := v.Check(context.Background(), account, eth(1), maxFee, 400_000)
	if err == nil {
		t.Fatal("expected insufficient funds error")
	}
	ze, ok := zaperr.As(err)
	if !ok || ze.Code != zaperr.CodeInsufficientFunds {
		t.Fatalf("expected CodeInsufficientFunds, got %v", err)
	}
	if !strings.Contains(ze.Message, "short") {
		t.Fatalf("error should name the shortfall, got %q", ze.Message)
	}
}

func TestCheckChargesFeeBudgetEvenForZeroSpend(t *testing.T) {
	// A zap-out spends no ETH but still burns gas.
	maxFee := big.NewInt(50_000_000_000)
	v := NewValidator(&fakeProvider{balance: big.NewInt(0)}, nil)
	err := v.Check(context.Background(), account, big.NewInt(0), maxFee, 450_000)
	if err == nil {
		t.Fatal("expected failure with zero balance and nonzero gas budget")
	}
	if ze, ok := zaperr.As(err); !ok || ze.Code != zaperr.CodeInsufficientFunds {
		t.Fatalf("expected CodeInsufficientFunds, got %v", err)
	}
}

func TestCheckPropagatesProviderError(t *testing.T) {
	v := NewValidator(&fakeProvider{err: zaperr.New(zaperr.CodeUnavailable, "rpc down")}, nil)
	err := v.Check(context.Background(), account, eth(1), big.NewInt(1), 21_000)
	if ze, ok := zaperr.As(err); !ok || ze.Code != zaperr.CodeUnavailable {
		t.Fatalf("expected provider error to pass through, got %v", err)
	}
}
