// Package balance checks that the custodial account can actually fund
// a transaction before it is signed, so insufficient funds surface as
// a clear preflight error instead of a node rejection.
package balance

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"
	"go.uber.org/zap"

	"github.com/NimaZeighami/Uniswap-V2-Zapper/internal/chain"
	zaperr "github.com/NimaZeighami/Uniswap-V2-Zapper/internal/errors"
)

type Validator struct {
	provider chain.Provider
	logger   *zap.Logger
}

func NewValidator(provider chain.Provider, logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{provider: provider, logger: logger}
}

// Check verifies that the account balance covers the spend amount plus
// the worst-case fee (maxFee * gasLimit). A passing check is not a
// guarantee: the balance can still move between check and broadcast.
func (v *Validator) Check(ctx context.Context, account common.Address, spend, maxFeePerGas *big.Int, gasLimit uint64) error {
	current, err := v.provider.EthBalance(ctx, account)
	if err != nil {
		return err
	}

	feeBudget := new(big.Int).Mul(maxFeePerGas, new(big.Int).SetUint64(gasLimit))
	required := new(big.Int).Add(spend, feeBudget)
	if current.Cmp(required) >= 0 {
		v.logger.Debug("balance check passed",
			zap.String("account", account.Hex()),
			zap.String("required_wei", required.String()),
			zap.String("balance_wei", current.String()))
		return nil
	}

	shortfall := new(big.Int).Sub(required, current)
	return zaperr.New(zaperr.CodeInsufficientFunds, fmt.Sprintf(
		"insufficient funds: need %s ETH (%s spend + %s fee budget), have %s ETH, short %s ETH",
		fmtEth(required), fmtEth(spend), fmtEth(feeBudget), fmtEth(current), fmtEth(shortfall)))
}

func fmtEth(wei *big.Int) string {
	f := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(params.Ether))
	return f.Text('f', 6)
}
