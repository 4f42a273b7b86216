// Package amm implements constant-product pool math for Uniswap-V2
// style pairs: projected output, price impact, and the impact-driven
// slippage tolerance model. Everything here is pure and I/O free.
package amm

import (
	"math"
	"math/big"
)

// The pair charges a 0.3% swap fee: amountIn is scaled by 997/1000
// before the constant-product division.
var (
	feeNumerator   = big.NewInt(997)
	feeDenominator = big.NewInt(1000)
	bpsDenominator = big.NewInt(10000)
)

// Policy bounds the slippage tolerance model.
type Policy struct {
	Dynamic   bool
	MinBps    int64
	MaxBps    int64
	StaticBps int64
}

// AmountOut returns the projected swap output under x*y=k with the
// 0.3% fee applied. Degenerate inputs (zero or negative amounts or
// reserves) yield zero by convention.
func AmountOut(amountIn, reserveIn, reserveOut *big.Int) *big.Int {
	if amountIn == nil || reserveIn == nil || reserveOut == nil {
		return new(big.Int)
	}
	if amountIn.Sign() <= 0 || reserveIn.Sign() <= 0 || reserveOut.Sign() <= 0 {
		return new(big.Int)
	}
	amountInWithFee := new(big.Int).Mul(amountIn, feeNumerator)
	numerator := new(big.Int).Mul(amountInWithFee, reserveOut)
	denominator := new(big.Int).Mul(reserveIn, feeDenominator)
	denominator.Add(denominator, amountInWithFee)
	return numerator.Div(numerator, denominator)
}

// PriceImpactPct returns the relative move of the pool price caused by
// swapping amountIn, in percent. Zero for degenerate inputs.
func PriceImpactPct(amountIn, reserveIn, reserveOut *big.Int) float64 {
	if amountIn == nil || reserveIn == nil || reserveOut == nil {
		return 0
	}
	if amountIn.Sign() <= 0 || reserveIn.Sign() <= 0 || reserveOut.Sign() <= 0 {
		return 0
	}
	out := AmountOut(amountIn, reserveIn, reserveOut)
	newReserveIn := new(big.Int).Add(reserveIn, amountIn)
	newReserveOut := new(big.Int).Sub(reserveOut, out)
	if newReserveOut.Sign() <= 0 {
		return 100
	}

	before := new(big.Rat).SetFrac(reserveOut, reserveIn)
	after := new(big.Rat).SetFrac(newReserveOut, newReserveIn)
	diff := new(big.Rat).Sub(after, before)
	diff.Abs(diff)
	impact := new(big.Rat).Quo(diff, before)
	impact.Mul(impact, big.NewRat(100, 1))
	f, _ := impact.Float64()
	return f
}

// SlippageBps maps the price impact of the prospective trade to a
// slippage tolerance in basis points. Band edges belong to the band
// they open. With dynamic mode disabled the static default is returned
// without running the impact model.
func SlippageBps(amountIn, reserveIn, reserveOut *big.Int, p Policy) int64 {
	if !p.Dynamic {
		return p.StaticBps
	}
	impact := PriceImpactPct(amountIn, reserveIn, reserveOut)
	switch {
	case impact < 0.5:
		return p.MinBps
	case impact < 2:
		return 100
	case impact < 5:
		return 200
	case impact < 10:
		return 500
	default:
		scaled := int64(math.Ceil(impact * 100))
		if scaled > p.MaxBps {
			return p.MaxBps
		}
		return scaled
	}
}

// MinAmountOut applies a tolerance in basis points to a projected
// output: projected * (10000 - bps) / 10000.
func MinAmountOut(projected *big.Int, toleranceBps int64) *big.Int {
	if projected == nil || projected.Sign() <= 0 {
		return new(big.Int)
	}
	keep := big.NewInt(10000 - toleranceBps)
	if keep.Sign() < 0 {
		return new(big.Int)
	}
	out := new(big.Int).Mul(projected, keep)
	return out.Div(out, bpsDenominator)
}
