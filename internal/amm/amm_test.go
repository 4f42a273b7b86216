package amm

import (
	"math/big"
	"testing"
)

func eth(n int64) *big.Int {
	wei := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	return wei.Mul(wei, big.NewInt(n))
}

func TestAmountOutZeroInputIsZero(t *testing.T) {
	out := AmountOut(big.NewInt(0), eth(100), eth(100))
	if out.Sign() != 0 {
		t.Fatalf("expected zero output, got %s", out)
	}
	if out := AmountOut(eth(1), big.NewInt(0), eth(100)); out.Sign() != 0 {
		t.Fatalf("zero reserveIn must yield zero, got %s", out)
	}
	if out := AmountOut(eth(1), eth(100), big.NewInt(0)); out.Sign() != 0 {
		t.Fatalf("zero reserveOut must yield zero, got %s", out)
	}
	if out := AmountOut(nil, nil, nil); out.Sign() != 0 {
		t.Fatalf("nil inputs must yield zero, got %s", out)
	}
}

func TestAmountOutMonotoneInAmountIn(t *testing.T) {
	reserveIn := eth(1000)
	reserveOut := eth(500)
	prev := new(big.Int)
	for n := int64(1); n <= 50; n += 7 {
		out := AmountOut(eth(n), reserveIn, reserveOut)
		if out.Cmp(prev) <= 0 {
			t.Fatalf("output not strictly increasing at amountIn=%d: %s <= %s", n, out, prev)
		}
		prev = out
	}
}

func TestAmountOutKnownValue(t *testing.T) {
	// 1 in against 100/100: 0.997*100/(100+0.997) ≈ 0.987158...
	out := AmountOut(eth(1), eth(100), eth(100))
	want, _ := new(big.Int).SetString("987158034397061298", 10)
	if out.Cmp(want) != 0 {
		t.Fatalf("unexpected output: got %s want %s", out, want)
	}
}

func TestPriceImpactSmallTradeIsSmall(t *testing.T) {
	impact := PriceImpactPct(eth(1), eth(10000), eth(10000))
	if impact <= 0 || impact >= 0.5 {
		t.Fatalf("expected small positive impact, got %f", impact)
	}
}

func TestPriceImpactDegenerateIsZero(t *testing.T) {
	if impact := PriceImpactPct(eth(1), big.NewInt(0), eth(1)); impact != 0 {
		t.Fatalf("expected zero impact for zero reserves, got %f", impact)
	}
}

func TestSlippageBpsBands(t *testing.T) {
	policy := Policy{Dynamic: true, MinBps: 50, MaxBps: 4900}

	cases := []struct {
		name            string
		amountIn        *big.Int
		reserveIn       *big.Int
		wantExact       int64
		wantAtLeast     int64
		checkUpperBound bool
	}{
		// ~0.02% impact
		{name: "tiny trade uses configured minimum", amountIn: eth(1), reserveIn: eth(10000), wantExact: 50},
		// ~2% impact band
		{name: "one percent band", amountIn: eth(50), reserveIn: eth(10000), wantExact: 100},
		// [2,5) band
		{name: "two percent band", amountIn: eth(150), reserveIn: eth(10000), wantExact: 200},
		// [5,10) band
		{name: "five percent band", amountIn: eth(350), reserveIn: eth(10000), wantExact: 500},
		// >=10% impact scales with impact, capped at max
		{name: "large trade scales", amountIn: eth(1500), reserveIn: eth(10000), wantAtLeast: 1000, checkUpperBound: true},
	}

	for _, tc := range cases {
		got := SlippageBps(tc.amountIn, tc.reserveIn, eth(10000), policy)
		if tc.wantExact != 0 && got != tc.wantExact {
			t.Fatalf("%s: got %d want %d", tc.name, got, tc.wantExact)
		}
		if tc.wantAtLeast != 0 && got < tc.wantAtLeast {
			t.Fatalf("%s: got %d want >= %d", tc.name, got, tc.wantAtLeast)
		}
		if got < policy.MinBps || got > policy.MaxBps {
			t.Fatalf("%s: tolerance %d outside [%d,%d]", tc.name, got, policy.MinBps, policy.MaxBps)
		}
	}
}

func TestSlippageBpsCapAtMax(t *testing.T) {
	policy := Policy{Dynamic: true, MinBps: 50, MaxBps: 1000}
	got := SlippageBps(eth(5000), eth(10000), eth(10000), policy)
	if got != 1000 {
		t.Fatalf("expected cap at max, got %d", got)
	}
}

func TestSlippageBpsStaticWhenDisabled(t *testing.T) {
	policy := Policy{Dynamic: false, MinBps: 50, MaxBps: 4900, StaticBps: 75}
	got := SlippageBps(eth(5000), eth(10000), eth(10000), policy)
	if got != 75 {
		t.Fatalf("expected static default, got %d", got)
	}
}

func TestMinAmountOut(t *testing.T) {
	projected := big.NewInt(10000)
	if got := MinAmountOut(projected, 100); got.Cmp(big.NewInt(9900)) != 0 {
		t.Fatalf("expected 9900, got %s", got)
	}
	if got := MinAmountOut(projected, 0); got.Cmp(projected) != 0 {
		t.Fatalf("expected unchanged, got %s", got)
	}
	if got := MinAmountOut(nil, 100); got.Sign() != 0 {
		t.Fatalf("expected zero for nil projected, got %s", got)
	}
}
