// Package gas produces EIP-1559 fee quotes through an ordered fallback
// chain: external gas oracle, connected node, static default. Resolve
// never fails; the static tier always yields a usable quote.
package gas

import (
	"context"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/NimaZeighami/Uniswap-V2-Zapper/internal/cache"
)

// Quote source labels, recorded for operator diagnosis.
const (
	SourceOracle = "primary-oracle"
	SourceNode   = "node-fallback"
	SourceStatic = "static-default"
)

// Speed tiers. Instant is priced as fast scaled by 1.2.
const (
	TierSafe     = "safe"
	TierStandard = "standard"
	TierFast     = "fast"
	TierInstant  = "instant"
)

// Quote is one immutable fee quote. PriorityFee never exceeds MaxFee;
// newQuote clamps on construction.
type Quote struct {
	BaseFee     *big.Int
	PriorityFee *big.Int
	MaxFee      *big.Int
	SpeedTier   string
	Source      string
}

// Source is one tier of the fallback chain.
type Source interface {
	Name() string
	Quote(ctx context.Context) (Quote, error)
}

// newQuote caps maxFee at ceiling and clamps the priority fee down to
// the capped max fee. A priority fee above the max fee is rejected by
// the network, so the clamp is unconditional.
func newQuote(baseFee, priorityFee, maxFee, ceiling *big.Int, tier, source string) Quote {
	maxFee = new(big.Int).Set(maxFee)
	if ceiling != nil && ceiling.Sign() > 0 && maxFee.Cmp(ceiling) > 0 {
		maxFee.Set(ceiling)
	}
	priorityFee = new(big.Int).Set(priorityFee)
	if priorityFee.Cmp(maxFee) > 0 {
		priorityFee.Set(maxFee)
	}
	if baseFee == nil {
		baseFee = new(big.Int)
	}
	return Quote{
		BaseFee:     new(big.Int).Set(baseFee),
		PriorityFee: priorityFee,
		MaxFee:      maxFee,
		SpeedTier:   tier,
		Source:      source,
	}
}

// Resolver tries its sources in strict order and memoizes the winning
// quote under a short TTL so a burst of interactions triggers one
// upstream round trip.
type Resolver struct {
	sources []Source
	static  Source
	memo    *cache.Memo[Quote]
	ttl     time.Duration
	logger  *zap.Logger
}

// NewResolver builds a resolver over the given tiers. The static tier
// is always tried last and cannot fail.
func NewResolver(logger *zap.Logger, ttl time.Duration, static Source, sources ...Source) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		sources: sources,
		static:  static,
		memo:    cache.NewMemo[Quote](logger.Named("gascache")),
		ttl:     ttl,
		logger:  logger,
	}
}

// Resolve returns a usable fee quote. It never fails: every tier
// failure falls through to the next, and the final static tier always
// succeeds.
func (r *Resolver) Resolve(ctx context.Context) Quote {
	quote, err := r.memo.GetOrFetch(ctx, "fee-quote", r.ttl, r.fetch)
	if err != nil {
		// Unreachable while a static tier is configured; kept so a
		// miswired resolver still returns something submittable.
		quote, _ = r.static.Quote(ctx)
	}
	return quote
}

func (r *Resolver) fetch(ctx context.Context) (Quote, error) {
	for _, source := range r.sources {
		quote, err := source.Quote(ctx)
		if err != nil {
			r.logger.Warn("gas source failed, trying next tier",
				zap.String("source", source.Name()),
				zap.Error(err))
			continue
		}
		r.logQuote(quote)
		return quote, nil
	}
	quote, err := r.static.Quote(ctx)
	if err != nil {
		return Quote{}, err
	}
	r.logQuote(quote)
	return quote, nil
}

func (r *Resolver) logQuote(q Quote) {
	r.logger.Info("resolved gas quote",
		zap.String("source", q.Source),
		zap.String("tier", q.SpeedTier),
		zap.String("base_fee_wei", q.BaseFee.String()),
		zap.String("priority_fee_wei", q.PriorityFee.String()),
		zap.String("max_fee_wei", q.MaxFee.String()))
}

// gweiToWei converts a fractional gwei amount to integer wei.
func gweiToWei(gwei float64) *big.Int {
	if gwei <= 0 {
		return new(big.Int)
	}
	f := new(big.Float).Mul(big.NewFloat(gwei), big.NewFloat(1e9))
	wei, _ := f.Int(nil)
	return wei
}
