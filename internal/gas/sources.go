package gas

import (
	"context"
	"fmt"
	"math/big"
	"net/url"
	"strconv"
	"strings"

	zaperr "github.com/NimaZeighami/Uniswap-V2-Zapper/internal/errors"
	"github.com/NimaZeighami/Uniswap-V2-Zapper/internal/httpx"
)

// Config carries the fee policy shared by all tiers.
type Config struct {
	SpeedTier          string
	Multiplier         float64
	MaxFeeGwei         float64
	MinPriorityFeeGwei float64
	StaticGwei         float64
}

func (c Config) ceilingWei() *big.Int     { return gweiToWei(c.MaxFeeGwei) }
func (c Config) minPriorityWei() *big.Int { return gweiToWei(c.MinPriorityFeeGwei) }

// oracleSource queries an Etherscan-style gas oracle for named fee
// tiers plus a suggested base fee.
type oracleSource struct {
	http   *httpx.Client
	url    string
	apiKey string
	cfg    Config
}

func NewOracleSource(client *httpx.Client, oracleURL, apiKey string, cfg Config) Source {
	return &oracleSource{http: client, url: oracleURL, apiKey: apiKey, cfg: cfg}
}

func (s *oracleSource) Name() string { return SourceOracle }

type oracleResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Result  struct {
		SafeGasPrice    string `json:"SafeGasPrice"`
		ProposeGasPrice string `json:"ProposeGasPrice"`
		FastGasPrice    string `json:"FastGasPrice"`
		SuggestBaseFee  string `json:"suggestBaseFee"`
	} `json:"result"`
}

func (s *oracleSource) Quote(ctx context.Context) (Quote, error) {
	query := url.Values{}
	query.Set("module", "gastracker")
	query.Set("action", "gasoracle")
	if s.apiKey != "" {
		query.Set("apikey", s.apiKey)
	}

	var resp oracleResponse
	if _, err := httpx.GetJSON(ctx, s.http, s.url+"?"+query.Encode(), &resp); err != nil {
		return Quote{}, err
	}
	if resp.Status != "1" {
		return Quote{}, zaperr.New(zaperr.CodeUnavailable, fmt.Sprintf("gas oracle rejected request: %s", resp.Message))
	}

	safe, err := parseGwei(resp.Result.SafeGasPrice)
	if err != nil {
		return Quote{}, zaperr.Wrap(zaperr.CodeUnavailable, "decode oracle safe tier", err)
	}
	propose, err := parseGwei(resp.Result.ProposeGasPrice)
	if err != nil {
		return Quote{}, zaperr.Wrap(zaperr.CodeUnavailable, "decode oracle standard tier", err)
	}
	fast, err := parseGwei(resp.Result.FastGasPrice)
	if err != nil {
		return Quote{}, zaperr.Wrap(zaperr.CodeUnavailable, "decode oracle fast tier", err)
	}
	baseFee, err := parseGwei(resp.Result.SuggestBaseFee)
	if err != nil {
		return Quote{}, zaperr.Wrap(zaperr.CodeUnavailable, "decode oracle base fee", err)
	}

	var selected float64
	switch s.cfg.SpeedTier {
	case TierSafe:
		selected = safe
	case TierFast:
		selected = fast
	case TierInstant:
		selected = fast * 1.2
	default:
		selected = propose
	}
	selected *= s.cfg.Multiplier

	priority := selected - baseFee
	if priority < s.cfg.MinPriorityFeeGwei {
		priority = s.cfg.MinPriorityFeeGwei
	}

	return newQuote(
		gweiToWei(baseFee),
		gweiToWei(priority),
		gweiToWei(selected),
		s.cfg.ceilingWei(),
		s.cfg.SpeedTier,
		SourceOracle,
	), nil
}

func parseGwei(raw string) (float64, error) {
	clean := strings.TrimSpace(raw)
	if clean == "" {
		return 0, fmt.Errorf("empty gwei value")
	}
	v, err := strconv.ParseFloat(clean, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid gwei value %q: %w", raw, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("negative gwei value %q", raw)
	}
	return v, nil
}

// FeeSuggester is the slice of the chain provider the node tier needs.
type FeeSuggester interface {
	SuggestFees(ctx context.Context) (tipCap, baseFee *big.Int, err error)
}

// nodeSource asks the connected execution node for its fee suggestion.
type nodeSource struct {
	node FeeSuggester
	cfg  Config
}

func NewNodeSource(node FeeSuggester, cfg Config) Source {
	return &nodeSource{node: node, cfg: cfg}
}

func (s *nodeSource) Name() string { return SourceNode }

func (s *nodeSource) Quote(ctx context.Context) (Quote, error) {
	tipCap, baseFee, err := s.node.SuggestFees(ctx)
	if err != nil {
		return Quote{}, zaperr.Wrap(zaperr.CodeUnavailable, "node fee suggestion", err)
	}
	if minTip := s.cfg.minPriorityWei(); tipCap.Cmp(minTip) < 0 {
		tipCap = minTip
	}
	// Budget for one base-fee doubling on top of the tip.
	maxFee := new(big.Int).Mul(baseFee, big.NewInt(2))
	maxFee.Add(maxFee, tipCap)

	return newQuote(baseFee, tipCap, maxFee, s.cfg.ceilingWei(), s.cfg.SpeedTier, SourceNode), nil
}

// staticSource returns the configured default fee. It cannot fail.
type staticSource struct {
	cfg Config
}

func NewStaticSource(cfg Config) Source {
	return &staticSource{cfg: cfg}
}

func (s *staticSource) Name() string { return SourceStatic }

func (s *staticSource) Quote(context.Context) (Quote, error) {
	maxFee := gweiToWei(s.cfg.StaticGwei)
	return newQuote(new(big.Int), s.cfg.minPriorityWei(), maxFee, s.cfg.ceilingWei(), s.cfg.SpeedTier, SourceStatic), nil
}
