// Package kelly derives win rate, payoff ratio, edge and the Kelly fraction
// from an empirical return sample.
//
//	f* = (p*b - q) / b
//
// where p = win rate, q = 1-p and b = |avg win / avg loss|.
package kelly

import (
	"math"
	"sort"

	"github.com/atlas-desktop/ruinlab/internal/sample"
	"github.com/atlas-desktop/ruinlab/pkg/types"
	"go.uber.org/zap"
)

const (
	reasonNoLosses = "no losses observed: payoff ratio unbounded, loss sample too small"
	reasonNoWins   = "no wins observed: payoff ratio is zero"
	reasonEmpty    = "empty sample"
)

// Calculator computes Kelly statistics.
type Calculator struct {
	logger *zap.Logger
}

// NewCalculator creates a calculator. A nil logger disables logging.
func NewCalculator(logger *zap.Logger) *Calculator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Calculator{logger: logger}
}

// Result contains Kelly statistics for one sample.
type Result struct {
	N          int     `json:"n"`
	Wins       int     `json:"wins"`
	Losses     int     `json:"losses"`
	WinRate    float64 `json:"winRate"`
	LossRate   float64 `json:"lossRate"`
	AvgWin     float64 `json:"avgWin"`
	AvgLoss    float64 `json:"avgLoss"`    // Mean of returns <= 0, so <= 0
	Expectancy float64 `json:"expectancy"` // Mean return per unit staked

	Payoff   types.Estimate `json:"payoffRatio"`
	Edge     types.Estimate `json:"edge"`
	Fraction types.Estimate `json:"kellyFraction"`

	Caveats types.Caveats `json:"caveats,omitempty"`
}

// Degenerate reports whether ratio-based figures are undefined.
func (r Result) Degenerate() bool {
	return r.Caveats.Has(types.CaveatDegenerateDistribution)
}

// NegativeEdge reports whether expectancy is zero or negative.
func (r Result) NegativeEdge() bool {
	return r.Caveats.Has(types.CaveatNegativeEdge)
}

// Calculate computes Kelly statistics for a sample.
func (c *Calculator) Calculate(s sample.ReturnSample) Result {
	res := Result{N: s.Len()}
	if s.IsEmpty() {
		res.Payoff = types.Undefined(reasonEmpty)
		res.Edge = types.Undefined(reasonEmpty)
		res.Fraction = types.Undefined(reasonEmpty)
		res.Caveats = res.Caveats.
			Add(types.CaveatInsufficientSample, "no trades in sample").
			Add(types.CaveatDegenerateDistribution, reasonEmpty)
		return res
	}

	var sumWins, sumLosses float64
	s.Each(func(_ int, r float64) {
		if sample.IsWin(r) {
			res.Wins++
			sumWins += r
		} else {
			res.Losses++
			sumLosses += r
		}
	})

	n := float64(res.N)
	res.WinRate = float64(res.Wins) / n
	res.LossRate = 1 - res.WinRate
	if res.Wins > 0 {
		res.AvgWin = sumWins / float64(res.Wins)
	}
	if res.Losses > 0 {
		res.AvgLoss = sumLosses / float64(res.Losses)
	}
	res.Expectancy = (sumWins + sumLosses) / n

	p, q := res.WinRate, res.LossRate
	switch {
	case res.AvgLoss == 0:
		// Zero losses, or only break-even losses.
		res.Payoff = types.Undefined(reasonNoLosses)
		res.Edge = types.Undefined(reasonNoLosses)
		res.Fraction = types.Undefined(reasonNoLosses)
		res.Caveats = res.Caveats.Add(types.CaveatDegenerateDistribution, reasonNoLosses)

	case res.Wins == 0:
		res.Payoff = types.Defined(0)
		res.Edge = types.Defined(-q)
		res.Fraction = types.Undefined(reasonNoWins)
		res.Caveats = res.Caveats.Add(types.CaveatDegenerateDistribution, reasonNoWins)

	default:
		b := math.Abs(res.AvgWin / res.AvgLoss)
		edge := p*b - q
		res.Payoff = types.Defined(b)
		res.Edge = types.Defined(edge)
		res.Fraction = types.Defined(edge / b)
	}

	if res.N < types.MinUsableSample {
		res.Caveats = res.Caveats.Add(types.CaveatInsufficientSample,
			"fewer than 10 trades: low confidence")
	}
	if res.Expectancy <= 0 {
		res.Caveats = res.Caveats.Add(types.CaveatNegativeEdge,
			"expectancy <= 0: no position size is profitable in expectation")
	}

	c.logger.Debug("kelly computed",
		zap.Int("n", res.N),
		zap.Float64("win_rate", res.WinRate),
		zap.Stringer("payoff", res.Payoff),
		zap.Stringer("kelly", res.Fraction),
	)

	return res
}

// CalculateExcluding computes Kelly statistics over trades with capital,
// leaving out every trade matched by exclude. It is used to test how much a
// result depends on one category of trades.
func (c *Calculator) CalculateExcluding(trades []types.Trade, exclude types.TradePredicate) (Result, error) {
	kept := make([]types.Trade, 0, len(trades))
	for _, t := range trades {
		if exclude != nil && exclude(t) {
			continue
		}
		kept = append(kept, t)
	}

	s, err := sample.FromTrades(kept)
	if err != nil {
		return Result{}, err
	}
	return c.Calculate(s), nil
}

// GroupResult is the Kelly result for one group of trades.
type GroupResult struct {
	Group  string `json:"group"`
	Result Result `json:"result"`
}

// CalculateByGroup computes Kelly statistics per group key, e.g. per bot
// version. Groups with fewer than minTrades trades or without both wins and
// losses are skipped. Results are ordered by group key.
func (c *Calculator) CalculateByGroup(trades []types.Trade, key func(types.Trade) string, minTrades int) ([]GroupResult, error) {
	groups := make(map[string][]types.Trade)
	for _, t := range trades {
		k := key(t)
		groups[k] = append(groups[k], t)
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]GroupResult, 0, len(keys))
	for _, k := range keys {
		if len(groups[k]) < minTrades {
			continue
		}
		s, err := sample.FromTrades(groups[k])
		if err != nil {
			return nil, err
		}
		res := c.Calculate(s)
		if res.Wins == 0 || res.Losses == 0 || res.Degenerate() {
			continue
		}
		out = append(out, GroupResult{Group: k, Result: res})
	}
	return out, nil
}

// BreakEvenPoint describes what it would take to reach zero edge.
type BreakEvenPoint struct {
	WinRateNeeded types.Estimate `json:"winRateNeeded"` // at the current payoff ratio
	PayoffNeeded  types.Estimate `json:"payoffNeeded"`  // at the current win rate
}

// BreakEven returns the win rate needed at the current payoff ratio,
// 1/(b+1), and the payoff ratio needed at the current win rate, q/p.
func BreakEven(r Result) BreakEvenPoint {
	var be BreakEvenPoint
	if b, ok := r.Payoff.Get(); ok {
		be.WinRateNeeded = types.Defined(1 / (b + 1))
	} else {
		be.WinRateNeeded = types.Undefined(r.Payoff.Reason())
	}
	if r.WinRate > 0 {
		be.PayoffNeeded = types.Defined(r.LossRate / r.WinRate)
	} else {
		be.PayoffNeeded = types.Undefined(reasonNoWins)
	}
	return be
}
