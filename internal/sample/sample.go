// Package sample holds the immutable per-trade return sample every analysis
// step draws from.
package sample

import (
	"errors"
	"fmt"
	"math"

	"github.com/atlas-desktop/ruinlab/pkg/types"
	"github.com/atlas-desktop/ruinlab/pkg/utils"
)

var (
	// ErrEmptySample is returned when an operation needs at least one return.
	ErrEmptySample = errors.New("sample: empty return sample")

	// ErrInvalidReturn is returned for a return that is not a finite value >= -1.
	ErrInvalidReturn = errors.New("sample: return must be finite and at least -1")
)

// ReturnSample is an ordered sequence of per-trade returns, each the trade's
// profit or loss divided by the capital invested in it. The zero value is an
// empty sample. The backing slice is never exposed.
type ReturnSample struct {
	values []float64
}

// New validates values and returns a sample holding a private copy of them.
func New(values []float64) (ReturnSample, error) {
	for i, v := range values {
		if err := validate(v); err != nil {
			return ReturnSample{}, fmt.Errorf("return %d (%v): %w", i, v, err)
		}
	}
	return fromTrusted(append([]float64(nil), values...)), nil
}

// MustNew is New for literals known to be valid. It panics on invalid input.
func MustNew(values ...float64) ReturnSample {
	s, err := New(values)
	if err != nil {
		panic(err)
	}
	return s
}

// FromTrades derives the sample from ledger trades, keeping only trades that
// committed capital. Trades are taken in the order given.
func FromTrades(trades []types.Trade) (ReturnSample, error) {
	values := make([]float64, 0, len(trades))
	for _, t := range trades {
		if !t.HasCapital() {
			continue
		}
		values = append(values, t.Return())
	}
	return New(values)
}

// FromTrusted wraps values that were produced from an already validated
// sample. The caller must not retain or modify values.
func FromTrusted(values []float64) ReturnSample {
	return fromTrusted(values)
}

func fromTrusted(values []float64) ReturnSample {
	return ReturnSample{values: values}
}

func validate(v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < -1 {
		return ErrInvalidReturn
	}
	return nil
}

// Len returns the number of returns.
func (s ReturnSample) Len() int { return len(s.values) }

// IsEmpty reports whether the sample has no returns.
func (s ReturnSample) IsEmpty() bool { return len(s.values) == 0 }

// At returns the ith return.
func (s ReturnSample) At(i int) float64 { return s.values[i] }

// Values returns a copy of the returns.
func (s ReturnSample) Values() []float64 {
	return append([]float64(nil), s.values...)
}

// Each calls fn for every return in order.
func (s ReturnSample) Each(fn func(i int, r float64)) {
	for i, v := range s.values {
		fn(i, v)
	}
}

// Mean is the arithmetic mean return (the expectancy per unit staked).
func (s ReturnSample) Mean() float64 {
	return utils.Mean(s.values)
}

// Min returns the smallest return, or 0 for an empty sample.
func (s ReturnSample) Min() float64 {
	if len(s.values) == 0 {
		return 0
	}
	m := s.values[0]
	for _, v := range s.values[1:] {
		m = math.Min(m, v)
	}
	return m
}

// Max returns the largest return, or 0 for an empty sample.
func (s ReturnSample) Max() float64 {
	if len(s.values) == 0 {
		return 0
	}
	m := s.values[0]
	for _, v := range s.values[1:] {
		m = math.Max(m, v)
	}
	return m
}

// Partition splits the sample into returns matching pred and the rest,
// preserving order in both.
func (s ReturnSample) Partition(pred func(float64) bool) (matched, rest ReturnSample) {
	var in, out []float64
	for _, v := range s.values {
		if pred(v) {
			in = append(in, v)
		} else {
			out = append(out, v)
		}
	}
	return fromTrusted(in), fromTrusted(out)
}

// Filter returns the returns for which keep is true.
func (s ReturnSample) Filter(keep func(float64) bool) ReturnSample {
	kept, _ := s.Partition(keep)
	return kept
}

// Proportion is the fraction of returns matching pred.
func (s ReturnSample) Proportion(pred func(float64) bool) float64 {
	if len(s.values) == 0 {
		return 0
	}
	n := 0
	for _, v := range s.values {
		if pred(v) {
			n++
		}
	}
	return float64(n) / float64(len(s.values))
}

// IsWin is the win/loss split used throughout: strictly positive returns win,
// zero counts as a loss.
func IsWin(r float64) bool { return r > 0 }

// Below returns a predicate matching returns strictly below threshold.
func Below(threshold float64) func(float64) bool {
	return func(r float64) bool { return r < threshold }
}

// Summary is a compact description of a sample for reports.
type Summary struct {
	N        int     `json:"n"`
	Mean     float64 `json:"mean"`
	Median   float64 `json:"median"`
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
	WinShare float64 `json:"winShare"`
}

// Summarize computes a Summary.
func (s ReturnSample) Summarize() Summary {
	sorted := utils.SortedCopy(s.values)
	return Summary{
		N:        s.Len(),
		Mean:     s.Mean(),
		Median:   utils.Percentile(sorted, 50),
		Min:      s.Min(),
		Max:      s.Max(),
		WinShare: s.Proportion(IsWin),
	}
}
