// Package ruin provides closed-form risk-of-ruin approximations used to
// sanity-check simulated bankruptcy probabilities.
package ruin

import (
	"errors"
	"fmt"
	"math"

	"github.com/atlas-desktop/ruinlab/internal/kelly"
	"github.com/atlas-desktop/ruinlab/pkg/types"
	"github.com/shopspring/decimal"
)

// DefaultTolerance is the largest absolute gap between the gambler's-ruin
// approximation and a simulation that still counts as agreement. It covers
// Monte Carlo noise and the difference between absorbing at zero and
// absorbing below one stake on near-binary samples.
const DefaultTolerance = 0.03

// ErrInvalidInput is returned for out-of-domain arguments.
var ErrInvalidInput = errors.New("ruin: invalid input")

// StreakRow is the probability of one run of consecutive losses.
type StreakRow struct {
	Losses      int            `json:"losses"`
	Probability float64        `json:"probability"`
	OneIn       types.Estimate `json:"oneIn"` // Expected frequency, 1/Probability
}

// ConsecutiveLosses tabulates lossRate^n for n = 1 .. floor(bankroll/positionSize)+1,
// the last row being the first streak that exhausts the bankroll at full-unit
// losses.
func ConsecutiveLosses(lossRate, bankroll, positionSize float64) ([]StreakRow, error) {
	switch {
	case math.IsNaN(lossRate) || lossRate < 0 || lossRate > 1:
		return nil, fmt.Errorf("%w: loss rate must be in [0, 1], got %v", ErrInvalidInput, lossRate)
	case !(positionSize > 0):
		return nil, fmt.Errorf("%w: position size must be > 0, got %v", ErrInvalidInput, positionSize)
	case !(bankroll > 0) || math.IsInf(bankroll, 0):
		return nil, fmt.Errorf("%w: bankroll must be finite and > 0, got %v", ErrInvalidInput, bankroll)
	}

	maxRun := int(math.Floor(bankroll/positionSize)) + 1
	rows := make([]StreakRow, 0, maxRun)
	for n := 1; n <= maxRun; n++ {
		p := math.Pow(lossRate, float64(n))
		row := StreakRow{Losses: n, Probability: p}
		if p > 0 {
			row.OneIn = types.Defined(1 / p)
		} else {
			row.OneIn = types.Undefined("zero probability")
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// GamblersRuin is the classical binary-outcome approximation
//
//	ruin = (q/p)^(bankroll / (|avgLoss| * positionSize))
//
// defined only for a positive edge. It treats every outcome as one unit of
// average loss, so it is only trustworthy for near two-point samples.
func GamblersRuin(k kelly.Result, bankroll, positionSize float64) types.Estimate {
	if k.N == 0 {
		return types.Undefined("empty sample")
	}
	if k.Losses == 0 || k.AvgLoss == 0 {
		return types.Defined(0)
	}
	edge, ok := k.Edge.Get()
	if !ok {
		return types.Undefined(k.Edge.Reason())
	}
	if edge <= 0 {
		return types.Undefined("negative edge: ruin is certain on an unbounded horizon")
	}
	if !(positionSize > 0) || !(bankroll > 0) {
		return types.Undefined("bankroll and position size must be positive")
	}

	units := bankroll / (math.Abs(k.AvgLoss) * positionSize)
	return types.Defined(math.Pow(k.LossRate/k.WinRate, units))
}

// Comparison is an analytical estimate checked against a simulation.
type Comparison struct {
	Analytical types.Estimate `json:"analytical"`
	Simulated  float64        `json:"simulated"`
	AbsDiff    types.Estimate `json:"absDiff"`
	Tolerance  float64        `json:"tolerance"`
	Agrees     bool           `json:"agrees"`
}

// CrossCheck compares an analytical ruin probability with a simulated one.
// A large gap means the binary-outcome assumption does not hold for the
// sample. An undefined analytical value never agrees.
func CrossCheck(analytical types.Estimate, simulated, tolerance float64) Comparison {
	c := Comparison{
		Analytical: analytical,
		Simulated:  simulated,
		Tolerance:  tolerance,
	}
	a, ok := analytical.Get()
	if !ok {
		c.AbsDiff = types.Undefined(analytical.Reason())
		return c
	}
	diff := math.Abs(a - simulated)
	c.AbsDiff = types.Defined(diff)
	c.Agrees = diff <= tolerance
	return c
}

// StopFloor is a bankroll level at which trading should stop to keep a
// buffer of Losses full-unit losses.
type StopFloor struct {
	Losses             int             `json:"losses"`
	Floor              decimal.Decimal `json:"floor"`
	FractionOfBankroll float64         `json:"fractionOfBankroll"`
}

// DefaultStopBuffers are the loss buffers reported by default.
var DefaultStopBuffers = []int{3, 5, 7, 10}

// StopFloors returns positionSize*n for each buffer n.
func StopFloors(positionSize, bankroll decimal.Decimal, buffers []int) []StopFloor {
	floors := make([]StopFloor, 0, len(buffers))
	for _, n := range buffers {
		floor := positionSize.Mul(decimal.NewFromInt(int64(n)))
		sf := StopFloor{Losses: n, Floor: floor}
		if bankroll.IsPositive() {
			sf.FractionOfBankroll = floor.Div(bankroll).InexactFloat64()
		}
		floors = append(floors, sf)
	}
	return floors
}
