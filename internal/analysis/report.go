package analysis

import (
	"fmt"
	"time"

	"github.com/atlas-desktop/ruinlab/internal/calibration"
	"github.com/atlas-desktop/ruinlab/internal/kelly"
	"github.com/atlas-desktop/ruinlab/internal/montecarlo"
	"github.com/atlas-desktop/ruinlab/internal/ruin"
	"github.com/atlas-desktop/ruinlab/internal/sample"
	"github.com/atlas-desktop/ruinlab/pkg/types"
	"github.com/atlas-desktop/ruinlab/pkg/utils"
	"github.com/google/uuid"
)

// Report is the full result of an analysis run.
type Report struct {
	ID        uuid.UUID      `json:"id"`
	CreatedAt time.Time      `json:"createdAt"`
	Elapsed   time.Duration  `json:"elapsed"`
	Trades    int            `json:"trades"` // Ledger trades, before dropping those without capital
	Sample    sample.Summary `json:"sample"`

	Kelly     kelly.Result         `json:"kelly"`
	Ablations []Ablation           `json:"ablations,omitempty"`
	ByVersion []kelly.GroupResult  `json:"byVersion,omitempty"`
	BreakEven kelly.BreakEvenPoint `json:"breakEven"`

	Baseline  montecarlo.Result     `json:"baseline"`
	Sweep     []montecarlo.SweepRow `json:"sweep,omitempty"`
	Scenarios []ScenarioResult      `json:"scenarios,omitempty"`
	Ranking   []RankEntry           `json:"ranking,omitempty"`

	Ruin        RuinReport           `json:"ruin"`
	Calibration []calibration.Result `json:"calibration,omitempty"`
	Verdict     Verdict              `json:"verdict"`

	Caveats types.Caveats `json:"caveats,omitempty"`
}

// Ablation is a Kelly result with one category of trades left out.
type Ablation struct {
	Name   string       `json:"name"`
	Result kelly.Result `json:"result"`
}

// ScenarioResult is the simulation of one scenario. Skipped is set, with no
// result, when the scenario cannot be built from this sample.
type ScenarioResult struct {
	Name    string             `json:"name"`
	Label   string             `json:"label"`
	Result  *montecarlo.Result `json:"result,omitempty"`
	Delta   float64            `json:"delta"` // Change in bankruptcy probability vs baseline
	Skipped string             `json:"skipped,omitempty"`
}

// RankEntry is one row of the impact ranking.
type RankEntry struct {
	Label               string  `json:"label"`
	ProbabilityBankrupt float64 `json:"probabilityBankrupt"`
	Delta               float64 `json:"delta"`
}

// RuinReport holds the analytical risk-of-ruin checks.
type RuinReport struct {
	LossStreaks  []ruin.StreakRow `json:"lossStreaks"`
	TailRate     float64          `json:"tailRate"`
	TailStreaks  []ruin.StreakRow `json:"tailStreaks"`
	GamblersRuin ruin.Comparison  `json:"gamblersRuin"`
	StopFloors   []ruin.StopFloor `json:"stopFloors"`
}

// Verdict summarises whether the strategy is viable at the configured size.
type Verdict struct {
	Profitable bool           `json:"profitable"`
	Edge       types.Estimate `json:"edge"`
	Fraction   types.Estimate `json:"kellyFraction"`
	OptimalBet types.Estimate `json:"optimalBet"` // Kelly fraction of the bankroll
	// CurrentMultiple is the configured position size over the optimal bet
	CurrentMultiple types.Estimate `json:"currentMultiple"`
	Summary         string         `json:"summary"`
}

func buildVerdict(k kelly.Result, be kelly.BreakEvenPoint, sim montecarlo.Config) Verdict {
	v := Verdict{Edge: k.Edge, Fraction: k.Fraction}

	edge, edgeOK := k.Edge.Get()
	f, fOK := k.Fraction.Get()
	v.Profitable = edgeOK && edge > 0

	switch {
	case fOK && f > 0:
		bet := f * sim.InitialBankroll
		v.OptimalBet = types.Defined(bet)
		v.CurrentMultiple = types.Defined(sim.PositionSize / bet)
		v.Summary = fmt.Sprintf("positive edge: Kelly stakes %s of bankroll (%.4f), current size is %.1fx Kelly",
			utils.FormatPct(f), bet, sim.PositionSize/bet)
	case k.Degenerate():
		v.OptimalBet = types.Undefined(k.Fraction.Reason())
		v.CurrentMultiple = types.Undefined(k.Fraction.Reason())
		v.Summary = "degenerate sample: " + k.Fraction.Reason()
	default:
		v.OptimalBet = types.Undefined("non-positive Kelly fraction: do not bet")
		v.CurrentMultiple = types.Undefined("non-positive Kelly fraction: do not bet")
		v.Summary = "negative edge: no position size is profitable"
		if wr, ok := be.WinRateNeeded.Get(); ok {
			v.Summary += fmt.Sprintf("; break-even needs win rate %s at the current payoff", utils.FormatPct(wr))
		}
		if b, ok := be.PayoffNeeded.Get(); ok {
			v.Summary += fmt.Sprintf(" or payoff %.2f at the current win rate", b)
		}
	}
	return v
}
