// Package analysis runs the full solvency analysis of a trade ledger: Kelly
// statistics, baseline and scenario simulations, analytical ruin checks and
// bankroll calibration, collected into one Report.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/atlas-desktop/ruinlab/internal/calibration"
	"github.com/atlas-desktop/ruinlab/internal/kelly"
	"github.com/atlas-desktop/ruinlab/internal/metrics"
	"github.com/atlas-desktop/ruinlab/internal/montecarlo"
	"github.com/atlas-desktop/ruinlab/internal/ruin"
	"github.com/atlas-desktop/ruinlab/internal/sample"
	"github.com/atlas-desktop/ruinlab/internal/scenario"
	"github.com/atlas-desktop/ruinlab/pkg/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Stage names a step of an analysis run.
type Stage string

const (
	StageKelly       Stage = "kelly"
	StageBaseline    Stage = "baseline"
	StageSweep       Stage = "sweep"
	StageScenarios   Stage = "scenarios"
	StageRuin        Stage = "ruin"
	StageCalibration Stage = "calibration"
	StageDone        Stage = "done"
)

// Progress is reported as a run advances.
type Progress struct {
	Stage   Stage              `json:"stage"`
	Message string             `json:"message"`
	Probe   *calibration.Probe `json:"probe,omitempty"`
}

// ProgressFunc receives progress updates on the running goroutine.
type ProgressFunc func(Progress)

// Request is one analysis run.
type Request struct {
	ID       uuid.UUID // Zero for a fresh ID
	Trades   []types.Trade
	Options  Options
	Progress ProgressFunc
}

// Analyzer runs analyses.
type Analyzer struct {
	logger     *zap.Logger
	calculator *kelly.Calculator
	engine     *montecarlo.Engine
	calibrator *calibration.Calibrator
	metrics    *metrics.Metrics
}

// NewAnalyzer creates an analyzer simulating with engine.
func NewAnalyzer(logger *zap.Logger, engine *montecarlo.Engine, m *metrics.Metrics) *Analyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{
		logger:     logger,
		calculator: kelly.NewCalculator(logger),
		engine:     engine,
		calibrator: calibration.NewCalibrator(logger, engine, m),
		metrics:    m,
	}
}

// Run performs every stage in order. Caveats from the stages are merged into
// Report.Caveats; only invalid input, an empty sample or cancellation fail
// the run.
func (a *Analyzer) Run(ctx context.Context, req Request) (*Report, error) {
	report, err := a.run(ctx, req)
	if err != nil {
		a.metrics.ObserveAnalysis("failed")
		return nil, err
	}
	a.metrics.ObserveAnalysis("completed")
	return report, nil
}

func (a *Analyzer) run(ctx context.Context, req Request) (*Report, error) {
	start := time.Now()
	opts := req.Options
	progress := req.Progress
	if progress == nil {
		progress = func(Progress) {}
	}

	id := req.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	s, err := sample.FromTrades(req.Trades)
	if err != nil {
		return nil, fmt.Errorf("build return sample: %w", err)
	}
	if s.IsEmpty() {
		return nil, sample.ErrEmptySample
	}

	a.logger.Info("starting analysis",
		zap.String("id", id.String()),
		zap.Int("trades", len(req.Trades)),
		zap.Int("sample", s.Len()),
		zap.Float64("bankroll", opts.Simulation.InitialBankroll),
		zap.Float64("position_size", opts.Simulation.PositionSize),
	)

	report := &Report{
		ID:        id,
		CreatedAt: start.UTC(),
		Trades:    len(req.Trades),
		Sample:    s.Summarize(),
	}

	// Kelly
	progress(Progress{Stage: StageKelly, Message: "computing Kelly statistics"})
	report.Kelly = a.calculator.Calculate(s)
	report.BreakEven = kelly.BreakEven(report.Kelly)
	if report.Ablations, err = a.ablations(req.Trades, opts); err != nil {
		return nil, err
	}
	if opts.GroupMinTrades > 0 {
		report.ByVersion, err = a.calculator.CalculateByGroup(req.Trades,
			func(t types.Trade) string { return t.BotVersion }, opts.GroupMinTrades)
		if err != nil {
			return nil, fmt.Errorf("kelly by version: %w", err)
		}
	}

	// Baseline
	progress(Progress{Stage: StageBaseline, Message: "simulating current configuration"})
	report.Baseline, err = a.engine.Run(ctx, s, opts.Simulation)
	if err != nil {
		return nil, fmt.Errorf("baseline simulation: %w", err)
	}

	// Sweep
	if len(opts.SweepSizes) > 0 {
		progress(Progress{Stage: StageSweep, Message: fmt.Sprintf("comparing %d position sizes", len(opts.SweepSizes))})
		report.Sweep, err = a.engine.Sweep(ctx, s, opts.Simulation, opts.SweepSizes)
		if err != nil {
			return nil, fmt.Errorf("position size sweep: %w", err)
		}
	}

	// Scenarios
	if len(opts.Scenarios) > 0 {
		progress(Progress{Stage: StageScenarios, Message: fmt.Sprintf("simulating %d scenarios", len(opts.Scenarios))})
		report.Scenarios, err = a.scenarios(ctx, s, opts, report.Baseline)
		if err != nil {
			return nil, err
		}
		report.Ranking = rank(report.Baseline, report.Scenarios)
	}

	// Analytical ruin
	progress(Progress{Stage: StageRuin, Message: "analytical risk of ruin"})
	report.Ruin, err = a.ruinReport(s, report.Kelly, report.Baseline, opts)
	if err != nil {
		return nil, err
	}

	// Calibration
	if len(opts.CalibrationSizes) > 0 {
		progress(Progress{Stage: StageCalibration, Message: fmt.Sprintf("calibrating %d position sizes", len(opts.CalibrationSizes))})
		base := opts.Calibration
		base.Edge = report.Kelly.Edge
		base.OnProbe = func(p calibration.Probe) {
			progress(Progress{Stage: StageCalibration, Message: "probe", Probe: &p})
		}
		report.Calibration, err = a.calibrator.CalibrateTable(ctx, s, base, opts.CalibrationSizes)
		if err != nil {
			return nil, fmt.Errorf("calibration: %w", err)
		}
	}

	report.Verdict = buildVerdict(report.Kelly, report.BreakEven, opts.Simulation)
	report.Caveats = report.Kelly.Caveats.Merge(report.Baseline.Caveats)
	for _, c := range report.Calibration {
		report.Caveats = report.Caveats.Merge(c.Caveats)
	}
	report.Elapsed = time.Since(start)

	for _, c := range report.Caveats {
		a.logger.Warn("analysis caveat", zap.String("kind", string(c.Kind)), zap.String("message", c.Message))
	}
	a.logger.Info("analysis complete",
		zap.String("id", id.String()),
		zap.Float64("probability_bankrupt", report.Baseline.ProbabilityBankrupt),
		zap.String("verdict", report.Verdict.Summary),
		zap.Duration("elapsed", report.Elapsed),
	)
	progress(Progress{Stage: StageDone, Message: report.Verdict.Summary})

	return report, nil
}

type exclusion struct {
	name string
	pred types.TradePredicate
}

func (a *Analyzer) ablations(trades []types.Trade, opts Options) ([]Ablation, error) {
	var excl []exclusion
	if len(opts.ExcludeExitReasons) > 0 {
		excl = append(excl, exclusion{
			name: "excluding " + strings.Join(opts.ExcludeExitReasons, ", "),
			pred: types.ExitReasonIs(opts.ExcludeExitReasons...),
		})
	}
	if opts.MinInvested > 0 {
		floor := decimal.NewFromFloat(opts.MinInvested)
		excl = append(excl, exclusion{
			name: "excluding invested < " + floor.String(),
			pred: types.InvestedBelow(floor),
		})
	}
	if len(excl) == 2 {
		excl = append(excl, exclusion{
			name: excl[0].name + " and " + strings.TrimPrefix(excl[1].name, "excluding "),
			pred: types.AnyOf(excl[0].pred, excl[1].pred),
		})
	}

	out := make([]Ablation, 0, len(excl))
	for _, e := range excl {
		res, err := a.calculator.CalculateExcluding(trades, e.pred)
		if err != nil {
			return nil, fmt.Errorf("kelly %s: %w", e.name, err)
		}
		out = append(out, Ablation{Name: e.name, Result: res})
	}
	return out, nil
}

func (a *Analyzer) scenarios(ctx context.Context, s sample.ReturnSample, opts Options, baseline montecarlo.Result) ([]ScenarioResult, error) {
	out := make([]ScenarioResult, 0, len(opts.Scenarios))
	for _, spec := range opts.Scenarios {
		sc, err := spec.Build()
		if err != nil {
			return nil, err
		}

		outcome, err := sc.Apply(s, opts.ScenarioSeed)
		if errors.Is(err, scenario.ErrEmptyPartition) {
			a.logger.Warn("skipping scenario", zap.String("scenario", sc.Label()), zap.Error(err))
			out = append(out, ScenarioResult{Name: spec.Name, Label: sc.Label(), Skipped: err.Error()})
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, step := range spec.Steps {
			a.metrics.ObserveScenario(string(step.Kind))
		}

		res, err := a.engine.Run(ctx, outcome.Sample, opts.Simulation)
		if err != nil {
			return nil, fmt.Errorf("scenario %q: %w", sc.Label(), err)
		}
		out = append(out, ScenarioResult{
			Name:   spec.Name,
			Label:  outcome.Label,
			Result: &res,
			Delta:  res.ProbabilityBankrupt - baseline.ProbabilityBankrupt,
		})
	}
	return out, nil
}

// rank orders the baseline and every simulated scenario by bankruptcy
// probability, worst first.
func rank(baseline montecarlo.Result, scenarios []ScenarioResult) []RankEntry {
	entries := []RankEntry{{Label: "baseline", ProbabilityBankrupt: baseline.ProbabilityBankrupt}}
	for _, sc := range scenarios {
		if sc.Result == nil {
			continue
		}
		entries = append(entries, RankEntry{
			Label:               sc.Label,
			ProbabilityBankrupt: sc.Result.ProbabilityBankrupt,
			Delta:               sc.Delta,
		})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].ProbabilityBankrupt > entries[j].ProbabilityBankrupt
	})
	return entries
}

func (a *Analyzer) ruinReport(s sample.ReturnSample, k kelly.Result, baseline montecarlo.Result, opts Options) (RuinReport, error) {
	sim := opts.Simulation
	var rr RuinReport
	var err error

	if rr.LossStreaks, err = ruin.ConsecutiveLosses(k.LossRate, sim.InitialBankroll, sim.PositionSize); err != nil {
		return RuinReport{}, fmt.Errorf("loss streaks: %w", err)
	}
	rr.TailRate = s.Proportion(sample.Below(opts.TailThreshold))
	if rr.TailStreaks, err = ruin.ConsecutiveLosses(rr.TailRate, sim.InitialBankroll, sim.PositionSize); err != nil {
		return RuinReport{}, fmt.Errorf("tail streaks: %w", err)
	}

	rr.GamblersRuin = ruin.CrossCheck(
		ruin.GamblersRuin(k, sim.InitialBankroll, sim.PositionSize),
		baseline.ProbabilityBankrupt,
		opts.tolerance(),
	)

	buffers := opts.StopBuffers
	if len(buffers) == 0 {
		buffers = ruin.DefaultStopBuffers
	}
	rr.StopFloors = ruin.StopFloors(decimal.NewFromFloat(sim.PositionSize), decimal.NewFromFloat(sim.InitialBankroll), buffers)
	return rr, nil
}
