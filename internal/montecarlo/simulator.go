// Package montecarlo simulates many independent fixed-fractional bankroll
// trajectories by resampling an empirical return sample.
//
// Paths advance in lock-step: each trade step is one bulk update over a
// contiguous path buffer, and that update is split across the worker pool.
// Random draws for a step are taken from a single seeded source in path order
// before the update starts, so results do not depend on the worker count.
package montecarlo

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/atlas-desktop/ruinlab/internal/metrics"
	"github.com/atlas-desktop/ruinlab/internal/sample"
	"github.com/atlas-desktop/ruinlab/internal/workers"
	"github.com/atlas-desktop/ruinlab/pkg/types"
	"github.com/atlas-desktop/ruinlab/pkg/utils"
	"go.uber.org/zap"
)

// ErrInvalidConfig is returned for a malformed simulation config.
var ErrInvalidConfig = errors.New("montecarlo: invalid simulation config")

// Config configures one simulation run
type Config struct {
	InitialBankroll float64 `json:"initialBankroll" mapstructure:"initial_bankroll"`
	PositionSize    float64 `json:"positionSize" mapstructure:"position_size"` // Fixed stake per trade
	NumPaths        int     `json:"numPaths" mapstructure:"num_paths"`
	NumTrades       int     `json:"numTrades" mapstructure:"num_trades"`
	Seed            int64   `json:"seed" mapstructure:"seed"` // 0 for time-based
}

// DefaultConfig returns the reference configuration: 0.015 per trade on a
// 0.116 bankroll, 10,000 paths of 200 trades.
func DefaultConfig() Config {
	return Config{
		InitialBankroll: 0.116,
		PositionSize:    0.015,
		NumPaths:        10000,
		NumTrades:       200,
		Seed:            42,
	}
}

// Validate checks the config invariants.
func (c Config) Validate() error {
	switch {
	case !(c.InitialBankroll > 0):
		return fmt.Errorf("%w: initial bankroll must be > 0, got %v", ErrInvalidConfig, c.InitialBankroll)
	case !(c.PositionSize > 0):
		return fmt.Errorf("%w: position size must be > 0, got %v", ErrInvalidConfig, c.PositionSize)
	case c.PositionSize > c.InitialBankroll:
		return fmt.Errorf("%w: position size %v exceeds initial bankroll %v", ErrInvalidConfig, c.PositionSize, c.InitialBankroll)
	case c.NumPaths < 1:
		return fmt.Errorf("%w: num paths must be >= 1, got %d", ErrInvalidConfig, c.NumPaths)
	case c.NumTrades < 1:
		return fmt.Errorf("%w: num trades must be >= 1, got %d", ErrInvalidConfig, c.NumTrades)
	}
	return nil
}

// Engine runs simulations. It holds no random state: every run builds its own
// source from the config seed.
type Engine struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
	pool    *workers.Pool
}

// NewEngine creates an engine. pool may be nil or stopped, in which case step
// updates run on the calling goroutine. m may be nil.
func NewEngine(logger *zap.Logger, m *metrics.Metrics, pool *workers.Pool) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		logger:  logger,
		metrics: m,
		pool:    pool,
	}
}

// PathBuffer is the per-path state of a simulation, laid out as parallel
// slices indexed by path.
//
// A path that can no longer place the minimum stake is absorbed: Alive goes
// false and Bankroll stays frozen at its last literal balance, the residue
// below the stake. Aggregates count absorbed paths as zero.
type PathBuffer struct {
	Bankroll []float64
	Alive    []bool
	MinSeen  []float64 // Lowest bankroll observed while alive
}

// NewPathBuffer creates n paths at the initial bankroll.
func NewPathBuffer(n int, initial float64) *PathBuffer {
	b := &PathBuffer{
		Bankroll: make([]float64, n),
		Alive:    make([]bool, n),
		MinSeen:  make([]float64, n),
	}
	for i := range b.Bankroll {
		b.Bankroll[i] = initial
		b.Alive[i] = true
		b.MinSeen[i] = initial
	}
	return b
}

// Len returns the number of paths.
func (b *PathBuffer) Len() int { return len(b.Bankroll) }

// step applies one trade to paths [lo, hi). draws[i] indexes the return
// drawn for path i at this step.
func (b *PathBuffer) step(draws []int, returns []float64, stake float64, lo, hi int) {
	bankroll := b.Bankroll[lo:hi]
	alive := b.Alive[lo:hi]
	minSeen := b.MinSeen[lo:hi]
	draws = draws[lo:hi]

	for i := range bankroll {
		if !alive[i] || bankroll[i] < stake {
			continue
		}
		bankroll[i] += returns[draws[i]] * stake
		if bankroll[i] < stake {
			alive[i] = false
			continue
		}
		if bankroll[i] < minSeen[i] {
			minSeen[i] = bankroll[i]
		}
	}
}

// Terminal returns terminal bankrolls with absorbed paths reported as zero.
func (b *PathBuffer) Terminal() []float64 {
	out := make([]float64, len(b.Bankroll))
	for i, v := range b.Bankroll {
		if b.Alive[i] {
			out[i] = v
		}
	}
	return out
}

// Run is one simulation's raw output.
type Run struct {
	Paths *PathBuffer
	Seed  int64 // Seed actually used
}

// Simulate runs the trajectories and returns the final path buffer.
//
// Draw order: for each step t, one rng.Intn(len(sample)) per path in path
// order, including absorbed paths. Given the seed, the draws are fixed by
// NumPaths, NumTrades and the sample length alone.
func (e *Engine) Simulate(ctx context.Context, s sample.ReturnSample, cfg Config) (*Run, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if s.IsEmpty() {
		return nil, sample.ErrEmptySample
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	returns := s.Values()
	n := len(returns)
	paths := NewPathBuffer(cfg.NumPaths, cfg.InitialBankroll)
	draws := make([]int, cfg.NumPaths)

	for t := 0; t < cfg.NumTrades; t++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		for i := range draws {
			draws[i] = rng.Intn(n)
		}

		if err := e.pool.ParallelFor(cfg.NumPaths, func(lo, hi int) {
			paths.step(draws, returns, cfg.PositionSize, lo, hi)
		}); err != nil {
			return nil, fmt.Errorf("step %d: %w", t, err)
		}
	}

	return &Run{Paths: paths, Seed: seed}, nil
}

// Result contains aggregate solvency statistics over terminal bankrolls.
type Result struct {
	Config Config `json:"config"`
	Seed   int64  `json:"seed"`

	ProbabilityBankrupt float64 `json:"probabilityBankrupt"`
	ProbabilityProfit   float64 `json:"probabilityProfit"` // terminal > initial
	ProbabilityDouble   float64 `json:"probabilityDouble"` // terminal >= 2x initial

	Median float64 `json:"median"`
	Mean   float64 `json:"mean"`
	P5     float64 `json:"p5"`
	P95    float64 `json:"p95"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`

	// Drawdown diagnostics from the lowest bankroll seen while alive
	MedianMinBankroll float64 `json:"medianMinBankroll"`
	P5MinBankroll     float64 `json:"p5MinBankroll"`
	MedianMaxDrawdown float64 `json:"medianMaxDrawdown"` // Fraction of initial bankroll

	Caveats types.Caveats `json:"caveats,omitempty"`
}

// Run performs a simulation and aggregates it.
func (e *Engine) Run(ctx context.Context, s sample.ReturnSample, cfg Config) (Result, error) {
	start := time.Now()

	e.logger.Debug("starting Monte Carlo simulation",
		zap.Int("num_paths", cfg.NumPaths),
		zap.Int("num_trades", cfg.NumTrades),
		zap.Float64("bankroll", cfg.InitialBankroll),
		zap.Float64("position_size", cfg.PositionSize),
	)

	run, err := e.Simulate(ctx, s, cfg)
	if err != nil {
		return Result{}, err
	}

	res := Aggregate(run.Paths, cfg)
	res.Seed = run.Seed
	res.Caveats = sampleCaveats(s)

	elapsed := time.Since(start)
	e.metrics.ObserveSimulation(cfg.NumPaths, cfg.NumTrades, elapsed, res.ProbabilityBankrupt)
	e.metrics.ObserveCaveats(res.Caveats)

	e.logger.Debug("Monte Carlo simulation complete",
		zap.Float64("probability_bankrupt", res.ProbabilityBankrupt),
		zap.Float64("median", res.Median),
		zap.Duration("elapsed", elapsed),
	)

	return res, nil
}

// Aggregate computes the terminal statistics of a finished path buffer.
func Aggregate(paths *PathBuffer, cfg Config) Result {
	res := Result{Config: cfg}
	n := paths.Len()
	if n == 0 {
		return res
	}

	terminal := paths.Terminal()
	bankrupt, profit, double := 0, 0, 0
	for i, v := range terminal {
		if !paths.Alive[i] {
			bankrupt++
		}
		if v > cfg.InitialBankroll {
			profit++
		}
		if v >= 2*cfg.InitialBankroll {
			double++
		}
	}

	total := float64(n)
	res.ProbabilityBankrupt = float64(bankrupt) / total
	res.ProbabilityProfit = float64(profit) / total
	res.ProbabilityDouble = float64(double) / total

	sorted := utils.SortedCopy(terminal)
	res.Median = utils.Percentile(sorted, 50)
	res.Mean = utils.Mean(terminal)
	res.P5 = utils.Percentile(sorted, 5)
	res.P95 = utils.Percentile(sorted, 95)
	res.Min = sorted[0]
	res.Max = sorted[n-1]

	minSorted := utils.SortedCopy(paths.MinSeen)
	res.MedianMinBankroll = utils.Percentile(minSorted, 50)
	res.P5MinBankroll = utils.Percentile(minSorted, 5)
	res.MedianMaxDrawdown = (cfg.InitialBankroll - res.MedianMinBankroll) / cfg.InitialBankroll

	return res
}

func sampleCaveats(s sample.ReturnSample) types.Caveats {
	var c types.Caveats
	if s.Len() < types.MinUsableSample {
		c = c.Add(types.CaveatInsufficientSample,
			fmt.Sprintf("resampling from only %d trades", s.Len()))
	}
	if s.Mean() <= 0 {
		c = c.Add(types.CaveatNegativeEdge,
			"sample expectancy <= 0: ruin is certain on an unbounded horizon, figures are finite-horizon only")
	}
	return c
}

// SweepRow is the result for one position size in a sweep.
type SweepRow struct {
	PositionSize       float64 `json:"positionSize"`
	FractionOfBankroll float64 `json:"fractionOfBankroll"`
	Result             Result  `json:"result"`
}

// Sweep runs the same bankroll and horizon at several position sizes. Sizes
// larger than the bankroll are skipped.
func (e *Engine) Sweep(ctx context.Context, s sample.ReturnSample, base Config, sizes []float64) ([]SweepRow, error) {
	rows := make([]SweepRow, 0, len(sizes))
	for _, size := range sizes {
		cfg := base
		cfg.PositionSize = size
		if size > base.InitialBankroll {
			e.logger.Warn("skipping position size above bankroll",
				zap.Float64("position_size", size),
				zap.Float64("bankroll", base.InitialBankroll),
			)
			continue
		}

		res, err := e.Run(ctx, s, cfg)
		if err != nil {
			return nil, fmt.Errorf("position size %v: %w", size, err)
		}
		rows = append(rows, SweepRow{
			PositionSize:       size,
			FractionOfBankroll: size / base.InitialBankroll,
			Result:             res,
		})
	}
	return rows, nil
}
