// Package calibration searches for the smallest bankroll that keeps the
// simulated bankruptcy probability under a target at a given position size.
package calibration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atlas-desktop/ruinlab/internal/metrics"
	"github.com/atlas-desktop/ruinlab/internal/montecarlo"
	"github.com/atlas-desktop/ruinlab/internal/sample"
	"github.com/atlas-desktop/ruinlab/pkg/types"
	"go.uber.org/zap"
)

// ErrInvalidRequest is returned for a malformed calibration request.
var ErrInvalidRequest = errors.New("calibration: invalid request")

// Request configures one calibration.
type Request struct {
	PositionSize float64 `json:"positionSize" mapstructure:"position_size"`
	Target       float64 `json:"target" mapstructure:"target"`             // Bankruptcy probability to stay under
	LowMultiple  float64 `json:"lowMultiple" mapstructure:"low_multiple"` // Bracket low = PositionSize * LowMultiple
	Upper        float64 `json:"upper" mapstructure:"upper"`
	Iterations   int     `json:"iterations" mapstructure:"iterations"`
	ProbePaths   int     `json:"probePaths" mapstructure:"probe_paths"`
	NumTrades    int     `json:"numTrades" mapstructure:"num_trades"`
	Seed         int64   `json:"seed" mapstructure:"seed"`

	// Edge from the Kelly calculation. A defined edge <= 0 marks the answer
	// as bounded-horizon only.
	Edge types.Estimate `json:"edge" mapstructure:"-"`

	// OnProbe, if set, is called after every probe.
	OnProbe func(Probe) `json:"-" mapstructure:"-"`
}

// DefaultRequest returns a 5% over 200 trades search on [5*positionSize, 5.0]
// with 20 iterations of 3,000 paths.
func DefaultRequest(positionSize float64) Request {
	return Request{
		PositionSize: positionSize,
		Target:       0.05,
		LowMultiple:  5,
		Upper:        5.0,
		Iterations:   20,
		ProbePaths:   3000,
		NumTrades:    200,
		Seed:         42,
	}
}

// Low is the bottom of the search bracket.
func (r Request) Low() float64 { return r.PositionSize * r.LowMultiple }

// Validate checks the request.
func (r Request) Validate() error {
	switch {
	case !(r.PositionSize > 0):
		return fmt.Errorf("%w: position size must be > 0, got %v", ErrInvalidRequest, r.PositionSize)
	case !(r.Target > 0 && r.Target < 1):
		return fmt.Errorf("%w: target must be in (0, 1), got %v", ErrInvalidRequest, r.Target)
	case !(r.LowMultiple >= 1):
		return fmt.Errorf("%w: low multiple must be >= 1, got %v", ErrInvalidRequest, r.LowMultiple)
	case !(r.Upper > r.Low()):
		return fmt.Errorf("%w: upper bound %v must exceed bracket low %v", ErrInvalidRequest, r.Upper, r.Low())
	case r.Iterations < 1:
		return fmt.Errorf("%w: iterations must be >= 1, got %d", ErrInvalidRequest, r.Iterations)
	case r.ProbePaths < 1:
		return fmt.Errorf("%w: probe paths must be >= 1, got %d", ErrInvalidRequest, r.ProbePaths)
	case r.NumTrades < 1:
		return fmt.Errorf("%w: num trades must be >= 1, got %d", ErrInvalidRequest, r.NumTrades)
	}
	return nil
}

// Probe is one objective evaluation. Iteration 0 is the bracket upper limit.
type Probe struct {
	Iteration           int     `json:"iteration"`
	Bankroll            float64 `json:"bankroll"`
	ProbabilityBankrupt float64 `json:"probabilityBankrupt"`
	Pass                bool    `json:"pass"`
}

// Result is the outcome of a calibration.
type Result struct {
	PositionSize float64 `json:"positionSize"`
	Target       float64 `json:"target"`
	NumTrades    int     `json:"numTrades"`

	// Bankroll is the calibrated bankroll when Found; otherwise zero
	Bankroll float64 `json:"bankroll"`
	Found    bool    `json:"found"`
	Low      float64 `json:"low"`  // Final bracket
	High     float64 `json:"high"` // Final bracket
	Seed     int64   `json:"seed"`

	Probes  []Probe       `json:"probes"`
	Caveats types.Caveats `json:"caveats,omitempty"`
}

// Calibrator runs the bankroll search.
type Calibrator struct {
	logger  *zap.Logger
	engine  *montecarlo.Engine
	metrics *metrics.Metrics
}

// NewCalibrator creates a calibrator that probes with engine.
func NewCalibrator(logger *zap.Logger, engine *montecarlo.Engine, m *metrics.Metrics) *Calibrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Calibrator{
		logger:  logger,
		engine:  engine,
		metrics: m,
	}
}

// Calibrate binary-searches [Low, Upper] for the smallest bankroll whose
// simulated bankruptcy probability is below Target.
//
// The search runs a fixed number of iterations since the objective is a
// Monte Carlo estimate. Every probe reuses one seed, so all probes see the
// same draws and the estimate is non-increasing in bankroll. If the upper
// limit itself fails, the result carries NoSafeBankroll and no bankroll.
func (c *Calibrator) Calibrate(ctx context.Context, s sample.ReturnSample, req Request) (Result, error) {
	if err := req.Validate(); err != nil {
		return Result{}, err
	}
	if s.IsEmpty() {
		return Result{}, sample.ErrEmptySample
	}

	start := time.Now()
	seed := req.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	res := Result{
		PositionSize: req.PositionSize,
		Target:       req.Target,
		NumTrades:    req.NumTrades,
		Seed:         seed,
		Probes:       make([]Probe, 0, req.Iterations+1),
	}
	if v, ok := req.Edge.Get(); ok && v <= 0 {
		res.Caveats = res.Caveats.Add(types.CaveatNegativeEdge,
			"negative edge: every finite bankroll is eventually ruined, answer holds for the simulated horizon only")
	}
	if s.Len() < types.MinUsableSample {
		res.Caveats = res.Caveats.Add(types.CaveatInsufficientSample,
			fmt.Sprintf("calibrated on only %d trades", s.Len()))
	}

	c.logger.Info("starting bankroll calibration",
		zap.Float64("position_size", req.PositionSize),
		zap.Float64("target", req.Target),
		zap.Float64("low", req.Low()),
		zap.Float64("upper", req.Upper),
		zap.Int("iterations", req.Iterations),
	)

	probe := func(iteration int, bankroll float64) (Probe, error) {
		run, err := c.engine.Run(ctx, s, montecarlo.Config{
			InitialBankroll: bankroll,
			PositionSize:    req.PositionSize,
			NumPaths:        req.ProbePaths,
			NumTrades:       req.NumTrades,
			Seed:            seed,
		})
		if err != nil {
			return Probe{}, fmt.Errorf("probe %d at bankroll %v: %w", iteration, bankroll, err)
		}

		p := Probe{
			Iteration:           iteration,
			Bankroll:            bankroll,
			ProbabilityBankrupt: run.ProbabilityBankrupt,
			Pass:                run.ProbabilityBankrupt < req.Target,
		}
		res.Probes = append(res.Probes, p)
		c.metrics.ObserveProbe()
		if req.OnProbe != nil {
			req.OnProbe(p)
		}

		c.logger.Debug("calibration probe",
			zap.Int("iteration", iteration),
			zap.Float64("bankroll", bankroll),
			zap.Float64("probability_bankrupt", run.ProbabilityBankrupt),
			zap.Bool("pass", p.Pass),
		)
		return p, nil
	}

	lo, hi := req.Low(), req.Upper
	top, err := probe(0, hi)
	if err != nil {
		return Result{}, err
	}
	if !top.Pass {
		res.Low, res.High = lo, hi
		res.Caveats = res.Caveats.Add(types.CaveatNoSafeBankroll,
			fmt.Sprintf("no bankroll up to %v keeps bankruptcy probability below %v", req.Upper, req.Target))
		c.finish(res, start)
		return res, nil
	}

	for i := 1; i <= req.Iterations; i++ {
		mid := (lo + hi) / 2
		p, err := probe(i, mid)
		if err != nil {
			return Result{}, err
		}
		if p.Pass {
			hi = mid
		} else {
			lo = mid
		}
	}

	res.Low, res.High = lo, hi
	res.Bankroll = hi
	res.Found = true
	c.finish(res, start)
	return res, nil
}

func (c *Calibrator) finish(res Result, start time.Time) {
	elapsed := time.Since(start)
	c.metrics.ObserveCalibration(elapsed)
	c.metrics.ObserveCaveats(res.Caveats)

	if !res.Found {
		c.logger.Warn("no safe bankroll within searched range",
			zap.Float64("position_size", res.PositionSize),
			zap.Float64("upper", res.High),
		)
		return
	}
	c.logger.Info("bankroll calibration complete",
		zap.Float64("position_size", res.PositionSize),
		zap.Float64("bankroll", res.Bankroll),
		zap.Int("probes", len(res.Probes)),
		zap.Duration("elapsed", elapsed),
	)
}

// CalibrateTable calibrates each position size with the rest of base.
func (c *Calibrator) CalibrateTable(ctx context.Context, s sample.ReturnSample, base Request, sizes []float64) ([]Result, error) {
	results := make([]Result, 0, len(sizes))
	for _, size := range sizes {
		req := base
		req.PositionSize = size
		res, err := c.Calibrate(ctx, s, req)
		if err != nil {
			return nil, fmt.Errorf("position size %v: %w", size, err)
		}
		results = append(results, res)
	}
	return results, nil
}
