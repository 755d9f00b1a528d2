package analysis

import (
	"github.com/atlas-desktop/ruinlab/internal/calibration"
	"github.com/atlas-desktop/ruinlab/internal/config"
	"github.com/atlas-desktop/ruinlab/internal/montecarlo"
	"github.com/atlas-desktop/ruinlab/internal/ruin"
	"github.com/atlas-desktop/ruinlab/internal/scenario"
)

// Options configures one analysis run.
type Options struct {
	Simulation montecarlo.Config `json:"simulation"`
	SweepSizes []float64         `json:"sweepSizes,omitempty"`

	Scenarios     []scenario.Spec `json:"scenarios,omitempty"`
	ScenarioSeed  int64           `json:"scenarioSeed"`
	TailThreshold float64         `json:"tailThreshold"`

	ExcludeExitReasons []string `json:"excludeExitReasons,omitempty"`
	MinInvested        float64  `json:"minInvested"`
	GroupMinTrades     int      `json:"groupMinTrades"`

	// Calibration is the base request; PositionSize and Edge are filled per run
	Calibration      calibration.Request `json:"calibration"`
	CalibrationSizes []float64           `json:"calibrationSizes,omitempty"`

	RuinTolerance float64 `json:"ruinTolerance"`
	StopBuffers   []int   `json:"stopBuffers,omitempty"`
}

// DefaultOptions returns options from the default configuration.
func DefaultOptions() Options {
	return FromConfig(config.Default())
}

// FromConfig derives run options from application config.
func FromConfig(cfg *config.Config) Options {
	return Options{
		Simulation:         cfg.Simulation,
		SweepSizes:         cfg.Sweep.PositionSizes,
		Scenarios:          cfg.Scenarios.Specs(),
		ScenarioSeed:       cfg.Scenarios.Seed,
		TailThreshold:      cfg.Scenarios.TailThreshold,
		ExcludeExitReasons: cfg.Kelly.ExcludeExitReasons,
		MinInvested:        cfg.Kelly.MinInvested,
		GroupMinTrades:     cfg.Kelly.GroupMinTrades,
		Calibration:        cfg.Request(cfg.Simulation.PositionSize),
		CalibrationSizes:   cfg.Calibration.PositionSizes,
		RuinTolerance:      cfg.Ruin.Tolerance,
		StopBuffers:        cfg.Ruin.StopBuffers,
	}
}

func (o Options) tolerance() float64 {
	if o.RuinTolerance > 0 {
		return o.RuinTolerance
	}
	return ruin.DefaultTolerance
}
