// Package metrics provides Prometheus instrumentation for simulation runs.
package metrics

import (
	"time"

	"github.com/atlas-desktop/ruinlab/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// Simulation metrics
	SimulationsTotal    prometheus.Counter
	PathsSimulated      prometheus.Counter
	StepsSimulated      prometheus.Counter
	SimulationDuration  prometheus.Histogram
	LastRuinProbability prometheus.Gauge

	// Calibration metrics
	CalibrationProbes   prometheus.Counter
	CalibrationDuration prometheus.Histogram

	// Scenario and result metrics
	ScenariosApplied *prometheus.CounterVec
	CaveatsRaised    *prometheus.CounterVec
	AnalysesTotal    *prometheus.CounterVec
}

// New creates a Metrics instance registered on reg. Each caller supplies its
// own registry; nothing is registered globally.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = "ruinlab"
	}
	factory := promauto.With(reg)

	return &Metrics{
		SimulationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "montecarlo",
			Name:      "simulations_total",
			Help:      "Total number of Monte Carlo simulations completed",
		}),
		PathsSimulated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "montecarlo",
			Name:      "paths_simulated_total",
			Help:      "Total number of bankroll paths simulated",
		}),
		StepsSimulated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "montecarlo",
			Name:      "steps_simulated_total",
			Help:      "Total number of bulk trade steps executed",
		}),
		SimulationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "montecarlo",
			Name:      "simulation_duration_seconds",
			Help:      "Duration of one Monte Carlo simulation",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		LastRuinProbability: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "montecarlo",
			Name:      "last_bankruptcy_probability",
			Help:      "Bankruptcy probability of the most recent simulation",
		}),
		CalibrationProbes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "calibration",
			Name:      "probes_total",
			Help:      "Total number of calibration probe simulations",
		}),
		CalibrationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "calibration",
			Name:      "duration_seconds",
			Help:      "Duration of one bankroll calibration",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		ScenariosApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scenario",
			Name:      "transforms_applied_total",
			Help:      "Scenario transforms applied, by kind",
		}, []string{"kind"}),
		CaveatsRaised: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "caveats_total",
			Help:      "Caveats attached to results, by kind",
		}, []string{"kind"}),
		AnalysesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "analysis",
			Name:      "runs_total",
			Help:      "Full analysis runs, by outcome",
		}, []string{"status"}),
	}
}

// ObserveSimulation records one completed simulation.
func (m *Metrics) ObserveSimulation(paths, steps int, elapsed time.Duration, pBankrupt float64) {
	if m == nil {
		return
	}
	m.SimulationsTotal.Inc()
	m.PathsSimulated.Add(float64(paths))
	m.StepsSimulated.Add(float64(steps))
	m.SimulationDuration.Observe(elapsed.Seconds())
	m.LastRuinProbability.Set(pBankrupt)
}

// ObserveProbe records one calibration probe.
func (m *Metrics) ObserveProbe() {
	if m == nil {
		return
	}
	m.CalibrationProbes.Inc()
}

// ObserveCalibration records one finished calibration.
func (m *Metrics) ObserveCalibration(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.CalibrationDuration.Observe(elapsed.Seconds())
}

// ObserveScenario records one applied transform.
func (m *Metrics) ObserveScenario(kind string) {
	if m == nil {
		return
	}
	m.ScenariosApplied.WithLabelValues(kind).Inc()
}

// ObserveCaveats counts caveats by kind.
func (m *Metrics) ObserveCaveats(caveats types.Caveats) {
	if m == nil {
		return
	}
	for _, c := range caveats {
		m.CaveatsRaised.WithLabelValues(string(c.Kind)).Inc()
	}
}

// ObserveAnalysis records the outcome of a full analysis run.
func (m *Metrics) ObserveAnalysis(status string) {
	if m == nil {
		return
	}
	m.AnalysesTotal.WithLabelValues(status).Inc()
}
