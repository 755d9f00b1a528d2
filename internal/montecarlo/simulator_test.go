package montecarlo_test

import (
	"context"
	"testing"

	"github.com/atlas-desktop/ruinlab/internal/metrics"
	"github.com/atlas-desktop/ruinlab/internal/montecarlo"
	"github.com/atlas-desktop/ruinlab/internal/sample"
	"github.com/atlas-desktop/ruinlab/internal/workers"
	"github.com/atlas-desktop/ruinlab/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newPool(t *testing.T, n int) *workers.Pool {
	t.Helper()
	cfg := workers.DefaultPoolConfig("montecarlo-test")
	cfg.NumWorkers = n
	cfg.MinChunk = 64
	pool := workers.NewPool(zap.NewNop(), cfg)
	pool.Start()
	t.Cleanup(func() { _ = pool.Stop() })
	return pool
}

func mixedSample() sample.ReturnSample {
	return sample.MustNew(0.4, 0.1, -0.3, 0.25, -0.6, 0.05, 0.3, -0.2, 0.15, -0.1, 0.8, -0.5)
}

func TestRunIsDeterministicAcrossWorkerCounts(t *testing.T) {
	cfg := montecarlo.Config{
		InitialBankroll: 1,
		PositionSize:    0.1,
		NumPaths:        2000,
		NumTrades:       150,
		Seed:            7,
	}
	s := mixedSample()

	serial, err := montecarlo.NewEngine(zap.NewNop(), nil, nil).Simulate(context.Background(), s, cfg)
	require.NoError(t, err)

	for _, n := range []int{1, 3, 8} {
		run, err := montecarlo.NewEngine(zap.NewNop(), nil, newPool(t, n)).Simulate(context.Background(), s, cfg)
		require.NoError(t, err)
		assert.Equal(t, serial.Paths.Bankroll, run.Paths.Bankroll, "workers=%d", n)
		assert.Equal(t, serial.Paths.Alive, run.Paths.Alive, "workers=%d", n)
		assert.Equal(t, serial.Paths.MinSeen, run.Paths.MinSeen, "workers=%d", n)
	}

	a, err := montecarlo.NewEngine(zap.NewNop(), nil, newPool(t, 4)).Run(context.Background(), s, cfg)
	require.NoError(t, err)
	b, err := montecarlo.NewEngine(zap.NewNop(), nil, nil).Run(context.Background(), s, cfg)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, int64(7), a.Seed)
}

func TestAllPositiveSampleNeverRuins(t *testing.T) {
	engine := montecarlo.NewEngine(zap.NewNop(), nil, nil)
	cfg := montecarlo.DefaultConfig()
	cfg.NumPaths = 500

	res, err := engine.Run(context.Background(), sample.MustNew(0.01, 0.03, 0.2), cfg)
	require.NoError(t, err)

	assert.Zero(t, res.ProbabilityBankrupt)
	assert.Equal(t, 1.0, res.ProbabilityProfit)
	assert.Greater(t, res.Min, cfg.InitialBankroll)
	assert.InDelta(t, 0, res.MedianMaxDrawdown, 1e-12)
}

func TestHeavyTailLossRuinsMostPaths(t *testing.T) {
	engine := montecarlo.NewEngine(zap.NewNop(), nil, nil)
	cfg := montecarlo.DefaultConfig()
	cfg.NumPaths = 2000

	res, err := engine.Run(context.Background(), sample.MustNew(0.02, 0.02, 0.02, -1.0), cfg)
	require.NoError(t, err)

	assert.Greater(t, res.ProbabilityBankrupt, 0.8)
	assert.True(t, res.Caveats.Has(types.CaveatNegativeEdge))
	assert.True(t, res.Caveats.Has(types.CaveatInsufficientSample))
	assert.Zero(t, res.P5)
}

func TestTotalLossSampleRuinsMostPaths(t *testing.T) {
	engine := montecarlo.NewEngine(zap.NewNop(), nil, newPool(t, 4))
	cfg := montecarlo.Config{
		InitialBankroll: 0.06,
		PositionSize:    0.015,
		NumPaths:        10000,
		NumTrades:       200,
		Seed:            42,
	}

	res, err := engine.Run(context.Background(), sample.MustNew(0.02, 0.02, 0.02, -1.0), cfg)
	require.NoError(t, err)

	assert.Greater(t, res.ProbabilityBankrupt, 0.8)
	assert.True(t, res.Caveats.Has(types.CaveatNegativeEdge))
	assert.Zero(t, res.Median)
}

func TestTotalLossAbsorbsWithNoResidue(t *testing.T) {
	engine := montecarlo.NewEngine(zap.NewNop(), nil, nil)
	cfg := montecarlo.Config{
		InitialBankroll: 0.06,
		PositionSize:    0.015,
		NumPaths:        4,
		NumTrades:       10,
		Seed:            3,
	}

	run, err := engine.Simulate(context.Background(), sample.MustNew(-1.0), cfg)
	require.NoError(t, err)

	for i := 0; i < run.Paths.Len(); i++ {
		assert.False(t, run.Paths.Alive[i])
		// Four full stakes: 0.06 -> 0.045 -> 0.03 -> 0.015 -> 0
		assert.InDelta(t, 0, run.Paths.Bankroll[i], 1e-12)
		assert.InDelta(t, 0.015, run.Paths.MinSeen[i], 1e-12)
	}
	assert.Equal(t, 1.0, montecarlo.Aggregate(run.Paths, cfg).ProbabilityBankrupt)
}

func TestAbsorbedPathKeepsResidue(t *testing.T) {
	engine := montecarlo.NewEngine(zap.NewNop(), nil, nil)
	cfg := montecarlo.Config{
		InitialBankroll: 1,
		PositionSize:    0.25,
		NumPaths:        3,
		NumTrades:       10,
		Seed:            1,
	}

	run, err := engine.Simulate(context.Background(), sample.MustNew(-0.5), cfg)
	require.NoError(t, err)

	for i := 0; i < run.Paths.Len(); i++ {
		assert.False(t, run.Paths.Alive[i])
		// Loses 0.125 a trade: 1 -> ... -> 0.25 -> 0.125, absorbed below the stake
		assert.Equal(t, 0.125, run.Paths.Bankroll[i])
		assert.Equal(t, 0.25, run.Paths.MinSeen[i])
	}
	assert.Equal(t, []float64{0, 0, 0}, run.Paths.Terminal())

	res := montecarlo.Aggregate(run.Paths, cfg)
	assert.Equal(t, 1.0, res.ProbabilityBankrupt)
	assert.Zero(t, res.Max)
}

func TestAggregate(t *testing.T) {
	cfg := montecarlo.Config{InitialBankroll: 1, PositionSize: 0.1, NumPaths: 4, NumTrades: 1}
	paths := montecarlo.NewPathBuffer(4, 1)
	paths.Bankroll = []float64{0.05, 0.5, 1.5, 2.5}
	paths.Alive = []bool{false, true, true, true}
	paths.MinSeen = []float64{0.2, 0.5, 0.9, 1}

	res := montecarlo.Aggregate(paths, cfg)

	assert.Equal(t, 0.25, res.ProbabilityBankrupt)
	assert.Equal(t, 0.5, res.ProbabilityProfit)
	assert.Equal(t, 0.25, res.ProbabilityDouble)
	assert.InDelta(t, 1.0, res.Median, 1e-12)
	assert.InDelta(t, 1.125, res.Mean, 1e-12)
	assert.Zero(t, res.Min)
	assert.Equal(t, 2.5, res.Max)
	assert.InDelta(t, 0.7, res.MedianMinBankroll, 1e-12)
	assert.InDelta(t, 0.3, res.MedianMaxDrawdown, 1e-12)
}

func TestConfigValidation(t *testing.T) {
	engine := montecarlo.NewEngine(zap.NewNop(), nil, nil)
	base := montecarlo.DefaultConfig()

	tests := []struct {
		name   string
		modify func(*montecarlo.Config)
	}{
		{"zero bankroll", func(c *montecarlo.Config) { c.InitialBankroll = 0 }},
		{"zero position", func(c *montecarlo.Config) { c.PositionSize = 0 }},
		{"position above bankroll", func(c *montecarlo.Config) { c.PositionSize = c.InitialBankroll * 2 }},
		{"no paths", func(c *montecarlo.Config) { c.NumPaths = 0 }},
		{"no trades", func(c *montecarlo.Config) { c.NumTrades = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.modify(&cfg)
			_, err := engine.Run(context.Background(), mixedSample(), cfg)
			assert.ErrorIs(t, err, montecarlo.ErrInvalidConfig)
		})
	}

	_, err := engine.Run(context.Background(), sample.ReturnSample{}, base)
	assert.ErrorIs(t, err, sample.ErrEmptySample)
}

func TestRunHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := montecarlo.NewEngine(zap.NewNop(), nil, nil).Run(ctx, mixedSample(), montecarlo.DefaultConfig())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunRecordsMetrics(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry(), "test")
	engine := montecarlo.NewEngine(zap.NewNop(), m, nil)
	cfg := montecarlo.Config{InitialBankroll: 1, PositionSize: 0.1, NumPaths: 100, NumTrades: 20, Seed: 3}

	_, err := engine.Run(context.Background(), mixedSample(), cfg)
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SimulationsTotal))
	assert.Equal(t, 100.0, testutil.ToFloat64(m.PathsSimulated))
	assert.Equal(t, 20.0, testutil.ToFloat64(m.StepsSimulated))
}

func TestSweepSkipsOversizedPositions(t *testing.T) {
	engine := montecarlo.NewEngine(zap.NewNop(), nil, nil)
	base := montecarlo.Config{InitialBankroll: 0.1, PositionSize: 0.01, NumPaths: 200, NumTrades: 50, Seed: 11}

	rows, err := engine.Sweep(context.Background(), mixedSample(), base, []float64{0.005, 0.02, 0.5})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, 0.005, rows[0].PositionSize)
	assert.InDelta(t, 0.05, rows[0].FractionOfBankroll, 1e-12)
	assert.Equal(t, 0.02, rows[1].Result.Config.PositionSize)
}
