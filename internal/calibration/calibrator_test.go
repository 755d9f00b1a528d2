package calibration_test

import (
	"context"
	"testing"

	"github.com/atlas-desktop/ruinlab/internal/calibration"
	"github.com/atlas-desktop/ruinlab/internal/montecarlo"
	"github.com/atlas-desktop/ruinlab/internal/sample"
	"github.com/atlas-desktop/ruinlab/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// Three wins of 0.5 for every loss of 0.9: positive edge with a real risk of
// early ruin at small bankrolls.
func skewedSample() sample.ReturnSample {
	return sample.MustNew(0.5, 0.5, 0.5, -0.9, 0.5, 0.5, 0.5, -0.9, 0.5, 0.5, 0.5, -0.9)
}

func newCalibrator() (*calibration.Calibrator, *montecarlo.Engine) {
	engine := montecarlo.NewEngine(zap.NewNop(), nil, nil)
	return calibration.NewCalibrator(zap.NewNop(), engine, nil), engine
}

func testRequest() calibration.Request {
	return calibration.Request{
		PositionSize: 1,
		Target:       0.05,
		LowMultiple:  1,
		Upper:        50,
		Iterations:   20,
		ProbePaths:   2000,
		NumTrades:    200,
		Seed:         17,
	}
}

func TestRuinProbabilityIsMonotoneInBankroll(t *testing.T) {
	_, engine := newCalibrator()
	prev := 1.0
	for bankroll := 1.0; bankroll <= 12; bankroll += 0.5 {
		res, err := engine.Run(context.Background(), skewedSample(), montecarlo.Config{
			InitialBankroll: bankroll,
			PositionSize:    1,
			NumPaths:        2000,
			NumTrades:       200,
			Seed:            17,
		})
		require.NoError(t, err)
		assert.LessOrEqual(t, res.ProbabilityBankrupt, prev, "bankroll=%v", bankroll)
		prev = res.ProbabilityBankrupt
	}
}

func TestCalibrateBracketsTarget(t *testing.T) {
	calibrator, engine := newCalibrator()
	req := testRequest()

	var probes []calibration.Probe
	req.OnProbe = func(p calibration.Probe) { probes = append(probes, p) }

	res, err := calibrator.Calibrate(context.Background(), skewedSample(), req)
	require.NoError(t, err)

	require.True(t, res.Found)
	assert.Len(t, res.Probes, req.Iterations+1)
	assert.Equal(t, res.Probes, probes)
	assert.True(t, res.Probes[0].Pass)
	assert.Equal(t, res.High, res.Bankroll)
	assert.Less(t, res.High-res.Low, 1e-3)
	assert.Empty(t, res.Caveats)

	run := func(bankroll float64) float64 {
		out, err := engine.Run(context.Background(), skewedSample(), montecarlo.Config{
			InitialBankroll: bankroll,
			PositionSize:    req.PositionSize,
			NumPaths:        req.ProbePaths,
			NumTrades:       req.NumTrades,
			Seed:            req.Seed,
		})
		require.NoError(t, err)
		return out.ProbabilityBankrupt
	}

	assert.Less(t, run(res.Bankroll), req.Target)
	assert.GreaterOrEqual(t, run(res.Bankroll/2), req.Target)
}

func TestCalibrateReportsNoSafeBankroll(t *testing.T) {
	calibrator, _ := newCalibrator()

	res, err := calibrator.Calibrate(context.Background(), sample.MustNew(-0.5, -0.3), testRequest())
	require.NoError(t, err)

	assert.False(t, res.Found)
	assert.Zero(t, res.Bankroll)
	assert.Len(t, res.Probes, 1)
	assert.Equal(t, 50.0, res.Probes[0].Bankroll)
	assert.True(t, res.Caveats.Has(types.CaveatNoSafeBankroll))
	assert.True(t, res.Caveats.Has(types.CaveatInsufficientSample))
}

func TestCalibrateFlagsNegativeEdge(t *testing.T) {
	calibrator, _ := newCalibrator()
	req := testRequest()
	req.Edge = types.Defined(-0.1)
	req.Iterations = 3

	res, err := calibrator.Calibrate(context.Background(), skewedSample(), req)
	require.NoError(t, err)
	assert.True(t, res.Caveats.Has(types.CaveatNegativeEdge))
}

func TestCalibrateTable(t *testing.T) {
	calibrator, _ := newCalibrator()
	req := testRequest()
	req.Iterations = 8
	req.ProbePaths = 500

	results, err := calibrator.CalibrateTable(context.Background(), skewedSample(), req, []float64{0.5, 1, 2})
	require.NoError(t, err)
	require.Len(t, results, 3)

	for i, res := range results {
		require.True(t, res.Found)
		if i > 0 {
			assert.Greater(t, res.Bankroll, results[i-1].Bankroll)
		}
	}
}

func TestRequestValidation(t *testing.T) {
	calibrator, _ := newCalibrator()

	tests := []struct {
		name   string
		modify func(*calibration.Request)
	}{
		{"zero position", func(r *calibration.Request) { r.PositionSize = 0 }},
		{"target out of range", func(r *calibration.Request) { r.Target = 1 }},
		{"bracket below stake", func(r *calibration.Request) { r.LowMultiple = 0.5 }},
		{"empty bracket", func(r *calibration.Request) { r.Upper = 1 }},
		{"no iterations", func(r *calibration.Request) { r.Iterations = 0 }},
		{"no probe paths", func(r *calibration.Request) { r.ProbePaths = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := testRequest()
			tt.modify(&req)
			_, err := calibrator.Calibrate(context.Background(), skewedSample(), req)
			assert.ErrorIs(t, err, calibration.ErrInvalidRequest)
		})
	}
}
