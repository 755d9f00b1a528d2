package scenario_test

import (
	"math/rand"
	"testing"

	"github.com/atlas-desktop/ruinlab/internal/sample"
	"github.com/atlas-desktop/ruinlab/internal/scenario"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func observed() sample.ReturnSample {
	return sample.MustNew(0.3, -0.95, 0.1, -0.2, 0.05, -0.99, 0.4, -0.6, 0.2, -0.1)
}

func TestCapFloorProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for trial := 0; trial < 200; trial++ {
		values := make([]float64, 1+rng.Intn(40))
		for i := range values {
			values[i] = -0.999 + rng.Float64()*3
		}
		src := sample.MustNew(values...)
		floor := -0.9 + rng.Float64()*0.8

		out, err := scenario.Cap{Floor: floor}.Apply(src, nil)
		require.NoError(t, err)
		require.Equal(t, src.Len(), out.Len())

		assert.GreaterOrEqual(t, out.Min(), floor)
		for i := 0; i < src.Len(); i++ {
			if src.At(i) >= floor {
				assert.Equal(t, src.At(i), out.At(i))
			}
		}
	}
}

func TestReplaceMovesOnlyTail(t *testing.T) {
	out, err := scenario.Replace{Below: -0.9, With: -0.5}.Apply(observed(), nil)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.3, -0.5, 0.1, -0.2, 0.05, -0.5, 0.4, -0.6, 0.2, -0.1}, out.Values())

	_, err = scenario.Replace{Below: -0.9, With: -1.5}.Apply(observed(), nil)
	assert.ErrorIs(t, err, scenario.ErrInvalidParameter)
}

func TestDefaultBatteryKeepsLossesAboveThreshold(t *testing.T) {
	battery := scenario.DefaultBattery(-0.9)
	require.Equal(t, "A: loss cap", battery[0].Name)

	sc, err := battery[0].Build()
	require.NoError(t, err)
	out, err := sc.Apply(sample.MustNew(-0.6, -0.95, -1.0, 0.2), 1)
	require.NoError(t, err)
	assert.Equal(t, []float64{-0.6, -0.5, -0.5, 0.2}, out.Sample.Values())
}

func TestTransformsDoNotMutateSource(t *testing.T) {
	src := observed()
	before := src.Values()

	sc := scenario.Compose("all",
		scenario.Cap{Floor: -0.5},
		scenario.ScaleWins{Factor: 2},
		scenario.TailResample{Threshold: -0.15, Target: 0.3, Size: 50},
	)
	_, err := sc.Apply(src, 9)
	require.NoError(t, err)

	assert.Equal(t, before, src.Values())
}

func TestScaleWins(t *testing.T) {
	out, err := scenario.ScaleWins{Factor: 1.5}.Apply(sample.MustNew(0.2, -0.4, 0, 1), nil)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0.3, -0.4, 0, 1.5}, out.Values(), 1e-12)
}

func TestTailResampleConvergesToTarget(t *testing.T) {
	src := observed() // 2 of 10 below -0.9
	tr := func(size int) scenario.TailResample {
		return scenario.TailResample{Threshold: -0.9, Target: 0.05, Size: size}
	}

	for _, size := range []int{100, 1000, 100000} {
		out, err := tr(size).Apply(src, rand.New(rand.NewSource(5)))
		require.NoError(t, err)
		require.Equal(t, size, out.Len())

		share := out.Proportion(sample.Below(-0.9))
		assert.InDelta(t, 0.05, share, 1.0/float64(size)+1e-12, "size=%d", size)
	}
}

func TestTailResampleCounts(t *testing.T) {
	tests := []struct {
		n, target       float64
		wantTail, wantR int
	}{
		{n: 10, target: 0.05, wantTail: 1, wantR: 9},
		{n: 100, target: 0.05, wantTail: 5, wantR: 95},
		{n: 10, target: 0, wantTail: 0, wantR: 10},
		{n: 10, target: 1, wantTail: 10, wantR: 0},
	}
	for _, tt := range tests {
		tail, rest := scenario.TailResample{Target: tt.target}.Counts(int(tt.n))
		assert.Equal(t, tt.wantTail, tail)
		assert.Equal(t, tt.wantR, rest)
	}
}

func TestTailResampleZeroTargetDropsTail(t *testing.T) {
	out, err := scenario.TailResample{Threshold: -0.9, Target: 0}.Apply(observed(), rand.New(rand.NewSource(2)))
	require.NoError(t, err)
	assert.Equal(t, 10, out.Len())
	assert.Zero(t, out.Proportion(sample.Below(-0.9)))
}

func TestTailResampleEmptyPartition(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	_, err := scenario.TailResample{Threshold: -0.9, Target: 0.1}.Apply(sample.MustNew(0.1, 0.2), rng)
	assert.ErrorIs(t, err, scenario.ErrEmptyPartition)

	_, err = scenario.TailResample{Threshold: 1, Target: 0.5}.Apply(sample.MustNew(0.1, 0.2), rng)
	assert.ErrorIs(t, err, scenario.ErrEmptyPartition)

	_, err = scenario.TailResample{Threshold: -0.9, Target: 1.5}.Apply(observed(), rng)
	assert.ErrorIs(t, err, scenario.ErrInvalidParameter)
}

func TestComposeLabelAndOrder(t *testing.T) {
	sc := scenario.Compose("D",
		scenario.Cap{Floor: -0.5},
		scenario.TailResample{Threshold: -0.45, Target: 0.05},
	)
	assert.Equal(t, "D: cap(-0.50) -> tail(<-0.45 @ 5.0%)", sc.Label())

	out, err := sc.Apply(observed(), 3)
	require.NoError(t, err)
	assert.Equal(t, sc.Label(), out.Label)
	// After the cap every loss beyond -0.45 sits at -0.50, one slot of ten.
	assert.Equal(t, 10, out.Sample.Len())
	assert.Equal(t, -0.5, out.Sample.Min())
	assert.InDelta(t, 0.1, out.Sample.Proportion(sample.Below(-0.45)), 1e-12)

	assert.Equal(t, "E: identity", scenario.Compose("E").Label())
}

func TestScenarioApplyIsSeeded(t *testing.T) {
	sc := scenario.Compose("B", scenario.TailResample{Threshold: -0.9, Target: 0.1, Size: 500})

	a, err := sc.Apply(observed(), 42)
	require.NoError(t, err)
	b, err := sc.Apply(observed(), 42)
	require.NoError(t, err)
	assert.Equal(t, a.Sample.Values(), b.Sample.Values())
}

func TestSpecBuild(t *testing.T) {
	for _, spec := range scenario.DefaultBattery(-0.9) {
		sc, err := spec.Build()
		require.NoError(t, err, spec.Name)
		_, err = sc.Apply(observed(), 1)
		require.NoError(t, err, spec.Name)
	}

	_, err := scenario.Spec{Name: "bad", Steps: []scenario.StepSpec{{Kind: "shuffle"}}}.Build()
	assert.ErrorIs(t, err, scenario.ErrInvalidParameter)

	_, err = scenario.Spec{}.Build()
	assert.ErrorIs(t, err, scenario.ErrInvalidParameter)
}
