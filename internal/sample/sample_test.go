package sample_test

import (
	"errors"
	"math"
	"testing"

	"github.com/atlas-desktop/ruinlab/internal/sample"
	"github.com/atlas-desktop/ruinlab/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsInvalidReturns(t *testing.T) {
	for _, bad := range []float64{-1.5, -1.0000001, math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err := sample.New([]float64{0.1, bad})
		assert.True(t, errors.Is(err, sample.ErrInvalidReturn), "value %v", bad)
	}
}

func TestNewAcceptsTotalLoss(t *testing.T) {
	s, err := sample.New([]float64{0.02, 0.02, 0.02, -1.0})
	require.NoError(t, err)
	assert.Equal(t, -1.0, s.Min())
}

func TestFromTradesKeepsRugAtFullLoss(t *testing.T) {
	trades := []types.Trade{
		{PnL: decimal.RequireFromString("0.0003"), Invested: decimal.RequireFromString("0.015")},
		{PnL: decimal.RequireFromString("-0.015"), Invested: decimal.RequireFromString("0.015"), ExitReason: "rug_pull"},
	}

	s, err := sample.FromTrades(trades)
	require.NoError(t, err)
	require.Equal(t, 2, s.Len())
	assert.Equal(t, -1.0, s.At(1))
}

func TestNewCopiesInput(t *testing.T) {
	values := []float64{0.1, -0.2, 0.3}
	s, err := sample.New(values)
	require.NoError(t, err)

	values[0] = 99
	assert.Equal(t, 0.1, s.At(0))

	out := s.Values()
	out[1] = 99
	assert.Equal(t, -0.2, s.At(1))
}

func TestFromTradesSkipsTradesWithoutCapital(t *testing.T) {
	trades := []types.Trade{
		{PnL: decimal.NewFromFloat(0.001), Invested: decimal.NewFromFloat(0.01)},
		{PnL: decimal.NewFromFloat(-0.005), Invested: decimal.NewFromFloat(0.01)},
		{PnL: decimal.Zero, Invested: decimal.Zero, ExitReason: "dust_skip"},
	}

	s, err := sample.FromTrades(trades)
	require.NoError(t, err)
	require.Equal(t, 2, s.Len())
	assert.InDelta(t, 0.1, s.At(0), 1e-12)
	assert.InDelta(t, -0.5, s.At(1), 1e-12)
}

func TestPartitionAndSummary(t *testing.T) {
	s := sample.MustNew(0.02, 0.02, 0.02, -0.95)

	tail, rest := s.Partition(sample.Below(-0.9))
	assert.Equal(t, 1, tail.Len())
	assert.Equal(t, 3, rest.Len())
	assert.Equal(t, 4, s.Len(), "partition must not change the source")

	sum := s.Summarize()
	assert.Equal(t, 4, sum.N)
	assert.InDelta(t, 0.75, sum.WinShare, 1e-12)
	assert.Equal(t, -0.95, sum.Min)
	assert.Equal(t, 0.02, sum.Max)
	assert.InDelta(t, (0.06-0.95)/4, sum.Mean, 1e-12)
}
