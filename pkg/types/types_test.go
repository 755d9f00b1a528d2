package types_test

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/atlas-desktop/ruinlab/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimateNeverCarriesInfinity(t *testing.T) {
	e := types.Defined(math.Inf(1))
	_, ok := e.Get()
	assert.False(t, ok)
	assert.Equal(t, 0.5, e.Or(0.5))

	e = types.Defined(1.25)
	v, ok := e.Get()
	assert.True(t, ok)
	assert.Equal(t, 1.25, v)
}

func TestEstimateJSON(t *testing.T) {
	data, err := json.Marshal(types.Undefined("no losses observed"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"degenerate":true,"reason":"no losses observed"}`, string(data))

	var back types.Estimate
	require.NoError(t, json.Unmarshal([]byte(`{"value":0.25}`), &back))
	v, ok := back.Get()
	assert.True(t, ok)
	assert.Equal(t, 0.25, v)
}

func TestCaveatsDeduplicate(t *testing.T) {
	var c types.Caveats
	c = c.Add(types.CaveatNegativeEdge, "a")
	c = c.Add(types.CaveatNegativeEdge, "b")
	c = c.Merge(types.Caveats{{Kind: types.CaveatInsufficientSample, Message: "n=3"}})

	require.Len(t, c, 2)
	assert.True(t, c.Has(types.CaveatInsufficientSample))
	assert.False(t, c.Has(types.CaveatNoSafeBankroll))
}

func TestTradeReturnAndPredicates(t *testing.T) {
	trade := types.Trade{
		PnL:        decimal.NewFromFloat(-0.0075),
		Invested:   decimal.NewFromFloat(0.015),
		ExitReason: "stop_loss",
	}
	assert.InDelta(t, -0.5, trade.Return(), 1e-12)

	dust := types.Trade{ExitReason: "dust_skip", Invested: decimal.NewFromFloat(0.001)}
	assert.Equal(t, 0.0, types.Trade{}.Return())

	exclude := types.AnyOf(
		types.ExitReasonIs("dust_skip"),
		types.InvestedBelow(decimal.NewFromFloat(0.005)),
	)
	assert.True(t, exclude(dust))
	assert.False(t, exclude(trade))
}
