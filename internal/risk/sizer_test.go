package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grid-risk-engine/internal/models"
)

func TestNewFixedFractionalSizerBounds(t *testing.T) {
	for _, pct := range []float64{0.0005, 0, -0.01, 0.11} {
		_, err := NewFixedFractionalSizer(pct)
		require.Error(t, err, "risk pct %v", pct)
		assert.True(t, models.IsValidation(err))
	}
	for _, pct := range []float64{0.001, 0.02, 0.10} {
		_, err := NewFixedFractionalSizer(pct)
		require.NoError(t, err, "risk pct %v", pct)
	}
}

func TestFixedFractionalCalculate(t *testing.T) {
	sizer, err := NewFixedFractionalSizer(0.02)
	require.NoError(t, err)

	// Scenario: 2% of 10000 = 200 at risk; 5 of price distance => 40 units.
	res, err := sizer.Calculate(10000, 100, 95)
	require.NoError(t, err)
	assert.InDelta(t, 40, res.Amount, 1e-9)
	assert.InDelta(t, 200, res.RiskAmount, 1e-9)
	assert.InDelta(t, 4000, res.PositionValue, 1e-9)

	// Distance is symmetric: a stop above entry (short) sizes identically.
	res, err = sizer.Calculate(10000, 100, 105)
	require.NoError(t, err)
	assert.InDelta(t, 40, res.Amount, 1e-9)
}

func TestFixedFractionalZeroPriceRisk(t *testing.T) {
	sizer, err := NewFixedFractionalSizer(0.02)
	require.NoError(t, err)

	_, err = sizer.Calculate(10000, 100, 100)
	require.Error(t, err)
	assert.True(t, models.IsValidation(err), "entry == stop must be a validation error")

	// The failure condition is exactly entry == stop; any distance passes.
	_, err = sizer.Calculate(10000, 100, 99.9999)
	assert.NoError(t, err)
}

func TestKellyScenario(t *testing.T) {
	// 0.6 - 0.4/(100/50) = 0.4, halved = 0.2.
	sizer := NewKellySizer(0.5)
	assert.InDelta(t, 0.2, sizer.CalculateKelly(0.6, 100, 50), 1e-9)
}

func TestKellyBounds(t *testing.T) {
	sizer := NewKellySizer(0.5)

	cases := []struct {
		winRate, avgWin, avgLoss float64
	}{
		{0.6, 100, 50},
		{0.9, 500, 10},  // would exceed 0.25 without the clamp
		{0.1, 10, 100},  // negative edge clamps to 0
		{0.5, 100, 0},   // zero avg loss yields 0
		{0, 0, 0},
		{1, 100, 100},
	}
	for _, c := range cases {
		got := sizer.CalculateKelly(c.winRate, c.avgWin, c.avgLoss)
		assert.GreaterOrEqual(t, got, 0.0, "case %+v", c)
		assert.LessOrEqual(t, got, 0.25, "case %+v", c)
	}

	assert.Equal(t, 0.0, sizer.CalculateKelly(0.5, 100, 0))
	assert.Equal(t, 0.25, sizer.CalculateKelly(0.9, 500, 10))
}
