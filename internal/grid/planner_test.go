package grid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grid-risk-engine/internal/models"
)

func validConfig() models.GridConfig {
	return models.GridConfig{
		Symbol:          "BTCUSDT",
		LowerPrice:      40000,
		UpperPrice:      50000,
		NumGrids:        11,
		TotalInvestment: 10000,
		Spacing:         models.SpacingArithmetic,
	}
}

func TestPlanArithmeticSpacing(t *testing.T) {
	levels, err := Plan(validConfig())
	require.NoError(t, err)
	require.Len(t, levels, 11)

	// Scenario: 40000..50000 over 11 levels gives a 1000 step.
	for i, lvl := range levels {
		assert.Equal(t, i, lvl.Index)
		assert.InDelta(t, 40000+float64(i)*1000, lvl.Price, 1e-9)
	}

	// Constant delta between consecutive levels.
	for i := 1; i < len(levels); i++ {
		assert.InDelta(t, 1000, levels[i].Price-levels[i-1].Price, 1e-9)
	}
}

func TestPlanGeometricSpacing(t *testing.T) {
	cfg := validConfig()
	cfg.Spacing = models.SpacingGeometric
	cfg.NumGrids = 6

	levels, err := Plan(cfg)
	require.NoError(t, err)
	require.Len(t, levels, 6)

	assert.InDelta(t, 40000, levels[0].Price, 1e-9)
	assert.InDelta(t, 50000, levels[5].Price, 1e-9)

	// Constant ratio between consecutive levels.
	ratio := levels[1].Price / levels[0].Price
	for i := 1; i < len(levels); i++ {
		assert.InDelta(t, ratio, levels[i].Price/levels[i-1].Price, 1e-9)
	}
	assert.Greater(t, ratio, 1.0)
}

func TestPlanStrictlyIncreasing(t *testing.T) {
	for _, spacing := range []models.Spacing{models.SpacingArithmetic, models.SpacingGeometric} {
		cfg := validConfig()
		cfg.Spacing = spacing
		levels, err := Plan(cfg)
		require.NoError(t, err)
		for i := 1; i < len(levels); i++ {
			assert.Greater(t, levels[i].Price, levels[i-1].Price, "spacing %s", spacing)
		}
	}
}

func TestPlanValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*models.GridConfig)
	}{
		{"too few grids", func(c *models.GridConfig) { c.NumGrids = 1 }},
		{"zero lower", func(c *models.GridConfig) { c.LowerPrice = 0 }},
		{"negative lower", func(c *models.GridConfig) { c.LowerPrice = -1 }},
		{"inverted range", func(c *models.GridConfig) { c.LowerPrice = 50000; c.UpperPrice = 40000 }},
		{"equal bounds", func(c *models.GridConfig) { c.LowerPrice = 50000 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			_, err := Plan(cfg)
			require.Error(t, err)
			assert.True(t, models.IsValidation(err))
		})
	}
}

func TestPlanCapitalAllocation(t *testing.T) {
	cfg := validConfig()
	levels, err := Plan(cfg)
	require.NoError(t, err)

	// Default allocation is 80%, spread evenly across all levels.
	want := 10000 * 0.80 / 11
	for _, lvl := range levels {
		assert.InDelta(t, want, lvl.Capital, 1e-9)
	}
	assert.InDelta(t, 2000, Reserve(cfg), 1e-9)

	cfg.AllocationPct = 0.5
	levels, err = Plan(cfg)
	require.NoError(t, err)
	assert.InDelta(t, 10000*0.5/11, levels[0].Capital, 1e-9)
	assert.InDelta(t, 5000, Reserve(cfg), 1e-9)
}
