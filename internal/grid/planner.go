// Package grid computes the static price ladder of a grid strategy.
// Planning is pure: the same config always yields the same levels.
package grid

import (
	"math"

	"grid-risk-engine/internal/models"
)

// Level is one planned price point together with the capital assigned to it.
type Level struct {
	Index   int
	Price   float64
	Capital float64
}

// Plan expands a grid configuration into its ordered level ladder. Prices are
// strictly increasing and unique; the first level sits on LowerPrice and the
// last on UpperPrice.
func Plan(cfg models.GridConfig) ([]Level, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	n := cfg.NumGrids
	levels := make([]Level, n)
	perLevel := cfg.TotalInvestment * cfg.Allocation() / float64(n)

	switch cfg.Spacing {
	case models.SpacingArithmetic:
		step := (cfg.UpperPrice - cfg.LowerPrice) / float64(n-1)
		for i := 0; i < n; i++ {
			levels[i] = Level{Index: i, Price: cfg.LowerPrice + float64(i)*step, Capital: perLevel}
		}
	case models.SpacingGeometric:
		ratio := math.Pow(cfg.UpperPrice/cfg.LowerPrice, 1/float64(n-1))
		for i := 0; i < n; i++ {
			levels[i] = Level{Index: i, Price: cfg.LowerPrice * math.Pow(ratio, float64(i)), Capital: perLevel}
		}
	}

	// Pin the endpoints exactly; Pow accumulates rounding on the last level.
	levels[0].Price = cfg.LowerPrice
	levels[n-1].Price = cfg.UpperPrice

	return levels, nil
}

// Reserve returns the capital held back from the grid as a volatility buffer.
func Reserve(cfg models.GridConfig) float64 {
	return cfg.TotalInvestment * (1 - cfg.Allocation())
}
