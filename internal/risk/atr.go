package risk

import (
	"math"

	"grid-risk-engine/internal/models"
)

// ATR computes the average true range over the last period candles. It
// returns 0 when fewer than period+1 candles are available, since the first
// true range needs a previous close.
func ATR(klines []models.Kline, period int) float64 {
	if period <= 0 || len(klines) < period+1 {
		return 0
	}
	start := len(klines) - period
	sum := 0.0
	for i := start; i < len(klines); i++ {
		k := klines[i]
		prevClose := klines[i-1].Close
		tr := math.Max(k.High-k.Low,
			math.Max(math.Abs(k.High-prevClose), math.Abs(k.Low-prevClose)))
		sum += tr
	}
	return sum / float64(period)
}
