package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"grid-risk-engine/internal/models"
)

func candle(high, low, close float64) models.Kline {
	return models.Kline{High: high, Low: low, Close: close}
}

func TestATRAveragesTrueRanges(t *testing.T) {
	klines := []models.Kline{
		candle(102, 98, 100),
		candle(104, 100, 103), // TR = 4
		candle(105, 101, 102), // TR = 4
		candle(103, 99, 100),  // TR = 4
	}
	assert.InDelta(t, 4, ATR(klines, 3), 1e-9)
}

func TestATRUsesGapFromPreviousClose(t *testing.T) {
	// Gap down: the candle's own range is 2 but the distance from the prior
	// close is 8, which dominates the true range.
	klines := []models.Kline{
		candle(102, 98, 100),
		candle(94, 92, 93),
	}
	assert.InDelta(t, 8, ATR(klines, 1), 1e-9)
}

func TestATRInsufficientData(t *testing.T) {
	klines := []models.Kline{
		candle(102, 98, 100),
		candle(104, 100, 103),
	}
	assert.Zero(t, ATR(klines, 14))
	assert.Zero(t, ATR(nil, 14))
	assert.Zero(t, ATR(klines, 0))
}
