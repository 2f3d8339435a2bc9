package journal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grid-risk-engine/internal/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func trade(symbol string, profit float64, exit time.Time) models.CompletedTrade {
	return models.CompletedTrade{
		Symbol:     symbol,
		Quantity:   0.02,
		EntryPrice: 41000,
		ExitPrice:  41000 + profit/0.02,
		EntryTime:  exit.Add(-time.Hour),
		ExitTime:   exit,
		HoldTime:   time.Hour,
		Profit:     profit,
	}
}

func TestRecordAndSummarize(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()

	require.NoError(t, s.Record(trade("BTCUSDT", 20, now)))
	require.NoError(t, s.Record(trade("BTCUSDT", 10, now.Add(time.Minute))))
	require.NoError(t, s.Record(trade("BTCUSDT", -15, now.Add(2*time.Minute))))
	require.NoError(t, s.Record(trade("ETHUSDT", 5, now.Add(3*time.Minute))))

	sum, err := s.Summarize("BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Trades)
	assert.Equal(t, 2, sum.Wins)
	assert.Equal(t, 1, sum.Losses)
	assert.InDelta(t, 15, sum.TotalProfit, 1e-9)
	assert.InDelta(t, 15, sum.AvgWin, 1e-9)
	assert.InDelta(t, 15, sum.AvgLoss, 1e-9)
	assert.InDelta(t, 2.0/3.0, sum.WinRate, 1e-9)

	all, err := s.Summarize("")
	require.NoError(t, err)
	assert.Equal(t, 4, all.Trades)
	assert.InDelta(t, 20, all.TotalProfit, 1e-9)
}

func TestSummarizeEmptyJournal(t *testing.T) {
	s := openTestStore(t)

	sum, err := s.Summarize("BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Trades)
	assert.Zero(t, sum.WinRate)
	assert.Zero(t, sum.TotalProfit)
}

func TestRecentOrdersNewestFirst(t *testing.T) {
	s := openTestStore(t)
	base := time.Now().UTC().Truncate(time.Second)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Record(trade("BTCUSDT", float64(i+1), base.Add(time.Duration(i)*time.Minute))))
	}

	recent, err := s.Recent("BTCUSDT", 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.InDelta(t, 5, recent[0].Profit, 1e-9)
	assert.InDelta(t, 4, recent[1].Profit, 1e-9)
	assert.InDelta(t, 3, recent[2].Profit, 1e-9)
	assert.Equal(t, time.Hour, recent[0].HoldTime)
}
