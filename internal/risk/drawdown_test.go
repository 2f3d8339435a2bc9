package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ts(minute int) time.Time {
	return time.Date(2025, 6, 1, 12, minute, 0, 0, time.UTC)
}

func TestDrawdownBasicCycle(t *testing.T) {
	d := NewDrawdownTracker()

	res := d.Update(10000, ts(0))
	assert.Equal(t, 10000.0, res.PeakEquity)
	assert.Equal(t, 0.0, res.CurrentDrawdownPct)

	res = d.Update(9000, ts(1))
	assert.InDelta(t, 0.10, res.CurrentDrawdownPct, 1e-9)
	assert.InDelta(t, 0.10, res.MaxDrawdownPct, 1e-9)
	assert.InDelta(t, 10000.0/9000-1, res.RecoveryNeededPct, 1e-9)

	// New high closes the period as recovered.
	res = d.Update(10500, ts(2))
	assert.Equal(t, 10500.0, res.PeakEquity)
	assert.Equal(t, 0.0, res.CurrentDrawdownPct)
	assert.InDelta(t, 0.10, res.MaxDrawdownPct, 1e-9)

	periods := d.Periods()
	require.Len(t, periods, 1)
	assert.True(t, periods[0].Recovered)
	assert.Equal(t, 9000.0, periods[0].TroughEquity)
}

func TestMaxDrawdownMonotonic(t *testing.T) {
	d := NewDrawdownTracker()

	equities := []float64{10000, 9500, 9800, 9000, 10200, 10100, 8000, 12000, 11000}
	prev := 0.0
	for i, e := range equities {
		res := d.Update(e, ts(i))
		assert.GreaterOrEqual(t, res.MaxDrawdownPct, prev, "max drawdown shrank at equity %v", e)
		prev = res.MaxDrawdownPct
	}
	// Worst decline was 8000 from a 10200 peak.
	assert.InDelta(t, (10200.0-8000)/10200, d.MaxDrawdownPct(), 1e-9)
}

func TestDrawdownTroughExtension(t *testing.T) {
	d := NewDrawdownTracker()
	d.Update(10000, ts(0))
	d.Update(9500, ts(1))
	d.Update(9200, ts(2))
	d.Update(9400, ts(3)) // partial rebound keeps the period open

	periods := d.Periods()
	require.Len(t, periods, 1)
	assert.False(t, periods[0].Recovered)
	assert.Equal(t, 9200.0, periods[0].TroughEquity)
}

func TestDrawdownZeroPeak(t *testing.T) {
	d := NewDrawdownTracker()
	res := d.Update(0, ts(0))
	assert.Equal(t, 0.0, res.CurrentDrawdownPct)
	assert.Equal(t, 0.0, res.RecoveryNeededPct)
}

func TestDrawdownSnapshotRestore(t *testing.T) {
	d := NewDrawdownTracker()
	d.Update(10000, ts(0))
	d.Update(9000, ts(1))

	st := d.Snapshot()

	restored := NewDrawdownTracker()
	restored.Restore(st)
	assert.Equal(t, d.PeakEquity(), restored.PeakEquity())
	assert.Equal(t, d.MaxDrawdownPct(), restored.MaxDrawdownPct())
	require.Len(t, restored.Periods(), 1)

	// The reopened period closes on a fresh high, as it would have without
	// the restart.
	restored.Update(11000, ts(2))
	periods := restored.Periods()
	require.Len(t, periods, 1)
	assert.True(t, periods[0].Recovered)
}
