package risk

import (
	"time"

	"grid-risk-engine/internal/models"
)

// DrawdownTracker maintains the running peak equity, the current and maximum
// drawdown, and the history of drawdown periods. It survives restarts through
// Snapshot/Restore.
type DrawdownTracker struct {
	peak       float64
	equity     float64
	currentPct float64
	maxPct     float64
	periods    []models.DrawdownPeriod
	open       *models.DrawdownPeriod
}

// NewDrawdownTracker starts with no peak; the first update establishes it.
func NewDrawdownTracker() *DrawdownTracker {
	return &DrawdownTracker{}
}

// DrawdownUpdate is the result of feeding one equity observation in.
type DrawdownUpdate struct {
	PeakEquity         float64
	CurrentDrawdownPct float64
	MaxDrawdownPct     float64
	// RecoveryNeededPct is the gain required to climb back to the peak.
	RecoveryNeededPct float64
}

// Update records a new equity observation. A new high closes any open
// drawdown period as recovered; a decline opens or extends one. The maximum
// drawdown only ever grows.
func (d *DrawdownTracker) Update(equity float64, ts time.Time) DrawdownUpdate {
	d.equity = equity

	if equity > d.peak {
		d.peak = equity
		if d.open != nil {
			d.open.End = ts
			d.open.Recovered = true
			d.periods = append(d.periods, *d.open)
			d.open = nil
		}
	}

	if d.peak > 0 {
		d.currentPct = (d.peak - equity) / d.peak
	} else {
		d.currentPct = 0
	}
	if d.currentPct > d.maxPct {
		d.maxPct = d.currentPct
	}

	if d.currentPct > 0 {
		if d.open == nil {
			d.open = &models.DrawdownPeriod{
				Start:        ts,
				PeakEquity:   d.peak,
				TroughEquity: equity,
				TroughPct:    d.currentPct,
			}
		} else if equity < d.open.TroughEquity {
			d.open.TroughEquity = equity
			d.open.TroughPct = d.currentPct
		}
	}

	recovery := 0.0
	if equity > 0 && d.peak > equity {
		recovery = d.peak/equity - 1
	}

	return DrawdownUpdate{
		PeakEquity:         d.peak,
		CurrentDrawdownPct: d.currentPct,
		MaxDrawdownPct:     d.maxPct,
		RecoveryNeededPct:  recovery,
	}
}

// CurrentDrawdownPct returns the live drawdown from the peak.
func (d *DrawdownTracker) CurrentDrawdownPct() float64 { return d.currentPct }

// MaxDrawdownPct returns the worst drawdown ever observed.
func (d *DrawdownTracker) MaxDrawdownPct() float64 { return d.maxPct }

// PeakEquity returns the highest equity seen.
func (d *DrawdownTracker) PeakEquity() float64 { return d.peak }

// Periods returns closed drawdown periods plus the open one, if any.
func (d *DrawdownTracker) Periods() []models.DrawdownPeriod {
	out := make([]models.DrawdownPeriod, len(d.periods), len(d.periods)+1)
	copy(out, d.periods)
	if d.open != nil {
		out = append(out, *d.open)
	}
	return out
}

// Snapshot exports the tracker for persistence.
func (d *DrawdownTracker) Snapshot() models.DrawdownState {
	return models.DrawdownState{
		PeakEquity:         d.peak,
		CurrentEquity:      d.equity,
		CurrentDrawdownPct: d.currentPct,
		MaxDrawdownPct:     d.maxPct,
		Periods:            d.Periods(),
	}
}

// Restore rebuilds the tracker from a persisted snapshot. An unrecovered
// trailing period is reopened so a later new high can close it.
func (d *DrawdownTracker) Restore(st models.DrawdownState) {
	d.peak = st.PeakEquity
	d.equity = st.CurrentEquity
	d.currentPct = st.CurrentDrawdownPct
	d.maxPct = st.MaxDrawdownPct
	d.periods = nil
	d.open = nil
	for _, p := range st.Periods {
		if !p.Recovered {
			reopened := p
			d.open = &reopened
			continue
		}
		d.periods = append(d.periods, p)
	}
}
