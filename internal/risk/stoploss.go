package risk

import (
	"grid-risk-engine/internal/models"
)

// PositionSide is the direction of the supervised position.
type PositionSide string

const (
	Long  PositionSide = "LONG"
	Short PositionSide = "SHORT"
)

// StopLoss supervises one open position with a mutable stop price. Trailing
// and ATR stops recompute the stop on every update but only ever move it in
// the position's favor; Check latches on the first trigger.
type StopLoss struct {
	Kind  models.StopKind
	Side  PositionSide
	Entry float64

	current   float64
	highest   float64
	lowest    float64
	trailPct  float64
	atrMult   float64
	triggered bool
}

// NewFixedStop supervises with a static target price.
func NewFixedStop(side PositionSide, entry, stopPrice float64) *StopLoss {
	return &StopLoss{Kind: models.StopFixed, Side: side, Entry: entry, current: stopPrice, highest: entry, lowest: entry}
}

// NewPercentageStop places the stop a fixed percentage away from entry:
// entry*(1-pct) for longs, entry*(1+pct) for shorts.
func NewPercentageStop(side PositionSide, entry, pct float64) *StopLoss {
	stop := entry * (1 - pct)
	if side == Short {
		stop = entry * (1 + pct)
	}
	return &StopLoss{Kind: models.StopPercentage, Side: side, Entry: entry, current: stop, highest: entry, lowest: entry}
}

// NewTrailingStop trails the highest (long) or lowest (short) price seen by
// the given percentage.
func NewTrailingStop(side PositionSide, entry, pct float64) *StopLoss {
	s := NewPercentageStop(side, entry, pct)
	s.Kind = models.StopTrailing
	s.trailPct = pct
	return s
}

// NewATRStop places the stop a volatility-scaled distance from the reference
// price: ref - atr*mult for longs, ref + atr*mult for shorts.
func NewATRStop(side PositionSide, entry, atr, mult float64) *StopLoss {
	stop := entry - atr*mult
	if side == Short {
		stop = entry + atr*mult
	}
	return &StopLoss{Kind: models.StopATR, Side: side, Entry: entry, current: stop, highest: entry, lowest: entry, atrMult: mult}
}

// NewGridStop is the grid-wide static floor: a buffer below the lowest grid
// level, independent of any per-trade stop.
func NewGridStop(lowerGridPrice, bufferPct float64) *StopLoss {
	stop := lowerGridPrice * (1 - bufferPct)
	return &StopLoss{Kind: models.StopFixed, Side: Long, Entry: lowerGridPrice, current: stop, highest: lowerGridPrice, lowest: lowerGridPrice}
}

// Current returns the active stop price.
func (s *StopLoss) Current() float64 { return s.current }

// Triggered reports whether the stop has already fired.
func (s *StopLoss) Triggered() bool { return s.triggered }

// UpdateTrailing feeds a new price into a trailing stop. The recomputed stop
// replaces the current one only when it is more favorable: non-decreasing for
// longs, non-increasing for shorts. Other stop kinds ignore the update.
func (s *StopLoss) UpdateTrailing(price float64) {
	if s.Kind != models.StopTrailing || s.triggered {
		return
	}
	if s.Side == Long {
		if price > s.highest {
			s.highest = price
		}
		if candidate := s.highest * (1 - s.trailPct); candidate > s.current {
			s.current = candidate
		}
		return
	}
	if price < s.lowest {
		s.lowest = price
	}
	if candidate := s.lowest * (1 + s.trailPct); candidate < s.current {
		s.current = candidate
	}
}

// UpdateATR recomputes an ATR stop from fresh volatility data, keeping the
// favorable-direction-only rule.
func (s *StopLoss) UpdateATR(refPrice, atr float64) {
	if s.Kind != models.StopATR || s.triggered {
		return
	}
	if s.Side == Long {
		if candidate := refPrice - atr*s.atrMult; candidate > s.current {
			s.current = candidate
		}
		return
	}
	if candidate := refPrice + atr*s.atrMult; candidate < s.current {
		s.current = candidate
	}
}

// Check reports whether the current price crosses the stop. It returns true
// exactly once per position; every later call is a no-op.
func (s *StopLoss) Check(price float64) bool {
	if s.triggered {
		return false
	}
	crossed := price <= s.current
	if s.Side == Short {
		crossed = price >= s.current
	}
	if crossed {
		s.triggered = true
	}
	return crossed
}

// Tighter returns the more conservative of two stops for the same side: the
// higher stop for longs, the lower for shorts. Used when a grid-wide static
// stop and a per-trade stop are both configured.
func Tighter(a, b *StopLoss) *StopLoss {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if a.Side == Long {
		if b.current > a.current {
			return b
		}
		return a
	}
	if b.current < a.current {
		return b
	}
	return a
}
