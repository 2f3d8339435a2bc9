package risk

import (
	"time"

	"go.uber.org/zap"

	"grid-risk-engine/internal/models"
)

// TriggerKind identifies which threshold tripped the breaker.
type TriggerKind string

const (
	TriggerNone              TriggerKind = ""
	TriggerDailyLoss         TriggerKind = "DAILY_LOSS"
	TriggerConsecutiveLosses TriggerKind = "CONSECUTIVE_LOSSES"
	TriggerMaxDrawdown       TriggerKind = "MAX_DRAWDOWN"
	TriggerErrorRate         TriggerKind = "ERROR_RATE"
)

// CircuitBreaker is the account-wide Armed/Tripped state machine. It is not
// goroutine-safe on its own; the risk actor is its single owner.
type CircuitBreaker struct {
	cfg    models.CircuitBreakerConfig
	state  models.CircuitBreakerState
	logger *zap.Logger
	now    func() time.Time
}

// NewCircuitBreaker starts armed, with the daily window anchored at the
// current UTC midnight.
func NewCircuitBreaker(cfg models.CircuitBreakerConfig, logger *zap.Logger) (*CircuitBreaker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cb := &CircuitBreaker{cfg: cfg, logger: logger, now: time.Now}
	cb.state.DayStart = utcMidnight(cb.now())
	return cb, nil
}

func utcMidnight(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// rollDay resets the daily counters at the UTC day boundary. Trip state,
// consecutive losses and drawdown deliberately survive the rollover.
func (cb *CircuitBreaker) rollDay(now time.Time) {
	midnight := utcMidnight(now)
	if midnight.After(cb.state.DayStart) {
		cb.state.DayStart = midnight
		cb.state.DailyPnL = 0
		cb.state.DailyTrades = 0
		cb.state.DailyErrors = 0
	}
}

// IsTradingAllowed reports whether new entries are permitted. The Tripped ->
// Armed transition happens lazily here once the cooldown deadline passes.
func (cb *CircuitBreaker) IsTradingAllowed() bool {
	now := cb.now()
	cb.rollDay(now)
	if !cb.state.IsTripped {
		return true
	}
	if !now.Before(cb.state.CooldownUntil) {
		cb.logger.Info("circuit breaker cooldown elapsed, re-arming",
			zap.String("trigger", cb.state.Trigger))
		cb.rearm()
		return true
	}
	return false
}

// RecordTrade feeds one closed trade into the breaker. drawdownPct is the
// account's current drawdown as maintained by the DrawdownTracker. Returns
// the trigger that tripped the breaker, if any.
func (cb *CircuitBreaker) RecordTrade(pnl, equity, drawdownPct float64) TriggerKind {
	now := cb.now()
	cb.rollDay(now)

	cb.state.DailyPnL += pnl
	cb.state.DailyTrades++
	cb.state.CurrentEquity = equity
	if equity > cb.state.PeakEquity {
		cb.state.PeakEquity = equity
	}
	cb.state.CurrentDrawdown = drawdownPct

	if pnl < 0 {
		cb.state.ConsecutiveLosses++
		cb.state.ConsecutiveWins = 0
	} else if pnl > 0 {
		// A win clears the loss streak but never clears a trip.
		cb.state.ConsecutiveWins++
		cb.state.ConsecutiveLosses = 0
	}

	if cb.state.IsTripped {
		return TriggerNone
	}

	switch {
	case cb.state.PeakEquity > 0 && cb.state.DailyPnL <= -cb.cfg.MaxDailyLossPct*cb.state.PeakEquity:
		cb.trip(TriggerDailyLoss, now)
		return TriggerDailyLoss
	case cb.state.ConsecutiveLosses >= cb.cfg.MaxConsecutiveLosses:
		cb.trip(TriggerConsecutiveLosses, now)
		return TriggerConsecutiveLosses
	case drawdownPct >= cb.cfg.MaxDrawdownPct:
		cb.trip(TriggerMaxDrawdown, now)
		return TriggerMaxDrawdown
	}
	return cb.checkErrorRate(now)
}

// RecordError counts one failed tick toward the error-rate trigger.
func (cb *CircuitBreaker) RecordError() TriggerKind {
	now := cb.now()
	cb.rollDay(now)
	cb.state.DailyErrors++
	if cb.state.IsTripped {
		return TriggerNone
	}
	return cb.checkErrorRate(now)
}

// checkErrorRate evaluates errors/trades, but only once at least one trade
// has occurred today.
func (cb *CircuitBreaker) checkErrorRate(now time.Time) TriggerKind {
	if cb.state.DailyTrades == 0 {
		return TriggerNone
	}
	rate := float64(cb.state.DailyErrors) / float64(cb.state.DailyTrades)
	if rate >= cb.cfg.MaxErrorRate {
		cb.trip(TriggerErrorRate, now)
		return TriggerErrorRate
	}
	return TriggerNone
}

func (cb *CircuitBreaker) trip(trigger TriggerKind, now time.Time) {
	cb.state.IsTripped = true
	cb.state.Trigger = string(trigger)
	cb.state.TrippedAt = now
	cb.state.CooldownUntil = now.Add(time.Duration(cb.cfg.CooldownMinutes) * time.Minute)
	cb.logger.Error("circuit breaker tripped",
		zap.String("trigger", string(trigger)),
		zap.Time("cooldown_until", cb.state.CooldownUntil),
		zap.Float64("daily_pnl", cb.state.DailyPnL),
		zap.Int("consecutive_losses", cb.state.ConsecutiveLosses),
		zap.Float64("drawdown", cb.state.CurrentDrawdown))
}

func (cb *CircuitBreaker) rearm() {
	cb.state.IsTripped = false
	cb.state.Trigger = ""
	cb.state.TrippedAt = time.Time{}
	cb.state.CooldownUntil = time.Time{}
}

// Reset is the explicit operator override: re-arm immediately and clear the
// loss streak.
func (cb *CircuitBreaker) Reset() {
	cb.logger.Warn("circuit breaker manually reset", zap.String("trigger", cb.state.Trigger))
	cb.rearm()
	cb.state.ConsecutiveLosses = 0
}

// IsTripped reports the raw trip flag without the lazy cooldown check.
func (cb *CircuitBreaker) IsTripped() bool { return cb.state.IsTripped }

// Snapshot exports the breaker state for persistence.
func (cb *CircuitBreaker) Snapshot() models.CircuitBreakerState { return cb.state }

// Restore rebuilds the breaker from a persisted snapshot. A stale tripped
// state whose cooldown already expired will re-arm on the first
// IsTradingAllowed call.
func (cb *CircuitBreaker) Restore(st models.CircuitBreakerState) {
	cb.state = st
	if cb.state.DayStart.IsZero() {
		cb.state.DayStart = utcMidnight(cb.now())
	}
}
