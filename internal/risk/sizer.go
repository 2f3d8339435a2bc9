// Package risk implements the capital-preservation core: position sizing,
// stop-loss supervision, drawdown tracking and the account-wide circuit
// breaker, composed by the RiskManager and owned by a single risk actor.
package risk

import (
	"math"

	"grid-risk-engine/internal/models"
)

// SizeResult is the outcome of a position-sizing computation.
type SizeResult struct {
	Amount        float64 // units of the base asset
	RiskAmount    float64 // quote currency at risk if the stop is hit
	PositionValue float64 // Amount * entry price
}

// FixedFractionalSizer risks a constant fraction of the balance per trade,
// scaled by the distance between entry and stop.
type FixedFractionalSizer struct {
	riskPct float64
}

// NewFixedFractionalSizer constrains riskPct to [0.001, 0.10] at construction.
func NewFixedFractionalSizer(riskPct float64) (*FixedFractionalSizer, error) {
	if riskPct < 0.001 || riskPct > 0.10 {
		return nil, &models.ValidationError{Field: "risk_pct", Reason: "must be within [0.001, 0.10]"}
	}
	return &FixedFractionalSizer{riskPct: riskPct}, nil
}

// Calculate returns the position size for the given balance and stop
// distance. A zero distance between entry and stop means zero price-risk and
// is rejected as a validation error.
func (s *FixedFractionalSizer) Calculate(balance, entryPrice, stopPrice float64) (SizeResult, error) {
	if balance <= 0 {
		return SizeResult{}, &models.ValidationError{Field: "balance", Reason: "must be positive"}
	}
	if entryPrice <= 0 {
		return SizeResult{}, &models.ValidationError{Field: "entry_price", Reason: "must be positive"}
	}
	dist := math.Abs(entryPrice - stopPrice)
	if dist == 0 {
		return SizeResult{}, &models.ValidationError{Field: "stop_price", Reason: "must differ from entry price"}
	}

	riskAmount := balance * s.riskPct
	amount := riskAmount / dist
	return SizeResult{
		Amount:        amount,
		RiskAmount:    riskAmount,
		PositionValue: amount * entryPrice,
	}, nil
}

// RiskPct exposes the configured per-trade risk fraction.
func (s *FixedFractionalSizer) RiskPct() float64 { return s.riskPct }

// KellySizer derives a bet-size fraction from the historical win rate and the
// win/loss ratio, damped by a fractional-Kelly factor.
type KellySizer struct {
	fraction float64
}

// NewKellySizer builds a damped Kelly sizer. A non-positive fraction falls
// back to half-Kelly.
func NewKellySizer(fraction float64) *KellySizer {
	if fraction <= 0 {
		fraction = 0.5
	}
	return &KellySizer{fraction: fraction}
}

// CalculateKelly returns the damped Kelly fraction, clamped to [0, 0.25].
// A zero average loss has no defined payoff ratio and yields 0.
func (s *KellySizer) CalculateKelly(winRate, avgWin, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 0
	}
	payoff := avgWin / avgLoss
	if payoff <= 0 {
		return 0
	}
	kelly := winRate - (1-winRate)/payoff
	kelly *= s.fraction

	if kelly < 0 {
		return 0
	}
	if kelly > 0.25 {
		return 0.25
	}
	return kelly
}
