package risk

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"grid-risk-engine/internal/models"
)

// TradeValidation is the answer to a pre-trade risk check. Warnings are
// advisory only; a trade is blocked solely by the circuit breaker or by a
// validation error in sizing.
type TradeValidation struct {
	Allowed         bool
	RejectionReason string
	// Err carries the typed cause of a rejection: the circuit-breaker
	// sentinel or the sizing ValidationError. Nil when allowed.
	Err        error
	Amount     float64
	RiskAmount float64
	StopPrice  float64
	Warnings   []string
}

// RiskManager composes the sizer, stop computation, drawdown tracker and
// circuit breaker into pre-trade validation and post-trade recording. It is
// not goroutine-safe; the Actor is its single owner.
type RiskManager struct {
	cfg     models.RiskConfig
	sizer   *FixedFractionalSizer
	kelly   *KellySizer
	breaker *CircuitBreaker
	tracker *DrawdownTracker
	logger  *zap.Logger
}

// NewRiskManager validates the risk config and wires the components.
func NewRiskManager(cfg models.RiskConfig, bcfg models.CircuitBreakerConfig, logger *zap.Logger) (*RiskManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sizer, err := NewFixedFractionalSizer(cfg.RiskPerTradePct)
	if err != nil {
		return nil, err
	}
	breaker, err := NewCircuitBreaker(bcfg, logger)
	if err != nil {
		return nil, err
	}
	return &RiskManager{
		cfg:     cfg,
		sizer:   sizer,
		kelly:   NewKellySizer(cfg.KellyFraction),
		breaker: breaker,
		tracker: NewDrawdownTracker(),
		logger:  logger,
	}, nil
}

// ValidateTrade runs the pre-trade gate. stopLossPct <= 0 selects the
// configured default. The breaker check short-circuits before any sizing.
func (rm *RiskManager) ValidateTrade(symbol string, side models.Side, entryPrice, balance, stopLossPct float64) TradeValidation {
	if !rm.breaker.IsTradingAllowed() {
		return TradeValidation{
			Allowed:         false,
			RejectionReason: "Circuit breaker is tripped",
			Err:             models.ErrCircuitBreakerTripped,
		}
	}

	// The hard drawdown limit blocks entries even before the breaker's own
	// drawdown trigger fires on the next closed trade.
	if dd := rm.tracker.CurrentDrawdownPct(); rm.cfg.MaxDrawdownLimit > 0 && dd >= rm.cfg.MaxDrawdownLimit {
		err := &models.ValidationError{
			Field:  "drawdown",
			Reason: fmt.Sprintf("current drawdown %.1f%% exceeds the %.0f%% hard limit", dd*100, rm.cfg.MaxDrawdownLimit*100),
		}
		return TradeValidation{Allowed: false, RejectionReason: err.Error(), Err: err}
	}

	if stopLossPct <= 0 {
		stopLossPct = rm.cfg.DefaultStopLossPct
	}
	stopPrice := entryPrice * (1 - stopLossPct)
	if side == models.Sell {
		stopPrice = entryPrice * (1 + stopLossPct)
	}

	size, err := rm.sizer.Calculate(balance, entryPrice, stopPrice)
	if err != nil {
		// Business-rule violation, surfaced as a rejection rather than an
		// error crossing the actor boundary.
		return TradeValidation{Allowed: false, RejectionReason: err.Error(), Err: err, StopPrice: stopPrice}
	}

	var warnings []string
	if size.PositionValue > balance*rm.cfg.MaxPositionPct {
		warnings = append(warnings, fmt.Sprintf(
			"position value %.2f exceeds %.0f%% of balance", size.PositionValue, rm.cfg.MaxPositionPct*100))
	}
	if actual := size.RiskAmount / balance; actual > 0.05 {
		warnings = append(warnings, fmt.Sprintf("actual risk %.1f%% exceeds 5%% of balance", actual*100))
	}
	if dd := rm.tracker.CurrentDrawdownPct(); rm.cfg.MaxDrawdownWarning > 0 && dd >= rm.cfg.MaxDrawdownWarning {
		warnings = append(warnings, fmt.Sprintf("current drawdown %.1f%% above warning threshold", dd*100))
	}

	for _, w := range warnings {
		rm.logger.Warn("trade validation warning", zap.String("symbol", symbol), zap.String("warning", w))
	}

	return TradeValidation{
		Allowed:    true,
		Amount:     size.Amount,
		RiskAmount: size.RiskAmount,
		StopPrice:  stopPrice,
		Warnings:   warnings,
	}
}

// RecordTradeResult feeds a closed trade into the drawdown tracker and then
// the breaker, in that order, and returns the breaker trigger if one fired.
// It never closes positions; halting entries is the orchestrator's job.
func (rm *RiskManager) RecordTradeResult(symbol string, pnl, equity float64) TriggerKind {
	dd := rm.tracker.Update(equity, time.Now())
	trigger := rm.breaker.RecordTrade(pnl, equity, dd.CurrentDrawdownPct)
	if trigger != TriggerNone {
		rm.logger.Error("risk limit breached, halting new entries",
			zap.String("symbol", symbol),
			zap.String("trigger", string(trigger)))
	}
	return trigger
}

// RecordError counts a failed tick toward the error-rate trigger.
func (rm *RiskManager) RecordError() TriggerKind {
	return rm.breaker.RecordError()
}

// IsTradingAllowed proxies the breaker's lazy-cooldown check.
func (rm *RiskManager) IsTradingAllowed() bool {
	return rm.breaker.IsTradingAllowed()
}

// ResetBreaker is the manual operator override.
func (rm *RiskManager) ResetBreaker() {
	rm.breaker.Reset()
}

// KellyFraction exposes the damped Kelly computation for reporting.
func (rm *RiskManager) KellyFraction(winRate, avgWin, avgLoss float64) float64 {
	return rm.kelly.CalculateKelly(winRate, avgWin, avgLoss)
}

// Snapshot exports the persistable account-wide risk state.
func (rm *RiskManager) Snapshot() models.RiskState {
	return models.RiskState{
		Breaker:        rm.breaker.Snapshot(),
		Drawdown:       rm.tracker.Snapshot(),
		LastUpdateTime: time.Now(),
	}
}

// Restore rebuilds breaker and tracker from a persisted snapshot.
func (rm *RiskManager) Restore(st models.RiskState) {
	rm.breaker.Restore(st.Breaker)
	rm.tracker.Restore(st.Drawdown)
}
