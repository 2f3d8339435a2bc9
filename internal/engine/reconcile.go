package engine

import (
	"context"
	"math"

	"go.uber.org/zap"

	"grid-risk-engine/internal/exchange"
	"grid-risk-engine/internal/metrics"
	"grid-risk-engine/internal/models"
)

// Reconcile aligns local level state with the exchange's open orders. It runs
// at startup and whenever a desync is suspected, before the orchestrator
// accepts further events.
//
// Expected orders are matched to live ones by side and price within the
// configured tolerance. Unmatched live orders are orphans and get canceled,
// except partially filled ones, which are left untouched. Expected orders
// with no live counterpart are re-placed. The pass is idempotent: a second
// run against the same exchange state changes nothing.
//
// Any failure leaves the symbol degraded, which blocks new placements until
// a later pass succeeds.
func (m *Manager) Reconcile(ctx context.Context) error {
	var live []models.Order
	err := exchange.WithRetry(ctx, m.logger, m.retry, "get_open_orders", func() error {
		var err error
		live, err = m.ex.GetOpenOrders(ctx, m.symbol)
		return err
	})
	if err != nil {
		m.degraded = true
		metrics.ReconcileRun("failed")
		m.logger.Error("reconciliation failed fetching open orders, symbol degraded",
			zap.String("symbol", m.symbol), zap.Error(err))
		return err
	}

	// Lift the degraded block for the duration of the pass; re-placements
	// below would otherwise be refused by the guard they exist to clear.
	m.degraded = false

	matched := make([]bool, len(live))
	failed := false

	for _, lvl := range m.levels {
		side, price, ok := m.expectedOrder(lvl)
		if !ok {
			continue
		}
		idx := matchLiveOrder(live, matched, side, price, m.cfg.Tolerance())
		if idx >= 0 {
			matched[idx] = true
			// Adopt the live order as this level's order; identity may have
			// changed across a restart.
			o := live[idx]
			lvl.Order = &o
			continue
		}
		// Expected but missing on the exchange: re-place.
		m.logger.Warn("expected order missing on exchange, re-placing",
			zap.String("symbol", m.symbol),
			zap.Int("level", lvl.Index),
			zap.String("side", string(side)),
			zap.Float64("price", price))
		lvl.Order = nil
		if !m.replace(ctx, lvl, side) {
			failed = true
		}
	}

	for i, o := range live {
		if matched[i] {
			continue
		}
		if o.PartiallyFilled() {
			// A partial fill carries executed quantity; canceling it would
			// orphan real inventory. Leave it for the fill path.
			m.logger.Warn("unmatched partially filled order left in place",
				zap.String("symbol", m.symbol),
				zap.String("order_id", o.ID),
				zap.Float64("filled", o.Filled))
			continue
		}
		m.logger.Warn("canceling orphan order",
			zap.String("symbol", m.symbol),
			zap.String("order_id", o.ID),
			zap.String("side", string(o.Side)),
			zap.Float64("price", o.Price))
		orderID := o.ID
		err := exchange.WithRetry(ctx, m.logger, m.retry, "cancel_order", func() error {
			return m.ex.CancelOrder(ctx, m.symbol, orderID)
		})
		if err != nil && !models.IsOrderNotFound(err) {
			failed = true
			m.logger.Error("orphan cancel failed",
				zap.String("symbol", m.symbol), zap.String("order_id", orderID), zap.Error(err))
			continue
		}
		metrics.OrderCanceled()
	}

	if failed {
		m.degraded = true
		metrics.ReconcileRun("failed")
		m.logger.Error("reconciliation incomplete, symbol degraded", zap.String("symbol", m.symbol))
		return &models.ValidationError{Field: "reconcile", Reason: "unresolved order mismatch on " + m.symbol}
	}

	m.degraded = false
	metrics.ReconcileRun("ok")
	m.logger.Info("reconciliation complete", zap.String("symbol", m.symbol))
	return nil
}

// expectedOrder returns the order a level's state implies should be open.
func (m *Manager) expectedOrder(lvl *Level) (models.Side, float64, bool) {
	switch lvl.State {
	case models.LevelBuyOpen:
		return models.Buy, lvl.Price, true
	case models.LevelSellOpen:
		if lvl.Index+1 >= len(m.levels) {
			return "", 0, false
		}
		return models.Sell, m.levels[lvl.Index+1].Price, true
	}
	return "", 0, false
}

// replace re-submits the order a level's state expects. State is reverted
// when the placement fails so the next pass retries cleanly. A gate refusal
// on a buy leaves the level intentionally idle and does not count as failure.
func (m *Manager) replace(ctx context.Context, lvl *Level, side models.Side) bool {
	prev := lvl.State
	var err error
	if side == models.Buy {
		lvl.State = models.LevelEmpty
		err = m.placeBuy(ctx, lvl)
	} else {
		lvl.State = models.LevelFilled
		err = m.placeSell(ctx, lvl)
	}
	if err != nil {
		lvl.State = prev
		lvl.Order = nil
		return false
	}
	return true
}

func matchLiveOrder(live []models.Order, matched []bool, side models.Side, price, tolerance float64) int {
	for i, o := range live {
		if matched[i] || o.Side != side {
			continue
		}
		if math.Abs(o.Price-price) <= price*tolerance {
			return i
		}
	}
	return -1
}
