// Package engine contains the per-symbol trading core: the order lifecycle
// manager, the reconciliation pass and the orchestrator event loop that
// serializes all state mutations.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/jxskiss/base62"
	"go.uber.org/zap"

	"grid-risk-engine/internal/exchange"
	"grid-risk-engine/internal/grid"
	"grid-risk-engine/internal/metrics"
	"grid-risk-engine/internal/models"
)

// EntryGate authorizes a new buy entry immediately before placement. Exits
// are never gated; reducing exposure is always allowed.
type EntryGate interface {
	ApproveEntry(symbol string, price, amount float64) bool
}

// Level is one grid rung with its live order-lifecycle state. A level owns at
// most one open order at a time: the buy at its own price, or the sell one
// rung above once it holds inventory.
type Level struct {
	Index   int
	Price   float64
	Capital float64
	State   models.LevelState

	Order      *models.Order
	Quantity   float64
	EntryPrice float64
	EntryTime  time.Time

	// inFlight is set while a placement request is outstanding. Fill events
	// observed in that window are deferred, never double-applied.
	inFlight bool
	deferred []models.Order
}

// Manager drives the order lifecycle of one symbol's grid. It is not
// goroutine-safe; the orchestrator's event loop is its single owner.
type Manager struct {
	symbol string
	cfg    models.GridConfig
	levels []*Level

	ex     exchange.Exchange
	gate   EntryGate
	retry  exchange.RetryPolicy
	logger *zap.Logger

	degraded bool
	nonce    int64

	// onCycleComplete fires when a sell fill closes a buy->sell round trip.
	onCycleComplete func(models.CompletedTrade)
}

// NewManager plans the grid and prepares all levels in the Empty state.
func NewManager(cfg models.GridConfig, ex exchange.Exchange, gate EntryGate, retry exchange.RetryPolicy, logger *zap.Logger) (*Manager, error) {
	planned, err := grid.Plan(cfg)
	if err != nil {
		return nil, err
	}
	levels := make([]*Level, len(planned))
	for i, p := range planned {
		levels[i] = &Level{Index: p.Index, Price: p.Price, Capital: p.Capital, State: models.LevelEmpty}
	}
	return &Manager{
		symbol: cfg.Symbol,
		cfg:    cfg,
		levels: levels,
		ex:     ex,
		gate:   gate,
		retry:  retry,
		logger: logger,
		nonce:  time.Now().UnixNano(),
	}, nil
}

// OnCycleComplete registers the completed-trade callback.
func (m *Manager) OnCycleComplete(fn func(models.CompletedTrade)) {
	m.onCycleComplete = fn
}

// Levels exposes the ladder for reconciliation and reporting.
func (m *Manager) Levels() []*Level { return m.levels }

// Degraded reports whether placements are suspended pending a successful
// reconciliation.
func (m *Manager) Degraded() bool { return m.degraded }

// Initialize places the opening buy ladder: one buy at every level strictly
// below currentPrice. Levels at or above it stay empty; sells appear only
// once a level holds inventory.
func (m *Manager) Initialize(ctx context.Context, currentPrice float64) error {
	m.logger.Info("initializing grid",
		zap.String("symbol", m.symbol),
		zap.Float64("price", currentPrice),
		zap.Int("levels", len(m.levels)))
	for _, lvl := range m.levels {
		if lvl.Price >= currentPrice {
			continue
		}
		m.placeBuy(ctx, lvl)
	}
	return ctx.Err()
}

// Ensure re-arms the grid against the current price: empty or completed
// levels below price get a fresh buy, filled levels missing their sell get
// one. Called on every tick, it makes the grid self-healing after cancels,
// stop-outs and completed cycles.
func (m *Manager) Ensure(ctx context.Context, currentPrice float64) {
	for _, lvl := range m.levels {
		switch lvl.State {
		case models.LevelEmpty, models.LevelCompleted:
			if lvl.Price < currentPrice {
				m.placeBuy(ctx, lvl)
			}
		case models.LevelFilled:
			m.placeSell(ctx, lvl)
		}
	}
}

// HandleFill applies an observed fill to its owning level. Fills for levels
// with an outstanding placement are queued and drained once the placement
// response arrives.
func (m *Manager) HandleFill(ctx context.Context, o *models.Order) {
	lvl := m.findLevel(o)
	if lvl == nil {
		m.logger.Warn("fill for unknown order",
			zap.String("symbol", m.symbol),
			zap.String("order_id", o.ID),
			zap.String("client_order_id", o.ClientOrderID))
		return
	}
	if lvl.inFlight {
		lvl.deferred = append(lvl.deferred, *o)
		return
	}
	m.applyFill(ctx, lvl, o)
}

// HandleCanceled reverts a level whose order was canceled externally. The
// next Ensure or reconciliation pass re-arms it.
func (m *Manager) HandleCanceled(o *models.Order) {
	lvl := m.findLevel(o)
	if lvl == nil {
		return
	}
	m.logger.Info("order canceled externally",
		zap.String("symbol", m.symbol),
		zap.Int("level", lvl.Index),
		zap.String("order_id", o.ID))
	lvl.Order = nil
	switch lvl.State {
	case models.LevelBuyOpen:
		lvl.State = models.LevelEmpty
	case models.LevelSellOpen:
		// Inventory is still held; only the exit order is gone.
		lvl.State = models.LevelFilled
	}
}

func (m *Manager) applyFill(ctx context.Context, lvl *Level, o *models.Order) {
	switch lvl.State {
	case models.LevelBuyOpen:
		m.applyBuyFill(ctx, lvl, o)
	case models.LevelSellOpen:
		m.applySellFill(ctx, lvl, o)
	default:
		m.logger.Warn("fill in unexpected level state",
			zap.String("symbol", m.symbol),
			zap.Int("level", lvl.Index),
			zap.String("state", string(lvl.State)))
	}
}

func (m *Manager) applyBuyFill(ctx context.Context, lvl *Level, o *models.Order) {
	if lvl.Order != nil {
		if err := lvl.Order.ApplyStatus(models.OrderClosed, o.UpdatedAt); err != nil {
			m.logger.Warn("ignoring duplicate fill", zap.String("order_id", o.ID), zap.Error(err))
			return
		}
	}
	lvl.State = models.LevelFilled
	lvl.Quantity = o.Filled
	lvl.EntryPrice = o.Price
	lvl.EntryTime = o.UpdatedAt
	lvl.Order = nil
	metrics.Fill()
	m.logger.Info("buy filled",
		zap.String("symbol", m.symbol),
		zap.Int("level", lvl.Index),
		zap.Float64("price", o.Price),
		zap.Float64("quantity", o.Filled),
		zap.String("order_id", o.ID))

	m.placeSell(ctx, lvl)
}

func (m *Manager) applySellFill(ctx context.Context, lvl *Level, o *models.Order) {
	if lvl.Order != nil {
		if err := lvl.Order.ApplyStatus(models.OrderClosed, o.UpdatedAt); err != nil {
			m.logger.Warn("ignoring duplicate fill", zap.String("order_id", o.ID), zap.Error(err))
			return
		}
	}
	trade := models.CompletedTrade{
		Symbol:     m.symbol,
		Quantity:   lvl.Quantity,
		EntryPrice: lvl.EntryPrice,
		ExitPrice:  o.Price,
		EntryTime:  lvl.EntryTime,
		ExitTime:   o.UpdatedAt,
		HoldTime:   o.UpdatedAt.Sub(lvl.EntryTime),
		Profit:     (o.Price - lvl.EntryPrice) * lvl.Quantity,
	}
	lvl.State = models.LevelCompleted
	lvl.Order = nil
	lvl.Quantity = 0
	metrics.Fill()
	m.logger.Info("sell filled, cycle complete",
		zap.String("symbol", m.symbol),
		zap.Int("level", lvl.Index),
		zap.Float64("entry", trade.EntryPrice),
		zap.Float64("exit", trade.ExitPrice),
		zap.Float64("profit", trade.Profit),
		zap.String("order_id", o.ID))

	if m.onCycleComplete != nil {
		m.onCycleComplete(trade)
	}

	// Re-arm immediately: the exit filled one rung above this level, so the
	// fresh buy rests below the market. The callback runs first, giving the
	// gate a chance to refuse when the trade tripped a risk limit; a refusal
	// or failure leaves the level Completed for Ensure to retry.
	m.placeBuy(ctx, lvl)
}

// placeBuy arms a level with its buy order. A gate refusal is not an error;
// the level simply stays idle until a later tick.
func (m *Manager) placeBuy(ctx context.Context, lvl *Level) error {
	amount := lvl.Capital / lvl.Price
	if m.gate != nil && !m.gate.ApproveEntry(m.symbol, lvl.Price, amount) {
		m.logger.Info("buy entry not approved, level stays idle",
			zap.String("symbol", m.symbol),
			zap.Int("level", lvl.Index),
			zap.Float64("price", lvl.Price))
		return nil
	}
	if err := m.place(ctx, lvl, models.Buy, lvl.Price, amount); err != nil {
		return err
	}
	lvl.State = models.LevelBuyOpen
	m.drainDeferred(ctx, lvl)
	return nil
}

func (m *Manager) placeSell(ctx context.Context, lvl *Level) error {
	if lvl.Index+1 >= len(m.levels) {
		// No rung above to exit at. Inventory stays until the price range is
		// reconfigured or a stop closes it.
		m.logger.Warn("filled top level has no sell target",
			zap.String("symbol", m.symbol), zap.Int("level", lvl.Index))
		return nil
	}
	sellPrice := m.levels[lvl.Index+1].Price
	if err := m.place(ctx, lvl, models.Sell, sellPrice, lvl.Quantity); err != nil {
		return err
	}
	lvl.State = models.LevelSellOpen
	m.drainDeferred(ctx, lvl)
	return nil
}

// place submits one limit order for a level, with the in-flight guard and
// retry around the exchange call.
func (m *Manager) place(ctx context.Context, lvl *Level, side models.Side, price, amount float64) error {
	if m.degraded {
		m.logger.Warn("placement suppressed, symbol degraded",
			zap.String("symbol", m.symbol), zap.Int("level", lvl.Index))
		return &models.ValidationError{Field: "placement", Reason: "symbol " + m.symbol + " is degraded"}
	}
	if lvl.inFlight {
		return &models.ValidationError{Field: "placement", Reason: "level has an in-flight request"}
	}
	if amount <= 0 {
		return &models.ValidationError{Field: "amount", Reason: "must be positive"}
	}

	req := exchange.OrderRequest{
		Symbol:        m.symbol,
		Side:          side,
		Type:          models.Limit,
		Amount:        amount,
		Price:         price,
		ClientOrderID: m.nextClientOrderID(lvl),
	}

	lvl.inFlight = true
	var placed *models.Order
	err := exchange.WithRetry(ctx, m.logger, m.retry, "place_order", func() error {
		o, err := m.ex.PlaceOrder(ctx, req)
		if err == nil {
			placed = o
		}
		return err
	})
	lvl.inFlight = false

	if err != nil {
		m.logger.Error("order placement failed",
			zap.String("symbol", m.symbol),
			zap.Int("level", lvl.Index),
			zap.String("side", string(side)),
			zap.Float64("price", price),
			zap.Error(err))
		return err
	}

	lvl.Order = placed
	metrics.OrderPlaced(string(side))
	m.logger.Info("order placed",
		zap.String("symbol", m.symbol),
		zap.Int("level", lvl.Index),
		zap.String("side", string(side)),
		zap.Float64("price", price),
		zap.Float64("amount", amount),
		zap.String("order_id", placed.ID))

	if placed.Status == models.OrderClosed {
		// Marketable limit: it crossed immediately. Defer the fill; the
		// caller applies it once the level state reflects the placement.
		cp := *placed
		lvl.deferred = append(lvl.deferred, cp)
	}
	return nil
}

func (m *Manager) drainDeferred(ctx context.Context, lvl *Level) {
	for len(lvl.deferred) > 0 {
		o := lvl.deferred[0]
		lvl.deferred = lvl.deferred[1:]
		m.applyFill(ctx, lvl, &o)
	}
}

func (m *Manager) findLevel(o *models.Order) *Level {
	for _, lvl := range m.levels {
		if lvl.Order == nil {
			continue
		}
		if (o.ClientOrderID != "" && lvl.Order.ClientOrderID == o.ClientOrderID) || lvl.Order.ID == o.ID {
			return lvl
		}
	}
	return nil
}

func (m *Manager) nextClientOrderID(lvl *Level) string {
	m.nonce++
	return fmt.Sprintf("g%d-%s", lvl.Index, base62.FormatInt(m.nonce))
}

// Snapshot exports the persistable level states.
func (m *Manager) Snapshot() []models.LevelSnapshot {
	out := make([]models.LevelSnapshot, len(m.levels))
	for i, lvl := range m.levels {
		s := models.LevelSnapshot{
			Index:      lvl.Index,
			Price:      lvl.Price,
			Capital:    lvl.Capital,
			State:      lvl.State,
			Quantity:   lvl.Quantity,
			EntryPrice: lvl.EntryPrice,
			EntryTime:  lvl.EntryTime,
		}
		if lvl.Order != nil {
			s.OrderID = lvl.Order.ID
			s.ClientOrderID = lvl.Order.ClientOrderID
		}
		out[i] = s
	}
	return out
}

// Restore rebuilds level state from a persisted snapshot. Order identity is
// restored so reconciliation can match live orders; prices and capital come
// from the current plan, not the snapshot.
func (m *Manager) Restore(snap []models.LevelSnapshot) {
	byIndex := make(map[int]models.LevelSnapshot, len(snap))
	for _, s := range snap {
		byIndex[s.Index] = s
	}
	for _, lvl := range m.levels {
		s, ok := byIndex[lvl.Index]
		if !ok {
			continue
		}
		lvl.State = s.State
		lvl.Quantity = s.Quantity
		lvl.EntryPrice = s.EntryPrice
		lvl.EntryTime = s.EntryTime
		lvl.Order = nil
		if s.OrderID != "" || s.ClientOrderID != "" {
			side := models.Buy
			price := lvl.Price
			amount := lvl.Capital / lvl.Price
			if s.State == models.LevelSellOpen && lvl.Index+1 < len(m.levels) {
				side = models.Sell
				price = m.levels[lvl.Index+1].Price
				amount = s.Quantity
			}
			lvl.Order = &models.Order{
				ID:            s.OrderID,
				ClientOrderID: s.ClientOrderID,
				Symbol:        m.symbol,
				Side:          side,
				Type:          models.Limit,
				Status:        models.OrderOpen,
				Price:         price,
				Amount:        amount,
			}
		}
	}
}
