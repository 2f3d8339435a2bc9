package exchange

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"grid-risk-engine/internal/models"
)

// SimulatedExchange is the in-memory implementation of Exchange used for
// paper trading and tests. Limit orders rest until a price update crosses
// them; market orders execute immediately at the current price. The same
// interface as the live client keeps the core execution-mode-agnostic.
type SimulatedExchange struct {
	mu sync.Mutex

	cash     float64
	holdings map[string]float64 // base asset units per symbol
	prices   map[string]float64
	now      time.Time

	orders    map[string]*models.Order
	nextID    int64
	klines    map[string][]models.Kline
	feeRate   float64
	totalFees float64
}

// NewSimulatedExchange seeds the paper account with a quote balance.
func NewSimulatedExchange(initialBalance float64) *SimulatedExchange {
	return &SimulatedExchange{
		cash:     initialBalance,
		holdings: make(map[string]float64),
		prices:   make(map[string]float64),
		orders:   make(map[string]*models.Order),
		klines:   make(map[string][]models.Kline),
		nextID:   1,
		now:      time.Now(),
	}
}

// SetFeeRate applies a taker/maker fee to simulated fills.
func (e *SimulatedExchange) SetFeeRate(rate float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.feeRate = rate
}

// SetPrice advances the simulated market and fills any resting order the new
// price crosses.
func (e *SimulatedExchange) SetPrice(symbol string, price float64, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prices[symbol] = price
	e.now = at

	for _, o := range e.orders {
		if o.Symbol != symbol || o.Status != models.OrderOpen || o.Type != models.Limit {
			continue
		}
		crossed := (o.Side == models.Buy && price <= o.Price) ||
			(o.Side == models.Sell && price >= o.Price)
		if crossed {
			e.fill(o, o.Price)
		}
	}
}

// SeedKlines loads candles returned by GetOHLCV.
func (e *SimulatedExchange) SeedKlines(symbol string, klines []models.Kline) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.klines[symbol] = klines
}

// fill settles an order at execPrice. Caller holds the lock.
func (e *SimulatedExchange) fill(o *models.Order, execPrice float64) {
	notional := o.Amount * execPrice
	fee := notional * e.feeRate
	if o.Side == models.Buy {
		e.cash -= notional + fee
		e.holdings[o.Symbol] += o.Amount
	} else {
		e.cash += notional - fee
		e.holdings[o.Symbol] -= o.Amount
	}
	e.totalFees += fee
	o.Filled = o.Amount
	o.Price = execPrice
	o.Status = models.OrderClosed
	o.UpdatedAt = e.now
}

func (e *SimulatedExchange) GetPrice(ctx context.Context, symbol string) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.prices[symbol]
	if !ok {
		return 0, models.NewTransientError("get_price", fmt.Errorf("no price seeded for %s", symbol))
	}
	return p, nil
}

func (e *SimulatedExchange) GetBalance(ctx context.Context) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cash, nil
}

func (e *SimulatedExchange) PlaceOrder(ctx context.Context, req OrderRequest) (*models.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if req.Amount <= 0 {
		return nil, &models.ValidationError{Field: "amount", Reason: "must be positive"}
	}

	o := &models.Order{
		ID:            strconv.FormatInt(e.nextID, 10),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Status:        models.OrderOpen,
		Price:         req.Price,
		Amount:        req.Amount,
		CreatedAt:     e.now,
		UpdatedAt:     e.now,
	}
	e.nextID++
	e.orders[o.ID] = o

	switch req.Type {
	case models.Market:
		price, ok := e.prices[req.Symbol]
		if !ok {
			return nil, models.NewTransientError("place_order", fmt.Errorf("no price seeded for %s", req.Symbol))
		}
		e.fill(o, price)
	case models.Limit:
		// Marketable limit orders cross immediately, as they would live.
		if price, ok := e.prices[req.Symbol]; ok {
			if (o.Side == models.Buy && price <= o.Price) || (o.Side == models.Sell && price >= o.Price) {
				e.fill(o, o.Price)
			}
		}
	}

	cp := *o
	return &cp, nil
}

func (e *SimulatedExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[orderID]
	if !ok || o.Symbol != symbol {
		return models.NewOrderNotFoundError("cancel_order", fmt.Errorf("order %s not found", orderID))
	}
	return o.ApplyStatus(models.OrderCanceled, e.now)
}

func (e *SimulatedExchange) GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var open []models.Order
	for _, o := range e.orders {
		if o.Symbol == symbol && o.Status == models.OrderOpen {
			open = append(open, *o)
		}
	}
	return open, nil
}

func (e *SimulatedExchange) GetOrderStatus(ctx context.Context, symbol, orderID string) (*models.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[orderID]
	if !ok || o.Symbol != symbol {
		return nil, models.NewOrderNotFoundError("get_order_status", fmt.Errorf("order %s not found", orderID))
	}
	cp := *o
	return &cp, nil
}

func (e *SimulatedExchange) GetOHLCV(ctx context.Context, symbol, interval string, limit int) ([]models.Kline, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ks := e.klines[symbol]
	if len(ks) > limit {
		ks = ks[len(ks)-limit:]
	}
	out := make([]models.Kline, len(ks))
	copy(out, ks)
	return out, nil
}

// Equity values cash plus holdings at current prices.
func (e *SimulatedExchange) Equity() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	eq := e.cash
	for sym, qty := range e.holdings {
		eq += qty * e.prices[sym]
	}
	return eq
}

// Holdings returns the base-asset position for a symbol.
func (e *SimulatedExchange) Holdings(symbol string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.holdings[symbol]
}
