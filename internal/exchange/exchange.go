// Package exchange abstracts all order and market-data I/O behind a single
// capability interface with live and simulated implementations, so the
// trading core is execution-mode-agnostic.
package exchange

import (
	"context"

	"grid-risk-engine/internal/models"
)

// OrderRequest is everything needed to place one order.
type OrderRequest struct {
	Symbol        string
	Side          models.Side
	Type          models.OrderType
	Amount        float64
	Price         float64 // ignored for market orders
	ClientOrderID string
}

// ExecutionContext is the minimal surface needed to act on the market. Live
// and simulated variants share it, which keeps stop-loss execution and grid
// placement identical across modes.
type ExecutionContext interface {
	GetPrice(ctx context.Context, symbol string) (float64, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (*models.Order, error)
}

// Exchange is the full client surface the engine consumes. All calls are
// blocking with the caller's context bounding them; failures are classified
// as transient or fatal via the models error kinds.
type Exchange interface {
	ExecutionContext

	// GetBalance returns the free quote-currency balance.
	GetBalance(ctx context.Context) (float64, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error)
	GetOrderStatus(ctx context.Context, symbol, orderID string) (*models.Order, error)
	// GetOHLCV returns the most recent candles for ATR computation.
	GetOHLCV(ctx context.Context, symbol, interval string, limit int) ([]models.Kline, error)
}
