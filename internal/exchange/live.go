package exchange

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"go.uber.org/zap"

	"grid-risk-engine/internal/models"
)

// LiveExchange implements Exchange against Binance spot via the official
// REST client. Error classification maps Binance API codes onto the
// transient/fatal kinds the retry layer understands.
type LiveExchange struct {
	client     *binance.Client
	quoteAsset string
	logger     *zap.Logger
}

// NewLiveExchange builds a client for production or testnet.
func NewLiveExchange(apiKey, secretKey, quoteAsset string, testnet bool, logger *zap.Logger) *LiveExchange {
	binance.UseTestnet = testnet
	return &LiveExchange{
		client:     binance.NewClient(apiKey, secretKey),
		quoteAsset: quoteAsset,
		logger:     logger,
	}
}

// classify wraps a Binance error with its retry class.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case -1003, -1015: // rate limits
			return models.NewTransientError(op, err)
		case -2011, -2013: // unknown order / no such order
			return models.NewOrderNotFoundError(op, err)
		case -2014, -2015, -1022: // bad API key, bad signature
			return models.NewFatalError(op, err)
		default:
			// Unknown API rejections are not retried: resubmitting an order
			// the exchange refused once only burns rate limit.
			return models.NewFatalError(op, err)
		}
	}
	// Anything that is not an API-level rejection is a transport problem.
	return models.NewTransientError(op, err)
}

func (e *LiveExchange) GetPrice(ctx context.Context, symbol string) (float64, error) {
	prices, err := e.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, classify("get_price", err)
	}
	if len(prices) == 0 {
		return 0, models.NewTransientError("get_price", fmt.Errorf("no price for %s", symbol))
	}
	return strconv.ParseFloat(prices[0].Price, 64)
}

func (e *LiveExchange) GetBalance(ctx context.Context) (float64, error) {
	account, err := e.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return 0, classify("get_balance", err)
	}
	for _, b := range account.Balances {
		if b.Asset == e.quoteAsset {
			return strconv.ParseFloat(b.Free, 64)
		}
	}
	return 0, nil
}

func (e *LiveExchange) PlaceOrder(ctx context.Context, req OrderRequest) (*models.Order, error) {
	svc := e.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(binance.SideType(req.Side)).
		Type(binance.OrderType(req.Type)).
		Quantity(formatQty(req.Amount)).
		NewClientOrderID(req.ClientOrderID)
	if req.Type == models.Limit {
		svc = svc.Price(formatQty(req.Price)).TimeInForce(binance.TimeInForceTypeGTC)
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return nil, classify("place_order", err)
	}

	price, _ := strconv.ParseFloat(resp.Price, 64)
	if price == 0 {
		price = req.Price
	}
	amount, _ := strconv.ParseFloat(resp.OrigQuantity, 64)
	filled, _ := strconv.ParseFloat(resp.ExecutedQuantity, 64)
	created := time.UnixMilli(resp.TransactTime)

	return &models.Order{
		ID:            strconv.FormatInt(resp.OrderID, 10),
		ClientOrderID: resp.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Status:        mapStatus(string(resp.Status)),
		Price:         price,
		Amount:        amount,
		Filled:        filled,
		CreatedAt:     created,
		UpdatedAt:     created,
	}, nil
}

func (e *LiveExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return &models.ValidationError{Field: "order_id", Reason: "not a numeric exchange id: " + orderID}
	}
	if _, err := e.client.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(ctx); err != nil {
		return classify("cancel_order", err)
	}
	return nil
}

func (e *LiveExchange) GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	raw, err := e.client.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, classify("get_open_orders", err)
	}
	orders := make([]models.Order, 0, len(raw))
	for _, o := range raw {
		orders = append(orders, fromBinanceOrder(o))
	}
	return orders, nil
}

func (e *LiveExchange) GetOrderStatus(ctx context.Context, symbol, orderID string) (*models.Order, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return nil, &models.ValidationError{Field: "order_id", Reason: "not a numeric exchange id: " + orderID}
	}
	o, err := e.client.NewGetOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	if err != nil {
		return nil, classify("get_order_status", err)
	}
	order := fromBinanceOrder(o)
	return &order, nil
}

func (e *LiveExchange) GetOHLCV(ctx context.Context, symbol, interval string, limit int) ([]models.Kline, error) {
	raw, err := e.client.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit).Do(ctx)
	if err != nil {
		return nil, classify("get_ohlcv", err)
	}
	klines := make([]models.Kline, 0, len(raw))
	for _, k := range raw {
		open, _ := strconv.ParseFloat(k.Open, 64)
		high, _ := strconv.ParseFloat(k.High, 64)
		low, _ := strconv.ParseFloat(k.Low, 64)
		cls, _ := strconv.ParseFloat(k.Close, 64)
		vol, _ := strconv.ParseFloat(k.Volume, 64)
		klines = append(klines, models.Kline{
			OpenTime: time.UnixMilli(k.OpenTime),
			Open:     open,
			High:     high,
			Low:      low,
			Close:    cls,
			Volume:   vol,
		})
	}
	return klines, nil
}

func fromBinanceOrder(o *binance.Order) models.Order {
	price, _ := strconv.ParseFloat(o.Price, 64)
	amount, _ := strconv.ParseFloat(o.OrigQuantity, 64)
	filled, _ := strconv.ParseFloat(o.ExecutedQuantity, 64)
	return models.Order{
		ID:            strconv.FormatInt(o.OrderID, 10),
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          models.Side(o.Side),
		Type:          models.OrderType(o.Type),
		Status:        mapStatus(string(o.Status)),
		Price:         price,
		Amount:        amount,
		Filled:        filled,
		CreatedAt:     time.UnixMilli(o.Time),
		UpdatedAt:     time.UnixMilli(o.UpdateTime),
	}
}

// mapStatus folds Binance's order states onto the engine's monotonic three.
func mapStatus(s string) models.OrderStatus {
	switch s {
	case "NEW", "PARTIALLY_FILLED":
		return models.OrderOpen
	case "FILLED":
		return models.OrderClosed
	default: // CANCELED, EXPIRED, REJECTED, PENDING_CANCEL
		return models.OrderCanceled
	}
}

// formatQty trims trailing zeros so the API does not reject the value.
func formatQty(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
