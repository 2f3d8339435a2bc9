package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"grid-risk-engine/internal/exchange"
	"grid-risk-engine/internal/models"
)

type flakyExchange struct {
	*exchange.SimulatedExchange
	failOpenOrders bool
}

func (f *flakyExchange) GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	if f.failOpenOrders {
		return nil, models.NewTransientError("get_open_orders", errors.New("connection reset"))
	}
	return f.SimulatedExchange.GetOpenOrders(ctx, symbol)
}

func TestReconcileCancelsOrphans(t *testing.T) {
	sim := exchange.NewSimulatedExchange(100000)
	sim.SetPrice("BTCUSDT", 42000, time.Now())
	mgr := newTestManager(t, sim, nil)
	require.NoError(t, mgr.Initialize(context.Background(), 42000))

	// An order the strategy does not know about.
	stray, err := sim.PlaceOrder(context.Background(), exchange.OrderRequest{
		Symbol: "BTCUSDT", Side: models.Buy, Type: models.Limit, Amount: 0.01, Price: 39500,
	})
	require.NoError(t, err)

	require.NoError(t, mgr.Reconcile(context.Background()))

	got, err := sim.GetOrderStatus(context.Background(), "BTCUSDT", stray.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderCanceled, got.Status)

	open, err := sim.GetOpenOrders(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Len(t, open, 2)
}

func TestReconcileReplacesMissingOrders(t *testing.T) {
	sim := exchange.NewSimulatedExchange(100000)
	sim.SetPrice("BTCUSDT", 42000, time.Now())
	mgr := newTestManager(t, sim, nil)

	// Persisted state says two buys are open, but the exchange lost them.
	mgr.Restore([]models.LevelSnapshot{
		{Index: 0, Price: 40000, State: models.LevelBuyOpen, OrderID: "stale-1"},
		{Index: 1, Price: 41000, State: models.LevelBuyOpen, OrderID: "stale-2"},
	})

	require.NoError(t, mgr.Reconcile(context.Background()))

	open, err := sim.GetOpenOrders(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, open, 2)
	prices := map[float64]bool{}
	for _, o := range open {
		prices[o.Price] = true
	}
	assert.True(t, prices[40000])
	assert.True(t, prices[41000])

	for _, lvl := range mgr.Levels()[:2] {
		require.NotNil(t, lvl.Order)
		assert.NotContains(t, []string{"stale-1", "stale-2"}, lvl.Order.ID)
		assert.Equal(t, models.LevelBuyOpen, lvl.State)
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	sim := exchange.NewSimulatedExchange(100000)
	sim.SetPrice("BTCUSDT", 42000, time.Now())
	mgr := newTestManager(t, sim, nil)
	require.NoError(t, mgr.Initialize(context.Background(), 42000))

	require.NoError(t, mgr.Reconcile(context.Background()))
	firstOpen, err := sim.GetOpenOrders(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	firstStates := make([]models.LevelState, len(mgr.Levels()))
	for i, lvl := range mgr.Levels() {
		firstStates[i] = lvl.State
	}

	require.NoError(t, mgr.Reconcile(context.Background()))
	secondOpen, err := sim.GetOpenOrders(context.Background(), "BTCUSDT")
	require.NoError(t, err)

	assert.Equal(t, len(firstOpen), len(secondOpen))
	for i, lvl := range mgr.Levels() {
		assert.Equal(t, firstStates[i], lvl.State, "level %d", i)
	}
}

func TestReconcileFailureMarksDegraded(t *testing.T) {
	sim := exchange.NewSimulatedExchange(100000)
	sim.SetPrice("BTCUSDT", 42000, time.Now())
	flaky := &flakyExchange{SimulatedExchange: sim, failOpenOrders: true}
	mgr, err := NewManager(testGridConfig(), flaky, nil, exchange.RetryPolicy{Attempts: 1}, zap.NewNop())
	require.NoError(t, err)

	require.Error(t, mgr.Reconcile(context.Background()))
	assert.True(t, mgr.Degraded())

	// Degraded blocks all new placements.
	mgr.Ensure(context.Background(), 42000)
	open, err := sim.GetOpenOrders(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Empty(t, open)

	// The next successful pass clears the block.
	flaky.failOpenOrders = false
	require.NoError(t, mgr.Reconcile(context.Background()))
	assert.False(t, mgr.Degraded())
	mgr.Ensure(context.Background(), 42000)
	open, err = sim.GetOpenOrders(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Len(t, open, 2)
}

// stubExchange serves a canned open-order list and records cancels, for the
// partial-fill protection test.
type stubExchange struct {
	exchange.Exchange
	open     []models.Order
	canceled []string
}

func (s *stubExchange) GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	return s.open, nil
}

func (s *stubExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	s.canceled = append(s.canceled, orderID)
	return nil
}

func TestReconcileLeavesPartialFillsUntouched(t *testing.T) {
	stub := &stubExchange{open: []models.Order{
		{ID: "partial", Symbol: "BTCUSDT", Side: models.Buy, Status: models.OrderOpen, Price: 39000, Amount: 0.02, Filled: 0.01},
		{ID: "full-orphan", Symbol: "BTCUSDT", Side: models.Buy, Status: models.OrderOpen, Price: 38000, Amount: 0.02},
	}}
	mgr, err := NewManager(testGridConfig(), stub, nil, exchange.RetryPolicy{Attempts: 1}, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, mgr.Reconcile(context.Background()))

	assert.Equal(t, []string{"full-orphan"}, stub.canceled)
}
