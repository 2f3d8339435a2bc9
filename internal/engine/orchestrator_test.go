package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"grid-risk-engine/internal/exchange"
	"grid-risk-engine/internal/models"
	"grid-risk-engine/internal/risk"
)

type mockRepo struct {
	mu         sync.Mutex
	strategies map[string]*models.StrategyState
	riskState  *models.RiskState
	saveDone   chan struct{}
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		strategies: make(map[string]*models.StrategyState),
		saveDone:   make(chan struct{}, 64),
	}
}

func (r *mockRepo) SaveStrategyState(symbol string, st *models.StrategyState) error {
	r.mu.Lock()
	r.strategies[symbol] = st
	r.mu.Unlock()
	select {
	case r.saveDone <- struct{}{}:
	default:
	}
	return nil
}

func (r *mockRepo) LoadStrategyState(symbol string) (*models.StrategyState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.strategies[symbol], nil
}

func (r *mockRepo) SaveRiskState(st *models.RiskState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.riskState = st
	return nil
}

func (r *mockRepo) LoadRiskState() (*models.RiskState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.riskState, nil
}

func (r *mockRepo) Close() error { return nil }

func (r *mockRepo) lastRiskState() *models.RiskState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.riskState
}

// flakyBalanceExchange fails GetBalance on demand while everything else
// keeps working, mimicking a transient network blip at valuation time.
type flakyBalanceExchange struct {
	*exchange.SimulatedExchange
	mu   sync.Mutex
	fail bool
}

func (e *flakyBalanceExchange) setFail(v bool) {
	e.mu.Lock()
	e.fail = v
	e.mu.Unlock()
}

func (e *flakyBalanceExchange) GetBalance(ctx context.Context) (float64, error) {
	e.mu.Lock()
	fail := e.fail
	e.mu.Unlock()
	if fail {
		return 0, models.NewTransientError("get_balance", errors.New("connection reset"))
	}
	return e.SimulatedExchange.GetBalance(ctx)
}

type tradeRecorder struct {
	ch chan models.CompletedTrade
}

func newTradeRecorder() *tradeRecorder {
	return &tradeRecorder{ch: make(chan models.CompletedTrade, 16)}
}

func (r *tradeRecorder) Record(tr models.CompletedTrade) error {
	r.ch <- tr
	return nil
}

func (r *tradeRecorder) next(t *testing.T) models.CompletedTrade {
	t.Helper()
	select {
	case tr := <-r.ch:
		return tr
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a recorded trade")
		return models.CompletedTrade{}
	}
}

func testRiskActor(t *testing.T, maxConsecutiveLosses int) *risk.Actor {
	t.Helper()
	mgr, err := risk.NewRiskManager(
		models.RiskConfig{
			RiskPerTradePct:    0.02,
			MaxPositionPct:     0.25,
			DefaultStopLossPct: 0.05,
			MaxDrawdownWarning: 0.10,
			MaxDrawdownLimit:   0.20,
			GridStopBufferPct:  0.02,
		},
		models.CircuitBreakerConfig{
			MaxDailyLossPct:      0.05,
			MaxConsecutiveLosses: maxConsecutiveLosses,
			MaxDrawdownPct:       0.20,
			MaxErrorRate:         0.9,
			CooldownMinutes:      60,
		},
		zap.NewNop(),
	)
	require.NoError(t, err)
	actor := risk.NewActor(mgr, zap.NewNop())
	actor.Start()
	t.Cleanup(actor.Stop)
	return actor
}

func startOrchestrator(t *testing.T, sim *exchange.SimulatedExchange, actor *risk.Actor, repo *mockRepo, rec *tradeRecorder) *Orchestrator {
	t.Helper()
	riskCfg := models.RiskConfig{
		RiskPerTradePct:    0.02,
		MaxPositionPct:     0.25,
		DefaultStopLossPct: 0.05,
		MaxDrawdownLimit:   0.20,
		GridStopBufferPct:  0.02,
	}
	o, err := NewOrchestrator(testGridConfig(), riskCfg, sim, actor, repo, rec,
		nil, exchange.RetryPolicy{Attempts: 1}, zap.NewNop())
	require.NoError(t, err)
	o.EquityFn = func(context.Context) (float64, error) { return sim.Equity(), nil }
	require.NoError(t, o.Start(context.Background()))
	t.Cleanup(o.Stop)
	return o
}

func levelState(st *models.StrategyState, index int) models.LevelState {
	if st == nil {
		return ""
	}
	for _, l := range st.Levels {
		if l.Index == index {
			return l.State
		}
	}
	return ""
}

func TestOrchestratorGridCycleEndToEnd(t *testing.T) {
	sim := exchange.NewSimulatedExchange(100000)
	sim.SetPrice("BTCUSDT", 42000, time.Now())
	rec := newTradeRecorder()
	o := startOrchestrator(t, sim, testRiskActor(t, 3), newMockRepo(), rec)

	open, err := sim.GetOpenOrders(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, open, 2)

	// Price drops onto level 1: the buy fills and a sell appears one rung up.
	sim.SetPrice("BTCUSDT", 41000, time.Now())
	o.OnTick(41000, time.Now())
	require.Eventually(t, func() bool {
		return levelState(o.Snapshot(), 1) == models.LevelSellOpen
	}, 3*time.Second, 10*time.Millisecond)

	// Price recovers: the sell fills, realizing grid profit.
	sim.SetPrice("BTCUSDT", 42000, time.Now())
	o.OnTick(42000, time.Now())

	tr := rec.next(t)
	assert.Equal(t, "BTCUSDT", tr.Symbol)
	assert.Equal(t, 41000.0, tr.EntryPrice)
	assert.Equal(t, 42000.0, tr.ExitPrice)
	assert.Positive(t, tr.Profit)
}

func TestOrchestratorPersistsStateAfterEvents(t *testing.T) {
	sim := exchange.NewSimulatedExchange(100000)
	sim.SetPrice("BTCUSDT", 42000, time.Now())
	repo := newMockRepo()
	o := startOrchestrator(t, sim, testRiskActor(t, 3), repo, newTradeRecorder())

	o.OnTick(42000, time.Now())

	require.Eventually(t, func() bool {
		st, _ := repo.LoadStrategyState("BTCUSDT")
		return st != nil && len(st.Levels) == 11 && !st.Degraded
	}, 3*time.Second, 10*time.Millisecond)

	st, err := repo.LoadStrategyState("BTCUSDT")
	require.NoError(t, err)
	assert.NotEmpty(t, st.CycleID)
	assert.Equal(t, models.LevelBuyOpen, levelState(st, 0))
	assert.Equal(t, models.LevelBuyOpen, levelState(st, 1))
}

func TestOrchestratorStopLossLiquidatesInventory(t *testing.T) {
	sim := exchange.NewSimulatedExchange(100000)
	sim.SetPrice("BTCUSDT", 42000, time.Now())
	rec := newTradeRecorder()
	o := startOrchestrator(t, sim, testRiskActor(t, 10), newMockRepo(), rec)

	// Fill level 1, then crash through the grid floor at 40000*0.98.
	sim.SetPrice("BTCUSDT", 41000, time.Now())
	o.OnTick(41000, time.Now())
	require.Eventually(t, func() bool {
		return levelState(o.Snapshot(), 1) == models.LevelSellOpen
	}, 3*time.Second, 10*time.Millisecond)

	sim.SetPrice("BTCUSDT", 39000, time.Now())
	o.OnTick(39000, time.Now())

	// Level 0's buy fills on the way down, so two positions get stopped out.
	first := rec.next(t)
	second := rec.next(t)
	assert.Negative(t, first.Profit)
	assert.Negative(t, second.Profit)

	require.Eventually(t, func() bool {
		st := o.Snapshot()
		return levelState(st, 0) == models.LevelEmpty && levelState(st, 1) == models.LevelEmpty
	}, 3*time.Second, 10*time.Millisecond)
	assert.InDelta(t, 0, sim.Holdings("BTCUSDT"), 1e-9)
}

func TestOrchestratorBreakerTripHaltsNewEntries(t *testing.T) {
	sim := exchange.NewSimulatedExchange(100000)
	sim.SetPrice("BTCUSDT", 42000, time.Now())
	rec := newTradeRecorder()
	actor := testRiskActor(t, 1)
	o := startOrchestrator(t, sim, actor, newMockRepo(), rec)

	// One losing stop-out trips the breaker immediately.
	sim.SetPrice("BTCUSDT", 41000, time.Now())
	o.OnTick(41000, time.Now())
	require.Eventually(t, func() bool {
		return levelState(o.Snapshot(), 1) == models.LevelSellOpen
	}, 3*time.Second, 10*time.Millisecond)

	sim.SetPrice("BTCUSDT", 39000, time.Now())
	o.OnTick(39000, time.Now())
	rec.next(t)

	require.Eventually(t, func() bool {
		return !actor.IsTradingAllowed()
	}, 3*time.Second, 10*time.Millisecond)

	// Price recovers, but the tripped breaker blocks all re-arming.
	sim.SetPrice("BTCUSDT", 42000, time.Now())
	o.OnTick(42000, time.Now())
	require.Eventually(t, func() bool {
		st := o.Snapshot()
		return st != nil && levelState(st, 0) == models.LevelEmpty && levelState(st, 1) == models.LevelEmpty
	}, 3*time.Second, 10*time.Millisecond)

	open, err := sim.GetOpenOrders(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestOrchestratorEquityFailureDoesNotPoisonDrawdown(t *testing.T) {
	sim := exchange.NewSimulatedExchange(100000)
	sim.SetPrice("BTCUSDT", 42000, time.Now())
	flaky := &flakyBalanceExchange{SimulatedExchange: sim}
	rec := newTradeRecorder()
	repo := newMockRepo()

	// A generous error-rate limit isolates the drawdown behavior from the
	// error counting this scenario also produces.
	mgr, err := risk.NewRiskManager(
		models.RiskConfig{
			RiskPerTradePct:    0.02,
			MaxPositionPct:     0.25,
			DefaultStopLossPct: 0.05,
			MaxDrawdownWarning: 0.10,
			MaxDrawdownLimit:   0.20,
		},
		models.CircuitBreakerConfig{
			MaxDailyLossPct:      0.05,
			MaxConsecutiveLosses: 5,
			MaxDrawdownPct:       0.20,
			MaxErrorRate:         1000,
			CooldownMinutes:      60,
		},
		zap.NewNop(),
	)
	require.NoError(t, err)
	actor := risk.NewActor(mgr, zap.NewNop())
	actor.Start()
	t.Cleanup(actor.Stop)

	riskCfg := models.RiskConfig{
		RiskPerTradePct:    0.02,
		MaxPositionPct:     0.25,
		DefaultStopLossPct: 0.05,
		MaxDrawdownLimit:   0.20,
	}
	o, err := NewOrchestrator(testGridConfig(), riskCfg, flaky, actor, repo, rec,
		nil, exchange.RetryPolicy{Attempts: 1}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, o.Start(context.Background()))
	t.Cleanup(o.Stop)

	// A first healthy cycle establishes peak equity, then the level re-arms.
	sim.SetPrice("BTCUSDT", 41000, time.Now())
	o.OnTick(41000, time.Now())
	require.Eventually(t, func() bool {
		return levelState(o.Snapshot(), 1) == models.LevelSellOpen
	}, 3*time.Second, 10*time.Millisecond)
	sim.SetPrice("BTCUSDT", 42000, time.Now())
	o.OnTick(42000, time.Now())
	rec.next(t)
	require.Eventually(t, func() bool {
		st := repo.lastRiskState()
		return st != nil && st.Drawdown.PeakEquity > 0 &&
			levelState(o.Snapshot(), 1) == models.LevelBuyOpen
	}, 3*time.Second, 10*time.Millisecond)

	// Second cycle: the buy fills while the balance is still healthy.
	sim.SetPrice("BTCUSDT", 41000, time.Now())
	o.OnTick(41000, time.Now())
	require.Eventually(t, func() bool {
		return levelState(o.Snapshot(), 1) == models.LevelSellOpen
	}, 3*time.Second, 10*time.Millisecond)

	// The balance fetch fails exactly when the profitable exit is recorded.
	flaky.setFail(true)
	sim.SetPrice("BTCUSDT", 42000, time.Now())
	o.OnTick(42000, time.Now())
	rec.next(t)

	require.Eventually(t, func() bool {
		return actor.Snapshot().Breaker.DailyErrors > 0
	}, 3*time.Second, 10*time.Millisecond)

	// Two profitable cycles and one transient valuation failure: no drawdown,
	// no trip, and the persisted maximum stays clean.
	st := actor.Snapshot()
	assert.False(t, st.Breaker.IsTripped, "a transient balance failure must not trip the breaker")
	assert.True(t, actor.IsTradingAllowed())
	assert.InDelta(t, 0, st.Drawdown.MaxDrawdownPct, 1e-9)
	assert.InDelta(t, 0, st.Drawdown.CurrentDrawdownPct, 1e-9)
}

func TestOrchestratorRestoresPersistedState(t *testing.T) {
	sim := exchange.NewSimulatedExchange(100000)
	sim.SetPrice("BTCUSDT", 41500, time.Now())

	// A live sell survives from the previous run.
	liveSell, err := sim.PlaceOrder(context.Background(), exchange.OrderRequest{
		Symbol: "BTCUSDT", Side: models.Sell, Type: models.Limit, Amount: 0.0195, Price: 42000,
	})
	require.NoError(t, err)

	repo := newMockRepo()
	repo.strategies["BTCUSDT"] = &models.StrategyState{
		CycleID: "cycle-restored",
		Symbol:  "BTCUSDT",
		Levels: []models.LevelSnapshot{
			{Index: 0, Price: 40000, State: models.LevelBuyOpen, OrderID: "stale-buy"},
			{Index: 1, Price: 41000, State: models.LevelSellOpen, OrderID: "stale-sell",
				Quantity: 0.0195, EntryPrice: 41000, EntryTime: time.Now().Add(-time.Hour)},
		},
	}

	o := startOrchestrator(t, sim, testRiskActor(t, 3), repo, newTradeRecorder())

	st := o.Snapshot()
	require.NotNil(t, st)
	assert.Equal(t, "cycle-restored", st.CycleID)
	assert.Equal(t, models.LevelSellOpen, levelState(st, 1))

	// Reconciliation adopted the live sell and re-placed the lost buy.
	for _, l := range st.Levels {
		if l.Index == 1 {
			assert.Equal(t, liveSell.ID, l.OrderID)
		}
		if l.Index == 0 {
			assert.Equal(t, models.LevelBuyOpen, l.State)
			assert.NotEqual(t, "stale-buy", l.OrderID)
		}
	}
}
