package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"grid-risk-engine/internal/alert"
	"grid-risk-engine/internal/exchange"
	"grid-risk-engine/internal/metrics"
	"grid-risk-engine/internal/models"
	"grid-risk-engine/internal/persistence"
	"grid-risk-engine/internal/risk"
)

type eventKind int

const (
	tickEvent eventKind = iota
	reconcileEvent
	snapshotEvent
)

type event struct {
	kind  eventKind
	price float64
	at    time.Time
	reply chan *models.StrategyState
}

// TradeRecorder receives completed buy->sell cycles. The sqlite journal
// implements it; a nil recorder disables journaling.
type TradeRecorder interface {
	Record(t models.CompletedTrade) error
}

// Orchestrator is the per-symbol actor. All state mutations flow through its
// single event loop: ticks, fill detection, stop supervision and
// reconciliation requests are serialized, and every state-mutating event
// pushes a snapshot to the async persistence loop.
type Orchestrator struct {
	symbol  string
	cfg     models.GridConfig
	riskCfg models.RiskConfig

	mgr    *Manager
	ex     exchange.Exchange
	risk   *risk.Actor
	repo   persistence.StateRepository
	trades TradeRecorder
	alerts *alert.Dispatcher
	logger *zap.Logger

	// EquityFn values the whole account for drawdown tracking. Defaults to
	// the free balance when unset.
	EquityFn func(ctx context.Context) (float64, error)

	cycleID   string
	version   int
	lastPrice float64
	// lastEquity is the last successful account valuation, reused when a
	// fresh one cannot be fetched at trade-recording time.
	lastEquity float64
	retry      exchange.RetryPolicy

	// stops holds the per-level trade stop for each filled level; gridStop is
	// the static floor below the whole ladder. The effective stop for a level
	// is the tighter of the two.
	stops    map[int]*risk.StopLoss
	gridStop *risk.StopLoss

	events    chan event
	persistCh chan *models.StrategyState
	stopCh    chan struct{}
	loopDone  chan struct{}
	saveDone  chan struct{}

	runCtx context.Context
}

// NewOrchestrator wires one symbol's trading loop. trades and alerts may be
// nil.
func NewOrchestrator(
	cfg models.GridConfig,
	riskCfg models.RiskConfig,
	ex exchange.Exchange,
	riskActor *risk.Actor,
	repo persistence.StateRepository,
	trades TradeRecorder,
	alerts *alert.Dispatcher,
	retry exchange.RetryPolicy,
	logger *zap.Logger,
) (*Orchestrator, error) {
	o := &Orchestrator{
		symbol:    cfg.Symbol,
		cfg:       cfg,
		riskCfg:   riskCfg,
		ex:        ex,
		risk:      riskActor,
		repo:      repo,
		trades:    trades,
		alerts:    alerts,
		retry:     retry,
		logger:    logger,
		stops:     make(map[int]*risk.StopLoss),
		events:    make(chan event, 256),
		persistCh: make(chan *models.StrategyState, 128),
		stopCh:    make(chan struct{}),
		loopDone:  make(chan struct{}),
		saveDone:  make(chan struct{}),
	}

	mgr, err := NewManager(cfg, ex, o, retry, logger)
	if err != nil {
		return nil, err
	}
	o.mgr = mgr
	mgr.OnCycleComplete(o.onCycleComplete)

	if riskCfg.GridStopBufferPct > 0 {
		o.gridStop = risk.NewGridStop(cfg.LowerPrice, riskCfg.GridStopBufferPct)
	}
	return o, nil
}

// Start restores persisted state or initializes a fresh grid, reconciles
// against the exchange, and launches the event and persistence loops.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.runCtx = ctx

	if err := o.restoreOrInitialize(ctx); err != nil {
		return err
	}
	if err := o.mgr.Reconcile(ctx); err != nil {
		// Degraded is survivable: the loop keeps running and retries the
		// reconciliation on the next pass.
		o.notify(alert.SeverityWarning, "reconciliation failed at startup",
			fmt.Sprintf("%s starts degraded: %v", o.symbol, err))
	}
	o.persist()

	go o.eventLoop()
	go o.persistenceLoop()
	o.logger.Info("orchestrator started",
		zap.String("symbol", o.symbol),
		zap.String("cycle_id", o.cycleID))
	return nil
}

// Stop shuts both loops down and waits for them to exit.
func (o *Orchestrator) Stop() {
	close(o.stopCh)
	<-o.loopDone
	<-o.saveDone
	o.logger.Info("orchestrator stopped", zap.String("symbol", o.symbol))
}

// OnTick feeds a price observation into the event queue. Ticks are dropped
// when the loop is behind; only the freshest price matters.
func (o *Orchestrator) OnTick(price float64, at time.Time) {
	select {
	case o.events <- event{kind: tickEvent, price: price, at: at}:
	default:
	}
}

// RequestReconcile schedules a reconciliation pass, typically after a stream
// reconnect. Non-blocking: the loop itself may request one while processing,
// and a dropped request is recovered by the degraded-state check on the next
// tick.
func (o *Orchestrator) RequestReconcile() {
	select {
	case o.events <- event{kind: reconcileEvent}:
	default:
		o.logger.Warn("event queue full, reconcile request dropped",
			zap.String("symbol", o.symbol))
	}
}

// Snapshot returns the current state view for reporting. The request is
// served by the event loop, so callers on other goroutines get a consistent
// copy.
func (o *Orchestrator) Snapshot() *models.StrategyState {
	reply := make(chan *models.StrategyState, 1)
	select {
	case o.events <- event{kind: snapshotEvent, reply: reply}:
	case <-o.stopCh:
		return nil
	}
	select {
	case st := <-reply:
		return st
	case <-o.stopCh:
		return nil
	case <-time.After(2 * time.Second):
		return nil
	}
}

// ApproveEntry implements EntryGate: the pre-placement risk gate re-checked
// immediately before every buy.
func (o *Orchestrator) ApproveEntry(symbol string, price, amount float64) bool {
	if o.risk == nil {
		return true
	}
	balance, err := o.ex.GetBalance(o.runCtx)
	if err != nil {
		o.logger.Error("balance fetch failed, refusing entry",
			zap.String("symbol", symbol), zap.Error(err))
		o.recordError()
		return false
	}
	v := o.risk.ValidateTrade(symbol, models.Buy, price, balance, o.riskCfg.DefaultStopLossPct)
	if !v.Allowed {
		switch {
		case errors.Is(v.Err, models.ErrCircuitBreakerTripped):
			o.logger.Warn("entry blocked, circuit breaker tripped",
				zap.String("symbol", symbol), zap.Float64("price", price))
		case models.IsValidation(v.Err):
			o.logger.Warn("entry rejected by risk rule",
				zap.String("symbol", symbol),
				zap.Float64("price", price),
				zap.String("reason", v.RejectionReason))
		default:
			o.logger.Warn("entry rejected by risk gate",
				zap.String("symbol", symbol),
				zap.Float64("price", price),
				zap.String("reason", v.RejectionReason))
		}
		return false
	}
	return true
}

func (o *Orchestrator) restoreOrInitialize(ctx context.Context) error {
	var st *models.StrategyState
	if o.repo != nil {
		var err error
		st, err = o.repo.LoadStrategyState(o.symbol)
		if err != nil {
			return fmt.Errorf("load state for %s: %w", o.symbol, err)
		}
	}
	if st != nil {
		o.cycleID = st.CycleID
		o.version = st.Version
		o.mgr.Restore(st.Levels)
		o.rebuildStops()
		o.logger.Info("restored persisted state",
			zap.String("symbol", o.symbol),
			zap.String("cycle_id", o.cycleID),
			zap.Int("version", o.version))
		return nil
	}

	o.cycleID = uuid.NewString()
	var price float64
	err := exchange.WithRetry(ctx, o.logger, o.retry, "get_price", func() error {
		var err error
		price, err = o.ex.GetPrice(ctx, o.symbol)
		return err
	})
	if err != nil {
		return fmt.Errorf("initial price for %s: %w", o.symbol, err)
	}
	o.lastPrice = price
	return o.mgr.Initialize(ctx, price)
}

// rebuildStops reconstructs per-level stops after a restart. Trailing and
// ATR stops lose their high-water mark and restart from the entry price.
func (o *Orchestrator) rebuildStops() {
	for _, lvl := range o.mgr.Levels() {
		if lvl.State == models.LevelFilled || lvl.State == models.LevelSellOpen {
			o.stops[lvl.Index] = o.newTradeStop(lvl.EntryPrice)
		}
	}
}

func (o *Orchestrator) eventLoop() {
	defer close(o.loopDone)
	for {
		select {
		case ev := <-o.events:
			o.processEvent(ev)
		case <-o.stopCh:
			return
		}
	}
}

func (o *Orchestrator) persistenceLoop() {
	defer close(o.saveDone)
	for {
		select {
		case st := <-o.persistCh:
			if o.repo == nil {
				continue
			}
			if err := o.repo.SaveStrategyState(o.symbol, st); err != nil {
				o.logger.Error("state save failed",
					zap.String("symbol", o.symbol), zap.Error(err))
			}
		case <-o.stopCh:
			return
		}
	}
}

func (o *Orchestrator) processEvent(ev event) {
	switch ev.kind {
	case tickEvent:
		o.handleTick(ev.price, ev.at)
	case reconcileEvent:
		if err := o.mgr.Reconcile(o.runCtx); err != nil {
			o.notify(alert.SeverityWarning, "reconciliation failed",
				fmt.Sprintf("%s degraded: %v", o.symbol, err))
		}
	case snapshotEvent:
		ev.reply <- o.snapshotState()
		return
	}
	o.persist()
}

func (o *Orchestrator) handleTick(price float64, at time.Time) {
	o.lastPrice = price

	o.pollOrders()
	o.superviseStops(price, at)

	if o.mgr.Degraded() {
		// Self-heal before arming anything new.
		if err := o.mgr.Reconcile(o.runCtx); err != nil {
			return
		}
	}
	o.mgr.Ensure(o.runCtx, price)
}

// pollOrders asks the exchange for the status of every open level order and
// routes terminal transitions into the lifecycle manager.
func (o *Orchestrator) pollOrders() {
	for _, lvl := range o.mgr.Levels() {
		if lvl.Order == nil || lvl.Order.Status != models.OrderOpen {
			continue
		}
		got, err := o.ex.GetOrderStatus(o.runCtx, o.symbol, lvl.Order.ID)
		if err != nil {
			if models.IsOrderNotFound(err) {
				// The exchange no longer knows this order; reconcile decides.
				o.logger.Warn("tracked order unknown to exchange",
					zap.String("symbol", o.symbol),
					zap.String("order_id", lvl.Order.ID))
				o.RequestReconcile()
				continue
			}
			o.logger.Warn("order status poll failed",
				zap.String("symbol", o.symbol),
				zap.String("order_id", lvl.Order.ID),
				zap.Error(err))
			o.recordError()
			continue
		}
		switch got.Status {
		case models.OrderClosed:
			o.handleFill(got)
		case models.OrderCanceled:
			o.mgr.HandleCanceled(got)
		}
	}
}

func (o *Orchestrator) handleFill(order *models.Order) {
	wasBuy := order.Side == models.Buy
	o.mgr.HandleFill(o.runCtx, order)
	if wasBuy {
		o.stops[o.levelIndexFor(order.Price)] = o.newTradeStop(order.Price)
	}
}

// levelIndexFor maps a fill price back to its level index.
func (o *Orchestrator) levelIndexFor(price float64) int {
	best, bestDiff := 0, -1.0
	for _, lvl := range o.mgr.Levels() {
		diff := price - lvl.Price
		if diff < 0 {
			diff = -diff
		}
		if bestDiff < 0 || diff < bestDiff {
			best, bestDiff = lvl.Index, diff
		}
	}
	return best
}

// newTradeStop builds the configured per-trade stop for a new position.
func (o *Orchestrator) newTradeStop(entry float64) *risk.StopLoss {
	switch o.riskCfg.StopKind {
	case models.StopTrailing:
		return risk.NewTrailingStop(risk.Long, entry, o.riskCfg.DefaultStopLossPct)
	case models.StopATR:
		if atr := o.currentATR(); atr > 0 {
			return risk.NewATRStop(risk.Long, entry, atr, o.riskCfg.ATRMultiplier)
		}
		// No volatility data yet; fall back to the percentage stop.
		return risk.NewPercentageStop(risk.Long, entry, o.riskCfg.DefaultStopLossPct)
	case models.StopFixed:
		return risk.NewFixedStop(risk.Long, entry, entry*(1-o.riskCfg.DefaultStopLossPct))
	default:
		return risk.NewPercentageStop(risk.Long, entry, o.riskCfg.DefaultStopLossPct)
	}
}

func (o *Orchestrator) currentATR() float64 {
	klines, err := o.ex.GetOHLCV(o.runCtx, o.symbol, "1h", 15)
	if err != nil {
		o.logger.Warn("OHLCV fetch failed, ATR unavailable",
			zap.String("symbol", o.symbol), zap.Error(err))
		return 0
	}
	return risk.ATR(klines, 14)
}

// superviseStops walks every level holding inventory, advances its trailing
// stop and closes the position at market when the effective stop triggers.
func (o *Orchestrator) superviseStops(price float64, at time.Time) {
	for _, lvl := range o.mgr.Levels() {
		if lvl.State != models.LevelFilled && lvl.State != models.LevelSellOpen {
			continue
		}
		tradeStop := o.stops[lvl.Index]
		if tradeStop != nil {
			tradeStop.UpdateTrailing(price)
		}
		effective := risk.Tighter(tradeStop, o.gridStop)
		if effective == nil {
			continue
		}
		// The per-trade stop latches per level; the grid floor is shared
		// across levels, so it is compared directly instead of latched.
		fired := false
		if effective == tradeStop {
			fired = effective.Check(price)
		} else {
			fired = price <= effective.Current()
		}
		if !fired {
			continue
		}
		o.executeStop(lvl, effective, price, at)
	}
}

// executeStop liquidates one level's inventory at market after its stop
// fired, cancelling the resting sell first.
func (o *Orchestrator) executeStop(lvl *Level, stop *risk.StopLoss, price float64, at time.Time) {
	o.logger.Error("stop loss triggered",
		zap.String("symbol", o.symbol),
		zap.Int("level", lvl.Index),
		zap.String("kind", string(stop.Kind)),
		zap.Float64("stop", stop.Current()),
		zap.Float64("price", price))

	if lvl.Order != nil && lvl.Order.Status == models.OrderOpen {
		if err := o.ex.CancelOrder(o.runCtx, o.symbol, lvl.Order.ID); err != nil && !models.IsOrderNotFound(err) {
			o.logger.Error("cancel before stop exit failed",
				zap.String("symbol", o.symbol), zap.Error(err))
		} else {
			metrics.OrderCanceled()
		}
		lvl.Order = nil
	}

	qty := lvl.Quantity
	exit, err := o.ex.PlaceOrder(o.runCtx, exchange.OrderRequest{
		Symbol: o.symbol,
		Side:   models.Sell,
		Type:   models.Market,
		Amount: qty,
	})
	if err != nil {
		o.logger.Error("stop market exit failed",
			zap.String("symbol", o.symbol),
			zap.Int("level", lvl.Index),
			zap.Error(err))
		o.recordError()
		o.notify(alert.SeverityCritical, "stop exit failed",
			fmt.Sprintf("%s level %d: %v", o.symbol, lvl.Index, err))
		return
	}
	metrics.OrderPlaced(string(models.Sell))

	trade := models.CompletedTrade{
		Symbol:     o.symbol,
		Quantity:   qty,
		EntryPrice: lvl.EntryPrice,
		ExitPrice:  exit.Price,
		EntryTime:  lvl.EntryTime,
		ExitTime:   at,
		HoldTime:   at.Sub(lvl.EntryTime),
		Profit:     (exit.Price - lvl.EntryPrice) * qty,
	}
	lvl.State = models.LevelEmpty
	lvl.Quantity = 0
	delete(o.stops, lvl.Index)

	o.notify(alert.SeverityCritical, "stop loss executed",
		fmt.Sprintf("%s level %d closed at %.4f, pnl %.2f", o.symbol, lvl.Index, exit.Price, trade.Profit))
	o.recordTrade(trade)
}

// onCycleComplete handles a profitable grid round trip detected by the
// lifecycle manager.
func (o *Orchestrator) onCycleComplete(trade models.CompletedTrade) {
	delete(o.stops, o.levelIndexFor(trade.EntryPrice))
	o.recordTrade(trade)
}

// recordTrade journals the trade and feeds it to the account-wide risk
// actor. A breaker trip raised here halts all new entries via the gate.
func (o *Orchestrator) recordTrade(trade models.CompletedTrade) {
	if o.trades != nil {
		if err := o.trades.Record(trade); err != nil {
			o.logger.Error("journal write failed",
				zap.String("symbol", o.symbol), zap.Error(err))
		}
	}
	if o.risk == nil {
		return
	}
	equity, err := o.equity()
	if err != nil {
		// A failed valuation must never reach the drawdown tracker: a zero
		// equity reads as a 100% drawdown and trips the breaker. Count the
		// failure and fall back to the last good observation.
		o.logger.Warn("equity valuation failed, reusing last known equity",
			zap.String("symbol", o.symbol), zap.Error(err))
		o.recordError()
		equity = o.lastEquity
	}
	if equity <= 0 {
		return
	}
	o.lastEquity = equity
	metrics.SetEquity(equity)
	if trigger := o.risk.RecordTradeResult(o.symbol, trade.Profit, equity); trigger != risk.TriggerNone {
		metrics.BreakerTrip(string(trigger))
		o.notify(alert.SeverityCritical, "circuit breaker tripped",
			fmt.Sprintf("trigger %s after %s trade with pnl %.2f", trigger, o.symbol, trade.Profit))
	}
	st := o.risk.Snapshot()
	metrics.SetDrawdownPct(st.Drawdown.CurrentDrawdownPct)
	if o.repo != nil {
		if err := o.repo.SaveRiskState(&st); err != nil {
			o.logger.Error("risk state save failed", zap.Error(err))
		}
	}
}

// recordError counts an operational failure toward the error-rate trigger.
func (o *Orchestrator) recordError() {
	if o.risk == nil {
		return
	}
	if trigger := o.risk.RecordError(); trigger != risk.TriggerNone {
		metrics.BreakerTrip(string(trigger))
		o.notify(alert.SeverityCritical, "circuit breaker tripped",
			fmt.Sprintf("trigger %s from error rate on %s", trigger, o.symbol))
	}
}

func (o *Orchestrator) equity() (float64, error) {
	if o.EquityFn != nil {
		if eq, err := o.EquityFn(o.runCtx); err == nil {
			return eq, nil
		}
	}
	return o.ex.GetBalance(o.runCtx)
}

func (o *Orchestrator) snapshotState() *models.StrategyState {
	return &models.StrategyState{
		CycleID:        o.cycleID,
		Symbol:         o.symbol,
		Version:        o.version,
		Grid:           o.cfg,
		Levels:         o.mgr.Snapshot(),
		Degraded:       o.mgr.Degraded(),
		LastUpdateTime: time.Now(),
	}
}

// persist pushes a snapshot to the async save loop; a full queue drops the
// snapshot since a newer one follows on the next event.
func (o *Orchestrator) persist() {
	o.version++
	select {
	case o.persistCh <- o.snapshotState():
	default:
	}
}

func (o *Orchestrator) notify(sev alert.Severity, title, msg string) {
	if o.alerts == nil {
		return
	}
	o.alerts.Dispatch(alert.Alert{
		Severity: sev,
		Title:    title,
		Message:  msg,
		Fields:   map[string]string{"symbol": o.symbol},
	})
}
