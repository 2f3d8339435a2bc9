package risk

import (
	"time"

	"go.uber.org/zap"

	"grid-risk-engine/internal/models"
)

// Actor gives the account-wide risk state single-writer semantics: one
// goroutine owns the RiskManager and every symbol orchestrator talks to it
// through request/response messages. No locks are exposed to callers.
type Actor struct {
	mgr      *RiskManager
	requests chan request
	stopCh   chan struct{}
	done     chan struct{}
	logger   *zap.Logger
}

type requestKind int

const (
	reqValidate requestKind = iota
	reqRecordTrade
	reqRecordError
	reqAllowed
	reqSnapshot
	reqReset
)

type request struct {
	kind requestKind

	symbol      string
	side        models.Side
	entryPrice  float64
	balance     float64
	stopLossPct float64
	pnl         float64
	equity      float64

	reply chan response
}

type response struct {
	validation TradeValidation
	trigger    TriggerKind
	allowed    bool
	state      models.RiskState
}

// NewActor wraps a RiskManager. Start must be called before use.
func NewActor(mgr *RiskManager, logger *zap.Logger) *Actor {
	return &Actor{
		mgr:      mgr,
		requests: make(chan request, 64),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
		logger:   logger,
	}
}

// Start launches the single owner goroutine.
func (a *Actor) Start() {
	go a.loop()
	a.logger.Info("risk actor started")
}

// Stop shuts the actor down and waits for the loop to drain.
func (a *Actor) Stop() {
	close(a.stopCh)
	<-a.done
	a.logger.Info("risk actor stopped")
}

func (a *Actor) loop() {
	defer close(a.done)
	for {
		select {
		case req := <-a.requests:
			req.reply <- a.handle(req)
		case <-a.stopCh:
			return
		}
	}
}

func (a *Actor) handle(req request) response {
	switch req.kind {
	case reqValidate:
		return response{validation: a.mgr.ValidateTrade(req.symbol, req.side, req.entryPrice, req.balance, req.stopLossPct)}
	case reqRecordTrade:
		return response{trigger: a.mgr.RecordTradeResult(req.symbol, req.pnl, req.equity)}
	case reqRecordError:
		return response{trigger: a.mgr.RecordError()}
	case reqAllowed:
		return response{allowed: a.mgr.IsTradingAllowed()}
	case reqSnapshot:
		return response{state: a.mgr.Snapshot()}
	case reqReset:
		a.mgr.ResetBreaker()
		return response{}
	}
	return response{}
}

func (a *Actor) ask(req request) response {
	req.reply = make(chan response, 1)
	select {
	case a.requests <- req:
	case <-a.stopCh:
		return response{}
	}
	select {
	case resp := <-req.reply:
		return resp
	case <-a.stopCh:
		return response{}
	case <-time.After(5 * time.Second):
		// A stuck risk actor must fail closed, not hang the trading path.
		a.logger.Error("risk actor request timed out")
		return response{}
	}
}

// ValidateTrade runs the pre-trade gate through the actor.
func (a *Actor) ValidateTrade(symbol string, side models.Side, entryPrice, balance, stopLossPct float64) TradeValidation {
	resp := a.ask(request{kind: reqValidate, symbol: symbol, side: side, entryPrice: entryPrice, balance: balance, stopLossPct: stopLossPct})
	if !resp.validation.Allowed && resp.validation.RejectionReason == "" {
		// Zero-value response from a stopped/stuck actor: fail closed.
		resp.validation.RejectionReason = "risk actor unavailable"
	}
	return resp.validation
}

// RecordTradeResult records a closed trade; the returned trigger, if any,
// tells the caller to halt new entries.
func (a *Actor) RecordTradeResult(symbol string, pnl, equity float64) TriggerKind {
	return a.ask(request{kind: reqRecordTrade, symbol: symbol, pnl: pnl, equity: equity}).trigger
}

// RecordError counts a failed tick toward the error-rate trigger.
func (a *Actor) RecordError() TriggerKind {
	return a.ask(request{kind: reqRecordError}).trigger
}

// IsTradingAllowed is the cheap gate re-checked before every order.
func (a *Actor) IsTradingAllowed() bool {
	return a.ask(request{kind: reqAllowed}).allowed
}

// Snapshot exports the current account-wide risk state for persistence.
func (a *Actor) Snapshot() models.RiskState {
	return a.ask(request{kind: reqSnapshot}).state
}

// ResetBreaker is the manual operator override.
func (a *Actor) ResetBreaker() {
	a.ask(request{kind: reqReset})
}
