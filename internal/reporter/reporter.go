// Package reporter renders the periodic operator status report: level
// states, risk posture and journal statistics for every running symbol.
package reporter

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"go.uber.org/zap"

	"grid-risk-engine/internal/journal"
	"grid-risk-engine/internal/models"
)

// StatusSource is one symbol's state provider; the orchestrator implements
// it.
type StatusSource interface {
	Snapshot() *models.StrategyState
}

// RiskSource provides the account-wide risk view; the risk actor implements
// it.
type RiskSource interface {
	Snapshot() models.RiskState
}

// Summarizer provides journal aggregates; the sqlite store implements it.
type Summarizer interface {
	Summarize(symbol string) (journal.Summary, error)
}

// Reporter logs a rendered status table on a fixed interval.
type Reporter struct {
	sources  []StatusSource
	risk     RiskSource
	journal  Summarizer
	interval time.Duration
	logger   *zap.Logger

	stopCh chan struct{}
	done   chan struct{}
}

// New builds a reporter. risk and journal may be nil; their sections are
// omitted.
func New(sources []StatusSource, risk RiskSource, journal Summarizer, interval time.Duration, logger *zap.Logger) *Reporter {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reporter{
		sources:  sources,
		risk:     risk,
		journal:  journal,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the reporting loop.
func (r *Reporter) Start() {
	go r.loop()
}

// Stop halts the loop and waits for it.
func (r *Reporter) Stop() {
	close(r.stopCh)
	<-r.done
}

func (r *Reporter) loop() {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.Report()
		case <-r.stopCh:
			return
		}
	}
}

// Report renders and logs one status snapshot.
func (r *Reporter) Report() {
	r.logger.Info("status report\n" + r.Render())
}

// Render produces the full status table as a string.
func (r *Reporter) Render() string {
	t := table.NewWriter()
	t.SetTitle("Grid Status")
	t.AppendHeader(table.Row{"Symbol", "Cycle", "Degraded", "Buy Open", "Holding", "Sell Open", "Completed", "Trades", "Win Rate", "PnL"})

	for _, src := range r.sources {
		st := src.Snapshot()
		if st == nil {
			continue
		}
		counts := map[models.LevelState]int{}
		for _, l := range st.Levels {
			counts[l.State]++
		}
		trades, winRate, pnl := "-", "-", "-"
		if r.journal != nil {
			if sum, err := r.journal.Summarize(st.Symbol); err == nil {
				trades = fmt.Sprintf("%d", sum.Trades)
				winRate = fmt.Sprintf("%.1f%%", sum.WinRate*100)
				pnl = fmt.Sprintf("%.2f", sum.TotalProfit)
			}
		}
		t.AppendRow(table.Row{
			st.Symbol,
			shortID(st.CycleID),
			st.Degraded,
			counts[models.LevelBuyOpen],
			counts[models.LevelFilled],
			counts[models.LevelSellOpen],
			counts[models.LevelCompleted],
			trades,
			winRate,
			pnl,
		})
	}

	out := t.Render()
	if r.risk != nil {
		out += "\n" + r.renderRisk()
	}
	return out
}

func (r *Reporter) renderRisk() string {
	st := r.risk.Snapshot()
	t := table.NewWriter()
	t.SetTitle("Risk")
	t.AppendHeader(table.Row{"Breaker", "Trigger", "Daily PnL", "Streak", "Drawdown", "Max DD", "Equity"})

	breaker := "ARMED"
	if st.Breaker.IsTripped {
		breaker = "TRIPPED"
	}
	trigger := st.Breaker.Trigger
	if trigger == "" {
		trigger = "-"
	}
	t.AppendRow(table.Row{
		breaker,
		trigger,
		fmt.Sprintf("%.2f", st.Breaker.DailyPnL),
		fmt.Sprintf("%dL/%dW", st.Breaker.ConsecutiveLosses, st.Breaker.ConsecutiveWins),
		fmt.Sprintf("%.2f%%", st.Drawdown.CurrentDrawdownPct*100),
		fmt.Sprintf("%.2f%%", st.Drawdown.MaxDrawdownPct*100),
		fmt.Sprintf("%.2f", st.Drawdown.CurrentEquity),
	})
	return t.Render()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
