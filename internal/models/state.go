package models

import "time"

// LevelState is the lifecycle state of one grid level. At most one open order
// exists per level at any time.
type LevelState string

const (
	LevelEmpty     LevelState = "EMPTY"
	LevelBuyOpen   LevelState = "BUY_OPEN"
	LevelFilled    LevelState = "FILLED"
	LevelSellOpen  LevelState = "SELL_OPEN"
	LevelCompleted LevelState = "COMPLETED"
)

// LevelSnapshot is the persisted view of a single grid level.
type LevelSnapshot struct {
	Index         int        `json:"index"`
	Price         float64    `json:"price"`
	Capital       float64    `json:"capital"`
	State         LevelState `json:"state"`
	OrderID       string     `json:"order_id,omitempty"`
	ClientOrderID string     `json:"client_order_id,omitempty"`
	Quantity      float64    `json:"quantity,omitempty"`
	EntryPrice    float64    `json:"entry_price,omitempty"`
	EntryTime     time.Time  `json:"entry_time,omitempty"`
}

// StrategyState is the persisted state of one symbol's grid strategy. It is
// written after every state-mutating event and read once at startup.
type StrategyState struct {
	CycleID        string          `json:"cycle_id"`
	Symbol         string          `json:"symbol"`
	Version        int             `json:"version"`
	Grid           GridConfig      `json:"grid"`
	Levels         []LevelSnapshot `json:"levels"`
	Degraded       bool            `json:"degraded"`
	LastUpdateTime time.Time       `json:"last_update_time"`
}

// CircuitBreakerState is the persisted account-wide breaker state. While
// IsTripped is true, CooldownUntil is set and in the future.
type CircuitBreakerState struct {
	IsTripped         bool      `json:"is_tripped"`
	Trigger           string    `json:"trigger,omitempty"`
	TrippedAt         time.Time `json:"tripped_at,omitempty"`
	CooldownUntil     time.Time `json:"cooldown_until,omitempty"`
	DailyPnL          float64   `json:"daily_pnl"`
	DailyTrades       int       `json:"daily_trades"`
	DailyErrors       int       `json:"daily_errors"`
	DayStart          time.Time `json:"day_start"`
	ConsecutiveLosses int       `json:"consecutive_losses"`
	ConsecutiveWins   int       `json:"consecutive_wins"`
	PeakEquity        float64   `json:"peak_equity"`
	CurrentEquity     float64   `json:"current_equity"`
	CurrentDrawdown   float64   `json:"current_drawdown"`
}

// DrawdownPeriod is one historical decline from a peak, with its trough and
// whether equity recovered past the peak again.
type DrawdownPeriod struct {
	Start        time.Time `json:"start"`
	End          time.Time `json:"end,omitempty"`
	PeakEquity   float64   `json:"peak_equity"`
	TroughEquity float64   `json:"trough_equity"`
	TroughPct    float64   `json:"trough_pct"`
	Recovered    bool      `json:"recovered"`
}

// DrawdownState is the persisted drawdown tracker history.
type DrawdownState struct {
	PeakEquity         float64          `json:"peak_equity"`
	CurrentEquity      float64          `json:"current_equity"`
	CurrentDrawdownPct float64          `json:"current_drawdown_pct"`
	MaxDrawdownPct     float64          `json:"max_drawdown_pct"`
	Periods            []DrawdownPeriod `json:"periods"`
}

// RiskState bundles everything the risk actor persists across restarts.
type RiskState struct {
	Breaker        CircuitBreakerState `json:"breaker"`
	Drawdown       DrawdownState       `json:"drawdown"`
	LastUpdateTime time.Time           `json:"last_update_time"`
}
