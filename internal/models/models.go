package models

import (
	"time"
)

// Side is the direction of an order.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// OrderType distinguishes resting limit orders from immediate market orders.
type OrderType string

const (
	Limit  OrderType = "LIMIT"
	Market OrderType = "MARKET"
)

// OrderStatus is the lifecycle status of an order. Transitions are monotonic:
// Open -> Closed or Open -> Canceled, nothing else.
type OrderStatus string

const (
	OrderOpen     OrderStatus = "OPEN"
	OrderClosed   OrderStatus = "CLOSED"
	OrderCanceled OrderStatus = "CANCELED"
)

// Order is the engine's normalized view of an exchange order. It is created
// from exchange responses and never constructed ad hoc by strategy code.
type Order struct {
	ID            string      `json:"id"`
	ClientOrderID string      `json:"client_order_id"`
	Symbol        string      `json:"symbol"`
	Side          Side        `json:"side"`
	Type          OrderType   `json:"type"`
	Status        OrderStatus `json:"status"`
	Price         float64     `json:"price"`
	Amount        float64     `json:"amount"`
	Filled        float64     `json:"filled"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// ApplyStatus enforces the monotonic status transition rule. Re-applying the
// current status is a no-op; leaving a terminal status is an error.
func (o *Order) ApplyStatus(next OrderStatus, at time.Time) error {
	if o.Status == next {
		return nil
	}
	if o.Status != OrderOpen {
		return &ValidationError{Field: "status", Reason: "order " + o.ID + " is already " + string(o.Status)}
	}
	o.Status = next
	o.UpdatedAt = at
	return nil
}

// PartiallyFilled reports whether the order has some, but not all, of its
// requested amount executed.
func (o *Order) PartiallyFilled() bool {
	return o.Filled > 0 && o.Filled < o.Amount
}

// Spacing selects how grid level prices are distributed over the range.
type Spacing string

const (
	SpacingArithmetic Spacing = "arithmetic"
	SpacingGeometric  Spacing = "geometric"
)

// GridConfig describes one grid strategy instance. It is validated at
// construction and immutable while the strategy is running.
type GridConfig struct {
	Symbol          string  `json:"symbol"`
	LowerPrice      float64 `json:"lower_price"`
	UpperPrice      float64 `json:"upper_price"`
	NumGrids        int     `json:"num_grids"`
	TotalInvestment float64 `json:"total_investment"`
	Spacing         Spacing `json:"spacing"`
	// AllocationPct is the share of TotalInvestment deployed across levels;
	// the remainder is held back as a volatility reserve. Zero means the
	// default of 0.80.
	AllocationPct float64 `json:"allocation_pct,omitempty"`
	// PriceTolerance is the relative band used when matching local orders
	// against live exchange orders during reconciliation. Zero means the
	// default of 0.0005 (5 bps).
	PriceTolerance float64 `json:"price_tolerance,omitempty"`
}

// Validate checks the invariants that the planner depends on.
func (c *GridConfig) Validate() error {
	if c.Symbol == "" {
		return &ValidationError{Field: "symbol", Reason: "must not be empty"}
	}
	if c.NumGrids < 2 {
		return &ValidationError{Field: "num_grids", Reason: "must be at least 2"}
	}
	if c.LowerPrice <= 0 {
		return &ValidationError{Field: "lower_price", Reason: "must be positive"}
	}
	if c.LowerPrice >= c.UpperPrice {
		return &ValidationError{Field: "lower_price", Reason: "must be below upper_price"}
	}
	if c.TotalInvestment <= 0 {
		return &ValidationError{Field: "total_investment", Reason: "must be positive"}
	}
	switch c.Spacing {
	case SpacingArithmetic, SpacingGeometric:
	default:
		return &ValidationError{Field: "spacing", Reason: "must be arithmetic or geometric"}
	}
	if c.AllocationPct < 0 || c.AllocationPct > 1 {
		return &ValidationError{Field: "allocation_pct", Reason: "must be within [0, 1]"}
	}
	return nil
}

// Allocation returns the configured allocation share, applying the default.
func (c *GridConfig) Allocation() float64 {
	if c.AllocationPct == 0 {
		return 0.80
	}
	return c.AllocationPct
}

// Tolerance returns the reconciliation price tolerance, applying the default.
func (c *GridConfig) Tolerance() float64 {
	if c.PriceTolerance == 0 {
		return 0.0005
	}
	return c.PriceTolerance
}

// StopKind selects the stop-loss flavor supervising a position.
type StopKind string

const (
	StopFixed      StopKind = "fixed"
	StopPercentage StopKind = "percentage"
	StopTrailing   StopKind = "trailing"
	StopATR        StopKind = "atr"
)

// RiskConfig carries the account-wide risk parameters.
type RiskConfig struct {
	// RiskPerTradePct is the fraction of balance risked per trade by the
	// fixed-fractional sizer, constrained to [0.001, 0.10].
	RiskPerTradePct    float64 `json:"risk_per_trade_pct"`
	MaxPositionPct     float64 `json:"max_position_pct"`
	DefaultStopLossPct float64 `json:"default_stop_loss_pct"`
	MaxDrawdownWarning float64 `json:"max_drawdown_warning"`
	MaxDrawdownLimit   float64 `json:"max_drawdown_limit"`
	// StopKind picks the per-trade stop supervising each filled level.
	// Empty means percentage.
	StopKind StopKind `json:"stop_kind,omitempty"`
	// GridStopBufferPct positions the grid-wide static stop below the lowest
	// grid level.
	GridStopBufferPct float64 `json:"grid_stop_buffer_pct,omitempty"`
	ATRMultiplier     float64 `json:"atr_multiplier,omitempty"`
	KellyFraction     float64 `json:"kelly_fraction,omitempty"`
}

// Validate checks the sizer and stop parameters at construction time.
func (c *RiskConfig) Validate() error {
	if c.RiskPerTradePct < 0.001 || c.RiskPerTradePct > 0.10 {
		return &ValidationError{Field: "risk_per_trade_pct", Reason: "must be within [0.001, 0.10]"}
	}
	if c.MaxPositionPct <= 0 || c.MaxPositionPct > 1 {
		return &ValidationError{Field: "max_position_pct", Reason: "must be within (0, 1]"}
	}
	if c.DefaultStopLossPct <= 0 || c.DefaultStopLossPct >= 1 {
		return &ValidationError{Field: "default_stop_loss_pct", Reason: "must be within (0, 1)"}
	}
	if c.MaxDrawdownWarning < 0 || c.MaxDrawdownLimit <= 0 {
		return &ValidationError{Field: "max_drawdown_limit", Reason: "must be positive"}
	}
	switch c.StopKind {
	case "", StopFixed, StopPercentage, StopTrailing, StopATR:
	default:
		return &ValidationError{Field: "stop_kind", Reason: "unknown stop kind"}
	}
	return nil
}

// CircuitBreakerConfig carries the account-wide trip thresholds.
type CircuitBreakerConfig struct {
	MaxDailyLossPct      float64 `json:"max_daily_loss_pct"`
	MaxConsecutiveLosses int     `json:"max_consecutive_losses"`
	MaxDrawdownPct       float64 `json:"max_drawdown_pct"`
	MaxErrorRate         float64 `json:"max_error_rate"`
	CooldownMinutes      int     `json:"cooldown_minutes"`
}

// Validate rejects configurations the breaker cannot operate with.
func (c *CircuitBreakerConfig) Validate() error {
	if c.MaxDailyLossPct <= 0 {
		return &ValidationError{Field: "max_daily_loss_pct", Reason: "must be positive"}
	}
	if c.MaxConsecutiveLosses <= 0 {
		return &ValidationError{Field: "max_consecutive_losses", Reason: "must be positive"}
	}
	if c.MaxDrawdownPct <= 0 {
		return &ValidationError{Field: "max_drawdown_pct", Reason: "must be positive"}
	}
	if c.MaxErrorRate <= 0 {
		return &ValidationError{Field: "max_error_rate", Reason: "must be positive"}
	}
	if c.CooldownMinutes <= 0 {
		return &ValidationError{Field: "cooldown_minutes", Reason: "must be positive"}
	}
	return nil
}

// LogConfig mirrors the logger setup knobs.
type LogConfig struct {
	Level      string `json:"level"`
	Output     string `json:"output"` // "console", "file", "both"
	File       string `json:"file"`
	MaxSize    int    `json:"max_size"` // MB per file before rotation
	MaxBackups int    `json:"max_backups"`
	MaxAge     int    `json:"max_age"` // days
	Compress   bool   `json:"compress"`
}

// AlertConfig configures the alert dispatcher and its sinks.
type AlertConfig struct {
	BufferSize     int   `json:"buffer_size,omitempty"` // default 64
	TelegramChatID int64 `json:"telegram_chat_id,omitempty"`
}

// Kline is one OHLCV candle, used for ATR computation.
type Kline struct {
	OpenTime time.Time `json:"open_time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

// CompletedTrade records one finished buy->sell grid cycle for the journal.
type CompletedTrade struct {
	Symbol     string        `json:"symbol"`
	Quantity   float64       `json:"quantity"`
	EntryPrice float64       `json:"entry_price"`
	ExitPrice  float64       `json:"exit_price"`
	EntryTime  time.Time     `json:"entry_time"`
	ExitTime   time.Time     `json:"exit_time"`
	HoldTime   time.Duration `json:"hold_time"`
	Profit     float64       `json:"profit"`
}
