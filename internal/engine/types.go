package engine

import (
	"errors"
	"fmt"
	"time"

	"trade-sentinel/pkg/db"
)

// Decision sides.
const (
	SideLong    = "LONG"
	SideShort   = "SHORT"
	SideNeutral = "NEUTRAL"
)

// Decision is a trading intent produced by a strategy.
type Decision struct {
	ID         string   `json:"id,omitempty" yaml:"id"`
	Symbol     string   `json:"symbol" yaml:"symbol"`
	Side       string   `json:"side" yaml:"side"`
	EntryPrice float64  `json:"entry_price" yaml:"entry_price"` // 0 means market
	StopLoss   *float64 `json:"stop_loss,omitempty" yaml:"stop_loss"`
	TakeProfit *float64 `json:"take_profit,omitempty" yaml:"take_profit"`
	RiskPct    float64  `json:"risk_pct" yaml:"risk_pct"`
	Leverage   int      `json:"leverage" yaml:"leverage"`
	StrategyID string   `json:"strategy_id,omitempty" yaml:"strategy_id"`
}

// Status tags every coordinator result.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusSimulated Status = "simulated"
	StatusNeutral   Status = "neutral"
	StatusError     Status = "error"
)

// Result is returned by ExecuteDecision and CloseManually; failures are
// reported through Status and Message, never as a panic.
type Result struct {
	Status      Status    `json:"status"`
	Message     string    `json:"message,omitempty"`
	Decision    *Decision `json:"decision,omitempty"`
	Sizing      *Sizing   `json:"sizing,omitempty"`
	PositionID  int64     `json:"position_id,omitempty"`
	Order       *db.Order `json:"order,omitempty"`
	ClosePrice  float64   `json:"close_price,omitempty"`
	RealizedPnL float64   `json:"realized_pnl,omitempty"`
	At          time.Time `json:"at"`

	// Err is the cause behind StatusError.
	Err error `json:"-"`
}

// ValidationError marks a malformed decision or a non-positive size.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ErrConcurrencyConflict is returned when a close waited on another close
// of the same position that already completed.
var ErrConcurrencyConflict = errors.New("position close already in progress")

// SystemStatus describes the running coordinator.
type SystemStatus struct {
	AutoExecute    bool      `json:"auto_execute"`
	MonitorRunning bool      `json:"monitor_running"`
	Instruments    []string  `json:"instruments"`
	ActiveTriggers int       `json:"active_triggers"`
	StartedAt      time.Time `json:"started_at"`
	Uptime         string    `json:"uptime"`
}
