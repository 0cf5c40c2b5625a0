package db

import "time"

// Position status values.
const (
	StatusOpen   = "OPEN"
	StatusClosed = "CLOSED"
)

// Trade transaction types.
const (
	TxOpen  = "OPEN"
	TxClose = "CLOSE"
)

// Position is a persisted leveraged position.
type Position struct {
	ID            int64     `json:"id"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	Quantity      float64   `json:"quantity"`
	EntryPrice    float64   `json:"entry_price"`
	CurrentPrice  float64   `json:"current_price"`
	StopLoss      *float64  `json:"stop_loss"`
	TakeProfit    *float64  `json:"take_profit"`
	Leverage      int       `json:"leverage"`
	MarginUsed    float64   `json:"margin_used"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	Status        string    `json:"status"`
	StrategyID    string    `json:"strategy_id"`
	OpenedAt      time.Time `json:"opened_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	ClosedAt      time.Time `json:"closed_at"`
	ClosePrice    float64   `json:"close_price"`
	RealizedPnL   float64   `json:"realized_pnl"`
	CloseReason   string    `json:"close_reason"`
}

// Order is a persisted exchange order.
type Order struct {
	ID              int64     `json:"id"`
	ExchangeOrderID string    `json:"exchange_order_id"`
	ClientOrderID   string    `json:"client_order_id"`
	Symbol          string    `json:"symbol"`
	Kind            string    `json:"kind"`
	Side            string    `json:"side"`
	Quantity        float64   `json:"quantity"`
	Price           *float64  `json:"price"`
	StopPrice       *float64  `json:"stop_price"`
	ExecutedQty     float64   `json:"executed_qty"`
	AvgPrice        float64   `json:"avg_price"`
	Status          string    `json:"status"`
	StrategyID      string    `json:"strategy_id"`
	PositionID      int64     `json:"position_id"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Trade is an immutable open/close record of a position.
type Trade struct {
	ID              int64     `json:"id"`
	PositionID      int64     `json:"position_id"`
	Symbol          string    `json:"symbol"`
	Side            string    `json:"side"`
	Quantity        float64   `json:"quantity"`
	Price           float64   `json:"price"`
	RealizedPnL     float64   `json:"realized_pnl"`
	TransactionType string    `json:"transaction_type"`
	CloseReason     string    `json:"close_reason"`
	CreatedAt       time.Time `json:"created_at"`
}

// Balance is the current snapshot row for one asset.
type Balance struct {
	Asset     string    `json:"asset"`
	Free      float64   `json:"free"`
	Locked    float64   `json:"locked"`
	Total     float64   `json:"total"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DailyPnL is the per-day portfolio rollup.
type DailyPnL struct {
	Date          string    `json:"date"` // YYYY-MM-DD
	RealizedPnL   float64   `json:"realized_pnl"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	OpenPositions int       `json:"open_positions"`
	MarginUsed    float64   `json:"margin_used"`
	TradeCount    int       `json:"trade_count"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Mark is a mark-to-market update for an open position.
type Mark struct {
	PositionID    int64     `json:"position_id"`
	Price         float64   `json:"price"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	At            time.Time `json:"at"`
}

// CloseRequest carries the terminal values of a position.
type CloseRequest struct {
	PositionID  int64     `json:"position_id"`
	ClosePrice  float64   `json:"close_price"`
	RealizedPnL float64   `json:"realized_pnl"`
	Reason      string    `json:"reason"`
	At          time.Time `json:"at"`
}
