package events

import "time"

// Event enumerates topics published inside the core.
type Event string

const (
	EventPriceTick         Event = "price.tick"
	EventOrderPlaced       Event = "order.placed"
	EventOrderRejected     Event = "order.rejected"
	EventOrderUpdated      Event = "order.updated"
	EventPositionOpened    Event = "position.opened"
	EventPositionClosed    Event = "position.closed"
	EventTriggerFired      Event = "trigger.fired"
	EventCloseFailed       Event = "trigger.close_failed"
	EventBalancesRefreshed Event = "balance.refreshed"
	EventRiskAlert         Event = "risk.alert"
)

// Message is what subscribers receive.
type Message struct {
	Event   Event     `json:"event"`
	Payload any       `json:"payload"`
	At      time.Time `json:"at"`
}

// TriggerFired is published when a threshold crossing schedules a close.
type TriggerFired struct {
	PositionID int64   `json:"position_id"`
	Symbol     string  `json:"symbol"`
	Kind       string  `json:"kind"`
	Threshold  float64 `json:"threshold"`
	Price      float64 `json:"price"`
}

// CloseFailed is published when an automatic close could not complete.
type CloseFailed struct {
	PositionID int64  `json:"position_id"`
	Symbol     string `json:"symbol"`
	Reason     string `json:"reason"`
	Error      string `json:"error"`
}

// PositionClosed is published after a position reaches CLOSED.
type PositionClosed struct {
	PositionID  int64   `json:"position_id"`
	Symbol      string  `json:"symbol"`
	ClosePrice  float64 `json:"close_price"`
	RealizedPnL float64 `json:"realized_pnl"`
	Reason      string  `json:"reason"`
}
