package common

import "time"

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the side that unwinds s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderKind is the order flavour the core places.
type OrderKind string

const (
	KindMarket     OrderKind = "MARKET"
	KindLimit      OrderKind = "LIMIT"
	KindStop       OrderKind = "STOP"
	KindTakeProfit OrderKind = "TAKE_PROFIT"
)

// OrderStatus normalizes exchange status into a small set.
type OrderStatus string

const (
	StatusNew      OrderStatus = "NEW"
	StatusPartial  OrderStatus = "PARTIAL"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
	StatusExpired  OrderStatus = "EXPIRED"
	StatusUnknown  OrderStatus = "UNKNOWN"
)

// Terminal reports whether no further status change is expected.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// OrderRequest captures an order intent to be sent to an exchange.
type OrderRequest struct {
	Kind       OrderKind
	Symbol     string
	Side       Side
	Qty        float64
	Price      float64 // LIMIT; derived for STOP/TAKE_PROFIT when zero
	StopPrice  float64 // STOP/TAKE_PROFIT trigger
	ClientID   string
	ReduceOnly bool
}

// OrderResult is the exchange view of an order.
type OrderResult struct {
	ExchangeOrderID string
	ClientID        string
	Symbol          string
	Side            Side
	Kind            OrderKind
	Qty             float64
	Price           float64
	StopPrice       float64
	ExecutedQty     float64
	AvgPrice        float64
	Status          OrderStatus
	UpdatedAt       time.Time
}

// Balance is one asset of the account.
type Balance struct {
	Asset  string
	Free   float64
	Locked float64
}

func (b Balance) Total() float64 { return b.Free + b.Locked }

// Account is the authenticated account snapshot.
type Account struct {
	CanTrade         bool
	TotalWallet      float64
	AvailableBalance float64
	Balances         []Balance
	UpdatedAt        time.Time
}

// Ticker is one last-price observation.
type Ticker struct {
	Symbol string
	Price  float64
	Time   time.Time
}
