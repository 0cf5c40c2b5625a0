package common

import "context"

// Gateway abstracts the trading venue.
type Gateway interface {
	GetAccount(ctx context.Context) (Account, error)
	GetBalance(ctx context.Context, asset string) (Balance, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string) (OrderResult, error)
	GetOrderStatus(ctx context.Context, symbol, exchangeOrderID string) (OrderResult, error)
	// ListOpenOrders returns open orders for symbol, or all symbols when empty.
	ListOpenOrders(ctx context.Context, symbol string) ([]OrderResult, error)
	GetPrice(ctx context.Context, symbol string) (float64, error)
	StreamTicker(ctx context.Context, symbols []string) (TickerStream, error)
}

// TickerStream is a cancellable, unbounded sequence of ticks.
// C is closed when the stream ends; Err then reports why.
type TickerStream interface {
	C() <-chan Ticker
	Err() error
	Close() error
}
