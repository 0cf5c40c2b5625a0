package order

import (
	"errors"
	"fmt"

	exchange "trade-sentinel/pkg/exchanges/common"
)

// ErrInvalidOrder marks a placement rejected before reaching the exchange.
var ErrInvalidOrder = errors.New("invalid order")

// Placement is an order intent.
type Placement struct {
	Kind       exchange.OrderKind
	Symbol     string
	Side       exchange.Side
	Qty        float64
	Price      float64 // LIMIT
	StopPrice  float64 // STOP trigger or TAKE_PROFIT trigger
	ReduceOnly bool
	StrategyID string
	PositionID int64
}

// Option decorates a Placement.
type Option func(*Placement)

func WithStrategy(id string) Option {
	return func(p *Placement) { p.StrategyID = id }
}

func WithPosition(id int64) Option {
	return func(p *Placement) { p.PositionID = id }
}

// ReduceOnly marks exit orders so they can never flip a position.
func ReduceOnly() Option {
	return func(p *Placement) { p.ReduceOnly = true }
}

func (p Placement) validate() error {
	if p.Symbol == "" {
		return fmt.Errorf("%w: symbol is required", ErrInvalidOrder)
	}
	if p.Side != exchange.SideBuy && p.Side != exchange.SideSell {
		return fmt.Errorf("%w: side %q", ErrInvalidOrder, p.Side)
	}
	if p.Qty <= 0 {
		return fmt.Errorf("%w: quantity must be positive, got %v", ErrInvalidOrder, p.Qty)
	}
	switch p.Kind {
	case exchange.KindMarket:
	case exchange.KindLimit:
		if p.Price <= 0 {
			return fmt.Errorf("%w: limit price must be positive", ErrInvalidOrder)
		}
	case exchange.KindStop, exchange.KindTakeProfit:
		if p.StopPrice <= 0 {
			return fmt.Errorf("%w: trigger price must be positive", ErrInvalidOrder)
		}
	default:
		return fmt.Errorf("%w: kind %q", ErrInvalidOrder, p.Kind)
	}
	return nil
}
