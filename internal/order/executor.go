package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"trade-sentinel/internal/events"
	"trade-sentinel/internal/monitor"
	"trade-sentinel/pkg/db"
	exchange "trade-sentinel/pkg/exchanges/common"
	"trade-sentinel/pkg/retry"
)

var log = logrus.WithField("component", "executor")

// Config bounds every exchange call.
type Config struct {
	Timeout time.Duration // per attempt
	Retry   retry.Config
}

func DefaultConfig() Config {
	return Config{Timeout: 10 * time.Second, Retry: retry.Default()}
}

// leverageSetter is implemented by futures gateways.
type leverageSetter interface {
	SetLeverage(ctx context.Context, symbol string, leverage int) error
}

// Executor sends orders to the exchange gateway and persists what the exchange accepted.
type Executor struct {
	store   *db.Store
	gateway exchange.Gateway
	bus     *events.Bus
	cfg     Config
}

func NewExecutor(store *db.Store, gw exchange.Gateway, bus *events.Bus, cfg Config) *Executor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	cfg.Retry.RetryIf = exchange.IsRetryable
	cfg.Retry.OnRetry = func(attempt int, err error, delay time.Duration) {
		log.WithError(err).Warnf("retrying exchange call (attempt %d) in %v", attempt+1, delay)
	}
	return &Executor{store: store, gateway: gw, bus: bus, cfg: cfg}
}

// call runs op with a per-attempt timeout and bounded retries for transient errors.
func (e *Executor) call(ctx context.Context, operation string, op func(ctx context.Context) error) error {
	start := time.Now()
	err := retry.Do(ctx, e.cfg.Retry, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
		err := op(attemptCtx)
		if err != nil && errors.Is(err, context.DeadlineExceeded) {
			if _, tagged := exchange.KindOf(err); !tagged {
				err = exchange.NewNetworkError(err)
			}
		}
		return err
	})
	monitor.ExchangeLatency.WithLabelValues(operation).Observe(float64(time.Since(start).Milliseconds()))
	if err != nil {
		kind, ok := exchange.KindOf(err)
		if !ok {
			kind = "OTHER"
		}
		monitor.OrderFailures.WithLabelValues(operation, string(kind)).Inc()
	}
	return err
}

func (e *Executor) PlaceMarket(ctx context.Context, symbol string, side exchange.Side, qty float64, opts ...Option) (db.Order, error) {
	return e.Place(ctx, Placement{Kind: exchange.KindMarket, Symbol: symbol, Side: side, Qty: qty}, opts...)
}

func (e *Executor) PlaceLimit(ctx context.Context, symbol string, side exchange.Side, qty, price float64, opts ...Option) (db.Order, error) {
	return e.Place(ctx, Placement{Kind: exchange.KindLimit, Symbol: symbol, Side: side, Qty: qty, Price: price}, opts...)
}

func (e *Executor) PlaceStop(ctx context.Context, symbol string, side exchange.Side, qty, stopPrice float64, opts ...Option) (db.Order, error) {
	return e.Place(ctx, Placement{Kind: exchange.KindStop, Symbol: symbol, Side: side, Qty: qty, StopPrice: stopPrice}, opts...)
}

func (e *Executor) PlaceTakeProfit(ctx context.Context, symbol string, side exchange.Side, qty, triggerPrice float64, opts ...Option) (db.Order, error) {
	return e.Place(ctx, Placement{Kind: exchange.KindTakeProfit, Symbol: symbol, Side: side, Qty: qty, StopPrice: triggerPrice}, opts...)
}

// Place submits p and persists the accepted order before returning it.
// Nothing is persisted when the exchange refuses or cannot be reached.
func (e *Executor) Place(ctx context.Context, p Placement, opts ...Option) (db.Order, error) {
	for _, opt := range opts {
		opt(&p)
	}
	p.Symbol = strings.ToUpper(p.Symbol)
	if err := p.validate(); err != nil {
		return db.Order{}, err
	}

	req := exchange.OrderRequest{
		Kind:       p.Kind,
		Symbol:     p.Symbol,
		Side:       p.Side,
		Qty:        p.Qty,
		Price:      p.Price,
		StopPrice:  p.StopPrice,
		ReduceOnly: p.ReduceOnly,
		// One client id across retries so a retried submit cannot double-place.
		ClientID: newClientOrderID(),
	}

	var res exchange.OrderResult
	err := e.call(ctx, "place_order", func(ctx context.Context) error {
		var err error
		res, err = e.gateway.PlaceOrder(ctx, req)
		return err
	})
	if err != nil {
		log.WithFields(logrus.Fields{"symbol": p.Symbol, "kind": p.Kind, "side": p.Side, "qty": p.Qty}).
			WithError(err).Error("place order failed")
		e.bus.Publish(events.EventOrderRejected, fmt.Sprintf("%s %s %s %v: %v", p.Kind, p.Side, p.Symbol, p.Qty, err))
		return db.Order{}, fmt.Errorf("place %s order: %w", p.Kind, err)
	}

	now := time.Now()
	o := db.Order{
		ExchangeOrderID: res.ExchangeOrderID,
		ClientOrderID:   req.ClientID,
		Symbol:          p.Symbol,
		Kind:            string(p.Kind),
		Side:            string(p.Side),
		Quantity:        p.Qty,
		Price:           optional(p.Price),
		StopPrice:       optional(p.StopPrice),
		ExecutedQty:     res.ExecutedQty,
		AvgPrice:        res.AvgPrice,
		Status:          string(res.Status),
		StrategyID:      p.StrategyID,
		PositionID:      p.PositionID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if _, err := e.store.InsertOrder(ctx, &o); err != nil {
		// The exchange holds this order; the log line is the reconciliation handle.
		log.WithFields(logrus.Fields{"symbol": p.Symbol, "exchange_order_id": res.ExchangeOrderID}).
			WithError(err).Error("order accepted by exchange but not persisted")
		return o, fmt.Errorf("persist order %s: %w", res.ExchangeOrderID, err)
	}

	monitor.OrdersPlaced.WithLabelValues(o.Kind, o.Side).Inc()
	log.WithFields(logrus.Fields{
		"symbol": o.Symbol, "kind": o.Kind, "side": o.Side, "qty": o.Quantity,
		"order_id": o.ExchangeOrderID, "status": o.Status, "avg_price": o.AvgPrice,
	}).Info("order placed")
	e.bus.Publish(events.EventOrderPlaced, o)
	return o, nil
}

// Cancel cancels an order and records the new status.
func (e *Executor) Cancel(ctx context.Context, symbol, exchangeOrderID string) (db.Order, error) {
	var res exchange.OrderResult
	err := e.call(ctx, "cancel_order", func(ctx context.Context) error {
		var err error
		res, err = e.gateway.CancelOrder(ctx, symbol, exchangeOrderID)
		return err
	})
	if err != nil {
		return db.Order{}, fmt.Errorf("cancel order %s: %w", exchangeOrderID, err)
	}
	return e.record(ctx, symbol, exchangeOrderID, res)
}

// GetStatus fetches the exchange view of an order and records it.
func (e *Executor) GetStatus(ctx context.Context, symbol, exchangeOrderID string) (db.Order, error) {
	var res exchange.OrderResult
	err := e.call(ctx, "order_status", func(ctx context.Context) error {
		var err error
		res, err = e.gateway.GetOrderStatus(ctx, symbol, exchangeOrderID)
		return err
	})
	if err != nil {
		return db.Order{}, fmt.Errorf("order status %s: %w", exchangeOrderID, err)
	}
	return e.record(ctx, symbol, exchangeOrderID, res)
}

// record persists a status change; orders unknown to the store are returned as seen on the exchange.
func (e *Executor) record(ctx context.Context, symbol, exchangeOrderID string, res exchange.OrderResult) (db.Order, error) {
	now := time.Now()
	err := e.store.UpdateOrderStatus(ctx, symbol, exchangeOrderID, string(res.Status), res.ExecutedQty, res.AvgPrice, now)
	if errors.Is(err, db.ErrNotFound) {
		return fromResult(res), nil
	}
	if err != nil {
		return db.Order{}, err
	}
	o, err := e.store.GetOrder(ctx, symbol, exchangeOrderID)
	if err != nil {
		return db.Order{}, err
	}
	e.bus.Publish(events.EventOrderUpdated, o)
	return o, nil
}

// ListOpenOrders lists open orders on the exchange; empty symbol means all.
func (e *Executor) ListOpenOrders(ctx context.Context, symbol string) ([]exchange.OrderResult, error) {
	var out []exchange.OrderResult
	err := e.call(ctx, "open_orders", func(ctx context.Context) error {
		var err error
		out, err = e.gateway.ListOpenOrders(ctx, symbol)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list open orders: %w", err)
	}
	return out, nil
}

// RefreshBalances fetches all balances and upserts one row per asset with a nonzero total.
func (e *Executor) RefreshBalances(ctx context.Context) ([]db.Balance, error) {
	var acct exchange.Account
	err := e.call(ctx, "account", func(ctx context.Context) error {
		var err error
		acct, err = e.gateway.GetAccount(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("refresh balances: %w", err)
	}

	now := time.Now()
	var out []db.Balance
	for _, b := range acct.Balances {
		if b.Total() == 0 {
			continue
		}
		row := db.Balance{Asset: b.Asset, Free: b.Free, Locked: b.Locked, Total: b.Total(), UpdatedAt: now}
		if err := e.store.UpsertBalance(ctx, row); err != nil {
			return out, err
		}
		out = append(out, row)
	}
	log.Debugf("refreshed %d balances", len(out))
	e.bus.Publish(events.EventBalancesRefreshed, out)
	return out, nil
}

// Balance returns one asset straight from the exchange.
func (e *Executor) Balance(ctx context.Context, asset string) (exchange.Balance, error) {
	var bal exchange.Balance
	err := e.call(ctx, "balance", func(ctx context.Context) error {
		var err error
		bal, err = e.gateway.GetBalance(ctx, asset)
		return err
	})
	return bal, err
}

// EnsureLeverage sets symbol leverage when the gateway supports it.
func (e *Executor) EnsureLeverage(ctx context.Context, symbol string, leverage int) error {
	ls, ok := e.gateway.(leverageSetter)
	if !ok || leverage < 1 {
		return nil
	}
	return e.call(ctx, "set_leverage", func(ctx context.Context) error {
		return ls.SetLeverage(ctx, symbol, leverage)
	})
}

// MarketPrice returns the exchange last price for symbol.
func (e *Executor) MarketPrice(ctx context.Context, symbol string) (float64, error) {
	var price float64
	err := e.call(ctx, "price", func(ctx context.Context) error {
		var err error
		price, err = e.gateway.GetPrice(ctx, symbol)
		return err
	})
	return price, err
}

func newClientOrderID() string {
	return "ts-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

func optional(v float64) *float64 {
	if v == 0 {
		return nil
	}
	return &v
}

func fromResult(res exchange.OrderResult) db.Order {
	return db.Order{
		ExchangeOrderID: res.ExchangeOrderID,
		ClientOrderID:   res.ClientID,
		Symbol:          res.Symbol,
		Kind:            string(res.Kind),
		Side:            string(res.Side),
		Quantity:        res.Qty,
		Price:           optional(res.Price),
		StopPrice:       optional(res.StopPrice),
		ExecutedQty:     res.ExecutedQty,
		AvgPrice:        res.AvgPrice,
		Status:          string(res.Status),
		UpdatedAt:       res.UpdatedAt,
	}
}

// Link records the position an order opened or closed.
func (e *Executor) Link(ctx context.Context, orderID, positionID int64) error {
	return e.store.LinkOrderPosition(ctx, orderID, positionID)
}
