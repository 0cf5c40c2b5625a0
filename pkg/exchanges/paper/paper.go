// Package paper is an in-process exchange that fills orders against the last
// known price. It backs paper-trading mode and the tests of the trading core.
package paper

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"trade-sentinel/pkg/exchanges/common"
)

var log = logrus.WithField("component", "paper-exchange")

// Config tunes the simulation.
type Config struct {
	Asset       string
	Balance     float64
	FeeRate     float64 // decimal, e.g. 0.0004 = 4 bps
	SlippageBps float64 // basis points applied against the taker on fills
	LatencyMin  time.Duration
	LatencyMax  time.Duration
}

// Exchange implements common.Gateway in memory.
type Exchange struct {
	mu       sync.Mutex
	cfg      Config
	rng      *rand.Rand
	seq      int64
	prices   map[string]float64
	orders   map[string]*common.OrderResult
	clients  map[string]string  // client id -> order id
	reduce   map[string]bool    // reduce-only order ids
	net      map[string]float64 // signed one-way position per symbol
	balances map[string]common.Balance
	failures []error
	calls    map[string]int
	streams  map[*stream]struct{}
}

var _ common.Gateway = (*Exchange)(nil)

func New(cfg Config) *Exchange {
	if cfg.Asset == "" {
		cfg.Asset = "USDT"
	}
	return &Exchange{
		cfg:      cfg,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		prices:   make(map[string]float64),
		orders:   make(map[string]*common.OrderResult),
		clients:  make(map[string]string),
		reduce:   make(map[string]bool),
		net:      make(map[string]float64),
		balances: map[string]common.Balance{cfg.Asset: {Asset: cfg.Asset, Free: cfg.Balance}},
		calls:    make(map[string]int),
		streams:  make(map[*stream]struct{}),
	}
}

// SetPrice records a last price, fills resting orders it crosses and
// pushes a tick to every open stream.
func (e *Exchange) SetPrice(symbol string, price float64) {
	symbol = strings.ToUpper(symbol)
	now := time.Now()

	e.mu.Lock()
	e.prices[symbol] = price
	for _, o := range e.orders {
		if o.Symbol != symbol || o.Status.Terminal() || !crosses(o, price) {
			continue
		}
		if e.reduce[o.ExchangeOrderID] && !e.reduces(o.Symbol, o.Side, o.Qty) {
			o.Status = common.StatusExpired
			o.UpdatedAt = now
			continue
		}
		e.fill(o, price, now)
	}
	streams := make([]*stream, 0, len(e.streams))
	for s := range e.streams {
		streams = append(streams, s)
	}
	e.mu.Unlock()

	tick := common.Ticker{Symbol: symbol, Price: price, Time: now}
	for _, s := range streams {
		s.push(tick)
	}
}

// SetBalance overrides one asset balance.
func (e *Exchange) SetBalance(asset string, free float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.balances[asset] = common.Balance{Asset: asset, Free: free}
}

// FailNext makes the next len(errs) gateway calls return errs in order.
func (e *Exchange) FailNext(errs ...error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures = append(e.failures, errs...)
}

// Calls reports how many times op was invoked, failures included.
func (e *Exchange) Calls(op string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[op]
}

// DropStreams ends every open ticker stream with err, as a disconnect would.
func (e *Exchange) DropStreams(err error) {
	e.mu.Lock()
	streams := e.streams
	e.streams = make(map[*stream]struct{})
	e.mu.Unlock()
	for s := range streams {
		s.end(err)
	}
}

// Streams reports the number of open ticker streams.
func (e *Exchange) Streams() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.streams)
}

// enter counts the call, simulates latency and pops an injected failure.
// Callers must not hold e.mu.
func (e *Exchange) enter(ctx context.Context, op string) error {
	e.mu.Lock()
	e.calls[op]++
	var injected error
	if len(e.failures) > 0 {
		injected = e.failures[0]
		e.failures = e.failures[1:]
	}
	delay := e.cfg.LatencyMin
	if span := e.cfg.LatencyMax - e.cfg.LatencyMin; span > 0 {
		delay += time.Duration(e.rng.Int63n(int64(span)))
	}
	e.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return common.NewNetworkError(ctx.Err())
		}
	}
	if err := ctx.Err(); err != nil {
		return common.NewNetworkError(err)
	}
	return injected
}

func (e *Exchange) GetAccount(ctx context.Context) (common.Account, error) {
	if err := e.enter(ctx, "account"); err != nil {
		return common.Account{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	acct := common.Account{CanTrade: true, UpdatedAt: time.Now()}
	for _, b := range e.balances {
		acct.Balances = append(acct.Balances, b)
		if b.Asset == e.cfg.Asset {
			acct.TotalWallet = b.Total()
			acct.AvailableBalance = b.Free
		}
	}
	return acct, nil
}

func (e *Exchange) GetBalance(ctx context.Context, asset string) (common.Balance, error) {
	if err := e.enter(ctx, "balance"); err != nil {
		return common.Balance{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.balances[asset]; ok {
		return b, nil
	}
	return common.Balance{Asset: asset}, nil
}

func (e *Exchange) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if err := e.enter(ctx, "place_order"); err != nil {
		return common.OrderResult{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if id, ok := e.clients[req.ClientID]; ok && req.ClientID != "" {
		return *e.orders[id], nil
	}
	symbol := strings.ToUpper(req.Symbol)
	last, known := e.prices[symbol]
	if req.Kind == common.KindMarket && !known {
		return common.OrderResult{}, common.NewRejected(-1121, "no price for symbol "+symbol)
	}

	now := time.Now()
	o := &common.OrderResult{
		ClientID:  req.ClientID,
		Symbol:    symbol,
		Side:      req.Side,
		Kind:      req.Kind,
		Qty:       req.Qty,
		Price:     req.Price,
		StopPrice: req.StopPrice,
		Status:    common.StatusNew,
		UpdatedAt: now,
	}
	immediate := req.Kind == common.KindMarket || (known && crosses(o, last))
	if req.ReduceOnly && immediate && !e.reduces(symbol, req.Side, req.Qty) {
		return common.OrderResult{}, common.NewRejected(-2022, "ReduceOnly Order is rejected")
	}

	e.seq++
	o.ExchangeOrderID = strconv.FormatInt(e.seq, 10)
	e.orders[o.ExchangeOrderID] = o
	if req.ClientID != "" {
		e.clients[req.ClientID] = o.ExchangeOrderID
	}
	if req.ReduceOnly {
		e.reduce[o.ExchangeOrderID] = true
	}
	if immediate {
		e.fill(o, last, now)
	}
	return *o, nil
}

// fill executes o completely at price adjusted for slippage. Caller holds e.mu.
func (e *Exchange) fill(o *common.OrderResult, price float64, at time.Time) {
	if slip := e.cfg.SlippageBps / 10000; slip > 0 {
		noise := e.rng.Float64() * slip
		if o.Side == common.SideBuy {
			price *= 1 + noise
		} else {
			price *= 1 - noise
		}
	}
	o.ExecutedQty = o.Qty
	o.AvgPrice = price
	if o.Side == common.SideBuy {
		e.net[o.Symbol] += o.Qty
	} else {
		e.net[o.Symbol] -= o.Qty
	}
	o.Status = common.StatusFilled
	o.UpdatedAt = at

	if fee := price * o.Qty * e.cfg.FeeRate; fee > 0 {
		b := e.balances[e.cfg.Asset]
		b.Free -= fee
		e.balances[e.cfg.Asset] = b
	}
	log.WithFields(logrus.Fields{"symbol": o.Symbol, "side": o.Side, "kind": o.Kind, "qty": o.Qty, "price": price}).
		Debug("paper fill")
}

// reduces reports whether filling qty on side only shrinks the net position
// of symbol. Caller holds e.mu.
func (e *Exchange) reduces(symbol string, side common.Side, qty float64) bool {
	const eps = 1e-9
	n := e.net[symbol]
	if side == common.SideBuy {
		return n < 0 && qty <= -n+eps
	}
	return n > 0 && qty <= n+eps
}

// Position reports the signed net quantity held on symbol.
func (e *Exchange) Position(symbol string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.net[strings.ToUpper(symbol)]
}

// crosses reports whether a resting order would execute at price.
func crosses(o *common.OrderResult, price float64) bool {
	buy := o.Side == common.SideBuy
	switch o.Kind {
	case common.KindMarket:
		return true
	case common.KindLimit:
		return (buy && price <= o.Price) || (!buy && price >= o.Price)
	case common.KindStop:
		return (buy && price >= o.StopPrice) || (!buy && price <= o.StopPrice)
	case common.KindTakeProfit:
		return (buy && price <= o.StopPrice) || (!buy && price >= o.StopPrice)
	}
	return false
}

func (e *Exchange) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) (common.OrderResult, error) {
	if err := e.enter(ctx, "cancel_order"); err != nil {
		return common.OrderResult{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[exchangeOrderID]
	if !ok || o.Symbol != strings.ToUpper(symbol) {
		return common.OrderResult{}, common.NewRejected(-2011, "unknown order sent")
	}
	if o.Status.Terminal() {
		return common.OrderResult{}, common.NewRejected(-2011, fmt.Sprintf("order %s is %s", exchangeOrderID, o.Status))
	}
	o.Status = common.StatusCanceled
	o.UpdatedAt = time.Now()
	return *o, nil
}

func (e *Exchange) GetOrderStatus(ctx context.Context, symbol, exchangeOrderID string) (common.OrderResult, error) {
	if err := e.enter(ctx, "order_status"); err != nil {
		return common.OrderResult{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[exchangeOrderID]
	if !ok || o.Symbol != strings.ToUpper(symbol) {
		return common.OrderResult{}, common.NewRejected(-2013, "order does not exist")
	}
	return *o, nil
}

func (e *Exchange) ListOpenOrders(ctx context.Context, symbol string) ([]common.OrderResult, error) {
	if err := e.enter(ctx, "open_orders"); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	symbol = strings.ToUpper(symbol)
	var out []common.OrderResult
	for _, o := range e.orders {
		if o.Status.Terminal() || (symbol != "" && o.Symbol != symbol) {
			continue
		}
		out = append(out, *o)
	}
	return out, nil
}

func (e *Exchange) GetPrice(ctx context.Context, symbol string) (float64, error) {
	if err := e.enter(ctx, "price"); err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.prices[strings.ToUpper(symbol)]
	if !ok {
		return 0, common.NewRejected(-1121, "invalid symbol")
	}
	return p, nil
}

func (e *Exchange) StreamTicker(ctx context.Context, symbols []string) (common.TickerStream, error) {
	if err := e.enter(ctx, "stream"); err != nil {
		return nil, err
	}
	s := &stream{
		symbols: make(map[string]bool, len(symbols)),
		out:     make(chan common.Ticker, 256),
		done:    make(chan struct{}),
	}
	for _, sym := range symbols {
		s.symbols[strings.ToUpper(sym)] = true
	}
	s.detach = func() {
		e.mu.Lock()
		delete(e.streams, s)
		e.mu.Unlock()
	}

	e.mu.Lock()
	e.streams[s] = struct{}{}
	e.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			s.end(ctx.Err())
		case <-s.done:
		}
	}()
	return s, nil
}

type stream struct {
	symbols map[string]bool
	out     chan common.Ticker
	done    chan struct{}
	detach  func()

	mu     sync.Mutex
	closed bool
	err    error
}

func (s *stream) C() <-chan common.Ticker { return s.out }

func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *stream) Close() error {
	s.end(nil)
	return nil
}

// push drops ticks for a full buffer, like a slow websocket consumer would lose frames.
func (s *stream) push(t common.Ticker) {
	if !s.symbols[t.Symbol] {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.out <- t:
	default:
	}
}

func (s *stream) end(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.err = err
	close(s.out)
	close(s.done)
	s.mu.Unlock()
	s.detach()
}
