// Package trigger watches streamed prices and closes positions whose
// stop-loss or take-profit threshold is crossed.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"trade-sentinel/internal/events"
	"trade-sentinel/internal/ledger"
	"trade-sentinel/internal/monitor"
	"trade-sentinel/pkg/cache"
	"trade-sentinel/pkg/db"
	"trade-sentinel/pkg/exchanges/common"
)

var log = logrus.WithField("component", "trigger-monitor")

var errResubscribe = errors.New("resubscribe requested")

// retiredTTL bounds how long a closed position's key stays blocked. It only
// has to outlive any reconcile pass that listed the position while open.
const retiredTTL = time.Hour

// Streamer opens a ticker stream.
type Streamer interface {
	StreamTicker(ctx context.Context, symbols []string) (common.TickerStream, error)
}

// PositionSource lists OPEN positions; the ledger implements it.
type PositionSource interface {
	ListOpen(ctx context.Context, symbol string) ([]db.Position, error)
}

// Closer closes the position behind a fired trigger.
type Closer interface {
	CloseTriggered(ctx context.Context, f Fired) error
}

// Marker applies streamed prices to open positions.
type Marker interface {
	Mark(symbol string, price float64, at time.Time) int
}

type Config struct {
	ReconcileInterval time.Duration
	ErrorBackoff      time.Duration
	StopTimeout       time.Duration
	IngestBuffer      int
	CloseWorkers      int
	// TickPublishInterval samples price.tick events per symbol.
	TickPublishInterval time.Duration
}

func (c *Config) defaults() {
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = 10 * time.Second
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = 5 * time.Second
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 5 * time.Second
	}
	if c.IngestBuffer <= 0 {
		c.IngestBuffer = 256
	}
	if c.CloseWorkers <= 0 {
		c.CloseWorkers = 4
	}
	if c.TickPublishInterval <= 0 {
		c.TickPublishInterval = time.Second
	}
}

// Monitor owns the trigger book, the price stream and the reconciliation loop.
type Monitor struct {
	cfg       Config
	feed      Streamer
	positions PositionSource
	prices    *cache.Prices
	bus       *events.Bus
	book      *Book

	closer Closer
	marker Marker

	lifecycle sync.Mutex // serialises Start and Stop
	running   atomic.Bool
	cancel    context.CancelFunc
	done      chan struct{}

	runMu      sync.RWMutex
	runCtx     context.Context
	group      *errgroup.Group
	closeQueue chan Fired

	subMu   sync.Mutex
	symbols []string
	stream  common.TickerStream
	resub   chan struct{}
	ingest  chan common.Ticker

	inflightMu sync.Mutex
	inflight   map[int64]bool

	lastTick map[string]time.Time // eval goroutine only
}

func NewMonitor(cfg Config, feed Streamer, positions PositionSource, prices *cache.Prices, bus *events.Bus) *Monitor {
	cfg.defaults()
	if prices == nil {
		prices = cache.NewPrices()
	}
	return &Monitor{
		cfg:       cfg,
		feed:      feed,
		positions: positions,
		prices:    prices,
		bus:       bus,
		book:      NewBook(),
		inflight:  make(map[int64]bool),
		lastTick:  make(map[string]time.Time),
	}
}

// SetCloser wires the component that executes closes. Must be called before Start.
func (m *Monitor) SetCloser(c Closer) { m.closer = c }

// SetMarker wires mark-to-market of open positions on every tick.
func (m *Monitor) SetMarker(mk Marker) { m.marker = mk }

// Book exposes the trigger set.
func (m *Monitor) Book() *Book { return m.book }

// Running reports whether the stream and loops are active.
func (m *Monitor) Running() bool {
	return m.running.Load()
}

// Start reconciles the trigger set, subscribes to instruments and starts
// the ingest, evaluation, reconciliation and close-worker tasks. Calling
// Start while running extends the subscription with new instruments.
func (m *Monitor) Start(ctx context.Context, instruments []string) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if m.running.Load() {
		m.subscribe(instruments)
		return nil
	}
	if m.closer == nil {
		return errors.New("trigger monitor: closer not set")
	}
	m.subMu.Lock()
	m.symbols = nil
	m.subMu.Unlock()
	m.subscribe(instruments)
	if _, err := m.Reconcile(ctx); err != nil {
		log.WithError(err).Warn("initial reconciliation failed; continuing with an empty trigger set")
	}
	m.subscribe(m.book.Symbols())
	if len(m.subscribed()) == 0 {
		return errors.New("trigger monitor: no instruments to watch")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(runCtx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.ingest = make(chan common.Ticker, m.cfg.IngestBuffer)

	m.subMu.Lock()
	m.resub = make(chan struct{}, 1)
	m.subMu.Unlock()

	m.runMu.Lock()
	m.runCtx = gctx
	m.group = g
	m.closeQueue = make(chan Fired, m.cfg.IngestBuffer)
	m.runMu.Unlock()

	g.Go(func() error { return m.streamLoop(gctx) })
	g.Go(func() error { return m.evalLoop(gctx) })
	g.Go(func() error { return m.reconcileLoop(gctx) })
	for i := 0; i < m.cfg.CloseWorkers; i++ {
		g.Go(func() error { return m.closeWorker(gctx) })
	}
	go func(done chan struct{}) {
		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Error("trigger monitor task failed")
		}
		close(done)
	}(m.done)

	m.running.Store(true)
	log.WithField("instruments", m.subscribed()).Info("trigger monitor started")
	return nil
}

// Stop closes the stream, cancels the tasks and waits up to StopTimeout.
// It is a no-op when the monitor is not running.
func (m *Monitor) Stop() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	if !m.running.Load() {
		return
	}
	m.running.Store(false)

	m.subMu.Lock()
	if m.stream != nil {
		if err := m.stream.Close(); err != nil {
			log.WithError(err).Warn("close ticker stream")
		}
		m.stream = nil
	}
	m.subMu.Unlock()

	m.cancel()
	select {
	case <-m.done:
		log.Info("trigger monitor stopped")
	case <-time.After(m.cfg.StopTimeout):
		log.Errorf("trigger monitor tasks did not stop within %v", m.cfg.StopTimeout)
	}
}

// subscribe merges instruments into the subscription and asks the stream
// loop to redial when the set grew.
func (m *Monitor) subscribe(instruments []string) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	seen := make(map[string]bool, len(m.symbols))
	for _, s := range m.symbols {
		seen[s] = true
	}
	grew := false
	for _, s := range instruments {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		m.symbols = append(m.symbols, s)
		grew = true
	}
	sort.Strings(m.symbols)
	if grew && m.resub != nil {
		select {
		case m.resub <- struct{}{}:
		default:
		}
	}
}

func (m *Monitor) subscribed() []string {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	return append([]string(nil), m.symbols...)
}

// Instruments returns the current subscription.
func (m *Monitor) Instruments() []string { return m.subscribed() }

func (m *Monitor) streamLoop(ctx context.Context) error {
	for {
		symbols := m.subscribed()
		stream, err := m.feed.StreamTicker(ctx, symbols)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.WithError(err).Warnf("ticker stream dial failed, retrying in %v", m.cfg.ErrorBackoff)
			if !sleep(ctx, m.cfg.ErrorBackoff) {
				return nil
			}
			continue
		}
		m.subMu.Lock()
		m.stream = stream
		m.subMu.Unlock()
		log.WithField("instruments", symbols).Debug("ticker stream connected")

		err = m.pump(ctx, stream)
		_ = stream.Close()
		m.subMu.Lock()
		if m.stream == stream {
			m.stream = nil
		}
		m.subMu.Unlock()

		if ctx.Err() != nil || !m.running.Load() {
			return nil
		}
		if errors.Is(err, errResubscribe) {
			continue
		}
		log.WithError(err).Warnf("ticker stream ended, reconnecting in %v", m.cfg.ErrorBackoff)
		if !sleep(ctx, m.cfg.ErrorBackoff) {
			return nil
		}
	}
}

// pump forwards ticks into the bounded ingest channel. A full channel
// blocks the reader, which is the backpressure on the socket.
func (m *Monitor) pump(ctx context.Context, stream common.TickerStream) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.resub:
			return errResubscribe
		case t, ok := <-stream.C():
			if !ok {
				if err := stream.Err(); err != nil {
					return err
				}
				return errors.New("ticker stream closed")
			}
			select {
			case m.ingest <- t:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (m *Monitor) evalLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case t := <-m.ingest:
			m.HandleTick(t)
		}
	}
}

// HandleTick updates the price cache, marks open positions and evaluates
// triggers. Fired closes are queued and never awaited.
func (m *Monitor) HandleTick(t common.Ticker) []Fired {
	start := time.Now()
	symbol := strings.ToUpper(t.Symbol)
	at := t.Time
	if at.IsZero() {
		at = start
	}

	m.prices.Set(symbol, t.Price, at)
	if m.marker != nil {
		m.marker.Mark(symbol, t.Price, at)
	}
	fired := m.book.Evaluate(symbol, t.Price, at)
	for _, f := range fired {
		m.setInflight(f.PositionID, true)
		monitor.TriggersFired.WithLabelValues(string(f.Kind)).Inc()
		log.WithFields(logrus.Fields{
			"position_id": f.PositionID, "symbol": f.Symbol, "side": f.Side,
			"kind": f.Kind, "threshold": f.Threshold, "price": f.Price,
		}).Info("trigger fired")
		m.bus.Publish(events.EventTriggerFired, events.TriggerFired{
			PositionID: f.PositionID, Symbol: f.Symbol, Kind: string(f.Kind), Threshold: f.Threshold, Price: f.Price,
		})
		m.dispatch(f)
	}

	if last := m.lastTick[symbol]; at.Sub(last) >= m.cfg.TickPublishInterval {
		m.lastTick[symbol] = at
		m.bus.Publish(events.EventPriceTick, t)
	}
	monitor.TicksProcessed.WithLabelValues(symbol).Inc()
	monitor.TickEvalLatency.Observe(float64(time.Since(start).Microseconds()))
	return fired
}

// dispatch hands f to the close workers without blocking the caller.
func (m *Monitor) dispatch(f Fired) {
	m.runMu.RLock()
	ctx, g, q := m.runCtx, m.group, m.closeQueue
	m.runMu.RUnlock()

	if !m.running.Load() || q == nil {
		go m.close(context.Background(), f)
		return
	}
	select {
	case q <- f:
	default:
		g.Go(func() error {
			select {
			case q <- f:
			case <-ctx.Done():
				m.setInflight(f.PositionID, false)
			}
			return nil
		})
	}
}

func (m *Monitor) closeWorker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-m.queue():
			m.close(ctx, f)
		}
	}
}

func (m *Monitor) queue() chan Fired {
	m.runMu.RLock()
	defer m.runMu.RUnlock()
	return m.closeQueue
}

func (m *Monitor) close(ctx context.Context, f Fired) {
	defer m.setInflight(f.PositionID, false)
	if m.closer == nil {
		return
	}
	err := m.closer.CloseTriggered(ctx, f)
	switch {
	case err == nil, errors.Is(err, ledger.ErrAlreadyClosed), errors.Is(err, ledger.ErrNotFound):
		return
	}
	monitor.CloseFailures.Inc()
	log.WithFields(logrus.Fields{"position_id": f.PositionID, "symbol": f.Symbol, "kind": f.Kind}).
		WithError(err).Error("automatic close failed; trigger will be restored by reconciliation")
	m.bus.Publish(events.EventCloseFailed, events.CloseFailed{
		PositionID: f.PositionID, Symbol: f.Symbol, Reason: string(f.Kind), Error: err.Error(),
	})
}

func (m *Monitor) setInflight(id int64, on bool) {
	m.inflightMu.Lock()
	defer m.inflightMu.Unlock()
	if on {
		m.inflight[id] = true
	} else {
		delete(m.inflight, id)
	}
}

func (m *Monitor) isInflight(id int64) bool {
	m.inflightMu.Lock()
	defer m.inflightMu.Unlock()
	return m.inflight[id]
}

func (m *Monitor) reconcileLoop(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := m.Reconcile(ctx); err != nil && ctx.Err() == nil {
				log.WithError(err).Warnf("reconciliation failed, backing off %v", m.cfg.ErrorBackoff)
				if !sleep(ctx, m.cfg.ErrorBackoff) {
					return nil
				}
			}
		}
	}
}

// Reconcile re-derives the triggers of every OPEN position from its stored
// stop-loss and take-profit. Existing entries are overwritten, positions
// being closed are skipped. It returns the number of positions covered.
func (m *Monitor) Reconcile(ctx context.Context) (int, error) {
	positions, err := m.positions.ListOpen(ctx, "")
	if err != nil {
		monitor.ReconcileRuns.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("list open positions: %w", err)
	}

	covered := 0
	var symbols []string
	for _, p := range positions {
		if m.isInflight(p.ID) {
			continue
		}
		sl, tp := triggersOf(p)
		if sl == nil && tp == nil {
			continue
		}
		// A close that lands after the listing retires the key first.
		if !m.book.Replace(Key{Symbol: p.Symbol, PositionID: p.ID}, ledger.Side(p.Side), sl, tp) {
			continue
		}
		symbols = append(symbols, p.Symbol)
		covered++
	}
	if m.Running() {
		m.subscribe(symbols)
	}
	monitor.ReconcileRuns.WithLabelValues("ok").Inc()
	log.Debugf("reconciled triggers for %d positions", covered)
	return covered, nil
}

// Prune removes triggers whose position is no longer OPEN. Entries
// registered after the listing started are kept.
func (m *Monitor) Prune(ctx context.Context) (int, error) {
	started := time.Now()
	positions, err := m.positions.ListOpen(ctx, "")
	if err != nil {
		return 0, err
	}
	open := make(map[int64]bool, len(positions))
	for _, p := range positions {
		open[p.ID] = true
	}
	removed := 0
	for _, e := range m.book.Snapshot() {
		if open[e.PositionID] || e.RegisteredAt.After(started) {
			continue
		}
		if m.book.Retire(e.Key) {
			removed++
		}
	}
	m.book.ForgetRetired(started.Add(-retiredTTL))
	if removed > 0 {
		log.Infof("pruned triggers of %d positions that are no longer open", removed)
	}
	return removed, nil
}

func triggersOf(p db.Position) (sl, tp *Trigger) {
	if p.StopLoss != nil && *p.StopLoss > 0 {
		sl = &Trigger{Kind: StopLoss, Threshold: *p.StopLoss, Quantity: p.Quantity}
	}
	if p.TakeProfit != nil && *p.TakeProfit > 0 {
		tp = &Trigger{Kind: TakeProfit, Threshold: *p.TakeProfit, Quantity: p.Quantity}
	}
	return sl, tp
}

// RegisterStopLoss arms a stop-loss for a position.
func (m *Monitor) RegisterStopLoss(symbol string, positionID int64, side ledger.Side, price, qty float64) error {
	return m.register(symbol, positionID, side, Trigger{Kind: StopLoss, Threshold: price, Quantity: qty})
}

// RegisterTakeProfit arms a take-profit for a position.
func (m *Monitor) RegisterTakeProfit(symbol string, positionID int64, side ledger.Side, price, qty float64) error {
	return m.register(symbol, positionID, side, Trigger{Kind: TakeProfit, Threshold: price, Quantity: qty})
}

func (m *Monitor) register(symbol string, positionID int64, side ledger.Side, t Trigger) error {
	if symbol == "" || positionID <= 0 {
		return fmt.Errorf("register %s: symbol and position id are required", t.Kind)
	}
	if side != ledger.SideLong && side != ledger.SideShort {
		return fmt.Errorf("register %s: unknown side %q", t.Kind, side)
	}
	if t.Threshold <= 0 || t.Quantity <= 0 {
		return fmt.Errorf("register %s: threshold and quantity must be positive", t.Kind)
	}
	if !m.book.Set(Key{Symbol: symbol, PositionID: positionID}, side, t) {
		return fmt.Errorf("register %s: position %d is closed", t.Kind, positionID)
	}
	if m.Running() {
		m.subscribe([]string{symbol})
	}
	log.WithFields(logrus.Fields{"position_id": positionID, "symbol": symbol, "kind": t.Kind, "threshold": t.Threshold}).
		Debug("trigger registered")
	return nil
}

// Unregister removes both triggers of a closed position. The position
// cannot be re-armed afterwards, not even by a reconcile pass that listed
// it while it was still open.
func (m *Monitor) Unregister(symbol string, positionID int64) bool {
	return m.book.Retire(Key{Symbol: symbol, PositionID: positionID})
}

// CurrentPrice is the last streamed price of symbol.
func (m *Monitor) CurrentPrice(symbol string) (float64, bool) {
	return m.prices.Get(symbol)
}

// Prices exposes the price cache.
func (m *Monitor) Prices() *cache.Prices { return m.prices }

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
