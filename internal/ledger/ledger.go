// Package ledger owns the canonical set of positions and their PnL.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"trade-sentinel/internal/events"
	"trade-sentinel/pkg/db"
)

var log = logrus.WithField("component", "ledger")

var (
	ErrNotFound      = db.ErrNotFound
	ErrAlreadyClosed = db.ErrAlreadyClosed
	ErrInvalid       = errors.New("invalid position")
)

// MarkSink receives streamed marks for deferred persistence.
type MarkSink interface {
	Enqueue(m db.Mark)
}

// Opening describes a position to create.
type Opening struct {
	Symbol     string
	Side       Side
	Quantity   float64
	EntryPrice float64
	StopLoss   *float64
	TakeProfit *float64
	Leverage   int
	StrategyID string
}

// Ledger persists positions through the store and keeps the open ones in
// memory so price ticks can be applied without touching the database.
type Ledger struct {
	store      *db.Store
	bus        *events.Bus
	quoteAsset string

	mu    sync.RWMutex
	open  map[int64]db.Position
	marks MarkSink
}

func New(store *db.Store, bus *events.Bus, quoteAsset string) *Ledger {
	if quoteAsset == "" {
		quoteAsset = "USDT"
	}
	return &Ledger{
		store:      store,
		bus:        bus,
		quoteAsset: strings.ToUpper(quoteAsset),
		open:       make(map[int64]db.Position),
	}
}

// SetMarkSink routes streamed marks to a batched writer.
func (l *Ledger) SetMarkSink(s MarkSink) {
	l.mu.Lock()
	l.marks = s
	l.mu.Unlock()
}

// Load seeds the in-memory view from persisted OPEN positions.
func (l *Ledger) Load(ctx context.Context) error {
	positions, err := l.store.ListPositions(ctx, db.StatusOpen, "")
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.open = make(map[int64]db.Position, len(positions))
	for _, p := range positions {
		l.open[p.ID] = p
	}
	log.Infof("loaded %d open positions", len(positions))
	return nil
}

// Create persists an OPEN position and returns its id.
func (l *Ledger) Create(ctx context.Context, o Opening) (int64, error) {
	if o.Leverage == 0 {
		o.Leverage = 1
	}
	switch {
	case o.Symbol == "":
		return 0, fmt.Errorf("%w: symbol is required", ErrInvalid)
	case o.Side != SideLong && o.Side != SideShort:
		return 0, fmt.Errorf("%w: side %q", ErrInvalid, o.Side)
	case o.Quantity <= 0:
		return 0, fmt.Errorf("%w: quantity must be positive", ErrInvalid)
	case o.EntryPrice <= 0:
		return 0, fmt.Errorf("%w: entry price must be positive", ErrInvalid)
	case o.Leverage < 1:
		return 0, fmt.Errorf("%w: leverage must be >= 1", ErrInvalid)
	}

	now := time.Now()
	p := db.Position{
		Symbol:       strings.ToUpper(o.Symbol),
		Side:         string(o.Side),
		Quantity:     o.Quantity,
		EntryPrice:   o.EntryPrice,
		CurrentPrice: o.EntryPrice,
		StopLoss:     o.StopLoss,
		TakeProfit:   o.TakeProfit,
		Leverage:     o.Leverage,
		MarginUsed:   Margin(o.Quantity, o.EntryPrice, o.Leverage),
		StrategyID:   o.StrategyID,
		OpenedAt:     now,
		UpdatedAt:    now,
	}
	id, err := l.store.InsertPosition(ctx, &p)
	if err != nil {
		return 0, err
	}

	l.mu.Lock()
	l.open[id] = p
	l.mu.Unlock()

	log.WithFields(logrus.Fields{
		"position_id": id, "symbol": p.Symbol, "side": p.Side, "qty": p.Quantity,
		"entry": p.EntryPrice, "leverage": p.Leverage, "margin": p.MarginUsed,
	}).Info("position opened")
	l.bus.Publish(events.EventPositionOpened, p)
	return id, nil
}

// Get reads the persisted position.
func (l *Ledger) Get(ctx context.Context, id int64) (db.Position, error) {
	p, err := l.store.GetPosition(ctx, id)
	if err != nil {
		return db.Position{}, err
	}
	return l.overlay(p), nil
}

// ListOpen returns OPEN positions, optionally for one symbol.
func (l *Ledger) ListOpen(ctx context.Context, symbol string) ([]db.Position, error) {
	positions, err := l.store.ListPositions(ctx, db.StatusOpen, symbol)
	if err != nil {
		return nil, err
	}
	for i := range positions {
		positions[i] = l.overlay(positions[i])
	}
	return positions, nil
}

// overlay applies marks that may not have been flushed yet.
func (l *Ledger) overlay(p db.Position) db.Position {
	if p.Status != db.StatusOpen {
		return p
	}
	l.mu.RLock()
	cached, ok := l.open[p.ID]
	l.mu.RUnlock()
	if ok && cached.UpdatedAt.After(p.UpdatedAt) {
		p.CurrentPrice = cached.CurrentPrice
		p.UnrealizedPnL = cached.UnrealizedPnL
		p.UpdatedAt = cached.UpdatedAt
	}
	return p
}

// UpdatePrice recomputes unrealized PnL at price and persists it.
func (l *Ledger) UpdatePrice(ctx context.Context, id int64, price float64) (db.Position, error) {
	if price <= 0 {
		return db.Position{}, fmt.Errorf("%w: price must be positive", ErrInvalid)
	}
	p, err := l.store.GetPosition(ctx, id)
	if err != nil {
		return db.Position{}, err
	}
	if p.Status != db.StatusOpen {
		return p, ErrAlreadyClosed
	}

	p.CurrentPrice = price
	p.UnrealizedPnL = PnL(Side(p.Side), p.EntryPrice, price, p.Quantity, p.Leverage)
	p.UpdatedAt = time.Now()
	mark := db.Mark{PositionID: id, Price: price, UnrealizedPnL: p.UnrealizedPnL, At: p.UpdatedAt}
	if err := l.store.UpdatePositionMarks(ctx, []db.Mark{mark}); err != nil {
		return db.Position{}, err
	}

	l.mu.Lock()
	if _, ok := l.open[id]; ok {
		l.open[id] = p
	}
	l.mu.Unlock()
	return p, nil
}

// Mark applies a streamed price to every open position on symbol in memory
// and hands the marks to the sink. It never blocks on the database.
func (l *Ledger) Mark(symbol string, price float64, at time.Time) int {
	symbol = strings.ToUpper(symbol)
	var marks []db.Mark

	l.mu.Lock()
	for id, p := range l.open {
		if p.Symbol != symbol {
			continue
		}
		p.CurrentPrice = price
		p.UnrealizedPnL = PnL(Side(p.Side), p.EntryPrice, price, p.Quantity, p.Leverage)
		p.UpdatedAt = at
		l.open[id] = p
		marks = append(marks, db.Mark{PositionID: id, Price: price, UnrealizedPnL: p.UnrealizedPnL, At: at})
	}
	sink := l.marks
	l.mu.Unlock()

	if sink != nil {
		for _, m := range marks {
			sink.Enqueue(m)
		}
	}
	return len(marks)
}

// Close books the realized PnL at closePrice and moves the position to CLOSED.
// A position that is already CLOSED is left untouched and ErrAlreadyClosed is returned.
func (l *Ledger) Close(ctx context.Context, id int64, closePrice float64, reason string) (float64, error) {
	p, err := l.store.GetPosition(ctx, id)
	if err != nil {
		return 0, err
	}
	if p.Status != db.StatusOpen {
		return 0, ErrAlreadyClosed
	}
	if closePrice <= 0 {
		return 0, fmt.Errorf("%w: close price must be positive", ErrInvalid)
	}

	realized := PnL(Side(p.Side), p.EntryPrice, closePrice, p.Quantity, p.Leverage)
	req := db.CloseRequest{PositionID: id, ClosePrice: closePrice, RealizedPnL: realized, Reason: reason, At: time.Now()}
	if err := l.store.ClosePosition(ctx, req); err != nil {
		if errors.Is(err, db.ErrAlreadyClosed) {
			l.forget(id)
		}
		return 0, err
	}
	l.forget(id)

	log.WithFields(logrus.Fields{
		"position_id": id, "symbol": p.Symbol, "side": p.Side,
		"entry": p.EntryPrice, "exit": closePrice, "pnl": realized, "reason": reason,
	}).Info("position closed")
	l.bus.Publish(events.EventPositionClosed, events.PositionClosed{
		PositionID: id, Symbol: p.Symbol, ClosePrice: closePrice, RealizedPnL: realized, Reason: reason,
	})
	return realized, nil
}

func (l *Ledger) forget(id int64) {
	l.mu.Lock()
	delete(l.open, id)
	l.mu.Unlock()
}

// SetProtection replaces stop-loss and take-profit of an open position.
func (l *Ledger) SetProtection(ctx context.Context, id int64, stopLoss, takeProfit *float64) error {
	now := time.Now()
	if err := l.store.UpdateProtection(ctx, id, stopLoss, takeProfit, now); err != nil {
		return err
	}
	l.mu.Lock()
	if p, ok := l.open[id]; ok {
		p.StopLoss, p.TakeProfit = stopLoss, takeProfit
		l.open[id] = p
	}
	l.mu.Unlock()
	return nil
}

// Symbols lists instruments with at least one open position.
func (l *Ledger) Symbols() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, p := range l.open {
		if !seen[p.Symbol] {
			seen[p.Symbol] = true
			out = append(out, p.Symbol)
		}
	}
	sort.Strings(out)
	return out
}

// History returns positions closed within the last days days.
func (l *Ledger) History(ctx context.Context, days int) ([]db.Position, error) {
	if days <= 0 {
		days = 7
	}
	return l.store.ListClosedSince(ctx, time.Now().AddDate(0, 0, -days))
}
