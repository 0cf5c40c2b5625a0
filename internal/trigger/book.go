package trigger

import (
	"sort"
	"strings"
	"sync"
	"time"

	"trade-sentinel/internal/ledger"
	"trade-sentinel/internal/monitor"
)

// Kind of protective trigger.
type Kind string

const (
	StopLoss   Kind = "STOP_LOSS"
	TakeProfit Kind = "TAKE_PROFIT"
)

// Key identifies the triggers of one position.
type Key struct {
	Symbol     string `json:"symbol"`
	PositionID int64  `json:"position_id"`
}

// Trigger is one threshold.
type Trigger struct {
	Kind      Kind    `json:"kind"`
	Threshold float64 `json:"threshold"`
	Quantity  float64 `json:"quantity"`
}

// Pair holds at most one trigger of each kind for a position.
type Pair struct {
	Side         ledger.Side `json:"side"`
	StopLoss     *Trigger    `json:"stop_loss,omitempty"`
	TakeProfit   *Trigger    `json:"take_profit,omitempty"`
	RegisteredAt time.Time   `json:"registered_at"`
}

func (p *Pair) count() int {
	n := 0
	if p.StopLoss != nil {
		n++
	}
	if p.TakeProfit != nil {
		n++
	}
	return n
}

// Entry is a snapshot row of the book.
type Entry struct {
	Key
	Pair
}

// Fired is a trigger that crossed its threshold and was removed from the book.
type Fired struct {
	Key
	Side      ledger.Side
	Kind      Kind
	Threshold float64
	Quantity  float64
	Price     float64
	At        time.Time
}

// Crossed applies the side-aware rule. A stop-loss fires when price moves
// against the holder, a take-profit when it moves in the holder's favour.
func Crossed(side ledger.Side, kind Kind, threshold, price float64) bool {
	long := side == ledger.SideLong
	switch kind {
	case StopLoss:
		if long {
			return price <= threshold
		}
		return price >= threshold
	case TakeProfit:
		if long {
			return price >= threshold
		}
		return price <= threshold
	}
	return false
}

// Book is the in-memory trigger set, keyed by (symbol, position id) with a
// per-symbol index for tick evaluation. Retired keys belong to closed
// positions and can never be armed again.
type Book struct {
	mu       sync.RWMutex
	entries  map[Key]*Pair
	bySymbol map[string]map[int64]struct{}
	retired  map[Key]time.Time
	active   int
}

func NewBook() *Book {
	return &Book{
		entries:  make(map[Key]*Pair),
		bySymbol: make(map[string]map[int64]struct{}),
		retired:  make(map[Key]time.Time),
	}
}

func normalize(k Key) Key {
	k.Symbol = strings.ToUpper(k.Symbol)
	return k
}

// Set installs or replaces the trigger of t.Kind for key. It reports false
// when key is retired.
func (b *Book) Set(key Key, side ledger.Side, t Trigger) bool {
	key = normalize(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, gone := b.retired[key]; gone {
		return false
	}
	p, ok := b.entries[key]
	if !ok {
		p = &Pair{}
		b.entries[key] = p
		idx := b.bySymbol[key.Symbol]
		if idx == nil {
			idx = make(map[int64]struct{})
			b.bySymbol[key.Symbol] = idx
		}
		idx[key.PositionID] = struct{}{}
	}
	before := p.count()
	p.Side = side
	p.RegisteredAt = time.Now()
	tt := t
	if t.Kind == StopLoss {
		p.StopLoss = &tt
	} else {
		p.TakeProfit = &tt
	}
	b.adjust(p.count() - before)
	return true
}

// Replace makes the triggers of key exactly sl and tp; nil clears a kind.
// It reports whether key is armed afterwards.
func (b *Book) Replace(key Key, side ledger.Side, sl, tp *Trigger) bool {
	if sl == nil && tp == nil {
		b.Remove(key)
		return false
	}
	key = normalize(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, gone := b.retired[key]; gone {
		return false
	}
	p, ok := b.entries[key]
	if !ok {
		p = &Pair{}
		b.entries[key] = p
		idx := b.bySymbol[key.Symbol]
		if idx == nil {
			idx = make(map[int64]struct{})
			b.bySymbol[key.Symbol] = idx
		}
		idx[key.PositionID] = struct{}{}
	}
	before := p.count()
	*p = Pair{Side: side, StopLoss: clone(sl), TakeProfit: clone(tp), RegisteredAt: time.Now()}
	b.adjust(p.count() - before)
	return true
}

func clone(t *Trigger) *Trigger {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// Remove drops both triggers of key and reports whether any existed.
func (b *Book) Remove(key Key) bool {
	key = normalize(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.removeLocked(key)
}

// Retire drops the triggers of a closed position and blocks any later Set
// or Replace of key. It reports whether triggers existed.
func (b *Book) Retire(key Key) bool {
	key = normalize(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.retired[key] = time.Now()
	return b.removeLocked(key)
}

// Retired reports whether key belongs to a closed position.
func (b *Book) Retired(key Key) bool {
	key = normalize(key)
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.retired[key]
	return ok
}

// ForgetRetired drops retirement marks older than before.
func (b *Book) ForgetRetired(before time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for k, at := range b.retired {
		if at.Before(before) {
			delete(b.retired, k)
			n++
		}
	}
	return n
}

func (b *Book) removeLocked(key Key) bool {
	p, ok := b.entries[key]
	if !ok {
		return false
	}
	b.adjust(-p.count())
	delete(b.entries, key)
	if idx := b.bySymbol[key.Symbol]; idx != nil {
		delete(idx, key.PositionID)
		if len(idx) == 0 {
			delete(b.bySymbol, key.Symbol)
		}
	}
	return true
}

// Evaluate checks every trigger on symbol against price. Fired positions
// lose both triggers inside the same critical section, so a later tick
// cannot fire them again. Stop-loss wins when both cross at once.
func (b *Book) Evaluate(symbol string, price float64, at time.Time) []Fired {
	symbol = strings.ToUpper(symbol)

	b.mu.RLock()
	_, ok := b.bySymbol[symbol]
	b.mu.RUnlock()
	if !ok {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	var fired []Fired
	for id := range b.bySymbol[symbol] {
		key := Key{Symbol: symbol, PositionID: id}
		p := b.entries[key]
		var hit *Trigger
		switch {
		case p.StopLoss != nil && Crossed(p.Side, StopLoss, p.StopLoss.Threshold, price):
			hit = p.StopLoss
		case p.TakeProfit != nil && Crossed(p.Side, TakeProfit, p.TakeProfit.Threshold, price):
			hit = p.TakeProfit
		}
		if hit == nil {
			continue
		}
		fired = append(fired, Fired{
			Key: key, Side: p.Side, Kind: hit.Kind, Threshold: hit.Threshold,
			Quantity: hit.Quantity, Price: price, At: at,
		})
		b.removeLocked(key)
	}
	sort.Slice(fired, func(i, j int) bool { return fired[i].PositionID < fired[j].PositionID })
	return fired
}

// Get returns a copy of the triggers of key.
func (b *Book) Get(key Key) (Pair, bool) {
	key = normalize(key)
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.entries[key]
	if !ok {
		return Pair{}, false
	}
	return Pair{Side: p.Side, StopLoss: clone(p.StopLoss), TakeProfit: clone(p.TakeProfit), RegisteredAt: p.RegisteredAt}, true
}

// Snapshot lists the book ordered by symbol and position id.
func (b *Book) Snapshot() []Entry {
	b.mu.RLock()
	out := make([]Entry, 0, len(b.entries))
	for k, p := range b.entries {
		out = append(out, Entry{Key: k, Pair: Pair{Side: p.Side, StopLoss: clone(p.StopLoss), TakeProfit: clone(p.TakeProfit), RegisteredAt: p.RegisteredAt}})
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].PositionID < out[j].PositionID
	})
	return out
}

// Len is the number of individual triggers.
func (b *Book) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.active
}

// Symbols lists instruments that have at least one trigger.
func (b *Book) Symbols() []string {
	b.mu.RLock()
	out := make([]string, 0, len(b.bySymbol))
	for s := range b.bySymbol {
		out = append(out, s)
	}
	b.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (b *Book) adjust(delta int) {
	b.active += delta
	monitor.TriggersActive.Set(float64(b.active))
}
