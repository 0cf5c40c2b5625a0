// Package cache holds the last observed price per instrument.
package cache

import (
	"hash/fnv"
	"strings"
	"sync"
	"time"
)

const numShards = 16

// Quote is the last price seen for an instrument.
type Quote struct {
	Price float64   `json:"price"`
	At    time.Time `json:"at"`
}

// Age is the time elapsed since the quote was observed.
func (q Quote) Age() time.Duration { return time.Since(q.At) }

// Prices is a sharded last-price cache. Writers on one instrument never
// contend with readers of an instrument in another shard.
type Prices struct {
	shards [numShards]*shard
}

type shard struct {
	mu    sync.RWMutex
	items map[string]Quote
}

func NewPrices() *Prices {
	c := &Prices{}
	for i := range c.shards {
		c.shards[i] = &shard{items: make(map[string]Quote)}
	}
	return c
}

func (c *Prices) shardFor(symbol string) *shard {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return c.shards[h.Sum32()%numShards]
}

// Set records price for symbol observed at at. Out-of-order observations
// older than the cached one are ignored.
func (c *Prices) Set(symbol string, price float64, at time.Time) {
	symbol = strings.ToUpper(symbol)
	if at.IsZero() {
		at = time.Now()
	}
	s := c.shardFor(symbol)
	s.mu.Lock()
	if cur, ok := s.items[symbol]; !ok || !at.Before(cur.At) {
		s.items[symbol] = Quote{Price: price, At: at}
	}
	s.mu.Unlock()
}

// Get returns the last price for symbol.
func (c *Prices) Get(symbol string) (float64, bool) {
	q, ok := c.Quote(symbol)
	return q.Price, ok
}

func (c *Prices) Quote(symbol string) (Quote, bool) {
	symbol = strings.ToUpper(symbol)
	s := c.shardFor(symbol)
	s.mu.RLock()
	q, ok := s.items[symbol]
	s.mu.RUnlock()
	return q, ok
}

// Snapshot copies all quotes.
func (c *Prices) Snapshot() map[string]Quote {
	out := make(map[string]Quote)
	for _, s := range c.shards {
		s.mu.RLock()
		for sym, q := range s.items {
			out[sym] = q
		}
		s.mu.RUnlock()
	}
	return out
}

func (c *Prices) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.RLock()
		total += len(s.items)
		s.mu.RUnlock()
	}
	return total
}

// Prune removes quotes older than maxAge and returns how many were dropped.
func (c *Prices) Prune(maxAge time.Duration) int {
	removed := 0
	cutoff := time.Now().Add(-maxAge)
	for _, s := range c.shards {
		s.mu.Lock()
		for sym, q := range s.items {
			if q.At.Before(cutoff) {
				delete(s.items, sym)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}
