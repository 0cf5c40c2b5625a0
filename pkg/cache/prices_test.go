package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestPricesSetGet(t *testing.T) {
	c := NewPrices()
	now := time.Now()

	c.Set("btcusdt", 50000, now)
	if p, ok := c.Get("BTCUSDT"); !ok || p != 50000 {
		t.Fatalf("Get = %v, %v", p, ok)
	}

	c.Set("BTCUSDT", 49000, now.Add(-time.Second))
	if p, _ := c.Get("BTCUSDT"); p != 50000 {
		t.Errorf("stale tick overwrote price: %v", p)
	}

	c.Set("BTCUSDT", 51000, now.Add(time.Second))
	if p, _ := c.Get("BTCUSDT"); p != 51000 {
		t.Errorf("newer tick ignored: %v", p)
	}

	if _, ok := c.Get("ETHUSDT"); ok {
		t.Error("unexpected price for unknown symbol")
	}
}

func TestPricesPrune(t *testing.T) {
	c := NewPrices()
	c.Set("OLD", 1, time.Now().Add(-time.Hour))
	c.Set("NEW", 2, time.Now())

	if n := c.Prune(time.Minute); n != 1 {
		t.Fatalf("Prune removed %d, want 1", n)
	}
	if c.Len() != 1 {
		t.Fatalf("Len = %d", c.Len())
	}
	if _, ok := c.Snapshot()["NEW"]; !ok {
		t.Fatal("NEW missing from snapshot")
	}
}

func TestPricesConcurrent(t *testing.T) {
	c := NewPrices()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sym := fmt.Sprintf("SYM%d", i)
			for j := 0; j < 500; j++ {
				c.Set(sym, float64(j), time.Time{})
				c.Get(sym)
			}
		}(i)
	}
	wg.Wait()
	if c.Len() != 8 {
		t.Fatalf("Len = %d, want 8", c.Len())
	}
}
