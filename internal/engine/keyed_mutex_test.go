package engine

import (
	"sync"
	"testing"
)

func TestKeyedMutexSerialisesPerKey(t *testing.T) {
	k := newKeyedMutex()
	if k.Lock(1) {
		t.Fatal("first lock reported contention")
	}
	if k.Lock(2) {
		t.Fatal("other key should not contend")
	}
	k.Unlock(2)

	var wg sync.WaitGroup
	contended := make(chan bool, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		contended <- k.Lock(1)
		k.Unlock(1)
	}()
	k.Unlock(1)
	wg.Wait()
	<-contended

	if len(k.locks) != 0 {
		t.Fatalf("locks not released: %d", len(k.locks))
	}
}
