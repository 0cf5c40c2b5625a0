package engine

import "sync"

// keyedMutex serialises work per position id.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[int64]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[int64]*refLock)}
}

func (k *keyedMutex) acquire(id int64) *refLock {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, ok := k.locks[id]
	if !ok {
		l = &refLock{}
		k.locks[id] = l
	}
	l.refs++
	return l
}

// Lock blocks until id is free. It reports whether another holder had to be waited for.
func (k *keyedMutex) Lock(id int64) (contended bool) {
	l := k.acquire(id)
	if l.TryLock() {
		return false
	}
	l.Lock()
	return true
}

func (k *keyedMutex) Unlock(id int64) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, ok := k.locks[id]
	if !ok {
		panic("engine: unlock of unlocked position")
	}
	l.refs--
	if l.refs == 0 {
		delete(k.locks, id)
	}
	l.Unlock()
}
