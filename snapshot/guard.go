package snapshot

import (
	"sync"
	"sync/atomic"
)

// Guard is a keyed, non-blocking, handle-verified exclusive lock: TryLock
// either acquires the key immediately or fails, it never waits. It carries
// none of the wait-with-timeout or auto-expiry machinery a general-purpose
// distributed lock would need: a replica that can't get the snapshot lock
// just retries later, so nothing here should ever block.
type Guard struct {
	mu sync.Mutex
	m  map[string]int64 // key -> holder handle
}

var guardHandleCounter int64

// NewGuard constructs an empty snapshot guard.
func NewGuard() *Guard {
	return &Guard{m: make(map[string]int64)}
}

// Locked reports whether key is currently held.
func (g *Guard) Locked(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.m[key]
	return ok
}

// TryLock acquires key if it is free, returning a handle that must be
// presented to Unlock. It never blocks.
func (g *Guard) TryLock(key string) (handle int64, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, held := g.m[key]; held {
		return 0, false
	}
	handle = atomic.AddInt64(&guardHandleCounter, 1)
	g.m[key] = handle
	return handle, true
}

// Unlock releases key if handle matches its current holder. A mismatched
// handle is a no-op — it means a stale release from an already-replaced
// holder, which must not clobber the new holder's lock.
func (g *Guard) Unlock(key string, handle int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.m[key] != handle {
		return
	}
	delete(g.m, key)
}
