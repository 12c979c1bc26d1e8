package relay

import (
	"sync"
	"time"
)

// LockRegistry maps partition keys to exclusive locks. Locks are created
// lazily on first acquisition and reclaimed by EvictIdle once unreferenced
// and idle, bounding memory growth as the set of distinct keys changes over
// the process lifetime.
//
// Distinct keys acquire concurrently; the same key serializes. This is the
// structure that guarantees at most one active dispatch loop per key.
type LockRegistry struct {
	mu    sync.Mutex
	locks map[string]*partitionLock
}

type partitionLock struct {
	mu sync.Mutex

	// refs and lastUsed are guarded by the registry mutex, not lock.mu.
	refs     int
	lastUsed time.Time
}

// NewLockRegistry creates an empty registry.
func NewLockRegistry() *LockRegistry {
	return &LockRegistry{locks: make(map[string]*partitionLock)}
}

// Acquire blocks until the exclusive lock for key is held by the caller.
func (registry *LockRegistry) Acquire(key string) {
	registry.mu.Lock()

	lock, ok := registry.locks[key]
	if !ok {
		lock = &partitionLock{}
		registry.locks[key] = lock
	}

	lock.refs++
	lock.lastUsed = time.Now()
	registry.mu.Unlock()

	lock.mu.Lock()
}

// Release returns the lock for key. Calling Release for a key that was never
// acquired is a no-op.
func (registry *LockRegistry) Release(key string) {
	registry.mu.Lock()

	lock, ok := registry.locks[key]
	if !ok {
		registry.mu.Unlock()

		return
	}

	lock.refs--
	lock.lastUsed = time.Now()
	registry.mu.Unlock()

	lock.mu.Unlock()
}

// EvictIdle removes locks with no holders or waiters that have not been
// referenced within maxIdle. It returns the number of evicted entries.
func (registry *LockRegistry) EvictIdle(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	registry.mu.Lock()
	defer registry.mu.Unlock()

	evicted := 0

	for key, lock := range registry.locks {
		if lock.refs == 0 && lock.lastUsed.Before(cutoff) {
			delete(registry.locks, key)

			evicted++
		}
	}

	return evicted
}

// Len returns the number of tracked locks.
func (registry *LockRegistry) Len() int {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	return len(registry.locks)
}
