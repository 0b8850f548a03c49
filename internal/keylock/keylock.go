// Package keylock provides mutual exclusion scoped to string keys.
//
// The key space (cache keys derived from URLs) is unbounded over the life of
// a process, so a lock only lives in the registry while somebody holds it or
// waits for it. The registry mutex is held just long enough to find or create
// the entry; the slow work happens under the per-key mutex alone.
package keylock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Registry hands out per-key locks.
type Registry struct {
	mu    sync.Mutex
	locks map[string]*entry
}

func New() *Registry {
	return &Registry{
		locks: make(map[string]*entry),
	}
}

// Lock blocks until the lock for key is held and returns the function that
// releases it. The returned function must be called exactly once.
func (r *Registry) Lock(key string) (unlock func()) {
	r.mu.Lock()
	e := r.locks[key]
	if e == nil {
		e = &entry{}
		r.locks[key] = e
	}
	e.refs++
	r.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		r.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(r.locks, key)
		}
		r.mu.Unlock()
	}
}

// With runs fn while holding the lock for key.
func (r *Registry) With(key string, fn func() error) error {
	unlock := r.Lock(key)
	defer unlock()
	return fn()
}

// Len returns the number of keys currently held or waited on.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}
