// Package lockreg tracks short-lived exclusive read locks on resolved paths.
// The registry is purely in-process coordination: a collaborative editing
// layer locks a path while it stages a multi-step external write so readers
// do not observe the intermediate states. No OS file locking is involved and
// nothing survives a restart.
package lockreg

import (
	"sync"
	"time"
)

type entry struct {
	timer   *time.Timer
	expires time.Time
}

// Registry is safe for concurrent use.
type Registry struct {
	mu    sync.Mutex
	locks map[string]*entry
}

func New() *Registry {
	return &Registry{locks: make(map[string]*entry)}
}

// Lock marks path as read-locked for ttl. A non-positive ttl clears any
// existing lock instead. Re-locking a held path replaces its expiry.
func (r *Registry) Lock(path string, ttl time.Duration) {
	if ttl <= 0 {
		r.Unlock(path)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.locks[path]; ok {
		old.timer.Stop()
	}
	e := &entry{expires: time.Now().Add(ttl)}
	e.timer = time.AfterFunc(ttl, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		// Only remove the entry this timer belongs to. A re-lock may have
		// replaced it while the callback was pending.
		if cur, ok := r.locks[path]; ok && cur == e {
			delete(r.locks, path)
		}
	})
	r.locks[path] = e
}

// Unlock clears the lock on path, if any.
func (r *Registry) Unlock(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.locks[path]; ok {
		e.timer.Stop()
		delete(r.locks, path)
	}
}

// Locked reports whether path currently holds an unexpired lock. Entries
// whose timer has not fired yet but whose deadline has passed count as
// unlocked.
func (r *Registry) Locked(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.locks[path]
	if !ok {
		return false
	}
	if !time.Now().Before(e.expires) {
		e.timer.Stop()
		delete(r.locks, path)
		return false
	}
	return true
}

// Close drops every lock and stops their timers.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for path, e := range r.locks {
		e.timer.Stop()
		delete(r.locks, path)
	}
}
