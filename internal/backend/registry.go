package backend

import (
	"os"
	"sync"

	"github.com/ajaxzhan/sandboxfs/pkg/types"
)

// State describes whether a mount root has been probed for descriptor
// anchoring support.
type State int

const (
	StateUnprobed State = iota
	StateAvailable
	StateUnavailable
)

func (s State) String() string {
	switch s {
	case StateAvailable:
		return "available"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unprobed"
	}
}

type probeEntry struct {
	ready   chan struct{}
	backend *Anchored
	err     error
}

// Registry caches one anchored backend per mount root. The first caller for
// a root runs the probe while concurrent callers wait on the same result, so
// construction happens exactly once. Failures are cached too: a root that
// cannot support anchoring is not re-probed on every operation.
type Registry struct {
	mu       sync.Mutex
	entries  map[string]*probeEntry
	disabled bool
}

func NewRegistry() *Registry {
	return &Registry{
		entries:  make(map[string]*probeEntry),
		disabled: os.Getenv(types.DisableAnchoredEnv) != "",
	}
}

// Get returns the anchored backend for root, probing on first use. A false
// second return means the root cannot support descriptor anchoring and the
// caller should stay on its fallback.
func (r *Registry) Get(root string) (*Anchored, bool) {
	if r.disabled {
		return nil, false
	}
	r.mu.Lock()
	e, ok := r.entries[root]
	if !ok {
		e = &probeEntry{ready: make(chan struct{})}
		r.entries[root] = e
		r.mu.Unlock()
		e.backend, e.err = NewAnchored(root)
		close(e.ready)
	} else {
		r.mu.Unlock()
	}
	<-e.ready
	if e.err != nil {
		return nil, false
	}
	return e.backend, true
}

// ProbeErr reports the cached construction failure for root, nil when the
// probe succeeded or has not run.
func (r *Registry) ProbeErr(root string) error {
	r.mu.Lock()
	e, ok := r.entries[root]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	<-e.ready
	return e.err
}

// State reports the probe state for root without triggering a probe. A
// probe still in flight counts as unprobed.
func (r *Registry) State(root string) State {
	r.mu.Lock()
	e, ok := r.entries[root]
	r.mu.Unlock()
	if !ok {
		return StateUnprobed
	}
	select {
	case <-e.ready:
	default:
		return StateUnprobed
	}
	if e.err != nil {
		return StateUnavailable
	}
	return StateAvailable
}

// Close releases every probed backend and forgets the probe results.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var first error
	for _, e := range r.entries {
		<-e.ready
		if e.backend != nil {
			if err := e.backend.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	r.entries = make(map[string]*probeEntry)
	return first
}
