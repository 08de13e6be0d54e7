package backend

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/ajaxzhan/sandboxfs/pkg/types"
)

func TestRegistry_ProbeOnce(t *testing.T) {
	root := t.TempDir()
	r := NewRegistry()
	defer r.Close()

	a1, ok := r.Get(root)
	if !ok || a1 == nil {
		t.Fatalf("Get = (%v, %v), want backend", a1, ok)
	}
	a2, ok := r.Get(root)
	if !ok || a2 != a1 {
		t.Errorf("second Get returned a different backend")
	}
	if got := r.State(root); got != StateAvailable {
		t.Errorf("State = %v, want available", got)
	}
}

func TestRegistry_UnavailableCached(t *testing.T) {
	r := NewRegistry()
	defer r.Close()
	missing := filepath.Join(t.TempDir(), "does-not-exist")

	if _, ok := r.Get(missing); ok {
		t.Fatal("Get(missing root) = ok, want unavailable")
	}
	if got := r.State(missing); got != StateUnavailable {
		t.Errorf("State = %v, want unavailable", got)
	}
	if err := r.ProbeErr(missing); err == nil {
		t.Error("ProbeErr = nil, want cached failure")
	}
	// A second lookup must hit the cache, not re-probe.
	if _, ok := r.Get(missing); ok {
		t.Error("cached unavailability was forgotten")
	}
}

func TestRegistry_DisableSwitch(t *testing.T) {
	t.Setenv(types.DisableAnchoredEnv, "1")
	r := NewRegistry()
	defer r.Close()

	root := t.TempDir()
	if _, ok := r.Get(root); ok {
		t.Error("Get with disable switch = ok, want unavailable")
	}
	if got := r.State(root); got != StateUnprobed {
		t.Errorf("State = %v, want unprobed (probing skipped entirely)", got)
	}
}

func TestRegistry_CloseForgetsProbes(t *testing.T) {
	root := t.TempDir()
	r := NewRegistry()

	if _, ok := r.Get(root); !ok {
		t.Fatal("Get = unavailable, want backend")
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := r.State(root); got != StateUnprobed {
		t.Errorf("State after Close = %v, want unprobed", got)
	}
	if _, ok := r.Get(root); !ok {
		t.Error("re-probe after Close failed")
	}
	r.Close()
}

func TestRegistry_ConcurrentGet(t *testing.T) {
	root := t.TempDir()
	r := NewRegistry()
	defer r.Close()

	const workers = 16
	got := make([]*Anchored, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i], _ = r.Get(root)
		}(i)
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		if got[i] != got[0] {
			t.Fatalf("worker %d got a different backend instance", i)
		}
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateUnprobed, "unprobed"},
		{StateAvailable, "available"},
		{StateUnavailable, "unavailable"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
