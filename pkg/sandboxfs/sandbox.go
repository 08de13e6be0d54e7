// Package sandboxfs exposes a filesystem-like API confined to a designated
// root directory. Every resolved path is guaranteed to stay inside that root
// (or one of the configured alternate mount roots) even when symlinks or
// concurrent renames try to redirect resolution outside, and failures never
// leak the physical mount layout.
//
// Enforcement prefers descriptor-anchored syscalls and uses path-based
// defense-in-depth checks where those are unavailable. A security denial is
// final: an operation that resolved outside the sandbox is never retried
// with a weaker strategy.
package sandboxfs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ajaxzhan/sandboxfs/internal/backend"
	"github.com/ajaxzhan/sandboxfs/internal/diskcache"
	"github.com/ajaxzhan/sandboxfs/internal/lockreg"
	"github.com/ajaxzhan/sandboxfs/internal/resolve"
	"github.com/ajaxzhan/sandboxfs/pkg/types"
)

// Defaults for zero Options fields.
const (
	defaultWatchQueueSize  = 512
	defaultPollInterval    = 300 * time.Millisecond
	defaultDiffMaxBytes    = 64 << 10
	defaultDeltaMaxBytes   = 64 << 10
	defaultCacheMaxEntries = 256
	defaultCacheMaxBytes   = 8 << 20
	defaultDedupTTL        = 15 * time.Second
)

// Sandbox is one confined filesystem tree. Instances are safe for concurrent
// use: the per-root backend cache, the read-lock registry and the
// last-written-content cache are the only state shared across calls.
type Sandbox struct {
	opts     types.Options
	resolver *resolve.Resolver
	anchored *backend.Registry
	locks    *lockreg.Registry
	cache    *diskcache.Cache

	// anchoredFor overrides anchored-backend selection in tests. nil means
	// use the registry.
	anchoredFor func(root string) (backend.Backend, bool)

	mu        sync.Mutex
	fallbacks map[string]*backend.Fallback
}

// New creates a sandbox over opts.Root, which must be an existing directory.
// Alternate roots may be mounted later; they are probed lazily on first use.
func New(opts types.Options) (*Sandbox, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("sandboxfs: root is required")
	}
	if !filepath.IsAbs(opts.Root) {
		return nil, fmt.Errorf("sandboxfs: root %q must be absolute", opts.Root)
	}
	st, err := os.Stat(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("sandboxfs: root: %w", err)
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("sandboxfs: root %q is not a directory", opts.Root)
	}
	opts.Root = filepath.Clean(opts.Root)
	applyDefaults(&opts)

	resolver, err := resolve.New(opts.Root, opts.RootfsRoot, opts.ScratchRoot)
	if err != nil {
		return nil, err
	}
	return &Sandbox{
		opts:      opts,
		resolver:  resolver,
		anchored:  backend.NewRegistry(),
		locks:     lockreg.New(),
		cache:     diskcache.New(opts.CacheMaxEntries, int64(opts.CacheMaxBytes), opts.DedupTTL),
		fallbacks: make(map[string]*backend.Fallback),
	}, nil
}

func applyDefaults(o *types.Options) {
	if o.WatchQueueSize <= 0 {
		o.WatchQueueSize = defaultWatchQueueSize
	}
	if o.WatchOverflow == "" {
		o.WatchOverflow = types.OverflowDropOldest
	}
	if o.WatchPollInterval <= 0 {
		o.WatchPollInterval = defaultPollInterval
	}
	if o.DiffMaxBytes <= 0 {
		o.DiffMaxBytes = defaultDiffMaxBytes
	}
	if o.DeltaMaxBytes <= 0 {
		o.DeltaMaxBytes = defaultDeltaMaxBytes
	}
	if o.CacheMaxEntries <= 0 {
		o.CacheMaxEntries = defaultCacheMaxEntries
	}
	if o.CacheMaxBytes <= 0 {
		o.CacheMaxBytes = defaultCacheMaxBytes
	}
	if o.DedupTTL <= 0 {
		o.DedupTTL = defaultDedupTTL
	}
}

// Root returns the primary mount root.
func (s *Sandbox) Root() string {
	return s.opts.Root
}

// Close releases the per-root backend descriptors and stops lock timers.
// Watchers are not owned by the instance; each ends with its own context.
func (s *Sandbox) Close() error {
	s.locks.Close()
	return s.anchored.Close()
}

// ==================== Backend Selection ====================

func (s *Sandbox) anchoredBackend(root string) (backend.Backend, bool) {
	if s.anchoredFor != nil {
		return s.anchoredFor(root)
	}
	a, ok := s.anchored.Get(root)
	if !ok {
		return nil, false
	}
	return a, true
}

func (s *Sandbox) fallbackFor(root string) (*backend.Fallback, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fb, ok := s.fallbacks[root]; ok {
		return fb, nil
	}
	fb, err := backend.NewFallback(root, s.opts.Unsafe)
	if err != nil {
		return nil, err
	}
	s.fallbacks[root] = fb
	return fb, nil
}

// dispatch runs fn against the preferred backend for a mount root. On an
// enforcing instance the anchored backend goes first; only its
// ErrNotSupported answer retries via the path-based fallback. Every other
// error is final, so a security denial never falls through to a weaker
// strategy.
func dispatch[T any](s *Sandbox, root string, fn func(backend.Backend) (T, error)) (T, error) {
	if !s.opts.Unsafe {
		if a, ok := s.anchoredBackend(root); ok {
			v, err := fn(a)
			if !errors.Is(err, backend.ErrNotSupported) {
				return v, err
			}
		}
	}
	var zero T
	fb, err := s.fallbackFor(root)
	if err != nil {
		return zero, err
	}
	return fn(fb)
}

func (s *Sandbox) do(root string, fn func(backend.Backend) error) error {
	_, err := dispatch(s, root, func(b backend.Backend) (struct{}, error) {
		return struct{}{}, fn(b)
	})
	return err
}

// resolveMut is the common preamble of every mutating operation. The
// read-only gate comes before resolution so nothing changes on a read-only
// instance, not even the lazy mount probes.
func (s *Sandbox) resolveMut(path string) (resolve.Resolved, error) {
	if s.opts.ReadOnly {
		return resolve.Resolved{}, types.ErrReadOnly
	}
	return s.resolver.Resolve(path)
}

// ==================== Shared Content Paths ====================

func (s *Sandbox) readAll(res resolve.Resolved) ([]byte, error) {
	return dispatch(s, res.SandboxBasePath, func(b backend.Backend) ([]byte, error) {
		f, err := b.OpenRead(res.Rel())
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return io.ReadAll(f)
	})
}

// writeAll replaces the file content and records it so the watcher can
// recognize the echo of this write as the sandbox's own.
func (s *Sandbox) writeAll(res resolve.Resolved, data []byte) error {
	return s.do(res.SandboxBasePath, func(b backend.Backend) error {
		f, err := b.OpenWrite(res.Rel(), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			return err
		}
		// Record before the bytes land; a poll landing between write and
		// record would report our own write as a foreign change. A failed
		// write leaves a stale baseline, which only costs a later delta
		// its shortcut.
		s.cache.RecordWrite(res.PathInSandbox, data)
		_, werr := f.Write(data)
		if cerr := f.Close(); werr == nil {
			werr = cerr
		}
		return werr
	})
}

func (s *Sandbox) statRes(res resolve.Resolved) (types.FileInfo, error) {
	return dispatch(s, res.SandboxBasePath, func(b backend.Backend) (types.FileInfo, error) {
		return b.Stat(res.Rel())
	})
}

func (s *Sandbox) lstatRes(res resolve.Resolved) (types.FileInfo, error) {
	return dispatch(s, res.SandboxBasePath, func(b backend.Backend) (types.FileInfo, error) {
		return b.Lstat(res.Rel())
	})
}

// ==================== Canonicalization ====================

// realAbs canonicalizes a resolved path on disk and enforces containment on
// the outcome. The result is returned in nominal form, prefixed with the
// configured mount root rather than its realpath, so alias reconstruction
// works even when the root itself sits behind a symlink.
func (s *Sandbox) realAbs(res resolve.Resolved) (string, error) {
	real, err := filepath.EvalSymlinks(res.PathInSandbox)
	if err != nil {
		return "", err
	}
	realRoot, err := filepath.EvalSymlinks(res.SandboxBasePath)
	if err != nil {
		return "", err
	}
	switch {
	case real == realRoot:
		return res.SandboxBasePath, nil
	case strings.HasPrefix(real, realRoot+"/"):
		return res.SandboxBasePath + real[len(realRoot):], nil
	case s.opts.Unsafe:
		return real, nil
	default:
		return "", types.ErrOutsideSandbox
	}
}

// realAbsTarget is realAbs for paths that may not exist yet: a missing final
// component is allowed as long as its nearest existing ancestor
// canonicalizes inside the root.
func (s *Sandbox) realAbsTarget(res resolve.Resolved) (string, error) {
	abs, err := s.realAbs(res)
	if err == nil {
		return abs, nil
	}
	if !errors.Is(err, os.ErrNotExist) || res.PathInSandbox == res.SandboxBasePath {
		return "", err
	}
	parent := res
	parent.PathInSandbox = filepath.Dir(res.PathInSandbox)
	parentAbs, err := s.realAbsTarget(parent)
	if err != nil {
		return "", err
	}
	return filepath.Join(parentAbs, filepath.Base(res.PathInSandbox)), nil
}
