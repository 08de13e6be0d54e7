package sandboxfs

import (
	"context"
	"errors"
	"io/fs"
	pathpkg "path"
	"time"

	"github.com/ajaxzhan/sandboxfs/internal/watch"
	"github.com/ajaxzhan/sandboxfs/pkg/types"
)

// Watcher streams filesystem events for one watched path. Events carries
// add/change/unlink events (and their directory variants) until the watch
// context ends or the queue overflows under the raise-error policy.
type Watcher = watch.Watcher

// Watch streams change events for path until ctx is cancelled. The path may
// name a file or a directory and does not need to exist yet; event paths are
// reported in the same form the caller used, alias included. Events echoing
// this instance's own writes are suppressed, and change events carry a
// compressed diff when the instance holds a baseline and WithDiffs is set.
func (s *Sandbox) Watch(ctx context.Context, path string, opts types.WatchOptions) (*Watcher, error) {
	res, err := s.resolver.Resolve(path)
	if err != nil {
		return nil, s.fail("watch", path, err)
	}
	if !s.opts.Unsafe {
		if _, err := s.realAbs(res); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, s.fail("watch", path, err)
		}
	}
	cfg := watch.Config{
		Base:         callerBase(path),
		Root:         res.PathInSandbox,
		Interval:     opts.PollInterval,
		QueueSize:    opts.QueueSize,
		Overflow:     opts.Overflow,
		Cache:        s.cache,
		WithDiffs:    opts.WithDiffs,
		DiffMaxBytes: s.opts.DiffMaxBytes,
	}
	if cfg.Interval <= 0 {
		cfg.Interval = s.opts.WatchPollInterval
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = s.opts.WatchQueueSize
	}
	if cfg.Overflow == "" {
		cfg.Overflow = s.opts.WatchOverflow
	}
	return watch.Start(ctx, cfg), nil
}

// callerBase is the caller's path in the form watch events should echo.
func callerBase(p string) string {
	if p == "" {
		return "."
	}
	return pathpkg.Clean(p)
}

// LockFile takes a time-boxed exclusive read lock on path: ReadFile fails
// immediately with the locked error until the lock expires or a call with
// ttl <= 0 clears it. The lock is an in-process coordination aid, not an OS
// file lock, and only reads observe it.
func (s *Sandbox) LockFile(path string, ttl time.Duration) error {
	res, err := s.resolver.Resolve(path)
	if err != nil {
		return s.fail("lock", path, err)
	}
	s.locks.Lock(res.PathInSandbox, ttl)
	return nil
}
