// Package watch turns periodic snapshots of a sandbox subtree into an
// ordered event stream: add, change, unlink and their directory variants.
// Change events can carry a compressed diff against the last content the
// sandbox itself wrote, and events that merely echo the sandbox's own writes
// are suppressed. Delivery is a bounded queue with a configurable overflow
// policy.
package watch

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ajaxzhan/sandboxfs/internal/diskcache"
	"github.com/ajaxzhan/sandboxfs/internal/logging"
	"github.com/ajaxzhan/sandboxfs/internal/patch"
	"github.com/ajaxzhan/sandboxfs/pkg/types"
)

// ErrOverflow ends a subscription whose queue filled under the raise-error
// policy.
var ErrOverflow = errors.New("watch queue overflow")

// Meta is the per-entry shape a snapshot remembers. Two metas being equal
// means the entry is considered unchanged.
type Meta struct {
	Size    int64
	Mode    fs.FileMode
	MtimeNS int64
}

// Snapshot maps subtree-relative paths ("." for the watched path itself) to
// their observed metadata.
type Snapshot map[string]Meta

// Source produces snapshots of the watched subtree. The stat poller is the
// in-tree implementation; anything able to answer "what does the tree look
// like now" can stand in.
type Source interface {
	Snapshot() (Snapshot, error)
}

// ==================== Poll Source ====================

type pollSource struct {
	root string
}

// NewPollSource scans root with lstat semantics: symlinks are recorded as
// themselves and never followed, so a link pointing outside the sandbox
// contributes one entry and no foreign data.
func NewPollSource(root string) Source {
	return &pollSource{root: root}
}

func (p *pollSource) Snapshot() (Snapshot, error) {
	snap := make(Snapshot)
	info, err := os.Lstat(p.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// Watching a path before it exists is allowed; creation shows
			// up as an add on a later scan.
			return snap, nil
		}
		return nil, err
	}
	snap["."] = metaOf(info)
	if info.IsDir() {
		p.walk(".", snap)
	}
	return snap, nil
}

func (p *pollSource) walk(rel string, snap Snapshot) {
	entries, err := os.ReadDir(filepath.Join(p.root, filepath.FromSlash(rel)))
	if err != nil {
		// Subtrees can vanish mid-scan; the next snapshot settles it.
		return
	}
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		childRel := path.Join(rel, e.Name())
		snap[childRel] = metaOf(info)
		if e.IsDir() {
			p.walk(childRel, snap)
		}
	}
}

func metaOf(info fs.FileInfo) Meta {
	return Meta{Size: info.Size(), Mode: info.Mode(), MtimeNS: info.ModTime().UnixNano()}
}

// ==================== Watcher ====================

// Config wires one subscription. Base is the caller-visible path prefix for
// emitted events; Root is the host directory the source scans.
type Config struct {
	Base         string
	Root         string
	Source       Source
	Interval     time.Duration
	QueueSize    int
	Overflow     types.OverflowPolicy
	Cache        *diskcache.Cache
	WithDiffs    bool
	DiffMaxBytes int
}

// Watcher delivers events until its context ends, its queue overflows under
// the raise-error policy, or a scan fails. The Events channel closes when
// the stream ends; Err explains why, nil for a clean cancellation.
type Watcher struct {
	cfg    Config
	events chan types.WatchEvent
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func Start(ctx context.Context, cfg Config) *Watcher {
	if cfg.Source == nil {
		cfg.Source = NewPollSource(cfg.Root)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 300 * time.Millisecond
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.Overflow == "" {
		cfg.Overflow = types.OverflowDropOldest
	}
	ctx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		cfg:    cfg,
		events: make(chan types.WatchEvent, cfg.QueueSize),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	// The baseline is taken before Start returns: anything that happens to
	// the tree afterwards is a reportable change, not part of the baseline.
	prev, err := cfg.Source.Snapshot()
	if err != nil {
		w.setErr(err)
		close(w.events)
		close(w.done)
		cancel()
		return w
	}
	go w.run(ctx, prev)
	return w
}

// Events is the subscription stream. It closes when the watcher stops.
func (w *Watcher) Events() <-chan types.WatchEvent {
	return w.events
}

// Err reports why the stream ended. A context cancellation reads as nil.
func (w *Watcher) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Close cancels the subscription and waits for the stream to end.
func (w *Watcher) Close() {
	w.cancel()
	<-w.done
}

func (w *Watcher) setErr(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err == nil {
		w.err = err
	}
}

func (w *Watcher) run(ctx context.Context, prev Snapshot) {
	defer close(w.done)
	defer close(w.events)

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cur, err := w.cfg.Source.Snapshot()
			if err != nil {
				w.setErr(err)
				logging.L().Warn("watch scan failed",
					logging.String("path", w.cfg.Base),
					logging.Err(err))
				return
			}
			if !w.deliver(prev, cur) {
				logging.L().Warn("watch queue overflowed",
					logging.String("path", w.cfg.Base),
					logging.Int("queue_size", w.cfg.QueueSize))
				return
			}
			prev = cur
		}
	}
}

// deliver emits the difference between two snapshots. Removals go child
// before parent, additions parent before child. A false return means the
// stream must end.
func (w *Watcher) deliver(prev, cur Snapshot) bool {
	var added, removed, changed []string
	for rel, m := range cur {
		old, ok := prev[rel]
		switch {
		case !ok:
			added = append(added, rel)
		case old.Mode.IsDir() != m.Mode.IsDir():
			// The name now refers to a different kind of thing.
			removed = append(removed, rel)
			added = append(added, rel)
		case !m.Mode.IsDir() && old != m:
			changed = append(changed, rel)
		}
	}
	for rel := range prev {
		if _, ok := cur[rel]; !ok {
			removed = append(removed, rel)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(removed)))
	sort.Strings(added)
	sort.Strings(changed)

	for _, rel := range removed {
		typ := types.EventUnlink
		if prev[rel].Mode.IsDir() {
			typ = types.EventUnlinkDir
		}
		if !w.emit(types.WatchEvent{Type: typ, Path: w.callerPath(rel)}) {
			return false
		}
	}
	for _, rel := range added {
		m := cur[rel]
		if m.Mode.IsDir() {
			if !w.emit(types.WatchEvent{Type: types.EventAddDir, Path: w.callerPath(rel)}) {
				return false
			}
			continue
		}
		ev, keep := w.fileEvent(types.EventAdd, rel, m.Size)
		if keep && !w.emit(ev) {
			return false
		}
	}
	for _, rel := range changed {
		ev, keep := w.fileEvent(types.EventChange, rel, cur[rel].Size)
		if keep && !w.emit(ev) {
			return false
		}
	}
	return true
}

// fileEvent builds an add or change event. Small files are read back so
// events echoing the sandbox's own writes can be dropped and change events
// can carry a diff against the cached baseline. A false second return means
// the event is suppressed.
func (w *Watcher) fileEvent(typ types.EventType, rel string, size int64) (types.WatchEvent, bool) {
	ev := types.WatchEvent{Type: typ, Path: w.callerPath(rel)}
	if w.cfg.Cache == nil || w.cfg.DiffMaxBytes <= 0 || size > int64(w.cfg.DiffMaxBytes) {
		return ev, true
	}
	absPath := filepath.Join(w.cfg.Root, filepath.FromSlash(rel))
	data, err := os.ReadFile(absPath)
	if err != nil || len(data) > w.cfg.DiffMaxBytes {
		return ev, true
	}
	if w.cfg.Cache.IsSelfWrite(absPath, data) {
		return ev, false
	}
	if typ == types.EventChange && w.cfg.WithDiffs {
		if base, ok := w.cfg.Cache.Last(absPath); ok {
			if enc, err := patch.Diff(base, data).Encode(); err == nil {
				ev.Diff = enc
			}
		}
	}
	return ev, true
}

func (w *Watcher) callerPath(rel string) string {
	if rel == "." {
		return w.cfg.Base
	}
	return path.Join(w.cfg.Base, rel)
}

// emit queues one event without blocking the scan loop. When the queue is
// full the overflow policy decides between dropping the oldest entry and
// ending the stream.
func (w *Watcher) emit(ev types.WatchEvent) bool {
	select {
	case w.events <- ev:
		return true
	default:
	}
	if w.cfg.Overflow == types.OverflowError {
		w.setErr(ErrOverflow)
		return false
	}
	// The consumer may be draining concurrently, so both ends stay
	// non-blocking.
	select {
	case <-w.events:
	default:
	}
	select {
	case w.events <- ev:
	default:
	}
	return true
}
