// Package types defines the core domain types and errors for the sandboxed
// filesystem boundary layer.
package types

import (
	"io/fs"
	"time"
)

// Reserved path aliases. These are fixed literals, not configurable, and
// must be preserved bit-for-bit for compatibility with existing callers.
const (
	// HomeAlias is the absolute prefix that always resolves against the
	// primary mount root, even when a rootfs root is active.
	HomeAlias = "/root"

	// ScratchAlias is the absolute prefix that always resolves against
	// the scratch mount root.
	ScratchAlias = "/scratch"
)

// DisableAnchoredEnv is the environment switch that force-disables the
// descriptor-anchored backend, routing every operation through the
// path-based fallback. Read once at sandbox construction.
const DisableAnchoredEnv = "SANDBOXFS_DISABLE_ANCHORED"

// OverflowPolicy selects what a watcher does when its event queue is full.
type OverflowPolicy string

const (
	// OverflowDropOldest discards the oldest queued event to make room.
	OverflowDropOldest OverflowPolicy = "drop-oldest"
	// OverflowError terminates the event stream with an overflow error.
	OverflowError OverflowPolicy = "error"
)

// Options is the constructor-time configuration of a sandbox instance.
// All fields are fixed for the instance lifetime.
type Options struct {
	// Root is the absolute path of the primary mount root. Required.
	Root string

	// Unsafe disables all boundary enforcement. The caller is trusted.
	Unsafe bool

	// ReadOnly rejects every mutating operation.
	ReadOnly bool

	// RootfsRoot is an optional secondary mount substituted for "/"
	// semantics once it is observed to be a mounted directory.
	RootfsRoot string

	// ScratchRoot is an optional tertiary mount backing the /scratch
	// alias once it is observed to be a mounted directory.
	ScratchRoot string

	// AllowHardlink and AllowSymlink enable link creation, which is
	// denied by default in enforced mode.
	AllowHardlink bool
	AllowSymlink  bool

	// Watch defaults. Zero values select the package defaults.
	WatchQueueSize    int
	WatchOverflow     OverflowPolicy
	WatchPollInterval time.Duration

	// DiffMaxBytes caps the file size for which watch events carry a
	// compressed diff against the cached baseline.
	DiffMaxBytes int

	// DeltaMaxBytes caps the file size for which WriteFileDelta emits a
	// conditional patch instead of a full write.
	DeltaMaxBytes int

	// Last-on-disk cache bounds and the TTL of the write-echo dedup set.
	CacheMaxEntries int
	CacheMaxBytes   int
	DedupTTL        time.Duration
}

// FileInfo describes a file inside the sandbox. Mode carries the type bits,
// so symlinks are visible through Lstat results.
type FileInfo struct {
	Name    string      `json:"name"`
	Size    int64       `json:"size"`
	Mode    fs.FileMode `json:"mode"`
	ModTime time.Time   `json:"mtime"`
	IsDir   bool        `json:"is_dir"`
}

// DirEntry is one entry of a directory listing. Path is only populated in
// verbose listings and is always the caller-visible sandbox path, never an
// absolute host path.
type DirEntry struct {
	Name    string      `json:"name"`
	Path    string      `json:"path,omitempty"`
	Size    int64       `json:"size,omitempty"`
	Mode    fs.FileMode `json:"mode,omitempty"`
	ModTime time.Time   `json:"mtime,omitempty"`
	IsDir   bool        `json:"is_dir"`
}

// EventType classifies a watch event.
type EventType string

const (
	EventAdd       EventType = "add"
	EventChange    EventType = "change"
	EventUnlink    EventType = "unlink"
	EventAddDir    EventType = "addDir"
	EventUnlinkDir EventType = "unlinkDir"
)

// WatchEvent is one filesystem change delivered by a watcher. Path is
// sandbox-relative. Diff, when present, is an encoded compressed patch from
// the previously cached content to the current content.
type WatchEvent struct {
	Type EventType `json:"type"`
	Path string    `json:"path"`
	Diff []byte    `json:"diff,omitempty"`
}

// WatchOptions overrides the instance watch defaults for one subscription.
// Zero values inherit from Options.
type WatchOptions struct {
	QueueSize    int
	Overflow     OverflowPolicy
	PollInterval time.Duration
	WithDiffs    bool
}

// MkdirOptions controls directory creation.
type MkdirOptions struct {
	// Recursive creates missing intermediate directories.
	Recursive bool
	// Mode is the permission for created directories. Zero means 0755.
	Mode fs.FileMode
}

// RmOptions controls removal.
type RmOptions struct {
	// Recursive removes directories and their contents.
	Recursive bool
}

// MoveOptions controls Move.
type MoveOptions struct {
	// Overwrite replaces an existing destination. When false, Move fails
	// if the destination exists.
	Overwrite bool
}

// CpOptions controls Cp.
type CpOptions struct {
	// Recursive copies directories.
	Recursive bool
	// Reflink attempts a copy-on-write clone via the system cp utility
	// before falling back to a byte copy.
	Reflink bool
}

// ReaddirOptions controls Readdir.
type ReaddirOptions struct {
	// Verbose populates size, mode, mtime and the sandbox path of each
	// entry.
	Verbose bool
}
