//go:build !linux

package backend

import "io/fs"

// Anchored needs the openat syscall family with O_PATH semantics, which only
// Linux provides. Construction always fails here, so the registry marks every
// root unavailable and operations stay on the path-based fallback.
type Anchored struct {
	Backend
}

func NewAnchored(root string) (*Anchored, error) {
	return nil, &fs.PathError{Op: "open", Path: root, Err: ErrNotSupported}
}

func (a *Anchored) Close() error { return nil }
