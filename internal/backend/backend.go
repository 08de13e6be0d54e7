// Package backend implements the two enforcement strategies behind the
// sandbox boundary: a descriptor-anchored backend whose path resolution can
// not be redirected by concurrent symlink swaps, and a path-based fallback
// that layers realpath pre-checks and post-open identity verification over
// conventional syscalls. A registry probes and caches one anchored backend
// per mount root.
package backend

import (
	"errors"
	"io/fs"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ajaxzhan/sandboxfs/pkg/types"
)

// ErrNotSupported signals that the backend lacks a primitive and the
// dispatcher should retry via the fallback backend. It never reaches a
// caller.
var ErrNotSupported = errors.New("operation not supported by this backend")

// Backend is the operation set both enforcement strategies implement. All
// paths are relative to the backend's mount root, already cleaned by the
// resolver, never absolute host paths.
type Backend interface {
	Mkdir(rel string, mode fs.FileMode) error
	MkdirAll(rel string, mode fs.FileMode) error
	Unlink(rel string) error
	Rmdir(rel string) error
	RemoveAll(rel string) error
	Rename(oldRel, newRel string) error
	RenameNoReplace(oldRel, newRel string) error
	Link(oldRel, newRel string) error
	Symlink(target, linkRel string) error
	Chmod(rel string, mode fs.FileMode) error
	Truncate(rel string, size int64) error
	Utimes(rel string, atime, mtime time.Time) error
	CopyFile(srcRel, dstRel string) error
	OpenRead(rel string) (*os.File, error)
	OpenWrite(rel string, flags int, mode fs.FileMode) (*os.File, error)
	Readlink(rel string) (string, error)
	Stat(rel string) (types.FileInfo, error)
	Lstat(rel string) (types.FileInfo, error)
	ReadDir(rel string) ([]types.DirEntry, error)
}

// errnoOf tries to determine the errno behind an error, unwrapping the
// common wrappers.
func errnoOf(err error) syscall.Errno {
	if err == nil {
		return 0
	}

	switch {
	case errors.Is(err, fs.ErrNotExist):
		return unix.ENOENT
	case errors.Is(err, fs.ErrExist):
		return unix.EEXIST
	case errors.Is(err, fs.ErrPermission):
		return unix.EACCES
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return 0
}

// pathErr wraps an errno-ish failure with operation and path context. rel
// paths keep errors free of host absolute paths by construction.
func pathErr(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &fs.PathError{Op: op, Path: path, Err: err}
}
