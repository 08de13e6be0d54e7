package types

import (
	"errors"
	"fmt"
)

// Boundary and policy errors. The message strings for ErrOutsideSandbox,
// ErrReadOnly and ErrSafeMode are part of the caller-facing contract and
// must not change.
var (
	// ErrOutsideSandbox is returned when a path, after resolution against
	// the on-disk state, escapes its mount root. Never retried.
	ErrOutsideSandbox = errors.New("outside of sandbox")

	// ErrStalePath is returned when the file a descriptor refers to no
	// longer matches the file at the nominal path, i.e. the path was
	// swapped between open and verification.
	ErrStalePath = errors.New("stale path: file changed during operation")

	// ErrReadOnly is returned by every mutating operation on a read-only
	// sandbox instance.
	ErrReadOnly = errors.New("permission denied -- read only filesystem")

	// ErrSafeMode is returned when hard link or symlink creation is
	// requested but the corresponding policy flag is not enabled.
	ErrSafeMode = errors.New("operation not permitted in safe mode")

	// ErrCrossDevice is returned when a move or rename spans two mount
	// roots. The operation is never converted to copy+delete.
	ErrCrossDevice = errors.New("cross-device move not permitted")

	// ErrVersionMismatch is returned by a conditional write whose base
	// fingerprint does not match the file's current content. The file is
	// left untouched.
	ErrVersionMismatch = errors.New("version mismatch: file content differs from patch base")

	// ErrPatchFailed is returned when a patch cannot be applied cleanly.
	// The file is left untouched.
	ErrPatchFailed = errors.New("patch failed to apply")

	// ErrLocked is returned by reads on a path held by the read-lock
	// registry. Reads fail immediately rather than block.
	ErrLocked = errors.New("file is locked for reading")

	// ErrScratchUnavailable is returned when a /scratch path is used but
	// no scratch root is configured or it is not yet mounted.
	ErrScratchUnavailable = errors.New("scratch space is not available")
)

// OpError wraps a failure from a public sandbox operation. Path is always
// the caller-visible sandbox-relative form, never an absolute host path.
type OpError struct {
	Op   string
	Path string
	Err  error
}

func (e *OpError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// IsSecurityDenial reports whether err is one of the fail-closed boundary
// errors that must never be retried with a different strategy.
func IsSecurityDenial(err error) bool {
	return errors.Is(err, ErrOutsideSandbox) || errors.Is(err, ErrStalePath)
}
