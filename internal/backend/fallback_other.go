//go:build !linux

package backend

import "golang.org/x/sys/unix"

// renameNoReplaceRaw reports ENOSYS where renameat2 does not exist, sending
// callers to the check-then-rename emulation.
func renameNoReplaceRaw(oldAbs, newAbs string) error {
	return unix.ENOSYS
}
