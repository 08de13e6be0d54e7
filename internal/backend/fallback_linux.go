package backend

import "golang.org/x/sys/unix"

// renameNoReplaceRaw asks the kernel for an atomic no-replace rename.
func renameNoReplaceRaw(oldAbs, newAbs string) error {
	return unix.Renameat2(unix.AT_FDCWD, oldAbs, unix.AT_FDCWD, newAbs, unix.RENAME_NOREPLACE)
}
