//go:build linux

package backend

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ajaxzhan/sandboxfs/pkg/types"
)

// walkFlags opens directories as traversal anchors only. O_PATH descriptors
// are enough for the *at syscall family and work on search-only directories.
const walkFlags = unix.O_PATH | unix.O_NOFOLLOW | unix.O_DIRECTORY | unix.O_CLOEXEC

// maxSymlinkHops bounds symlink expansion during a walk, matching the
// kernel's own resolution limit.
const maxSymlinkHops = 40

// Anchored resolves every path component against a descriptor held on the
// mount root. Symlinks are expanded in userspace and re-anchored at the
// root, so a component swapped for a symlink mid-operation produces a
// boundary violation instead of a redirected syscall.
type Anchored struct {
	rootFD int
}

var _ Backend = (*Anchored)(nil)

// NewAnchored opens root as the anchor descriptor. Construction fails where
// the kernel or filesystem cannot supply O_PATH directory descriptors, which
// is what the registry probes for.
func NewAnchored(root string) (*Anchored, error) {
	fd, err := unix.Open(root, walkFlags, 0)
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: root, Err: err}
	}
	return &Anchored{rootFD: fd}, nil
}

// Close releases the root descriptor. In-flight operations hold their own
// duplicated descriptors and are unaffected.
func (a *Anchored) Close() error {
	return unix.Close(a.rootFD)
}

// ==================== Path Walking ====================

// walk resolves rel component by component, holding a descriptor for every
// directory it enters. Symlinks along the way are read with readlinkat and
// spliced back into the remaining path: absolute targets and targets that
// climb above the root are boundary violations. When followFinal is false
// the last component is not classified, so operations act on the name
// itself.
//
// The returned parent descriptor is owned by the caller. name may be "."
// when the path reduces to a directory already on the descriptor stack.
func (a *Anchored) walk(rel string, followFinal bool) (parentFD int, name string, err error) {
	queue := strings.Split(rel, "/")
	fds := []int{a.rootFD}
	defer func() {
		for _, fd := range fds[1:] {
			unix.Close(fd)
		}
	}()

	hops := 0
	for len(queue) > 0 {
		comp := queue[0]
		queue = queue[1:]
		final := len(queue) == 0

		switch comp {
		case "", ".":
			if final {
				fd, derr := dupFD(fds[len(fds)-1])
				return fd, ".", derr
			}
			continue
		case "..":
			// The resolver clamps caller paths, so ".." only appears here
			// through symlink targets. Climbing past the root is an escape.
			if len(fds) == 1 {
				return -1, "", types.ErrOutsideSandbox
			}
			unix.Close(fds[len(fds)-1])
			fds = fds[:len(fds)-1]
			continue
		}

		cur := fds[len(fds)-1]

		if final && !followFinal {
			fd, derr := dupFD(cur)
			return fd, comp, derr
		}

		var st unix.Stat_t
		serr := unix.Fstatat(cur, comp, &st, unix.AT_SYMLINK_NOFOLLOW)
		if serr != nil {
			if final && serr == unix.ENOENT {
				// Missing finals are creation targets. Operations that need
				// an existing entry get their ENOENT from the syscall.
				fd, derr := dupFD(cur)
				return fd, comp, derr
			}
			return -1, "", serr
		}

		if st.Mode&unix.S_IFMT == unix.S_IFLNK {
			hops++
			if hops > maxSymlinkHops {
				return -1, "", unix.ELOOP
			}
			target, terr := readlinkatFull(cur, comp)
			if terr != nil {
				return -1, "", terr
			}
			spliced, serr := spliceTarget(target, queue)
			if serr != nil {
				return -1, "", serr
			}
			queue = spliced
			continue
		}

		if final {
			fd, derr := dupFD(cur)
			return fd, comp, derr
		}

		fd, oerr := unix.Openat(cur, comp, walkFlags, 0)
		if oerr != nil {
			if oerr == unix.ELOOP {
				// The entry became a symlink between classification and
				// open. Refuse rather than resolve blind.
				return -1, "", types.ErrOutsideSandbox
			}
			return -1, "", oerr
		}
		fds = append(fds, fd)
	}

	fd, derr := dupFD(fds[len(fds)-1])
	return fd, ".", derr
}

// spliceTarget validates a symlink target and prepends its components to the
// remaining work queue. Only relative targets that can still resolve under
// the root are acceptable.
func spliceTarget(target string, rest []string) ([]string, error) {
	if target == "" {
		return nil, unix.ENOENT
	}
	if path.IsAbs(target) {
		return nil, types.ErrOutsideSandbox
	}
	parts := strings.Split(path.Clean(target), "/")
	out := make([]string, 0, len(parts)+len(rest))
	out = append(out, parts...)
	out = append(out, rest...)
	return out, nil
}

// guardFinal rejects operations whose nominal target resolves outside the
// root, for operations that otherwise act on the link name itself. Missing
// entries pass: the operation reports those with proper context.
func (a *Anchored) guardFinal(rel string) error {
	parent, _, err := a.walk(rel, true)
	if err != nil {
		if errors.Is(err, types.ErrOutsideSandbox) || err == unix.ELOOP {
			return types.ErrOutsideSandbox
		}
		return nil
	}
	unix.Close(parent)
	return nil
}

func dupFD(fd int) (int, error) {
	return unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
}

func readlinkatFull(dirfd int, name string) (string, error) {
	for size := 128; ; size *= 2 {
		buf := make([]byte, size)
		n, err := unix.Readlinkat(dirfd, name, buf)
		if err != nil {
			return "", err
		}
		if n < size {
			return string(buf[:n]), nil
		}
	}
}

// mapWalkErr normalizes resolution failures. A symlink loop means the walk
// never reached a verifiable inside target, which counts as a boundary
// violation rather than a retryable condition.
func mapWalkErr(err error) error {
	if err == unix.ELOOP {
		return types.ErrOutsideSandbox
	}
	return err
}

// ==================== Directory Operations ====================

func (a *Anchored) Mkdir(rel string, mode fs.FileMode) error {
	parent, name, err := a.walk(rel, false)
	if err != nil {
		return pathErr("mkdir", rel, mapWalkErr(err))
	}
	defer unix.Close(parent)
	if err := unix.Mkdirat(parent, name, uint32(mode.Perm())); err != nil {
		return pathErr("mkdir", rel, err)
	}
	return nil
}

func (a *Anchored) MkdirAll(rel string, mode fs.FileMode) error {
	if rel == "." {
		return nil
	}
	if info, err := a.Stat(rel); err == nil {
		if info.IsDir {
			return nil
		}
		return pathErr("mkdir", rel, unix.ENOTDIR)
	}
	if parent := path.Dir(rel); parent != "." && parent != rel {
		if err := a.MkdirAll(parent, mode); err != nil {
			return err
		}
	}
	err := a.Mkdir(rel, mode)
	if err == nil {
		return nil
	}
	// Lost a creation race, or the entry appeared behind our back.
	if info, serr := a.Stat(rel); serr == nil && info.IsDir {
		return nil
	}
	return err
}

func (a *Anchored) Rmdir(rel string) error {
	if err := a.guardFinal(rel); err != nil {
		return pathErr("rmdir", rel, err)
	}
	parent, name, err := a.walk(rel, false)
	if err != nil {
		return pathErr("rmdir", rel, mapWalkErr(err))
	}
	defer unix.Close(parent)
	if err := unix.Unlinkat(parent, name, unix.AT_REMOVEDIR); err != nil {
		return pathErr("rmdir", rel, err)
	}
	return nil
}

func (a *Anchored) RemoveAll(rel string) error {
	if rel == "." {
		// Clearing the root removes its children but keeps the root itself.
		// O_PATH descriptors cannot list entries, so reopen for reading.
		fd, err := unix.Openat(a.rootFD, ".", unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
		if err != nil {
			return pathErr("rm", rel, err)
		}
		defer unix.Close(fd)
		names, err := readDirNames(fd, ".")
		if err != nil {
			return pathErr("rm", rel, err)
		}
		for _, child := range names {
			if rerr := a.removeAllFrom(fd, child, child); rerr != nil {
				return rerr
			}
		}
		return nil
	}

	if err := a.guardFinal(rel); err != nil {
		return pathErr("rm", rel, err)
	}
	parent, name, err := a.walk(rel, false)
	if err != nil {
		if err == unix.ENOENT {
			return nil
		}
		return pathErr("rm", rel, mapWalkErr(err))
	}
	defer unix.Close(parent)
	return a.removeAllFrom(parent, name, rel)
}

// removeAllFrom removes parent/name recursively. Symlinks are unlinked, not
// followed, so a racing swap costs at most the link itself.
func (a *Anchored) removeAllFrom(parent int, name, rel string) error {
	var st unix.Stat_t
	if err := unix.Fstatat(parent, name, &st, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		if err == unix.ENOENT {
			return nil
		}
		return pathErr("rm", rel, err)
	}

	if st.Mode&unix.S_IFMT != unix.S_IFDIR {
		if err := unix.Unlinkat(parent, name, 0); err != nil && err != unix.ENOENT {
			return pathErr("rm", rel, err)
		}
		return nil
	}

	fd, err := unix.Openat(parent, name, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
	if err != nil {
		if err == unix.ENOENT {
			return nil
		}
		if err == unix.ELOOP {
			return pathErr("rm", rel, types.ErrOutsideSandbox)
		}
		return pathErr("rm", rel, err)
	}
	names, rerr := readDirNames(fd, rel)
	if rerr != nil {
		unix.Close(fd)
		return pathErr("rm", rel, rerr)
	}
	for _, child := range names {
		if cerr := a.removeAllFrom(fd, child, path.Join(rel, child)); cerr != nil {
			unix.Close(fd)
			return cerr
		}
	}
	unix.Close(fd)

	if err := unix.Unlinkat(parent, name, unix.AT_REMOVEDIR); err != nil && err != unix.ENOENT {
		return pathErr("rm", rel, err)
	}
	return nil
}

// readDirNames lists a directory descriptor without taking ownership of it.
func readDirNames(fd int, label string) ([]string, error) {
	dup, err := dupFD(fd)
	if err != nil {
		return nil, err
	}
	f := os.NewFile(uintptr(dup), label)
	defer f.Close()
	names, err := f.Readdirnames(-1)
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// ==================== Entry Operations ====================

func (a *Anchored) Unlink(rel string) error {
	if err := a.guardFinal(rel); err != nil {
		return pathErr("unlink", rel, err)
	}
	parent, name, err := a.walk(rel, false)
	if err != nil {
		return pathErr("unlink", rel, mapWalkErr(err))
	}
	defer unix.Close(parent)
	if err := unix.Unlinkat(parent, name, 0); err != nil {
		return pathErr("unlink", rel, err)
	}
	return nil
}

func (a *Anchored) Rename(oldRel, newRel string) error {
	return a.rename(oldRel, newRel, 0)
}

func (a *Anchored) RenameNoReplace(oldRel, newRel string) error {
	return a.rename(oldRel, newRel, unix.RENAME_NOREPLACE)
}

func (a *Anchored) rename(oldRel, newRel string, flags uint) error {
	if err := a.guardFinal(oldRel); err != nil {
		return linkErr("rename", oldRel, newRel, err)
	}
	if err := a.guardFinal(newRel); err != nil {
		return linkErr("rename", oldRel, newRel, err)
	}
	oldParent, oldName, err := a.walk(oldRel, false)
	if err != nil {
		return linkErr("rename", oldRel, newRel, mapWalkErr(err))
	}
	defer unix.Close(oldParent)
	newParent, newName, err := a.walk(newRel, false)
	if err != nil {
		return linkErr("rename", oldRel, newRel, mapWalkErr(err))
	}
	defer unix.Close(newParent)

	if flags == 0 {
		if err := unix.Renameat(oldParent, oldName, newParent, newName); err != nil {
			return linkErr("rename", oldRel, newRel, mapRenameErr(err))
		}
		return nil
	}
	if err := unix.Renameat2(oldParent, oldName, newParent, newName, flags); err != nil {
		// Old kernels and some filesystems reject renameat2 flags outright.
		if err == unix.EINVAL || err == unix.ENOSYS {
			return ErrNotSupported
		}
		return linkErr("rename", oldRel, newRel, mapRenameErr(err))
	}
	return nil
}

func mapRenameErr(err error) error {
	if err == unix.EXDEV {
		return types.ErrCrossDevice
	}
	return err
}

func (a *Anchored) Link(oldRel, newRel string) error {
	if err := a.guardFinal(oldRel); err != nil {
		return linkErr("link", oldRel, newRel, err)
	}
	oldParent, oldName, err := a.walk(oldRel, false)
	if err != nil {
		return linkErr("link", oldRel, newRel, mapWalkErr(err))
	}
	defer unix.Close(oldParent)
	newParent, newName, err := a.walk(newRel, false)
	if err != nil {
		return linkErr("link", oldRel, newRel, mapWalkErr(err))
	}
	defer unix.Close(newParent)
	if err := unix.Linkat(oldParent, oldName, newParent, newName, 0); err != nil {
		return linkErr("link", oldRel, newRel, mapRenameErr(err))
	}
	return nil
}

func (a *Anchored) Symlink(target, linkRel string) error {
	parent, name, err := a.walk(linkRel, false)
	if err != nil {
		return pathErr("symlink", linkRel, mapWalkErr(err))
	}
	defer unix.Close(parent)
	if err := unix.Symlinkat(target, parent, name); err != nil {
		return pathErr("symlink", linkRel, err)
	}
	return nil
}

func (a *Anchored) Readlink(rel string) (string, error) {
	parent, name, err := a.walk(rel, false)
	if err != nil {
		return "", pathErr("readlink", rel, mapWalkErr(err))
	}
	defer unix.Close(parent)
	target, err := readlinkatFull(parent, name)
	if err != nil {
		return "", pathErr("readlink", rel, err)
	}
	return target, nil
}

// ==================== Metadata Operations ====================

func (a *Anchored) Chmod(rel string, mode fs.FileMode) error {
	parent, name, err := a.walk(rel, true)
	if err != nil {
		return pathErr("chmod", rel, mapWalkErr(err))
	}
	defer unix.Close(parent)
	fd, err := openForMeta(parent, name)
	if err != nil {
		if err == unix.ELOOP {
			return pathErr("chmod", rel, types.ErrOutsideSandbox)
		}
		return pathErr("chmod", rel, err)
	}
	defer unix.Close(fd)
	if err := unix.Fchmod(fd, uint32(mode.Perm())); err != nil {
		return pathErr("chmod", rel, err)
	}
	return nil
}

func (a *Anchored) Truncate(rel string, size int64) error {
	parent, name, err := a.walk(rel, true)
	if err != nil {
		return pathErr("truncate", rel, mapWalkErr(err))
	}
	defer unix.Close(parent)
	fd, err := unix.Openat(parent, name, unix.O_WRONLY|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
	if err != nil {
		if err == unix.ELOOP {
			return pathErr("truncate", rel, types.ErrOutsideSandbox)
		}
		return pathErr("truncate", rel, err)
	}
	defer unix.Close(fd)
	if err := unix.Ftruncate(fd, size); err != nil {
		return pathErr("truncate", rel, err)
	}
	return nil
}

func (a *Anchored) Utimes(rel string, atime, mtime time.Time) error {
	parent, name, err := a.walk(rel, true)
	if err != nil {
		return pathErr("utimes", rel, mapWalkErr(err))
	}
	defer unix.Close(parent)
	if err := unix.UtimesNanoAt(parent, name, timesToSpec(atime, mtime), unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return pathErr("utimes", rel, err)
	}
	return nil
}

func (a *Anchored) Stat(rel string) (types.FileInfo, error) {
	parent, name, err := a.walk(rel, true)
	if err != nil {
		return types.FileInfo{}, pathErr("stat", rel, mapWalkErr(err))
	}
	defer unix.Close(parent)
	var st unix.Stat_t
	if err := unix.Fstatat(parent, name, &st, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return types.FileInfo{}, pathErr("stat", rel, err)
	}
	return infoFromStat(path.Base(rel), &st), nil
}

func (a *Anchored) Lstat(rel string) (types.FileInfo, error) {
	parent, name, err := a.walk(rel, false)
	if err != nil {
		return types.FileInfo{}, pathErr("lstat", rel, mapWalkErr(err))
	}
	defer unix.Close(parent)
	var st unix.Stat_t
	if err := unix.Fstatat(parent, name, &st, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return types.FileInfo{}, pathErr("lstat", rel, err)
	}
	return infoFromStat(path.Base(rel), &st), nil
}

// modeFromStat converts raw stat mode bits to an fs.FileMode.
func modeFromStat(m uint32) fs.FileMode {
	mode := fs.FileMode(m & 0o777)
	switch m & unix.S_IFMT {
	case unix.S_IFDIR:
		mode |= fs.ModeDir
	case unix.S_IFLNK:
		mode |= fs.ModeSymlink
	case unix.S_IFIFO:
		mode |= fs.ModeNamedPipe
	case unix.S_IFSOCK:
		mode |= fs.ModeSocket
	case unix.S_IFBLK:
		mode |= fs.ModeDevice
	case unix.S_IFCHR:
		mode |= fs.ModeDevice | fs.ModeCharDevice
	}
	if m&unix.S_ISUID != 0 {
		mode |= fs.ModeSetuid
	}
	if m&unix.S_ISGID != 0 {
		mode |= fs.ModeSetgid
	}
	if m&unix.S_ISVTX != 0 {
		mode |= fs.ModeSticky
	}
	return mode
}

// infoFromStat builds a FileInfo from raw stat results.
func infoFromStat(name string, st *unix.Stat_t) types.FileInfo {
	mode := modeFromStat(st.Mode)
	return types.FileInfo{
		Name:    name,
		Size:    st.Size,
		Mode:    mode,
		ModTime: time.Unix(st.Mtim.Sec, st.Mtim.Nsec),
		IsDir:   mode.IsDir(),
	}
}

// timesToSpec converts atime/mtime into the timespec pair utimensat wants.
func timesToSpec(atime, mtime time.Time) []unix.Timespec {
	return []unix.Timespec{
		unix.NsecToTimespec(atime.UnixNano()),
		unix.NsecToTimespec(mtime.UnixNano()),
	}
}

// openForMeta opens the final component for metadata updates, trying read
// access first and falling back to write-only for files whose mode blocks
// reads.
func openForMeta(parent int, name string) (int, error) {
	var err error
	for _, acc := range []int{unix.O_RDONLY, unix.O_WRONLY} {
		var fd int
		fd, err = unix.Openat(parent, name, acc|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
		if err == nil {
			return fd, nil
		}
		if err != unix.EACCES && err != unix.EISDIR {
			return -1, err
		}
	}
	return -1, err
}

// ==================== File I/O ====================

func (a *Anchored) OpenRead(rel string) (*os.File, error) {
	parent, name, err := a.walk(rel, true)
	if err != nil {
		return nil, pathErr("open", rel, mapWalkErr(err))
	}
	defer unix.Close(parent)
	fd, err := unix.Openat(parent, name, unix.O_RDONLY|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
	if err != nil {
		if err == unix.ELOOP {
			return nil, pathErr("open", rel, types.ErrOutsideSandbox)
		}
		return nil, pathErr("open", rel, err)
	}
	return os.NewFile(uintptr(fd), rel), nil
}

func (a *Anchored) OpenWrite(rel string, flags int, mode fs.FileMode) (*os.File, error) {
	parent, name, err := a.walk(rel, true)
	if err != nil {
		return nil, pathErr("open", rel, mapWalkErr(err))
	}
	defer unix.Close(parent)
	fd, err := unix.Openat(parent, name, flags|unix.O_NOFOLLOW|unix.O_CLOEXEC, uint32(mode.Perm()))
	if err != nil {
		if err == unix.ELOOP {
			return nil, pathErr("open", rel, types.ErrOutsideSandbox)
		}
		return nil, pathErr("open", rel, err)
	}
	return os.NewFile(uintptr(fd), rel), nil
}

func (a *Anchored) CopyFile(srcRel, dstRel string) error {
	src, err := a.OpenRead(srcRel)
	if err != nil {
		return err
	}
	defer src.Close()

	mode := fs.FileMode(0o644)
	if info, serr := src.Stat(); serr == nil {
		mode = info.Mode().Perm()
	}

	dst, err := a.OpenWrite(dstRel, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return pathErr("copy", dstRel, err)
	}
	// Creation modes pass through the umask; align the copy explicitly and
	// tolerate filesystems that refuse.
	_ = dst.Chmod(mode)
	if err := dst.Close(); err != nil {
		return pathErr("copy", dstRel, err)
	}
	return nil
}

func (a *Anchored) ReadDir(rel string) ([]types.DirEntry, error) {
	parent, name, err := a.walk(rel, true)
	if err != nil {
		return nil, pathErr("readdir", rel, mapWalkErr(err))
	}
	defer unix.Close(parent)
	fd, err := unix.Openat(parent, name, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
	if err != nil {
		if err == unix.ELOOP {
			return nil, pathErr("readdir", rel, types.ErrOutsideSandbox)
		}
		return nil, pathErr("readdir", rel, err)
	}
	defer unix.Close(fd)

	names, err := readDirNames(fd, rel)
	if err != nil {
		return nil, pathErr("readdir", rel, err)
	}
	entries := make([]types.DirEntry, 0, len(names))
	for _, n := range names {
		var st unix.Stat_t
		if serr := unix.Fstatat(fd, n, &st, unix.AT_SYMLINK_NOFOLLOW); serr != nil {
			// Entries can vanish between listing and stat.
			continue
		}
		info := infoFromStat(n, &st)
		entries = append(entries, types.DirEntry{
			Name:    n,
			Size:    info.Size,
			Mode:    info.Mode,
			ModTime: info.ModTime,
			IsDir:   info.IsDir,
		})
	}
	return entries, nil
}

// linkErr wraps failures of two-path operations the way the os package
// does, keeping both endpoints visible.
func linkErr(op, oldPath, newPath string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotSupported) {
		return err
	}
	return &os.LinkError{Op: op, Old: oldPath, New: newPath, Err: err}
}
