package backend

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ajaxzhan/sandboxfs/pkg/types"
)

// Fallback enforces the boundary with conventional path-based syscalls,
// wrapped in layered verification: a realpath containment pre-check before
// every call, descriptor verification through /proc/self/fd after opens, and
// a device/inode identity comparison against a fresh stat. It works on any
// filesystem but leaves small validation-to-use windows the anchored backend
// does not have.
type Fallback struct {
	root     string
	realRoot string
	trusted  bool

	// Hook, when set, runs after validation and before the mutating
	// syscall. Tests use it to swap paths inside the race window.
	Hook func(op, absPath string)
}

var _ Backend = (*Fallback)(nil)

// NewFallback resolves the mount root once so later containment checks
// compare against its physical location.
func NewFallback(root string, trusted bool) (*Fallback, error) {
	root = filepath.Clean(root)
	real, err := filepath.EvalSymlinks(root)
	if err != nil {
		return nil, err
	}
	return &Fallback{root: root, realRoot: real, trusted: trusted}, nil
}

func (b *Fallback) abs(rel string) string {
	return filepath.Join(b.root, rel)
}

func (b *Fallback) inside(p string) bool {
	return p == b.realRoot || strings.HasPrefix(p, b.realRoot+string(filepath.Separator))
}

func (b *Fallback) fire(op, absPath string) {
	if b.Hook != nil {
		b.Hook(op, absPath)
	}
}

// ==================== Verification Layers ====================

// preCheck fails when the full resolution of absPath leaves the root. For
// paths that do not exist yet it vets the nearest existing ancestor instead,
// so creation cannot be rerouted through an escaped parent.
func (b *Fallback) preCheck(absPath string) error {
	if b.trusted {
		return nil
	}
	p := absPath
	for {
		real, err := filepath.EvalSymlinks(p)
		if err == nil {
			if !b.inside(real) {
				return types.ErrOutsideSandbox
			}
			return nil
		}
		if errnoOf(err) == unix.ELOOP {
			return types.ErrOutsideSandbox
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		parent := filepath.Dir(p)
		if parent == p {
			return nil
		}
		p = parent
	}
}

// verifyFD confirms an open descriptor still refers to a file inside the
// root and that the nominal path still names that same file. A device or
// inode mismatch means the path was swapped between open and verification.
func (b *Fallback) verifyFD(f *os.File, absPath string) error {
	if b.trusted {
		return nil
	}
	real, err := os.Readlink("/proc/self/fd/" + strconv.Itoa(int(f.Fd())))
	if err != nil {
		// No proc filesystem. Re-derive the physical path from the name.
		real, err = filepath.EvalSymlinks(absPath)
		if err != nil {
			return types.ErrStalePath
		}
	}
	if !b.inside(real) {
		return types.ErrOutsideSandbox
	}

	var fdSt, pathSt unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &fdSt); err != nil {
		return err
	}
	if err := unix.Stat(absPath, &pathSt); err != nil {
		return types.ErrStalePath
	}
	if fdSt.Dev != pathSt.Dev || fdSt.Ino != pathSt.Ino {
		return types.ErrStalePath
	}
	return nil
}

// verifyByName runs descriptor verification for operations that mutate by
// name without keeping a descriptor. Symlink targets are exempt: the
// operation applies to the link itself and preCheck already vetted where it
// resolves.
func (b *Fallback) verifyByName(absPath string) error {
	if b.trusted {
		return nil
	}
	st, err := os.Lstat(absPath)
	if err != nil {
		return err
	}
	if st.Mode()&fs.ModeSymlink != 0 {
		return nil
	}
	f, err := os.Open(absPath)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			// Unreadable entries cannot be open-verified. The realpath
			// check stands alone for those.
			return nil
		}
		return err
	}
	defer f.Close()
	return b.verifyFD(f, absPath)
}

// wrapDenial attaches op and path context to bare sentinels while leaving
// errors that already carry context alone.
func wrapDenial(op, absPath string, err error) error {
	var pe *fs.PathError
	var le *os.LinkError
	if errors.As(err, &pe) || errors.As(err, &le) {
		return err
	}
	return pathErr(op, absPath, err)
}

// ==================== Directory Operations ====================

func (b *Fallback) Mkdir(rel string, mode fs.FileMode) error {
	absPath := b.abs(rel)
	if err := b.preCheck(absPath); err != nil {
		return wrapDenial("mkdir", absPath, err)
	}
	b.fire("mkdir", absPath)
	return os.Mkdir(absPath, mode)
}

func (b *Fallback) MkdirAll(rel string, mode fs.FileMode) error {
	absPath := b.abs(rel)
	if err := b.preCheck(absPath); err != nil {
		return wrapDenial("mkdir", absPath, err)
	}
	if b.trusted {
		return os.MkdirAll(absPath, mode)
	}
	if rel == "." {
		return nil
	}

	// Grow the chain one component at a time, re-verifying after each step
	// so it cannot thread through a parent swapped for a symlink. Created
	// directories are unwound when verification fails, leaving nothing
	// behind an escape.
	b.fire("mkdir", absPath)
	cur := b.root
	var created []string
	for _, comp := range strings.Split(rel, "/") {
		cur = filepath.Join(cur, comp)
		err := os.Mkdir(cur, mode)
		switch {
		case err == nil:
			created = append(created, cur)
		case errors.Is(err, fs.ErrExist):
		default:
			b.unwind(created)
			return err
		}
		real, rerr := filepath.EvalSymlinks(cur)
		if rerr != nil {
			b.unwind(created)
			return rerr
		}
		if !b.inside(real) {
			b.unwind(created)
			return pathErr("mkdir", absPath, types.ErrOutsideSandbox)
		}
	}

	st, err := os.Stat(absPath)
	if err != nil {
		return err
	}
	if !st.IsDir() {
		return pathErr("mkdir", absPath, unix.ENOTDIR)
	}
	return nil
}

func (b *Fallback) unwind(created []string) {
	for i := len(created) - 1; i >= 0; i-- {
		_ = unix.Rmdir(created[i])
	}
}

func (b *Fallback) Rmdir(rel string) error {
	absPath := b.abs(rel)
	if err := b.preCheck(absPath); err != nil {
		return wrapDenial("rmdir", absPath, err)
	}
	if err := b.verifyByName(absPath); err != nil {
		return wrapDenial("rmdir", absPath, err)
	}
	b.fire("rmdir", absPath)
	if err := unix.Rmdir(absPath); err != nil {
		return pathErr("rmdir", absPath, err)
	}
	return nil
}

func (b *Fallback) RemoveAll(rel string) error {
	absPath := b.abs(rel)
	if err := b.preCheck(absPath); err != nil {
		return wrapDenial("rm", absPath, err)
	}
	st, err := os.Lstat(absPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	b.fire("rm", absPath)
	if st.Mode()&fs.ModeSymlink != 0 {
		// Remove the link itself, never what it points to.
		if err := unix.Unlink(absPath); err != nil {
			return pathErr("rm", absPath, err)
		}
		return nil
	}
	return os.RemoveAll(absPath)
}

// ==================== Entry Operations ====================

func (b *Fallback) Unlink(rel string) error {
	absPath := b.abs(rel)
	if err := b.preCheck(absPath); err != nil {
		return wrapDenial("unlink", absPath, err)
	}
	if err := b.verifyByName(absPath); err != nil {
		return wrapDenial("unlink", absPath, err)
	}
	b.fire("unlink", absPath)
	if err := unix.Unlink(absPath); err != nil {
		return pathErr("unlink", absPath, err)
	}
	return nil
}

func (b *Fallback) Rename(oldRel, newRel string) error {
	oldAbs, newAbs := b.abs(oldRel), b.abs(newRel)
	if err := b.preCheck(oldAbs); err != nil {
		return wrapLinkDenial("rename", oldAbs, newAbs, err)
	}
	if err := b.preCheck(newAbs); err != nil {
		return wrapLinkDenial("rename", oldAbs, newAbs, err)
	}
	if err := b.verifyByName(oldAbs); err != nil {
		return wrapLinkDenial("rename", oldAbs, newAbs, err)
	}
	b.fire("rename", oldAbs)
	if err := os.Rename(oldAbs, newAbs); err != nil {
		if errnoOf(err) == unix.EXDEV {
			return &os.LinkError{Op: "rename", Old: oldAbs, New: newAbs, Err: types.ErrCrossDevice}
		}
		return err
	}
	return nil
}

func (b *Fallback) RenameNoReplace(oldRel, newRel string) error {
	oldAbs, newAbs := b.abs(oldRel), b.abs(newRel)
	if err := b.preCheck(oldAbs); err != nil {
		return wrapLinkDenial("rename", oldAbs, newAbs, err)
	}
	if err := b.preCheck(newAbs); err != nil {
		return wrapLinkDenial("rename", oldAbs, newAbs, err)
	}
	if err := b.verifyByName(oldAbs); err != nil {
		return wrapLinkDenial("rename", oldAbs, newAbs, err)
	}
	b.fire("rename", oldAbs)

	err := renameNoReplaceRaw(oldAbs, newAbs)
	if err == unix.EINVAL || err == unix.ENOSYS {
		// Filesystems without renameat2 flag support get the check-then-
		// rename emulation. The window between the two calls is inherent.
		if _, lerr := os.Lstat(newAbs); lerr == nil {
			return &os.LinkError{Op: "rename", Old: oldAbs, New: newAbs, Err: fs.ErrExist}
		}
		err = os.Rename(oldAbs, newAbs)
	}
	if err != nil {
		if errnoOf(err) == unix.EXDEV {
			return &os.LinkError{Op: "rename", Old: oldAbs, New: newAbs, Err: types.ErrCrossDevice}
		}
		return wrapLinkDenial("rename", oldAbs, newAbs, err)
	}
	return nil
}

func (b *Fallback) Link(oldRel, newRel string) error {
	oldAbs, newAbs := b.abs(oldRel), b.abs(newRel)
	if err := b.preCheck(oldAbs); err != nil {
		return wrapLinkDenial("link", oldAbs, newAbs, err)
	}
	if err := b.preCheck(newAbs); err != nil {
		return wrapLinkDenial("link", oldAbs, newAbs, err)
	}
	b.fire("link", oldAbs)
	if err := unix.Linkat(unix.AT_FDCWD, oldAbs, unix.AT_FDCWD, newAbs, 0); err != nil {
		if err == unix.EXDEV {
			return &os.LinkError{Op: "link", Old: oldAbs, New: newAbs, Err: types.ErrCrossDevice}
		}
		return &os.LinkError{Op: "link", Old: oldAbs, New: newAbs, Err: err}
	}
	return nil
}

func (b *Fallback) Symlink(target, linkRel string) error {
	linkAbs := b.abs(linkRel)
	if err := b.preCheck(linkAbs); err != nil {
		return wrapDenial("symlink", linkAbs, err)
	}
	b.fire("symlink", linkAbs)
	return os.Symlink(target, linkAbs)
}

func (b *Fallback) Readlink(rel string) (string, error) {
	absPath := b.abs(rel)
	// The link itself is the subject. Only its containing directory needs
	// to resolve inside.
	if err := b.preCheck(filepath.Dir(absPath)); err != nil {
		return "", wrapDenial("readlink", absPath, err)
	}
	return os.Readlink(absPath)
}

// ==================== Metadata Operations ====================

func (b *Fallback) Chmod(rel string, mode fs.FileMode) error {
	absPath := b.abs(rel)
	if err := b.preCheck(absPath); err != nil {
		return wrapDenial("chmod", absPath, err)
	}
	if err := b.verifyByName(absPath); err != nil {
		return wrapDenial("chmod", absPath, err)
	}
	b.fire("chmod", absPath)
	return os.Chmod(absPath, mode)
}

func (b *Fallback) Truncate(rel string, size int64) error {
	absPath := b.abs(rel)
	if err := b.preCheck(absPath); err != nil {
		return wrapDenial("truncate", absPath, err)
	}
	f, err := os.OpenFile(absPath, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := b.verifyFD(f, absPath); err != nil {
		return wrapDenial("truncate", absPath, err)
	}
	b.fire("truncate", absPath)
	return f.Truncate(size)
}

func (b *Fallback) Utimes(rel string, atime, mtime time.Time) error {
	absPath := b.abs(rel)
	if err := b.preCheck(absPath); err != nil {
		return wrapDenial("utimes", absPath, err)
	}
	if err := b.verifyByName(absPath); err != nil {
		return wrapDenial("utimes", absPath, err)
	}
	b.fire("utimes", absPath)
	return os.Chtimes(absPath, atime, mtime)
}

func (b *Fallback) Stat(rel string) (types.FileInfo, error) {
	absPath := b.abs(rel)
	if err := b.preCheck(absPath); err != nil {
		return types.FileInfo{}, wrapDenial("stat", absPath, err)
	}
	st, err := os.Stat(absPath)
	if err != nil {
		return types.FileInfo{}, err
	}
	return infoFromOS(st), nil
}

func (b *Fallback) Lstat(rel string) (types.FileInfo, error) {
	absPath := b.abs(rel)
	if err := b.preCheck(filepath.Dir(absPath)); err != nil {
		return types.FileInfo{}, wrapDenial("lstat", absPath, err)
	}
	st, err := os.Lstat(absPath)
	if err != nil {
		return types.FileInfo{}, err
	}
	return infoFromOS(st), nil
}

// infoFromOS builds a FileInfo from an os.Stat or os.Lstat result.
func infoFromOS(st fs.FileInfo) types.FileInfo {
	return types.FileInfo{
		Name:    st.Name(),
		Size:    st.Size(),
		Mode:    st.Mode(),
		ModTime: st.ModTime(),
		IsDir:   st.IsDir(),
	}
}

// ==================== File I/O ====================

func (b *Fallback) OpenRead(rel string) (*os.File, error) {
	absPath := b.abs(rel)
	if err := b.preCheck(absPath); err != nil {
		return nil, wrapDenial("open", absPath, err)
	}
	b.fire("open", absPath)
	f, err := os.Open(absPath)
	if err != nil {
		return nil, err
	}
	if err := b.verifyFD(f, absPath); err != nil {
		f.Close()
		return nil, wrapDenial("open", absPath, err)
	}
	return f, nil
}

func (b *Fallback) OpenWrite(rel string, flags int, mode fs.FileMode) (*os.File, error) {
	absPath := b.abs(rel)
	if err := b.preCheck(absPath); err != nil {
		return nil, wrapDenial("open", absPath, err)
	}

	_, lerr := os.Lstat(absPath)
	isNew := errors.Is(lerr, fs.ErrNotExist) && flags&os.O_CREATE != 0

	b.fire("open", absPath)

	// Truncation is deferred until after verification so a swapped path is
	// never clobbered before it is checked.
	wantTrunc := flags&os.O_TRUNC != 0
	f, err := os.OpenFile(absPath, flags&^os.O_TRUNC, mode)
	if err != nil {
		return nil, err
	}
	if !isNew {
		// Files created by this call are exempt: there is no prior inode to
		// compare against, and watch consumers rely on the add event
		// preceding any corrective unlink.
		if err := b.verifyFD(f, absPath); err != nil {
			f.Close()
			return nil, wrapDenial("open", absPath, err)
		}
	}
	if wantTrunc {
		if err := f.Truncate(0); err != nil {
			f.Close()
			return nil, err
		}
	}
	return f, nil
}

func (b *Fallback) CopyFile(srcRel, dstRel string) error {
	src, err := b.OpenRead(srcRel)
	if err != nil {
		return err
	}
	defer src.Close()

	mode := fs.FileMode(0o644)
	if info, serr := src.Stat(); serr == nil {
		mode = info.Mode().Perm()
	}

	dst, err := b.OpenWrite(dstRel, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return pathErr("copy", b.abs(dstRel), err)
	}
	_ = dst.Chmod(mode)
	return dst.Close()
}

func (b *Fallback) ReadDir(rel string) ([]types.DirEntry, error) {
	absPath := b.abs(rel)
	if err := b.preCheck(absPath); err != nil {
		return nil, wrapDenial("readdir", absPath, err)
	}
	f, err := os.Open(absPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := b.verifyFD(f, absPath); err != nil {
		return nil, wrapDenial("readdir", absPath, err)
	}

	names, err := f.Readdirnames(-1)
	if err != nil {
		return nil, pathErr("readdir", absPath, err)
	}
	sort.Strings(names)
	entries := make([]types.DirEntry, 0, len(names))
	for _, n := range names {
		st, serr := os.Lstat(filepath.Join(absPath, n))
		if serr != nil {
			continue
		}
		entries = append(entries, types.DirEntry{
			Name:    n,
			Size:    st.Size(),
			Mode:    st.Mode(),
			ModTime: st.ModTime(),
			IsDir:   st.IsDir(),
		})
	}
	return entries, nil
}

// wrapLinkDenial is wrapDenial for two-path operations.
func wrapLinkDenial(op, oldPath, newPath string, err error) error {
	var pe *fs.PathError
	var le *os.LinkError
	if errors.As(err, &pe) || errors.As(err, &le) {
		return err
	}
	return &os.LinkError{Op: op, Old: oldPath, New: newPath, Err: err}
}
