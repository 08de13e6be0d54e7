// Package fusebridge exposes a sandbox as a mountable FUSE tree. Every node
// operation routes through the boundary layer, so a mount carries the same
// containment, read-only, and link-policy enforcement as the Go API.
package fusebridge

import (
	"context"
	"errors"
	"io"
	"os"
	pathpkg "path"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"

	"github.com/ajaxzhan/sandboxfs/pkg/sandboxfs"
	"github.com/ajaxzhan/sandboxfs/pkg/types"
)

var (
	ErrNoSandbox         = errors.New("fusebridge: sandbox is required")
	ErrInvalidMountPoint = errors.New("fusebridge: invalid mount point")
)

// Config describes one mount.
type Config struct {
	Sandbox    *sandboxfs.Sandbox
	MountPoint string
	// AllowOther lets other users (sandboxed child processes) use the mount.
	AllowOther bool
	Debug      bool
}

// Bridge serves a sandbox over FUSE.
type Bridge struct {
	cfg     Config
	mounted atomic.Bool

	mu     sync.Mutex
	server *fuse.Server
}

// New validates the configuration. The mount point must be an existing
// directory.
func New(cfg Config) (*Bridge, error) {
	if cfg.Sandbox == nil {
		return nil, ErrNoSandbox
	}
	if cfg.MountPoint == "" {
		return nil, ErrInvalidMountPoint
	}
	info, err := os.Stat(cfg.MountPoint)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, ErrInvalidMountPoint
	}
	return &Bridge{cfg: cfg}, nil
}

// Mount serves the filesystem and blocks until the context is cancelled,
// then unmounts.
func (b *Bridge) Mount(ctx context.Context) error {
	root := &node{bridge: b}
	opts := &fs.Options{
		MountOptions: fuse.MountOptions{
			AllowOther: b.cfg.AllowOther,
			FsName:     "sandboxfs",
			Name:       "sandboxfs",
			Debug:      b.cfg.Debug,
		},
	}

	server, err := fs.Mount(b.cfg.MountPoint, root, opts)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.server = server
	b.mu.Unlock()
	b.mounted.Store(true)

	<-ctx.Done()

	if err := server.Unmount(); err != nil {
		return err
	}
	b.mounted.Store(false)
	return ctx.Err()
}

// IsMounted reports whether the filesystem is currently mounted.
func (b *Bridge) IsMounted() bool {
	return b.mounted.Load()
}

// node is every inode of the tree. Its sandbox path is derived from its
// position, so one type serves directories, files, and symlinks alike.
type node struct {
	fs.Inode
	bridge *Bridge
}

var _ = (fs.NodeLookuper)((*node)(nil))
var _ = (fs.NodeReaddirer)((*node)(nil))
var _ = (fs.NodeGetattrer)((*node)(nil))
var _ = (fs.NodeSetattrer)((*node)(nil))
var _ = (fs.NodeMkdirer)((*node)(nil))
var _ = (fs.NodeUnlinker)((*node)(nil))
var _ = (fs.NodeRmdirer)((*node)(nil))
var _ = (fs.NodeRenamer)((*node)(nil))
var _ = (fs.NodeCreater)((*node)(nil))
var _ = (fs.NodeSymlinker)((*node)(nil))
var _ = (fs.NodeReadlinker)((*node)(nil))
var _ = (fs.NodeOpener)((*node)(nil))

func (n *node) sb() *sandboxfs.Sandbox {
	return n.bridge.cfg.Sandbox
}

// relPath is the sandbox path of this node.
func (n *node) relPath() string {
	if p := n.Path(nil); p != "" {
		return p
	}
	return "."
}

func (n *node) childPath(name string) string {
	return pathpkg.Join(n.relPath(), name)
}

func (n *node) newChild(ctx context.Context, mode os.FileMode) *fs.Inode {
	return n.NewInode(ctx, &node{bridge: n.bridge}, fs.StableAttr{Mode: stableMode(mode)})
}

func (n *node) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	fi, err := n.sb().Lstat(n.relPath())
	if err != nil {
		return toErrno(err)
	}
	fillAttr(&out.Attr, fi.Size, fi.Mode, fi.ModTime)
	return fs.OK
}

func (n *node) Setattr(ctx context.Context, fh fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	rel := n.relPath()

	if sz, ok := in.GetSize(); ok {
		if err := n.sb().Truncate(rel, int64(sz)); err != nil {
			return toErrno(err)
		}
	}
	if mode, ok := in.GetMode(); ok {
		if err := n.sb().Chmod(rel, os.FileMode(mode)&os.ModePerm); err != nil {
			return toErrno(err)
		}
	}
	atime, aok := in.GetATime()
	mtime, mok := in.GetMTime()
	if aok || mok {
		now := time.Now()
		if !aok {
			atime = now
		}
		if !mok {
			mtime = now
		}
		if err := n.sb().Utimes(rel, atime, mtime); err != nil {
			return toErrno(err)
		}
	}

	fi, err := n.sb().Lstat(rel)
	if err != nil {
		return toErrno(err)
	}
	fillAttr(&out.Attr, fi.Size, fi.Mode, fi.ModTime)
	return fs.OK
}

func (n *node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	fi, err := n.sb().Lstat(n.childPath(name))
	if err != nil {
		return nil, toErrno(err)
	}
	fillAttr(&out.Attr, fi.Size, fi.Mode, fi.ModTime)
	return n.newChild(ctx, fi.Mode), fs.OK
}

func (n *node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries, err := n.sb().Readdir(n.relPath(), types.ReaddirOptions{Verbose: true})
	if err != nil {
		return nil, toErrno(err)
	}
	result := make([]fuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		result = append(result, fuse.DirEntry{
			Name: e.Name,
			Mode: stableMode(e.Mode),
		})
	}
	return fs.NewListDirStream(result), fs.OK
}

func (n *node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	child := n.childPath(name)
	err := n.sb().Mkdir(child, types.MkdirOptions{Mode: os.FileMode(mode) & os.ModePerm})
	if err != nil {
		return nil, toErrno(err)
	}
	fi, err := n.sb().Lstat(child)
	if err != nil {
		return nil, toErrno(err)
	}
	fillAttr(&out.Attr, fi.Size, fi.Mode, fi.ModTime)
	return n.newChild(ctx, fi.Mode), fs.OK
}

func (n *node) Unlink(ctx context.Context, name string) syscall.Errno {
	return toErrno(n.sb().Rm(n.childPath(name), types.RmOptions{}))
}

func (n *node) Rmdir(ctx context.Context, name string) syscall.Errno {
	return toErrno(n.sb().Rmdir(n.childPath(name)))
}

func (n *node) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	np, ok := newParent.(*node)
	if !ok {
		return syscall.EINVAL
	}
	if flags&unix.RENAME_EXCHANGE != 0 {
		return syscall.EINVAL
	}
	oldRel := n.childPath(name)
	newRel := np.childPath(newName)
	if flags&unix.RENAME_NOREPLACE != 0 {
		return toErrno(n.sb().Rename(oldRel, newRel))
	}
	return toErrno(n.sb().Move(oldRel, newRel, types.MoveOptions{Overwrite: true}))
}

func (n *node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	child := n.childPath(name)
	f, err := n.sb().Open(child, int(flags)|os.O_CREATE, os.FileMode(mode)&os.ModePerm)
	if err != nil {
		return nil, nil, 0, toErrno(err)
	}
	if info, serr := f.Stat(); serr == nil {
		fillAttr(&out.Attr, info.Size(), info.Mode(), info.ModTime())
	}
	return n.newChild(ctx, 0), &handle{f: f}, 0, fs.OK
}

func (n *node) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	child := n.childPath(name)
	if err := n.sb().Symlink(target, child); err != nil {
		return nil, toErrno(err)
	}
	fi, err := n.sb().Lstat(child)
	if err != nil {
		return nil, toErrno(err)
	}
	fillAttr(&out.Attr, fi.Size, fi.Mode, fi.ModTime)
	return n.newChild(ctx, fi.Mode), fs.OK
}

func (n *node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	target, err := n.sb().Readlink(n.relPath())
	if err != nil {
		return nil, toErrno(err)
	}
	return []byte(target), fs.OK
}

func (n *node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	// FUSE passes kernel open flags; keep only the bits os.OpenFile
	// understands.
	osFlags := int(flags & syscall.O_ACCMODE)
	if flags&syscall.O_APPEND != 0 {
		osFlags |= os.O_APPEND
	}
	if flags&syscall.O_TRUNC != 0 {
		osFlags |= os.O_TRUNC
	}
	f, err := n.sb().Open(n.relPath(), osFlags, 0)
	if err != nil {
		return nil, 0, toErrno(err)
	}
	return &handle{f: f}, 0, fs.OK
}

// handle wraps a descriptor the boundary layer already verified.
type handle struct {
	f *os.File
}

var _ = (fs.FileReader)((*handle)(nil))
var _ = (fs.FileWriter)((*handle)(nil))
var _ = (fs.FileFlusher)((*handle)(nil))
var _ = (fs.FileReleaser)((*handle)(nil))
var _ = (fs.FileLseeker)((*handle)(nil))
var _ = (fs.FileGetattrer)((*handle)(nil))

func (h *handle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, err := h.f.ReadAt(dest, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, toErrno(err)
	}
	return fuse.ReadResultData(dest[:n]), fs.OK
}

func (h *handle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	n, err := h.f.WriteAt(data, off)
	if err != nil {
		return 0, toErrno(err)
	}
	return uint32(n), fs.OK
}

func (h *handle) Flush(ctx context.Context) syscall.Errno {
	return toErrno(h.f.Sync())
}

func (h *handle) Release(ctx context.Context) syscall.Errno {
	return toErrno(h.f.Close())
}

func (h *handle) Lseek(ctx context.Context, off uint64, whence uint32) (uint64, syscall.Errno) {
	newOff, err := h.f.Seek(int64(off), int(whence))
	if err != nil {
		return 0, toErrno(err)
	}
	return uint64(newOff), fs.OK
}

func (h *handle) Getattr(ctx context.Context, out *fuse.AttrOut) syscall.Errno {
	info, err := h.f.Stat()
	if err != nil {
		return toErrno(err)
	}
	fillAttr(&out.Attr, info.Size(), info.Mode(), info.ModTime())
	return fs.OK
}

func fillAttr(out *fuse.Attr, size int64, mode os.FileMode, mtime time.Time) {
	out.Size = uint64(size)
	out.Mtime = uint64(mtime.Unix())
	out.Mtimensec = uint32(mtime.Nanosecond())
	out.Mode = uint32(mode.Perm())
	switch {
	case mode.IsDir():
		out.Mode |= fuse.S_IFDIR
	case mode&os.ModeSymlink != 0:
		out.Mode |= fuse.S_IFLNK
	default:
		out.Mode |= fuse.S_IFREG
	}
}

func stableMode(mode os.FileMode) uint32 {
	switch {
	case mode.IsDir():
		return fuse.S_IFDIR
	case mode&os.ModeSymlink != 0:
		return fuse.S_IFLNK
	default:
		return fuse.S_IFREG
	}
}

// toErrno translates boundary-layer errors to errnos. Containment denials
// read as EACCES, the read-only gate as EROFS, link policy as EPERM, and
// read locks as EAGAIN; host errnos pass through.
func toErrno(err error) syscall.Errno {
	if err == nil {
		return fs.OK
	}
	switch {
	case errors.Is(err, types.ErrOutsideSandbox), errors.Is(err, types.ErrStalePath):
		return syscall.EACCES
	case errors.Is(err, types.ErrReadOnly):
		return syscall.EROFS
	case errors.Is(err, types.ErrSafeMode):
		return syscall.EPERM
	case errors.Is(err, types.ErrLocked):
		return syscall.EAGAIN
	case errors.Is(err, types.ErrCrossDevice):
		return syscall.EXDEV
	case errors.Is(err, types.ErrScratchUnavailable):
		return syscall.ENOENT
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	switch {
	case errors.Is(err, os.ErrNotExist):
		return syscall.ENOENT
	case errors.Is(err, os.ErrExist):
		return syscall.EEXIST
	case errors.Is(err, os.ErrPermission):
		return syscall.EACCES
	}
	return syscall.EIO
}
