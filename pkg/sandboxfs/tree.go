package sandboxfs

import (
	"errors"
	"io/fs"
	pathpkg "path"
	"time"

	"github.com/ajaxzhan/sandboxfs/internal/backend"
	"github.com/ajaxzhan/sandboxfs/pkg/types"
)

// Mkdir creates a directory. With Recursive, missing intermediate components
// are created too, each validated against the boundary before anything is
// written.
func (s *Sandbox) Mkdir(path string, opts types.MkdirOptions) error {
	res, err := s.resolveMut(path)
	if err != nil {
		return s.fail("mkdir", path, err)
	}
	mode := opts.Mode
	if mode == 0 {
		mode = 0o755
	}
	err = s.do(res.SandboxBasePath, func(b backend.Backend) error {
		if opts.Recursive {
			return b.MkdirAll(res.Rel(), mode)
		}
		return b.Mkdir(res.Rel(), mode)
	})
	if err != nil {
		return s.fail("mkdir", path, err)
	}
	return nil
}

// Rm removes path. Recursive removal routes through the hardened backend so
// no tree component can be swapped for a symlink mid-walk; without Recursive
// directories fail the way unlink does.
func (s *Sandbox) Rm(path string, opts types.RmOptions) error {
	res, err := s.resolveMut(path)
	if err != nil {
		return s.fail("rm", path, err)
	}
	err = s.do(res.SandboxBasePath, func(b backend.Backend) error {
		if opts.Recursive {
			return b.RemoveAll(res.Rel())
		}
		return b.Unlink(res.Rel())
	})
	if err != nil {
		return s.fail("rm", path, err)
	}
	s.cache.Forget(res.PathInSandbox)
	return nil
}

// Rmdir removes an empty directory.
func (s *Sandbox) Rmdir(path string) error {
	res, err := s.resolveMut(path)
	if err != nil {
		return s.fail("rmdir", path, err)
	}
	err = s.do(res.SandboxBasePath, func(b backend.Backend) error {
		return b.Rmdir(res.Rel())
	})
	if err != nil {
		return s.fail("rmdir", path, err)
	}
	return nil
}

// Rename moves oldPath to newPath without replacing an existing target.
func (s *Sandbox) Rename(oldPath, newPath string) error {
	return s.rename("rename", oldPath, newPath, false)
}

// Move renames with optional overwrite. A move across mount roots fails with
// the cross-device error; callers that want copy semantics use Cp.
func (s *Sandbox) Move(oldPath, newPath string, opts types.MoveOptions) error {
	return s.rename("move", oldPath, newPath, opts.Overwrite)
}

func (s *Sandbox) rename(op, oldPath, newPath string, overwrite bool) error {
	if s.opts.ReadOnly {
		return s.fail(op, oldPath, types.ErrReadOnly)
	}
	oldRes, err := s.resolver.Resolve(oldPath)
	if err != nil {
		return s.fail(op, oldPath, err)
	}
	newRes, err := s.resolver.Resolve(newPath)
	if err != nil {
		return s.fail(op, newPath, err)
	}
	if oldRes.SandboxBasePath != newRes.SandboxBasePath {
		return s.fail(op, oldPath, types.ErrCrossDevice)
	}
	err = s.do(oldRes.SandboxBasePath, func(b backend.Backend) error {
		if overwrite {
			return b.Rename(oldRes.Rel(), newRes.Rel())
		}
		return b.RenameNoReplace(oldRes.Rel(), newRes.Rel())
	})
	if err != nil {
		return s.fail(op, oldPath, err)
	}
	s.cache.Forget(oldRes.PathInSandbox)
	s.cache.Forget(newRes.PathInSandbox)
	return nil
}

// Link creates a hard link to oldPath at newPath. Link creation is
// policy-gated: enforcing instances deny it unless AllowHardlink is set.
func (s *Sandbox) Link(oldPath, newPath string) error {
	if s.opts.ReadOnly {
		return s.fail("link", newPath, types.ErrReadOnly)
	}
	if !s.opts.Unsafe && !s.opts.AllowHardlink {
		return s.fail("link", newPath, types.ErrSafeMode)
	}
	oldRes, err := s.resolver.Resolve(oldPath)
	if err != nil {
		return s.fail("link", oldPath, err)
	}
	newRes, err := s.resolver.Resolve(newPath)
	if err != nil {
		return s.fail("link", newPath, err)
	}
	if oldRes.SandboxBasePath != newRes.SandboxBasePath {
		return s.fail("link", newPath, types.ErrCrossDevice)
	}
	err = s.do(oldRes.SandboxBasePath, func(b backend.Backend) error {
		return b.Link(oldRes.Rel(), newRes.Rel())
	})
	if err != nil {
		return s.fail("link", newPath, err)
	}
	return nil
}

// Symlink stores target verbatim as the content of a new link at linkPath.
// Creation is policy-gated; whether the target stays inside the sandbox is
// enforced when the link is followed, not when it is written.
func (s *Sandbox) Symlink(target, linkPath string) error {
	if s.opts.ReadOnly {
		return s.fail("symlink", linkPath, types.ErrReadOnly)
	}
	if !s.opts.Unsafe && !s.opts.AllowSymlink {
		return s.fail("symlink", linkPath, types.ErrSafeMode)
	}
	res, err := s.resolver.Resolve(linkPath)
	if err != nil {
		return s.fail("symlink", linkPath, err)
	}
	err = s.do(res.SandboxBasePath, func(b backend.Backend) error {
		return b.Symlink(target, res.Rel())
	})
	if err != nil {
		return s.fail("symlink", linkPath, err)
	}
	return nil
}

// Readlink returns the stored target of a symlink, verbatim.
func (s *Sandbox) Readlink(path string) (string, error) {
	res, err := s.resolver.Resolve(path)
	if err != nil {
		return "", s.fail("readlink", path, err)
	}
	target, err := dispatch(s, res.SandboxBasePath, func(b backend.Backend) (string, error) {
		return b.Readlink(res.Rel())
	})
	if err != nil {
		return "", s.fail("readlink", path, err)
	}
	return target, nil
}

// Realpath canonicalizes path against the on-disk state and returns it in
// caller form: the alias the request used is reconstructed, and the physical
// mount layout never shows.
func (s *Sandbox) Realpath(path string) (string, error) {
	res, err := s.resolver.Resolve(path)
	if err != nil {
		return "", s.fail("realpath", path, err)
	}
	abs, err := s.realAbs(res)
	if err != nil {
		return "", s.fail("realpath", path, err)
	}
	out, err := s.resolver.CallerPath(abs, res)
	if err != nil {
		return "", s.fail("realpath", path, types.ErrOutsideSandbox)
	}
	return out, nil
}

// Readdir lists a directory. Verbose listings carry metadata and a Path
// field in the same form the caller addressed the directory with, alias
// included; plain listings carry names and types only.
func (s *Sandbox) Readdir(path string, opts types.ReaddirOptions) ([]types.DirEntry, error) {
	res, err := s.resolver.Resolve(path)
	if err != nil {
		return nil, s.fail("readdir", path, err)
	}
	entries, err := dispatch(s, res.SandboxBasePath, func(b backend.Backend) ([]types.DirEntry, error) {
		return b.ReadDir(res.Rel())
	})
	if err != nil {
		return nil, s.fail("readdir", path, err)
	}
	if !opts.Verbose {
		for i := range entries {
			entries[i] = types.DirEntry{Name: entries[i].Name, IsDir: entries[i].IsDir}
		}
		return entries, nil
	}
	for i := range entries {
		entries[i].Path = pathpkg.Join(path, entries[i].Name)
	}
	return entries, nil
}

// Stat returns metadata for path, following a final symlink.
func (s *Sandbox) Stat(path string) (types.FileInfo, error) {
	res, err := s.resolver.Resolve(path)
	if err != nil {
		return types.FileInfo{}, s.fail("stat", path, err)
	}
	info, err := s.statRes(res)
	if err != nil {
		return types.FileInfo{}, s.fail("stat", path, err)
	}
	return info, nil
}

// Lstat returns metadata for path itself, never following a final symlink.
func (s *Sandbox) Lstat(path string) (types.FileInfo, error) {
	res, err := s.resolver.Resolve(path)
	if err != nil {
		return types.FileInfo{}, s.fail("lstat", path, err)
	}
	info, err := s.lstatRes(res)
	if err != nil {
		return types.FileInfo{}, s.fail("lstat", path, err)
	}
	return info, nil
}

// Chmod changes the permission bits of path.
func (s *Sandbox) Chmod(path string, mode fs.FileMode) error {
	res, err := s.resolveMut(path)
	if err != nil {
		return s.fail("chmod", path, err)
	}
	err = s.do(res.SandboxBasePath, func(b backend.Backend) error {
		return b.Chmod(res.Rel(), mode)
	})
	if err != nil {
		return s.fail("chmod", path, err)
	}
	return nil
}

// Utimes sets the access and modification times of path.
func (s *Sandbox) Utimes(path string, atime, mtime time.Time) error {
	res, err := s.resolveMut(path)
	if err != nil {
		return s.fail("utimes", path, err)
	}
	err = s.do(res.SandboxBasePath, func(b backend.Backend) error {
		return b.Utimes(res.Rel(), atime, mtime)
	})
	if err != nil {
		return s.fail("utimes", path, err)
	}
	return nil
}

// Exists reports whether path names an existing entry. A final symlink
// counts as existing even when its target does not.
func (s *Sandbox) Exists(path string) (bool, error) {
	res, err := s.resolver.Resolve(path)
	if err != nil {
		return false, s.fail("exists", path, err)
	}
	_, err = s.lstatRes(res)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, s.fail("exists", path, err)
	}
}
