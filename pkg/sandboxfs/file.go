package sandboxfs

import (
	"errors"
	"io"
	"io/fs"
	"os"

	"github.com/ajaxzhan/sandboxfs/internal/backend"
	"github.com/ajaxzhan/sandboxfs/internal/fingerprint"
	"github.com/ajaxzhan/sandboxfs/internal/patch"
	"github.com/ajaxzhan/sandboxfs/internal/resolve"
	"github.com/ajaxzhan/sandboxfs/pkg/types"
)

// ReadFile returns the full content of path. A path held by the read-lock
// registry fails immediately with the locked error instead of blocking.
func (s *Sandbox) ReadFile(path string) ([]byte, error) {
	res, err := s.resolver.Resolve(path)
	if err != nil {
		return nil, s.fail("read", path, err)
	}
	if s.locks.Locked(res.PathInSandbox) {
		return nil, s.fail("read", path, types.ErrLocked)
	}
	data, err := s.readAll(res)
	if err != nil {
		return nil, s.fail("read", path, err)
	}
	return data, nil
}

// Open returns a verified descriptor for path. Flags follow os.OpenFile.
// The descriptor is anchored or identity-checked before it is returned, so
// offset reads and writes through it cannot follow a later path swap. Write
// access honors the read-only gate; read access honors read locks.
func (s *Sandbox) Open(path string, flags int, mode fs.FileMode) (*os.File, error) {
	const writeBits = os.O_WRONLY | os.O_RDWR | os.O_APPEND | os.O_CREATE | os.O_TRUNC
	var (
		res resolve.Resolved
		err error
	)
	if flags&writeBits != 0 {
		res, err = s.resolveMut(path)
	} else {
		res, err = s.resolver.Resolve(path)
	}
	if err != nil {
		return nil, s.fail("open", path, err)
	}
	if flags&writeBits == 0 && s.locks.Locked(res.PathInSandbox) {
		return nil, s.fail("open", path, types.ErrLocked)
	}
	f, err := dispatch(s, res.SandboxBasePath, func(b backend.Backend) (*os.File, error) {
		if flags&writeBits == 0 {
			return b.OpenRead(res.Rel())
		}
		return b.OpenWrite(res.Rel(), flags, mode)
	})
	if err != nil {
		return nil, s.fail("open", path, err)
	}
	if flags&writeBits != 0 {
		// Whatever lands through the handle, the cached baseline is gone.
		s.cache.Forget(res.PathInSandbox)
	}
	return f, nil
}

// WriteFile writes data as the complete new content of path, creating the
// file when absent.
func (s *Sandbox) WriteFile(path string, data []byte) error {
	res, err := s.resolveMut(path)
	if err != nil {
		return s.fail("write", path, err)
	}
	if err := s.writeAll(res, data); err != nil {
		return s.fail("write", path, err)
	}
	return nil
}

// WriteFilePatch applies an encoded conditional patch: the file is rewritten
// only when its current content matches the patch's base fingerprint, and a
// mismatch leaves it byte-for-byte untouched. A missing file is the mismatch
// case, never an implicit create.
func (s *Sandbox) WriteFilePatch(path string, payload []byte) error {
	res, err := s.resolveMut(path)
	if err != nil {
		return s.fail("write", path, err)
	}
	p, err := patch.Decode(payload)
	if err != nil {
		return s.fail("write", path, err)
	}
	if err := s.applyConditional(res, p); err != nil {
		return s.fail("write", path, err)
	}
	return nil
}

// WriteFileDelta writes data, routing through the conditional-patch path
// when a baseline of the previous content is cached and the payload is small
// enough. A stale baseline falls back to a plain write, so the file always
// ends up holding data.
func (s *Sandbox) WriteFileDelta(path string, data []byte) error {
	res, err := s.resolveMut(path)
	if err != nil {
		return s.fail("write", path, err)
	}
	if base, ok := s.cache.Last(res.PathInSandbox); ok && len(data) <= s.opts.DeltaMaxBytes {
		err := s.applyConditional(res, patch.Diff(base, data))
		if err == nil {
			return nil
		}
		if !errors.Is(err, types.ErrVersionMismatch) && !errors.Is(err, types.ErrPatchFailed) {
			return s.fail("write", path, err)
		}
		// The on-disk content moved since the baseline was cached.
	}
	if err := s.writeAll(res, data); err != nil {
		return s.fail("write", path, err)
	}
	return nil
}

func (s *Sandbox) applyConditional(res resolve.Resolved, p *patch.Patch) error {
	cur, err := s.readAll(res)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return types.ErrVersionMismatch
		}
		return err
	}
	if fingerprint.Sum(cur) != p.BaseSum {
		return types.ErrVersionMismatch
	}
	next, err := p.Apply(cur)
	if err != nil {
		return err
	}
	return s.writeAll(res, next)
}

// AppendFile appends data to path, creating the file when absent.
func (s *Sandbox) AppendFile(path string, data []byte) error {
	res, err := s.resolveMut(path)
	if err != nil {
		return s.fail("append", path, err)
	}
	err = s.do(res.SandboxBasePath, func(b backend.Backend) error {
		f, err := b.OpenWrite(res.Rel(), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		_, werr := f.Write(data)
		if cerr := f.Close(); werr == nil {
			werr = cerr
		}
		return werr
	})
	if err != nil {
		return s.fail("append", path, err)
	}
	// The cached baseline no longer matches the on-disk content.
	s.cache.Forget(res.PathInSandbox)
	return nil
}

// CopyFile copies one file's content. Both endpoints are resolved and
// enforced, so a symlink escape on either side denies the whole operation.
func (s *Sandbox) CopyFile(src, dst string) error {
	if s.opts.ReadOnly {
		return s.fail("copy", dst, types.ErrReadOnly)
	}
	srcRes, err := s.resolver.Resolve(src)
	if err != nil {
		return s.fail("copy", src, err)
	}
	dstRes, err := s.resolver.Resolve(dst)
	if err != nil {
		return s.fail("copy", dst, err)
	}
	if err := s.copyContent(srcRes, dstRes); err != nil {
		return s.fail("copy", src, err)
	}
	return nil
}

// copyContent streams one file between two resolved paths. Same-root copies
// stay inside a single backend; cross-root copies pair a read on one root
// with a write on the other.
func (s *Sandbox) copyContent(src, dst resolve.Resolved) error {
	defer s.cache.Forget(dst.PathInSandbox)
	if src.SandboxBasePath == dst.SandboxBasePath {
		return s.do(src.SandboxBasePath, func(b backend.Backend) error {
			return b.CopyFile(src.Rel(), dst.Rel())
		})
	}

	srcF, err := dispatch(s, src.SandboxBasePath, func(b backend.Backend) (*os.File, error) {
		return b.OpenRead(src.Rel())
	})
	if err != nil {
		return err
	}
	defer srcF.Close()

	dstF, err := dispatch(s, dst.SandboxBasePath, func(b backend.Backend) (*os.File, error) {
		return b.OpenWrite(dst.Rel(), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	})
	if err != nil {
		return err
	}
	if _, err := io.Copy(dstF, srcF); err != nil {
		dstF.Close()
		return err
	}
	// Mode preservation is best effort and never fails the copy.
	if st, err := srcF.Stat(); err == nil {
		_ = dstF.Chmod(st.Mode().Perm())
	}
	return dstF.Close()
}

// Truncate changes the size of path.
func (s *Sandbox) Truncate(path string, size int64) error {
	res, err := s.resolveMut(path)
	if err != nil {
		return s.fail("truncate", path, err)
	}
	err = s.do(res.SandboxBasePath, func(b backend.Backend) error {
		return b.Truncate(res.Rel(), size)
	})
	if err != nil {
		return s.fail("truncate", path, err)
	}
	s.cache.Forget(res.PathInSandbox)
	return nil
}
