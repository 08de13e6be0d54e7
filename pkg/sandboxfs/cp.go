package sandboxfs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/ajaxzhan/sandboxfs/internal/backend"
	"github.com/ajaxzhan/sandboxfs/internal/resolve"
	"github.com/ajaxzhan/sandboxfs/pkg/types"
)

// Cp copies one or more sources to dst with cp(1) semantics: a single source
// may target a new name, multiple sources require an existing directory
// destination, directories need Recursive. With Reflink the copy is
// delegated to the system cp utility for copy-on-write cloning; every
// endpoint is canonicalized and containment-checked before the subprocess
// sees it.
func (s *Sandbox) Cp(ctx context.Context, srcs []string, dst string, opts types.CpOptions) error {
	if s.opts.ReadOnly {
		return s.fail("cp", dst, types.ErrReadOnly)
	}
	if len(srcs) == 0 {
		return s.fail("cp", dst, fmt.Errorf("no sources: %w", fs.ErrInvalid))
	}
	dstRes, err := s.resolver.Resolve(dst)
	if err != nil {
		return s.fail("cp", dst, err)
	}
	if opts.Reflink {
		if err := s.cpExec(ctx, srcs, dstRes, opts); err != nil {
			return s.fail("cp", dst, err)
		}
		return nil
	}

	dstInfo, derr := s.statRes(dstRes)
	dstIsDir := derr == nil && dstInfo.IsDir
	if len(srcs) > 1 && !dstIsDir {
		return s.fail("cp", dst, &fs.PathError{Op: "cp", Path: dst, Err: unix.ENOTDIR})
	}
	for _, src := range srcs {
		if err := ctx.Err(); err != nil {
			return s.fail("cp", src, err)
		}
		srcRes, err := s.resolver.Resolve(src)
		if err != nil {
			return s.fail("cp", src, err)
		}
		target := dstRes
		if dstIsDir {
			target = childRes(dstRes, filepath.Base(srcRes.PathInSandbox))
		}
		if err := s.copyOne(srcRes, target, opts.Recursive); err != nil {
			return s.fail("cp", src, err)
		}
	}
	return nil
}

// copyOne copies a single entry: files stream through the backends, symlinks
// are duplicated verbatim, directories recurse.
func (s *Sandbox) copyOne(src, dst resolve.Resolved, recursive bool) error {
	info, err := s.lstatRes(src)
	if err != nil {
		return err
	}
	switch {
	case info.Mode&fs.ModeSymlink != 0:
		target, err := dispatch(s, src.SandboxBasePath, func(b backend.Backend) (string, error) {
			return b.Readlink(src.Rel())
		})
		if err != nil {
			return err
		}
		return s.do(dst.SandboxBasePath, func(b backend.Backend) error {
			return b.Symlink(target, dst.Rel())
		})
	case info.IsDir:
		if !recursive {
			return &fs.PathError{Op: "cp", Path: src.Rel(), Err: unix.EISDIR}
		}
		return s.copyTree(src, dst, info.Mode.Perm())
	default:
		return s.copyContent(src, dst)
	}
}

func (s *Sandbox) copyTree(src, dst resolve.Resolved, mode fs.FileMode) error {
	if mode == 0 {
		mode = 0o755
	}
	err := s.do(dst.SandboxBasePath, func(b backend.Backend) error {
		return b.Mkdir(dst.Rel(), mode)
	})
	if err != nil && !errors.Is(err, fs.ErrExist) {
		return err
	}
	entries, err := dispatch(s, src.SandboxBasePath, func(b backend.Backend) ([]types.DirEntry, error) {
		return b.ReadDir(src.Rel())
	})
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := s.copyOne(childRes(src, e.Name), childRes(dst, e.Name), true); err != nil {
			return err
		}
	}
	return nil
}

// cpExec runs the system cp with --reflink=auto. Source symlinks are never
// followed by the subprocess, and each endpoint has already been resolved to
// a containment-checked canonical path, so the command line carries no name
// an attacker can re-point.
func (s *Sandbox) cpExec(ctx context.Context, srcs []string, dstRes resolve.Resolved, opts types.CpOptions) error {
	args := []string{"--reflink=auto", "--no-dereference"}
	if opts.Recursive {
		args = append(args, "-r")
	}
	args = append(args, "--")
	for _, src := range srcs {
		res, err := s.resolver.Resolve(src)
		if err != nil {
			return err
		}
		abs, err := s.realAbs(res)
		if err != nil {
			return err
		}
		args = append(args, abs)
	}
	dstAbs, err := s.realAbsTarget(dstRes)
	if err != nil {
		return err
	}
	args = append(args, dstAbs)

	out, err := exec.CommandContext(ctx, "cp", args...).CombinedOutput()
	if err != nil {
		if msg := strings.TrimSpace(string(out)); msg != "" {
			return fmt.Errorf("cp: %s", s.scrubText(msg))
		}
		return err
	}
	return nil
}

// childRes names an entry directly under a resolved directory.
func childRes(res resolve.Resolved, name string) resolve.Resolved {
	out := res
	out.PathInSandbox = res.PathInSandbox + "/" + name
	return out
}
