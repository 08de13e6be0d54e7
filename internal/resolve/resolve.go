// Package resolve maps caller-supplied paths to on-disk locations under the
// configured mount roots. Resolution is lexical: the output is guaranteed
// not to escape its mount root by construction, while on-disk symlink
// escapes are the backends' concern.
package resolve

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ajaxzhan/sandboxfs/pkg/types"
)

// Resolved is the outcome of resolving one caller path. Computed per call,
// never stored.
//
// Invariant: PathInSandbox equals SandboxBasePath or is a descendant of it.
type Resolved struct {
	// PathInSandbox is the absolute on-disk path.
	PathInSandbox string
	// SandboxBasePath is the mount root PathInSandbox resolved under.
	SandboxBasePath string
	// IsHomeAlias and IsScratchAlias report which reserved alias, if
	// any, the caller path used. Needed to reconstruct alias-style
	// paths in responses.
	IsHomeAlias    bool
	IsScratchAlias bool
}

// Rel returns the path relative to the mount root, or "." for the root
// itself. This is the form the descriptor-anchored backend operates on.
func (r Resolved) Rel() string {
	if r.PathInSandbox == r.SandboxBasePath {
		return "."
	}
	return strings.TrimPrefix(r.PathInSandbox, r.SandboxBasePath+"/")
}

// Resolver routes caller paths to the primary, rootfs and scratch mount
// roots. It holds the only mutable resolver state: the optimistic
// mounted-or-not observation per alternate root.
type Resolver struct {
	root        string
	rootfsRoot  string
	scratchRoot string

	mu             sync.Mutex
	rootfsMounted  bool
	scratchMounted bool
}

// New creates a Resolver. root is required and must be absolute; the
// alternate roots are optional.
func New(root, rootfsRoot, scratchRoot string) (*Resolver, error) {
	if root == "" {
		return nil, fmt.Errorf("resolver: primary root is required")
	}
	if !filepath.IsAbs(root) {
		return nil, fmt.Errorf("resolver: primary root %q is not absolute", root)
	}
	if rootfsRoot != "" && !filepath.IsAbs(rootfsRoot) {
		return nil, fmt.Errorf("resolver: rootfs root %q is not absolute", rootfsRoot)
	}
	if scratchRoot != "" && !filepath.IsAbs(scratchRoot) {
		return nil, fmt.Errorf("resolver: scratch root %q is not absolute", scratchRoot)
	}

	r := &Resolver{root: filepath.Clean(root)}
	if rootfsRoot != "" {
		r.rootfsRoot = filepath.Clean(rootfsRoot)
	}
	if scratchRoot != "" {
		r.scratchRoot = filepath.Clean(scratchRoot)
	}
	return r, nil
}

// Root returns the primary mount root.
func (r *Resolver) Root() string {
	return r.root
}

// Resolve maps a caller path to its on-disk location.
//
// Relative paths and paths under the home alias always resolve against the
// primary root, even when a rootfs root is active. Paths under the scratch
// alias resolve against the scratch root or fail when it is absent. Any
// other absolute path resolves against the rootfs root once that root has
// been observed mounted, and against the primary root otherwise.
func (r *Resolver) Resolve(path string) (Resolved, error) {
	if strings.IndexByte(path, 0) >= 0 {
		return Resolved{}, fmt.Errorf("invalid path: %w", fs.ErrInvalid)
	}

	switch {
	case !filepath.IsAbs(path):
		return r.under(r.root, path, false, false), nil

	case path == types.HomeAlias || strings.HasPrefix(path, types.HomeAlias+"/"):
		return r.under(r.root, strings.TrimPrefix(path, types.HomeAlias), true, false), nil

	case path == types.ScratchAlias || strings.HasPrefix(path, types.ScratchAlias+"/"):
		if r.scratchRoot == "" || !r.observedMounted(r.scratchRoot, &r.scratchMounted) {
			return Resolved{}, types.ErrScratchUnavailable
		}
		return r.under(r.scratchRoot, strings.TrimPrefix(path, types.ScratchAlias), false, true), nil

	default:
		if r.rootfsRoot != "" && r.observedMounted(r.rootfsRoot, &r.rootfsMounted) {
			return r.under(r.rootfsRoot, path, false, false), nil
		}
		// No rootfs: absolute paths are treated as primary-relative.
		return r.under(r.root, path, false, false), nil
	}
}

// under joins rel onto base with the leading-slash clamp: cleaning the
// relative part as a rooted path first means ".." sequences can never
// climb above base.
func (r *Resolver) under(base, rel string, home, scratch bool) Resolved {
	clamped := filepath.Clean("/" + rel)
	abs := base
	if clamped != "/" {
		abs = base + clamped
	}
	return Resolved{
		PathInSandbox:   abs,
		SandboxBasePath: base,
		IsHomeAlias:     home,
		IsScratchAlias:  scratch,
	}
}

// observedMounted reports whether the alternate root has been seen as a
// mounted directory. The observation is one os.Stat and is remembered for
// the life of the instance: once mounted, never re-probed. A vanished
// mount after the first observation is intentionally not detected.
func (r *Resolver) observedMounted(root string, flag *bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if *flag {
		return true
	}
	if st, err := os.Stat(root); err == nil && st.IsDir() {
		*flag = true
	}
	return *flag
}

// Relative maps an absolute on-disk path back to the caller-visible form:
// scratch paths get the scratch alias, rootfs paths their plain absolute
// form, primary paths are sandbox-relative. Used to sanitize errors and
// listings. Fails when abs lies outside every configured root.
func (r *Resolver) Relative(abs string) (string, error) {
	abs = filepath.Clean(abs)

	if r.scratchRoot != "" {
		if rel, ok := trimRoot(abs, r.scratchRoot); ok {
			if rel == "" {
				return types.ScratchAlias, nil
			}
			return types.ScratchAlias + "/" + rel, nil
		}
	}
	if r.rootfsRoot != "" {
		if rel, ok := trimRoot(abs, r.rootfsRoot); ok {
			return "/" + rel, nil
		}
	}
	if rel, ok := trimRoot(abs, r.root); ok {
		if rel == "" {
			return ".", nil
		}
		return rel, nil
	}
	return "", fmt.Errorf("path %q is not under any mount root", abs)
}

// CallerPath reconstructs the response form of an absolute on-disk path,
// honoring the alias the original request used. realAbs must lie under
// res.SandboxBasePath.
func (r *Resolver) CallerPath(realAbs string, res Resolved) (string, error) {
	rel, ok := trimRoot(filepath.Clean(realAbs), res.SandboxBasePath)
	if !ok {
		return "", fmt.Errorf("path %q escaped its mount root", realAbs)
	}
	switch {
	case res.IsHomeAlias:
		if rel == "" {
			return types.HomeAlias, nil
		}
		return types.HomeAlias + "/" + rel, nil
	case res.IsScratchAlias:
		if rel == "" {
			return types.ScratchAlias, nil
		}
		return types.ScratchAlias + "/" + rel, nil
	case res.SandboxBasePath == r.rootfsRoot && r.rootfsRoot != "":
		return "/" + rel, nil
	default:
		if rel == "" {
			return ".", nil
		}
		return rel, nil
	}
}

// trimRoot returns abs relative to root ("" for root itself) and whether
// abs is root or a descendant of it.
func trimRoot(abs, root string) (string, bool) {
	if abs == root {
		return "", true
	}
	if strings.HasPrefix(abs, root+"/") {
		return abs[len(root)+1:], true
	}
	return "", false
}
