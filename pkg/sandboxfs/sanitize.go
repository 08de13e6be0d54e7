package sandboxfs

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ajaxzhan/sandboxfs/internal/logging"
	"github.com/ajaxzhan/sandboxfs/pkg/types"
)

// fail normalizes err for the caller: absolute host paths embedded anywhere
// in the error are rewritten to their sandbox form, security denials are
// logged, and the result carries the path exactly as the caller spelled it.
func (s *Sandbox) fail(op, callerPath string, err error) error {
	if err == nil {
		return nil
	}
	err = s.scrub(err)
	if types.IsSecurityDenial(err) {
		logging.Warn("sandbox denial",
			logging.String("op", op),
			logging.String("path", callerPath),
			logging.Err(err),
		)
	}
	return &types.OpError{Op: op, Path: callerPath, Err: err}
}

// scrub rewrites the path fields of wrapped PathError and LinkError values.
// The rewrite is in place: the same instance sits in the wrap chain, so the
// sanitized form shows everywhere the error renders.
func (s *Sandbox) scrub(err error) error {
	var pe *fs.PathError
	if errors.As(err, &pe) {
		pe.Path = s.display(pe.Path)
	}
	var le *os.LinkError
	if errors.As(err, &le) {
		le.Old = s.display(le.Old)
		le.New = s.display(le.New)
	}
	return err
}

// display maps an absolute host path to its caller-visible form. A path that
// maps to no mount root keeps only its final element.
func (s *Sandbox) display(p string) string {
	if p == "" || !filepath.IsAbs(p) {
		return p
	}
	if rel, err := s.resolver.Relative(p); err == nil {
		return rel
	}
	return filepath.Base(p)
}

// scrubText strips mount-root prefixes from free-form message text, such as
// subprocess stderr.
func (s *Sandbox) scrubText(msg string) string {
	for _, root := range s.roots() {
		msg = strings.ReplaceAll(msg, root+"/", "")
		msg = strings.ReplaceAll(msg, root, ".")
	}
	return msg
}

// roots lists the configured mount roots, longest first so nested roots are
// rewritten before their parents.
func (s *Sandbox) roots() []string {
	roots := []string{s.opts.Root}
	if s.opts.RootfsRoot != "" {
		roots = append(roots, s.opts.RootfsRoot)
	}
	if s.opts.ScratchRoot != "" {
		roots = append(roots, s.opts.ScratchRoot)
	}
	sort.Slice(roots, func(i, j int) bool { return len(roots[i]) > len(roots[j]) })
	return roots
}
