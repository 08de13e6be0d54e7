package sandboxfs

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ajaxzhan/sandboxfs/pkg/types"
)

func newTestSandbox(t *testing.T, opts types.Options) *Sandbox {
	t.Helper()
	if opts.Root == "" {
		opts.Root = t.TempDir()
	}
	s, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewValidatesRoot(t *testing.T) {
	if _, err := New(types.Options{}); err == nil {
		t.Error("empty root accepted")
	}
	if _, err := New(types.Options{Root: "relative/root"}); err == nil {
		t.Error("relative root accepted")
	}
	if _, err := New(types.Options{Root: filepath.Join(t.TempDir(), "nope")}); err == nil {
		t.Error("missing root accepted")
	}
	f := filepath.Join(t.TempDir(), "plain.txt")
	if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := New(types.Options{Root: f}); err == nil {
		t.Error("non-directory root accepted")
	}
}

func TestWriteReadTruncate(t *testing.T) {
	s := newTestSandbox(t, types.Options{})

	if err := s.WriteFile("a.txt", []byte("hello")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	got, err := s.ReadFile("a.txt")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("content = %q, want %q", got, "hello")
	}

	if err := s.Truncate("a.txt", 4); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	got, err = s.ReadFile("a.txt")
	if err != nil {
		t.Fatalf("ReadFile after truncate: %v", err)
	}
	if string(got) != "hell" {
		t.Errorf("content after truncate = %q, want %q", got, "hell")
	}
}

func TestDotDotClampedToRoot(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "box")
	if err := os.Mkdir(root, 0o755); err != nil {
		t.Fatal(err)
	}
	s := newTestSandbox(t, types.Options{Root: root})

	variants := []string{
		"../../escape0.txt",
		"a/../../../escape1.txt",
		"/../escape2.txt",
		"/x/../../escape3.txt",
	}
	for i, v := range variants {
		if err := s.WriteFile(v, []byte("clamped")); err != nil {
			t.Fatalf("WriteFile(%q): %v", v, err)
		}
		name := "escape" + string(rune('0'+i)) + ".txt"
		if _, err := os.Stat(filepath.Join(root, name)); err != nil {
			t.Errorf("%q did not land inside the root: %v", v, err)
		}
	}

	entries, err := os.ReadDir(parent)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "box" {
		t.Errorf("parent of root gained entries: %v", entries)
	}
}

// An existing symlink pointing outside the root must deny every operation
// that would follow it, single- and multi-path alike, and must leave the
// outside target untouched.
func TestEscapeSymlinkDenied(t *testing.T) {
	outsideDir := t.TempDir()
	outside := filepath.Join(outsideDir, "secret.txt")
	if err := os.WriteFile(outside, []byte("secret"), 0o644); err != nil {
		t.Fatal(err)
	}
	root := t.TempDir()
	if err := os.Symlink(outside, filepath.Join(root, "escape")); err != nil {
		t.Fatal(err)
	}
	s := newTestSandbox(t, types.Options{Root: root})
	if err := s.WriteFile("safe.txt", []byte("safe")); err != nil {
		t.Fatal(err)
	}

	ops := []struct {
		name string
		run  func() error
	}{
		{"read", func() error { _, err := s.ReadFile("escape"); return err }},
		{"write", func() error { return s.WriteFile("escape", []byte("x")) }},
		{"unlink", func() error { return s.Rm("escape", types.RmOptions{}) }},
		{"rename", func() error { return s.Rename("escape", "x") }},
		{"copy src", func() error { return s.CopyFile("escape", "c.txt") }},
		{"copy dst", func() error { return s.CopyFile("safe.txt", "escape") }},
		{"truncate", func() error { return s.Truncate("escape", 0) }},
		{"chmod", func() error { return s.Chmod("escape", 0o600) }},
	}
	for _, op := range ops {
		t.Run(op.name, func(t *testing.T) {
			err := op.run()
			if !errors.Is(err, types.ErrOutsideSandbox) {
				t.Fatalf("err = %v, want ErrOutsideSandbox", err)
			}
			if !strings.Contains(err.Error(), "outside of sandbox") {
				t.Errorf("message %q missing the contract phrase", err)
			}
			if strings.Contains(err.Error(), outsideDir) {
				t.Errorf("message %q leaks the host path", err)
			}
		})
	}

	if _, err := os.Lstat(filepath.Join(root, "escape")); err != nil {
		t.Errorf("escape link disturbed: %v", err)
	}
	data, err := os.ReadFile(outside)
	if err != nil || string(data) != "secret" {
		t.Errorf("outside file disturbed: %q, %v", data, err)
	}
}

func TestReadOnlyRejectsMutators(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "f.txt"), []byte("keep"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(root, "d"), 0o755); err != nil {
		t.Fatal(err)
	}
	s := newTestSandbox(t, types.Options{Root: root, ReadOnly: true})

	mutators := []struct {
		name string
		run  func() error
	}{
		{"write", func() error { return s.WriteFile("f.txt", []byte("x")) }},
		{"writePatch", func() error { return s.WriteFilePatch("f.txt", []byte("junk")) }},
		{"writeDelta", func() error { return s.WriteFileDelta("f.txt", []byte("x")) }},
		{"append", func() error { return s.AppendFile("f.txt", []byte("x")) }},
		{"copy", func() error { return s.CopyFile("f.txt", "g.txt") }},
		{"cp", func() error {
			return s.Cp(context.Background(), []string{"f.txt"}, "g.txt", types.CpOptions{})
		}},
		{"mkdir", func() error { return s.Mkdir("nd", types.MkdirOptions{}) }},
		{"rm", func() error { return s.Rm("f.txt", types.RmOptions{}) }},
		{"rmdir", func() error { return s.Rmdir("d") }},
		{"rename", func() error { return s.Rename("f.txt", "g.txt") }},
		{"move", func() error { return s.Move("f.txt", "g.txt", types.MoveOptions{Overwrite: true}) }},
		{"link", func() error { return s.Link("f.txt", "g.txt") }},
		{"symlink", func() error { return s.Symlink("f.txt", "g.txt") }},
		{"chmod", func() error { return s.Chmod("f.txt", 0o600) }},
		{"truncate", func() error { return s.Truncate("f.txt", 1) }},
		{"utimes", func() error { return s.Utimes("f.txt", time.Now(), time.Now()) }},
	}
	for _, m := range mutators {
		t.Run(m.name, func(t *testing.T) {
			err := m.run()
			if !errors.Is(err, types.ErrReadOnly) {
				t.Fatalf("err = %v, want ErrReadOnly", err)
			}
			if !strings.Contains(err.Error(), "permission denied -- read only filesystem") {
				t.Errorf("message %q missing the contract phrase", err)
			}
		})
	}

	// Reads still work and nothing on disk moved.
	got, err := s.ReadFile("f.txt")
	if err != nil || string(got) != "keep" {
		t.Errorf("ReadFile on read-only instance = %q, %v", got, err)
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Errorf("root changed under a read-only instance: %v", entries)
	}
}

func TestLinkPolicy(t *testing.T) {
	t.Run("denied by default", func(t *testing.T) {
		s := newTestSandbox(t, types.Options{})
		if err := s.WriteFile("a.txt", []byte("x")); err != nil {
			t.Fatal(err)
		}
		for _, tc := range []struct {
			name string
			run  func() error
		}{
			{"symlink", func() error { return s.Symlink("a.txt", "ln") }},
			{"link", func() error { return s.Link("a.txt", "hl") }},
		} {
			err := tc.run()
			if !errors.Is(err, types.ErrSafeMode) {
				t.Fatalf("%s: err = %v, want ErrSafeMode", tc.name, err)
			}
			if !strings.Contains(err.Error(), "operation not permitted in safe mode") {
				t.Errorf("%s: message %q missing the contract phrase", tc.name, err)
			}
		}
		for _, name := range []string{"ln", "hl"} {
			if ok, _ := s.Exists(name); ok {
				t.Errorf("%s created despite policy denial", name)
			}
		}
	})

	t.Run("enabled by flags", func(t *testing.T) {
		s := newTestSandbox(t, types.Options{AllowSymlink: true, AllowHardlink: true})
		if err := s.WriteFile("a.txt", []byte("x")); err != nil {
			t.Fatal(err)
		}
		if err := s.Symlink("a.txt", "ln"); err != nil {
			t.Fatalf("Symlink: %v", err)
		}
		target, err := s.Readlink("ln")
		if err != nil || target != "a.txt" {
			t.Errorf("Readlink = %q, %v, want %q", target, err, "a.txt")
		}
		if err := s.Link("a.txt", "hl"); err != nil {
			t.Fatalf("Link: %v", err)
		}
		got, err := s.ReadFile("hl")
		if err != nil || string(got) != "x" {
			t.Errorf("hard link content = %q, %v", got, err)
		}
	})

	t.Run("unsafe bypass", func(t *testing.T) {
		s := newTestSandbox(t, types.Options{Unsafe: true})
		if err := s.WriteFile("a.txt", []byte("x")); err != nil {
			t.Fatal(err)
		}
		if err := s.Symlink("a.txt", "ln"); err != nil {
			t.Errorf("Symlink in unsafe mode: %v", err)
		}
		if err := s.Link("a.txt", "hl"); err != nil {
			t.Errorf("Link in unsafe mode: %v", err)
		}
	})
}

func TestUnsafeModeTrustsEscapes(t *testing.T) {
	outside := filepath.Join(t.TempDir(), "out.txt")
	if err := os.WriteFile(outside, []byte("visible"), 0o644); err != nil {
		t.Fatal(err)
	}
	root := t.TempDir()
	if err := os.Symlink(outside, filepath.Join(root, "escape")); err != nil {
		t.Fatal(err)
	}
	s := newTestSandbox(t, types.Options{Root: root, Unsafe: true})

	got, err := s.ReadFile("escape")
	if err != nil || string(got) != "visible" {
		t.Errorf("trusted read through escape = %q, %v", got, err)
	}
	if err := s.WriteFile("escape", []byte("updated")); err != nil {
		t.Fatalf("trusted write through escape: %v", err)
	}
	data, _ := os.ReadFile(outside)
	if string(data) != "updated" {
		t.Errorf("outside file = %q, want %q", data, "updated")
	}
}

func TestErrorsCarrySanitizedPaths(t *testing.T) {
	modes := []struct {
		name    string
		disable bool
	}{
		{"anchored", false},
		{"fallback", true},
	}
	for _, m := range modes {
		t.Run(m.name, func(t *testing.T) {
			if m.disable {
				t.Setenv(types.DisableAnchoredEnv, "1")
			}
			root := t.TempDir()
			s := newTestSandbox(t, types.Options{Root: root})

			_, err := s.ReadFile("missing/deep.txt")
			if err == nil {
				t.Fatal("expected an error for a missing path")
			}
			if !errors.Is(err, fs.ErrNotExist) {
				t.Errorf("err = %v, want ErrNotExist passthrough", err)
			}
			if strings.Contains(err.Error(), root) {
				t.Errorf("error %q leaks the mount root", err)
			}
			var oe *types.OpError
			if !errors.As(err, &oe) {
				t.Fatalf("error %T does not wrap an OpError", err)
			}
			if oe.Path != "missing/deep.txt" {
				t.Errorf("OpError.Path = %q, want the caller path", oe.Path)
			}
			if oe.Op != "read" {
				t.Errorf("OpError.Op = %q, want %q", oe.Op, "read")
			}
		})
	}
}
