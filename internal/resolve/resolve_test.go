package resolve

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ajaxzhan/sandboxfs/pkg/types"
)

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name    string
		root    string
		rootfs  string
		scratch string
		wantErr bool
	}{
		{"valid", "/tmp/s", "", "", false},
		{"all roots", "/tmp/s", "/tmp/rootfs", "/tmp/scratch", false},
		{"empty root", "", "", "", true},
		{"relative root", "tmp/s", "", "", true},
		{"relative rootfs", "/tmp/s", "rootfs", "", true},
		{"relative scratch", "/tmp/s", "", "scratch", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.root, tt.rootfs, tt.scratch)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestResolve_PrimaryRouting(t *testing.T) {
	root := t.TempDir()
	r, err := New(root, "", "")
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	tests := []struct {
		name string
		path string
		want Resolved
	}{
		{
			name: "relative",
			path: "a/b.txt",
			want: Resolved{PathInSandbox: filepath.Join(root, "a/b.txt"), SandboxBasePath: root},
		},
		{
			name: "dot",
			path: ".",
			want: Resolved{PathInSandbox: root, SandboxBasePath: root},
		},
		{
			name: "dotdot clamps to root",
			path: "..",
			want: Resolved{PathInSandbox: root, SandboxBasePath: root},
		},
		{
			name: "dotdot ladder clamps",
			path: "../../../etc/passwd",
			want: Resolved{PathInSandbox: filepath.Join(root, "etc/passwd"), SandboxBasePath: root},
		},
		{
			name: "embedded dotdot normalizes",
			path: "a/../b/./c",
			want: Resolved{PathInSandbox: filepath.Join(root, "b/c"), SandboxBasePath: root},
		},
		{
			name: "home alias",
			path: "/root/docs/x.md",
			want: Resolved{PathInSandbox: filepath.Join(root, "docs/x.md"), SandboxBasePath: root, IsHomeAlias: true},
		},
		{
			name: "home alias root itself",
			path: "/root",
			want: Resolved{PathInSandbox: root, SandboxBasePath: root, IsHomeAlias: true},
		},
		{
			name: "home alias with dotdot clamps",
			path: "/root/../../etc",
			want: Resolved{PathInSandbox: filepath.Join(root, "etc"), SandboxBasePath: root, IsHomeAlias: true},
		},
		{
			name: "absolute without rootfs is primary-relative",
			path: "/etc/passwd",
			want: Resolved{PathInSandbox: filepath.Join(root, "etc/passwd"), SandboxBasePath: root},
		},
		{
			name: "home alias prefix requires separator",
			path: "/rootfoo",
			want: Resolved{PathInSandbox: filepath.Join(root, "rootfoo"), SandboxBasePath: root},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve(tt.path)
			if err != nil {
				t.Fatalf("Resolve(%q) error: %v", tt.path, err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Resolve(%q) mismatch (-want +got):\n%s", tt.path, diff)
			}
		})
	}
}

func TestResolve_NullByte(t *testing.T) {
	r, err := New(t.TempDir(), "", "")
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if _, err := r.Resolve("a\x00b"); err == nil {
		t.Error("expected error for path with null byte")
	}
}

func TestResolve_ScratchAlias(t *testing.T) {
	root := t.TempDir()

	t.Run("unconfigured", func(t *testing.T) {
		r, err := New(root, "", "")
		if err != nil {
			t.Fatalf("New() error: %v", err)
		}
		_, err = r.Resolve("/scratch/tmp.txt")
		if !errors.Is(err, types.ErrScratchUnavailable) {
			t.Errorf("Resolve() error = %v, want ErrScratchUnavailable", err)
		}
	})

	t.Run("configured but not mounted", func(t *testing.T) {
		missing := filepath.Join(t.TempDir(), "scratch")
		r, err := New(root, "", missing)
		if err != nil {
			t.Fatalf("New() error: %v", err)
		}
		_, err = r.Resolve("/scratch/tmp.txt")
		if !errors.Is(err, types.ErrScratchUnavailable) {
			t.Errorf("Resolve() error = %v, want ErrScratchUnavailable", err)
		}
		// The unmounted host path must not leak into the message.
		if err != nil && strings.Contains(err.Error(), missing) {
			t.Errorf("error %q leaks the host scratch path", err)
		}
	})

	t.Run("mounted", func(t *testing.T) {
		scratch := t.TempDir()
		r, err := New(root, "", scratch)
		if err != nil {
			t.Fatalf("New() error: %v", err)
		}
		got, err := r.Resolve("/scratch/tmp.txt")
		if err != nil {
			t.Fatalf("Resolve() error: %v", err)
		}
		want := Resolved{
			PathInSandbox:   filepath.Join(scratch, "tmp.txt"),
			SandboxBasePath: scratch,
			IsScratchAlias:  true,
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("Resolve() mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestResolve_RootfsRouting(t *testing.T) {
	root := t.TempDir()
	base := t.TempDir()
	rootfs := filepath.Join(base, "rootfs")

	r, err := New(root, rootfs, "")
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	// Before the rootfs directory exists, absolute paths go to primary.
	got, err := r.Resolve("/usr/bin/env")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if got.SandboxBasePath != root {
		t.Errorf("before mount: base = %s, want primary %s", got.SandboxBasePath, root)
	}

	// Relative and home-alias paths stay on primary regardless.
	if err := os.Mkdir(rootfs, 0755); err != nil {
		t.Fatalf("failed to create rootfs dir: %v", err)
	}

	got, err = r.Resolve("/usr/bin/env")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if got.SandboxBasePath != rootfs {
		t.Errorf("after mount: base = %s, want rootfs %s", got.SandboxBasePath, rootfs)
	}
	if got.PathInSandbox != filepath.Join(rootfs, "usr/bin/env") {
		t.Errorf("after mount: path = %s", got.PathInSandbox)
	}

	for _, p := range []string{"rel.txt", "/root/rel.txt"} {
		got, err := r.Resolve(p)
		if err != nil {
			t.Fatalf("Resolve(%q) error: %v", p, err)
		}
		if got.SandboxBasePath != root {
			t.Errorf("Resolve(%q) base = %s, want primary", p, got.SandboxBasePath)
		}
	}

	// Once observed mounted, the decision sticks even if the directory
	// vanishes mid-session.
	if err := os.RemoveAll(rootfs); err != nil {
		t.Fatalf("failed to remove rootfs dir: %v", err)
	}
	got, err = r.Resolve("/usr/bin/env")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if got.SandboxBasePath != rootfs {
		t.Errorf("after unmount: base = %s, want sticky rootfs %s", got.SandboxBasePath, rootfs)
	}
}

func TestResolved_Rel(t *testing.T) {
	root := t.TempDir()
	r, err := New(root, "", "")
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	tests := []struct {
		path string
		want string
	}{
		{".", "."},
		{"a", "a"},
		{"a/b/c.txt", "a/b/c.txt"},
		{"/root", "."},
	}

	for _, tt := range tests {
		res, err := r.Resolve(tt.path)
		if err != nil {
			t.Fatalf("Resolve(%q) error: %v", tt.path, err)
		}
		if got := res.Rel(); got != tt.want {
			t.Errorf("Rel(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestRelative(t *testing.T) {
	root := t.TempDir()
	rootfs := t.TempDir()
	scratch := t.TempDir()

	r, err := New(root, rootfs, scratch)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	tests := []struct {
		name string
		abs  string
		want string
	}{
		{"primary file", filepath.Join(root, "a/b.txt"), "a/b.txt"},
		{"primary root", root, "."},
		{"scratch file", filepath.Join(scratch, "t.txt"), "/scratch/t.txt"},
		{"scratch root", scratch, "/scratch"},
		{"rootfs file", filepath.Join(rootfs, "usr/lib"), "/usr/lib"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Relative(tt.abs)
			if err != nil {
				t.Fatalf("Relative(%q) error: %v", tt.abs, err)
			}
			if got != tt.want {
				t.Errorf("Relative(%q) = %q, want %q", tt.abs, got, tt.want)
			}
		})
	}

	if _, err := r.Relative("/definitely/elsewhere"); err == nil {
		t.Error("Relative() outside every root should fail")
	}
}

func TestCallerPath(t *testing.T) {
	root := t.TempDir()
	scratch := t.TempDir()
	r, err := New(root, "", scratch)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	tests := []struct {
		name    string
		request string
		real    string
		want    string
	}{
		{"relative stays relative", "a/b.txt", filepath.Join(root, "a/real.txt"), "a/real.txt"},
		{"home alias reconstructed", "/root/a/b.txt", filepath.Join(root, "a/b.txt"), "/root/a/b.txt"},
		{"home alias root", "/root", root, "/root"},
		{"scratch reconstructed", "/scratch/x", filepath.Join(scratch, "x"), "/scratch/x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := r.Resolve(tt.request)
			if err != nil {
				t.Fatalf("Resolve(%q) error: %v", tt.request, err)
			}
			got, err := r.CallerPath(tt.real, res)
			if err != nil {
				t.Fatalf("CallerPath() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("CallerPath() = %q, want %q", got, tt.want)
			}
		})
	}
}
