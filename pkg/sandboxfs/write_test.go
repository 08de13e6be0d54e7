package sandboxfs

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ajaxzhan/sandboxfs/internal/patch"
	"github.com/ajaxzhan/sandboxfs/pkg/types"
)

func encodePatch(t *testing.T, base, target string) []byte {
	t.Helper()
	pay, err := patch.Diff([]byte(base), []byte(target)).Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return pay
}

func TestConditionalWrite(t *testing.T) {
	s := newTestSandbox(t, types.Options{})
	if err := s.WriteFile("target.txt", []byte("v1")); err != nil {
		t.Fatal(err)
	}
	pay := encodePatch(t, "v1", "v2")

	if err := s.WriteFilePatch("target.txt", pay); err != nil {
		t.Fatalf("WriteFilePatch: %v", err)
	}
	got, err := s.ReadFile("target.txt")
	if err != nil || string(got) != "v2" {
		t.Fatalf("content after patch = %q, %v", got, err)
	}

	// Replaying the same patch must fail: the base moved on.
	err = s.WriteFilePatch("target.txt", pay)
	if !errors.Is(err, types.ErrVersionMismatch) {
		t.Fatalf("replay err = %v, want ErrVersionMismatch", err)
	}
	got, err = s.ReadFile("target.txt")
	if err != nil || string(got) != "v2" {
		t.Errorf("content after refused replay = %q, %v", got, err)
	}
}

func TestConditionalWriteMissingFile(t *testing.T) {
	s := newTestSandbox(t, types.Options{})

	err := s.WriteFilePatch("nope.txt", encodePatch(t, "", "content"))
	if !errors.Is(err, types.ErrVersionMismatch) {
		t.Fatalf("err = %v, want ErrVersionMismatch", err)
	}
	if ok, _ := s.Exists("nope.txt"); ok {
		t.Error("patch against a missing file created it")
	}
}

func TestConditionalWriteMalformedPayload(t *testing.T) {
	s := newTestSandbox(t, types.Options{})
	if err := s.WriteFile("t.txt", []byte("v1")); err != nil {
		t.Fatal(err)
	}

	err := s.WriteFilePatch("t.txt", []byte("garbage"))
	if !errors.Is(err, types.ErrPatchFailed) {
		t.Fatalf("err = %v, want ErrPatchFailed", err)
	}
	got, err := s.ReadFile("t.txt")
	if err != nil || string(got) != "v1" {
		t.Errorf("content after failed patch = %q, %v, want untouched", got, err)
	}
}

func TestWriteFileDelta(t *testing.T) {
	s := newTestSandbox(t, types.Options{})
	if err := s.WriteFile("doc.txt", []byte("version one")); err != nil {
		t.Fatal(err)
	}

	if err := s.WriteFileDelta("doc.txt", []byte("version two")); err != nil {
		t.Fatalf("WriteFileDelta: %v", err)
	}
	got, err := s.ReadFile("doc.txt")
	if err != nil || string(got) != "version two" {
		t.Fatalf("content after delta = %q, %v", got, err)
	}

	// An external edit invalidates the cached baseline; the delta write
	// falls back to a full write instead of failing.
	if err := os.WriteFile(filepath.Join(s.Root(), "doc.txt"), []byte("external"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := s.WriteFileDelta("doc.txt", []byte("version three")); err != nil {
		t.Fatalf("WriteFileDelta after external edit: %v", err)
	}
	got, err = s.ReadFile("doc.txt")
	if err != nil || string(got) != "version three" {
		t.Errorf("content after fallback = %q, %v", got, err)
	}
}

func TestWriteFileDeltaOversizedGoesFull(t *testing.T) {
	s := newTestSandbox(t, types.Options{DeltaMaxBytes: 8})
	if err := s.WriteFile("d.txt", []byte("12345")); err != nil {
		t.Fatal(err)
	}

	big := []byte("this payload exceeds the delta cap")
	if err := s.WriteFileDelta("d.txt", big); err != nil {
		t.Fatalf("WriteFileDelta over the cap: %v", err)
	}
	got, err := s.ReadFile("d.txt")
	if err != nil || string(got) != string(big) {
		t.Errorf("content = %q, %v", got, err)
	}
}

func TestAppendFile(t *testing.T) {
	s := newTestSandbox(t, types.Options{})

	if err := s.AppendFile("log.txt", []byte("one\n")); err != nil {
		t.Fatalf("AppendFile to missing file: %v", err)
	}
	if err := s.AppendFile("log.txt", []byte("two\n")); err != nil {
		t.Fatalf("AppendFile: %v", err)
	}
	got, err := s.ReadFile("log.txt")
	if err != nil || string(got) != "one\ntwo\n" {
		t.Errorf("content = %q, %v", got, err)
	}
}

func TestCopyFilePreservesContentAndMode(t *testing.T) {
	s := newTestSandbox(t, types.Options{})
	if err := s.WriteFile("src.txt", []byte("payload")); err != nil {
		t.Fatal(err)
	}
	if err := s.Chmod("src.txt", 0o700); err != nil {
		t.Fatal(err)
	}

	if err := s.CopyFile("src.txt", "dst.txt"); err != nil {
		t.Fatalf("CopyFile: %v", err)
	}
	got, err := s.ReadFile("dst.txt")
	if err != nil || string(got) != "payload" {
		t.Errorf("copy content = %q, %v", got, err)
	}
	info, err := os.Stat(filepath.Join(s.Root(), "dst.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o700 {
		t.Errorf("copy mode = %v, want %v", perm, os.FileMode(0o700))
	}
}
