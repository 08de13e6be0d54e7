package diskcache

import (
	"testing"
	"time"
)

func TestRecordAndLast(t *testing.T) {
	c := New(16, 1<<20, time.Minute)

	if _, ok := c.Last("/w/a.txt"); ok {
		t.Error("Last on empty cache = ok")
	}
	c.RecordWrite("/w/a.txt", []byte("version one"))
	got, ok := c.Last("/w/a.txt")
	if !ok || string(got) != "version one" {
		t.Errorf("Last = %q, %v", got, ok)
	}

	c.RecordWrite("/w/a.txt", []byte("version two"))
	got, _ = c.Last("/w/a.txt")
	if string(got) != "version two" {
		t.Errorf("Last after rewrite = %q", got)
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}
}

func TestLastReturnsCopy(t *testing.T) {
	c := New(16, 1<<20, time.Minute)
	c.RecordWrite("/w/a.txt", []byte("original"))

	got, _ := c.Last("/w/a.txt")
	got[0] = 'X'
	again, _ := c.Last("/w/a.txt")
	if string(again) != "original" {
		t.Errorf("cache content mutated through returned slice: %q", again)
	}
}

func TestEvictionByEntries(t *testing.T) {
	c := New(2, 1<<20, time.Minute)
	c.RecordWrite("/w/a", []byte("aa"))
	c.RecordWrite("/w/b", []byte("bb"))
	c.RecordWrite("/w/c", []byte("cc"))

	if _, ok := c.Last("/w/a"); ok {
		t.Error("oldest entry survived eviction")
	}
	if _, ok := c.Last("/w/b"); !ok {
		t.Error("entry b evicted early")
	}
	if _, ok := c.Last("/w/c"); !ok {
		t.Error("entry c evicted early")
	}

	// The dedup set must keep answering for evicted content.
	if !c.IsSelfWrite("/w/a", []byte("aa")) {
		t.Error("IsSelfWrite = false for evicted but recent write")
	}
}

func TestEvictionByBytes(t *testing.T) {
	c := New(100, 10, time.Minute)
	c.RecordWrite("/w/a", []byte("12345678")) // 8 bytes
	c.RecordWrite("/w/b", []byte("1234"))     // over budget together

	if _, ok := c.Last("/w/a"); ok {
		t.Error("byte budget not enforced")
	}
	if _, ok := c.Last("/w/b"); !ok {
		t.Error("newest entry evicted")
	}
}

func TestOversizedContentSkipsLRU(t *testing.T) {
	c := New(16, 4, time.Minute)
	big := []byte("way too large for the cache")
	c.RecordWrite("/w/big", big)

	if _, ok := c.Last("/w/big"); ok {
		t.Error("oversized content stored in LRU")
	}
	if !c.IsSelfWrite("/w/big", big) {
		t.Error("oversized content missing from dedup set")
	}
}

func TestIsSelfWrite(t *testing.T) {
	c := New(16, 1<<20, time.Minute)
	c.RecordWrite("/w/a.txt", []byte("mine"))

	if !c.IsSelfWrite("/w/a.txt", []byte("mine")) {
		t.Error("IsSelfWrite = false for own write")
	}
	if c.IsSelfWrite("/w/a.txt", []byte("theirs")) {
		t.Error("IsSelfWrite = true for foreign content")
	}
	if c.IsSelfWrite("/w/other.txt", []byte("mine")) {
		t.Error("IsSelfWrite = true for wrong path")
	}
}

func TestDedupTTLExpires(t *testing.T) {
	c := New(1, 1<<20, 30*time.Millisecond)
	c.RecordWrite("/w/a", []byte("aa"))
	c.RecordWrite("/w/b", []byte("bb")) // evicts a from the LRU

	if !c.IsSelfWrite("/w/a", []byte("aa")) {
		t.Fatal("dedup miss before ttl")
	}
	time.Sleep(60 * time.Millisecond)
	if c.IsSelfWrite("/w/a", []byte("aa")) {
		t.Error("dedup hit after ttl expiry")
	}
}

func TestForget(t *testing.T) {
	c := New(16, 1<<20, time.Minute)
	c.RecordWrite("/w/a.txt", []byte("data"))
	c.Forget("/w/a.txt")
	if _, ok := c.Last("/w/a.txt"); ok {
		t.Error("Forget left the entry behind")
	}
}
