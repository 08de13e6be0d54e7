package compress

import (
	"bytes"
	"crypto/rand"
	"strings"
	"testing"
)

func TestCompressDecompress_RoundTrip(t *testing.T) {
	text := []byte(strings.Repeat("sandboxfs keeps every path inside the root. ", 200))

	tests := []struct {
		name string
		tag  Tag
	}{
		{"zstd", Zstd},
		{"lz4", LZ4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			compressed, err := Compress(text, tt.tag)
			if err != nil {
				t.Fatalf("Compress() error: %v", err)
			}
			if len(compressed) >= len(text) {
				t.Errorf("compressed size %d not smaller than input %d", len(compressed), len(text))
			}

			got, err := Decompress(compressed, tt.tag, len(text))
			if err != nil {
				t.Fatalf("Decompress() error: %v", err)
			}
			if !bytes.Equal(got, text) {
				t.Error("round trip did not reproduce input")
			}
		})
	}
}

func TestCompress_Incompressible(t *testing.T) {
	noise := make([]byte, 4096)
	if _, err := rand.Read(noise); err != nil {
		t.Fatalf("failed to generate noise: %v", err)
	}

	if _, err := Compress(noise, LZ4); err == nil {
		t.Error("expected incompressible error for random data under lz4")
	}
}

func TestDecompress_SizeMismatch(t *testing.T) {
	text := []byte(strings.Repeat("abcdef ", 500))
	compressed, err := Compress(text, Zstd)
	if err != nil {
		t.Fatalf("Compress() error: %v", err)
	}

	if _, err := Decompress(compressed, Zstd, len(text)-1); err == nil {
		t.Error("expected size mismatch error")
	}
}

func TestNone_PassThrough(t *testing.T) {
	data := []byte("tiny")

	out, err := Compress(data, None)
	if err != nil {
		t.Fatalf("Compress(None) error: %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Error("None should return input unchanged")
	}

	back, err := Decompress(out, None, len(data))
	if err != nil {
		t.Fatalf("Decompress(None) error: %v", err)
	}
	if !bytes.Equal(back, data) {
		t.Error("None decompress should return input unchanged")
	}

	if _, err := Decompress(out, None, len(data)+3); err == nil {
		t.Error("None decompress with wrong size should fail")
	}
}

func TestAuto_Selection(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		expected Tag
	}{
		{"empty", nil, None},
		{"repetitive text", []byte(strings.Repeat("watch add change unlink ", 400)), Zstd},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, tag := Auto(tt.data)
			if tag != tt.expected {
				t.Errorf("Auto() picked %s, want %s", tag, tt.expected)
			}

			got, err := Decompress(payload, tag, len(tt.data))
			if err != nil {
				t.Fatalf("Decompress() error: %v", err)
			}
			if !bytes.Equal(got, tt.data) {
				t.Error("Auto round trip did not reproduce input")
			}
		})
	}
}

func TestAuto_RandomDataStaysRaw(t *testing.T) {
	noise := make([]byte, 2048)
	if _, err := rand.Read(noise); err != nil {
		t.Fatalf("failed to generate noise: %v", err)
	}

	payload, tag := Auto(noise)
	if tag != None {
		t.Errorf("Auto() picked %s for random data, want none", tag)
	}
	if !bytes.Equal(payload, noise) {
		t.Error("None payload should be the input itself")
	}
}

func TestTagString(t *testing.T) {
	tests := []struct {
		tag      Tag
		expected string
	}{
		{None, "none"},
		{LZ4, "lz4"},
		{Zstd, "zstd"},
		{Tag(9), "unknown(9)"},
	}

	for _, tt := range tests {
		if got := tt.tag.String(); got != tt.expected {
			t.Errorf("Tag(%d).String() = %q, want %q", tt.tag, got, tt.expected)
		}
	}
}
