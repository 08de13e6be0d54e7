// Package fingerprint computes content fingerprints for conditional writes
// and write-echo deduplication. Fingerprints are 32-byte BLAKE3 digests,
// formatted as 64-character hex strings.
package fingerprint

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// Digest is a 32-byte BLAKE3 digest of file content.
type Digest [32]byte

// Sum computes the digest of data.
func Sum(data []byte) Digest {
	return blake3.Sum256(data)
}

// File computes the digest of the file at path, streaming the content so
// large files do not need to fit in memory.
func File(path string) (Digest, error) {
	var digest Digest

	f, err := os.Open(path)
	if err != nil {
		return digest, err
	}
	defer f.Close()

	hasher := blake3.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return digest, fmt.Errorf("hashing %s: %w", path, err)
	}

	copy(digest[:], hasher.Sum(nil))
	return digest, nil
}

// String returns the canonical hex form of the digest.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// IsZero reports whether the digest is the zero value.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// Parse parses a 64-character hex string into a Digest.
func Parse(s string) (Digest, error) {
	var digest Digest
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return digest, fmt.Errorf("parsing fingerprint: %w", err)
	}
	if len(decoded) != len(digest) {
		return digest, fmt.Errorf("fingerprint is %d bytes, want %d", len(decoded), len(digest))
	}
	copy(digest[:], decoded)
	return digest, nil
}
