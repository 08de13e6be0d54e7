// Package patch implements the diff/apply pair used by conditional writes
// and watch-event deltas. A patch carries fingerprints of both the base and
// the target content, so application is self-checking: a patch either
// reproduces the exact target bytes or fails without partial effect.
//
// The delta itself is a prefix/suffix trim: the bytes shared at the front
// and back of base and target are elided and only the replaced middle
// window travels, compressed. Callers treat Diff and Apply as opaque.
package patch

import (
	"encoding/binary"
	"fmt"

	"github.com/ajaxzhan/sandboxfs/internal/compress"
	"github.com/ajaxzhan/sandboxfs/internal/fingerprint"
	"github.com/ajaxzhan/sandboxfs/pkg/types"
)

// Patch is a decoded conditional-write payload.
type Patch struct {
	BaseSum   fingerprint.Digest
	TargetSum fingerprint.Digest
	BaseLen   int
	TargetLen int
	Prefix    int
	Suffix    int
	Codec     compress.Tag
	Payload   []byte
}

const (
	envelopeVersion = 1

	// version + codec + 5 uint32 fields + two 32-byte digests.
	headerLen = 2 + 5*4 + 2*32

	// Encoded lengths are uint32. Conditional writes are meant for
	// editor-sized files, so this is not a practical limit.
	maxLen = int(^uint32(0))
)

// Diff computes the patch that transforms base into target.
func Diff(base, target []byte) *Patch {
	prefix := commonPrefix(base, target)

	// The suffix must not overlap the prefix on either side.
	suffix := commonSuffix(base[prefix:], target[prefix:])

	middle := target[prefix : len(target)-suffix]
	payload, codec := compress.Auto(middle)

	return &Patch{
		BaseSum:   fingerprint.Sum(base),
		TargetSum: fingerprint.Sum(target),
		BaseLen:   len(base),
		TargetLen: len(target),
		Prefix:    prefix,
		Suffix:    suffix,
		Codec:     codec,
		Payload:   payload,
	}
}

// Apply transforms base into the target content. It fails with
// types.ErrPatchFailed when base does not match the patch's recorded base
// or when the reconstruction does not reproduce the recorded target
// fingerprint. base is never modified.
func (p *Patch) Apply(base []byte) ([]byte, error) {
	if len(base) != p.BaseLen || fingerprint.Sum(base) != p.BaseSum {
		return nil, fmt.Errorf("%w: base content does not match patch base", types.ErrPatchFailed)
	}
	if p.Prefix < 0 || p.Suffix < 0 || p.Prefix+p.Suffix > p.BaseLen || p.Prefix+p.Suffix > p.TargetLen {
		return nil, fmt.Errorf("%w: inconsistent window bounds", types.ErrPatchFailed)
	}

	middleLen := p.TargetLen - p.Prefix - p.Suffix
	middle, err := compress.Decompress(p.Payload, p.Codec, middleLen)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrPatchFailed, err)
	}

	result := make([]byte, 0, p.TargetLen)
	result = append(result, base[:p.Prefix]...)
	result = append(result, middle...)
	result = append(result, base[len(base)-p.Suffix:]...)

	if fingerprint.Sum(result) != p.TargetSum {
		return nil, fmt.Errorf("%w: result does not match target fingerprint", types.ErrPatchFailed)
	}
	return result, nil
}

// Encode serializes the patch. The layout is a fixed big-endian header
// followed by the payload bytes.
func (p *Patch) Encode() ([]byte, error) {
	if p.BaseLen > maxLen || p.TargetLen > maxLen || len(p.Payload) > maxLen {
		return nil, fmt.Errorf("patch too large to encode")
	}

	buf := make([]byte, headerLen+len(p.Payload))
	buf[0] = envelopeVersion
	buf[1] = byte(p.Codec)
	binary.BigEndian.PutUint32(buf[2:], uint32(p.BaseLen))
	binary.BigEndian.PutUint32(buf[6:], uint32(p.TargetLen))
	binary.BigEndian.PutUint32(buf[10:], uint32(p.Prefix))
	binary.BigEndian.PutUint32(buf[14:], uint32(p.Suffix))
	binary.BigEndian.PutUint32(buf[18:], uint32(len(p.Payload)))
	copy(buf[22:], p.BaseSum[:])
	copy(buf[54:], p.TargetSum[:])
	copy(buf[headerLen:], p.Payload)
	return buf, nil
}

// Decode parses an encoded patch. Malformed input fails with
// types.ErrPatchFailed so callers surface one consistent error kind for
// payloads that cannot be applied.
func Decode(data []byte) (*Patch, error) {
	if len(data) < headerLen {
		return nil, fmt.Errorf("%w: payload shorter than header", types.ErrPatchFailed)
	}
	if data[0] != envelopeVersion {
		return nil, fmt.Errorf("%w: unsupported patch version %d", types.ErrPatchFailed, data[0])
	}

	p := &Patch{
		Codec:     compress.Tag(data[1]),
		BaseLen:   int(binary.BigEndian.Uint32(data[2:])),
		TargetLen: int(binary.BigEndian.Uint32(data[6:])),
		Prefix:    int(binary.BigEndian.Uint32(data[10:])),
		Suffix:    int(binary.BigEndian.Uint32(data[14:])),
	}
	payloadLen := int(binary.BigEndian.Uint32(data[18:]))
	copy(p.BaseSum[:], data[22:54])
	copy(p.TargetSum[:], data[54:headerLen])

	if len(data) != headerLen+payloadLen {
		return nil, fmt.Errorf("%w: payload length %d does not match header %d",
			types.ErrPatchFailed, len(data)-headerLen, payloadLen)
	}
	p.Payload = data[headerLen:]
	return p, nil
}

func commonPrefix(a, b []byte) int {
	n := min(len(a), len(b))
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

func commonSuffix(a, b []byte) int {
	n := min(len(a), len(b))
	i := 0
	for i < n && a[len(a)-1-i] == b[len(b)-1-i] {
		i++
	}
	return i
}
