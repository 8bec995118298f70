// Package ssz implements the subset of Simple Serialize (SSZ) needed to give
// constraint messages a canonical encoding and hash tree root. The root is
// the object the remote signer signs, so the rules here must match the
// consensus-layer SSZ spec exactly.
package ssz

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
)

// BytesPerChunk is the merkleization leaf width.
const BytesPerChunk = 32

// BytesPerLengthOffset is the width of offsets to variable-size parts in a
// serialized container (little-endian uint32).
const BytesPerLengthOffset = 4

var ErrListTooLong = errors.New("ssz: list exceeds maximum length")

// maxTreeDepth bounds the zero-hash cache. 2^40 chunks is far beyond any
// constraint list this sidecar can hold.
const maxTreeDepth = 40

var zeroHashes [maxTreeDepth + 1][32]byte

func init() {
	for i := 1; i <= maxTreeDepth; i++ {
		zeroHashes[i] = hashPair(zeroHashes[i-1], zeroHashes[i-1])
	}
}

func hashPair(left, right [32]byte) [32]byte {
	var buf [64]byte
	copy(buf[:32], left[:])
	copy(buf[32:], right[:])
	return sha256.Sum256(buf[:])
}

// Pack splits serialized bytes into 32-byte chunks, zero-padding the tail.
// Empty input yields no chunks; padding to the type's chunk limit is the
// merkleization step's concern.
func Pack(serialized []byte) [][32]byte {
	n := (len(serialized) + BytesPerChunk - 1) / BytesPerChunk
	chunks := make([][32]byte, n)
	for i := 0; i < n; i++ {
		start := i * BytesPerChunk
		end := start + BytesPerChunk
		if end > len(serialized) {
			end = len(serialized)
		}
		copy(chunks[i][:], serialized[start:end])
	}
	return chunks
}

// Merkleize computes the root of the binary tree over chunks, virtually
// padded with zero chunks up to limit leaves. A limit of zero means "exactly
// the given chunks", which is the rule for vectors and containers.
func Merkleize(chunks [][32]byte, limit uint64) ([32]byte, error) {
	count := uint64(len(chunks))
	if limit == 0 {
		limit = count
	}
	if count > limit {
		return [32]byte{}, fmt.Errorf("ssz: %d chunks exceed limit %d: %w", count, limit, ErrListTooLong)
	}

	depth := 0
	for uint64(1)<<uint(depth) < limit {
		depth++
	}
	if depth > maxTreeDepth {
		return [32]byte{}, fmt.Errorf("ssz: tree depth %d exceeds maximum %d", depth, maxTreeDepth)
	}
	if count == 0 {
		return zeroHashes[depth], nil
	}

	layer := make([][32]byte, len(chunks))
	copy(layer, chunks)
	for level := 0; level < depth; level++ {
		if len(layer)%2 == 1 {
			layer = append(layer, zeroHashes[level])
		}
		next := layer[:len(layer)/2]
		for i := 0; i < len(layer)/2; i++ {
			next[i] = hashPair(layer[2*i], layer[2*i+1])
		}
		layer = next
	}
	return layer[0], nil
}

// MixInLength binds a list's element count into its root.
func MixInLength(root [32]byte, length uint64) [32]byte {
	var lengthChunk [32]byte
	binary.LittleEndian.PutUint64(lengthChunk[:8], length)
	return hashPair(root, lengthChunk)
}

// Uint64Root returns the hash tree root of a uint64 basic value.
func Uint64Root(v uint64) [32]byte {
	var chunk [32]byte
	binary.LittleEndian.PutUint64(chunk[:8], v)
	return chunk
}

// BoolRoot returns the hash tree root of a boolean basic value.
func BoolRoot(b bool) [32]byte {
	var chunk [32]byte
	if b {
		chunk[0] = 1
	}
	return chunk
}

// ByteVectorRoot returns the root of a fixed-length byte vector.
func ByteVectorRoot(b []byte) ([32]byte, error) {
	chunks := Pack(b)
	return Merkleize(chunks, uint64(len(chunks)))
}

// ByteListRoot returns the root of a variable-length byte list with the given
// maximum byte length.
func ByteListRoot(b []byte, maxBytes uint64) ([32]byte, error) {
	if uint64(len(b)) > maxBytes {
		return [32]byte{}, fmt.Errorf("ssz: byte list of %d bytes exceeds maximum %d: %w", len(b), maxBytes, ErrListTooLong)
	}
	limit := (maxBytes + BytesPerChunk - 1) / BytesPerChunk
	root, err := Merkleize(Pack(b), limit)
	if err != nil {
		return [32]byte{}, err
	}
	return MixInLength(root, uint64(len(b))), nil
}

// ListRoot returns the root of a list of composite elements, given the roots
// of the elements and the list's maximum element count.
func ListRoot(elementRoots [][32]byte, maxElements uint64) ([32]byte, error) {
	if uint64(len(elementRoots)) > maxElements {
		return [32]byte{}, fmt.Errorf("ssz: list of %d elements exceeds maximum %d: %w", len(elementRoots), maxElements, ErrListTooLong)
	}
	root, err := Merkleize(elementRoots, maxElements)
	if err != nil {
		return [32]byte{}, err
	}
	return MixInLength(root, uint64(len(elementRoots))), nil
}

// ContainerRoot returns the root of a container from its field roots, in
// field declaration order.
func ContainerRoot(fieldRoots ...[32]byte) ([32]byte, error) {
	return Merkleize(fieldRoots, uint64(len(fieldRoots)))
}

// AppendUint64 appends the little-endian serialization of v.
func AppendUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

// AppendBool appends the single-byte serialization of b.
func AppendBool(buf []byte, v bool) []byte {
	if v {
		return append(buf, 1)
	}
	return append(buf, 0)
}

// AppendOffset appends a 4-byte little-endian offset to a variable part.
func AppendOffset(buf []byte, offset uint64) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(offset))
	return append(buf, b[:]...)
}
