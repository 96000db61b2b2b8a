package merkle

import (
	"crypto/sha256"
	"math/bits"
)

// TreeHashSize is the size in bytes of a tree root or node hash.
const TreeHashSize = sha256.Size

var (
	leafPrefix  = []byte{0}
	innerPrefix = []byte{1}

	// EmptyRoot is the root of the empty tree: all zero bytes. Both
	// replicas commit to it before any leaf is inserted.
	EmptyRoot = make([]byte, TreeHashSize)
)

// HashFromByteSlices computes a merkle tree where the leaves are the byte
// slices, in the provided order. Leaf and inner nodes are domain-separated
// so a leaf can never be reinterpreted as an inner node.
func HashFromByteSlices(items [][]byte) []byte {
	switch len(items) {
	case 0:
		return EmptyRoot
	case 1:
		return leafHash(items[0])
	default:
		k := getSplitPoint(int64(len(items)))
		left := HashFromByteSlices(items[:k])
		right := HashFromByteSlices(items[k:])
		return innerHash(left, right)
	}
}

// getSplitPoint returns the largest power of 2 less than length.
func getSplitPoint(length int64) int64 {
	if length < 1 {
		panic("trying to split a tree with size < 1")
	}
	uLength := uint(length)
	bitlen := bits.Len(uLength)
	k := int64(1 << uint(bitlen-1))
	if k == length {
		k >>= 1
	}
	return k
}

// returns sha256(0x00 || leaf)
func leafHash(leaf []byte) []byte {
	h := sha256.New()
	h.Write(leafPrefix)
	h.Write(leaf)
	return h.Sum(nil)
}

// returns sha256(0x01 || left || right)
func innerHash(left []byte, right []byte) []byte {
	h := sha256.New()
	h.Write(innerPrefix)
	h.Write(left)
	h.Write(right)
	return h.Sum(nil)
}
