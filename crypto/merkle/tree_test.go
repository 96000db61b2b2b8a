package merkle

import (
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestHashFromByteSlicesEmpty(t *testing.T) {
	assert.Equal(t, EmptyRoot, HashFromByteSlices(nil))
	assert.Equal(t, EmptyRoot, HashFromByteSlices([][]byte{}))
}

func TestHashFromByteSlicesSingle(t *testing.T) {
	leaf := []byte("only")
	want := sha256.Sum256(append([]byte{0}, leaf...))
	assert.Equal(t, want[:], HashFromByteSlices([][]byte{leaf}))
}

func TestHashFromByteSlicesDomainSeparated(t *testing.T) {
	// A two-leaf tree is not the hash of the concatenation.
	left, right := []byte("l"), []byte("r")
	root := HashFromByteSlices([][]byte{left, right})

	concat := sha256.Sum256(append(append([]byte{}, left...), right...))
	assert.NotEqual(t, concat[:], root)
	assert.Len(t, root, TreeHashSize)
}

func TestGetSplitPoint(t *testing.T) {
	for _, tc := range []struct {
		length int64
		want   int64
	}{
		{1, 0},
		{2, 1},
		{3, 2},
		{4, 2},
		{5, 4},
		{10, 8},
		{20, 16},
		{100, 64},
		{255, 128},
		{256, 128},
		{257, 256},
	} {
		assert.EqualValues(t, tc.want, getSplitPoint(tc.length), "length %d", tc.length)
	}
}

func TestProofsFromByteSlices(t *testing.T) {
	items := [][]byte{[]byte("a"), []byte("b"), []byte("c"), []byte("d"), []byte("e")}
	root, proofs := ProofsFromByteSlices(items)
	require.Len(t, proofs, len(items))
	assert.Equal(t, root, HashFromByteSlices(items))

	for i, item := range items {
		require.NoError(t, proofs[i].Verify(root, item), "item %d", i)
		// Wrong leaf fails.
		require.Error(t, proofs[i].Verify(root, []byte("x")))
		// Wrong index fails.
		other := *proofs[i]
		other.Index = (other.Index + 1) % int64(len(items))
		require.Error(t, other.Verify(root, item))
	}
}

func TestProofsRapid(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 64).Draw(rt, "n").(int)
		items := make([][]byte, n)
		for i := range items {
			items[i] = []byte{byte(i), byte(n)}
		}
		root, proofs := ProofsFromByteSlices(items)
		require.Equal(rt, root, HashFromByteSlices(items))
		for i := range items {
			require.NoError(rt, proofs[i].Verify(root, items[i]))
		}
	})
}
