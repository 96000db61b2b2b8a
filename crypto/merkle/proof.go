package merkle

import (
	"bytes"
	"errors"
	"fmt"
)

// Proof represents a merkle proof of inclusion of a leaf at a given index.
type Proof struct {
	Total    int64    `json:"total"`     // number of leaves in the tree
	Index    int64    `json:"index"`     // index of the proved leaf
	LeafHash []byte   `json:"leaf_hash"` // hash of the leaf
	Aunts    [][]byte `json:"aunts"`     // hashes from leaf's sibling to a root's child
}

// ProofsFromByteSlices computes inclusion proofs for each item. proofs[0] is
// the proof for items[0]. The returned root is the tree root over all items.
func ProofsFromByteSlices(items [][]byte) (root []byte, proofs []*Proof) {
	trails, rootNode := trailsFromByteSlices(items)
	if rootNode == nil {
		return EmptyRoot, nil
	}
	root = rootNode.Hash
	proofs = make([]*Proof, len(items))
	for i, trail := range trails {
		proofs[i] = &Proof{
			Total:    int64(len(items)),
			Index:    int64(i),
			LeafHash: trail.Hash,
			Aunts:    trail.FlattenAunts(),
		}
	}
	return root, proofs
}

// Verify checks that the proof ties the given leaf to rootHash.
func (sp *Proof) Verify(rootHash []byte, leaf []byte) error {
	if rootHash == nil {
		return errors.New("invalid root hash: cannot be nil")
	}
	if sp.Total < 0 {
		return errors.New("proof total must be positive")
	}
	if sp.Index < 0 {
		return errors.New("proof index cannot be negative")
	}
	leafHash := leafHash(leaf)
	if !bytes.Equal(sp.LeafHash, leafHash) {
		return fmt.Errorf("invalid leaf hash: wanted %X got %X", leafHash, sp.LeafHash)
	}
	computedHash := sp.computeRootHash()
	if !bytes.Equal(computedHash, rootHash) {
		return fmt.Errorf("invalid root hash: wanted %X got %X", rootHash, computedHash)
	}
	return nil
}

func (sp *Proof) computeRootHash() []byte {
	return computeHashFromAunts(sp.Index, sp.Total, sp.LeafHash, sp.Aunts)
}

// Use the leafHash and innerHashes to get the root merkle hash.
// If the length of the innerHashes slice isn't exactly correct, the result is nil.
func computeHashFromAunts(index, total int64, leafHash []byte, innerHashes [][]byte) []byte {
	if index >= total || index < 0 || total <= 0 {
		return nil
	}
	switch total {
	case 0:
		panic("cannot call computeHashFromAunts() with 0 total")
	case 1:
		if len(innerHashes) != 0 {
			return nil
		}
		return leafHash
	default:
		if len(innerHashes) == 0 {
			return nil
		}
		numLeft := getSplitPoint(total)
		if index < numLeft {
			leftHash := computeHashFromAunts(index, numLeft, leafHash, innerHashes[:len(innerHashes)-1])
			if leftHash == nil {
				return nil
			}
			return innerHash(leftHash, innerHashes[len(innerHashes)-1])
		}
		rightHash := computeHashFromAunts(index-numLeft, total-numLeft, leafHash, innerHashes[:len(innerHashes)-1])
		if rightHash == nil {
			return nil
		}
		return innerHash(innerHashes[len(innerHashes)-1], rightHash)
	}
}

// proofNode is a helper structure to construct merkle proofs. The node and
// the tree it is a part of are thrown away afterwards.
type proofNode struct {
	Hash   []byte
	Parent *proofNode
	Left   *proofNode // Left sibling  (only one of Left,Right is set)
	Right  *proofNode // Right sibling (only one of Left,Right is set)
}

// FlattenAunts will return the inner hashes for the item corresponding to the
// leaf, starting from a leaf proofNode.
func (spn *proofNode) FlattenAunts() [][]byte {
	// Nonrecursive impl.
	innerHashes := [][]byte{}
	for spn != nil {
		switch {
		case spn.Left != nil:
			innerHashes = append(innerHashes, spn.Left.Hash)
		case spn.Right != nil:
			innerHashes = append(innerHashes, spn.Right.Hash)
		default:
		}
		spn = spn.Parent
	}
	return innerHashes
}

// trails[0].Hash is the leaf hash for items[0].
// trails[i].Parent.Parent....Parent == root for all i.
func trailsFromByteSlices(items [][]byte) (trails []*proofNode, root *proofNode) {
	// Recursive impl.
	switch len(items) {
	case 0:
		return []*proofNode{}, nil
	case 1:
		trail := &proofNode{leafHash(items[0]), nil, nil, nil}
		return []*proofNode{trail}, trail
	default:
		k := getSplitPoint(int64(len(items)))
		lefts, leftRoot := trailsFromByteSlices(items[:k])
		rights, rightRoot := trailsFromByteSlices(items[k:])
		rootHash := innerHash(leftRoot.Hash, rightRoot.Hash)
		root := &proofNode{rootHash, nil, nil, nil}
		leftRoot.Parent = root
		leftRoot.Right = rightRoot
		rightRoot.Parent = root
		rightRoot.Left = leftRoot
		return append(lefts, rights...), root
	}
}
