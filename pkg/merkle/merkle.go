// Package merkle implements the aggregation batch tree. Proof commitments
// form the ordered leaf set; pairs are hashed with SHA-256 and reduced into
// BN254 field elements so roots stay representable inside the aggregation
// circuit. The submission client uses the same fold to re-verify inclusion
// proofs returned by the aggregation layer.
package merkle

import (
	"crypto/sha256"
	"fmt"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
)

// Commitment reduces a proof's identifying bytes to a tree leaf.
func Commitment(receipt, publicOutput []byte, vkID string) [32]byte {
	h := sha256.New()
	h.Write(receipt)
	h.Write(publicOutput)
	h.Write([]byte(vkID))

	var fe fr.Element
	fe.SetBytes(h.Sum(nil))
	return fe.Bytes()
}

func hashPair(left, right [32]byte) [32]byte {
	h := sha256.New()
	h.Write(left[:])
	h.Write(right[:])

	var fe fr.Element
	fe.SetBytes(h.Sum(nil))
	return fe.Bytes()
}

// Tree is a dense binary merkle tree over one batch's leaves, padded with
// zero leaves to the next power of two.
type Tree struct {
	depth  int
	levels [][][32]byte
}

// NewTree builds the tree for an ordered, non-empty leaf set.
func NewTree(leaves [][32]byte) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, fmt.Errorf("empty leaf set")
	}

	depth := 1
	for 1<<depth < len(leaves) {
		depth++
	}

	level := make([][32]byte, 1<<depth)
	copy(level, leaves)
	levels := [][][32]byte{level}
	for d := 0; d < depth; d++ {
		prev := levels[d]
		next := make([][32]byte, len(prev)/2)
		for i := range next {
			next[i] = hashPair(prev[2*i], prev[2*i+1])
		}
		levels = append(levels, next)
	}

	return &Tree{depth: depth, levels: levels}, nil
}

func (t *Tree) Depth() int { return t.depth }

func (t *Tree) Root() [32]byte { return t.levels[t.depth][0] }

// Proof returns the sibling path for the leaf at index, leaf level first.
func (t *Tree) Proof(index int) ([][32]byte, error) {
	if index < 0 || index >= len(t.levels[0]) {
		return nil, fmt.Errorf("leaf index %d out of range", index)
	}

	path := make([][32]byte, t.depth)
	for d := 0; d < t.depth; d++ {
		path[d] = t.levels[d][index^1]
		index >>= 1
	}
	return path, nil
}

// RootFromPath folds a leaf up its sibling path. The index bits select the
// hashing side at each level.
func RootFromPath(leaf [32]byte, index int, path [][32]byte) [32]byte {
	current := leaf
	for _, sibling := range path {
		if index&1 == 0 {
			current = hashPair(current, sibling)
		} else {
			current = hashPair(sibling, current)
		}
		index >>= 1
	}
	return current
}

// VerifyInclusion reports whether leaf at index folds to root along path.
func VerifyInclusion(leaf [32]byte, index int, path [][32]byte, root [32]byte) bool {
	return RootFromPath(leaf, index, path) == root
}
