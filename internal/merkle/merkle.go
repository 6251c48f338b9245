// Package merkle builds SHA-256 Merkle trees over audit record leaves and
// produces per-leaf inclusion proofs. An odd node at any level is carried
// up unchanged rather than duplicated, so proofs for it skip that level.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// ProofStep is one sibling on the path from a leaf to the root. Right
// reports whether the sibling sits to the right of the running hash.
type ProofStep struct {
	Hash  []byte
	Right bool
}

type proofStepJSON struct {
	Hash  string `json:"hash"`
	Right bool   `json:"right"`
}

func (s ProofStep) MarshalJSON() ([]byte, error) {
	return json.Marshal(proofStepJSON{Hash: hex.EncodeToString(s.Hash), Right: s.Right})
}

func (s *ProofStep) UnmarshalJSON(data []byte) error {
	var raw proofStepJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	h, err := hex.DecodeString(raw.Hash)
	if err != nil {
		return fmt.Errorf("invalid proof step hash: %w", err)
	}
	s.Hash = h
	s.Right = raw.Right
	return nil
}

// Leaf hashes raw leaf data.
func Leaf(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

// Tree holds every level of the tree; levels[0] are the leaf hashes and
// the last level is the single root.
type Tree struct {
	levels [][][]byte
}

// Build constructs a tree over pre-hashed leaves.
func Build(leaves [][]byte) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, fmt.Errorf("cannot build merkle tree with no leaves")
	}

	level := make([][]byte, len(leaves))
	copy(level, leaves)
	levels := [][][]byte{level}

	for len(level) > 1 {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashPair(level[i], level[i+1]))
			} else {
				// Odd node, promoted unchanged.
				next = append(next, level[i])
			}
		}
		levels = append(levels, next)
		level = next
	}

	return &Tree{levels: levels}, nil
}

func hashPair(left, right []byte) []byte {
	h := sha256.New()
	h.Write(left)
	h.Write(right)
	return h.Sum(nil)
}

// Root returns the tree root hash.
func (t *Tree) Root() []byte {
	top := t.levels[len(t.levels)-1]
	return top[0]
}

// Proof returns the sibling path for the leaf at index i.
func (t *Tree) Proof(i int) ([]ProofStep, error) {
	if i < 0 || i >= len(t.levels[0]) {
		return nil, fmt.Errorf("leaf index %d out of range [0,%d)", i, len(t.levels[0]))
	}

	var proof []ProofStep
	idx := i
	for _, level := range t.levels[:len(t.levels)-1] {
		sibling := idx ^ 1
		if sibling < len(level) {
			proof = append(proof, ProofStep{
				Hash:  level[sibling],
				Right: sibling > idx,
			})
		}
		// An odd promoted node contributes no sibling at this level.
		idx /= 2
	}
	return proof, nil
}

// Verify recomputes the root from a leaf hash and its proof.
func Verify(leaf []byte, proof []ProofStep, root []byte) bool {
	hash := leaf
	for _, step := range proof {
		if step.Right {
			hash = hashPair(hash, step.Hash)
		} else {
			hash = hashPair(step.Hash, hash)
		}
	}
	return bytes.Equal(hash, root)
}
