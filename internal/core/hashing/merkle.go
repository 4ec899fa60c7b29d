package hashing

import (
	"errors"
	"fmt"
	"math/bits"
)

// The merkle functions operate on leaf hashes as lowercase hex strings, the
// form ledger events store them in. Parents hash the ASCII concatenation of
// their children, so roots and proofs are reproducible from stored events
// without re-reading payloads.

var ErrProofIndex = errors.New("merkle: leaf index out of range")

// ProofStep is one level of an inclusion proof: the sibling hash and which
// side of the concatenation it sits on.
type ProofStep struct {
	Hash string `json:"hash"`
	Left bool   `json:"left"`
}

// GenesisRoot returns the constant root for an empty leaf set.
func GenesisRoot() string {
	return Sum([]byte(Genesis))
}

// BuildRoot folds leaves pairwise in their original order into a single root.
// A level with an odd count carries its last hash up unchanged. An empty
// input yields GenesisRoot.
func BuildRoot(leaves []string) string {
	if len(leaves) == 0 {
		return GenesisRoot()
	}
	level := leaves
	for len(level) > 1 {
		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i+1 < len(level); i += 2 {
			next = append(next, Sum([]byte(level[i]+level[i+1])))
		}
		if len(level)%2 == 1 {
			next = append(next, level[len(level)-1])
		}
		level = next
	}
	return level[0]
}

// GenerateProof returns the inclusion proof for leaves[index] against
// BuildRoot(leaves). Levels where the node is carried up unpaired contribute
// no step.
func GenerateProof(leaves []string, index int) ([]ProofStep, error) {
	if index < 0 || index >= len(leaves) {
		return nil, fmt.Errorf("%w: %d of %d", ErrProofIndex, index, len(leaves))
	}
	proof := make([]ProofStep, 0, TreeDepth(len(leaves)))
	level := leaves
	pos := index
	for len(level) > 1 {
		if sib := pos ^ 1; sib < len(level) {
			proof = append(proof, ProofStep{Hash: level[sib], Left: sib < pos})
		}
		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i+1 < len(level); i += 2 {
			next = append(next, Sum([]byte(level[i]+level[i+1])))
		}
		if len(level)%2 == 1 {
			next = append(next, level[len(level)-1])
		}
		level = next
		pos /= 2
	}
	return proof, nil
}

// VerifyProof replays proof from leafHash and compares against expectedRoot.
func VerifyProof(leafHash string, proof []ProofStep, expectedRoot string) bool {
	current := leafHash
	for _, step := range proof {
		if step.Left {
			current = Sum([]byte(step.Hash + current))
		} else {
			current = Sum([]byte(current + step.Hash))
		}
	}
	return current == expectedRoot
}

// TreeDepth is ceil(log2(n)) with n clamped to at least 1, so a single leaf
// has depth 0.
func TreeDepth(n int) int {
	if n <= 1 {
		return 0
	}
	return bits.Len(uint(n - 1))
}
