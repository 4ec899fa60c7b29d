package hashing

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func leafSet(n int) []string {
	leaves := make([]string, n)
	for i := range leaves {
		leaves[i] = Sum([]byte(fmt.Sprintf("leaf-%d", i)))
	}
	return leaves
}

func TestBuildRootEmpty(t *testing.T) {
	require.Equal(t, GenesisRoot(), BuildRoot(nil))
	require.Equal(t, GenesisRoot(), BuildRoot([]string{}))
	require.Equal(t, Sum([]byte("GENESIS")), GenesisRoot())
}

func TestBuildRootSingleLeaf(t *testing.T) {
	leaves := leafSet(1)
	// A single leaf is carried up to the root unchanged.
	require.Equal(t, leaves[0], BuildRoot(leaves))
	require.Equal(t, 0, TreeDepth(1))
}

func TestBuildRootPair(t *testing.T) {
	leaves := leafSet(2)
	want := Sum([]byte(leaves[0] + leaves[1]))
	require.Equal(t, want, BuildRoot(leaves))
}

func TestBuildRootOddLeafCarriedUp(t *testing.T) {
	leaves := leafSet(3)
	// level 1: H(l0+l1), l2 carried; root: H(H(l0+l1) + l2)
	h01 := Sum([]byte(leaves[0] + leaves[1]))
	want := Sum([]byte(h01 + leaves[2]))
	require.Equal(t, want, BuildRoot(leaves))
}

func TestBuildRootFiveLeaves(t *testing.T) {
	leaves := leafSet(5)
	h01 := Sum([]byte(leaves[0] + leaves[1]))
	h23 := Sum([]byte(leaves[2] + leaves[3]))
	h0123 := Sum([]byte(h01 + h23))
	want := Sum([]byte(h0123 + leaves[4]))
	require.Equal(t, want, BuildRoot(leaves))
	require.Equal(t, 3, TreeDepth(5))
}

func TestGenerateProofAllIndexes(t *testing.T) {
	for _, n := range []int{1, 2, 3, 4, 5, 7, 8, 13, 32, 33} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			leaves := leafSet(n)
			root := BuildRoot(leaves)
			for i := 0; i < n; i++ {
				proof, err := GenerateProof(leaves, i)
				require.NoError(t, err)
				require.True(t, VerifyProof(leaves[i], proof, root),
					"proof for leaf %d of %d must verify", i, n)
			}
		})
	}
}

func TestGenerateProofRejectsBadIndex(t *testing.T) {
	leaves := leafSet(4)
	_, err := GenerateProof(leaves, -1)
	require.ErrorIs(t, err, ErrProofIndex)
	_, err = GenerateProof(leaves, 4)
	require.ErrorIs(t, err, ErrProofIndex)
}

func TestVerifyProofRejectsTamper(t *testing.T) {
	leaves := leafSet(8)
	root := BuildRoot(leaves)
	proof, err := GenerateProof(leaves, 3)
	require.NoError(t, err)

	require.False(t, VerifyProof(leaves[4], proof, root), "wrong leaf")
	require.False(t, VerifyProof(leaves[3], proof, Sum([]byte("other"))), "wrong root")

	flipped := make([]ProofStep, len(proof))
	copy(flipped, proof)
	flipped[0].Left = !flipped[0].Left
	require.False(t, VerifyProof(leaves[3], flipped, root), "flipped side")
}

func TestProofForCarriedLeafSkipsUnpairedLevels(t *testing.T) {
	leaves := leafSet(5)
	root := BuildRoot(leaves)
	// Leaf 4 is carried through two levels and pairs only at the top.
	proof, err := GenerateProof(leaves, 4)
	require.NoError(t, err)
	require.Len(t, proof, 1)
	require.True(t, proof[0].Left)
	require.True(t, VerifyProof(leaves[4], proof, root))
}

func TestTreeDepth(t *testing.T) {
	cases := map[int]int{0: 0, 1: 0, 2: 1, 3: 2, 4: 2, 5: 3, 8: 3, 9: 4, 1024: 10, 1025: 11}
	for n, want := range cases {
		require.Equal(t, want, TreeDepth(n), "n=%d", n)
	}
}
