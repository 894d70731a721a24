package merkle_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/hashchain"
	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/merkle"
)

func leafSet(n int) []string {
	leaves := make([]string, n)
	for i := range leaves {
		leaves[i] = hashchain.Sum([]byte(fmt.Sprintf("leaf-%d", i)))
	}
	return leaves
}

func TestBuildRootEmpty(t *testing.T) {
	require.Equal(t, hashchain.Genesis, merkle.BuildRoot(nil))
}

func TestBuildRootSingleLeafIsLeaf(t *testing.T) {
	leaves := leafSet(1)
	require.Equal(t, leaves[0], merkle.BuildRoot(leaves))
}

func TestBuildRootDeterministicAndOrderSensitive(t *testing.T) {
	leaves := leafSet(4)
	root := merkle.BuildRoot(leaves)
	require.Equal(t, root, merkle.BuildRoot(leaves))

	swapped := leafSet(4)
	swapped[0], swapped[1] = swapped[1], swapped[0]
	require.NotEqual(t, root, merkle.BuildRoot(swapped))
}

func TestProofRoundTripAllSizes(t *testing.T) {
	for n := 1; n <= 9; n++ {
		leaves := leafSet(n)
		root := merkle.BuildRoot(leaves)
		for i := 0; i < n; i++ {
			proof, err := merkle.GenerateProof(leaves, i)
			require.NoError(t, err)
			require.True(t, merkle.VerifyProof(leaves[i], proof, root),
				"n=%d index=%d proof did not verify", n, i)
		}
	}
}

func TestProofRejectsWrongLeaf(t *testing.T) {
	leaves := leafSet(5)
	root := merkle.BuildRoot(leaves)
	proof, err := merkle.GenerateProof(leaves, 2)
	require.NoError(t, err)
	require.False(t, merkle.VerifyProof(leaves[3], proof, root))
	require.False(t, merkle.VerifyProof(leaves[2], proof, "not-the-root"))
}

func TestProofIndexOutOfRange(t *testing.T) {
	leaves := leafSet(3)
	_, err := merkle.GenerateProof(leaves, 3)
	require.Error(t, err)
	_, err = merkle.GenerateProof(leaves, -1)
	require.Error(t, err)
}

func TestTreeDepth(t *testing.T) {
	cases := map[int]int{0: 0, 1: 0, 2: 1, 3: 2, 4: 2, 5: 3, 8: 3, 9: 4}
	for n, want := range cases {
		require.Equal(t, want, merkle.TreeDepth(n), "n=%d", n)
	}
}
