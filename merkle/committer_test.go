package merkle

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/colorfulnotion/certchain/certerrors"
	"github.com/colorfulnotion/certchain/common"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func leaf(s string) common.Hash {
	return common.Keccak256([]byte(s))
}

func makeLeaves(n int, seed int64) []common.Hash {
	out := make([]common.Hash, n)
	buf := make([]byte, 16)
	for i := range out {
		binary.BigEndian.PutUint64(buf[:8], uint64(seed))
		binary.BigEndian.PutUint64(buf[8:], uint64(i))
		out[i] = common.Keccak256(buf)
	}
	return out
}

func commit(t *testing.T, leaves []common.Hash) (*Committer, common.Hash) {
	t.Helper()
	c := NewCommitter()
	require.NoError(t, c.AddLeaves(leaves...))
	root, err := c.ComputeRoot()
	require.NoError(t, err)
	return c, root
}

// Batch of three students: every proof verifies, proofs are not interchangeable.
func TestThreeLeafBatch(t *testing.T) {
	leaves := []common.Hash{leaf("alice"), leaf("bob"), leaf("carol")}
	c, root := commit(t, leaves)

	want := HashPair(HashPair(leaves[0], leaves[1]), leaves[2])
	assert.Equal(t, want, root)

	proofs := make([][]common.Hash, len(leaves))
	for i, l := range leaves {
		p, err := c.ProofFor(l)
		require.NoError(t, err)
		proofs[i] = p
		assert.True(t, Verify(l, p, root), "leaf %d", i)
	}
	assert.Equal(t, []common.Hash{leaves[1], leaves[2]}, proofs[0])
	assert.Equal(t, []common.Hash{HashPair(leaves[0], leaves[1])}, proofs[2], "promoted leaf has a single sibling")

	assert.False(t, Verify(leaves[0], proofs[1], root))
}

func TestSingleLeafIsRoot(t *testing.T) {
	l := leaf("solo")
	c, root := commit(t, []common.Hash{l})
	assert.Equal(t, l, root)

	p, err := c.ProofFor(l)
	require.NoError(t, err)
	assert.Empty(t, p)
	assert.True(t, Verify(l, p, root))
}

func TestOddNodePromotedUnchanged(t *testing.T) {
	leaves := makeLeaves(5, 1)
	_, root := commit(t, leaves)

	l1 := []common.Hash{HashPair(leaves[0], leaves[1]), HashPair(leaves[2], leaves[3]), leaves[4]}
	l2 := []common.Hash{HashPair(l1[0], l1[1]), l1[2]}
	assert.Equal(t, HashPair(l2[0], l2[1]), root)
}

func TestPairOrderDoesNotMatterButSequenceDoes(t *testing.T) {
	a, b, c, d := leaf("a"), leaf("b"), leaf("c"), leaf("d")
	_, r1 := commit(t, []common.Hash{a, b, c, d})
	_, r2 := commit(t, []common.Hash{b, a, d, c})
	_, r3 := commit(t, []common.Hash{a, c, b, d})

	assert.Equal(t, r1, r2, "swapping inside a pair keeps the root")
	assert.NotEqual(t, r1, r3, "moving leaves across pairs changes the root")
}

func TestStateMachine(t *testing.T) {
	c := NewCommitter()
	assert.Equal(t, Empty, c.State())

	_, err := c.ComputeRoot()
	assert.True(t, errors.Is(err, certerrors.ErrValidation))

	_, err = c.ProofFor(leaf("x"))
	assert.Error(t, err)

	require.NoError(t, c.AddLeaves(leaf("x"), leaf("y")))
	assert.Equal(t, LeavesCollected, c.State())

	root, err := c.ComputeRoot()
	require.NoError(t, err)
	assert.Equal(t, Committed, c.State())
	assert.Equal(t, root, c.Root())

	again, err := c.ComputeRoot()
	require.NoError(t, err)
	assert.Equal(t, root, again)

	err = c.AddLeaves(leaf("z"))
	assert.True(t, errors.Is(err, certerrors.ErrCommitted))
}

func TestDuplicateLeavesRejected(t *testing.T) {
	c := NewCommitter()
	require.NoError(t, c.AddLeaves(leaf("x")))

	err := c.AddLeaves(leaf("y"), leaf("x"))
	assert.True(t, errors.Is(err, certerrors.ErrDuplicateLeaf))
	assert.Len(t, c.Leaves(), 1, "failed call adds nothing")

	err = c.AddLeaves(leaf("z"), leaf("z"))
	assert.True(t, errors.Is(err, certerrors.ErrDuplicateLeaf))
	assert.Len(t, c.Leaves(), 1)
}

func TestProofForUnknownLeaf(t *testing.T) {
	c, _ := commit(t, makeLeaves(4, 9))
	_, err := c.ProofFor(leaf("stranger"))
	assert.True(t, errors.Is(err, certerrors.ErrNotFound))
}

func TestRender(t *testing.T) {
	c, root := commit(t, makeLeaves(3, 2))
	out := c.Render()
	assert.Contains(t, out, root.Hex())
	assert.Contains(t, out, "(promoted)")
	assert.Contains(t, out, "leaf 0")

	assert.Equal(t, "(empty)", NewCommitter().Render())
}

func TestProofProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	batches := gopter.CombineGens(gen.IntRange(1, 70), gen.Int64()).Map(func(v []interface{}) []common.Hash {
		return makeLeaves(v[0].(int), v[1].(int64))
	})

	properties.Property("every leaf verifies against the root", prop.ForAll(
		func(leaves []common.Hash) bool {
			c := NewCommitter()
			if c.AddLeaves(leaves...) != nil {
				return false
			}
			root, err := c.ComputeRoot()
			if err != nil {
				return false
			}
			for _, l := range leaves {
				p, err := c.ProofFor(l)
				if err != nil || !Verify(l, p, root) {
					return false
				}
			}
			return true
		},
		batches,
	))

	properties.Property("a proof does not verify a foreign leaf", prop.ForAll(
		func(leaves []common.Hash) bool {
			c := NewCommitter()
			_ = c.AddLeaves(leaves...)
			root, _ := c.ComputeRoot()
			p, _ := c.ProofFor(leaves[0])
			return !Verify(leaf("not in batch"), p, root)
		},
		batches,
	))

	properties.Property("root is deterministic", prop.ForAll(
		func(leaves []common.Hash) bool {
			a := NewCommitter()
			b := NewCommitter()
			_ = a.AddLeaves(leaves...)
			_ = b.AddLeaves(leaves...)
			ra, _ := a.ComputeRoot()
			rb, _ := b.ComputeRoot()
			return ra == rb
		},
		batches,
	))

	properties.TestingRun(t)
}
