// Package merkle builds the per-batch commitment that is anchored on-chain.
//
// Interior nodes are keccak256(min(a,b) || max(a,b)): sorting each pair lets a
// verifier fold a proof without knowing on which side the sibling sat. When a
// level has an odd number of nodes the last one is promoted unchanged to the
// next level and contributes no proof element. Both rules must match the
// registry's verifier exactly.
package merkle

import (
	"bytes"
	"fmt"

	"github.com/colorfulnotion/certchain/certerrors"
	"github.com/colorfulnotion/certchain/common"
)

// State of a Committer. Transitions only move forward.
type State int

const (
	Empty State = iota
	LeavesCollected
	Committed
)

func (s State) String() string {
	switch s {
	case Empty:
		return "empty"
	case LeavesCollected:
		return "leaves_collected"
	case Committed:
		return "committed"
	default:
		return "unknown"
	}
}

// Committer accumulates the leaves of one batch and commits them to a root.
// It is not safe for concurrent use and must not be shared between batches.
type Committer struct {
	state  State
	leaves []common.Hash
	index  map[common.Hash]int
	levels [][]common.Hash // levels[0] = leaves, last level = root
}

// NewCommitter returns an empty Committer.
func NewCommitter() *Committer {
	return &Committer{index: make(map[common.Hash]int)}
}

// State returns the current state.
func (c *Committer) State() State {
	return c.state
}

// Leaves returns a copy of the collected leaves in insertion order.
func (c *Committer) Leaves() []common.Hash {
	out := make([]common.Hash, len(c.leaves))
	copy(out, c.leaves)
	return out
}

// AddLeaves appends leaves in order. A leaf already in the batch, or repeated
// within hashes, is rejected and nothing from the call is added.
func (c *Committer) AddLeaves(hashes ...common.Hash) error {
	if c.state == Committed {
		return certerrors.ErrCommitted
	}
	seen := make(map[common.Hash]struct{}, len(hashes))
	for _, h := range hashes {
		if _, ok := c.index[h]; ok {
			return fmt.Errorf("%w: %s", certerrors.ErrDuplicateLeaf, h.Hex())
		}
		if _, ok := seen[h]; ok {
			return fmt.Errorf("%w: %s", certerrors.ErrDuplicateLeaf, h.Hex())
		}
		seen[h] = struct{}{}
	}
	for _, h := range hashes {
		c.index[h] = len(c.leaves)
		c.leaves = append(c.leaves, h)
	}
	if len(c.leaves) > 0 {
		c.state = LeavesCollected
	}
	return nil
}

// ComputeRoot builds the tree and moves the Committer to Committed. Calling it
// again returns the same root.
func (c *Committer) ComputeRoot() (common.Hash, error) {
	if c.state == Committed {
		return c.Root(), nil
	}
	if len(c.leaves) == 0 {
		return common.Hash{}, fmt.Errorf("%w: no leaves to commit", certerrors.ErrValidation)
	}
	level := c.Leaves()
	c.levels = [][]common.Hash{level}
	for len(level) > 1 {
		next := make([]common.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, HashPair(level[i], level[i+1]))
			} else {
				next = append(next, level[i])
			}
		}
		c.levels = append(c.levels, next)
		level = next
	}
	c.state = Committed
	return level[0], nil
}

// Root returns the committed root, or the zero hash before ComputeRoot.
func (c *Committer) Root() common.Hash {
	if c.state != Committed {
		return common.Hash{}
	}
	return c.levels[len(c.levels)-1][0]
}

// ProofFor returns the sibling path from leaf to root.
func (c *Committer) ProofFor(leaf common.Hash) ([]common.Hash, error) {
	if c.state != Committed {
		return nil, fmt.Errorf("%w: batch is %s", certerrors.ErrValidation, c.state)
	}
	idx, ok := c.index[leaf]
	if !ok {
		return nil, fmt.Errorf("%w: leaf %s not in batch", certerrors.ErrNotFound, leaf.Hex())
	}
	proof := make([]common.Hash, 0, len(c.levels)-1)
	for d := 0; d < len(c.levels)-1; d++ {
		row := c.levels[d]
		sibling := idx ^ 1
		if sibling < len(row) {
			proof = append(proof, row[sibling])
		}
		idx /= 2
	}
	return proof, nil
}

// Verify folds proof onto leaf with the sorted-pair rule and compares the
// result to root. It needs nothing but its arguments.
func Verify(leaf common.Hash, proof []common.Hash, root common.Hash) bool {
	current := leaf
	for _, sibling := range proof {
		current = HashPair(current, sibling)
	}
	return current == root
}

// HashPair hashes two nodes in ascending byte order.
func HashPair(a, b common.Hash) common.Hash {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	return common.Keccak256(a[:], b[:])
}
