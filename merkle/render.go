package merkle

import (
	"fmt"

	"github.com/xlab/treeprint"
)

// Render draws the committed tree, root first. Promoted nodes are marked.
func (c *Committer) Render() string {
	if c.state != Committed {
		return fmt.Sprintf("(%s)", c.state)
	}
	top := len(c.levels) - 1
	tree := treeprint.NewWithRoot(fmt.Sprintf("root %s", c.levels[top][0].Hex()))
	c.renderChildren(tree, top, 0)
	return tree.String()
}

func (c *Committer) renderChildren(branch treeprint.Tree, depth, idx int) {
	if depth == 0 {
		return
	}
	below := c.levels[depth-1]
	left := idx * 2
	right := left + 1
	if right >= len(below) {
		node := branch.AddBranch(fmt.Sprintf("%s (promoted)", below[left].String_short()))
		c.renderChildren(node, depth-1, left)
		return
	}
	for _, i := range []int{left, right} {
		label := below[i].String_short()
		if depth-1 == 0 {
			label = fmt.Sprintf("leaf %d %s", i, below[i].Hex())
		}
		node := branch.AddBranch(label)
		c.renderChildren(node, depth-1, i)
	}
}
