package mcts

import (
	"github.com/pkg/errors"
)

// Tree is a preallocated arena of nodes. Index 0 is the root; Allocate hands
// out contiguous ranges at the frontier, so all siblings are adjacent and a
// search never allocates after construction. Reset is O(1) for the arena
// (only the root node is cleared; stale entries are overwritten on the next
// Expand before use).
type Tree struct {
	nodes []Node
	size  int
}

// NewTree builds an arena of 1+nodeSize entries. nodeSize must cover the
// worst case of the search it serves ((simulations + 1) x action size).
func NewTree(nodeSize int64) *Tree {
	t := &Tree{nodes: make([]Node, 1+nodeSize)}
	t.Reset()
	return t
}

// Reset returns the frontier to just past the root and clears the root.
func (t *Tree) Reset() {
	t.size = 1
	t.nodes[0].Reset()
}

// Root borrows node 0.
func (t *Tree) Root() *Node { return &t.nodes[0] }

// Size returns the number of allocated nodes, root included.
func (t *Tree) Size() int { return t.size }

// Capacity returns the total arena capacity, root included.
func (t *Tree) Capacity() int { return len(t.nodes) }

// Allocate reserves n contiguous nodes at the frontier and returns the index
// of the first. The arena is sized for the worst case at construction, so an
// overflow is an invariant violation by the caller.
func (t *Tree) Allocate(n int) (int, error) {
	if t.size+n > len(t.nodes) {
		return 0, errors.Errorf("tree arena overflow: %d nodes allocated, %d more requested, capacity %d",
			t.size, n, len(t.nodes))
	}
	first := t.size
	t.size += n
	return first, nil
}

// Node returns the arena entry at index.
func (t *Tree) Node(index int) *Node { return &t.nodes[index] }

// Child returns the i-th child of n.
func (t *Tree) Child(n *Node, i int) *Node {
	return &t.nodes[int(n.firstChildIndex)+i]
}

// ExtraData is the auxiliary side table carried next to a tree: an
// append-only vector of hidden-state vectors. Indices are stable within one
// search and invalidated by Reset.
type ExtraData struct {
	entries [][]float32
}

// Reset drops all entries.
func (d *ExtraData) Reset() { d.entries = d.entries[:0] }

// Store appends data and returns its index.
func (d *ExtraData) Store(data []float32) int {
	d.entries = append(d.entries, data)
	return len(d.entries) - 1
}

// Get returns the entry at index.
func (d *ExtraData) Get(index int) []float32 { return d.entries[index] }

// Len returns the number of stored entries.
func (d *ExtraData) Len() int { return len(d.entries) }
