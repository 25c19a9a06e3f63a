package mcts

import (
	"fmt"

	"github.com/chewxy/math32"
	"github.com/zerofleet/zerofleet/internal/gamezero"
)

// SolverResult is the proof status attached by proof-number style solvers.
// Plain self-play search leaves it at SolverUnknown.
type SolverResult uint8

const (
	SolverUnknown SolverResult = iota
	SolverWin
	SolverLoss
	SolverDraw
)

// Node is one tree entry. Nodes are fixed size and live in the Tree arena;
// children of a node occupy a contiguous arena range starting at
// firstChildIndex. Count is a float so that weighted backups stay exact.
type Node struct {
	Action gamezero.Action

	numChildren     int32
	firstChildIndex int32

	// ExtraDataIndex is a handle into the tree's extra-data table, -1 when
	// absent. Model-based search stores the edge's hidden state there.
	ExtraDataIndex int32

	Mean        float32
	Count       float32
	Policy      float32
	PolicyLogit float32
	PolicyNoise float32
	Value       float32

	// Reward of the edge leading into this node, reported by the dynamics
	// network. Zero for observation-based search.
	Reward float32

	VirtualLoss int32

	Solver SolverResult
}

// Reset clears the node for reuse. Called on the root by Tree.Reset and on
// freshly allocated children by Expand.
func (n *Node) Reset() {
	*n = Node{ExtraDataIndex: -1, Action: gamezero.Action{ID: gamezero.InvalidActionID}}
}

// IsLeaf reports whether the node has no expanded children.
func (n *Node) IsLeaf() bool { return n.numChildren == 0 }

// NumChildren returns the number of expanded children.
func (n *Node) NumChildren() int { return int(n.numChildren) }

// Add folds one backup value of the given weight into the running mean. A
// weight that brings the count to zero or below resets the node.
func (n *Node) Add(value, weight float32) {
	if n.Count+weight <= 0 {
		n.Reset()
		return
	}
	n.Count += weight
	n.Mean += weight * (value - n.Mean) / n.Count
}

// Remove undoes an Add of the given weight.
func (n *Node) Remove(value, weight float32) {
	if n.Count-weight <= 0 {
		n.Reset()
		return
	}
	n.Count -= weight
	n.Mean -= weight * (value - n.Mean) / n.Count
}

// playerSign maps a stored Player1-perspective value to the perspective of
// the player who took the action.
func playerSign(p gamezero.Player) float32 {
	if p == gamezero.Player2 {
		return -1
	}
	return 1
}

// PUCTScore scores the node as a child candidate. totalSimulation is the
// parent's visit total; initQValue is used for unvisited children. Virtual
// losses count as visits with the most pessimistic outcome so that parallel
// selections spread over different leaves.
func (n *Node) PUCTScore(totalSimulation int, puctBase, puctInit, initQValue float32) float32 {
	bias := puctInit + math32.Log((1+float32(totalSimulation)+puctBase)/puctBase)
	count := n.Count + float32(n.VirtualLoss)
	valueU := bias * n.Policy * math32.Sqrt(float32(totalSimulation)) / (1 + count)
	valueQ := initQValue
	if count > 0 {
		valueQ = (playerSign(n.Action.Player)*n.Mean*n.Count - float32(n.VirtualLoss)) / count
	}
	return valueU + valueQ
}

// String renders the node statistics for search-info logs.
func (n *Node) String() string {
	return fmt.Sprintf("p = %.4f, p_logit = %.4f, p_noise = %.4f, v = %.4f, mean = %.4f, count = %.4f",
		n.Policy, n.PolicyLogit, n.PolicyNoise, n.Value, n.Mean, n.Count)
}
