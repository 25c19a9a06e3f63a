// Package mcts implements the arena-allocated Monte Carlo Tree Search used
// by the self-play actors: PUCT selection with virtual-loss batching, value
// backup with optional per-edge reward discounting for model-based search,
// and the Gumbel sequential-halving root procedure.
//
// The search stores values from Player1's perspective; player-relative reads
// happen only at selection time. Trees are per-actor and not safe for
// concurrent use -- parallelism happens across actors, with virtual loss
// spreading the in-flight evaluations of one actor's think batch.
package mcts

import (
	"math/rand"
	"strconv"
	"strings"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"github.com/zerofleet/zerofleet/internal/config"
	"github.com/zerofleet/zerofleet/internal/gamezero"
)

// Options are the search tunables, a subset of CoreConfig.
type Options struct {
	NumSimulations  int
	PUCTBase        float32
	PUCTInit        float32
	RewardDiscount  float32
	ValueRescale    bool
	ResignThreshold float32
}

// OptionsFromConfig extracts the search options from the process config.
func OptionsFromConfig(cfg *config.CoreConfig) Options {
	return Options{
		NumSimulations:  cfg.ActorNumSimulation,
		PUCTBase:        cfg.ActorMCTSPUCTBase,
		PUCTInit:        cfg.ActorMCTSPUCTInit,
		RewardDiscount:  cfg.ActorMCTSRewardDiscount,
		ValueRescale:    cfg.ActorMCTSValueRescale,
		ResignThreshold: cfg.ActorResignThreshold,
	}
}

// Candidate is one child to attach during expansion.
type Candidate struct {
	Action      gamezero.Action
	Policy      float32
	PolicyLogit float32
}

// valueBound tracks the running min/max of backed-up means, used to rescale
// Q values into [-1, 1] for the Gumbel completed score.
type valueBound struct {
	min, max float32
	valid    bool
}

func (b *valueBound) update(mean float32) {
	if !b.valid {
		b.min, b.max = mean, mean
		b.valid = true
		return
	}
	b.min = math32.Min(b.min, mean)
	b.max = math32.Max(b.max, mean)
}

// Search owns one tree plus its extra-data table and runs
// selection/expansion/backup on it.
type Search struct {
	opts  Options
	tree  *Tree
	extra ExtraData
	bound valueBound
	rng   *rand.Rand
}

// NewSearch builds a search whose arena covers the worst case of
// opts.NumSimulations simulations over actionSize actions.
func NewSearch(opts Options, actionSize int, rng *rand.Rand) *Search {
	nodeSize := int64(opts.NumSimulations+1) * int64(actionSize)
	return &Search{
		opts: opts,
		tree: NewTree(nodeSize),
		rng:  rng,
	}
}

// Reset clears the tree, the extra-data table and the value bound.
func (s *Search) Reset() {
	s.tree.Reset()
	s.extra.Reset()
	s.bound = valueBound{}
}

// Tree returns the underlying arena.
func (s *Search) Tree() *Tree { return s.tree }

// Extra returns the hidden-state side table.
func (s *Search) Extra() *ExtraData { return &s.extra }

// Root borrows the root node.
func (s *Search) Root() *Node { return s.tree.Root() }

// Options returns the search options.
func (s *Search) Options() Options { return s.opts }

// NumSimulations run so far; equals the root's visit count.
func (s *Search) NumSimulations() int { return int(s.tree.Root().Count) }

// ReachedMaxSimulations reports search completion: the configured simulation
// count plus one for the root's initial inference.
func (s *Search) ReachedMaxSimulations() bool {
	return s.NumSimulations() == s.opts.NumSimulations+1
}

// Select walks from the root to a leaf, at each level taking the child with
// the best PUCT score (first-encountered wins ties), and returns the path
// root first.
func (s *Search) Select() []*Node {
	return s.SelectFrom(s.tree.Root())
}

// SelectFrom is Select rooted at an arbitrary node, used by the Gumbel
// procedure to descend below a chosen root candidate.
func (s *Search) SelectFrom(start *Node) []*Node {
	node := start
	path := []*Node{node}
	for !node.IsLeaf() {
		node = s.selectChildByPUCT(node)
		path = append(path, node)
	}
	return path
}

func (s *Search) selectChildByPUCT(node *Node) *Node {
	totalSimulation := int(node.Count) + int(node.VirtualLoss)
	initQValue := s.initQValue(node)
	var selected *Node
	bestScore := math32.Inf(-1)
	for i := 0; i < node.NumChildren(); i++ {
		child := s.tree.Child(node, i)
		score := child.PUCTScore(totalSimulation, s.opts.PUCTBase, s.opts.PUCTInit, initQValue)
		if score <= bestScore {
			continue
		}
		bestScore = score
		selected = child
	}
	return selected
}

// initQValue estimates Q for unvisited children: the average Q of visited
// siblings with one extra loss folded in.
func (s *Search) initQValue(node *Node) float32 {
	var sumOfWin, sum float32
	for i := 0; i < node.NumChildren(); i++ {
		child := s.tree.Child(node, i)
		if child.Count == 0 {
			continue
		}
		sumOfWin += child.Mean
		sum++
	}
	sumOfWin *= playerSign(s.tree.Child(node, 0).Action.Player)
	return (sumOfWin - 1) / (sum + 1)
}

// Expand attaches candidates as children of leaf. Candidates of the same
// parent share a turn, which the caller guarantees by building them from one
// network output. An empty candidate list is rejected: a leaf with no
// expansion keeps its value as the backup value.
func (s *Search) Expand(leaf *Node, candidates []Candidate) error {
	if leaf == nil || len(candidates) == 0 {
		return errors.New("expansion requires a leaf and at least one candidate")
	}
	first, err := s.tree.Allocate(len(candidates))
	if err != nil {
		return err
	}
	leaf.firstChildIndex = int32(first)
	leaf.numChildren = int32(len(candidates))
	for i, candidate := range candidates {
		child := s.tree.Node(first + i)
		child.Reset()
		child.Action = candidate.Action
		child.Policy = candidate.Policy
		child.PolicyLogit = candidate.PolicyLogit
	}
	return nil
}

// Backup walks the path backwards, folding value into each node's running
// mean. Moving from a node to its parent applies the node's edge reward and
// the configured discount, which reduces to plain value propagation for
// observation-based search (rewards 0, discount 1).
func (s *Search) Backup(path []*Node, value float32) error {
	if len(path) == 0 {
		return errors.New("backup on an empty path")
	}
	leaf := path[len(path)-1]
	leaf.Value = value
	v := value
	for i := len(path) - 1; i >= 0; i-- {
		node := path[i]
		node.Add(v, 1)
		s.bound.update(node.Mean)
		if i > 0 {
			v = node.Reward + s.opts.RewardDiscount*v
		}
	}
	return nil
}

// AddVirtualLoss marks every node of an in-flight path.
func (s *Search) AddVirtualLoss(path []*Node) {
	for _, node := range path {
		node.VirtualLoss++
	}
}

// ReleaseVirtualLoss removes amount virtual losses from every node on the
// path. The completing evaluation releases the leaf's full outstanding
// amount, covering duplicates whose results were discarded.
func (s *Search) ReleaseVirtualLoss(path []*Node, amount int32) {
	for _, node := range path {
		node.VirtualLoss -= amount
		if node.VirtualLoss < 0 {
			node.VirtualLoss = 0
		}
	}
}

// SelectByMaxCount returns the most visited child of node.
func (s *Search) SelectByMaxCount(node *Node) *Node {
	var selected *Node
	maxCount := float32(0)
	for i := 0; i < node.NumChildren(); i++ {
		child := s.tree.Child(node, i)
		if child.Count <= maxCount {
			continue
		}
		maxCount = child.Count
		selected = child
	}
	return selected
}

// SelectBySoftmaxCount samples a child with probability proportional to
// count^(1/temperature), in one reservoir pass.
func (s *Search) SelectBySoftmaxCount(node *Node, temperature float32) *Node {
	var selected *Node
	sum := float32(0)
	for i := 0; i < node.NumChildren(); i++ {
		child := s.tree.Child(node, i)
		count := math32.Pow(child.Count, 1/temperature)
		if count == 0 {
			continue
		}
		sum += count
		if s.rng.Float32()*sum < count {
			selected = child
		}
	}
	return selected
}

// IsResign reports whether both the root and the selected child estimate the
// mover's win rate below the resign threshold.
func (s *Search) IsResign(selected *Node) bool {
	sign := playerSign(selected.Action.Player)
	rootWinRate := sign * s.tree.Root().Mean
	actionWinRate := sign * selected.Mean
	return rootWinRate < s.opts.ResignThreshold && actionWinRate < s.opts.ResignThreshold
}

// NormalizedMean returns the node's mean from its mover's perspective,
// rescaled into [-1, 1] by the tree's running value bound when rescaling is
// enabled.
func (s *Search) NormalizedMean(node *Node) float32 {
	mean := playerSign(node.Action.Player) * node.Mean
	if !s.opts.ValueRescale || !s.bound.valid || s.bound.max == s.bound.min {
		return mean
	}
	norm := (node.Mean - s.bound.min) / (s.bound.max - s.bound.min)
	norm = 2*norm - 1
	norm = math32.Min(1, math32.Max(-1, norm))
	return playerSign(node.Action.Player) * norm
}

// DistributionString renders the root's visit distribution as
// "actionID:count" pairs, the payload of the per-move policy record entry.
func (s *Search) DistributionString() string {
	root := s.tree.Root()
	var sb strings.Builder
	for i := 0; i < root.NumChildren(); i++ {
		child := s.tree.Child(root, i)
		if child.Count == 0 {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.Itoa(child.Action.ID))
		sb.WriteByte(':')
		sb.WriteString(strconv.FormatFloat(float64(child.Count), 'g', -1, 32))
	}
	return sb.String()
}
