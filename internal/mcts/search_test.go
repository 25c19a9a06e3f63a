package mcts

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zerofleet/zerofleet/internal/gamezero"
)

const testActionSize = 9

func testOptions(numSimulations int) Options {
	return Options{
		NumSimulations:  numSimulations,
		PUCTBase:        19652,
		PUCTInit:        1.25,
		RewardDiscount:  1,
		ResignThreshold: -0.9,
	}
}

func newTestSearch(t *testing.T, numSimulations int) *Search {
	t.Helper()
	s := NewSearch(testOptions(numSimulations), testActionSize, rand.New(rand.NewSource(1)))
	s.Root().Action = gamezero.Action{ID: gamezero.InvalidActionID, Player: gamezero.Player2}
	return s
}

func uniformCandidates(player gamezero.Player) []Candidate {
	candidates := make([]Candidate, testActionSize)
	for i := range candidates {
		candidates[i] = Candidate{
			Action: gamezero.Action{ID: i, Player: player},
			Policy: 1.0 / testActionSize,
		}
	}
	return candidates
}

// runUniformSearch drives a search with a uniform policy and constant value,
// expanding every leaf fully, until the simulation target is reached.
func runUniformSearch(t *testing.T, s *Search, value float32) {
	t.Helper()
	for !s.ReachedMaxSimulations() {
		path := s.Select()
		leaf := path[len(path)-1]
		player := gamezero.NextPlayer(leaf.Action.Player, 2)
		require.NoError(t, s.Expand(leaf, uniformCandidates(player)))
		require.NoError(t, s.Backup(path, value))
	}
}

func TestSearchVisitCountsAddUp(t *testing.T) {
	// After N simulations plus the root evaluation, the root has N+1 visits
	// and its children hold exactly N of them.
	const numSimulations = 16
	s := newTestSearch(t, numSimulations)
	runUniformSearch(t, s, 0)

	root := s.Root()
	require.Equal(t, float32(numSimulations+1), root.Count)
	require.Equal(t, numSimulations+1, s.NumSimulations())

	var childVisits float32
	visited := 0
	for i := 0; i < root.NumChildren(); i++ {
		child := s.Tree().Child(root, i)
		childVisits += child.Count
		if child.Count > 0 {
			visited++
		}
	}
	require.Equal(t, float32(numSimulations), childVisits)
	require.GreaterOrEqual(t, visited, 1)
	// Max-count selection picks the child holding the most visits.
	best := s.SelectByMaxCount(root)
	for i := 0; i < root.NumChildren(); i++ {
		require.GreaterOrEqual(t, best.Count, s.Tree().Child(root, i).Count)
	}
}

func TestExpandAttachesAllCandidates(t *testing.T) {
	s := newTestSearch(t, 4)
	candidates := uniformCandidates(gamezero.Player1)[:5]
	require.NoError(t, s.Expand(s.Root(), candidates))
	require.Equal(t, 5, s.Root().NumChildren())
	for i := range candidates {
		child := s.Tree().Child(s.Root(), i)
		require.Equal(t, candidates[i].Action, child.Action)
		require.Equal(t, candidates[i].Policy, child.Policy)
	}
}

func TestExpandRejectsEmptyCandidates(t *testing.T) {
	s := newTestSearch(t, 4)
	require.Error(t, s.Expand(s.Root(), nil))
}

func TestBackupRejectsEmptyPath(t *testing.T) {
	s := newTestSearch(t, 4)
	require.Error(t, s.Backup(nil, 0.5))
}

func TestPUCTTieBreakIsStable(t *testing.T) {
	// All children identical: the first-indexed child must win, repeatedly.
	s := newTestSearch(t, 8)
	require.NoError(t, s.Expand(s.Root(), uniformCandidates(gamezero.Player1)))
	require.NoError(t, s.Backup([]*Node{s.Root()}, 0))
	for range 5 {
		path := s.Select()
		require.Same(t, s.Tree().Child(s.Root(), 0), path[1])
	}
}

func TestVirtualLossSpreadsSelection(t *testing.T) {
	// Four successive selections with virtual loss applied must pick four
	// distinct depth-1 children.
	s := newTestSearch(t, 16)
	require.NoError(t, s.Expand(s.Root(), uniformCandidates(gamezero.Player1)))
	require.NoError(t, s.Backup([]*Node{s.Root()}, 0))

	var paths [][]*Node
	seen := map[*Node]bool{}
	for range 4 {
		path := s.Select()
		require.False(t, seen[path[1]], "virtual loss must push selection to a fresh child")
		seen[path[1]] = true
		s.AddVirtualLoss(path)
		paths = append(paths, path)
	}

	// Releasing each path's leaf amount brings every counter back to zero.
	for _, path := range paths {
		leaf := path[len(path)-1]
		s.ReleaseVirtualLoss(path, leaf.VirtualLoss)
	}
	require.Zero(t, s.Root().VirtualLoss)
	for i := 0; i < s.Root().NumChildren(); i++ {
		require.Zero(t, s.Tree().Child(s.Root(), i).VirtualLoss)
	}
}

func TestVirtualLossBalancesUnderOverlap(t *testing.T) {
	// Many overlapping in-flight paths: total additions equal total
	// releases, so all counters rest at zero.
	s := newTestSearch(t, 32)
	require.NoError(t, s.Expand(s.Root(), uniformCandidates(gamezero.Player1)))
	require.NoError(t, s.Backup([]*Node{s.Root()}, 0))

	var inflight [][]*Node
	for range 12 {
		path := s.Select()
		s.AddVirtualLoss(path)
		inflight = append(inflight, path)
	}
	// Complete them in reverse order; duplicates release their leaf's full
	// outstanding amount at once.
	for i := len(inflight) - 1; i >= 0; i-- {
		leaf := inflight[i][len(inflight[i])-1]
		if leaf.VirtualLoss > 0 {
			s.ReleaseVirtualLoss(inflight[i], leaf.VirtualLoss)
		}
	}
	require.Zero(t, s.Root().VirtualLoss)
	for i := 0; i < s.Root().NumChildren(); i++ {
		require.Zero(t, s.Tree().Child(s.Root(), i).VirtualLoss)
	}
}

func TestBackupPropagatesDiscountedReward(t *testing.T) {
	opts := testOptions(8)
	opts.RewardDiscount = 0.5
	s := NewSearch(opts, testActionSize, rand.New(rand.NewSource(1)))
	s.Root().Action = gamezero.Action{ID: gamezero.InvalidActionID, Player: gamezero.PlayerNone}

	require.NoError(t, s.Expand(s.Root(), uniformCandidates(gamezero.Player1)[:1]))
	child := s.Tree().Child(s.Root(), 0)
	child.Reward = 2

	require.NoError(t, s.Backup([]*Node{s.Root(), child}, 1))
	// Leaf takes the raw value; the root sees reward + discount*value.
	require.InDelta(t, 1.0, child.Mean, 1e-6)
	require.InDelta(t, 2.0+0.5*1.0, s.Root().Mean, 1e-6)
}

func TestIsResign(t *testing.T) {
	s := newTestSearch(t, 8)
	require.NoError(t, s.Expand(s.Root(), uniformCandidates(gamezero.Player1)))
	child := s.Tree().Child(s.Root(), 0)

	s.Root().Mean = -0.95
	child.Mean = -0.95
	child.Count = 1
	require.True(t, s.IsResign(child))

	child.Mean = 0.5
	require.False(t, s.IsResign(child))
}

func TestSelectByMaxCount(t *testing.T) {
	s := newTestSearch(t, 8)
	require.NoError(t, s.Expand(s.Root(), uniformCandidates(gamezero.Player1)))
	s.Tree().Child(s.Root(), 3).Count = 7
	s.Tree().Child(s.Root(), 5).Count = 4
	require.Same(t, s.Tree().Child(s.Root(), 3), s.SelectByMaxCount(s.Root()))
}

func TestSelectBySoftmaxCountOnlyPicksVisited(t *testing.T) {
	s := newTestSearch(t, 8)
	require.NoError(t, s.Expand(s.Root(), uniformCandidates(gamezero.Player1)))
	s.Tree().Child(s.Root(), 2).Count = 3
	s.Tree().Child(s.Root(), 6).Count = 1
	for range 20 {
		selected := s.SelectBySoftmaxCount(s.Root(), 1)
		require.Contains(t, []*Node{
			s.Tree().Child(s.Root(), 2),
			s.Tree().Child(s.Root(), 6),
		}, selected)
	}
}

func TestDirichletNoiseKeepsDistribution(t *testing.T) {
	s := newTestSearch(t, 8)
	require.NoError(t, s.Expand(s.Root(), uniformCandidates(gamezero.Player1)))
	s.ApplyDirichletToChildren(s.Root(), 0.03, 0.25, 7)

	var sum float32
	for i := 0; i < s.Root().NumChildren(); i++ {
		child := s.Tree().Child(s.Root(), i)
		require.GreaterOrEqual(t, child.Policy, float32(0))
		sum += child.Policy
	}
	require.InDelta(t, 1.0, sum, 1e-5)
}

func TestGumbelNoisePerturbsLogits(t *testing.T) {
	s := newTestSearch(t, 8)
	require.NoError(t, s.Expand(s.Root(), uniformCandidates(gamezero.Player1)))
	s.ApplyGumbelToChildren(s.Root())
	for i := 0; i < s.Root().NumChildren(); i++ {
		child := s.Tree().Child(s.Root(), i)
		require.Equal(t, child.PolicyNoise, child.PolicyLogit)
	}
}

func TestDistributionString(t *testing.T) {
	s := newTestSearch(t, 8)
	require.NoError(t, s.Expand(s.Root(), uniformCandidates(gamezero.Player1)))
	s.Tree().Child(s.Root(), 0).Count = 2
	s.Tree().Child(s.Root(), 4).Count = 6
	require.Equal(t, "0:2,4:6", s.DistributionString())
}
