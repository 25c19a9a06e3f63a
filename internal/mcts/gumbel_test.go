package mcts

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zerofleet/zerofleet/internal/gamezero"
)

// driveGumbelSearch runs a full sequential-halving search with a uniform
// policy, distinct logits, and constant value, tracking the procedure's
// shape invariants along the way.
func driveGumbelSearch(t *testing.T, numSimulations, sampleSize int) (*Search, *SequentialHalving) {
	t.Helper()
	s := NewSearch(testOptions(numSimulations), testActionSize, rand.New(rand.NewSource(3)))
	s.Root().Action = gamezero.Action{ID: gamezero.InvalidActionID, Player: gamezero.Player2}
	h := NewSequentialHalving(50, 1)
	h.Reset()

	lastSampleSize := testActionSize + 1
	lastBudget := 0
	lastCandidates := testActionSize + 1
	for !s.ReachedMaxSimulations() {
		path := h.Selection(s)
		leaf := path[len(path)-1]
		if leaf.IsLeaf() {
			candidates := uniformCandidates(gamezero.NextPlayer(leaf.Action.Player, 2))
			for i := range candidates {
				// Distinct logits so the top-m cut is deterministic.
				candidates[i].PolicyLogit = float32(testActionSize - i)
			}
			require.NoError(t, s.Expand(leaf, candidates))
		}
		require.NoError(t, s.Backup(path, 0))
		h.AfterEvaluation(s, sampleSize)

		if len(h.Candidates()) > 0 {
			require.LessOrEqual(t, len(h.Candidates()), lastCandidates, "candidate set must never grow")
			lastCandidates = len(h.Candidates())
			require.LessOrEqual(t, h.SampleSize(), lastSampleSize, "sample size must be non-increasing")
			lastSampleSize = h.SampleSize()
			require.GreaterOrEqual(t, h.Budget(), lastBudget, "budget must be non-decreasing")
			lastBudget = h.Budget()
		}
	}
	return s, h
}

func TestSequentialHalvingShape(t *testing.T) {
	const numSimulations, sampleSize = 16, 4
	s, h := driveGumbelSearch(t, numSimulations, sampleSize)

	// Total root visits: the initial inference plus every simulation.
	require.Equal(t, float32(numSimulations+1), s.Root().Count)

	// The candidate set halved at least once and decides a single survivor.
	require.LessOrEqual(t, len(h.Candidates()), sampleSize/2)
	selected := h.DecideActionNode(s)
	require.NotNil(t, selected)
	require.Greater(t, selected.Count, float32(0))
}

func TestSequentialHalvingCollectsTopCandidatesByLogit(t *testing.T) {
	s := NewSearch(testOptions(16), testActionSize, rand.New(rand.NewSource(5)))
	s.Root().Action = gamezero.Action{ID: gamezero.InvalidActionID, Player: gamezero.Player2}
	h := NewSequentialHalving(50, 1)
	h.Reset()

	path := h.Selection(s)
	candidates := uniformCandidates(gamezero.Player1)
	for i := range candidates {
		candidates[i].PolicyLogit = float32(i) // child 8 has the top logit
	}
	require.NoError(t, s.Expand(path[0], candidates))
	require.NoError(t, s.Backup(path, 0))
	h.AfterEvaluation(s, 4)

	require.Len(t, h.Candidates(), 4)
	for i, node := range h.Candidates() {
		require.Equal(t, 8-i, node.Action.ID, "candidates must be the top logits, best first")
	}
}

func TestSequentialHalvingSelectionPrefersLeastVisited(t *testing.T) {
	s := NewSearch(testOptions(16), testActionSize, rand.New(rand.NewSource(5)))
	s.Root().Action = gamezero.Action{ID: gamezero.InvalidActionID, Player: gamezero.Player2}
	h := NewSequentialHalving(50, 1)
	h.Reset()

	path := h.Selection(s)
	require.NoError(t, s.Expand(path[0], uniformCandidates(gamezero.Player1)))
	require.NoError(t, s.Backup(path, 0))
	h.AfterEvaluation(s, 2)
	require.Len(t, h.Candidates(), 2)

	first := h.Selection(s)
	require.NoError(t, s.Backup(first, 0))
	h.AfterEvaluation(s, 2)

	// The next selection must rotate to the not-yet-visited candidate.
	second := h.Selection(s)
	require.NotSame(t, first[1], second[1])
}

func TestGumbelPolicyStringNonEmpty(t *testing.T) {
	s, h := driveGumbelSearch(t, 16, 4)
	require.NotEmpty(t, h.PolicyString(s))
}
