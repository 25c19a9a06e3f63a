package mcts

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/chewxy/math32"
)

// SequentialHalving drives the Gumbel root procedure: the top sampleSize
// root children by noisy logit become candidates, each round gives every
// survivor an equal simulation budget, and when all survivors reach it the
// candidate set halves, re-ranked by completed score. Halving stops at two
// survivors; the search's action is the best of them by completed score.
type SequentialHalving struct {
	sigmaVisitC float32
	sigmaScaleC float32
	sampleSize  int
	budget      int
	candidates  []*Node
}

// NewSequentialHalving builds the procedure with the completed-score sigma
// constants.
func NewSequentialHalving(sigmaVisitC, sigmaScaleC float32) *SequentialHalving {
	return &SequentialHalving{sigmaVisitC: sigmaVisitC, sigmaScaleC: sigmaScaleC}
}

// Reset clears the candidate state for a new search.
func (h *SequentialHalving) Reset() {
	h.sampleSize = 0
	h.budget = 0
	h.candidates = h.candidates[:0]
}

// Candidates returns the surviving candidates.
func (h *SequentialHalving) Candidates() []*Node { return h.candidates }

// SampleSize returns the current number of survivors the round is ranked
// down to.
func (h *SequentialHalving) SampleSize() int { return h.sampleSize }

// Budget returns the per-candidate visit target of the current round.
func (h *SequentialHalving) Budget() int { return h.budget }

// Selection returns the next path to evaluate: the plain PUCT path for the
// root's first evaluation, afterwards a descent below the least-visited
// candidate (ties to the higher logit), with the root prepended so backups
// still reach it.
func (h *SequentialHalving) Selection(s *Search) []*Node {
	if s.NumSimulations() == 0 {
		return s.Select()
	}
	sort.SliceStable(h.candidates, func(i, j int) bool {
		lhs, rhs := h.candidates[i], h.candidates[j]
		if lhs.Count != rhs.Count {
			return lhs.Count < rhs.Count
		}
		return lhs.PolicyLogit > rhs.PolicyLogit
	})
	path := s.SelectFrom(h.candidates[0])
	return append([]*Node{s.Root()}, path...)
}

// AfterEvaluation advances the procedure once a backup has completed. On the
// first simulation it collects the candidate set; afterwards it halves the
// set whenever every survivor has reached the round's budget.
func (h *SequentialHalving) AfterEvaluation(s *Search, gumbelSampleSize int) {
	if s.NumSimulations() == 1 {
		root := s.Root()
		h.candidates = h.candidates[:0]
		for i := 0; i < root.NumChildren(); i++ {
			h.candidates = append(h.candidates, s.Tree().Child(root, i))
		}
		sort.SliceStable(h.candidates, func(i, j int) bool {
			return h.candidates[i].PolicyLogit > h.candidates[j].PolicyLogit
		})
		if len(h.candidates) > gumbelSampleSize {
			h.candidates = h.candidates[:gumbelSampleSize]
		}
		h.sampleSize = gumbelSampleSize
		h.budget = int(math.Max(1, math.Floor(
			float64(s.Options().NumSimulations)/(math.Log2(float64(gumbelSampleSize))*float64(h.sampleSize)))))
		return
	}

	for _, node := range h.candidates {
		if int(node.Count) < h.budget {
			return
		}
	}

	// All survivors reached the budget: halve, re-rank, set the next round's
	// target relative to the current leader so the budget never decreases.
	nextBudget := int(math.Floor(
		float64(s.Options().NumSimulations) / (math.Log2(float64(gumbelSampleSize)) * float64(h.sampleSize) / 2)))
	if nextBudget <= 0 || h.sampleSize <= 2 {
		return
	}
	h.sampleSize /= 2
	h.SortCandidatesByScore(s)
	if len(h.candidates) > h.sampleSize {
		h.candidates = h.candidates[:h.sampleSize]
	}
	h.budget = int(h.candidates[0].Count) + nextBudget
}

// completedScore ranks a candidate by its noisy logit plus its visit-scaled
// normalized Q. Unvisited candidates sort last.
func (h *SequentialHalving) completedScore(s *Search, node *Node, maxChildCount float32) float32 {
	if node.Count == 0 {
		return math32.Inf(-1)
	}
	value := s.NormalizedMean(node)
	return node.PolicyLogit + (h.sigmaVisitC+maxChildCount)*h.sigmaScaleC*value
}

// SortCandidatesByScore orders the survivors by completed score, best first.
func (h *SequentialHalving) SortCandidatesByScore(s *Search) {
	root := s.Root()
	maxChildCount := float32(0)
	for i := 0; i < root.NumChildren(); i++ {
		maxChildCount = math32.Max(maxChildCount, s.Tree().Child(root, i).Count)
	}
	sort.SliceStable(h.candidates, func(i, j int) bool {
		return h.completedScore(s, h.candidates[i], maxChildCount) >
			h.completedScore(s, h.candidates[j], maxChildCount)
	})
}

// DecideActionNode returns the winning candidate once the search completes.
func (h *SequentialHalving) DecideActionNode(s *Search) *Node {
	h.SortCandidatesByScore(s)
	return h.candidates[0]
}

// PolicyString renders the completed Q-values of all root children as the
// normalized "actionID:weight" distribution recorded for training.
func (h *SequentialHalving) PolicyString(s *Search) string {
	root := s.Root()
	numSimulations := float32(s.Options().NumSimulations)

	// Value estimate for children never visited, mixing the root value with
	// the visit-weighted Q of the visited ones.
	var piSum, qSum float32
	for i := 0; i < root.NumChildren(); i++ {
		child := s.Tree().Child(root, i)
		if child.Count == 0 {
			continue
		}
		piSum += child.Policy
		qSum += child.Policy * s.NormalizedMean(child)
	}
	valuePi := playerSign(s.Tree().Child(root, 0).Action.Player) * root.Value
	nonVisitedValue := 1 / (1 + numSimulations) * (valuePi + (numSimulations/piSum)*qSum)

	maxChildCount := float32(0)
	for i := 0; i < root.NumChildren(); i++ {
		maxChildCount = math32.Max(maxChildCount, s.Tree().Child(root, i).Count)
	}

	scores := make([]float32, root.NumChildren())
	maxLogit := math32.Inf(-1)
	for i := 0; i < root.NumChildren(); i++ {
		child := s.Tree().Child(root, i)
		value := nonVisitedValue
		if child.Count > 0 {
			value = s.NormalizedMean(child)
		}
		logitWithoutNoise := child.PolicyLogit - child.PolicyNoise
		scores[i] = logitWithoutNoise + (h.sigmaVisitC+maxChildCount)*h.sigmaScaleC*value
		maxLogit = math32.Max(maxLogit, scores[i])
	}

	return renderLogitDistribution(s, scores, maxLogit)
}

// renderLogitDistribution converts centered logit scores into the
// "actionID:weight" form shared with the visit-count distribution. Scores
// more than 38 below the maximum (weight under about 3e-17) are dropped.
func renderLogitDistribution(s *Search, scores []float32, maxLogit float32) string {
	root := s.Root()
	var sb strings.Builder
	for i, score := range scores {
		score -= maxLogit
		if score < -38 {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "%d:%g", s.Tree().Child(root, i).Action.ID, math32.Exp(score))
	}
	return sb.String()
}
