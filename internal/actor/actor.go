// Package actor drives one self-play game: it owns an environment and a
// search tree, turns selection paths into network evaluation requests,
// consumes the batched outputs, and emits a serialized game record when the
// episode ends.
//
// An actor is single-threaded by construction; the scheduler guarantees each
// actor is touched by at most one worker per phase.
package actor

import (
	"fmt"
	"math/rand"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/zerofleet/zerofleet/internal/config"
	"github.com/zerofleet/zerofleet/internal/gamezero"
	"github.com/zerofleet/zerofleet/internal/mcts"
)

// ActionInfo is the per-move training annotation: the search policy
// distribution, the root value estimate and the environment reward, all
// pre-rendered as record strings.
type ActionInfo struct {
	Policy string
	Value  string
	Reward string
}

// Actor runs searches for a single game instance.
type Actor struct {
	cfg *config.CoreConfig
	env gamezero.Environment
	rng *rand.Rand

	search  *mcts.Search
	halving *mcts.SequentialHalving // non-nil only for the Gumbel variant

	azNet gamezero.AlphaZeroEvaluator
	muNet gamezero.MuZeroEvaluator

	// batchSlot is the outstanding evaluation slot, -1 when none.
	batchSlot int
	path      []*mcts.Node
	selected  *mcts.Node

	searchInfo    string
	searchStart   time.Time
	resignEnabled bool
	modelName     string
	history       []ActionInfo
}

// New builds an actor for env. The search arena is sized from the
// configured simulation count and the environment's action space.
func New(cfg *config.CoreConfig, env gamezero.Environment, seed uint64) *Actor {
	rng := rand.New(rand.NewSource(int64(seed)))
	a := &Actor{
		cfg:       cfg,
		env:       env,
		rng:       rng,
		search:    mcts.NewSearch(mcts.OptionsFromConfig(cfg), cfg.NNActionSize, rng),
		batchSlot: -1,
		modelName: filepath.Base(cfg.NNFileName),
	}
	if cfg.ActorUseGumbel {
		a.halving = mcts.NewSequentialHalving(cfg.ActorGumbelSigmaVisitC, cfg.ActorGumbelSigmaScaleC)
	}
	a.Reset()
	return a
}

// SetNetwork assigns the evaluator; exactly one of the two families must be
// implemented by n.
func (a *Actor) SetNetwork(n gamezero.Network) error {
	a.azNet, _ = n.(gamezero.AlphaZeroEvaluator)
	a.muNet, _ = n.(gamezero.MuZeroEvaluator)
	if a.muNet != nil {
		a.azNet = nil
	}
	if a.azNet == nil && a.muNet == nil {
		return errors.Errorf("network %T implements neither evaluator family", n)
	}
	return nil
}

// SetModelName updates the model tag embedded in records, called when the
// scheduler reloads networks.
func (a *Actor) SetModelName(path string) { a.modelName = filepath.Base(path) }

// Env returns the live environment.
func (a *Actor) Env() gamezero.Environment { return a.env }

// Search returns the actor's search, exposed for tests and display.
func (a *Actor) Search() *mcts.Search { return a.search }

// Reset starts a new game: environment, action-info history, resign
// sampling, and a fresh search.
func (a *Actor) Reset() {
	a.env.Reset()
	a.history = a.history[:0]
	a.resignEnabled = a.rng.Float64() >= float64(a.cfg.ZeroDisableResignRatio)
	a.ResetSearch()
}

// ResetSearch clears the tree and aims the root sentinel so root children
// belong to the side to move.
func (a *Actor) ResetSearch() {
	a.batchSlot = -1
	a.path = nil
	a.selected = nil
	a.searchInfo = ""
	a.search.Reset()
	a.searchStart = time.Now()
	if a.halving != nil {
		a.halving.Reset()
	}
	a.search.Root().Action = gamezero.Action{
		ID:     gamezero.InvalidActionID,
		Player: gamezero.PreviousPlayer(a.env.Turn(), a.env.NumPlayers()),
	}
}

// NNEvaluationBatchIndex returns the outstanding batch slot, -1 when no
// request is in flight.
func (a *Actor) NNEvaluationBatchIndex() int { return a.batchSlot }

// selection returns the next path to evaluate under the configured variant.
func (a *Actor) selection() []*mcts.Node {
	if a.halving != nil {
		return a.halving.Selection(a.search)
	}
	return a.search.Select()
}

// BeforeNNEvaluation selects a path and enqueues the evaluation request for
// its leaf into the assigned network's current batch.
func (a *Actor) BeforeNNEvaluation() error {
	a.path = a.selection()
	leaf := a.path[len(a.path)-1]
	switch {
	case a.azNet != nil:
		transition, err := a.envTransition(a.path)
		if err != nil {
			return err
		}
		rotation := gamezero.RotationNone
		if a.cfg.ActorUseRandomRotationFeature {
			rotation = gamezero.Rotation(a.rng.Intn(int(gamezero.NumRotations)))
		}
		a.batchSlot = a.azNet.PushBack(transition.Features(rotation), rotation)
	case a.muNet != nil:
		if a.search.NumSimulations() == 0 {
			a.batchSlot = a.muNet.PushBackInitial(a.env.Features(gamezero.RotationNone))
		} else {
			parent := a.path[len(a.path)-2]
			if parent.ExtraDataIndex < 0 {
				return errors.New("recurrent inference requested below a node with no hidden state")
			}
			hidden := a.search.Extra().Get(int(parent.ExtraDataIndex))
			a.batchSlot = a.muNet.PushBackRecurrent(hidden, a.env.ActionFeatures(leaf.Action, gamezero.RotationNone))
		}
	default:
		return errors.New("actor has no network assigned")
	}
	return nil
}

// AfterNNEvaluation expands the evaluated leaf, backs the value up the
// stored path, applies root noise, and finishes the search when the
// simulation target is reached.
func (a *Actor) AfterNNEvaluation(output gamezero.Output) error {
	path := a.path
	leaf := path[len(path)-1]
	switch {
	case a.azNet != nil:
		transition, err := a.envTransition(path)
		if err != nil {
			return err
		}
		if transition.IsTerminal() {
			if err := a.search.Backup(path, transition.EvalScore(false)); err != nil {
				return err
			}
		} else {
			if err := a.search.Expand(leaf, a.alphaZeroCandidates(transition, output)); err != nil {
				return err
			}
			if err := a.search.Backup(path, output.Value); err != nil {
				return err
			}
		}
	case a.muNet != nil:
		if err := a.search.Expand(leaf, a.muZeroCandidates(leaf, output)); err != nil {
			return err
		}
		leaf.Reward = output.Reward
		if err := a.search.Backup(path, output.Value); err != nil {
			return err
		}
		leaf.ExtraDataIndex = int32(a.search.Extra().Store(output.HiddenState))
	default:
		return errors.New("actor has no network assigned")
	}

	if leaf == a.search.Root() {
		a.addNoiseToRootChildren()
	}
	if a.halving != nil {
		a.halving.AfterEvaluation(a.search, a.cfg.ActorGumbelSampleSize)
	}
	if a.IsSearchDone() {
		a.handleSearchDone()
	}
	return nil
}

// IsSearchDone reports whether the simulation target (plus the root's
// initial inference) has been reached.
func (a *Actor) IsSearchDone() bool { return a.search.ReachedMaxSimulations() }

// SearchElapsed returns the wall-clock time spent in the current search.
func (a *Actor) SearchElapsed() time.Duration { return time.Since(a.searchStart) }

// ForceSearchDone decides an action from whatever simulations completed,
// used by the scheduler when the think time limit expires between batches.
func (a *Actor) ForceSearchDone() { a.handleSearchDone() }

// SearchAction returns the decided action; only valid once the search is
// done and a decision exists.
func (a *Actor) SearchAction() gamezero.Action { return a.selected.Action }

// SelectedNode returns the decided child, nil when the search produced no
// decision (no legal root actions).
func (a *Actor) SelectedNode() *mcts.Node { return a.selected }

// SearchInfo returns the human-readable summary built when the search
// completed.
func (a *Actor) SearchInfo() string { return a.searchInfo }

// IsResign reports whether this game resigns on the decided action. A search
// with no decision always resigns.
func (a *Actor) IsResign() bool {
	if a.selected == nil {
		return true
	}
	return a.resignEnabled && a.search.IsResign(a.selected)
}

// Act plays the action on the live environment and records the per-move
// annotations.
func (a *Actor) Act(action gamezero.Action) bool {
	if !a.env.Act(action) {
		return false
	}
	a.history = append(a.history, ActionInfo{
		Policy: a.policyString(),
		Value:  strconv.FormatFloat(float64(a.search.Root().Mean), 'g', -1, 32),
		Reward: strconv.FormatFloat(float64(a.env.Reward()), 'g', -1, 32),
	})
	return true
}

// ActionInfoHistory returns the per-move annotations collected so far.
func (a *Actor) ActionInfoHistory() []ActionInfo { return a.history }

// TrimActionInfo clears annotations in [start, end], releasing memory for
// intermediate emissions of long games.
func (a *Actor) TrimActionInfo(start, end int) {
	for i := start; i <= end && i < len(a.history); i++ {
		a.history[i] = ActionInfo{}
	}
}

func (a *Actor) policyString() string {
	if a.halving != nil {
		return a.halving.PolicyString(a.search)
	}
	return a.search.DistributionString()
}

// envTransition simulates the path's actions on a copy of the live
// environment.
func (a *Actor) envTransition(path []*mcts.Node) (gamezero.Environment, error) {
	transition := a.env.Clone()
	for _, node := range path[1:] {
		if !transition.Act(node.Action) {
			return nil, errors.Errorf("selection path contains illegal action %d for %s",
				node.Action.ID, node.Action.Player)
		}
	}
	return transition, nil
}

// alphaZeroCandidates filters the policy head down to legal actions of the
// transition state. PUCT expansion orders by policy, the Gumbel variant by
// logit, so the best candidate sits first in the arena and wins exact ties.
func (a *Actor) alphaZeroCandidates(transition gamezero.Environment, output gamezero.Output) []mcts.Candidate {
	candidates := make([]mcts.Candidate, 0, len(output.Policy))
	for id := range output.Policy {
		action := gamezero.Action{ID: id, Player: transition.Turn()}
		if !transition.IsLegalAction(action) {
			continue
		}
		candidates = append(candidates, mcts.Candidate{
			Action:      action,
			Policy:      output.Policy[id],
			PolicyLogit: output.PolicyLogits[id],
		})
	}
	a.sortCandidates(candidates)
	return candidates
}

// muZeroCandidates builds candidates from a dynamics-model evaluation. Only
// the root applies the legal-action filter: below it the learned model
// defines the transition, so every action stays available.
func (a *Actor) muZeroCandidates(leaf *mcts.Node, output gamezero.Output) []mcts.Candidate {
	turn := gamezero.NextPlayer(leaf.Action.Player, a.env.NumPlayers())
	isRoot := leaf == a.search.Root()
	candidates := make([]mcts.Candidate, 0, len(output.Policy))
	for id := range output.Policy {
		action := gamezero.Action{ID: id, Player: turn}
		if isRoot && !a.env.IsLegalAction(action) {
			continue
		}
		candidates = append(candidates, mcts.Candidate{
			Action:      action,
			Policy:      output.Policy[id],
			PolicyLogit: output.PolicyLogits[id],
		})
	}
	a.sortCandidates(candidates)
	return candidates
}

func (a *Actor) sortCandidates(candidates []mcts.Candidate) {
	if a.halving != nil {
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].PolicyLogit > candidates[j].PolicyLogit
		})
		return
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Policy > candidates[j].Policy
	})
}

func (a *Actor) addNoiseToRootChildren() {
	root := a.search.Root()
	if root.NumChildren() == 0 {
		return
	}
	if a.cfg.ActorUseDirichletNoise {
		a.search.ApplyDirichletToChildren(root,
			a.cfg.ActorDirichletNoiseAlpha, a.cfg.ActorDirichletNoiseEpsilon, a.rng.Uint64())
	} else if a.cfg.ActorUseGumbelNoise {
		a.search.ApplyGumbelToChildren(root)
	}
}

func (a *Actor) handleSearchDone() {
	a.selected = a.decideActionNode()
	if a.selected == nil {
		a.searchInfo = "no legal action: resigning\n"
		return
	}
	action := a.selected.Action
	a.searchInfo = fmt.Sprintf(
		"model file name: %s\n[%s] move number: %d, action: %s (%d), player: %c\n  root node info: %s\naction node info: %s\n",
		a.modelName,
		time.Now().Format("2006/01/02 15:04:05.000"),
		len(a.env.ActionHistory()),
		a.env.ActionString(action), action.ID, action.Player.Char(),
		a.search.Root(), a.selected)
}

func (a *Actor) decideActionNode() *mcts.Node {
	root := a.search.Root()
	if root.NumChildren() == 0 {
		return nil
	}
	if a.halving != nil && a.cfg.ActorSelectActionByCount {
		return a.halving.DecideActionNode(a.search)
	}
	if a.cfg.ActorSelectActionByCount {
		return a.search.SelectByMaxCount(root)
	}
	if a.cfg.ActorSelectActionBySoftmax {
		return a.search.SelectBySoftmaxCount(root, a.temperature())
	}
	if a.halving != nil {
		return a.halving.DecideActionNode(a.search)
	}
	return a.search.SelectByMaxCount(root)
}

// temperature applies the configured decay schedule: full temperature for
// the first half of the training run, then 0.5x and 0.25x for the following
// quarters, keyed on the loaded model's iteration.
func (a *Actor) temperature() float32 {
	temperature := a.cfg.ActorSelectActionTemperature
	if !a.cfg.ActorSelectActionTempDecay || a.cfg.ZeroEndIteration <= 0 {
		return temperature
	}
	iteration := ModelIteration(a.modelName)
	progress := float64(iteration) / float64(a.cfg.ZeroEndIteration)
	switch {
	case progress >= 0.75:
		return temperature * 0.25
	case progress >= 0.5:
		return temperature * 0.5
	}
	return temperature
}

// Think runs a full synchronous search, batching up to the configured think
// batch size of selection paths per forward pass, and returns the decided
// action. When withPlay is set the action is also applied to the live
// environment.
func (a *Actor) Think(withPlay bool) (gamezero.Action, error) {
	a.ResetSearch()
	for !a.IsSearchDone() {
		if err := a.step(); err != nil {
			return gamezero.Action{ID: gamezero.InvalidActionID}, err
		}
	}
	if a.selected == nil {
		return gamezero.Action{ID: gamezero.InvalidActionID}, errors.New("search finished without a decision")
	}
	action := a.SearchAction()
	if withPlay {
		a.Act(action)
	}
	if klog.V(2).Enabled() {
		klog.Infof("\n%s%s", a.env, a.searchInfo)
	}
	return action, nil
}

// step submits one think batch and consumes its results. Paths whose leaf
// already carries virtual loss are evaluated for batch-shape stability but
// their results are discarded; the completing path releases the leaf's full
// outstanding virtual loss.
func (a *Actor) step() error {
	numSimulation := a.search.NumSimulations()
	simulationsLeft := a.cfg.ActorNumSimulation + 1 - numSimulation
	batchSize := a.cfg.ActorMCTSThinkBatchSize
	if a.muNet != nil && numSimulation == 0 {
		batchSize = 1 // the root's initial inference cannot share a batch with recurrent calls
	}
	if batchSize > simulationsLeft {
		batchSize = simulationsLeft
	}

	type pending struct {
		slot int
		path []*mcts.Node
	}
	var evaluated []pending
	for i := 0; i < batchSize; i++ {
		if err := a.BeforeNNEvaluation(); err != nil {
			return err
		}
		leaf := a.path[len(a.path)-1]
		if leaf.VirtualLoss == 0 {
			evaluated = append(evaluated, pending{slot: a.batchSlot, path: a.path})
		}
		a.search.AddVirtualLoss(a.path)
	}

	var outputs []gamezero.Output
	var err error
	switch {
	case a.azNet != nil:
		outputs, err = a.azNet.Forward()
	case numSimulation == 0:
		outputs, err = a.muNet.InitialInference()
	default:
		outputs, err = a.muNet.RecurrentInference()
	}
	if err != nil {
		return err
	}

	for _, evaluation := range evaluated {
		a.batchSlot = evaluation.slot
		a.path = evaluation.path
		if err := a.AfterNNEvaluation(outputs[evaluation.slot]); err != nil {
			return err
		}
		leaf := a.path[len(a.path)-1]
		a.search.ReleaseVirtualLoss(a.path, leaf.VirtualLoss)
	}
	return nil
}
