// Package group schedules N parallel self-play actors across M networks.
//
// The parallelism model is a cyclic two-phase pipeline: in the CPU phase,
// worker goroutines claim actors one at a time and run tree work, batching
// one evaluation request per actor into its network; in the GPU phase, each
// worker that owns a network runs the batched forward pass. A barrier
// separates the phases, so network outputs produced in one GPU phase are
// consumed in the following CPU phase by slot index.
//
// Control commands (start/stop/reset_actors/load_model/quit) arrive as lines
// on an input stream and are drained at the top of each cycle; finished game
// records leave as single lines on the output stream.
package group

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/zerofleet/zerofleet/internal/actor"
	"github.com/zerofleet/zerofleet/internal/config"
	"github.com/zerofleet/zerofleet/internal/gamezero"
	"github.com/zerofleet/zerofleet/internal/ui/cli"
)

// NetworkFactory builds the evaluator for one device; injected so tests can
// run against deterministic mocks.
type NetworkFactory func(cfg *config.CoreConfig, deviceID int) (gamezero.Network, error)

// Options configure a Group beyond CoreConfig; zero values pick the
// production defaults (stdin commands, stdout records, os.Exit on quit).
type Options struct {
	NewNetwork NetworkFactory
	Commands   io.Reader
	Records    io.Writer
	OnQuit     func()
}

// Group owns the actors, the networks and the worker goroutines.
type Group struct {
	cfg  *config.CoreConfig
	opts Options

	actors          []*actor.Actor
	networks        []gamezero.Network
	outputs         [][]gamezero.Output
	actorsGameIndex []int
	gameIndex       int

	// actorIndex is the claim counter of the current CPU phase.
	actorIndex atomic.Int64

	doCPUJob bool
	running  bool
	done     atomic.Bool

	start, finish *barrier
	numThreads    int

	mu       sync.Mutex // guards commands queue, gameIndex, actorsGameIndex and resets
	commands []string
	ignored  map[string]bool

	recordMu sync.Mutex
	records  io.Writer

	display *cli.Printer
}

// New builds a scheduler. The environment for every actor is created from
// the configured environment name.
func New(cfg *config.CoreConfig, opts Options) (*Group, error) {
	if opts.Commands == nil {
		opts.Commands = os.Stdin
	}
	if opts.Records == nil {
		opts.Records = os.Stdout
	}
	if opts.OnQuit == nil {
		opts.OnQuit = func() { os.Exit(0) }
	}
	if opts.NewNetwork == nil {
		return nil, errors.New("group requires a network factory")
	}
	g := &Group{
		cfg:     cfg,
		opts:    opts,
		ignored: map[string]bool{},
		records: opts.Records,
		display: cli.NewPrinter(os.Stderr),
	}
	for _, command := range strings.Fields(cfg.ZeroActorIgnoredCommand) {
		g.ignored[command] = true
	}
	return g, nil
}

// Run initializes the pool and cycles phases until ctx is cancelled or a
// quit command arrives.
func (g *Group) Run(ctx context.Context) error {
	if err := g.initialize(); err != nil {
		return err
	}
	go g.readCommands()

	for ctx.Err() == nil {
		g.handleCommands()
		if !g.running {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		g.actorIndex.Store(0)
		g.start.await()
		g.finish.await()
		g.doCPUJob = !g.doCPUJob
	}

	// Release the workers through one final no-op cycle so they observe done.
	g.done.Store(true)
	g.start.await()
	g.finish.await()
	return ctx.Err()
}

func (g *Group) initialize() error {
	numNetworks := min(g.cfg.ActorNumGPUs, g.cfg.ActorNumParallelGames)
	if numNetworks < 1 {
		numNetworks = 1
	}
	g.networks = make([]gamezero.Network, numNetworks)
	g.outputs = make([][]gamezero.Output, numNetworks)
	for deviceID := range g.networks {
		network, err := g.opts.NewNetwork(g.cfg, deviceID)
		if err != nil {
			return errors.WithMessagef(err, "failed to create network for device %d", deviceID)
		}
		g.networks[deviceID] = network
	}

	numActors := g.cfg.ActorNumParallelGames
	g.actors = make([]*actor.Actor, numActors)
	g.actorsGameIndex = make([]int, numActors)
	g.gameIndex = 0
	for i := range g.actors {
		env, err := gamezero.NewEnvironment(g.cfg.EnvName, g.cfg.EnvBoardSize)
		if err != nil {
			return err
		}
		seed := uint64(g.cfg.ProgramSeed + i)
		if g.cfg.ProgramAutoSeed {
			seed = uint64(time.Now().UnixNano()) + uint64(i)
		}
		g.actors[i] = actor.New(g.cfg, env, seed)
		if err := g.actors[i].SetNetwork(g.networks[i%numNetworks]); err != nil {
			return err
		}
		g.resetActor(i)
	}

	g.numThreads = max(numNetworks, g.cfg.ActorNumThreads)
	g.start = newBarrier(g.numThreads + 1)
	g.finish = newBarrier(g.numThreads + 1)
	g.running = false
	g.doCPUJob = true
	for id := 0; id < g.numThreads; id++ {
		go g.workerLoop(id)
	}
	klog.V(1).Infof("actor group: %d actors, %d networks, %d worker threads",
		numActors, numNetworks, g.numThreads)
	return nil
}

func (g *Group) workerLoop(id int) {
	for {
		g.start.await()
		if g.done.Load() {
			g.finish.await()
			return
		}
		if g.doCPUJob {
			for g.doCPUJob1() {
			}
		} else {
			g.doGPUJob(id)
		}
		g.finish.await()
	}
}

// doCPUJob1 claims one actor and advances it one step; it returns false once
// every actor of the phase has been claimed, so each actor is touched at
// most once per phase.
func (g *Group) doCPUJob1() bool {
	index := int(g.actorIndex.Add(1)) - 1
	if index >= len(g.actors) {
		return false
	}
	if g.cfg.ZeroActorStopAfterEnoughGames && g.actorGameIndex(index) >= g.cfg.ZeroNumGamesPerIteration {
		return true // this actor consumed its share; leave it idle
	}

	a := g.actors[index]
	networkID := index % len(g.networks)
	if slot := a.NNEvaluationBatchIndex(); slot >= 0 {
		if err := a.AfterNNEvaluation(g.outputs[networkID][slot]); err != nil {
			klog.Errorf("actor %d evaluation failed: %v", index, err)
			g.mu.Lock()
			g.resetActor(index)
			g.mu.Unlock()
			return true
		}
		forced := !a.IsSearchDone() && g.pastTimeLimit(a)
		if forced {
			a.ForceSearchDone()
		}
		if forced || a.IsSearchDone() {
			g.handleSearchDone(index)
		}
	}
	if err := a.BeforeNNEvaluation(); err != nil {
		klog.Errorf("actor %d selection failed: %v", index, err)
	}
	return true
}

func (g *Group) pastTimeLimit(a *actor.Actor) bool {
	limit := g.cfg.ActorMCTSThinkTimeLimit
	return limit > 0 && a.SearchElapsed() > time.Duration(float64(limit)*float64(time.Second))
}

func (g *Group) doGPUJob(id int) {
	if id >= len(g.networks) {
		return
	}
	var outputs []gamezero.Output
	var err error
	switch network := g.networks[id].(type) {
	case gamezero.AlphaZeroEvaluator:
		if network.BatchSize() == 0 {
			return
		}
		outputs, err = network.Forward()
	case gamezero.MuZeroEvaluator:
		if network.InitialBatchSize() > 0 {
			outputs, err = network.InitialInference()
		} else if network.RecurrentBatchSize() > 0 {
			outputs, err = network.RecurrentInference()
		} else {
			return
		}
	}
	if err != nil {
		klog.Errorf("network %d inference failed: %v", id, err)
		return
	}
	g.outputs[id] = outputs
}

func (g *Group) handleSearchDone(index int) {
	a := g.actors[index]
	if !a.IsResign() {
		a.Act(a.SearchAction())
	}
	isEndgame := a.IsResign() || a.Env().IsTerminal()
	if index == 0 && !g.cfg.ProgramQuiet &&
		(g.cfg.ActorNumSimulation >= 50 || isEndgame) {
		g.display.PrintGame(a.Env().String(), a.SearchInfo())
	}
	if isEndgame {
		g.outputGame(a)
		g.mu.Lock()
		g.resetActor(index)
		g.mu.Unlock()
		return
	}
	gameLength := len(a.Env().ActionHistory())
	seqLen := g.cfg.ZeroActorIntermediateSequenceLen
	if seqLen > 0 && gameLength > seqLen &&
		(gameLength-g.cfg.LearnerNStepReturn+1)%seqLen == seqLen-1 {
		g.outputGame(a)
	}
	a.ResetSearch()
}

// resetActor is called with g.mu held (or before workers start).
func (g *Group) resetActor(index int) {
	g.actors[index].Reset()
	if g.cfg.ZeroActorStopAfterEnoughGames {
		if g.gameIndex < g.cfg.ZeroNumGamesPerIteration {
			g.actorsGameIndex[index] = g.gameIndex
			g.gameIndex++
		} else {
			g.actorsGameIndex[index] = g.gameIndex
		}
	}
}

func (g *Group) actorGameIndex(index int) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.actorsGameIndex[index]
}

// trainingDataRange computes the [start, end] move window emitted with a
// record. A zero intermediate-sequence length means the whole game.
func (g *Group) trainingDataRange(a *actor.Actor) (int, int) {
	gameLength := len(a.Env().ActionHistory())
	start, end := 0, gameLength-1
	seqLen := g.cfg.ZeroActorIntermediateSequenceLen
	if seqLen <= 0 {
		return start, end
	}
	if a.Env().IsTerminal() {
		start = end - end%seqLen
	} else {
		end = max(0, gameLength-(g.cfg.LearnerNStepReturn-1))
		start = end + 1 - seqLen
	}
	return max(0, start), max(0, end)
}

// outputGame emits one SelfPlay line:
//
//	SelfPlay <terminal?> <data_length> <game_length> <return> <record> #
//
// The line is written atomically under the record mutex; '#' terminates the
// valid part of the record.
func (g *Group) outputGame(a *actor.Actor) {
	gameLength := len(a.Env().ActionHistory())
	start, end := g.trainingDataRange(a)
	isTerminal := g.cfg.ZeroActorIntermediateSequenceLen == 0 || a.Env().IsTerminal()
	line := fmt.Sprintf("SelfPlay %t %d %d %g %s #",
		isTerminal,
		end-start+1,
		gameLength,
		a.Env().EvalScore(!a.Env().IsTerminal()),
		a.Record(map[string]string{"DLEN": fmt.Sprintf("%d-%d", start, end)}))
	if !isTerminal {
		a.TrimActionInfo(start, end)
	}
	g.recordMu.Lock()
	defer g.recordMu.Unlock()
	fmt.Fprintln(g.records, line)
}

// readCommands feeds the command queue from the input stream on its own
// goroutine.
func (g *Group) readCommands() {
	scanner := bufio.NewScanner(g.opts.Commands)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		g.mu.Lock()
		g.commands = append(g.commands, scanner.Text())
		g.mu.Unlock()
	}
}

func (g *Group) handleCommands() {
	g.mu.Lock()
	pending := g.commands
	g.commands = nil
	g.mu.Unlock()

	for _, command := range pending {
		prefix, _, _ := strings.Cut(command, " ")
		if g.ignored[prefix] {
			fmt.Fprintf(os.Stderr, "[ignored command] %s\n", command)
			continue
		}
		g.handleCommand(prefix, command)
	}
}

func (g *Group) handleCommand(prefix, command string) {
	switch prefix {
	case "start":
		fmt.Fprintf(os.Stderr, "[command] %s\n", command)
		g.running = true
	case "stop":
		fmt.Fprintf(os.Stderr, "[command] %s\n", command)
		g.running = false
	case "reset_actors":
		fmt.Fprintf(os.Stderr, "[command] %s\n", command)
		g.mu.Lock()
		g.gameIndex = 0
		for i := range g.actors {
			g.resetActor(i)
		}
		g.mu.Unlock()
	case "load_model":
		fmt.Fprintf(os.Stderr, "[command] %s\n", command)
		args := strings.Fields(command)
		if len(args) != 2 {
			klog.Errorf("load_model expects one path, got %q", command)
			return
		}
		for deviceID, network := range g.networks {
			if err := network.Load(args[1], deviceID); err != nil {
				klog.Errorf("failed to load model %s on device %d: %v", args[1], deviceID, err)
			}
		}
		for _, a := range g.actors {
			a.SetModelName(args[1])
		}
	case "quit":
		fmt.Fprintf(os.Stderr, "[command] %s\n", command)
		g.opts.OnQuit()
	default:
		klog.Warningf("unknown command %q", command)
	}
}
