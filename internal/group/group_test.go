package group

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zerofleet/zerofleet/internal/config"
	"github.com/zerofleet/zerofleet/internal/gamezero"
	"github.com/zerofleet/zerofleet/internal/gamezero/gamezerotest"
	_ "github.com/zerofleet/zerofleet/internal/gamezero/tictactoe"
)

// lineCollector is a Writer that gathers full lines and signals a waiter
// when a target count is reached.
type lineCollector struct {
	mu      sync.Mutex
	lines   []string
	partial string
	target  int
	reached chan struct{}
	once    sync.Once
}

func newLineCollector(target int) *lineCollector {
	return &lineCollector{target: target, reached: make(chan struct{})}
}

func (c *lineCollector) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.partial += string(p)
	for {
		idx := strings.IndexByte(c.partial, '\n')
		if idx < 0 {
			break
		}
		c.lines = append(c.lines, c.partial[:idx])
		c.partial = c.partial[idx+1:]
	}
	if len(c.lines) >= c.target {
		c.once.Do(func() { close(c.reached) })
	}
	return len(p), nil
}

func (c *lineCollector) Lines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

func testGroupConfig() *config.CoreConfig {
	cfg := config.Default()
	cfg.ProgramQuiet = true
	cfg.ActorNumSimulation = 4
	cfg.ActorNumParallelGames = 4
	cfg.ActorNumThreads = 1
	cfg.ActorNumGPUs = 1
	cfg.ActorSelectActionByCount = true
	cfg.ActorSelectActionBySoftmax = false
	cfg.ActorUseRandomRotationFeature = false
	cfg.ZeroActorStopAfterEnoughGames = true
	cfg.ZeroNumGamesPerIteration = 4
	cfg.ZeroDisableResignRatio = 1 // no resigns, play games out
	cfg.ZeroActorIgnoredCommand = ""
	cfg.NNActionSize = 9
	return cfg
}

func TestGroupPlaysConfiguredGames(t *testing.T) {
	cfg := testGroupConfig()
	network := &gamezerotest.MockAlphaZero{ActionSpace: 9}
	records := newLineCollector(4)

	g, err := New(cfg, Options{
		NewNetwork: func(*config.CoreConfig, int) (gamezero.Network, error) { return network, nil },
		Commands:   strings.NewReader("start\n"),
		Records:    records,
		OnQuit:     func() {},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()

	select {
	case <-records.reached:
	case <-ctx.Done():
		t.Fatal("timed out waiting for self-play records")
	}
	cancel()
	<-done

	lines := records.Lines()[:4]
	for _, line := range lines {
		require.True(t, strings.HasPrefix(line, "SelfPlay "), "record %q", line)
		require.True(t, strings.HasSuffix(line, "#"), "record %q must end with #", line)
		fields := strings.Fields(line)
		require.Equal(t, "true", fields[1], "board games emit terminal records")
	}

	// Every actor played exactly its share.
	g.mu.Lock()
	require.Equal(t, 4, g.gameIndex)
	for _, index := range g.actorsGameIndex {
		require.Equal(t, 4, index)
	}
	g.mu.Unlock()

	// Phase fairness: each CPU phase enqueues at most one request per actor.
	for _, batch := range network.BatchHistory {
		require.LessOrEqual(t, batch, cfg.ActorNumParallelGames)
	}
}

func TestGroupStopCommandHaltsProgress(t *testing.T) {
	cfg := testGroupConfig()
	network := &gamezerotest.MockAlphaZero{ActionSpace: 9}
	records := newLineCollector(1)

	// Never started: no records may appear.
	g, err := New(cfg, Options{
		NewNetwork: func(*config.CoreConfig, int) (gamezero.Network, error) { return network, nil },
		Commands:   strings.NewReader("stop\n"),
		Records:    records,
		OnQuit:     func() {},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	require.Error(t, g.Run(ctx)) // deadline exceeded
	require.Empty(t, records.Lines())
	require.Zero(t, network.Forwards)
}

func TestGroupLoadModelCommand(t *testing.T) {
	cfg := testGroupConfig()
	network := &gamezerotest.MockAlphaZero{ActionSpace: 9}
	records := newLineCollector(1)

	commands := "load_model /models/weight_iter_9.pt\nstart\n"
	g, err := New(cfg, Options{
		NewNetwork: func(*config.CoreConfig, int) (gamezero.Network, error) { return network, nil },
		Commands:   strings.NewReader(commands),
		Records:    records,
		OnQuit:     func() {},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()
	select {
	case <-records.reached:
	case <-ctx.Done():
		t.Fatal("timed out waiting for a record")
	}
	cancel()
	<-done

	require.Equal(t, "/models/weight_iter_9.pt", network.LoadedPath)
	require.Contains(t, records.Lines()[0], "weight_iter_9.pt", "records must carry the reloaded model tag")
}

func TestGroupIgnoredCommands(t *testing.T) {
	cfg := testGroupConfig()
	cfg.ZeroActorIgnoredCommand = "reset_actors"
	network := &gamezerotest.MockAlphaZero{ActionSpace: 9}

	g, err := New(cfg, Options{
		NewNetwork: func(*config.CoreConfig, int) (gamezero.Network, error) { return network, nil },
		Commands:   strings.NewReader(""),
		Records:    newLineCollector(1),
		OnQuit:     func() {},
	})
	require.NoError(t, err)
	require.True(t, g.ignored["reset_actors"])
}

func TestTrainingDataRangeWholeGame(t *testing.T) {
	cfg := testGroupConfig()
	network := &gamezerotest.MockAlphaZero{ActionSpace: 9}
	g, err := New(cfg, Options{
		NewNetwork: func(*config.CoreConfig, int) (gamezero.Network, error) { return network, nil },
		Commands:   strings.NewReader(""),
		Records:    newLineCollector(1),
		OnQuit:     func() {},
	})
	require.NoError(t, err)
	require.NoError(t, g.initialize())

	a := g.actors[0]
	for _, id := range []int{0, 4, 8} {
		require.True(t, a.Env().Act(gamezero.Action{ID: id, Player: a.Env().Turn()}))
	}
	start, end := g.trainingDataRange(a)
	require.Equal(t, 0, start)
	require.Equal(t, 2, end)
}

func TestBarrierReuse(t *testing.T) {
	const parties, cycles = 4, 50
	b := newBarrier(parties)
	var wg sync.WaitGroup
	counter := 0
	var mu sync.Mutex
	for range parties {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range cycles {
				b.await()
				mu.Lock()
				counter++
				mu.Unlock()
				b.await()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, parties*cycles, counter)
}
