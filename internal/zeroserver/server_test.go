package zeroserver

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zerofleet/zerofleet/internal/config"
)

func testServerConfig(t *testing.T) *config.CoreConfig {
	cfg := config.Default()
	cfg.ProgramQuiet = true
	cfg.ZeroServerPort = 0 // ephemeral
	cfg.ZeroTrainingDirectory = t.TempDir()
	cfg.ZeroNumGamesPerIteration = 3
	cfg.ZeroStartIteration = 1
	cfg.ZeroEndIteration = 1
	cfg.NNFileName = "weight_iter_0.pt"
	return cfg
}

// fakeWorker is a scripted worker connection.
type fakeWorker struct {
	conn  net.Conn
	lines chan string
}

func dialWorker(t *testing.T, addr net.Addr) *fakeWorker {
	t.Helper()
	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	w := &fakeWorker{conn: conn, lines: make(chan string, 64)}
	go func() {
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			w.lines <- scanner.Text()
		}
		close(w.lines)
	}()
	return w
}

func (w *fakeWorker) send(t *testing.T, line string) {
	t.Helper()
	_, err := fmt.Fprintf(w.conn, "%s\n", line)
	require.NoError(t, err)
}

// expect reads lines until one with the given prefix arrives.
func (w *fakeWorker) expect(t *testing.T, prefix string) string {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case line, ok := <-w.lines:
			if !ok {
				t.Fatalf("connection closed while waiting for %q", prefix)
			}
			if strings.HasPrefix(line, prefix) {
				return line
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q", prefix)
		}
	}
}

func (w *fakeWorker) expectClosed(t *testing.T) {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case _, ok := <-w.lines:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for the connection to close")
		}
	}
}

func selfPlayLine(record string) string {
	return fmt.Sprintf("SelfPlay true 5 5 1 %s #", record)
}

func TestServerCollectsSelfPlayIteration(t *testing.T) {
	cfg := testServerConfig(t)
	server, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- server.Run(ctx) }()

	worker := dialWorker(t, server.Addr())
	worker.send(t, "Info fake sp")
	job := worker.expect(t, "Job_SelfPlay")
	require.Contains(t, job, cfg.ZeroTrainingDirectory)
	require.Contains(t, job, "nn_file_name=")

	// The self-play phase points the worker at the model and starts it.
	worker.expect(t, "load_model")
	worker.expect(t, "reset_actors")
	worker.expect(t, "start")

	// One malformed line (no trailing '#') is dropped without closing.
	worker.send(t, "SelfPlay true 5 5 1 broken")
	for i := range 3 {
		worker.send(t, selfPlayLine(fmt.Sprintf("(;GM[tictactoe]EV[weight_iter_0.pt]IDX[%d])", i)))
	}
	worker.expect(t, "stop")

	// Exactly the configured number of records was written.
	content, err := os.ReadFile(filepath.Join(cfg.ZeroTrainingDirectory, "sgf", "1.sgf"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(content), "\n"), "\n")
	require.Len(t, lines, 3)
	for i, line := range lines {
		require.Contains(t, line, fmt.Sprintf("IDX[%d]", i))
	}

	cancel()
	require.Error(t, <-done) // no op worker: the optimization phase is cancelled
}

func TestServerRunsOptimizationAfterSelfPlay(t *testing.T) {
	cfg := testServerConfig(t)
	cfg.ZeroNumGamesPerIteration = 1
	cfg.ZeroReplayBuffer = 20
	server, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- server.Run(ctx) }()

	sp := dialWorker(t, server.Addr())
	sp.send(t, "Info spworker sp")
	sp.expect(t, "Job_SelfPlay")

	op := dialWorker(t, server.Addr())
	op.send(t, "Info opworker op")
	op.expect(t, "Job_Optimization")

	sp.expect(t, "start")
	sp.send(t, selfPlayLine("(;GM[tictactoe]EV[weight_iter_0.pt])"))
	sp.expect(t, "stop")

	// The optimization job carries the window start and the iteration.
	job := op.expect(t, "weight_iter_0.pkl")
	require.Equal(t, "weight_iter_0.pkl 1 1", job)
	op.send(t, "Optimization_Done 1")

	// Iteration 1 was the last: workers receive quit and the server exits.
	sp.expect(t, "quit")
	require.NoError(t, <-done)
}

func TestServerRejectsUnknownWorkerType(t *testing.T) {
	cfg := testServerConfig(t)
	server, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- server.Run(ctx) }()

	worker := dialWorker(t, server.Addr())
	worker.send(t, "Info fake bogus")
	worker.expectClosed(t)

	cancel()
	<-done
}

func TestServerClosesOnProtocolGarbage(t *testing.T) {
	cfg := testServerConfig(t)
	server, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- server.Run(ctx) }()

	worker := dialWorker(t, server.Addr())
	worker.send(t, "GET / HTTP/1.1")
	worker.expectClosed(t)

	cancel()
	<-done
}

func TestParseSelfPlayLine(t *testing.T) {
	data, err := parseSelfPlayLine("SelfPlay true 10 12 -1 (;GM[go]) #")
	require.NoError(t, err)
	require.True(t, data.IsTerminal)
	require.Equal(t, 10, data.DataLength)
	require.Equal(t, 12, data.GameLength)
	require.Equal(t, float32(-1), data.Return)
	require.Equal(t, "(;GM[go])", data.GameRecord)

	_, err = parseSelfPlayLine("SelfPlay true broken")
	require.Error(t, err)
}

func TestServerDiscardsStaleModelGames(t *testing.T) {
	cfg := testServerConfig(t)
	cfg.ZeroServerAcceptDifferentModels = false
	cfg.ZeroNumGamesPerIteration = 1
	server, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- server.Run(ctx) }()

	worker := dialWorker(t, server.Addr())
	worker.send(t, "Info fake sp")
	worker.expect(t, "start")

	// A record tagged with a stale model is discarded; a fresh one counts.
	worker.send(t, selfPlayLine("(;GM[tictactoe]EV[weight_iter_99.pt])"))
	worker.send(t, selfPlayLine("(;GM[tictactoe]EV[weight_iter_0.pt])"))
	worker.expect(t, "stop")

	content, err := os.ReadFile(filepath.Join(cfg.ZeroTrainingDirectory, "sgf", "1.sgf"))
	require.NoError(t, err)
	require.Equal(t, 1, strings.Count(string(content), "GM[tictactoe]"))
	require.Contains(t, string(content), "weight_iter_0.pt")

	cancel()
	<-done
}
