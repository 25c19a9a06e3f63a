// Package zeroserver implements the distributed coordinator: a long-lived
// TCP server speaking a newline-delimited text protocol with self-play
// ("sp") and optimization ("op") workers, alternating self-play and
// optimization phases for a configured range of iterations.
//
// Worker-level failures never reach the iteration loop: malformed record
// lines are logged and dropped, protocol violations close only the offending
// connection, and dead peers are detected by a one-minute keep-alive probe.
package zeroserver

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/zerofleet/zerofleet/internal/actor"
	"github.com/zerofleet/zerofleet/internal/config"
)

// SelfPlayData is one parsed SelfPlay line.
type SelfPlayData struct {
	IsTerminal bool
	DataLength int
	GameLength int
	Return     float32
	GameRecord string
}

// parseSelfPlayLine parses "SelfPlay <terminal> <dlen> <glen> <return>
// <record> #". The caller has already validated the framing.
func parseSelfPlayLine(line string) (SelfPlayData, error) {
	fields := strings.Fields(line)
	if len(fields) < 6 {
		return SelfPlayData{}, errors.Errorf("self-play line has %d fields, expected at least 6", len(fields))
	}
	var data SelfPlayData
	var err error
	data.IsTerminal = fields[1] == "true"
	if data.DataLength, err = strconv.Atoi(fields[2]); err != nil {
		return SelfPlayData{}, errors.Wrap(err, "bad data length")
	}
	if data.GameLength, err = strconv.Atoi(fields[3]); err != nil {
		return SelfPlayData{}, errors.Wrap(err, "bad game length")
	}
	gameReturn, err := strconv.ParseFloat(fields[4], 32)
	if err != nil {
		return SelfPlayData{}, errors.Wrap(err, "bad return")
	}
	data.Return = float32(gameReturn)
	data.GameRecord = fields[5]
	return data, nil
}

// Server is the coordinator. One instance runs per training.
type Server struct {
	cfg      *config.CoreConfig
	listener net.Listener
	logger   *Logger
	rng      *rand.Rand

	workerMu sync.Mutex
	conns    []*workerConn

	dataMu            sync.Mutex
	spQueue           []SelfPlayData
	optimizationPhase bool
	modelIteration    int

	iteration int
}

// New binds the listening socket and opens the logs. A port of 0 binds an
// ephemeral port, which tests use.
func New(cfg *config.CoreConfig) (*Server, error) {
	logger, err := NewLogger(cfg.ZeroTrainingDirectory, cfg.ProgramQuiet)
	if err != nil {
		return nil, err
	}
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.ZeroServerPort))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to bind zero server port %d", cfg.ZeroServerPort)
	}
	seed := int64(cfg.ProgramSeed)
	if cfg.ProgramAutoSeed {
		seed = time.Now().UnixNano()
	}
	return &Server{
		cfg:            cfg,
		listener:       listener,
		logger:         logger,
		rng:            rand.New(rand.NewSource(seed)),
		modelIteration: actor.ModelIteration(cfg.NNFileName),
	}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Run accepts workers and drives the iteration loop until the end iteration
// or ctx cancellation. On natural termination all workers receive quit.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	grp, ctx := errgroup.WithContext(ctx)
	grp.Go(func() error { return s.acceptLoop(ctx) })
	grp.Go(func() error { return s.keepAliveLoop(ctx) })

	s.logger.Training("[Server] initialize over")
	var runErr error
	for s.iteration = s.cfg.ZeroStartIteration; s.iteration <= s.cfg.ZeroEndIteration; s.iteration++ {
		s.workerMu.Lock()
		s.pruneClosedLocked()
		s.workerMu.Unlock()
		if runErr = s.selfPlay(ctx); runErr != nil {
			break
		}
		if runErr = s.optimization(ctx); runErr != nil {
			break
		}
	}

	s.broadcast(func(w *workerConn) bool { return true }, "quit")
	cancel()
	s.listener.Close()
	_ = grp.Wait()
	s.logger.Close()
	return runErr
}

func (s *Server) acceptLoop(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		w := newWorkerConn(s, conn)
		s.workerMu.Lock()
		s.pruneClosedLocked()
		s.conns = append(s.conns, w)
		s.workerMu.Unlock()
	}
}

func (s *Server) keepAliveLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.broadcast(func(w *workerConn) bool { return true }, "keep_alive")
		}
	}
}

// pruneClosedLocked drops closed connections; called with workerMu held.
func (s *Server) pruneClosedLocked() {
	alive := s.conns[:0]
	for _, w := range s.conns {
		if !w.closed.Load() {
			alive = append(alive, w)
		}
	}
	s.conns = alive
}

// broadcast writes message to every connection matching the filter.
func (s *Server) broadcast(match func(*workerConn) bool, message string) {
	s.workerMu.Lock()
	defer s.workerMu.Unlock()
	for _, w := range s.conns {
		if match(w) {
			w.write(message)
		}
	}
}

// handleMessage dispatches one worker line. It runs on the connection's read
// goroutine.
func (s *Server) handleMessage(w *workerConn, message string) {
	fields := strings.Fields(message)
	if len(fields) == 0 {
		return
	}
	switch fields[0] {
	case "Info":
		s.handleInfo(w, fields)
	case "SelfPlay":
		s.handleSelfPlay(message)
	case "Optimization_Done":
		if len(fields) < 2 {
			s.logger.Worker("[Worker Error] Optimization_Done without iteration")
			return
		}
		iteration, err := strconv.Atoi(fields[1])
		if err != nil {
			s.logger.Worker("[Worker Error] bad Optimization_Done iteration " + fields[1])
			return
		}
		s.dataMu.Lock()
		s.modelIteration = iteration
		s.optimizationPhase = false
		s.dataMu.Unlock()
	default:
		sanitized := strings.NewReplacer("\r", " ", "\n", " ").Replace(message)
		s.logger.Worker("[Worker Error] \"" + sanitized + "\"")
		w.close()
	}
}

// handleInfo runs the worker handshake: "Info <name> <type>". An unknown
// type closes the connection; a valid one receives its job assignment and
// becomes idle.
func (s *Server) handleInfo(w *workerConn, fields []string) {
	if len(fields) < 3 {
		s.logger.Worker("[Worker Error] incomplete Info message")
		w.close()
		return
	}
	s.workerMu.Lock()
	w.name, w.typ = fields[1], fields[2]
	s.workerMu.Unlock()
	s.logger.Worker("[Worker Connection] " + w.name + " " + w.typ)
	switch fields[2] {
	case "sp":
		job := fmt.Sprintf("Job_SelfPlay %s nn_file_name=%s:program_auto_seed=false:program_seed=%d:program_quiet=true",
			s.cfg.ZeroTrainingDirectory, s.modelPath(), s.rng.Int31())
		w.write(job)
	case "op":
		w.write("Job_Optimization " + s.cfg.ZeroTrainingDirectory)
	default:
		w.close()
		return
	}
	s.workerMu.Lock()
	w.idle = true
	s.workerMu.Unlock()
}

// handleSelfPlay validates record framing (exactly one SelfPlay token,
// trailing '#') and queues the record. Broken lines are logged and dropped
// without closing the worker.
func (s *Server) handleSelfPlay(message string) {
	if strings.Count(message, "SelfPlay") != 1 || !strings.HasSuffix(message, "#") {
		s.logger.Worker("[Worker Error] Receive broken self-play games")
		return
	}
	data, err := parseSelfPlayLine(message)
	if err != nil {
		s.logger.Worker("[Worker Error] " + err.Error())
		return
	}
	s.dataMu.Lock()
	s.spQueue = append(s.spQueue, data)
	queueLen := len(s.spQueue)
	s.dataMu.Unlock()

	if queueLen%max(1, s.cfg.ZeroNumGamesPerIteration/4) == 0 {
		s.logger.Training(fmt.Sprintf("[SelfPlay Game Buffer] %d games", queueLen))
	}
}

func (s *Server) popSelfPlayData() (SelfPlayData, bool) {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	if len(s.spQueue) == 0 {
		return SelfPlayData{}, false
	}
	data := s.spQueue[0]
	s.spQueue = s.spQueue[1:]
	return data, true
}

func (s *Server) currentModelIteration() int {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	return s.modelIteration
}

func (s *Server) inOptimizationPhase() bool {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	return s.optimizationPhase
}

func (s *Server) modelPath() string {
	return fmt.Sprintf("%s/model/weight_iter_%d.pt", s.cfg.ZeroTrainingDirectory, s.currentModelIteration())
}

// selfPlay runs one collection phase: broadcast the job to idle sp workers,
// then consume records until num_games_per_iteration accepted games have
// been written to sgf/<iteration>.sgf.
func (s *Server) selfPlay(ctx context.Context) error {
	sgfDir := filepath.Join(s.cfg.ZeroTrainingDirectory, "sgf")
	if err := os.MkdirAll(sgfDir, 0o755); err != nil {
		return errors.Wrap(err, "failed to create sgf directory")
	}
	sgfFile, err := os.Create(filepath.Join(sgfDir, strconv.Itoa(s.iteration)+".sgf"))
	if err != nil {
		return errors.Wrap(err, "failed to open sgf file")
	}
	defer sgfFile.Close()

	s.logger.Training(fmt.Sprintf("[Iteration] =====%d=====", s.iteration))
	s.logger.Training(fmt.Sprintf("[SelfPlay] Start %d", s.currentModelIteration()))

	var totalReturn, maxReturn, minReturn float32
	maxReturn, minReturn = float32(-1e38), float32(1e38)
	numCollected, totalDataLength, totalGameLength, maxGameLength, numFinished := 0, 0, 0, 0, 0

	for numCollected < s.cfg.ZeroNumGamesPerIteration {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.broadcastSelfPlayJob()

		data, found := s.popSelfPlayData()
		if !found {
			time.Sleep(100 * time.Millisecond)
			continue
		}
		if !s.cfg.ZeroServerAcceptDifferentModels &&
			!strings.Contains(data.GameRecord, fmt.Sprintf("weight_iter_%d", s.currentModelIteration())) {
			continue // discard games produced by a stale model
		}

		fmt.Fprintln(sgfFile, data.GameRecord)
		numCollected++
		totalDataLength += data.DataLength
		if data.IsTerminal {
			numFinished++
			totalReturn += data.Return
			totalGameLength += data.GameLength
			maxGameLength = max(maxGameLength, data.GameLength)
			if data.Return > maxReturn {
				maxReturn = data.Return
			}
			if data.Return < minReturn {
				minReturn = data.Return
			}
		}
		if numCollected%max(1, s.cfg.ZeroNumGamesPerIteration/4) == 0 {
			s.logger.Training(fmt.Sprintf("[SelfPlay Progress] %d / %d",
				numCollected, s.cfg.ZeroNumGamesPerIteration))
		}
	}

	s.stopJob("sp")
	s.logger.Training("[SelfPlay] Finished.")
	if numFinished > 0 {
		s.logger.Training(fmt.Sprintf("[SelfPlay # Finished Games] %d", numFinished))
		s.logger.Training(fmt.Sprintf("[SelfPlay Avg. Game Lengths] %.3f", float32(totalGameLength)/float32(numFinished)))
		s.logger.Training(fmt.Sprintf("[SelfPlay Max. Game Lengths] %d", maxGameLength))
		s.logger.Training(fmt.Sprintf("[SelfPlay Min. Game Returns] %g", minReturn))
		s.logger.Training(fmt.Sprintf("[SelfPlay Max. Game Returns] %g", maxReturn))
		s.logger.Training(fmt.Sprintf("[SelfPlay Avg. Game Returns] %g", totalReturn/float32(numFinished)))
	}
	if numFinished != numCollected {
		s.logger.Training(fmt.Sprintf("[SelfPlay Avg. Data Lengths] %.3f", float32(totalDataLength)/float32(numCollected)))
	}
	return nil
}

// broadcastSelfPlayJob points every idle sp worker at the current model and
// starts it.
func (s *Server) broadcastSelfPlayJob() {
	modelPath := s.modelPath()
	s.workerMu.Lock()
	defer s.workerMu.Unlock()
	for _, w := range s.conns {
		if !w.idle || w.typ != "sp" || w.closed.Load() {
			continue
		}
		w.idle = false
		w.write("load_model " + modelPath)
		w.write("reset_actors")
		w.write("start")
	}
}

// optimization dispatches one training job and waits for exactly one
// Optimization_Done before advancing.
func (s *Server) optimization(ctx context.Context) error {
	s.logger.Training("[Optimization] Start.")

	job := fmt.Sprintf("weight_iter_%d.pkl %d %d",
		s.currentModelIteration(),
		max(1, s.iteration-s.cfg.ZeroReplayBuffer+1),
		s.iteration)

	s.dataMu.Lock()
	s.optimizationPhase = true
	s.dataMu.Unlock()

	for s.inOptimizationPhase() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.workerMu.Lock()
		for _, w := range s.conns {
			if !w.idle || w.typ != "op" || w.closed.Load() {
				continue
			}
			w.idle = false
			w.write(job)
		}
		s.workerMu.Unlock()
		time.Sleep(100 * time.Millisecond)
	}
	s.stopJob("op")
	s.logger.Training("[Optimization] Finished.")
	return nil
}

// stopJob marks all workers of the given type idle again; self-play workers
// additionally receive stop.
func (s *Server) stopJob(jobType string) {
	s.workerMu.Lock()
	defer s.workerMu.Unlock()
	for _, w := range s.conns {
		if w.typ != jobType {
			continue
		}
		if jobType == "sp" {
			w.write("stop")
		}
		w.idle = true
	}
	klog.V(1).Infof("stopped %q workers", jobType)
}
