package mlxnet

import (
	"sync"

	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/pkg/errors"

	"github.com/zerofleet/zerofleet/internal/config"
	"github.com/zerofleet/zerofleet/internal/gamezero"
)

// AlphaZeroFNN is the observation-based evaluator: one forward pass maps a
// batch of board features to policy logits, policy probabilities and a tanh
// value.
type AlphaZeroFNN struct {
	cfg      *config.CoreConfig
	ctx      *context.Context
	exec     *context.Exec
	ckpt     *checkpoints.Handler
	deviceID int

	mu        sync.Mutex
	pending   [][]float32
	rotations []gamezero.Rotation
}

var _ gamezero.AlphaZeroEvaluator = (*AlphaZeroFNN)(nil)

// NewAlphaZeroFNN builds the model and loads cfg.NNFileName when set.
func NewAlphaZeroFNN(cfg *config.CoreConfig, deviceID int) (*AlphaZeroFNN, error) {
	n := &AlphaZeroFNN{cfg: cfg, deviceID: deviceID}
	if err := n.rebuild(cfg.NNFileName); err != nil {
		return nil, err
	}
	logCreated("alphazero", cfg, deviceID)
	return n, nil
}

// rebuild replaces the model context, its checkpoint binding and the
// executor.
func (n *AlphaZeroFNN) rebuild(path string) error {
	ctx := newModelContext(n.cfg)
	if path != "" {
		var err error
		n.ckpt, err = attachCheckpoint(ctx, path)
		if err != nil {
			return err
		}
	}
	muNewExec.Lock()
	defer muNewExec.Unlock()
	n.ctx = ctx
	n.exec = context.NewExec(backend(), ctx, func(ctx *context.Context, inputs []*graph.Node) []*graph.Node {
		value, logits := n.forwardGraph(ctx, inputs[0])
		probs := graph.Softmax(logits, -1)
		return []*graph.Node{value, logits, probs}
	})
	return nil
}

// forwardGraph builds the shared torso plus the value and policy heads.
func (n *AlphaZeroFNN) forwardGraph(ctx *context.Context, input *graph.Node) (value, policyLogits *graph.Node) {
	hiddenDim := n.cfg.NNNumHiddenChannels * n.cfg.NNHiddenChannelHeight * n.cfg.NNHiddenChannelWidth
	embed := fnnNew(ctx.In("torso"), input, hiddenDim)
	value = graph.Tanh(fnnNew(ctx.In("value"), embed, 1))
	policyLogits = fnnNew(ctx.In("policy"), embed, n.cfg.NNActionSize)
	return
}

// Load implements gamezero.Network; the scheduler calls it on load_model.
func (n *AlphaZeroFNN) Load(path string, deviceID int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.deviceID = deviceID
	return n.rebuild(path)
}

// ActionSize implements gamezero.Network.
func (n *AlphaZeroFNN) ActionSize() int { return n.cfg.NNActionSize }

// Dims implements gamezero.Network.
func (n *AlphaZeroFNN) Dims() gamezero.Dims {
	return gamezero.Dims{
		InputChannels:         n.cfg.NNNumInputChannels,
		InputHeight:           n.cfg.NNInputChannelHeight,
		InputWidth:            n.cfg.NNInputChannelWidth,
		HiddenChannels:        n.cfg.NNNumHiddenChannels,
		HiddenHeight:          n.cfg.NNHiddenChannelHeight,
		HiddenWidth:           n.cfg.NNHiddenChannelWidth,
		ActionFeatureChannels: n.cfg.NNNumActionFeatureChans,
	}
}

// PushBack queues one evaluation request and returns its batch slot.
func (n *AlphaZeroFNN) PushBack(features []float32, rotation gamezero.Rotation) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pending = append(n.pending, features)
	n.rotations = append(n.rotations, rotation)
	return len(n.pending) - 1
}

// BatchSize returns the number of queued requests.
func (n *AlphaZeroFNN) BatchSize() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pending)
}

// Forward evaluates the queued batch and clears it. Outputs are indexed by
// the slots PushBack returned; policies are mapped back to the unrotated
// action space.
func (n *AlphaZeroFNN) Forward() ([]gamezero.Output, error) {
	n.mu.Lock()
	batch := n.pending
	rotations := n.rotations
	n.pending = nil
	n.rotations = nil
	n.mu.Unlock()
	if len(batch) == 0 {
		return nil, errors.New("forward on an empty batch")
	}

	rowSize := n.cfg.NNNumInputChannels * n.cfg.NNInputChannelHeight * n.cfg.NNInputChannelWidth
	input := featuresTensor(batch, rowSize)
	results, err := callExec(n.exec, input)
	if err != nil {
		return nil, errors.WithMessage(err, "alphazero forward failed")
	}

	values := splitRows(results[0], len(batch), 1)
	logits := splitRows(results[1], len(batch), n.cfg.NNActionSize)
	probs := splitRows(results[2], len(batch), n.cfg.NNActionSize)
	boardSize := n.cfg.NNInputChannelHeight
	outputs := make([]gamezero.Output, len(batch))
	for i := range outputs {
		outputs[i] = gamezero.Output{
			Value:        values[i][0],
			PolicyLogits: unrotatePolicy(logits[i], boardSize, rotations[i]),
			Policy:       unrotatePolicy(probs[i], boardSize, rotations[i]),
		}
	}
	return outputs, nil
}

// Save writes the current weights through the attached checkpoint.
func (n *AlphaZeroFNN) Save() error {
	if n.ckpt == nil {
		return nil
	}
	return n.ckpt.Save()
}
