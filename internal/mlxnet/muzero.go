package mlxnet

import (
	"sync"

	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"

	"github.com/zerofleet/zerofleet/internal/config"
	"github.com/zerofleet/zerofleet/internal/gamezero"
)

// MuZeroFNN is the model-based evaluator. The initial inference embeds an
// observation into a hidden state and predicts policy and value; the
// recurrent inference unrolls the learned dynamics over one action, adding a
// reward prediction.
type MuZeroFNN struct {
	cfg      *config.CoreConfig
	ctx      *context.Context
	initial  *context.Exec
	recur    *context.Exec
	ckpt     *checkpoints.Handler
	deviceID int

	mu               sync.Mutex
	pendingInitial   [][]float32
	pendingHidden    [][]float32
	pendingActionFea [][]float32
}

var _ gamezero.MuZeroEvaluator = (*MuZeroFNN)(nil)

// NewMuZeroFNN builds the model and loads cfg.NNFileName when set.
func NewMuZeroFNN(cfg *config.CoreConfig, deviceID int) (*MuZeroFNN, error) {
	n := &MuZeroFNN{cfg: cfg, deviceID: deviceID}
	if err := n.rebuild(cfg.NNFileName); err != nil {
		return nil, err
	}
	logCreated("muzero", cfg, deviceID)
	return n, nil
}

func (n *MuZeroFNN) hiddenDim() int {
	return n.cfg.NNNumHiddenChannels * n.cfg.NNHiddenChannelHeight * n.cfg.NNHiddenChannelWidth
}

func (n *MuZeroFNN) rebuild(path string) error {
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
	n.initial = context.NewExec(backend(), ctx, func(ctx *context.Context, inputs []*graph.Node) []*graph.Node {
		hidden := fnnNew(ctx.In("representation"), inputs[0], n.hiddenDim())
		value, logits, probs := n.predictionGraph(ctx, hidden)
		return []*graph.Node{value, logits, probs, hidden}
	})
	n.recur = context.NewExec(backend(), ctx, func(ctx *context.Context, inputs []*graph.Node) []*graph.Node {
		joined := graph.Concatenate([]*graph.Node{inputs[0], inputs[1]}, -1)
		hidden := fnnNew(ctx.In("dynamics"), joined, n.hiddenDim())
		reward := fnnNew(ctx.In("reward"), hidden, 1)
		value, logits, probs := n.predictionGraph(ctx, hidden)
		return []*graph.Node{value, logits, probs, hidden, reward}
	})
	return nil
}

// predictionGraph shares the policy/value heads between both inferences.
func (n *MuZeroFNN) predictionGraph(ctx *context.Context, hidden *graph.Node) (value, logits, probs *graph.Node) {
	value = graph.Tanh(fnnNew(ctx.In("value"), hidden, 1))
	logits = fnnNew(ctx.In("policy"), hidden, n.cfg.NNActionSize)
	probs = graph.Softmax(logits, -1)
	return
}

// Load implements gamezero.Network.
func (n *MuZeroFNN) Load(path string, deviceID int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.deviceID = deviceID
	return n.rebuild(path)
}

// ActionSize implements gamezero.Network.
func (n *MuZeroFNN) ActionSize() int { return n.cfg.NNActionSize }

// Dims implements gamezero.Network.
func (n *MuZeroFNN) Dims() gamezero.Dims {
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

// PushBackInitial queues a root observation and returns its batch slot.
func (n *MuZeroFNN) PushBackInitial(features []float32) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pendingInitial = append(n.pendingInitial, features)
	return len(n.pendingInitial) - 1
}

// PushBackRecurrent queues one dynamics step and returns its batch slot.
func (n *MuZeroFNN) PushBackRecurrent(hiddenState, actionFeatures []float32) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pendingHidden = append(n.pendingHidden, hiddenState)
	n.pendingActionFea = append(n.pendingActionFea, actionFeatures)
	return len(n.pendingHidden) - 1
}

// InitialBatchSize returns the number of queued initial requests.
func (n *MuZeroFNN) InitialBatchSize() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pendingInitial)
}

// RecurrentBatchSize returns the number of queued recurrent requests.
func (n *MuZeroFNN) RecurrentBatchSize() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pendingHidden)
}

// InitialInference evaluates the queued observations and clears the batch.
func (n *MuZeroFNN) InitialInference() ([]gamezero.Output, error) {
	n.mu.Lock()
	batch := n.pendingInitial
	n.pendingInitial = nil
	n.mu.Unlock()
	if len(batch) == 0 {
		return nil, errors.New("initial inference on an empty batch")
	}

	rowSize := n.cfg.NNNumInputChannels * n.cfg.NNInputChannelHeight * n.cfg.NNInputChannelWidth
	results, err := callExec(n.initial, featuresTensor(batch, rowSize))
	if err != nil {
		return nil, errors.WithMessage(err, "muzero initial inference failed")
	}
	return n.collectOutputs(results, len(batch), nil)
}

// RecurrentInference unrolls the queued dynamics steps and clears the batch.
func (n *MuZeroFNN) RecurrentInference() ([]gamezero.Output, error) {
	n.mu.Lock()
	hiddenBatch := n.pendingHidden
	actionBatch := n.pendingActionFea
	n.pendingHidden = nil
	n.pendingActionFea = nil
	n.mu.Unlock()
	if len(hiddenBatch) == 0 {
		return nil, errors.New("recurrent inference on an empty batch")
	}

	actionRowSize := n.cfg.NNNumActionFeatureChans * n.cfg.NNInputChannelHeight * n.cfg.NNInputChannelWidth
	results, err := callExec(n.recur,
		featuresTensor(hiddenBatch, n.hiddenDim()),
		featuresTensor(actionBatch, actionRowSize))
	if err != nil {
		return nil, errors.WithMessage(err, "muzero recurrent inference failed")
	}
	rewards := splitRows(results[4], len(hiddenBatch), 1)
	return n.collectOutputs(results, len(hiddenBatch), rewards)
}

// collectOutputs packs the executor results (value, logits, probs, hidden
// [, reward]) into per-slot outputs.
func (n *MuZeroFNN) collectOutputs(results []*tensors.Tensor, batch int, rewards [][]float32) ([]gamezero.Output, error) {
	values := splitRows(results[0], batch, 1)
	logits := splitRows(results[1], batch, n.cfg.NNActionSize)
	probs := splitRows(results[2], batch, n.cfg.NNActionSize)
	hidden := splitRows(results[3], batch, n.hiddenDim())
	outputs := make([]gamezero.Output, batch)
	for i := range outputs {
		outputs[i] = gamezero.Output{
			Value:        values[i][0],
			PolicyLogits: logits[i],
			Policy:       probs[i],
			HiddenState:  hidden[i],
		}
		if rewards != nil {
			outputs[i].Reward = rewards[i][0]
		}
	}
	return outputs, nil
}

// Save writes the current weights through the attached checkpoint.
func (n *MuZeroFNN) Save() error {
	if n.ckpt == nil {
		return nil
	}
	return n.ckpt.Save()
}
