// Package mlxnet implements the network evaluator families on GoMLX: a
// feed-forward AlphaZero model (policy + value heads over board features)
// and a feed-forward MuZero model (representation, dynamics and prediction
// sub-networks over learned hidden states).
//
// Models are stored as GoMLX checkpoints; Load points the model context at a
// checkpoint directory, so the scheduler's load_model command is a cheap
// reload.
package mlxnet

import (
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	fnnLayer "github.com/gomlx/gomlx/ml/layers/fnn"
	"github.com/gomlx/gomlx/ml/layers/regularizers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/zerofleet/zerofleet/internal/config"
	"github.com/zerofleet/zerofleet/internal/gamezero"
)

var (
	// backend is a singleton, shared by all networks of the process.
	backend = sync.OnceValue(func() backends.Backend { return backends.New() })

	// muNewExec serializes executor construction.
	muNewExec sync.Mutex
)

// Create builds the evaluator family selected by nn_type_name and loads
// weights from nn_file_name if set.
func Create(cfg *config.CoreConfig, deviceID int) (gamezero.Network, error) {
	switch cfg.NNTypeName {
	case "alphazero":
		return NewAlphaZeroFNN(cfg, deviceID)
	case "muzero":
		return NewMuZeroFNN(cfg, deviceID)
	}
	return nil, errors.Errorf("unknown network type %q", cfg.NNTypeName)
}

// newModelContext builds a context with the shared hyperparameters.
func newModelContext(cfg *config.CoreConfig) *context.Context {
	ctx := context.New()
	ctx.RngStateReset()
	ctx.SetParams(map[string]any{
		activations.ParamActivation: "relu",
		layers.ParamDropoutRate:     0.0,
		regularizers.ParamL2:        1e-5,

		fnnLayer.ParamNumHiddenLayers: cfg.NNNumBlocks,
		fnnLayer.ParamNumHiddenNodes:  cfg.NNNumHiddenChannels * cfg.NNHiddenChannelHeight * cfg.NNHiddenChannelWidth,
		fnnLayer.ParamResidual:        true,
		fnnLayer.ParamNormalization:   "layer",
	})
	return ctx.Checked(false)
}

// attachCheckpoint points ctx at the checkpoint directory, loading existing
// weights when present.
func attachCheckpoint(ctx *context.Context, path string) (*checkpoints.Handler, error) {
	handler, err := checkpoints.Build(ctx).Dir(path).Keep(3).Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to attach checkpoint %s", path)
	}
	return handler, nil
}

// fnnNew builds one FNN block scoped under ctx with the given output width.
func fnnNew(ctx *context.Context, input *graph.Node, outputDim int) *graph.Node {
	return fnnLayer.New(ctx, input, outputDim).Done()
}

// featuresTensor packs a dense batch of flattened feature rows into one
// [batch, rowSize] tensor.
func featuresTensor(batch [][]float32, rowSize int) *tensors.Tensor {
	t := tensors.FromShape(shapes.Make(dtypes.Float32, len(batch), rowSize))
	tensors.MutableFlatData(t, func(flat []float32) {
		for row, features := range batch {
			copy(flat[row*rowSize:], features)
		}
	})
	return t
}

// callExec runs an executor converting GoMLX panics into errors.
func callExec(exec *context.Exec, inputs ...any) (outputs []*tensors.Tensor, err error) {
	err = exceptions.TryCatch[error](func() {
		outputs = exec.Call(inputs...)
	})
	return
}

// splitRows splits a [batch, rowSize] flat tensor back into per-request
// rows.
func splitRows(t *tensors.Tensor, batch, rowSize int) [][]float32 {
	flat := tensors.CopyFlatData[float32](t)
	rows := make([][]float32, batch)
	for i := range rows {
		rows[i] = flat[i*rowSize : (i+1)*rowSize]
	}
	return rows
}

// unrotatePolicy maps a policy produced for rotated features back to the
// unrotated action space. Actions beyond the square board area (e.g. pass)
// keep their index.
func unrotatePolicy(policy []float32, size int, rotation gamezero.Rotation) []float32 {
	if rotation == gamezero.RotationNone || size <= 0 {
		return policy
	}
	area := size * size
	unrotated := make([]float32, len(policy))
	copy(unrotated, policy)
	for id := 0; id < area && id < len(policy); id++ {
		unrotated[id] = policy[gamezero.RotatedIndex(id, size, rotation)]
	}
	return unrotated
}

func logCreated(kind string, cfg *config.CoreConfig, deviceID int) {
	klog.V(1).Infof("created %s network on device %d: inputs %dx%dx%d, action size %d, model %q",
		kind, deviceID, cfg.NNNumInputChannels, cfg.NNInputChannelHeight, cfg.NNInputChannelWidth,
		cfg.NNActionSize, cfg.NNFileName)
}
