// Package config defines CoreConfig, the immutable set of process-wide
// tunables. It is constructed once from the CLI (-conf_file then -conf_str
// overrides) and threaded through constructors; nothing mutates it after
// startup. A load_model command reloads the networks and updates each
// actor's model tag instead of changing NNFileName.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/zerofleet/zerofleet/internal/parameters"
)

// CoreConfig carries every tunable of the process. Field names map 1:1 to
// the configuration keys of the file format (see Render).
type CoreConfig struct {
	// Program parameters.
	ProgramSeed     int
	ProgramAutoSeed bool
	ProgramQuiet    bool

	// Actor parameters.
	ActorNumSimulation            int
	ActorMCTSPUCTBase             float32
	ActorMCTSPUCTInit             float32
	ActorMCTSRewardDiscount       float32
	ActorMCTSThinkBatchSize       int
	ActorMCTSThinkTimeLimit       float32
	ActorMCTSValueRescale         bool
	ActorSelectActionByCount      bool
	ActorSelectActionBySoftmax    bool
	ActorSelectActionTemperature  float32
	ActorSelectActionTempDecay    bool
	ActorUseRandomRotationFeature bool
	ActorUseDirichletNoise        bool
	ActorDirichletNoiseAlpha      float32
	ActorDirichletNoiseEpsilon    float32
	ActorUseGumbel                bool
	ActorUseGumbelNoise           bool
	ActorGumbelSampleSize         int
	ActorGumbelSigmaVisitC        float32
	ActorGumbelSigmaScaleC        float32
	ActorResignThreshold          float32
	ActorNumThreads               int
	ActorNumParallelGames         int
	ActorNumGPUs                  int

	// Zero (distributed training) parameters.
	ZeroServerPort                   int
	ZeroTrainingDirectory            string
	ZeroNumGamesPerIteration         int
	ZeroStartIteration               int
	ZeroEndIteration                 int
	ZeroReplayBuffer                 int
	ZeroDisableResignRatio           float32
	ZeroActorIntermediateSequenceLen int
	ZeroActorIgnoredCommand          string
	ZeroActorStopAfterEnoughGames    bool
	ZeroServerAcceptDifferentModels  bool

	// Learner parameters. The learner itself runs out of process; these are
	// carried so job messages and the emission window formula agree with it.
	// LearnerNStepReturn must be set consistently with
	// ZeroActorIntermediateSequenceLen: board games use 0/0, Atari-style
	// environments use positive values for both.
	LearnerTrainingStep int
	LearnerBatchSize    int
	LearnerNStepReturn  int

	// Network parameters.
	NNFileName              string
	NNTypeName              string
	NNNumInputChannels      int
	NNInputChannelHeight    int
	NNInputChannelWidth     int
	NNNumHiddenChannels     int
	NNHiddenChannelHeight   int
	NNHiddenChannelWidth    int
	NNNumActionFeatureChans int
	NNNumBlocks             int
	NNActionSize            int

	// Environment parameters.
	EnvName      string
	EnvBoardSize int
}

// Default returns the configuration with every field at its default.
func Default() *CoreConfig {
	return &CoreConfig{
		ActorNumSimulation:            50,
		ActorMCTSPUCTBase:             19652,
		ActorMCTSPUCTInit:             1.25,
		ActorMCTSRewardDiscount:       1.0,
		ActorMCTSThinkBatchSize:       1,
		ActorSelectActionBySoftmax:    true,
		ActorSelectActionTemperature:  1.0,
		ActorUseRandomRotationFeature: true,
		ActorUseDirichletNoise:        true,
		ActorDirichletNoiseAlpha:      0.03,
		ActorDirichletNoiseEpsilon:    0.25,
		ActorGumbelSampleSize:         16,
		ActorGumbelSigmaVisitC:        50,
		ActorGumbelSigmaScaleC:        1,
		ActorResignThreshold:          -0.9,
		ActorNumThreads:               4,
		ActorNumParallelGames:         32,
		ActorNumGPUs:                  1,

		ZeroServerPort:                  9999,
		ZeroNumGamesPerIteration:        5000,
		ZeroStartIteration:              1,
		ZeroEndIteration:                100,
		ZeroReplayBuffer:                20,
		ZeroDisableResignRatio:          0.1,
		ZeroActorIgnoredCommand:         "reset_actors",
		ZeroServerAcceptDifferentModels: true,

		LearnerTrainingStep: 500,
		LearnerBatchSize:    1024,

		NNTypeName:              "alphazero",
		NNNumInputChannels:      4,
		NNInputChannelHeight:    3,
		NNInputChannelWidth:     3,
		NNNumHiddenChannels:     16,
		NNHiddenChannelHeight:   3,
		NNHiddenChannelWidth:    3,
		NNNumActionFeatureChans: 1,
		NNNumBlocks:             1,
		NNActionSize:            9,

		EnvName:      "tictactoe",
		EnvBoardSize: 3,
	}
}

// paramDef binds a configuration key to its field and section.
type paramDef struct {
	key     string
	section string
	value   any // pointer into the CoreConfig
}

func (c *CoreConfig) paramDefs() []paramDef {
	return []paramDef{
		{"program_seed", "Program", &c.ProgramSeed},
		{"program_auto_seed", "Program", &c.ProgramAutoSeed},
		{"program_quiet", "Program", &c.ProgramQuiet},

		{"actor_num_simulation", "Actor", &c.ActorNumSimulation},
		{"actor_mcts_puct_base", "Actor", &c.ActorMCTSPUCTBase},
		{"actor_mcts_puct_init", "Actor", &c.ActorMCTSPUCTInit},
		{"actor_mcts_reward_discount", "Actor", &c.ActorMCTSRewardDiscount},
		{"actor_mcts_think_batch_size", "Actor", &c.ActorMCTSThinkBatchSize},
		{"actor_mcts_think_time_limit", "Actor", &c.ActorMCTSThinkTimeLimit},
		{"actor_mcts_value_rescale", "Actor", &c.ActorMCTSValueRescale},
		{"actor_select_action_by_count", "Actor", &c.ActorSelectActionByCount},
		{"actor_select_action_by_softmax_count", "Actor", &c.ActorSelectActionBySoftmax},
		{"actor_select_action_softmax_temperature", "Actor", &c.ActorSelectActionTemperature},
		{"actor_select_action_softmax_temperature_decay", "Actor", &c.ActorSelectActionTempDecay},
		{"actor_use_random_rotation_features", "Actor", &c.ActorUseRandomRotationFeature},
		{"actor_use_dirichlet_noise", "Actor", &c.ActorUseDirichletNoise},
		{"actor_dirichlet_noise_alpha", "Actor", &c.ActorDirichletNoiseAlpha},
		{"actor_dirichlet_noise_epsilon", "Actor", &c.ActorDirichletNoiseEpsilon},
		{"actor_use_gumbel", "Actor", &c.ActorUseGumbel},
		{"actor_use_gumbel_noise", "Actor", &c.ActorUseGumbelNoise},
		{"actor_gumbel_sample_size", "Actor", &c.ActorGumbelSampleSize},
		{"actor_gumbel_sigma_visit_c", "Actor", &c.ActorGumbelSigmaVisitC},
		{"actor_gumbel_sigma_scale_c", "Actor", &c.ActorGumbelSigmaScaleC},
		{"actor_resign_threshold", "Actor", &c.ActorResignThreshold},
		{"actor_num_threads", "Actor", &c.ActorNumThreads},
		{"actor_num_parallel_games", "Actor", &c.ActorNumParallelGames},
		{"actor_num_gpus", "Actor", &c.ActorNumGPUs},

		{"zero_server_port", "Zero", &c.ZeroServerPort},
		{"zero_training_directory", "Zero", &c.ZeroTrainingDirectory},
		{"zero_num_games_per_iteration", "Zero", &c.ZeroNumGamesPerIteration},
		{"zero_start_iteration", "Zero", &c.ZeroStartIteration},
		{"zero_end_iteration", "Zero", &c.ZeroEndIteration},
		{"zero_replay_buffer", "Zero", &c.ZeroReplayBuffer},
		{"zero_disable_resign_ratio", "Zero", &c.ZeroDisableResignRatio},
		{"zero_actor_intermediate_sequence_length", "Zero", &c.ZeroActorIntermediateSequenceLen},
		{"zero_actor_ignored_command", "Zero", &c.ZeroActorIgnoredCommand},
		{"zero_actor_stop_after_enough_games", "Zero", &c.ZeroActorStopAfterEnoughGames},
		{"zero_server_accept_different_model_games", "Zero", &c.ZeroServerAcceptDifferentModels},

		{"learner_training_step", "Learner", &c.LearnerTrainingStep},
		{"learner_batch_size", "Learner", &c.LearnerBatchSize},
		{"learner_n_step_return", "Learner", &c.LearnerNStepReturn},

		{"nn_file_name", "Network", &c.NNFileName},
		{"nn_type_name", "Network", &c.NNTypeName},
		{"nn_num_input_channels", "Network", &c.NNNumInputChannels},
		{"nn_input_channel_height", "Network", &c.NNInputChannelHeight},
		{"nn_input_channel_width", "Network", &c.NNInputChannelWidth},
		{"nn_num_hidden_channels", "Network", &c.NNNumHiddenChannels},
		{"nn_hidden_channel_height", "Network", &c.NNHiddenChannelHeight},
		{"nn_hidden_channel_width", "Network", &c.NNHiddenChannelWidth},
		{"nn_num_action_feature_channels", "Network", &c.NNNumActionFeatureChans},
		{"nn_num_blocks", "Network", &c.NNNumBlocks},
		{"nn_action_size", "Network", &c.NNActionSize},

		{"env_name", "Environment", &c.EnvName},
		{"env_board_size", "Environment", &c.EnvBoardSize},
	}
}

// ApplyParams overrides fields from a parsed parameter map. Unknown keys are
// an error, so typos in -conf_str fail fast instead of silently running with
// defaults.
func (c *CoreConfig) ApplyParams(params parameters.Params) error {
	defs := make(map[string]paramDef, len(params))
	for _, def := range c.paramDefs() {
		defs[def.key] = def
	}
	for key := range params {
		def, found := defs[key]
		if !found {
			return errors.Errorf("unknown configuration key %q", key)
		}
		var err error
		switch ptr := def.value.(type) {
		case *int:
			*ptr, err = parameters.GetParamOr(params, key, *ptr)
		case *float32:
			*ptr, err = parameters.GetParamOr(params, key, *ptr)
		case *bool:
			*ptr, err = parameters.GetParamOr(params, key, *ptr)
		case *string:
			*ptr, err = parameters.GetParamOr(params, key, *ptr)
		default:
			err = errors.Errorf("configuration key %q has unsupported type %T", key, def.value)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// LoadFile reads a configuration file written by Render: one key=value per
// line, '#' starts a comment, blank lines ignored.
func (c *CoreConfig) LoadFile(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "failed to read configuration file %s", path)
	}
	params := make(parameters.Params)
	for lineNum, line := range strings.Split(string(content), "\n") {
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			return errors.Errorf("%s:%d: expected key=value, got %q", path, lineNum+1, line)
		}
		params[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return c.ApplyParams(params)
}

// Render writes the configuration in the file format LoadFile reads,
// grouped by section.
func (c *CoreConfig) Render() string {
	var sb strings.Builder
	lastSection := ""
	for _, def := range c.paramDefs() {
		if def.section != lastSection {
			if lastSection != "" {
				sb.WriteByte('\n')
			}
			fmt.Fprintf(&sb, "# %s\n", def.section)
			lastSection = def.section
		}
		fmt.Fprintf(&sb, "%s=%s\n", def.key, renderValue(def.value))
	}
	return sb.String()
}

func renderValue(ptr any) string {
	switch v := ptr.(type) {
	case *int:
		return strconv.Itoa(*v)
	case *float32:
		return strconv.FormatFloat(float64(*v), 'g', -1, 32)
	case *bool:
		return strconv.FormatBool(*v)
	case *string:
		return *v
	}
	return ""
}

// Load builds the configuration from an optional file and an optional
// override string, in that order.
func Load(confFile, confStr string) (*CoreConfig, error) {
	cfg := Default()
	if confFile != "" {
		if err := cfg.LoadFile(confFile); err != nil {
			return nil, err
		}
	}
	if confStr != "" {
		if err := cfg.ApplyParams(parameters.NewFromConfigString(confStr)); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// TreeNodeSize returns the arena capacity needed for the worst case: every
// simulation expands a fully branched leaf.
func (c *CoreConfig) TreeNodeSize(actionSize int) int64 {
	return int64(c.ActorNumSimulation+1) * int64(actionSize)
}
