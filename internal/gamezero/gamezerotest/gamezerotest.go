// Package gamezerotest provides deterministic network evaluators for tests:
// uniform policies and a fixed value, so searches are reproducible without a
// real model.
package gamezerotest

import (
	"sync"

	"github.com/zerofleet/zerofleet/internal/gamezero"
)

// MockAlphaZero is a deterministic AlphaZeroEvaluator. Value and Policy may
// be overridden per test; the default is a uniform policy with value 0.
type MockAlphaZero struct {
	ActionSpace int
	Value       float32
	// PolicyFn, when set, overrides the uniform policy per request slot.
	PolicyFn func(slot int) []float32

	mu         sync.Mutex
	pending    int
	LoadedPath string
	Forwards   int
	// BatchHistory records the batch size of every Forward call.
	BatchHistory []int
}

var _ gamezero.AlphaZeroEvaluator = (*MockAlphaZero)(nil)

func (m *MockAlphaZero) Load(path string, deviceID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LoadedPath = path
	return nil
}

func (m *MockAlphaZero) ActionSize() int { return m.ActionSpace }

func (m *MockAlphaZero) Dims() gamezero.Dims {
	return gamezero.Dims{InputChannels: 4, InputHeight: 3, InputWidth: 3}
}

func (m *MockAlphaZero) PushBack(features []float32, rotation gamezero.Rotation) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	slot := m.pending
	m.pending++
	return slot
}

func (m *MockAlphaZero) BatchSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending
}

func (m *MockAlphaZero) Forward() ([]gamezero.Output, error) {
	m.mu.Lock()
	batch := m.pending
	m.pending = 0
	m.Forwards++
	m.BatchHistory = append(m.BatchHistory, batch)
	m.mu.Unlock()

	outputs := make([]gamezero.Output, batch)
	for slot := range outputs {
		policy := m.uniformPolicy()
		if m.PolicyFn != nil {
			policy = m.PolicyFn(slot)
		}
		outputs[slot] = gamezero.Output{
			Policy:       policy,
			PolicyLogits: make([]float32, m.ActionSpace),
			Value:        m.Value,
		}
	}
	return outputs, nil
}

func (m *MockAlphaZero) uniformPolicy() []float32 {
	policy := make([]float32, m.ActionSpace)
	for i := range policy {
		policy[i] = 1 / float32(m.ActionSpace)
	}
	return policy
}

// MockMuZero is a deterministic MuZeroEvaluator with a fixed-size hidden
// state and zero rewards.
type MockMuZero struct {
	ActionSpace int
	HiddenSize  int
	Value       float32
	Reward      float32

	mu               sync.Mutex
	pendingInitial   int
	pendingRecurrent int
}

var _ gamezero.MuZeroEvaluator = (*MockMuZero)(nil)

func (m *MockMuZero) Load(path string, deviceID int) error { return nil }

func (m *MockMuZero) ActionSize() int { return m.ActionSpace }

func (m *MockMuZero) Dims() gamezero.Dims {
	return gamezero.Dims{InputChannels: 4, InputHeight: 3, InputWidth: 3, HiddenChannels: 1, HiddenHeight: 1, HiddenWidth: m.HiddenSize}
}

func (m *MockMuZero) PushBackInitial(features []float32) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	slot := m.pendingInitial
	m.pendingInitial++
	return slot
}

func (m *MockMuZero) PushBackRecurrent(hiddenState, actionFeatures []float32) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	slot := m.pendingRecurrent
	m.pendingRecurrent++
	return slot
}

func (m *MockMuZero) InitialBatchSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pendingInitial
}

func (m *MockMuZero) RecurrentBatchSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pendingRecurrent
}

func (m *MockMuZero) InitialInference() ([]gamezero.Output, error) {
	m.mu.Lock()
	batch := m.pendingInitial
	m.pendingInitial = 0
	m.mu.Unlock()
	return m.outputs(batch), nil
}

func (m *MockMuZero) RecurrentInference() ([]gamezero.Output, error) {
	m.mu.Lock()
	batch := m.pendingRecurrent
	m.pendingRecurrent = 0
	m.mu.Unlock()
	return m.outputs(batch), nil
}

func (m *MockMuZero) outputs(batch int) []gamezero.Output {
	outputs := make([]gamezero.Output, batch)
	for slot := range outputs {
		policy := make([]float32, m.ActionSpace)
		for i := range policy {
			policy[i] = 1 / float32(m.ActionSpace)
		}
		outputs[slot] = gamezero.Output{
			Policy:       policy,
			PolicyLogits: make([]float32, m.ActionSpace),
			Value:        m.Value,
			Reward:       m.Reward,
			HiddenState:  make([]float32, m.HiddenSize),
		}
	}
	return outputs
}
