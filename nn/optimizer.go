package nn

import (
	"math"
	"strings"

	"github.com/pkg/errors"
)

// Optimizer interface defines the contract for all optimizers
type Optimizer interface {
	// Step applies the accumulated gradients to the trainable parameters
	Step(params []*Parameter, learningRate float32)

	// State exposes the optimizer state for checkpointing
	State() *AdamState

	// LoadState restores a checkpointed state
	LoadState(state *AdamState) error

	// Name returns the optimizer name
	Name() string
}

// NewOptimizer builds the optimizer named by solver. Only "ADAM" is known.
func NewOptimizer(solver string, lr, beta1, beta2 float32) (Optimizer, error) {
	switch strings.ToUpper(solver) {
	case "ADAM":
		return NewAdamOptimizer(lr, beta1, beta2, 1e-8), nil
	}
	return nil, &UnknownSolverError{Name: solver}
}

// ============================================================================
// Adam Optimizer
// ============================================================================

// AdamState is everything needed to resume Adam exactly. Moments are keyed
// by parameter name.
type AdamState struct {
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32
	Step         int

	// First moment estimates (momentum)
	M map[string][]float32

	// Second moment estimates (variance)
	V map[string][]float32
}

type AdamOptimizer struct {
	state AdamState
}

func NewAdamOptimizer(lr, beta1, beta2, epsilon float32) *AdamOptimizer {
	return &AdamOptimizer{state: AdamState{
		LearningRate: lr,
		Beta1:        beta1,
		Beta2:        beta2,
		Epsilon:      epsilon,
		M:            make(map[string][]float32),
		V:            make(map[string][]float32),
	}}
}

// Step skips non-trainable parameters and parameters without a gradient.
func (opt *AdamOptimizer) Step(params []*Parameter, learningRate float32) {
	s := &opt.state
	s.Step++
	s.LearningRate = learningRate

	// Bias correction factors
	biasCorrection1 := 1.0 - float32(math.Pow(float64(s.Beta1), float64(s.Step)))
	biasCorrection2 := 1.0 - float32(math.Pow(float64(s.Beta2), float64(s.Step)))

	for _, p := range params {
		if !p.Trainable || p.Grad == nil {
			continue
		}
		key := p.Name
		w := p.Value.Data

		// Initialize moments if needed
		if s.M[key] == nil {
			s.M[key] = make([]float32, len(w))
			s.V[key] = make([]float32, len(w))
		}
		m, v := s.M[key], s.V[key]

		for j, grad := range p.Grad.Data {
			m[j] = s.Beta1*m[j] + (1-s.Beta1)*grad
			v[j] = s.Beta2*v[j] + (1-s.Beta2)*grad*grad

			mHat := m[j] / biasCorrection1
			vHat := v[j] / biasCorrection2

			w[j] -= learningRate * (mHat / (float32(math.Sqrt(float64(vHat))) + s.Epsilon))
		}
	}
}

func (opt *AdamOptimizer) State() *AdamState { return &opt.state }

func (opt *AdamOptimizer) LoadState(state *AdamState) error {
	if state == nil {
		return errors.New("nil optimizer state")
	}
	if len(state.M) != len(state.V) {
		return errors.Errorf("optimizer state has %d first moments but %d second moments", len(state.M), len(state.V))
	}
	for k, m := range state.M {
		if len(state.V[k]) != len(m) {
			return errors.Errorf("optimizer moments for %s differ in length", k)
		}
	}
	opt.state = *state
	if opt.state.M == nil {
		opt.state.M = make(map[string][]float32)
		opt.state.V = make(map[string][]float32)
	}
	return nil
}

func (opt *AdamOptimizer) Name() string {
	return "Adam"
}
