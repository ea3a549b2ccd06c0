package nn

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOptimizerRejectsUnknownSolver(t *testing.T) {
	_, err := NewOptimizer("SGD", 1e-3, 0.9, 0.999)
	require.Error(t, err)
	_, ok := err.(*UnknownSolverError)
	assert.True(t, ok)

	opt, err := NewOptimizer("adam", 1e-3, 0.9, 0.999)
	require.NoError(t, err)
	assert.Equal(t, "Adam", opt.Name())
}

func TestAdamFirstStepMovesByLearningRate(t *testing.T) {
	p := newParameter("w", NewTensorFrom([]float32{1, -1, 0.5}, 1, 1, 1, 3), true)
	p.Grad = NewTensorFrom([]float32{0.3, -2, 0}, 1, 1, 1, 3)

	opt := NewAdamOptimizer(0.1, 0.9, 0.999, 1e-8)
	opt.Step([]*Parameter{p}, 0.1)

	// with bias correction the first update is lr*sign(g)
	assert.InDelta(t, 0.9, p.Value.Data[0], 1e-5)
	assert.InDelta(t, -0.9, p.Value.Data[1], 1e-5)
	assert.InDelta(t, 0.5, p.Value.Data[2], 1e-6)
	assert.Equal(t, 1, opt.State().Step)
	assert.Len(t, opt.State().M["w"], 3)
}

func TestAdamSkipsFrozenAndGradlessParameters(t *testing.T) {
	frozen := newParameter("running_mean", NewTensorFrom([]float32{1}, 1, 1, 1, 1), false)
	frozen.Grad = NewTensorFrom([]float32{1}, 1, 1, 1, 1)
	idle := newParameter("idle", NewTensorFrom([]float32{2}, 1, 1, 1, 1), true)

	opt := NewAdamOptimizer(0.1, 0.9, 0.999, 1e-8)
	opt.Step([]*Parameter{frozen, idle}, 0.1)
	assert.Equal(t, float32(1), frozen.Value.Data[0])
	assert.Equal(t, float32(2), idle.Value.Data[0])
	assert.Empty(t, opt.State().M)
}

func TestAdamConvergesOnQuadratic(t *testing.T) {
	// minimize (w-3)^2
	p := newParameter("w", NewTensorFrom([]float32{0}, 1, 1, 1, 1), true)
	opt := NewAdamOptimizer(0.1, 0.9, 0.999, 1e-8)
	for i := 0; i < 500; i++ {
		p.Grad = NewTensorFrom([]float32{2 * (p.Value.Data[0] - 3)}, 1, 1, 1, 1)
		opt.Step([]*Parameter{p}, 0.1)
	}
	assert.InDelta(t, 3, p.Value.Data[0], 0.05)
}

func TestAdamLoadStateResumesExactly(t *testing.T) {
	run := func(opt *AdamOptimizer, p *Parameter, steps int) {
		for i := 0; i < steps; i++ {
			p.Grad = NewTensorFrom([]float32{float32(math.Sin(float64(p.Value.Data[0])))}, 1, 1, 1, 1)
			opt.Step([]*Parameter{p}, 0.01)
		}
	}
	a := newParameter("w", NewTensorFrom([]float32{1}, 1, 1, 1, 1), true)
	optA := NewAdamOptimizer(0.01, 0.9, 0.999, 1e-8)
	run(optA, a, 10)

	b := newParameter("w", NewTensorFrom([]float32{1}, 1, 1, 1, 1), true)
	optB := NewAdamOptimizer(0.01, 0.9, 0.999, 1e-8)
	run(optB, b, 5)
	saved := *optB.State()
	saved.M = map[string][]float32{"w": append([]float32(nil), saved.M["w"]...)}
	saved.V = map[string][]float32{"w": append([]float32(nil), saved.V["w"]...)}

	optC := NewAdamOptimizer(0.01, 0.9, 0.999, 1e-8)
	require.NoError(t, optC.LoadState(&saved))
	run(optC, b, 5)
	assert.Equal(t, a.Value.Data[0], b.Value.Data[0])
}

func TestAdamLoadStateRejectsInconsistentMoments(t *testing.T) {
	opt := NewAdamOptimizer(0.01, 0.9, 0.999, 1e-8)
	err := opt.LoadState(&AdamState{M: map[string][]float32{"w": {1}}, V: map[string][]float32{"w": {1, 2}}})
	assert.Error(t, err)
	assert.Error(t, opt.LoadState(nil))
}
