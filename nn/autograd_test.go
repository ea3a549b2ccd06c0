package nn

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randTensor(rng *rand.Rand, n, c, h, w int) *Tensor {
	t := NewTensor(n, c, h, w)
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64())
	}
	return t
}

// checkGradients compares the tape gradient of sum(out*seed) with central
// finite differences for every element of every input.
func checkGradients(t *testing.T, inputs []*Tensor, build func(vs []*Variable) *Variable) {
	t.Helper()
	rng := rand.New(rand.NewSource(7))

	vars := make([]*Variable, len(inputs))
	for i, in := range inputs {
		vars[i] = NewLeaf(in)
	}
	out := build(vars)
	seed := randTensor(rng, out.Value.N, out.Value.C, out.Value.H, out.Value.W)
	require.NoError(t, Backward([]*Variable{out}, []*Tensor{seed}))

	loss := func() float64 {
		cs := make([]*Variable, len(inputs))
		for i, in := range inputs {
			cs[i] = NewConstant(in)
		}
		o := build(cs)
		var s float64
		for i, v := range o.Value.Data {
			s += float64(v) * float64(seed.Data[i])
		}
		return s
	}

	const eps = 1e-2
	for k, in := range inputs {
		require.NotNil(t, vars[k].Grad, "input %d received no gradient", k)
		for i := range in.Data {
			orig := in.Data[i]
			in.Data[i] = orig + eps
			up := loss()
			in.Data[i] = orig - eps
			down := loss()
			in.Data[i] = orig

			numeric := (up - down) / (2 * eps)
			analytic := float64(vars[k].Grad.Data[i])
			tol := 2e-2 + 2e-2*absf(numeric)
			assert.InDelta(t, numeric, analytic, tol, "input %d element %d", k, i)
		}
	}
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func TestConv2dGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for _, stride := range []int{1, 2} {
		checkGradients(t, []*Tensor{
			randTensor(rng, 2, 2, 5, 5),
			randTensor(rng, 3, 2, 3, 3),
			randTensor(rng, 1, 3, 1, 1),
		}, func(vs []*Variable) *Variable {
			return Conv2d(vs[0], vs[1], vs[2], stride, 1)
		})
	}
}

func TestConvTranspose2dGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	checkGradients(t, []*Tensor{
		randTensor(rng, 1, 2, 3, 3),
		randTensor(rng, 2, 3, 3, 3),
		randTensor(rng, 1, 3, 1, 1),
	}, func(vs []*Variable) *Variable {
		return ConvTranspose2d(vs[0], vs[1], vs[2], 2, 1, 1)
	})
}

func TestConvTransposeDoublesResolution(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	layer := NewConvTranspose2D("up", 4, 2, 3, 2, 1, 1, rng)
	out := layer.Forward(NewConstant(randTensor(rng, 1, 4, 7, 7)))
	assert.Equal(t, [4]int{1, 2, 14, 14}, out.Value.Shape())
}

func TestBatchNormGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	mode := &Mode{Training: true}
	bn := NewBatchNorm2D("bn", 2, mode)
	for i := range bn.Weight.Value.Data {
		bn.Weight.Value.Data[i] = 0.5 + float32(i)
	}
	checkGradients(t, []*Tensor{randTensor(rng, 2, 2, 3, 3)}, func(vs []*Variable) *Variable {
		return bn.Forward(vs[0])
	})
}

func TestBatchNormEvalUsesRunningStats(t *testing.T) {
	mode := &Mode{Training: false}
	bn := NewBatchNorm2D("bn", 1, mode)
	bn.RunningMean.Value.Data[0] = 1
	bn.RunningVar.Value.Data[0] = 4
	out := bn.Forward(NewConstant(NewTensorFrom([]float32{1, 3, 5, -1}, 1, 1, 2, 2)))
	assert.InDeltaSlice(t, []float32{0, 1, 2, -1}, out.Value.Data, 1e-4)
}

func TestBatchNormUpdatesRunningStats(t *testing.T) {
	bn := NewBatchNorm2D("bn", 1, &Mode{Training: true})
	bn.Forward(NewConstant(NewTensorFrom([]float32{2, 2, 2, 2}, 1, 1, 2, 2)))
	assert.InDelta(t, 0.2, bn.RunningMean.Value.Data[0], 1e-6)
	assert.InDelta(t, 0.9, bn.RunningVar.Value.Data[0], 1e-6)
	assert.False(t, bn.RunningMean.Trainable)
}

func TestActivationGradients(t *testing.T) {
	// keep inputs away from the ReLU kink
	in := NewTensorFrom([]float32{-1.5, -0.7, 0.4, 1.2, 2.0, -2.2}, 1, 1, 2, 3)
	for _, act := range []ActivationType{ActivationReLU, ActivationSigmoid, ActivationTanh} {
		checkGradients(t, []*Tensor{in.Clone()}, func(vs []*Variable) *Variable {
			return Activate(vs[0], act)
		})
	}
}

func TestChannelOpGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	checkGradients(t, []*Tensor{randTensor(rng, 2, 3, 3, 3), randTensor(rng, 2, 3, 1, 1)}, func(vs []*Variable) *Variable {
		return MulChannel(vs[0], vs[1])
	})
	checkGradients(t, []*Tensor{randTensor(rng, 2, 3, 3, 3)}, func(vs []*Variable) *Variable {
		return GlobalAvgPool(vs[0])
	})
	checkGradients(t, []*Tensor{randTensor(rng, 1, 3, 2, 2)}, func(vs []*Variable) *Variable {
		return SoftmaxChannels(vs[0])
	})
	checkGradients(t, []*Tensor{randTensor(rng, 1, 4, 2, 2), randTensor(rng, 1, 4, 2, 2)}, func(vs []*Variable) *Variable {
		return Add(Scale(vs[0], 3), UpsampleNearest(vs[1], 1))
	})
}

func TestConcatGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	checkGradients(t, []*Tensor{randTensor(rng, 2, 1, 2, 2), randTensor(rng, 2, 3, 2, 2)}, func(vs []*Variable) *Variable {
		out, err := Concat(vs[0], vs[1])
		require.NoError(t, err)
		return out
	})
}

func TestUpsampleNearest(t *testing.T) {
	in := NewTensorFrom([]float32{1, 2, 3, 4}, 1, 1, 2, 2)
	out := UpsampleNearest(NewConstant(in), 2)
	assert.Equal(t, []float32{
		1, 1, 2, 2,
		1, 1, 2, 2,
		3, 3, 4, 4,
		3, 3, 4, 4,
	}, out.Value.Data)

	rng := rand.New(rand.NewSource(9))
	checkGradients(t, []*Tensor{randTensor(rng, 1, 2, 2, 3)}, func(vs []*Variable) *Variable {
		return UpsampleNearest(vs[0], 2)
	})
}

func TestBackwardSharedSubgraph(t *testing.T) {
	// y = x + x*2 uses x twice; dy/dx = 3
	x := NewLeaf(NewTensorFrom([]float32{1, 2}, 1, 1, 1, 2))
	y := Add(x, Scale(x, 2))
	grad := NewTensorFrom([]float32{1, 1}, 1, 1, 1, 2)
	require.NoError(t, Backward([]*Variable{y}, []*Tensor{grad}))
	assert.Equal(t, []float32{3, 3}, x.Grad.Data)
	assert.Nil(t, y.Grad, "intermediate gradients are released")
}

func TestBackwardMultipleRoots(t *testing.T) {
	x := NewLeaf(NewTensorFrom([]float32{1}, 1, 1, 1, 1))
	a := Scale(x, 2)
	b := Scale(a, 5)
	require.NoError(t, Backward(
		[]*Variable{a, b},
		[]*Tensor{NewTensorFrom([]float32{1}, 1, 1, 1, 1), NewTensorFrom([]float32{1}, 1, 1, 1, 1)},
	))
	// d(a)/dx + d(b)/dx = 2 + 10
	assert.Equal(t, float32(12), x.Grad.Data[0])
}

func TestBackwardRejectsMismatchedSeed(t *testing.T) {
	x := NewLeaf(NewTensor(1, 1, 2, 2))
	err := Backward([]*Variable{Scale(x, 1)}, []*Tensor{NewTensor(1, 1, 1, 1)})
	require.Error(t, err)
	assert.True(t, IsShapeMismatch(err))
}
