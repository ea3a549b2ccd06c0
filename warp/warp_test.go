package warp

import (
	"math/rand"
	"testing"

	"github.com/openfluke/tomnet/nn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randTensor(rng *rand.Rand, n, c, h, w int, scale float64) *nn.Tensor {
	t := nn.NewTensor(n, c, h, w)
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64() * scale)
	}
	return t
}

func TestZeroFlowIsIdentity(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	ref := randTensor(rng, 2, 3, 5, 6, 1)
	out, err := Forward(ref, nn.NewTensor(2, 2, 5, 6))
	require.NoError(t, err)
	assert.Equal(t, ref.Data, out.Data)
}

func TestIntegerShift(t *testing.T) {
	ref := nn.NewTensorFrom([]float32{
		1, 2, 3,
		4, 5, 6,
	}, 1, 1, 2, 3)
	flow := nn.NewTensor(1, 3, 2, 3)
	// u = 1 everywhere, validity channel set but ignored
	for i := 0; i < 6; i++ {
		flow.Data[i] = 1
		flow.Data[12+i] = 1
	}
	out, err := Forward(ref, flow)
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 3, 0, 5, 6, 0}, out.Data)
}

func TestHalfPixelInterpolates(t *testing.T) {
	ref := nn.NewTensorFrom([]float32{0, 10}, 1, 1, 1, 2)
	flow := nn.NewTensorFrom([]float32{0.5, 0, 0, 0}, 1, 2, 1, 2)
	out, err := Forward(ref, flow)
	require.NoError(t, err)
	assert.InDelta(t, 5, out.Data[0], 1e-6)
}

func TestShapeMismatch(t *testing.T) {
	_, err := Forward(nn.NewTensor(1, 3, 4, 4), nn.NewTensor(1, 2, 4, 5))
	require.Error(t, err)
	assert.True(t, nn.IsShapeMismatch(err))

	_, _, err = Backward(nn.NewTensor(1, 3, 4, 4), nn.NewTensor(1, 2, 4, 4), nn.NewTensor(1, 3, 2, 2))
	assert.True(t, nn.IsShapeMismatch(err))
}

func TestBackwardMatchesFiniteDifferences(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	ref := randTensor(rng, 1, 2, 5, 5, 1)
	flow := nn.NewTensor(1, 2, 5, 5)
	// keep sample points away from the integer grid where bilinear
	// interpolation has kinks
	for i := range flow.Data {
		flow.Data[i] = float32(0.2 + 0.6*rng.Float64())
		if rng.Intn(2) == 0 {
			flow.Data[i] -= 1
		}
	}
	seed := randTensor(rng, 1, 2, 5, 5, 1)

	loss := func() float64 {
		out, err := Forward(ref, flow)
		require.NoError(t, err)
		var s float64
		for i, v := range out.Data {
			s += float64(v) * float64(seed.Data[i])
		}
		return s
	}

	gradRef, gradFlow, err := Backward(ref, flow, seed)
	require.NoError(t, err)

	const eps = 1e-3
	for _, c := range []struct {
		name string
		t    *nn.Tensor
		g    *nn.Tensor
	}{{"ref", ref, gradRef}, {"flow", flow, gradFlow}} {
		for i := range c.t.Data {
			orig := c.t.Data[i]
			c.t.Data[i] = orig + eps
			up := loss()
			c.t.Data[i] = orig - eps
			down := loss()
			c.t.Data[i] = orig
			assert.InDelta(t, (up-down)/(2*eps), c.g.Data[i], 1e-2, "%s[%d]", c.name, i)
		}
	}
}

func TestMultiScaleWarpsEveryScale(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	refs := []*nn.Tensor{randTensor(rng, 1, 3, 4, 4, 1), randTensor(rng, 1, 3, 8, 8, 1)}
	flows := []*nn.Tensor{nn.NewTensor(1, 2, 4, 4), nn.NewTensor(1, 2, 8, 8)}

	m := MultiScale{Scales: 2}
	out, err := m.Forward(refs, flows)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, refs[1].Data, out[1].Data)

	grads := []*nn.Tensor{refs[0].ZerosLike(), refs[1].ZerosLike()}
	gradRefs, gradFlows, err := m.Backward(refs, flows, grads)
	require.NoError(t, err)
	assert.Len(t, gradRefs, 2)
	assert.Equal(t, [4]int{1, 2, 8, 8}, gradFlows[1].Shape())

	_, err = m.Forward(refs[:1], flows[:1])
	assert.Error(t, err)
}

func TestSingleRejectsLists(t *testing.T) {
	ref := nn.NewTensor(1, 3, 4, 4)
	flow := nn.NewTensor(1, 2, 4, 4)
	_, err := Single{}.Forward([]*nn.Tensor{ref, ref}, []*nn.Tensor{flow, flow})
	assert.Error(t, err)

	out, err := Single{}.Forward([]*nn.Tensor{ref}, []*nn.Tensor{flow})
	require.NoError(t, err)
	assert.Len(t, out, 1)
}
