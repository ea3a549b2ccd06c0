package model

import (
	"math"
	"math/rand"
	"testing"

	"github.com/openfluke/tomnet/config"
	"github.com/openfluke/tomnet/nn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func smallOptions(in, ms int) Options {
	return Options{InChannels: in, MSNum: ms, BaseChannels: 2, RIRBDepth: 1, Reduction: 1, Seed: 1}
}

func randInput(n, c, h, w int) *nn.Variable {
	rng := rand.New(rand.NewSource(7))
	t := nn.NewTensor(n, c, h, w)
	for i := range t.Data {
		t.Data[i] = float32(rng.Float64())
	}
	return nn.NewConstant(t)
}

func TestCoarseNetEmitsOnePredictionPerScale(t *testing.T) {
	for ms := 2; ms <= 4; ms++ {
		net, err := NewCoarseNet(smallOptions(3, ms))
		require.NoError(t, err)
		preds, err := net.Forward(randInput(1, 3, 128, 128))
		require.NoError(t, err)
		require.Len(t, preds, ms, "ms_num %d", ms)

		for i, p := range preds {
			side := 128 >> uint(ms-1-i)
			assert.Equal(t, [4]int{1, 2, side, side}, p.Flow.Value.Shape(), "ms %d scale %d", ms, i)
			assert.Equal(t, [4]int{1, 2, side, side}, p.Mask.Value.Shape())
			assert.Equal(t, [4]int{1, 1, side, side}, p.Rho.Value.Shape())
		}
	}
}

func TestCoarseNetRejectsUnsupportedScales(t *testing.T) {
	for _, ms := range []int{1, 5} {
		_, err := NewCoarseNet(smallOptions(3, ms))
		assert.True(t, config.IsUnsupported(err), "ms_num %d", ms)
	}
	_, err := NewCoarseNet(Options{InChannels: 3, MSNum: 2})
	assert.True(t, config.IsUnsupported(err))
}

func TestCoarseNetRejectsUnalignedInput(t *testing.T) {
	net, err := NewCoarseNet(smallOptions(3, 2))
	require.NoError(t, err)
	_, err = net.Forward(randInput(1, 3, 96, 64))
	assert.True(t, nn.IsShapeMismatch(err))
	_, err = net.Forward(randInput(1, 4, 64, 64))
	assert.True(t, nn.IsShapeMismatch(err))
}

func TestCoarseNetOn448Batch(t *testing.T) {
	if testing.Short() {
		t.Skip("full-resolution forward pass")
	}
	opts := Options{InChannels: 3, MSNum: 4, BaseChannels: 1, RIRBDepth: 1, Reduction: 1, Seed: 2}
	net, err := NewCoarseNet(opts)
	require.NoError(t, err)
	net.SetTraining(false)

	preds, err := net.Forward(randInput(4, 3, 448, 448))
	require.NoError(t, err)
	require.Len(t, preds, 4)
	for i, side := range []int{56, 112, 224, 448} {
		p := preds[i]
		assert.Equal(t, [4]int{4, 2, side, side}, p.Flow.Value.Shape(), "flow %d", side)
		assert.Equal(t, [4]int{4, 2, side, side}, p.Mask.Value.Shape(), "mask %d", side)
		assert.Equal(t, [4]int{4, 1, side, side}, p.Rho.Value.Shape(), "rho %d", side)
	}
}

func TestHeadRatioFor448Input(t *testing.T) {
	want := map[int]float32{4: 56, 3: 112, 2: 224, 1: 448}
	for scale, ratio := range want {
		h := NewOutputHead("h", 4, scale, rand.New(rand.NewSource(1)))
		assert.Equal(t, ratio, h.Ratio(448))
		assert.Equal(t, 448/int(ratio), 1<<uint(scale-1))
	}
}

func TestNormalizerProducesProbabilities(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	mk := func(c int) *nn.Variable {
		t := nn.NewTensor(2, c, 4, 4)
		for i := range t.Data {
			t.Data[i] = float32(rng.NormFloat64() * 5)
		}
		return nn.NewConstant(t)
	}
	p := Prediction{Flow: mk(2), Mask: mk(2), Rho: mk(1)}
	prior, err := Normalizer{Scale: 3, Upsample: 2}.NormalizeTensor(p, 64)
	require.NoError(t, err)
	require.Equal(t, [4]int{2, 5, 8, 8}, prior.Shape())

	for n := 0; n < 2; n++ {
		for y := 0; y < 8; y++ {
			for x := 0; x < 8; x++ {
				a, b := prior.At(n, 2, y, x), prior.At(n, 3, y, x)
				assert.True(t, a >= 0 && b >= 0)
				assert.InDelta(t, 1, a+b, 1e-5)
				// flow is scaled by 4/64
				assert.InDelta(t, p.Flow.Value.At(n, 0, y/2, x/2)/16, prior.At(n, 0, y, x), 1e-5)
				assert.Equal(t, p.Rho.Value.At(n, 0, y/2, x/2), prior.At(n, 4, y, x))
			}
		}
	}
}

func TestInputResolveRejectsMismatch(t *testing.T) {
	_, err := Many(randInput(1, 2, 4, 4), randInput(1, 2, 8, 8)).Resolve()
	assert.True(t, nn.IsShapeMismatch(err))

	x, err := Many(randInput(1, 2, 4, 4), randInput(1, 3, 4, 4)).Resolve()
	require.NoError(t, err)
	assert.Equal(t, 5, x.Value.C)
}

func TestRefineNetEmitsSingleFullResolutionPrediction(t *testing.T) {
	net, err := NewRefineNet(smallOptions(3+predictionChannels, 0))
	require.NoError(t, err)
	preds, err := net.Forward(randInput(1, 8, 24, 32))
	require.NoError(t, err)
	require.Len(t, preds, 1)
	assert.Equal(t, [4]int{1, 2, 24, 32}, preds[0].Flow.Value.Shape())

	_, err = net.Forward(randInput(1, 8, 20, 32))
	assert.True(t, nn.IsShapeMismatch(err))
}

func TestNewSelectsNetwork(t *testing.T) {
	cfg := config.Default()
	cfg.BaseChannels, cfg.RIRBDepth, cfg.Reduction = 2, 1, 1
	net, err := New(&cfg)
	require.NoError(t, err)
	assert.Equal(t, "CoarseNet", net.Name())

	cfg.Refine = true
	net, err = New(&cfg)
	require.NoError(t, err)
	assert.Equal(t, "RefineNet", net.Name())
}

func TestGradientsReachCoarseHeadsThroughPriors(t *testing.T) {
	net, err := NewCoarseNet(smallOptions(3, 3))
	require.NoError(t, err)
	preds, err := net.Forward(randInput(1, 3, 64, 64))
	require.NoError(t, err)

	// seed only the finest flow
	fine := preds[len(preds)-1].Flow
	grad := fine.Value.ZerosLike()
	grad.Fill(1)
	require.NoError(t, nn.Backward([]*nn.Variable{fine}, []*nn.Tensor{grad}))

	reached := map[string]bool{}
	for _, p := range net.Parameters() {
		if p.Grad != nil {
			reached[p.Name] = true
		}
	}
	assert.True(t, reached["encoder.0.0.conv.weight"])
	assert.True(t, reached["output.3.rho.1.weight"])
	assert.True(t, reached["output.2.mask.1.weight"])
	assert.True(t, reached["output.1.flow.1.weight"])
	assert.False(t, reached["output.1.rho.1.weight"])
}

func TestParametersAreUniquelyNamedAndStable(t *testing.T) {
	a, err := NewCoarseNet(smallOptions(3, 4))
	require.NoError(t, err)
	b, err := NewCoarseNet(smallOptions(3, 4))
	require.NoError(t, err)

	pa, pb := a.Parameters(), b.Parameters()
	require.Equal(t, len(pa), len(pb))
	seen := map[string]bool{}
	for i, p := range pa {
		assert.False(t, seen[p.Name], p.Name)
		seen[p.Name] = true
		assert.Equal(t, p.Name, pb[i].Name)
		assert.Equal(t, p.Value.Data, pb[i].Value.Data)
	}
	assert.Greater(t, nn.CountParameters(pa), 0)
}

func TestBatchNormNetworkSwitchesMode(t *testing.T) {
	opts := smallOptions(3, 2)
	opts.UseBN = true
	net, err := NewCoarseNet(opts)
	require.NoError(t, err)
	x := randInput(2, 3, 64, 64)

	train, err := net.Forward(x)
	require.NoError(t, err)
	net.SetTraining(false)
	eval, err := net.Forward(x)
	require.NoError(t, err)
	assert.NotEqual(t, train[1].Flow.Value.Data, eval[1].Flow.Value.Data)
	for _, v := range eval[1].Flow.Value.Data {
		assert.False(t, math.IsNaN(float64(v)))
	}
}
