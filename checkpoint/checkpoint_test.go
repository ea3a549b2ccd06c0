package checkpoint

import (
	"math"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/openfluke/tomnet/nn"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testParams(seed int64) []*nn.Parameter {
	rng := rand.New(rand.NewSource(seed))
	conv := nn.NewConv2D("conv", 2, 3, 3, 1, 1, rng)
	bn := nn.NewBatchNorm2D("bn", 3, &nn.Mode{Training: true})
	return nn.CollectParameters(conv, bn)
}

func trainedState(ps []*nn.Parameter) *nn.AdamState {
	opt := nn.NewAdamOptimizer(1e-3, 0.9, 0.999, 1e-8)
	for _, p := range ps {
		if !p.Trainable {
			continue
		}
		p.Grad = p.Value.ZerosLike()
		p.Grad.Fill(0.5)
	}
	opt.Step(ps, 1e-3)
	return opt.State()
}

func TestSuffix(t *testing.T) {
	assert.Equal(t, "", Suffix(7, 0))
	assert.Equal(t, "1", Suffix(1, 1))
	assert.Equal(t, "7", Suffix(7, 1))
	assert.Equal(t, "1", Suffix(5, 5))
	assert.Equal(t, "6", Suffix(6, 5))
	assert.Equal(t, "6", Suffix(10, 5))
}

func TestSaveAndRestoreIsBitIdentical(t *testing.T) {
	fs := afero.NewMemMapFs()
	src := testParams(1)
	state := trainedState(src)
	store := &Store{Fs: fs, Dir: "run/checkpointdir", SaveNew: 1, Log: zap.NewNop().Sugar()}
	require.NoError(t, store.Save(src, state, 3, map[string]string{"network": "CoarseNet"}))

	ok, err := afero.Exists(fs, filepath.Join("run/checkpointdir", "checkpoint3.safetensors"))
	require.NoError(t, err)
	assert.True(t, ok)

	snap, err := Latest(fs, "run/checkpointdir")
	require.NoError(t, err)
	assert.Equal(t, 3, snap.Epoch)
	assert.Equal(t, "CoarseNet", snap.Meta["network"])

	dst := testParams(2)
	require.NoError(t, snap.Restore(dst))
	for i := range src {
		assert.Equal(t, src[i].Value.Data, dst[i].Value.Data, src[i].Name)
	}

	require.NotNil(t, snap.Optim)
	assert.Equal(t, state.Step, snap.Optim.Step)
	assert.Equal(t, state.LearningRate, snap.Optim.LearningRate)
	assert.Equal(t, state.Beta2, snap.Optim.Beta2)
	assert.Equal(t, state.Epsilon, snap.Optim.Epsilon)
	assert.Equal(t, state.M, snap.Optim.M)
	assert.Equal(t, state.V, snap.Optim.V)

	// a restored optimizer continues exactly like the original
	a := nn.NewAdamOptimizer(1, 1, 1, 1)
	require.NoError(t, a.LoadState(snap.Optim))
	assert.Equal(t, state.Step, a.State().Step)
}

func TestLatestFollowsPointer(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := &Store{Fs: fs, Dir: "ckpt", SaveNew: 5}
	ps := testParams(1)
	for epoch := 1; epoch <= 7; epoch++ {
		ps[0].Value.Data[0] = float32(epoch)
		require.NoError(t, store.Save(ps, nil, epoch, nil))
	}
	files, err := afero.Glob(fs, "ckpt/checkpoint*.safetensors")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"ckpt/checkpoint1.safetensors", "ckpt/checkpoint6.safetensors"}, files)

	snap, err := LatestWeights(fs, "ckpt")
	require.NoError(t, err)
	assert.Equal(t, "6", snap.Suffix)
	assert.Equal(t, 7, snap.Epoch)
	assert.Nil(t, snap.Optim)
	assert.Equal(t, float32(7), snap.Weights[ps[0].Name].Values[0])
}

func TestLoadErrors(t *testing.T) {
	fs := afero.NewMemMapFs()
	_, err := Latest(fs, "missing")
	assert.True(t, IsLoadError(err))

	require.NoError(t, afero.WriteFile(fs, "broken/latest", []byte(""), 0644))
	require.NoError(t, afero.WriteFile(fs, "broken/checkpoint.safetensors", []byte("nope"), 0644))
	_, err = LatestWeights(fs, "broken")
	assert.True(t, IsLoadError(err))

	// weights present, optimizer missing
	store := &Store{Fs: fs, Dir: "partial"}
	require.NoError(t, store.Save(testParams(1), nil, 1, nil))
	_, err = Latest(fs, "partial")
	assert.True(t, IsLoadError(err))

	snap, err := LatestWeights(fs, "partial")
	require.NoError(t, err)
	err = snap.Restore(append(testParams(1), nn.CollectParameters(nn.NewConv2D("extra", 1, 1, 1, 1, 0, rand.New(rand.NewSource(1))))...))
	assert.True(t, IsLoadError(err))
}

func TestHistoryUpdate(t *testing.T) {
	fs := afero.NewMemMapFs()
	h, err := LoadHistory(fs, "save", zap.NewNop().Sugar())
	require.NoError(t, err)

	hist, err := h.Update(1, map[string]float64{"flow_epe": 2.5, "rec": 0.1}, "train")
	require.NoError(t, err)
	assert.Len(t, hist, 1)
	_, err = h.Update(2, map[string]float64{"flow_epe": 2}, "train")
	require.NoError(t, err)

	text, err := afero.ReadFile(fs, "save/train_hist")
	require.NoError(t, err)
	assert.Equal(t, "Epoch 1: flow_epe: 2.500000 rec: 0.100000\nEpoch 2: flow_epe: 2.000000\n", string(text))

	reloaded, err := LoadHistory(fs, "save", nil)
	require.NoError(t, err)
	assert.Equal(t, 2.0, reloaded.Get("train")[2]["flow_epe"])
	assert.Empty(t, reloaded.Get("val"))

	hist, err = h.Update(3, map[string]float64{"x": 1}, "test")
	assert.Nil(t, hist)
	assert.IsType(t, &UnknownSplitError{}, err)
	ok, _ := afero.Exists(fs, "save/test_hist.json")
	assert.False(t, ok)
}

func TestHistorySkipsNonFiniteLosses(t *testing.T) {
	fs := afero.NewMemMapFs()
	h, err := LoadHistory(fs, "save", zap.NewNop().Sugar())
	require.NoError(t, err)

	losses := map[string]float64{"flow_epe": 1.5, "rec_loss": math.NaN(), "total": math.Inf(1)}
	hist, err := h.Update(4, losses, "val")
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"flow_epe": 1.5}, hist[4])

	reloaded, err := LoadHistory(fs, "save", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"flow_epe": 1.5}, reloaded.Get("val")[4])
	text, err := afero.ReadFile(fs, "save/val_hist")
	require.NoError(t, err)
	assert.Equal(t, "Epoch 4: flow_epe: 1.500000\n", string(text))
}
