package train

import (
	"context"
	"math"
	"testing"

	"github.com/openfluke/tomnet/checkpoint"
	"github.com/openfluke/tomnet/config"
	"github.com/openfluke/tomnet/data"
	"github.com/openfluke/tomnet/model"
	"github.com/openfluke/tomnet/nn"
	"github.com/openfluke/tomnet/visual"
	"github.com/openfluke/tomnet/warp"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.MSNum = 2
	cfg.BaseChannels, cfg.RIRBDepth, cfg.Reduction = 2, 1, 1
	cfg.BatchSize = 1
	cfg.NEpochs = 1
	cfg.TrainDisplay, cfg.TrainSave = 1, 1
	cfg.ValDisplay, cfg.ValSave = 1, 1
	cfg.LogDir, cfg.Save = "run/logdir", "run/checkpointdir"
	return &cfg
}

func testDataset() *data.Synthetic {
	return &data.Synthetic{Height: 64, Width: 64, Batch: 1, TrainItems: 2, ValItems: 1, Seed: 3}
}

func newTrainer(t *testing.T, cfg *config.Config, deps Deps) *Trainer {
	t.Helper()
	if deps.Net == nil {
		net, err := model.New(cfg)
		require.NoError(t, err)
		deps.Net = net
	}
	opt, err := nn.NewOptimizer(cfg.Solver, float32(cfg.LR), float32(cfg.Beta1), float32(cfg.Beta2))
	require.NoError(t, err)
	deps.Optimizer = opt
	deps.Log = zap.NewNop().Sugar()
	tr, err := New(cfg, deps)
	require.NoError(t, err)
	return tr
}

// countingWarp records how often each direction runs.
type countingWarp struct {
	warp.Module
	forward, backward int
}

func (c *countingWarp) Forward(refs, flows []*nn.Tensor) ([]*nn.Tensor, error) {
	c.forward++
	return c.Module.Forward(refs, flows)
}

func (c *countingWarp) Backward(refs, flows, grads []*nn.Tensor) ([]*nn.Tensor, []*nn.Tensor, error) {
	c.backward++
	return c.Module.Backward(refs, flows, grads)
}

func TestLearningRateSchedule(t *testing.T) {
	cfg := testConfig()
	cfg.LR, cfg.LRDecayStart, cfg.LRDecayStep = 1e-4, 10, 5
	tr := newTrainer(t, cfg, Deps{})
	assert.InDelta(t, 1e-4, tr.LearningRate(9), 1e-10)
	assert.InDelta(t, 5e-5, tr.LearningRate(10), 1e-10)
	assert.InDelta(t, 5e-5, tr.LearningRate(14), 1e-10)
	assert.InDelta(t, 2.5e-5, tr.LearningRate(15), 1e-10)
}

func TestTrainEpochUpdatesParameters(t *testing.T) {
	cfg := testConfig()
	tr := newTrainer(t, cfg, Deps{})
	before := make([][]float32, len(tr.params))
	for i, p := range tr.params {
		before[i] = append([]float32(nil), p.Value.Data...)
	}

	losses, err := tr.Train(1, testDataset())
	require.NoError(t, err)
	assert.Equal(t, Idle, tr.State())
	for _, k := range []string{"flow_loss", "flow_epe", "rec_loss", "mask_loss", "rho_loss", "total", "mask_iou", "rho_error"} {
		v, ok := losses[k]
		require.True(t, ok, k)
		assert.False(t, math.IsNaN(v) || math.IsInf(v, 0), k)
	}
	assert.Equal(t, 2, tr.opt.State().Step)

	changed := 0
	for i, p := range tr.params {
		if p.Trainable && !assert.ObjectsAreEqual(before[i], p.Value.Data) {
			changed++
		}
	}
	assert.Greater(t, changed, 0)
}

func TestValidateLeavesWeightsUntouched(t *testing.T) {
	cfg := testConfig()
	tr := newTrainer(t, cfg, Deps{})
	w := append([]float32(nil), tr.params[0].Value.Data...)
	losses, err := tr.Validate(1, testDataset())
	require.NoError(t, err)
	assert.Contains(t, losses, "flow_epe")
	assert.Equal(t, w, tr.params[0].Value.Data)
	assert.Equal(t, 0, tr.opt.State().Step)
}

func TestRefineWarpsOnceWithoutReconstructionLoss(t *testing.T) {
	coarseCfg := testConfig()
	predictor, err := model.New(coarseCfg)
	require.NoError(t, err)

	cfg := testConfig()
	cfg.Refine, cfg.Predictor = true, "coarse"
	tr := newTrainer(t, cfg, Deps{Predictor: predictor})

	cw := &countingWarp{Module: tr.warper}
	tr.warper = cw
	tr.pyramid = func(*data.Sample, int) (*data.Pyramid, error) {
		t.Fatal("pyramid built in refine mode")
		return nil, nil
	}

	losses, err := tr.Train(1, testDataset())
	require.NoError(t, err)
	assert.Equal(t, 2, cw.forward)
	assert.Equal(t, 0, cw.backward)
	assert.NotContains(t, losses, "rec_loss")
	assert.Contains(t, losses, "flow_epe")
	assert.Contains(t, losses, "rho_loss")
	assert.Contains(t, losses, "coarse_flow_epe")
	assert.Contains(t, losses, "coarse_mask_iou")
}

func TestRefineNeedsPredictor(t *testing.T) {
	cfg := testConfig()
	cfg.Refine = true
	net, err := model.New(cfg)
	require.NoError(t, err)
	_, err = New(cfg, Deps{Net: net, Optimizer: nn.NewAdamOptimizer(1, 1, 1, 1)})
	assert.Equal(t, StageSetup, StageOf(err))
}

func TestRunWritesHistoryCheckpointAndResults(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := testConfig()
	hist, err := checkpoint.LoadHistory(fs, cfg.Save, nil)
	require.NoError(t, err)
	tr := newTrainer(t, cfg, Deps{
		Sink:    &visual.PNGSink{Fs: fs, TileSize: 32},
		Store:   &checkpoint.Store{Fs: fs, Dir: cfg.Save, SaveNew: cfg.SaveNew},
		History: hist,
	})

	require.NoError(t, tr.Run(context.Background(), testDataset(), 1))

	for _, f := range []string{"train_hist.json", "train_hist", "val_hist.json", "checkpoint1.safetensors", "optim_state1.safetensors", "latest"} {
		ok, err := afero.Exists(fs, cfg.Save+"/"+f)
		require.NoError(t, err)
		assert.True(t, ok, f)
	}
	trainImages, err := afero.Glob(fs, cfg.LogDir+"/train/Images/1_*_0_EPE_*_IoU_*_Rho_*.png")
	require.NoError(t, err)
	assert.Len(t, trainImages, 2)
	valImages, err := afero.Glob(fs, cfg.LogDir+"/val/Images/*.png")
	require.NoError(t, err)
	assert.Len(t, valImages, 1)

	snap, err := checkpoint.Latest(fs, cfg.Save)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Epoch)
	assert.Equal(t, "CoarseNet", snap.Meta["network"])
	restored, err := config.Parse([]byte(snap.Meta["config"]), config.Default())
	require.NoError(t, err)
	assert.Equal(t, 2, restored.MSNum)
}

func TestRunStopsWhenCancelled(t *testing.T) {
	cfg := testConfig()
	cfg.NEpochs = 3
	tr := newTrainer(t, cfg, Deps{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, context.Canceled, tr.Run(ctx, testDataset(), 1))
	assert.Equal(t, 0, tr.opt.State().Step)
}

func TestValOnlyRunsSingleValidation(t *testing.T) {
	cfg := testConfig()
	cfg.ValOnly = true
	cfg.NEpochs = 5
	tr := newTrainer(t, cfg, Deps{})
	require.NoError(t, tr.Run(context.Background(), testDataset(), 1))
	assert.Equal(t, 0, tr.opt.State().Step)
}

type badDataset struct{ data.Dataset }

func (badDataset) Run(string, int) (data.Iterator, error) {
	s := &data.Sample{Ref: nn.NewTensor(1, 3, 64, 64), Tar: nn.NewTensor(1, 3, 64, 64)}
	return data.NewSliceIterator([]*data.Sample{s}), nil
}

func (badDataset) NumBatches(string, int) int { return 1 }

func TestStageErrors(t *testing.T) {
	cfg := testConfig()
	tr := newTrainer(t, cfg, Deps{})
	_, err := tr.Train(1, badDataset{})
	require.Error(t, err)
	assert.Equal(t, StageData, StageOf(err))
	assert.Equal(t, Idle, tr.State())
}

func TestCombineFlowGrads(t *testing.T) {
	tr := &Trainer{}
	it := newIteration(1, 1, data.SplitTrain)
	it.supFlowGrads = []*nn.Tensor{nn.NewTensorFrom([]float32{1, 2}, 1, 2, 1, 1)}
	it.warpFlowGrads = []*nn.Tensor{nn.NewTensorFrom([]float32{0.5, -2}, 1, 2, 1, 1)}
	require.NoError(t, tr.combineFlowGrads(it))
	assert.Equal(t, []float32{1.5, 0}, it.flowGrads[0].Data)
	assert.Equal(t, []float32{1, 2}, it.supFlowGrads[0].Data)

	it.warpFlowGrads = []*nn.Tensor{nn.NewTensor(1, 2, 2, 1)}
	assert.True(t, nn.IsShapeMismatch(tr.combineFlowGrads(it)))
}
