// Package train runs the multi-task training loop: supervised flow loss
// plus unsupervised reconstruction, mask and attenuation losses, joined
// through differentiable warping.
package train

import (
	"context"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/openfluke/tomnet/checkpoint"
	"github.com/openfluke/tomnet/config"
	"github.com/openfluke/tomnet/criterion"
	"github.com/openfluke/tomnet/data"
	"github.com/openfluke/tomnet/model"
	"github.com/openfluke/tomnet/nn"
	"github.com/openfluke/tomnet/visual"
	"github.com/openfluke/tomnet/warp"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// State is the phase the trainer is in.
type State int

const (
	Idle State = iota
	TrainEpoch
	ValEpoch
)

func (s State) String() string {
	switch s {
	case TrainEpoch:
		return "train"
	case ValEpoch:
		return "val"
	}
	return "idle"
}

// Deps are the collaborators of a Trainer. Predictor is required in refine
// mode. Sink, Store and History may be nil to skip the corresponding
// output.
type Deps struct {
	Net       model.Network
	Predictor model.Network
	Optimizer nn.Optimizer
	Sink      visual.Sink
	Store     *checkpoint.Store
	History   *checkpoint.History
	Log       *zap.SugaredLogger
}

// Trainer owns one training run.
type Trainer struct {
	cfg *config.Config
	log *zap.SugaredLogger

	net       model.Network
	params    []*nn.Parameter
	predictor model.Network
	opt       nn.Optimizer
	sched     nn.LRScheduler

	flowCrit   *criterion.MultiScaleFlow
	coarseCrit *criterion.Flow
	unsupCrit  *criterion.Unsup
	warper     warp.Module
	pyramid    func(*data.Sample, int) (*data.Pyramid, error)

	sink    visual.Sink
	store   *checkpoint.Store
	history *checkpoint.History

	state State
}

// New wires a trainer for cfg.
func New(cfg *config.Config, deps Deps) (*Trainer, error) {
	if deps.Net == nil || deps.Optimizer == nil {
		return nil, stageErr(StageSetup, errors.New("trainer needs a network and an optimizer"))
	}
	if cfg.Refine && deps.Predictor == nil {
		return nil, stageErr(StageSetup, &config.UnsupportedConfigError{Option: "predictor", Value: cfg.Predictor, Reason: "refine mode needs a coarse predictor"})
	}
	log := deps.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	t := &Trainer{
		cfg:       cfg,
		log:       log,
		net:       deps.Net,
		params:    deps.Net.Parameters(),
		predictor: deps.Predictor,
		opt:       deps.Optimizer,
		sched:     nn.NewStepDecayScheduler(float32(cfg.LR), cfg.LRDecayStart, cfg.LRDecayStep),
		unsupCrit: &criterion.Unsup{ImgW: float32(cfg.ImgW), MaskW: float32(cfg.MaskW), RhoW: float32(cfg.RhoW)},
		pyramid:   data.NewPyramid,
		sink:      deps.Sink,
		store:     deps.Store,
		history:   deps.History,
	}
	scales := cfg.Scales()
	t.flowCrit = criterion.NewMultiScaleFlow(scales, float32(cfg.FlowW))
	if cfg.Refine {
		t.log.Info("[Single Scale] setting up single scale warping")
		t.warper = warp.Single{}
		t.coarseCrit = &criterion.Flow{Weight: float32(cfg.FlowW)}
		t.predictor.SetTraining(false)
	} else {
		t.log.Infof("[Multi Scale] setting up %d scale warping", scales)
		t.warper = warp.MultiScale{Scales: scales}
	}
	t.log.Infof("optimizer %s, learning rate schedule %s", t.opt.Name(), t.sched.Name())
	t.log.Infof("total number of parameters in %s: %s", t.net.Name(), humanize.Comma(int64(nn.CountParameters(t.params))))
	return t, nil
}

// State reports the current phase.
func (t *Trainer) State() State { return t.state }

// LearningRate is the rate used during epoch.
func (t *Trainer) LearningRate(epoch int) float32 { return t.sched.GetLR(epoch) }

// Run trains from startEpoch through n_epochs, validating every
// val_interval epochs and checkpointing every save_interval epochs. With
// val_only a single validation epoch runs. Cancellation is honoured
// between epochs.
func (t *Trainer) Run(ctx context.Context, ds data.Dataset, startEpoch int) error {
	if t.cfg.ValOnly {
		_, err := t.Validate(startEpoch, ds)
		return err
	}
	for epoch := startEpoch; epoch <= t.cfg.NEpochs; epoch++ {
		if err := ctx.Err(); err != nil {
			t.log.Warnw("stopping before epoch", "epoch", epoch, "reason", err)
			return err
		}
		losses, err := t.Train(epoch, ds)
		if err != nil {
			return err
		}
		if err := t.recordHistory(epoch, losses, data.SplitTrain); err != nil {
			return err
		}
		if epoch%t.cfg.ValInterval == 0 {
			losses, err := t.Validate(epoch, ds)
			if err != nil {
				return err
			}
			if err := t.recordHistory(epoch, losses, data.SplitVal); err != nil {
				return err
			}
		}
		if epoch%t.cfg.SaveInterval == 0 {
			if err := t.checkpoint(epoch); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *Trainer) recordHistory(epoch int, losses map[string]float64, split string) error {
	if t.history == nil || len(losses) == 0 {
		return nil
	}
	_, err := t.history.Update(epoch, losses, split)
	return stageErr(StageCheckpoint, err)
}

func (t *Trainer) checkpoint(epoch int) error {
	if t.store == nil {
		return nil
	}
	meta := map[string]string{"network": t.net.Name()}
	if y, err := t.cfg.Marshal(); err == nil {
		meta["config"] = y
	}
	return stageErr(StageCheckpoint, t.store.Save(t.params, t.opt.State(), epoch, meta))
}

// Train runs one training epoch and returns its average losses.
func (t *Trainer) Train(epoch int, ds data.Dataset) (map[string]float64, error) {
	t.state = TrainEpoch
	defer func() { t.state = Idle }()

	lr := t.LearningRate(epoch)
	numBatches := ds.NumBatches(data.SplitTrain, t.cfg.MaxImageNum)
	t.log.Infof("epoch %d, learning rate %g", epoch, lr)
	t.log.Infof("training epoch # %d, totaling mini batches %d", epoch, numBatches)

	t.net.SetTraining(true)
	return t.epoch(epoch, ds, data.SplitTrain, numBatches, func(it *iteration, s *data.Sample) error {
		return t.step(it, s, lr)
	})
}

// Validate runs one validation epoch without gradients.
func (t *Trainer) Validate(epoch int, ds data.Dataset) (map[string]float64, error) {
	t.state = ValEpoch
	defer func() { t.state = Idle }()

	numBatches := ds.NumBatches(data.SplitVal, t.cfg.MaxImageNum)
	t.log.Infof("*** testing after %d epochs ***", epoch)

	t.net.SetTraining(false)
	defer t.net.SetTraining(true)
	return t.epoch(epoch, ds, data.SplitVal, numBatches, func(it *iteration, s *data.Sample) error {
		return t.evaluate(it, s, false)
	})
}

func (t *Trainer) epoch(epoch int, ds data.Dataset, split string, numBatches int, run func(*iteration, *data.Sample) error) (map[string]float64, error) {
	iter, err := ds.Run(split, t.cfg.MaxImageNum)
	if err != nil {
		return nil, stageErr(StageData, err)
	}
	defer iter.Close()

	display, save := t.cfg.TrainDisplay, t.cfg.TrainSave
	if split == data.SplitVal {
		display, save = t.cfg.ValDisplay, t.cfg.ValSave
	}

	window, all := meter{}, meter{}
	var times timings
	for index := 1; ; index++ {
		start := time.Now()
		s, err := iter.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, stageErr(StageData, errors.Wrapf(err, "batch %d", index))
		}
		times.data += time.Since(start)

		start = time.Now()
		it := newIteration(epoch, index, split)
		if err := run(it, s); err != nil {
			return nil, err
		}
		times.model += time.Since(start)
		window.add(it.losses)
		all.add(it.losses)

		if index%display == 0 {
			t.display(it, numBatches, window.means(), times)
			window, times = meter{}, timings{}
		}
		if index%save == 0 {
			if err := t.saveResults(it); err != nil {
				return nil, stageErr(StageCheckpoint, err)
			}
		}
	}

	avg := all.means()
	t.log.Infof(" | epoch (%s): [%d] losses summary: %s", split, epoch, formatLosses(avg))
	return avg, nil
}
