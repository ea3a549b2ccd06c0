package train

import (
	"github.com/openfluke/tomnet/criterion"
	"github.com/openfluke/tomnet/data"
	"github.com/openfluke/tomnet/model"
	"github.com/openfluke/tomnet/nn"
	"github.com/pkg/errors"
)

// iteration carries everything one mini-batch produces, from the loaded
// sample to the gradients handed to the network.
type iteration struct {
	epoch int
	index int // 1-based within the epoch
	split string

	sample *data.Sample
	// levels holds the ground truth of every prediction, coarsest first.
	levels []*data.Level
	input  *nn.Variable

	// refine mode only
	coarse *model.Prediction

	preds []model.Prediction
	refs  []*nn.Tensor
	flows []*nn.Tensor
	recs  []*nn.Tensor

	unsupGrads    []criterion.UnsupGrads
	warpFlowGrads []*nn.Tensor
	supFlowGrads  []*nn.Tensor
	flowGrads     []*nn.Tensor

	losses map[string]float64
}

func newIteration(epoch, index int, split string) *iteration {
	return &iteration{epoch: epoch, index: index, split: split, losses: map[string]float64{}}
}

// copyInput takes ownership of a copy of the batch.
func (t *Trainer) copyInput(it *iteration, s *data.Sample) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if t.cfg.InTrimap && s.Trimap == nil {
		return errors.New("trimap input enabled but the sample has no trimap")
	}
	c := &data.Sample{
		Ref:  s.Ref.Clone(),
		Tar:  s.Tar.Clone(),
		Flow: s.Flow.Clone(),
		Mask: s.Mask.Clone(),
		Rho:  s.Rho.Clone(),
	}
	if s.Trimap != nil {
		c.Trimap = s.Trimap.Clone()
	}
	it.sample = c
	return nil
}

// buildTargets derives per-scale ground truth. Refine mode trains a single
// full-resolution scale and skips the pyramid.
func (t *Trainer) buildTargets(it *iteration) error {
	s := it.sample
	if t.cfg.Refine {
		it.levels = []*data.Level{{Ref: s.Ref, Tar: s.Tar, Flow: s.Flow, Mask: s.Mask, Rho: s.Rho, Factor: 1}}
		return nil
	}
	p, err := t.pyramid(s, t.cfg.MSNum)
	if err != nil {
		return err
	}
	it.levels = make([]*data.Level, p.Len())
	for i := range it.levels {
		it.levels[i] = p.ForPrediction(i)
	}
	return nil
}

// networkInput concatenates [ref] tar [trimap] along channels.
func (t *Trainer) networkInput(it *iteration) (*nn.Tensor, error) {
	s := it.sample
	var parts []*nn.Tensor
	if t.cfg.InBg {
		parts = append(parts, s.Ref)
	}
	parts = append(parts, s.Tar)
	if t.cfg.InTrimap {
		parts = append(parts, s.Trimap)
	}
	in, err := nn.ConcatChannels(parts...)
	return in, errors.WithStack(err)
}

// refineInput runs the frozen coarse predictor and appends its normalized
// full-resolution prediction to the base input.
func (t *Trainer) refineInput(it *iteration, base *nn.Tensor) (*nn.Tensor, error) {
	preds, err := t.predictor.Forward(nn.NewConstant(base))
	if err != nil {
		return nil, errors.Wrap(err, "coarse predictor")
	}
	last := preds[len(preds)-1]
	it.coarse = &last

	prior, err := model.Normalizer{Scale: 1, Upsample: 1}.NormalizeTensor(last, base.W)
	if err != nil {
		return nil, err
	}

	s := it.sample
	l, err := t.coarseCrit.Forward(last.Flow.Value, s.Flow)
	if err != nil {
		return nil, err
	}
	it.losses["coarse_flow_loss"] = l.Loss
	it.losses["coarse_flow_epe"] = criterion.FlowError(l.EPE, s.Mask)
	it.losses["coarse_mask_iou"] = criterion.MaskIoU(last.Mask.Value, s.Mask)
	it.losses["coarse_rho_error"] = criterion.RhoError(last.Rho.Value, s.Rho, s.Mask)

	in, err := nn.ConcatChannels(base, prior)
	return in, errors.WithStack(err)
}

func (t *Trainer) prepareInput(it *iteration) error {
	in, err := t.networkInput(it)
	if err != nil {
		return err
	}
	if t.cfg.Refine {
		if in, err = t.refineInput(it, in); err != nil {
			return err
		}
	}
	it.input = nn.NewConstant(in)
	return nil
}

func (t *Trainer) forward(it *iteration) error {
	preds, err := t.net.Forward(it.input)
	if err != nil {
		return err
	}
	if len(preds) != len(it.levels) {
		return errors.Errorf("%s returned %d predictions for %d scales", t.net.Name(), len(preds), len(it.levels))
	}
	it.preds = preds
	return nil
}

// warpForward reconstructs the target of every scale from its reference
// image and the predicted flow. In refine mode the reconstruction is only
// displayed, so no gradient is routed back through the warp.
func (t *Trainer) warpForward(it *iteration) error {
	it.refs = make([]*nn.Tensor, len(it.preds))
	it.flows = make([]*nn.Tensor, len(it.preds))
	for i, p := range it.preds {
		it.refs[i] = it.levels[i].Ref
		it.flows[i] = p.Flow.Value
	}
	recs, err := t.warper.Forward(it.refs, it.flows)
	if err != nil {
		return err
	}
	it.recs = recs
	return nil
}

func (t *Trainer) unsupInputs(it *iteration) ([]criterion.UnsupInput, []criterion.UnsupTarget) {
	in := make([]criterion.UnsupInput, len(it.preds))
	tg := make([]criterion.UnsupTarget, len(it.preds))
	for i, p := range it.preds {
		l := it.levels[i]
		in[i] = criterion.UnsupInput{MaskLogits: p.Mask.Value, Rho: p.Rho.Value}
		tg[i] = criterion.UnsupTarget{Tar: l.Tar, Mask: l.Mask, Rho: l.Rho}
		if t.cfg.Refine {
			// refinement trains without the reconstruction loss
			continue
		}
		weight := l.Validity()
		for j, r := range l.Rho.Data {
			weight.Data[j] *= r
		}
		in[i].Rec, tg[i].Weight = it.recs[i], weight
	}
	return in, tg
}

func (t *Trainer) unsup(it *iteration, backward bool) error {
	in, tg := t.unsupInputs(it)
	var (
		l   criterion.UnsupLoss
		err error
	)
	if backward {
		l, it.unsupGrads, err = t.unsupCrit.MultiScaleForwardBackward(in, tg)
	} else {
		l, err = t.unsupCrit.MultiScaleForward(in, tg)
	}
	if err != nil {
		return err
	}
	if !t.cfg.Refine {
		it.losses["rec_loss"] = l.Rec
	}
	it.losses["mask_loss"] = l.Mask
	it.losses["rho_loss"] = l.Rho
	return nil
}

// warpBackward routes the reconstruction gradient to the predicted flows.
func (t *Trainer) warpBackward(it *iteration) error {
	grads := make([]*nn.Tensor, len(it.unsupGrads))
	for i, g := range it.unsupGrads {
		grads[i] = g.Rec
	}
	_, gradFlows, err := t.warper.Backward(it.refs, it.flows, grads)
	if err != nil {
		return err
	}
	it.warpFlowGrads = gradFlows
	return nil
}

func (t *Trainer) flowTargets(it *iteration) []*nn.Tensor {
	out := make([]*nn.Tensor, len(it.levels))
	for i, l := range it.levels {
		out[i] = l.Flow
	}
	return out
}

func (t *Trainer) supervise(it *iteration, backward bool) error {
	var (
		l   criterion.FlowLoss
		err error
	)
	if backward {
		l, it.supFlowGrads, err = t.flowCrit.ForwardBackward(it.flows, t.flowTargets(it))
	} else {
		l, err = t.flowCrit.Forward(it.flows, t.flowTargets(it))
	}
	if err != nil {
		return err
	}
	it.losses["flow_loss"] = l.Loss
	it.losses["flow_epe"] = criterion.FlowError(l.EPE, it.sample.Mask)
	return nil
}

// combineFlowGrads adds the supervised flow gradient and the gradient the
// reconstruction loss routes through the warp.
func (t *Trainer) combineFlowGrads(it *iteration) error {
	if len(it.supFlowGrads) != len(it.warpFlowGrads) {
		return errors.Errorf("%d supervised and %d warp flow gradients", len(it.supFlowGrads), len(it.warpFlowGrads))
	}
	it.flowGrads = make([]*nn.Tensor, len(it.supFlowGrads))
	for i, g := range it.supFlowGrads {
		w := it.warpFlowGrads[i]
		if !g.SameShape(w) {
			return errors.WithStack(nn.NewShapeMismatchError("combine flow gradients", g, w))
		}
		sum := g.Clone()
		sum.AddInPlace(w)
		it.flowGrads[i] = sum
	}
	return nil
}

// backward pushes every branch gradient of every scale through the network
// in one pass.
func (t *Trainer) backward(it *iteration) error {
	nn.ZeroGrad(t.params)
	var roots []*nn.Variable
	var grads []*nn.Tensor
	for i, p := range it.preds {
		roots = append(roots, p.Flow, p.Mask, p.Rho)
		grads = append(grads, it.flowGrads[i], it.unsupGrads[i].Mask, it.unsupGrads[i].Rho)
	}
	return errors.WithStack(nn.Backward(roots, grads))
}

// metrics records the evaluation errors of the finest prediction.
func (t *Trainer) metrics(it *iteration) {
	s := it.sample
	last := it.preds[len(it.preds)-1]
	it.losses["mask_iou"] = criterion.MaskIoU(last.Mask.Value, s.Mask)
	it.losses["rho_error"] = criterion.RhoError(last.Rho.Value, s.Rho, s.Mask)

	var total float64
	for _, k := range []string{"flow_loss", "rec_loss", "mask_loss", "rho_loss"} {
		total += it.losses[k]
	}
	it.losses["total"] = total
}

// step runs one training iteration up to and including the parameter
// update.
func (t *Trainer) step(it *iteration, s *data.Sample, lr float32) error {
	if err := t.evaluate(it, s, true); err != nil {
		return err
	}
	if t.cfg.Refine {
		it.flowGrads = it.supFlowGrads
	} else if err := t.combineFlowGrads(it); err != nil {
		return stageErr(StageBackward, err)
	}
	if err := t.backward(it); err != nil {
		return stageErr(StageBackward, err)
	}
	t.opt.Step(t.params, lr)
	return nil
}

// evaluate runs everything up to the losses and, when backward is set,
// the criterion and warp gradients.
func (t *Trainer) evaluate(it *iteration, s *data.Sample, backward bool) error {
	if err := t.copyInput(it, s); err != nil {
		return stageErr(StageData, err)
	}
	if err := t.buildTargets(it); err != nil {
		return stageErr(StageData, err)
	}
	if err := t.prepareInput(it); err != nil {
		return stageErr(StageForward, err)
	}
	if err := t.forward(it); err != nil {
		return stageErr(StageForward, err)
	}
	if err := t.warpForward(it); err != nil {
		return stageErr(StageForward, err)
	}
	if err := t.unsup(it, backward); err != nil {
		return stageErr(StageForward, err)
	}
	if backward && !t.cfg.Refine {
		if err := t.warpBackward(it); err != nil {
			return stageErr(StageBackward, err)
		}
	}
	if err := t.supervise(it, backward); err != nil {
		return stageErr(StageForward, err)
	}
	t.metrics(it)
	return nil
}
