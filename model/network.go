// Package model implements the transparent-object matting networks: a
// multi-scale coarse network and a single-scale refinement network, both
// predicting flow, mask and attenuation.
package model

import (
	"math/rand"

	"github.com/openfluke/tomnet/config"
	"github.com/openfluke/tomnet/nn"
	"github.com/pkg/errors"
)

// Network maps an input batch to per-scale predictions, coarsest first.
type Network interface {
	nn.Module
	Forward(x *nn.Variable) ([]Prediction, error)
	SetTraining(training bool)
	Name() string
}

// Options size a network.
type Options struct {
	InChannels   int
	MSNum        int
	UseBN        bool
	BaseChannels int
	RIRBDepth    int
	Reduction    int
	Seed         int64
}

// OptionsFromConfig derives network options. inChannels is the width of
// the tensor passed to Forward.
func OptionsFromConfig(cfg *config.Config, inChannels int) Options {
	return Options{
		InChannels:   inChannels,
		MSNum:        cfg.MSNum,
		UseBN:        cfg.UseBN,
		BaseChannels: cfg.BaseChannels,
		RIRBDepth:    cfg.RIRBDepth,
		Reduction:    cfg.Reduction,
		Seed:         cfg.ManualSeed,
	}
}

// New builds the network selected by cfg: RefineNet in refine mode,
// CoarseNet otherwise.
func New(cfg *config.Config) (Network, error) {
	if cfg.Refine {
		return NewRefineNet(OptionsFromConfig(cfg, cfg.InputChannels()+predictionChannels))
	}
	return NewCoarseNet(OptionsFromConfig(cfg, cfg.InputChannels()))
}

// catchShape turns a shape panic raised by an nn op into an error.
func catchShape(err *error) {
	r := recover()
	if r == nil {
		return
	}
	if e, ok := r.(*nn.ShapeMismatchError); ok {
		*err = errors.WithStack(e)
		return
	}
	panic(r)
}

func checkInput(x *nn.Variable, channels, align int) error {
	v := x.Value
	if v.C != channels || v.H%align != 0 || v.W%align != 0 || v.H == 0 || v.W == 0 {
		return errors.WithStack(nn.NewShapeMismatchError("network input", v))
	}
	return nil
}

// CoarseNet is the multi-scale encoder/decoder. Seven encoder stages reduce
// the input to 1/64 of its size; three parallel decoder branches climb back
// with skip connections, refined by residual-in-residual stacks at the
// bottleneck, 1/8 and 1/2 resolution. Heads emit predictions at 1/8, 1/4,
// 1/2 and full resolution depending on MSNum; every emitted coarse
// prediction is normalized and fed to the next decoder.
type CoarseNet struct {
	opts Options
	mode *nn.Mode

	encoders [7]stage
	rirb0    nn.Residual
	rirb1    nn.Residual
	rirb2    nn.Residual

	decoder6, decoder5, decoder4 branches
	decoder3, decoder2, decoder1 branches

	heads       map[int]*OutputHead
	normalizers map[int]Normalizer
}

// coarseAlign is the input size granularity: six stride-2 stages.
const coarseAlign = 64

// NewCoarseNet validates opts and allocates the weights.
func NewCoarseNet(opts Options) (*CoarseNet, error) {
	if opts.MSNum < 2 || opts.MSNum > 4 {
		return nil, &config.UnsupportedConfigError{Option: "ms_num", Value: opts.MSNum, Reason: "the multi-scale network emits 2, 3 or 4 scales"}
	}
	if err := checkOptions(opts); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(opts.Seed))
	mode := &nn.Mode{Training: true}
	bn := opts.UseBN
	b := opts.BaseChannels
	c := [7]int{b, b, 2 * b, 4 * b, 8 * b, 16 * b, 16 * b}

	n := &CoarseNet{opts: opts, mode: mode, heads: map[int]*OutputHead{}, normalizers: map[int]Normalizer{}}
	in := opts.InChannels
	for i := range n.encoders {
		stride := 2
		if i == 0 {
			stride = 1
		}
		n.encoders[i] = newStage(nn.Join("encoder", i), in, c[i], stride, bn, mode, rng)
		in = c[i]
	}

	depth, red := opts.RIRBDepth, opts.Reduction
	wide := numBranches + 1
	prior := func(scale int) int {
		if opts.MSNum >= scale {
			return predictionChannels
		}
		return 0
	}

	n.rirb0 = NewRIRBStack("rirb0", c[6], 4, depth, red, rng)
	n.decoder6 = newBranches("decoder6", c[6], c[5], bn, mode, rng)
	n.decoder5 = newBranches("decoder5", wide*c[5], c[4], bn, mode, rng)
	n.decoder4 = newBranches("decoder4", wide*c[4], c[3], bn, mode, rng)

	in4 := wide * c[3]
	n.rirb1 = NewRIRBStack("rirb1", in4, 2, depth, red, rng)
	n.decoder3 = newBranches("decoder3", in4, c[2], bn, mode, rng)

	in3 := wide*c[2] + prior(4)
	n.decoder2 = newBranches("decoder2", in3, c[1], bn, mode, rng)

	in2 := wide*c[1] + prior(3)
	n.rirb2 = NewRIRBStack("rirb2", in2, 1, depth, red, rng)
	n.decoder1 = newBranches("decoder1", in2, c[0], bn, mode, rng)

	in1 := wide*c[0] + prior(2)
	for scale, inC := range map[int]int{4: in4, 3: in3, 2: in2, 1: in1} {
		if scale > opts.MSNum {
			continue
		}
		n.heads[scale] = NewOutputHead(nn.Join("output", scale), inC, scale, rand.New(rand.NewSource(opts.Seed+int64(scale))))
		if scale > 1 {
			n.normalizers[scale] = Normalizer{Scale: scale, Upsample: 2}
		}
	}
	return n, nil
}

func checkOptions(opts Options) error {
	for _, o := range []struct {
		name string
		v    int
	}{
		{"in_channels", opts.InChannels},
		{"base_channels", opts.BaseChannels},
		{"rirb_depth", opts.RIRBDepth},
		{"reduction", opts.Reduction},
	} {
		if o.v <= 0 {
			return &config.UnsupportedConfigError{Option: o.name, Value: o.v, Reason: "must be positive"}
		}
	}
	return nil
}

func (n *CoarseNet) Name() string { return "CoarseNet" }

func (n *CoarseNet) SetTraining(training bool) { n.mode.Training = training }

// Parameters lists every weight in a stable order.
func (n *CoarseNet) Parameters() []*nn.Parameter {
	mods := []nn.Module{}
	for _, e := range n.encoders {
		mods = append(mods, e)
	}
	mods = append(mods, n.rirb0, n.rirb1, n.rirb2,
		n.decoder6, n.decoder5, n.decoder4, n.decoder3, n.decoder2, n.decoder1)
	for scale := 4; scale >= 1; scale-- {
		if h, ok := n.heads[scale]; ok {
			mods = append(mods, h)
		}
	}
	return nn.CollectParameters(mods...)
}

// Forward returns MSNum predictions, coarsest first. x must have
// InChannels channels and sides divisible by 64.
func (n *CoarseNet) Forward(x *nn.Variable) (results []Prediction, err error) {
	defer catchShape(&err)
	if err := checkInput(x, n.opts.InChannels, coarseAlign); err != nil {
		return nil, err
	}
	width := x.Value.W

	var conv [7]*nn.Variable
	h := x
	for i, e := range n.encoders {
		h = e.Forward(h)
		conv[i] = h
	}

	deconv6, err := n.decoder6.Forward(One(n.rirb0.Forward(conv[6])), conv[5])
	if err != nil {
		return nil, err
	}
	deconv5, err := n.decoder5.Forward(Many(deconv6...), conv[4])
	if err != nil {
		return nil, err
	}
	deconv4, err := n.decoder4.Forward(Many(deconv5...), conv[3])
	if err != nil {
		return nil, err
	}

	in1, err := Many(deconv4...).Resolve()
	if err != nil {
		return nil, err
	}
	deconv3, err := n.decoder3.Forward(One(n.rirb1.Forward(in1)), conv[2])
	if err != nil {
		return nil, err
	}

	// emit runs the head of scale on feats and, for coarse scales, returns
	// the prior for the next decoder.
	emit := func(scale int, feats []*nn.Variable) (*nn.Variable, error) {
		head, ok := n.heads[scale]
		if !ok {
			return nil, nil
		}
		p, err := head.Forward(Many(feats...), width)
		if err != nil {
			return nil, err
		}
		results = append(results, p)
		norm, ok := n.normalizers[scale]
		if !ok {
			return nil, nil
		}
		return norm.Forward(p, width)
	}

	prior4, err := emit(4, deconv4)
	if err != nil {
		return nil, err
	}
	if prior4 != nil {
		deconv3 = append(deconv3, prior4)
	}

	deconv2, err := n.decoder2.Forward(Many(deconv3...), conv[1])
	if err != nil {
		return nil, err
	}
	prior3, err := emit(3, deconv3)
	if err != nil {
		return nil, err
	}
	if prior3 != nil {
		deconv2 = append(deconv2, prior3)
	}

	in2, err := Many(deconv2...).Resolve()
	if err != nil {
		return nil, err
	}
	deconv1, err := n.decoder1.Forward(One(n.rirb2.Forward(in2)), conv[0])
	if err != nil {
		return nil, err
	}
	prior2, err := emit(2, deconv2)
	if err != nil {
		return nil, err
	}
	if prior2 != nil {
		deconv1 = append(deconv1, prior2)
	}

	if _, err := emit(1, deconv1); err != nil {
		return nil, err
	}
	return results, nil
}
