package model

import (
	"math/rand"

	"github.com/openfluke/tomnet/nn"
)

// refineAlign is the input size granularity: three stride-2 stages.
const refineAlign = 8

// RefineNet sharpens a coarse prediction at full resolution. Its input is
// the base input concatenated with the normalized coarse prediction.
type RefineNet struct {
	opts Options
	mode *nn.Mode

	encoders [4]stage
	rirb     nn.Residual
	decoders [3]*Decoder
	head     *OutputHead
}

func NewRefineNet(opts Options) (*RefineNet, error) {
	if err := checkOptions(opts); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(opts.Seed))
	mode := &nn.Mode{Training: true}
	b := opts.BaseChannels
	c := [4]int{b, 2 * b, 4 * b, 8 * b}

	n := &RefineNet{opts: opts, mode: mode}
	in := opts.InChannels
	for i := range n.encoders {
		stride := 2
		if i == 0 {
			stride = 1
		}
		n.encoders[i] = newStage(nn.Join("encoder", i), in, c[i], stride, opts.UseBN, mode, rng)
		in = c[i]
	}
	n.rirb = NewRIRBStack("rirb", c[3], 1, opts.RIRBDepth, opts.Reduction, rng)
	// decoder i reads the previous decoder output (or the bottleneck) plus
	// the encoder skip of its own resolution.
	n.decoders[0] = NewDecoder("decoder3", c[3], c[2], opts.UseBN, mode, rng)
	n.decoders[1] = NewDecoder("decoder2", 2*c[2], c[1], opts.UseBN, mode, rng)
	n.decoders[2] = NewDecoder("decoder1", 2*c[1], c[0], opts.UseBN, mode, rng)
	n.head = NewOutputHead("output1", 2*c[0], 1, rand.New(rand.NewSource(opts.Seed+1)))
	return n, nil
}

func (n *RefineNet) Name() string { return "RefineNet" }

func (n *RefineNet) SetTraining(training bool) { n.mode.Training = training }

func (n *RefineNet) Parameters() []*nn.Parameter {
	mods := []nn.Module{}
	for _, e := range n.encoders {
		mods = append(mods, e)
	}
	mods = append(mods, n.rirb, n.decoders[0], n.decoders[1], n.decoders[2], n.head)
	return nn.CollectParameters(mods...)
}

// Forward returns exactly one full-resolution prediction. x must have
// InChannels channels and sides divisible by 8.
func (n *RefineNet) Forward(x *nn.Variable) (results []Prediction, err error) {
	defer catchShape(&err)
	if err := checkInput(x, n.opts.InChannels, refineAlign); err != nil {
		return nil, err
	}

	var conv [4]*nn.Variable
	h := x
	for i, e := range n.encoders {
		h = e.Forward(h)
		conv[i] = h
	}

	in := One(n.rirb.Forward(conv[3]))
	for i, d := range n.decoders {
		y, err := d.Forward(in)
		if err != nil {
			return nil, err
		}
		in = Many(y, conv[2-i])
	}

	p, err := n.head.Forward(in, x.Value.W)
	if err != nil {
		return nil, err
	}
	return []Prediction{p}, nil
}
