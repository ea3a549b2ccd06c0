package model

import (
	"math/rand"

	"github.com/openfluke/tomnet/nn"
	"github.com/pkg/errors"
)

// Input is either a single feature map or a list of maps that are joined
// along the channel axis before use.
type Input struct {
	single *nn.Variable
	list   []*nn.Variable
}

// One wraps a single tensor.
func One(x *nn.Variable) Input { return Input{single: x} }

// Many wraps a list of tensors sharing N, H and W.
func Many(xs ...*nn.Variable) Input { return Input{list: xs} }

// Resolve concatenates a list input. Mismatched spatial sizes are a
// ShapeMismatchError.
func (in Input) Resolve() (*nn.Variable, error) {
	if in.single != nil {
		return in.single, nil
	}
	if len(in.list) == 1 {
		return in.list[0], nil
	}
	v, err := nn.Concat(in.list...)
	return v, errors.WithStack(err)
}

// Encoder is conv(k=3) → [batch norm] → ReLU. Stride 2 halves the
// resolution.
type Encoder struct {
	Conv *nn.Conv2D
	BN   *nn.BatchNorm2D
}

func NewEncoder(name string, inC, outC, stride int, bn bool, mode *nn.Mode, rng *rand.Rand) *Encoder {
	e := &Encoder{Conv: nn.NewConv2D(nn.Join(name, "conv"), inC, outC, 3, stride, 1, rng)}
	if bn {
		e.BN = nn.NewBatchNorm2D(nn.Join(name, "bn"), outC, mode)
	}
	return e
}

func (e *Encoder) Forward(x *nn.Variable) *nn.Variable {
	x = e.Conv.Forward(x)
	if e.BN != nil {
		x = e.BN.Forward(x)
	}
	return nn.ReLU(x)
}

func (e *Encoder) Parameters() []*nn.Parameter {
	if e.BN == nil {
		return e.Conv.Parameters()
	}
	return nn.CollectParameters(e.Conv, e.BN)
}

// Decoder is transpose-conv(k=3, s=2, output padding 1) → [batch norm] →
// ReLU and doubles the resolution of its (concatenated) input.
type Decoder struct {
	Deconv *nn.ConvTranspose2D
	BN     *nn.BatchNorm2D
}

func NewDecoder(name string, inC, outC int, bn bool, mode *nn.Mode, rng *rand.Rand) *Decoder {
	d := &Decoder{Deconv: nn.NewConvTranspose2D(nn.Join(name, "deconv"), inC, outC, 3, 2, 1, 1, rng)}
	if bn {
		d.BN = nn.NewBatchNorm2D(nn.Join(name, "bn"), outC, mode)
	}
	return d
}

func (d *Decoder) Forward(in Input) (*nn.Variable, error) {
	x, err := in.Resolve()
	if err != nil {
		return nil, err
	}
	x = d.Deconv.Forward(x)
	if d.BN != nil {
		x = d.BN.Forward(x)
	}
	return nn.ReLU(x), nil
}

func (d *Decoder) Parameters() []*nn.Parameter {
	if d.BN == nil {
		return d.Deconv.Parameters()
	}
	return nn.CollectParameters(d.Deconv, d.BN)
}

// ChannelAttention gates every channel by a sigmoid weight computed from
// the globally pooled features.
type ChannelAttention struct {
	Squeeze *nn.Conv2D
	Excite  *nn.Conv2D
}

func NewChannelAttention(name string, channels, reduction int, rng *rand.Rand) *ChannelAttention {
	hidden := channels / reduction
	if hidden < 1 {
		hidden = 1
	}
	return &ChannelAttention{
		Squeeze: nn.NewConv2D(nn.Join(name, "squeeze"), channels, hidden, 1, 1, 0, rng),
		Excite:  nn.NewConv2D(nn.Join(name, "excite"), hidden, channels, 1, 1, 0, rng),
	}
}

func (a *ChannelAttention) Forward(x *nn.Variable) *nn.Variable {
	s := nn.GlobalAvgPool(x)
	s = nn.Sigmoid(a.Excite.Forward(nn.ReLU(a.Squeeze.Forward(s))))
	return nn.MulChannel(x, s)
}

func (a *ChannelAttention) Parameters() []*nn.Parameter {
	return nn.CollectParameters(a.Squeeze, a.Excite)
}

// ResidualBlock is x + attention(conv(relu(conv(x)))).
type ResidualBlock struct {
	Conv1, Conv2 *nn.Conv2D
	Attention    *ChannelAttention
}

func NewResidualBlock(name string, channels, reduction int, rng *rand.Rand) *ResidualBlock {
	return &ResidualBlock{
		Conv1:     nn.NewConv2D(nn.Join(name, "conv1"), channels, channels, 3, 1, 1, rng),
		Conv2:     nn.NewConv2D(nn.Join(name, "conv2"), channels, channels, 3, 1, 1, rng),
		Attention: NewChannelAttention(nn.Join(name, "attention"), channels, reduction, rng),
	}
}

func (b *ResidualBlock) Forward(x *nn.Variable) *nn.Variable {
	y := b.Conv2.Forward(nn.ReLU(b.Conv1.Forward(x)))
	return nn.Add(x, b.Attention.Forward(y))
}

func (b *ResidualBlock) Parameters() []*nn.Parameter {
	return nn.CollectParameters(b.Conv1, b.Conv2, b.Attention)
}

// RIRB (residual in residual) runs depth residual blocks and a conv, with
// an outer skip connection.
type RIRB struct {
	Blocks nn.Sequential
	Conv   *nn.Conv2D
}

func NewRIRB(name string, channels, depth, reduction int, rng *rand.Rand) *RIRB {
	r := &RIRB{Conv: nn.NewConv2D(nn.Join(name, "conv"), channels, channels, 3, 1, 1, rng)}
	for i := 0; i < depth; i++ {
		r.Blocks = append(r.Blocks, NewResidualBlock(nn.Join(name, "block", i), channels, reduction, rng))
	}
	return r
}

func (r *RIRB) Forward(x *nn.Variable) *nn.Variable {
	return nn.Add(x, r.Conv.Forward(r.Blocks.Forward(x)))
}

func (r *RIRB) Parameters() []*nn.Parameter {
	return nn.CollectParameters(r.Blocks, r.Conv)
}

// NewRIRBStack chains count RIRBs and a closing conv, wrapped as
// x + stack(x).
func NewRIRBStack(name string, channels, count, depth, reduction int, rng *rand.Rand) nn.Residual {
	var body nn.Sequential
	for i := 0; i < count; i++ {
		body = append(body, NewRIRB(nn.Join(name, i), channels, depth, reduction, rng))
	}
	body = append(body, nn.NewConv2D(nn.Join(name, count), channels, channels, 3, 1, 1, rng))
	return nn.Residual{Body: body}
}

// stage is a sequence of encoders applied one after another.
type stage []*Encoder

func newStage(name string, inC, outC, stride int, bn bool, mode *nn.Mode, rng *rand.Rand) stage {
	return stage{
		NewEncoder(nn.Join(name, 0), inC, outC, stride, bn, mode, rng),
		NewEncoder(nn.Join(name, 1), outC, outC, 1, bn, mode, rng),
	}
}

func (s stage) Forward(x *nn.Variable) *nn.Variable {
	for _, e := range s {
		x = e.Forward(x)
	}
	return x
}

func (s stage) Parameters() []*nn.Parameter {
	var ps []*nn.Parameter
	for _, e := range s {
		ps = append(ps, e.Parameters()...)
	}
	return ps
}

// branches are the three parallel decoders of one depth.
type branches [numBranches]*Decoder

const numBranches = 3

func newBranches(name string, inC, outC int, bn bool, mode *nn.Mode, rng *rand.Rand) branches {
	var b branches
	for i := range b {
		b[i] = NewDecoder(nn.Join(name, i), inC, outC, bn, mode, rng)
	}
	return b
}

// Forward decodes in with every branch and appends the extra maps (the
// encoder skip and an optional prior) to the result list.
func (b branches) Forward(in Input, extra ...*nn.Variable) ([]*nn.Variable, error) {
	x, err := in.Resolve()
	if err != nil {
		return nil, err
	}
	out := make([]*nn.Variable, 0, numBranches+len(extra))
	for _, d := range b {
		y, err := d.Forward(One(x))
		if err != nil {
			return nil, err
		}
		out = append(out, y)
	}
	return append(out, extra...), nil
}

func (b branches) Parameters() []*nn.Parameter {
	return nn.CollectParameters(b[0], b[1], b[2])
}
