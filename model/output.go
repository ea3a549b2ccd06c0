package model

import (
	"math/rand"

	"github.com/openfluke/tomnet/nn"
)

// Prediction is the network output at one scale. Flow has 2 channels in
// pixels of that scale, Mask 2 channels of pre-softmax logits (channel 1 is
// the object), Rho 1 channel.
type Prediction struct {
	Flow *nn.Variable
	Mask *nn.Variable
	Rho  *nn.Variable
}

// Variables lists the three outputs in order.
func (p Prediction) Variables() []*nn.Variable {
	return []*nn.Variable{p.Flow, p.Mask, p.Rho}
}

// predictionChannels is the width of a normalized prediction: flow, mask
// probabilities and attenuation.
const predictionChannels = 5

// branch is conv3 → tanh → conv3.
type branch struct {
	Conv1, Conv2 *nn.Conv2D
}

func newBranch(name string, inC, outC int, rng *rand.Rand) branch {
	return branch{
		Conv1: nn.NewConv2D(nn.Join(name, 0), inC, inC, 3, 1, 1, rng),
		Conv2: nn.NewConv2D(nn.Join(name, 1), inC, outC, 3, 1, 1, rng),
	}
}

func (b branch) Forward(x *nn.Variable) *nn.Variable {
	return b.Conv2.Forward(nn.Tanh(b.Conv1.Forward(x)))
}

func (b branch) Parameters() []*nn.Parameter { return nn.CollectParameters(b.Conv1, b.Conv2) }

// OutputHead predicts flow, mask logits and attenuation from the decoder
// features of one scale. Scale 1 is full resolution, scale s has 1/2^(s-1)
// of it.
type OutputHead struct {
	Scale int
	Flow  branch
	Mask  branch
	Rho   branch
}

func NewOutputHead(name string, inC, scale int, rng *rand.Rand) *OutputHead {
	return &OutputHead{
		Scale: scale,
		Flow:  newBranch(nn.Join(name, "flow"), inC, 2, rng),
		Mask:  newBranch(nn.Join(name, "mask"), inC, 2, rng),
		Rho:   newBranch(nn.Join(name, "rho"), inC, 1, rng),
	}
}

// Ratio converts normalized flow to pixels of this scale for an input of
// the given full-resolution width.
func (h *OutputHead) Ratio(width int) float32 {
	return float32(width) / float32(int(1)<<uint(h.Scale-1))
}

// Forward runs the three branches. width is the full-resolution width.
func (h *OutputHead) Forward(in Input, width int) (Prediction, error) {
	x, err := in.Resolve()
	if err != nil {
		return Prediction{}, err
	}
	return Prediction{
		Flow: nn.Scale(h.Flow.Forward(x), h.Ratio(width)),
		Mask: h.Mask.Forward(x),
		Rho:  h.Rho.Forward(x),
	}, nil
}

func (h *OutputHead) Parameters() []*nn.Parameter {
	return nn.CollectParameters(h.Flow, h.Mask, h.Rho)
}

// Normalizer turns a prediction into a 5-channel prior for the next finer
// decoder: flow back to normalized units, softmax over the mask logits, and
// nearest upsampling by Upsample.
type Normalizer struct {
	Scale    int
	Upsample int
}

// Forward keeps the prediction differentiable so finer scales train the
// coarser heads too.
func (n Normalizer) Forward(p Prediction, width int) (*nn.Variable, error) {
	ratio := float32(int(1)<<uint(n.Scale-1)) / float32(width)
	prior, err := nn.Concat(nn.Scale(p.Flow, ratio), nn.SoftmaxChannels(p.Mask), p.Rho)
	if err != nil {
		return nil, err
	}
	if n.Upsample > 1 {
		prior = nn.UpsampleNearest(prior, n.Upsample)
	}
	return prior, nil
}

// NormalizeTensor is Forward on plain tensors, used to feed a frozen coarse
// prediction to the refinement network.
func (n Normalizer) NormalizeTensor(p Prediction, width int) (*nn.Tensor, error) {
	v, err := n.Forward(Prediction{
		Flow: p.Flow.Detach(),
		Mask: p.Mask.Detach(),
		Rho:  p.Rho.Detach(),
	}, width)
	if err != nil {
		return nil, err
	}
	return v.Value, nil
}
