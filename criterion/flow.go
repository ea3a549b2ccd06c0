// Package criterion holds the training losses: a supervised end-point-error
// loss on the flow field and an unsupervised loss over the reconstructed
// image, mask and attenuation.
package criterion

import (
	"math"

	"github.com/openfluke/tomnet/nn"
	"github.com/pkg/errors"
)

// Flow is the supervised flow criterion. The loss is Weight times the
// end-point-error averaged over valid pixels. A 3-channel target carries
// per-pixel validity in its last channel.
type Flow struct {
	Weight float32

	// EPE is the unweighted average end-point-error of the last call.
	EPE float64
}

// FlowLoss is the result of one evaluation.
type FlowLoss struct {
	Loss float64
	EPE  float64
}

// Forward computes the loss without a gradient.
func (c *Flow) Forward(pred, target *nn.Tensor) (FlowLoss, error) {
	l, _, err := c.run(pred, target, false)
	return l, err
}

// ForwardBackward computes the loss and its gradient with respect to pred.
func (c *Flow) ForwardBackward(pred, target *nn.Tensor) (FlowLoss, *nn.Tensor, error) {
	return c.run(pred, target, true)
}

func (c *Flow) run(pred, target *nn.Tensor, backward bool) (FlowLoss, *nn.Tensor, error) {
	if pred.C != 2 || target.C < 2 || target.C > 3 || !pred.SameSpatial(target) {
		return FlowLoss{}, nil, errors.WithStack(nn.NewShapeMismatchError("flow criterion", pred, target))
	}
	epe := EndPointError(pred, target)
	plane := pred.Plane()

	weights := make([]float32, len(epe.Data))
	var total, wsum float64
	for n := 0; n < pred.N; n++ {
		for p := 0; p < plane; p++ {
			w := float32(1)
			if target.C == 3 {
				w = target.Data[(n*3+2)*plane+p]
			}
			i := n*plane + p
			weights[i] = w
			total += float64(w * epe.Data[i])
			wsum += float64(w)
		}
	}
	var avg float64
	if wsum > 0 {
		avg = total / wsum
	}
	c.EPE = avg
	res := FlowLoss{Loss: float64(c.Weight) * avg, EPE: avg}
	if !backward {
		return res, nil, nil
	}

	grad := pred.ZerosLike()
	if wsum == 0 {
		return res, grad, nil
	}
	k := c.Weight / float32(wsum)
	for n := 0; n < pred.N; n++ {
		for p := 0; p < plane; p++ {
			i := n*plane + p
			e := epe.Data[i]
			if e == 0 || weights[i] == 0 {
				continue
			}
			s := k * weights[i] / e
			iu, iv := n*2*plane+p, (n*2+1)*plane+p
			tu, tv := n*target.C*plane+p, (n*target.C+1)*plane+p
			grad.Data[iu] = s * (pred.Data[iu] - target.Data[tu])
			grad.Data[iv] = s * (pred.Data[iv] - target.Data[tv])
		}
	}
	return res, grad, nil
}

// EndPointError returns the per-pixel Euclidean distance between the u, v
// channels of a and b as an N×1×H×W tensor.
func EndPointError(a, b *nn.Tensor) *nn.Tensor {
	plane := a.Plane()
	out := nn.NewTensor(a.N, 1, a.H, a.W)
	for n := 0; n < a.N; n++ {
		for p := 0; p < plane; p++ {
			du := float64(a.Data[n*a.C*plane+p] - b.Data[n*b.C*plane+p])
			dv := float64(a.Data[(n*a.C+1)*plane+p] - b.Data[(n*b.C+1)*plane+p])
			out.Data[n*plane+p] = float32(math.Sqrt(du*du + dv*dv))
		}
	}
	return out
}

// MultiScaleFlow applies one Flow criterion per scale. Losses add up; EPE
// reports the finest (last) scale.
type MultiScaleFlow struct {
	Scales []*Flow
}

// NewMultiScaleFlow builds n criteria sharing weight.
func NewMultiScaleFlow(n int, weight float32) *MultiScaleFlow {
	m := &MultiScaleFlow{Scales: make([]*Flow, n)}
	for i := range m.Scales {
		m.Scales[i] = &Flow{Weight: weight}
	}
	return m
}

func (m *MultiScaleFlow) Forward(preds, targets []*nn.Tensor) (FlowLoss, error) {
	l, _, err := m.run(preds, targets, false)
	return l, err
}

func (m *MultiScaleFlow) ForwardBackward(preds, targets []*nn.Tensor) (FlowLoss, []*nn.Tensor, error) {
	return m.run(preds, targets, true)
}

func (m *MultiScaleFlow) run(preds, targets []*nn.Tensor, backward bool) (FlowLoss, []*nn.Tensor, error) {
	if len(preds) != len(m.Scales) || len(targets) != len(m.Scales) {
		return FlowLoss{}, nil, errors.Errorf("flow criterion over %d scales got %d predictions and %d targets", len(m.Scales), len(preds), len(targets))
	}
	var sum FlowLoss
	var grads []*nn.Tensor
	for i, c := range m.Scales {
		l, g, err := c.run(preds[i], targets[i], backward)
		if err != nil {
			return FlowLoss{}, nil, errors.Wrapf(err, "scale %d", i)
		}
		sum.Loss += l.Loss
		sum.EPE = l.EPE
		grads = append(grads, g)
	}
	return sum, grads, nil
}
