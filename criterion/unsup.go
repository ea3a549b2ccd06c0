package criterion

import (
	"math"

	"github.com/openfluke/tomnet/nn"
	"github.com/pkg/errors"
)

// Unsup combines the image reconstruction, mask and attenuation losses:
//
//	ImgW·mean(((rec-tar)·w)²) + MaskW·CE(softmax(mask), m) + RhoW·mean((rho-rho_gt)²)
//
// where w is the target's per-pixel weight (flow validity × rho_gt) and the
// mask cross entropy treats channel 1 as the object class. The
// reconstruction term is left out when the input carries no Rec.
type Unsup struct {
	ImgW, MaskW, RhoW float32
}

// UnsupInput holds one scale's predictions.
type UnsupInput struct {
	Rec        *nn.Tensor // warped reference, N×3×H×W, optional
	MaskLogits *nn.Tensor // N×2×H×W
	Rho        *nn.Tensor // N×1×H×W
}

// UnsupTarget holds one scale's ground truth.
type UnsupTarget struct {
	Tar    *nn.Tensor // N×3×H×W
	Mask   *nn.Tensor // N×1×H×W in [0, 1]
	Rho    *nn.Tensor // N×1×H×W
	Weight *nn.Tensor // N×1×H×W reconstruction weight, needed with Rec
}

// UnsupLoss lists the weighted terms and their sum.
type UnsupLoss struct {
	Rec, Mask, Rho float64
	Total          float64
}

func (l *UnsupLoss) add(o UnsupLoss) {
	l.Rec += o.Rec
	l.Mask += o.Mask
	l.Rho += o.Rho
	l.Total += o.Total
}

// UnsupGrads are the gradients for each prediction branch.
type UnsupGrads struct {
	Rec, Mask, Rho *nn.Tensor
}

func (c *Unsup) Forward(in UnsupInput, tg UnsupTarget) (UnsupLoss, error) {
	l, _, err := c.run(in, tg, false)
	return l, err
}

func (c *Unsup) ForwardBackward(in UnsupInput, tg UnsupTarget) (UnsupLoss, UnsupGrads, error) {
	return c.run(in, tg, true)
}

func (c *Unsup) check(in UnsupInput, tg UnsupTarget) error {
	ref := tg.Tar
	checks := []struct {
		name string
		t    *nn.Tensor
		c    int
	}{
		{"rec", in.Rec, 3}, {"mask", in.MaskLogits, 2}, {"rho", in.Rho, 1},
		{"target", tg.Tar, 3}, {"target mask", tg.Mask, 1}, {"target rho", tg.Rho, 1}, {"weight", tg.Weight, 1},
	}
	if in.Rec == nil {
		// drop rec and weight
		checks = checks[1 : len(checks)-1]
	}
	for _, ch := range checks {
		if ch.t == nil {
			return errors.Errorf("unsupervised criterion: missing %s", ch.name)
		}
		if ch.t.C != ch.c || !ch.t.SameSpatial(ref) {
			return errors.WithStack(nn.NewShapeMismatchError("unsupervised criterion "+ch.name, ref, ch.t))
		}
	}
	return nil
}

func (c *Unsup) run(in UnsupInput, tg UnsupTarget, backward bool) (UnsupLoss, UnsupGrads, error) {
	if err := c.check(in, tg); err != nil {
		return UnsupLoss{}, UnsupGrads{}, err
	}
	var loss UnsupLoss
	var grads UnsupGrads
	plane := tg.Tar.Plane()
	batch := tg.Tar.N
	pixels := float32(batch * plane)

	if in.Rec != nil {
		loss.Rec, grads.Rec = c.reconstruction(in.Rec, tg, backward)
	}

	// mask: two-class cross entropy against soft labels
	probs := nn.SoftmaxChannelsTensor(in.MaskLogits)
	if backward {
		grads.Mask = in.MaskLogits.ZerosLike()
	}
	var ce float64
	for n := 0; n < batch; n++ {
		for p := 0; p < plane; p++ {
			m := tg.Mask.Data[n*plane+p]
			i0, i1 := (n*2)*plane+p, (n*2+1)*plane+p
			p0, p1 := probs.Data[i0], probs.Data[i1]
			ce -= float64(1-m)*math.Log(math.Max(float64(p0), 1e-12)) + float64(m)*math.Log(math.Max(float64(p1), 1e-12))
			if backward {
				grads.Mask.Data[i0] = c.MaskW * (p0 - (1 - m)) / pixels
				grads.Mask.Data[i1] = c.MaskW * (p1 - m) / pixels
			}
		}
	}
	loss.Mask = float64(c.MaskW) * ce / float64(pixels)

	// attenuation
	if backward {
		grads.Rho = in.Rho.ZerosLike()
	}
	var rho float64
	for i, v := range in.Rho.Data {
		d := v - tg.Rho.Data[i]
		rho += float64(d * d)
		if backward {
			grads.Rho.Data[i] = c.RhoW * 2 * d / pixels
		}
	}
	loss.Rho = float64(c.RhoW) * rho / float64(pixels)

	loss.Total = loss.Rec + loss.Mask + loss.Rho
	return loss, grads, nil
}

func (c *Unsup) reconstruction(recImg *nn.Tensor, tg UnsupTarget, backward bool) (float64, *nn.Tensor) {
	plane := tg.Tar.Plane()
	count := float32(recImg.Size())
	var grad *nn.Tensor
	if backward {
		grad = recImg.ZerosLike()
	}
	var rec float64
	for n := 0; n < tg.Tar.N; n++ {
		for ch := 0; ch < 3; ch++ {
			for p := 0; p < plane; p++ {
				i := (n*3+ch)*plane + p
				w := tg.Weight.Data[n*plane+p]
				d := (recImg.Data[i] - tg.Tar.Data[i]) * w
				rec += float64(d * d)
				if backward {
					grad.Data[i] = c.ImgW * 2 * d * w / count
				}
			}
		}
	}
	return float64(c.ImgW) * rec / float64(count), grad
}

// MultiScaleForward evaluates every scale independently and adds the
// losses.
func (c *Unsup) MultiScaleForward(in []UnsupInput, tg []UnsupTarget) (UnsupLoss, error) {
	l, _, err := c.multi(in, tg, false)
	return l, err
}

func (c *Unsup) MultiScaleForwardBackward(in []UnsupInput, tg []UnsupTarget) (UnsupLoss, []UnsupGrads, error) {
	return c.multi(in, tg, true)
}

func (c *Unsup) multi(in []UnsupInput, tg []UnsupTarget, backward bool) (UnsupLoss, []UnsupGrads, error) {
	if len(in) != len(tg) {
		return UnsupLoss{}, nil, errors.Errorf("unsupervised criterion got %d inputs and %d targets", len(in), len(tg))
	}
	var sum UnsupLoss
	grads := make([]UnsupGrads, len(in))
	for i := range in {
		l, g, err := c.run(in[i], tg[i], backward)
		if err != nil {
			return UnsupLoss{}, nil, errors.Wrapf(err, "scale %d", i)
		}
		sum.add(l)
		grads[i] = g
	}
	return sum, grads, nil
}
