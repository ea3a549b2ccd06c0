package data

import (
	"github.com/openfluke/tomnet/nn"
	"github.com/pkg/errors"
)

// Level is one resolution of a Pyramid. Flow u and v are expressed in
// pixels of this level, i.e. divided by Factor relative to full resolution.
type Level struct {
	Ref, Tar, Flow, Mask, Rho *nn.Tensor
	// Factor is 2^k for level k.
	Factor float32
}

// Pyramid holds a sample at successively halved resolutions. Level 0 is
// the full-resolution sample.
type Pyramid struct {
	Levels []*Level
}

// NewPyramid derives levels resolutions from s by repeated 2×2 average
// pooling. H and W must be divisible by 2^(levels-1).
func NewPyramid(s *Sample, levels int) (*Pyramid, error) {
	if levels < 1 {
		return nil, errors.Errorf("pyramid needs at least one level, got %d", levels)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	div := 1 << uint(levels-1)
	if s.Ref.H%div != 0 || s.Ref.W%div != 0 {
		return nil, errors.WithStack(nn.NewShapeMismatchError("pyramid", s.Ref))
	}

	p := &Pyramid{Levels: make([]*Level, levels)}
	p.Levels[0] = &Level{Ref: s.Ref, Tar: s.Tar, Flow: s.Flow, Mask: s.Mask, Rho: s.Rho, Factor: 1}
	for k := 1; k < levels; k++ {
		prev := p.Levels[k-1]
		flow := halve(prev.Flow)
		scaleFlow(flow, 0.5)
		p.Levels[k] = &Level{
			Ref:    halve(prev.Ref),
			Tar:    halve(prev.Tar),
			Flow:   flow,
			Mask:   halve(prev.Mask),
			Rho:    halve(prev.Rho),
			Factor: prev.Factor * 2,
		}
	}
	return p, nil
}

// Len is the number of levels.
func (p *Pyramid) Len() int { return len(p.Levels) }

// ForPrediction maps the i-th network prediction (coarsest first) to its
// level.
func (p *Pyramid) ForPrediction(i int) *Level {
	return p.Levels[len(p.Levels)-1-i]
}

// UnscaleFlow returns the level's flow in full-resolution pixel units.
func (l *Level) UnscaleFlow() *nn.Tensor {
	out := l.Flow.Clone()
	scaleFlow(out, l.Factor)
	return out
}

// Validity is the per-pixel flow weight of the level.
func (l *Level) Validity() *nn.Tensor { return validity(l.Flow) }

// scaleFlow multiplies the u and v channels in place; a validity channel
// is left untouched.
func scaleFlow(flow *nn.Tensor, k float32) {
	plane := flow.Plane()
	for n := 0; n < flow.N; n++ {
		base := n * flow.C * plane
		for i := base; i < base+2*plane; i++ {
			flow.Data[i] *= k
		}
	}
}

// halve averages every 2×2 block.
func halve(t *nn.Tensor) *nn.Tensor {
	out := nn.NewTensor(t.N, t.C, t.H/2, t.W/2)
	for nc := 0; nc < t.N*t.C; nc++ {
		in := t.Data[nc*t.Plane() : (nc+1)*t.Plane()]
		dst := out.Data[nc*out.Plane() : (nc+1)*out.Plane()]
		for y := 0; y < out.H; y++ {
			r0 := in[2*y*t.W:]
			r1 := in[(2*y+1)*t.W:]
			for x := 0; x < out.W; x++ {
				dst[y*out.W+x] = 0.25 * (r0[2*x] + r0[2*x+1] + r1[2*x] + r1[2*x+1])
			}
		}
	}
	return out
}
