package data

import (
	"github.com/openfluke/tomnet/nn"
	"github.com/pkg/errors"
)

// Sample is one mini-batch. Every field is an N×C×H×W tensor over the same
// N, H and W. Images have 3 channels, Flow 2 (u, v) or 3 (u, v, validity),
// Mask, Rho and Trimap 1. Trimap is optional.
type Sample struct {
	Ref    *nn.Tensor
	Tar    *nn.Tensor
	Flow   *nn.Tensor
	Mask   *nn.Tensor
	Rho    *nn.Tensor
	Trimap *nn.Tensor
}

// Validate checks channel counts and shared spatial dimensions.
func (s *Sample) Validate() error {
	fields := []struct {
		name     string
		t        *nn.Tensor
		channels []int
	}{
		{"ref", s.Ref, []int{3}},
		{"tar", s.Tar, []int{3}},
		{"flow", s.Flow, []int{2, 3}},
		{"mask", s.Mask, []int{1}},
		{"rho", s.Rho, []int{1}},
	}
	for _, f := range fields {
		if f.t == nil {
			return errors.Errorf("sample has no %s", f.name)
		}
		if !hasChannels(f.t, f.channels) {
			return errors.WithStack(nn.NewShapeMismatchError("sample "+f.name, f.t))
		}
		if !f.t.SameSpatial(s.Ref) {
			return errors.WithStack(nn.NewShapeMismatchError("sample "+f.name, s.Ref, f.t))
		}
	}
	if s.Trimap != nil && (s.Trimap.C != 1 || !s.Trimap.SameSpatial(s.Ref)) {
		return errors.WithStack(nn.NewShapeMismatchError("sample trimap", s.Ref, s.Trimap))
	}
	return nil
}

func hasChannels(t *nn.Tensor, allowed []int) bool {
	for _, c := range allowed {
		if t.C == c {
			return true
		}
	}
	return false
}

// BatchSize is the number of items in the sample.
func (s *Sample) BatchSize() int { return s.Ref.N }

// Validity returns the per-pixel flow weight: the third flow channel when
// present, ones otherwise.
func (s *Sample) Validity() *nn.Tensor {
	return validity(s.Flow)
}

func validity(flow *nn.Tensor) *nn.Tensor {
	if flow.C == 3 {
		return flow.Channels(2, 1)
	}
	v := nn.NewTensor(flow.N, 1, flow.H, flow.W)
	v.Fill(1)
	return v
}

// Stack concatenates single-item samples along the batch axis.
func Stack(items []*Sample) (*Sample, error) {
	if len(items) == 0 {
		return nil, errors.New("no samples to stack")
	}
	get := []func(*Sample) *nn.Tensor{
		func(s *Sample) *nn.Tensor { return s.Ref },
		func(s *Sample) *nn.Tensor { return s.Tar },
		func(s *Sample) *nn.Tensor { return s.Flow },
		func(s *Sample) *nn.Tensor { return s.Mask },
		func(s *Sample) *nn.Tensor { return s.Rho },
		func(s *Sample) *nn.Tensor { return s.Trimap },
	}
	out := make([]*nn.Tensor, len(get))
	for i, g := range get {
		ts := make([]*nn.Tensor, len(items))
		for j, s := range items {
			ts[j] = g(s)
		}
		if ts[0] == nil {
			continue
		}
		t, err := stackBatch(ts)
		if err != nil {
			return nil, err
		}
		out[i] = t
	}
	s := &Sample{Ref: out[0], Tar: out[1], Flow: out[2], Mask: out[3], Rho: out[4], Trimap: out[5]}
	return s, s.Validate()
}

func stackBatch(ts []*nn.Tensor) (*nn.Tensor, error) {
	first := ts[0]
	n := 0
	for _, t := range ts {
		if t == nil || t.C != first.C || t.H != first.H || t.W != first.W {
			if t == nil {
				return nil, errors.New("stacking samples with and without a field")
			}
			return nil, errors.WithStack(nn.NewShapeMismatchError("stack", first, t))
		}
		n += t.N
	}
	out := nn.NewTensor(n, first.C, first.H, first.W)
	offset := 0
	for _, t := range ts {
		copy(out.Data[offset:], t.Data)
		offset += len(t.Data)
	}
	return out, nil
}
