package warp

import (
	"github.com/openfluke/tomnet/nn"
	"github.com/pkg/errors"
)

// Module warps lists of (reference, flow) pairs, one pair per scale.
type Module interface {
	Forward(refs, flows []*nn.Tensor) ([]*nn.Tensor, error)
	Backward(refs, flows, grads []*nn.Tensor) (gradRefs, gradFlows []*nn.Tensor, err error)
}

// Single warps exactly one pair. It is used in refine mode.
type Single struct{}

func (Single) Forward(refs, flows []*nn.Tensor) ([]*nn.Tensor, error) {
	if len(refs) != 1 || len(flows) != 1 {
		return nil, errors.Errorf("single-scale warp got %d images and %d flows", len(refs), len(flows))
	}
	return MultiScale{Scales: 1}.Forward(refs, flows)
}

func (Single) Backward(refs, flows, grads []*nn.Tensor) ([]*nn.Tensor, []*nn.Tensor, error) {
	if len(refs) != 1 {
		return nil, nil, errors.Errorf("single-scale warp got %d images", len(refs))
	}
	return MultiScale{Scales: 1}.Backward(refs, flows, grads)
}

// MultiScale warps every scale independently.
type MultiScale struct {
	Scales int
}

func (m MultiScale) Forward(refs, flows []*nn.Tensor) ([]*nn.Tensor, error) {
	if len(refs) != m.Scales || len(flows) != m.Scales {
		return nil, errors.Errorf("warp over %d scales got %d images and %d flows", m.Scales, len(refs), len(flows))
	}
	out := make([]*nn.Tensor, m.Scales)
	for i := range refs {
		w, err := Forward(refs[i], flows[i])
		if err != nil {
			return nil, errors.Wrapf(err, "scale %d", i)
		}
		out[i] = w
	}
	return out, nil
}

func (m MultiScale) Backward(refs, flows, grads []*nn.Tensor) ([]*nn.Tensor, []*nn.Tensor, error) {
	if len(refs) != m.Scales || len(flows) != m.Scales || len(grads) != m.Scales {
		return nil, nil, errors.Errorf("warp backward over %d scales got %d/%d/%d tensors", m.Scales, len(refs), len(flows), len(grads))
	}
	gradRefs := make([]*nn.Tensor, m.Scales)
	gradFlows := make([]*nn.Tensor, m.Scales)
	for i := range refs {
		gr, gf, err := Backward(refs[i], flows[i], grads[i])
		if err != nil {
			return nil, nil, errors.Wrapf(err, "scale %d", i)
		}
		gradRefs[i], gradFlows[i] = gr, gf
	}
	return gradRefs, gradFlows, nil
}
