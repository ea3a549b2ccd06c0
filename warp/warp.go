// Package warp resamples images along a dense flow field with bilinear
// interpolation and propagates gradients back to the image and the flow.
package warp

import (
	"math"

	"github.com/openfluke/tomnet/nn"
	"github.com/pkg/errors"
)

// Forward samples ref at (x+u, y+v) for every output pixel. Samples that
// fall outside the image read zeros. flow carries u in channel 0 and v in
// channel 1; a third channel is ignored.
func Forward(ref, flow *nn.Tensor) (*nn.Tensor, error) {
	if err := check(ref, flow); err != nil {
		return nil, err
	}
	out := ref.ZerosLike()
	plane := ref.Plane()
	for n := 0; n < ref.N; n++ {
		u, v := flowPlanes(flow, n)
		for y := 0; y < ref.H; y++ {
			for x := 0; x < ref.W; x++ {
				p := y*ref.W + x
				s := newSample(float64(x)+float64(u[p]), float64(y)+float64(v[p]), ref.W, ref.H)
				for c := 0; c < ref.C; c++ {
					img := ref.Data[(n*ref.C+c)*plane : (n*ref.C+c+1)*plane]
					out.Data[(n*ref.C+c)*plane+p] = s.read(img, ref.W)
				}
			}
		}
	}
	return out, nil
}

// Backward returns the gradients of the warped image with respect to ref
// and flow. The flow gradient has flow's channel count; a validity channel
// receives zero.
func Backward(ref, flow, gradOut *nn.Tensor) (gradRef, gradFlow *nn.Tensor, err error) {
	if err := check(ref, flow); err != nil {
		return nil, nil, err
	}
	if !gradOut.SameShape(ref) {
		return nil, nil, errors.WithStack(nn.NewShapeMismatchError("warp backward", ref, gradOut))
	}
	gradRef = ref.ZerosLike()
	gradFlow = flow.ZerosLike()
	plane := ref.Plane()
	for n := 0; n < ref.N; n++ {
		u, v := flowPlanes(flow, n)
		gu := gradFlow.Data[n*flow.C*plane : (n*flow.C+1)*plane]
		gv := gradFlow.Data[(n*flow.C+1)*plane : (n*flow.C+2)*plane]
		for y := 0; y < ref.H; y++ {
			for x := 0; x < ref.W; x++ {
				p := y*ref.W + x
				s := newSample(float64(x)+float64(u[p]), float64(y)+float64(v[p]), ref.W, ref.H)
				for c := 0; c < ref.C; c++ {
					off := (n*ref.C + c) * plane
					g := gradOut.Data[off+p]
					if g == 0 {
						continue
					}
					img := ref.Data[off : off+plane]
					s.scatter(gradRef.Data[off:off+plane], ref.W, g)
					dx, dy := s.slopes(img, ref.W)
					gu[p] += g * dx
					gv[p] += g * dy
				}
			}
		}
	}
	return gradRef, gradFlow, nil
}

func check(ref, flow *nn.Tensor) error {
	if flow.C < 2 || !ref.SameSpatial(flow) {
		return errors.WithStack(nn.NewShapeMismatchError("warp", ref, flow))
	}
	return nil
}

func flowPlanes(flow *nn.Tensor, n int) (u, v []float32) {
	plane := flow.Plane()
	base := n * flow.C * plane
	return flow.Data[base : base+plane], flow.Data[base+plane : base+2*plane]
}

// bilinear is one sampling position: the top-left neighbour and the
// fractional offsets towards the bottom-right one.
type bilinear struct {
	x0, y0 int
	fx, fy float32
	w, h   int
}

func newSample(sx, sy float64, w, h int) bilinear {
	x0, y0 := math.Floor(sx), math.Floor(sy)
	return bilinear{
		x0: int(x0), y0: int(y0),
		fx: float32(sx - x0), fy: float32(sy - y0),
		w: w, h: h,
	}
}

func (b bilinear) at(img []float32, stride, x, y int) float32 {
	if x < 0 || y < 0 || x >= b.w || y >= b.h {
		return 0
	}
	return img[y*stride+x]
}

func (b bilinear) read(img []float32, stride int) float32 {
	v00 := b.at(img, stride, b.x0, b.y0)
	v10 := b.at(img, stride, b.x0+1, b.y0)
	v01 := b.at(img, stride, b.x0, b.y0+1)
	v11 := b.at(img, stride, b.x0+1, b.y0+1)
	top := v00 + b.fx*(v10-v00)
	bottom := v01 + b.fx*(v11-v01)
	return top + b.fy*(bottom-top)
}

// slopes returns the partial derivatives of read with respect to the
// sampling position.
func (b bilinear) slopes(img []float32, stride int) (dx, dy float32) {
	v00 := b.at(img, stride, b.x0, b.y0)
	v10 := b.at(img, stride, b.x0+1, b.y0)
	v01 := b.at(img, stride, b.x0, b.y0+1)
	v11 := b.at(img, stride, b.x0+1, b.y0+1)
	dx = (1-b.fy)*(v10-v00) + b.fy*(v11-v01)
	dy = (1-b.fx)*(v01-v00) + b.fx*(v11-v10)
	return dx, dy
}

func (b bilinear) scatter(grad []float32, stride int, g float32) {
	add := func(x, y int, wgt float32) {
		if x < 0 || y < 0 || x >= b.w || y >= b.h {
			return
		}
		grad[y*stride+x] += g * wgt
	}
	add(b.x0, b.y0, (1-b.fx)*(1-b.fy))
	add(b.x0+1, b.y0, b.fx*(1-b.fy))
	add(b.x0, b.y0+1, (1-b.fx)*b.fy)
	add(b.x0+1, b.y0+1, b.fx*b.fy)
}
