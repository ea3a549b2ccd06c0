package nn

import (
	"fmt"
	"math"
)

// Tensor is a dense float32 array in NCHW layout.
// Every tensor in the network is 4D; scalars and vectors use 1-sized axes.
type Tensor struct {
	N, C, H, W int
	Data       []float32
}

// NewTensor allocates a zero-filled tensor.
func NewTensor(n, c, h, w int) *Tensor {
	return &Tensor{N: n, C: c, H: h, W: w, Data: make([]float32, n*c*h*w)}
}

// NewTensorFrom wraps data (not copied) with the given shape.
func NewTensorFrom(data []float32, n, c, h, w int) *Tensor {
	if len(data) != n*c*h*w {
		panic(fmt.Sprintf("nn: %d values cannot be shaped as %dx%dx%dx%d", len(data), n, c, h, w))
	}
	return &Tensor{N: n, C: c, H: h, W: w, Data: data}
}

// Shape returns [N, C, H, W].
func (t *Tensor) Shape() [4]int { return [4]int{t.N, t.C, t.H, t.W} }

// Size is the number of elements.
func (t *Tensor) Size() int { return len(t.Data) }

// Plane is the number of elements in one H×W slice.
func (t *Tensor) Plane() int { return t.H * t.W }

// Index returns the flat offset of (n, c, h, w).
func (t *Tensor) Index(n, c, h, w int) int {
	return ((n*t.C+c)*t.H+h)*t.W + w
}

func (t *Tensor) At(n, c, h, w int) float32 { return t.Data[t.Index(n, c, h, w)] }

func (t *Tensor) Set(n, c, h, w int, v float32) { t.Data[t.Index(n, c, h, w)] = v }

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	out := NewTensor(t.N, t.C, t.H, t.W)
	copy(out.Data, t.Data)
	return out
}

// ZerosLike allocates a zero tensor with t's shape.
func (t *Tensor) ZerosLike() *Tensor { return NewTensor(t.N, t.C, t.H, t.W) }

// SameShape reports whether both tensors have identical dimensions.
func (t *Tensor) SameShape(o *Tensor) bool {
	return t.N == o.N && t.C == o.C && t.H == o.H && t.W == o.W
}

// SameSpatial reports whether both tensors share N, H and W.
func (t *Tensor) SameSpatial(o *Tensor) bool {
	return t.N == o.N && t.H == o.H && t.W == o.W
}

func (t *Tensor) Fill(v float32) {
	for i := range t.Data {
		t.Data[i] = v
	}
}

// AddInPlace performs t += o. Shapes must match.
func (t *Tensor) AddInPlace(o *Tensor) {
	if !t.SameShape(o) {
		panic(&ShapeMismatchError{Op: "add", Shapes: [][4]int{t.Shape(), o.Shape()}})
	}
	for i, v := range o.Data {
		t.Data[i] += v
	}
}

// ScaleInPlace performs t *= k.
func (t *Tensor) ScaleInPlace(k float32) {
	for i := range t.Data {
		t.Data[i] *= k
	}
}

// Channels copies count channels starting at start.
func (t *Tensor) Channels(start, count int) *Tensor {
	out := NewTensor(t.N, count, t.H, t.W)
	plane := t.Plane()
	for n := 0; n < t.N; n++ {
		src := t.Data[(n*t.C+start)*plane : (n*t.C+start+count)*plane]
		copy(out.Data[n*count*plane:(n+1)*count*plane], src)
	}
	return out
}

// Item copies batch element n into a 1×C×H×W tensor.
func (t *Tensor) Item(n int) *Tensor {
	size := t.C * t.Plane()
	out := NewTensor(1, t.C, t.H, t.W)
	copy(out.Data, t.Data[n*size:(n+1)*size])
	return out
}

// Sum returns the sum of all elements, accumulated in float64.
func (t *Tensor) Sum() float64 {
	var s float64
	for _, v := range t.Data {
		s += float64(v)
	}
	return s
}

// Stats returns min, max and mean absolute value.
func (t *Tensor) Stats() (min, max, meanAbs float32) {
	if len(t.Data) == 0 {
		return 0, 0, 0
	}
	min, max = float32(math.Inf(1)), float32(math.Inf(-1))
	var abs float64
	for _, v := range t.Data {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
		abs += math.Abs(float64(v))
	}
	return min, max, float32(abs / float64(len(t.Data)))
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor[%dx%dx%dx%d]", t.N, t.C, t.H, t.W)
}

// ConcatChannels joins tensors along the channel axis. All inputs must share
// N, H and W.
func ConcatChannels(ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, &ShapeMismatchError{Op: "concat"}
	}
	first := ts[0]
	channels := 0
	for _, t := range ts {
		if !first.SameSpatial(t) {
			return nil, newShapeMismatch("concat", ts...)
		}
		channels += t.C
	}
	out := NewTensor(first.N, channels, first.H, first.W)
	plane := first.Plane()
	for n := 0; n < first.N; n++ {
		offset := n * channels * plane
		for _, t := range ts {
			size := t.C * plane
			copy(out.Data[offset:offset+size], t.Data[n*size:(n+1)*size])
			offset += size
		}
	}
	return out, nil
}

// SplitChannels is the inverse of ConcatChannels.
func SplitChannels(t *Tensor, sizes ...int) []*Tensor {
	out := make([]*Tensor, len(sizes))
	start := 0
	for i, c := range sizes {
		out[i] = t.Channels(start, c)
		start += c
	}
	return out
}
