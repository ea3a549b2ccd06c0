package nn

// Scale records out = k * x.
func Scale(x *Variable, k float32) *Variable {
	out := x.Value.Clone()
	out.ScaleInPlace(k)
	return newResult(out, []*Variable{x}, func(grad *Tensor) {
		g := grad.Clone()
		g.ScaleInPlace(k)
		accumulateInto(x, g)
	})
}

// MulChannel multiplies every plane of x by the matching scalar of s, where
// s has shape N×C×1×1.
func MulChannel(x, s *Variable) *Variable {
	in, sc := x.Value, s.Value
	if sc.N != in.N || sc.C != in.C || sc.H != 1 || sc.W != 1 {
		panic(newShapeMismatch("mul_channel", in, sc))
	}
	plane := in.Plane()
	out := in.ZerosLike()
	for nc := 0; nc < in.N*in.C; nc++ {
		k := sc.Data[nc]
		for i := nc * plane; i < (nc+1)*plane; i++ {
			out.Data[i] = in.Data[i] * k
		}
	}
	return newResult(out, []*Variable{x, s}, func(grad *Tensor) {
		var gx *Tensor
		if x.requiresGrad {
			gx = in.ZerosLike()
		}
		gs := sc.ZerosLike()
		for nc := 0; nc < in.N*in.C; nc++ {
			k := sc.Data[nc]
			var acc float32
			for i := nc * plane; i < (nc+1)*plane; i++ {
				acc += grad.Data[i] * in.Data[i]
				if gx != nil {
					gx.Data[i] = grad.Data[i] * k
				}
			}
			gs.Data[nc] = acc
		}
		if gx != nil {
			accumulateInto(x, gx)
		}
		accumulateInto(s, gs)
	})
}

// GlobalAvgPool reduces each plane to its mean, giving N×C×1×1.
func GlobalAvgPool(x *Variable) *Variable {
	in := x.Value
	plane := in.Plane()
	out := NewTensor(in.N, in.C, 1, 1)
	for nc := 0; nc < in.N*in.C; nc++ {
		var s float32
		for _, v := range in.Data[nc*plane : (nc+1)*plane] {
			s += v
		}
		out.Data[nc] = s / float32(plane)
	}
	return newResult(out, []*Variable{x}, func(grad *Tensor) {
		gx := in.ZerosLike()
		for nc := 0; nc < in.N*in.C; nc++ {
			g := grad.Data[nc] / float32(plane)
			for i := nc * plane; i < (nc+1)*plane; i++ {
				gx.Data[i] = g
			}
		}
		accumulateInto(x, gx)
	})
}

// Concat joins variables along the channel axis.
func Concat(xs ...*Variable) (*Variable, error) {
	ts := make([]*Tensor, len(xs))
	sizes := make([]int, len(xs))
	for i, x := range xs {
		ts[i] = x.Value
		sizes[i] = x.Value.C
	}
	out, err := ConcatChannels(ts...)
	if err != nil {
		return nil, err
	}
	return newResult(out, xs, func(grad *Tensor) {
		parts := SplitChannels(grad, sizes...)
		for i, x := range xs {
			accumulateInto(x, parts[i])
		}
	}), nil
}

// UpsampleNearest repeats every pixel factor×factor times.
func UpsampleNearest(x *Variable, factor int) *Variable {
	in := x.Value
	out := NewTensor(in.N, in.C, in.H*factor, in.W*factor)
	for nc := 0; nc < in.N*in.C; nc++ {
		inBase, outBase := nc*in.Plane(), nc*out.Plane()
		for oh := 0; oh < out.H; oh++ {
			for ow := 0; ow < out.W; ow++ {
				out.Data[outBase+oh*out.W+ow] = in.Data[inBase+(oh/factor)*in.W+ow/factor]
			}
		}
	}
	return newResult(out, []*Variable{x}, func(grad *Tensor) {
		gx := in.ZerosLike()
		for nc := 0; nc < in.N*in.C; nc++ {
			inBase, outBase := nc*in.Plane(), nc*out.Plane()
			for oh := 0; oh < out.H; oh++ {
				for ow := 0; ow < out.W; ow++ {
					gx.Data[inBase+(oh/factor)*in.W+ow/factor] += grad.Data[outBase+oh*out.W+ow]
				}
			}
		}
		accumulateInto(x, gx)
	})
}
