package nn

import "math/rand"

// ConvTranspose2D is a transposed (fractionally strided) convolution.
// Weight shape: [inC][outC][k][k].
type ConvTranspose2D struct {
	Weight        *Parameter
	Bias          *Parameter
	Stride        int
	Padding       int
	OutputPadding int
}

func NewConvTranspose2D(name string, inC, outC, kernel, stride, padding, outputPadding int, rng *rand.Rand) *ConvTranspose2D {
	w := NewTensor(inC, outC, kernel, kernel)
	heNormal(w, inC*kernel*kernel, rng)
	return &ConvTranspose2D{
		Weight:        newParameter(Join(name, "weight"), w, true),
		Bias:          newParameter(Join(name, "bias"), NewTensor(1, outC, 1, 1), true),
		Stride:        stride,
		Padding:       padding,
		OutputPadding: outputPadding,
	}
}

func (c *ConvTranspose2D) Forward(x *Variable) *Variable {
	return ConvTranspose2d(x, c.Weight.Variable, c.Bias.Variable, c.Stride, c.Padding, c.OutputPadding)
}

func (c *ConvTranspose2D) Parameters() []*Parameter { return []*Parameter{c.Weight, c.Bias} }

// ConvTranspose2d records a transposed convolution. The output size is
// (in-1)*stride - 2*padding + k + outputPadding.
func ConvTranspose2d(x, w, b *Variable, stride, padding, outputPadding int) *Variable {
	if x.Value.C != w.Value.N {
		panic(newShapeMismatch("conv_transpose2d", x.Value, w.Value))
	}
	var bias *Tensor
	parents := []*Variable{x, w}
	if b != nil {
		bias = b.Value
		parents = append(parents, b)
	}
	out := convTranspose2DForwardCPU(x.Value, w.Value, bias, stride, padding, outputPadding)
	return newResult(out, parents, func(grad *Tensor) {
		gx, gw, gb := convTranspose2DBackwardCPU(grad, x.Value, w.Value, stride, padding, x.requiresGrad)
		if gx != nil {
			accumulateInto(x, gx)
		}
		accumulateInto(w, gw)
		if b != nil {
			accumulateInto(b, gb)
		}
	})
}

func convTranspose2DForwardCPU(input, kernel, bias *Tensor, stride, padding, outputPadding int) *Tensor {
	batch, inC, inH, inW := input.N, input.C, input.H, input.W
	outC, kSize := kernel.C, kernel.H
	outH := (inH-1)*stride - 2*padding + kSize + outputPadding
	outW := (inW-1)*stride - 2*padding + kSize + outputPadding
	out := NewTensor(batch, outC, outH, outW)

	for b := 0; b < batch; b++ {
		if bias != nil {
			for oc := 0; oc < outC; oc++ {
				base := (b*outC + oc) * outH * outW
				for i := base; i < base+outH*outW; i++ {
					out.Data[i] = bias.Data[oc]
				}
			}
		}
		for ic := 0; ic < inC; ic++ {
			inBase := (b*inC + ic) * inH * inW
			for oc := 0; oc < outC; oc++ {
				outBase := (b*outC + oc) * outH * outW
				kBase := (ic*outC + oc) * kSize * kSize
				for kh := 0; kh < kSize; kh++ {
					for kw := 0; kw < kSize; kw++ {
						kv := kernel.Data[kBase+kh*kSize+kw]
						if kv == 0 {
							continue
						}
						for ih := 0; ih < inH; ih++ {
							oh := ih*stride - padding + kh
							if oh < 0 || oh >= outH {
								continue
							}
							inRow := inBase + ih*inW
							outRow := outBase + oh*outW
							for iw := 0; iw < inW; iw++ {
								ow := iw*stride - padding + kw
								if ow < 0 || ow >= outW {
									continue
								}
								out.Data[outRow+ow] += kv * input.Data[inRow+iw]
							}
						}
					}
				}
			}
		}
	}
	return out
}

func convTranspose2DBackwardCPU(
	gradOutput, input, kernel *Tensor,
	stride, padding int,
	wantInput bool,
) (gradInput, gradKernel, gradBias *Tensor) {
	batch, inC, inH, inW := input.N, input.C, input.H, input.W
	outC, kSize := kernel.C, kernel.H
	outH, outW := gradOutput.H, gradOutput.W

	if wantInput {
		gradInput = input.ZerosLike()
	}
	gradKernel = kernel.ZerosLike()
	gradBias = NewTensor(1, outC, 1, 1)

	for b := 0; b < batch; b++ {
		for oc := 0; oc < outC; oc++ {
			base := (b*outC + oc) * outH * outW
			for i := base; i < base+outH*outW; i++ {
				gradBias.Data[oc] += gradOutput.Data[i]
			}
		}
		for ic := 0; ic < inC; ic++ {
			inBase := (b*inC + ic) * inH * inW
			for oc := 0; oc < outC; oc++ {
				outBase := (b*outC + oc) * outH * outW
				kBase := (ic*outC + oc) * kSize * kSize
				for kh := 0; kh < kSize; kh++ {
					for kw := 0; kw < kSize; kw++ {
						kIdx := kBase + kh*kSize + kw
						kv := kernel.Data[kIdx]
						var gk float32
						for ih := 0; ih < inH; ih++ {
							oh := ih*stride - padding + kh
							if oh < 0 || oh >= outH {
								continue
							}
							inRow := inBase + ih*inW
							outRow := outBase + oh*outW
							for iw := 0; iw < inW; iw++ {
								ow := iw*stride - padding + kw
								if ow < 0 || ow >= outW {
									continue
								}
								g := gradOutput.Data[outRow+ow]
								gk += g * input.Data[inRow+iw]
								if gradInput != nil {
									gradInput.Data[inRow+iw] += g * kv
								}
							}
						}
						gradKernel.Data[kIdx] += gk
					}
				}
			}
		}
	}
	return gradInput, gradKernel, gradBias
}
