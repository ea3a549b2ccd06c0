package nn

import "math/rand"

// ConvAccelerator runs the forward pass of a 2D convolution on a device.
// Backward passes always run on the CPU kernels below.
type ConvAccelerator interface {
	Conv2DForward(x, w, b *Tensor, stride, padding int) (*Tensor, error)
}

var accelerator ConvAccelerator

// SetAccelerator installs (or with nil removes) the device used for
// convolution forward passes. Device errors fall back to the CPU kernel.
func SetAccelerator(a ConvAccelerator) { accelerator = a }

// Conv2D is a 2D convolution with square kernels.
// Weight shape: [outC][inC][k][k], bias shape: [1][outC][1][1].
type Conv2D struct {
	Weight  *Parameter
	Bias    *Parameter
	Stride  int
	Padding int
}

// NewConv2D initializes a convolution with He-normal weights and zero bias.
func NewConv2D(name string, inC, outC, kernel, stride, padding int, rng *rand.Rand) *Conv2D {
	w := NewTensor(outC, inC, kernel, kernel)
	heNormal(w, inC*kernel*kernel, rng)
	return &Conv2D{
		Weight:  newParameter(Join(name, "weight"), w, true),
		Bias:    newParameter(Join(name, "bias"), NewTensor(1, outC, 1, 1), true),
		Stride:  stride,
		Padding: padding,
	}
}

func (c *Conv2D) Forward(x *Variable) *Variable {
	return Conv2d(x, c.Weight.Variable, c.Bias.Variable, c.Stride, c.Padding)
}

func (c *Conv2D) Parameters() []*Parameter { return []*Parameter{c.Weight, c.Bias} }

// Conv2d records a convolution on the tape. b may be nil.
func Conv2d(x, w, b *Variable, stride, padding int) *Variable {
	var bias *Tensor
	parents := []*Variable{x, w}
	if b != nil {
		bias = b.Value
		parents = append(parents, b)
	}
	if x.Value.C != w.Value.C {
		panic(newShapeMismatch("conv2d", x.Value, w.Value))
	}

	var out *Tensor
	if accelerator != nil {
		if o, err := accelerator.Conv2DForward(x.Value, w.Value, bias, stride, padding); err == nil {
			out = o
		}
	}
	if out == nil {
		out = conv2DForwardCPU(x.Value, w.Value, bias, stride, padding)
	}

	return newResult(out, parents, func(grad *Tensor) {
		gx, gw, gb := conv2DBackwardCPU(grad, x.Value, w.Value, stride, padding, x.requiresGrad)
		if gx != nil {
			accumulateInto(x, gx)
		}
		accumulateInto(w, gw)
		if b != nil {
			accumulateInto(b, gb)
		}
	})
}

func convOutputSize(in, kernel, stride, padding int) int {
	return (in+2*padding-kernel)/stride + 1
}

// conv2DForwardCPU performs 2D convolution on CPU
// input shape: [batch][inChannels][height][width]
// output shape: [batch][filters][outHeight][outWidth]
func conv2DForwardCPU(input, kernel, bias *Tensor, stride, padding int) *Tensor {
	batch, inC, inH, inW := input.N, input.C, input.H, input.W
	filters, kSize := kernel.N, kernel.H
	outH := convOutputSize(inH, kSize, stride, padding)
	outW := convOutputSize(inW, kSize, stride, padding)
	out := NewTensor(batch, filters, outH, outW)

	for b := 0; b < batch; b++ {
		for f := 0; f < filters; f++ {
			outBase := (b*filters + f) * outH * outW
			if bias != nil {
				bv := bias.Data[f]
				for i := outBase; i < outBase+outH*outW; i++ {
					out.Data[i] = bv
				}
			}
			for ic := 0; ic < inC; ic++ {
				inBase := (b*inC + ic) * inH * inW
				kBase := (f*inC + ic) * kSize * kSize
				for kh := 0; kh < kSize; kh++ {
					for kw := 0; kw < kSize; kw++ {
						kv := kernel.Data[kBase+kh*kSize+kw]
						if kv == 0 {
							continue
						}
						for oh := 0; oh < outH; oh++ {
							ih := oh*stride + kh - padding
							if ih < 0 || ih >= inH {
								continue
							}
							inRow := inBase + ih*inW
							outRow := outBase + oh*outW
							for ow := 0; ow < outW; ow++ {
								iw := ow*stride + kw - padding
								if iw < 0 || iw >= inW {
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

// conv2DBackwardCPU computes gradients for 2D convolution on CPU.
// gradInput is nil when wantInput is false.
func conv2DBackwardCPU(
	gradOutput, input, kernel *Tensor,
	stride, padding int,
	wantInput bool,
) (gradInput, gradKernel, gradBias *Tensor) {
	batch, inC, inH, inW := input.N, input.C, input.H, input.W
	filters, kSize := kernel.N, kernel.H
	outH, outW := gradOutput.H, gradOutput.W

	if wantInput {
		gradInput = input.ZerosLike()
	}
	gradKernel = kernel.ZerosLike()
	gradBias = NewTensor(1, filters, 1, 1)

	for b := 0; b < batch; b++ {
		for f := 0; f < filters; f++ {
			outBase := (b*filters + f) * outH * outW
			for i := outBase; i < outBase+outH*outW; i++ {
				gradBias.Data[f] += gradOutput.Data[i]
			}
			for ic := 0; ic < inC; ic++ {
				inBase := (b*inC + ic) * inH * inW
				kBase := (f*inC + ic) * kSize * kSize
				for kh := 0; kh < kSize; kh++ {
					for kw := 0; kw < kSize; kw++ {
						kIdx := kBase + kh*kSize + kw
						kv := kernel.Data[kIdx]
						var gk float32
						for oh := 0; oh < outH; oh++ {
							ih := oh*stride + kh - padding
							if ih < 0 || ih >= inH {
								continue
							}
							inRow := inBase + ih*inW
							outRow := outBase + oh*outW
							for ow := 0; ow < outW; ow++ {
								iw := ow*stride + kw - padding
								if iw < 0 || iw >= inW {
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
