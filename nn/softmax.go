package nn

import (
	"math"
)

// softmaxStandard normalizes one vector of logits.
func softmaxStandard(logits []float32) []float32 {
	maxLogit := logits[0]
	for _, v := range logits {
		if v > maxLogit {
			maxLogit = v
		}
	}

	// Numerical stability: subtract max
	probs := make([]float32, len(logits))
	sum := float32(0.0)
	for i, v := range logits {
		probs[i] = float32(math.Exp(float64(v - maxLogit)))
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}

// SoftmaxChannelsTensor applies softmax across the channel axis at every
// pixel without recording a tape node.
func SoftmaxChannelsTensor(t *Tensor) *Tensor {
	out := t.ZerosLike()
	plane := t.Plane()
	logits := make([]float32, t.C)
	for n := 0; n < t.N; n++ {
		base := n * t.C * plane
		for p := 0; p < plane; p++ {
			for c := 0; c < t.C; c++ {
				logits[c] = t.Data[base+c*plane+p]
			}
			for c, v := range softmaxStandard(logits) {
				out.Data[base+c*plane+p] = v
			}
		}
	}
	return out
}

// SoftmaxChannels records a per-pixel softmax across channels.
// Backward: dx_i = y_i * (dy_i - sum_j dy_j*y_j).
func SoftmaxChannels(x *Variable) *Variable {
	out := SoftmaxChannelsTensor(x.Value)
	return newResult(out, []*Variable{x}, func(grad *Tensor) {
		gx := out.ZerosLike()
		plane, channels := out.Plane(), out.C
		for n := 0; n < out.N; n++ {
			base := n * channels * plane
			for p := 0; p < plane; p++ {
				var dot float32
				for c := 0; c < channels; c++ {
					i := base + c*plane + p
					dot += grad.Data[i] * out.Data[i]
				}
				for c := 0; c < channels; c++ {
					i := base + c*plane + p
					gx.Data[i] = out.Data[i] * (grad.Data[i] - dot)
				}
			}
		}
		accumulateInto(x, gx)
	})
}
