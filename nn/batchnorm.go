package nn

import "math"

// BatchNorm2D normalizes each channel over the batch and spatial axes.
// Running statistics are non-trainable parameters so they are stored with
// the weights.
type BatchNorm2D struct {
	Weight      *Parameter
	Bias        *Parameter
	RunningMean *Parameter
	RunningVar  *Parameter
	Momentum    float32
	Eps         float32

	mode *Mode
}

func NewBatchNorm2D(name string, channels int, mode *Mode) *BatchNorm2D {
	gamma := NewTensor(1, channels, 1, 1)
	gamma.Fill(1)
	runVar := NewTensor(1, channels, 1, 1)
	runVar.Fill(1)
	return &BatchNorm2D{
		Weight:      newParameter(Join(name, "weight"), gamma, true),
		Bias:        newParameter(Join(name, "bias"), NewTensor(1, channels, 1, 1), true),
		RunningMean: newParameter(Join(name, "running_mean"), NewTensor(1, channels, 1, 1), false),
		RunningVar:  newParameter(Join(name, "running_var"), runVar, false),
		Momentum:    0.1,
		Eps:         1e-5,
		mode:        mode,
	}
}

func (bn *BatchNorm2D) Parameters() []*Parameter {
	return []*Parameter{bn.Weight, bn.Bias, bn.RunningMean, bn.RunningVar}
}

func (bn *BatchNorm2D) Forward(x *Variable) *Variable {
	in := x.Value
	if in.C != bn.Weight.Value.C {
		panic(newShapeMismatch("batchnorm", in, bn.Weight.Value))
	}
	training := bn.mode == nil || bn.mode.Training
	batch, channels, plane := in.N, in.C, in.Plane()
	count := batch * plane

	mean := make([]float32, channels)
	invStd := make([]float32, channels)
	if training {
		for c := 0; c < channels; c++ {
			var s, sq float64
			for n := 0; n < batch; n++ {
				base := (n*channels + c) * plane
				for _, v := range in.Data[base : base+plane] {
					s += float64(v)
					sq += float64(v) * float64(v)
				}
			}
			m := s / float64(count)
			variance := sq/float64(count) - m*m
			if variance < 0 {
				variance = 0
			}
			mean[c] = float32(m)
			invStd[c] = float32(1 / math.Sqrt(variance+float64(bn.Eps)))

			unbiased := variance
			if count > 1 {
				unbiased = variance * float64(count) / float64(count-1)
			}
			rm, rv := bn.RunningMean.Value.Data, bn.RunningVar.Value.Data
			rm[c] = (1-bn.Momentum)*rm[c] + bn.Momentum*float32(m)
			rv[c] = (1-bn.Momentum)*rv[c] + bn.Momentum*float32(unbiased)
		}
	} else {
		for c := 0; c < channels; c++ {
			mean[c] = bn.RunningMean.Value.Data[c]
			invStd[c] = float32(1 / math.Sqrt(float64(bn.RunningVar.Value.Data[c]+bn.Eps)))
		}
	}

	gamma, beta := bn.Weight.Value.Data, bn.Bias.Value.Data
	xhat := in.ZerosLike()
	out := in.ZerosLike()
	for n := 0; n < batch; n++ {
		for c := 0; c < channels; c++ {
			base := (n*channels + c) * plane
			for i := base; i < base+plane; i++ {
				h := (in.Data[i] - mean[c]) * invStd[c]
				xhat.Data[i] = h
				out.Data[i] = gamma[c]*h + beta[c]
			}
		}
	}

	w, b := bn.Weight.Variable, bn.Bias.Variable
	return newResult(out, []*Variable{x, w, b}, func(grad *Tensor) {
		gGamma := NewTensor(1, channels, 1, 1)
		gBeta := NewTensor(1, channels, 1, 1)
		for n := 0; n < batch; n++ {
			for c := 0; c < channels; c++ {
				base := (n*channels + c) * plane
				for i := base; i < base+plane; i++ {
					gBeta.Data[c] += grad.Data[i]
					gGamma.Data[c] += grad.Data[i] * xhat.Data[i]
				}
			}
		}
		accumulateInto(w, gGamma)
		accumulateInto(b, gBeta)
		if !x.requiresGrad {
			return
		}

		gx := in.ZerosLike()
		for n := 0; n < batch; n++ {
			for c := 0; c < channels; c++ {
				base := (n*channels + c) * plane
				k := gamma[c] * invStd[c]
				if !training {
					for i := base; i < base+plane; i++ {
						gx.Data[i] = grad.Data[i] * k
					}
					continue
				}
				// dx = gamma*invStd/M * (M*dy - sum(dy) - xhat*sum(dy*xhat))
				m := float32(count)
				for i := base; i < base+plane; i++ {
					gx.Data[i] = k / m * (m*grad.Data[i] - gBeta.Data[c] - xhat.Data[i]*gGamma.Data[c])
				}
			}
		}
		accumulateInto(x, gx)
	})
}
