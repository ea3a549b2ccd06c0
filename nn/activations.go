package nn

import (
	"math"
)

// ActivationType selects the pointwise nonlinearity.
type ActivationType int

const (
	ActivationReLU ActivationType = iota
	ActivationSigmoid
	ActivationTanh
)

func (a ActivationType) String() string {
	switch a {
	case ActivationReLU:
		return "relu"
	case ActivationSigmoid:
		return "sigmoid"
	case ActivationTanh:
		return "tanh"
	}
	return "unknown"
}

// activateCPU applies the activation function on CPU
func activateCPU(v float32, activation ActivationType) float32 {
	switch activation {
	case ActivationReLU:
		if v < 0 {
			return 0
		}
		return v
	case ActivationSigmoid:
		return 1.0 / (1.0 + float32(math.Exp(float64(-v))))
	case ActivationTanh:
		return float32(math.Tanh(float64(v)))
	default:
		return v
	}
}

// activateDerivativeCPU computes the derivative of the activation function
// Note: This computes the derivative from the POST-activation value, which is
// all the backward closure keeps.
func activateDerivativeCPU(out float32, activation ActivationType) float32 {
	switch activation {
	case ActivationReLU:
		if out > 0 {
			return 1
		}
		return 0
	case ActivationSigmoid:
		// d/dv sigmoid(v) = s * (1 - s)
		return out * (1.0 - out)
	case ActivationTanh:
		// d/dv tanh(v) = 1 - tanh^2(v)
		return 1.0 - out*out
	default:
		return 1.0
	}
}

// Activate records an elementwise activation.
func Activate(x *Variable, act ActivationType) *Variable {
	out := x.Value.ZerosLike()
	for i, v := range x.Value.Data {
		out.Data[i] = activateCPU(v, act)
	}
	return newResult(out, []*Variable{x}, func(grad *Tensor) {
		gx := grad.ZerosLike()
		for i, g := range grad.Data {
			gx.Data[i] = g * activateDerivativeCPU(out.Data[i], act)
		}
		accumulateInto(x, gx)
	})
}

func ReLU(x *Variable) *Variable    { return Activate(x, ActivationReLU) }
func Sigmoid(x *Variable) *Variable { return Activate(x, ActivationSigmoid) }
func Tanh(x *Variable) *Variable    { return Activate(x, ActivationTanh) }

// Activation wraps an ActivationType as a parameterless Layer.
type Activation struct {
	Type ActivationType
}

func (a Activation) Forward(x *Variable) *Variable { return Activate(x, a.Type) }
func (a Activation) Parameters() []*Parameter       { return nil }
