package nn

import (
	"fmt"
	"math"
	"math/rand"
)

// Parameter is a named network tensor. Trainable parameters are updated by
// the optimizer; the others (batch-norm running statistics) are only
// persisted.
type Parameter struct {
	Name string
	*Variable
	Trainable bool
}

func newParameter(name string, t *Tensor, trainable bool) *Parameter {
	v := NewConstant(t)
	if trainable {
		v = NewLeaf(t)
	}
	return &Parameter{Name: name, Variable: v, Trainable: trainable}
}

// Module is anything that owns parameters.
type Module interface {
	Parameters() []*Parameter
}

// Layer is a module with a single-input forward pass.
type Layer interface {
	Module
	Forward(x *Variable) *Variable
}

// Mode is shared by every layer of one network and switches batch
// normalization between batch and running statistics.
type Mode struct {
	Training bool
}

// Sequential chains layers.
type Sequential []Layer

func (s Sequential) Forward(x *Variable) *Variable {
	for _, l := range s {
		x = l.Forward(x)
	}
	return x
}

func (s Sequential) Parameters() []*Parameter {
	var ps []*Parameter
	for _, l := range s {
		ps = append(ps, l.Parameters()...)
	}
	return ps
}

// CollectParameters concatenates the parameters of several modules.
func CollectParameters(mods ...Module) []*Parameter {
	var ps []*Parameter
	for _, m := range mods {
		if m == nil {
			continue
		}
		ps = append(ps, m.Parameters()...)
	}
	return ps
}

// CountParameters returns the number of trainable scalars.
func CountParameters(ps []*Parameter) int {
	total := 0
	for _, p := range ps {
		if p.Trainable {
			total += p.Value.Size()
		}
	}
	return total
}

// ZeroGrad clears the gradients of all parameters.
func ZeroGrad(ps []*Parameter) {
	for _, p := range ps {
		p.ZeroGrad()
	}
}

// Join builds dotted parameter names.
func Join(prefix string, parts ...interface{}) string {
	name := prefix
	for _, p := range parts {
		if name == "" {
			name = fmt.Sprint(p)
			continue
		}
		name = fmt.Sprintf("%s.%v", name, p)
	}
	return name
}

// heNormal fills t using He initialization for the given fan-in.
func heNormal(t *Tensor, fanIn int, rng *rand.Rand) {
	stddev := float32(math.Sqrt(2.0 / float64(fanIn)))
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64()) * stddev
	}
}
