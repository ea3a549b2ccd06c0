package nn

// Variable is a node in the autograd tape. Leaves created with NewLeaf keep
// their accumulated gradient after Backward; intermediate gradients are
// released once they have been propagated.
type Variable struct {
	Value *Tensor
	Grad  *Tensor

	requiresGrad bool
	parents      []*Variable
	backward     func(grad *Tensor)
}

// NewConstant wraps a tensor that never receives a gradient.
func NewConstant(t *Tensor) *Variable {
	return &Variable{Value: t}
}

// NewLeaf wraps a tensor that accumulates gradients (weights, test inputs).
func NewLeaf(t *Tensor) *Variable {
	return &Variable{Value: t, requiresGrad: true}
}

// RequiresGrad reports whether gradients flow into this variable.
func (v *Variable) RequiresGrad() bool { return v.requiresGrad }

// Detach returns a constant sharing v's value.
func (v *Variable) Detach() *Variable { return NewConstant(v.Value) }

// ZeroGrad drops any accumulated gradient.
func (v *Variable) ZeroGrad() { v.Grad = nil }

func (v *Variable) accumulate(g *Tensor) {
	if v.Grad == nil {
		v.Grad = g.Clone()
		return
	}
	v.Grad.AddInPlace(g)
}

// newResult records an operation on the tape. When no parent requires a
// gradient the result is a constant and the backward closure is dropped.
func newResult(value *Tensor, parents []*Variable, backward func(grad *Tensor)) *Variable {
	for _, p := range parents {
		if p.requiresGrad {
			return &Variable{Value: value, requiresGrad: true, parents: parents, backward: backward}
		}
	}
	return &Variable{Value: value}
}

// Backward seeds each root with its gradient and propagates through the tape
// in reverse topological order. Roots that do not require gradients and nil
// gradients are skipped.
func Backward(roots []*Variable, grads []*Tensor) error {
	if len(roots) != len(grads) {
		return &ShapeMismatchError{Op: "backward"}
	}
	for i, r := range roots {
		if r == nil || grads[i] == nil || !r.requiresGrad {
			continue
		}
		if !r.Value.SameShape(grads[i]) {
			return newShapeMismatch("backward", r.Value, grads[i])
		}
	}

	order := topoSort(roots)
	for i, r := range roots {
		if r == nil || grads[i] == nil || !r.requiresGrad {
			continue
		}
		r.accumulate(grads[i])
	}
	for i := len(order) - 1; i >= 0; i-- {
		v := order[i]
		if v.backward == nil {
			continue
		}
		if v.Grad != nil {
			v.backward(v.Grad)
		}
		v.Grad = nil
	}
	return nil
}

// topoSort returns the reachable nodes with parents before children.
func topoSort(roots []*Variable) []*Variable {
	type frame struct {
		v    *Variable
		next int
	}
	visited := make(map[*Variable]bool)
	var order []*Variable
	for _, r := range roots {
		if r == nil || !r.requiresGrad || visited[r] {
			continue
		}
		visited[r] = true
		stack := []frame{{v: r}}
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			if top.next < len(top.v.parents) {
				p := top.v.parents[top.next]
				top.next++
				if p.requiresGrad && !visited[p] {
					visited[p] = true
					stack = append(stack, frame{v: p})
				}
				continue
			}
			order = append(order, top.v)
			stack = stack[:len(stack)-1]
		}
	}
	return order
}

// accumulateInto adds g to p when p participates in differentiation.
func accumulateInto(p *Variable, g *Tensor) {
	if p.requiresGrad {
		p.accumulate(g)
	}
}
