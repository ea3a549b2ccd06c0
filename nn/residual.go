package nn

// =============================================================================
// Residual connections
// =============================================================================

// Add records out = a + b. Gradient flows equally to both branches:
// d(a+b)/da = 1, d(a+b)/db = 1.
func Add(a, b *Variable) *Variable {
	if !a.Value.SameShape(b.Value) {
		panic(newShapeMismatch("add", a.Value, b.Value))
	}
	out := a.Value.Clone()
	out.AddInPlace(b.Value)
	return newResult(out, []*Variable{a, b}, func(grad *Tensor) {
		accumulateInto(a, grad)
		accumulateInto(b, grad)
	})
}

// Residual wraps a layer as x + body(x). The body must preserve the shape
// of its input.
type Residual struct {
	Body Layer
}

func (r Residual) Forward(x *Variable) *Variable {
	return Add(x, r.Body.Forward(x))
}

func (r Residual) Parameters() []*Parameter { return r.Body.Parameters() }
