package nn

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ShapeMismatchError is returned when tensors combined by an operation do not
// have compatible dimensions. It is fatal for a training run.
type ShapeMismatchError struct {
	Op     string
	Shapes [][4]int
}

func newShapeMismatch(op string, ts ...*Tensor) *ShapeMismatchError {
	e := &ShapeMismatchError{Op: op}
	for _, t := range ts {
		e.Shapes = append(e.Shapes, t.Shape())
	}
	return e
}

func (e *ShapeMismatchError) Error() string {
	parts := make([]string, len(e.Shapes))
	for i, s := range e.Shapes {
		parts[i] = fmt.Sprintf("%dx%dx%dx%d", s[0], s[1], s[2], s[3])
	}
	return fmt.Sprintf("shape mismatch in %s: [%s]", e.Op, strings.Join(parts, ", "))
}

// IsShapeMismatch reports whether the cause of err is a ShapeMismatchError.
func IsShapeMismatch(err error) bool {
	_, ok := errors.Cause(err).(*ShapeMismatchError)
	return ok
}

// UnknownSolverError is returned for an unsupported optimizer name.
type UnknownSolverError struct {
	Name string
}

func (e *UnknownSolverError) Error() string {
	return fmt.Sprintf("unknown optimization method %q", e.Name)
}

// NewShapeMismatchError reports ts as the incompatible operands of op.
func NewShapeMismatchError(op string, ts ...*Tensor) *ShapeMismatchError {
	return newShapeMismatch(op, ts...)
}
