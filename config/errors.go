package config

import (
	"fmt"

	"github.com/pkg/errors"
)

// UnsupportedConfigError is returned for option values the system does not
// implement. It is fatal at setup.
type UnsupportedConfigError struct {
	Option string
	Value  interface{}
	Reason string
}

func (e *UnsupportedConfigError) Error() string {
	return fmt.Sprintf("unsupported %s=%v: %s", e.Option, e.Value, e.Reason)
}

// IsUnsupported reports whether the cause of err is an UnsupportedConfigError.
func IsUnsupported(err error) bool {
	_, ok := errors.Cause(err).(*UnsupportedConfigError)
	return ok
}
