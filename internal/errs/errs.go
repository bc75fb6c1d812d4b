// Package errs defines the error taxonomy shared by the metric and the optimizer.
//
// Configuration errors are reported before any iteration runs. Numerical errors abort a
// running optimization. Reaching the iteration budget is not an error.
package errs

import "fmt"

// ErrConfig matches any *ConfigError with errors.Is.
var ErrConfig = &ConfigError{}

// ErrNumerical matches any *NumericalError with errors.Is.
var ErrNumerical = &NumericalError{}

// ConfigError reports an invalid setting detected at setup time.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "configuration error"
	}
	return "configuration error: " + e.Field + " " + e.Reason
}

func (e *ConfigError) Is(target error) bool {
	_, ok := target.(*ConfigError)
	return ok
}

// Configf builds a ConfigError with a formatted reason.
func Configf(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// NumericalError reports a non-finite value or gradient component.
// Parameters holds the last parameter vector that evaluated cleanly, if known.
type NumericalError struct {
	Iteration  int
	Reason     string
	Parameters []float64
}

func (e *NumericalError) Error() string {
	if e.Reason == "" {
		return "numerical error"
	}
	return fmt.Sprintf("numerical error at iteration %d: %s", e.Iteration, e.Reason)
}

func (e *NumericalError) Is(target error) bool {
	_, ok := target.(*NumericalError)
	return ok
}
