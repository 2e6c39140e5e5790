package transform

import (
	"fmt"

	"github.com/pkg/errors"
)

// ConfigurationError is returned when a camera model is configured inconsistently, for instance an
// unknown estimation parameter name or a misalignment selection that does not match the
// configured misalignments.
type ConfigurationError struct {
	Msg string
}

func (e *ConfigurationError) Error() string {
	return "invalid camera model configuration: " + e.Msg
}

// NewConfigurationError returns a *ConfigurationError with a formatted message.
func NewConfigurationError(format string, args ...interface{}) error {
	return &ConfigurationError{Msg: fmt.Sprintf(format, args...)}
}

// DimensionError is returned when a vector does not have the length the model expects.
type DimensionError struct {
	What     string
	Expected int
	Actual   int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("%s has length %d but %d was expected", e.What, e.Actual, e.Expected)
}

// ConvergenceWarning reports that the inverse distortion iteration did not reach its tolerance for
// some points. It is not fatal: the results it accompanies hold the best available estimates.
type ConvergenceWarning struct {
	Failed      int
	Total       int
	MaxResidual float64
}

func (w *ConvergenceWarning) Error() string {
	return fmt.Sprintf("inverse distortion did not converge for %d of %d points (largest residual %g)",
		w.Failed, w.Total, w.MaxResidual)
}

// IsConvergenceWarning returns true if err is or wraps a *ConvergenceWarning.
func IsConvergenceWarning(err error) bool {
	var cw *ConvergenceWarning
	return errors.As(err, &cw)
}
