package curvature

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedLikelihood is returned when a backend is built for a
	// likelihood other than classification.
	ErrUnsupportedLikelihood = errors.New("unsupported likelihood")
	// ErrUnsupportedOperation covers Full and layers the assembler cannot split.
	ErrUnsupportedOperation = errors.New("unsupported operation")
	// ErrValidation is returned for malformed gradient records.
	ErrValidation = errors.New("validation error")
)

// errorType maps an error onto the metrics label used for it.
func errorType(err error) string {
	switch {
	case errors.Is(err, ErrUnsupportedLikelihood):
		return "unsupported_likelihood"
	case errors.Is(err, ErrUnsupportedOperation):
		return "unsupported_operation"
	case errors.Is(err, ErrValidation):
		return "validation"
	default:
		return "internal"
	}
}

// DiagnosticKind classifies non-fatal notices.
type DiagnosticKind string

const (
	DiagnosticNormalizationSkipped DiagnosticKind = "normalization_skipped"
)

// Diagnostic is a non-fatal notice produced while assembling curvature.
type Diagnostic struct {
	Kind  DiagnosticKind
	Layer string
	// Message is human readable.
	Message string
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s: layer %q: %s", d.Kind, d.Layer, d.Message)
}
