// Package taskerr defines the error taxonomy surfaced on Task.Error and in
// SSE error events.
package taskerr

import "errors"

// Sentinel classification errors. Stage code wraps the underlying cause
// with one of these via fmt.Errorf("%w: ...", Sentinel) so callers can
// classify failures with errors.Is.
var (
	ErrInvalidInput     = errors.New("invalid_input")
	ErrCapacityExceeded = errors.New("capacity_exceeded")
	ErrModelUnavailable = errors.New("model_unavailable")
	ErrTimeout          = errors.New("timeout")
	ErrCancelled        = errors.New("cancelled")
	ErrPersistence      = errors.New("persistence_failed")
	ErrInternal         = errors.New("internal")
)

// Classify maps an error to its taxonomy label. Unknown errors are
// reported as "internal" and should be logged with a stack trace by the
// caller before this is invoked.
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrCapacityExceeded):
		return "capacity_exceeded"
	case errors.Is(err, ErrModelUnavailable):
		return "model_unavailable"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrPersistence):
		return "persistence_failed"
	default:
		return "internal"
	}
}
