// Package agenterr defines the error taxonomy shared across the agent.
package agenterr

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks a malformed or disallowed request. Detected before
	// a task is queued and returned synchronously to the caller.
	ErrValidation = errors.New("invalid request")

	// ErrNotFound marks an operation targeting a site that does not exist.
	ErrNotFound = errors.New("site not found")

	// ErrConflict marks a build targeting an existing site, or a second run
	// submitted while one is already in flight for the same site.
	ErrConflict = errors.New("conflicting operation")

	// ErrDependencyUnavailable marks an unreachable shared service (database
	// container, docker daemon). Surfaced fast, never retried.
	ErrDependencyUnavailable = errors.New("dependency unavailable")
)

// StepError is a fatal pipeline step failure. It carries the step name and the
// raw underlying message so operators see the literal diagnostic.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// NewStepError wraps err as a fatal failure of the named step.
func NewStepError(step string, err error) *StepError {
	return &StepError{Step: step, Err: err}
}

// Validationf builds a request validation error with a formatted reason.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrValidation}, args...)...)
}
