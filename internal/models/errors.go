package models

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the orchestration engine. Callers classify failures
// with errors.Is and map them to operator-visible responses.
var (
	// ErrDuplicateActiveJob is returned when starting a key that already has
	// a non-terminal job.
	ErrDuplicateActiveJob = errors.New("a job with this key is already active")

	// ErrJobNotFound is returned when an operation targets an untracked key.
	ErrJobNotFound = errors.New("job not found")

	// ErrPrecondition is returned when a two-phase tool is invoked out of
	// order (main job start before session open).
	ErrPrecondition = errors.New("session must be opened before starting the job")

	// ErrConnectTimeout is returned when the worker connection never reports
	// ready within the watchdog window.
	ErrConnectTimeout = errors.New("worker connection timed out")

	// ErrRemote is returned when the worker or file manager reports an
	// explicit failure.
	ErrRemote = errors.New("remote worker error")

	// ErrTransport is returned on network failures for delete/merge/poll
	// requests. Local state is unchanged and the operation is retryable.
	ErrTransport = errors.New("transport error")
)

// ValidationError reports blank or missing required start parameters.
// The job is never started and no side effects occur.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("missing required fields: %s", strings.Join(e.Fields, ", "))
}

// IsValidationError returns the typed validation error if err is one.
func IsValidationError(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}
