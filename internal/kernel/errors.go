package kernel

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound is returned when no session with the given id is
	// known to this kernel.
	ErrSessionNotFound = errors.New("kernel: session not found")

	// ErrInvalidTransition is returned when a status change violates the
	// session state machine.
	ErrInvalidTransition = errors.New("kernel: invalid session transition")

	// ErrNotAbortable is returned by Abort for sessions outside planning or
	// running.
	ErrNotAbortable = errors.New("kernel: session is not abortable")

	// ErrLimitExceeded tags session failures caused by a limit breach.
	ErrLimitExceeded = errors.New("kernel: session limit exceeded")

	// ErrPlannerFailed tags session failures caused by the planner.
	ErrPlannerFailed = errors.New("kernel: planner failed")
)

// CodeLimitExceeded is the error code carried by session.failed events when
// a limit breach terminates the run. Step-level codes come from the runtime
// taxonomy; this one is the kernel's own.
const CodeLimitExceeded = "limit_exceeded"

// Phase identifies where in the run loop an error occurred.
type Phase string

const (
	PhasePlanning Phase = "planning"
	PhaseExecute  Phase = "execute"
	PhaseLimits   Phase = "limits"
	PhaseLesson   Phase = "lesson"
)

// LoopError is a run-loop failure tagged with its phase and iteration.
type LoopError struct {
	Phase     Phase
	Iteration int
	Code      string
	Message   string
	Cause     error
}

// Error implements the error interface.
func (e *LoopError) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	return fmt.Sprintf("kernel: %s (iteration %d): %s", e.Phase, e.Iteration, msg)
}

// Unwrap returns the underlying error.
func (e *LoopError) Unwrap() error {
	return e.Cause
}
