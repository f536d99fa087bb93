// Package orchestrator defines the shared error taxonomy for the
// orchestration core. Errors fall into two classes: recoverable errors
// that are surfaced back to the model as tool results so it can
// self-correct, and terminal errors that end the run.
package orchestrator

import (
	"github.com/pkg/errors"
)

var (
	// ErrUnknownSkill indicates a skill name that is not registered.
	// Recoverable: surfaced to the model so it can retry with list_skills.
	ErrUnknownSkill = errors.New("unknown skill")

	// ErrUnknownTool indicates a tool name outside the current tool menu.
	// Recoverable.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrInvalidArguments indicates tool arguments that failed schema
	// validation. Recoverable.
	ErrInvalidArguments = errors.New("invalid arguments")

	// ErrBudgetExceeded indicates the turn budget was exhausted before a
	// terminal answer was produced. Terminal.
	ErrBudgetExceeded = errors.New("turn budget exceeded")

	// ErrSessionExpired indicates the session was evicted while a run was
	// in flight. Terminal.
	ErrSessionExpired = errors.New("session expired")

	// ErrUpstreamTransient indicates a retryable upstream failure (rate
	// limit, network). Retried with backoff before escalating.
	ErrUpstreamTransient = errors.New("transient upstream error")

	// ErrUpstreamFatal indicates a non-retryable upstream failure, or a
	// transient one that exhausted its retries. Terminal.
	ErrUpstreamFatal = errors.New("fatal upstream error")
)

// Recoverable reports whether err is surfaced to the model as a tool
// result rather than terminating the run.
func Recoverable(err error) bool {
	return errors.Is(err, ErrUnknownSkill) ||
		errors.Is(err, ErrUnknownTool) ||
		errors.Is(err, ErrInvalidArguments)
}

// Terminal reports whether err ends the run with a Failed state.
func Terminal(err error) bool {
	return errors.Is(err, ErrBudgetExceeded) ||
		errors.Is(err, ErrSessionExpired) ||
		errors.Is(err, ErrUpstreamFatal)
}
