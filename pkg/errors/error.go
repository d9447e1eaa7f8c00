// package errors contains domain errors that different layers can use to add
// meaning to an error and that the HTTP handlers can transform to a status
// code. This is implemented as a separate package in order to avoid cycle
// import errors.
package errors

import (
	"fmt"

	errorsx "github.com/instill-ai/x/errors"
)

// The following errors serve as domain errors that can be used by the
// different layers.
var (
	// ErrInvalidArgument is used when the provided argument is incorrect (e.g.
	// a missing source reference or a malformed callback URL).
	ErrInvalidArgument = errorsx.ErrInvalidArgument
	// ErrNotFound is used when a task doesn't exist.
	ErrNotFound = errorsx.ErrNotFound
	// ErrNotReady is used when the result of a task that hasn't reached a
	// terminal status is requested.
	ErrNotReady = errorsx.AddMessage(fmt.Errorf("task not ready"), "The task is still being processed.")
	// ErrInvalidTransition is used when a status transition is rejected
	// because the task isn't in one of the transition's source states.
	ErrInvalidTransition = fmt.Errorf("invalid status transition")
	// ErrQueueEmpty is returned by a dequeue that timed out without an
	// element.
	ErrQueueEmpty = fmt.Errorf("queue empty")
)
