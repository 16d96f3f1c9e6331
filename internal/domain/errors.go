package domain

import (
	"fmt"
	"time"
)

// JobNotFoundError reports an unknown job ID.
type JobNotFoundError struct {
	JobID string
}

func (e *JobNotFoundError) Error() string {
	return fmt.Sprintf("job not found: %s", e.JobID)
}

// InvalidJobTypeError is returned for an unknown job type or when no handler
// is registered for it.
type InvalidJobTypeError struct {
	JobType string
}

func (e *InvalidJobTypeError) Error() string {
	return fmt.Sprintf("no handler registered for job type %q", e.JobType)
}

// InvalidTransitionError describes a status change outside the state machine.
type InvalidTransitionError struct {
	JobID string
	From  Status
	To    Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("job %s cannot move from %s to %s", e.JobID, e.From, e.To)
}

// CorruptSnapshotError is returned by a store whose persisted value cannot be decoded.
type CorruptSnapshotError struct {
	Source string
	Err    error
}

func (e *CorruptSnapshotError) Error() string {
	return fmt.Sprintf("corrupt snapshot in %s: %v", e.Source, e.Err)
}

func (e *CorruptSnapshotError) Unwrap() error { return e.Err }

// HandlerTimeoutError is recorded when a handler does not settle in time.
type HandlerTimeoutError struct {
	Timeout time.Duration
}

func (e *HandlerTimeoutError) Error() string {
	return fmt.Sprintf("handler timed out after %s", e.Timeout)
}

// HandlerPanicError is recorded when a handler panics.
type HandlerPanicError struct {
	Value any
}

func (e *HandlerPanicError) Error() string {
	return fmt.Sprintf("handler panicked: %v", e.Value)
}
