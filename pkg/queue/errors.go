package queue

import "errors"

// Error surface of the queue. All public operations fail with one of these
// sentinels (possibly wrapped with context); match with errors.Is. Consumer
// verdicts are never promoted to core errors.
var (
	// ErrNotStarted is returned when an operation requires a started queue.
	ErrNotStarted = errors.New("queue: not started")
	// ErrAlreadyStarted is returned by Start on a queue that is not in the
	// created state.
	ErrAlreadyStarted = errors.New("queue: already started")
	// ErrStopped is returned by operations on a stopped or stopping queue.
	ErrStopped = errors.New("queue: stopped")
	// ErrInvalidArg reports a configuration or argument constraint violation.
	ErrInvalidArg = errors.New("queue: invalid argument")
	// ErrQueueFull is returned when the admission semaphore refuses a permit
	// within the allowed wait.
	ErrQueueFull = errors.New("queue: full")
	// ErrNoSpace reports that the spill store ran out of disk space,
	// distinguished from generic IO failures.
	ErrNoSpace = errors.New("queue: no space left on device")
	// ErrIO covers all other storage and codec failures.
	ErrIO = errors.New("queue: io failure")
	// ErrInterrupted is returned when a blocking call is cancelled by Stop.
	ErrInterrupted = errors.New("queue: interrupted")
)
