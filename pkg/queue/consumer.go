package queue

import "time"

// Verdict is the result a consumer returns for one delivery.
type Verdict int

const (
	// Success acknowledges the record; its spill entry (if any) is removed
	// and the admission permit released.
	Success Verdict = iota
	// FailRequeue hands the record to the retry scheduler. The admission
	// permit stays held across retries: a record stuck in retry keeps
	// occupying queue capacity until it succeeds, is dropped, or expires.
	FailRequeue
	// FailNoQueue discards the record and releases the permit.
	FailNoQueue
)

func (v Verdict) String() string {
	switch v {
	case Success:
		return "success"
	case FailRequeue:
		return "fail_requeue"
	case FailNoQueue:
		return "fail_noqueue"
	default:
		return "unknown"
	}
}

// Delivery hands a record to a consumer together with its retry metadata.
// TryCount is the number of prior attempts (0 on first delivery);
// FirstAttempt is zero until the record has failed once.
type Delivery[T any] struct {
	Record       T
	TryCount     uint32
	FirstAttempt time.Time
}

// Consumer processes one delivery and reports a verdict. It is invoked from
// worker goroutines; implementations must be safe for concurrent use. A panic
// is recovered and treated as FailNoQueue.
type Consumer[T any] interface {
	Consume(d Delivery[T]) Verdict
}

// ConsumerFunc adapts a function to the Consumer interface.
type ConsumerFunc[T any] func(d Delivery[T]) Verdict

// Consume implements Consumer.
func (f ConsumerFunc[T]) Consume(d Delivery[T]) Verdict { return f(d) }

// Expiration is invoked when a record exhausts MaxTries. It runs on the
// worker goroutine that observed the final failure, or on the pump goroutine
// when a persisted retry re-read at startup is already at the limit.
type Expiration[T any] func(record T)
