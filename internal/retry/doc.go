// Package retry schedules failed records for re-delivery.
//
// Records sit in a min-heap keyed on their next attempt time; a single
// timekeeper goroutine sleeps until the earliest deadline and fires the task
// through the queue's internal requeue path. Delays follow a fixed or
// exponential (doubling, saturating) policy. A record that reaches the
// configured try limit is handed to the expiration callback instead of being
// rescheduled.
//
// The clock is injectable so tests drive the timekeeper deterministically.
package retry
