// Package queue implements an embedded, persistent, single-process FIFO work
// queue.
//
// Producers submit records of an application-defined type; a fixed worker
// pool consumes them. A record that cannot be handed directly to an idle
// worker spills to a Pebble-backed on-disk store and survives restarts.
// Consumers return a verdict per delivery: Success and FailNoQueue settle the
// record; FailRequeue re-schedules it with fixed or exponential backoff. A
// resizable admission semaphore bounds outstanding records.
//
// # Record lifecycle
//
//  1. Submit acquires a permit, then either hands the record straight to a
//     worker (fast path, only taken while nothing is spilled) or appends it
//     to the spill store.
//  2. The pump drains spilled entries into the transfer channel in key order
//     as workers free up.
//  3. A worker consumes the record and reports a verdict. The spill entry is
//     removed durably before the permit is released.
//  4. FailRequeue records wait in the retry scheduler's heap; the timekeeper
//     re-delivers them at their attempt time, bypassing admission. Records
//     that exhaust MaxTries go to the Expiration callback instead.
//  5. Stop drains workers, persists pending retries with their try counts,
//     and closes the store.
//
// # Guarantees
//
// Within one producer, submit order equals enqueue order. After a crash,
// records recover in spill order and are delivered at least once; per
// successful in-memory delivery a record is consumed at most once. The
// permit count never exceeds MaxQueueSize.
//
// Usage:
//
//	q := queue.New[Order]()
//	err := q.Start(queue.Config[Order]{
//	    Name:     "orders",
//	    Path:     dataDir,
//	    Workers:  8,
//	    MaxTries: 5,
//	    Consumer: queue.ConsumerFunc[Order](func(d queue.Delivery[Order]) queue.Verdict {
//	        if err := process(d.Record); err != nil {
//	            return queue.FailRequeue
//	        }
//	        return queue.Success
//	    }),
//	})
//	...
//	_ = q.Submit(Order{ID: 1})
//	_ = q.Stop()
package queue
