package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/rzbill/spillq/pkg/log"
)

// workerLoop runs one consumer worker: take, consume, apply verdict. Takes
// use a background context; the transfer channel's close signal is the only
// exit, so buffered records drain during shutdown.
func (q *Queue[T]) workerLoop() error {
	defer q.recoverFatal("worker")
	for {
		it, ok := q.ch.Take(context.Background())
		if !ok {
			return nil
		}
		verdict := q.consume(it)
		q.applyVerdict(it, verdict)
	}
}

// consume invokes the consumer callback, converting a panic into
// FailNoQueue per the error policy: callback failures are logged, never
// promoted to core errors.
func (q *Queue[T]) consume(it item[T]) (verdict Verdict) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Warn("consumer panicked, treating as fail_noqueue",
				log.Str("panic", fmt.Sprint(r)), log.Uint32("try_count", it.tryCount))
			verdict = FailNoQueue
		}
	}()
	return q.cfg.Consumer.Consume(Delivery[T]{
		Record:       it.rec,
		TryCount:     it.tryCount,
		FirstAttempt: it.firstAttempt,
	})
}

// applyVerdict settles one delivery. For spilled items the store removal is
// durable before the permit release, so a crash between the two re-delivers
// rather than over-admits.
func (q *Queue[T]) applyVerdict(it item[T], verdict Verdict) {
	q.metrics.verdicts.WithLabelValues(verdict.String()).Inc()

	switch verdict {
	case Success, FailNoQueue:
		q.settleSpill(it)
		q.permits.Release()

	case FailRequeue:
		q.settleSpill(it)
		first := it.firstAttempt
		if first.IsZero() {
			first = time.Now()
		}
		if q.sched.Schedule(it.rec, it.tryCount, first) {
			q.metrics.retries.Inc()
			q.logger.Debug("retry scheduled", log.Uint32("try_count", it.tryCount+1))
		} else {
			// Exhausted MaxTries: the expiration callback already ran.
			q.permits.Release()
		}

	default:
		q.logger.Warn("unknown verdict, treating as fail_noqueue")
		q.settleSpill(it)
		q.permits.Release()
	}
}

// settleSpill removes the backing store entry for a spilled item and
// retires in-memory accounting for a fast-path one.
func (q *Queue[T]) settleSpill(it item[T]) {
	if it.seq == 0 {
		q.live.Add(-1)
		return
	}
	q.removeEntry(it.seq)
	q.unmarkInFlight(it.seq)
}
