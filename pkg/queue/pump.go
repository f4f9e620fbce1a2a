package queue

import (
	"time"

	"github.com/rzbill/spillq/internal/spill"
	"github.com/rzbill/spillq/pkg/log"
)

// pumpLoop is the single task that moves spilled entries into the transfer
// channel. Invariant: whenever the spill store is nonempty and the channel
// has capacity, the oldest not-in-flight entry is offered next.
//
// A cursor tracks the next key to deliver so entries sitting at workers are
// not re-read on every pass; the PersistRetryDelay tick resets the cursor so
// anything still on disk is re-offered, with the in-flight set keeping the
// rescan idempotent.
func (q *Queue[T]) pumpLoop() {
	defer q.pumpWG.Done()
	defer q.recoverFatal("pump")

	ticker := time.NewTicker(q.cfg.PersistRetryDelay)
	defer ticker.Stop()

	var cursor uint64
	for {
		select {
		case <-q.runCtx.Done():
			return
		default:
		}

		seq, payload, ok, err := q.store.PeekFrom(cursor)
		if err != nil {
			q.fatal(err)
			return
		}
		if ok && q.isInFlight(seq) {
			cursor = seq + 1
			continue
		}
		if !ok {
			// Nothing deliverable past the cursor: wait for an append,
			// the rescan tick, or shutdown.
			select {
			case <-q.runCtx.Done():
				return
			case <-q.notifyCh:
			case <-ticker.C:
				cursor = 0
			}
			continue
		}

		env, err := spill.DecodeEnvelope(payload)
		if err != nil {
			q.logger.Error("corrupt spill entry, dropping",
				log.Uint64("seq", seq), log.Err(err))
			q.removeEntry(seq)
			q.permits.Release()
			cursor = seq + 1
			continue
		}
		rec, err := q.cfg.Codec.Decode(env.Payload)
		if err != nil {
			q.logger.Error("undecodable spill entry, dropping",
				log.Uint64("seq", seq), log.Err(err))
			q.removeEntry(seq)
			q.permits.Release()
			cursor = seq + 1
			continue
		}

		if env.TryCount > 0 {
			// A persisted retry from a previous run: the scheduler owns it
			// from here; its delay schedule resumes from the stored count.
			var first time.Time
			if env.FirstAttemptMs > 0 {
				first = time.UnixMilli(env.FirstAttemptMs)
			}
			q.removeEntry(seq)
			if !q.sched.Schedule(rec, env.TryCount, first) {
				// Expired on re-read.
				q.permits.Release()
			}
			cursor = seq + 1
			continue
		}

		it := item[T]{rec: rec, seq: seq}
		q.markInFlight(seq)
		// A rescan can race a worker settling this entry between the peek
		// and the mark; once marked, the store is the tiebreaker.
		if k, _, still, _ := q.store.PeekFrom(seq); !still || k != seq {
			q.unmarkInFlight(seq)
			cursor = seq + 1
			continue
		}
		if err := q.ch.Put(q.runCtx, it); err != nil {
			q.unmarkInFlight(seq)
			return
		}
		cursor = seq + 1
	}
}

// removeEntry deletes a spill entry, logging rather than failing the pump on
// error; the entry will be retried by a later rescan if the delete did not
// land.
func (q *Queue[T]) removeEntry(seq uint64) {
	if err := q.store.Remove(q.runCtx, seq); err != nil {
		q.logger.Error("remove spill entry", log.Uint64("seq", seq), log.Err(err))
	}
}
