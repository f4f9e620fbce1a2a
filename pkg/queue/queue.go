package queue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/rzbill/spillq/internal/retry"
	"github.com/rzbill/spillq/internal/spill"
	pebblestore "github.com/rzbill/spillq/internal/storage/pebble"
	"github.com/rzbill/spillq/internal/transfer"
	"github.com/rzbill/spillq/pkg/log"
	"github.com/rzbill/spillq/pkg/sem"
)

// State of a queue's lifecycle.
type State int32

const (
	StateCreated State = iota
	StateStarted
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarted:
		return "started"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// item is the unit flowing through the transfer channel. seq is the spill
// key, 0 for records that never touched disk.
type item[T any] struct {
	rec          T
	seq          uint64
	tryCount     uint32
	firstAttempt time.Time
}

// Queue is an embedded, persistent FIFO work queue for records of type T.
// A Queue is started once; after Stop it cannot be restarted (create a new
// instance against the same path instead).
type Queue[T any] struct {
	mu    sync.Mutex
	state atomic.Int32

	cfg     Config[T]
	logger  log.Logger
	permits *sem.Adjustable
	db      *pebblestore.DB
	store   *spill.Store
	ch      *transfer.Channel[item[T]]
	sched   *retry.Scheduler[T]
	metrics *queueMetrics
	gauges  []prometheus.Collector

	// live counts records in the channel or at a worker that are not
	// represented by a spill entry.
	live atomic.Int64

	inFlightMu sync.Mutex
	inFlight   map[uint64]struct{}

	notifyCh  chan struct{}
	fatalCh   chan error
	runCtx    context.Context
	runCancel context.CancelFunc
	pumpWG    sync.WaitGroup
	workers   *errgroup.Group
}

// New creates a queue in the created state.
func New[T any]() *Queue[T] {
	return &Queue[T]{
		notifyCh: make(chan struct{}, 1),
		fatalCh:  make(chan error, 1),
		inFlight: make(map[uint64]struct{}),
	}
}

// State returns the current lifecycle state.
func (q *Queue[T]) State() State { return State(q.state.Load()) }

// Fatal exposes unrecoverable background failures. A send is followed by an
// automatic Stop; the channel is buffered so nobody has to listen.
func (q *Queue[T]) Fatal() <-chan error { return q.fatalCh }

// Start opens the spill store, pre-acquires permits matching the on-disk
// backlog, and launches the worker pool, retry timekeeper, and pump.
// It fails unless the queue is in the created state.
func (q *Queue[T]) Start(cfg Config[T]) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	switch q.State() {
	case StateCreated:
	case StateStarted:
		return ErrAlreadyStarted
	default:
		return ErrStopped
	}

	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return err
	}
	q.cfg = cfg
	q.logger = cfg.Logger.WithComponent("queue").With(log.Str("queue", cfg.Name))

	db, err := pebblestore.Open(pebblestore.Options{
		DataDir: filepath.Join(cfg.Path, cfg.Name),
		Fsync:   cfg.Fsync,
	})
	if err != nil {
		return fmt.Errorf("%w: open store: %v", ErrIO, err)
	}
	store, err := spill.Open(db, cfg.Name)
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("%w: open spill: %v", ErrIO, err)
	}
	q.db = db
	q.store = store

	q.permits = sem.NewAdjustable(cfg.MaxQueueSize)
	spillCount := store.Size()
	for i := uint64(0); i < spillCount; i++ {
		if !q.permits.TryAcquire() {
			break
		}
	}

	q.metrics = newQueueMetrics(cfg.Registerer, cfg.Name)
	q.ch = transfer.New[item[T]](cfg.Workers)
	q.sched = retry.NewScheduler(cfg.retryPolicy(), cfg.MaxTries, clock.RealClock{}, q.requeue, q.expire)
	q.gauges = q.registerDepthGauges(cfg.Registerer)

	q.runCtx, q.runCancel = context.WithCancel(context.Background())

	q.workers = &errgroup.Group{}
	for i := 0; i < cfg.Workers; i++ {
		q.workers.Go(q.workerLoop)
	}
	q.pumpWG.Add(1)
	go q.pumpLoop()

	registerShutdown(q)
	q.state.Store(int32(StateStarted))
	q.logger.Info("queue started",
		log.Int("workers", cfg.Workers),
		log.Uint64("spill_backlog", spillCount),
		log.Int("max_queue_size", cfg.MaxQueueSize))
	return nil
}

// Submit enqueues a record without blocking. It fails with ErrQueueFull when
// no admission permit is available.
func (q *Queue[T]) Submit(rec T) error {
	if err := q.checkStarted(); err != nil {
		return err
	}
	if !q.permits.TryAcquire() {
		return ErrQueueFull
	}
	return q.enqueue(rec)
}

// SubmitWait enqueues a record, blocking on permit acquisition up to timeout.
// A timeout of 0 means wait as long as ctx allows. Blocked calls wake with
// ErrInterrupted when the queue stops.
func (q *Queue[T]) SubmitWait(ctx context.Context, rec T, timeout time.Duration) error {
	if err := q.checkStarted(); err != nil {
		return err
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := q.permits.Acquire(ctx); err != nil {
		switch {
		case errors.Is(err, sem.ErrClosed):
			return ErrInterrupted
		case errors.Is(err, context.DeadlineExceeded):
			return ErrQueueFull
		default:
			return fmt.Errorf("%w: %v", ErrInterrupted, err)
		}
	}
	if q.State() != StateStarted {
		q.permits.Release()
		return ErrStopped
	}
	return q.enqueue(rec)
}

// enqueue owns one acquired permit and either hands the record off or
// releases the permit alongside the returned error.
func (q *Queue[T]) enqueue(rec T) error {
	payload, err := q.cfg.Codec.Encode(rec)
	if err != nil {
		q.permits.Release()
		return fmt.Errorf("%w: encode: %v", ErrIO, err)
	}

	// Fast path only when nothing is spilled, so disk order stays FIFO.
	if q.store.Size() == 0 {
		if q.ch.Offer(item[T]{rec: rec}) {
			q.live.Add(1)
			q.metrics.submitted.Inc()
			q.metrics.fastPath.Inc()
			return nil
		}
	}

	env := spill.EncodeEnvelope(spill.Envelope{Payload: payload})
	seq, err := q.store.Append(q.runCtx, env)
	if err != nil {
		q.permits.Release()
		if errors.Is(err, spill.ErrNoSpace) {
			return fmt.Errorf("%w: %v", ErrNoSpace, err)
		}
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	q.metrics.submitted.Inc()
	q.metrics.spilled.Inc()
	q.logger.Debug("record spilled", log.Uint64("seq", seq))
	q.notifyPump()
	return nil
}

// Size returns the number of live records: spilled, waiting in retry, or in
// memory between handoff and verdict.
func (q *Queue[T]) Size() uint64 {
	if q.State() == StateCreated {
		return 0
	}
	n := int64(q.store.Size()) + int64(q.sched.Len()) + q.live.Load()
	if n < 0 {
		n = 0
	}
	return uint64(n)
}

// AvailablePermits returns the current admission headroom.
func (q *Queue[T]) AvailablePermits() int {
	if q.permits == nil {
		return 0
	}
	return q.permits.Available()
}

// SetMaxQueueSize resizes the admission ceiling at runtime. Shrinking does
// not cancel held permits; they drain naturally.
func (q *Queue[T]) SetMaxQueueSize(n int) {
	if q.permits != nil && n >= 0 {
		q.permits.SetMax(n)
	}
}

// Stop shuts the queue down: new submits fail, blocked submits wake, workers
// drain their in-flight records, pending retries are persisted with their
// try counts, and the store is closed. Idempotent once stopping has begun.
func (q *Queue[T]) Stop() error {
	q.mu.Lock()
	switch q.State() {
	case StateCreated:
		q.mu.Unlock()
		return ErrNotStarted
	case StateStopping, StateStopped:
		q.mu.Unlock()
		return nil
	}
	q.state.Store(int32(StateStopping))
	q.mu.Unlock()

	q.logger.Info("queue stopping")
	q.permits.Close()
	q.runCancel()
	q.pumpWG.Wait()
	q.ch.Close()
	_ = q.workers.Wait()

	// Persist whatever the scheduler still holds, try counts intact.
	tasks := q.sched.Drain()
	for _, task := range tasks {
		if err := q.persistRetry(task.Record, task.TryCount, task.FirstAttempt); err != nil {
			q.logger.Error("persist pending retry", log.Err(err))
		}
	}
	if len(tasks) > 0 {
		q.logger.Info("persisted pending retries", log.Int("count", len(tasks)))
	}

	err := q.db.Close()
	if err != nil {
		err = fmt.Errorf("%w: close store: %v", ErrIO, err)
	}
	for _, c := range q.gauges {
		q.cfg.Registerer.Unregister(c)
	}
	q.permits.Reset()
	deregisterShutdown(q)
	q.state.Store(int32(StateStopped))
	q.logger.Info("queue stopped")
	return err
}

// requeue is the retry timekeeper's delivery path. It bypasses admission
// (the permit was never released). During shutdown the handoff fails and the
// record is persisted instead, try count preserved.
func (q *Queue[T]) requeue(task retry.Task[T]) {
	defer q.recoverFatal("retry requeue")
	it := item[T]{rec: task.Record, tryCount: task.TryCount, firstAttempt: task.FirstAttempt}
	if err := q.ch.Put(q.runCtx, it); err != nil {
		if perr := q.persistRetry(task.Record, task.TryCount, task.FirstAttempt); perr != nil {
			q.logger.Error("persist retry during shutdown", log.Err(perr))
		}
		return
	}
	q.live.Add(1)
}

// expire runs when a record exhausts MaxTries.
func (q *Queue[T]) expire(rec T) {
	q.metrics.expired.Inc()
	if q.cfg.Expiration != nil {
		q.cfg.Expiration(rec)
	}
}

func (q *Queue[T]) persistRetry(rec T, tryCount uint32, firstAttempt time.Time) error {
	payload, err := q.cfg.Codec.Encode(rec)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	env := spill.Envelope{TryCount: tryCount, Payload: payload}
	if !firstAttempt.IsZero() {
		env.FirstAttemptMs = firstAttempt.UnixMilli()
	}
	_, err = q.store.Append(context.Background(), spill.EncodeEnvelope(env))
	return err
}

func (q *Queue[T]) checkStarted() error {
	switch q.State() {
	case StateStarted:
		return nil
	case StateCreated:
		return ErrNotStarted
	default:
		return ErrStopped
	}
}

func (q *Queue[T]) notifyPump() {
	select {
	case q.notifyCh <- struct{}{}:
	default:
	}
}

// fatal reports an unrecoverable background failure and tears the queue down.
func (q *Queue[T]) fatal(err error) {
	select {
	case q.fatalCh <- err:
	default:
	}
	q.logger.Error("fatal background failure", log.Err(err))
	go func() { _ = q.Stop() }()
}

func (q *Queue[T]) recoverFatal(where string) {
	if r := recover(); r != nil {
		q.fatal(fmt.Errorf("panic in %s: %v", where, r))
	}
}

func (q *Queue[T]) markInFlight(seq uint64) {
	q.inFlightMu.Lock()
	q.inFlight[seq] = struct{}{}
	q.inFlightMu.Unlock()
}

func (q *Queue[T]) unmarkInFlight(seq uint64) {
	q.inFlightMu.Lock()
	delete(q.inFlight, seq)
	q.inFlightMu.Unlock()
}

func (q *Queue[T]) isInFlight(seq uint64) bool {
	q.inFlightMu.Lock()
	_, ok := q.inFlight[seq]
	q.inFlightMu.Unlock()
	return ok
}
