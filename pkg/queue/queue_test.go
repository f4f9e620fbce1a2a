package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rzbill/spillq/internal/spill"
	pebblestore "github.com/rzbill/spillq/internal/storage/pebble"
	"github.com/rzbill/spillq/pkg/log"
)

type rec struct {
	ID int `json:"id"`
}

func baseConfig(t *testing.T, consumer Consumer[rec]) Config[rec] {
	t.Helper()
	return Config[rec]{
		Name:              "test",
		Path:              t.TempDir(),
		Consumer:          consumer,
		Workers:           4,
		RetryDelay:        time.Millisecond,
		PersistRetryDelay: 20 * time.Millisecond,
		Fsync:             pebblestore.FsyncModeNever,
		Logger:            log.NewNopLogger(),
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", msg)
}

func TestSubmitConsumeAll(t *testing.T) {
	var consumed atomic.Int64
	cfg := baseConfig(t, ConsumerFunc[rec](func(d Delivery[rec]) Verdict {
		consumed.Add(1)
		return Success
	}))
	cfg.MaxQueueSize = 100

	q := New[rec]()
	if err := q.Start(cfg); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = q.Stop() }()

	for i := 0; i < 500; i++ {
		if err := q.SubmitWait(context.Background(), rec{ID: i}, time.Second); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	waitFor(t, func() bool { return consumed.Load() == 500 }, "all records consumed")
	waitFor(t, func() bool { return q.Size() == 0 }, "queue to drain")
	waitFor(t, func() bool { return q.AvailablePermits() == 100 }, "all permits released")
}

func TestSpillPreservesFIFO(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	var order []int
	cfg := baseConfig(t, ConsumerFunc[rec](func(d Delivery[rec]) Verdict {
		<-release
		mu.Lock()
		order = append(order, d.Record.ID)
		mu.Unlock()
		return Success
	}))
	cfg.Workers = 1

	q := New[rec]()
	if err := q.Start(cfg); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = q.Stop() }()

	for i := 0; i < 20; i++ {
		if err := q.Submit(rec{ID: i}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	close(release)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 20
	}, "all records consumed")

	mu.Lock()
	defer mu.Unlock()
	// The fast-path record (ID 0) and the spilled tail must each be in
	// order; with one worker and one producer the whole run is ordered.
	for i, id := range order {
		if id != i {
			t.Fatalf("order[%d] = %d, full order %v", i, id, order)
		}
	}
}

func TestFixedRetriesSeenExactly(t *testing.T) {
	var mu sync.Mutex
	seen := map[int]uint32{}
	var successes atomic.Int64
	cfg := baseConfig(t, ConsumerFunc[rec](func(d Delivery[rec]) Verdict {
		mu.Lock()
		seen[d.Record.ID]++
		mu.Unlock()
		if d.TryCount < 2 {
			return FailRequeue
		}
		successes.Add(1)
		return Success
	}))
	cfg.MaxTries = 3
	cfg.RetryAlgorithm = RetryFixed
	cfg.MaxQueueSize = 100

	q := New[rec]()
	if err := q.Start(cfg); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = q.Stop() }()

	const n = 100
	for i := 0; i < n; i++ {
		if err := q.SubmitWait(context.Background(), rec{ID: i}, time.Second); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	waitFor(t, func() bool { return successes.Load() == n }, "all records to succeed")
	waitFor(t, func() bool { return q.Size() == 0 }, "queue to drain")

	mu.Lock()
	defer mu.Unlock()
	for id, count := range seen {
		if count != 3 {
			t.Fatalf("record %d consumed %d times, want 3", id, count)
		}
	}
}

func TestExponentialBackoffExpires(t *testing.T) {
	var attempts atomic.Int64
	var mu sync.Mutex
	var attemptTimes []time.Time
	expired := make(chan rec, 1)
	cfg := baseConfig(t, ConsumerFunc[rec](func(d Delivery[rec]) Verdict {
		attempts.Add(1)
		mu.Lock()
		attemptTimes = append(attemptTimes, time.Now())
		mu.Unlock()
		return FailRequeue
	}))
	cfg.MaxTries = 6
	cfg.RetryAlgorithm = RetryExponential
	cfg.RetryDelay = 10 * time.Millisecond
	cfg.MaxRetryDelay = 80 * time.Millisecond
	cfg.Expiration = func(r rec) { expired <- r }

	q := New[rec]()
	if err := q.Start(cfg); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = q.Stop() }()

	if err := q.Submit(rec{ID: 7}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	select {
	case r := <-expired:
		if r.ID != 7 {
			t.Fatalf("expired record = %+v", r)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("expiration not invoked")
	}
	if got := attempts.Load(); got != 6 {
		t.Fatalf("attempts = %d, want 6", got)
	}

	// Scheduled gaps are 10,20,40,80,80ms; allow generous scheduler jitter
	// but verify each gap is at least its configured floor.
	mu.Lock()
	defer mu.Unlock()
	floors := []time.Duration{10, 20, 40, 80, 80}
	for i := 0; i < 5; i++ {
		gap := attemptTimes[i+1].Sub(attemptTimes[i])
		if gap < floors[i]*time.Millisecond {
			t.Fatalf("gap %d = %v, want >= %vms", i, gap, floors[i])
		}
	}
}

func TestRecoveryFromSpill(t *testing.T) {
	dir := t.TempDir()

	// Simulate a previous run that spilled records and crashed: write
	// envelopes straight into the store the queue will open.
	db, err := pebblestore.Open(pebblestore.Options{DataDir: dir + "/orders", Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	st, err := spill.Open(db, "orders")
	if err != nil {
		t.Fatalf("open spill: %v", err)
	}
	codec := JSONCodec[rec]{}
	for i := 0; i < 50; i++ {
		payload, _ := codec.Encode(rec{ID: i})
		env := spill.Envelope{Payload: payload}
		if i%10 == 0 {
			// Persisted retries re-enter the scheduler, not the channel.
			env.TryCount = 1
		}
		if _, err := st.Append(context.Background(), spill.EncodeEnvelope(env)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	hold := make(chan struct{})
	var consumed atomic.Int64
	cfg := baseConfig(t, ConsumerFunc[rec](func(d Delivery[rec]) Verdict {
		<-hold
		consumed.Add(1)
		return Success
	}))
	cfg.Name = "orders"
	cfg.Path = dir
	cfg.MaxQueueSize = 100

	q := New[rec]()
	if err := q.Start(cfg); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = q.Stop() }()

	// Backlog pre-acquires permits; nothing is released while the
	// consumer is held.
	if q.AvailablePermits() != 50 {
		t.Fatalf("available permits = %d, want 50", q.AvailablePermits())
	}
	close(hold)

	waitFor(t, func() bool { return consumed.Load() == 50 }, "all recovered records consumed")
	waitFor(t, func() bool { return q.Size() == 0 }, "spill to drain")
	waitFor(t, func() bool { return q.AvailablePermits() == 100 }, "permits restored")
}

func TestBackpressureNoLossNoDuplicates(t *testing.T) {
	var mu sync.Mutex
	seen := map[int]int{}
	cfg := baseConfig(t, ConsumerFunc[rec](func(d Delivery[rec]) Verdict {
		time.Sleep(2 * time.Millisecond)
		mu.Lock()
		seen[d.Record.ID]++
		mu.Unlock()
		return Success
	}))
	cfg.Workers = 1
	cfg.MaxQueueSize = 5

	q := New[rec]()
	if err := q.Start(cfg); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = q.Stop() }()

	const producers = 3
	const perProducer = 100
	var accepted, full atomic.Int64
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				err := q.SubmitWait(context.Background(), rec{ID: p*perProducer + i}, time.Millisecond)
				switch {
				case err == nil:
					accepted.Add(1)
				case errors.Is(err, ErrQueueFull):
					full.Add(1)
				default:
					t.Errorf("submit: %v", err)
				}
			}
		}(p)
	}
	wg.Wait()

	if got := accepted.Load() + full.Load(); got != producers*perProducer {
		t.Fatalf("accepted+full = %d, want %d", got, producers*perProducer)
	}
	waitFor(t, func() bool { return q.Size() == 0 }, "queue to drain")

	mu.Lock()
	defer mu.Unlock()
	var total int
	for id, count := range seen {
		if count != 1 {
			t.Fatalf("record %d consumed %d times", id, count)
		}
		total++
	}
	if int64(total) != accepted.Load() {
		t.Fatalf("consumed %d distinct records, accepted %d", total, accepted.Load())
	}
}

func TestStopWakesBlockedSubmit(t *testing.T) {
	block := make(chan struct{})
	cfg := baseConfig(t, ConsumerFunc[rec](func(d Delivery[rec]) Verdict {
		<-block
		return Success
	}))
	cfg.Workers = 1
	cfg.MaxQueueSize = 1

	q := New[rec]()
	if err := q.Start(cfg); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := q.Submit(rec{ID: 1}); err != nil {
		t.Fatalf("first submit: %v", err)
	}

	subErr := make(chan error, 1)
	go func() {
		subErr <- q.SubmitWait(context.Background(), rec{ID: 2}, time.Minute)
	}()
	time.Sleep(20 * time.Millisecond)

	stopDone := make(chan error, 1)
	go func() { stopDone <- q.Stop() }()

	select {
	case err := <-subErr:
		if !errors.Is(err, ErrInterrupted) {
			t.Fatalf("blocked submit woke with %v, want ErrInterrupted", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("blocked submit not interrupted by stop")
	}

	close(block) // let the in-flight consume finish
	select {
	case err := <-stopDone:
		if err != nil {
			t.Fatalf("stop: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("stop did not complete")
	}
}

func TestStopPersistsPendingRetries(t *testing.T) {
	dir := t.TempDir()
	cfg := baseConfig(t, ConsumerFunc[rec](func(d Delivery[rec]) Verdict {
		return FailRequeue
	}))
	cfg.Path = dir
	cfg.RetryDelay = time.Hour // park retries in the scheduler

	q := New[rec]()
	if err := q.Start(cfg); err != nil {
		t.Fatalf("start: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := q.Submit(rec{ID: i}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	waitFor(t, func() bool { return q.sched.Len() == 3 }, "retries parked in scheduler")
	if err := q.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	db, err := pebblestore.Open(pebblestore.Options{DataDir: dir + "/test", Fsync: pebblestore.FsyncModeNever})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()
	st, err := spill.Open(db, "test")
	if err != nil {
		t.Fatalf("open spill: %v", err)
	}
	if st.Size() != 3 {
		t.Fatalf("persisted entries = %d, want 3", st.Size())
	}
	var cursor uint64
	for {
		seq, payload, ok, err := st.PeekFrom(cursor)
		if err != nil {
			t.Fatalf("peek: %v", err)
		}
		if !ok {
			break
		}
		env, err := spill.DecodeEnvelope(payload)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if env.TryCount != 1 {
			t.Fatalf("entry %d try count = %d, want 1", seq, env.TryCount)
		}
		cursor = seq + 1
	}
}

func TestLifecycleErrors(t *testing.T) {
	q := New[rec]()

	if err := q.Submit(rec{}); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("submit before start: %v", err)
	}
	if err := q.Stop(); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("stop before start: %v", err)
	}

	cfg := baseConfig(t, ConsumerFunc[rec](func(Delivery[rec]) Verdict { return Success }))
	if err := q.Start(cfg); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := q.Start(cfg); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second start: %v", err)
	}
	if err := q.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := q.Stop(); err != nil {
		t.Fatalf("stop must be idempotent: %v", err)
	}
	if err := q.Start(cfg); !errors.Is(err, ErrStopped) {
		t.Fatalf("start after stop: %v", err)
	}
	if err := q.Submit(rec{}); !errors.Is(err, ErrStopped) {
		t.Fatalf("submit after stop: %v", err)
	}
}

func TestInvalidConfig(t *testing.T) {
	consumer := ConsumerFunc[rec](func(Delivery[rec]) Verdict { return Success })
	cases := map[string]Config[rec]{
		"missing name":     {Path: "/tmp/x", Consumer: consumer},
		"missing path":     {Name: "q", Consumer: consumer},
		"missing consumer": {Name: "q", Path: "/tmp/x"},
		"negative size":    {Name: "q", Path: "/tmp/x", Consumer: consumer, MaxQueueSize: -1},
	}
	for name, cfg := range cases {
		q := New[rec]()
		if err := q.Start(cfg); !errors.Is(err, ErrInvalidArg) {
			t.Fatalf("%s: err = %v, want ErrInvalidArg", name, err)
		}
	}
}

func TestQueueFullNonBlocking(t *testing.T) {
	block := make(chan struct{})
	cfg := baseConfig(t, ConsumerFunc[rec](func(Delivery[rec]) Verdict {
		<-block
		return Success
	}))
	cfg.Workers = 1
	cfg.MaxQueueSize = 2

	q := New[rec]()
	if err := q.Start(cfg); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() {
		close(block)
		_ = q.Stop()
	}()

	if err := q.Submit(rec{ID: 1}); err != nil {
		t.Fatalf("submit 1: %v", err)
	}
	if err := q.Submit(rec{ID: 2}); err != nil {
		t.Fatalf("submit 2: %v", err)
	}
	if err := q.Submit(rec{ID: 3}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("submit 3: %v, want ErrQueueFull", err)
	}
}

func TestConsumerPanicIsFailNoQueue(t *testing.T) {
	var calls atomic.Int64
	cfg := baseConfig(t, ConsumerFunc[rec](func(d Delivery[rec]) Verdict {
		calls.Add(1)
		panic("boom")
	}))
	cfg.MaxQueueSize = 10

	q := New[rec]()
	if err := q.Start(cfg); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = q.Stop() }()

	if err := q.Submit(rec{ID: 1}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitFor(t, func() bool { return calls.Load() == 1 }, "consumer invoked")
	// Panic settles the record: permit released, nothing retried.
	waitFor(t, func() bool { return q.AvailablePermits() == 10 }, "permit released after panic")
	if q.Size() != 0 {
		t.Fatalf("size = %d after panic settle", q.Size())
	}
}
