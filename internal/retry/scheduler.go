package retry

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"
)

// Task is a record waiting for its next attempt.
type Task[T any] struct {
	Record T
	// TryCount is the number of attempts already made, including the one
	// whose failure scheduled this task.
	TryCount     uint32
	FirstAttempt time.Time

	at      time.Time
	arrival uint64
}

// NextAttemptAt returns the scheduled attempt time.
func (t *Task[T]) NextAttemptAt() time.Time { return t.at }

// Scheduler holds failed records in a min-heap keyed on their next attempt
// time and fires them through a single timekeeper goroutine. Other goroutines
// only post to it; the heap itself is confined behind the mutex.
type Scheduler[T any] struct {
	policy   Policy
	maxTries uint32
	clock    clock.Clock
	fire     func(Task[T])
	expire   func(T)

	mu        sync.Mutex
	tasks     taskHeap[T]
	arrival   uint64
	runningCh chan struct{}
	resetCh   chan struct{}
	stopCh    chan struct{}
	wg        sync.WaitGroup
	stopped   atomic.Bool
}

// NewScheduler creates a Scheduler. fire is invoked in a background goroutine
// when a task comes due; expire (optional) is invoked when a record exceeds
// maxTries. A maxTries of 0 retries forever.
func NewScheduler[T any](policy Policy, maxTries uint32, clk clock.Clock, fire func(Task[T]), expire func(T)) *Scheduler[T] {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Scheduler[T]{
		policy:    policy,
		maxTries:  maxTries,
		clock:     clk,
		fire:      fire,
		expire:    expire,
		runningCh: make(chan struct{}, 1),
		resetCh:   make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
}

// Schedule applies the retry decision for a record whose latest attempt
// failed after `tryCount` earlier attempts. It returns false when the record was expired (maxTries
// reached) or the scheduler is stopped; true when a retry was scheduled.
func (s *Scheduler[T]) Schedule(record T, tryCount uint32, firstAttempt time.Time) bool {
	if s.stopped.Load() {
		return false
	}
	if s.maxTries > 0 && tryCount+1 >= s.maxTries {
		if s.expire != nil {
			s.expire(record)
		}
		return false
	}

	delay := s.policy.DelayFor(tryCount)
	task := &Task[T]{
		Record:       record,
		TryCount:     tryCount + 1,
		FirstAttempt: firstAttempt,
		at:           s.clock.Now().Add(delay),
	}

	s.mu.Lock()
	s.arrival++
	task.arrival = s.arrival
	heap.Push(&s.tasks, task)
	isFirst := s.tasks[0] == task
	s.process(isFirst)
	s.mu.Unlock()
	return true
}

// Len reports the number of pending tasks.
func (s *Scheduler[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Close stops the timekeeper. Blocks until the loop exits. Idempotent.
func (s *Scheduler[T]) Close() {
	defer s.wg.Wait()
	if s.stopped.CompareAndSwap(false, true) {
		close(s.stopCh)
		s.runningCh <- struct{}{}
	}
}

// Drain stops the scheduler and returns every pending task, ordered by
// attempt time, so the caller can persist them with TryCount preserved.
func (s *Scheduler[T]) Drain() []Task[T] {
	s.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Task[T], 0, len(s.tasks))
	for len(s.tasks) > 0 {
		t := heap.Pop(&s.tasks).(*Task[T])
		out = append(out, *t)
	}
	return out
}

// process starts the timekeeper loop if idle, or nudges it when a new
// earliest deadline arrived. Caller must hold the lock.
func (s *Scheduler[T]) process(isFirst bool) {
	select {
	case s.runningCh <- struct{}{}:
	default:
		if isFirst {
			select {
			case s.resetCh <- struct{}{}:
			default:
			}
		}
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
}

func (s *Scheduler[T]) loop() {
	defer func() { <-s.runningCh }()

	for {
		s.mu.Lock()
		var next *Task[T]
		if len(s.tasks) > 0 {
			next = s.tasks[0]
		}
		s.mu.Unlock()
		if next == nil {
			return
		}

		select {
		case <-s.stopCh:
			return
		case <-s.resetCh:
			continue
		default:
		}

		deadline := next.at.Sub(s.clock.Now())
		if deadline < 500*time.Microsecond {
			s.execute(next)
			continue
		}

		t := s.clock.NewTimer(deadline)
		select {
		case <-t.C():
			s.execute(next)
		case <-s.resetCh:
			continue
		case <-s.stopCh:
			if !t.Stop() {
				<-t.C()
			}
			return
		}
	}
}

func (s *Scheduler[T]) execute(task *Task[T]) {
	s.mu.Lock()
	if len(s.tasks) == 0 || s.tasks[0] != task {
		// The head changed while we slept; restart the loop.
		s.mu.Unlock()
		return
	}
	heap.Pop(&s.tasks)
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.fire(*task)
	}()
}

type taskHeap[T any] []*Task[T]

func (h taskHeap[T]) Len() int { return len(h) }
func (h taskHeap[T]) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].arrival < h[j].arrival
	}
	return h[i].at.Before(h[j].at)
}
func (h taskHeap[T]) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *taskHeap[T]) Push(x any)   { *h = append(*h, x.(*Task[T])) }
func (h *taskHeap[T]) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}
