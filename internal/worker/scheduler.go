// Package worker runs callables off the interactive goroutine on a bounded
// pool. A worker is one-shot or repeating; every iteration reports a result
// or a failure followed by a finished signal, and a repeating worker stops
// only when its cancel flag is observed before the next iteration.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/labsweep/internal/monitoring"
	"github.com/banshee-data/labsweep/internal/timeutil"
)

// ErrClosed is returned by Submit after Shutdown.
var ErrClosed = errors.New("scheduler is shut down")

// DefaultRepeatInterval is the delay between iterations of a repeating worker.
const DefaultRepeatInterval = 200 * time.Millisecond

var logf = monitoring.Component("worker")

// Scheduler is a fixed-size pool of goroutines fed by an unbounded FIFO
// queue. Submissions never block and never fail for lack of capacity. A
// repeating worker holds a pool goroutine only while an iteration runs; it is
// queued again once its interval has elapsed.
type Scheduler struct {
	size     int
	interval time.Duration
	clock    timeutil.Clock
	dispatch func(func())

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*Handle
	active map[string]*Handle
	closed bool

	wg sync.WaitGroup
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithPoolSize sets the number of pool goroutines.
func WithPoolSize(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n > 0 {
			s.size = n
		}
	}
}

// WithRepeatInterval sets the default inter-iteration delay.
func WithRepeatInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d >= 0 {
			s.interval = d
		}
	}
}

// WithClock replaces the clock used for inter-iteration delays.
func WithClock(c timeutil.Clock) SchedulerOption {
	return func(s *Scheduler) { s.clock = c }
}

// WithDispatcher routes every callback through dispatch, for example onto the
// interactive goroutine's event queue. dispatch must preserve call order.
// Without it callbacks run on the pool goroutine.
func WithDispatcher(dispatch func(func())) SchedulerOption {
	return func(s *Scheduler) { s.dispatch = dispatch }
}

// DefaultPoolSize is one goroutine per CPU, but never fewer than four.
func DefaultPoolSize() int {
	n := runtime.NumCPU()
	if n < 4 {
		n = 4
	}
	return n
}

// NewScheduler starts the pool.
func NewScheduler(opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		size:     DefaultPoolSize(),
		interval: DefaultRepeatInterval,
		clock:    timeutil.RealClock{},
		dispatch: func(f func()) { f() },
		active:   make(map[string]*Handle),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cond = sync.NewCond(&s.mu)

	s.wg.Add(s.size)
	for i := 0; i < s.size; i++ {
		go s.loop()
	}
	return s
}

// PoolSize returns the number of pool goroutines.
func (s *Scheduler) PoolSize() int { return s.size }

// SubmitOneShot schedules fn to run exactly once.
func (s *Scheduler) SubmitOneShot(name string, fn Func, opts ...Option) (*Handle, error) {
	return s.submit(name, false, fn, opts)
}

// SubmitRepeating schedules fn to run until the returned handle is cancelled.
func (s *Scheduler) SubmitRepeating(name string, fn Func, opts ...Option) (*Handle, error) {
	return s.submit(name, true, fn, opts)
}

func (s *Scheduler) submit(name string, repeat bool, fn Func, opts []Option) (*Handle, error) {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		id:        uuid.New().String(),
		name:      name,
		repeat:    repeat,
		interval:  s.interval,
		fn:        fn,
		ctx:       ctx,
		cancelCtx: cancel,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		cancel()
		return nil, fmt.Errorf("submit %q: %w", name, ErrClosed)
	}
	s.active[h.id] = h
	s.enqueueLocked(h)
	return h, nil
}

func (s *Scheduler) enqueueLocked(h *Handle) {
	s.queue = append(s.queue, h)
	s.cond.Signal()
}

// Cancel requests h to stop. It is equivalent to h.Cancel.
func (s *Scheduler) Cancel(h *Handle) {
	if h != nil {
		h.Cancel()
	}
}

// CancelAll cancels every queued and running worker.
func (s *Scheduler) CancelAll() {
	for _, h := range s.Active() {
		h.Cancel()
	}
}

// Active returns the workers that have been submitted and are not done.
func (s *Scheduler) Active() []*Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Handle, 0, len(s.active))
	for _, h := range s.active {
		out = append(out, h)
	}
	return out
}

// Shutdown stops accepting work, cancels every worker and waits for the pool
// to drain. Queued one-shot workers still run once; queued or waiting
// repeating workers run no further iterations.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for _, h := range s.active {
		h.Cancel()
	}
	s.cond.Broadcast()
	s.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler shutdown: %w", ctx.Err())
	}
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	for {
		h, ok := s.next()
		if !ok {
			return
		}
		s.execute(h)
	}
}

func (s *Scheduler) next() (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) == 0 && !s.closed {
		s.cond.Wait()
	}
	if len(s.queue) == 0 {
		return nil, false
	}
	h := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	return h, true
}

func (s *Scheduler) execute(h *Handle) {
	// checkpoint: an iteration never starts after Cancel
	if h.repeat && h.Cancelled() {
		s.retire(h)
		return
	}
	s.iterate(h)
	if !h.repeat || h.Cancelled() {
		s.retire(h)
		return
	}
	s.wg.Add(1)
	go s.rearm(h)
}

// rearm waits out h's interval off the pool and queues it for its next
// iteration.
func (s *Scheduler) rearm(h *Handle) {
	defer s.wg.Done()
	select {
	case <-s.clock.After(h.interval):
	case <-h.ctx.Done():
		s.retire(h)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.retire(h)
		return
	}
	s.enqueueLocked(h)
	s.mu.Unlock()
}

func (s *Scheduler) retire(h *Handle) {
	s.mu.Lock()
	delete(s.active, h.id)
	s.mu.Unlock()
	h.cancelCtx()
	// close through the dispatcher so Done follows the last callback
	s.dispatch(func() { close(h.done) })
}

func (s *Scheduler) iterate(h *Handle) {
	n := int(h.iterations.Add(1))
	result, failure := call(h, n)
	if failure != nil {
		logf("%s (%s) iteration %d failed: %v", h.name, failure.Kind, n, failure.Err)
		if h.onError != nil {
			s.dispatch(func() { h.onError(h, failure) })
		}
	} else if h.onResult != nil {
		s.dispatch(func() { h.onResult(h, result) })
	}
	if h.onFinished != nil {
		s.dispatch(func() { h.onFinished(h) })
	}
}

func call(h *Handle, n int) (result interface{}, failure *Failure) {
	defer func() {
		if r := recover(); r != nil {
			err, ok := r.(error)
			if !ok {
				err = fmt.Errorf("%v", r)
			}
			failure = &Failure{
				WorkerID:  h.id,
				Worker:    h.name,
				Iteration: n,
				Kind:      KindPanic,
				Err:       err,
				Trace:     string(debug.Stack()),
			}
		}
	}()

	res, err := h.fn(h.ctx)
	if err != nil {
		return nil, &Failure{
			WorkerID:  h.id,
			Worker:    h.name,
			Iteration: n,
			Kind:      KindError,
			Err:       err,
			Trace:     errorTrace(err),
		}
	}
	return res, nil
}
