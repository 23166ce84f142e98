package worker

import (
	"context"
	"sync/atomic"
	"time"
)

// Func is the unit of work run by a worker. ctx is cancelled when the
// worker is cancelled; callables may ignore it, cancellation is cooperative.
type Func func(ctx context.Context) (interface{}, error)

// Option configures a single submission.
type Option func(*Handle)

// OnResult registers the callback for a successful iteration.
func OnResult(f func(h *Handle, result interface{})) Option {
	return func(h *Handle) { h.onResult = f }
}

// OnError registers the callback for a failed iteration.
func OnError(f func(h *Handle, failure *Failure)) Option {
	return func(h *Handle) { h.onError = f }
}

// OnFinished registers the callback fired after every iteration, after the
// result or error callback.
func OnFinished(f func(h *Handle)) Option {
	return func(h *Handle) { h.onFinished = f }
}

// Interval overrides the scheduler's inter-iteration delay for a repeating
// worker.
func Interval(d time.Duration) Option {
	return func(h *Handle) { h.interval = d }
}

// Handle is the caller's reference to a submitted worker.
type Handle struct {
	id       string
	name     string
	repeat   bool
	interval time.Duration
	fn       Func

	onResult   func(*Handle, interface{})
	onError    func(*Handle, *Failure)
	onFinished func(*Handle)

	ctx        context.Context
	cancelCtx  context.CancelFunc
	cancelled  atomic.Bool
	iterations atomic.Int64
	done       chan struct{}
}

// ID is a unique identifier for the worker.
func (h *Handle) ID() string { return h.id }

// Name is the caller-supplied label used in logs and failures.
func (h *Handle) Name() string { return h.name }

// Repeating reports whether the worker runs until cancelled.
func (h *Handle) Repeating() bool { return h.repeat }

// Cancel requests the worker to stop. It never interrupts an iteration in
// progress; no new iteration of a repeating worker starts afterwards.
func (h *Handle) Cancel() {
	h.cancelled.Store(true)
	h.cancelCtx()
}

// Cancelled reports whether Cancel has been called.
func (h *Handle) Cancelled() bool { return h.cancelled.Load() }

// Iterations returns the number of iterations started so far.
func (h *Handle) Iterations() int { return int(h.iterations.Load()) }

// Done is closed once the worker has run its last iteration and emitted its
// last callback.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until Done is closed or ctx ends.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
