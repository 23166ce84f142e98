// Package live keeps parameter readings fresh while the operator watches them.
// A Monitor polls one parameter on a repeating worker; while it runs, the
// tracked parameter is not editable from the interactive surface.
//
// Monitoring a parameter that a sweep is also driving is unsupported: both
// issue commands to the same instrument and the order of values is undefined.
package live

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/labsweep/internal/monitoring"
	"github.com/banshee-data/labsweep/internal/param"
	"github.com/banshee-data/labsweep/internal/timeutil"
	"github.com/banshee-data/labsweep/internal/worker"
)

var logf = monitoring.Component("live")

// Reading is the latest value of a monitored parameter.
type Reading struct {
	FullName string    `json:"full_name"`
	Value    float64   `json:"value"`
	Display  string    `json:"display"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}

// Option configures a Monitor or Board.
type Option func(*options)

type options struct {
	interval  time.Duration
	clock     timeutil.Clock
	onReading func(Reading)
}

// WithInterval sets the poll interval. Zero uses the scheduler default.
func WithInterval(d time.Duration) Option {
	return func(o *options) { o.interval = d }
}

// WithClock sets the clock used to timestamp readings.
func WithClock(c timeutil.Clock) Option {
	return func(o *options) { o.clock = c }
}

// OnReading registers a callback for every successful poll. It runs through
// the scheduler's dispatcher.
func OnReading(f func(Reading)) Option {
	return func(o *options) { o.onReading = f }
}

func newOptions(opts []Option) options {
	o := options{clock: timeutil.RealClock{}}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Monitor polls a single readable parameter.
type Monitor struct {
	sched    *worker.Scheduler
	dividers *param.Dividers
	opts     options

	mu      sync.Mutex
	tracked param.Handle
	w       *worker.Handle
	latest  Reading
	hasLast bool
}

// NewMonitor creates an idle Monitor. dividers may be nil.
func NewMonitor(sched *worker.Scheduler, dividers *param.Dividers, opts ...Option) *Monitor {
	if dividers == nil {
		dividers = param.NewDividers()
	}
	return &Monitor{sched: sched, dividers: dividers, opts: newOptions(opts)}
}

// Start begins polling h. Starting with the parameter already being polled is
// a no-op; a different parameter restarts the monitor.
func (m *Monitor) Start(h param.Handle) error {
	if h == nil {
		return fmt.Errorf("live start: nil parameter")
	}
	if !param.CanGet(h) {
		return fmt.Errorf("live start %s: %w", h.FullName(), param.ErrNotGettable)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.w != nil && !m.w.Cancelled() && m.tracked.FullName() == h.FullName() {
		return nil
	}
	if m.w != nil {
		m.w.Cancel()
		logf("switching from %s to %s", m.tracked.FullName(), h.FullName())
	}

	wopts := []worker.Option{
		worker.OnResult(func(_ *worker.Handle, v interface{}) {
			if r, ok := v.(Reading); ok && m.opts.onReading != nil {
				m.opts.onReading(r)
			}
		}),
	}
	if m.opts.interval > 0 {
		wopts = append(wopts, worker.Interval(m.opts.interval))
	}
	w, err := m.sched.SubmitRepeating("live "+h.FullName(), m.poller(h), wopts...)
	if err != nil {
		return fmt.Errorf("live start %s: %w", h.FullName(), err)
	}
	m.tracked = h
	m.w = w
	m.hasLast = false
	logf("monitoring %s", h.FullName())
	return nil
}

func (m *Monitor) poller(h param.Handle) worker.Func {
	name := h.FullName()
	return func(ctx context.Context) (interface{}, error) {
		// divider attachments made while monitoring take effect on the next poll
		resolved := m.dividers.Resolve(h)
		v, err := param.Get(resolved)
		r := Reading{FullName: name, At: m.opts.clock.Now()}
		if err != nil {
			r.Error = err.Error()
			m.store(h, r, true)
			return nil, fmt.Errorf("live %s: %w", name, err)
		}
		r.Value = v
		r.Display = param.Display(v)
		m.store(h, r, false)
		return r, nil
	}
}

func (m *Monitor) store(h param.Handle, r Reading, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tracked == nil || m.tracked.FullName() != h.FullName() {
		return
	}
	if failed && m.hasLast {
		m.latest.Error = r.Error
		m.latest.At = r.At
		return
	}
	m.latest = r
	m.hasLast = true
}

// Stop cancels polling. An in-flight poll completes; its value is kept as the
// latest reading.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.w == nil {
		return
	}
	m.w.Cancel()
	logf("stopped %s", m.tracked.FullName())
}

// StopAndWait stops polling and waits for the last poll to finish.
func (m *Monitor) StopAndWait(ctx context.Context) error {
	m.mu.Lock()
	w := m.w
	m.mu.Unlock()
	m.Stop()
	if w == nil {
		return nil
	}
	return w.Wait(ctx)
}

// Running reports whether the monitor is polling.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.w != nil && !m.w.Cancelled()
}

// Tracked returns the full name of the parameter being polled.
func (m *Monitor) Tracked() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.w == nil || m.w.Cancelled() {
		return "", false
	}
	return m.tracked.FullName(), true
}

// Editable reports whether fullName may be written from the interactive
// surface. The parameter being polled stays read-only until the last poll
// after Stop has finished.
func (m *Monitor) Editable(fullName string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.w == nil || m.tracked.FullName() != fullName {
		return true
	}
	select {
	case <-m.w.Done():
		return true
	default:
		return false
	}
}

// Latest returns the most recent reading.
func (m *Monitor) Latest() (Reading, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latest, m.hasLast
}

// Polls returns how many polls the current worker has started.
func (m *Monitor) Polls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.w == nil {
		return 0
	}
	return m.w.Iterations()
}
