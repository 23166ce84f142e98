// Package sweep runs parameter sweeps on a background worker. A sweep writes
// each setpoint, waits for the settle delay, evaluates its actions in order and
// finally checks whether a stop was requested. At most one sweep runs at a
// time.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/labsweep/internal/monitoring"
	"github.com/banshee-data/labsweep/internal/param"
	"github.com/banshee-data/labsweep/internal/timeutil"
	"github.com/banshee-data/labsweep/internal/worker"
)

var (
	// ErrAlreadyRunning is returned by Run while another sweep is active.
	ErrAlreadyRunning = errors.New("sweep already in progress")
	// ErrAborted unwinds a run after a stop request. It never leaves Runner.
	ErrAborted = errors.New("sweep aborted")
)

var logf = monitoring.Component("sweep")

// Status represents the state of a sweep run.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusAborted  Status = "aborted"
	StatusError    Status = "error"
)

// State is a snapshot of the runner.
type State struct {
	Status      Status     `json:"status"`
	Name        string     `json:"name,omitempty"`
	RunID       string     `json:"run_id,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Step        int        `json:"step"`
	TotalSteps  int        `json:"total_steps"`
	Points      int        `json:"points"`
	Setpoints   []Setpoint `json:"setpoints,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Run is a sweep submitted to the scheduler.
type Run struct {
	Data DataHandle

	def  *Definition
	done chan struct{}
	err  error
}

// Done is closed when the run has finished and its data has been finalised.
func (r *Run) Done() <-chan struct{} { return r.done }

// Wait blocks until the run finishes and returns its error. An aborted run
// returns nil.
func (r *Run) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the run's error once Done is closed.
func (r *Run) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// Runner executes sweeps one at a time on a worker scheduler.
type Runner struct {
	sched    *worker.Scheduler
	dividers *param.Dividers
	rec      Recorder
	clock    timeutil.Clock

	stop       atomic.Bool
	onFinished []func(State)

	mu      sync.RWMutex
	state   State
	current *Run
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithClock replaces the clock used for settle delays and timestamps.
func WithClock(c timeutil.Clock) RunnerOption {
	return func(r *Runner) { r.clock = c }
}

// OnFinished registers f to be called with the final state once a run has
// completed, aborted or failed. Hooks run on the run's worker before Wait
// returns.
func OnFinished(f func(State)) RunnerOption {
	return func(r *Runner) { r.onFinished = append(r.onFinished, f) }
}

// NewRunner creates a Runner. dividers may be nil; rec defaults to a
// MemoryRecorder.
func NewRunner(sched *worker.Scheduler, dividers *param.Dividers, rec Recorder, opts ...RunnerOption) *Runner {
	if dividers == nil {
		dividers = param.NewDividers()
	}
	if rec == nil {
		rec = NewMemoryRecorder()
	}
	r := &Runner{
		sched:    sched,
		dividers: dividers,
		rec:      rec,
		clock:    timeutil.RealClock{},
		state:    State{Status: StatusIdle},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// State returns a copy of the current state.
func (r *Runner) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state := r.state
	state.Setpoints = append([]Setpoint(nil), r.state.Setpoints...)
	return state
}

// Running reports whether a sweep is active.
func (r *Runner) Running() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.Status == StatusRunning
}

// Current returns the active or most recent run.
func (r *Runner) Current() *Run {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Sweeping reports whether the active run sets fullName at any nesting level.
func (r *Runner) Sweeping(fullName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.state.Status != StatusRunning || r.current == nil {
		return false
	}
	return r.current.def.sweeps(fullName)
}

// RequestStop asks the active sweep to stop at its next stop check. The
// request is cleared when the next run starts.
func (r *Runner) RequestStop() {
	r.stop.Store(true)
	logf("stop requested")
}

// StopRequested reports whether a stop is pending.
func (r *Runner) StopRequested() bool { return r.stop.Load() }

// Run validates def and submits it to the scheduler under name. It returns
// immediately; the returned Run reports completion. A second call while a
// sweep is active fails with ErrAlreadyRunning and nothing is queued.
func (r *Runner) Run(def *Definition, name string) (*Run, error) {
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("run %q: %w", name, err)
	}

	r.mu.Lock()
	if r.state.Status == StatusRunning {
		r.mu.Unlock()
		return nil, fmt.Errorf("run %q: %w", name, ErrAlreadyRunning)
	}

	data, err := r.rec.Begin(name, def)
	if err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("run %q: begin recording: %w", name, err)
	}

	r.stop.Store(false)
	now := r.clock.Now()
	run := &Run{Data: data, def: def, done: make(chan struct{})}
	r.current = run
	r.state = State{
		Status:     StatusRunning,
		Name:       name,
		RunID:      data.ID,
		StartedAt:  &now,
		TotalSteps: def.Steps,
	}
	r.mu.Unlock()

	_, err = r.sched.SubmitOneShot("sweep "+name, func(ctx context.Context) (interface{}, error) {
		return data, r.execute(run)
	})
	if err != nil {
		r.finish(run, fmt.Errorf("run %q: %w", name, err))
		return nil, fmt.Errorf("run %q: %w", name, err)
	}
	logf("started %s (%d steps)", name, def.Steps)
	return run, nil
}

func (r *Runner) execute(run *Run) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("run %q: panic: %v", run.Data.Name, p)
			r.finish(run, err)
			panic(p)
		}
	}()

	e := &execution{runner: r, run: run}
	err = e.sweep(run.def, 0)
	if errors.Is(err, ErrAborted) {
		err = nil
		e.aborted = true
	}
	r.finishWith(run, err, e.aborted)
	return err
}

func (r *Runner) finish(run *Run, err error) { r.finishWith(run, err, false) }

func (r *Runner) finishWith(run *Run, err error, aborted bool) {
	status := StatusComplete
	switch {
	case err != nil:
		status = StatusError
	case aborted:
		status = StatusAborted
	}

	if recErr := r.rec.Finish(run.Data, status, err); recErr != nil {
		logf("finish recording %s: %v", run.Data.Name, recErr)
	}

	now := r.clock.Now()
	r.mu.Lock()
	r.state.Status = status
	r.state.CompletedAt = &now
	if err != nil {
		r.state.Error = err.Error()
	}
	final := r.state
	final.Setpoints = append([]Setpoint(nil), r.state.Setpoints...)
	r.mu.Unlock()

	switch status {
	case StatusError:
		logf("%s failed: %v", run.Data.Name, err)
	case StatusAborted:
		logf("%s aborted", run.Data.Name)
	default:
		logf("%s complete", run.Data.Name)
	}

	for _, f := range r.onFinished {
		f(final)
	}

	run.err = err
	close(run.done)
}

// execution carries the per-run cursor through nested levels.
type execution struct {
	runner    *Runner
	run       *Run
	setpoints []Setpoint
	seq       int
	aborted   bool
}

func (e *execution) sweep(def *Definition, depth int) error {
	r := e.runner
	name := e.run.Data.Name
	swept := r.dividers.Resolve(def.Swept)
	column := columnName(swept)

	for i, v := range def.Values() {
		if err := param.Set(swept, v); err != nil {
			return fmt.Errorf("sweep %q level %d step %d: %w", name, depth, i, err)
		}
		if def.Delay > 0 {
			r.clock.Sleep(def.Delay)
		}

		e.setpoints = append(e.setpoints[:depth], Setpoint{Param: column, Value: v})
		r.progress(depth, i, e.setpoints)

		for _, a := range def.Actions {
			switch act := a.(type) {
			case Read:
				h := r.dividers.Resolve(act.Param)
				val, err := param.Get(h)
				if err != nil {
					return fmt.Errorf("sweep %q level %d step %d: %w", name, depth, i, err)
				}
				if err := e.record(columnName(h), val); err != nil {
					return fmt.Errorf("sweep %q level %d step %d: %w", name, depth, i, err)
				}
			case Nested:
				if err := e.sweep(act.Sweep, depth+1); err != nil {
					return err
				}
			case Task:
				if act.IsStopCheck() {
					if r.stop.Load() {
						return ErrAborted
					}
					continue
				}
				if err := act.Fn(); err != nil {
					return fmt.Errorf("sweep %q level %d step %d: task %s: %w", name, depth, i, act.Name, err)
				}
			}
		}
	}
	return nil
}

func (e *execution) record(column string, value float64) error {
	e.seq++
	p := Point{
		Seq:       e.seq,
		Setpoints: append([]Setpoint(nil), e.setpoints...),
		Param:     column,
		Value:     value,
		At:        e.runner.clock.Now(),
	}
	if err := e.runner.rec.Record(e.run.Data, p); err != nil {
		return fmt.Errorf("record %s: %w", column, err)
	}
	e.runner.mu.Lock()
	e.runner.state.Points = e.seq
	e.runner.mu.Unlock()
	return nil
}

func (r *Runner) progress(depth, step int, setpoints []Setpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if depth == 0 {
		r.state.Step = step + 1
	}
	r.state.Setpoints = append(r.state.Setpoints[:0], setpoints...)
}
