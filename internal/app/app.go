// Package app assembles a labsweep session from its configuration: the
// instrument registry, divider table, worker pool, sweep runner, live board
// and the sweep database.
package app

import (
	"context"
	"errors"
	"fmt"

	"tailscale.com/tsweb"

	"github.com/banshee-data/labsweep/internal/config"
	"github.com/banshee-data/labsweep/internal/db"
	"github.com/banshee-data/labsweep/internal/instrument"
	"github.com/banshee-data/labsweep/internal/live"
	"github.com/banshee-data/labsweep/internal/monitoring"
	"github.com/banshee-data/labsweep/internal/param"
	"github.com/banshee-data/labsweep/internal/serialmux"
	"github.com/banshee-data/labsweep/internal/sweep"
	"github.com/banshee-data/labsweep/internal/timeutil"
	"github.com/banshee-data/labsweep/internal/worker"
)

var logf = monitoring.Component("app")

// App is a running session.
type App struct {
	Config    *config.Config
	Registry  *instrument.Registry
	Dividers  *param.Dividers
	Scheduler *worker.Scheduler
	Runner    *sweep.Runner
	Library   *sweep.Library
	Board     *live.Board
	DB        *db.DB
	Recorder  *db.Recorder
}

// Option customises New.
type Option func(*options)

type options struct {
	clock    timeutil.Clock
	dispatch func(func())
	openSCPI func(name, port string, opts serialmux.PortOptions, params []instrument.SCPIParameter) (instrument.Instrument, error)
}

// WithClock replaces the clock used by the worker pool, sweeps and recorder.
func WithClock(c timeutil.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithDispatcher routes worker callbacks through dispatch.
func WithDispatcher(dispatch func(func())) Option {
	return func(o *options) { o.dispatch = dispatch }
}

// WithSCPIOpener replaces how SCPI instruments are opened.
func WithSCPIOpener(open func(name, port string, opts serialmux.PortOptions, params []instrument.SCPIParameter) (instrument.Instrument, error)) Option {
	return func(o *options) { o.openSCPI = open }
}

func openSCPI(name, port string, opts serialmux.PortOptions, params []instrument.SCPIParameter) (instrument.Instrument, error) {
	return instrument.OpenSCPI(name, port, opts, params)
}

// New builds a session from cfg. On error everything already opened is
// closed again.
func New(cfg *config.Config, opts ...Option) (a *App, err error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{clock: timeutil.RealClock{}, openSCPI: openSCPI}
	for _, opt := range opts {
		opt(&o)
	}

	a = &App{
		Config:   cfg,
		Registry: instrument.NewRegistry(),
		Dividers: param.NewDividers(),
		Library:  sweep.NewLibrary(),
	}
	defer func() {
		if err != nil {
			a.Close(context.Background())
			a = nil
		}
	}()

	for _, ic := range cfg.Instruments {
		inst, err := buildInstrument(ic, o)
		if err != nil {
			return a, err
		}
		if err := a.Registry.Add(inst); err != nil {
			if c, ok := inst.(interface{ Close() error }); ok {
				c.Close()
			}
			return a, err
		}
		logf("added instrument %s (%s)", ic.Name, ic.Driver)
	}

	for fullName, division := range cfg.Dividers {
		h, err := a.Registry.Lookup(fullName)
		if err != nil {
			return a, fmt.Errorf("divider %s: %w", fullName, err)
		}
		if _, err := a.Dividers.Attach(h, division); err != nil {
			return a, fmt.Errorf("divider %s: %w", fullName, err)
		}
	}

	a.DB, err = db.NewDB(cfg.GetDBPath())
	if err != nil {
		return a, fmt.Errorf("open sweep database: %w", err)
	}
	a.Recorder = db.NewRecorder(a.DB, o.clock)

	schedOpts := []worker.SchedulerOption{
		worker.WithRepeatInterval(cfg.GetRepeatInterval()),
		worker.WithClock(o.clock),
	}
	if n := cfg.GetPoolSize(); n > 0 {
		schedOpts = append(schedOpts, worker.WithPoolSize(n))
	}
	if o.dispatch != nil {
		schedOpts = append(schedOpts, worker.WithDispatcher(o.dispatch))
	}
	a.Scheduler = worker.NewScheduler(schedOpts...)
	a.Board = live.NewBoard(a.Scheduler, a.Dividers,
		live.WithInterval(cfg.GetLiveInterval()),
		live.WithClock(o.clock))
	runnerOpts := []sweep.RunnerOption{sweep.WithClock(o.clock)}
	if cfg.GetStopLiveAfterSweep() {
		board := a.Board
		runnerOpts = append(runnerOpts, sweep.OnFinished(func(st sweep.State) {
			if n := len(board.Watching()); n > 0 {
				logf("%s %s, stopping %d live monitors", st.Name, st.Status, n)
				board.StopAll()
			}
		}))
	}
	a.Runner = sweep.NewRunner(a.Scheduler, a.Dividers, a.Recorder, runnerOpts...)

	logf("session ready: %d instruments, %d dividers, pool of %d",
		len(a.Registry.Names()), a.Dividers.Len(), a.Scheduler.PoolSize())
	return a, nil
}

func buildInstrument(ic config.InstrumentConfig, o options) (instrument.Instrument, error) {
	switch ic.Driver {
	case config.DriverDummy:
		d := instrument.NewDummy(ic.Name, ic.Gates...)
		for _, p := range ic.Parameters {
			access, err := instrument.ParseAccess(p.Access)
			if err != nil {
				return nil, fmt.Errorf("instrument %s: %w", ic.Name, err)
			}
			if err := d.AddParameter(p.Name, access, instrument.Range{Min: p.Min, Max: p.Max}, p.Initial); err != nil {
				return nil, fmt.Errorf("instrument %s: %w", ic.Name, err)
			}
		}
		return d, nil
	case config.DriverSCPI:
		var portOpts serialmux.PortOptions
		if ic.PortOptions != nil {
			portOpts = *ic.PortOptions
		}
		params := make([]instrument.SCPIParameter, 0, len(ic.Parameters))
		for _, p := range ic.Parameters {
			params = append(params, instrument.SCPIParameter{
				Name:   p.Name,
				Header: p.Header,
				Access: p.Access,
				Min:    p.Min,
				Max:    p.Max,
			})
		}
		inst, err := o.openSCPI(ic.Name, ic.Port, portOpts, params)
		if err != nil {
			return nil, fmt.Errorf("instrument %s: %w", ic.Name, err)
		}
		return inst, nil
	default:
		return nil, fmt.Errorf("instrument %s: unsupported driver %q", ic.Name, ic.Driver)
	}
}

// AttachAdminRoutes mounts the database console and a raw command route per
// serial instrument on debug.
func (a *App) AttachAdminRoutes(debug *tsweb.DebugHandler) error {
	if a.DB != nil {
		if err := a.DB.AttachAdminRoutes(debug); err != nil {
			return err
		}
	}
	for _, name := range a.Registry.Names() {
		inst, err := a.Registry.Get(name)
		if err != nil {
			continue
		}
		if t, ok := inst.(interface {
			Transport() serialmux.SerialMuxInterface
		}); ok {
			t.Transport().AttachAdminRoutes(debug, "serial/"+name)
		}
	}
	return nil
}

// Close stops any sweep and every monitor, drains the worker pool and then
// releases instruments and the database.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Runner != nil {
		a.Runner.RequestStop()
	}
	if a.Board != nil {
		a.Board.StopAll()
	}
	if a.Scheduler != nil {
		if err := a.Scheduler.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.Registry != nil {
		if err := a.Registry.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close sweep database: %w", err))
		}
	}
	return errors.Join(errs...)
}
