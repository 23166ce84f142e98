package instrument

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/banshee-data/labsweep/internal/param"
)

// Registry is the process-wide table of live instruments. It is owned by the
// application and passed by pointer to the components that need it.
//
// Only the interactive goroutine adds or removes entries. Workers only look
// instruments up; the lock keeps those lookups race-free.
type Registry struct {
	mu          sync.RWMutex
	instruments map[string]Instrument
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{instruments: make(map[string]Instrument)}
}

// Add registers inst under its name. Full parameter names must be unique
// across the session, so an instrument whose parameters collide with a
// registered one is refused.
func (r *Registry) Add(inst Instrument) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.instruments[inst.Name()]; ok {
		return fmt.Errorf("add %q: %w", inst.Name(), ErrDuplicate)
	}
	owners := make(map[string]string)
	for name, other := range r.instruments {
		for _, h := range other.Parameters() {
			owners[h.FullName()] = name
		}
	}
	for _, h := range inst.Parameters() {
		if owner, ok := owners[h.FullName()]; ok {
			return fmt.Errorf("add %q: parameter %s already belongs to %q: %w", inst.Name(), h.FullName(), owner, ErrDuplicate)
		}
	}
	r.instruments[inst.Name()] = inst
	return nil
}

// Remove unregisters and returns the instrument called name. Closing it is
// the caller's decision.
func (r *Registry) Remove(name string) (Instrument, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instruments[name]
	if ok {
		delete(r.instruments, name)
	}
	return inst, ok
}

// Get returns the instrument called name.
func (r *Registry) Get(name string) (Instrument, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instruments[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrUnknownInstrument)
	}
	return inst, nil
}

// Parameter returns the handle for instrument.parameter.
func (r *Registry) Parameter(instrument, parameter string) (param.Handle, error) {
	inst, err := r.Get(instrument)
	if err != nil {
		return nil, err
	}
	return inst.Parameter(parameter)
}

// Lookup finds a parameter by its full name "<instrument>_<parameter>".
func (r *Registry) Lookup(fullName string) (param.Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, inst := range r.instruments {
		for _, h := range inst.Parameters() {
			if h.FullName() == fullName {
				return h, nil
			}
		}
	}
	return nil, fmt.Errorf("%q: %w", fullName, ErrUnknownParameter)
}

// Names returns the registered instrument names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.instruments))
	for name := range r.instruments {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close removes every instrument and closes those that implement io.Closer.
// It is called by the application on shutdown, never by the execution core.
func (r *Registry) Close() error {
	r.mu.Lock()
	instruments := r.instruments
	r.instruments = make(map[string]Instrument)
	r.mu.Unlock()

	var errs []error
	for name, inst := range instruments {
		if c, ok := inst.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %q: %w", name, err))
			}
		}
	}
	return errors.Join(errs...)
}
