// Package instrument holds the instrument collaborators the execution core
// talks to: the Instrument interface, the session Registry shared by every
// component, an in-memory dummy instrument and a SCPI instrument over a serial
// port.
package instrument

import (
	"errors"
	"fmt"

	"github.com/banshee-data/labsweep/internal/param"
)

var (
	ErrUnknownInstrument = errors.New("unknown instrument")
	ErrUnknownParameter  = errors.New("unknown parameter")
	ErrDuplicate         = errors.New("instrument name already in use")
)

// Instrument exposes a named set of parameter handles.
type Instrument interface {
	Name() string
	// Parameters returns the handles in a stable display order.
	Parameters() []param.Handle
	// Parameter returns the handle called name (short name, not full name).
	Parameter(name string) (param.Handle, error)
}

// FullName joins an instrument and parameter name into a handle identity.
func FullName(instrument, parameter string) string {
	return instrument + "_" + parameter
}

// parameterSet is the ordered name -> handle table shared by the concrete
// instruments in this package.
type parameterSet struct {
	instrument string
	order      []string
	byName     map[string]param.Handle
}

func newParameterSet(instrument string) parameterSet {
	return parameterSet{instrument: instrument, byName: make(map[string]param.Handle)}
}

func (s *parameterSet) add(name string, h param.Handle) error {
	if _, ok := s.byName[name]; ok {
		return fmt.Errorf("%s: parameter %q already defined", s.instrument, name)
	}
	s.order = append(s.order, name)
	s.byName[name] = h
	return nil
}

func (s *parameterSet) list() []param.Handle {
	out := make([]param.Handle, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.byName[name])
	}
	return out
}

func (s *parameterSet) get(name string) (param.Handle, error) {
	h, ok := s.byName[name]
	if !ok {
		return nil, fmt.Errorf("%s.%s: %w", s.instrument, name, ErrUnknownParameter)
	}
	return h, nil
}
