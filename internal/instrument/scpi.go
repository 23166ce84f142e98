package instrument

import (
	"fmt"
	"strconv"

	"github.com/banshee-data/labsweep/internal/monitoring"
	"github.com/banshee-data/labsweep/internal/param"
	"github.com/banshee-data/labsweep/internal/serialmux"
)

var scpiLogf = monitoring.Component("scpi")

// SCPIParameter describes one parameter of a SCPI instrument. Set writes
// "<Header> <value>", Get queries "<Header>?".
type SCPIParameter struct {
	Name   string  `json:"name"`
	Header string  `json:"header"`
	Access string  `json:"access,omitempty"` // "rw" (default), "r" or "w"
	Min    float64 `json:"min,omitempty"`
	Max    float64 `json:"max,omitempty"`
}

// SCPI is an instrument that speaks line-oriented SCPI over a serial port.
type SCPI struct {
	name   string
	mux    serialmux.SerialMuxInterface
	params parameterSet
}

// NewSCPI builds a SCPI instrument on an already opened transport.
func NewSCPI(name string, mux serialmux.SerialMuxInterface, params []SCPIParameter) (*SCPI, error) {
	s := &SCPI{name: name, mux: mux, params: newParameterSet(name)}
	for _, p := range params {
		access, err := ParseAccess(p.Access)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", name, p.Name, err)
		}
		if p.Header == "" {
			return nil, fmt.Errorf("%s.%s: missing SCPI header", name, p.Name)
		}
		base := &scpiValue{
			fullName: FullName(name, p.Name),
			header:   p.Header,
			valid:    Range{Min: p.Min, Max: p.Max},
			mux:      mux,
		}
		var h param.Handle
		switch access {
		case ReadOnly:
			h = scpiReader{base}
		case WriteOnly:
			h = scpiWriter{base}
		default:
			h = scpiReadWriter{base}
		}
		if err := s.params.add(p.Name, h); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// OpenSCPI opens the serial port at path and builds a SCPI instrument on it.
func OpenSCPI(name, path string, opts serialmux.PortOptions, params []SCPIParameter) (*SCPI, error) {
	mux, err := serialmux.NewRealSerialMux(path, opts)
	if err != nil {
		return nil, fmt.Errorf("instrument %q: %w", name, err)
	}
	s, err := NewSCPI(name, mux, params)
	if err != nil {
		mux.Close()
		return nil, err
	}
	scpiLogf("opened %s on %s", name, path)
	return s, nil
}

// Name returns the instrument name.
func (s *SCPI) Name() string { return s.name }

// Parameters returns the handles in definition order.
func (s *SCPI) Parameters() []param.Handle { return s.params.list() }

// Parameter returns the handle called name.
func (s *SCPI) Parameter(name string) (param.Handle, error) { return s.params.get(name) }

// Identify queries *IDN?.
func (s *SCPI) Identify() (string, error) {
	return s.mux.Query("*IDN?")
}

// Transport exposes the command multiplexer, for debug routes.
func (s *SCPI) Transport() serialmux.SerialMuxInterface { return s.mux }

// Close closes the serial port.
func (s *SCPI) Close() error { return s.mux.Close() }

type scpiValue struct {
	fullName string
	header   string
	valid    Range
	mux      serialmux.SerialMuxInterface
}

func (v *scpiValue) FullName() string { return v.fullName }

func (v *scpiValue) get() (float64, error) {
	reply, err := v.mux.Query(v.header + "?")
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(reply, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s? reply %q: %w", v.header, reply, err)
	}
	return f, nil
}

func (v *scpiValue) set(f float64) error {
	if err := v.valid.check(f); err != nil {
		return err
	}
	return v.mux.SendCommand(v.header + " " + strconv.FormatFloat(f, 'g', -1, 64))
}

type (
	scpiReadWriter struct{ *scpiValue }
	scpiReader     struct{ *scpiValue }
	scpiWriter     struct{ *scpiValue }
)

func (p scpiReadWriter) Get() (float64, error) { return p.get() }
func (p scpiReadWriter) Set(f float64) error   { return p.set(f) }

func (p scpiReader) Get() (float64, error) { return p.get() }

func (p scpiWriter) Set(f float64) error { return p.set(f) }
