package instrument

import (
	"fmt"
	"sync"

	"github.com/banshee-data/labsweep/internal/param"
)

// Access selects the capabilities of a parameter.
type Access int

const (
	ReadWrite Access = iota
	ReadOnly
	WriteOnly
)

// ParseAccess maps "rw", "r" and "w" to an Access.
func ParseAccess(s string) (Access, error) {
	switch s {
	case "", "rw":
		return ReadWrite, nil
	case "r":
		return ReadOnly, nil
	case "w":
		return WriteOnly, nil
	default:
		return 0, fmt.Errorf("unsupported access %q: expected rw, r or w", s)
	}
}

// Range is an inclusive numeric validator. The zero Range accepts everything.
type Range struct {
	Min, Max float64
}

func (r Range) check(v float64) error {
	if r.Max <= r.Min {
		return nil
	}
	if v < r.Min || v > r.Max {
		return fmt.Errorf("%g is not in [%g, %g]: %w", v, r.Min, r.Max, param.ErrInvalidValue)
	}
	return nil
}

// GateRange is the validator of the demo instrument's gates.
var GateRange = Range{Min: -800, Max: 400}

// memValue is the in-memory state behind a dummy parameter.
type memValue struct {
	fullName string
	valid    Range

	mu    sync.Mutex
	value float64
}

func (m *memValue) FullName() string { return m.fullName }

func (m *memValue) get() (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.value, nil
}

func (m *memValue) set(v float64) error {
	if err := m.valid.check(v); err != nil {
		return err
	}
	m.mu.Lock()
	m.value = v
	m.mu.Unlock()
	return nil
}

// The three capability variants. Each exposes only the methods its access
// allows, so a read-only parameter does not satisfy param.Writable.
type (
	rwValue    struct{ *memValue }
	readValue  struct{ *memValue }
	writeValue struct{ *memValue }
)

func (p rwValue) Get() (float64, error) { return p.get() }
func (p rwValue) Set(v float64) error   { return p.set(v) }

func (p readValue) Get() (float64, error) { return p.get() }

func (p writeValue) Set(v float64) error { return p.set(v) }

// Dummy is an in-memory instrument for demos and tests.
type Dummy struct {
	name   string
	params parameterSet
	values map[string]*memValue
}

// NewDummy creates a dummy instrument with one read/write gate per name,
// validated against GateRange and starting at 0. Without gates it gets
// dac1, dac2 and dac3.
func NewDummy(name string, gates ...string) *Dummy {
	if len(gates) == 0 {
		gates = []string{"dac1", "dac2", "dac3"}
	}
	d := &Dummy{
		name:   name,
		params: newParameterSet(name),
		values: make(map[string]*memValue),
	}
	for _, g := range gates {
		// a repeated gate keeps its first entry; config.Validate rejects repeats
		_ = d.AddParameter(g, ReadWrite, GateRange, 0)
	}
	return d
}

// AddParameter adds an in-memory parameter with the given capabilities.
func (d *Dummy) AddParameter(name string, access Access, valid Range, initial float64) error {
	m := &memValue{fullName: FullName(d.name, name), valid: valid, value: initial}
	var h param.Handle
	switch access {
	case ReadOnly:
		h = readValue{m}
	case WriteOnly:
		h = writeValue{m}
	default:
		h = rwValue{m}
	}
	if err := d.params.add(name, h); err != nil {
		return err
	}
	d.values[name] = m
	return nil
}

// Name returns the instrument name.
func (d *Dummy) Name() string { return d.name }

// Parameters returns the handles in creation order.
func (d *Dummy) Parameters() []param.Handle { return d.params.list() }

// Parameter returns the handle called name.
func (d *Dummy) Parameter(name string) (param.Handle, error) { return d.params.get(name) }

// Poke sets the stored value of a parameter directly, bypassing access and
// validation. It simulates the device changing underneath the session.
func (d *Dummy) Poke(name string, v float64) error {
	m, ok := d.values[name]
	if !ok {
		return fmt.Errorf("%s.%s: %w", d.name, name, ErrUnknownParameter)
	}
	m.mu.Lock()
	m.value = v
	m.mu.Unlock()
	return nil
}

// Peek returns the stored value of a parameter regardless of its access.
func (d *Dummy) Peek(name string) (float64, error) {
	m, ok := d.values[name]
	if !ok {
		return 0, fmt.Errorf("%s.%s: %w", d.name, name, ErrUnknownParameter)
	}
	return m.get()
}
