// Package param defines the capability-tagged parameter handles exposed by
// instruments, the Divider scaling wrapper and the shared Divider table.
//
// A handle is identified by its full name (instrument name + parameter name).
// The execution core only ever reads and writes handles; it never opens or
// closes the instruments behind them.
package param

import (
	"errors"
	"fmt"
	"math"
	"strconv"
)

var (
	// ErrNotGettable is returned when a read is attempted on a handle without
	// the Readable capability.
	ErrNotGettable = errors.New("parameter is not gettable")
	// ErrNotSettable is returned when a write is attempted on a handle without
	// the Writable capability.
	ErrNotSettable = errors.New("parameter is not settable")
	// ErrInvalidValue is wrapped by handles whose own validation rejects a value.
	ErrInvalidValue = errors.New("invalid value")
	// ErrInvalidDivision is returned for a division value that is zero, NaN or
	// infinite.
	ErrInvalidDivision = errors.New("invalid division value")
)

// Handle is the identity every parameter carries.
type Handle interface {
	// FullName is unique within a session and is used as a map key.
	FullName() string
}

// Readable is a handle that supports get.
type Readable interface {
	Handle
	Get() (float64, error)
}

// Writable is a handle that supports set.
type Writable interface {
	Handle
	Set(v float64) error
}

// ReadWrite is a handle that supports both get and set.
type ReadWrite interface {
	Readable
	Writable
}

// Get reads h when it is Readable and fails with ErrNotGettable otherwise.
// Errors name the parameter.
func Get(h Handle) (float64, error) {
	r, ok := h.(Readable)
	if !ok {
		return 0, fmt.Errorf("get %s: %w", h.FullName(), ErrNotGettable)
	}
	v, err := r.Get()
	if err != nil {
		return 0, fmt.Errorf("get %s: %w", h.FullName(), err)
	}
	return v, nil
}

// Set writes v to h when it is Writable and fails with ErrNotSettable otherwise.
func Set(h Handle, v float64) error {
	w, ok := h.(Writable)
	if !ok {
		return fmt.Errorf("set %s: %w", h.FullName(), ErrNotSettable)
	}
	if err := w.Set(v); err != nil {
		return fmt.Errorf("set %s to %g: %w", h.FullName(), v, err)
	}
	return nil
}

// CanGet reports whether h supports reads.
func CanGet(h Handle) bool {
	_, ok := h.(Readable)
	return ok
}

// CanSet reports whether h supports writes.
func CanSet(h Handle) bool {
	_, ok := h.(Writable)
	return ok
}

// Display formats v rounded to three decimals for presentation. Callers that
// need the value keep the full-precision float.
func Display(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return strconv.FormatFloat(v, 'g', -1, 64)
	}
	return strconv.FormatFloat(math.Round(v*1000)/1000, 'f', -1, 64)
}
