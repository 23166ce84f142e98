package param

import (
	"fmt"
	"math"
)

// Divider is a linear rescaling between the logical value a user works with
// and the raw value sent to or read from the wrapped handle:
//
//	logical = raw / division
//	raw     = logical * division
//
// A Divider reads and writes through param.Get and param.Set, so wrapping a
// read-only handle yields a divider that reports ErrNotSettable on Set.
type Divider struct {
	wrapped  Handle
	division float64
}

// NewDivider wraps h with the given division value. The value must be a
// finite, non-zero real.
func NewDivider(h Handle, division float64) (*Divider, error) {
	if h == nil {
		return nil, fmt.Errorf("divider: nil parameter")
	}
	if division == 0 || math.IsNaN(division) || math.IsInf(division, 0) {
		return nil, fmt.Errorf("divider for %s: %w: %v", h.FullName(), ErrInvalidDivision, division)
	}
	return &Divider{wrapped: h, division: division}, nil
}

// FullName returns the wrapped handle's full name, which is also the key of
// the divider in a Dividers table.
func (d *Divider) FullName() string { return d.wrapped.FullName() }

// Wrapped returns the handle the divider scales.
func (d *Divider) Wrapped() Handle { return d.wrapped }

// DivisionValue returns the scaling factor.
func (d *Divider) DivisionValue() float64 { return d.division }

// Label is the display name of the divided parameter.
func (d *Divider) Label() string { return d.wrapped.FullName() + "_divided" }

// Get issues exactly one read on the wrapped handle and returns the logical
// value at full precision.
func (d *Divider) Get() (float64, error) {
	raw, err := Get(d.wrapped)
	if err != nil {
		return 0, fmt.Errorf("divider /%g: %w", d.division, err)
	}
	return raw / d.division, nil
}

// Set issues exactly one write of v*division on the wrapped handle. A value
// rejected by the wrapped handle's validation is returned, not swallowed.
func (d *Divider) Set(v float64) error {
	if err := Set(d.wrapped, v*d.division); err != nil {
		return fmt.Errorf("divider /%g (logical %g): %w", d.division, v, err)
	}
	return nil
}

func (d *Divider) String() string {
	return fmt.Sprintf("%s / %g", d.wrapped.FullName(), d.division)
}
