package param

import (
	"sort"
	"sync"
)

// Dividers is the shared table of dividers keyed by the wrapped handle's full
// name. At most one divider exists per parameter.
//
// Structure (Add, Attach, Detach) is mutated only from the interactive
// goroutine; workers only look entries up. The lock keeps those lookups
// race-free, it does not arbitrate between writers.
type Dividers struct {
	mu     sync.RWMutex
	byName map[string]*Divider
}

// NewDividers returns an empty table.
func NewDividers() *Dividers {
	return &Dividers{byName: make(map[string]*Divider)}
}

// Add registers d, replacing any divider already attached to the same
// parameter.
func (t *Dividers) Add(d *Divider) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byName[d.FullName()] = d
}

// Attach builds and registers a divider for h. A division value of 1 is the
// identity: no divider is created and any existing entry is removed, in which
// case Attach returns nil, nil.
func (t *Dividers) Attach(h Handle, division float64) (*Divider, error) {
	if division == 1 {
		t.Detach(h.FullName())
		return nil, nil
	}
	d, err := NewDivider(h, division)
	if err != nil {
		return nil, err
	}
	t.Add(d)
	return d, nil
}

// Detach removes the divider for fullName. Removing a missing entry is a no-op.
func (t *Dividers) Detach(fullName string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byName, fullName)
}

// Lookup returns the divider attached to fullName.
func (t *Dividers) Lookup(fullName string) (*Divider, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	d, ok := t.byName[fullName]
	return d, ok
}

// DivisionFor returns the division value attached to fullName, or 1.
func (t *Dividers) DivisionFor(fullName string) float64 {
	if d, ok := t.Lookup(fullName); ok {
		return d.DivisionValue()
	}
	return 1
}

// Resolve returns the divider attached to h, or h itself when there is none.
// A divider passed in is returned unchanged.
func (t *Dividers) Resolve(h Handle) Handle {
	if _, ok := h.(*Divider); ok {
		return h
	}
	if d, ok := t.Lookup(h.FullName()); ok {
		return d
	}
	return h
}

// Names returns the full names of all divided parameters in sorted order.
func (t *Dividers) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.byName))
	for name := range t.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of attached dividers.
func (t *Dividers) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byName)
}
