package live

import (
	"fmt"
	"sort"
	"sync"

	"github.com/banshee-data/labsweep/internal/instrument"
	"github.com/banshee-data/labsweep/internal/param"
	"github.com/banshee-data/labsweep/internal/worker"
)

// Board holds one Monitor per watched parameter.
type Board struct {
	sched    *worker.Scheduler
	dividers *param.Dividers
	opts     []Option

	mu       sync.RWMutex
	monitors map[string]*Monitor
}

// NewBoard creates an empty Board. opts apply to every monitor it starts.
func NewBoard(sched *worker.Scheduler, dividers *param.Dividers, opts ...Option) *Board {
	return &Board{
		sched:    sched,
		dividers: dividers,
		opts:     opts,
		monitors: make(map[string]*Monitor),
	}
}

// Watch starts monitoring h. Watching a parameter twice is a no-op.
func (b *Board) Watch(h param.Handle) (*Monitor, error) {
	if h == nil {
		return nil, fmt.Errorf("watch: nil parameter")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.monitors[h.FullName()]
	if !ok {
		m = NewMonitor(b.sched, b.dividers, b.opts...)
	}
	if err := m.Start(h); err != nil {
		return nil, err
	}
	b.monitors[h.FullName()] = m
	return m, nil
}

// WatchInstrument watches every readable parameter of inst and returns how
// many monitors are running for it.
func (b *Board) WatchInstrument(inst instrument.Instrument) (int, error) {
	n := 0
	for _, h := range inst.Parameters() {
		if !param.CanGet(h) {
			continue
		}
		if _, err := b.Watch(h); err != nil {
			return n, fmt.Errorf("watch %s: %w", inst.Name(), err)
		}
		n++
	}
	return n, nil
}

// Unwatch stops and forgets the monitor for fullName.
func (b *Board) Unwatch(fullName string) {
	b.mu.Lock()
	m, ok := b.monitors[fullName]
	delete(b.monitors, fullName)
	b.mu.Unlock()
	if ok {
		m.Stop()
	}
}

// StopAll stops every monitor. Monitors stay on the board with their last
// reading.
func (b *Board) StopAll() {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, m := range b.monitors {
		m.Stop()
	}
}

// Editable reports whether no running monitor tracks fullName.
func (b *Board) Editable(fullName string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, m := range b.monitors {
		if !m.Editable(fullName) {
			return false
		}
	}
	return true
}

// Watching returns the full names of running monitors, sorted.
func (b *Board) Watching() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var names []string
	for _, m := range b.monitors {
		if name, ok := m.Tracked(); ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Readings returns the latest reading of every monitor on the board, sorted
// by full name.
func (b *Board) Readings() []Reading {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Reading, 0, len(b.monitors))
	for _, m := range b.monitors {
		if r, ok := m.Latest(); ok {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FullName < out[j].FullName })
	return out
}
