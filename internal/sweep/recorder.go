package sweep

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DataHandle identifies the recorded data set of one run.
type DataHandle struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Setpoint is the value written to one swept parameter.
type Setpoint struct {
	Param string  `json:"param"`
	Value float64 `json:"value"`
}

// Point is a single parameter read, with the setpoints of every enclosing
// sweep level, outermost first.
type Point struct {
	Seq       int        `json:"seq"`
	Setpoints []Setpoint `json:"setpoints"`
	Param     string     `json:"param"`
	Value     float64    `json:"value"`
	At        time.Time  `json:"at"`
}

// Recorder persists sweep data. Begin is called before the first step,
// Record for every read and Finish exactly once after the run ends.
type Recorder interface {
	Begin(name string, def *Definition) (DataHandle, error)
	Record(h DataHandle, p Point) error
	Finish(h DataHandle, status Status, runErr error) error
}

// MemoryRecorder keeps runs in memory.
type MemoryRecorder struct {
	mu   sync.Mutex
	runs map[string]*memoryRun
	ids  []string
}

type memoryRun struct {
	handle DataHandle
	status Status
	err    error
	points []Point
}

// NewMemoryRecorder creates an empty MemoryRecorder.
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{runs: make(map[string]*memoryRun)}
}

func (m *MemoryRecorder) Begin(name string, def *Definition) (DataHandle, error) {
	h := DataHandle{ID: uuid.New().String(), Name: name}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[h.ID] = &memoryRun{handle: h, status: StatusRunning}
	m.ids = append(m.ids, h.ID)
	return h, nil
}

func (m *MemoryRecorder) Record(h DataHandle, p Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[h.ID]
	if !ok {
		return fmt.Errorf("record %s: unknown run %s", h.Name, h.ID)
	}
	run.points = append(run.points, p)
	return nil
}

func (m *MemoryRecorder) Finish(h DataHandle, status Status, runErr error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[h.ID]
	if !ok {
		return fmt.Errorf("finish %s: unknown run %s", h.Name, h.ID)
	}
	run.status = status
	run.err = runErr
	return nil
}

// Points returns a copy of the points recorded for id.
func (m *MemoryRecorder) Points(id string) []Point {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil
	}
	out := make([]Point, len(run.points))
	copy(out, run.points)
	return out
}

// Status returns the final status recorded for id.
func (m *MemoryRecorder) Status(id string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return "", false
	}
	return run.status, true
}

// Runs returns the handles of all recorded runs in start order.
func (m *MemoryRecorder) Runs() []DataHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DataHandle, 0, len(m.ids))
	for _, id := range m.ids {
		out = append(out, m.runs[id].handle)
	}
	return out
}
