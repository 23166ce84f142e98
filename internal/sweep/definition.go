package sweep

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/labsweep/internal/param"
)

// ErrInvalidDefinition is returned when a Definition cannot be run.
var ErrInvalidDefinition = errors.New("invalid sweep definition")

// StopCheckName identifies the trailing stop-check task.
const StopCheckName = "stop_check"

// Definition describes one sweep level: the swept entity, its range, the
// settle delay after each write and the actions evaluated at every step.
type Definition struct {
	Swept   param.Handle
	Lower   float64
	Upper   float64
	Steps   int
	Delay   time.Duration
	Actions []Action
}

// Action is evaluated once per step, in order.
type Action interface {
	String() string
}

// Read records the value of a parameter at every step.
type Read struct {
	Param param.Handle
}

func (a Read) String() string {
	if a.Param == nil {
		return "<nil>"
	}
	return columnName(a.Param)
}

// Nested runs a complete inner sweep at every step.
type Nested struct {
	Sweep *Definition
}

func (a Nested) String() string {
	if a.Sweep == nil || a.Sweep.Swept == nil {
		return "sweep(<nil>)"
	}
	return "sweep(" + columnName(a.Sweep.Swept) + ")"
}

// Task is a zero-argument unit of work. A Task named StopCheckName with no
// function is the stop check: it aborts the run once a stop is requested.
type Task struct {
	Name string
	Fn   func() error
}

func (a Task) String() string { return a.Name }

// IsStopCheck reports whether a is the stop-check sentinel.
func (a Task) IsStopCheck() bool {
	return a.Name == StopCheckName && a.Fn == nil
}

// StopCheck returns the trailing stop-check task.
func StopCheck() Task { return Task{Name: StopCheckName} }

// New builds a Definition and appends the stop check to actions.
func New(swept param.Handle, lower, upper float64, steps int, delay time.Duration, actions ...Action) *Definition {
	acts := make([]Action, 0, len(actions)+1)
	acts = append(acts, actions...)
	acts = append(acts, StopCheck())
	return &Definition{
		Swept:   swept,
		Lower:   lower,
		Upper:   upper,
		Steps:   steps,
		Delay:   delay,
		Actions: acts,
	}
}

// Validate checks the definition and every nested definition.
func (d *Definition) Validate() error {
	return d.validate("sweep")
}

func (d *Definition) validate(path string) error {
	invalid := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w: %s: %s", ErrInvalidDefinition, path, fmt.Sprintf(format, args...))
	}
	if d == nil {
		return invalid("nil definition")
	}
	if d.Swept == nil {
		return invalid("no swept parameter")
	}
	if !param.CanSet(d.Swept) {
		return fmt.Errorf("%w: %s: swept %s: %w", ErrInvalidDefinition, path, d.Swept.FullName(), param.ErrNotSettable)
	}
	if math.IsNaN(d.Lower) || math.IsInf(d.Lower, 0) || math.IsNaN(d.Upper) || math.IsInf(d.Upper, 0) {
		return invalid("limits must be finite, got [%g, %g]", d.Lower, d.Upper)
	}
	if d.Steps < 1 {
		return invalid("steps must be at least 1, got %d", d.Steps)
	}
	if d.Delay < 0 {
		return invalid("delay must not be negative, got %s", d.Delay)
	}
	if len(d.Actions) == 0 {
		return invalid("missing trailing stop check")
	}

	for i, a := range d.Actions {
		last := i == len(d.Actions)-1
		switch act := a.(type) {
		case Read:
			if act.Param == nil {
				return invalid("action %d: nil parameter", i)
			}
			if !param.CanGet(act.Param) {
				return fmt.Errorf("%w: %s: action %d: %s: %w", ErrInvalidDefinition, path, i, act.Param.FullName(), param.ErrNotGettable)
			}
		case Nested:
			if err := act.Sweep.validate(fmt.Sprintf("%s/action %d", path, i)); err != nil {
				return err
			}
		case Task:
			if act.IsStopCheck() != last {
				return invalid("the stop check must be the last action and appear once")
			}
			if !act.IsStopCheck() && act.Fn == nil {
				return invalid("action %d: task %q has no function", i, act.Name)
			}
		default:
			return invalid("action %d: unsupported action %T", i, a)
		}
		if last {
			if t, ok := a.(Task); !ok || !t.IsStopCheck() {
				return invalid("missing trailing stop check")
			}
		}
	}
	return nil
}

// Values returns the setpoints visited by the sweep, evenly spaced from Lower
// to Upper inclusive. A single step visits Lower only.
func (d *Definition) Values() []float64 {
	if d.Steps < 1 {
		return nil
	}
	if d.Steps == 1 {
		return []float64{d.Lower}
	}
	return floats.Span(make([]float64, d.Steps), d.Lower, d.Upper)
}

// TotalPoints is the number of innermost steps a full run visits.
func (d *Definition) TotalPoints() int {
	inner := 1
	for _, a := range d.Actions {
		if n, ok := a.(Nested); ok && n.Sweep != nil {
			inner *= n.Sweep.TotalPoints()
		}
	}
	return d.Steps * inner
}

// String renders the definition as "[lower, upper, steps, delay].first-action".
func (d *Definition) String() string {
	vals := d.Values()
	lower, upper := d.Lower, d.Upper
	if len(vals) > 0 {
		lower, upper = vals[0], vals[len(vals)-1]
	}
	first := ""
	if len(d.Actions) > 0 {
		first = d.Actions[0].String()
	}
	return fmt.Sprintf("[%s, %s, %d, %s].%s",
		strconv.FormatFloat(lower, 'g', -1, 64),
		strconv.FormatFloat(upper, 'g', -1, 64),
		d.Steps,
		strconv.FormatFloat(d.Delay.Seconds(), 'g', -1, 64),
		first)
}

// StepsForSize converts a step size into a step count covering [lower, upper].
// The count is rounded to the nearest whole number of intervals.
func StepsForSize(lower, upper, size float64) (int, error) {
	if math.IsNaN(size) || math.IsInf(size, 0) || size <= 0 {
		return 0, fmt.Errorf("%w: step size must be positive and finite, got %g", ErrInvalidDefinition, size)
	}
	if math.IsNaN(lower) || math.IsInf(lower, 0) || math.IsNaN(upper) || math.IsInf(upper, 0) {
		return 0, fmt.Errorf("%w: limits must be finite, got [%g, %g]", ErrInvalidDefinition, lower, upper)
	}
	return int(math.Round(math.Abs(upper-lower)/size)) + 1, nil
}

// columnName names a parameter in recorded data; divided parameters carry
// their divider label.
func columnName(h param.Handle) string {
	if d, ok := h.(*param.Divider); ok {
		return d.Label()
	}
	return h.FullName()
}

// sweeps reports whether d or a nested level sets fullName.
func (d *Definition) sweeps(fullName string) bool {
	if d.Swept != nil && d.Swept.FullName() == fullName {
		return true
	}
	for _, a := range d.Actions {
		if n, ok := a.(Nested); ok && n.Sweep != nil && n.Sweep.sweeps(fullName) {
			return true
		}
	}
	return false
}
