package app

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/labsweep/internal/param"
	"github.com/banshee-data/labsweep/internal/sweep"
)

// DefinitionSpec is the JSON form of a sweep definition. Exactly one of
// Steps and StepSize is set. Each action names either a parameter to read
// or a library sweep to nest.
type DefinitionSpec struct {
	Swept    string       `json:"swept"`
	Lower    float64      `json:"lower"`
	Upper    float64      `json:"upper"`
	Steps    int          `json:"steps,omitempty"`
	StepSize float64      `json:"step_size,omitempty"`
	Delay    string       `json:"delay,omitempty"` // duration string like "500ms"
	Actions  []ActionSpec `json:"actions,omitempty"`
}

// ActionSpec is one per-step action.
type ActionSpec struct {
	Read  string          `json:"read,omitempty"`  // parameter full name
	Sweep string          `json:"sweep,omitempty"` // library name
	Inner *DefinitionSpec `json:"inner,omitempty"` // inline nested sweep
}

// BuildDefinition resolves spec against the registry and library. Swept and
// read parameters are the bare handles; dividers are applied when the sweep
// runs.
func (a *App) BuildDefinition(spec DefinitionSpec) (*sweep.Definition, error) {
	swept, err := a.Registry.Lookup(spec.Swept)
	if err != nil {
		return nil, fmt.Errorf("swept parameter: %w", err)
	}

	steps := spec.Steps
	switch {
	case steps > 0 && spec.StepSize != 0:
		return nil, fmt.Errorf("%w: give steps or step_size, not both", sweep.ErrInvalidDefinition)
	case steps == 0 && spec.StepSize != 0:
		steps, err = sweep.StepsForSize(spec.Lower, spec.Upper, spec.StepSize)
		if err != nil {
			return nil, err
		}
	}

	var delay time.Duration
	if spec.Delay != "" {
		delay, err = time.ParseDuration(spec.Delay)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid delay %q: %v", sweep.ErrInvalidDefinition, spec.Delay, err)
		}
	}

	actions := make([]sweep.Action, 0, len(spec.Actions))
	for i, as := range spec.Actions {
		act, err := a.buildAction(as)
		if err != nil {
			return nil, fmt.Errorf("action %d: %w", i, err)
		}
		actions = append(actions, act)
	}

	def := sweep.New(swept, spec.Lower, spec.Upper, steps, delay, actions...)
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

func (a *App) buildAction(as ActionSpec) (sweep.Action, error) {
	set := 0
	for _, ok := range []bool{as.Read != "", as.Sweep != "", as.Inner != nil} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return nil, fmt.Errorf("%w: an action names exactly one of read, sweep or inner", sweep.ErrInvalidDefinition)
	}

	switch {
	case as.Read != "":
		h, err := a.Registry.Lookup(as.Read)
		if err != nil {
			return nil, err
		}
		if !param.CanGet(h) {
			return nil, fmt.Errorf("%s: %w", as.Read, param.ErrNotGettable)
		}
		return sweep.Read{Param: h}, nil
	case as.Sweep != "":
		def, err := a.Library.Get(as.Sweep)
		if err != nil {
			return nil, err
		}
		return sweep.Nested{Sweep: def}, nil
	default:
		def, err := a.BuildDefinition(*as.Inner)
		if err != nil {
			return nil, err
		}
		return sweep.Nested{Sweep: def}, nil
	}
}

// LoadDefinitionSpec reads a DefinitionSpec from a JSON file.
func LoadDefinitionSpec(path string) (DefinitionSpec, error) {
	var spec DefinitionSpec
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return spec, fmt.Errorf("sweep file must have .json extension, got %q", ext)
	}
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return spec, fmt.Errorf("failed to read sweep file: %w", err)
	}
	if err := json.Unmarshal(data, &spec); err != nil {
		return spec, fmt.Errorf("failed to parse sweep file: %w", err)
	}
	return spec, nil
}
