package sweep

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// ErrUnknownSweep is returned for a name that is not in the Library.
var ErrUnknownSweep = errors.New("unknown sweep")

// Library holds named definitions. Names are assigned as loop1, loop2, ...
// and definitions leave the library only through Delete.
type Library struct {
	mu   sync.RWMutex
	defs map[string]*Definition
	next int
}

// NewLibrary creates an empty Library.
func NewLibrary() *Library {
	return &Library{defs: make(map[string]*Definition)}
}

// Add validates def and stores it under the next free loop name.
func (l *Library) Add(def *Definition) (string, error) {
	if err := def.Validate(); err != nil {
		return "", err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for {
		l.next++
		name := "loop" + strconv.Itoa(l.next)
		if _, taken := l.defs[name]; !taken {
			l.defs[name] = def
			return name, nil
		}
	}
}

// Put stores def under name, replacing any previous definition.
func (l *Library) Put(name string, def *Definition) error {
	if name == "" {
		return fmt.Errorf("%w: empty sweep name", ErrInvalidDefinition)
	}
	if err := def.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.defs[name] = def
	return nil
}

// Get returns the definition stored under name.
func (l *Library) Get(name string) (*Definition, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	def, ok := l.defs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSweep, name)
	}
	return def, nil
}

// Delete removes name. Definitions nested in other loops are unaffected.
func (l *Library) Delete(name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.defs[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSweep, name)
	}
	delete(l.defs, name)
	return nil
}

// Names returns the stored names in natural order (loop2 before loop10).
func (l *Library) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.defs))
	for name := range l.defs {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return naturalLess(names[i], names[j]) })
	return names
}

// Describe renders name as "name [lower, upper, steps, delay].first-action".
// A nested first action is shown by its library name when it has one.
func (l *Library) Describe(name string) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	def, ok := l.defs[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownSweep, name)
	}
	desc := def.String()
	if len(def.Actions) > 0 {
		if n, ok := def.Actions[0].(Nested); ok {
			for other, d := range l.defs {
				if d == n.Sweep {
					desc = strings.TrimSuffix(desc, n.String()) + other
					break
				}
			}
		}
	}
	return name + " " + desc, nil
}

func naturalLess(a, b string) bool {
	pa, na := splitNumber(a)
	pb, nb := splitNumber(b)
	if pa != pb {
		return pa < pb
	}
	if na != nb {
		return na < nb
	}
	return a < b
}

func splitNumber(s string) (string, int) {
	i := len(s)
	for i > 0 && s[i-1] >= '0' && s[i-1] <= '9' {
		i--
	}
	n, err := strconv.Atoi(s[i:])
	if err != nil {
		return s, -1
	}
	return s[:i], n
}
