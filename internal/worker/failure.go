package worker

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies how a callable failed.
type Kind string

const (
	// KindError is a non-nil error returned by the callable.
	KindError Kind = "error"
	// KindPanic is a panic recovered from the callable.
	KindPanic Kind = "panic"
)

// Failure is reported on a worker's error channel. It carries the original
// error, a classification tag and a textual trace, plus the worker and
// iteration that produced it.
type Failure struct {
	WorkerID  string
	Worker    string
	Iteration int
	Kind      Kind
	Err       error
	Trace     string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("worker %q iteration %d: %s: %v", f.Worker, f.Iteration, f.Kind, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// errorTrace renders the wrap chain of err, outermost first.
func errorTrace(err error) string {
	var b strings.Builder
	for depth := 0; err != nil; depth++ {
		fmt.Fprintf(&b, "%s%T: %v\n", strings.Repeat("  ", depth), err, err)
		err = errors.Unwrap(err)
	}
	return b.String()
}
