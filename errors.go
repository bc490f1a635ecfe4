package linkmap

import (
	"errors"
	"fmt"

	"github.com/ZenLiuCN/linkmap/alloc"
)

var (
	// ErrNotOpen occurs when closing a module without direct open references.
	ErrNotOpen = errors.New("shared object not open")
	// ErrNoMemory occurs when the allocator refuses a reservation.
	ErrNoMemory = alloc.ErrNoMemory
	// ErrNotStarted occurs when using a Runtime before Start.
	ErrNotStarted = errors.New("runtime not started")
	// ErrAlreadyStarted occurs when starting a Runtime twice.
	ErrAlreadyStarted = errors.New("runtime already started")
	// ErrInvalidSpec occurs when a Spec has no name or no valid segment.
	ErrInvalidSpec = errors.New("invalid module spec")
	// ErrNamespace occurs for an unknown namespace or when none is free.
	ErrNamespace = errors.New("no more namespaces available")
	// ErrInit occurs when an initializer of a newly loaded module fails.
	ErrInit = errors.New("initializer failed")
)

// SignalError is the error surfaced to callers for invalid requests.
type SignalError struct {
	Object string
	Msg    string
	Err    error
}

func (e *SignalError) Error() string {
	return fmt.Sprintf("%s: %s", e.Object, e.Msg)
}

func (e *SignalError) Unwrap() error {
	return e.Err
}

// FatalError describes a state the runtime cannot continue from.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal %s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// fatal reports an invariant violation. Config.OnFatal normally ends the
// process; should it return, fatal panics with the *FatalError.
func (r *Runtime) fatal(op string, err error) {
	fe := &FatalError{Op: op, Err: err}
	r.log.WithError(err).WithField("op", op).Error("unrecoverable loader state")
	r.onFatal(fe)
	panic(fe)
}
