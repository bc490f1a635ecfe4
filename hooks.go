package linkmap

import "github.com/sirupsen/logrus"

// Closer is handed to finalizers so they can close further modules while
// the calling Close still holds the load lock.
type Closer interface {
	Close(m *Module, force bool) error
}

// Finalizer runs the termination code of a module before it is unloaded.
// Errors are fatal.
type Finalizer interface {
	Fini(c Closer) error
}

// FinalizerFunc adapts a function to Finalizer.
type FinalizerFunc func(c Closer) error

func (f FinalizerFunc) Fini(c Closer) error {
	return f(c)
}

// Unmapper releases the memory mappings of a module.
type Unmapper interface {
	Unmap(m *Module) error
}

// UnmapFunc adapts a function to Unmapper.
type UnmapFunc func(m *Module) error

func (f UnmapFunc) Unmap(m *Module) error {
	return f(m)
}

// Activity is reported to auditing observers.
type Activity uint8

const (
	ActivityAdd Activity = iota
	ActivityDelete
	ActivityConsistent
)

func (a Activity) String() string {
	switch a {
	case ActivityAdd:
		return "add"
	case ActivityDelete:
		return "delete"
	default:
		return "consistent"
	}
}

// DebugState is the state published to debuggers.
type DebugState uint8

const (
	DebugConsistent DebugState = iota
	DebugAdd
	DebugDelete
)

func (s DebugState) String() string {
	switch s {
	case DebugAdd:
		return "add"
	case DebugDelete:
		return "delete"
	default:
		return "consistent"
	}
}

// Observer receives audit and debugger notifications. Calls happen with
// the load lock held.
type Observer interface {
	// Activity marks the start and end of a change to namespace ns.
	Activity(ns NamespaceID, a Activity)
	// ObjectClosed is sent for every module about to be unloaded.
	ObjectClosed(m *Module)
	// DebugState publishes the debugger rendezvous state of ns.
	DebugState(ns NamespaceID, s DebugState)
}

// NopObserver ignores every notification.
type NopObserver struct{}

func (NopObserver) Activity(NamespaceID, Activity)     {}
func (NopObserver) ObjectClosed(*Module)               {}
func (NopObserver) DebugState(NamespaceID, DebugState) {}

// LogObserver logs notifications at debug level.
type LogObserver struct {
	Log *logrus.Entry
}

func (o LogObserver) Activity(ns NamespaceID, a Activity) {
	o.Log.WithField("ns", ns).Debugf("activity %s", a)
}

func (o LogObserver) ObjectClosed(m *Module) {
	o.Log.WithField("ns", m.ns).Debugf("object closed %s", m.name)
}

func (o LogObserver) DebugState(ns NamespaceID, s DebugState) {
	o.Log.WithField("ns", ns).Debugf("debug state %s", s)
}
