package linkmap

import (
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/ZenLiuCN/linkmap/alloc"
	"github.com/sirupsen/logrus"
	"gotest.tools/v3/assert"
)

const (
	segBase   = uintptr(0x7f1000000000)
	segStride = uintptr(0x10000)
	segSize   = uintptr(0x4000)
)

// recorder keeps every notification and hook call in order.
type recorder struct {
	mu     sync.Mutex
	events []string
	fini   []string
	unmap  []string
	fatal  []error
}

func (r *recorder) add(v *[]string, s string) {
	r.mu.Lock()
	*v = append(*v, s)
	r.mu.Unlock()
}

func (r *recorder) Activity(ns NamespaceID, a Activity) {
	r.add(&r.events, fmt.Sprintf("activity %d %s", ns, a))
}

func (r *recorder) ObjectClosed(m *Module) {
	r.add(&r.events, "closed "+m.name)
}

func (r *recorder) DebugState(ns NamespaceID, s DebugState) {
	r.add(&r.events, fmt.Sprintf("debug %d %s", ns, s))
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.events, r.fini, r.unmap = nil, nil, nil
	r.mu.Unlock()
}

type harness struct {
	t     *testing.T
	rt    *Runtime
	heap  *alloc.Heap
	limit *alloc.Limit
	rec   *recorder
	next  uintptr
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newHarness(t *testing.T, opts ...func(*Config)) *harness {
	h := &harness{t: t, heap: alloc.NewHeap(), rec: new(recorder), next: segBase}
	h.limit = alloc.NewLimit(h.heap)
	cfg := Config{
		Logger:    quietLogger(),
		Allocator: h.limit,
		Observer:  h.rec,
		Unmapper: UnmapFunc(func(m *Module) error {
			h.rec.add(&h.rec.unmap, m.name)
			return nil
		}),
		OnFatal: func(err error) {
			h.rec.mu.Lock()
			h.rec.fatal = append(h.rec.fatal, err)
			h.rec.mu.Unlock()
		},
	}
	for _, o := range opts {
		o(&cfg)
	}
	h.rt = New(cfg)
	return h
}

// spec of a module with one segment and a symbol named after it. Its
// finalizer records the module name.
func (h *harness) spec(name string, needed ...*Spec) *Spec {
	start := h.next
	h.next += segStride
	return &Spec{
		Name:      name,
		Segments:  []Range{{Start: start, End: start + segSize}},
		Needed:    needed,
		Symbols:   map[string]uintptr{name + "_sym": start},
		Finalizer: h.finalizer(name, nil),
	}
}

func (h *harness) tlsSpec(name string, size, align uintptr, static bool, needed ...*Spec) *Spec {
	s := h.spec(name, needed...)
	s.TLSBlockSize = size
	s.TLSAlign = align
	s.StaticTLS = static
	return s
}

// finalizer records name, then runs then when set.
func (h *harness) finalizer(name string, then func(c Closer) error) Finalizer {
	return FinalizerFunc(func(c Closer) error {
		h.rec.add(&h.rec.fini, name)
		if then != nil {
			return then(c)
		}
		return nil
	})
}

// start the runtime with app needing libc.
func (h *harness) start() (app, libc *Module) {
	h.t.Helper()
	assert.NilError(h.t, h.rt.Start(h.spec("app", h.spec("libc"))))
	return h.rt.Lookup(0, "app"), h.rt.Lookup(0, "libc")
}

func (h *harness) open(s *Spec, mode OpenMode) *Module {
	h.t.Helper()
	m, err := h.rt.Open(0, s, mode)
	assert.NilError(h.t, err)
	return m
}

func (h *harness) close(m *Module) {
	h.t.Helper()
	assert.NilError(h.t, h.rt.Close(m, false))
}

func names(v []*Module) []string {
	s := make([]string, 0, len(v))
	for _, m := range v {
		s = append(s, m.Name())
	}
	return s
}

func (h *harness) loaded(ns NamespaceID) []string {
	return names(h.rt.Modules(ns))
}

// fatal runs f and returns the *FatalError it panicked with, after
// checking it went through OnFatal first.
func (h *harness) fatal(f func()) (fe *FatalError) {
	h.t.Helper()
	func() {
		defer func() {
			p := recover()
			assert.Assert(h.t, p != nil, "no fatal error")
			var ok bool
			fe, ok = p.(*FatalError)
			assert.Assert(h.t, ok, "panic %v", p)
		}()
		f()
	}()
	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	assert.Assert(h.t, len(h.rec.fatal) > 0)
	assert.Equal(h.t, h.rec.fatal[len(h.rec.fatal)-1], error(fe))
	return fe
}
