package linkmap

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func TestCloseUnloadsDependencies(t *testing.T) {
	h := newHarness(t)
	h.start()
	startup := h.heap.Live(kindInitfini)
	a := h.open(h.spec("a", h.spec("b")), 0)
	b := h.rt.Lookup(0, "b")
	assert.DeepEqual(t, h.loaded(0), []string{"app", "libc", "a", "b"})
	assert.Equal(t, a.DirectOpenCount(), uint32(1))
	assert.Equal(t, b.DirectOpenCount(), uint32(0))
	assert.Equal(t, h.heap.Live(kindSearchBuf), 2)
	h.rec.reset()

	h.close(a)
	assert.DeepEqual(t, h.loaded(0), []string{"app", "libc"})
	assert.DeepEqual(t, h.rec.fini, []string{"a", "b"})
	assert.DeepEqual(t, h.rec.unmap, []string{"a", "b"})
	assert.DeepEqual(t, h.rec.events, []string{
		"activity 0 delete",
		"closed a",
		"closed b",
		"debug 0 delete",
		"debug 0 consistent",
		"activity 0 consistent",
	})
	assert.Assert(t, a.Removed() && a.Released())
	assert.Assert(t, b.Removed() && b.Released())
	assert.Assert(t, h.rt.Module(a.ID()) == nil)
	_, ok := h.rt.FindObject(a.MapStart())
	assert.Assert(t, !ok)

	assert.Equal(t, h.heap.Live(kindInitfini), startup)
	assert.Equal(t, h.heap.Live(kindSearchBuf), 0)
	assert.Equal(t, h.heap.Live(kindScratch), 0)
	assert.Equal(t, h.heap.Live(kindScope), 0)
	assert.Equal(t, testutil.ToFloat64(h.rt.metrics.unloaded), 2.0)
	assert.Equal(t, testutil.ToFloat64(h.rt.metrics.closes.WithLabelValues("ok")), 1.0)
	assert.Equal(t, testutil.ToFloat64(h.rt.metrics.loaded.WithLabelValues("0")), 2.0)
}

func TestSharedDependencyStays(t *testing.T) {
	h := newHarness(t)
	h.start()
	c := h.spec("c")
	a := h.open(h.spec("a", c), 0)
	b := h.open(h.spec("b", c), 0)
	assert.DeepEqual(t, names(b.Initfini()), []string{"b", "c"})

	h.close(a)
	assert.DeepEqual(t, h.loaded(0), []string{"app", "libc", "c", "b"})
	assert.DeepEqual(t, h.rec.fini, []string{"a"})

	h.close(b)
	assert.DeepEqual(t, h.loaded(0), []string{"app", "libc"})
	assert.DeepEqual(t, h.rec.fini, []string{"a", "b", "c"})
}

func TestCycleIsUnloadedTargetFirst(t *testing.T) {
	h := newHarness(t)
	h.start()
	a := h.spec("a")
	b := h.spec("b", a)
	a.Needed = []*Spec{b}
	m := h.open(a, 0)
	assert.DeepEqual(t, h.loaded(0), []string{"app", "libc", "a", "b"})

	h.close(m)
	assert.DeepEqual(t, h.loaded(0), []string{"app", "libc"})
	assert.DeepEqual(t, h.rec.fini, []string{"a", "b"})
}

func TestRelDepsKeepModulesLoaded(t *testing.T) {
	h := newHarness(t)
	h.start()
	a := h.open(h.spec("a"), 0)
	b := h.open(h.spec("b"), 0)

	added, err := h.rt.AddDependency(a, b)
	assert.NilError(t, err)
	assert.Assert(t, added)
	added, err = h.rt.AddDependency(a, b)
	assert.NilError(t, err)
	assert.Assert(t, !added)
	assert.DeepEqual(t, names(a.RelDeps()), []string{"b"})
	assert.Equal(t, h.heap.Live(kindRelDeps), 10)

	h.close(b)
	assert.Equal(t, b.DirectOpenCount(), uint32(0))
	assert.Assert(t, !b.Removed())
	assert.DeepEqual(t, h.loaded(0), []string{"app", "libc", "a", "b"})
	assert.Assert(t, is.Len(h.rec.fini, 0))

	h.close(a)
	assert.DeepEqual(t, h.loaded(0), []string{"app", "libc"})
	assert.DeepEqual(t, h.rec.fini, []string{"a", "b"})
	assert.Equal(t, h.heap.Live(kindRelDeps), 0)
}

func TestRelDepsGrow(t *testing.T) {
	h := newHarness(t)
	h.start()
	a := h.open(h.spec("a"), 0)
	for i := 0; i < 11; i++ {
		m := h.open(h.spec(string(rune('b'+i))), 0)
		_, err := h.rt.AddDependency(a, m)
		assert.NilError(t, err)
	}
	assert.Equal(t, len(a.RelDeps()), 11)
	assert.Equal(t, h.heap.Live(kindRelDeps), 20)

	h.limit.Set(kindRelDeps, 0)
	for i := 11; i < 20; i++ {
		m := h.open(h.spec(string(rune('b'+i))), 0)
		_, err := h.rt.AddDependency(a, m)
		assert.NilError(t, err)
	}
	m := h.open(h.spec("last"), 0)
	_, err := h.rt.AddDependency(a, m)
	assert.ErrorIs(t, err, ErrNoMemory)
	assert.Equal(t, len(a.RelDeps()), 20)
}

func TestAddDependencyIgnoresUnloadable(t *testing.T) {
	h := newHarness(t)
	_, libc := h.start()
	a := h.open(h.spec("a"), 0)
	added, err := h.rt.AddDependency(a, libc)
	assert.NilError(t, err)
	assert.Assert(t, !added)
	added, err = h.rt.AddDependency(a, a)
	assert.NilError(t, err)
	assert.Assert(t, !added)
	p := h.open(h.spec("pinned"), OpenNodelete)
	added, err = h.rt.AddDependency(a, p)
	assert.NilError(t, err)
	assert.Assert(t, !added)
}

func TestNodeleteIsNeverUnloaded(t *testing.T) {
	h := newHarness(t)
	h.start()
	a := h.open(h.spec("a", h.spec("b")), OpenNodelete)
	assert.Assert(t, a.NodeleteActive())
	h.close(a)
	h.close(a)
	assert.Equal(t, a.DirectOpenCount(), uint32(1))
	assert.DeepEqual(t, h.loaded(0), []string{"app", "libc", "a", "b"})
	assert.Equal(t, testutil.ToFloat64(h.rt.metrics.closes.WithLabelValues("pinned")), 2.0)
	b := h.rt.Lookup(0, "b")
	for _, m := range []*Module{a, b} {
		for _, pc := range []uintptr{m.MapStart(), m.MapStart() + segSize/2, m.MapEnd() - 1} {
			o, ok := h.rt.FindObject(pc)
			assert.Assert(t, ok, "pc %#x", pc)
			assert.Equal(t, o.Owner, m)
		}
	}

	c := h.open(h.spec("c"), 0)
	again := h.open(&Spec{Name: "c"}, OpenNodelete)
	assert.Equal(t, again, c)
	assert.Equal(t, c.DirectOpenCount(), uint32(2))
	h.close(c)
	assert.Assert(t, !c.Removed())
}

func TestCloseWithoutOpenReference(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.open(h.spec("a", h.spec("b")), 0)
	b := h.rt.Lookup(0, "b")

	err := h.rt.Close(b, false)
	var se *SignalError
	assert.Assert(t, errors.As(err, &se))
	assert.Equal(t, se.Object, "b")
	assert.ErrorIs(t, err, ErrNotOpen)
	assert.Error(t, err, "b: shared object not open")
	assert.Assert(t, !b.Removed())
	assert.Equal(t, testutil.ToFloat64(h.rt.metrics.closes.WithLabelValues("not_open")), 1.0)
	assert.Equal(t, testutil.ToFloat64(h.rt.metrics.passes), 0.0)
}

func TestReopenCounts(t *testing.T) {
	h := newHarness(t)
	h.start()
	spec := h.spec("a")
	a := h.open(spec, 0)
	assert.Equal(t, h.open(spec, 0), a)
	assert.Equal(t, a.DirectOpenCount(), uint32(2))
	h.close(a)
	assert.Assert(t, !a.Removed())
	h.close(a)
	assert.Assert(t, a.Released())
}

func TestOpenDependencyDirectly(t *testing.T) {
	h := newHarness(t)
	h.start()
	a := h.open(h.spec("a", h.spec("b", h.spec("c"))), 0)
	b := h.rt.Lookup(0, "b")
	// the root lists its direct dependencies, its searchlist the closure
	assert.DeepEqual(t, names(a.Initfini()), []string{"a", "b"})
	assert.DeepEqual(t, names(a.Searchlist().Modules()), []string{"a", "b", "c"})
	assert.Equal(t, b.Searchlist().Len(), 0)

	assert.Equal(t, h.open(&Spec{Name: "b"}, 0), b)
	assert.DeepEqual(t, names(b.Searchlist().Modules()), []string{"b", "c"})
	c := h.rt.Lookup(0, "c")
	assert.Equal(t, len(c.Scope()), 3)
	assert.Equal(t, c.Scope()[2], b.Searchlist())

	h.close(a)
	assert.DeepEqual(t, h.loaded(0), []string{"app", "libc", "b", "c"})
	// the list of a is gone from the scope of b
	for _, s := range b.Scope() {
		assert.Assert(t, s.Owner() != a)
	}
	h.close(b)
	assert.DeepEqual(t, h.loaded(0), []string{"app", "libc"})
}

func TestNestedCloseFromFinalizer(t *testing.T) {
	h := newHarness(t)
	h.start()
	b := h.open(h.spec("b"), 0)
	a := h.spec("a")
	a.Finalizer = h.finalizer("a", func(c Closer) error {
		return c.Close(b, false)
	})
	am := h.open(a, 0)

	h.close(am)
	assert.DeepEqual(t, h.loaded(0), []string{"app", "libc"})
	assert.DeepEqual(t, h.rec.fini, []string{"a", "b"})
	assert.Equal(t, testutil.ToFloat64(h.rt.metrics.passes), 2.0)
	assert.Equal(t, h.rt.namespaces[0].closeState, closeIdle)
}

func TestFinalizerErrorIsFatal(t *testing.T) {
	h := newHarness(t)
	h.start()
	a := h.spec("a")
	a.Finalizer = FinalizerFunc(func(Closer) error { return errors.New("boom") })
	m := h.open(a, 0)
	fe := h.fatal(func() { _ = h.rt.Close(m, false) })
	assert.Equal(t, fe.Op, "finalize")
	assert.ErrorContains(t, fe, "boom")

	h = newHarness(t)
	h.start()
	a = h.spec("a")
	a.Finalizer = FinalizerFunc(func(Closer) error { panic("oops") })
	m = h.open(a, 0)
	fe = h.fatal(func() { _ = h.rt.Close(m, false) })
	assert.ErrorContains(t, fe, "panic: oops")
}

func TestTLSDestructorKeepsModule(t *testing.T) {
	h := newHarness(t)
	h.start()
	a := h.open(h.spec("a"), 0)
	a.RetainTLSDtor()
	h.close(a)
	assert.Assert(t, !a.Removed())
	assert.Equal(t, a.DirectOpenCount(), uint32(0))

	a.ReleaseTLSDtor()
	// the next pass over the namespace picks it up
	h.close(h.open(h.spec("b"), 0))
	assert.Assert(t, a.Released())
	assert.DeepEqual(t, h.rec.fini, []string{"b", "a"})
}

func TestFailedOpenIsUndone(t *testing.T) {
	h := newHarness(t)
	h.start()
	startup := h.heap.Live(kindInitfini)
	b := h.spec("b")
	b.Init = func() error { return errors.New("refused") }
	a := h.spec("a", b)
	var order []string
	a.Init = func() error { order = append(order, "a"); return nil }

	_, err := h.rt.Open(0, a, 0)
	assert.ErrorIs(t, err, ErrInit)
	assert.ErrorContains(t, err, "b: initializer failed")
	assert.Assert(t, is.Len(order, 0))
	assert.DeepEqual(t, h.loaded(0), []string{"app", "libc"})
	assert.DeepEqual(t, h.rec.unmap, []string{"a", "b"})
	// nothing was initialized, so nothing is finalized
	assert.Assert(t, is.Len(h.rec.fini, 0))
	assert.Equal(t, h.heap.Live(kindInitfini), startup)
	assert.Equal(t, h.heap.Live(kindSearchBuf), 0)
	_, ok := h.rt.FindObject(a.Segments[0].Start)
	assert.Assert(t, !ok)
}

func TestInitOrder(t *testing.T) {
	h := newHarness(t)
	h.start()
	var order []string
	mk := func(name string, needed ...*Spec) *Spec {
		s := h.spec(name, needed...)
		s.Init = func() error { order = append(order, name); return nil }
		return s
	}
	c := mk("c")
	h.open(mk("a", mk("b", c), c), 0)
	assert.DeepEqual(t, order, []string{"c", "b", "a"})
}

func TestOpenErrors(t *testing.T) {
	h := newHarness(t)
	_, err := h.rt.Open(0, h.spec("a"), 0)
	assert.ErrorIs(t, err, ErrNotStarted)
	h.start()
	assert.ErrorIs(t, h.rt.Start(h.spec("again")), ErrAlreadyStarted)

	_, err = h.rt.Open(0, &Spec{Name: "empty"}, 0)
	assert.ErrorIs(t, err, ErrInvalidSpec)
	_, err = h.rt.Open(0, &Spec{Name: "bad", Segments: []Range{{Start: 2, End: 1}}}, 0)
	assert.ErrorIs(t, err, ErrInvalidSpec)
	_, err = h.rt.Open(0, h.spec("dep", &Spec{Name: "missing"}), 0)
	assert.ErrorIs(t, err, ErrInvalidSpec)
	_, err = h.rt.Open(3, h.spec("far"), 0)
	assert.ErrorIs(t, err, ErrNamespace)
	assert.DeepEqual(t, h.loaded(0), []string{"app", "libc"})
}

func TestAllocationFailures(t *testing.T) {
	h := newHarness(t)
	h.start()
	startup := h.heap.Live(kindInitfini)

	h.limit.Set(kindInitfini, 3)
	_, err := h.rt.Open(0, h.spec("a", h.spec("b")), 0)
	assert.ErrorIs(t, err, ErrNoMemory)
	assert.Equal(t, h.heap.Live(kindInitfini), startup)
	h.limit.Set(kindInitfini, -1)

	h.limit.Set(kindSearchBuf, 0)
	_, err = h.rt.Open(0, h.spec("a"), 0)
	assert.ErrorIs(t, err, ErrNoMemory)
	assert.Equal(t, h.heap.Live(kindInitfini), startup)
	assert.DeepEqual(t, h.loaded(0), []string{"app", "libc"})
	h.limit.Set(kindSearchBuf, -1)

	a := h.open(h.spec("a"), 0)
	h.limit.Set(kindScratch, 0)
	err = h.rt.Close(a, false)
	assert.ErrorIs(t, err, ErrNoMemory)
	assert.Equal(t, a.DirectOpenCount(), uint32(1))
	assert.Assert(t, !a.Removed())
	assert.Equal(t, h.rt.namespaces[0].closeState, closeIdle)
	h.limit.Set(kindScratch, -1)
	h.close(a)
	assert.Assert(t, a.Released())
}

func TestBindRecordsDependency(t *testing.T) {
	h := newHarness(t)
	h.start()
	a := h.open(h.spec("a"), 0)
	b := h.open(h.spec("b"), OpenGlobal)

	v, def, err := h.rt.Bind(nil, a, "b_sym")
	assert.NilError(t, err)
	assert.Equal(t, def, b)
	assert.Equal(t, v, b.MapStart())
	assert.DeepEqual(t, names(a.RelDeps()), []string{"b"})

	_, _, err = h.rt.Bind(nil, a, "nothing")
	assert.ErrorContains(t, err, "undefined symbol: nothing")

	h.close(b)
	assert.Assert(t, !b.Removed())
	h.close(a)
	assert.Assert(t, b.Released())
}

func TestUniqueSymbolsScrubbedOnForce(t *testing.T) {
	h := newHarness(t)
	h.start()
	a := h.open(h.spec("a"), 0)
	b := h.open(h.spec("b"), 0)

	v, owner := h.rt.BindUnique(a, "u", 1)
	assert.Equal(t, v, uintptr(1))
	assert.Equal(t, owner, a)
	v, owner = h.rt.BindUnique(b, "u", 2)
	assert.Equal(t, v, uintptr(1))
	assert.Equal(t, owner, a)

	assert.NilError(t, h.rt.Close(a, true))
	_, _, ok := h.rt.UniqueSymbol(0, "u")
	assert.Assert(t, !ok)
	v, owner = h.rt.BindUnique(b, "u", 2)
	assert.Equal(t, v, uintptr(2))
	assert.Equal(t, owner, b)
}
