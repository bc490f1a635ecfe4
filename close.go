package linkmap

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Close drops one direct open reference of m and unloads every module of
// its namespace that is no longer in use. With force, unique symbols
// defined by unloaded modules are scrubbed as well; Open uses it to undo
// a failed load.
//
// Closing a module that cannot be unloaded does nothing. Closing a module
// without direct open reference is an error and changes nothing.
func (r *Runtime) Close(m *Module, force bool) error {
	r.loadLock.Lock()
	defer r.loadLock.Unlock()
	return r.closeLocked(m, force)
}

// nestedCloser lets finalizers close modules under the held load lock.
type nestedCloser struct {
	r *Runtime
}

func (c nestedCloser) Close(m *Module, force bool) error {
	return c.r.closeLocked(m, force)
}

func (r *Runtime) closeLocked(m *Module, force bool) error {
	if m.nodeleteActive {
		r.metrics.closes.WithLabelValues("pinned").Inc()
		return nil
	}
	if m.directOpenCount == 0 {
		r.metrics.closes.WithLabelValues("not_open").Inc()
		return &SignalError{Object: m.name, Msg: "shared object not open", Err: ErrNotOpen}
	}
	err := r.closeWorker(m, force)
	if err != nil {
		r.metrics.closes.WithLabelValues("error").Inc()
	} else {
		r.metrics.closes.WithLabelValues("ok").Inc()
	}
	return err
}

func (r *Runtime) closeWorker(m *Module, force bool) error {
	m.directOpenCount--
	ns := r.namespaces[m.ns]
	if m.directOpenCount > 0 || m.kind != KindLoaded || ns.closeState != closeIdle {
		// a pass in progress picks the module up on its rerun
		if m.directOpenCount == 0 && m.kind == KindLoaded {
			ns.closeState = closeRerun
		}
		r.log.WithFields(logrus.Fields{
			"module":            m.name,
			"direct_open_count": m.directOpenCount,
		}).Debug("closing")
		return nil
	}

	target := m
	for {
		ns.closeState = closePending
		if err := r.closePass(ns, target, force); err != nil {
			ns.closeState = closeIdle
			if target != nil {
				target.directOpenCount++
			}
			return err
		}
		if ns.closeState != closeRerun {
			break
		}
		// another module dropped its last reference meanwhile
		target = nil
	}
	ns.closeState = closeIdle
	return nil
}

// closePass runs one unload pass over ns. target, when set, is the module
// whose reference was dropped; it is sorted first so it is finalized
// before anything it depends on.
func (r *Runtime) closePass(ns *Namespace, target *Module, force bool) error {
	r.metrics.passes.Inc()
	n := ns.nloaded
	if err := r.alloc.Reserve(kindScratch, n); err != nil {
		return errors.Wrapf(err, "close namespace %d", ns.id)
	}
	defer r.alloc.Release(kindScratch, n)

	maps := make([]*Module, 0, n)
	for l := ns.loaded; l != nil; l = l.next {
		l.mapUsed = false
		l.mapDone = false
		l.idx = len(maps)
		maps = append(maps, l)
	}
	if len(maps) != n {
		r.fatal("close", errors.Errorf("namespace %d lists %d modules, counted %d", ns.id, len(maps), n))
	}
	if target != nil {
		i := target.idx
		maps[i] = maps[0]
		maps[i].idx = i
		maps[0] = target
		target.idx = 0
	}

	r.markUsed(maps)
	sortMaps(maps, target != nil, true)

	unloadAny := false
	scopeMemLeft := false
	unloadGlobal := 0
	firstLoaded := n
	for i, l := range maps {
		if l.ns != ns.id {
			r.fatal("close", errors.Errorf("module %s of namespace %d listed in %d", l.name, l.ns, ns.id))
		}
		if !l.mapUsed {
			if l.kind != KindLoaded || l.nodeleteActive {
				r.fatal("close", errors.Errorf("unused module %s can not be unloaded", l))
			}
			if l.initCalled {
				r.callFini(l)
			}
			if !unloadAny {
				r.observer.Activity(ns.id, ActivityDelete)
			}
			r.observer.ObjectClosed(l)
			l.removed.Store(true)
			unloadAny = true
			if l.global {
				unloadGlobal++
			}
			if i < firstLoaded {
				firstLoaded = i
			}
		} else if l.kind == KindLoaded {
			r.rewriteScope(l, &scopeMemLeft)
			if l.loader != nil && l.loader.idx != idxStillUsed {
				l.loader = nil
			}
			if i < firstLoaded {
				firstLoaded = i
			}
		}
	}
	if !unloadAny {
		return nil
	}

	r.observer.DebugState(ns.id, DebugDelete)

	if unloadGlobal > 0 {
		r.compactGlobalScope(ns, unloadGlobal)
	}
	if ns.mainSearchlist != nil && ns.mainSearchlist.owner.removed.Load() {
		ns.mainSearchlist = nil
	}

	if !r.barrier.SingleThreaded() && (unloadGlobal > 0 || scopeMemLeft || r.freeList.count > 0) {
		r.syncBarrier()
	}
	r.drainScopeFree()

	fr := newFreeRange()
	anyTLS := false
	r.tlsLock.Lock()
	r.writeLock.Lock()
	for _, l := range maps[firstLoaded:] {
		if l.mapUsed {
			continue
		}
		if l.kind != KindLoaded {
			r.fatal("close", errors.Errorf("unloading %s", l))
		}
		if l.tls.BlockSize > 0 {
			anyTLS = true
			r.unloadTLS(l, &fr)
		}
		if force {
			ns.scrubUnique(l)
		}
		r.log.WithFields(logrus.Fields{"module": l.name, "ns": ns.id}).Debug("destroying module")
		if err := r.unmapper.Unmap(l); err != nil {
			r.log.WithError(err).WithField("module", l.name).Warn("unmap failed")
		}
		ns.unlink(l)
		r.index.Remove(l.mapStart)
		r.release(l)
	}
	r.writeLock.Unlock()
	if anyTLS {
		r.bumpGeneration()
		r.tls.finishReclaim(&fr)
	}
	r.tlsLock.Unlock()

	r.gaugeLoaded(ns)
	r.observer.DebugState(ns.id, DebugConsistent)
	r.observer.Activity(ns.id, ActivityConsistent)

	if ns.loaded == nil && int(ns.id) == r.nns-1 {
		r.writeLock.Lock()
		for {
			r.nns--
			if r.nns == 0 || r.namespaces[r.nns-1].loaded != nil {
				break
			}
		}
		r.writeLock.Unlock()
	}
	return nil
}

// callFini runs the finalizer of m. A failing or panicking finalizer
// leaves the namespace half torn down, which is fatal.
func (r *Runtime) callFini(m *Module) {
	if m.finalizer == nil {
		return
	}
	r.log.WithField("module", m.name).Debug("calling fini")
	err := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				if fe, ok := p.(*FatalError); ok {
					panic(fe)
				}
				err = fmt.Errorf("panic: %v", p)
			}
		}()
		return m.finalizer.Fini(nestedCloser{r})
	}()
	if err != nil {
		r.fatal("finalize", errors.Wrapf(err, "finalizer of %s", m.name))
	}
}

// release drops the memory of an unloaded module. Its symbols are kept:
// the map is never written again and stale pointers to the module stay
// harmless.
func (r *Runtime) release(m *Module) {
	r.alloc.Release(kindInitfini, len(m.initfiniBuf))
	r.alloc.Release(kindRelDeps, cap(m.reldeps))
	r.alloc.Release(kindSearchBuf, m.searchBuf)
	if !m.scopeInUse() {
		r.alloc.Release(kindScope, len(m.scope.Load().elems))
	}
	m.initfini = nil
	m.initfiniBuf = nil
	m.reldeps = nil
	m.loader = nil
	m.released = true
	r.arena[m.id] = nil
	r.metrics.unloaded.Inc()
}

// scrubUnique drops unique symbols owned by m.
func (ns *Namespace) scrubUnique(m *Module) {
	ns.uniqueMu.Lock()
	defer ns.uniqueMu.Unlock()
	for name, u := range ns.unique {
		if u.owner == m {
			delete(ns.unique, name)
		}
	}
}
