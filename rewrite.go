package linkmap

import "github.com/pkg/errors"

// scopeFreeListSize bounds the scope arrays waiting for readers to leave.
const scopeFreeListSize = 50

type scopeFreeList struct {
	count int
	list  [scopeFreeListSize]*scopeArray
}

// rewriteScope drops the search lists of unused modules from the scope of
// m, a module that stays loaded. The modules m depends on stay reachable
// through a private search list built over its initfini storage, put in
// place of the first dropped entry.
//
// memLeft is set when the replaced array may still be read and was not
// queued, and cleared when queuing it forced a wait for readers.
func (r *Runtime) rewriteScope(m *Module, memLeft *bool) {
	var private *ScopeList
	if m.searchlist.empty() && len(m.initfini) > 0 {
		cnt := len(m.initfini)
		// the tail of the backing array after the nil slot
		m.searchlist.set(m.initfiniBuf[cnt+1 : 2*cnt+1 : 2*cnt+1])
		private = &m.searchlist
	}

	cur := m.scope.Load()
	remain := 1
	if private != nil {
		remain++
	}
	removed := false
	for _, s := range cur.lists() {
		if s == &m.symbolicSearchlist {
			remain++
			continue
		}
		owner := s.owner
		if owner.ns != m.ns {
			r.fatal("rewrite scope", errors.Errorf("scope of %s references %s of namespace %d", m.name, owner.name, owner.ns))
		}
		if owner.idx == idxStillUsed {
			remain++
		} else {
			removed = true
		}
	}

	if !removed {
		if private != nil {
			// nothing needed the private list
			m.searchlist.set(nil)
		}
		return
	}

	var next *scopeArray
	size := m.scopeMax
	switch {
	case cur != &m.scopeInline && remain < scopeElems:
		size = scopeElems
		next = &m.scopeInline
	default:
		if err := r.alloc.Reserve(kindScope, size); err != nil {
			r.fatal("rewrite scope", errors.Wrap(err, "cannot create scope list"))
		}
		next = &scopeArray{elems: make([]*ScopeList, size)}
	}

	k := 0
	for _, s := range cur.lists() {
		if s != &m.symbolicSearchlist && s.owner.idx != idxStillUsed {
			if private != nil {
				next.elems[k] = private
				k++
				private = nil
			}
			continue
		}
		next.elems[k] = s
		k++
	}
	for i := k; i < len(next.elems); i++ {
		next.elems[i] = nil
	}

	old := cur
	m.scope.Store(next)
	m.scopeMax = size
	r.metrics.scopeArrays.WithLabelValues("rewritten").Inc()
	r.log.WithField("module", m.name).Debugf("scope rewritten, %d lists remain", k)

	if old != &m.scopeInline {
		if r.scopeFree(old) {
			*memLeft = false
		}
	} else {
		*memLeft = true
	}
}

// scopeFree disposes of a replaced heap scope array. Without concurrent
// readers it is released at once. Otherwise it is queued, and a full queue
// is drained after waiting for readers, in which case scopeFree reports
// true.
func (r *Runtime) scopeFree(old *scopeArray) bool {
	if r.barrier.SingleThreaded() {
		r.releaseScope(old)
		return false
	}
	fl := &r.freeList
	if fl.count < scopeFreeListSize {
		fl.list[fl.count] = old
		fl.count++
		r.metrics.scopeArrays.WithLabelValues("queued").Inc()
		return false
	}
	r.syncBarrier()
	r.drainScopeFree()
	r.releaseScope(old)
	return true
}

func (r *Runtime) drainScopeFree() {
	fl := &r.freeList
	for fl.count > 0 {
		fl.count--
		r.releaseScope(fl.list[fl.count])
		fl.list[fl.count] = nil
	}
}

// releaseScope clears a scope array no reader can reach anymore.
func (r *Runtime) releaseScope(a *scopeArray) {
	for i := range a.elems {
		a.elems[i] = nil
	}
	r.alloc.Release(kindScope, len(a.elems))
	r.metrics.scopeArrays.WithLabelValues("released").Inc()
}

func (r *Runtime) syncBarrier() {
	r.barrier.Wait()
	r.metrics.barriers.Inc()
}

// ScopeFreePending reports how many scope arrays wait for readers.
func (r *Runtime) ScopeFreePending() int {
	r.loadLock.Lock()
	defer r.loadLock.Unlock()
	return r.freeList.count
}
