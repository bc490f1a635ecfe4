package linkmap

import (
	"sync/atomic"

	"github.com/pkg/errors"
)

const (
	kindScope     = "linkmap.scope"
	kindInitfini  = "linkmap.initfini"
	kindRelDeps   = "linkmap.reldeps"
	kindScratch   = "linkmap.close.maps"
	kindSlotinfo  = "linkmap.tls.slotinfo"
	kindSearchBuf = "linkmap.searchlist"
)

// ScopeList is a search list: an ordered set of modules consulted for
// symbol resolution, owned by one module.
type ScopeList struct {
	owner *Module
	list  atomic.Pointer[[]*Module]
}

// Owner is the module whose record holds the list.
func (s *ScopeList) Owner() *Module {
	return s.owner
}

// Modules returns the published members. The result must not be modified.
func (s *ScopeList) Modules() []*Module {
	if p := s.list.Load(); p != nil {
		return *p
	}
	return nil
}

// Len of the published members.
func (s *ScopeList) Len() int {
	return len(s.Modules())
}

func (s *ScopeList) set(v []*Module) {
	if v == nil {
		s.list.Store(nil)
		return
	}
	s.list.Store(&v)
}

func (s *ScopeList) empty() bool {
	return s.list.Load() == nil
}

// Resolve looks name up in the scope of from, the way a lazy binding in
// from would. rd may be nil for callers that are not concurrent with Close.
func (r *Runtime) Resolve(rd *Reader, from *Module, name string) (uintptr, *Module, bool) {
	if rd != nil {
		rd.Enter()
		defer rd.Exit()
	}
	for _, s := range from.scope.Load().lists() {
		for _, l := range s.Modules() {
			if l.removed.Load() {
				continue
			}
			if v, ok := l.symbols[name]; ok {
				r.metrics.lookups.WithLabelValues("hit").Inc()
				return v, l, true
			}
		}
	}
	r.metrics.lookups.WithLabelValues("miss").Inc()
	return 0, nil, false
}

// extendScope appends s to the scope of m unless already present. The
// published array is never edited: a copy with the new entry replaces it,
// doubling the capacity when full, and a replaced heap array goes to the
// free list.
func (r *Runtime) extendScope(m *Module, s *ScopeList) error {
	cur := m.scope.Load()
	lists := cur.lists()
	for _, v := range lists {
		if v == s {
			return nil
		}
	}
	size := m.scopeMax
	if len(lists)+1 >= size {
		size *= 2
	}
	if err := r.alloc.Reserve(kindScope, size); err != nil {
		return errors.Wrapf(err, "cannot extend scope of %s", m.name)
	}
	next := &scopeArray{elems: make([]*ScopeList, size)}
	copy(next.elems, lists)
	next.elems[len(lists)] = s
	m.scope.Store(next)
	m.scopeMax = size
	r.metrics.scopeArrays.WithLabelValues("extended").Inc()
	if cur != &m.scopeInline {
		r.scopeFree(cur)
	}
	return nil
}

// addGlobal appends the members of s not yet global to the namespace
// global scope. Open refuses OpenGlobal once the scope is gone.
func (r *Runtime) addGlobal(ns *Namespace, s *ScopeList) {
	if ns.mainSearchlist == nil {
		return
	}
	cur := ns.mainSearchlist.Modules()
	next := append([]*Module(nil), cur...)
	for _, l := range s.Modules() {
		if !l.global {
			l.global = true
			next = append(next, l)
		}
	}
	if len(next) != len(cur) {
		ns.mainSearchlist.set(next)
	}
}

// compactGlobalScope drops removed modules from the namespace global scope.
// A removed suffix is cut off the published slice; anything else gets a
// fresh slice so readers walking the old one see it unchanged.
func (r *Runtime) compactGlobalScope(ns *Namespace, unloadGlobal int) {
	if ns.mainSearchlist == nil {
		return
	}
	list := ns.mainSearchlist.Modules()
	cnt := len(list)
	for cnt > 0 && list[cnt-1].removed.Load() {
		cnt--
	}
	if cnt+unloadGlobal == len(list) {
		ns.mainSearchlist.set(list[:cnt:cnt])
		return
	}
	next := make([]*Module, 0, cnt)
	for _, l := range list[:cnt] {
		if !l.removed.Load() {
			next = append(next, l)
		}
	}
	ns.mainSearchlist.set(next)
}
