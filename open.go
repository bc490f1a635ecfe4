package linkmap

import (
	"github.com/ZenLiuCN/linkmap/findobj"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Spec describes a module to load.
type Spec struct {
	Name     string
	Segments []Range
	// Needed are the load time dependencies, in search order.
	Needed   []*Spec
	Symbols  map[string]uintptr
	Symbolic bool

	TLSBlockSize uintptr
	TLSAlign     uintptr
	// StaticTLS asks for a static TLS offset, granted when space is left.
	StaticTLS       bool
	TLSForceDynamic bool

	// Init runs after the module and its dependencies are linked.
	Init      func() error
	Finalizer Finalizer
}

func (s *Spec) validate() error {
	if s == nil || s.Name == "" {
		return errors.Wrap(ErrInvalidSpec, "module without name")
	}
	if len(s.Segments) == 0 {
		return errors.Wrapf(ErrInvalidSpec, "%s: no segment", s.Name)
	}
	for _, seg := range s.Segments {
		if seg.Start >= seg.End {
			return errors.Wrapf(ErrInvalidSpec, "%s: empty segment [%#x,%#x)", s.Name, seg.Start, seg.End)
		}
	}
	return nil
}

// OpenMode flags of Open.
type OpenMode uint8

const (
	// OpenGlobal adds the module and its dependencies to the global scope.
	OpenGlobal OpenMode = 1 << iota
	// OpenNodelete pins the module for the life of the runtime.
	OpenNodelete
)

// setInitfini stores m followed by deps, with room for a private search
// list of the same length after a nil slot.
func (r *Runtime) setInitfini(m *Module, deps []*Module) error {
	cnt := len(deps) + 1
	if err := r.alloc.Reserve(kindInitfini, 2*cnt+1); err != nil {
		return errors.Wrapf(err, "cannot allocate dependency list of %s", m.name)
	}
	buf := make([]*Module, 2*cnt+1)
	buf[0] = m
	copy(buf[1:], deps)
	copy(buf[cnt+1:], buf[:cnt])
	m.initfiniBuf = buf
	m.initfini = buf[:cnt:cnt]
	return nil
}

// setScope fills the initial scope of a new module: its own symbols
// first when symbolic, then the global scope and the local scope.
func setScope(m *Module, global, local *ScopeList) {
	idx := 0
	if m.symbolic {
		m.scopeMem[idx] = &m.symbolicSearchlist
		idx++
	}
	if global != nil {
		m.scopeMem[idx] = global
		idx++
	}
	if local != nil && local != global {
		m.scopeMem[idx] = local
	}
}

// tree is the result of mapping a spec and its dependencies.
type tree struct {
	root  *Module
	fresh []*Module
	// closure of root, breadth first
	order []*Module
}

// mapTree creates the modules of spec missing from ns. Nothing is linked
// yet; on error the reservations taken are returned.
func (r *Runtime) mapTree(ns *Namespace, spec *Spec, kind Kind) (t tree, err error) {
	byName := map[string]*Module{}
	specs := map[*Module]*Spec{}
	get := func(s *Spec) (*Module, error) {
		if m, ok := byName[s.Name]; ok {
			return m, nil
		}
		if m := ns.find(s.Name); m != nil {
			byName[s.Name] = m
			return m, nil
		}
		if err := s.validate(); err != nil {
			return nil, err
		}
		m := newModule(s, ns.id, kind)
		byName[s.Name] = m
		specs[m] = s
		t.fresh = append(t.fresh, m)
		return m, nil
	}
	defer func() {
		if err != nil {
			for _, m := range t.fresh {
				r.alloc.Release(kindInitfini, len(m.initfiniBuf))
			}
			t = tree{}
		}
	}()

	if t.root, err = get(spec); err != nil {
		return
	}
	seen := map[*Module]bool{t.root: true}
	t.order = []*Module{t.root}
	for i := 0; i < len(t.order); i++ {
		m := t.order[i]
		var deps []*Module
		if s, ok := specs[m]; ok {
			for _, d := range s.Needed {
				dep, err := get(d)
				if err != nil {
					return t, err
				}
				if dep != m && !contains(deps, dep) {
					deps = append(deps, dep)
				}
			}
			if err = r.setInitfini(m, deps); err != nil {
				return
			}
		} else if len(m.initfini) > 0 {
			deps = m.initfini[1:]
		}
		for _, dep := range deps {
			if !seen[dep] {
				seen[dep] = true
				t.order = append(t.order, dep)
			}
		}
	}
	return
}

func contains(v []*Module, m *Module) bool {
	for _, l := range v {
		if l == m {
			return true
		}
	}
	return false
}

// Start installs the main program and the libraries it needs. They are
// never unloaded.
func (r *Runtime) Start(main *Spec) error {
	r.loadLock.Lock()
	defer r.loadLock.Unlock()
	if r.started {
		return ErrAlreadyStarted
	}
	ns := r.namespaces[0]
	t, err := r.mapTree(ns, main, KindLibrary)
	if err != nil {
		return err
	}
	exe := t.root
	exe.kind = KindExecutable
	exe.searchlist.set(t.order)
	ns.mainSearchlist = &exe.searchlist

	var tlsMods []*Module
	r.writeLock.Lock()
	for _, m := range t.order {
		m.global = true
		m.loader = exe
		setScope(m, &exe.searchlist, nil)
		r.register(m)
		ns.link(m)
		if m.tls.BlockSize > 0 {
			tlsMods = append(tlsMods, m)
		}
	}
	r.nns = 1
	r.writeLock.Unlock()

	r.tlsLock.Lock()
	r.tls.initSlotinfo(uint64(len(tlsMods)))
	for i, m := range tlsMods {
		m.tls.ModID = uint64(i + 1)
		if !r.tls.allocateStatic(m) {
			r.tlsLock.Unlock()
			return errors.Errorf("cannot allocate static TLS for %s", m.name)
		}
		s := &r.tls.slotinfo.slots[m.tls.ModID]
		s.gen.Store(r.tls.generation.Load())
		s.mod.Store(m)
	}
	r.metrics.tlsGen.Set(float64(r.tls.generation.Load()))
	r.tlsLock.Unlock()

	var mainObj findobj.Object[Module]
	var mainSegs, nodelete []findobj.Object[Module]
	if exe.contiguous {
		mainObj = findobj.Object[Module]{Start: exe.mapStart, End: exe.mapEnd, Owner: exe}
	} else {
		for _, s := range exe.segments {
			mainSegs = append(mainSegs, findobj.Object[Module]{Start: s.Start, End: s.End, Owner: exe})
		}
	}
	for _, m := range t.order[1:] {
		nodelete = append(nodelete, findobj.Object[Module]{Start: m.mapStart, End: m.mapEnd, Owner: m})
	}
	if err := r.index.Init(mainObj, mainSegs, nodelete, nil); err != nil {
		return errors.Wrap(err, "cannot allocate address lookup data")
	}
	for _, m := range t.order {
		m.findObjectProcessed = true
	}
	r.started = true
	r.gaugeLoaded(ns)

	if err := r.runInit(t.order); err != nil {
		return err
	}
	r.log.WithField("modules", len(t.order)).Info("started")
	return nil
}

// runInit calls initializers of mods, dependencies first.
func (r *Runtime) runInit(mods []*Module) error {
	sorted := append([]*Module(nil), mods...)
	sortMaps(sorted, false, false)
	for i := len(sorted) - 1; i >= 0; i-- {
		m := sorted[i]
		if m.initCalled {
			continue
		}
		if m.init != nil {
			r.log.WithField("module", m.name).Debug("calling init")
			if err := m.init(); err != nil {
				return &SignalError{Object: m.name, Msg: "initializer failed", Err: errors.Wrap(ErrInit, err.Error())}
			}
		}
		m.initCalled = true
	}
	return nil
}

// namespaceFor resolves the target namespace of Open.
func (r *Runtime) namespaceFor(id NamespaceID) (*Namespace, error) {
	if id == NamespaceNew {
		for i := 1; i < len(r.namespaces); i++ {
			if r.namespaces[i].loaded == nil {
				return r.namespaces[i], nil
			}
		}
		return nil, ErrNamespace
	}
	if id < 0 || int(id) >= r.nns {
		return nil, errors.Wrapf(ErrNamespace, "invalid target namespace %d", id)
	}
	return r.namespaces[id], nil
}

// Open loads spec and its missing dependencies into namespace id, or
// takes another reference when it is loaded already.
//
// A spec naming a module loaded already needs no segments.
func (r *Runtime) Open(id NamespaceID, spec *Spec, mode OpenMode) (*Module, error) {
	if spec == nil || spec.Name == "" {
		return nil, errors.Wrap(ErrInvalidSpec, "module without name")
	}
	r.loadLock.Lock()
	defer r.loadLock.Unlock()
	if !r.started {
		return nil, ErrNotStarted
	}
	ns, err := r.namespaceFor(id)
	if err != nil {
		return nil, err
	}
	if mode&OpenGlobal != 0 && ns.loaded != nil && ns.mainSearchlist == nil {
		// the first module of the namespace is gone and took the global scope with it
		return nil, errors.Wrapf(ErrNamespace, "namespace %d has no global scope", ns.id)
	}
	log := r.log.WithFields(logrus.Fields{"module": spec.Name, "ns": ns.id})

	if m := ns.find(spec.Name); m != nil {
		if err := r.ensureSearchlist(m); err != nil {
			return nil, err
		}
		if mode&OpenGlobal != 0 {
			r.addGlobal(ns, &m.searchlist)
		}
		if mode&OpenNodelete != 0 {
			m.nodeleteActive = true
		}
		m.directOpenCount++
		log.WithField("direct_open_count", m.directOpenCount).Debug("opened again")
		return m, nil
	}

	t, err := r.mapTree(ns, spec, KindLoaded)
	if err != nil {
		return nil, err
	}
	root := t.root
	if err := r.alloc.Reserve(kindSearchBuf, len(t.order)); err != nil {
		for _, m := range t.fresh {
			r.alloc.Release(kindInitfini, len(m.initfiniBuf))
		}
		return nil, errors.Wrapf(err, "cannot allocate search list of %s", root.name)
	}
	root.searchBuf = len(t.order)
	root.searchlist.set(t.order)

	r.observer.Activity(ns.id, ActivityAdd)
	r.observer.DebugState(ns.id, DebugAdd)

	r.writeLock.Lock()
	if ns.loaded == nil {
		ns.mainSearchlist = &root.searchlist
		for _, m := range t.order {
			m.global = true
		}
	}
	for _, m := range t.fresh {
		m.loader = root
		setScope(m, ns.mainSearchlist, &root.searchlist)
		r.register(m)
		ns.link(m)
	}
	if int(ns.id) >= r.nns {
		r.nns = int(ns.id) + 1
	}
	r.writeLock.Unlock()
	root.directOpenCount++
	r.gaugeLoaded(ns)

	if err := r.finishOpen(ns, t, mode); err != nil {
		log.WithError(err).Warn("open failed, unloading")
		if cerr := r.closeWorker(root, true); cerr != nil {
			log.WithError(cerr).Error("cleanup after failed open")
		}
		return nil, err
	}
	r.observer.DebugState(ns.id, DebugConsistent)
	r.observer.Activity(ns.id, ActivityConsistent)
	r.metrics.opens.Inc()
	log.WithField("fresh", len(t.fresh)).Debug("opened")
	return root, nil
}

// finishOpen sets up TLS, scopes and the address index of linked
// modules, then runs their initializers. On error the caller unloads the
// tree again.
func (r *Runtime) finishOpen(ns *Namespace, t tree, mode OpenMode) error {
	anyTLS := false
	r.tlsLock.Lock()
	for _, m := range t.fresh {
		if m.tls.BlockSize == 0 {
			continue
		}
		anyTLS = true
		m.tls.ModID = r.tls.assignModid(m)
		if m.staticTLS {
			r.tls.allocateStatic(m)
		}
		if err := r.addToSlotinfo(m); err != nil {
			r.tlsLock.Unlock()
			return err
		}
	}
	r.tlsLock.Unlock()

	// modules loaded before see the new local scope too
	for _, m := range t.order {
		if m.kind == KindLoaded && m.initCalled && m != t.root {
			if err := r.extendScope(m, &t.root.searchlist); err != nil {
				return err
			}
		}
	}

	if !r.UpdateFindObject(t.fresh) {
		return errors.Wrap(ErrNoMemory, "cannot allocate address lookup data")
	}

	if anyTLS {
		r.tlsLock.Lock()
		r.bumpGeneration()
		r.tlsLock.Unlock()
	}

	if err := r.runInit(t.order); err != nil {
		return err
	}
	if mode&OpenGlobal != 0 {
		r.addGlobal(ns, &t.root.searchlist)
	}
	if mode&OpenNodelete != 0 {
		t.root.nodeleteActive = true
	}
	return nil
}

// ensureSearchlist gives a module loaded as a dependency its own search
// list once it is opened directly.
func (r *Runtime) ensureSearchlist(m *Module) error {
	if !m.searchlist.empty() || m.kind != KindLoaded {
		return nil
	}
	order := []*Module{m}
	seen := map[*Module]bool{m: true}
	for i := 0; i < len(order); i++ {
		if len(order[i].initfini) == 0 {
			continue
		}
		for _, dep := range order[i].initfini[1:] {
			if !seen[dep] {
				seen[dep] = true
				order = append(order, dep)
			}
		}
	}
	if err := r.alloc.Reserve(kindSearchBuf, len(order)); err != nil {
		return errors.Wrapf(err, "cannot allocate search list of %s", m.name)
	}
	m.searchBuf = len(order)
	m.searchlist.set(order)
	for _, l := range order {
		if l.kind == KindLoaded && l.initCalled {
			if err := r.extendScope(l, &m.searchlist); err != nil {
				return err
			}
		}
	}
	return nil
}
