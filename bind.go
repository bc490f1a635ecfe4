package linkmap

import "github.com/pkg/errors"

// AddDependency records that from uses symbols of to, a module loaded
// later that is not among the load time dependencies of from. It keeps
// to loaded as long as from is. Reports whether an edge was added.
func (r *Runtime) AddDependency(from, to *Module) (bool, error) {
	r.loadLock.Lock()
	defer r.loadLock.Unlock()
	return r.addDependency(from, to)
}

func (r *Runtime) addDependency(from, to *Module) (bool, error) {
	if from == to || to.kind != KindLoaded || to.nodeleteActive {
		return false, nil
	}
	if from.released || to.released || to.removed.Load() {
		return false, &SignalError{Object: to.name, Msg: "shared object not open", Err: ErrNotOpen}
	}
	if from.ns != to.ns {
		return false, errors.Errorf("dependency %s -> %s crosses namespaces", from.name, to.name)
	}
	if contains(from.initfini, to) || contains(from.reldeps, to) {
		return false, nil
	}
	if len(from.reldeps) == cap(from.reldeps) {
		size := 2 * cap(from.reldeps)
		if size == 0 {
			size = 10
		}
		if err := r.alloc.Reserve(kindRelDeps, size); err != nil {
			return false, errors.Wrapf(err, "cannot record dependency of %s", from.name)
		}
		next := make([]*Module, len(from.reldeps), size)
		copy(next, from.reldeps)
		r.alloc.Release(kindRelDeps, cap(from.reldeps))
		from.reldeps = next
	}
	from.reldeps = append(from.reldeps, to)
	r.log.WithField("module", from.name).Debugf("run time dependency on %s", to.name)
	return true, nil
}

// Bind resolves name from the scope of from and, when the definition lives
// in a module outside the load time dependencies of from, records the run
// time dependency.
func (r *Runtime) Bind(rd *Reader, from *Module, name string) (uintptr, *Module, error) {
	v, def, ok := r.Resolve(rd, from, name)
	if !ok {
		return 0, nil, errors.Errorf("%s: undefined symbol: %s", from.name, name)
	}
	if _, err := r.AddDependency(from, def); err != nil {
		return 0, nil, err
	}
	return v, def, nil
}

// BindUnique returns the namespace wide definition of a unique symbol,
// installing the one of m when there is none yet.
func (r *Runtime) BindUnique(m *Module, name string, value uintptr) (uintptr, *Module) {
	ns := r.namespaces[m.ns]
	ns.uniqueMu.Lock()
	defer ns.uniqueMu.Unlock()
	if u, ok := ns.unique[name]; ok {
		return u.value, u.owner
	}
	ns.unique[name] = uniqueSymbol{value: value, owner: m}
	return value, m
}

// UniqueSymbol looks a unique symbol up in ns.
func (r *Runtime) UniqueSymbol(ns NamespaceID, name string) (uintptr, *Module, bool) {
	n := r.Namespace(ns)
	if n == nil {
		return 0, nil, false
	}
	n.uniqueMu.Lock()
	defer n.uniqueMu.Unlock()
	u, ok := n.unique[name]
	return u.value, u.owner, ok
}
