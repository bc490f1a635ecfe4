package linkmap

import "github.com/pkg/errors"

// markUsed classifies every module of maps as used or unused. maps[i].idx
// must be i on entry. A module is used when it is pinned by itself, or
// reachable from a pinned one through initfini or reldeps edges.
//
// Marking a dependency that sits before the cursor moves the cursor back
// to it, so edges pointing backwards are propagated without a second
// pass. Every module is finished at most once, which bounds the work by
// the number of edges.
func (r *Runtime) markUsed(maps []*Module) {
	n := len(maps)
	for done := 0; done < n; done++ {
		l := maps[done]
		if l.mapDone {
			continue
		}
		if l.unused() && !l.mapUsed {
			continue
		}
		l.mapUsed = true
		l.mapDone = true
		l.idx = idxStillUsed

		if len(l.initfini) > 0 {
			for _, dep := range l.initfini[1:] {
				done = r.markDep(maps, dep, done)
			}
		}
		for _, dep := range l.reldeps {
			done = r.markDep(maps, dep, done)
		}
	}
}

// markDep marks dep used and returns the cursor to continue from.
func (r *Runtime) markDep(maps []*Module, dep *Module, done int) int {
	if dep.idx == idxStillUsed {
		return done
	}
	if dep.idx < 0 || dep.idx >= len(maps) || maps[dep.idx] != dep {
		r.fatal("mark used", errors.Errorf("dependency %s of namespace %d is not in the module list", dep.name, dep.ns))
	}
	if !dep.mapUsed {
		dep.mapUsed = true
		if dep.idx-1 < done {
			return dep.idx - 1
		}
	}
	return done
}
