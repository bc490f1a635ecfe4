package linkmap

import "github.com/ZenLiuCN/linkmap/findobj"

// Object is the result of an address lookup.
type Object = findobj.Object[Module]

// FindObject returns the module mapping pc. It takes no lock and may run
// concurrently with Open and Close; a module being unloaded is either
// found whole or not at all.
func (r *Runtime) FindObject(pc uintptr) (Object, bool) {
	return r.index.Find(pc)
}

// FindObjectSlow scans the namespace lists under the write lock. It
// serves lookups before Start and checks the index in tests.
func (r *Runtime) FindObjectSlow(pc uintptr) (Object, bool) {
	r.writeLock.RLock()
	defer r.writeLock.RUnlock()
	for i := 0; i < r.nns; i++ {
		for l := r.namespaces[i].loaded; l != nil; l = l.next {
			if l.removed.Load() {
				continue
			}
			if l.Contains(pc) {
				return Object{Start: l.mapStart, End: l.mapEnd, Owner: l}, true
			}
		}
	}
	return Object{}, false
}

// UpdateFindObject adds modules not yet known to the address index. It
// returns false when the index could not grow, leaving it as it was. The
// load lock must be held.
func (r *Runtime) UpdateFindObject(mods []*Module) bool {
	var objs []findobj.Object[Module]
	var added []*Module
	for _, m := range mods {
		if m.findObjectProcessed {
			continue
		}
		objs = append(objs, findobj.Object[Module]{Start: m.mapStart, End: m.mapEnd, Owner: m})
		added = append(added, m)
	}
	r.writeLock.Lock()
	defer r.writeLock.Unlock()
	if !r.index.Update(objs) {
		return false
	}
	for _, m := range added {
		m.findObjectProcessed = true
	}
	return true
}

// IndexStats describes the address index.
type IndexStats struct {
	Version  uint64
	Retries  uint64
	Len      int
	Segments []findobj.SegmentStats
}

// IndexStats returns a snapshot of the address index.
func (r *Runtime) IndexStats() IndexStats {
	r.writeLock.Lock()
	defer r.writeLock.Unlock()
	return IndexStats{
		Version:  r.index.Version(),
		Retries:  r.index.Retries(),
		Len:      r.index.Len(),
		Segments: r.index.Stats(),
	}
}
