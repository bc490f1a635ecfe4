package linkmap

import (
	"sync/atomic"

	"github.com/pkg/errors"
)

// slotinfoSurplus is the size of every slotinfo chunk after the first,
// and the spare room of the first one.
const slotinfoSurplus = 62

type slotinfo struct {
	gen atomic.Uint64
	mod atomic.Pointer[Module]
}

// slotinfoList is a chunk of the TLS module id table. Chunk lengths never
// change once linked; the chain only grows.
type slotinfoList struct {
	slots []slotinfo
	next  atomic.Pointer[slotinfoList]
}

// tlsState is shared by every namespace and guarded by the TLS lock.
type tlsState struct {
	layout      TLSLayout
	generation  atomic.Uint64
	maxDtvIdx   atomic.Uint64
	staticNelem uint64
	dtvGaps     bool
	slotinfo    *slotinfoList
	staticUsed  uintptr
	staticSize  uintptr
}

// tlsFreeRange is the static TLS range freed during one close pass.
type tlsFreeRange struct {
	start uintptr
	end   uintptr
}

func newFreeRange() tlsFreeRange {
	return tlsFreeRange{start: NoTLSOffset, end: NoTLSOffset}
}

func alignUp(v, align uintptr) uintptr {
	if align <= 1 {
		return v
	}
	return (v + align - 1) / align * align
}

// TLSInfo is a snapshot of the TLS bookkeeping.
type TLSInfo struct {
	Layout      TLSLayout
	Generation  uint64
	MaxDtvIdx   uint64
	StaticNelem uint64
	Gaps        bool
	StaticUsed  uintptr
	StaticSize  uintptr
	// Slots lists the module of every id up to MaxDtvIdx, nil for gaps.
	Slots []*Module
	// Generations holds the generation recorded for each slot.
	Generations []uint64
}

// TLSInfo returns a snapshot of the TLS bookkeeping.
func (r *Runtime) TLSInfo() TLSInfo {
	r.tlsLock.Lock()
	defer r.tlsLock.Unlock()
	t := &r.tls
	v := TLSInfo{
		Layout:      t.layout,
		Generation:  t.generation.Load(),
		MaxDtvIdx:   t.maxDtvIdx.Load(),
		StaticNelem: t.staticNelem,
		Gaps:        t.dtvGaps,
		StaticUsed:  t.staticUsed,
		StaticSize:  t.staticSize,
	}
	top := v.MaxDtvIdx
	var idx uint64
	for l := t.slotinfo; l != nil && idx <= top; l = l.next.Load() {
		for i := range l.slots {
			if idx > top {
				break
			}
			v.Slots = append(v.Slots, l.slots[i].mod.Load())
			v.Generations = append(v.Generations, l.slots[i].gen.Load())
			idx++
		}
	}
	return v
}

// initSlotinfo creates the first chunk for the startup modules.
func (t *tlsState) initSlotinfo(nelem uint64) {
	t.staticNelem = nelem
	t.maxDtvIdx.Store(nelem)
	t.slotinfo = &slotinfoList{slots: make([]slotinfo, nelem+slotinfoSurplus)}
	t.generation.Store(1)
}

// assignModid returns the next module id, reusing a gap left by an
// unloaded module when there is one. A reused slot is claimed right away.
func (t *tlsState) assignModid(m *Module) uint64 {
	if t.dtvGaps {
		result := t.staticNelem + 1
		disp := uint64(0)
		if result <= t.maxDtvIdx.Load() {
			for l := t.slotinfo; l != nil; l = l.next.Load() {
				n := uint64(len(l.slots))
				for result-disp < n && l.slots[result-disp].mod.Load() != nil {
					result++
				}
				if result-disp < n {
					l.slots[result-disp].mod.Store(m)
					break
				}
				disp += n
			}
		}
		if result <= t.maxDtvIdx.Load() {
			return result
		}
		// no gap left
		t.dtvGaps = false
	}
	return t.maxDtvIdx.Add(1)
}

// addToSlotinfo records m in the slot of its module id, growing the chain
// by one chunk when needed. The generation is the one the next bump
// publishes.
func (r *Runtime) addToSlotinfo(m *Module) error {
	t := &r.tls
	idx := m.tls.ModID
	l := t.slotinfo
	for idx >= uint64(len(l.slots)) {
		idx -= uint64(len(l.slots))
		next := l.next.Load()
		if next == nil {
			if idx != 0 {
				r.fatal("add slotinfo", errors.Errorf("module id %d skips a chunk", m.tls.ModID))
			}
			if err := r.alloc.Reserve(kindSlotinfo, slotinfoSurplus); err != nil {
				return errors.Wrap(err, "cannot create TLS data structures")
			}
			next = &slotinfoList{slots: make([]slotinfo, slotinfoSurplus)}
			l.next.Store(next)
		}
		l = next
	}
	l.slots[idx].gen.Store(t.generation.Load() + 1)
	l.slots[idx].mod.Store(m)
	return nil
}

// allocateStatic places the block of m in static TLS when it fits.
func (t *tlsState) allocateStatic(m *Module) bool {
	if m.tls.Offset == ForcedDynamicTLSOffset {
		return false
	}
	switch t.layout {
	case DTVAtTP:
		offset := alignUp(t.staticUsed, m.tls.Align)
		used := offset + m.tls.BlockSize
		if used > t.staticSize {
			return false
		}
		m.tls.FirstByteOffset = t.staticUsed
		m.tls.Offset = offset
		t.staticUsed = used
	default:
		offset := alignUp(t.staticUsed+m.tls.BlockSize, m.tls.Align)
		if offset > t.staticSize {
			return false
		}
		m.tls.Offset = offset
		m.tls.FirstByteOffset = offset - m.tls.BlockSize
		t.staticUsed = offset
	}
	return true
}

// removeSlotinfo clears slot idx and, when it was the highest one, lowers
// the highest used module id past any trailing empty slots. It reports
// whether a used slot was found below, which callers up the chain use to
// stop scanning.
func (r *Runtime) removeSlotinfo(idx uint64, l *slotinfoList, disp uint64, shouldBeThere bool) bool {
	t := &r.tls
	if n := uint64(len(l.slots)); idx-disp >= n {
		next := l.next.Load()
		if next == nil {
			// a module that never got that far into loading
			if shouldBeThere {
				r.fatal("remove slotinfo", errors.Errorf("module id %d not in slotinfo", idx))
			}
			idx = disp + n
		} else {
			if r.removeSlotinfo(idx, next, disp+n, shouldBeThere) {
				return true
			}
			// the next chunk is empty, continue below it
			idx = disp + n
		}
	} else {
		// the slot is still empty for a module that was not fully set up
		if s := &l.slots[idx-disp]; s.mod.Load() != nil {
			s.gen.Store(t.generation.Load() + 1)
			s.mod.Store(nil)
		}
		if idx != t.maxDtvIdx.Load() {
			// a gap below the highest id
			t.dtvGaps = true
			return true
		}
	}
	floor := uint64(0)
	if disp == 0 {
		floor = 1 + t.staticNelem
	}
	for idx-disp > floor {
		idx--
		if l.slots[idx-disp].mod.Load() != nil {
			t.maxDtvIdx.Store(idx)
			return true
		}
	}
	// no non-empty entry in this chunk
	return false
}

// unloadTLS drops m from the slotinfo table and merges its static block
// into fr.
func (r *Runtime) unloadTLS(m *Module, fr *tlsFreeRange) {
	t := &r.tls
	if !r.removeSlotinfo(m.tls.ModID, t.slotinfo, 0, m.initCalled) {
		t.maxDtvIdx.Store(t.staticNelem)
	}
	if m.tls.Static() {
		t.reclaim(fr, m)
	}
}

// reclaim merges the static block of m into the freed range. Blocks that
// cannot be merged are given back only when they sit at the used end of
// the static area; otherwise the higher of the two ranges is kept and the
// other leaks.
func (t *tlsState) reclaim(fr *tlsFreeRange, m *Module) {
	size := m.tls.BlockSize
	off := m.tls.Offset
	if t.layout == DTVAtTP {
		first := m.tls.FirstByteOffset
		end := off + size
		switch {
		case fr.start == NoTLSOffset:
			fr.start = first
			fr.end = end
		case first == fr.end:
			fr.end = end
		case end == fr.start:
			fr.start = first
		case end == t.staticUsed:
			t.staticUsed = first
		case fr.end == t.staticUsed:
			t.staticUsed = fr.start
			fr.start = first
			fr.end = end
		case fr.end < first:
			fr.start = first
			fr.end = end
		}
		return
	}
	// the block is [off-size, off)
	switch {
	case fr.start == NoTLSOffset || off == fr.start:
		fr.start = off - size
		if fr.end == NoTLSOffset {
			fr.end = off
		}
	case off-size == fr.end:
		fr.end = off
	case fr.end == t.staticUsed:
		t.staticUsed = fr.start
		fr.end = off
		fr.start = off - size
	case off == t.staticUsed:
		t.staticUsed = off - size
	case fr.end < off:
		fr.end = off
		fr.start = off - size
	}
}

// finishReclaim gives the freed range back when it ends at the used end.
func (t *tlsState) finishReclaim(fr *tlsFreeRange) {
	if fr.end != NoTLSOffset && fr.end == t.staticUsed {
		t.staticUsed = fr.start
	}
}

// bumpGeneration publishes a new TLS generation. A wrapped counter would
// make stale thread vectors look current.
func (r *Runtime) bumpGeneration() {
	gen := r.tls.generation.Load() + 1
	if gen == 0 {
		r.fatal("tls generation", errors.New("TLS generation counter wrapped"))
	}
	r.tls.generation.Store(gen)
	r.metrics.tlsGen.Set(float64(gen))
}

// CountModids counts module ids in use, static ones included.
func (r *Runtime) CountModids() uint64 {
	r.tlsLock.Lock()
	defer r.tlsLock.Unlock()
	t := &r.tls
	if !t.dtvGaps {
		return t.maxDtvIdx.Load()
	}
	var n uint64
	var idx uint64
	top := t.maxDtvIdx.Load()
	for l := t.slotinfo; l != nil; l = l.next.Load() {
		for i := range l.slots {
			if idx > top {
				return n
			}
			if idx > 0 && l.slots[i].mod.Load() != nil {
				n++
			}
			idx++
		}
	}
	return n
}
