package findobj

import (
	"slices"
	"sync/atomic"
)

// Object is the copy of one mapping handed out by a lookup.
type Object[T any] struct {
	Start uintptr
	End   uintptr // equals Start once the owner was closed
	Owner *T      // nil once the owner was closed
}

// Contains reports whether pc lies inside the mapping.
func (o Object[T]) Contains(pc uintptr) bool {
	return pc >= o.Start && pc < o.End
}

// entry is the shared form of Object. Every field is a single word and is
// read and written atomically, so a reader never sees a torn field.
type entry[T any] struct {
	start atomic.Uintptr
	end   atomic.Uintptr
	owner atomic.Pointer[T]
}

func (e *entry[T]) load() Object[T] {
	return Object[T]{Start: e.start.Load(), End: e.end.Load(), Owner: e.owner.Load()}
}

func (e *entry[T]) store(o Object[T]) {
	e.start.Store(o.Start)
	e.end.Store(o.End)
	e.owner.Store(o.Owner)
}

// search finds pc among the address sorted entries. It assumes
// pc >= objs[0].start; a concurrent update may break that, in which case
// nil is returned and the caller's version check fails.
func search[T any](pc uintptr, objs []entry[T]) *entry[T] {
	first, size := 0, len(objs)
	for size > 0 {
		half := size >> 1
		middle := first + half
		if objs[middle].start.Load() < pc {
			first = middle + 1
			size -= half + 1
		} else {
			size = half
		}
	}
	if first != len(objs) && pc == objs[first].start.Load() {
		if pc < objs[first].end.Load() {
			return &objs[first]
		}
		// zero length mapping left by a close
		return nil
	}
	if first == 0 {
		return nil
	}
	first--
	if pc < objs[first].end.Load() {
		return &objs[first]
	}
	return nil
}

// searchFlat is search over a read-only array.
func searchFlat[T any](pc uintptr, objs []Object[T]) (Object[T], bool) {
	first, ok := slices.BinarySearchFunc(objs, pc, func(o Object[T], pc uintptr) int {
		switch {
		case o.Start < pc:
			return -1
		case o.Start > pc:
			return 1
		}
		return 0
	})
	if ok {
		if pc < objs[first].End {
			return objs[first], true
		}
		return Object[T]{}, false
	}
	if first == 0 {
		return Object[T]{}, false
	}
	if o := objs[first-1]; pc < o.End {
		return o, true
	}
	return Object[T]{}, false
}

func sortObjects[T any](objs []Object[T]) {
	slices.SortFunc(objs, func(a, b Object[T]) int {
		switch {
		case a.Start < b.Start:
			return -1
		case a.Start > b.Start:
			return 1
		}
		return 0
	})
}
