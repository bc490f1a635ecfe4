package findobj

// countUsed counts the live entries starting at seg.
func countUsed[T any](seg *segment[T]) int {
	n := 0
	for ; seg != nil && seg.size.Load() > 0; seg = seg.previous.Load() {
		size := int(seg.size.Load())
		for i := 0; i < size; i++ {
			if seg.objects[i].owner.Load() != nil {
				n++
			}
		}
	}
	return n
}

func countAllocated[T any](seg *segment[T]) int {
	n := 0
	for ; seg != nil; seg = seg.previous.Load() {
		n += seg.allocated
	}
	return n
}

// allocate an empty segment holding at least size entries, chained in
// front of previous. Growth is exponential so lookups stay logarithmic.
func (x *Index[T]) allocate(size int, previous *segment[T]) *segment[T] {
	minimum := x.segmentSize
	if previous != nil {
		minimum = 2 * previous.allocated
	}
	if size < minimum {
		size = minimum
	}
	if x.alloc.Reserve(KindSegment, size) != nil {
		return nil
	}
	seg := &segment[T]{allocated: size, objects: make([]entry[T], size)}
	seg.previous.Store(previous)
	return seg
}

// initSeg sizes seg for writing and returns the write index plus one,
// chosen so a partially filled segment still starts at index 0.
func initSeg[T any](seg *segment[T], remaining int) int {
	n := seg.allocated
	if remaining < n {
		n = remaining
	}
	seg.size.Store(uintptr(n))
	return n
}

// Update merges newly loaded objects into the index and publishes a new
// version. It returns false when a segment could not be allocated; the
// published version is left untouched then, so the index still covers
// everything it covered before.
func (x *Index[T]) Update(objs []Object[T]) bool {
	if len(objs) == 0 {
		return true
	}
	objs = append([]Object[T](nil), objs...)
	sortObjects(objs)

	active := x.version.Load() & 1
	current := x.loaded[active].Load()
	target := x.loaded[active^1].Load()
	remaining := countUsed(current) + len(objs)

	if have := countAllocated(target); have < remaining {
		seg := x.allocate(remaining-have, target)
		if seg == nil {
			return false
		}
		// readers of a stale version may follow this pointer; the
		// segment is fully built before it is stored
		x.loaded[active^1].Store(seg)
		target = seg
	}

	targetIndex := initSeg(target, remaining)

	// merge backwards, in decreasing start address order
	loadedIndex := len(objs)
	currentIndex := 0
	if current != nil {
		if currentIndex = int(current.size.Load()); currentIndex == 0 {
			current = nil
		}
	}
	for {
		if currentIndex == 0 {
			if current != nil {
				current = current.previous.Load()
			}
			if current != nil {
				if currentIndex = int(current.size.Load()); currentIndex == 0 {
					current = nil
				}
			}
		}
		if current != nil && current.objects[currentIndex-1].owner.Load() == nil {
			// closed, do not copy
			currentIndex--
			continue
		}
		if loadedIndex == 0 && current == nil {
			break
		}
		if targetIndex == 0 {
			target = target.previous.Load()
			targetIndex = initSeg(target, remaining)
		}
		dst := &target.objects[targetIndex-1]
		if loadedIndex == 0 || (current != nil &&
			objs[loadedIndex-1].Start < current.objects[currentIndex-1].start.Load()) {
			dst.store(current.objects[currentIndex-1].load())
			currentIndex--
		} else {
			dst.store(objs[loadedIndex-1])
			loadedIndex--
		}
		targetIndex--
		remaining--
	}
	if remaining != 0 || targetIndex != 0 {
		panic("findobj: merge did not fill the target generation")
	}
	// stop readers from descending into stale segments
	if prev := target.previous.Load(); prev != nil {
		prev.size.Store(0)
	}
	x.version.Add(1)
	return true
}

// Remove marks the object starting at start as closed in the published
// generation. Only the entry's end and owner change, which concurrent
// readers either see entirely or not at all per field, so no new version
// is needed. Removing an unknown or already closed object does nothing.
func (x *Index[T]) Remove(start uintptr) bool {
	for seg := x.loaded[x.version.Load()&1].Load(); seg != nil; seg = seg.previous.Load() {
		size := int(seg.size.Load())
		if size == 0 {
			break
		}
		if start < seg.objects[0].start.Load() {
			continue
		}
		e := search(start, seg.objects[:size])
		if e == nil || e.start.Load() != start {
			return false
		}
		e.end.Store(start)
		e.owner.Store(nil)
		return true
	}
	return false
}
