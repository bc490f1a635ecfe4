/*
Package findobj maps instruction addresses to the loaded object owning them.

Lookups take no lock, do not allocate and never block, so they can run in
signal handlers and concurrently with updates.

# Layout

  - The main program mapping, checked first.
  - Objects that can never be unloaded, as one flat sorted array that is
    read only after [Index.Init].
  - Everything else, stored in two generations of segment chains. Each
    segment holds address sorted entries; the previous segment holds lower
    addresses and is at most half as large, so the walk down the chain
    plus one binary search stays close to a single binary search.

# Versioning

A monotonic version counter selects the published generation by its low
bit. Updates rewrite the other generation and then bump the version.
Readers copy the entry they found and re-check the version; a changed
version means the copy may be stale and the read is retried. Closing an
object only narrows its published entry in place, which needs no new
version.

There is exactly one writer at a time: callers must serialize
[Index.Init], [Index.Update], [Index.Remove] and [Index.Reset] with an
external lock.
*/
package findobj

import (
	"sync/atomic"

	"github.com/ZenLiuCN/linkmap/alloc"
)

// InitialSegmentSize is the minimum capacity of the first segment of a chain.
const InitialSegmentSize = 63

// KindSegment is the allocator kind of segment entries.
const KindSegment = "findobj.segment"

type segment[T any] struct {
	// lower addresses; constant after the segment is published
	previous  atomic.Pointer[segment[T]]
	size      atomic.Uintptr
	allocated int
	objects   []entry[T]
}

// Options configure an Index.
type Options[T any] struct {
	// Allocator accounts segment memory, nil means an unlimited heap.
	Allocator alloc.Allocator
	// SegmentSize overrides InitialSegmentSize when positive.
	SegmentSize int
	// Slow answers lookups before Init, usually a locked linear scan.
	Slow func(pc uintptr) (Object[T], bool)
}

// Index is the address index. The zero value is not usable, see New.
type Index[T any] struct {
	version atomic.Uint64
	loaded  [2]atomic.Pointer[segment[T]]
	retries atomic.Uint64

	initialized atomic.Bool
	main        Object[T]
	nodelete    []Object[T]
	nodeleteEnd uintptr

	alloc       alloc.Allocator
	segmentSize int
	slow        func(pc uintptr) (Object[T], bool)
}

// New create an uninitialized index.
func New[T any](opt Options[T]) *Index[T] {
	x := &Index[T]{alloc: opt.Allocator, segmentSize: opt.SegmentSize, slow: opt.Slow}
	if x.alloc == nil {
		x.alloc = alloc.NewHeap()
	}
	if x.segmentSize <= 0 {
		x.segmentSize = InitialSegmentSize
	}
	return x
}

// Init installs the objects present at startup.
//
// main is the main program. When it is not contiguous, mainSegments holds
// its separate mappings and they are indexed with the nodelete objects.
// loaded are the initial objects that may be unloaded later.
func (x *Index[T]) Init(main Object[T], mainSegments, nodelete, loaded []Object[T]) error {
	var fixed []Object[T]
	if len(mainSegments) > 0 {
		// covers no address but marks the index as initialized
		x.main = Object[T]{Start: ^uintptr(0), End: ^uintptr(0)}
		fixed = append(fixed, mainSegments...)
	} else {
		x.main = main
	}
	fixed = append(fixed, nodelete...)
	if len(fixed) > 0 {
		sortObjects(fixed)
		x.nodelete = fixed
		x.nodeleteEnd = fixed[len(fixed)-1].End
	}
	if len(loaded) > 0 {
		n := len(loaded)
		if n < x.segmentSize {
			n = x.segmentSize
		}
		if err := x.alloc.Reserve(KindSegment, n); err != nil {
			return err
		}
		seg := &segment[T]{allocated: n, objects: make([]entry[T], n)}
		sorted := append([]Object[T](nil), loaded...)
		sortObjects(sorted)
		for i, o := range sorted {
			seg.objects[i].store(o)
		}
		seg.size.Store(uintptr(len(sorted)))
		x.loaded[0].Store(seg)
	}
	x.initialized.Store(true)
	return nil
}

// Initialized reports whether Init has completed.
func (x *Index[T]) Initialized() bool {
	return x.initialized.Load()
}

// outcome of one read transaction
type outcome uint8

const (
	outcomeRetry outcome = iota
	outcomeFound
	outcomeMissing
)

// Find returns the object containing pc.
func (x *Index[T]) Find(pc uintptr) (Object[T], bool) {
	if !x.initialized.Load() {
		if x.slow != nil {
			return x.slow(pc)
		}
		return Object[T]{}, false
	}
	if x.main.Contains(pc) {
		return x.main, true
	}
	if len(x.nodelete) > 0 && pc >= x.nodelete[0].Start && pc < x.nodeleteEnd {
		if o, ok := searchFlat(pc, x.nodelete); ok {
			return o, true
		}
		// the gaps between initial mappings may hold loaded objects
	}
	for {
		o, r := x.read(pc, x.version.Load())
		switch r {
		case outcomeFound:
			return o, true
		case outcomeMissing:
			return Object[T]{}, false
		}
		x.retries.Add(1)
	}
}

// read is one transaction against the generation selected by start.
func (x *Index[T]) read(pc uintptr, start uint64) (Object[T], outcome) {
	for seg := x.loaded[start&1].Load(); seg != nil; seg = seg.previous.Load() {
		size := int(seg.size.Load())
		if size == 0 {
			break
		}
		if size > seg.allocated {
			return Object[T]{}, x.finish(start, outcomeMissing)
		}
		if pc < seg.objects[0].start.Load() {
			continue
		}
		e := search(pc, seg.objects[:size])
		if e == nil {
			return Object[T]{}, x.finish(start, outcomeMissing)
		}
		// copy before validating the transaction
		o := e.load()
		if o.Owner == nil || !o.Contains(pc) {
			return Object[T]{}, x.finish(start, outcomeMissing)
		}
		return o, x.finish(start, outcomeFound)
	}
	return Object[T]{}, x.finish(start, outcomeMissing)
}

// finish validates a transaction. The loads above are atomic and
// therefore ordered before this version load.
func (x *Index[T]) finish(start uint64, r outcome) outcome {
	if x.version.Load() != start {
		return outcomeRetry
	}
	return r
}

// Retries reports how many read transactions had to be repeated.
func (x *Index[T]) Retries() uint64 {
	return x.retries.Load()
}

// Version reports the current version counter.
func (x *Index[T]) Version() uint64 {
	return x.version.Load()
}

// SegmentStats describes one segment of the published generation.
type SegmentStats struct {
	Allocated int
	Size      int
}

// Stats lists the segments of the published generation, highest addresses
// first. Must be called with the writer lock held.
func (x *Index[T]) Stats() []SegmentStats {
	var v []SegmentStats
	for seg := x.loaded[x.version.Load()&1].Load(); seg != nil; seg = seg.previous.Load() {
		v = append(v, SegmentStats{Allocated: seg.allocated, Size: int(seg.size.Load())})
	}
	return v
}

// Len counts the live entries of the published generation.
func (x *Index[T]) Len() int {
	return countUsed(x.loaded[x.version.Load()&1].Load())
}

// Reset drops both generations. Lookups of loaded objects fail afterwards.
func (x *Index[T]) Reset() {
	for i := range x.loaded {
		for seg := x.loaded[i].Load(); seg != nil; seg = seg.previous.Load() {
			x.alloc.Release(KindSegment, seg.allocated)
		}
		x.loaded[i].Store(nil)
	}
}
