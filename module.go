package linkmap

import (
	"fmt"
	"sort"
	"sync/atomic"
)

// ModuleID is the stable arena handle of a module. Ids are not reused.
type ModuleID uint32

// NamespaceID identifies a namespace, 0 is the base namespace.
type NamespaceID int

// NamespaceNew asks Open for a fresh namespace.
const NamespaceNew NamespaceID = -1

// Kind of a module.
type Kind uint8

const (
	// KindExecutable is the main program.
	KindExecutable Kind = iota
	// KindLibrary is loaded at startup and never unloaded.
	KindLibrary
	// KindLoaded is loaded by Open and may be unloaded by Close.
	KindLoaded
)

func (k Kind) String() string {
	switch k {
	case KindExecutable:
		return "executable"
	case KindLibrary:
		return "library"
	case KindLoaded:
		return "loaded"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Range is a half open address range.
type Range struct {
	Start uintptr
	End   uintptr
}

func (r Range) Contains(pc uintptr) bool {
	return pc >= r.Start && pc < r.End
}

const (
	// NoTLSOffset marks a TLS block without static offset.
	NoTLSOffset = ^uintptr(0)
	// ForcedDynamicTLSOffset marks a block that must never be placed in
	// static TLS.
	ForcedDynamicTLSOffset = NoTLSOffset - 1
)

// TLS describes the thread local storage block of a module.
type TLS struct {
	BlockSize uintptr
	Align     uintptr
	// Offset from the thread pointer, or one of the markers above.
	Offset uintptr
	// FirstByteOffset is the start of the block including alignment
	// padding, used by the DTVAtTP layout.
	FirstByteOffset uintptr
	ModID           uint64
}

// Static reports whether the block occupies static TLS space.
func (t TLS) Static() bool {
	return t.BlockSize > 0 && t.Offset != NoTLSOffset && t.Offset != ForcedDynamicTLSOffset
}

// idxStillUsed marks a module as reachable in the scratch index.
const idxStillUsed = -1

// scopeElems is the capacity of the inline scope array.
const scopeElems = 4

// scopeArray is a nil terminated array of search lists. It is replaced
// as a whole, never edited once published.
type scopeArray struct {
	elems []*ScopeList
}

func (a *scopeArray) lists() []*ScopeList {
	for i, s := range a.elems {
		if s == nil {
			return a.elems[:i]
		}
	}
	return a.elems
}

// Module is the record of one loaded object.
//
// Fields are owned by the Runtime; read them under the load lock or from
// a finalizer.
type Module struct {
	id   ModuleID
	name string
	ns   NamespaceID
	kind Kind

	mapStart   uintptr
	mapEnd     uintptr
	contiguous bool
	segments   []Range

	directOpenCount uint32
	initCalled      bool
	removed         atomic.Bool
	released        bool
	nodeleteActive  bool
	global          bool
	symbolic        bool
	// set once the address index knows the module
	findObjectProcessed bool

	// initfini[0] is the module itself followed by its dependencies.
	// It aliases the head of initfiniBuf, whose tail after a nil slot is
	// the storage of a synthesized private search list.
	initfini    []*Module
	initfiniBuf []*Module
	reldeps     []*Module
	loader      *Module

	searchlist         ScopeList
	searchBuf          int
	symbolicSearchlist ScopeList
	scope              atomic.Pointer[scopeArray]
	scopeMem           [scopeElems]*ScopeList
	scopeInline        scopeArray
	scopeMax           int

	tls          TLS
	staticTLS    bool
	tlsDtorCount atomic.Int64

	symbols   map[string]uintptr
	init      func() error
	finalizer Finalizer

	// scratch of one close pass
	idx     int
	mapUsed bool
	mapDone bool
	visited bool

	prev *Module
	next *Module
}

func newModule(spec *Spec, ns NamespaceID, kind Kind) *Module {
	m := &Module{
		name:      spec.Name,
		ns:        ns,
		kind:      kind,
		symbolic:  spec.Symbolic,
		symbols:   spec.Symbols,
		init:      spec.Init,
		finalizer: spec.Finalizer,
		scopeMax:  scopeElems,
	}
	m.segments = append([]Range(nil), spec.Segments...)
	sort.Slice(m.segments, func(i, j int) bool { return m.segments[i].Start < m.segments[j].Start })
	m.mapStart = m.segments[0].Start
	m.mapEnd = m.segments[len(m.segments)-1].End
	m.contiguous = true
	for i := 1; i < len(m.segments); i++ {
		if m.segments[i].Start != m.segments[i-1].End {
			m.contiguous = false
		}
	}
	m.tls = TLS{BlockSize: spec.TLSBlockSize, Align: spec.TLSAlign, Offset: NoTLSOffset}
	if m.tls.Align == 0 {
		m.tls.Align = 1
	}
	m.staticTLS = spec.StaticTLS
	if spec.TLSForceDynamic {
		m.tls.Offset = ForcedDynamicTLSOffset
	}
	m.searchlist.owner = m
	m.symbolicSearchlist.owner = m
	m.symbolicSearchlist.set([]*Module{m})
	m.scopeInline.elems = m.scopeMem[:]
	m.scope.Store(&m.scopeInline)
	return m
}

func (m *Module) ID() ModuleID            { return m.id }
func (m *Module) Name() string            { return m.name }
func (m *Module) Namespace() NamespaceID  { return m.ns }
func (m *Module) Kind() Kind              { return m.kind }
func (m *Module) MapStart() uintptr       { return m.mapStart }
func (m *Module) MapEnd() uintptr         { return m.mapEnd }
func (m *Module) Contiguous() bool        { return m.contiguous }
func (m *Module) DirectOpenCount() uint32 { return m.directOpenCount }
func (m *Module) InitCalled() bool        { return m.initCalled }
func (m *Module) Removed() bool           { return m.removed.Load() }
func (m *Module) Released() bool          { return m.released }
func (m *Module) NodeleteActive() bool    { return m.nodeleteActive }
func (m *Module) Global() bool            { return m.global }
func (m *Module) Loader() *Module         { return m.loader }
func (m *Module) TLS() TLS                { return m.tls }
func (m *Module) ScopeMax() int           { return m.scopeMax }

// Segments returns a copy of the mapped ranges, lowest first.
func (m *Module) Segments() []Range {
	return append([]Range(nil), m.segments...)
}

// Contains reports whether pc falls into a mapped segment.
func (m *Module) Contains(pc uintptr) bool {
	if pc < m.mapStart || pc >= m.mapEnd {
		return false
	}
	if m.contiguous {
		return true
	}
	for _, s := range m.segments {
		if s.Contains(pc) {
			return true
		}
	}
	return false
}

// Initfini returns the module followed by its direct dependencies.
func (m *Module) Initfini() []*Module {
	return append([]*Module(nil), m.initfini...)
}

// RelDeps returns dependencies added at run time.
func (m *Module) RelDeps() []*Module {
	return append([]*Module(nil), m.reldeps...)
}

// Searchlist is the list of the module and all its dependencies, only
// set for modules opened directly.
func (m *Module) Searchlist() *ScopeList { return &m.searchlist }

// Scope returns the search lists consulted when resolving symbols
// referenced by m.
func (m *Module) Scope() []*ScopeList {
	return append([]*ScopeList(nil), m.scope.Load().lists()...)
}

// scopeInUse reports whether the inline array is the published scope.
func (m *Module) scopeInUse() bool {
	return m.scope.Load() == &m.scopeInline
}

// RetainTLSDtor records a pending thread local destructor defined by m.
// Such a module stays loaded until ReleaseTLSDtor is called.
func (m *Module) RetainTLSDtor() {
	m.tlsDtorCount.Add(1)
}

// ReleaseTLSDtor drops a reference taken by RetainTLSDtor.
func (m *Module) ReleaseTLSDtor() {
	m.tlsDtorCount.Add(-1)
}

func (m *Module) String() string {
	return fmt.Sprintf("%s[%d:%s]", m.name, m.ns, m.kind)
}

// unused reports whether the module is a candidate for unloading, before
// any reachability is taken into account.
func (m *Module) unused() bool {
	return m.kind == KindLoaded &&
		m.directOpenCount == 0 &&
		!m.nodeleteActive &&
		m.tlsDtorCount.Load() == 0
}
