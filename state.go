package linkmap

import (
	"strconv"
	"sync"

	"github.com/ZenLiuCN/linkmap/alloc"
	"github.com/ZenLiuCN/linkmap/findobj"
	"github.com/sirupsen/logrus"
)

type closeState uint8

const (
	closeIdle closeState = iota
	closePending
	closeRerun
)

// Namespace is an independent list of loaded modules.
type Namespace struct {
	id      NamespaceID
	loaded  *Module
	nloaded int
	// global scope, the search list of the first module
	mainSearchlist *ScopeList
	closeState     closeState

	uniqueMu sync.Mutex
	unique   map[string]uniqueSymbol
}

type uniqueSymbol struct {
	value uintptr
	owner *Module
}

func (ns *Namespace) ID() NamespaceID { return ns.id }

func (ns *Namespace) link(m *Module) {
	if ns.loaded == nil {
		ns.loaded = m
	} else {
		l := ns.loaded
		for l.next != nil {
			l = l.next
		}
		l.next = m
		m.prev = l
	}
	ns.nloaded++
}

func (ns *Namespace) unlink(m *Module) {
	if m.prev == nil {
		ns.loaded = m.next
	} else {
		m.prev.next = m.next
	}
	if m.next != nil {
		m.next.prev = m.prev
	}
	m.prev, m.next = nil, nil
	ns.nloaded--
}

func (ns *Namespace) find(name string) *Module {
	for l := ns.loaded; l != nil; l = l.next {
		if l.name == name {
			return l
		}
	}
	return nil
}

// Runtime holds every namespace and the shared TLS and address state.
//
// Lock order is load lock, TLS lock, write lock. The load lock serializes
// Open and Close, the write lock guards the module lists against lookups.
type Runtime struct {
	cfg      Config
	log      *logrus.Entry
	alloc    alloc.Allocator
	barrier  Barrier
	observer Observer
	unmapper Unmapper
	metrics  *Metrics
	onFatal  func(error)

	loadLock  sync.Mutex
	tlsLock   sync.Mutex
	writeLock sync.RWMutex

	namespaces []*Namespace
	nns        int
	arena      []*Module
	started    bool

	tls      tlsState
	freeList scopeFreeList
	index    *findobj.Index[Module]
}

// New creates a Runtime; Start must be called before use.
func New(cfg Config) *Runtime {
	cfg.defaults()
	r := &Runtime{
		cfg:      cfg,
		log:      logrus.NewEntry(cfg.Logger).WithField("component", "linkmap"),
		alloc:    cfg.Allocator,
		barrier:  cfg.Barrier,
		observer: cfg.Observer,
		unmapper: cfg.Unmapper,
		metrics:  cfg.Metrics,
		onFatal:  cfg.OnFatal,
	}
	r.namespaces = make([]*Namespace, cfg.Namespaces)
	for i := range r.namespaces {
		r.namespaces[i] = &Namespace{id: NamespaceID(i), unique: map[string]uniqueSymbol{}}
	}
	r.tls.layout = cfg.TLSLayout
	r.tls.staticSize = cfg.StaticTLSSize
	r.index = findobj.New(findobj.Options[Module]{
		Allocator:   cfg.Allocator,
		SegmentSize: cfg.SegmentSize,
		Slow:        r.FindObjectSlow,
	})
	return r
}

// Namespace returns namespace id, nil when out of range.
func (r *Runtime) Namespace(id NamespaceID) *Namespace {
	if id < 0 || int(id) >= len(r.namespaces) {
		return nil
	}
	return r.namespaces[id]
}

// Namespaces reports the number of namespaces in use, the highest used
// id plus one.
func (r *Runtime) Namespaces() int {
	r.writeLock.RLock()
	defer r.writeLock.RUnlock()
	return r.nns
}

// Modules lists the modules of ns in load order.
func (r *Runtime) Modules(ns NamespaceID) []*Module {
	r.writeLock.RLock()
	defer r.writeLock.RUnlock()
	n := r.Namespace(ns)
	if n == nil {
		return nil
	}
	var v []*Module
	for l := n.loaded; l != nil; l = l.next {
		v = append(v, l)
	}
	return v
}

// Module returns the live module with id, or nil once it was unloaded.
func (r *Runtime) Module(id ModuleID) *Module {
	r.writeLock.RLock()
	defer r.writeLock.RUnlock()
	if int(id) >= len(r.arena) {
		return nil
	}
	return r.arena[id]
}

// Lookup finds a loaded module by name in ns.
func (r *Runtime) Lookup(ns NamespaceID, name string) *Module {
	r.writeLock.RLock()
	defer r.writeLock.RUnlock()
	n := r.Namespace(ns)
	if n == nil {
		return nil
	}
	return n.find(name)
}

// GlobalScope returns the members of the global scope of ns.
func (r *Runtime) GlobalScope(ns NamespaceID) []*Module {
	r.loadLock.Lock()
	defer r.loadLock.Unlock()
	n := r.Namespace(ns)
	if n == nil || n.mainSearchlist == nil {
		return nil
	}
	return append([]*Module(nil), n.mainSearchlist.Modules()...)
}

// Register a reader with the runtime barrier, nil when the configured
// Barrier is not a *Quiescence.
func (r *Runtime) Register() *Reader {
	if q, ok := r.barrier.(*Quiescence); ok {
		return q.Register()
	}
	return nil
}

// Metrics of the runtime.
func (r *Runtime) Metrics() *Metrics {
	return r.metrics
}

// register puts m into the arena; the write lock must be held.
func (r *Runtime) register(m *Module) {
	m.id = ModuleID(len(r.arena))
	r.arena = append(r.arena, m)
}

func (r *Runtime) gaugeLoaded(ns *Namespace) {
	r.metrics.loaded.WithLabelValues(strconv.Itoa(int(ns.id))).Set(float64(ns.nloaded))
}
