package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"

	"github.com/ZenLiuCN/linkmap"
	"github.com/ZenLiuCN/linkmap/alloc"
	"github.com/ZenLiuCN/linkmap/mapping"
	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Scenario is a sequence of Open and Close calls over synthetic modules,
// read from TOML:
//
//	tls_layout = "tcb-at-tp"
//	[main]
//	name = "app"
//	needed = ["libc"]
//	[[module]]
//	name = "plugin"
//	needed = ["libc"]
//	symbols = ["plugin_run"]
//	[[step]]
//	op = "open"
//	module = "plugin"
type Scenario struct {
	TLSLayout     string      `toml:"tls_layout"`
	StaticTLSSize int         `toml:"static_tls_size"`
	Namespaces    int         `toml:"namespaces"`
	Main          ModuleDef   `toml:"main"`
	Modules       []ModuleDef `toml:"module"`
	Steps         []Step      `toml:"step"`
}

// ModuleDef describes a synthetic module. Its segments are reserved
// anonymous mappings; symbols are placed at word offsets of the first.
type ModuleDef struct {
	Name      string   `toml:"name"`
	Size      int      `toml:"size"`
	Segments  int      `toml:"segments"`
	Needed    []string `toml:"needed"`
	Symbols   []string `toml:"symbols"`
	Symbolic  bool     `toml:"symbolic"`
	TLS       int      `toml:"tls"`
	TLSAlign  int      `toml:"tls_align"`
	StaticTLS bool     `toml:"static_tls"`
	// TLSForceDynamic keeps the block out of static TLS.
	TLSForceDynamic bool `toml:"tls_force_dynamic"`
	// Closes are closed by the finalizer of the module.
	Closes   []string `toml:"closes"`
	FailInit bool     `toml:"fail_init"`
}

// Step is one operation of a scenario.
//
//	open        module [ns global nodelete]
//	close       module [ns force]
//	bind        from symbol [ns]
//	unique      from symbol [ns]
//	dtor        module [ns], retains a TLS destructor reference
//	dtor-done   module [ns]
//	limit       kind n, bounds reservations of an allocation kind
type Step struct {
	Op       string `toml:"op"`
	Module   string `toml:"module"`
	From     string `toml:"from"`
	Symbol   string `toml:"symbol"`
	NS       int    `toml:"ns"`
	Global   bool   `toml:"global"`
	Nodelete bool   `toml:"nodelete"`
	Force    bool   `toml:"force"`
	Kind     string `toml:"kind"`
	N        int    `toml:"n"`
	// Expect is empty for success, otherwise a substring of the error.
	Expect string `toml:"expect"`
}

// LoadScenario reads a TOML scenario.
func LoadScenario(r io.Reader) (*Scenario, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	s := new(Scenario)
	if err = toml.Unmarshal(b, s); err != nil {
		return nil, errors.Wrap(err, "parse scenario")
	}
	if s.Main.Name == "" {
		return nil, errors.New("scenario without main module")
	}
	return s, nil
}

// LoadScenarioFile reads a TOML scenario file.
func LoadScenarioFile(path string) (*Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadScenario(f)
}

// Result of one step.
type Result struct {
	Step  int
	Op    string
	Err   string
	Value uintptr
	Owner string
}

// Runner plays a scenario against a Runtime.
type Runner struct {
	sc     *Scenario
	defs   map[string]*ModuleDef
	rt     *linkmap.Runtime
	mapper *mapping.Mapper
	limit  *alloc.Limit
	heap   *alloc.Heap
	log    *logrus.Entry
	// addresses of live modules, for concurrent lookups
	addrs atomic.Pointer[[]uintptr]
}

// NewRunner creates the runtime of sc.
func NewRunner(sc *Scenario, log *logrus.Logger, metrics *linkmap.Metrics) (*Runner, error) {
	r := &Runner{
		sc:     sc,
		defs:   map[string]*ModuleDef{},
		mapper: mapping.New(log),
		heap:   alloc.NewHeap(),
		log:    log.WithField("component", "scenario"),
	}
	for i := range sc.Modules {
		r.defs[sc.Modules[i].Name] = &sc.Modules[i]
	}
	r.defs[sc.Main.Name] = &sc.Main
	r.limit = alloc.NewLimit(r.heap)
	cfg := linkmap.Config{
		Logger:        log,
		Allocator:     r.limit,
		Unmapper:      r.mapper,
		Metrics:       metrics,
		Observer:      linkmap.LogObserver{Log: log.WithField("component", "observer")},
		StaticTLSSize: uintptr(sc.StaticTLSSize),
		Namespaces:    sc.Namespaces,
	}
	switch strings.ToLower(sc.TLSLayout) {
	case "", "tcb-at-tp":
		cfg.TLSLayout = linkmap.TCBAtTP
	case "dtv-at-tp":
		cfg.TLSLayout = linkmap.DTVAtTP
	default:
		return nil, errors.Errorf("unknown tls layout %q", sc.TLSLayout)
	}
	r.rt = linkmap.New(cfg)
	return r, nil
}

// Runtime of the runner.
func (r *Runner) Runtime() *linkmap.Runtime { return r.rt }

// Mapper holding the segments of the synthetic modules.
func (r *Runner) Mapper() *mapping.Mapper { return r.mapper }

// Heap counting the reservations of the runtime.
func (r *Runner) Heap() *alloc.Heap { return r.heap }

// spec builds the spec of name for ns. Modules loaded already are named
// only, Open finds them by name.
func (r *Runner) spec(name string, ns linkmap.NamespaceID, memo map[string]*linkmap.Spec) (*linkmap.Spec, error) {
	if s, ok := memo[name]; ok {
		return s, nil
	}
	if r.rt.Lookup(ns, name) != nil {
		s := &linkmap.Spec{Name: name}
		memo[name] = s
		return s, nil
	}
	d, ok := r.defs[name]
	if !ok {
		return nil, errors.Errorf("unknown module %s", name)
	}
	size := d.Size
	if size == 0 {
		size = r.mapper.PageSize()
	}
	n := d.Segments
	if n == 0 {
		n = 1
	}
	sizes := make([]int, n)
	for i := range sizes {
		sizes[i] = size
	}
	segs, err := r.mapper.Segments(sizes...)
	if err != nil {
		return nil, err
	}
	s := &linkmap.Spec{
		Name:            name,
		Segments:        segs,
		Symbols:         map[string]uintptr{},
		Symbolic:        d.Symbolic,
		TLSBlockSize:    uintptr(d.TLS),
		TLSAlign:        uintptr(d.TLSAlign),
		StaticTLS:       d.StaticTLS,
		TLSForceDynamic: d.TLSForceDynamic,
	}
	for i, sym := range d.Symbols {
		s.Symbols[sym] = segs[0].Start + uintptr(i*8)%(segs[0].End-segs[0].Start)
	}
	if d.FailInit {
		s.Init = func() error { return errors.Errorf("%s refused to start", name) }
	}
	if len(d.Closes) > 0 {
		closes := d.Closes
		s.Finalizer = linkmap.FinalizerFunc(func(c linkmap.Closer) error {
			for _, o := range closes {
				m := r.rt.Lookup(ns, o)
				if m == nil {
					continue
				}
				if err := c.Close(m, false); err != nil {
					return err
				}
			}
			return nil
		})
	}
	memo[name] = s
	for _, dep := range d.Needed {
		ds, err := r.spec(dep, ns, memo)
		if err != nil {
			return nil, err
		}
		s.Needed = append(s.Needed, ds)
	}
	return s, nil
}

// Start loads the main module.
func (r *Runner) Start() error {
	s, err := r.spec(r.sc.Main.Name, 0, map[string]*linkmap.Spec{})
	if err != nil {
		return err
	}
	if err = r.rt.Start(s); err != nil {
		return err
	}
	r.publish()
	return nil
}

func (r *Runner) module(name string, ns int) (*linkmap.Module, error) {
	m := r.rt.Lookup(linkmap.NamespaceID(ns), name)
	if m == nil {
		return nil, errors.Errorf("%s not loaded in namespace %d", name, ns)
	}
	return m, nil
}

// Step runs step i.
func (r *Runner) Step(i int) Result {
	st := r.sc.Steps[i]
	res := Result{Step: i, Op: st.Op}
	err := r.step(st, &res)
	if err != nil {
		res.Err = err.Error()
	}
	r.publish()
	r.log.WithFields(logrus.Fields{"step": i, "op": st.Op, "module": st.Module}).WithError(err).Debug("step done")
	return res
}

func (r *Runner) step(st Step, res *Result) error {
	ns := linkmap.NamespaceID(st.NS)
	switch st.Op {
	case "open":
		s, err := r.spec(st.Module, ns, map[string]*linkmap.Spec{})
		if err != nil {
			return err
		}
		var mode linkmap.OpenMode
		if st.Global {
			mode |= linkmap.OpenGlobal
		}
		if st.Nodelete {
			mode |= linkmap.OpenNodelete
		}
		m, err := r.rt.Open(ns, s, mode)
		if err != nil {
			return err
		}
		res.Owner = m.String()
		res.Value = m.MapStart()
	case "close":
		m, err := r.module(st.Module, st.NS)
		if err != nil {
			return err
		}
		return r.rt.Close(m, st.Force)
	case "bind":
		from, err := r.module(st.From, st.NS)
		if err != nil {
			return err
		}
		v, def, err := r.rt.Bind(nil, from, st.Symbol)
		if err != nil {
			return err
		}
		res.Value, res.Owner = v, def.String()
	case "unique":
		from, err := r.module(st.From, st.NS)
		if err != nil {
			return err
		}
		v, owner := r.rt.BindUnique(from, st.Symbol, from.MapStart())
		res.Value, res.Owner = v, owner.String()
	case "dtor", "dtor-done":
		m, err := r.module(st.Module, st.NS)
		if err != nil {
			return err
		}
		if st.Op == "dtor" {
			m.RetainTLSDtor()
		} else {
			m.ReleaseTLSDtor()
		}
	case "limit":
		r.limit.Set(st.Kind, st.N)
	default:
		return errors.Errorf("unknown op %q", st.Op)
	}
	return nil
}

// Run plays every step, failing on the first result not matching its
// expectation.
func (r *Runner) Run() ([]Result, error) {
	var out []Result
	for i, st := range r.sc.Steps {
		res := r.Step(i)
		out = append(out, res)
		switch {
		case st.Expect == "" && res.Err != "":
			return out, errors.Errorf("step %d %s: %s", i, st.Op, res.Err)
		case st.Expect != "" && !strings.Contains(res.Err, st.Expect):
			return out, errors.Errorf("step %d %s: expected %q, got %q", i, st.Op, st.Expect, res.Err)
		}
	}
	return out, nil
}

// publish records the start of every live module for the lookup stress.
func (r *Runner) publish() {
	var v []uintptr
	for ns := 0; ns < r.rt.Namespaces(); ns++ {
		for _, m := range r.rt.Modules(linkmap.NamespaceID(ns)) {
			for _, s := range m.Segments() {
				v = append(v, s.Start, s.End-1)
			}
		}
	}
	r.addrs.Store(&v)
}

// Stress runs the scenario while readers look up addresses and symbols,
// checking that every answer is consistent.
func (r *Runner) Stress(ctx context.Context, readers int) ([]Result, error) {
	g, ctx := errgroup.WithContext(ctx)
	stop := make(chan struct{})
	var syms []string
	for _, d := range r.defs {
		syms = append(syms, d.Symbols...)
	}
	exe := r.rt.Lookup(0, r.sc.Main.Name)
	for i := 0; i < readers; i++ {
		g.Go(func() error {
			rd := r.rt.Register()
			defer rd.Unregister()
			for {
				select {
				case <-stop:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
				for _, pc := range *r.addrs.Load() {
					if o, ok := r.rt.FindObject(pc); ok && (pc < o.Start || pc >= o.End) {
						return errors.Errorf("lookup of %#x returned %s [%#x,%#x)", pc, o.Owner.Name(), o.Start, o.End)
					}
				}
				for _, s := range syms {
					if v, def, ok := r.rt.Resolve(rd, exe, s); ok && (v < def.MapStart() || v >= def.MapEnd()) {
						return errors.Errorf("symbol %s resolved to %#x outside of %s", s, v, def.Name())
					}
				}
			}
		})
	}
	var out []Result
	var runErr error
	g.Go(func() error {
		defer close(stop)
		out, runErr = r.Run()
		return runErr
	})
	if err := g.Wait(); err != nil {
		return out, err
	}
	return out, nil
}

// Report describes the state of the runtime.
type Report struct {
	Namespaces []NamespaceReport
	TLS        linkmap.TLSInfo
	Index      linkmap.IndexStats
	Mappings   int
}

type NamespaceReport struct {
	ID      int
	Modules []ModuleReport
	Global  []string
}

type ModuleReport struct {
	Name            string
	Kind            string
	DirectOpenCount uint32
	Nodelete        bool
	Start           uintptr
	End             uintptr
	TLSModID        uint64
	Scope           [][]string
}

// Report the current state.
func (r *Runner) Report() Report {
	rep := Report{
		TLS:      r.rt.TLSInfo(),
		Index:    r.rt.IndexStats(),
		Mappings: r.mapper.Live(),
	}
	for ns := 0; ns < r.rt.Namespaces(); ns++ {
		nr := NamespaceReport{ID: ns}
		for _, m := range r.rt.GlobalScope(linkmap.NamespaceID(ns)) {
			nr.Global = append(nr.Global, m.Name())
		}
		for _, m := range r.rt.Modules(linkmap.NamespaceID(ns)) {
			mr := ModuleReport{
				Name:            m.Name(),
				Kind:            m.Kind().String(),
				DirectOpenCount: m.DirectOpenCount(),
				Nodelete:        m.NodeleteActive(),
				Start:           m.MapStart(),
				End:             m.MapEnd(),
				TLSModID:        m.TLS().ModID,
			}
			for _, s := range m.Scope() {
				var names []string
				for _, l := range s.Modules() {
					names = append(names, l.Name())
				}
				mr.Scope = append(mr.Scope, names)
			}
			nr.Modules = append(nr.Modules, mr)
		}
		rep.Namespaces = append(rep.Namespaces, nr)
	}
	return rep
}

func (rep Report) String() string {
	s := strings.Builder{}
	for _, ns := range rep.Namespaces {
		fmt.Fprintf(&s, "namespace %d global %v\n", ns.ID, ns.Global)
		for _, m := range ns.Modules {
			fmt.Fprintf(&s, "\t%s %s open=%d [%#x,%#x)", m.Name, m.Kind, m.DirectOpenCount, m.Start, m.End)
			if m.Nodelete {
				s.WriteString(" nodelete")
			}
			if m.TLSModID != 0 {
				fmt.Fprintf(&s, " tls=%d", m.TLSModID)
			}
			fmt.Fprintf(&s, " scope=%v\n", m.Scope)
		}
	}
	fmt.Fprintf(&s, "tls generation=%d max=%d static=%d/%d\n", rep.TLS.Generation, rep.TLS.MaxDtvIdx, rep.TLS.StaticUsed, rep.TLS.StaticSize)
	fmt.Fprintf(&s, "index version=%d objects=%d mappings=%d\n", rep.Index.Version, rep.Index.Len, rep.Mappings)
	return s.String()
}
