package pool

import (
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"unsafe"

	"github.com/ZenLiuCN/fn"
	"github.com/ZenLiuCN/linkmap"
	perrors "github.com/pkg/errors"
	"github.com/pkujhd/goloader"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var (
	ErrAlreadyLoad    = errors.New("module already loaded")
	ErrNotLoad        = errors.New("module not loaded")
	ErrMissingPackage = errors.New("package not loaded")
	ErrNoCode         = errors.New("module defines no symbol")
	// ErrInUse occurs when reloading a package other packages depend on.
	ErrInUse = errors.New("package in use")
)

// HostName is the name of the module standing for the running executable.
const HostName = "host"

// Options of a Pool.
type Options struct {
	Logger  *logrus.Logger
	Debug   bool
	Metrics *linkmap.Metrics
	// Registerer receives the runtime metrics when set.
	Registerer prometheus.Registerer
	Barrier    linkmap.Barrier
	OnFatal    func(error)
}

// Pool links goloader modules against the host and each other. Every
// module is a linkmap module of the base namespace: packages it imports
// from the pool are its dependencies, so unloading a package keeps what
// it uses loaded and unloads what only it used.
type Pool struct {
	mu   sync.Mutex
	syms Symbols
	rt   *linkmap.Runtime
	host *linkmap.Module
	// by package path
	modules map[string]*Dynamic
	dyn     map[*linkmap.Module]*Dynamic
	log     *logrus.Entry
}

// NewPool starts a runtime for the running executable.
func NewPool(o Options) (p *Pool, err error) {
	p = &Pool{
		modules: make(map[string]*Dynamic),
		dyn:     make(map[*linkmap.Module]*Dynamic),
	}
	if p.syms, err = HostSymbols(); err != nil {
		return nil, perrors.Wrap(err, "register host symbols")
	}
	p.rt = linkmap.New(linkmap.Config{
		Logger:   o.Logger,
		Debug:    o.Debug,
		Metrics:  o.Metrics,
		Barrier:  o.Barrier,
		OnFatal:  o.OnFatal,
		Unmapper: linkmap.UnmapFunc(p.unmap),
	})
	if o.Logger == nil {
		p.log = logrus.WithField("component", "pool")
	} else {
		p.log = o.Logger.WithField("component", "pool")
	}
	if o.Registerer != nil {
		if err = p.rt.Metrics().Register(o.Registerer); err != nil {
			return nil, err
		}
	}
	span, ok := p.syms.Span()
	if !ok {
		return nil, perrors.Wrap(ErrNoCode, HostName)
	}
	if err = p.rt.Start(&linkmap.Spec{
		Name:     HostName,
		Segments: []linkmap.Range{span},
		Symbols:  p.syms.Clone(),
	}); err != nil {
		return nil, err
	}
	p.host = p.rt.Lookup(0, HostName)
	return p, nil
}

// Runtime the pool loads into.
func (p *Pool) Runtime() *linkmap.Runtime {
	return p.rt
}

// RegisterSo adds the symbols of a shared object to link against. The host
// module keeps the symbols it started with.
func (p *Pool) RegisterSo(path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return goloader.RegSymbolWithSo(p.syms, path)
}

// RegisterExecute adds the symbols of an executable to link against.
func (p *Pool) RegisterExecute(path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return goloader.RegSymbolWithPath(p.syms, path)
}

// RegisterTypes makes types of the host known to modules.
func (p *Pool) RegisterTypes(t ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	goloader.RegTypes(p.syms, t...)
}

// LoadFile links a go archive or object file and opens it as a module.
func (p *Pool) LoadFile(file, pkgPath string, types ...any) (*linkmap.Module, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pkgPath == "" {
		pkgPath = "main"
	}
	if _, ok := p.modules[pkgPath]; ok {
		return nil, ErrAlreadyLoad
	}
	d := newDynamic(p.syms, p.log.WithField("package", pkgPath))
	if err := d.Initialize([]string{file}, []string{pkgPath}, types...); err != nil {
		return nil, err
	}
	return p.open(d)
}

// LoadLinkable links a linker written by Dynamic.Serialize.
func (p *Pool) LoadLinkable(bin io.Reader, types ...any) (*linkmap.Module, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d := newDynamic(p.syms, p.log)
	if err := d.InitializeSerialized(bin, types...); err != nil {
		return nil, err
	}
	for _, pkg := range d.pkgs {
		if _, ok := p.modules[pkg]; ok {
			return nil, perrors.Wrap(ErrAlreadyLoad, pkg)
		}
	}
	return p.open(d)
}

// open links d and registers it with the runtime. The pool lock is held.
func (p *Pool) open(d *Dynamic) (*linkmap.Module, error) {
	if err := d.Link(); err != nil {
		return nil, err
	}
	exports := d.Exports()
	span, ok := exports.Span()
	if !ok {
		d.Free(false)
		return nil, perrors.Wrap(ErrNoCode, strings.Join(d.pkgs, ","))
	}
	var needed []*linkmap.Spec
	for _, pkg := range LinkerImports(d.linker).Packages() {
		if dep, ok := p.modules[pkg]; ok && dep != d && dep.module != nil {
			needed = append(needed, &linkmap.Spec{Name: dep.module.Name()})
		}
	}
	spec := &linkmap.Spec{
		Name:      strings.Join(d.pkgs, ","),
		Segments:  []linkmap.Range{span},
		Needed:    needed,
		Symbols:   exports,
		Finalizer: linkmap.FinalizerFunc(func(linkmap.Closer) error { p.forget(d); return nil }),
	}
	p.pending(d)
	m, err := p.rt.Open(0, spec, linkmap.OpenGlobal)
	if err != nil {
		p.forget(d)
		d.Free(false)
		return nil, err
	}
	d.module = m
	p.dyn[m] = d
	p.publish(d)
	return m, nil
}

// pending makes d reachable by package path while it is opened.
func (p *Pool) pending(d *Dynamic) {
	for _, pkg := range d.pkgs {
		p.modules[pkg] = d
	}
}

// publish lets later modules link against the exports of d.
func (p *Pool) publish(d *Dynamic) {
	for s, u := range d.Exports() {
		if _, ok := p.syms[s]; !ok {
			p.syms[s] = u
		}
	}
}

// forget drops d from the pool once its module is finalized.
func (p *Pool) forget(d *Dynamic) {
	for s, u := range d.Exports() {
		if x, ok := p.syms[s]; ok && x == u {
			delete(p.syms, s)
		}
	}
	for _, pkg := range d.pkgs {
		if p.modules[pkg] == d {
			delete(p.modules, pkg)
		}
	}
}

func (p *Pool) unmap(m *linkmap.Module) error {
	d, ok := p.dyn[m]
	if !ok {
		return nil
	}
	delete(p.dyn, m)
	d.Free(true)
	return nil
}

// Unload closes the module of pkgPath. Packages it imported are unloaded
// too once nothing else uses them.
func (p *Pool) Unload(pkgPath string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pkgPath == "" {
		pkgPath = "main"
	}
	d, ok := p.modules[pkgPath]
	if !ok || d.module == nil {
		return ErrNotLoad
	}
	return p.rt.Close(d.module, false)
}

// ReloadFile replaces the module of pkgPath. Packages depending on it
// must be unloaded first.
func (p *Pool) ReloadFile(file, pkgPath string, types ...any) (*linkmap.Module, error) {
	if err := p.unloadLeaf(pkgPath); err != nil {
		return nil, err
	}
	return p.LoadFile(file, pkgPath, types...)
}

// ReloadLinkable replaces the modules of the packages of a serialized
// linker.
func (p *Pool) ReloadLinkable(bin io.Reader, pkgs []string, types ...any) (*linkmap.Module, error) {
	for _, pkg := range pkgs {
		if err := p.unloadLeaf(pkg); err != nil && !errors.Is(err, ErrNotLoad) {
			return nil, err
		}
	}
	return p.LoadLinkable(bin, types...)
}

func (p *Pool) unloadLeaf(pkgPath string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pkgPath == "" {
		pkgPath = "main"
	}
	d, ok := p.modules[pkgPath]
	if !ok || d.module == nil {
		return ErrNotLoad
	}
	for o := range p.dyn {
		if o != d.module && dependsOn(o, d.module) {
			return perrors.Wrapf(ErrInUse, "%s used by %s", pkgPath, o.Name())
		}
	}
	return p.rt.Close(d.module, false)
}

func dependsOn(m, dep *linkmap.Module) bool {
	for _, l := range m.Initfini() {
		if l == dep {
			return true
		}
	}
	for _, l := range m.RelDeps() {
		if l == dep {
			return true
		}
	}
	return false
}

// Require resolves a symbol of pkgPath through the global scope.
func (p *Pool) Require(pkgPath, symbolName string) (Sym, error) {
	if pkgPath == "" {
		pkgPath = "main"
	}
	rd := p.rt.Register()
	if rd != nil {
		defer rd.Unregister()
	}
	v, _, ok := p.rt.Resolve(rd, p.host, pkgPath+"."+symbolName)
	if !ok {
		return 0, perrors.Wrapf(ErrMissingSymbol, "%s.%s", pkgPath, symbolName)
	}
	return Sym(unsafe.Pointer(&v)), nil
}

// MustRequire is Require panicking on error.
func (p *Pool) MustRequire(pkgPath, symbolName string) Sym {
	s, err := p.Require(pkgPath, symbolName)
	if err != nil {
		panic(err)
	}
	return s
}

// Lookup finds the module whose code contains pc.
func (p *Pool) Lookup(pc uintptr) (*linkmap.Module, bool) {
	o, ok := p.rt.FindObject(pc)
	if !ok {
		return nil, false
	}
	return o.Owner, true
}

// Packages loaded into the pool.
func (p *Pool) Packages() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	v := fn.MapKeys(p.modules)
	sort.Strings(v)
	return v
}

// Dynamic of a loaded package.
func (p *Pool) Dynamic(pkgPath string) (*Dynamic, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.modules[pkgPath]
	return d, ok
}
