package pool

import (
	"errors"
	"io"
	"os"
	"strings"
	"unsafe"

	"github.com/ZenLiuCN/linkmap"
	"github.com/pkujhd/goloader"
	"github.com/sirupsen/logrus"
)

var (
	// ErrMissingSymbol occurs when can't found a symbol.
	ErrMissingSymbol = errors.New("missing symbol")
	// ErrAlreadyInitialized occurs when a Dynamic reinitializing.
	ErrAlreadyInitialized = errors.New("already initialized dynamic")
	// ErrLinked occurs when a Dynamic relinking.
	ErrLinked = errors.New("already linked")
	// ErrUninitialized occurs use or link a Dynamic before initialized.
	ErrUninitialized = errors.New("module not initialized")
)

// Sym is the address of a word holding a symbol address, castable to a
// function value with As.
type Sym uintptr

// Dynamic is a set of Go packages linked at runtime by goloader.
//
// Steps: Initialize or InitializeSerialized, then Link; Free releases the
// code once the module is unloaded.
type Dynamic struct {
	files  []string
	pkgs   []string
	syms   Symbols
	linker *goloader.Linker
	code   *goloader.CodeModule
	module *linkmap.Module
	log    *logrus.Entry
}

func newDynamic(syms Symbols, log *logrus.Entry) *Dynamic {
	return &Dynamic{syms: syms, log: log}
}

// Initialize from object files or archives with their package paths.
func (d *Dynamic) Initialize(files, pkgs []string, types ...any) (err error) {
	if d.linker != nil {
		return ErrAlreadyInitialized
	}
	if len(types) > 0 {
		d.log.Debugf("register types %v", types)
		goloader.RegTypes(d.syms, types...)
	}
	d.files = append(d.files, files...)
	d.pkgs = append(d.pkgs, pkgs...)
	if d.linker, err = goloader.ReadObjs(files, pkgs); err != nil {
		return
	}
	d.log.Debugf("create linker for %v", pkgs)
	return
}

// InitializeSerialized from a linker written by Serialize.
func (d *Dynamic) InitializeSerialized(in io.Reader, types ...any) (err error) {
	if d.linker != nil {
		return ErrAlreadyInitialized
	}
	if len(types) > 0 {
		goloader.RegTypes(d.syms, types...)
	}
	if d.linker, err = goloader.UnSerialize(in); err != nil {
		return
	}
	for _, pkg := range d.linker.Packages {
		d.pkgs = append(d.pkgs, pkg.PkgPath)
		d.files = append(d.files, pkg.File)
	}
	d.log.Debugf("loaded linker for %v", d.pkgs)
	return
}

// Link relocates the code against the known symbols.
func (d *Dynamic) Link() (err error) {
	if d.linker == nil {
		return ErrUninitialized
	}
	if d.code != nil {
		return ErrLinked
	}
	if d.code, err = goloader.Load(d.linker, d.syms); err != nil {
		return
	}
	d.log.Debugf("linked %d symbols", len(d.code.Syms))
	return
}

// Packages linked into the module.
func (d *Dynamic) Packages() []string {
	return append([]string(nil), d.pkgs...)
}

// Module is the record of the loaded module, nil before the pool opened it.
func (d *Dynamic) Module() *linkmap.Module {
	return d.module
}

// Exports are the symbols defined by the linked code.
func (d *Dynamic) Exports() Symbols {
	if d.code == nil {
		return nil
	}
	return d.code.Syms
}

func qualify(sym string) string {
	if strings.IndexByte(sym, '.') < 0 {
		return "main." + sym
	}
	return sym
}

// Fetch a symbol defined by the module.
func (d *Dynamic) Fetch(sym string) (Sym, bool) {
	if d.code == nil {
		return 0, false
	}
	p, ok := d.code.Syms[qualify(sym)]
	if !ok {
		return 0, false
	}
	return Sym(unsafe.Pointer(&p)), true
}

// MissingSymbols lists the references no known symbol satisfies.
func (d *Dynamic) MissingSymbols() []string {
	if d.linker == nil {
		return nil
	}
	return goloader.UnresolvedSymbols(d.linker, d.syms)
}

// Serialize the linker for InitializeSerialized.
func (d *Dynamic) Serialize(out io.Writer) error {
	if d.linker == nil {
		return ErrUninitialized
	}
	return goloader.Serialize(d.linker, out)
}

// Free unloads the code. With sync, stdout is flushed first since the
// code may have buffered writes pending.
func (d *Dynamic) Free(sync bool) {
	if d.code != nil {
		if sync {
			_ = os.Stdout.Sync()
		}
		d.code.Unload()
		d.code = nil
		d.log.WithField("packages", d.pkgs).Debug("code unloaded")
	}
	d.linker = nil
	d.syms = nil
}

// As converts a fetched Sym to the function type T.
func As[T any](ptr Sym) (x T) {
	px := (*T)(unsafe.Pointer(&ptr))
	x = *px
	return
}
