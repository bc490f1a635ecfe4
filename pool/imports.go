package pool

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ZenLiuCN/fn"
	"github.com/pkujhd/goloader"
	"github.com/pkujhd/goloader/obj"
)

// Info holds the imports of one package of an object file.
type Info struct {
	File    string
	PkgPath string
	// Imports maps import paths to their module version, empty when the
	// package is not from a versioned module.
	Imports map[string]string
}

func (i Info) String() string {
	s := strings.Builder{}
	k := fn.MapKeys(i.Imports)
	sort.Strings(k)
	for _, p := range k {
		if v := i.Imports[p]; v != "" {
			s.WriteString(fmt.Sprintf("\t%s@%s\n", p, v))
		} else {
			s.WriteString(fmt.Sprintf("\t%s\n", p))
		}
	}
	return s.String()
}

// Infos is a stringer slice of Info
type Infos []*Info

func (i Infos) String() string {
	s := strings.Builder{}
	for _, v := range i {
		s.WriteString(v.PkgPath)
		s.WriteByte('\n')
		s.WriteString(v.String())
	}
	return s.String()
}

// Packages imported by any of the infos, sorted.
func (i Infos) Packages() []string {
	set := map[string]struct{}{}
	for _, v := range i {
		for p := range v.Imports {
			set[p] = struct{}{}
		}
	}
	k := fn.MapKeys(set)
	sort.Strings(k)
	return k
}

// ObjectImports reads the imports of an object file.
func ObjectImports(file, pkgPath string) (*Info, error) {
	if pkgPath == "" {
		pkgPath = "main"
	}
	v := &obj.Pkg{Syms: make(map[string]*obj.ObjSymbol), File: file, PkgPath: pkgPath}
	if err := v.Symbols(); err != nil {
		return nil, err
	}
	info := parseInfo(v)
	info.File = file
	info.PkgPath = pkgPath
	return info, nil
}

// LinkerImports reads the imports of every package of a linker.
func LinkerImports(link *goloader.Linker) (infos Infos) {
	for _, pkg := range link.Packages {
		info := parseInfo(pkg)
		info.File = pkg.File
		info.PkgPath = pkg.PkgPath
		infos = append(infos, info)
	}
	return
}

func parseInfo(v *obj.Pkg) *Info {
	i := &Info{Imports: make(map[string]string)}
	for _, pkg := range v.ImportPkgs {
		i.Imports[pkg] = ""
	}
	k := fn.MapKeys(i.Imports)
	for _, f := range v.CUFiles {
		i.version(k, f)
	}
	return i
}

// version fills the module version of the imports found in the path of a
// compilation unit file, such as gofile..$GOPATH/pkg/mod/a/b@v1.0.0/c.go.
func (i *Info) version(imports []string, f string) {
	f = strings.TrimPrefix(f, "gofile..")
	if strings.HasPrefix(f, "$GOROOT") {
		return
	}
	if strings.IndexByte(f, '!') >= 0 {
		f = parseName(f)
	}
	for _, s := range imports {
		x := strings.Index(f, s)
		if x < 0 || i.Imports[s] != "" {
			continue
		}
		rest := f[x:]
		y := strings.IndexByte(rest, '@')
		if y < 0 {
			continue
		}
		ver := rest[y+1:]
		if y = strings.IndexByte(ver, '/'); y >= 0 {
			ver = ver[:y]
		}
		i.Imports[s] = ver
	}
}

// parseName undoes the module cache escaping of upper case letters.
func parseName(f string) string {
	v := strings.Builder{}
	x := false
	for _, i := range []byte(f) {
		switch {
		case i == '!':
			x = true
		case x:
			x = false
			v.WriteByte(i - 32)
		default:
			v.WriteByte(i)
		}
	}
	return v.String()
}

// Inspect lists the symbols inside an object file.
func Inspect(file, pkg string) ([]string, error) {
	return goloader.Parse(file, pkg)
}
