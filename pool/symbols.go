package pool

import (
	"maps"
	"sort"

	"github.com/ZenLiuCN/fn"
	"github.com/ZenLiuCN/linkmap"
	"github.com/pkujhd/goloader"
)

// Symbols maps symbol names to addresses, as goloader links against.
type Symbols map[string]uintptr

// HostSymbols returns the symbols of the running executable.
func HostSymbols() (Symbols, error) {
	s := Symbols{}
	if err := goloader.RegSymbol(s); err != nil {
		return nil, err
	}
	return s, nil
}

// Names of the symbols, sorted.
func (s Symbols) Names() []string {
	v := fn.MapKeys(s)
	sort.Strings(v)
	return v
}

func (s Symbols) Clone() Symbols {
	return maps.Clone(s)
}

// Span is the smallest range holding every symbol address.
func (s Symbols) Span() (linkmap.Range, bool) {
	var r linkmap.Range
	first := true
	for _, u := range s {
		if u == 0 {
			continue
		}
		if first || u < r.Start {
			r.Start = u
		}
		if first || u+1 > r.End {
			r.End = u + 1
		}
		first = false
	}
	return r, !first
}
