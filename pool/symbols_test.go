package pool

import (
	"testing"

	"github.com/ZenLiuCN/linkmap"
	"github.com/pkujhd/goloader/obj"
	"gotest.tools/v3/assert"
)

func TestSpan(t *testing.T) {
	s := Symbols{"a.X": 0x2000, "a.Y": 0x1000, "a.Z": 0x2fff, "a.Undefined": 0}
	r, ok := s.Span()
	assert.Assert(t, ok)
	assert.Equal(t, r, linkmap.Range{Start: 0x1000, End: 0x3000})
	_, ok = Symbols{"a.Undefined": 0}.Span()
	assert.Assert(t, !ok)
	assert.DeepEqual(t, s.Names(), []string{"a.Undefined", "a.X", "a.Y", "a.Z"})
	c := s.Clone()
	delete(c, "a.X")
	assert.Equal(t, len(s), 4)
}

func TestParseName(t *testing.T) {
	assert.Equal(t, parseName("github.com/!zen!liu!c!n/fn@v0.1.33"), "github.com/ZenLiuCN/fn@v0.1.33")
	assert.Equal(t, parseName("plain/path"), "plain/path")
}

func TestParseInfo(t *testing.T) {
	p := &obj.Pkg{
		ImportPkgs: []string{"github.com/ZenLiuCN/fn", "fmt", "example.com/local"},
		CUFiles: []string{
			"gofile..$GOROOT/src/fmt/print.go",
			"gofile../home/u/go/pkg/mod/github.com/!zen!liu!c!n/fn@v0.1.33/fn.go",
			"gofile../src/example.com/local/a.go",
		},
	}
	i := parseInfo(p)
	assert.DeepEqual(t, i.Imports, map[string]string{
		"github.com/ZenLiuCN/fn": "v0.1.33",
		"fmt":                    "",
		"example.com/local":      "",
	})
	i.PkgPath = "sample"
	infos := Infos{i}
	assert.DeepEqual(t, infos.Packages(), []string{"example.com/local", "fmt", "github.com/ZenLiuCN/fn"})
	assert.Equal(t, infos.String(), "sample\n\texample.com/local\n\tfmt\n\tgithub.com/ZenLiuCN/fn@v0.1.33\n")
}
