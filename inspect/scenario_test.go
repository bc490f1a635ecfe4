package main

import (
	"context"
	"strings"
	"testing"

	"github.com/ZenLiuCN/fn"
	"github.com/ZenLiuCN/linkmap"
	"github.com/sirupsen/logrus"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func quiet() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.WarnLevel)
	return l
}

func newRunner(t *testing.T, sc *Scenario) *Runner {
	t.Helper()
	r := fn.Panic1(NewRunner(sc, quiet(), nil))
	assert.NilError(t, r.Start())
	return r
}

func TestPlugins(t *testing.T) {
	sc := fn.Panic1(LoadScenarioFile("testdata/plugins.toml"))
	assert.Equal(t, len(sc.Steps), 7)
	r := newRunner(t, sc)
	res, err := r.Run()
	assert.NilError(t, err)
	assert.Equal(t, res[1].Owner, "helper[0:loaded]")
	assert.Equal(t, res[5].Owner, "other[0:loaded]")

	rep := r.Report()
	assert.Equal(t, len(rep.Namespaces), 1)
	var names []string
	for _, m := range rep.Namespaces[0].Modules {
		names = append(names, m.Name)
	}
	// app bound other_run, which keeps other and helper loaded
	assert.DeepEqual(t, names, []string{"app", "libc", "helper", "other"})
	assert.DeepEqual(t, rep.Namespaces[0].Global, []string{"app", "libc", "other", "helper"})
	assert.Equal(t, rep.Mappings, 5)
	assert.Assert(t, is.Contains(rep.String(), "libc library open=0"))
	_, ok := r.Runtime().FindObject(res[0].Value)
	assert.Assert(t, !ok)
	o, ok := r.Runtime().FindObject(r.Runtime().Lookup(0, "other").MapStart())
	assert.Assert(t, ok)
	assert.Equal(t, o.Owner.Name(), "other")
}

func TestFailedInitIsUndone(t *testing.T) {
	sc := fn.Panic1(LoadScenario(strings.NewReader(`
[main]
name = "app"

[[module]]
name = "bad"
needed = ["dep"]
fail_init = true

[[module]]
name = "dep"

[[step]]
op = "open"
module = "bad"
expect = "initializer failed"
`)))
	r := newRunner(t, sc)
	_, err := r.Run()
	assert.NilError(t, err)
	assert.Assert(t, r.Runtime().Lookup(0, "bad") == nil)
	assert.Assert(t, r.Runtime().Lookup(0, "dep") == nil)
	assert.Equal(t, r.Mapper().Live(), 1)
}

func TestNodeleteAndLimits(t *testing.T) {
	sc := fn.Panic1(LoadScenario(strings.NewReader(`
[main]
name = "app"

[[module]]
name = "pinned"

[[module]]
name = "big"

[[step]]
op = "open"
module = "pinned"
nodelete = true

[[step]]
op = "close"
module = "pinned"

[[step]]
op = "limit"
kind = "linkmap.initfini"
n = 0

[[step]]
op = "open"
module = "big"
expect = "cannot allocate"

[[step]]
op = "limit"
kind = "linkmap.initfini"
n = -1

[[step]]
op = "open"
module = "big"
ns = 1
expect = "namespace"
`)))
	r := newRunner(t, sc)
	_, err := r.Run()
	assert.NilError(t, err)
	m := r.Runtime().Lookup(0, "pinned")
	assert.Assert(t, m != nil)
	assert.Assert(t, m.NodeleteActive())
	assert.Equal(t, m.DirectOpenCount(), uint32(1))
	assert.Assert(t, r.Runtime().Lookup(0, "big") == nil)
}

func TestStress(t *testing.T) {
	sc := fn.Panic1(LoadScenarioFile("testdata/plugins.toml"))
	r := newRunner(t, sc)
	res, err := r.Stress(context.Background(), 4)
	assert.NilError(t, err)
	assert.Equal(t, len(res), len(sc.Steps))
	assert.Equal(t, r.Runtime().Modules(linkmap.NamespaceID(0))[1].Name(), "libc")
}

func TestUnknownOp(t *testing.T) {
	sc := &Scenario{Main: ModuleDef{Name: "app"}, Steps: []Step{{Op: "explode"}}}
	r := newRunner(t, sc)
	_, err := r.Run()
	assert.ErrorContains(t, err, `unknown op "explode"`)
	_, err = LoadScenario(strings.NewReader(`tls_layout = "x"`))
	assert.ErrorContains(t, err, "without main")
}
