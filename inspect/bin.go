package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/ZenLiuCN/linkmap"
	"github.com/ZenLiuCN/linkmap/pool"
	"github.com/davecgh/go-spew/spew"
	"github.com/pkg/errors"
	"github.com/pkujhd/goloader"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("failure")
	}
}

// newApp builds the command line. Command output goes to the app writer,
// diagnostics to the logger on stderr.
func newApp() *cli.App {
	app := cli.NewApp()
	app.Usage = "module unload simulator and object inspector"
	app.Name = "Inspect"
	app.Description = "runs unload scenarios against the module runtime and inspects go object files loaded by the pool"
	app.Flags = []cli.Flag{
		&cli.BoolFlag{Name: "debug", Aliases: []string{"d"}, EnvVars: []string{"LINKMAP_DEBUG"}},
	}
	scenario := &cli.StringFlag{Name: "scenario", Aliases: []string{"s"}, Required: true, EnvVars: []string{"LINKMAP_SCENARIO"}, Usage: "toml scenario file"}
	app.Commands = []*cli.Command{
		{
			Name:   "simulate",
			Action: simulate,
			Usage:  "run a scenario and print the final state",
			Flags: []cli.Flag{
				scenario,
				&cli.BoolFlag{Name: "dump", Usage: "dump every step result"},
				&cli.BoolFlag{Name: "metrics", Aliases: []string{"m"}, Usage: "print metrics after the run"},
				&cli.IntFlag{Name: "readers", Aliases: []string{"r"}, EnvVars: []string{"LINKMAP_READERS"}, Usage: "concurrent lookup goroutines"},
			},
		},
		{
			Name:      "lookup",
			Action:    lookup,
			Usage:     "run a scenario then find the modules of addresses",
			ArgsUsage: "address...",
			Flags:     []cli.Flag{scenario},
			Args:      true,
		},
		{
			Name:   "imports",
			Action: imports,
			Usage:  "display imports of go objfile or go archive file",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "pkg", Aliases: []string{"p"}, Usage: "package path or default main"},
			},
			Args: true,
		},
		{
			Name:   "linkable",
			Action: linkers,
			Usage:  "display imports of linkable file",
			Args:   true,
		},
		{
			Name:   "symbols",
			Action: symbols,
			Usage:  "display symbols of go objfile",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "pkg", Aliases: []string{"p"}, Usage: "package path or default main"},
			},
			Args: true,
		},
		{
			Name:   "compile",
			Action: compile,
			Usage:  "compile go sources to objfile. '.' uses every go source of the working directory",
			Args:   true,
		},
	}
	return app
}

func logger(ctx *cli.Context) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	if ctx.Bool("debug") {
		l.SetLevel(logrus.DebugLevel)
	} else {
		l.SetLevel(logrus.WarnLevel)
	}
	return l
}

func runner(ctx *cli.Context, metrics *linkmap.Metrics) (*Runner, error) {
	sc, err := LoadScenarioFile(ctx.String("scenario"))
	if err != nil {
		return nil, err
	}
	r, err := NewRunner(sc, logger(ctx), metrics)
	if err != nil {
		return nil, err
	}
	return r, r.Start()
}

func simulate(ctx *cli.Context) (err error) {
	metrics := linkmap.NewMetrics()
	reg := prometheus.NewRegistry()
	if err = metrics.Register(reg); err != nil {
		return
	}
	r, err := runner(ctx, metrics)
	if err != nil {
		return
	}
	w := ctx.App.Writer
	var res []Result
	if n := ctx.Int("readers"); n > 0 {
		res, err = r.Stress(context.Background(), n)
	} else {
		res, err = r.Run()
	}
	if ctx.Bool("dump") {
		spew.Fdump(w, res)
	}
	fmt.Fprint(w, r.Report())
	if ctx.Bool("metrics") {
		mfs, gerr := reg.Gather()
		if gerr != nil {
			return gerr
		}
		for _, mf := range mfs {
			if _, werr := expfmt.MetricFamilyToText(w, mf); werr != nil {
				return werr
			}
		}
	}
	return
}

func lookup(ctx *cli.Context) (err error) {
	r, err := runner(ctx, nil)
	if err != nil {
		return
	}
	if _, err = r.Run(); err != nil {
		return
	}
	for _, s := range ctx.Args().Slice() {
		pc, perr := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
		if perr != nil {
			return errors.Wrapf(perr, "address %s", s)
		}
		printObject(ctx.App.Writer, r.Runtime(), uintptr(pc))
	}
	return
}

func printObject(w io.Writer, rt *linkmap.Runtime, pc uintptr) {
	if o, ok := rt.FindObject(pc); ok {
		fmt.Fprintf(w, "%#x\t%s\t[%#x,%#x)\n", pc, o.Owner, o.Start, o.End)
	} else {
		fmt.Fprintf(w, "%#x\tnot found\n", pc)
	}
}

func linkers(ctx *cli.Context) (err error) {
	var f *os.File
	var l *goloader.Linker
	for _, s := range ctx.Args().Slice() {
		if f, err = os.Open(s); err != nil {
			return
		}
		l, err = goloader.UnSerialize(f)
		_ = f.Close()
		if err != nil {
			return
		}
		fmt.Fprintf(ctx.App.Writer, "%s\n", pool.LinkerImports(l).String())
	}
	return
}

func imports(ctx *cli.Context) (err error) {
	for _, s := range ctx.Args().Slice() {
		var v *pool.Info
		if v, err = pool.ObjectImports(s, ctx.String("pkg")); err != nil {
			return
		}
		fmt.Fprintf(ctx.App.Writer, "%s\n", v.String())
	}
	return
}

func symbols(ctx *cli.Context) (err error) {
	for _, s := range ctx.Args().Slice() {
		var v []string
		if v, err = pool.Inspect(s, ctx.String("pkg")); err != nil {
			return
		}
		fmt.Fprintf(ctx.App.Writer, "%s:\n\t%s\n", s, strings.Join(v, "\n\t"))
	}
	return
}

func compile(ctx *cli.Context) (err error) {
	l := logrus.NewEntry(logger(ctx))
	o := ctx.Args().Slice()
	if len(o) == 0 {
		return errors.New("missing target sources list")
	}
	if len(o) == 1 && o[0] == "." {
		if o, err = sources(); err != nil {
			return
		}
		l.Infof("found go sources at working directory: %v", o)
	}
	if _, err = exec.LookPath("go"); err != nil {
		return errors.Wrap(err, "missing go sdk")
	}
	if err = pool.Imports(l, o); err != nil {
		return errors.Wrap(err, "generate importcfg")
	}
	return pool.Compile(l, o)
}

func sources() (v []string, err error) {
	var e []os.DirEntry
	if e, err = os.ReadDir("."); err != nil {
		return
	}
	for _, entry := range e {
		n := entry.Name()
		if !entry.IsDir() && strings.HasSuffix(n, ".go") && !strings.HasSuffix(n, "_test.go") {
			v = append(v, n)
		}
	}
	return
}
