package pool

import (
	"os"
	"os/exec"
	"strings"

	"github.com/ZenLiuCN/fn"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ImportCfg is the import configuration written by Imports.
const ImportCfg = "importcfg"

// Compile go sources into an object file in the working directory, using
// the configuration written by Imports. The configuration is removed
// afterwards unless log is at debug level.
func Compile(log *logrus.Entry, sources []string) error {
	cmd := exec.Command("go", append([]string{"tool", "compile", "-importcfg", ImportCfg}, sources...)...)
	log.Debugf("execute: %v", cmd.Args)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return errors.Wrap(err, "compile")
	}
	if !log.Logger.IsLevelEnabled(logrus.DebugLevel) {
		return os.Remove(ImportCfg)
	}
	return nil
}

// Imports writes the import configuration of sources into the working
// directory.
func Imports(log *logrus.Entry, sources []string) (err error) {
	log.Debugf("sources: %v", sources)
	var cfg *os.File
	if cfg, err = os.OpenFile(ImportCfg, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644); err != nil {
		return
	}
	defer fn.IgnoreClose(cfg)
	out, err := goList(log, append([]string{"-export", "-f", "{{.Imports}}"}, sources...))
	if err != nil {
		return errors.Wrap(err, "inspect imports")
	}
	out = strings.TrimSpace(out)
	out = strings.TrimSuffix(strings.TrimPrefix(out, "["), "]")
	deps := strings.Fields(out)
	log.Debugf("deps: %v", deps)
	out, err = goList(log, append([]string{"-export", "-f", "{{if .Export}}packagefile {{.ImportPath}}={{.Export}}{{end}}", "std"}, deps...))
	if err != nil {
		return errors.Wrap(err, "inspect dependencies")
	}
	_, err = cfg.WriteString(out)
	return
}

func goList(log *logrus.Entry, args []string) (string, error) {
	cmd := exec.Command("go", append([]string{"list"}, args...)...)
	log.Debugf("execute: %v", cmd.Args)
	b, err := cmd.Output()
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			return "", errors.Errorf("%s: %s", err, ee.Stderr)
		}
		return "", err
	}
	return string(b), nil
}
