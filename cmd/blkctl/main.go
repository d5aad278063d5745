// Command blkctl drives block devices described by a TOML file against
// simulated media kept in image files.
//
//	blkctl -config devices.toml -image-dir ./img info
//	blkctl -config devices.toml write flash0 0x100 deadbeef
//	blkctl -config devices.toml shell
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	log "github.com/fclairamb/go-log"
	golog "github.com/fclairamb/go-log/logrus"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"blockdev-go/config"
)

func newLogger(verbose bool) log.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.WarnLevel)
	if verbose {
		l.SetLevel(logrus.DebugLevel)
	}
	return golog.NewWrap(l)
}

// session builds the simulated media for f and creates every device.
func session(f *config.File, fs afero.Fs, imageDir string, out io.Writer, logger log.Logger) (*tool, func(), error) {
	cfgs, err := f.BlockdevConfigs()
	if err != nil {
		return nil, nil, err
	}
	if err := fs.MkdirAll(imageDir, 0o755); err != nil {
		return nil, nil, errors.Wrap(err, "blkctl: image dir")
	}
	rig, media, err := buildRig(f, cfgs, fs, imageDir)
	if err != nil {
		return nil, nil, err
	}
	t := newTool(out, logger)
	for _, cfg := range cfgs {
		t.add(cfg, rig.Registry)
	}
	done := func() {
		t.close()
		for _, m := range media {
			m.Close()
		}
	}
	return t, done, nil
}

func main() {
	cfgPath := flag.String("config", "devices.toml", "device description")
	imageDir := flag.String("image-dir", ".", "directory holding media images")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: blkctl [flags] <command> [args] | shell")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	f, err := config.LoadFile(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, red(describe(err)))
		os.Exit(1)
	}
	t, done, err := session(f, afero.NewOsFs(), *imageDir, os.Stdout, newLogger(*verbose))
	if err != nil {
		fmt.Fprintln(os.Stderr, red(describe(err)))
		os.Exit(1)
	}
	if flag.Arg(0) == "shell" {
		err = t.shell(os.Stdin)
	} else {
		err = t.run(flag.Args())
	}
	done()
	if err != nil {
		fmt.Fprintln(os.Stderr, red(describe(err)))
		os.Exit(1)
	}
}
