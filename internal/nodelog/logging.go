// Package nodelog sets up the op/go-logging backend shared by every
// component, grounded directly on mixmasala-server/server.go's
// initLogging/newLogger: one backend built once from the node's config,
// handing out per-module *logging.Logger values sharing that backend.
package nodelog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	logging "gopkg.in/op/go-logging.v1"
)

const fileMode = 0600

// Backend wraps the leveled logging.Backend shared by every module logger.
type Backend struct {
	backend logging.LeveledBackend
}

// New builds a Backend writing to dataDir/file (or stdout if file is
// empty, or discarding entirely if disable is set), at the given level.
func New(disable bool, dataDir, file, level string) (*Backend, error) {
	var w io.Writer
	switch {
	case disable:
		w = io.Discard
	case file == "":
		w = os.Stdout
	default:
		p := file
		if !filepath.IsAbs(p) {
			p = filepath.Join(dataDir, p)
		}
		f, err := os.OpenFile(p, os.O_CREATE|os.O_APPEND|os.O_WRONLY, fileMode)
		if err != nil {
			return nil, fmt.Errorf("nodelog: failed to create log file: %w", err)
		}
		w = f
	}

	logFmt := logging.MustStringFormatter("%{time:15:04:05.000} %{level:.4s} %{module}: %{message}")
	b := logging.NewLogBackend(w, "", 0)
	bFmt := logging.NewBackendFormatter(b, logFmt)
	bl := logging.AddModuleLevel(bFmt)
	bl.SetLevel(levelFromString(level), "")
	return &Backend{backend: bl}, nil
}

// Logger returns a logger for the named module sharing this Backend.
func (b *Backend) Logger(module string) *logging.Logger {
	l := logging.MustGetLogger(module)
	l.SetBackend(b.backend)
	return l
}

func levelFromString(level string) logging.Level {
	l, err := logging.LogLevel(level)
	if err != nil {
		return logging.NOTICE
	}
	return l
}
