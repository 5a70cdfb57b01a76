package rtas

import (
	"io"
	"os"
	"sync"

	"github.com/op/go-logging"

	"github.com/gekko3d/rtas/rt/core"
)

// Logger is the leveled logger the subsystem and every rt package log through.
type Logger = core.Logger

var format = logging.MustStringFormatter(
	`%{color}[%{time:15:04:05.000}] [%{module}] [%{level}]%{color:reset} %{message}`,
)

// DefaultLogger logs through go-logging under a module name.
type DefaultLogger struct {
	mu      sync.Mutex
	module  string
	debug   bool
	log     *logging.Logger
	backend logging.LeveledBackend
}

// NewDefaultLogger logs to stderr.
func NewDefaultLogger(module string, debug bool) *DefaultLogger {
	return NewLoggerTo(os.Stderr, module, debug)
}

// NewLoggerTo logs to sink. Each logger owns its backend so levels of
// different modules do not interfere.
func NewLoggerTo(sink io.Writer, module string, debug bool) *DefaultLogger {
	backend := logging.NewLogBackend(sink, "", 0)
	leveled := logging.AddModuleLevel(logging.NewBackendFormatter(backend, format))
	l := logging.MustGetLogger(module)
	l.SetBackend(leveled)
	dl := &DefaultLogger{module: module, log: l, backend: leveled}
	dl.SetDebug(debug)
	return dl
}

func (l *DefaultLogger) DebugEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.debug
}

func (l *DefaultLogger) SetDebug(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.debug = enabled
	level := logging.INFO
	if enabled {
		level = logging.DEBUG
	}
	l.backend.SetLevel(level, l.module)
}

func (l *DefaultLogger) Debugf(format string, args ...any) { l.log.Debugf(format, args...) }
func (l *DefaultLogger) Infof(format string, args ...any)  { l.log.Infof(format, args...) }
func (l *DefaultLogger) Warnf(format string, args ...any)  { l.log.Warningf(format, args...) }
func (l *DefaultLogger) Errorf(format string, args ...any) { l.log.Errorf(format, args...) }

// NewNopLogger returns a logger that drops everything.
func NewNopLogger() Logger { return core.NewNopLogger() }
