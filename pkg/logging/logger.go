package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"reflect"
	"sync/atomic"
)

// Logger is the printf-style logging contract shared by the core packages.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger { return nopLogger{} }

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if logger == nil {
		return Nop()
	}
	val := reflect.ValueOf(logger)
	if val.Kind() == reflect.Ptr && val.IsNil() {
		return Nop()
	}
	return logger
}

// StdLogger writes through the standard library logger, prefixing each line
// with a component name the same way settings loading logs "settings: ...".
type StdLogger struct {
	component string
	out       *log.Logger
	debug     atomic.Bool
}

// New returns a component logger writing to stderr.
func New(component string) *StdLogger {
	return NewWithWriter(component, os.Stderr)
}

// NewWithWriter returns a component logger writing to w.
func NewWithWriter(component string, w io.Writer) *StdLogger {
	if w == nil {
		w = io.Discard
	}
	return &StdLogger{component: component, out: log.New(w, "", log.LstdFlags|log.Lmicroseconds)}
}

// SetDebug toggles debug output.
func (l *StdLogger) SetDebug(on bool) { l.debug.Store(on) }

func (l *StdLogger) Debug(format string, args ...any) {
	if !l.debug.Load() {
		return
	}
	l.emit("DEBUG", format, args...)
}

func (l *StdLogger) Info(format string, args ...any)  { l.emit("INFO", format, args...) }
func (l *StdLogger) Warn(format string, args ...any)  { l.emit("WARN", format, args...) }
func (l *StdLogger) Error(format string, args ...any) { l.emit("ERROR", format, args...) }

func (l *StdLogger) emit(level, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if l.component != "" {
		l.out.Printf("%s %s: %s", level, l.component, msg)
		return
	}
	l.out.Printf("%s %s", level, msg)
}
