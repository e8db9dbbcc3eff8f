// Package logging provides the structured logger interface injected into
// every component constructor. The teacher service reached for a mutable
// package-level logger wired post-hoc; the specification calls that out
// explicitly as something to replace with dependency injection, so nothing
// in this repository touches a process-global logger.
package logging

import (
	"log"
	"os"
	"strings"
	"sync/atomic"
)

// Logger is the minimal structured-logging contract every component
// accepts at construction time.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// stdLogger is a log.Logger-backed Logger with an atomically-set level,
// preserving the teacher's key=value structured-token wire format.
type stdLogger struct {
	out   *log.Logger
	level int32 // 0=info, 1=debug
}

// New constructs a Logger writing to stderr at the given level
// ("debug" or "info"; anything else is treated as "info").
func New(level string) Logger {
	l := &stdLogger{out: log.New(os.Stderr, "", log.LstdFlags)}
	l.SetLevel(level)
	return l
}

func (l *stdLogger) SetLevel(level string) {
	if strings.EqualFold(level, "debug") {
		atomic.StoreInt32(&l.level, 1)
	} else {
		atomic.StoreInt32(&l.level, 0)
	}
}

func (l *stdLogger) isDebug() bool { return atomic.LoadInt32(&l.level) == 1 }

func (l *stdLogger) Debugf(format string, args ...interface{}) {
	if l.isDebug() {
		l.out.Printf("level=debug "+format, args...)
	}
}

func (l *stdLogger) Infof(format string, args ...interface{}) {
	l.out.Printf("level=info "+format, args...)
}

func (l *stdLogger) Warnf(format string, args ...interface{}) {
	l.out.Printf("level=warn "+format, args...)
}

func (l *stdLogger) Errorf(format string, args ...interface{}) {
	l.out.Printf("level=error "+format, args...)
}

// Nop is a Logger that discards everything, used by components in tests
// that don't want log noise.
var Nop Logger = nopLogger{}

type nopLogger struct{}

func (nopLogger) Debugf(string, ...interface{}) {}
func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}
