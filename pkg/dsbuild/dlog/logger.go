// Package dlog provides the structured logger handed to every node and
// process. The shape mirrors the teacher's own definition.Logger /
// DefaultLogger split: a small leveled interface with a toggleable debug
// level, backed here by logrus instead of the standard log package.
package dlog

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the leveled logging contract used across dsbuild. A process
// or node author may supply their own implementation instead of the one
// New returns.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
	Fatalf(format string, args ...any)
	ToggleDebug(on bool) bool
}

// logrusLogger is the default Logger, wrapping a *logrus.Logger the way
// the teacher's DefaultLogger wraps *log.Logger.
type logrusLogger struct {
	entry *logrus.Logger
}

// New builds the default Logger, writing leveled, prefixed lines to
// stderr.
func New(component string) Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return &logrusLogger{entry: l.WithField("component", component).Logger}
}

func (l *logrusLogger) Debugf(format string, args ...any) { l.entry.Debugf(format, args...) }
func (l *logrusLogger) Infof(format string, args ...any)  { l.entry.Infof(format, args...) }
func (l *logrusLogger) Warnf(format string, args ...any)  { l.entry.Warnf(format, args...) }
func (l *logrusLogger) Errorf(format string, args ...any) { l.entry.Errorf(format, args...) }
func (l *logrusLogger) Fatalf(format string, args ...any) { l.entry.Fatalf(format, args...) }

// ToggleDebug flips between Debug and Info level, returning the new state.
func (l *logrusLogger) ToggleDebug(on bool) bool {
	if on {
		l.entry.SetLevel(logrus.DebugLevel)
	} else {
		l.entry.SetLevel(logrus.InfoLevel)
	}
	return on
}

// Noop discards every log line; useful in tests that don't want stderr
// noise but still need a Logger to satisfy constructors.
func Noop() Logger { return noopLogger{} }

type noopLogger struct{}

func (noopLogger) Debugf(string, ...any)      {}
func (noopLogger) Infof(string, ...any)       {}
func (noopLogger) Warnf(string, ...any)       {}
func (noopLogger) Errorf(string, ...any)      {}
func (noopLogger) Fatalf(string, ...any)      {}
func (noopLogger) ToggleDebug(on bool) bool    { return on }
