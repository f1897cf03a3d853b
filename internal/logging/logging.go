// Package logging provides the leveled logger used across the proxy core.
//
// The spec names seven levels (fatal, error, warning, notice, info, debug,
// trace); hclog only knows five. Notice rides on hclog's Info level tagged
// with a "level=notice" field, so a notice line stays distinguishable from
// an info line. Fatal is emitted as a plain hclog Error line, after which
// Fatalf exits the process.
package logging

import (
	"os"

	"github.com/hashicorp/go-hclog"
)

// Level is the spec's logging priority, ordered from least to most verbose.
type Level int

const (
	Fatal Level = iota
	Error
	Warning
	Notice
	Info
	Debug
	Trace
)

var levelNames = map[Level]string{
	Fatal:   "fatal",
	Error:   "error",
	Warning: "warning",
	Notice:  "notice",
	Info:    "info",
	Debug:   "debug",
	Trace:   "trace",
}

func (l Level) String() string {
	if s, ok := levelNames[l]; ok {
		return s
	}
	return "unknown"
}

// ParseLevel parses one of the spec's level names. Unknown names default to
// Notice, matching the default `log-priority` in spec.md §6.
func ParseLevel(s string) Level {
	for lvl, name := range levelNames {
		if name == s {
			return lvl
		}
	}
	return Notice
}

// Logger bridges the spec's level set onto hclog.
type Logger struct {
	base    hclog.Logger
	current Level
}

// New creates a Logger named after the owning component, starting at the
// given level.
func New(name string, level Level) *Logger {
	return &Logger{
		base:    hclog.New(&hclog.LoggerOptions{Name: name, Level: toHCLevel(level)}),
		current: level,
	}
}

func toHCLevel(l Level) hclog.Level {
	switch l {
	case Fatal, Error:
		return hclog.Error
	case Warning:
		return hclog.Warn
	case Notice, Info:
		return hclog.Info
	case Debug:
		return hclog.Debug
	case Trace:
		return hclog.Trace
	default:
		return hclog.Info
	}
}

// Level returns the logger's current effective level.
func (l *Logger) Level() Level { return l.current }

// SetLevel changes the effective level and reconfigures the hclog backend.
func (l *Logger) SetLevel(level Level) {
	l.current = level
	l.base.SetLevel(toHCLevel(level))
}

// Bump steps the level one notch more (+1) or less (-1) verbose, bounded at
// Warning (least verbose) and Trace (most verbose) per spec.md §5.
func (l *Logger) Bump(delta int) Level {
	next := l.current + Level(delta)
	if next < Warning {
		next = Warning
	}
	if next > Trace {
		next = Trace
	}
	l.SetLevel(next)
	return next
}

func (l *Logger) enabled(level Level) bool {
	return level <= l.current
}

// Tracef logs at Trace.
func (l *Logger) Tracef(format string, args ...interface{}) {
	if l.enabled(Trace) {
		l.base.Trace(sprintf(format, args...))
	}
}

// Debugf logs at Debug.
func (l *Logger) Debugf(format string, args ...interface{}) {
	if l.enabled(Debug) {
		l.base.Debug(sprintf(format, args...))
	}
}

// Infof logs at Info.
func (l *Logger) Infof(format string, args ...interface{}) {
	if l.enabled(Info) {
		l.base.Info(sprintf(format, args...))
	}
}

// Noticef logs at Notice (hclog Info tagged "level=notice").
func (l *Logger) Noticef(format string, args ...interface{}) {
	if l.enabled(Notice) {
		l.base.Info(sprintf(format, args...), "level", "notice")
	}
}

// Warningf logs at Warning.
func (l *Logger) Warningf(format string, args ...interface{}) {
	if l.enabled(Warning) {
		l.base.Warn(sprintf(format, args...))
	}
}

// Errorf logs at Error.
func (l *Logger) Errorf(format string, args ...interface{}) {
	if l.enabled(Error) {
		l.base.Error(sprintf(format, args...))
	}
}

// Fatalf logs at Error and terminates the process with exit code 1.
// Callers that need to distinguish the exit code (e.g. 139 for a database
// segfault-equivalent) should log with Errorf and call os.Exit themselves;
// Fatalf is for the generic EXIT_FAILURE path.
func (l *Logger) Fatalf(format string, args ...interface{}) {
	l.base.Error(sprintf(format, args...))
	os.Exit(1)
}

func sprintf(format string, args ...interface{}) string {
	if len(args) == 0 {
		return format
	}
	return hclog.Fmt(format, args...)
}
