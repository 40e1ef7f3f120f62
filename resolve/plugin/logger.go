package plugin

import (
	"bytes"
	"io"
	"log"
	"sync/atomic"

	"github.com/go-logr/logr"
	"github.com/hashicorp/go-hclog"
)

// hclogLogr routes go-plugin's hclog output into a logr.Logger. Trace and
// debug lines land on V(1); warnings and errors keep their severity.
type hclogLogr struct {
	logger logr.Logger
	name   string
	args   []any
	level  *atomic.Int32
}

func newHclogLogr(logger logr.Logger) hclog.Logger {
	level := new(atomic.Int32)
	level.Store(int32(hclog.Trace))
	return &hclogLogr{logger: logger, level: level}
}

func (l *hclogLogr) enabled(level hclog.Level) bool {
	if level < hclog.Level(l.level.Load()) {
		return false
	}
	if level <= hclog.Debug {
		return l.logger.V(1).Enabled()
	}
	return l.logger.Enabled()
}

func (l *hclogLogr) Log(level hclog.Level, msg string, args ...any) {
	if level == hclog.Off || !l.enabled(level) {
		return
	}
	switch {
	case level <= hclog.Debug:
		l.logger.V(1).Info(msg, args...)
	case level == hclog.Warn:
		l.logger.Info(msg, append([]any{"severity", "warn"}, args...)...)
	case level >= hclog.Error:
		l.logger.Error(nil, msg, args...)
	default:
		l.logger.Info(msg, args...)
	}
}

func (l *hclogLogr) Trace(msg string, args ...any) { l.Log(hclog.Trace, msg, args...) }
func (l *hclogLogr) Debug(msg string, args ...any) { l.Log(hclog.Debug, msg, args...) }
func (l *hclogLogr) Info(msg string, args ...any)  { l.Log(hclog.Info, msg, args...) }
func (l *hclogLogr) Warn(msg string, args ...any)  { l.Log(hclog.Warn, msg, args...) }
func (l *hclogLogr) Error(msg string, args ...any) { l.Log(hclog.Error, msg, args...) }

func (l *hclogLogr) IsTrace() bool { return l.enabled(hclog.Trace) }
func (l *hclogLogr) IsDebug() bool { return l.enabled(hclog.Debug) }
func (l *hclogLogr) IsInfo() bool  { return l.enabled(hclog.Info) }
func (l *hclogLogr) IsWarn() bool  { return l.enabled(hclog.Warn) }
func (l *hclogLogr) IsError() bool { return l.enabled(hclog.Error) }

func (l *hclogLogr) ImpliedArgs() []any {
	return l.args
}

func (l *hclogLogr) With(args ...any) hclog.Logger {
	next := *l
	next.logger = l.logger.WithValues(args...)
	next.args = append(append([]any(nil), l.args...), args...)
	return &next
}

func (l *hclogLogr) Name() string {
	return l.name
}

func (l *hclogLogr) Named(name string) hclog.Logger {
	next := *l
	next.logger = l.logger.WithName(name)
	if l.name != "" {
		next.name = l.name + "." + name
	} else {
		next.name = name
	}
	return &next
}

func (l *hclogLogr) ResetNamed(name string) hclog.Logger {
	next := *l
	next.logger = l.logger.WithName(name)
	next.name = name
	return &next
}

// SetLevel raises the floor below which lines are dropped. It is shared by
// every logger derived from this one.
func (l *hclogLogr) SetLevel(level hclog.Level) {
	l.level.Store(int32(level))
}

func (l *hclogLogr) GetLevel() hclog.Level {
	floor := hclog.Level(l.level.Load())
	if floor <= hclog.Debug && l.logger.V(1).Enabled() {
		return floor
	}
	if floor < hclog.Info {
		return hclog.Info
	}
	return floor
}

func (l *hclogLogr) StandardLogger(opts *hclog.StandardLoggerOptions) *log.Logger {
	return log.New(l.StandardWriter(opts), "", 0)
}

func (l *hclogLogr) StandardWriter(opts *hclog.StandardLoggerOptions) io.Writer {
	level := hclog.Info
	if opts != nil && opts.ForceLevel != hclog.NoLevel {
		level = opts.ForceLevel
	}
	return &lineWriter{logger: l, level: level}
}

// lineWriter logs each write as one line at a fixed level.
type lineWriter struct {
	logger *hclogLogr
	level  hclog.Level
}

func (w *lineWriter) Write(p []byte) (int, error) {
	msg := string(bytes.TrimRight(p, "\r\n"))
	if msg != "" {
		w.logger.Log(w.level, msg)
	}
	return len(p), nil
}
