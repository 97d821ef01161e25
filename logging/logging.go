// SPDX-License-Identifier: GPL-3.0-or-later

// Package logging wraps logrus behind the callback shape spec.md §7
// mandates: the core never prints directly, it invokes an injected
// logger callback carrying (level, module, package, action, message).
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Level mirrors the diagnostic severities the core reports, kept
// independent of logrus's own Level type so callers outside this package
// never need to import logrus directly.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarning
	LevelError
	LevelFatal
)

func (l Level) logrusLevel() logrus.Level {
	switch l {
	case LevelDebug:
		return logrus.DebugLevel
	case LevelInfo:
		return logrus.InfoLevel
	case LevelWarning:
		return logrus.WarnLevel
	case LevelError:
		return logrus.ErrorLevel
	case LevelFatal:
		return logrus.FatalLevel
	default:
		return logrus.InfoLevel
	}
}

// Record is one log entry passed to a Sink's callback, per spec.md §6
// ("Log record": {level, module, package, action, message, fields}).
type Record struct {
	Level   Level
	Module  string
	Package string
	Action  string
	Message string
	Fields  map[string]interface{}
}

// Sink receives log records from every layer of the installer core. The
// core holds a Sink, never a concrete logger, so tests can substitute a
// recording stub without touching logrus.
type Sink interface {
	Log(Record)
}

// Logger is the default Sink, backed by a logrus.Logger.
type Logger struct {
	entry *logrus.Logger
}

// Options configures a new Logger.
type Options struct {
	// Level is the minimum severity that reaches the output writer.
	Level Level
	// JSON selects logrus.JSONFormatter over the default TextFormatter.
	JSON bool
	// Output is the writer log lines are written to; nil defaults to
	// os.Stderr, matching where the teacher's showError() writes.
	Output io.Writer
	// LogFile, when non-empty, adds a rotating file sink via lumberjack
	// alongside Output (not instead of it); the wpkg command fills it
	// from the configuration file's "log-file" setting.
	LogFile    string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// New constructs a Logger from opts.
func New(opts Options) *Logger {
	l := logrus.New()
	l.SetLevel(opts.Level.logrusLevel())
	if opts.JSON {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	if opts.LogFile != "" {
		roller := &lumberjack.Logger{
			Filename:   opts.LogFile,
			MaxSize:    nonZero(opts.MaxSizeMB, 10),
			MaxBackups: nonZero(opts.MaxBackups, 3),
			MaxAge:     nonZero(opts.MaxAgeDays, 28),
			Compress:   true,
		}
		out = io.MultiWriter(out, roller)
	}
	l.SetOutput(out)

	return &Logger{entry: l}
}

func nonZero(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

// FieldLogger exposes the underlying logrus.FieldLogger, so packages that
// predate this Sink abstraction (the engine's ScriptRunner, in
// particular) can keep taking a logrus.FieldLogger directly instead of
// being rewritten around the Record callback shape.
func (l *Logger) FieldLogger() logrus.FieldLogger {
	return l.entry
}

// Log implements Sink.
func (l *Logger) Log(r Record) {
	entry := l.entry.WithFields(logrus.Fields{
		"module":  r.Module,
		"package": r.Package,
		"action":  r.Action,
	})
	for k, v := range r.Fields {
		entry = entry.WithField(k, v)
	}
	entry.Log(r.Level.logrusLevel(), r.Message)
}

// Discard is a Sink that drops every record, for tests that don't care
// about log output.
var Discard Sink = discardSink{}

type discardSink struct{}

func (discardSink) Log(Record) {}

// Recorder is a Sink that accumulates records in memory, for tests that
// assert on what was logged.
type Recorder struct {
	Records []Record
}

// Log implements Sink.
func (r *Recorder) Log(rec Record) {
	r.Records = append(r.Records, rec)
}
