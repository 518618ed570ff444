// Package logger provides the kernel's structured logger: a thin wrapper
// around log/slog with a teaching-OS-appropriate severity set and a
// pluggable text-or-JSON handler, optionally backed by a rotating file.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Severity levels, ordered coarser than slog's built-in four so that TRACE
// and WARNING have a home distinct from DEBUG/INFO/ERROR.
const (
	LevelTrace = slog.Level(-8)
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
	LevelOff   = slog.Level(16)
)

const (
	Trace   = "TRACE"
	Debug   = "DEBUG"
	Info    = "INFO"
	Warning = "WARNING"
	Error   = "ERROR"
	Off     = "OFF"
)

var levelNames = map[slog.Leveler]string{
	LevelTrace: Trace,
	LevelDebug: Debug,
	LevelInfo:  Info,
	LevelWarn:  Warning,
	LevelError: Error,
}

// RotateConfig mirrors the options lumberjack exposes, kept as a distinct
// type so callers don't need to import lumberjack directly.
type RotateConfig struct {
	MaxFileSizeMB  int
	BackupCount    int
	Compress       bool
}

type loggerFactory struct {
	file    io.Writer
	level   string
	format  string
	prefix  string
	rotate  RotateConfig
}

var defaultLoggerFactory = &loggerFactory{
	level:  Info,
	format: "text",
}

var programLevel = new(slog.LevelVar)

var defaultLogger = slog.New(
	defaultLoggerFactory.createJsonOrTextHandler(os.Stderr, programLevel, ""),
)

// createJsonOrTextHandler builds the slog.Handler used by the default
// logger. Kept as a method (rather than a free function) so tests can
// construct one without going through global init.
func (f *loggerFactory) createJsonOrTextHandler(w io.Writer, lvl *slog.LevelVar, prefix string) slog.Handler {
	replace := func(groups []string, a slog.Attr) slog.Attr {
		switch a.Key {
		case slog.TimeKey:
			a.Key = "time"
			if f.format != "json" {
				a.Value = slog.StringValue(a.Value.Time().Format("2006/01/02 15:04:05.000000"))
			} else {
				t := a.Value.Time()
				return slog.Attr{Key: "timestamp", Value: slog.GroupValue(
					slog.Int64("seconds", t.Unix()),
					slog.Int64("nanos", int64(t.Nanosecond())),
				)}
			}
		case slog.LevelKey:
			a.Key = "severity"
			if name, ok := levelNames[a.Value.Any().(slog.Level)]; ok {
				a.Value = slog.StringValue(name)
			}
		case slog.MessageKey:
			a.Key = "message"
			a.Value = slog.StringValue(prefix + a.Value.String())
		}
		return a
	}

	opts := &slog.HandlerOptions{Level: lvl, ReplaceAttr: replace}
	if f.format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// setLoggingLevel maps a severity name onto the slog level variable that
// gates the default handler.
func setLoggingLevel(level string, lvl *slog.LevelVar) {
	switch strings.ToUpper(level) {
	case Trace:
		lvl.Set(LevelTrace)
	case Debug:
		lvl.Set(LevelDebug)
	case Info:
		lvl.Set(LevelInfo)
	case Warning:
		lvl.Set(LevelWarn)
	case Error:
		lvl.Set(LevelError)
	default:
		lvl.Set(LevelOff)
	}
}

// Config drives Init: where to log, at what severity, in what format, and
// (if FilePath is set) how to rotate the backing file.
type Config struct {
	FilePath string
	Severity string
	Format   string
	Rotate   RotateConfig
}

// Init installs the default logger per cfg, backing it with a rotating file
// when FilePath is non-empty and stderr otherwise.
func Init(cfg Config) error {
	var w io.Writer = os.Stderr
	if cfg.FilePath != "" {
		w = &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    orDefault(cfg.Rotate.MaxFileSizeMB, 512),
			MaxBackups: cfg.Rotate.BackupCount,
			Compress:   cfg.Rotate.Compress,
		}
	}
	defaultLoggerFactory = &loggerFactory{file: w, level: cfg.Severity, format: cfg.Format, rotate: cfg.Rotate}
	setLoggingLevel(cfg.Severity, programLevel)
	defaultLogger = slog.New(defaultLoggerFactory.createJsonOrTextHandler(w, programLevel, ""))
	return nil
}

func orDefault(v, d int) int {
	if v <= 0 {
		return d
	}
	return v
}

func logAttrs(level slog.Level, format string, args ...any) {
	if !defaultLogger.Enabled(context.Background(), level) {
		return
	}
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	defaultLogger.Log(context.Background(), level, msg)
}

func Tracef(format string, args ...any) { logAttrs(LevelTrace, format, args...) }
func Debugf(format string, args ...any) { logAttrs(LevelDebug, format, args...) }
func Infof(format string, args ...any)  { logAttrs(LevelInfo, format, args...) }
func Warnf(format string, args ...any)  { logAttrs(LevelWarn, format, args...) }
func Errorf(format string, args ...any) { logAttrs(LevelError, format, args...) }

func Fatalf(format string, args ...any) {
	logAttrs(LevelError, format, args...)
	os.Exit(1)
}
