package log

import (
	"context"
	"fmt"
	"io"
	stdlog "log"
	"log/slog"
	"os"
	"strings"
)

// Level represents the severity level of a log message.
type Level int

// Log levels
const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

// String returns the string representation of the log level.
func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	case FatalLevel:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a level name ("debug", "info", ...) into a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel, nil
	case "info", "":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	case "fatal":
		return FatalLevel, nil
	default:
		return InfoLevel, fmt.Errorf("unknown log level %q", s)
	}
}

// slog has no fatal level; we park it above error and rename it on output.
const slogFatalLevel = slog.LevelError + 4

func (l Level) slogLevel() slog.Level {
	switch l {
	case DebugLevel:
		return slog.LevelDebug
	case InfoLevel:
		return slog.LevelInfo
	case WarnLevel:
		return slog.LevelWarn
	case ErrorLevel:
		return slog.LevelError
	case FatalLevel:
		return slogFatalLevel
	default:
		return slog.LevelInfo
	}
}

func levelFromSlog(l slog.Level) Level {
	switch {
	case l <= slog.LevelDebug:
		return DebugLevel
	case l <= slog.LevelInfo:
		return InfoLevel
	case l <= slog.LevelWarn:
		return WarnLevel
	case l <= slog.LevelError:
		return ErrorLevel
	default:
		return FatalLevel
	}
}

// Logger defines the core logging interface for weft components.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	// Fatal logs the message and terminates the process.
	Fatal(msg string, fields ...Field)

	// With returns a child logger carrying the given fields.
	With(fields ...Field) Logger

	// SetLevel sets the minimum log level; it applies to the logger and all
	// loggers derived from it with With.
	SetLevel(level Level)

	// GetLevel returns the current minimum log level.
	GetLevel() Level
}

// Formatter selects the output encoding for a logger.
type Formatter interface {
	newHandler(w io.Writer, opts *slog.HandlerOptions) slog.Handler
}

// TextFormatter renders entries as logfmt-style text.
type TextFormatter struct{}

func (*TextFormatter) newHandler(w io.Writer, opts *slog.HandlerOptions) slog.Handler {
	return slog.NewTextHandler(w, opts)
}

// JSONFormatter renders entries as one JSON object per line.
type JSONFormatter struct{}

func (*JSONFormatter) newHandler(w io.Writer, opts *slog.HandlerOptions) slog.Handler {
	return slog.NewJSONHandler(w, opts)
}

// LoggerOption is a function that configures a logger.
type LoggerOption func(*BaseLogger)

// WithLevel sets the minimum log level.
func WithLevel(level Level) LoggerOption {
	return func(l *BaseLogger) {
		l.lvl.Set(level.slogLevel())
	}
}

// WithFormatter sets the output encoding (text by default).
func WithFormatter(formatter Formatter) LoggerOption {
	return func(l *BaseLogger) {
		l.formatter = formatter
	}
}

// WithWriter sets the destination writer (stdout by default).
func WithWriter(w io.Writer) LoggerOption {
	return func(l *BaseLogger) {
		l.w = w
	}
}

// BaseLogger implements the Logger interface on top of log/slog.
type BaseLogger struct {
	sl        *slog.Logger
	lvl       *slog.LevelVar
	formatter Formatter
	w         io.Writer
	exit      func(int)
}

// NewLogger creates a new logger with the given options.
func NewLogger(options ...LoggerOption) Logger {
	logger := &BaseLogger{
		lvl:       new(slog.LevelVar),
		formatter: &TextFormatter{},
		w:         os.Stdout,
		exit:      os.Exit,
	}
	logger.lvl.Set(InfoLevel.slogLevel())

	for _, option := range options {
		option(logger)
	}

	opts := &slog.HandlerOptions{
		Level: logger.lvl,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if lv, ok := a.Value.Any().(slog.Level); ok && lv >= slogFatalLevel {
					a.Value = slog.StringValue("FATAL")
				}
			}
			return a
		},
	}
	logger.sl = slog.New(logger.formatter.newHandler(logger.w, opts))
	return logger
}

func (b *BaseLogger) log(level slog.Level, msg string, fields []Field) {
	if !b.sl.Enabled(context.Background(), level) {
		return
	}
	b.sl.LogAttrs(context.Background(), level, msg, attrs(fields)...)
}

// Debug logs a message at debug level.
func (b *BaseLogger) Debug(msg string, fields ...Field) { b.log(slog.LevelDebug, msg, fields) }

// Info logs a message at info level.
func (b *BaseLogger) Info(msg string, fields ...Field) { b.log(slog.LevelInfo, msg, fields) }

// Warn logs a message at warn level.
func (b *BaseLogger) Warn(msg string, fields ...Field) { b.log(slog.LevelWarn, msg, fields) }

// Error logs a message at error level.
func (b *BaseLogger) Error(msg string, fields ...Field) { b.log(slog.LevelError, msg, fields) }

// Fatal logs a message at fatal level and exits the process.
func (b *BaseLogger) Fatal(msg string, fields ...Field) {
	b.log(slogFatalLevel, msg, fields)
	b.exit(1)
}

// With returns a child logger carrying the given fields. The child shares the
// parent's level: SetLevel on either affects both.
func (b *BaseLogger) With(fields ...Field) Logger {
	fs := attrs(fields)
	args := make([]any, 0, len(fs))
	for _, a := range fs {
		args = append(args, a)
	}
	child := *b
	child.sl = b.sl.With(args...)
	return &child
}

// SetLevel sets the minimum log level.
func (b *BaseLogger) SetLevel(level Level) { b.lvl.Set(level.slogLevel()) }

// GetLevel returns the current minimum log level.
func (b *BaseLogger) GetLevel() Level { return levelFromSlog(b.lvl.Level()) }

// Config declares logger settings in a form suitable for config files and
// environment overlays.
type Config struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"` // text | json
}

// ApplyConfig builds a logger from a declarative Config.
func ApplyConfig(cfg *Config) (Logger, error) {
	level := InfoLevel
	if cfg.Level != "" {
		l, err := ParseLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		level = l
	}
	var formatter Formatter
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		formatter = &TextFormatter{}
	case "json":
		formatter = &JSONFormatter{}
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
	return NewLogger(WithLevel(level), WithFormatter(formatter)), nil
}

// RedirectStdLog routes the standard library's global log output through the
// given logger at info level, so libraries using package log stay structured.
func RedirectStdLog(logger Logger) {
	stdlog.SetFlags(0)
	stdlog.SetOutput(stdLogWriter{logger.With(Component("stdlog"))})
}

type stdLogWriter struct{ l Logger }

func (w stdLogWriter) Write(p []byte) (int, error) {
	w.l.Info(strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}
