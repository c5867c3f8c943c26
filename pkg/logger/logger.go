// Package logger provides structured logging for Komari.
//
// Components take a Logger in their constructors. The global logger only
// backs constructors that were handed nil.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"
)

// Level represents logging levels.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// String returns the string representation of the level.
func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "debug"
	case InfoLevel:
		return "info"
	case WarnLevel:
		return "warn"
	case ErrorLevel:
		return "error"
	default:
		return "unknown"
	}
}

// ParseLevel parses a level name, defaulting to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

// Config holds logger configuration.
type Config struct {
	Level  Level
	Format string // "json" or "text"
	Output string // "stdout", "stderr", or file path

	// MaxFieldLength truncates long string fields such as message content
	// and summaries. Zero keeps them whole.
	MaxFieldLength int
}

// Logger is the interface for structured logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)

	// The Context variants add trace_id and span_id from the active span.
	DebugContext(ctx context.Context, msg string, args ...any)
	InfoContext(ctx context.Context, msg string, args ...any)
	WarnContext(ctx context.Context, msg string, args ...any)
	ErrorContext(ctx context.Context, msg string, args ...any)

	With(args ...any) Logger

	SetLevel(level Level)
	GetLevel() Level

	// Close closes any resources held by the logger (e.g., file handles).
	Close() error
}

// SlogLogger is a Logger implementation using log/slog.
type SlogLogger struct {
	logger *slog.Logger
	level  *slog.LevelVar
	closer io.Closer
}

var (
	global   Logger
	globalMu sync.RWMutex
)

func init() {
	SetGlobal(NewWithWriter(&Config{Level: InfoLevel, Format: "text"}, os.Stdout))
}

// Open creates a Logger for cfg and fails when a file output cannot be
// opened.
func Open(cfg *Config) (Logger, error) {
	if cfg == nil {
		cfg = &Config{Level: InfoLevel, Format: "json"}
	}
	w, closer, err := openWriter(cfg.Output)
	if err != nil {
		return nil, err
	}
	l := NewWithWriter(cfg, w)
	l.closer = closer
	return l, nil
}

// New is Open with a fallback to stderr when the output cannot be opened.
func New(cfg *Config) Logger {
	l, err := Open(cfg)
	if err == nil {
		return l
	}
	fallback := NewWithWriter(cfg, os.Stderr)
	fallback.Warn("Log output unavailable, writing to stderr", "output", cfg.Output, "error", err)
	return fallback
}

// NewWithWriter creates a logger writing to w. The caller owns w.
func NewWithWriter(cfg *Config, w io.Writer) *SlogLogger {
	if cfg == nil {
		cfg = &Config{Level: InfoLevel, Format: "json"}
	}

	levelVar := &slog.LevelVar{}
	levelVar.Set(slogLevel(cfg.Level))

	opts := &slog.HandlerOptions{
		Level:       levelVar,
		AddSource:   true,
		ReplaceAttr: attrReplacer(cfg.MaxFieldLength),
	}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return &SlogLogger{
		logger: slog.New(handler),
		level:  levelVar,
	}
}

// Nop returns a logger that discards everything.
func Nop() Logger {
	return &SlogLogger{
		logger: slog.New(slog.DiscardHandler),
		level:  &slog.LevelVar{},
	}
}

func openWriter(output string) (io.Writer, io.Closer, error) {
	switch output {
	case "", "stdout":
		return os.Stdout, nil, nil
	case "stderr":
		return os.Stderr, nil, nil
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("logger: open %s: %w", output, err)
	}
	return f, f, nil
}

func slogLevel(l Level) slog.Level {
	switch l {
	case DebugLevel:
		return slog.LevelDebug
	case WarnLevel:
		return slog.LevelWarn
	case ErrorLevel:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// secretKeys never reach the output. Provider keys and the redis password
// travel through config structs that are sometimes logged whole.
var secretKeys = map[string]struct{}{
	"api_key":       {},
	"apikey":        {},
	"password":      {},
	"authorization": {},
	"secret":        {},
}

const redacted = "[REDACTED]"

func attrReplacer(maxLen int) func([]string, slog.Attr) slog.Attr {
	return func(_ []string, a slog.Attr) slog.Attr {
		switch a.Key {
		case slog.MessageKey:
			return slog.Attr{Key: "message", Value: a.Value}
		case slog.LevelKey, slog.SourceKey, slog.TimeKey:
			return a
		}
		if _, ok := secretKeys[strings.ToLower(a.Key)]; ok {
			return slog.String(a.Key, redacted)
		}
		if maxLen > 0 && a.Value.Kind() == slog.KindString {
			if s := a.Value.String(); utf8.RuneCountInString(s) > maxLen {
				return slog.String(a.Key, string([]rune(s)[:maxLen])+"…")
			}
		}
		return a
	}
}

// Debug logs a debug message.
func (l *SlogLogger) Debug(msg string, args ...any) {
	l.logger.Debug(msg, args...)
}

// Info logs an info message.
func (l *SlogLogger) Info(msg string, args ...any) {
	l.logger.Info(msg, args...)
}

// Warn logs a warning message.
func (l *SlogLogger) Warn(msg string, args ...any) {
	l.logger.Warn(msg, args...)
}

// Error logs an error message.
func (l *SlogLogger) Error(msg string, args ...any) {
	l.logger.Error(msg, args...)
}

func (l *SlogLogger) DebugContext(ctx context.Context, msg string, args ...any) {
	l.logger.DebugContext(ctx, msg, withTrace(ctx, args)...)
}

func (l *SlogLogger) InfoContext(ctx context.Context, msg string, args ...any) {
	l.logger.InfoContext(ctx, msg, withTrace(ctx, args)...)
}

func (l *SlogLogger) WarnContext(ctx context.Context, msg string, args ...any) {
	l.logger.WarnContext(ctx, msg, withTrace(ctx, args)...)
}

func (l *SlogLogger) ErrorContext(ctx context.Context, msg string, args ...any) {
	l.logger.ErrorContext(ctx, msg, withTrace(ctx, args)...)
}

// With returns a derived Logger. Derived loggers share the level but do not
// own the output.
func (l *SlogLogger) With(args ...any) Logger {
	return &SlogLogger{
		logger: l.logger.With(args...),
		level:  l.level,
	}
}

// SetLevel dynamically changes the logging level.
func (l *SlogLogger) SetLevel(level Level) {
	l.level.Set(slogLevel(level))
}

// GetLevel returns the current logging level.
func (l *SlogLogger) GetLevel() Level {
	switch lv := l.level.Level(); {
	case lv <= slog.LevelDebug:
		return DebugLevel
	case lv <= slog.LevelInfo:
		return InfoLevel
	case lv <= slog.LevelWarn:
		return WarnLevel
	default:
		return ErrorLevel
	}
}

// Close closes the output file, if the logger owns one.
func (l *SlogLogger) Close() error {
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

// Global returns the process-wide fallback logger.
func Global() Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return global
}

// SetGlobal replaces the global logger. A nil logger is ignored.
func SetGlobal(l Logger) {
	if l == nil {
		return
	}
	globalMu.Lock()
	global = l
	globalMu.Unlock()
}

func withTrace(ctx context.Context, args []any) []any {
	if ctx == nil {
		return args
	}
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return args
	}
	return append(args,
		"trace_id", spanCtx.TraceID().String(),
		"span_id", spanCtx.SpanID().String(),
	)
}
