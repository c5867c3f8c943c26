package logger

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
	}{
		{"debug", DebugLevel},
		{" DEBUG ", DebugLevel},
		{"info", InfoLevel},
		{"warn", WarnLevel},
		{"Warning", WarnLevel},
		{"error", ErrorLevel},
		{"verbose", InfoLevel},
		{"", InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseLevel(tt.input); got != tt.expected {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestLevel_String(t *testing.T) {
	for level, want := range map[Level]string{
		DebugLevel: "debug",
		InfoLevel:  "info",
		WarnLevel:  "warn",
		ErrorLevel: "error",
		Level(99):  "unknown",
	} {
		if got := level.String(); got != want {
			t.Errorf("Level(%d).String() = %q, want %q", int(level), got, want)
		}
	}
}

func TestOpen_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "komari.log")
	log, err := Open(&Config{Level: InfoLevel, Format: "json", Output: path})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	log.Info("buffer trimmed", "conversation_id", "g1")
	if err := log.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), `"message":"buffer trimmed"`) {
		t.Errorf("expected entry in log file, got %s", data)
	}
}

func TestOpen_UnwritablePath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "komari.log")
	if _, err := Open(&Config{Output: path}); err == nil {
		t.Fatal("expected error for a path in a missing directory")
	}

	// New falls back to stderr instead of failing.
	if log := New(&Config{Output: path}); log == nil {
		t.Fatal("expected fallback logger")
	}
}

func TestNewWithWriter_FiltersAndRenames(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&Config{Level: InfoLevel, Format: "json"}, &buf)

	log.Debug("hidden")
	log.Info("consolidation finished", "conversation_id", "g1")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("debug message should be filtered, got %s", out)
	}
	if !strings.Contains(out, `"message":"consolidation finished"`) {
		t.Errorf("expected renamed message key, got %s", out)
	}
	if !strings.Contains(out, `"conversation_id":"g1"`) {
		t.Errorf("expected attribute, got %s", out)
	}
}

func TestRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&Config{Level: InfoLevel, Format: "json"}, &buf)

	log.Info("provider configured", "api_key", "sk-live-123", "Password", "hunter2", "model", "gpt-4o-mini")

	out := buf.String()
	if strings.Contains(out, "sk-live-123") || strings.Contains(out, "hunter2") {
		t.Fatalf("secret leaked: %s", out)
	}
	if strings.Count(out, redacted) != 2 {
		t.Errorf("expected two redacted fields, got %s", out)
	}
	if !strings.Contains(out, `"model":"gpt-4o-mini"`) {
		t.Errorf("ordinary fields must pass through, got %s", out)
	}
}

func TestTruncatesLongFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&Config{Level: InfoLevel, Format: "json", MaxFieldLength: 5}, &buf)

	log.Info("a message longer than the limit", "content", "小鞠今天吃了蛋糕", "user_id", "u1")

	out := buf.String()
	if !strings.Contains(out, `"content":"小鞠今天吃…"`) {
		t.Errorf("expected truncated content, got %s", out)
	}
	if !strings.Contains(out, `"user_id":"u1"`) {
		t.Errorf("short fields must stay whole, got %s", out)
	}
	if !strings.Contains(out, "a message longer than the limit") {
		t.Errorf("the message itself is never truncated, got %s", out)
	}
}

func TestInfoContext_AddsTraceFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&Config{Level: InfoLevel, Format: "json"}, &buf)

	traceID, _ := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	spanID, _ := trace.SpanIDFromHex("0102030405060708")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	log.InfoContext(ctx, "search")
	out := buf.String()
	if !strings.Contains(out, `"trace_id":"`+traceID.String()+`"`) || !strings.Contains(out, `"span_id":"`+spanID.String()+`"`) {
		t.Errorf("expected trace fields, got %s", out)
	}

	buf.Reset()
	log.InfoContext(context.Background(), "no span")
	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("unexpected trace fields without a span: %s", buf.String())
	}
}

func TestSlogLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&Config{Level: InfoLevel, Format: "text"}, &buf)

	if log.GetLevel() != InfoLevel {
		t.Errorf("expected info, got %s", log.GetLevel())
	}

	log.SetLevel(DebugLevel)
	log.Debug("now visible")
	if !strings.Contains(buf.String(), "now visible") {
		t.Error("expected debug output after SetLevel")
	}

	log.SetLevel(ErrorLevel)
	if log.GetLevel() != ErrorLevel {
		t.Errorf("expected error after SetLevel, got %s", log.GetLevel())
	}
}

func TestSlogLogger_WithSharesLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&Config{Level: WarnLevel, Format: "json"}, &buf)
	child := log.With("component", "forgetting")

	child.Info("skipped")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level, got %s", buf.String())
	}

	log.SetLevel(InfoLevel)
	child.Info("sweep done")
	if !strings.Contains(buf.String(), `"component":"forgetting"`) {
		t.Errorf("expected child attribute, got %s", buf.String())
	}
	if err := child.Close(); err != nil {
		t.Errorf("derived logger Close: %v", err)
	}
}

func TestNop(t *testing.T) {
	log := Nop()
	log.Info("dropped", "key", "value")
	log.With("a", 1).Error("dropped")
	if err := log.Close(); err != nil {
		t.Errorf("unexpected close error: %v", err)
	}
}

func TestGlobal(t *testing.T) {
	if Global() == nil {
		t.Fatal("expected non-nil global logger")
	}

	previous := Global()
	defer SetGlobal(previous)

	next := Nop()
	SetGlobal(next)
	if Global() != next {
		t.Error("expected SetGlobal to replace the global logger")
	}

	SetGlobal(nil)
	if Global() != next {
		t.Error("nil logger must be ignored")
	}
}
