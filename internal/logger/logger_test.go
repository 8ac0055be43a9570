package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
	}{
		{"debug", LevelDebug},
		{"DEBUG", LevelDebug},
		{" info ", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"ERROR", LevelError},
		{"none", LevelNone},
		{"off", LevelNone},
		{"invalid", LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseLevel(tt.input); got != tt.expected {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestLevelString(t *testing.T) {
	if LevelWarn.String() != "WARN" {
		t.Errorf("LevelWarn.String() = %q", LevelWarn.String())
	}
	if Level(42).String() != "UNKNOWN" {
		t.Errorf("Level(42).String() = %q", Level(42).String())
	}
}

func TestNewLoggerWritesFile(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "nested", "agentloop.log")

	l, err := New(LevelInfo, logPath, "test")
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}

	l.Info("tool %s finished", "search")
	l.Debug("should not appear")
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}

	text := string(content)
	if !strings.Contains(text, "tool search finished") {
		t.Errorf("log file missing info message: %q", text)
	}
	if strings.Contains(text, "should not appear") {
		t.Errorf("log file contains debug message at info level")
	}
	if !strings.Contains(text, "[test]") {
		t.Errorf("log file missing prefix")
	}
}

func TestWithPrefixSharesLevel(t *testing.T) {
	var buf bytes.Buffer
	parent := NewWriter(LevelInfo, &buf, "agent")
	child := parent.WithPrefix("tools")

	child.Debug("hidden")
	parent.SetLevel(LevelDebug)
	child.Debug("visible")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("debug line written before level change")
	}
	if !strings.Contains(out, "[agent:tools] visible") {
		t.Errorf("expected combined prefix, got %q", out)
	}
}

func TestForRunTruncatesID(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(LevelDebug, &buf, "").ForRun("0123456789abcdef")
	l.Info("started")

	if !strings.Contains(buf.String(), "[run=01234567] started") {
		t.Errorf("unexpected run prefix: %q", buf.String())
	}
}

func TestDisabledLogger(t *testing.T) {
	l, err := New(LevelNone, "", "test")
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	l.Error("nothing")
	if l.Enabled(LevelError) {
		t.Errorf("disabled logger reports enabled")
	}
	if err := l.Close(); err != nil {
		t.Errorf("Close on discard logger returned %v", err)
	}
}

func TestGlobalLogger(t *testing.T) {
	var buf bytes.Buffer
	previous := Global()
	SetGlobal(NewWriter(LevelWarn, &buf, "global"))
	t.Cleanup(func() { SetGlobal(previous) })

	Info("skipped")
	Warn("kept %d", 1)

	if strings.Contains(buf.String(), "skipped") {
		t.Errorf("info written at warn level")
	}
	if !strings.Contains(buf.String(), "kept 1") {
		t.Errorf("warn line missing: %q", buf.String())
	}
}

func TestSlogHandler(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(LevelDebug, &buf, "")

	sl := slog.New(NewSlogHandler(l)).With("run", "abc").WithGroup("tool")
	sl.Warn("slow call", "name", "fetch_page", "ms", 1200)

	out := buf.String()
	if !strings.Contains(out, "[WARN]") {
		t.Errorf("expected WARN level, got %q", out)
	}
	if !strings.Contains(out, "slow call run=abc tool.name=fetch_page tool.ms=1200") {
		t.Errorf("unexpected attr formatting: %q", out)
	}
}

func TestSlogHandlerGroupScope(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(LevelDebug, &buf, "")

	sl := slog.New(NewSlogHandler(l)).
		With("run", "abc").
		WithGroup("tool").
		With("id", "c1").
		WithGroup("http")
	sl.Info("done", "status", 200)

	out := buf.String()
	if !strings.Contains(out, "done run=abc tool.id=c1 tool.http.status=200") {
		t.Errorf("attrs not scoped to their groups: %q", out)
	}
}

func TestStdLogger(t *testing.T) {
	var buf bytes.Buffer
	std := StdLogger(NewWriter(LevelInfo, &buf, "http"), slog.LevelError)
	std.Printf("handshake failed")

	if !strings.Contains(buf.String(), "[ERROR] [http] handshake failed") {
		t.Errorf("unexpected std logger output: %q", buf.String())
	}
}
