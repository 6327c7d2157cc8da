package logutil

import (
	"bytes"
	"strings"
	"testing"
)

func TestLogLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelWarn, "[test]")

	l.Debug("debug message")
	l.Info("info message")
	l.Warn("warn message")
	l.Error("error message")

	out := buf.String()
	if strings.Contains(out, "debug message") || strings.Contains(out, "info message") {
		t.Errorf("expected debug/info to be filtered out below warn level, got: %s", out)
	}
	if !strings.Contains(out, "warn message") || !strings.Contains(out, "error message") {
		t.Errorf("expected warn/error to be logged, got: %s", out)
	}
}

func TestLogIncludesPrefixAndLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelDebug, "[wisejson]")
	l.Info("hello %s", "world")

	out := buf.String()
	if !strings.Contains(out, "[wisejson]") {
		t.Errorf("expected prefix in output, got: %s", out)
	}
	if !strings.Contains(out, "[INFO]") {
		t.Errorf("expected level tag in output, got: %s", out)
	}
	if !strings.Contains(out, "hello world") {
		t.Errorf("expected formatted message, got: %s", out)
	}
}

func TestSetLevelAndOutput(t *testing.T) {
	var buf1, buf2 bytes.Buffer
	l := New(&buf1, LevelError, "[x]")

	l.Info("suppressed")
	if buf1.Len() != 0 {
		t.Error("expected info to be suppressed at error level")
	}

	l.SetLevel(LevelInfo)
	l.SetOutput(&buf2)
	l.Info("visible now")

	if buf1.Len() != 0 {
		t.Error("expected nothing more written to the old output")
	}
	if !strings.Contains(buf2.String(), "visible now") {
		t.Error("expected message written to the new output")
	}
}
