package observe

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestLoggerIncludesToolField(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("info", &buf)

	toolLogger := logger.WithTool("gpio_write")
	toolLogger.Info(context.Background(), "dispatched")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output not valid JSON: %v\n%s", err, buf.String())
	}
	if v, _ := entry["tool"].(string); v != "gpio_write" {
		t.Errorf("tool = %v, want gpio_write", entry["tool"])
	}
}

func TestLoggerIncludesSessionField(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("info", &buf)

	sessLogger := logger.WithSession("abc123")
	sessLogger.Info(context.Background(), "validated")

	var entry map[string]any
	json.Unmarshal(buf.Bytes(), &entry)
	if v, _ := entry["session.id"].(string); v != "abc123" {
		t.Errorf("session.id = %v, want abc123", entry["session.id"])
	}
}

func TestLoggerErrorLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("info", &buf)

	logger.Error(context.Background(), "tool fatal", Field{Key: "error", Value: "peripheral timeout"})

	var entry map[string]any
	json.Unmarshal(buf.Bytes(), &entry)
	if entry["level"] != "error" {
		t.Errorf("level = %v, want error", entry["level"])
	}
	if entry["error"] != "peripheral timeout" {
		t.Errorf("error = %v, want peripheral timeout", entry["error"])
	}
}

func TestLoggerRedactsSensitiveFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("info", &buf)

	logger.Info(context.Background(), "tool invoked",
		Field{Key: "input", Value: "super-secret-payload"},
		Field{Key: "api_key", Value: "K"},
	)

	output := buf.String()
	if strings.Contains(output, "super-secret-payload") {
		t.Error("raw input value must be redacted")
	}

	var entry map[string]any
	json.Unmarshal(buf.Bytes(), &entry)
	if entry["input"] != "[REDACTED]" {
		t.Errorf("input = %v, want [REDACTED]", entry["input"])
	}
	if entry["api_key"] != "[REDACTED]" {
		t.Errorf("api_key = %v, want [REDACTED]", entry["api_key"])
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("warn", &buf)

	logger.Info(context.Background(), "should be dropped")
	if buf.Len() != 0 {
		t.Fatal("info entries must be dropped when level is warn")
	}

	logger.Warn(context.Background(), "should pass")
	if buf.Len() == 0 {
		t.Fatal("warn entries must pass when level is warn")
	}
}

func TestNoopLoggerDiscardsEverything(t *testing.T) {
	var l Logger = noopLogger{}
	l.Info(context.Background(), "anything")
	l.WithTool("x").Error(context.Background(), "anything")
}
