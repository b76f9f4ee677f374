// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package cvd

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func swapLogger(t *testing.T, level slog.Level) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	previous := cvdLogger
	cvdLogger = slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: level}))
	t.Cleanup(func() { cvdLogger = previous })
	return &buf
}

func TestLogEventIncludesCorrelationAndTimestamp(t *testing.T) {
	buf := swapLogger(t, slog.LevelInfo)

	env := Env{CorrelationID: "corr-123"}
	LogEvent(env, "test message", "key", "value")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 log line, got %d", len(lines))
	}

	var record map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &record); err != nil {
		t.Fatalf("failed to parse log line: %v", err)
	}

	if record["correlation_id"] != "corr-123" {
		t.Fatalf("expected correlation_id corr-123, got %#v", record["correlation_id"])
	}
	if _, ok := record["timestamp_ns"]; !ok {
		t.Fatal("expected timestamp_ns field in log record")
	}
	if record["key"] != "value" {
		t.Fatalf("expected key=value, got %#v", record["key"])
	}
}

func TestLogDebugFilteredByLevel(t *testing.T) {
	buf := swapLogger(t, slog.LevelInfo)
	LogDebug(Env{}, "hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected debug record to be dropped, got %q", buf.String())
	}
}

func TestCommandLogWriterIncludesFields(t *testing.T) {
	buf := swapLogger(t, slog.LevelDebug)

	env := Env{CorrelationID: "corr-456"}
	writer := newCommandLogWriter(env, "avbtool", []string{"info_image"})
	_, _ = writer.Write([]byte("bo"))
	_, _ = writer.Write([]byte("om\n"))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 log line, got %d", len(lines))
	}

	var record map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &record); err != nil {
		t.Fatalf("failed to parse log line: %v", err)
	}

	if record["msg"] != "command stderr" {
		t.Fatalf("expected message 'command stderr', got %#v", record["msg"])
	}
	if record["command"] != "avbtool" {
		t.Fatalf("expected command avbtool, got %#v", record["command"])
	}
	if record["args"] != "info_image" {
		t.Fatalf("expected args info_image, got %#v", record["args"])
	}
	if record["line"] != "boom" {
		t.Fatalf("expected line boom, got %#v", record["line"])
	}
	if record["correlation_id"] != "corr-456" {
		t.Fatalf("expected correlation_id corr-456, got %#v", record["correlation_id"])
	}
}
