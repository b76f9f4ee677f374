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

func TestTeeLoggerSplitsBySeverity(t *testing.T) {
	var console, file bytes.Buffer
	logger := NewTeeLogger(&console, slog.LevelInfo, &file, slog.LevelDebug)

	previous := cvdLogger
	UseLogger(logger)
	t.Cleanup(func() { cvdLogger = previous })

	LogDebug(Env{CorrelationID: "c-1"}, "debug only")
	LogEvent(Env{CorrelationID: "c-1"}, "both sinks", "instance", 1)

	if strings.Contains(console.String(), "debug only") {
		t.Fatalf("console should not carry debug records: %q", console.String())
	}
	if !strings.Contains(console.String(), "both sinks") {
		t.Fatalf("console missing info record: %q", console.String())
	}
	if strings.Contains(console.String(), "correlation_id") {
		t.Fatalf("console should drop metadata fields: %q", console.String())
	}

	lines := strings.Split(strings.TrimSpace(file.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 file records, got %d: %q", len(lines), file.String())
	}
	var record map[string]any
	if err := json.Unmarshal([]byte(lines[1]), &record); err != nil {
		t.Fatalf("parse file record: %v", err)
	}
	if record["correlation_id"] != "c-1" {
		t.Fatalf("file record missing correlation_id: %#v", record)
	}
	if _, ok := record["source"]; !ok {
		t.Fatalf("file record missing source: %#v", record)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"INFO":    slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"VERBOSE": LevelVerbose,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Fatalf("ParseLevel(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseLevel("loud"); KindOf(err) != InvalidOptions {
		t.Fatalf("expected INVALID_OPTIONS, got %v", err)
	}
}
