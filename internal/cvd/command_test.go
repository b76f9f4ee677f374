// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package cvd

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write %s script: %v", name, err)
	}
	return path
}

func TestCommandOutputCapturesStdout(t *testing.T) {
	tool := writeScript(t, t.TempDir(), "tool", "echo \"out:$1\"\necho warn >&2\n")
	out, err := NewCommand(tool, "x").Output(Env{Context: context.Background()})
	if err != nil {
		t.Fatalf("Output returned error: %v", err)
	}
	if strings.TrimSpace(string(out)) != "out:x" {
		t.Fatalf("unexpected stdout %q", out)
	}
}

func TestCommandFailureCarriesStderr(t *testing.T) {
	tool := writeScript(t, t.TempDir(), "tool", "echo 'disk full' >&2\nexit 3\n")
	err := Run(Env{}, tool, "a", "b")
	if err == nil {
		t.Fatal("expected failure")
	}
	if KindOf(err) != IOFailed {
		t.Fatalf("expected IO_FAILED, got %q", KindOf(err))
	}
	if !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("stderr missing from error: %v", err)
	}
}

func TestCommandStdinAndEnv(t *testing.T) {
	tool := writeScript(t, t.TempDir(), "tool", "read line\necho \"$line-$EXTRA\"\n")
	cmd := NewCommand(tool)
	cmd.Stdin = strings.NewReader("hello\n")
	cmd.Env = []string{"EXTRA=world"}
	out, err := cmd.Output(Env{})
	if err != nil {
		t.Fatalf("Output returned error: %v", err)
	}
	if strings.TrimSpace(string(out)) != "hello-world" {
		t.Fatalf("unexpected output %q", out)
	}
}
