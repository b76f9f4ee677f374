// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package main

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/forkbombeu/cvdassemble/internal/testutil"
)

func TestRunExitCodes(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("ANDROID_HOST_OUT", t.TempDir())
	t.Setenv("ANDROID_PRODUCT_OUT", t.TempDir())
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	if code := run([]string{"--helpxml"}, strings.NewReader(""), io.Discard, io.Discard); code != 1 {
		t.Fatalf("--helpxml exited %d, want 1", code)
	}
	var stderr bytes.Buffer
	if code := run([]string{"--num_instances=0"}, strings.NewReader(""), io.Discard, &stderr); code != 1 {
		t.Fatalf("invalid options exited %d, want 1", code)
	}
	if stderr.Len() == 0 {
		t.Fatalf("invalid options left stderr empty")
	}
}

func TestRunPrintsConfigPath(t *testing.T) {
	h := testutil.NewHost(t)
	t.Setenv("ANDROID_HOST_OUT", h.Env.HostOut)
	t.Setenv("ANDROID_PRODUCT_OUT", h.Env.ProductOut)
	t.Setenv("TMPDIR", h.Env.TempDir)
	t.Setenv("CUTTLEFISH_INSTANCE", "")
	t.Setenv("CUTTLEFISH_HOST_SANDBOX", "")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	var stdout bytes.Buffer
	args := []string{"--system_image_dir=" + h.SystemImageDir, "--use_sdcard=false", "--vm_manager=crosvm", "--enable_sandbox=false"}
	if code := run(args, strings.NewReader(""), &stdout, io.Discard); code != 0 {
		t.Fatalf("run exited %d", code)
	}
	if got, want := stdout.String(), h.ConfigPath()+"\n"; got != want {
		t.Fatalf("stdout = %q, want %q", got, want)
	}
}
