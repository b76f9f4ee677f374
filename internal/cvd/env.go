// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package cvd

import (
	"context"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
)

type Env struct {
	Home       string // HOME
	TempDir    string // TMPDIR (default /tmp)
	HostOut    string // ANDROID_HOST_OUT (default: parent of the binary's directory)
	ProductOut string // ANDROID_PRODUCT_OUT (default .)
	// Instance is the base instance number taken from CUTTLEFISH_INSTANCE, if any.
	Instance string
	// Sandbox is set when running under the host sandbox (CUTTLEFISH_HOST_SANDBOX).
	// It suppresses legacy symlinks and the in-use probe.
	Sandbox bool
	UID     int
	GID     int
	// CorrelationID is used to tie logs to a specific workflow/activity.
	CorrelationID string
	// Context is used to parent OpenTelemetry spans.
	Context context.Context
}

func Detect() Env {
	usr, _ := user.Current()
	home := os.Getenv("HOME")
	if home == "" && usr != nil {
		home = usr.HomeDir
	}

	hostOut := getenv("ANDROID_HOST_OUT", os.Getenv("ANDROID_SOONG_HOST_OUT"))
	if hostOut == "" {
		if exe, err := os.Executable(); err == nil {
			hostOut = filepath.Dir(filepath.Dir(exe))
		}
	}

	return Env{
		Home:          home,
		TempDir:       getenv("TMPDIR", "/tmp"),
		HostOut:       hostOut,
		ProductOut:    getenv("ANDROID_PRODUCT_OUT", "."),
		Instance:      os.Getenv("CUTTLEFISH_INSTANCE"),
		Sandbox:       parseSandbox(os.Getenv("CUTTLEFISH_HOST_SANDBOX")),
		UID:           os.Getuid(),
		GID:           os.Getgid(),
		CorrelationID: os.Getenv("CVD_CORRELATION_ID"),
		Context:       context.Background(),
	}
}

func getenv(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

func parseSandbox(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

// HostBinary returns the path of a host tool under $ANDROID_HOST_OUT/bin.
func (e Env) HostBinary(name string) string {
	return filepath.Join(e.HostOut, "bin", name)
}

// HostArtifact resolves a path relative to $ANDROID_HOST_OUT.
func (e Env) HostArtifact(rel string) string {
	return filepath.Join(e.HostOut, rel)
}

// PerUserTempDir is $TMPDIR/<prefix>_<uid>, the root used for sockets that
// must stay under the unix socket path limit.
func (e Env) PerUserTempDir(prefix string) string {
	return filepath.Join(e.TempDir, prefix+"_"+strconv.Itoa(e.UID))
}

// WithContext returns a copy of e whose spans are parented on ctx.
func (e Env) WithContext(ctx context.Context) Env {
	if ctx == nil {
		ctx = context.Background()
	}
	e.Context = ctx
	return e
}
