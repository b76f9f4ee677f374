// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package config

import (
	"strings"
	"testing"

	"github.com/forkbombeu/cvdassemble/internal/cvd"
	"github.com/forkbombeu/cvdassemble/internal/flags"
	"github.com/forkbombeu/cvdassemble/internal/guest"
)

func TestCheckSnapshotCompatible(t *testing.T) {
	env := testEnv(t)
	doc, err := Synthesize(testInputs(t, env, 1, "--gpu_mode=gfxstream", "--enable_usb=true"))
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	err = CheckSnapshotCompatible(doc, true)
	if cvd.KindOf(err) != cvd.SnapshotIncompatible {
		t.Fatalf("expected SNAPSHOT_INCOMPATIBLE, got %v", err)
	}
	for _, want := range []string{"--enable_usb should be false for snapshot", "Only 2D guest_swiftshader is supported for snapshot", "[1]"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("%q missing from %v", want, err)
		}
	}
	if err := CheckSnapshotCompatible(doc, false); err != nil {
		t.Fatalf("the gate applies only with --snapshot_compatible: %v", err)
	}
	doc.VmManager = VmmQemu
	if err := CheckSnapshotCompatible(doc, true); err != nil {
		t.Fatalf("the gate applies only to crosvm: %v", err)
	}
}

func TestCheckSnapshotCompatibleVirtiofs(t *testing.T) {
	env := testEnv(t)
	doc, err := Synthesize(testInputs(t, env, 1, "--enable_virtiofs=true"))
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	err = CheckSnapshotCompatible(doc, true)
	if err == nil || !strings.Contains(err.Error(), "--enable_virtiofs should be false for snapshot") {
		t.Fatalf("expected a virtiofs rejection, got %v", err)
	}
	doc.Instance(1).EnableVirtiofs = false
	if err := CheckSnapshotCompatible(doc, true); err != nil {
		t.Fatalf("compatible config rejected: %v", err)
	}
}

func TestVerifySnapshotRestoreFlags(t *testing.T) {
	env := testEnv(t)
	record := func(args ...string) *flags.Record {
		rec, err := flags.FromArgs(flags.Definitions(env), args, 1)
		if err != nil {
			t.Fatalf("FromArgs: %v", err)
		}
		return rec
	}
	if err := VerifySnapshotRestoreFlags(record("--snapshot_path=/s")); err != nil {
		t.Fatalf("resume defaults to true: %v", err)
	}
	for _, args := range [][]string{
		{"--snapshot_path=/s", "--resume=false"},
		{"--snapshot_path=/s", "--instance_dir=/x"},
		{"--snapshot_path=/s", "--assembly_dir=/x"},
	} {
		if err := VerifySnapshotRestoreFlags(record(args...)); cvd.KindOf(err) != cvd.InvalidOptions {
			t.Fatalf("%v: expected INVALID_OPTIONS, got %v", args, err)
		}
	}
	if err := VerifySnapshotRestoreFlags(record("--instance_dir=/x")); err != nil {
		t.Fatalf("no snapshot, no check: %v", err)
	}
}

func TestSuperImageNeedsRebuilding(t *testing.T) {
	mixed := guest.FetcherConfig{Files: map[string]guest.CvdFile{
		"/a/vendor.img": {Source: guest.SourceDefaultBuild},
		"/a/system.img": {Source: guest.SourceSystemBuild},
	}}
	cases := []struct {
		fetcher   guest.FetcherConfig
		def, sys  string
		want      bool
		wantError bool
	}{
		{guest.FetcherConfig{}, "", "", false, false},
		{guest.FetcherConfig{}, "unset", "unset", false, false},
		{mixed, "", "", true, false},
		{guest.FetcherConfig{}, "/d.zip", "/s.zip", true, false},
		{guest.FetcherConfig{}, "/d.zip", "", false, true},
	}
	for _, tc := range cases {
		got, err := SuperImageNeedsRebuilding(tc.fetcher, tc.def, tc.sys)
		if (err != nil) != tc.wantError || got != tc.want {
			t.Fatalf("SuperImageNeedsRebuilding(%q, %q) = %v, %v", tc.def, tc.sys, got, err)
		}
	}
}

func TestParseSecureHals(t *testing.T) {
	got, err := ParseSecureHals("oemlock, guest_keymint_insecure,GATEKEEPER,oemlock")
	if err != nil {
		t.Fatalf("ParseSecureHals: %v", err)
	}
	if strings.Join(got, ",") != "guest_keymint_insecure,host_gatekeeper_secure,host_oemlock_secure" {
		t.Fatalf("hals = %v", got)
	}
	if _, err := ParseSecureHals("nonsense"); cvd.KindOf(err) != cvd.InvalidOptions {
		t.Fatalf("expected INVALID_OPTIONS, got %v", err)
	}
	if got, _ := ParseSecureHals(""); got == nil || len(got) != 0 {
		t.Fatalf("empty list = %#v", got)
	}
}

func TestJcardSimulatorAddsStrongbox(t *testing.T) {
	env := testEnv(t)
	doc, err := Synthesize(testInputs(t, env, 1, "--enable_jcard_simulator=true"))
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if !strings.Contains(strings.Join(doc.SecureHals, ","), halGuestStrongboxInsecure) {
		t.Fatalf("hals = %v", doc.SecureHals)
	}
}
