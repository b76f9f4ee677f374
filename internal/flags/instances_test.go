// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package flags

import (
	"slices"
	"testing"

	"github.com/forkbombeu/cvdassemble/internal/cvd"
)

func TestCalculateInstanceNums(t *testing.T) {
	cases := []struct {
		name string
		in   InstanceNumsInput
		want []int
		kind cvd.Kind
	}{
		{name: "default", in: InstanceNumsInput{NumInstances: 1}, want: []int{1}},
		{name: "count", in: InstanceNumsInput{NumInstances: 3, NumInstancesSet: true}, want: []int{1, 2, 3}},
		{name: "base", in: InstanceNumsInput{NumInstances: 2, BaseInstance: 5, BaseInstanceSet: true}, want: []int{5, 6}},
		{name: "env", in: InstanceNumsInput{NumInstances: 1, EnvInstance: "vsoc-04"}, want: []int{4}},
		{name: "explicit", in: InstanceNumsInput{InstanceNums: "3,7,5"}, want: []int{3, 7, 5}},
		{name: "duplicate", in: InstanceNumsInput{InstanceNums: "3,3"}, kind: cvd.InvalidOptions},
		{name: "count mismatch", in: InstanceNumsInput{InstanceNums: "1,2", NumInstances: 3, NumInstancesSet: true}, kind: cvd.InvalidOptions},
		{name: "zero", in: InstanceNumsInput{InstanceNums: "0"}, kind: cvd.InvalidOptions},
	}
	for _, c := range cases {
		got, err := CalculateInstanceNums(c.in)
		if c.kind != "" {
			if cvd.KindOf(err) != c.kind {
				t.Fatalf("%s: expected %s, got %v", c.name, c.kind, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: %v", c.name, err)
		}
		if !slices.Equal(got, c.want) {
			t.Fatalf("%s: got %v, want %v", c.name, got, c.want)
		}
	}
}

func TestApplyVmmDefaultsGem5(t *testing.T) {
	rec, err := FromArgs(testDefs(), []string{"--vm_manager=gem5"}, 1)
	if err != nil {
		t.Fatalf("FromArgs: %v", err)
	}
	rec, err = ApplyVmmDefaults(cvd.Env{HostOut: t.TempDir()}, rec, "gem5", Host{Arch: "x86_64"})
	if err != nil {
		t.Fatalf("ApplyVmmDefaults: %v", err)
	}
	if rec.Int("cpus", 0) != 1 || rec.Str("gpu_mode", 0) != "guest_swiftshader" {
		t.Fatalf("gem5 defaults not applied: cpus=%d gpu=%s", rec.Int("cpus", 0), rec.Str("gpu_mode", 0))
	}
}

func TestApplyVmmDefaultsCrosvmKeepsExplicitSandbox(t *testing.T) {
	rec, err := FromArgs(testDefs(), []string{"--enable_sandbox=false"}, 1)
	if err != nil {
		t.Fatalf("FromArgs: %v", err)
	}
	rec, err = ApplyVmmDefaults(cvd.Env{HostOut: t.TempDir()}, rec, "crosvm", Host{Arch: "x86_64", SandboxCapable: true})
	if err != nil {
		t.Fatalf("ApplyVmmDefaults: %v", err)
	}
	if rec.Bool("enable_sandbox", 0) {
		t.Fatal("explicit --enable_sandbox=false must survive crosvm defaults")
	}
	if rec.Str("ap_rootfs_image", 0) != "" {
		t.Fatal("openwrt defaults require the rootfs to exist")
	}
}

func TestNormalizeVmm(t *testing.T) {
	if v, err := NormalizeVmm("qemu_cli"); err != nil || v != "qemu" {
		t.Fatalf("NormalizeVmm(qemu_cli) = %q, %v", v, err)
	}
	if _, err := NormalizeVmm("firecracker"); cvd.KindOf(err) != cvd.InvalidOptions {
		t.Fatalf("expected INVALID_OPTIONS, got %v", err)
	}
}

func TestDefaultVmm(t *testing.T) {
	cases := []struct{ host, guest, want string }{
		{"x86_64", "x86_64", "crosvm"},
		{"x86_64", "x86", "crosvm"},
		{"arm64", "arm", "crosvm"},
		{"x86_64", "arm64", "qemu"},
		{"arm64", "riscv64", "qemu"},
	}
	for _, c := range cases {
		if got := DefaultVmm(c.host, c.guest); got != c.want {
			t.Fatalf("DefaultVmm(%s, %s) = %s, want %s", c.host, c.guest, got, c.want)
		}
	}
}
