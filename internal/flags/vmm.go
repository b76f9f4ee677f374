// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package flags

import (
	"os"
	"runtime"
	"strings"

	"github.com/forkbombeu/cvdassemble/internal/cvd"
)

// Host describes what the assembling machine can offer the VMM.
type Host struct {
	Arch           string
	SandboxCapable bool
}

// HostArch maps GOARCH onto the guest architecture vocabulary.
func HostArch() string {
	switch runtime.GOARCH {
	case "amd64":
		return "x86_64"
	case "386":
		return "x86"
	case "arm64":
		return "arm64"
	case "arm":
		return "arm"
	case "riscv64":
		return "riscv64"
	}
	return runtime.GOARCH
}

func DetectHost() Host {
	return Host{Arch: HostArch(), SandboxCapable: sandboxCapable()}
}

// crosvm's minijail sandbox needs an empty /var/empty and does not work
// inside containers.
func sandboxCapable() bool {
	if HostArch() != "x86_64" {
		return false
	}
	entries, err := os.ReadDir("/var/empty")
	if err != nil || len(entries) > 0 {
		return false
	}
	return !inContainer()
}

func inContainer() bool {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	cgroup, err := os.ReadFile("/proc/1/cgroup")
	if err != nil {
		return false
	}
	s := string(cgroup)
	return strings.Contains(s, "docker") || strings.Contains(s, "lxc") || strings.Contains(s, "kubepods")
}

// NormalizeVmm maps accepted spellings onto the document values crosvm, qemu
// and gem5.
func NormalizeVmm(v string) (string, error) {
	switch v {
	case "crosvm", "gem5":
		return v, nil
	case "qemu", "qemu_cli":
		return "qemu", nil
	}
	return "", cvd.Errorf(cvd.InvalidOptions, "invalid vm_manager %q", v)
}

// ApplyVmmDefaults returns rec with the defaults that depend on the selected
// VMM. Explicit user values are left alone.
func ApplyVmmDefaults(env cvd.Env, rec *Record, vmm string, host Host) (*Record, error) {
	var err error
	switch vmm {
	case "crosvm":
		rec, err = rec.WithDefault(EnableSandbox, boolString(host.SandboxCapable))
		if err != nil {
			return nil, err
		}
		rec, err = applyOpenwrtDefaults(env, rec)
	case "gem5":
		if rec, err = rec.WithDefault(Cpus, "1"); err != nil {
			return nil, err
		}
		if rec, err = rec.WithDefault(GpuMode, "guest_swiftshader"); err != nil {
			return nil, err
		}
		rec, err = rec.WithDefault(EnableSandbox, "false")
	case "qemu":
		rec, err = rec.WithDefault(EnableSandbox, "false")
	}
	return rec, err
}

func applyOpenwrtDefaults(env cvd.Env, rec *Record) (*Record, error) {
	rootfs := env.HostArtifact("etc/openwrt/images/openwrt_rootfs")
	if _, err := os.Stat(rootfs); err != nil {
		return rec, nil
	}
	rec, err := rec.WithDefault("ap_rootfs_image", rootfs)
	if err != nil {
		return nil, err
	}
	return rec.WithDefault("ap_kernel_image", env.HostArtifact("etc/openwrt/images/kernel_for_openwrt"))
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// HostCompatible reports whether a guest of guestArch runs natively on a
// host of hostArch.
func HostCompatible(hostArch, guestArch string) bool {
	switch {
	case hostArch == guestArch:
		return true
	case hostArch == "x86_64" && guestArch == "x86":
		return true
	case hostArch == "arm64" && guestArch == "arm":
		return true
	}
	return false
}

// DefaultVmm is the VMM used when --vm_manager is not given.
func DefaultVmm(hostArch, guestArch string) string {
	if HostCompatible(hostArch, guestArch) {
		return "crosvm"
	}
	return "qemu"
}
