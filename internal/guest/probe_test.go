// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package guest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/forkbombeu/cvdassemble/internal/cvd"
)

func testEnv(t *testing.T) cvd.Env {
	t.Helper()
	env := cvd.Detect()
	env.HostOut = t.TempDir()
	env.Sandbox = false
	return env
}

func TestDetectArch(t *testing.T) {
	cases := []struct {
		cfg  string
		want string
	}{
		{"CONFIG_ARM=y\n", ArchArm},
		{"# c\nCONFIG_ARM64=y\n", ArchArm64},
		{"CONFIG_ARCH_RV64I=y\n", ArchRiscv64},
		{"CONFIG_X86=y\nCONFIG_X86_64=y\n", ArchX86_64},
		{"CONFIG_X86=y\n", ArchX86},
	}
	for _, tc := range cases {
		got, err := DetectArch(tc.cfg)
		if err != nil {
			t.Fatalf("DetectArch(%q): %v", tc.cfg, err)
		}
		if got != tc.want {
			t.Fatalf("DetectArch(%q) = %s, want %s", tc.cfg, got, tc.want)
		}
	}
	_, err := DetectArch("CONFIG_MIPS=y\n# CONFIG_ARM64 is not set\n")
	if cvd.KindOf(err) != cvd.UnknownArch {
		t.Fatalf("expected UNKNOWN_ARCH, got %v", err)
	}
}

func TestKernelFeaturesHctr2Versions(t *testing.T) {
	for version, want := range map[string]bool{"11": false, "13.0.0": false, "14": true, "0.0.0": true} {
		_, boot, hctr2, err := KernelFeatures(arm64Config, version)
		if err != nil {
			t.Fatalf("KernelFeatures: %v", err)
		}
		if !boot {
			t.Fatalf("bootconfig should be supported")
		}
		if hctr2 != want {
			t.Fatalf("version %s: hctr2 = %v, want %v", version, hctr2, want)
		}
	}
}

func TestNormalizeAndroidVersion(t *testing.T) {
	for raw, want := range map[string]string{"": "0.0.0", "None": "0.0.0", "'14'": "14", "12.1.0": "12.1.0"} {
		got, err := NormalizeAndroidVersion(raw)
		if err != nil || got != want {
			t.Fatalf("NormalizeAndroidVersion(%q) = %q, %v; want %q", raw, got, err, want)
		}
	}
	_, err := NormalizeAndroidVersion("0.1")
	if cvd.ReasonOf(err) != cvd.ReasonVersionReadFailed {
		t.Fatalf("expected VERSION_READ_FAILED, got %v", err)
	}
}

func TestReadGuestConfigFromBootImage(t *testing.T) {
	env := testEnv(t)
	dir := t.TempDir()
	img := withAvbProps(bootImageV4(fakeKernel(t, arm64Config), encodeOSVersion(12, 0, 0), ""),
		map[string]string{osVersionProp: "'13'"})
	boot := writeFile(t, dir, "boot.img", img)
	writeFile(t, dir, "android-info.txt", []byte("config=auto\ngfxstream=supported\nmouse=unsupported\n"))

	gc, err := ReadGuestConfig(env, Request{BootImage: boot, SystemImageDir: dir}, "x86_64")
	if err != nil {
		t.Fatalf("ReadGuestConfig: %v", err)
	}
	if gc.TargetArch != ArchArm64 || gc.AndroidVersionNumber != "13" {
		t.Fatalf("unexpected probe: %+v", gc)
	}
	if !gc.BootconfigSupported || gc.Hctr2Supported {
		t.Fatalf("bootconfig=%v hctr2=%v", gc.BootconfigSupported, gc.Hctr2Supported)
	}
	if gc.DeviceType != DeviceAuto || !gc.GfxstreamSupported || gc.MouseSupported {
		t.Fatalf("android-info not applied: %+v", gc)
	}
	if gc.OutputAudioStreamsCount != 1 {
		t.Fatalf("default audio streams = %d", gc.OutputAudioStreamsCount)
	}
}

func TestReadGuestConfigHeaderVersionFallback(t *testing.T) {
	env := testEnv(t)
	dir := t.TempDir()
	boot := writeFile(t, dir, "boot.img", bootImageV4(fakeKernel(t, "CONFIG_X86_64=y\n"), encodeOSVersion(15, 0, 0), ""))
	gc, err := ReadGuestConfig(env, Request{BootImage: boot, SystemImageDir: dir}, "x86_64")
	if err != nil {
		t.Fatalf("ReadGuestConfig: %v", err)
	}
	if gc.AndroidVersionNumber != "15.0.0" || gc.TargetArch != ArchX86_64 || gc.BootconfigSupported {
		t.Fatalf("unexpected probe: %+v", gc)
	}
	if gc.DeviceType != DeviceUnknown {
		t.Fatalf("device type without android-info = %s", gc.DeviceType)
	}
}

func TestReadGuestConfigExplicitKernel(t *testing.T) {
	env := testEnv(t)
	dir := t.TempDir()
	boot := writeFile(t, dir, "boot.img", bootImageV4([]byte("no config"), 0, ""))
	kernel := writeFile(t, dir, "kernel", fakeKernel(t, "CONFIG_ARCH_RV64I=y\n"))
	gc, err := ReadGuestConfig(env, Request{KernelPath: kernel, BootImage: boot, SystemImageDir: dir}, "x86_64")
	if err != nil {
		t.Fatalf("ReadGuestConfig: %v", err)
	}
	if gc.TargetArch != ArchRiscv64 || gc.AndroidVersionNumber != "0.0.0" {
		t.Fatalf("unexpected probe: %+v", gc)
	}
}

func TestReadGuestConfigSandboxSkipsKernel(t *testing.T) {
	env := testEnv(t)
	env.Sandbox = true
	dir := t.TempDir()
	boot := writeFile(t, dir, "boot.img", bootImageV4([]byte("no config"), 0, ""))
	gc, err := ReadGuestConfig(env, Request{BootImage: boot, SystemImageDir: dir}, "arm64")
	if err != nil {
		t.Fatalf("ReadGuestConfig: %v", err)
	}
	if gc.TargetArch != "arm64" || !gc.BootconfigSupported || !gc.Hctr2Supported {
		t.Fatalf("unexpected sandbox probe: %+v", gc)
	}
}

func TestReadGuestConfigFailures(t *testing.T) {
	env := testEnv(t)
	dir := t.TempDir()

	_, err := ReadGuestConfig(env, Request{BootImage: filepath.Join(dir, "missing.img"), SystemImageDir: dir}, "x86_64")
	if cvd.KindOf(err) != cvd.ProbeFailed || cvd.ReasonOf(err) != cvd.ReasonBootImageNotReadable {
		t.Fatalf("expected BOOT_IMAGE_NOT_READABLE, got %v", err)
	}

	boot := writeFile(t, dir, "boot.img", bootImageV4([]byte("no config"), 0, ""))
	_, err = ReadGuestConfig(env, Request{BootImage: boot, SystemImageDir: dir}, "x86_64")
	if cvd.ReasonOf(err) != cvd.ReasonIkconfigExtractionFailed {
		t.Fatalf("expected IKCONFIG_EXTRACTION_FAILED, got %v", err)
	}

	mips := writeFile(t, dir, "mips.img", bootImageV4(fakeKernel(t, "CONFIG_MIPS=y\n"), 0, ""))
	_, err = ReadGuestConfig(env, Request{BootImage: mips, SystemImageDir: dir}, "x86_64")
	if cvd.KindOf(err) != cvd.UnknownArch {
		t.Fatalf("expected UNKNOWN_ARCH, got %v", err)
	}
}

func TestExtractIkconfigFallsBackToHostScript(t *testing.T) {
	env := testEnv(t)
	bin := filepath.Join(env.HostOut, "bin")
	if err := os.MkdirAll(bin, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	script := "#!/bin/sh\necho CONFIG_X86=y\n"
	if err := os.WriteFile(filepath.Join(bin, "extract-ikconfig"), []byte(script), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	dir := t.TempDir()
	kernel := writeFile(t, dir, "kernel", []byte("opaque"))
	cfg, err := extractIkconfigFile(env, kernel)
	if err != nil {
		t.Fatalf("extractIkconfigFile: %v", err)
	}
	if arch, _ := DetectArch(cfg); arch != ArchX86 {
		t.Fatalf("arch from script = %q (cfg %q)", arch, cfg)
	}
}
