// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package guest

import (
	"path/filepath"
	"testing"
)

const fetcherJSON = `{
  "cvd_files": {
    "target_files-1234.zip": {"source": "default_build", "build_id": "1234", "build_target": "aosp_cf_x86_64_phone"},
    "/abs/target_files-99.zip": {"source": "system_build", "build_id": "99", "build_target": "aosp_x86_64"},
    "kernel": {"source": "kernel_build", "build_id": "5", "build_target": "kernel_virt_x86_64"},
    "initramfs.img": {"source": "kernel_build", "build_id": "5", "build_target": "kernel_virt_x86_64"}
  }
}`

func TestLoadFetcherConfig(t *testing.T) {
	env := testEnv(t)
	dir := t.TempDir()
	p := writeFile(t, dir, FetcherConfigFile, []byte(fetcherJSON))

	cfg := LoadFetcherConfig(env, p)
	if got := cfg.TargetFilesZip(SourceDefaultBuild); got != filepath.Join(dir, "target_files-1234.zip") {
		t.Fatalf("default target zip = %q", got)
	}
	if got := cfg.TargetFilesZip(SourceSystemBuild); got != "/abs/target_files-99.zip" {
		t.Fatalf("system target zip = %q", got)
	}
	kernel, initramfs := cfg.KernelArtifacts()
	if kernel != filepath.Join(dir, "kernel") || initramfs != filepath.Join(dir, "initramfs.img") {
		t.Fatalf("kernel artifacts = %q, %q", kernel, initramfs)
	}
	if !cfg.HasSource(SourceKernelBuild) || cfg.HasSource(SourceGenerated) {
		t.Fatalf("HasSource wrong")
	}
}

func TestLoadFetcherConfigMissingOrMalformed(t *testing.T) {
	env := testEnv(t)
	dir := t.TempDir()
	if cfg := LoadFetcherConfig(env, filepath.Join(dir, FetcherConfigFile)); len(cfg.Files) != 0 {
		t.Fatalf("missing file should give empty config")
	}
	p := writeFile(t, dir, FetcherConfigFile, []byte("{not json"))
	if cfg := LoadFetcherConfig(env, p); cfg.Files == nil || len(cfg.Files) != 0 {
		t.Fatalf("malformed file should give empty config")
	}
}

func TestFindFetcherConfigsMergesStdinPaths(t *testing.T) {
	env := testEnv(t)
	sysdir := t.TempDir()
	fetchDir := t.TempDir()
	stdinCfg := writeFile(t, fetchDir, FetcherConfigFile, []byte(fetcherJSON))

	cfgs := FindFetcherConfigs(env, []string{sysdir, sysdir}, []string{"/tmp/other.img", stdinCfg})
	if len(cfgs) != 2 {
		t.Fatalf("expected one config per instance, got %d", len(cfgs))
	}
	for i, cfg := range cfgs {
		if !cfg.HasSource(SourceDefaultBuild) {
			t.Fatalf("instance %d: stdin config not merged", i)
		}
	}
	if cfgs[0].Digest() != cfgs[1].Digest() {
		t.Fatalf("identical file sets should share a digest")
	}
}
