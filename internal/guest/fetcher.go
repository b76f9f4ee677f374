// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package guest

import (
	"encoding/json"
	"errors"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	digest "github.com/opencontainers/go-digest"

	"github.com/forkbombeu/cvdassemble/internal/cvd"
)

const FetcherConfigFile = "fetcher_config.json"

// FileSource records which build a fetched file came from.
type FileSource string

const (
	SourceUnknown      FileSource = "unknown"
	SourceDefaultBuild FileSource = "default_build"
	SourceSystemBuild  FileSource = "system_build"
	SourceKernelBuild  FileSource = "kernel_build"
	SourceLocalFile    FileSource = "local_file"
	SourceGenerated    FileSource = "generated"
)

type CvdFile struct {
	Source      FileSource `json:"source"`
	BuildID     string     `json:"build_id"`
	BuildTarget string     `json:"build_target"`
}

// FetcherConfig lists the artifacts a fetch step downloaded, keyed by path.
type FetcherConfig struct {
	Files map[string]CvdFile `json:"cvd_files"`
}

// LoadFetcherConfig reads path. A missing or malformed file yields an empty
// config, as the fetch step is optional.
func LoadFetcherConfig(env cvd.Env, path string) FetcherConfig {
	cfg := FetcherConfig{Files: map[string]CvdFile{}}
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			cvd.LogWarn(env, "unreadable fetcher config", "path", path, "error", err.Error())
		} else {
			cvd.LogDebug(env, "no fetcher config, falling back to default", "path", path)
		}
		return cfg
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		cvd.LogDebug(env, "no valid fetcher config, falling back to default", "path", path, "error", err.Error())
		return FetcherConfig{Files: map[string]CvdFile{}}
	}
	if cfg.Files == nil {
		cfg.Files = map[string]CvdFile{}
	}
	base := filepath.Dir(path)
	files := make(map[string]CvdFile, len(cfg.Files))
	for p, f := range cfg.Files {
		if !filepath.IsAbs(p) {
			p = filepath.Join(base, p)
		}
		files[p] = f
	}
	cfg.Files = files
	cvd.LogDebug(env, "loaded fetcher config", "path", path, "files", len(cfg.Files), "digest", cfg.Digest().String())
	return cfg
}

// FindFetcherConfigs loads <dir>/fetcher_config.json for every system image
// dir and merges in any fetcher configs named on stdin.
func FindFetcherConfigs(env cvd.Env, systemImageDirs []string, stdinPaths []string) []FetcherConfig {
	var extra []FetcherConfig
	for _, p := range stdinPaths {
		if filepath.Base(p) == FetcherConfigFile {
			extra = append(extra, LoadFetcherConfig(env, p))
		}
	}
	out := make([]FetcherConfig, len(systemImageDirs))
	for i, dir := range systemImageDirs {
		cfg := LoadFetcherConfig(env, filepath.Join(dir, FetcherConfigFile))
		for _, e := range extra {
			cfg = cfg.Merge(e)
		}
		out[i] = cfg
	}
	return out
}

// Merge returns a config containing both file sets; f wins on conflicts.
func (f FetcherConfig) Merge(other FetcherConfig) FetcherConfig {
	files := maps.Clone(other.Files)
	if files == nil {
		files = map[string]CvdFile{}
	}
	maps.Copy(files, f.Files)
	return FetcherConfig{Files: files}
}

func (f FetcherConfig) HasSource(src FileSource) bool {
	for _, file := range f.Files {
		if file.Source == src {
			return true
		}
	}
	return false
}

// TargetFilesZip returns the target_files-<build_id> archive fetched from src.
func (f FetcherConfig) TargetFilesZip(src FileSource) string {
	for _, p := range slices.Sorted(maps.Keys(f.Files)) {
		file := f.Files[p]
		if file.Source != src {
			continue
		}
		if strings.Contains(p, "target_files-"+file.BuildID) {
			return p
		}
	}
	return ""
}

// KernelArtifacts returns the kernel and initramfs fetched from a kernel build.
func (f FetcherConfig) KernelArtifacts() (kernel, initramfs string) {
	for _, p := range slices.Sorted(maps.Keys(f.Files)) {
		if f.Files[p].Source != SourceKernelBuild {
			continue
		}
		switch filepath.Base(p) {
		case "kernel", "bzImage", "Image":
			kernel = p
		case "initramfs.img":
			initramfs = p
		}
	}
	return kernel, initramfs
}

// Digest identifies the file set, for logs and reuse checks.
func (f FetcherConfig) Digest() digest.Digest {
	data, _ := json.Marshal(f.Files)
	return digest.FromBytes(data)
}
