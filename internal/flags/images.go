// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package flags

import (
	"path/filepath"
	"slices"

	"github.com/forkbombeu/cvdassemble/internal/cvd"
)

// ApplyImageDefaults derives the per-instance image defaults from
// --system_image_dir. Explicit kernel/initramfs paths may not be combined
// with explicit image paths.
func ApplyImageDefaults(rec *Record) (*Record, error) {
	kernelGiven := rec.IsSet(KernelPath) || rec.IsSet(InitramfsPath)
	imageGiven := false
	for _, name := range []string{"super_image", "vendor_boot_image", "vbmeta_vendor_dlkm_image", "vbmeta_system_dlkm_image"} {
		if rec.IsSet(name) {
			imageGiven = true
		}
	}
	if kernelGiven && imageGiven {
		return nil, cvd.Errorf(cvd.InvalidOptions, "Cannot pass both kernel_path/initramfs_path and super/vendor_boot/dlkm vbmeta image paths")
	}

	dirs := rec.Strs(SystemImageDir)
	names := make([]string, 0, len(ImageOptions))
	for name := range ImageOptions {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		defaults := make([]string, len(dirs))
		for i, dir := range dirs {
			defaults[i] = filepath.Join(dir, ImageOptions[name])
		}
		var err error
		if rec, err = rec.WithDefault(name, defaults...); err != nil {
			return nil, err
		}
	}
	return rec, nil
}
