// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/forkbombeu/cvdassemble/internal/cvd"
	"github.com/forkbombeu/cvdassemble/internal/flags"
	"github.com/forkbombeu/cvdassemble/internal/guest"
)

func targetZipPresent(zip string) bool {
	return zip != "" && zip != "unset"
}

// SuperImageNeedsRebuilding reports whether the super image must be
// recombined from a default and a system build.
func SuperImageNeedsRebuilding(fetcher guest.FetcherConfig, defaultZip, systemZip string) (bool, error) {
	haveDefault, haveSystem := targetZipPresent(defaultZip), targetZipPresent(systemZip)
	if haveDefault != haveSystem {
		return false, cvd.Errorf(cvd.InvalidOptions, "default_target_zip and system_target_zip flags must be specified together")
	}
	if haveDefault {
		return true, nil
	}
	return fetcher.HasSource(guest.SourceDefaultBuild) && fetcher.HasSource(guest.SourceSystemBuild), nil
}

// VectorizeDiskImages fills the per-instance image paths: the inputs taken
// from the options and the outputs the disk builder will write.
func VectorizeDiskImages(env cvd.Env, doc *Document, rec *flags.Record, nums []int, fetchers []guest.FetcherConfig) error {
	for i, num := range nums {
		inst := doc.Instance(num)
		if inst == nil {
			return cvd.Errorf(cvd.FatalInternal, "no record for instance %d", num)
		}
		var fetcher guest.FetcherConfig
		if i < len(fetchers) {
			fetcher = fetchers[i]
		}
		if err := vectorizeInstance(env, doc, inst, rec, i, fetcher); err != nil {
			return cvd.Wrap(cvd.KindOf(err), err, "instance %d disk images", num)
		}
	}
	return nil
}

func vectorizeInstance(env cvd.Env, doc *Document, inst *Instance, rec *flags.Record, i int, fetcher guest.FetcherConfig) error {
	inst.KernelPath = rec.Str(flags.KernelPath, i)
	inst.InitramfsPath = rec.Str(flags.InitramfsPath, i)
	hasKernel := inst.KernelPath != ""
	hasInitramfs := inst.InitramfsPath != ""

	inst.BootImage = rec.Str("boot_image", i)
	inst.NewBootImage = inst.BootImage
	if hasKernel && doc.VmManager != VmmGem5 {
		inst.NewBootImage = inst.PerInstancePath("boot_repacked.img")
	}
	inst.InitBootImage = rec.Str("init_boot_image", i)

	inst.VendorBootImage = rec.Str("vendor_boot_image", i)
	inst.NewVendorBootImage = inst.VendorBootImage
	if hasKernel || hasInitramfs {
		inst.NewVendorBootImage = inst.PerInstancePath("vendor_boot_repacked.img")
	}

	inst.VbmetaImage = rec.Str("vbmeta_image", i)
	inst.NewVbmetaImage = inst.VbmetaImage
	inst.VbmetaSystemImage = rec.Str("vbmeta_system_image", i)
	inst.VbmetaVendorDlkmImage = rec.Str("vbmeta_vendor_dlkm_image", i)
	inst.NewVbmetaVendorDlkmImage = inst.PerInstancePath("vbmeta_vendor_dlkm_repacked.img")
	inst.VbmetaSystemDlkmImage = rec.Str("vbmeta_system_dlkm_image", i)
	inst.NewVbmetaSystemDlkmImage = inst.PerInstancePath("vbmeta_system_dlkm_repacked.img")
	inst.VvmtruststorePath = rec.Str("vvmtruststore_path", i)
	inst.AndroidEfiLoader = rec.Str("android_efi_loader", i)

	inst.SuperImage = rec.Str("super_image", i)
	inst.NewSuperImage = inst.SuperImage
	inst.DefaultTargetZip = rec.Str("default_target_zip", i)
	inst.SystemTargetZip = rec.Str("system_target_zip", i)
	rebuild, err := SuperImageNeedsRebuilding(fetcher, inst.DefaultTargetZip, inst.SystemTargetZip)
	if err != nil {
		return err
	}
	if rebuild || hasInitramfs {
		inst.NewSuperImage = inst.PerInstancePath("super.img")
		inst.NewVbmetaImage = inst.PerInstancePath("os_vbmeta.img")
	}

	inst.DataImage = rec.Str("data_image", i)
	if inst.DataImage == "" {
		inst.DataImage = filepath.Join(rec.Str(flags.SystemImageDir, i), "userdata.img")
	}
	inst.NewDataImage = inst.PerInstancePath("userdata.img")

	inst.MiscInfoTxt = rec.Str("misc_info_txt", i)
	inst.MiscImage = rec.Str("misc_image", i)
	inst.NewMiscImage = inst.PerInstancePath("misc.img")
	if fileHasContent(inst.MiscImage) {
		inst.NewMiscImage = inst.MiscImage
	}
	inst.BlankMetadataImageMb = rec.Int("blank_metadata_image_mb", i)
	inst.MetadataImage = rec.Str("metadata_image", i)
	inst.NewMetadataImage = inst.PerInstancePath("metadata.img")
	if st, err := os.Stat(inst.MetadataImage); err == nil && st.Size() == int64(inst.BlankMetadataImageMb)<<20 {
		inst.NewMetadataImage = inst.MetadataImage
	}
	inst.SdcardPath = inst.PerInstancePath("sdcard.img")
	inst.SdcardOverlayPath = inst.PerInstancePath("sdcard_overlay.img")
	inst.BlankSdcardImageMb = rec.Int("blank_sdcard_image_mb", i)

	inst.Bootloader = rec.Str("bootloader", i)
	if inst.Bootloader == "" {
		inst.Bootloader = DefaultBootloader(env, inst.TargetArch, doc.VmManager)
	}
	return nil
}

// DefaultBootloader is the u-boot build shipped with the host package for
// the guest architecture and VMM.
func DefaultBootloader(env cvd.Env, arch, vmm string) string {
	if arch == guest.ArchArm64 {
		arch = "aarch64"
	}
	return env.HostArtifact(filepath.Join("etc", fmt.Sprintf("bootloader_%s", arch), "bootloader."+vmm))
}

func fileHasContent(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.Mode().IsRegular() && st.Size() > 0
}
