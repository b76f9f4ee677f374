// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package disk

import (
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/forkbombeu/cvdassemble/internal/config"
	"github.com/forkbombeu/cvdassemble/internal/cvd"
	"github.com/forkbombeu/cvdassemble/internal/guest"
)

const (
	ramdiskRepacked   = "ramdisk_repacked"
	ramdiskStageDir   = "ramdisk_stage"
	gem5InitrdName    = "initrd.img"
	gem5BootconfigTxt = "gem5_bootconfig.txt"
)

// Build writes every guest disk of doc: repacked boot images, the mixed
// super image, blank and persistent partitions, the composite disks and
// their overlays. fetchers is indexed like doc.OrderedInstances.
func Build(env cvd.Env, doc *config.Document, fetchers []guest.FetcherConfig, opts Options) error {
	_, span := cvd.StartSpan(env, "disk.Build", attribute.Bool("use_overlay", opts.UseOverlay), attribute.Bool("resume", opts.Resume))
	defer span.End()
	for i, inst := range doc.OrderedInstances() {
		var fetcher guest.FetcherConfig
		if i < len(fetchers) {
			fetcher = fetchers[i]
		}
		if err := buildInstance(env, doc, inst, fetcher, opts); err != nil {
			err = cvd.Wrap(cvd.KindOf(err), err, "instance %d disks", inst.ID)
			cvd.RecordSpanError(span, err)
			return err
		}
	}
	return nil
}

func buildInstance(env cvd.Env, doc *config.Document, inst *config.Instance, fetcher guest.FetcherConfig, opts Options) error {
	if err := InitializeChromeOsState(env, inst); err != nil {
		return err
	}
	if err := RebuildSuperImageIfNecessary(env, fetcher, inst); err != nil {
		return err
	}
	if err := RepackKernelRamdisk(env, doc, inst); err != nil {
		return err
	}
	err := VbmetaEnforceMinimumSize(inst.VbmetaImage, inst.VbmetaSystemImage, inst.VbmetaVendorDlkmImage, inst.VbmetaSystemDlkmImage)
	if err != nil {
		return err
	}
	if !fileHasContent(inst.Bootloader) {
		return cvd.Errorf(cvd.IOFailed, "File not found: %s", inst.Bootloader)
	}
	if doc.VmManager == config.VmmGem5 {
		if err := Gem5ImageUnpacker(env, doc, inst); err != nil {
			return err
		}
	}

	if err := InitializeHostBackedImages(env, inst); err != nil {
		return err
	}
	if err := InitializeSdCard(env, doc, inst); err != nil {
		return err
	}
	if err := InitializeDataImage(env, inst); err != nil {
		return err
	}
	if err := CheckDataImageSpace(env, inst); err != nil {
		return err
	}
	if err := ReuseOrCreateMetadata(env, inst); err != nil {
		return err
	}
	if err := ReuseOrCreateMisc(env, inst); err != nil {
		return err
	}

	osDisk := OsCompositeBuilder(doc, inst, opts)
	osBuilt, err := osDisk.BuildIfNecessary(env)
	if err != nil {
		return err
	}
	if err := BuildPersistentDisk(env, doc, inst, opts); err != nil {
		return err
	}
	hasAp := inst.ApBootFlow != "" && inst.ApBootFlow != config.ApBootFlowNone
	var apDisk *Builder
	if hasAp {
		apDisk = ApCompositeBuilder(doc, inst, opts)
		if _, err := apDisk.BuildIfNecessary(env); err != nil {
			return err
		}
	}
	if osBuilt {
		if err := ResetHostBackedImages(env, inst); err != nil {
			return err
		}
	}

	if opts.UseOverlay && doc.VmManager != config.VmmGem5 {
		if _, err := osDisk.BuildOverlayIfNecessary(env); err != nil {
			return err
		}
		if hasAp {
			if _, err := apDisk.BuildOverlayIfNecessary(env); err != nil {
				return err
			}
		}
	}

	for _, p := range inst.VirtualDiskPaths {
		if p != "" && !fileHasContent(p) {
			return cvd.Errorf(cvd.IOFailed, "File not found: %q", p)
		}
	}

	if doc.VmManager == config.VmmGem5 {
		return buildGem5Initrd(env, doc, inst)
	}
	return nil
}

// RepackKernelRamdisk rebuilds boot and vendor_boot around a user kernel
// and/or ramdisk. A user ramdisk also has its modules split out into fresh
// vendor_dlkm and system_dlkm partitions of the super image.
func RepackKernelRamdisk(env cvd.Env, doc *config.Document, inst *config.Instance) error {
	plan := Repacks(doc, inst)
	if !plan.Boot && !plan.VendorBoot {
		return nil
	}
	_, span := cvd.StartSpan(env, "disk.RepackKernelRamdisk", attribute.Int("instance", inst.ID))
	defer span.End()
	err := repackKernelRamdisk(env, doc, inst, plan)
	cvd.RecordSpanError(span, err)
	return err
}

func repackKernelRamdisk(env cvd.Env, doc *config.Document, inst *config.Instance, plan RepackPlan) error {
	if plan.Boot {
		if err := RepackBootImage(env, inst.KernelPath, inst.BootImage, inst.NewBootImage, inst.InstanceDir); err != nil {
			return cvd.Wrap(cvd.KindOf(err), err, "Failed to regenerate the boot image with the new kernel")
		}
	}
	if inst.InitramfsPath == "" {
		err := RepackVendorBootImageWithEmptyRamdisk(env, inst.VendorBootImage, inst.NewVendorBootImage, doc.AssemblyDir, inst.BootconfigSupported)
		if err != nil {
			return cvd.Wrap(cvd.KindOf(err), err, "Failed to regenerate the vendor boot image without a ramdisk")
		}
		return nil
	}

	repack := DlkmRepack{
		BuildDir:        inst.InstanceDir,
		SuperImage:      existingOr(inst.NewSuperImage, inst.SuperImage),
		NewSuperImage:   inst.NewSuperImage,
		NewVendorVbmeta: inst.NewVbmetaVendorDlkmImage,
		NewSystemVbmeta: inst.NewVbmetaSystemDlkmImage,
		UseErofs:        dlkmUsesErofs(env, inst),
	}
	ramdisk := inst.PerInstancePath(ramdiskRepacked)
	if err := copyFile(inst.InitramfsPath, ramdisk); err != nil {
		return cvd.Wrap(cvd.IOFailed, err, "copy %s", inst.InitramfsPath)
	}
	stage := inst.PerInstanceInternalPath(ramdiskStageDir)
	vendorDir := filepath.Join(repack.SuperBuildDir(), "vendor_dlkm")
	systemDir := filepath.Join(repack.SuperBuildDir(), "system_dlkm")
	for _, dir := range []string{stage, vendorDir, systemDir} {
		if err := os.RemoveAll(dir); err != nil {
			return cvd.Wrap(cvd.IOFailed, err, "reset %s", dir)
		}
	}
	if _, err := SplitRamdiskModules(env, ramdisk, stage, vendorDir, systemDir); err != nil {
		return err
	}
	if err := RepackSuperAndVbmeta(env, repack); err != nil {
		return err
	}
	err := RepackVendorBootImage(env, ramdisk, inst.VendorBootImage, inst.NewVendorBootImage, doc.AssemblyDir, inst.BootconfigSupported)
	if err != nil {
		return cvd.Wrap(cvd.KindOf(err), err, "Failed to regenerate the vendor boot image with the new ramdisk")
	}
	return nil
}

// dlkmUsesErofs follows the vendor_dlkm filesystem declared by the build's
// misc_info.txt.
func dlkmUsesErofs(env cvd.Env, inst *config.Instance) bool {
	if inst.MiscInfoTxt == "" {
		return false
	}
	data, err := os.ReadFile(inst.MiscInfoTxt)
	if err != nil {
		cvd.LogDebug(env, "misc_info.txt not readable", "path", inst.MiscInfoTxt, "error", err)
		return false
	}
	info, err := ParseMiscInfo(env, string(data))
	if err != nil {
		cvd.LogWarn(env, "ignoring malformed misc_info.txt", "path", inst.MiscInfoTxt, "error", err)
		return false
	}
	return info["vendor_dlkm_fs_type"] == "erofs"
}

// Gem5ImageUnpacker unpacks boot and vendor_boot into the assembly dir,
// where gem5 picks the kernel, ramdisk and dtb up directly.
func Gem5ImageUnpacker(env cvd.Env, doc *config.Document, inst *config.Instance) error {
	if err := unpackBootImage(env, inst.BootImage, doc.AssemblyDir, bootParamsFile); err != nil {
		return cvd.Wrap(cvd.KindOf(err), err, "Failed to extract the boot image")
	}
	if err := unpackVendorBootImageIfNotUnpacked(env, inst.VendorBootImage, doc.AssemblyDir); err != nil {
		return cvd.Wrap(cvd.KindOf(err), err, "Failed to extract the vendor boot image")
	}
	if inst.KernelPath != "" {
		if err := copyFile(inst.KernelPath, doc.AssemblyPath("kernel")); err != nil {
			return cvd.Wrap(cvd.IOFailed, err, "copy %s", inst.KernelPath)
		}
	}
	return nil
}

// buildGem5Initrd stands in for the bootloader, which gem5 does not run.
func buildGem5Initrd(env cvd.Env, doc *config.Document, inst *config.Instance) error {
	bootconfig := inst.PerInstanceInternalPath(gem5BootconfigTxt)
	data := strings.Join(BootconfigArgs(inst), "\n") + "\n"
	if err := os.WriteFile(bootconfig, []byte(data), 0o644); err != nil {
		return cvd.Wrap(cvd.IOFailed, err, "write %s", bootconfig)
	}
	return RepackGem5BootImage(env, inst.PerInstancePath(gem5InitrdName), bootconfig, doc.AssemblyDir, inst.InitramfsPath)
}
