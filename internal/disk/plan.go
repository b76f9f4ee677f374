// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

// Package disk decides whether the guest disks must be rebuilt and builds
// them: kernel and ramdisk repacks, the mixed super image, blank images and
// the composite disks handed to the VMM.
package disk

import (
	"errors"
	"io/fs"
	"os"

	"go.opentelemetry.io/otel/attribute"

	"github.com/forkbombeu/cvdassemble/internal/config"
	"github.com/forkbombeu/cvdassemble/internal/cvd"
)

// Per-instance file names written by the disk builder.
const (
	OsCompositeName         = "os_composite.img"
	OverlayName             = "overlay.img"
	ApCompositeName         = "ap_composite.img"
	ApOverlayName           = "ap_overlay.img"
	PersistentCompositeName = "persistent_composite.img"
	ChromeOsStateName       = "chromeos_state.img"
	UbootEnvName            = "uboot_env.img"
	PersistentVbmetaName    = "persistent_vbmeta.img"
	PersistentBootconfig    = "persistent_bootconfig.img"
	FrpName                 = "factory_reset_protected.img"
	AccessKregistryName     = "access-kregistry"
	HwcomposerPmemName      = "hwcomposer-pmem"
	PstoreName              = "pstore"
)

// Options are the run-wide switches the plan depends on.
type Options struct {
	UseOverlay bool
	Resume     bool
}

// RepackPlan lists which guest images an instance gets rebuilt from
// user-supplied kernel and ramdisk.
type RepackPlan struct {
	Boot       bool
	VendorBoot bool
	Super      bool
}

// DiskBuildPlan is the outcome of planning, consumed by the preservation
// planner before anything on disk changes.
type DiskBuildPlan struct {
	CreatingOsDisk bool
	Repacks        map[int]RepackPlan
}

// Plan checks every instance for a pending OS (or AP) disk rebuild. A
// rebuild only matters with an overlay: without one the base images are
// written in place.
func Plan(env cvd.Env, doc *config.Document, opts Options) (DiskBuildPlan, error) {
	_, span := cvd.StartSpan(env, "disk.Plan", attribute.Bool("use_overlay", opts.UseOverlay), attribute.Bool("resume", opts.Resume))
	defer span.End()

	plan := DiskBuildPlan{Repacks: map[int]RepackPlan{}}
	for _, inst := range doc.OrderedInstances() {
		plan.Repacks[inst.ID] = Repacks(doc, inst)
		creating, err := instanceNeedsOsDisk(env, doc, inst, opts)
		if err != nil {
			cvd.RecordSpanError(span, err)
			return DiskBuildPlan{}, err
		}
		if creating {
			cvd.LogDebug(env, "instance needs a new OS disk", "instance", inst.ID)
			plan.CreatingOsDisk = true
		}
	}
	plan.CreatingOsDisk = plan.CreatingOsDisk && opts.UseOverlay
	span.SetAttributes(attribute.Bool("creating_os_disk", plan.CreatingOsDisk))
	return plan, nil
}

func instanceNeedsOsDisk(env cvd.Env, doc *config.Document, inst *config.Instance, opts Options) (bool, error) {
	if !canReuseImages(inst) {
		return true, nil
	}
	rebuild, err := OsCompositeBuilder(doc, inst, opts).WillRebuild(env)
	if err != nil || rebuild {
		return rebuild, err
	}
	if inst.ApBootFlow != "" && inst.ApBootFlow != config.ApBootFlowNone {
		return ApCompositeBuilder(doc, inst, opts).WillRebuild(env)
	}
	return false, nil
}

func canReuseImages(inst *config.Instance) bool {
	return metadataReusable(inst) && fileHasContent(inst.NewMiscImage) && chromeOsStateReusable(inst)
}

func metadataReusable(inst *config.Instance) bool {
	st, err := os.Stat(inst.NewMetadataImage)
	return err == nil && st.Size() == int64(inst.BlankMetadataImageMb)<<20
}

func chromeOsStateReusable(inst *config.Instance) bool {
	return inst.BootFlow != config.BootFlowChromeOs || fileExists(inst.PerInstancePath(ChromeOsStateName))
}

// Repacks derives the repack decisions from the vectorized image paths.
// gem5 boots its own images and never repacks.
func Repacks(doc *config.Document, inst *config.Instance) RepackPlan {
	if doc.VmManager == config.VmmGem5 {
		return RepackPlan{}
	}
	return RepackPlan{
		Boot:       inst.KernelPath != "",
		VendorBoot: inst.KernelPath != "" || inst.InitramfsPath != "",
		Super:      inst.NewSuperImage != "" && inst.NewSuperImage != inst.SuperImage,
	}
}

func composite(doc *config.Document, inst *config.Instance, opts Options, prefix string, parts []Partition) *Builder {
	return &Builder{
		Partitions:    parts,
		VmManager:     doc.VmManager,
		CrosvmPath:    inst.CrosvmBinary,
		QemuImgPath:   qemuImg(inst),
		ConfigPath:    inst.PerInstancePath(prefix + "_composite_disk_config.txt"),
		HeaderPath:    inst.PerInstancePath(prefix + "_composite_gpt_header.img"),
		FooterPath:    inst.PerInstancePath(prefix + "_composite_gpt_footer.img"),
		CompositePath: inst.PerInstancePath(prefix + "_composite.img"),
		Resume:        opts.Resume,
	}
}

// OsCompositeBuilder is the builder of the Android OS disk.
func OsCompositeBuilder(doc *config.Document, inst *config.Instance, opts Options) *Builder {
	b := composite(doc, inst, opts, "os", OsPartitions(inst, opts.UseOverlay))
	b.OverlayPath = inst.PerInstancePath(OverlayName)
	b.ReadOnly = opts.UseOverlay
	return b
}

// ApCompositeBuilder is the builder of the access point VM disk.
func ApCompositeBuilder(doc *config.Document, inst *config.Instance, opts Options) *Builder {
	b := composite(doc, inst, opts, "ap", []Partition{{
		Label:    "ap_rootfs",
		Path:     doc.ApRootfsImage,
		ReadOnly: opts.UseOverlay,
	}})
	b.OverlayPath = inst.PerInstancePath(ApOverlayName)
	b.ReadOnly = opts.UseOverlay
	return b
}

// PersistentCompositeBuilder is the builder of the read-write disk holding
// state that survives a powerwash.
func PersistentCompositeBuilder(doc *config.Document, inst *config.Instance, opts Options) *Builder {
	parts := []Partition{
		{Label: "uboot_env", Path: inst.PerInstancePath(UbootEnvName)},
		{Label: "vbmeta", Path: inst.PerInstancePath(PersistentVbmetaName)},
		{Label: "frp", Path: inst.PerInstancePath(FrpName)},
	}
	if inst.BootconfigSupported {
		parts = append(parts, Partition{Label: "bootconfig", Path: inst.PerInstancePath(PersistentBootconfig)})
	}
	return composite(doc, inst, opts, "persistent", parts)
}

// OsPartitions lists the Android OS disk in GPT order.
func OsPartitions(inst *config.Instance, readOnly bool) []Partition {
	var parts []Partition
	add := func(label, path string) {
		parts = append(parts, Partition{Label: label, Path: path, ReadOnly: readOnly})
	}
	ab := func(label, path string) {
		add(label+"_a", path)
		add(label+"_b", path)
	}
	add("misc", inst.NewMiscImage)
	ab("boot", existingOr(inst.NewBootImage, inst.BootImage))
	if fileExists(inst.InitBootImage) {
		ab("init_boot", inst.InitBootImage)
	}
	ab("vendor_boot", existingOr(inst.NewVendorBootImage, inst.VendorBootImage))
	ab("vbmeta", existingOr(inst.NewVbmetaImage, inst.VbmetaImage))
	ab("vbmeta_system", inst.VbmetaSystemImage)
	if img := firstExisting(inst.NewVbmetaVendorDlkmImage, inst.VbmetaVendorDlkmImage); img != "" {
		ab("vbmeta_vendor_dlkm", img)
	}
	if img := firstExisting(inst.NewVbmetaSystemDlkmImage, inst.VbmetaSystemDlkmImage); img != "" {
		ab("vbmeta_system_dlkm", img)
	}
	add("super", existingOr(inst.NewSuperImage, inst.SuperImage))
	add("userdata", existingOr(inst.NewDataImage, inst.DataImage))
	add("metadata", inst.NewMetadataImage)
	return parts
}

func firstExisting(paths ...string) string {
	for _, p := range paths {
		if fileExists(p) {
			return p
		}
	}
	return ""
}

// existingOr returns generated if it exists, else the input image.
func existingOr(generated, input string) string {
	if fileExists(generated) {
		return generated
	}
	return input
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil || !errors.Is(err, fs.ErrNotExist)
}

func fileHasContent(path string) bool {
	if path == "" {
		return false
	}
	st, err := os.Stat(path)
	return err == nil && st.Mode().IsRegular() && st.Size() > 0
}
