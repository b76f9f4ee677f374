// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package disk

import (
	"fmt"
	"os"
	"strings"

	"github.com/forkbombeu/cvdassemble/internal/config"
	"github.com/forkbombeu/cvdassemble/internal/cvd"
)

const (
	ubootEnvPartitionSize = 1 << 20
	frpSizeMb             = 1
	bootconfigFooterRoom  = 64 << 10
)

// BootconfigArgs are the androidboot.* values owned by the host, written to
// the persistent bootconfig partition.
func BootconfigArgs(inst *config.Instance) []string {
	args := []string{
		"androidboot.serialno=" + inst.SerialNumber,
		"androidboot.hardware=cutf_cvm",
	}
	if inst.SetupwizardMode != "" {
		args = append(args, "androidboot.setupwizard_mode="+inst.SetupwizardMode)
	}
	if len(inst.DisplayConfigs) > 0 && inst.DisplayConfigs[0].Dpi > 0 {
		args = append(args, fmt.Sprintf("androidboot.lcd_density=%d", inst.DisplayConfigs[0].Dpi))
	}
	if !inst.GuestEnforceSecurity {
		args = append(args, "androidboot.selinux=permissive")
	}
	return append(args, inst.ExtraBootconfigArgs...)
}

// UbootEnv is the u-boot environment text of inst. Without bootconfig
// support the host bootconfig values travel on the kernel command line.
func UbootEnv(doc *config.Document, inst *config.Instance) string {
	kernelArgs := append([]string{}, doc.ExtraKernelCmdline...)
	if !inst.BootconfigSupported {
		kernelArgs = append(kernelArgs, BootconfigArgs(inst)...)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "uenvcmd=setenv bootargs \"$cbootargs %s\" && run bootcmd_android\n", strings.Join(kernelArgs, " "))
	if inst.PauseInBootloader {
		b.WriteString("bootdelay=-1\n")
	} else {
		b.WriteString("bootdelay=0\n")
	}
	return b.String()
}

// writeIfChanged writes data to a temporary file next to path and swaps it
// in only when the content differs.
func writeIfChanged(env cvd.Env, path string, data []byte, build func(tmp string) error) error {
	tmp := path + tmpExtension
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return cvd.Wrap(cvd.IOFailed, err, "write %s", tmp)
	}
	if build != nil {
		if err := build(tmp); err != nil {
			return err
		}
	}
	return replaceIfChanged(env, tmp, path)
}

// InitializeUbootEnv builds the signed bootloader environment partition.
func InitializeUbootEnv(env cvd.Env, doc *config.Document, inst *config.Instance) error {
	txt := inst.PerInstanceInternalPath("uboot_env.txt")
	if err := os.WriteFile(txt, []byte(UbootEnv(doc, inst)), 0o644); err != nil {
		return cvd.Wrap(cvd.IOFailed, err, "write %s", txt)
	}
	out := inst.PerInstancePath(UbootEnvName)
	tmp := out + tmpExtension
	if err := cvd.Run(env, env.HostBinary("mkenvimage_slim"), "-output_path", tmp, "-input_path", txt); err != nil {
		return cvd.Wrap(cvd.IOFailed, err, "Unable to run mkenvimage_slim")
	}
	if err := addHashFooter(env, tmp, ubootEnvPartitionSize, "uboot_env"); err != nil {
		return cvd.Wrap(cvd.IOFailed, err, "Unable to run avbtool")
	}
	return replaceIfChanged(env, tmp, out)
}

// InitializePersistentBootconfig writes the host bootconfig partition, or
// removes a stale one when the guest has no bootconfig support.
func InitializePersistentBootconfig(env cvd.Env, inst *config.Instance) error {
	out := inst.PerInstancePath(PersistentBootconfig)
	if !inst.BootconfigSupported {
		if err := os.Remove(out); err != nil && !os.IsNotExist(err) {
			return cvd.Wrap(cvd.IOFailed, err, "remove %s", out)
		}
		return nil
	}
	data := []byte(strings.Join(BootconfigArgs(inst), "\n") + "\n")
	size := int64(AlignToPartitionSize(uint64(len(data)))) + bootconfigFooterRoom
	return writeIfChanged(env, out, data, func(tmp string) error {
		if err := addHashFooter(env, tmp, size, "bootconfig"); err != nil {
			return cvd.Wrap(cvd.IOFailed, err, "Unable to run avbtool")
		}
		return nil
	})
}

// InitializePersistentVbmeta signs the persistent partitions.
func InitializePersistentVbmeta(env cvd.Env, inst *config.Instance) error {
	images := []string{inst.PerInstancePath(UbootEnvName)}
	if inst.BootconfigSupported {
		images = append(images, inst.PerInstancePath(PersistentBootconfig))
	}
	out := inst.PerInstancePath(PersistentVbmetaName)
	tmp := out + tmpExtension
	if err := RebuildVbmeta(env, tmp, images...); err != nil {
		return err
	}
	return replaceIfChanged(env, tmp, out)
}

// InitializeFactoryResetProtected creates the frp partition once; it
// survives powerwash.
func InitializeFactoryResetProtected(env cvd.Env, inst *config.Instance) error {
	return ensureBlankImage(env, inst.PerInstancePath(FrpName), frpSizeMb, FormatNone)
}

// BuildPersistentDisk initializes every persistent partition and the
// read-write composite disk holding them. It has no overlay: its writes
// must survive powerwash.
func BuildPersistentDisk(env cvd.Env, doc *config.Document, inst *config.Instance, opts Options) error {
	steps := []func() error{
		func() error { return InitializeUbootEnv(env, doc, inst) },
		func() error { return InitializeFactoryResetProtected(env, inst) },
		func() error { return InitializePersistentBootconfig(env, inst) },
		func() error { return InitializePersistentVbmeta(env, inst) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	_, err := PersistentCompositeBuilder(doc, inst, opts).BuildIfNecessary(env)
	return err
}
