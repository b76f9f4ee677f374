// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

// Package tree owns the runtime directory tree: what survives a re-assembly,
// the purge of prior state, directory and symlink creation, snapshot
// restore and the final publication of the configuration document.
package tree

import (
	"fmt"

	"github.com/forkbombeu/cvdassemble/internal/cvd"
)

// Names of the images whose reuse the disk builder decides on. They are
// preserved across --resume like every other persistent image.
const (
	MiscImageName                  = "misc.img"
	MetadataImageName              = "metadata.img"
	FactoryResetProtectedImageName = "factory_reset_protected.img"
	LauncherLog                    = "launcher.log"
)

// ErrSnapshotNeedsNoOsDisk is returned when a snapshot restore would need
// the OS disk rebuilt; the snapshot overlays would no longer match.
var ErrSnapshotNeedsNoOsDisk = cvd.Errorf(cvd.SnapshotIncompatible, "Restoring from snapshot requires not creating OS disks")

var resumableFiles = []string{
	"overlay.img",
	"ap_composite.img",
	"ap_composite_disk_config.txt",
	"ap_composite_gpt_footer.img",
	"ap_composite_gpt_header.img",
	"ap_overlay.img",
	"os_composite_disk_config.txt",
	"os_composite_gpt_header.img",
	"os_composite_gpt_footer.img",
	"os_composite.img",
	"os_vbmeta.img",
	"sdcard.img",
	"sdcard_overlay.img",
	"boot_repacked.img",
	"vendor_dlkm_repacked.img",
	"vendor_boot_repacked.img",
	"access-kregistry",
	"hwcomposer-pmem",
	"NVChip",
	"gatekeeper_secure",
	"gatekeeper_insecure",
	"keymint_secure_deletion_data",
	"modem_nvram.json",
	"recording",
	"persistent_composite_disk_config.txt",
	"persistent_composite_gpt_header.img",
	"persistent_composite_gpt_footer.img",
	"persistent_composite.img",
	"persistent_composite_overlay.img",
	"pflash.img",
	"uboot_env.img",
	FactoryResetProtectedImageName,
	MiscImageName,
	"vmmtruststore.img",
	MetadataImageName,
	"persistent_vbmeta.img",
	"oemlock_secure",
	"oemlock_insecure",
}

// Log files and the data image survive only a snapshot restore.
var snapshotFiles = []string{
	"kernel.log",
	LauncherLog,
	"logcat",
	"modem_simulator.log",
	"crosvm_openwrt.log",
	"crosvm_openwrt_boot.log",
	"metrics.log",
	"userdata.img",
}

// PreservationSet holds base names, never paths.
type PreservationSet map[string]struct{}

func (p PreservationSet) Has(name string) bool {
	_, ok := p[name]
	return ok
}

func (p PreservationSet) add(names ...string) {
	for _, n := range names {
		p[n] = struct{}{}
	}
}

// PreservationInput mirrors what the planner is allowed to look at.
type PreservationInput struct {
	CreatingOsDisk      bool
	ModemSimulatorCount int
	Resume              bool
	SnapshotPath        string
	Sandbox             bool
}

// Preserving computes the set of file names to keep while purging the
// previous run.
func Preserving(env cvd.Env, in PreservationInput) (PreservationSet, error) {
	set := PreservationSet{}
	if in.Sandbox {
		set.add(LauncherLog)
	}
	snapshot := in.SnapshotPath != ""
	if !in.Resume && !snapshot {
		return set, nil
	}
	if in.CreatingOsDisk {
		if snapshot {
			return nil, ErrSnapshotNeedsNoOsDisk
		}
		cvd.LogEvent(env, "not reusing disks: requested --resume but the OS disk must be rebuilt; overlays would be invalid")
		return set, nil
	}
	set.add(resumableFiles...)
	if snapshot {
		set.add(snapshotFiles...)
	}
	for i := 0; i < in.ModemSimulatorCount; i++ {
		set.add(fmt.Sprintf("iccprofile_for_sim%d.xml", i))
	}
	return set, nil
}
