// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package config

import (
	"path/filepath"
	"strconv"
	"strings"

	"github.com/forkbombeu/cvdassemble/internal/cvd"
	"github.com/forkbombeu/cvdassemble/internal/flags"
)

// SnapshotConfigPath is where a snapshot keeps the document it was taken with.
func SnapshotConfigPath(snapshotDir string) string {
	return filepath.Join(snapshotDir, "assembly", ConfigFileName)
}

// LoadSnapshotDocument returns the stored document of a snapshot, unchanged
// except for snapshot_path.
func LoadSnapshotDocument(env cvd.Env, snapshotDir string) (*Document, error) {
	abs, err := filepath.Abs(snapshotDir)
	if err != nil {
		return nil, cvd.Wrap(cvd.InvalidOptions, err, "--snapshot_path")
	}
	doc, err := LoadDocument(SnapshotConfigPath(abs))
	if err != nil {
		return nil, err
	}
	doc.SnapshotPath = abs
	cvd.LogEvent(env, "loaded snapshot config", "snapshot_path", abs, "instances", len(doc.Instances))
	return doc, nil
}

// VerifySnapshotRestoreFlags rejects restore requests the runtime tree could
// not honour: the stored document fixes the directories.
func VerifySnapshotRestoreFlags(rec *flags.Record) error {
	if rec.Str(flags.SnapshotPath, 0) == "" {
		return nil
	}
	if !rec.Bool(flags.Resume, 0) {
		return cvd.Errorf(cvd.InvalidOptions, "--resume must be true when restoring a snapshot")
	}
	for _, name := range []string{flags.InstanceDir, flags.AssemblyDir} {
		if rec.IsSet(name) {
			return cvd.Errorf(cvd.InvalidOptions, "--%s cannot be set when restoring a snapshot", name)
		}
	}
	return nil
}

// CheckSnapshotCompatible gates --snapshot_compatible. It applies only to a
// single crosvm instance.
func CheckSnapshotCompatible(doc *Document, snapshotCompatible bool) error {
	insts := doc.OrderedInstances()
	if !snapshotCompatible || doc.VmManager != VmmCrosvm || len(insts) != 1 {
		return nil
	}
	var problems, ids []string
	for _, inst := range insts {
		bad := false
		if inst.EnableVirtiofs {
			problems = append(problems, "--enable_virtiofs should be false for snapshot")
			bad = true
		}
		if inst.EnableUsb {
			problems = append(problems, "--enable_usb should be false for snapshot")
			bad = true
		}
		if inst.GpuMode != "guest_swiftshader" {
			problems = append(problems, "Only 2D guest_swiftshader is supported for snapshot")
			bad = true
		}
		if bad {
			ids = append(ids, strconv.Itoa(inst.ID))
		}
	}
	if len(problems) == 0 {
		return nil
	}
	return cvd.Errorf(cvd.SnapshotIncompatible, "instances [%s]: %s", strings.Join(ids, ","), strings.Join(problems, "; "))
}
