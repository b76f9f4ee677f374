// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package tree

import (
	"errors"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sys/unix"

	"github.com/forkbombeu/cvdassemble/internal/config"
	"github.com/forkbombeu/cvdassemble/internal/cvd"
)

const (
	defaultDirMode os.FileMode = 0o755
	// Shared with the cvdnetwork group so network daemons can reach sockets.
	groupDirMode os.FileMode = 0o775

	cvdNetworkGroup = "cvdnetwork"
)

// InstanceLogFiles are linked from each instance dir into its logs dir.
var InstanceLogFiles = []string{
	"kernel.log",
	LauncherLog,
	"logcat",
	"metrics.log",
	"modem_simulator.log",
	"crosvm_openwrt.log",
	"crosvm_openwrt_boot.log",
}

// Layout carries the user-facing directory flags, which the legacy links
// are named after.
type Layout struct {
	InstanceDir          string
	InstanceDirIsDefault bool
	AssemblyDir          string
}

// lookupGroup is swapped in tests.
var lookupGroup = user.LookupGroup

// Materialize creates the runtime tree described by doc.
func Materialize(env cvd.Env, doc *config.Document, layout Layout, log *LogFile) error {
	_, span := cvd.StartSpan(env, "tree.Materialize", attribute.String("root_dir", doc.RootDir))
	defer span.End()
	if err := materialize(env, doc, layout, log); err != nil {
		cvd.RecordSpanError(span, err)
		return err
	}
	return nil
}

func materialize(env cvd.Env, doc *config.Document, layout Layout, log *LogFile) error {
	gid := networkGid(env)

	for _, dir := range []string{doc.RootDir, doc.AssemblyDir, doc.InstancesDir} {
		if err := ensureDir(dir, defaultDirMode, -1); err != nil {
			return err
		}
	}
	for _, dir := range []string{doc.InstancesUdsDir, doc.EnvironmentsDir, doc.EnvironmentsUdsDir} {
		if err := ensureDir(dir, groupDirMode, gid); err != nil {
			return err
		}
	}
	for _, e := range doc.Environments {
		for _, dir := range []string{e.EnvironmentDir, e.EnvironmentUdsDir, e.LogsDir, e.GrpcSocketDir} {
			if err := ensureDir(dir, groupDirMode, gid); err != nil {
				return err
			}
		}
	}

	if log != nil {
		path := doc.AssemblyPath(AssembleLogName)
		if err := log.Link(path); err != nil {
			cvd.LogWarn(env, "unable to persist the assemble log", "path", path, "error", err.Error())
		}
	}

	for _, inst := range doc.OrderedInstances() {
		for _, dir := range []string{inst.InstanceDir, inst.InstanceInternalDir, inst.SharedDir(), inst.RecordingDir(), inst.LogsDir} {
			if err := ensureDir(dir, defaultDirMode, -1); err != nil {
				return err
			}
		}
		for _, dir := range []string{inst.InstanceUdsDir, inst.InstanceInternalUdsDir, inst.GrpcSocketPath} {
			if err := ensureDir(dir, groupDirMode, gid); err != nil {
				return err
			}
		}
		if inst.VsockTmpDir != "" {
			if err := resetDir(inst.VsockTmpDir, gid); err != nil {
				return err
			}
		}
		if err := legacyInstanceLinks(env, doc, inst, layout); err != nil {
			return err
		}
	}

	if env.Sandbox {
		return nil
	}
	if layout.AssemblyDir != "" && filepath.Clean(layout.AssemblyDir) != doc.AssemblyDir {
		if err := replaceWithSymlink(doc.AssemblyDir, layout.AssemblyDir); err != nil {
			return err
		}
	}
	if first := doc.OrderedInstances(); len(first) > 0 && layout.InstanceDir != "" {
		if err := replaceWithSymlink(first[0].InstanceDir, layout.InstanceDir+"_runtime"); err != nil {
			return err
		}
	}
	return nil
}

func legacyInstanceLinks(env cvd.Env, doc *config.Document, inst *config.Instance, layout Layout) error {
	for _, name := range InstanceLogFiles {
		if err := forceSymlink(filepath.Join("logs", name), inst.PerInstancePath(name)); err != nil {
			return err
		}
	}

	if !env.Sandbox && layout.InstanceDir != "" {
		legacy := layout.InstanceDir
		if layout.InstanceDirIsDefault {
			legacy += "_runtime"
		}
		legacy += "." + strconv.Itoa(inst.ID)
		if err := replaceWithSymlink(inst.InstanceDir, legacy); err != nil {
			return err
		}
	}

	if e := doc.Environment(inst); e != nil {
		if err := forceSymlink(e.PerEnvironmentUdsPath("vhost_user_mac80211"), inst.PerInstanceInternalUdsPath("vhost_user_mac80211")); err != nil {
			return err
		}
	}
	return nil
}

// networkGid resolves the cvdnetwork group, falling back to the process's
// primary group.
func networkGid(env cvd.Env) int {
	g, err := lookupGroup(cvdNetworkGroup)
	if err != nil {
		cvd.LogDebug(env, "group not found, using the primary group", "group", cvdNetworkGroup, "gid", env.GID)
		return env.GID
	}
	gid, err := strconv.Atoi(g.Gid)
	if err != nil {
		return env.GID
	}
	return gid
}

// ensureDir creates dir if needed and sets its mode, and its group when
// gid >= 0. The mode is applied explicitly so the umask does not narrow it.
func ensureDir(dir string, mode os.FileMode, gid int) error {
	if err := os.MkdirAll(dir, mode); err != nil {
		return cvd.Wrap(cvd.IOFailed, err, "create %s", dir)
	}
	if err := os.Chmod(dir, mode); err != nil {
		return cvd.Wrap(cvd.IOFailed, err, "chmod %s", dir)
	}
	if gid >= 0 {
		if err := unix.Chown(dir, -1, gid); err != nil {
			return cvd.Wrap(cvd.IOFailed, err, "chgrp %s to %d", dir, gid)
		}
	}
	return nil
}

// resetDir empties dir and recreates it with the group mode.
func resetDir(dir string, gid int) error {
	entries, err := os.ReadDir(dir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cvd.Wrap(cvd.IOFailed, err, "read %s", dir)
	}
	if len(entries) > 0 {
		if err := os.RemoveAll(dir); err != nil {
			return cvd.Wrap(cvd.IOFailed, err, "remove %s", dir)
		}
	}
	return ensureDir(dir, groupDirMode, gid)
}

// forceSymlink makes link a symlink to target, unlinking any previous file.
func forceSymlink(target, link string) error {
	if err := os.Remove(link); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cvd.Wrap(cvd.IOFailed, err, "remove %s", link)
	}
	if err := os.Symlink(target, link); err != nil {
		return cvd.Wrap(cvd.IOFailed, err, "symlink(%q, %q)", target, link)
	}
	return nil
}

// replaceWithSymlink is forceSymlink for links that may have been real
// directories in older layouts.
func replaceWithSymlink(target, link string) error {
	fi, err := os.Lstat(link)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return cvd.Wrap(cvd.IOFailed, err, "stat %s", link)
	case fi.IsDir():
		if err := os.RemoveAll(link); err != nil {
			return cvd.Wrap(cvd.IOFailed, err, "remove directory %s", link)
		}
	default:
		if err := os.Remove(link); err != nil {
			return cvd.Wrap(cvd.IOFailed, err, "remove %s", link)
		}
	}
	if err := os.Symlink(target, link); err != nil {
		return cvd.Wrap(cvd.IOFailed, err, "symlink(%q, %q)", target, link)
	}
	return nil
}
