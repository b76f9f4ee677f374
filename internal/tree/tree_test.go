// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package tree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/forkbombeu/cvdassemble/internal/config"
	"github.com/forkbombeu/cvdassemble/internal/cvd"
)

func testEnv(t *testing.T) cvd.Env {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv(ConfigEnvVar, "")
	return cvd.Env{
		Home:    home,
		TempDir: t.TempDir(),
		UID:     os.Getuid(),
		GID:     os.Getgid(),
		Context: context.Background(),
	}
}

// testDoc lays out a document the way the synthesizer does, with n instances
// under root.
func testDoc(env cvd.Env, root string, n int) *config.Document {
	doc := &config.Document{
		RootDir:            root,
		AssemblyDir:        filepath.Join(root, "assembly"),
		InstancesDir:       filepath.Join(root, "instances"),
		InstancesUdsDir:    filepath.Join(env.TempDir, "cf_avd_1000"),
		EnvironmentsDir:    filepath.Join(root, "environments"),
		EnvironmentsUdsDir: filepath.Join(env.TempDir, "cf_env_1000"),
		VmManager:          config.VmmCrosvm,
		Instances:          map[string]*config.Instance{},
		Environments:       map[string]*config.Environment{},
	}
	e := &config.Environment{
		Name:              "env-1",
		EnvironmentDir:    filepath.Join(doc.EnvironmentsDir, "env-1"),
		EnvironmentUdsDir: filepath.Join(doc.EnvironmentsUdsDir, "env-1"),
	}
	e.LogsDir = filepath.Join(e.EnvironmentDir, "logs")
	e.GrpcSocketDir = filepath.Join(e.EnvironmentUdsDir, "grpc_socket")
	doc.Environments[e.Name] = e
	for id := 1; id <= n; id++ {
		name := fmt.Sprintf("cvd-%d", id)
		inst := &config.Instance{
			ID:              id,
			Name:            name,
			EnvironmentName: e.Name,
			InstanceDir:     filepath.Join(doc.InstancesDir, name),
			InstanceUdsDir:  filepath.Join(doc.InstancesUdsDir, name),
			VsockGuestCid:   id + 2,
			VsockTmpDir:     filepath.Join(env.TempDir, fmt.Sprintf("vsock_%d_1000", id+2)),
		}
		inst.InstanceInternalDir = filepath.Join(inst.InstanceDir, "internal")
		inst.LogsDir = filepath.Join(inst.InstanceDir, "logs")
		inst.InstanceInternalUdsDir = filepath.Join(inst.InstanceUdsDir, "internal")
		inst.GrpcSocketPath = filepath.Join(inst.InstanceUdsDir, "grpc_socket")
		doc.Instances[strconv.Itoa(id)] = inst
		doc.InstanceNames = append(doc.InstanceNames, name)
	}
	return doc
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func writeScript(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
}

func noGroup(t *testing.T) {
	t.Helper()
	prev := lookupGroup
	lookupGroup = func(string) (*user.Group, error) { return nil, user.UnknownGroupError(cvdNetworkGroup) }
	t.Cleanup(func() { lookupGroup = prev })
}

func TestPreservingWithSnapshot(t *testing.T) {
	env := testEnv(t)
	set, err := Preserving(env, PreservationInput{ModemSimulatorCount: 2, Resume: true, SnapshotPath: "/s"})
	if err != nil {
		t.Fatalf("Preserving: %v", err)
	}
	for _, name := range []string{"overlay.img", "userdata.img", "kernel.log", "launcher.log", "logcat", "iccprofile_for_sim0.xml", "iccprofile_for_sim1.xml", MiscImageName, MetadataImageName} {
		if !set.Has(name) {
			t.Fatalf("%s missing from %v", name, set)
		}
	}
	if set.Has("iccprofile_for_sim2.xml") {
		t.Fatalf("only two sims requested: %v", set)
	}
}

func TestPreservingWithoutResume(t *testing.T) {
	env := testEnv(t)
	set, err := Preserving(env, PreservationInput{ModemSimulatorCount: 1})
	if err != nil || len(set) != 0 {
		t.Fatalf("fresh run preserves %v (%v)", set, err)
	}
	set, _ = Preserving(env, PreservationInput{Sandbox: true})
	if len(set) != 1 || !set.Has(LauncherLog) {
		t.Fatalf("sandbox preserves %v", set)
	}
}

func TestPreservingResumeRebuildsOsDisk(t *testing.T) {
	env := testEnv(t)
	set, err := Preserving(env, PreservationInput{CreatingOsDisk: true, Resume: true})
	if err != nil || len(set) != 0 {
		t.Fatalf("rebuilt OS disk preserves %v (%v)", set, err)
	}
	set, _ = Preserving(env, PreservationInput{CreatingOsDisk: true, Resume: true, Sandbox: true})
	if len(set) != 1 || !set.Has(LauncherLog) {
		t.Fatalf("sandbox preserves %v", set)
	}
	set, _ = Preserving(env, PreservationInput{Resume: true})
	if !set.Has("overlay.img") || set.Has("userdata.img") || set.Has("kernel.log") {
		t.Fatalf("plain resume preserves %v", set)
	}

	_, err = Preserving(env, PreservationInput{CreatingOsDisk: true, Resume: true, SnapshotPath: "/s"})
	if !errors.Is(err, ErrSnapshotNeedsNoOsDisk) || cvd.KindOf(err) != cvd.SnapshotIncompatible {
		t.Fatalf("expected ErrSnapshotNeedsNoOsDisk, got %v", err)
	}
}

func TestPurgeKeepsPreservedNames(t *testing.T) {
	env := testEnv(t)
	env.Sandbox = true
	root := t.TempDir()
	inst := filepath.Join(root, "instances", "cvd-1")
	writeFile(t, filepath.Join(inst, "overlay.img"), "o")
	writeFile(t, filepath.Join(inst, "kernel.log"), "k")
	writeFile(t, filepath.Join(inst, "recording", "r.bin"), "r")
	writeFile(t, filepath.Join(inst, "internal", "sock"), "s")
	if err := os.Symlink(t.TempDir(), filepath.Join(inst, "link")); err != nil {
		t.Fatal(err)
	}
	outside := t.TempDir()
	writeFile(t, filepath.Join(outside, "keep-me"), "x")
	if err := os.Symlink(outside, filepath.Join(inst, "outside")); err != nil {
		t.Fatal(err)
	}

	keep := PreservationSet{}
	keep.add("overlay.img", "recording")
	if err := Purge(env, []string{root, filepath.Join(root, "missing")}, keep); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	for _, kept := range []string{"overlay.img", "recording/r.bin"} {
		if _, err := os.Stat(filepath.Join(inst, kept)); err != nil {
			t.Fatalf("%s was removed: %v", kept, err)
		}
	}
	for _, gone := range []string{"kernel.log", "internal", "link", "outside"} {
		if _, err := os.Lstat(filepath.Join(inst, gone)); !os.IsNotExist(err) {
			t.Fatalf("%s survived the purge (%v)", gone, err)
		}
	}
	if _, err := os.Stat(filepath.Join(outside, "keep-me")); err != nil {
		t.Fatalf("purge followed a nested symlink: %v", err)
	}
}

func TestPurgeFollowsTopLevelSymlink(t *testing.T) {
	env := testEnv(t)
	env.Sandbox = true
	real := t.TempDir()
	writeFile(t, filepath.Join(real, "old.img"), "x")
	link := filepath.Join(t.TempDir(), "root")
	if err := os.Symlink(real, link); err != nil {
		t.Fatal(err)
	}
	if err := Purge(env, []string{link}, PreservationSet{}); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if _, err := os.Stat(filepath.Join(real, "old.img")); !os.IsNotExist(err) {
		t.Fatalf("top-level symlink not followed: %v", err)
	}
}

func TestPurgeRefusesFilesInUse(t *testing.T) {
	env := testEnv(t)
	bin := t.TempDir()
	writeScript(t, bin, "lsof", "echo 4242\necho 17\nexit 0")
	t.Setenv("PATH", bin)

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "instances", "cvd-1", "overlay.img"), "o")
	err := Purge(env, []string{root}, PreservationSet{})
	if cvd.KindOf(err) != cvd.FilesInUse {
		t.Fatalf("expected FILES_IN_USE, got %v", err)
	}
	if want := "17,4242"; !strings.Contains(err.Error(), want) {
		t.Fatalf("pids %s missing from %v", want, err)
	}
	if _, err := os.Stat(filepath.Join(root, "instances", "cvd-1", "overlay.img")); err != nil {
		t.Fatalf("files removed despite the probe: %v", err)
	}
}

func TestPurgeNothingOpen(t *testing.T) {
	env := testEnv(t)
	bin := t.TempDir()
	writeScript(t, bin, "lsof", "exit 1")
	t.Setenv("PATH", bin)

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.img"), "a")
	if err := Purge(env, []string{root}, PreservationSet{}); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "a.img")); !os.IsNotExist(err) {
		t.Fatalf("a.img survived: %v", err)
	}
}

func TestProcScanFallback(t *testing.T) {
	proc := t.TempDir()
	prev := procRoot
	procRoot = proc
	t.Cleanup(func() { procRoot = prev })

	target := filepath.Join(t.TempDir(), "overlay.img")
	writeFile(t, target, "o")
	fdDir := filepath.Join(proc, "99", "fd")
	if err := os.MkdirAll(fdDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(target, filepath.Join(fdDir, "3")); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("/dev/null", filepath.Join(fdDir, "4")); err != nil {
		t.Fatal(err)
	}
	pids, err := procPids([]string{target})
	if err != nil || len(pids) != 1 || pids[0] != 99 {
		t.Fatalf("procPids = %v, %v", pids, err)
	}
}
