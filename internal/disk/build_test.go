// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package disk

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/forkbombeu/cvdassemble/internal/config"
	"github.com/forkbombeu/cvdassemble/internal/cvd"
	"github.com/forkbombeu/cvdassemble/internal/guest"
)

func TestBuildCrosvmDisks(t *testing.T) {
	env := testEnv(t)
	installStubs(t, env)
	doc, inst := testDoc(t, env)

	if err := Build(env, doc, []guest.FetcherConfig{{}}, Options{UseOverlay: true}); err != nil {
		t.Fatalf("Build: %v", err)
	}

	composite, err := os.ReadFile(inst.PerInstancePath(OsCompositeName))
	if err != nil {
		t.Fatalf("read os composite: %v", err)
	}
	if !bytes.HasPrefix(composite, []byte(compositeDiskMagic)) {
		t.Fatalf("os composite lacks the composite magic")
	}
	for _, name := range []string{OverlayName, PersistentCompositeName, UbootEnvName, PersistentVbmetaName,
		PersistentBootconfig, FrpName, AccessKregistryName, HwcomposerPmemName, PstoreName, "misc.img", "metadata.img"} {
		if _, err := os.Stat(inst.PerInstancePath(name)); err != nil {
			t.Fatalf("expected %s: %v", name, err)
		}
	}
	if got := mustSize(t, inst.VbmetaImage); got != VbmetaMaxSize {
		t.Fatalf("vbmeta size = %d, want %d", got, VbmetaMaxSize)
	}
	if got := mustSize(t, inst.PerInstancePath(PersistentVbmetaName)); got != VbmetaMaxSize {
		t.Fatalf("persistent vbmeta size = %d, want %d", got, VbmetaMaxSize)
	}
	if got := mustSize(t, inst.PerInstancePath(UbootEnvName)); got != ubootEnvPartitionSize {
		t.Fatalf("uboot_env size = %d", got)
	}
	if got := mustSize(t, inst.PerInstancePath("metadata.img")); got != 1<<20 {
		t.Fatalf("metadata size = %d", got)
	}
	if _, err := os.Stat(inst.SdcardPath); !os.IsNotExist(err) {
		t.Fatalf("sdcard created without use_sdcard: %v", err)
	}
	uenv, err := os.ReadFile(inst.PerInstanceInternalPath("uboot_env.txt"))
	if err != nil {
		t.Fatalf("read uboot env: %v", err)
	}
	if !strings.Contains(string(uenv), "bootdelay=0") {
		t.Fatalf("unexpected uboot env %q", uenv)
	}
}

func TestBuildWithoutOverlayWritesReadWriteComposite(t *testing.T) {
	env := testEnv(t)
	installStubs(t, env)
	doc, inst := testDoc(t, env)

	if err := Build(env, doc, nil, Options{}); err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, err := os.Stat(inst.PerInstancePath(OverlayName)); !os.IsNotExist(err) {
		t.Fatalf("overlay created without use_overlay: %v", err)
	}
	size, err := ExpandedStorageSize(inst.PerInstancePath(OsCompositeName))
	if err != nil {
		t.Fatalf("composite size: %v", err)
	}
	if size%(1<<diskSizeShift) != 0 {
		t.Fatalf("composite size %d not aligned to %d", size, 1<<diskSizeShift)
	}
}

func TestBuildResumeKeepsUnchangedComposite(t *testing.T) {
	env := testEnv(t)
	installStubs(t, env)
	doc, inst := testDoc(t, env)
	opts := Options{UseOverlay: true, Resume: true}

	if err := Build(env, doc, nil, opts); err != nil {
		t.Fatalf("first Build: %v", err)
	}
	osComposite := inst.PerInstancePath(OsCompositeName)
	persistent := inst.PerInstancePath(PersistentCompositeName)
	before := map[string]time.Time{}
	for _, p := range []string{osComposite, persistent, inst.PerInstancePath(UbootEnvName)} {
		st, err := os.Stat(p)
		if err != nil {
			t.Fatalf("stat %s: %v", p, err)
		}
		before[p] = st.ModTime()
	}

	if err := Build(env, doc, nil, opts); err != nil {
		t.Fatalf("second Build: %v", err)
	}
	for p, mtime := range before {
		st, err := os.Stat(p)
		if err != nil {
			t.Fatalf("stat %s: %v", p, err)
		}
		if !st.ModTime().Equal(mtime) {
			t.Fatalf("%s rewritten on an unchanged resume", filepath.Base(p))
		}
	}
}

func TestBuildNewerSuperForcesOsRebuild(t *testing.T) {
	env := testEnv(t)
	installStubs(t, env)
	doc, inst := testDoc(t, env)
	opts := Options{UseOverlay: true, Resume: true}

	if err := Build(env, doc, nil, opts); err != nil {
		t.Fatalf("first Build: %v", err)
	}
	pstore := inst.PerInstancePath(PstoreName)
	if err := os.WriteFile(pstore, bytes.Repeat([]byte{0xaa}, 2<<20), 0o644); err != nil {
		t.Fatalf("dirty pstore: %v", err)
	}
	osComposite := inst.PerInstancePath(OsCompositeName)
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(osComposite, past, past); err != nil {
		t.Fatalf("age composite: %v", err)
	}
	newer := past.Add(30 * time.Minute)
	if err := os.Chtimes(inst.SuperImage, newer, newer); err != nil {
		t.Fatalf("touch super: %v", err)
	}

	plan, err := Plan(env, doc, opts)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if !plan.CreatingOsDisk {
		t.Fatalf("expected a pending OS disk rebuild")
	}
	if err := Build(env, doc, nil, opts); err != nil {
		t.Fatalf("second Build: %v", err)
	}
	st, err := os.Stat(osComposite)
	if err != nil {
		t.Fatalf("stat composite: %v", err)
	}
	if !st.ModTime().After(newer) {
		t.Fatalf("os composite not rebuilt")
	}
	data, err := os.ReadFile(pstore)
	if err != nil {
		t.Fatalf("read pstore: %v", err)
	}
	if bytes.IndexByte(data, 0xaa) >= 0 {
		t.Fatalf("pstore not reset after the OS disk rebuild")
	}
}

func TestBuildMissingBootloader(t *testing.T) {
	env := testEnv(t)
	installStubs(t, env)
	doc, inst := testDoc(t, env)
	inst.Bootloader = filepath.Join(doc.RootDir, "missing-bootloader")

	err := Build(env, doc, nil, Options{})
	if err == nil {
		t.Fatal("expected missing bootloader error")
	}
	if !strings.Contains(err.Error(), "File not found") {
		t.Fatalf("unexpected error: %v", err)
	}
	if cvd.KindOf(err) != cvd.IOFailed {
		t.Fatalf("unexpected kind %q", cvd.KindOf(err))
	}
}

func TestBuildMissingVirtualDisk(t *testing.T) {
	env := testEnv(t)
	installStubs(t, env)
	doc, inst := testDoc(t, env)
	missing := filepath.Join(doc.RootDir, "extra.img")
	inst.VirtualDiskPaths = []string{inst.PerInstancePath(OsCompositeName), missing}

	err := Build(env, doc, nil, Options{})
	if err == nil || !strings.Contains(err.Error(), missing) {
		t.Fatalf("expected missing virtual disk error, got %v", err)
	}
}

func TestBuildBootconfigUnsupportedDropsPartition(t *testing.T) {
	env := testEnv(t)
	installStubs(t, env)
	doc, inst := testDoc(t, env)

	if err := Build(env, doc, nil, Options{}); err != nil {
		t.Fatalf("Build: %v", err)
	}
	inst.BootconfigSupported = false
	if err := Build(env, doc, nil, Options{}); err != nil {
		t.Fatalf("Build without bootconfig: %v", err)
	}
	if _, err := os.Stat(inst.PerInstancePath(PersistentBootconfig)); !os.IsNotExist(err) {
		t.Fatalf("stale persistent bootconfig kept: %v", err)
	}
	uenv, err := os.ReadFile(inst.PerInstanceInternalPath("uboot_env.txt"))
	if err != nil {
		t.Fatalf("read uboot env: %v", err)
	}
	if !strings.Contains(string(uenv), "androidboot.serialno=CUTTLEFISHCVD01") {
		t.Fatalf("bootconfig args missing from the kernel command line: %q", uenv)
	}
}

func TestBuildGem5WritesInitrd(t *testing.T) {
	env := testEnv(t)
	installStubs(t, env)
	doc, inst := testDoc(t, env)
	doc.VmManager = config.VmmGem5
	writeSized(t, doc.AssemblyPath("ramdisk"), 512)
	writeSized(t, doc.AssemblyPath("vendor_ramdisk00"), 512)

	if err := Build(env, doc, nil, Options{}); err != nil {
		t.Fatalf("Build: %v", err)
	}
	initrd, err := os.ReadFile(inst.PerInstancePath(gem5InitrdName))
	if err != nil {
		t.Fatalf("read initrd: %v", err)
	}
	if !bytes.HasSuffix(initrd, []byte(bootconfigTrailer)) {
		t.Fatalf("initrd lacks the bootconfig trailer")
	}
	if !bytes.Contains(initrd, []byte("androidboot.serialno=CUTTLEFISHCVD01")) {
		t.Fatalf("initrd lacks the host bootconfig")
	}
}
