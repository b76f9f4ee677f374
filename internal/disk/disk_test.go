// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package disk

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/forkbombeu/cvdassemble/internal/config"
	"github.com/forkbombeu/cvdassemble/internal/cvd"
	"github.com/forkbombeu/cvdassemble/internal/testutil"
)

func testEnv(t *testing.T) cvd.Env {
	t.Helper()
	hostOut := t.TempDir()
	if err := os.MkdirAll(filepath.Join(hostOut, "bin"), 0o755); err != nil {
		t.Fatalf("mkdir host bin: %v", err)
	}
	return cvd.Env{
		Home:    t.TempDir(),
		TempDir: t.TempDir(),
		HostOut: hostOut,
		UID:     os.Getuid(),
		GID:     os.Getgid(),
		Context: context.Background(),
	}
}

func writeTool(t *testing.T, env cvd.Env, name, body string) string {
	t.Helper()
	return testutil.WriteHostTool(t, env.HostOut, name, body)
}

func installStubs(t *testing.T, env cvd.Env) {
	t.Helper()
	testutil.InstallHostTools(t, env.HostOut)
}

func writeSized(t *testing.T, path string, size int64) string {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

// testDoc builds a one-instance crosvm document whose input images live
// under root/images.
func testDoc(t *testing.T, env cvd.Env) (*config.Document, *config.Instance) {
	t.Helper()
	root := t.TempDir()
	images := filepath.Join(root, "images")
	doc := &config.Document{
		RootDir:       root,
		AssemblyDir:   filepath.Join(root, "assembly"),
		InstancesDir:  filepath.Join(root, "instances"),
		VmManager:     config.VmmCrosvm,
		Instances:     map[string]*config.Instance{},
		InstanceNames: []string{"cvd-1"},
	}
	inst := &config.Instance{
		ID:                   1,
		Name:                 "cvd-1",
		InstanceDir:          filepath.Join(doc.InstancesDir, "cvd-1"),
		SerialNumber:         "CUTTLEFISHCVD01",
		BootFlow:             config.BootFlowAndroid,
		BootconfigSupported:  true,
		CrosvmBinary:         env.HostBinary("crosvm"),
		DataPolicy:           DataPolicyUseExisting,
		BlankDataImageMb:     8,
		BlankMetadataImageMb: 1,
		UserdataFormat:       FormatF2fs,
		DisplayConfigs:       []config.DisplayConfig{{Width: 720, Height: 1280, Dpi: 320}},
		Hwcomposer:           "ranchu",

		BootImage:             writeSized(t, filepath.Join(images, "boot.img"), 8192),
		VendorBootImage:       writeSized(t, filepath.Join(images, "vendor_boot.img"), 8192),
		SuperImage:            writeSized(t, filepath.Join(images, "super.img"), 16384),
		VbmetaImage:           writeSized(t, filepath.Join(images, "vbmeta.img"), 4096),
		VbmetaSystemImage:     writeSized(t, filepath.Join(images, "vbmeta_system.img"), 4096),
		DataImage:             writeSized(t, filepath.Join(images, "userdata.img"), 8192),
		Bootloader:            writeSized(t, filepath.Join(images, "bootloader"), 4096),
		VbmetaVendorDlkmImage: filepath.Join(images, "vbmeta_vendor_dlkm.img"),
		VbmetaSystemDlkmImage: filepath.Join(images, "vbmeta_system_dlkm.img"),
	}
	inst.InstanceInternalDir = filepath.Join(inst.InstanceDir, "internal")
	inst.NewBootImage = inst.BootImage
	inst.NewVendorBootImage = inst.VendorBootImage
	inst.NewSuperImage = inst.SuperImage
	inst.NewVbmetaImage = inst.VbmetaImage
	inst.NewVbmetaVendorDlkmImage = inst.PerInstancePath("vbmeta_vendor_dlkm_repacked.img")
	inst.NewVbmetaSystemDlkmImage = inst.PerInstancePath("vbmeta_system_dlkm_repacked.img")
	inst.NewDataImage = inst.PerInstancePath("userdata.img")
	inst.NewMiscImage = inst.PerInstancePath("misc.img")
	inst.NewMetadataImage = inst.PerInstancePath("metadata.img")
	inst.SdcardPath = inst.PerInstancePath("sdcard.img")
	inst.SdcardOverlayPath = inst.PerInstancePath("sdcard_overlay.img")
	doc.Instances["1"] = inst

	for _, dir := range []string{doc.AssemblyDir, inst.InstanceDir, inst.InstanceInternalDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", dir, err)
		}
	}
	return doc, inst
}

func mustSize(t *testing.T, path string) int64 {
	t.Helper()
	st, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat %s: %v", path, err)
	}
	return st.Size()
}
