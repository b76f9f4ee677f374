// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/forkbombeu/cvdassemble/internal/cvd"
	"github.com/forkbombeu/cvdassemble/internal/flags"
	"github.com/forkbombeu/cvdassemble/internal/guest"
)

func testEnv(t *testing.T) cvd.Env {
	t.Helper()
	return cvd.Env{
		Home:       t.TempDir(),
		TempDir:    t.TempDir(),
		HostOut:    t.TempDir(),
		ProductOut: t.TempDir(),
		UID:        1000,
		GID:        1000,
		Context:    context.Background(),
	}
}

func testInputs(t *testing.T, env cvd.Env, n int, args ...string) Inputs {
	t.Helper()
	prev := interfaceExists
	interfaceExists = func(string) bool { return false }
	t.Cleanup(func() { interfaceExists = prev })

	rec, err := flags.FromArgs(flags.Definitions(env), args, n)
	if err != nil {
		t.Fatalf("FromArgs: %v", err)
	}
	if rec, err = flags.ApplyImageDefaults(rec); err != nil {
		t.Fatalf("ApplyImageDefaults: %v", err)
	}
	in := Inputs{Env: env, Options: rec}
	for i := 1; i <= n; i++ {
		in.InstanceNums = append(in.InstanceNums, i)
		in.Guests = append(in.Guests, guest.GuestConfig{
			TargetArch:           guest.ArchX86_64,
			AndroidVersionNumber: "14",
			BootconfigSupported:  true,
			Hctr2Supported:       true,
			DeviceType:           guest.DevicePhone,
		})
		in.Fetchers = append(in.Fetchers, guest.FetcherConfig{Files: map[string]guest.CvdFile{}})
	}
	return in
}

func TestSynthesizeSingleInstance(t *testing.T) {
	env := testEnv(t)
	si := filepath.Join(env.Home, "si")
	in := testInputs(t, env, 1, "--system_image_dir="+si, "--boot_image="+filepath.Join(si, "boot.img"))

	doc, err := Synthesize(in)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if len(doc.Instances) != 1 || len(doc.InstanceNames) != 1 {
		t.Fatalf("expected one instance, got %v", doc.InstanceNames)
	}
	inst := doc.Instance(1)
	if inst == nil {
		t.Fatalf("instance 1 missing: %v", doc.Instances)
	}
	if inst.VsockGuestCid != 3 || inst.AdbHostPort != 6520 || inst.FastbootHostPort != 6520 {
		t.Fatalf("cid/adb/fastboot = %d/%d/%d", inst.VsockGuestCid, inst.AdbHostPort, inst.FastbootHostPort)
	}
	if inst.Name != "cvd-1" || inst.InstanceDir != filepath.Join(env.Home, "cuttlefish", "instances", "cvd-1") {
		t.Fatalf("unexpected name/dir %s %s", inst.Name, inst.InstanceDir)
	}
	if doc.AssemblyPath(ConfigFileName) != filepath.Join(env.Home, "cuttlefish", "assembly", ConfigFileName) {
		t.Fatalf("assembly path = %s", doc.AssemblyPath(ConfigFileName))
	}
	if inst.TombstoneReceiverPort != 6600 || inst.LightsServerPort != 6900 || inst.QemuVncServerPort != 544 {
		t.Fatalf("ports: tombstone %d lights %d vnc %d", inst.TombstoneReceiverPort, inst.LightsServerPort, inst.QemuVncServerPort)
	}
	if inst.ModemSimulatorPorts != "9600" || inst.ModemSimulatorHostID != 1001 {
		t.Fatalf("modem: %q %d", inst.ModemSimulatorPorts, inst.ModemSimulatorHostID)
	}
	if inst.SerialNumber != "CUTTLEFISHCVD01" {
		t.Fatalf("serial = %s", inst.SerialNumber)
	}
	if inst.WebrtcDeviceID != "cvd-1" {
		t.Fatalf("webrtc device id = %s", inst.WebrtcDeviceID)
	}
	if inst.GpuMode != "guest_swiftshader" || inst.Hwcomposer != "ranchu" {
		t.Fatalf("gpu %s hwc %s", inst.GpuMode, inst.Hwcomposer)
	}
	if inst.FilenameEncryptionMode != "hctr2" || inst.BlankDataImageMb != defaultBlankDataImageMb {
		t.Fatalf("encryption %s blank data %d", inst.FilenameEncryptionMode, inst.BlankDataImageMb)
	}
	if inst.BootImage != filepath.Join(si, "boot.img") || inst.NewBootImage != inst.BootImage {
		t.Fatalf("boot %s new %s", inst.BootImage, inst.NewBootImage)
	}
	if inst.DataImage != filepath.Join(si, "userdata.img") || inst.NewDataImage != inst.PerInstancePath("userdata.img") {
		t.Fatalf("data %s new %s", inst.DataImage, inst.NewDataImage)
	}
	if inst.Bootloader != env.HostArtifact("etc/bootloader_x86_64/bootloader.crosvm") {
		t.Fatalf("bootloader = %s", inst.Bootloader)
	}
	if len(inst.DisplayConfigs) != 1 || inst.DisplayConfigs[0] != (DisplayConfig{Width: 720, Height: 1280, Dpi: 320, RefreshRateHz: 60}) {
		t.Fatalf("displays = %+v", inst.DisplayConfigs)
	}
	wantDisks := []string{inst.PerInstancePath("overlay.img"), inst.PerInstancePath("persistent_composite.img"), inst.PerInstancePath("sdcard.img")}
	if strings.Join(inst.VirtualDiskPaths, ",") != strings.Join(wantDisks, ",") {
		t.Fatalf("disks = %v", inst.VirtualDiskPaths)
	}
	// netsim_bt defaults to true, so netsim replaces rootcanal.
	if inst.StartRootcanal || !inst.StartCasimir || !inst.StartPica || !inst.StartNetsim {
		t.Fatalf("service flags rootcanal=%v casimir=%v pica=%v netsim=%v", inst.StartRootcanal, inst.StartCasimir, inst.StartPica, inst.StartNetsim)
	}
	if doc.NetsimRadios != RadioBluetooth {
		t.Fatalf("radios = %d", doc.NetsimRadios)
	}
	if !strings.Contains(strings.Join(doc.SecureHals, ","), "guest_keymint_insecure") {
		t.Fatalf("secure hals = %v", doc.SecureHals)
	}
	if doc.ApVmManager != "crosvm_openwrt" {
		t.Fatalf("ap vm manager = %s", doc.ApVmManager)
	}
	if doc.Environment(inst) == nil {
		t.Fatalf("environment %q missing", inst.EnvironmentName)
	}
}

func TestSynthesizeTwoInstancesVectorizedCpus(t *testing.T) {
	env := testEnv(t)
	in := testInputs(t, env, 2, "--num_instances=2", "--cpus=4,2", "--smt=true")
	doc, err := Synthesize(in)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	one, two := doc.Instance(1), doc.Instance(2)
	if one.Cpus != 4 || two.Cpus != 2 {
		t.Fatalf("cpus = %d, %d", one.Cpus, two.Cpus)
	}
	if one.VsockGuestCid != 3 || two.VsockGuestCid != 4 {
		t.Fatalf("cids = %d, %d", one.VsockGuestCid, two.VsockGuestCid)
	}
	if one.AdbHostPort != 6520 || two.AdbHostPort != 6521 {
		t.Fatalf("adb ports = %d, %d", one.AdbHostPort, two.AdbHostPort)
	}
	if two.TombstoneReceiverPort != 6601 || two.ModemSimulatorPorts != "9602" {
		t.Fatalf("instance 2 tombstone %d modem %q", two.TombstoneReceiverPort, two.ModemSimulatorPorts)
	}
	if two.StartRootcanal || two.StartWebrtcSigServer {
		t.Fatalf("host services must start with the first instance only")
	}
	if one.MobileMac == two.MobileMac || one.EthernetMac != "02:1a:11:e1:00:00" {
		t.Fatalf("macs %s %s %s", one.MobileMac, two.MobileMac, one.EthernetMac)
	}
	if one.EnvironmentName != two.EnvironmentName || len(doc.Environments) != 1 {
		t.Fatalf("instances must share an environment")
	}
}

func TestSynthesizeSmtOddCpus(t *testing.T) {
	env := testEnv(t)
	_, err := Synthesize(testInputs(t, env, 2, "--cpus=4,3", "--smt=true"))
	if cvd.KindOf(err) != cvd.DependencyViolation {
		t.Fatalf("expected DEPENDENCY_VIOLATION, got %v", err)
	}
	if !strings.Contains(err.Error(), "CPUs must be a multiple of 2 in SMT mode") {
		t.Fatalf("unexpected message: %v", err)
	}
}

func TestSynthesizeVhostUserVsockOnQemu(t *testing.T) {
	env := testEnv(t)
	_, err := Synthesize(testInputs(t, env, 1, "--vm_manager=qemu", "--vhost_user_vsock=true"))
	if cvd.KindOf(err) != cvd.DependencyViolation {
		t.Fatalf("expected DEPENDENCY_VIOLATION, got %v", err)
	}
	if !strings.Contains(err.Error(), "only crosvm supports vhost_user_vsock") {
		t.Fatalf("unexpected message: %v", err)
	}
	if n := strings.Count(err.Error(), string(cvd.DependencyViolation)); n != 1 {
		t.Fatalf("kind repeated %d times in %q", n, err)
	}
}

func TestSynthesizeVhostUserVsockAuto(t *testing.T) {
	env := testEnv(t)
	in := testInputs(t, env, 1)
	in.Guests[0].TargetArch = guest.ArchArm64
	doc, err := Synthesize(in)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	inst := doc.Instance(1)
	if !inst.VhostUserVsock {
		t.Fatalf("arm64 on crosvm should default to vhost-user vsock")
	}
	if inst.Bootloader != env.HostArtifact("etc/bootloader_aarch64/bootloader.crosvm") {
		t.Fatalf("bootloader = %s", inst.Bootloader)
	}
}

func TestSynthesizeDependencyViolations(t *testing.T) {
	cases := []struct {
		args []string
		want string
	}{
		{[]string{"--external_network_mode=slirp"}, "slirp only works on QEMU"},
		{[]string{"--gpu_mode=drm_virgl", "--hwcomposer=ranchu"}, "ranchu hwcomposer not supported"},
		{[]string{"--gpu_mode=guest_swiftshader", "--gpu_capture_binary=/bin/true"}, "GPU capture only supported with --gpu_mode=gfxstream"},
		{[]string{"--gpu_mode=gfxstream", "--gpu_capture_binary=/bin/true"}, "--norestart_subprocesses"},
		{[]string{"--vm_manager=qemu", "--vhost_user_block=true"}, "vhost-user block only supported on crosvm"},
	}
	for _, tc := range cases {
		env := testEnv(t)
		_, err := Synthesize(testInputs(t, env, 1, tc.args...))
		if cvd.KindOf(err) != cvd.DependencyViolation || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%v: expected DEPENDENCY_VIOLATION %q, got %v", tc.args, tc.want, err)
		}
	}
}

func TestSynthesizeInvalidOptions(t *testing.T) {
	cases := [][]string{
		{"--uuid=not-a-uuid"},
		{"--vsock_guest_cid=2"},
		{"--secure_hals=keymint,guest_keymint_insecure"},
		{"--ap_rootfs_image=/r"},
		{"--default_target_zip=/d.zip"},
	}
	for _, args := range cases {
		env := testEnv(t)
		_, err := Synthesize(testInputs(t, env, 1, args...))
		if cvd.KindOf(err) != cvd.InvalidOptions {
			t.Fatalf("%v: expected INVALID_OPTIONS, got %v", args, err)
		}
	}

	env := testEnv(t)
	_, err := Synthesize(testInputs(t, env, 2, "--use_overlay=false"))
	if cvd.KindOf(err) != cvd.InvalidOptions {
		t.Fatalf("use_overlay=false with two instances: got %v", err)
	}
}

func TestSynthesizeWebrtcDeviceID(t *testing.T) {
	env := testEnv(t)
	doc, err := Synthesize(testInputs(t, env, 2, "--webrtc_device_id=dev-{num}"))
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if doc.Instance(2).WebrtcDeviceID != "dev-2" {
		t.Fatalf("device id = %s", doc.Instance(2).WebrtcDeviceID)
	}

	env = testEnv(t)
	_, err = Synthesize(testInputs(t, env, 2, "--webrtc_device_id=dev"))
	if cvd.KindOf(err) != cvd.InvalidOptions {
		t.Fatalf("expected INVALID_OPTIONS, got %v", err)
	}
}

func TestSynthesizeSandboxFollowsGpu(t *testing.T) {
	env := testEnv(t)
	doc, err := Synthesize(testInputs(t, env, 2, "--gpu_mode=guest_swiftshader,gfxstream", "--enable_sandbox=unset", "--enable_virtiofs=unset"))
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if doc.Instance(2).EnableSandbox || doc.Instance(2).EnableVirtiofs {
		t.Fatalf("sandbox must be off with gfxstream")
	}

	env = testEnv(t)
	in := testInputs(t, env, 1, "--gpu_mode=gfxstream", "--enable_sandbox=true")
	doc, err = Synthesize(in)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if !doc.Instance(1).EnableSandbox {
		t.Fatalf("an explicit --enable_sandbox must win")
	}
}

func TestSynthesizeNetsimRadios(t *testing.T) {
	env := testEnv(t)
	doc, err := Synthesize(testInputs(t, env, 1, "--netsim=true"))
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if doc.NetsimRadios != RadioBluetooth|RadioUwb|RadioWifi {
		t.Fatalf("radios = %d", doc.NetsimRadios)
	}
	inst := doc.Instance(1)
	if !inst.StartNetsim || inst.StartRootcanal || inst.StartPica {
		t.Fatalf("netsim replaces rootcanal and pica")
	}
	if !doc.EnableHostBluetooth || doc.EnableHostBluetoothCon {
		t.Fatalf("bluetooth %v connector %v", doc.EnableHostBluetooth, doc.EnableHostBluetoothCon)
	}
}

func TestSynthesizeServicePorts(t *testing.T) {
	env := testEnv(t)
	doc, err := Synthesize(testInputs(t, env, 1, "--rootcanal_instance_num=3", "--casimir_instance_num=2"))
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if doc.RootcanalHciPort != 7302 || doc.RootcanalLinkBlePort != 7602 || doc.CasimirRfPort != 7901 {
		t.Fatalf("rootcanal hci %d ble %d casimir rf %d", doc.RootcanalHciPort, doc.RootcanalLinkBlePort, doc.CasimirRfPort)
	}
	if doc.PicaUciPort != 7000 || doc.VhalProxyServerPort != 9300 {
		t.Fatalf("pica %d vhal %d", doc.PicaUciPort, doc.VhalProxyServerPort)
	}
	if doc.Instance(1).StartRootcanal || doc.Instance(1).StartCasimir {
		t.Fatalf("an existing rootcanal/casimir must not be started again")
	}
}

func TestSynthesizeWmediumdEnvironment(t *testing.T) {
	env := testEnv(t)
	doc, err := Synthesize(testInputs(t, env, 1))
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	inst := doc.Instance(1)
	e := doc.Environment(inst)
	if !e.StartWmediumd || !inst.StartWmediumd {
		t.Fatalf("wmediumd should start by default")
	}
	if e.VhostUserMac80211Hwsim != filepath.Join(e.EnvironmentUdsDir, "vhost_user_mac80211") {
		t.Fatalf("vhost user path = %s", e.VhostUserMac80211Hwsim)
	}
	if !inst.UseBridgedWifiTap || inst.WifiTapName != "cvd-wtap-01" {
		t.Fatalf("wifi tap %s bridged %v", inst.WifiTapName, inst.UseBridgedWifiTap)
	}

	interfaceExists = func(name string) bool { return name == "cvd-wifiap-01" }
	doc, err = Synthesize(Inputs{Env: env, Options: doc0Options(t, env), InstanceNums: []int{1}, Guests: []guest.GuestConfig{{TargetArch: guest.ArchX86_64}}})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if doc.Instance(1).UseBridgedWifiTap || doc.Instance(1).WifiTapName != "cvd-wifiap-01" {
		t.Fatalf("expected the non-bridged wifi tap, got %s", doc.Instance(1).WifiTapName)
	}
}

func doc0Options(t *testing.T, env cvd.Env) *flags.Record {
	t.Helper()
	rec, err := flags.FromArgs(flags.Definitions(env), nil, 1)
	if err != nil {
		t.Fatalf("FromArgs: %v", err)
	}
	return rec
}

func TestSynthesizeGuestOverrides(t *testing.T) {
	env := testEnv(t)
	in := testInputs(t, env, 1)
	no := false
	in.Guests[0].EnforceMac80211Hwsim = &no
	in.Guests[0].BlankDataImageMb = 4096
	in.Guests[0].TargetArch = guest.ArchRiscv64
	doc, err := Synthesize(in)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if doc.VirtioMac80211Hwsim {
		t.Fatalf("guest enforce_mac80211_hwsim must win")
	}
	if doc.Instance(1).BlankDataImageMb != 4096 {
		t.Fatalf("blank data = %d", doc.Instance(1).BlankDataImageMb)
	}
	if strings.Join(doc.SecureHals, ",") != "host_gatekeeper_secure,host_keymint_secure,host_oemlock_secure" {
		t.Fatalf("riscv64 hals = %v", doc.SecureHals)
	}
}

func TestSynthesizeKernelRepackPaths(t *testing.T) {
	env := testEnv(t)
	doc, err := Synthesize(testInputs(t, env, 1, "--kernel_path=/k/Image", "--initramfs_path=/k/initramfs.img"))
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	inst := doc.Instance(1)
	if inst.NewBootImage != inst.PerInstancePath("boot_repacked.img") {
		t.Fatalf("new boot = %s", inst.NewBootImage)
	}
	if inst.NewVendorBootImage != inst.PerInstancePath("vendor_boot_repacked.img") {
		t.Fatalf("new vendor boot = %s", inst.NewVendorBootImage)
	}
	if inst.NewSuperImage != inst.PerInstancePath("super.img") || inst.NewVbmetaImage != inst.PerInstancePath("os_vbmeta.img") {
		t.Fatalf("super %s vbmeta %s", inst.NewSuperImage, inst.NewVbmetaImage)
	}
}

func TestSynthesizeDisplaysJSON(t *testing.T) {
	env := testEnv(t)
	js := `[[{"width":1080,"height":1920}],[{"width":800,"height":600,"dpi":160}]]`
	doc, err := Synthesize(testInputs(t, env, 2, "--displays_json="+js))
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if got := doc.Instance(1).DisplayConfigs[0]; got != (DisplayConfig{Width: 1080, Height: 1920, Dpi: 320, RefreshRateHz: 60}) {
		t.Fatalf("instance 1 display = %+v", got)
	}
	if got := doc.Instance(2).DisplayConfigs[0]; got.Dpi != 160 || got.Width != 800 {
		t.Fatalf("instance 2 display = %+v", got)
	}
}

func TestSynthesizeLoadsSnapshot(t *testing.T) {
	env := testEnv(t)
	stored, err := Synthesize(testInputs(t, env, 1))
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	snap := t.TempDir()
	if err := SaveDocument(SnapshotConfigPath(snap), stored); err != nil {
		t.Fatalf("SaveDocument: %v", err)
	}

	first, err := Synthesize(testInputs(t, env, 1, "--snapshot_path="+snap))
	if err != nil {
		t.Fatalf("Synthesize from snapshot: %v", err)
	}
	if first.SnapshotPath != snap {
		t.Fatalf("snapshot_path = %q", first.SnapshotPath)
	}
	second, err := Synthesize(testInputs(t, env, 1, "--snapshot_path="+snap))
	if err != nil {
		t.Fatalf("Synthesize from snapshot: %v", err)
	}
	a, _ := Marshal(first)
	b, _ := Marshal(second)
	if !bytes.Equal(a, b) {
		t.Fatalf("restoring the same snapshot twice must produce identical configs")
	}
	stored.SnapshotPath = snap
	want, _ := Marshal(stored)
	if !bytes.Equal(a, want) {
		t.Fatalf("restored config differs from the stored one")
	}
}

func TestSynthesizeSnapshotMalformed(t *testing.T) {
	env := testEnv(t)
	snap := t.TempDir()
	path := SnapshotConfigPath(snap)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Synthesize(testInputs(t, env, 1, "--snapshot_path="+snap))
	if cvd.KindOf(err) != cvd.ConfigLoadFailed {
		t.Fatalf("expected CONFIG_LOAD_FAILED, got %v", err)
	}
}

func TestSynthesizeHostToolsCrc(t *testing.T) {
	env := testEnv(t)
	bin := env.HostArtifact("bin")
	if err := os.MkdirAll(bin, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(bin, "crosvm"), []byte("crosvm"), 0o755); err != nil {
		t.Fatal(err)
	}
	doc, err := Synthesize(testInputs(t, env, 1, "--track_host_tools_crc=true"))
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if _, ok := doc.HostToolsVersion["crosvm"]; !ok {
		t.Fatalf("host tools version = %v", doc.HostToolsVersion)
	}
}
