// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package assemble

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/forkbombeu/cvdassemble/internal/config"
	"github.com/forkbombeu/cvdassemble/internal/disk"
	"github.com/forkbombeu/cvdassemble/internal/flags"
	"github.com/forkbombeu/cvdassemble/internal/testutil"
	"github.com/forkbombeu/cvdassemble/internal/tree"
)

func assembleOn(t *testing.T, h *testutil.Host, args ...string) Result {
	t.Helper()
	res, err := Assemble(h.Env, Options{
		Args:   args,
		Stdin:  strings.NewReader(""),
		Stdout: io.Discard,
		Stderr: io.Discard,
		Host:   &flags.Host{Arch: h.Arch},
	})
	if err != nil {
		t.Fatalf("Assemble(%q): %v", args, err)
	}
	return res
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return data
}

func TestAssembleFreshHost(t *testing.T) {
	h := testutil.NewHost(t)
	res := assembleOn(t, h, "--num_instances=1", "--system_image_dir="+h.SystemImageDir, "--boot_image="+h.Image("boot.img"))

	if res.ConfigPath != h.ConfigPath() {
		t.Fatalf("config path = %s, want %s", res.ConfigPath, h.ConfigPath())
	}
	doc, err := config.LoadDocument(res.ConfigPath)
	if err != nil {
		t.Fatalf("LoadDocument: %v", err)
	}
	if len(doc.Instances) != 1 {
		t.Fatalf("instances = %d, want 1", len(doc.Instances))
	}
	inst := doc.Instance(1)
	if inst == nil {
		t.Fatalf("instance 1 missing: %v", doc.InstanceNames)
	}
	if inst.VsockGuestCid != 3 || inst.AdbHostPort != 6520 {
		t.Fatalf("vsock cid %d, adb port %d; want 3, 6520", inst.VsockGuestCid, inst.AdbHostPort)
	}
	if doc.VmManager != config.VmmCrosvm {
		t.Fatalf("vm manager = %s", doc.VmManager)
	}

	if got := os.Getenv(tree.ConfigEnvVar); got != res.ConfigPath {
		t.Fatalf("%s = %q", tree.ConfigEnvVar, got)
	}
	link, err := filepath.EvalSymlinks(filepath.Join(h.Env.Home, tree.GlobalConfigLinkName))
	if err != nil {
		t.Fatalf("home link: %v", err)
	}
	want, _ := filepath.EvalSymlinks(res.ConfigPath)
	if link != want {
		t.Fatalf("home link resolves to %s, want %s", link, want)
	}
	canonical := readFile(t, res.ConfigPath)
	if legacy := readFile(t, inst.PerInstancePath(config.ConfigFileName)); !bytes.Equal(legacy, canonical) {
		t.Fatalf("instance dir copy differs from the canonical config")
	}
	if st, err := os.Stat(inst.PerInstancePath(disk.OverlayName)); err != nil || st.Size() == 0 {
		t.Fatalf("overlay not built: %v", err)
	}
}

// takeSnapshot turns the current runtime tree into a snapshot directory the
// way a stopped device leaves it: guest memory beside the host files and
// logs written during the session.
func takeSnapshot(t *testing.T, h *testutil.Host) string {
	t.Helper()
	snap := filepath.Join(t.TempDir(), "snapshot")
	testutil.MirrorTree(t, h.RuntimeRoot(), snap)
	inst := filepath.Join(snap, "instances", "cvd-1")
	files := map[string]string{
		filepath.Join(snap, "assembly", tree.SnapshotMetaName): `{"guest_snapshot": {"1": "instances/cvd-1/guest_snapshot"}}`,
		filepath.Join(inst, "guest_snapshot", "memory.img"):    "ram",
		filepath.Join(inst, "logs", "kernel.log"):              "booted\n",
		filepath.Join(inst, "logs", "logcat"):                  "",
		filepath.Join(inst, disk.OverlayName):                  "guest disk writes",
	}
	for path, data := range files {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return snap
}

func TestAssembleRestoresSnapshotIntoFreshRoot(t *testing.T) {
	h := testutil.NewHost(t)
	assembleOn(t, h, "--system_image_dir="+h.SystemImageDir, "--use_sdcard=false", "--blank_metadata_image_mb=1")
	snap := takeSnapshot(t, h)
	h.Wipe(t)

	res := assembleOn(t, h, "--snapshot_path="+snap, "--resume=true")
	if res.ConfigPath != h.ConfigPath() {
		t.Fatalf("config path = %s, want %s", res.ConfigPath, h.ConfigPath())
	}

	stored, err := config.LoadDocument(config.SnapshotConfigPath(snap))
	if err != nil {
		t.Fatalf("load stored config: %v", err)
	}
	stored.SnapshotPath = snap
	want, err := config.Marshal(stored)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if got := readFile(t, res.ConfigPath); !bytes.Equal(got, want) {
		t.Fatalf("restored config is not the stored one plus snapshot_path:\n%s\nwant:\n%s", got, want)
	}

	if _, err := os.Stat(res.Document.AssemblyPath(tree.RestoreSentinel)); err != nil {
		t.Fatalf("restore sentinel: %v", err)
	}
	inst := res.Document.Instance(1)
	if got := string(readFile(t, inst.PerInstancePath(disk.OverlayName))); got != "guest disk writes" {
		t.Fatalf("overlay rebuilt over the restored one: %q", got)
	}
	if _, err := os.Stat(inst.PerInstancePath("guest_snapshot")); !os.IsNotExist(err) {
		t.Fatalf("guest memory copied into the runtime tree: %v", err)
	}
	for _, name := range []string{"kernel.log", "logcat"} {
		data := string(readFile(t, inst.PerInstanceLogPath(name)))
		if !strings.HasSuffix(data, tree.SnapshotDelimiter) {
			t.Fatalf("%s does not end with the restore point: %q", name, data)
		}
	}
	if data := string(readFile(t, inst.PerInstanceLogPath("kernel.log"))); !strings.HasPrefix(data, "booted\n") {
		t.Fatalf("kernel.log lost its pre-snapshot lines: %q", data)
	}
}

func TestAssembleSnapshotRestoreIsRepeatable(t *testing.T) {
	h := testutil.NewHost(t)
	assembleOn(t, h, "--system_image_dir="+h.SystemImageDir, "--use_sdcard=false", "--blank_metadata_image_mb=1")
	snap := takeSnapshot(t, h)

	var configs [][]byte
	for range 2 {
		h.Wipe(t)
		res := assembleOn(t, h, "--snapshot_path="+snap, "--resume=true")
		configs = append(configs, readFile(t, res.ConfigPath))
	}
	if !bytes.Equal(configs[0], configs[1]) {
		t.Fatalf("two restores of one snapshot published different configs:\n%s\n%s", configs[0], configs[1])
	}
}

func TestAssembleSnapshotRequiresResume(t *testing.T) {
	h := testutil.NewHost(t)
	_, err := Assemble(h.Env, Options{
		Args:   []string{"--snapshot_path=" + t.TempDir(), "--resume=false"},
		Stdin:  strings.NewReader(""),
		Stdout: io.Discard,
		Stderr: io.Discard,
		Host:   &flags.Host{Arch: h.Arch},
	})
	if err == nil || !strings.Contains(err.Error(), "--resume must be true") {
		t.Fatalf("expected a resume error, got %v", err)
	}
	if _, err := os.Stat(h.RuntimeRoot()); !os.IsNotExist(err) {
		t.Fatalf("rejected restore touched the runtime tree: %v", err)
	}
}
