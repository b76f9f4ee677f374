// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

// Package testutil lays out fake host packages and guest builds for tests
// that drive the assembler against a real filesystem.
package testutil

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"

	"github.com/forkbombeu/cvdassemble/internal/cvd"
	"github.com/forkbombeu/cvdassemble/internal/flags"
)

// Host tool stubs. They only do what the callers inspect afterwards:
// footers resize the image, vbmeta and boot images are deterministic.
const (
	avbtoolStub = `cmd=$1; shift
img=""; size=""; out=""
while [ $# -gt 0 ]; do
  case "$1" in
    --image) img=$2; shift ;;
    --partition_size) size=$2; shift ;;
    --output) out=$2; shift ;;
  esac
  shift
done
case "$cmd" in
  add_hash_footer|add_hashtree_footer)
    if [ -n "$size" ] && [ "$size" != 0 ]; then truncate -s "$size" "$img"; fi ;;
  make_vbmeta_image)
    head -c 4096 /dev/zero > "$out" ;;
esac
`
	mkenvimageStub = `while [ $# -gt 0 ]; do
  case "$1" in
    -output_path) out=$2; shift ;;
    -input_path) in=$2; shift ;;
  esac
  shift
done
cp "$in" "$out"
`
	mkbootimgStub = `all="$*"
while [ $# -gt 0 ]; do
  case "$1" in
    -o|--vendor_boot) out=$2; shift ;;
  esac
  shift
done
echo "$all" > "$out"
truncate -s 4096 "$out"
`
	unpackBootimgStub = `echo "command line args: console=hvc0"
echo "vendor command line args: androidboot.hardware=cutf_cvm"
`
	crosvmStub = `for a; do out=$a; done
printf 'QFI\373' > "$out"
`
	mkuserimgStub = `shift 8
truncate -s "$5" "$2"
`
	sefcontextStub = `: > "$2"
`
)

// WriteHostTool installs a shell script as $hostOut/bin/name.
func WriteHostTool(t *testing.T, hostOut, name, body string) string {
	t.Helper()
	path := filepath.Join(hostOut, "bin", name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write %s stub: %v", name, err)
	}
	return path
}

// InstallHostTools puts stubs of the image tools the disk stage runs under
// hostOut/bin.
func InstallHostTools(t *testing.T, hostOut string) {
	t.Helper()
	WriteHostTool(t, hostOut, "avbtool", avbtoolStub)
	WriteHostTool(t, hostOut, "mkenvimage_slim", mkenvimageStub)
	WriteHostTool(t, hostOut, "mkbootimg", mkbootimgStub)
	WriteHostTool(t, hostOut, "unpack_bootimg", unpackBootimgStub)
	WriteHostTool(t, hostOut, "crosvm", crosvmStub)
	WriteHostTool(t, hostOut, "mkuserimg_mke2fs", mkuserimgStub)
	WriteHostTool(t, hostOut, "sefcontext_compile", sefcontextStub)
	WriteHostTool(t, hostOut, "lpadd", "exit 0\n")
}

// kernelConfigs are the arch symbols guest.DetectArch looks for.
var kernelConfigs = map[string]string{
	"x86_64":  "CONFIG_X86_64=y\nCONFIG_X86=y\n",
	"x86":     "CONFIG_X86=y\n",
	"arm64":   "CONFIG_ARM64=y\n",
	"arm":     "CONFIG_ARM=y\n",
	"riscv64": "CONFIG_ARCH_RV64I=y\n",
}

// Host is a host package with one guest build of the host's architecture,
// all under temporary directories.
type Host struct {
	Env            cvd.Env
	Arch           string
	SystemImageDir string
}

// NewHost builds the fake host. HOME points at Env.Home for the rest of the
// test and the PATH gains an lsof that reports no open files.
func NewHost(t *testing.T) *Host {
	t.Helper()
	h := &Host{
		Env: cvd.Env{
			Home:    t.TempDir(),
			TempDir: t.TempDir(),
			HostOut: t.TempDir(),
			UID:     os.Getuid(),
			GID:     os.Getgid(),
			Context: context.Background(),
		},
		Arch:           flags.HostArch(),
		SystemImageDir: t.TempDir(),
	}
	h.Env.ProductOut = h.SystemImageDir
	t.Setenv("HOME", h.Env.Home)
	t.Setenv("CUTTLEFISH_CONFIG_FILE", "")

	bin := t.TempDir()
	writeScript(t, filepath.Join(bin, "lsof"), "exit 1\n")
	t.Setenv("PATH", bin+string(os.PathListSeparator)+os.Getenv("PATH"))

	InstallHostTools(t, h.Env.HostOut)
	bootloaderArch := h.Arch
	if bootloaderArch == "arm64" {
		bootloaderArch = "aarch64"
	}
	writeFile(t, filepath.Join(h.Env.HostOut, "etc", "bootloader_"+bootloaderArch, "bootloader.crosvm"), filled(4096))

	cfg := kernelConfigs[h.Arch] + "CONFIG_BOOT_CONFIG=y\n"
	writeFile(t, h.Image("boot.img"), BootImage(t, cfg, 14))
	for name, size := range map[string]int{
		"vendor_boot.img":   8192,
		"super.img":         16384,
		"vbmeta.img":        4096,
		"vbmeta_system.img": 4096,
		"userdata.img":      8192,
	} {
		writeFile(t, h.Image(name), filled(size))
	}
	writeFile(t, h.Image("android-info.txt"), []byte("config=phone\n"))
	writeFile(t, h.Image("fetcher_config.json"),
		[]byte(`{"cvd_files": {"boot.img": {"source": "default_build", "build_id": "1", "build_target": "fake"}}}`))
	return h
}

// Image is the path of name in the guest build.
func (h *Host) Image(name string) string {
	return filepath.Join(h.SystemImageDir, name)
}

// RuntimeRoot is the default --instance_dir.
func (h *Host) RuntimeRoot() string {
	return filepath.Join(h.Env.Home, "cuttlefish")
}

// ConfigPath is where a default run publishes its configuration.
func (h *Host) ConfigPath() string {
	return filepath.Join(h.RuntimeRoot(), "assembly", "cuttlefish_config.json")
}

// Wipe removes the runtime tree and the home link to it, as on a host that
// never ran a device.
func (h *Host) Wipe(t *testing.T) {
	t.Helper()
	if err := os.RemoveAll(h.RuntimeRoot()); err != nil {
		t.Fatalf("wipe %s: %v", h.RuntimeRoot(), err)
	}
	if err := os.Remove(filepath.Join(h.Env.Home, ".cuttlefish_config.json")); err != nil && !os.IsNotExist(err) {
		t.Fatalf("remove home link: %v", err)
	}
}

// BootImage returns a header v4 boot image whose kernel embeds cfg the way
// CONFIG_IKCONFIG does, built for Android major.0.0.
func BootImage(t *testing.T, cfg string, major uint32) []byte {
	t.Helper()
	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	if _, err := zw.Write([]byte(cfg)); err != nil {
		t.Fatalf("gzip: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	var kernel bytes.Buffer
	kernel.Write(bytes.Repeat([]byte{0x90}, 1000))
	kernel.WriteString("IKCFG_ST")
	kernel.Write(gz.Bytes())
	kernel.WriteString("IKCFG_ED")
	kernel.Write(bytes.Repeat([]byte{0xcc}, 300))

	hdr := make([]byte, 4096)
	copy(hdr, "ANDROID!")
	le := binary.LittleEndian
	le.PutUint32(hdr[8:], uint32(kernel.Len()))
	le.PutUint32(hdr[16:], (major<<14)<<11)
	le.PutUint32(hdr[20:], 1584)
	le.PutUint32(hdr[40:], 4)
	img := append(hdr, kernel.Bytes()...)
	if pad := len(img) % 4096; pad != 0 {
		img = append(img, make([]byte, 4096-pad)...)
	}
	return img
}

// MirrorTree copies src into dst keeping modes, modification times and
// symlinks.
func MirrorTree(t *testing.T, src, dst string) {
	t.Helper()
	err := filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		switch {
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case info.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		case info.Mode().IsRegular():
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			if err := os.WriteFile(target, data, info.Mode().Perm()); err != nil {
				return err
			}
			return os.Chtimes(target, info.ModTime(), info.ModTime())
		}
		// Sockets and fifos belong to a running device.
		return nil
	})
	if err != nil {
		t.Fatalf("mirror %s: %v", src, err)
	}
}

func filled(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i)
	}
	return data
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func writeScript(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
