// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package disk

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	digest "github.com/opencontainers/go-digest"

	"github.com/forkbombeu/cvdassemble/internal/cvd"
)

const (
	tmpExtension              = ".tmp"
	concatenatedVendorRamdisk = "concatenated_vendor_ramdisk"
	vendorRamdiskRepacked     = "vendor_ramdisk_repacked"
	strippedRamdiskDir        = "stripped_ramdisk_dir"
	strippedRamdisk           = "stripped_ramdisk"
	bootParamsFile            = "boot_params"
	vendorBootParamsFile      = "vendor_boot_params"
	bootconfigTrailer         = "#BOOTCONFIG\n"
)

// ExtractValue returns the rest of the line following key in the
// unpack_bootimg output, or "".
func ExtractValue(dictionary, key string) string {
	i := strings.Index(dictionary, key)
	if i < 0 {
		return ""
	}
	rest := dictionary[i+len(key):]
	end := strings.IndexByte(rest, '\n')
	if end < 0 {
		return ""
	}
	return rest[:end]
}

// replaceIfChanged renames tmp over current unless both hold the same
// bytes. Leaving current untouched keeps its mtime, so the composite disk
// (and the userdata in its overlay) is not rebuilt for an identical image.
func replaceIfChanged(env cvd.Env, tmp, current string) error {
	same, err := sameContent(tmp, current)
	if err != nil {
		return cvd.Wrap(cvd.IOFailed, err, "compare %s", current)
	}
	if same {
		cvd.LogDebug(env, "image unchanged", "path", current)
		if err := os.Remove(tmp); err != nil {
			return cvd.Wrap(cvd.IOFailed, err, "remove %s", tmp)
		}
		return nil
	}
	if err := os.Rename(tmp, current); err != nil {
		return cvd.Wrap(cvd.IOFailed, err, "Unable to replace %s", current)
	}
	cvd.LogDebug(env, "image updated", "path", current)
	return nil
}

func fileDigest(path string) (digest.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return digest.Canonical.FromReader(f)
}

func sameContent(a, b string) (bool, error) {
	db, err := fileDigest(b)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	da, err := fileDigest(a)
	if err != nil {
		return false, err
	}
	return da == db, nil
}

func fileSize(path string) (int64, error) {
	st, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

func unpackBootImage(env cvd.Env, image, dir, paramsName string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return cvd.Wrap(cvd.IOFailed, err, "create %s", dir)
	}
	params, err := os.Create(filepath.Join(dir, paramsName))
	if err != nil {
		return cvd.Wrap(cvd.IOFailed, err, "Unable to create intermediate boot params file")
	}
	defer params.Close()
	cmd := cvd.NewCommand(env.HostBinary("unpack_bootimg"), "--boot_img", image, "--out", dir)
	cmd.Stdout = params
	if err := cmd.Run(env); err != nil {
		return cvd.Wrap(cvd.IOFailed, err, "unpack %s", image)
	}
	return nil
}

func addHashFooter(env cvd.Env, image string, partitionSize int64, partition string) error {
	return cvd.Run(env, env.HostBinary("avbtool"), "add_hash_footer",
		"--image", image,
		"--partition_size", strconv.FormatInt(partitionSize, 10),
		"--partition_name", partition)
}

// RepackBootImage replaces the kernel of bootImage, keeping its ramdisk and
// command line, and writes the result to newBootImage if it differs.
func RepackBootImage(env cvd.Env, kernel, bootImage, newBootImage, buildDir string) error {
	if err := unpackBootImage(env, bootImage, buildDir, bootParamsFile); err != nil {
		return err
	}
	params, err := os.ReadFile(filepath.Join(buildDir, bootParamsFile))
	if err != nil {
		return cvd.Wrap(cvd.IOFailed, err, "read boot params")
	}
	cmdline := ExtractValue(string(params), "command line args: ")
	cvd.LogDebug(env, "cmdline from boot image", "cmdline", cmdline)

	tmp := newBootImage + tmpExtension
	err = cvd.Run(env, env.HostBinary("mkbootimg"),
		"--kernel", kernel,
		"--ramdisk", filepath.Join(buildDir, "ramdisk"),
		"--header_version", "4",
		"--cmdline", cmdline,
		"-o", tmp)
	if err != nil {
		return cvd.Wrap(cvd.IOFailed, err, "Unable to run mkbootimg")
	}
	oldSize, err := fileSize(bootImage)
	if err != nil {
		return cvd.Wrap(cvd.IOFailed, err, "size of %s", bootImage)
	}
	newSize, err := fileSize(tmp)
	if err != nil {
		return cvd.Wrap(cvd.IOFailed, err, "size of %s", tmp)
	}
	// A kernel bigger than the original partition gets a footer sized to fit.
	partitionSize := oldSize
	if newSize > oldSize {
		cvd.LogWarn(env, "repacked boot image is larger than the original", "old", oldSize, "new", newSize)
		partitionSize = 0
	}
	if err := addHashFooter(env, tmp, partitionSize, "boot"); err != nil {
		return cvd.Wrap(cvd.IOFailed, err, "Unable to run avbtool")
	}
	return replaceIfChanged(env, tmp, newBootImage)
}

func unpackVendorBootImageIfNotUnpacked(env cvd.Env, image, dir string) error {
	if fileExists(filepath.Join(dir, vendorBootParamsFile)) {
		return nil
	}
	if err := unpackBootImage(env, image, dir, vendorBootParamsFile); err != nil {
		return err
	}
	ramdisks, err := filepath.Glob(filepath.Join(dir, "vendor_ramdisk*"))
	if err != nil {
		return cvd.Wrap(cvd.FatalInternal, err, "glob vendor ramdisks")
	}
	if err := concatFiles(filepath.Join(dir, concatenatedVendorRamdisk), ramdisks...); err != nil {
		return cvd.Wrap(cvd.IOFailed, err, "concatenate vendor ramdisks")
	}
	return nil
}

func concatFiles(out string, in ...string) error {
	f, err := os.Create(out)
	if err != nil {
		return err
	}
	for _, p := range in {
		src, err := os.Open(p)
		if err != nil {
			f.Close()
			return err
		}
		_, err = io.Copy(f, src)
		src.Close()
		if err != nil {
			f.Close()
			return err
		}
	}
	return f.Close()
}

// repackVendorRamdisk drops lib/modules from the original vendor ramdisk
// and appends the user ramdisk holding the replacement modules.
func repackVendorRamdisk(modulesRamdisk, originalRamdisk, newRamdisk, buildDir string) error {
	stripped := filepath.Join(buildDir, strippedRamdisk)
	if err := StripModules(originalRamdisk, stripped, filepath.Join(buildDir, strippedRamdiskDir)); err != nil {
		return err
	}
	if err := concatFiles(newRamdisk, stripped, modulesRamdisk); err != nil {
		return cvd.Wrap(cvd.IOFailed, err, "write %s", newRamdisk)
	}
	return nil
}

// VendorCmdline is the vendor command line handed to mkbootimg. Without
// bootconfig support the bootconfig lines are folded into the command line
// and module parameters lose their "kernel." prefix.
func VendorCmdline(params, bootconfig string, bootconfigSupported bool) string {
	cmdline := ExtractValue(params, "vendor command line args: ")
	if bootconfigSupported {
		return cmdline
	}
	cmdline += " " + strings.ReplaceAll(bootconfig, "\n", " ")
	return strings.ReplaceAll(cmdline, " kernel.", " ")
}

// RepackVendorBootImage rebuilds vendorBootImage with newRamdisk's modules
// in place of its own, or unchanged modules when newRamdisk is "".
func RepackVendorBootImage(env cvd.Env, newRamdisk, vendorBootImage, newVendorBootImage, unpackDir string, bootconfigSupported bool) error {
	if err := unpackVendorBootImageIfNotUnpacked(env, vendorBootImage, unpackDir); err != nil {
		return err
	}
	ramdisk := filepath.Join(unpackDir, concatenatedVendorRamdisk)
	if newRamdisk != "" {
		ramdisk = filepath.Join(unpackDir, vendorRamdiskRepacked)
		if !fileExists(ramdisk) {
			if err := repackVendorRamdisk(newRamdisk, filepath.Join(unpackDir, concatenatedVendorRamdisk), ramdisk, unpackDir); err != nil {
				return err
			}
		}
	}
	bootconfig, err := os.ReadFile(filepath.Join(unpackDir, "bootconfig"))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cvd.Wrap(cvd.IOFailed, err, "read vendor bootconfig")
	}
	params, err := os.ReadFile(filepath.Join(unpackDir, vendorBootParamsFile))
	if err != nil {
		return cvd.Wrap(cvd.IOFailed, err, "read vendor boot params")
	}
	cmdline := VendorCmdline(string(params), string(bootconfig), bootconfigSupported)
	cvd.LogDebug(env, "cmdline from vendor boot image", "cmdline", cmdline)

	tmp := newVendorBootImage + tmpExtension
	cmd := cvd.NewCommand(env.HostBinary("mkbootimg"),
		"--vendor_ramdisk", ramdisk,
		"--header_version", "4",
		"--vendor_cmdline", cmdline,
		"--vendor_boot", tmp,
		"--dtb", filepath.Join(unpackDir, "dtb"))
	if bootconfigSupported {
		cmd.AddArgs("--vendor_bootconfig", filepath.Join(unpackDir, "bootconfig"))
	}
	if err := cmd.Run(env); err != nil {
		return cvd.Wrap(cvd.IOFailed, err, "Unable to run mkbootimg")
	}
	size, err := fileSize(vendorBootImage)
	if err != nil {
		return cvd.Wrap(cvd.IOFailed, err, "size of %s", vendorBootImage)
	}
	if err := addHashFooter(env, tmp, size, "vendor_boot"); err != nil {
		return cvd.Wrap(cvd.IOFailed, err, "Unable to run avbtool")
	}
	return replaceIfChanged(env, tmp, newVendorBootImage)
}

// RepackVendorBootImageWithEmptyRamdisk strips the vendor ramdisk modules
// for a kernel supplied without its own ramdisk.
func RepackVendorBootImageWithEmptyRamdisk(env cvd.Env, vendorBootImage, newVendorBootImage, unpackDir string, bootconfigSupported bool) error {
	if err := os.MkdirAll(unpackDir, 0o755); err != nil {
		return cvd.Wrap(cvd.IOFailed, err, "create %s", unpackDir)
	}
	empty := filepath.Join(unpackDir, "empty_ramdisk")
	if err := os.WriteFile(empty, nil, 0o644); err != nil {
		return cvd.Wrap(cvd.IOFailed, err, "create empty ramdisk")
	}
	return RepackVendorBootImage(env, empty, vendorBootImage, newVendorBootImage, unpackDir, bootconfigSupported)
}

// RepackGem5BootImage writes the initrd gem5 boots directly: the boot and
// vendor ramdisks followed by a bootconfig block, as a bootloader would
// assemble them.
func RepackGem5BootImage(env cvd.Env, initrd, persistentBootconfig, unpackDir, inputRamdisk string) error {
	newRamdisk := filepath.Join(unpackDir, vendorRamdiskRepacked)
	if fileExists(inputRamdisk) && !fileExists(newRamdisk) {
		if err := repackVendorRamdisk(inputRamdisk, filepath.Join(unpackDir, concatenatedVendorRamdisk), newRamdisk, unpackDir); err != nil {
			return err
		}
	}
	vendorRamdisk := newRamdisk
	if !fileExists(vendorRamdisk) {
		vendorRamdisk = filepath.Join(unpackDir, concatenatedVendorRamdisk)
	}

	var bc bytes.Buffer
	bc.WriteString("androidboot.slot_suffix=_a\n" +
		"androidboot.force_normal_boot=1\n" +
		"androidboot.verifiedbootstate=orange\n")
	for _, p := range []string{filepath.Join(unpackDir, "bootconfig"), persistentBootconfig} {
		data, err := os.ReadFile(p)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return cvd.Wrap(cvd.IOFailed, err, "read %s", p)
		}
		bc.Write(data)
	}
	bootconfig := bytes.TrimRight(bc.Bytes(), "\x00")

	var out bytes.Buffer
	for _, p := range []string{filepath.Join(unpackDir, "ramdisk"), vendorRamdisk} {
		data, err := os.ReadFile(p)
		if err != nil {
			return cvd.Wrap(cvd.IOFailed, err, "read %s", p)
		}
		out.Write(data)
	}
	out.Write(bootconfig)
	var sum uint32
	for _, b := range bootconfig {
		sum += uint32(b)
	}
	_ = binary.Write(&out, binary.LittleEndian, uint32(len(bootconfig)))
	_ = binary.Write(&out, binary.LittleEndian, sum)
	out.WriteString(bootconfigTrailer)
	if err := os.WriteFile(initrd, out.Bytes(), 0o644); err != nil {
		return cvd.Wrap(cvd.IOFailed, err, "write %s", initrd)
	}
	cvd.LogDebug(env, "wrote gem5 initrd", "path", initrd, "bootconfig_bytes", len(bootconfig))
	return nil
}
