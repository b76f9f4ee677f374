// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package disk

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/docker/go-units"
	"golang.org/x/sys/unix"

	"github.com/forkbombeu/cvdassemble/internal/config"
	"github.com/forkbombeu/cvdassemble/internal/cvd"
)

// Blank image formats accepted by CreateBlankImage.
const (
	FormatNone   = "none"
	FormatExt4   = "ext4"
	FormatF2fs   = "f2fs"
	FormatSdcard = "sdcard"
)

// Data policies.
const (
	DataPolicyUseExisting     = "use_existing"
	DataPolicyCreateIfMissing = "create_if_missing"
	DataPolicyAlwaysCreate    = "always_create"
	DataPolicyResizeUpTo      = "resize_up_to"
)

const (
	f2fsBlockSize = "4096"

	ext4MagicOffset = 1024 + 56
	ext4Magic       = 0xef53
	f2fsMagicOffset = 1024
	f2fsMagic       = 0xf2f52010

	fsckErrorCorrected               = 1
	fsckErrorCorrectedRequiresReboot = 2

	sdcardReserved = 1 << 20
)

// mkfsExt4 is the host mkfs used for ext4 blank images.
var mkfsExt4 = "/sbin/mkfs.ext4"

// CreateBlankImage creates a numMb MiB image at path in the given format.
// Unknown formats are treated as "none".
func CreateBlankImage(env cvd.Env, path string, numMb int, format string) error {
	cvd.LogDebug(env, "creating blank image", "path", path, "size", units.BytesSize(float64(int64(numMb)<<20)), "format", format)
	size := int64(numMb) << 20
	if format != FormatSdcard {
		if err := truncateNew(path, size); err != nil {
			return cvd.Wrap(cvd.IOFailed, err, "`truncate --size=%dM '%s'` failed", numMb, path)
		}
	}
	switch format {
	case FormatNone:
	case FormatExt4:
		if err := cvd.Run(env, mkfsExt4, path); err != nil {
			return err
		}
	case FormatF2fs:
		err := cvd.Run(env, env.HostBinary("make_f2fs"), "-l", "data", path, "-C", "utf8",
			"-O", "compression,extra_attr,project_quota,casefold", "-g", "android",
			"-b", f2fsBlockSize, "-w", f2fsBlockSize)
		if err != nil {
			return err
		}
	case FormatSdcard:
		if err := makeSdcard(env, path, numMb); err != nil {
			return cvd.Wrap(cvd.IOFailed, err, "Failed to create SD-Card fs")
		}
	default:
		cvd.LogWarn(env, "unknown image format, treating as 'none'", "format", format, "path", path)
	}
	return nil
}

func truncateNew(path string, size int64) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o666)
	if err != nil {
		return err
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// makeSdcard formats a FAT32 filesystem after a 1 MiB gap and writes an MBR
// describing it. Without newfs_msdos the card stays unformatted.
func makeSdcard(env cvd.Env, path string, numMb int) error {
	if err := truncateNew(path, int64(numMb)<<20); err != nil {
		return err
	}
	newfs := env.HostBinary("newfs_msdos")
	if fileExists(newfs) {
		err := cvd.Run(env, newfs, "-F", "32", "-m", "0xf8", "-o", "0", "-c", "8", "-h", "255",
			"-u", "63", "-S", "512", "-s", itoa((numMb<<20-sdcardReserved)/sectorSize), "-C", itoa(numMb)+"M",
			"-@", itoa(sdcardReserved), path)
		if err != nil {
			return err
		}
	} else {
		cvd.LogWarn(env, "newfs_msdos not found, leaving the sdcard unformatted", "path", path)
	}
	mbr := masterBootRecord{Signature: [2]byte{0x55, 0xaa}}
	mbr.Partitions[0] = mbrPartition{
		Type:       0x0c,
		FirstLBA:   sdcardReserved / sectorSize,
		NumSectors: uint32((int64(numMb)<<20 - sdcardReserved) / sectorSize),
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, mbr); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	if _, err := f.WriteAt(buf.Bytes(), 0); err != nil {
		f.Close()
		return cvd.Wrap(cvd.IOFailed, err, "Writing MBR to '%s' failed", path)
	}
	return f.Close()
}

// ensureBlankImage creates path with numMb MiB unless it already exists.
func ensureBlankImage(env cvd.Env, path string, numMb int, format string) error {
	if fileExists(path) {
		return nil
	}
	if err := CreateBlankImage(env, path, numMb, format); err != nil {
		return cvd.Wrap(cvd.KindOf(err), err, "Failed to create %q", path)
	}
	return nil
}

// FsType identifies ext4 and f2fs images by their superblock magic.
func FsType(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	var b [4]byte
	if _, err := f.ReadAt(b[:2], ext4MagicOffset); err == nil && binary.LittleEndian.Uint16(b[:2]) == ext4Magic {
		return FormatExt4
	}
	if _, err := f.ReadAt(b[:], f2fsMagicOffset); err == nil && binary.LittleEndian.Uint32(b[:]) == f2fsMagic {
		return FormatF2fs
	}
	return ""
}

// DataImageAction is what InitializeDataImage does to the userdata image.
type DataImageAction int

const (
	DataNoAction DataImageAction = iota
	DataResizeImage
	DataCreateBlankImage
)

// ChooseDataImageAction applies the data policy to the current userdata.
func ChooseDataImageAction(inst *config.Instance) (DataImageAction, error) {
	if inst.DataPolicy == DataPolicyAlwaysCreate {
		return DataCreateBlankImage, nil
	}
	if !fileHasContent(inst.DataImage) {
		return DataCreateBlankImage, nil
	}
	if inst.DataPolicy == DataPolicyUseExisting {
		return DataNoAction, nil
	}
	current := FsType(inst.DataImage)
	if current != inst.UserdataFormat {
		if inst.DataPolicy == DataPolicyResizeUpTo {
			return DataNoAction, cvd.Errorf(cvd.InvalidOptions,
				"Changing the fs format is incompatible with -data_policy=%s (%q != %q)",
				DataPolicyResizeUpTo, current, inst.UserdataFormat)
		}
		return DataCreateBlankImage, nil
	}
	if inst.DataPolicy == DataPolicyResizeUpTo {
		return DataResizeImage, nil
	}
	return DataNoAction, nil
}

// InitializeDataImage creates, resizes or keeps the userdata image.
func InitializeDataImage(env cvd.Env, inst *config.Instance) error {
	action, err := ChooseDataImageAction(inst)
	if err != nil {
		return err
	}
	switch action {
	case DataNoAction:
		cvd.LogDebug(env, "data image exists, not creating it", "path", inst.DataImage)
		return nil
	case DataCreateBlankImage:
		if err := os.Remove(inst.NewDataImage); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return cvd.Wrap(cvd.IOFailed, err, "remove %s", inst.NewDataImage)
		}
		if inst.BlankDataImageMb == 0 {
			return cvd.Errorf(cvd.InvalidOptions, "Expected `-blank_data_image_mb` to be set for image creation.")
		}
		if err := CreateBlankImage(env, inst.NewDataImage, inst.BlankDataImageMb, FormatNone); err != nil {
			return cvd.Wrap(cvd.KindOf(err), err, "Failed to create a blank image at %q with size %d", inst.NewDataImage, inst.BlankDataImageMb)
		}
		return nil
	default:
		if inst.BlankDataImageMb == 0 {
			return cvd.Errorf(cvd.InvalidOptions, "Expected `-blank_data_image_mb` to be set for image resizing.")
		}
		if err := copyFile(inst.DataImage, inst.NewDataImage); err != nil {
			return cvd.Wrap(cvd.IOFailed, err, "Failed to `cp %s %s`", inst.DataImage, inst.NewDataImage)
		}
		if err := resizeImage(env, inst.NewDataImage, inst.BlankDataImageMb, inst.UserdataFormat); err != nil {
			return cvd.Wrap(cvd.KindOf(err), err, "Failed to resize %q to %d MB", inst.NewDataImage, inst.BlankDataImageMb)
		}
		return nil
	}
}

func resizeImage(env cvd.Env, path string, targetMb int, format string) error {
	size, err := fileSize(path)
	if err != nil {
		return cvd.Wrap(cvd.IOFailed, err, "size of %s", path)
	}
	fileMb := int(size >> 20)
	if targetMb < fileMb {
		return cvd.Errorf(cvd.InvalidOptions, "'%s' is already %d MB, won't downsize", path, fileMb)
	}
	if fileMb == targetMb {
		cvd.LogEvent(env, "data image is already the right size", "path", path)
		return nil
	}
	if err := os.Truncate(path, int64(targetMb)<<20); err != nil {
		return cvd.Wrap(cvd.IOFailed, err, "`truncate --size=%dM %s` fail", targetMb, path)
	}
	if err := forceFsck(env, path, format); err != nil {
		return err
	}
	var resize string
	switch format {
	case FormatF2fs:
		resize = env.HostBinary("resize.f2fs")
	case FormatExt4:
		resize = env.HostBinary("resize2fs")
	default:
		return nil
	}
	if err := cvd.Run(env, resize, path); err != nil {
		return cvd.Wrap(cvd.IOFailed, err, "`%s %s` failed", resize, path)
	}
	return forceFsck(env, path, format)
}

// forceFsck runs a repairing fsck; exit codes reporting corrected errors
// are success.
func forceFsck(env cvd.Env, path, format string) error {
	var fsck string
	switch format {
	case FormatF2fs:
		fsck = env.HostBinary("fsck.f2fs")
	case FormatExt4:
		fsck = env.HostBinary("e2fsck")
	default:
		return nil
	}
	err := cvd.Run(env, fsck, "-y", "-f", path)
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode()&^(fsckErrorCorrected|fsckErrorCorrectedRequiresReboot) == 0 {
		return nil
	}
	if err != nil {
		return cvd.Wrap(cvd.IOFailed, err, "`%s -y -f %s` failed", fsck, path)
	}
	return nil
}

// sparseSizes returns the apparent and the allocated size of path.
func sparseSizes(path string) (sparse, onDisk int64) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, 0
	}
	return st.Size, st.Blocks * 512
}

func availableSpace(env cvd.Env, path string) int64 {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		cvd.LogError(env, "could not find space available", "path", path, "error", err)
		return 0
	}
	return int64(st.Bavail) * int64(st.Frsize)
}

// CheckDataImageSpace fails when filling in the sparse userdata image would
// exhaust its filesystem.
func CheckDataImageSpace(env cvd.Env, inst *config.Instance) error {
	path := inst.DataImage
	sparse, onDisk := sparseSizes(path)
	if sparse == 0 && onDisk == 0 {
		path = inst.NewDataImage
		sparse, onDisk = sparseSizes(path)
		if sparse == 0 && onDisk == 0 {
			return cvd.Errorf(cvd.IOFailed, "Unable to determine size of %q. Does this file exist?", path)
		}
	}
	available := availableSpace(env, path)
	if wanted := sparse - onDisk; available < wanted {
		return cvd.Errorf(cvd.IOFailed, "Not enough space remaining in fs containing %q, wanted %s, got %s",
			path, units.BytesSize(float64(wanted)), units.BytesSize(float64(available)))
	}
	cvd.LogDebug(env, "data image space check", "path", path, "available", available, "sparse_size", sparse, "disk_size", onDisk)
	return nil
}

// InitializeSdCard creates the sdcard image, plus a qcow2 overlay of it
// under qemu.
func InitializeSdCard(env cvd.Env, doc *config.Document, inst *config.Instance) error {
	if !inst.UseSdcard {
		return nil
	}
	if err := ensureBlankImage(env, inst.SdcardPath, inst.BlankSdcardImageMb, FormatSdcard); err != nil {
		return err
	}
	if doc.VmManager != config.VmmQemu || inst.SdcardOverlayPath == "" {
		return nil
	}
	if err := os.Remove(inst.SdcardOverlayPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cvd.Wrap(cvd.IOFailed, err, "remove %s", inst.SdcardOverlayPath)
	}
	return CreateQcowOverlay(env, doc.VmManager, inst.CrosvmBinary, qemuImg(inst), inst.SdcardPath, inst.SdcardOverlayPath)
}

// ReuseOrCreateMisc keeps a non-empty misc image, else creates a 1 MiB one.
func ReuseOrCreateMisc(env cvd.Env, inst *config.Instance) error {
	if fileHasContent(inst.NewMiscImage) {
		cvd.LogDebug(env, "misc partition image: use existing", "path", inst.NewMiscImage)
		return nil
	}
	cvd.LogDebug(env, "misc partition image: creating empty", "path", inst.NewMiscImage)
	return CreateBlankImage(env, inst.NewMiscImage, 1, FormatNone)
}

// ReuseOrCreateMetadata keeps a metadata image of the configured size, else
// creates a blank one.
func ReuseOrCreateMetadata(env cvd.Env, inst *config.Instance) error {
	if metadataReusable(inst) {
		return nil
	}
	if err := CreateBlankImage(env, inst.NewMetadataImage, inst.BlankMetadataImageMb, FormatNone); err != nil {
		return cvd.Wrap(cvd.KindOf(err), err, "Failed to create %q with size %d", inst.NewMetadataImage, inst.BlankMetadataImageMb)
	}
	return nil
}

// InitializeChromeOsState creates the ChromeOS stateful partition once.
func InitializeChromeOsState(env cvd.Env, inst *config.Instance) error {
	if inst.BootFlow != config.BootFlowChromeOs {
		return nil
	}
	path := inst.PerInstancePath(ChromeOsStateName)
	if fileExists(path) {
		return nil
	}
	return CreateBlankImage(env, path, 8096, FormatExt4)
}

// InitializeHostBackedImages creates the 2 MiB access-kregistry, pstore and
// (with a hwcomposer) hwcomposer-pmem images if missing.
func InitializeHostBackedImages(env cvd.Env, inst *config.Instance) error {
	for _, p := range hostBackedImages(inst) {
		if err := ensureBlankImage(env, p, 2, FormatNone); err != nil {
			return err
		}
	}
	return nil
}

// ResetHostBackedImages blanks the existing host-backed images; they hold
// state tied to the previous OS disk.
func ResetHostBackedImages(env cvd.Env, inst *config.Instance) error {
	for _, p := range hostBackedImages(inst) {
		if !fileExists(p) {
			continue
		}
		if err := CreateBlankImage(env, p, 2, FormatNone); err != nil {
			return cvd.Wrap(cvd.KindOf(err), err, "Failed for %q", p)
		}
	}
	return nil
}

func hostBackedImages(inst *config.Instance) []string {
	paths := []string{inst.PerInstancePath(AccessKregistryName)}
	if inst.Hwcomposer != "" && inst.Hwcomposer != "none" {
		paths = append(paths, inst.PerInstancePath(HwcomposerPmemName))
	}
	return append(paths, inst.PerInstancePath(PstoreName))
}

func qemuImg(inst *config.Instance) string {
	return filepath.Join(inst.QemuBinaryDir, "qemu-img")
}

func itoa(v int) string { return strconv.Itoa(v) }
