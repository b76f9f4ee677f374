// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package disk

import (
	"bytes"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/docker/go-units"

	"github.com/forkbombeu/cvdassemble/internal/cvd"
)

const (
	// VbmetaMaxSize is the size every vbmeta partition is padded to.
	VbmetaMaxSize = 65536

	dlkmHeadroom = 16 << 20

	// Fixed filesystem identity keeps dlkm images byte-identical across runs.
	dlkmFsUUID     = "cb09b942-ed4e-46a1-81dd-7d535bf6c4b1"
	dlkmHashSeed   = "765d8aba-d93f-465a-9fcf-14bb794eb7f4"
	dlkmTimestamp  = "900979200000"
	dlkmFooterSalt = "62BBAAA0E4BD99E783AC"

	avbTestKey = "etc/cvd_avb_testkey_rsa4096.pem"
)

// dlkmDynamicGroups maps the dlkm partitions to their super partition group.
var dlkmDynamicGroups = map[string]string{
	"vendor_dlkm": "google_vendor_dynamic_partitions_a",
	"system_dlkm": "google_system_dynamic_partitions_a",
}

// writeFsConfig lists every entry under root with the permissions
// mkuserimg_mke2fs should apply.
func writeFsConfig(out, root, mountPoint string) error {
	var buf bytes.Buffer
	buf.WriteString(" 0 0 755 selabel=u:object_r:rootfs:s0 capabilities=0x0\n")
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil || rel == "." {
			return err
		}
		mode := "644"
		if d.IsDir() {
			mode = "755"
		}
		buf.WriteString(mountPoint + "/" + filepath.ToSlash(rel) + " 0 0 " + mode + " capabilities=0x0\n")
		return nil
	})
	if err != nil {
		return err
	}
	return os.WriteFile(out, buf.Bytes(), 0o644)
}

func generateFileContexts(env cvd.Env, out, mountPoint string) error {
	txt := out + ".txt"
	contexts := mountPoint + "(/.*)?         u:object_r:vendor_file:s0\n" +
		mountPoint + "/etc(/.*)?         u:object_r:vendor_configs_file:s0\n"
	if err := os.WriteFile(txt, []byte(contexts), 0o644); err != nil {
		return cvd.Wrap(cvd.IOFailed, err, "write %s", txt)
	}
	if err := cvd.Run(env, env.HostBinary("sefcontext_compile"), "-o", out, txt); err != nil {
		return cvd.Wrap(cvd.IOFailed, err, "compile file contexts")
	}
	return nil
}

// diskUsage sums the allocated size of every file under root.
func diskUsage(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}

func roundUp(v, to int64) int64 {
	return (v + to - 1) / to * to
}

// BuildDLKM builds an ext4 image of srcDir for the given dlkm partition and
// signs it with a hashtree footer.
func BuildDLKM(env cvd.Env, srcDir, partition string, erofs bool, output string) error {
	_, span := cvd.StartSpan(env, "disk.BuildDLKM")
	defer span.End()
	if erofs {
		err := cvd.Errorf(cvd.InvalidOptions, "Building %s in EROFS format is currently not supported!", partition)
		cvd.RecordSpanError(span, err)
		return err
	}
	mountPoint := "/" + partition
	fsConfig := output + ".fs_config"
	if err := writeFsConfig(fsConfig, srcDir, mountPoint); err != nil {
		return cvd.Wrap(cvd.IOFailed, err, "write %s", fsConfig)
	}
	fileContexts := output + ".file_contexts"
	if err := generateFileContexts(env, fileContexts, mountPoint); err != nil {
		return err
	}
	usage, err := diskUsage(srcDir)
	if err != nil {
		return cvd.Wrap(cvd.IOFailed, err, "size of %s", srcDir)
	}
	size := roundUp(usage+dlkmHeadroom, 4096)
	cvd.LogEvent(env, "building dlkm image", "partition", partition, "src", srcDir, "size", units.BytesSize(float64(size)))

	err = cvd.Run(env, env.HostBinary("mkuserimg_mke2fs"),
		"--mke2fs_uuid", dlkmFsUUID,
		"--mke2fs_hash_seed", dlkmHashSeed,
		"-T", dlkmTimestamp,
		"--fs_config", fsConfig,
		srcDir, output, "ext4", mountPoint, strconv.FormatInt(size, 10), fileContexts)
	if err != nil {
		err = cvd.Wrap(cvd.IOFailed, err, "Failed to build %s ext4 image", partition)
		cvd.RecordSpanError(span, err)
		return err
	}
	err = cvd.Run(env, env.HostBinary("avbtool"), "add_hashtree_footer",
		"--salt", dlkmFooterSalt,
		"--image", output,
		"--partition_name", partition)
	if err != nil {
		err = cvd.Wrap(cvd.IOFailed, err, "Failed to add avb footer to image %s", output)
		cvd.RecordSpanError(span, err)
	}
	return err
}

// RebuildVbmeta writes a vbmeta image at out describing images, padded to
// VbmetaMaxSize.
func RebuildVbmeta(env cvd.Env, out string, images ...string) error {
	cmd := cvd.NewCommand(env.HostBinary("avbtool"), "make_vbmeta_image",
		"--output", out,
		"--algorithm", "SHA256_RSA4096",
		"--key", env.HostArtifact(avbTestKey))
	for _, img := range images {
		cmd.AddArgs("--include_descriptors_from_image", img)
	}
	cmd.AddArgs("--padding_size", "4096")
	if err := cmd.Run(env); err != nil {
		return cvd.Wrap(cvd.IOFailed, err, "Unable to create vbmeta %s", out)
	}
	return padVbmeta(out)
}

func padVbmeta(path string) error {
	size, err := fileSize(path)
	if err != nil {
		return cvd.Wrap(cvd.IOFailed, err, "size of %s", path)
	}
	if size > VbmetaMaxSize {
		return cvd.Errorf(cvd.IOFailed, "Generated vbmeta %s is larger than the expected %d (%d). Stopping.", path, VbmetaMaxSize, size)
	}
	if size != VbmetaMaxSize {
		if err := os.Truncate(path, VbmetaMaxSize); err != nil {
			return cvd.Wrap(cvd.IOFailed, err, "`truncate --size=%d %s` failed", VbmetaMaxSize, path)
		}
	}
	return nil
}

// VbmetaEnforceMinimumSize sizes every existing vbmeta image to exactly
// VbmetaMaxSize; libavb reads the full partition.
func VbmetaEnforceMinimumSize(paths ...string) error {
	for _, p := range paths {
		size, err := fileSize(p)
		if errors.Is(err, fs.ErrNotExist) || p == "" {
			continue
		}
		if err != nil {
			return cvd.Wrap(cvd.IOFailed, err, "size of %s", p)
		}
		if size != VbmetaMaxSize {
			if err := os.Truncate(p, VbmetaMaxSize); err != nil {
				return cvd.Wrap(cvd.IOFailed, err, "`truncate --size=%d %s` failed", VbmetaMaxSize, p)
			}
		}
	}
	return nil
}

// RepackSuperWithPartition swaps one logical partition of the super image.
func RepackSuperWithPartition(env cvd.Env, superImage, partition, image string) error {
	group, ok := dlkmDynamicGroups[partition]
	if !ok {
		return cvd.Errorf(cvd.FatalInternal, "no dynamic partition group for %s", partition)
	}
	err := cvd.Run(env, env.HostBinary("lpadd"), "--replace", superImage, partition+"_a", group, image)
	if err != nil {
		return cvd.Wrap(cvd.IOFailed, err, "replace %s in %s", partition, superImage)
	}
	return nil
}

// DlkmRepack holds the paths rebuilt when a ramdisk brings its own modules.
// SuperImage is the source copied before the dlkm partitions are replaced.
type DlkmRepack struct {
	BuildDir        string
	SuperImage      string
	NewSuperImage   string
	NewVendorVbmeta string
	NewSystemVbmeta string
	UseErofs        bool
}

// SuperBuildDir is where the split module trees of the dlkm partitions live.
func (r DlkmRepack) SuperBuildDir() string { return filepath.Join(r.BuildDir, "superimg") }

// RepackSuperAndVbmeta builds vendor_dlkm and system_dlkm images from the
// split module trees, puts them into a copy of the super image and
// regenerates the matching vbmeta images.
func RepackSuperAndVbmeta(env cvd.Env, r DlkmRepack) error {
	_, span := cvd.StartSpan(env, "disk.RepackSuperAndVbmeta")
	defer span.End()
	err := repackSuperAndVbmeta(env, r)
	cvd.RecordSpanError(span, err)
	return err
}

func repackSuperAndVbmeta(env cvd.Env, r DlkmRepack) error {
	tmpSuper := r.NewSuperImage + tmpExtension
	if err := copyFile(r.SuperImage, tmpSuper); err != nil {
		return cvd.Wrap(cvd.IOFailed, err, "copy %s", r.SuperImage)
	}
	type dlkm struct {
		name   string
		vbmeta string
	}
	for _, d := range []dlkm{{"vendor_dlkm", r.NewVendorVbmeta}, {"system_dlkm", r.NewSystemVbmeta}} {
		img := filepath.Join(r.BuildDir, d.name+".img")
		tmp := img + tmpExtension
		if err := BuildDLKM(env, filepath.Join(r.SuperBuildDir(), d.name), d.name, r.UseErofs, tmp); err != nil {
			return err
		}
		if err := replaceIfChanged(env, tmp, img); err != nil {
			return err
		}
		vbTmp := d.vbmeta + tmpExtension
		if err := RebuildVbmeta(env, vbTmp, img); err != nil {
			return err
		}
		if err := replaceIfChanged(env, vbTmp, d.vbmeta); err != nil {
			return err
		}
		if err := RepackSuperWithPartition(env, tmpSuper, d.name, img); err != nil {
			return err
		}
	}
	return replaceIfChanged(env, tmpSuper, r.NewSuperImage)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
