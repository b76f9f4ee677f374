// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package disk

import (
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/forkbombeu/cvdassemble/internal/config"
	"github.com/forkbombeu/cvdassemble/internal/cvd"
	"github.com/forkbombeu/cvdassemble/internal/guest"
)

const (
	miscInfoPath          = "META/misc_info.txt"
	dynamicPartitionsPath = "META/dynamic_partitions_info.txt"
	combinedTargetDir     = "target_combined"
)

var vendorTargetImages = []string{
	"IMAGES/boot.img", "IMAGES/dtbo.img",
	"IMAGES/init_boot.img", "IMAGES/odm.img",
	"IMAGES/odm_dlkm.img", "IMAGES/recovery.img",
	"IMAGES/system_dlkm.img", "IMAGES/userdata.img",
	"IMAGES/vbmeta.img", "IMAGES/vbmeta_system_dlkm.img",
	"IMAGES/vbmeta_vendor.img", "IMAGES/vbmeta_vendor_dlkm.img",
	"IMAGES/vendor.img", "IMAGES/vendor_boot.img",
	"IMAGES/vendor_dlkm.img", "IMAGES/vendor_kernel_boot.img",
}

var vendorTargetBuildProps = []string{
	"ODM/build.prop",
	"ODM/etc/build.prop",
	"VENDOR/build.prop",
	"VENDOR/etc/build.prop",
}

// SuperRebuild names the inputs and outputs of a super image rebuild.
type SuperRebuild struct {
	VendorTargetZip   string
	SystemTargetZip   string
	CombinedTargetDir string
	SuperImageOutput  string
	VbmetaOutput      string
}

// SuperRebuildPaths resolves the target-files archives for inst, falling back
// to the ones listed by the fetcher.
func SuperRebuildPaths(fetcher guest.FetcherConfig, inst *config.Instance) (SuperRebuild, error) {
	vendorZip, systemZip := inst.DefaultTargetZip, inst.SystemTargetZip
	if vendorZip == "" || vendorZip == "unset" {
		vendorZip = fetcher.TargetFilesZip(guest.SourceDefaultBuild)
		if vendorZip == "" {
			return SuperRebuild{}, cvd.Errorf(cvd.InvalidOptions, "Unable to find default target zip file.")
		}
		systemZip = fetcher.TargetFilesZip(guest.SourceSystemBuild)
		if systemZip == "" {
			return SuperRebuild{}, cvd.Errorf(cvd.InvalidOptions, "Unable to find system target zip file.")
		}
	}
	return SuperRebuild{
		VendorTargetZip:   vendorZip,
		SystemTargetZip:   systemZip,
		CombinedTargetDir: inst.PerInstanceInternalPath(combinedTargetDir),
		SuperImageOutput:  inst.NewSuperImage,
		VbmetaOutput:      inst.NewVbmetaImage,
	}, nil
}

type targetFiles struct {
	zip   *zip.ReadCloser
	path  string
	files map[string]*zip.File
	names []string
}

func openTargetFiles(path string) (*targetFiles, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, cvd.Wrap(cvd.IOFailed, err, "Could not open %s", path)
	}
	t := &targetFiles{zip: zr, path: path, files: map[string]*zip.File{}}
	for _, f := range zr.File {
		t.files[f.Name] = f
		t.names = append(t.names, f.Name)
	}
	if len(t.names) == 0 {
		zr.Close()
		return nil, cvd.Errorf(cvd.IOFailed, "Could not open %s", path)
	}
	return t, nil
}

func (t *targetFiles) Close() error { return t.zip.Close() }

func (t *targetFiles) read(name string) (string, error) {
	f, ok := t.files[name]
	if !ok {
		return "", cvd.Errorf(cvd.InvalidOptions, "%s does not contain %s", t.path, name)
	}
	rc, err := f.Open()
	if err != nil {
		return "", cvd.Wrap(cvd.IOFailed, err, "open %s in %s", name, t.path)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return "", cvd.Wrap(cvd.IOFailed, err, "read %s in %s", name, t.path)
	}
	return string(data), nil
}

func (t *targetFiles) extract(name, dir string) error {
	rc, err := t.files[name].Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	dst := filepath.Join(dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func (t *targetFiles) miscInfo(env cvd.Env, name string) (MiscInfo, error) {
	data, err := t.read(name)
	if err != nil {
		return nil, err
	}
	return ParseMiscInfo(env, data)
}

func isTargetFilesImage(name string) bool {
	return strings.HasPrefix(name, "IMAGES/") && strings.HasSuffix(name, ".img")
}

func partitionFromPath(name string) string {
	return strings.TrimSuffix(strings.TrimPrefix(name, "IMAGES/"), ".img")
}

func logImports(env cvd.Env, t *targetFiles, name string) {
	data, err := t.read(name)
	if err != nil {
		return
	}
	for _, line := range strings.Split(data, "\n") {
		if fields := strings.Fields(line); len(fields) >= 2 && fields[0] == "import" {
			cvd.LogDebug(env, "build.prop import", "file", name, "line", line)
		}
	}
}

type extractedTargets struct {
	images           map[string]bool
	systemPartitions []string
}

// extractTargetFiles copies the vendor-owned images and build props from the
// vendor build and everything else from the system build.
func extractTargetFiles(env cvd.Env, vendor, system *targetFiles, outDir string) (extractedTargets, error) {
	ex := extractedTargets{images: map[string]bool{}}
	type pass struct {
		src        *targetFiles
		fromVendor bool
	}
	for _, p := range []pass{{vendor, true}, {system, false}} {
		origin := "system"
		if p.fromVendor {
			origin = "vendor"
		}
		for _, name := range p.src.names {
			if !isTargetFilesImage(name) || slices.Contains(vendorTargetImages, name) != p.fromVendor {
				continue
			}
			cvd.LogDebug(env, "writing image from "+origin+" target", "name", name)
			if err := p.src.extract(name, outDir); err != nil {
				return ex, cvd.Wrap(cvd.IOFailed, err, "Failed to extract %s from the %s target zip", name, origin)
			}
			partition := partitionFromPath(name)
			ex.images[partition] = true
			if !p.fromVendor {
				ex.systemPartitions = append(ex.systemPartitions, partition)
			}
		}
		for _, name := range p.src.names {
			if !strings.HasSuffix(name, "build.prop") || slices.Contains(vendorTargetBuildProps, name) != p.fromVendor {
				continue
			}
			logImports(env, p.src, name)
			if err := p.src.extract(name, outDir); err != nil {
				return ex, cvd.Wrap(cvd.IOFailed, err, "Failed to extract %s from the %s target zip", name, origin)
			}
		}
		cvd.LogEvent(env, "completed extracting images from "+origin)
	}
	return ex, nil
}

func combineMiscInfo(env cvd.Env, vendor, system *targetFiles, out string, ex extractedTargets) (MiscInfo, error) {
	vendorMisc, err := vendor.miscInfo(env, miscInfoPath)
	if err != nil {
		return nil, err
	}
	systemMisc, err := system.miscInfo(env, miscInfoPath)
	if err != nil {
		return nil, err
	}
	vendorDp, err := vendor.miscInfo(env, dynamicPartitionsPath)
	if err != nil {
		return nil, err
	}
	systemDp, err := system.miscInfo(env, dynamicPartitionsPath)
	if err != nil {
		return nil, err
	}
	combinedDp, err := CombinedDynamicPartitions(vendorDp, systemDp, ex.images)
	if err != nil {
		return nil, err
	}
	merged, err := MergeMiscInfos(vendorMisc, systemMisc, combinedDp, ex.systemPartitions)
	if err != nil {
		return nil, err
	}
	return merged, WriteMiscInfo(merged, out)
}

// CombineTargetFiles builds the combined target-files tree from the vendor
// and system archives and regenerates os_vbmeta for it.
func CombineTargetFiles(env cvd.Env, r SuperRebuild) error {
	if err := os.MkdirAll(filepath.Join(r.CombinedTargetDir, "META"), 0o755); err != nil {
		return cvd.Wrap(cvd.IOFailed, err, "create %s", r.CombinedTargetDir)
	}
	vendor, err := openTargetFiles(r.VendorTargetZip)
	if err != nil {
		return err
	}
	defer vendor.Close()
	system, err := openTargetFiles(r.SystemTargetZip)
	if err != nil {
		return err
	}
	defer system.Close()

	ex, err := extractTargetFiles(env, vendor, system, r.CombinedTargetDir)
	if err != nil {
		return err
	}
	merged, err := combineMiscInfo(env, vendor, system, filepath.Join(r.CombinedTargetDir, miscInfoPath), ex)
	if err != nil {
		return err
	}
	args, err := GetVbmetaArgs(env, merged, r.CombinedTargetDir)
	if err != nil {
		return err
	}
	return MakeVbmetaImage(env, args, r.VbmetaOutput)
}

// RebuildSuperImage mixes the vendor and system builds into a new super
// image and os_vbmeta.
func RebuildSuperImage(env cvd.Env, r SuperRebuild) error {
	_, span := cvd.StartSpan(env, "disk.RebuildSuperImage")
	defer span.End()
	cvd.LogEvent(env, "the super.img is being rebuilt with provided vendor and system target files",
		"vendor_target_files", r.VendorTargetZip, "system_target_files", r.SystemTargetZip)
	if err := CombineTargetFiles(env, r); err != nil {
		err = cvd.Wrap(cvd.KindOf(err), err, "Could not combine target zip files.")
		cvd.RecordSpanError(span, err)
		return err
	}
	bin := env.HostBinary("build_super_image")
	if !fileExists(bin) {
		err := cvd.Errorf(cvd.IOFailed, "Could not find build_super_image")
		cvd.RecordSpanError(span, err)
		return err
	}
	if err := cvd.Run(env, bin, "--path="+env.HostArtifact(""), r.CombinedTargetDir, r.SuperImageOutput); err != nil {
		err = cvd.Wrap(cvd.IOFailed, err, "Could not write the final output super image.")
		cvd.RecordSpanError(span, err)
		return err
	}
	cvd.LogEvent(env, "rebuild complete", "combined_target_files", r.CombinedTargetDir,
		"super_image", r.SuperImageOutput, "vbmeta_image", r.VbmetaOutput)
	return nil
}

// RebuildSuperImageIfNecessary rebuilds the super image when a vendor and
// system build were both supplied.
func RebuildSuperImageIfNecessary(env cvd.Env, fetcher guest.FetcherConfig, inst *config.Instance) error {
	needed, err := config.SuperImageNeedsRebuilding(fetcher, inst.DefaultTargetZip, inst.SystemTargetZip)
	if err != nil || !needed {
		return err
	}
	r, err := SuperRebuildPaths(fetcher, inst)
	if err != nil {
		return err
	}
	return RebuildSuperImage(env, r)
}
