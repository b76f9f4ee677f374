// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package disk

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/cavaliergopher/cpio"
	"github.com/pierrec/lz4/v4"

	"github.com/forkbombeu/cvdassemble/internal/cvd"
)

const cpioNewcMagic = "070701"

// moduleSignatureTrailer ends every kernel module signed at build time.
const moduleSignatureTrailer = "~Module signature appended~\n"

// ramdiskModules stay in the first stage ramdisk together with everything
// they depend on.
var ramdiskModules = map[string]bool{
	"failover.ko":                          true,
	"nd_virtio.ko":                         true,
	"net_failover.ko":                      true,
	"virtio_blk.ko":                        true,
	"virtio_console.ko":                    true,
	"virtio_dma_buf.ko":                    true,
	"virtio-gpu.ko":                        true,
	"virtio_input.ko":                      true,
	"virtio_net.ko":                        true,
	"virtio_pci.ko":                        true,
	"virtio_pci_legacy_dev.ko":             true,
	"virtio_pci_modern_dev.ko":             true,
	"virtio-rng.ko":                        true,
	"vmw_vsock_virtio_transport.ko":        true,
	"vmw_vsock_virtio_transport_common.ko": true,
	"vsock.ko":                             true,
}

// openRamdisk returns the cpio stream of a ramdisk, decompressing lz4 when
// the file does not start with a newc header.
func openRamdisk(path string) (*bufio.Reader, func() error, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	br := bufio.NewReader(f)
	head, err := br.Peek(len(cpioNewcMagic))
	if err != nil && !errors.Is(err, io.EOF) {
		f.Close()
		return nil, nil, err
	}
	if len(head) == 0 || string(head) == cpioNewcMagic {
		return br, f.Close, nil
	}
	return bufio.NewReader(lz4.NewReader(br)), f.Close, nil
}

// UnpackRamdisk extracts every cpio archive concatenated in the ramdisk at
// path into dir. Later entries replace earlier ones with the same name.
func UnpackRamdisk(path, dir string) error {
	br, closeFn, err := openRamdisk(path)
	if err != nil {
		return cvd.Wrap(cvd.IOFailed, err, "open ramdisk %s", path)
	}
	defer closeFn()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return cvd.Wrap(cvd.IOFailed, err, "create %s", dir)
	}
	for {
		if err := skipZeros(br); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return cvd.Wrap(cvd.IOFailed, err, "read ramdisk %s", path)
		}
		if err := extractArchive(cpio.NewReader(br), dir); err != nil {
			return cvd.Wrap(cvd.IOFailed, err, "unpack ramdisk %s", path)
		}
	}
}

// skipZeros discards the block padding between concatenated archives.
func skipZeros(br *bufio.Reader) error {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return err
		}
		if b != 0 {
			return br.UnreadByte()
		}
	}
}

func extractArchive(r *cpio.Reader, dir string) error {
	for {
		hdr, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		name := filepath.Clean(strings.TrimPrefix(hdr.Name, "/"))
		if name == "." {
			continue
		}
		if !filepath.IsLocal(name) {
			return fmt.Errorf("entry %q escapes the archive", hdr.Name)
		}
		target := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		perm := os.FileMode(hdr.Mode.Perm())
		switch hdr.Mode & cpio.ModeType {
		case cpio.TypeDir:
			if err := os.MkdirAll(target, perm|0o700); err != nil {
				return err
			}
		case cpio.TypeSymlink:
			_ = os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		case cpio.TypeReg:
			if err := writeEntry(target, r, perm|0o600); err != nil {
				return err
			}
		default:
			// Device nodes and fifos cannot be created unprivileged; init
			// creates them at boot anyway.
		}
	}
}

func writeEntry(target string, r io.Reader, perm os.FileMode) error {
	_ = os.Remove(target)
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// PackRamdisk writes dir as an lz4 legacy compressed newc archive to path.
// Entries are sorted and owned by root, so the same tree always gives the
// same bytes.
func PackRamdisk(dir, path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return cvd.Wrap(cvd.IOFailed, err, "create ramdisk %s", path)
	}
	zw := lz4.NewWriter(f)
	if err := zw.Apply(lz4.LegacyOption(true), lz4.CompressionLevelOption(lz4.Level9)); err != nil {
		f.Close()
		return cvd.Wrap(cvd.FatalInternal, err, "configure lz4")
	}
	err = writeArchive(zw, dir)
	if cerr := zw.Close(); err == nil {
		err = cerr
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return cvd.Wrap(cvd.IOFailed, err, "pack ramdisk %s", path)
	}
	return nil
}

func writeArchive(w io.Writer, dir string) error {
	cw := cpio.NewWriter(w)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil || rel == "." {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr := &cpio.Header{Name: filepath.ToSlash(rel), Mode: cpio.FileMode(info.Mode().Perm()), Links: 1}
		switch {
		case d.IsDir():
			hdr.Mode |= cpio.TypeDir
			hdr.Links = 2
			return cw.WriteHeader(hdr)
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			hdr.Mode |= cpio.TypeSymlink
			hdr.Size = int64(len(link))
			if err := cw.WriteHeader(hdr); err != nil {
				return err
			}
			_, err = io.WriteString(cw, link)
			return err
		case d.Type().IsRegular():
			hdr.Mode |= cpio.TypeReg
			hdr.Size = info.Size()
			if err := cw.WriteHeader(hdr); err != nil {
				return err
			}
			in, err := os.Open(path)
			if err != nil {
				return err
			}
			defer in.Close()
			_, err = io.Copy(cw, in)
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}
	return cw.Close()
}

// ModuleDeps maps a module path (as listed in modules.load) to the modules
// it depends on.
type ModuleDeps map[string][]string

// ParseModuleDeps reads a modules.dep file.
func ParseModuleDeps(data string) ModuleDeps {
	deps := ModuleDeps{}
	for _, line := range strings.Split(strings.TrimSpace(data), "\n") {
		name, rest, ok := strings.Cut(line, ":")
		if !ok || name == "" {
			continue
		}
		if children := strings.Fields(rest); len(children) > 0 {
			deps[name] = children
		}
	}
	return deps
}

// TransitiveClosure returns start plus everything reachable from it.
func (d ModuleDeps) TransitiveClosure(start []string) map[string]bool {
	visited := map[string]bool{}
	queue := slices.Clone(start)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if visited[cur] {
			continue
		}
		visited[cur] = true
		queue = append(queue, d[cur]...)
	}
	return visited
}

// Filter keeps the entries and edges whose modules are all in keep. Every
// kept module gets a line, even without dependencies.
func (d ModuleDeps) Filter(keep map[string]bool) ModuleDeps {
	out := ModuleDeps{}
	for name := range keep {
		out[name] = nil
	}
	for name, children := range d {
		if !keep[name] {
			continue
		}
		for _, c := range children {
			if keep[c] {
				out[name] = append(out[name], c)
			}
		}
	}
	return out
}

// String renders modules.dep with sorted keys.
func (d ModuleDeps) String() string {
	var sb strings.Builder
	for _, name := range slices.Sorted(maps.Keys(d)) {
		sb.WriteString(name + ":")
		for _, c := range d[name] {
			sb.WriteString(" " + c)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func writeLines(path string, set map[string]bool) error {
	var buf bytes.Buffer
	for _, l := range slices.Sorted(maps.Keys(set)) {
		buf.WriteString(l + "\n")
	}
	return os.WriteFile(path, buf.Bytes(), 0o640)
}

func findFile(root, name string) (string, error) {
	var found string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && d.Name() == name {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	return found, err
}

func isSignedModule(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return false, err
	}
	if st.Size() < int64(len(moduleSignatureTrailer)) {
		return false, nil
	}
	tail := make([]byte, len(moduleSignatureTrailer))
	if _, err := f.ReadAt(tail, st.Size()-int64(len(tail))); err != nil {
		return false, err
	}
	return string(tail) == moduleSignatureTrailer, nil
}

// SplitResult counts the modules moved to each destination.
type SplitResult struct {
	Ramdisk    int
	VendorDlkm int
	SystemDlkm int
}

// SplitRamdiskModules keeps the virtio boot modules (and their deps) in the
// ramdisk at ramdiskPath and moves the rest into <vendorDir>/lib/modules or,
// for signed GKI modules, <systemDir>/lib/modules. modules.dep and
// modules.load are rewritten on every side and the ramdisk is repacked in
// place.
func SplitRamdiskModules(env cvd.Env, ramdiskPath, stageDir, vendorDir, systemDir string) (SplitResult, error) {
	var res SplitResult
	vendorModules := filepath.Join(vendorDir, "lib", "modules")
	systemModules := filepath.Join(systemDir, "lib", "modules")
	for _, dir := range []string{vendorModules, systemModules} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return res, cvd.Wrap(cvd.IOFailed, err, "create %s", dir)
		}
	}
	if err := UnpackRamdisk(ramdiskPath, stageDir); err != nil {
		return res, err
	}
	loadFile, err := findFile(stageDir, "modules.load")
	if err != nil || loadFile == "" {
		return res, cvd.Errorf(cvd.InvalidOptions, "Failed to find modules.load file in input ramdisk %s", ramdiskPath)
	}
	cvd.LogDebug(env, "found modules.load", "path", loadFile)
	loadData, err := os.ReadFile(loadFile)
	if err != nil {
		return res, cvd.Wrap(cvd.IOFailed, err, "read %s", loadFile)
	}
	moduleList := strings.Fields(string(loadData))
	baseDir := filepath.Dir(loadFile)
	depData, err := os.ReadFile(filepath.Join(baseDir, "modules.dep"))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return res, cvd.Wrap(cvd.IOFailed, err, "read modules.dep")
	}
	deps := ParseModuleDeps(string(depData))

	var roots []string
	for _, m := range moduleList {
		if ramdiskModules[filepath.Base(m)] {
			roots = append(roots, m)
		}
	}
	keep := deps.TransitiveClosure(roots)
	vendorSet, systemSet := map[string]bool{}, map[string]bool{}
	for _, m := range moduleList {
		if keep[m] {
			continue
		}
		src := filepath.Join(baseDir, m)
		signed, err := isSignedModule(src)
		if err != nil {
			return res, cvd.Wrap(cvd.IOFailed, err, "inspect module %s", m)
		}
		destRoot, set := vendorModules, vendorSet
		if signed {
			destRoot, set = systemModules, systemSet
		}
		dest := filepath.Join(destRoot, m)
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return res, cvd.Wrap(cvd.IOFailed, err, "create %s", filepath.Dir(dest))
		}
		if err := os.Rename(src, dest); err != nil {
			return res, cvd.Wrap(cvd.IOFailed, err, "move module %s", m)
		}
		set[m] = true
	}
	res = SplitResult{Ramdisk: len(keep), VendorDlkm: len(vendorSet), SystemDlkm: len(systemSet)}
	cvd.LogEvent(env, "split ramdisk modules", "ramdisk", res.Ramdisk, "vendor_dlkm", res.VendorDlkm, "system_dlkm", res.SystemDlkm)

	writes := []struct {
		path string
		data string
		set  map[string]bool
	}{
		{filepath.Join(baseDir, "modules.dep"), deps.Filter(keep).String(), nil},
		{filepath.Join(vendorModules, "modules.dep"), deps.Filter(vendorSet).String(), nil},
		{filepath.Join(systemModules, "modules.dep"), deps.Filter(systemSet).String(), nil},
		{loadFile, "", keep},
		{filepath.Join(vendorModules, "modules.load"), "", vendorSet},
		{filepath.Join(systemModules, "modules.load"), "", systemSet},
	}
	for _, w := range writes {
		if w.set != nil {
			err = writeLines(w.path, w.set)
		} else {
			err = os.WriteFile(w.path, []byte(w.data), 0o644)
		}
		if err != nil {
			return res, cvd.Wrap(cvd.IOFailed, err, "write %s", w.path)
		}
	}
	if err := PackRamdisk(stageDir, ramdiskPath); err != nil {
		return res, err
	}
	return res, nil
}

// StripModules repacks the vendor ramdisk at in without lib/modules, so
// the modules of a user-supplied ramdisk appended afterwards win.
func StripModules(in, out, stageDir string) error {
	if err := os.RemoveAll(stageDir); err != nil {
		return cvd.Wrap(cvd.IOFailed, err, "reset %s", stageDir)
	}
	if err := UnpackRamdisk(in, stageDir); err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(stageDir, "lib", "modules")); err != nil {
		return cvd.Wrap(cvd.IOFailed, err, "strip modules")
	}
	return PackRamdisk(stageDir, out)
}
