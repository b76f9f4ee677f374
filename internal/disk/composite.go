// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package disk

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	digest "github.com/opencontainers/go-digest"
	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/forkbombeu/cvdassemble/internal/config"
	"github.com/forkbombeu/cvdassemble/internal/cvd"
)

// Field numbers of the crosvm cdisk_spec.proto messages.
const (
	compositeFieldVersion        protowire.Number = 1
	compositeFieldComponentDisks protowire.Number = 2
	compositeFieldLength         protowire.Number = 3

	componentFieldFilePath      protowire.Number = 1
	componentFieldOffset        protowire.Number = 2
	componentFieldReadWriteCaps protowire.Number = 3

	compositeVersion = 2
	readWrite        = 1
)

// Partition is one image of a composite disk.
type Partition struct {
	Label    string
	Path     string
	Type     PartitionType
	ReadOnly bool
}

func errTooManyPartitions(n int) error {
	return cvd.Errorf(cvd.InvalidOptions, "too many partitions: %d > %d", n, gptNumPartitions)
}

func errUnknownPartitionType(p Partition) error {
	return cvd.Errorf(cvd.FatalInternal, "unknown partition type %d for %s", p.Type, p.Label)
}

type placedPartition struct {
	source Partition
	size   uint64
	offset uint64
}

func (p placedPartition) alignedSize() uint64 { return AlignToPartitionSize(p.size) }

// layout places partitions back to back after the GPT beginning.
type layout struct {
	parts      []placedPartition
	nextOffset uint64
	readOnly   bool
}

func newLayout(readOnly bool) *layout {
	return &layout{nextOffset: gptBeginningSize, readOnly: readOnly}
}

func (l *layout) append(p Partition) error {
	size, err := ExpandedStorageSize(p.Path)
	if err != nil {
		return cvd.Wrap(cvd.IOFailed, err, "size of partition %s", p.Label)
	}
	aligned := AlignToPartitionSize(size)
	if size != aligned && !l.readOnly {
		return cvd.Errorf(cvd.InvalidOptions, "read-write partition %q is not aligned to the size of %d", p.Label, 1<<partitionSizeShift)
	}
	l.parts = append(l.parts, placedPartition{source: p, size: size, offset: l.nextOffset})
	l.nextOffset += aligned
	return nil
}

func (l *layout) diskSize() uint64 {
	return alignToPowerOf2(l.nextOffset+gptEndSize, diskSizeShift)
}

func appendComponent(b []byte, path string, offset uint64, rw bool) []byte {
	var c []byte
	c = protowire.AppendTag(c, componentFieldFilePath, protowire.BytesType)
	c = protowire.AppendString(c, path)
	c = protowire.AppendTag(c, componentFieldOffset, protowire.VarintType)
	c = protowire.AppendVarint(c, offset)
	if rw {
		c = protowire.AppendTag(c, componentFieldReadWriteCaps, protowire.VarintType)
		c = protowire.AppendVarint(c, readWrite)
	}
	b = protowire.AppendTag(b, compositeFieldComponentDisks, protowire.BytesType)
	return protowire.AppendBytes(b, c)
}

// compositeSpec serializes the CompositeDisk message for l. Partitions whose
// size is not aligned are followed by a read-only slice of the header file,
// which is always larger than the gap.
func (l *layout) compositeSpec(headerPath, footerPath string) ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, compositeFieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, compositeVersion)
	b = appendComponent(b, headerPath, 0, false)
	for _, p := range l.parts {
		size, err := ExpandedStorageSize(p.source.Path)
		if err != nil {
			return nil, cvd.Wrap(cvd.IOFailed, err, "size of partition %s", p.source.Label)
		}
		if size != p.size {
			return nil, cvd.Errorf(cvd.IOFailed, "partition %s changed size while building the disk (%d != %d)", p.source.Label, size, p.size)
		}
		b = appendComponent(b, p.source.Path, p.offset, !l.readOnly)
		if p.alignedSize() != p.size {
			b = appendComponent(b, headerPath, p.offset+p.size, false)
		}
	}
	b = appendComponent(b, footerPath, l.nextOffset, false)
	b = protowire.AppendTag(b, compositeFieldLength, protowire.VarintType)
	b = protowire.AppendVarint(b, l.diskSize())
	return b, nil
}

// Builder decides whether a composite disk is stale and rebuilds it and its
// qcow2 overlay.
type Builder struct {
	Partitions    []Partition
	VmManager     string
	CrosvmPath    string
	QemuImgPath   string
	ConfigPath    string
	HeaderPath    string
	FooterPath    string
	CompositePath string
	OverlayPath   string
	ReadOnly      bool
	Resume        bool
}

// TextConfig is the record of the VMM and partition paths kept next to the
// composite disk; a change in it forces a rebuild.
func (b *Builder) TextConfig() (string, error) {
	if b.VmManager == "" {
		return "", cvd.Errorf(cvd.FatalInternal, "missing vm_manager for %s", b.CompositePath)
	}
	if len(b.Partitions) == 0 {
		return "", cvd.Errorf(cvd.FatalInternal, "no partitions for %s", b.CompositePath)
	}
	var sb strings.Builder
	sb.WriteString(b.VmManager + "\n")
	for _, p := range b.Partitions {
		sb.WriteString(p.Path + "\n")
	}
	return sb.String(), nil
}

// WillRebuild reports whether BuildIfNecessary would write a new composite.
func (b *Builder) WillRebuild(env cvd.Env) (bool, error) {
	if !b.Resume {
		return true, nil
	}
	text, err := b.TextConfig()
	if err != nil {
		return false, err
	}
	if b.ConfigPath == "" {
		return false, cvd.Errorf(cvd.FatalInternal, "no config path for %s", b.CompositePath)
	}
	prev, err := os.ReadFile(b.ConfigPath)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, cvd.Wrap(cvd.IOFailed, err, "read %s", b.ConfigPath)
	}
	if want, got := digest.FromString(text), digest.FromBytes(prev); want != got {
		cvd.LogDebug(env, "composite disk link config has changed", "path", b.ConfigPath, "want", want.String(), "got", got.String())
		return true, nil
	}
	composite, err := os.Stat(b.CompositePath)
	if err != nil {
		return true, nil
	}
	for _, p := range b.Partitions {
		st, err := os.Stat(p.Path)
		if err != nil {
			continue
		}
		if st.ModTime().After(composite.ModTime()) {
			cvd.LogDebug(env, "partition is newer than the composite disk", "partition", p.Label, "path", p.Path, "composite", b.CompositePath)
			return true, nil
		}
	}
	return false, nil
}

// BuildIfNecessary writes the composite disk when WillRebuild says so and
// reports whether it did.
func (b *Builder) BuildIfNecessary(env cvd.Env) (bool, error) {
	_, span := cvd.StartSpan(env, "disk.BuildComposite", attribute.String("composite", b.CompositePath))
	defer span.End()
	built, err := b.buildIfNecessary(env)
	cvd.RecordSpanError(span, err)
	return built, err
}

func (b *Builder) buildIfNecessary(env cvd.Env) (bool, error) {
	rebuild, err := b.WillRebuild(env)
	if err != nil || !rebuild {
		return false, err
	}
	if err := deAndroidSparse(env, b.Partitions); err != nil {
		return false, err
	}
	switch b.VmManager {
	case config.VmmGem5, config.VmmQemu:
		err = aggregateImage(b.Partitions, b.CompositePath)
	default:
		err = createCompositeDisk(b.Partitions, b.HeaderPath, b.FooterPath, b.CompositePath, b.ReadOnly)
	}
	if err != nil {
		return false, err
	}
	text, _ := b.TextConfig()
	if b.ConfigPath != "" {
		if err := os.WriteFile(b.ConfigPath, []byte(text), 0o644); err != nil {
			return false, cvd.Wrap(cvd.IOFailed, err, "write %s", b.ConfigPath)
		}
	}
	cvd.LogEvent(env, "composite disk built", "path", b.CompositePath, "partitions", len(b.Partitions), "vm_manager", b.VmManager)
	return true, nil
}

// BuildOverlayIfNecessary creates the qcow2 overlay over the composite disk
// unless a resumable overlay at least as new as the composite exists.
func (b *Builder) BuildOverlayIfNecessary(env cvd.Env) (bool, error) {
	if b.OverlayPath == "" {
		return false, cvd.Errorf(cvd.FatalInternal, "no overlay path for %s", b.CompositePath)
	}
	if b.VmManager == config.VmmGem5 {
		return false, cvd.Errorf(cvd.InvalidOptions, "overlays are not supported on gem5")
	}
	composite, err := os.Stat(b.CompositePath)
	if err != nil {
		return false, cvd.Wrap(cvd.IOFailed, err, "composite disk for overlay")
	}
	if b.Resume {
		if overlay, err := os.Stat(b.OverlayPath); err == nil && !overlay.ModTime().Before(composite.ModTime()) {
			return false, nil
		}
	}
	if err := CreateQcowOverlay(env, b.VmManager, b.CrosvmPath, b.QemuImgPath, b.CompositePath, b.OverlayPath); err != nil {
		return false, err
	}
	return true, nil
}

// CreateQcowOverlay writes a qcow2 image at overlay backed by backing.
func CreateQcowOverlay(env cvd.Env, vmm, crosvm, qemuImg, backing, overlay string) error {
	if err := os.Remove(overlay); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cvd.Wrap(cvd.IOFailed, err, "remove stale overlay %s", overlay)
	}
	var cmd *cvd.Command
	if vmm == config.VmmQemu {
		if qemuImg == "" {
			return cvd.Errorf(cvd.FatalInternal, "qemu-img path missing")
		}
		cmd = cvd.NewCommand(qemuImg, "create", "-f", "qcow2", "-F", "raw", "-b", backing, overlay)
	} else {
		if crosvm == "" {
			return cvd.Errorf(cvd.FatalInternal, "crosvm binary missing")
		}
		cmd = cvd.NewCommand(crosvm, "create_qcow2", "--backing-file="+backing, overlay)
	}
	if err := cmd.Run(env); err != nil {
		return cvd.Wrap(cvd.IOFailed, err, "create overlay %s", overlay)
	}
	cvd.LogDebug(env, "created qcow2 overlay", "overlay", overlay, "backing", backing)
	return nil
}

func absPath(p string) string {
	if a, err := filepath.Abs(p); err == nil {
		return a
	}
	return p
}

func createCompositeDisk(parts []Partition, headerPath, footerPath, compositePath string, readOnly bool) error {
	if headerPath == "" || footerPath == "" {
		return cvd.Errorf(cvd.FatalInternal, "header and footer paths are required for %s", compositePath)
	}
	headerPath, footerPath = absPath(headerPath), absPath(footerPath)
	l := newLayout(readOnly)
	for _, p := range parts {
		p.Path = absPath(p.Path)
		if err := l.append(p); err != nil {
			return err
		}
	}
	table, err := newGptTable(l)
	if err != nil {
		return err
	}
	if err := os.WriteFile(headerPath, table.beginning(), 0o600); err != nil {
		return cvd.Wrap(cvd.IOFailed, err, "write GPT beginning to %s", headerPath)
	}
	if err := os.WriteFile(footerPath, table.end(l.diskSize()), 0o600); err != nil {
		return cvd.Wrap(cvd.IOFailed, err, "write GPT end to %s", footerPath)
	}
	spec, err := l.compositeSpec(headerPath, footerPath)
	if err != nil {
		return err
	}
	out := append([]byte(compositeDiskMagic), spec...)
	if err := os.WriteFile(compositePath, out, 0o644); err != nil {
		return cvd.Wrap(cvd.IOFailed, err, "write composite disk %s", compositePath)
	}
	return nil
}

// aggregateImage copies every partition into a single raw GPT disk, for
// VMMs that cannot read crosvm composite disks.
func aggregateImage(parts []Partition, outputPath string) error {
	l := newLayout(false)
	for _, p := range parts {
		if err := l.append(p); err != nil {
			return err
		}
	}
	table, err := newGptTable(l)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return cvd.Wrap(cvd.IOFailed, err, "create %s", outputPath)
	}
	w := bufio.NewWriterSize(f, 1<<20)
	err = writeAggregate(w, table, l)
	if err == nil {
		err = w.Flush()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return cvd.Wrap(cvd.IOFailed, err, "aggregate into %s", outputPath)
	}
	return nil
}

func writeAggregate(w io.Writer, table *gptTable, l *layout) error {
	if _, err := w.Write(table.beginning()); err != nil {
		return err
	}
	for _, p := range l.parts {
		in, err := os.Open(p.source.Path)
		if err != nil {
			return err
		}
		n, err := io.Copy(w, in)
		in.Close()
		if err != nil {
			return fmt.Errorf("copy %s: %w", p.source.Path, err)
		}
		if pad := AlignToPartitionSize(uint64(n)) - uint64(n); pad > 0 {
			if _, err := w.Write(make([]byte, pad)); err != nil {
				return err
			}
		}
	}
	_, err := w.Write(table.end(l.diskSize()))
	return err
}

// deAndroidSparse converts android-sparse partitions to raw images in place.
func deAndroidSparse(env cvd.Env, parts []Partition) error {
	for _, p := range parts {
		sparse, err := IsAndroidSparse(p.Path)
		if err != nil {
			return cvd.Wrap(cvd.IOFailed, err, "inspect %s", p.Path)
		}
		if !sparse {
			continue
		}
		tmp := p.Path + ".raw.tmp"
		if err := cvd.Run(env, env.HostBinary("simg2img"), p.Path, tmp); err != nil {
			return cvd.Wrap(cvd.IOFailed, err, "desparse %s", p.Path)
		}
		if err := os.Rename(tmp, p.Path); err != nil {
			return cvd.Wrap(cvd.IOFailed, err, "replace %s", p.Path)
		}
		cvd.LogDebug(env, "converted android-sparse image to raw", "path", p.Path)
	}
	return nil
}
