// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package tree

import (
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"

	"go.opentelemetry.io/otel/attribute"

	"github.com/forkbombeu/cvdassemble/internal/config"
	"github.com/forkbombeu/cvdassemble/internal/cvd"
)

const (
	SnapshotMetaName = "snapshot.json"
	RestoreSentinel  = "restore"

	SnapshotDelimiter = "\n\n\n" +
		"============ SNAPSHOT RESTORE POINT ============\n" +
		"Lines above are pre-snapshot.\n" +
		"Lines below are post-restore.\n" +
		"================================================\n" +
		"\n\n\n"
)

// SnapshotMeta is the part of snapshot.json the assembler reads.
type SnapshotMeta struct {
	// GuestSnapshot maps instance ids to the directory holding the guest
	// memory image, relative to the snapshot dir.
	GuestSnapshot map[string]string `json:"guest_snapshot"`
	SnapshotPath  string            `json:"snapshot_path,omitempty"`
}

// LoadSnapshotMeta reads <snapshotDir>/assembly/snapshot.json.
func LoadSnapshotMeta(snapshotDir string) (SnapshotMeta, error) {
	var meta SnapshotMeta
	path := filepath.Join(snapshotDir, "assembly", SnapshotMetaName)
	data, err := os.ReadFile(path)
	if err != nil {
		return meta, cvd.Wrap(cvd.ConfigLoadFailed, err, "read snapshot metadata")
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, cvd.Wrap(cvd.ConfigLoadFailed, err, "parse %s", path)
	}
	return meta, nil
}

// GuestDirs resolves the guest snapshot directories against snapshotDir.
func (m SnapshotMeta) GuestDirs(snapshotDir string) []string {
	dirs := make([]string, 0, len(m.GuestSnapshot))
	for _, d := range m.GuestSnapshot {
		if !filepath.IsAbs(d) {
			d = filepath.Join(snapshotDir, d)
		}
		dirs = append(dirs, filepath.Clean(d))
	}
	slices.Sort(dirs)
	return dirs
}

// RestoreHostFiles copies the host side of a snapshot into the runtime root
// and marks every instance log with a restore point. It runs before the
// disk plan, so the restored images count as existing disks.
func RestoreHostFiles(env cvd.Env, doc *config.Document, snapshotDir string) error {
	_, span := cvd.StartSpan(env, "tree.RestoreHostFiles", attribute.String("snapshot_path", snapshotDir))
	defer span.End()
	if err := restoreHostFiles(env, doc, snapshotDir); err != nil {
		cvd.RecordSpanError(span, err)
		return err
	}
	return nil
}

func restoreHostFiles(env cvd.Env, doc *config.Document, snapshotDir string) error {
	src, err := filepath.Abs(snapshotDir)
	if err != nil {
		return cvd.Wrap(cvd.IOFailed, err, "resolve %s", snapshotDir)
	}
	meta, err := LoadSnapshotMeta(src)
	if err != nil {
		return err
	}
	guestDirs := meta.GuestDirs(src)
	cvd.LogEvent(env, "restoring host files from snapshot", "snapshot_path", src, "root_dir", doc.RootDir, "guest_dirs", len(guestDirs))

	// Guest memory images stay in the snapshot; the VMM reads them in place.
	// The snapshot's own assemble log must not replace this run's.
	ownLog := filepath.Join("assembly", AssembleLogName)
	skip := func(path, rel string, d fs.DirEntry) bool {
		if d.IsDir() {
			return slices.Contains(guestDirs, path)
		}
		return rel == ownLog
	}
	if err := copyTree(src, doc.RootDir, skip); err != nil {
		return cvd.Wrap(cvd.IOFailed, err, "copy %s to %s", src, doc.RootDir)
	}

	for _, inst := range doc.OrderedInstances() {
		if err := markRestorePoint(inst.LogsDir); err != nil {
			return err
		}
	}
	return nil
}

// MarkRestored drops the restore sentinel in the assembly dir, which must
// exist by now.
func MarkRestored(env cvd.Env, doc *config.Document) error {
	sentinel := doc.AssemblyPath(RestoreSentinel)
	f, err := os.OpenFile(sentinel, os.O_CREATE|os.O_WRONLY, 0o660)
	if err != nil {
		return cvd.Wrap(cvd.IOFailed, err, "create %s", sentinel)
	}
	if err := f.Close(); err != nil {
		return cvd.Wrap(cvd.IOFailed, err, "close %s", sentinel)
	}
	cvd.LogDebug(env, "restore sentinel created", "path", sentinel)
	return nil
}

func markRestorePoint(logsDir string) error {
	entries, err := os.ReadDir(logsDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return cvd.Wrap(cvd.IOFailed, err, "list %s", logsDir)
	}
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		path := filepath.Join(logsDir, e.Name())
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
		if err != nil {
			return cvd.Wrap(cvd.IOFailed, err, "open %s", path)
		}
		_, werr := io.WriteString(f, SnapshotDelimiter)
		cerr := f.Close()
		if err := errors.Join(werr, cerr); err != nil {
			return cvd.Wrap(cvd.IOFailed, err, "append restore point to %s", path)
		}
	}
	return nil
}

// copyTree merges src into dst. Entries for which skip returns true are not
// copied, directories with their contents; existing destination files are
// replaced.
func copyTree(src, dst string, skip func(path, rel string, d fs.DirEntry) bool) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if path != src && skip(path, rel, d) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		target := filepath.Join(dst, rel)
		switch {
		case d.IsDir():
			info, err := d.Info()
			if err != nil {
				return err
			}
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			return os.Symlink(link, target)
		case d.Type().IsRegular():
			return copyFile(path, target)
		}
		// sockets and fifos are runtime artifacts
		return nil
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	if err := os.Remove(dst); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	// Restored images keep their age relative to the composite disks built
	// from them.
	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}
