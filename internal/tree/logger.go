// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package tree

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/forkbombeu/cvdassemble/internal/cvd"
)

const AssembleLogName = "assemble_cvd.log"

// LogFile is the assembler's own log. Outside the sandbox it starts as an
// anonymous file next to the runtime root and gets a name only once the
// assembly dir exists.
type LogFile struct {
	f *os.File
	// anonymous is set for O_TMPFILE files; tmpName for the named fallback.
	anonymous bool
	tmpName   string
}

// OpenLog opens the log file for a run rooted at instanceDir.
func OpenLog(env cvd.Env, instanceDir string) (*LogFile, error) {
	root, err := filepath.Abs(instanceDir)
	if err != nil {
		return nil, cvd.Wrap(cvd.IOFailed, err, "resolve %s", instanceDir)
	}
	if env.Sandbox {
		path := filepath.Join(root, "instances", "cvd-1", "logs", LauncherLog)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, cvd.Wrap(cvd.IOFailed, err, "create %s", filepath.Dir(path))
		}
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o660)
		if err != nil {
			return nil, cvd.Wrap(cvd.IOFailed, err, "open %s", path)
		}
		return &LogFile{f: f}, nil
	}

	// Only the direct parent is used; the runtime root itself may be purged.
	parent := filepath.Dir(root)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return nil, cvd.Wrap(cvd.IOFailed, err, "create %s", parent)
	}
	fd, err := unix.Open(parent, unix.O_TMPFILE|unix.O_WRONLY|unix.O_CLOEXEC, 0o660)
	if err == nil {
		return &LogFile{f: os.NewFile(uintptr(fd), filepath.Join(parent, "(anonymous log)")), anonymous: true}, nil
	}
	cvd.LogDebug(env, "O_TMPFILE unavailable, using a named log file", "dir", parent, "error", err.Error())
	f, err := os.CreateTemp(parent, ".assemble_cvd.*.log")
	if err != nil {
		return nil, cvd.Wrap(cvd.IOFailed, err, "create log file in %s", parent)
	}
	if err := f.Chmod(0o660); err != nil {
		f.Close()
		return nil, cvd.Wrap(cvd.IOFailed, err, "chmod %s", f.Name())
	}
	return &LogFile{f: f, tmpName: f.Name()}, nil
}

func (l *LogFile) Writer() io.Writer { return l.f }

func (l *LogFile) Close() error { return l.f.Close() }

// Link gives the log a name at path, replacing whatever was there.
func (l *LogFile) Link(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	switch {
	case l.anonymous:
		err := unix.Linkat(int(l.f.Fd()), "", unix.AT_FDCWD, path, unix.AT_EMPTY_PATH)
		if err == nil {
			return nil
		}
		// AT_EMPTY_PATH needs CAP_DAC_READ_SEARCH; the proc link does not.
		proc := "/proc/self/fd/" + strconv.Itoa(int(l.f.Fd()))
		return unix.Linkat(unix.AT_FDCWD, proc, unix.AT_FDCWD, path, unix.AT_SYMLINK_FOLLOW)
	case l.tmpName != "":
		if err := os.Rename(l.tmpName, path); err != nil {
			return err
		}
		l.tmpName = path
		return nil
	default:
		return os.Link(l.f.Name(), path)
	}
}

// InstallLogger routes the package logger to stderr at consoleLevel and to
// the log file at fileLevel.
func InstallLogger(console io.Writer, consoleLevel slog.Level, log *LogFile, fileLevel slog.Level) {
	var file io.Writer
	if log != nil {
		file = log.Writer()
	}
	cvd.UseLogger(cvd.NewTeeLogger(console, consoleLevel, file, fileLevel))
}
