// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package tree

import (
	"bytes"
	"errors"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sys/unix"

	"github.com/forkbombeu/cvdassemble/internal/cvd"
)

// lsofArgsPerCall keeps a single lsof invocation under ARG_MAX.
const lsofArgsPerCall = 512

// lsofBinary is looked up in PATH; tests point PATH at a stub.
var lsofBinary = "lsof"

// Purge removes the previous run's state under every root, keeping entries
// whose base name is in keep. Roots that do not exist are skipped. Outside
// the sandbox, any file still held open by a process aborts the purge
// before anything is removed.
func Purge(env cvd.Env, roots []string, keep PreservationSet) error {
	_, span := cvd.StartSpan(env, "tree.Purge", attribute.Int("roots", len(roots)), attribute.Int("preserved", len(keep)))
	defer span.End()

	var resolved []string
	for _, root := range roots {
		real, err := filepath.EvalSymlinks(root)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			err = cvd.Wrap(cvd.IOFailed, err, "resolve %s", root)
			cvd.RecordSpanError(span, err)
			return err
		}
		resolved = append(resolved, real)
	}

	if !env.Sandbox {
		if err := checkNotInUse(env, resolved); err != nil {
			cvd.RecordSpanError(span, err)
			return err
		}
	}

	for _, root := range resolved {
		cvd.LogDebug(env, "cleaning prior files", "dir", root)
		if err := purgeDir(root, keep); err != nil {
			err = cvd.Wrap(cvd.IOFailed, err, "clean %s", root)
			cvd.RecordSpanError(span, err)
			return err
		}
	}
	cvd.LogEvent(env, "prior files cleaned", "dirs", strings.Join(resolved, ","))
	return nil
}

func purgeDir(dir string, keep PreservationSet) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if keep.Has(e.Name()) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		// DirEntry types come from lstat: symlinks to directories are
		// removed as links, never followed.
		if e.IsDir() {
			if err := purgeDir(path, keep); err != nil {
				return err
			}
			if err := unix.Rmdir(path); err != nil && !tolerableRmdirError(err) {
				return &fs.PathError{Op: "rmdir", Path: path, Err: err}
			}
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// A directory that still holds preserved files, or a bind mount in the
// sandbox, stays in place.
func tolerableRmdirError(err error) bool {
	return errors.Is(err, unix.ENOTEMPTY) || errors.Is(err, unix.EROFS) || errors.Is(err, unix.EBUSY)
}

func checkNotInUse(env cvd.Env, roots []string) error {
	files, err := filesUnder(roots)
	if err != nil {
		return cvd.Wrap(cvd.IOFailed, err, "list prior files")
	}
	if len(files) == 0 {
		return nil
	}
	var pids []int
	if bin, lookErr := exec.LookPath(lsofBinary); lookErr == nil {
		pids, err = lsofPids(env, bin, files)
	} else {
		cvd.LogDebug(env, "lsof not found, scanning /proc", "error", lookErr.Error())
		pids, err = procPids(files)
	}
	if err != nil {
		return err
	}
	if len(pids) > 0 {
		strs := make([]string, len(pids))
		for i, p := range pids {
			strs[i] = strconv.Itoa(p)
		}
		return cvd.Errorf(cvd.FilesInUse, "prior files are still open by processes %s; stop the running device first", strings.Join(strs, ","))
	}
	return nil
}

// filesUnder lists every path below roots, roots included. Symlinks are
// listed but not followed.
func filesUnder(roots []string) ([]string, error) {
	var out []string
	for _, root := range roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return err
			}
			out = append(out, path)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func lsofPids(env cvd.Env, bin string, files []string) ([]int, error) {
	seen := map[int]bool{}
	for chunk := range slices.Chunk(files, lsofArgsPerCall) {
		cmd := exec.Command(bin, append([]string{"-t"}, chunk...)...)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		err := cmd.Run()
		var exit *exec.ExitError
		// lsof exits 1 both when nothing is open and when some of the
		// paths vanished; an empty stdout means no holder either way.
		if errors.As(err, &exit) && exit.ExitCode() == 1 && stdout.Len() == 0 {
			continue
		}
		if err != nil && stdout.Len() == 0 {
			return nil, cvd.Wrap(cvd.IOFailed, err, "lsof failed: %s", strings.TrimSpace(stderr.String()))
		}
		for _, line := range strings.Fields(stdout.String()) {
			pid, convErr := strconv.Atoi(line)
			if convErr != nil {
				cvd.LogWarn(env, "unexpected lsof output", "line", line)
				continue
			}
			seen[pid] = true
		}
	}
	return sortedPids(seen), nil
}

// procRoot is swapped in tests.
var procRoot = "/proc"

func procPids(files []string) ([]int, error) {
	want := make(map[string]bool, len(files))
	for _, f := range files {
		want[f] = true
	}
	self := os.Getpid()
	fds, err := filepath.Glob(filepath.Join(procRoot, "[0-9]*", "fd", "*"))
	if err != nil {
		return nil, cvd.Wrap(cvd.IOFailed, err, "scan %s", procRoot)
	}
	seen := map[int]bool{}
	for _, fd := range fds {
		target, err := os.Readlink(fd)
		if err != nil || !want[target] {
			continue
		}
		pid, err := strconv.Atoi(filepath.Base(filepath.Dir(filepath.Dir(fd))))
		if err != nil || pid == self {
			continue
		}
		seen[pid] = true
	}
	return sortedPids(seen), nil
}

func sortedPids(seen map[int]bool) []int {
	pids := make([]int, 0, len(seen))
	for pid := range seen {
		pids = append(pids, pid)
	}
	slices.Sort(pids)
	return pids
}
