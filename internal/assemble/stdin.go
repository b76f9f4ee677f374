// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package assemble

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/forkbombeu/cvdassemble/internal/cvd"
)

const notChainedHint = "expected to be passed the output of a previous stage. Did you mean to run launch_cvd?"

// checkNoTTY refuses to run interactively. Only real files are checked;
// in-process callers hand over any reader.
func checkNoTTY(stdin io.Reader) error {
	f, ok := stdin.(*os.File)
	if !ok {
		return nil
	}
	if _, err := f.Stat(); err != nil {
		return cvd.Wrap(cvd.InvalidOptions, err, "stdin was not a valid file descriptor, %s", notChainedHint)
	}
	if isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()) {
		return cvd.Errorf(cvd.InvalidOptions, "stdin was a tty, %s", notChainedHint)
	}
	return nil
}

// readInputFiles returns the non-empty lines of stdin.
func readInputFiles(stdin io.Reader) ([]string, error) {
	if stdin == nil {
		return nil, nil
	}
	var paths []string
	sc := bufio.NewScanner(stdin)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			paths = append(paths, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, cvd.Wrap(cvd.IOFailed, err, "read stdin")
	}
	return paths, nil
}
