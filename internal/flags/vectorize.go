// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package flags

import (
	"strings"

	"github.com/spf13/pflag"

	"github.com/forkbombeu/cvdassemble/internal/cvd"
)

// Register adds every option to fs as a string flag so that CSV vectors and
// gflags boolean spellings survive parsing. Bool options may be given bare.
func Register(fs *pflag.FlagSet, defs []Def) {
	for _, d := range defs {
		if fs.Lookup(d.Name) != nil {
			continue
		}
		fs.String(d.Name, d.Default, d.Usage)
		if d.Kind == Bool {
			fs.Lookup(d.Name).NoOptDefVal = "true"
		}
	}
}

// Vectorize reads the parsed flag set and produces the per-instance Record
// for n instances. It is the only consumer of raw option values.
func Vectorize(fs *pflag.FlagSet, defs []Def, n int) (*Record, error) {
	if n < 1 {
		return nil, cvd.Errorf(cvd.InvalidOptions, "instance count must be at least 1, got %d", n)
	}
	rec := newRecord(n, defs)
	for _, d := range defs {
		if f := fs.Lookup(d.Name); f != nil && f.Changed {
			rec.user[d.Name] = splitTokens(d, f.Value.String())
		}
		if err := rec.resolve(d.Name); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

// FromArgs is a convenience for tests and embedders: it registers defs on a
// fresh flag set, parses args tolerantly and vectorizes for n instances.
func FromArgs(defs []Def, args []string, n int) (*Record, error) {
	fs := NewFlagSet("assemble_cvd")
	Register(fs, defs)
	if err := fs.Parse(NormalizeArgs(fs, args)); err != nil {
		return nil, cvd.Wrap(cvd.InvalidOptions, err, "parse flags")
	}
	return Vectorize(fs, defs, n)
}

// NewFlagSet returns a flag set that tolerates unknown flags.
func NewFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.ParseErrorsAllowlist.UnknownFlags = true
	fs.Usage = func() {}
	return fs
}

// NormalizeArgs rewrites gflags spellings into pflag ones: single-dash long
// flags become double-dash and --noFOO becomes --FOO=false for bool-like flags.
func NormalizeArgs(fs *pflag.FlagSet, args []string) []string {
	out := make([]string, 0, len(args))
	for i, arg := range args {
		if arg == "--" {
			out = append(out, args[i:]...)
			break
		}
		if strings.HasPrefix(arg, "-") && !strings.HasPrefix(arg, "--") && len(arg) > 2 {
			arg = "-" + arg
		}
		if strings.HasPrefix(arg, "--no") && !strings.Contains(arg, "=") {
			name := strings.TrimPrefix(arg, "--no")
			if fs.Lookup(arg[2:]) == nil {
				if f := fs.Lookup(name); f != nil && f.NoOptDefVal == "true" {
					arg = "--" + name + "=false"
				}
			}
		}
		out = append(out, arg)
	}
	return out
}
