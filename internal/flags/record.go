// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package flags

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/forkbombeu/cvdassemble/internal/cvd"
)

// Record is the vectorized option set. Every per-instance value list has
// length 1 (broadcast) or N. Records are never mutated; the With* methods
// return modified copies.
type Record struct {
	n        int
	defs     map[string]Def
	user     map[string][]string
	defaults map[string][]string
	values   map[string][]string
}

func newRecord(n int, defs []Def) *Record {
	r := &Record{
		n:        n,
		defs:     defIndex(defs),
		user:     map[string][]string{},
		defaults: map[string][]string{},
		values:   map[string][]string{},
	}
	for _, d := range defs {
		r.defaults[d.Name] = splitTokens(d, d.Default)
	}
	return r
}

func (r *Record) clone() *Record {
	return &Record{
		n:        r.n,
		defs:     r.defs,
		user:     maps.Clone(r.user),
		defaults: maps.Clone(r.defaults),
		values:   maps.Clone(r.values),
	}
}

// N is the instance count the record was vectorized for.
func (r *Record) N() int { return r.n }

// IsSet reports whether the user supplied the option.
func (r *Record) IsSet(name string) bool {
	_, ok := r.user[name]
	return ok
}

func (r *Record) Has(name string) bool {
	_, ok := r.defs[name]
	return ok
}

func (r *Record) raw(name string, i int) string {
	vals := r.values[name]
	if len(vals) == 0 {
		return ""
	}
	if i >= len(vals) || i < 0 {
		return vals[0]
	}
	return vals[i]
}

func (r *Record) Str(name string, i int) string { return r.raw(name, i) }

func (r *Record) Bool(name string, i int) bool {
	b, _ := ParseBool(r.raw(name, i))
	return b
}

func (r *Record) Int(name string, i int) int {
	v, _ := strconv.Atoi(strings.TrimSpace(r.raw(name, i)))
	return v
}

// Strs returns the per-instance values expanded to length N.
func (r *Record) Strs(name string) []string {
	out := make([]string, r.n)
	for i := range out {
		out[i] = r.raw(name, i)
	}
	return out
}

// List splits a global CSV option into its non-empty items.
func (r *Record) List(name string) []string {
	var out []string
	for _, item := range strings.Split(r.raw(name, 0), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Names returns the option names in sorted order.
func (r *Record) Names() []string {
	return slices.Sorted(maps.Keys(r.defs))
}

// WithDefault replaces an option's default list and re-resolves it.
// User-supplied values win, except for `unset` tokens.
func (r *Record) WithDefault(name string, defaults ...string) (*Record, error) {
	if _, ok := r.defs[name]; !ok {
		return nil, cvd.Errorf(cvd.FatalInternal, "unknown option %q", name)
	}
	next := r.clone()
	next.defaults[name] = defaults
	if err := next.resolve(name); err != nil {
		return nil, err
	}
	return next, nil
}

// WithValue forces an option's value as if the user had passed it.
func (r *Record) WithValue(name string, values ...string) (*Record, error) {
	if _, ok := r.defs[name]; !ok {
		return nil, cvd.Errorf(cvd.FatalInternal, "unknown option %q", name)
	}
	next := r.clone()
	next.user[name] = values
	if err := next.resolve(name); err != nil {
		return nil, err
	}
	return next, nil
}

func (r *Record) resolve(name string) error {
	def := r.defs[name]
	defaults := r.defaults[name]
	tokens, fromUser := r.user[name]
	if !fromUser {
		tokens = defaults
	}
	if len(tokens) == 0 {
		tokens = []string{""}
	}
	if !def.Global && len(tokens) != 1 && len(tokens) != r.n {
		return cvd.Errorf(cvd.InvalidOptions, "--%s: expected 1 or %d values, got %d", name, r.n, len(tokens))
	}
	resolved := make([]string, len(tokens))
	for j, tok := range tokens {
		if isUnset(tok) {
			tok = ""
			if len(defaults) > 0 {
				tok = defaults[min(j, len(defaults)-1)]
			}
		}
		if err := checkToken(def, tok); err != nil {
			return err
		}
		resolved[j] = tok
	}
	r.values[name] = resolved
	return nil
}

func isUnset(tok string) bool {
	return strings.Trim(strings.TrimSpace(tok), `"'`) == "unset"
}

func splitTokens(d Def, raw string) []string {
	if d.Global {
		return []string{raw}
	}
	return strings.Split(raw, ",")
}

func checkToken(d Def, tok string) error {
	switch d.Kind {
	case Bool:
		if _, err := ParseBool(tok); err != nil {
			return cvd.Wrap(cvd.InvalidOptions, err, "--%s", d.Name)
		}
	case Int:
		if _, err := strconv.Atoi(strings.TrimSpace(tok)); err != nil {
			return cvd.Errorf(cvd.InvalidOptions, "--%s: %q is not an integer", d.Name, tok)
		}
	case Enum:
		if !slices.Contains(d.Values, tok) {
			return cvd.Errorf(cvd.InvalidOptions, "--%s: %q is not one of %v", d.Name, tok, d.Values)
		}
	}
	return nil
}

// ParseBool accepts the gflags spellings, case-insensitively.
func ParseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "y", "1", "on":
		return true, nil
	case "false", "no", "n", "0", "off":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean value %q", s)
}
