// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/spf13/pflag"

	"github.com/forkbombeu/cvdassemble/internal/cvd"
)

// Fragment is a feature-owned sub-document of the configuration. Each
// fragment parses its own flags and serializes under fragments.<Name>.
type Fragment interface {
	Name() string
	RegisterFlags(fs *pflag.FlagSet)
	Serialize() (json.RawMessage, error)
	Deserialize(json.RawMessage) error
}

// Fragments returns a fresh instance of every known fragment, in a fixed
// order.
func Fragments(env cvd.Env) []Fragment {
	return []Fragment{
		&AdbFragment{},
		&CustomActionsFragment{defaultConfig: defaultCustomActionConfig(env)},
		&DisplaysFragment{},
		&FastbootFragment{},
		&TouchpadsFragment{},
	}
}

// FindFragment returns the first fragment of type T in frags.
func FindFragment[T Fragment](frags []Fragment) (T, bool) {
	for _, f := range frags {
		if t, ok := f.(T); ok {
			return t, true
		}
	}
	var zero T
	return zero, false
}

// SerializeFragments runs every fragment's serializer. Duplicate names are
// an internal error.
func SerializeFragments(frags []Fragment) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(frags))
	for _, f := range frags {
		if _, dup := out[f.Name()]; dup {
			return nil, cvd.Errorf(cvd.FatalInternal, "duplicate config fragment %q", f.Name())
		}
		raw, err := f.Serialize()
		if err != nil {
			kind := cvd.KindOf(err)
			if kind == "" {
				kind = cvd.FatalInternal
			}
			return nil, cvd.Wrap(kind, err, "serialize fragment %s", f.Name())
		}
		out[f.Name()] = raw
	}
	return out, nil
}

// DeserializeFragments loads each fragment present in doc.
func DeserializeFragments(doc *Document, frags []Fragment) error {
	for _, f := range frags {
		raw, ok := doc.Fragments[f.Name()]
		if !ok {
			continue
		}
		if err := f.Deserialize(raw); err != nil {
			return cvd.Wrap(cvd.ConfigLoadFailed, err, "fragment %s", f.Name())
		}
	}
	return nil
}

var adbModes = []string{"vsock_tunnel", "vsock_half_tunnel", "native_vsock"}

type AdbFragment struct {
	modes        string
	Modes        []string `json:"mode"`
	RunConnector bool     `json:"run_connector"`
}

func (a *AdbFragment) Name() string { return "adb" }

func (a *AdbFragment) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVar(&a.modes, "adb_mode", "vsock_half_tunnel", "Mode for ADB connection. Can be a comma separated list of "+strings.Join(adbModes, ", "))
	fs.BoolVar(&a.RunConnector, "run_adb_connector", true, "Maintain adb connection by sending 'adb connect' commands to the server")
}

func (a *AdbFragment) Serialize() (json.RawMessage, error) {
	if a.Modes == nil {
		if err := a.parseModes(); err != nil {
			return nil, err
		}
	}
	return json.Marshal(a)
}

func (a *AdbFragment) parseModes() error {
	a.Modes = []string{}
	for _, m := range strings.Split(a.modes, ",") {
		if m = strings.TrimSpace(m); m == "" {
			continue
		}
		if !slices.Contains(adbModes, m) {
			return cvd.Errorf(cvd.InvalidOptions, "--adb_mode: unknown mode %q", m)
		}
		if !slices.Contains(a.Modes, m) {
			a.Modes = append(a.Modes, m)
		}
	}
	return nil
}

func (a *AdbFragment) Deserialize(raw json.RawMessage) error {
	return json.Unmarshal(raw, a)
}

type FastbootFragment struct {
	ProxyFastboot bool `json:"proxy_fastboot"`
}

func (f *FastbootFragment) Name() string { return "fastboot" }

func (f *FastbootFragment) RegisterFlags(fs *pflag.FlagSet) {
	fs.BoolVar(&f.ProxyFastboot, "proxy_fastboot", true, "Enable the fastboot proxy")
}

func (f *FastbootFragment) Serialize() (json.RawMessage, error) { return json.Marshal(f) }

func (f *FastbootFragment) Deserialize(raw json.RawMessage) error {
	return json.Unmarshal(raw, f)
}

const maxDisplayFlags = 4

// DisplaysFragment owns --display0..--display3. Its configs apply to every
// instance that has no displays_json entry.
type DisplaysFragment struct {
	flags    [maxDisplayFlags]string
	Displays []DisplayConfig `json:"displays"`
}

func (d *DisplaysFragment) Name() string { return "displays" }

func (d *DisplaysFragment) RegisterFlags(fs *pflag.FlagSet) {
	for i := range d.flags {
		fs.StringVar(&d.flags[i], fmt.Sprintf("display%d", i), "",
			"Display configuration, e.g. width=720,height=1280,dpi=320,refresh_rate_hz=60")
	}
}

// Configs parses the display flags. It is safe to call more than once.
func (d *DisplaysFragment) Configs() ([]DisplayConfig, error) {
	if d.Displays != nil {
		return d.Displays, nil
	}
	out := []DisplayConfig{}
	for i, raw := range d.flags {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		cfg, err := ParseDisplayConfig(raw)
		if err != nil {
			return nil, cvd.Wrap(cvd.InvalidOptions, err, "--display%d", i)
		}
		out = append(out, cfg)
	}
	d.Displays = out
	return out, nil
}

func (d *DisplaysFragment) Serialize() (json.RawMessage, error) {
	if _, err := d.Configs(); err != nil {
		return nil, err
	}
	return json.Marshal(d)
}

func (d *DisplaysFragment) Deserialize(raw json.RawMessage) error {
	return json.Unmarshal(raw, d)
}

// ParseDisplayConfig reads width=W,height=H[,dpi=D][,refresh_rate_hz=R].
func ParseDisplayConfig(s string) (DisplayConfig, error) {
	cfg := DisplayConfig{Dpi: 320, RefreshRateHz: 60}
	kv, err := parseKeyValues(s)
	if err != nil {
		return cfg, err
	}
	for k, v := range kv {
		if k == "overlays" {
			cfg.Overlays = v
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return cfg, fmt.Errorf("%s=%q must be a positive integer", k, v)
		}
		switch k {
		case "width":
			cfg.Width = n
		case "height":
			cfg.Height = n
		case "dpi":
			cfg.Dpi = n
		case "refresh_rate_hz":
			cfg.RefreshRateHz = n
		default:
			return cfg, fmt.Errorf("unknown display key %q", k)
		}
	}
	if cfg.Width == 0 || cfg.Height == 0 {
		return cfg, fmt.Errorf("display %q needs width and height", s)
	}
	return cfg, nil
}

type TouchpadsFragment struct {
	flags     []string
	Touchpads []TouchpadConfig `json:"touchpads"`
}

func (t *TouchpadsFragment) Name() string { return "touchpads" }

func (t *TouchpadsFragment) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringArrayVar(&t.flags, "touchpad", nil, "Touchpad configuration, e.g. width=720,height=1280. May be repeated")
}

func (t *TouchpadsFragment) Configs() ([]TouchpadConfig, error) {
	if t.Touchpads != nil {
		return t.Touchpads, nil
	}
	out := []TouchpadConfig{}
	for _, raw := range t.flags {
		kv, err := parseKeyValues(raw)
		if err != nil {
			return nil, cvd.Wrap(cvd.InvalidOptions, err, "--touchpad")
		}
		w, werr := strconv.Atoi(kv["width"])
		h, herr := strconv.Atoi(kv["height"])
		if werr != nil || herr != nil || w <= 0 || h <= 0 || len(kv) != 2 {
			return nil, cvd.Errorf(cvd.InvalidOptions, "--touchpad %q: expected width=W,height=H", raw)
		}
		out = append(out, TouchpadConfig{Width: w, Height: h})
	}
	t.Touchpads = out
	return out, nil
}

func (t *TouchpadsFragment) Serialize() (json.RawMessage, error) {
	if _, err := t.Configs(); err != nil {
		return nil, err
	}
	return json.Marshal(t)
}

func (t *TouchpadsFragment) Deserialize(raw json.RawMessage) error {
	return json.Unmarshal(raw, t)
}

// CustomActionsFragment merges the actions of --custom_action_config files
// with the inline --custom_actions array.
type CustomActionsFragment struct {
	defaultConfig string
	configPaths   []string
	inline        []string
	Actions       []json.RawMessage `json:"actions"`
}

func (c *CustomActionsFragment) Name() string { return "custom_actions" }

func (c *CustomActionsFragment) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringArrayVar(&c.configPaths, "custom_action_config", nil, "Path to a custom action config JSON")
	fs.StringArrayVar(&c.inline, "custom_actions", nil, "Serialized JSON of an array of custom action objects")
}

func (c *CustomActionsFragment) load() error {
	c.Actions = []json.RawMessage{}
	paths := c.configPaths
	if len(paths) == 0 && c.defaultConfig != "" {
		paths = []string{c.defaultConfig}
	}
	for _, p := range paths {
		if p == "unset" || p == `"unset"` {
			p = c.defaultConfig
		}
		if p == "" {
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return cvd.Wrap(cvd.InvalidOptions, err, "custom_action_config file %q", p)
		}
		if err := c.add(data); err != nil {
			return cvd.Wrap(cvd.InvalidOptions, err, "custom_action_config file %q", p)
		}
	}
	for _, raw := range c.inline {
		if raw == "unset" || raw == `"unset"` {
			continue
		}
		if err := c.add([]byte(raw)); err != nil {
			return cvd.Wrap(cvd.InvalidOptions, err, "--custom_actions")
		}
	}
	return nil
}

func (c *CustomActionsFragment) add(data []byte) error {
	var actions []map[string]json.RawMessage
	if err := json.Unmarshal(data, &actions); err != nil {
		return err
	}
	for i, action := range actions {
		_, shell := action["shell_command"]
		_, server := action["server"]
		_, states := action["device_states"]
		if !shell && !server && !states {
			return fmt.Errorf("action %d has none of shell_command, server or device_states", i)
		}
		raw, err := json.Marshal(action)
		if err != nil {
			return err
		}
		c.Actions = append(c.Actions, raw)
	}
	return nil
}

func (c *CustomActionsFragment) Serialize() (json.RawMessage, error) {
	if c.Actions == nil {
		if err := c.load(); err != nil {
			return nil, err
		}
	}
	return json.Marshal(c)
}

func (c *CustomActionsFragment) Deserialize(raw json.RawMessage) error {
	return json.Unmarshal(raw, c)
}

// defaultCustomActionConfig is the single JSON file shipped under
// etc/cvd_custom_action_config, if any.
func defaultCustomActionConfig(env cvd.Env) string {
	matches, err := filepath.Glob(env.HostArtifact("etc/cvd_custom_action_config/*.json"))
	if err != nil || len(matches) != 1 {
		return ""
	}
	return matches[0]
}

func parseKeyValues(s string) (map[string]string, error) {
	out := map[string]string{}
	for _, part := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("malformed key=value pair %q", part)
		}
		out[k] = v
	}
	return out, nil
}
