// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package guest

import (
	"bufio"
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/forkbombeu/cvdassemble/internal/cvd"
)

// ParseAndroidInfo reads key=value metadata from an android-info.txt file.
// A missing file yields an empty map.
func ParseAndroidInfo(env cvd.Env, path string) (map[string]string, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		cvd.LogDebug(env, "no android-info file, using defaults", "path", path)
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, cvd.Wrap(cvd.IOFailed, err, "open %s", path)
	}
	defer f.Close()

	info := map[string]string{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			return nil, cvd.Errorf(cvd.InvalidOptions, "%s: line %q is not key=value", path, line)
		}
		info[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	if err := sc.Err(); err != nil {
		return nil, cvd.Wrap(cvd.IOFailed, err, "read %s", path)
	}
	return info, nil
}

type DeviceType string

const (
	DevicePhone     DeviceType = "phone"
	DeviceWear      DeviceType = "wear"
	DeviceAuto      DeviceType = "auto"
	DeviceFoldable  DeviceType = "foldable"
	DeviceTv        DeviceType = "tv"
	DeviceMinidroid DeviceType = "minidroid"
	DeviceGo        DeviceType = "go"
	DeviceUnknown   DeviceType = "unknown"
)

func ParseDeviceType(s string) DeviceType {
	switch t := DeviceType(strings.ToLower(strings.TrimSpace(s))); t {
	case DevicePhone, DeviceWear, DeviceAuto, DeviceFoldable, DeviceTv, DeviceMinidroid, DeviceGo:
		return t
	}
	return DeviceUnknown
}

// applyAndroidInfo copies the recognized android-info keys into gc.
func applyAndroidInfo(env cvd.Env, info map[string]string, gc *GuestConfig) error {
	deviceType, ok := info["device_type"]
	if !ok {
		deviceType = info["config"]
	}
	gc.DeviceType = ParseDeviceType(deviceType)

	supported := func(k string) bool { return info[k] == "supported" }
	isTrue := func(k string) bool { return info[k] == "true" }

	gc.GfxstreamSupported = supported("gfxstream")
	gc.GfxstreamGlProgramBinaryLinkStatusSupported = supported("gfxstream_gl_program_binary_link_status")
	gc.MouseSupported = supported("mouse")
	gc.GamepadSupported = supported("gamepad")
	if v, ok := info["custom_keyboard"]; ok {
		gc.CustomKeyboardConfig = env.HostArtifact(v)
	}
	if v, ok := info["domkey_mapping"]; ok {
		gc.DomkeyMappingConfig = env.HostArtifact(v)
	}
	gc.SupportsBgraFramebuffers = isTrue("supports_bgra_framebuffers")
	gc.VhostUserVsock = isTrue("vhost_user_vsock")
	gc.PreferDrmVirglWhenSupported = isTrue("prefer_drm_virgl_when_supported")
	gc.Ti50Emulator = info["ti50_emulator"]

	if v, ok := info["output_audio_streams_count"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return cvd.Errorf(cvd.InvalidOptions, "output_audio_streams_count: %q is not a non-negative integer", v)
		}
		gc.OutputAudioStreamsCount = n
	}
	if v, ok := info["enforce_mac80211_hwsim"]; ok {
		switch v {
		case "true", "false":
			b := v == "true"
			gc.EnforceMac80211Hwsim = &b
		default:
			return cvd.Errorf(cvd.InvalidOptions, "enforce_mac80211_hwsim: %q must be true or false", v)
		}
	}
	if v, ok := info["blank_data_image_mb"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return cvd.Errorf(cvd.InvalidOptions, "blank_data_image_mb: %q is not a non-negative integer", v)
		}
		gc.BlankDataImageMb = n
	}
	return nil
}
