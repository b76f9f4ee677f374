// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

// Package guest discovers what the guest build supports: its architecture,
// kernel features and Android version, plus the metadata shipped next to the
// images in android-info.txt.
package guest

import (
	"path/filepath"
	"slices"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/forkbombeu/cvdassemble/internal/cvd"
)

const (
	ArchArm     = "arm"
	ArchArm64   = "arm64"
	ArchRiscv64 = "riscv64"
	ArchX86     = "x86"
	ArchX86_64  = "x86_64"
)

// GuestConfig is what the assembler knows about one instance's guest build.
type GuestConfig struct {
	TargetArch           string `json:"target_arch"`
	BootconfigSupported  bool   `json:"bootconfig_supported"`
	Hctr2Supported       bool   `json:"hctr2_supported"`
	AndroidVersionNumber string `json:"android_version_number"`

	DeviceType                                  DeviceType `json:"device_type"`
	CustomKeyboardConfig                        string     `json:"custom_keyboard_config,omitempty"`
	DomkeyMappingConfig                         string     `json:"domkey_mapping_config,omitempty"`
	GfxstreamSupported                          bool       `json:"gfxstream_supported"`
	GfxstreamGlProgramBinaryLinkStatusSupported bool       `json:"gfxstream_gl_program_binary_link_status_supported"`
	MouseSupported                              bool       `json:"mouse_supported"`
	GamepadSupported                            bool       `json:"gamepad_supported"`
	SupportsBgraFramebuffers                    bool       `json:"supports_bgra_framebuffers"`
	VhostUserVsock                              bool       `json:"vhost_user_vsock"`
	PreferDrmVirglWhenSupported                 bool       `json:"prefer_drm_virgl_when_supported"`
	Ti50Emulator                                string     `json:"ti50_emulator,omitempty"`
	OutputAudioStreamsCount                     int        `json:"output_audio_streams_count"`
	EnforceMac80211Hwsim                        *bool      `json:"enforce_mac80211_hwsim,omitempty"`
	BlankDataImageMb                            int        `json:"blank_data_image_mb"`
}

// Request names the images of one instance.
type Request struct {
	KernelPath     string
	BootImage      string
	InitBootImage  string
	SystemImageDir string
}

// The order matters: an arm64 config also sets CONFIG_ARM64 but never
// CONFIG_ARM, while x86_64 configs set both CONFIG_X86_64 and CONFIG_X86.
var archSymbols = []struct{ symbol, arch string }{
	{"CONFIG_ARM=y", ArchArm},
	{"CONFIG_ARM64=y", ArchArm64},
	{"CONFIG_ARCH_RV64I=y", ArchRiscv64},
	{"CONFIG_X86_64=y", ArchX86_64},
	{"CONFIG_X86=y", ArchX86},
}

var noHctr2Versions = []string{"11", "11.0.0", "13", "13.0.0"}

func hasSymbol(cfg, symbol string) bool {
	return strings.Contains("\n"+cfg, "\n"+symbol)
}

// DetectArch maps a kernel config onto the guest architecture.
func DetectArch(cfg string) (string, error) {
	for _, s := range archSymbols {
		if hasSymbol(cfg, s.symbol) {
			return s.arch, nil
		}
	}
	return "", cvd.Errorf(cvd.UnknownArch, "Unknown target architecture")
}

// KernelFeatures derives the arch and feature flags from a kernel config.
func KernelFeatures(cfg, androidVersion string) (arch string, bootconfig, hctr2 bool, err error) {
	arch, err = DetectArch(cfg)
	if err != nil {
		return "", false, false, err
	}
	bootconfig = hasSymbol(cfg, "CONFIG_BOOT_CONFIG=y")
	hctr2 = hasSymbol(cfg, "CONFIG_CRYPTO_HCTR2=y") && !slices.Contains(noHctr2Versions, androidVersion)
	return arch, bootconfig, hctr2, nil
}

// ReadGuestConfig probes one instance. When sandboxed the kernel is not
// inspected and the host architecture is assumed.
func ReadGuestConfig(env cvd.Env, req Request, hostArch string) (GuestConfig, error) {
	gc := GuestConfig{OutputAudioStreamsCount: 1, DeviceType: DeviceUnknown}

	version, err := ReadAndroidVersion(env, req.BootImage, req.InitBootImage)
	if err != nil {
		return gc, err
	}
	gc.AndroidVersionNumber = version

	if env.Sandbox {
		gc.TargetArch = hostArch
		gc.BootconfigSupported = true
		gc.Hctr2Supported = true
	} else {
		kernel := req.KernelPath
		if kernel == "" {
			kernel = req.BootImage
		}
		cfg, err := extractIkconfigFile(env, kernel)
		if err != nil {
			return gc, err
		}
		gc.TargetArch, gc.BootconfigSupported, gc.Hctr2Supported, err = KernelFeatures(cfg, version)
		if err != nil {
			return gc, cvd.Wrap(cvd.KindOf(err), err, "%s", kernel)
		}
	}

	info, err := ParseAndroidInfo(env, filepath.Join(req.SystemImageDir, "android-info.txt"))
	if err != nil {
		return gc, err
	}
	if err := applyAndroidInfo(env, info, &gc); err != nil {
		return gc, err
	}
	return gc, nil
}

// ReadGuestConfigs probes every instance in order.
func ReadGuestConfigs(env cvd.Env, reqs []Request, hostArch string) ([]GuestConfig, error) {
	_, span := cvd.StartSpan(env, "guest.ReadGuestConfigs", attribute.Int("instances", len(reqs)))
	defer span.End()

	out := make([]GuestConfig, 0, len(reqs))
	for i, req := range reqs {
		gc, err := ReadGuestConfig(env, req, hostArch)
		if err != nil {
			cvd.RecordSpanError(span, err)
			return nil, err
		}
		cvd.LogDebug(env, "guest probed",
			"index", i,
			"arch", gc.TargetArch,
			"android_version", gc.AndroidVersionNumber,
			"bootconfig", gc.BootconfigSupported,
			"hctr2", gc.Hctr2Supported,
			"device_type", string(gc.DeviceType),
		)
		out = append(out, gc)
	}
	return out, nil
}
