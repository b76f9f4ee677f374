// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package guest

import (
	"errors"
	"regexp"
	"strings"

	"github.com/forkbombeu/cvdassemble/internal/cvd"
)

const osVersionProp = "com.android.build.boot.os_version"

var versionRe = regexp.MustCompile(`^[1-9][0-9]*([.][0-9]+)*$`)

// NormalizeAndroidVersion applies the boot image version rules: missing or
// "None" means 0.0.0, quotes are dropped, and the rest must look like a
// dotted version.
func NormalizeAndroidVersion(raw string) (string, error) {
	v := strings.ReplaceAll(strings.TrimSpace(raw), "'", "")
	v = strings.Trim(v, `"`)
	if v == "" || v == "None" {
		return "0.0.0", nil
	}
	if !versionRe.MatchString(v) {
		return "", cvd.WrapReason(cvd.ProbeFailed, cvd.ReasonVersionReadFailed, nil, "version string is not a valid version %q", v)
	}
	return v, nil
}

// ReadAndroidVersion reads the guest OS version from the AVB properties of
// the boot image, falling back to init_boot and then the boot header field.
func ReadAndroidVersion(env cvd.Env, bootImage, initBootImage string) (string, error) {
	raw, err := versionFromImages(env, bootImage, initBootImage)
	if err != nil {
		return "", err
	}
	if raw == "" {
		cvd.LogEvent(env, "could not extract os version, defaulting to 0.0.0", "boot_image", bootImage)
	}
	return NormalizeAndroidVersion(raw)
}

func versionFromImages(env cvd.Env, bootImage, initBootImage string) (string, error) {
	for _, img := range []string{bootImage, initBootImage} {
		if img == "" {
			continue
		}
		props, err := ReadAvbProperties(img)
		switch {
		case err == nil:
			if v, ok := props[osVersionProp]; ok {
				return v, nil
			}
		case errors.Is(err, errNoAvbFooter):
		case img == bootImage:
			return "", cvd.WrapReason(cvd.ProbeFailed, cvd.ReasonBootImageNotReadable, err, "%s", img)
		default:
			cvd.LogDebug(env, "init_boot image has no readable vbmeta", "image", img, "error", err.Error())
		}
	}
	h, err := ReadBootHeader(bootImage)
	if err != nil {
		return "", cvd.WrapReason(cvd.ProbeFailed, cvd.ReasonBootImageNotReadable, err, "%s", bootImage)
	}
	return h.OSVersion, nil
}
