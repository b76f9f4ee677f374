// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package config

import (
	"slices"
	"strings"

	"github.com/forkbombeu/cvdassemble/internal/cvd"
	"github.com/forkbombeu/cvdassemble/internal/guest"
)

const (
	halGuestStrongboxInsecure = "guest_strongbox_insecure"

	defaultHalsRiscv64 = "keymint,gatekeeper,oemlock"
	defaultHals        = "oemlock,guest_keymint_insecure,guest_gatekeeper_insecure"
)

// secureHalAliases maps accepted spellings to the canonical HAL name.
var secureHalAliases = map[string]string{
	"keymint":                       "host_keymint_secure",
	"host_keymint_secure":           "host_keymint_secure",
	"host_keymint_insecure":         "host_keymint_insecure",
	"guest_keymint_insecure":        "guest_keymint_insecure",
	"guest_keymint_trusty_insecure": "guest_keymint_trusty_insecure",
	"gatekeeper":                    "host_gatekeeper_secure",
	"host_gatekeeper_secure":        "host_gatekeeper_secure",
	"host_gatekeeper_insecure":      "host_gatekeeper_insecure",
	"guest_gatekeeper_insecure":     "guest_gatekeeper_insecure",
	"oemlock":                       "host_oemlock_secure",
	"host_oemlock_secure":           "host_oemlock_secure",
	"host_oemlock_insecure":         "host_oemlock_insecure",
	halGuestStrongboxInsecure:       halGuestStrongboxInsecure,
}

// DefaultSecureHals is the HAL set used when --secure_hals is not given.
func DefaultSecureHals(arch string) string {
	if arch == guest.ArchRiscv64 {
		return defaultHalsRiscv64
	}
	return defaultHals
}

// ParseSecureHals canonicalizes a comma separated HAL list. Each HAL family
// may be implemented at most once.
func ParseSecureHals(list string) ([]string, error) {
	var out []string
	for _, name := range strings.Split(list, ",") {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		canonical, ok := secureHalAliases[name]
		if !ok {
			return nil, cvd.Errorf(cvd.InvalidOptions, "--secure_hals: unknown HAL %q", name)
		}
		if !slices.Contains(out, canonical) {
			out = append(out, canonical)
		}
	}
	slices.Sort(out)
	families := map[string]string{}
	for _, hal := range out {
		family := halFamily(hal)
		if prev, dup := families[family]; dup {
			return nil, cvd.Errorf(cvd.InvalidOptions, "--secure_hals: %s and %s are mutually exclusive", prev, hal)
		}
		families[family] = hal
	}
	if out == nil {
		out = []string{}
	}
	return out, nil
}

func halFamily(hal string) string {
	for _, family := range []string{"keymint", "gatekeeper", "oemlock", "strongbox"} {
		if strings.Contains(hal, family) {
			return family
		}
	}
	return hal
}
