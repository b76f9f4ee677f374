// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package guest

import (
	"bytes"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

const arm64Config = `#
# Automatically generated file; DO NOT EDIT.
#
CONFIG_ARM64=y
CONFIG_BOOT_CONFIG=y
CONFIG_CRYPTO_HCTR2=y
`

func TestExtractIkconfigRawKernel(t *testing.T) {
	cfg, err := ExtractIkconfig(fakeKernel(t, arm64Config))
	if err != nil {
		t.Fatalf("ExtractIkconfig: %v", err)
	}
	if cfg != arm64Config {
		t.Fatalf("config = %q", cfg)
	}
}

func TestExtractIkconfigBootImage(t *testing.T) {
	img := bootImageV4(fakeKernel(t, arm64Config), 0, "")
	cfg, err := ExtractIkconfig(img)
	if err != nil {
		t.Fatalf("ExtractIkconfig: %v", err)
	}
	if cfg != arm64Config {
		t.Fatalf("config = %q", cfg)
	}
}

func TestExtractIkconfigCompressedKernels(t *testing.T) {
	kernel := fakeKernel(t, arm64Config)

	var zst bytes.Buffer
	zw, err := zstd.NewWriter(&zst)
	if err != nil {
		t.Fatalf("zstd writer: %v", err)
	}
	zw.Write(kernel)
	zw.Close()

	var l4 bytes.Buffer
	lw := lz4.NewWriter(&l4)
	lw.Write(kernel)
	lw.Close()

	cases := map[string][]byte{
		"gzip": gzipBytes(t, kernel),
		"zstd": zst.Bytes(),
		"lz4":  l4.Bytes(),
	}
	for name, payload := range cases {
		// Decompressor stubs sit in front of the payload in real images.
		image := append(bytes.Repeat([]byte{0x4d, 0x5a}, 256), payload...)
		cfg, err := ExtractIkconfig(image)
		if err != nil {
			t.Fatalf("%s: ExtractIkconfig: %v", name, err)
		}
		if cfg != arm64Config {
			t.Fatalf("%s: config = %q", name, cfg)
		}
	}
}

func TestExtractIkconfigMissing(t *testing.T) {
	if _, err := ExtractIkconfig(bytes.Repeat([]byte("no config here"), 100)); err != errNoIkconfig {
		t.Fatalf("expected errNoIkconfig, got %v", err)
	}
}
