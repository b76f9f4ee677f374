// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package guest

import (
	"bytes"
	"errors"
	"io"
	"os"
	"os/exec"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/xi2/xz"

	"github.com/forkbombeu/cvdassemble/internal/cvd"
)

var (
	ikcfgStart = []byte("IKCFG_ST")
	ikcfgEnd   = []byte("IKCFG_ED")

	errNoIkconfig = errors.New("no embedded kernel config found")
)

// maxKernelSize bounds decompression of candidate kernel payloads.
const maxKernelSize = 512 << 20

type decompressor struct {
	name  string
	magic []byte
	open  func(io.Reader) (io.Reader, func(), error)
}

var decompressors = []decompressor{
	{"gzip", []byte{0x1f, 0x8b, 0x08}, func(r io.Reader) (io.Reader, func(), error) {
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		zr.Multistream(false)
		return zr, func() { zr.Close() }, nil
	}},
	{"xz", []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}, func(r io.Reader) (io.Reader, func(), error) {
		xr, err := xz.NewReader(r, xz.DefaultDictMax)
		return xr, func() {}, err
	}},
	{"zstd", []byte{0x28, 0xb5, 0x2f, 0xfd}, func(r io.Reader) (io.Reader, func(), error) {
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return zr, zr.Close, nil
	}},
	{"lz4", []byte{0x02, 0x21, 0x4c, 0x18}, openLz4},
	{"lz4-frame", []byte{0x04, 0x22, 0x4d, 0x18}, openLz4},
}

func openLz4(r io.Reader) (io.Reader, func(), error) {
	return lz4.NewReader(r), func() {}, nil
}

// ExtractIkconfig returns the kernel build configuration embedded in image,
// which may be a raw kernel, a compressed kernel or an Android boot image.
func ExtractIkconfig(image []byte) (string, error) {
	if IsBootImage(image) {
		kernel, err := KernelSection(image)
		if err != nil {
			return "", err
		}
		image = kernel
	}
	if cfg, err := ikconfigBlob(image); err == nil {
		return cfg, nil
	}
	for _, d := range decompressors {
		for off := 0; off < len(image); {
			i := bytes.Index(image[off:], d.magic)
			if i < 0 {
				break
			}
			pos := off + i
			off = pos + 1
			payload, err := decompress(d, image[pos:])
			if err != nil || len(payload) == 0 {
				continue
			}
			if cfg, err := ikconfigBlob(payload); err == nil {
				return cfg, nil
			}
		}
	}
	return "", errNoIkconfig
}

func decompress(d decompressor, data []byte) ([]byte, error) {
	r, closer, err := d.open(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer closer()
	out, err := io.ReadAll(io.LimitReader(r, maxKernelSize))
	// Trailing garbage after a valid stream is normal inside kernel images.
	if len(out) > 0 {
		return out, nil
	}
	return nil, err
}

// ikconfigBlob finds IKCFG_ST and inflates the gzip stream that follows it.
func ikconfigBlob(data []byte) (string, error) {
	i := bytes.Index(data, ikcfgStart)
	if i < 0 {
		return "", errNoIkconfig
	}
	blob := data[i+len(ikcfgStart):]
	if j := bytes.Index(blob, ikcfgEnd); j >= 0 {
		blob = blob[:j]
	}
	zr, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return "", err
	}
	defer zr.Close()
	zr.Multistream(false)
	cfg, err := io.ReadAll(zr)
	if err != nil && len(cfg) == 0 {
		return "", err
	}
	return string(cfg), nil
}

// extractIkconfigFile reads path and extracts its config. When the native
// scan fails and the host ships extract-ikconfig, that script is tried.
func extractIkconfigFile(env cvd.Env, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", cvd.WrapReason(cvd.ProbeFailed, cvd.ReasonBootImageNotReadable, err, "read %s", path)
	}
	cfg, err := ExtractIkconfig(data)
	if err == nil {
		return cfg, nil
	}
	tool := env.HostBinary("extract-ikconfig")
	if _, statErr := exec.LookPath(tool); statErr != nil {
		return "", cvd.WrapReason(cvd.ProbeFailed, cvd.ReasonIkconfigExtractionFailed, err, "%s", path)
	}
	cvd.LogDebug(env, "falling back to extract-ikconfig", "image", path)
	out, toolErr := cvd.NewCommand(tool, path).Output(env)
	if toolErr != nil || len(out) == 0 {
		return "", cvd.WrapReason(cvd.ProbeFailed, cvd.ReasonIkconfigExtractionFailed, errors.Join(err, toolErr), "%s", path)
	}
	return string(out), nil
}
