// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package guest

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

const bootMagic = "ANDROID!"

// BootHeader is the subset of the Android boot image header the assembler
// needs. Header versions 0 through 4 are understood.
type BootHeader struct {
	Version     uint32
	PageSize    uint32
	KernelSize  uint32
	RamdiskSize uint32
	// OSVersion is "a.b.c", or empty when the image was built without one.
	OSVersion string
	Cmdline   string
}

// IsBootImage reports whether data starts with the boot image magic.
func IsBootImage(data []byte) bool {
	return bytes.HasPrefix(data, []byte(bootMagic))
}

// ParseBootHeader decodes the header at the start of data.
func ParseBootHeader(data []byte) (BootHeader, error) {
	var h BootHeader
	if !IsBootImage(data) {
		return h, fmt.Errorf("missing %q magic", bootMagic)
	}
	if len(data) < 1632 {
		return h, fmt.Errorf("boot image header truncated (%d bytes)", len(data))
	}
	le := binary.LittleEndian
	h.Version = le.Uint32(data[40:])
	if h.Version >= 3 {
		h.KernelSize = le.Uint32(data[8:])
		h.RamdiskSize = le.Uint32(data[12:])
		h.OSVersion = decodeOSVersion(le.Uint32(data[16:]))
		h.PageSize = 4096
		h.Cmdline = cstring(data[44 : 44+1536])
		return h, nil
	}
	h.KernelSize = le.Uint32(data[8:])
	h.RamdiskSize = le.Uint32(data[16:])
	h.PageSize = le.Uint32(data[36:])
	h.OSVersion = decodeOSVersion(le.Uint32(data[44:]))
	h.Cmdline = strings.TrimSpace(cstring(data[64:64+512]) + cstring(data[608:608+1024]))
	if h.PageSize == 0 {
		return h, fmt.Errorf("boot image page size is zero")
	}
	return h, nil
}

// os_version packs A.B.C as 7 bits each above an 11 bit patch level.
func decodeOSVersion(v uint32) string {
	if v>>11 == 0 {
		return ""
	}
	a := (v >> 25) & 0x7f
	b := (v >> 18) & 0x7f
	c := (v >> 11) & 0x7f
	return fmt.Sprintf("%d.%d.%d", a, b, c)
}

// KernelSection returns the kernel bytes of a boot image. The kernel starts
// on the first page after the header for every supported header version.
func KernelSection(data []byte) ([]byte, error) {
	h, err := ParseBootHeader(data)
	if err != nil {
		return nil, err
	}
	start := uint64(h.PageSize)
	end := start + uint64(h.KernelSize)
	if h.KernelSize == 0 || end > uint64(len(data)) {
		return nil, fmt.Errorf("kernel section [%d,%d) outside image of %d bytes", start, end, len(data))
	}
	return data[start:end], nil
}

// ReadBootHeader reads and decodes the header of the boot image at path.
func ReadBootHeader(path string) (BootHeader, error) {
	f, err := os.Open(path)
	if err != nil {
		return BootHeader{}, err
	}
	defer f.Close()
	buf := make([]byte, 4096)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return BootHeader{}, fmt.Errorf("read %s: %w", path, err)
	}
	return ParseBootHeader(buf[:n])
}

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
