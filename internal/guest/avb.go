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
)

const (
	avbFooterMagic = "AVBf"
	avbFooterSize  = 64
	vbmetaMagic    = "AVB0"
	vbmetaHdrSize  = 256

	avbPropertyTag = 0
)

var errNoAvbFooter = errors.New("no AVB footer")

// ReadAvbProperties returns the property descriptors of the vbmeta struct
// appended to the image at path.
func ReadAvbProperties(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if st.Size() < avbFooterSize {
		return nil, errNoAvbFooter
	}
	footer := make([]byte, avbFooterSize)
	if _, err := f.ReadAt(footer, st.Size()-avbFooterSize); err != nil {
		return nil, fmt.Errorf("read AVB footer: %w", err)
	}
	if !bytes.HasPrefix(footer, []byte(avbFooterMagic)) {
		return nil, errNoAvbFooter
	}
	be := binary.BigEndian
	offset := be.Uint64(footer[20:])
	size := be.Uint64(footer[28:])
	if size < vbmetaHdrSize || offset+size > uint64(st.Size()) {
		return nil, fmt.Errorf("vbmeta [%d,+%d) outside image of %d bytes", offset, size, st.Size())
	}
	blob := make([]byte, size)
	if _, err := f.ReadAt(blob, int64(offset)); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read vbmeta: %w", err)
	}
	return ParseVbmetaProperties(blob)
}

// ParseVbmetaProperties walks the descriptors of a vbmeta struct and
// collects the property descriptors.
func ParseVbmetaProperties(blob []byte) (map[string]string, error) {
	if len(blob) < vbmetaHdrSize || !bytes.HasPrefix(blob, []byte(vbmetaMagic)) {
		return nil, fmt.Errorf("missing %q magic", vbmetaMagic)
	}
	be := binary.BigEndian
	authSize := be.Uint64(blob[12:])
	auxSize := be.Uint64(blob[20:])
	descOffset := be.Uint64(blob[96:])
	descSize := be.Uint64(blob[104:])

	aux := uint64(vbmetaHdrSize) + authSize
	start := aux + descOffset
	end := start + descSize
	if aux+auxSize > uint64(len(blob)) || end > aux+auxSize {
		return nil, fmt.Errorf("descriptors [%d,%d) outside vbmeta of %d bytes", start, end, len(blob))
	}

	props := map[string]string{}
	desc := blob[start:end]
	for len(desc) >= 16 {
		tag := be.Uint64(desc[0:])
		following := be.Uint64(desc[8:])
		if following > uint64(len(desc)-16) {
			return nil, fmt.Errorf("descriptor length %d exceeds remaining %d bytes", following, len(desc)-16)
		}
		body := desc[16 : 16+following]
		if tag == avbPropertyTag {
			k, v, err := parsePropertyDescriptor(body)
			if err != nil {
				return nil, err
			}
			props[k] = v
		}
		desc = desc[16+following:]
	}
	return props, nil
}

func parsePropertyDescriptor(body []byte) (string, string, error) {
	if len(body) < 16 {
		return "", "", fmt.Errorf("property descriptor truncated")
	}
	be := binary.BigEndian
	klen := be.Uint64(body[0:])
	vlen := be.Uint64(body[8:])
	if 16+klen+1+vlen > uint64(len(body)) {
		return "", "", fmt.Errorf("property descriptor sizes %d/%d exceed %d bytes", klen, vlen, len(body))
	}
	key := body[16 : 16+klen]
	value := body[16+klen+1 : 16+klen+1+vlen]
	return string(key), string(value), nil
}
