// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package disk

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"os"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	qcow2Magic          = "QFI\xfb"
	androidSparseMagic  = 0xed26ff3a
	compositeDiskMagic  = "composite_disk\x1d"
	imageHeaderReadSize = 64
)

type imageFormat int

const (
	formatRaw imageFormat = iota
	formatQcow2
	formatAndroidSparse
	formatComposite
)

func detectFormat(head []byte) imageFormat {
	switch {
	case bytes.HasPrefix(head, []byte(qcow2Magic)):
		return formatQcow2
	case len(head) >= 4 && binary.LittleEndian.Uint32(head) == androidSparseMagic:
		return formatAndroidSparse
	case bytes.HasPrefix(head, []byte(compositeDiskMagic)):
		return formatComposite
	}
	return formatRaw
}

func readHead(f *os.File) ([]byte, error) {
	head := make([]byte, imageHeaderReadSize)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return head[:n], nil
}

// ExpandedStorageSize is the guest-visible size of the image at path:
// the virtual size of qcow2, android-sparse and composite images, the file
// size otherwise.
func ExpandedStorageSize(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	head, err := readHead(f)
	if err != nil {
		return 0, err
	}
	switch detectFormat(head) {
	case formatQcow2:
		if len(head) < 32 {
			return 0, errors.New("truncated qcow2 header")
		}
		return binary.BigEndian.Uint64(head[24:32]), nil
	case formatAndroidSparse:
		if len(head) < 20 {
			return 0, errors.New("truncated android-sparse header")
		}
		blockSize := binary.LittleEndian.Uint32(head[12:16])
		totalBlocks := binary.LittleEndian.Uint32(head[16:20])
		return uint64(blockSize) * uint64(totalBlocks), nil
	case formatComposite:
		if _, err := f.Seek(int64(len(compositeDiskMagic)), io.SeekStart); err != nil {
			return 0, err
		}
		desc, err := io.ReadAll(f)
		if err != nil {
			return 0, err
		}
		return compositeLength(desc)
	}
	st, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return uint64(st.Size()), nil
}

// IsAndroidSparse reports whether path starts with the android-sparse magic.
func IsAndroidSparse(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	head, err := readHead(f)
	if err != nil {
		return false, err
	}
	return detectFormat(head) == formatAndroidSparse, nil
}

// compositeLength reads the length field out of a serialized CompositeDisk.
func compositeLength(desc []byte) (uint64, error) {
	for len(desc) > 0 {
		num, typ, n := protowire.ConsumeTag(desc)
		if n < 0 {
			return 0, protowire.ParseError(n)
		}
		desc = desc[n:]
		if num == compositeFieldLength && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(desc)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			return v, nil
		}
		n = protowire.ConsumeFieldValue(num, typ, desc)
		if n < 0 {
			return 0, protowire.ParseError(n)
		}
		desc = desc[n:]
	}
	return 0, errors.New("composite disk without length")
}
