// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package disk

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"unicode/utf16"

	"github.com/google/uuid"
)

const (
	sectorSize         = 512
	partitionSizeShift = 12
	diskSizeShift      = 16
	gptNumPartitions   = 128
	gptEntrySize       = 128
	gptHeaderSize      = 92
	gptNameLen         = 36

	// gptBeginningSize is the protective MBR, the header sector and the
	// partition entry array.
	gptBeginningSize = sectorSize + sectorSize + gptNumPartitions*gptEntrySize
	// gptEndSize is the backup entry array and the backup header sector.
	gptEndSize = gptNumPartitions*gptEntrySize + sectorSize
)

// PartitionType selects the GPT type GUID of a partition.
type PartitionType int

const (
	LinuxFilesystem PartitionType = iota
	EfiSystemPartition
)

// The byte order matches what gdisk shows for the e2fsprogs GUIDs.
var partitionTypeGUIDs = map[PartitionType][16]byte{
	LinuxFilesystem: {
		0xaf, 0x3d, 0xc6, 0x0f, 0x83, 0x84, 0x72, 0x47,
		0x8e, 0x79, 0x3d, 0x69, 0xd8, 0x47, 0x7d, 0xe4,
	},
	EfiSystemPartition: {
		0x28, 0x73, 0x2a, 0xc1, 0x1f, 0xf8, 0xd2, 0x11,
		0xba, 0x4b, 0x00, 0xa0, 0xc9, 0x3e, 0xc9, 0x3b,
	},
}

type mbrPartition struct {
	Status     uint8
	FirstCHS   [3]byte
	Type       uint8
	LastCHS    [3]byte
	FirstLBA   uint32
	NumSectors uint32
}

type masterBootRecord struct {
	BootCode   [446]byte
	Partitions [4]mbrPartition
	Signature  [2]byte
}

type gptHeader struct {
	Signature             [8]byte
	Revision              [4]byte
	HeaderSize            uint32
	HeaderCRC32           uint32
	Reserved              uint32
	CurrentLBA            uint64
	BackupLBA             uint64
	FirstUsableLBA        uint64
	LastUsableLBA         uint64
	DiskGUID              [16]byte
	PartitionEntriesLBA   uint64
	NumPartitionEntries   uint32
	PartitionEntrySize    uint32
	PartitionEntriesCRC32 uint32
}

type gptEntry struct {
	TypeGUID   [16]byte
	UniqueGUID [16]byte
	FirstLBA   uint64
	LastLBA    uint64
	Attributes uint64
	Name       [gptNameLen]uint16
}

type gptEntries [gptNumPartitions]gptEntry

func alignToPowerOf2(v uint64, shift uint) uint64 {
	mask := uint64(1)<<shift - 1
	return (v + mask) &^ mask
}

// AlignToPartitionSize rounds size up to the 4 KiB partition alignment.
func AlignToPartitionSize(size uint64) uint64 {
	return alignToPowerOf2(size, partitionSizeShift)
}

func protectiveMbr(diskSize uint64) masterBootRecord {
	sectors := diskSize/sectorSize - 1
	if sectors > 0xffffffff {
		sectors = 0xffffffff
	}
	return masterBootRecord{
		Partitions: [4]mbrPartition{{
			FirstCHS:   [3]byte{0x00, 0x02, 0x00},
			Type:       0xee,
			LastCHS:    [3]byte{0xff, 0xff, 0xff},
			FirstLBA:   1,
			NumSectors: uint32(sectors),
		}},
		Signature: [2]byte{0x55, 0xaa},
	}
}

func randomGUID() [16]byte {
	var g [16]byte
	u := uuid.New()
	copy(g[:], u[:])
	return g
}

func encodeName(label string) [gptNameLen]uint16 {
	var name [gptNameLen]uint16
	copy(name[:], utf16.Encode([]rune(label)))
	return name
}

func (h *gptHeader) bytes() []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, h)
	return buf.Bytes()
}

func (h *gptHeader) seal() {
	h.HeaderCRC32 = 0
	h.HeaderCRC32 = crc32.ChecksumIEEE(h.bytes())
}

func (e *gptEntries) bytes() []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, e)
	return buf.Bytes()
}

// gptTable is a partition table generated for one layout. Disk and
// partition GUIDs are random, so two tables for the same layout differ.
type gptTable struct {
	mbr     masterBootRecord
	header  gptHeader
	entries gptEntries
}

func newGptTable(l *layout) (*gptTable, error) {
	if len(l.parts) > gptNumPartitions {
		return nil, errTooManyPartitions(len(l.parts))
	}
	t := &gptTable{
		mbr: protectiveMbr(l.diskSize()),
		header: gptHeader{
			Signature:           [8]byte{'E', 'F', 'I', ' ', 'P', 'A', 'R', 'T'},
			Revision:            [4]byte{0, 0, 1, 0},
			HeaderSize:          gptHeaderSize,
			CurrentLBA:          1,
			BackupLBA:           l.diskSize()/sectorSize - 1,
			FirstUsableLBA:      gptBeginningSize / sectorSize,
			LastUsableLBA:       l.nextOffset/sectorSize - 1,
			DiskGUID:            randomGUID(),
			PartitionEntriesLBA: 2,
			NumPartitionEntries: gptNumPartitions,
			PartitionEntrySize:  gptEntrySize,
		},
	}
	for i, p := range l.parts {
		typeGUID, ok := partitionTypeGUIDs[p.source.Type]
		if !ok {
			return nil, errUnknownPartitionType(p.source)
		}
		t.entries[i] = gptEntry{
			TypeGUID:   typeGUID,
			UniqueGUID: randomGUID(),
			FirstLBA:   p.offset / sectorSize,
			LastLBA:    (p.offset+p.alignedSize())/sectorSize - 1,
			Name:       encodeName(p.source.Label),
		}
	}
	t.header.PartitionEntriesCRC32 = crc32.ChecksumIEEE(t.entries.bytes())
	t.header.seal()
	return t, nil
}

// beginning is the protective MBR, the primary header and the entries.
func (t *gptTable) beginning() []byte {
	var buf bytes.Buffer
	buf.Grow(gptBeginningSize)
	_ = binary.Write(&buf, binary.LittleEndian, &t.mbr)
	buf.Write(t.header.bytes())
	buf.Write(make([]byte, sectorSize-gptHeaderSize))
	buf.Write(t.entries.bytes())
	return buf.Bytes()
}

// end is the zero padding that fills the disk up to its aligned size, the
// backup entries and the backup header.
func (t *gptTable) end(diskSize uint64) []byte {
	footer := t.header
	footer.CurrentLBA, footer.BackupLBA = t.header.BackupLBA, t.header.CurrentLBA
	footer.PartitionEntriesLBA = (diskSize-gptNumPartitions*gptEntrySize)/sectorSize - 1
	footer.seal()

	footerStart := (footer.LastUsableLBA + 1) * sectorSize
	padding := (footer.CurrentLBA+1)*sectorSize - footerStart - gptEndSize

	var buf bytes.Buffer
	buf.Grow(int(padding) + gptEndSize)
	buf.Write(make([]byte, padding))
	buf.Write(t.entries.bytes())
	buf.Write(footer.bytes())
	buf.Write(make([]byte, sectorSize-gptHeaderSize))
	return buf.Bytes()
}
