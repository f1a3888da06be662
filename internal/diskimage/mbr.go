package diskimage

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	SectorSize = 512

	// TypeLinux is the partition type byte of a native Linux filesystem.
	TypeLinux = 0x83

	partitionTableOffset = 446
	partitionEntrySize   = 16
	partitionEntries     = 4
	signatureOffset      = 510
)

// PartitionEntry is one primary entry of a DOS partition table.
type PartitionEntry struct {
	Index    int
	Bootable bool
	Type     byte
	StartLBA uint32
	Sectors  uint32
}

func (p PartitionEntry) Offset() int64 {
	return int64(p.StartLBA) * SectorSize
}

func (p PartitionEntry) Length() int64 {
	return int64(p.Sectors) * SectorSize
}

func (p PartitionEntry) Empty() bool {
	return p.Type == 0
}

// ReadPartitionTable parses the four primary entries of the boot sector.
func ReadPartitionTable(r io.ReaderAt, size int64) ([]PartitionEntry, error) {
	if size < SectorSize {
		return nil, &PartitionNotFoundError{Reason: fmt.Sprintf("image is %d bytes, shorter than one sector", size)}
	}

	sector := make([]byte, SectorSize)
	if err := readFull(r, sector, 0); err != nil {
		return nil, fmt.Errorf("read boot sector: %w", err)
	}

	if sector[signatureOffset] != 0x55 || sector[signatureOffset+1] != 0xAA {
		return nil, &PartitionNotFoundError{
			Reason: fmt.Sprintf("no boot signature (found 0x%02x 0x%02x)", sector[signatureOffset], sector[signatureOffset+1]),
		}
	}

	entries := make([]PartitionEntry, partitionEntries)
	for i := range entries {
		raw := sector[partitionTableOffset+i*partitionEntrySize:]
		entries[i] = PartitionEntry{
			Index:    i,
			Bootable: raw[0] == 0x80,
			Type:     raw[4],
			StartLBA: binary.LittleEndian.Uint32(raw[8:12]),
			Sectors:  binary.LittleEndian.Uint32(raw[12:16]),
		}
	}

	return entries, nil
}

// SelectLinuxPartition picks the first native Linux entry and checks that
// it lies within the image.
func SelectLinuxPartition(entries []PartitionEntry, size int64) (PartitionEntry, error) {
	for _, entry := range entries {
		if entry.Type != TypeLinux {
			continue
		}
		if entry.StartLBA == 0 || entry.Sectors == 0 {
			return PartitionEntry{}, &PartitionNotFoundError{
				Reason: fmt.Sprintf("linux partition %d has start %d and %d sectors", entry.Index, entry.StartLBA, entry.Sectors),
			}
		}
		if entry.Offset()+entry.Length() > size {
			return PartitionEntry{}, &PartitionNotFoundError{
				Reason: fmt.Sprintf("linux partition %d ends at byte %d beyond image size %d", entry.Index, entry.Offset()+entry.Length(), size),
			}
		}
		return entry, nil
	}

	return PartitionEntry{}, &PartitionNotFoundError{Reason: "no native linux (0x83) entry in partition table"}
}

// FilesystemView is the byte window of one partition; offset 0 is the
// partition start.
type FilesystemView struct {
	*io.SectionReader
	Partition PartitionEntry
}

func NewFilesystemView(r io.ReaderAt, entry PartitionEntry) FilesystemView {
	return FilesystemView{
		SectionReader: io.NewSectionReader(r, entry.Offset(), entry.Length()),
		Partition:     entry,
	}
}

// readFull reads exactly len(p) bytes at off.
func readFull(r io.ReaderAt, p []byte, off int64) error {
	n, err := r.ReadAt(p, off)
	if n == len(p) {
		return nil
	}
	if err == nil || err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return err
}
