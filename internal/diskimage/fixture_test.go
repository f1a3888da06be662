package diskimage

import (
	"encoding/binary"
	"testing"
)

// extImage assembles a tiny single-group ext filesystem in memory.
type extImage struct {
	t *testing.T

	blockSize  uint32
	blocks     uint32
	data       []byte
	next       uint32
	inodeTable uint32
	extents    bool
}

const (
	testInodeSize      = 256
	testInodesPerGroup = 64

	fileTypeRegular = 1
	fileTypeDir     = 2
	fileTypeSymlink = 7
)

type dirent struct {
	name     string
	inode    uint32
	fileType byte
}

type extent struct {
	logical uint32
	length  uint16
	start   uint32
}

func newExtImage(t *testing.T, blockSize, blocks, incompat uint32) *extImage {
	t.Helper()

	e := &extImage{
		t:         t,
		blockSize: blockSize,
		blocks:    blocks,
		data:      make([]byte, blockSize*blocks),
		extents:   incompat&0x40 != 0,
	}

	var firstDataBlock, logBlockSize uint32
	if blockSize == 1024 {
		firstDataBlock = 1
	}
	for 1024<<logBlockSize != blockSize {
		logBlockSize++
	}

	gdtBlock := firstDataBlock + 1
	e.inodeTable = gdtBlock + 1
	e.next = e.inodeTable + testInodesPerGroup*testInodeSize/blockSize

	sb := e.data[1024:2048]
	le := binary.LittleEndian
	le.PutUint32(sb[0:], testInodesPerGroup)
	le.PutUint32(sb[4:], blocks)
	le.PutUint32(sb[20:], firstDataBlock)
	le.PutUint32(sb[24:], logBlockSize)
	le.PutUint32(sb[32:], blockSize*8)
	le.PutUint32(sb[40:], testInodesPerGroup)
	le.PutUint16(sb[56:], extMagic)
	le.PutUint32(sb[76:], 1)
	le.PutUint16(sb[88:], testInodeSize)
	le.PutUint32(sb[96:], incompat)

	le.PutUint32(e.data[gdtBlock*blockSize+8:], e.inodeTable)

	return e
}

func (e *extImage) alloc(n uint32) uint32 {
	start := e.next
	e.next += n
	if e.next > e.blocks {
		e.t.Fatalf("fixture out of space: need %d blocks, have %d", e.next, e.blocks)
	}
	return start
}

func (e *extImage) block(n uint32) []byte {
	return e.data[n*e.blockSize : (n+1)*e.blockSize]
}

func (e *extImage) setInode(num uint32, mode uint16, size uint64, flags uint32, iblock [60]byte, blocks512 uint32) {
	off := e.inodeTable*e.blockSize + (num-1)*testInodeSize
	raw := e.data[off : off+testInodeSize]
	le := binary.LittleEndian
	le.PutUint16(raw[0:], mode)
	le.PutUint32(raw[4:], uint32(size))
	le.PutUint32(raw[28:], blocks512)
	le.PutUint32(raw[32:], flags)
	copy(raw[40:100], iblock[:])
	le.PutUint32(raw[108:], uint32(size>>32))
}

// writeData stores content in freshly allocated contiguous blocks.
func (e *extImage) writeData(content []byte) []uint32 {
	n := (uint32(len(content)) + e.blockSize - 1) / e.blockSize
	start := e.alloc(n)
	copy(e.data[start*e.blockSize:], content)

	blocks := make([]uint32, n)
	for i := range blocks {
		blocks[i] = start + uint32(i)
	}
	return blocks
}

func extentHeader(b []byte, entries, maxEntries, depth uint16) {
	le := binary.LittleEndian
	le.PutUint16(b[0:], extentMagic)
	le.PutUint16(b[2:], entries)
	le.PutUint16(b[4:], maxEntries)
	le.PutUint16(b[6:], depth)
}

func putExtents(b []byte, extents []extent) {
	le := binary.LittleEndian
	for i, ex := range extents {
		entry := b[12+i*12:]
		le.PutUint32(entry[0:], ex.logical)
		le.PutUint16(entry[4:], ex.length)
		le.PutUint16(entry[6:], 0)
		le.PutUint32(entry[8:], ex.start)
	}
}

func extentRoot(extents ...extent) [60]byte {
	var iblock [60]byte
	extentHeader(iblock[:], uint16(len(extents)), 4, 0)
	putExtents(iblock[:], extents)
	return iblock
}

// indexedExtentRoot builds a depth-one tree whose single leaf block lists
// the extents.
func (e *extImage) indexedExtentRoot(extents ...extent) [60]byte {
	leaf := e.alloc(1)
	b := e.block(leaf)
	extentHeader(b, uint16(len(extents)), uint16((e.blockSize-12)/12), 0)
	putExtents(b, extents)

	var iblock [60]byte
	extentHeader(iblock[:], 1, 4, 1)
	binary.LittleEndian.PutUint32(iblock[12+4:], leaf)
	return iblock
}

// blockMap builds direct, single and double indirect pointers. Zero entries
// are holes.
func (e *extImage) blockMap(blocks []uint32) [60]byte {
	var iblock [60]byte
	le := binary.LittleEndian
	perBlock := int(e.blockSize / 4)

	for i := 0; i < 12 && i < len(blocks); i++ {
		le.PutUint32(iblock[i*4:], blocks[i])
	}
	rest := blocks[min(12, len(blocks)):]

	fill := func(ptrs []uint32) uint32 {
		b := e.alloc(1)
		for i, p := range ptrs {
			le.PutUint32(e.block(b)[i*4:], p)
		}
		return b
	}

	if len(rest) > 0 {
		n := min(perBlock, len(rest))
		le.PutUint32(iblock[12*4:], fill(rest[:n]))
		rest = rest[n:]
	}

	if len(rest) > 0 {
		var singles []uint32
		for len(rest) > 0 {
			n := min(perBlock, len(rest))
			singles = append(singles, fill(rest[:n]))
			rest = rest[n:]
		}
		le.PutUint32(iblock[13*4:], fill(singles))
	}

	return iblock
}

func (e *extImage) mapBlocks(blocks []uint32) [60]byte {
	if !e.extents {
		return e.blockMap(blocks)
	}
	if len(blocks) == 0 {
		return extentRoot()
	}
	return extentRoot(extent{logical: 0, length: uint16(len(blocks)), start: blocks[0]})
}

func (e *extImage) flags() uint32 {
	if e.extents {
		return inodeFlagExtents
	}
	return 0
}

func (e *extImage) addFile(num uint32, content []byte) {
	blocks := e.writeData(content)
	iblock := e.mapBlocks(blocks)
	e.setInode(num, modeRegular|0o644, uint64(len(content)), e.flags(), iblock, uint32(len(blocks))*e.blockSize/512)
}

func (e *extImage) addDir(num, parent uint32, children ...dirent) {
	entries := append([]dirent{
		{".", num, fileTypeDir},
		{"..", parent, fileTypeDir},
	}, children...)

	block := make([]byte, e.blockSize)
	le := binary.LittleEndian
	off := 0
	for i, d := range entries {
		recLen := (8 + len(d.name) + 3) &^ 3
		if i == len(entries)-1 {
			recLen = int(e.blockSize) - off
		}
		le.PutUint32(block[off:], d.inode)
		le.PutUint16(block[off+4:], uint16(recLen))
		block[off+6] = byte(len(d.name))
		block[off+7] = d.fileType
		copy(block[off+8:], d.name)
		off += recLen
	}

	blocks := e.writeData(block)
	iblock := e.mapBlocks(blocks)
	e.setInode(num, modeDir|0o755, uint64(e.blockSize), e.flags(), iblock, e.blockSize/512)
}

func (e *extImage) addFastSymlink(num uint32, target string) {
	if len(target) >= 60 {
		e.t.Fatalf("fast symlink target too long: %s", target)
	}
	var iblock [60]byte
	copy(iblock[:], target)
	e.setInode(num, modeSymlink|0o777, uint64(len(target)), 0, iblock, 0)
}

func (e *extImage) addSlowSymlink(num uint32, target string) {
	blocks := e.writeData([]byte(target))
	iblock := e.mapBlocks(blocks)
	e.setInode(num, modeSymlink|0o777, uint64(len(target)), e.flags(), iblock, e.blockSize/512)
}

func (e *extImage) addInlineFile(num uint32, content []byte) {
	var iblock [60]byte
	copy(iblock[:], content)
	e.setInode(num, modeRegular|0o644, uint64(len(content)), inodeFlagInlineData, iblock, 0)
}

type partitionSpec struct {
	index    int
	bootable bool
	typ      byte
	start    uint32
	sectors  uint32
}

// diskWith lays out a DOS partition table and copies fs to the partition
// holding fsIndex.
func diskWith(size int, fs []byte, fsIndex int, parts ...partitionSpec) []byte {
	disk := make([]byte, size)
	le := binary.LittleEndian
	for _, p := range parts {
		entry := disk[partitionTableOffset+p.index*partitionEntrySize:]
		if p.bootable {
			entry[0] = 0x80
		}
		entry[4] = p.typ
		le.PutUint32(entry[8:], p.start)
		le.PutUint32(entry[12:], p.sectors)
		if p.index == fsIndex {
			copy(disk[int(p.start)*SectorSize:], fs)
		}
	}
	disk[510] = 0x55
	disk[511] = 0xAA
	return disk
}

func pattern(seed byte, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte((i*31 + int(seed)) % 251)
	}
	return b
}
