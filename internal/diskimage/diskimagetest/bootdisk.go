// Package diskimagetest builds small partitioned ext2 disk images for
// tests of code that reads installed systems.
package diskimagetest

import (
	"encoding/binary"
	"fmt"
	"sort"
)

const (
	blockSize      = 1024
	inodeSize      = 128
	inodeCount     = 64
	inodeTable     = 3
	firstFreeBlock = inodeTable + inodeCount*inodeSize/blockSize
	partitionLBA   = 2048
	rootInode      = 2
)

// BootDisk returns a raw disk image with a DOS partition table and one
// Linux partition holding a revision 0 ext2 filesystem. files and links
// (symlink name to target) populate its root directory. Each file must fit
// in twelve 1 KiB blocks.
func BootDisk(files map[string][]byte, links map[string]string) ([]byte, error) {
	blocks := uint32(firstFreeBlock + 1)
	for name, content := range files {
		n := (len(content) + blockSize - 1) / blockSize
		if n > 12 {
			return nil, fmt.Errorf("file %s needs %d blocks, at most 12 supported", name, n)
		}
		blocks += uint32(n)
	}
	for name, target := range links {
		if len(target) >= 60 {
			return nil, fmt.Errorf("symlink %s target too long", name)
		}
	}

	fs := make([]byte, blocks*blockSize)
	le := binary.LittleEndian

	sb := fs[1024:2048]
	le.PutUint32(sb[0:], inodeCount)
	le.PutUint32(sb[4:], blocks)
	le.PutUint32(sb[20:], 1)
	le.PutUint32(sb[32:], 8192)
	le.PutUint32(sb[40:], inodeCount)
	le.PutUint16(sb[56:], 0xEF53)

	le.PutUint32(fs[2*blockSize+8:], inodeTable)

	setInode := func(num uint32, mode uint16, size int, iblock []byte, nblocks int) {
		raw := fs[inodeTable*blockSize+(num-1)*inodeSize:]
		le.PutUint16(raw[0:], mode)
		le.PutUint32(raw[4:], uint32(size))
		le.PutUint32(raw[28:], uint32(nblocks*blockSize/512))
		copy(raw[40:100], iblock)
	}

	next := uint32(firstFreeBlock)
	rootBlock := next
	next++

	type entry struct {
		name  string
		inode uint32
	}
	entries := []entry{{".", rootInode}, {"..", rootInode}}

	inode := uint32(rootInode + 10)
	for _, name := range sortedKeys(files) {
		content := files[name]
		iblock := make([]byte, 60)
		n := (len(content) + blockSize - 1) / blockSize
		for i := 0; i < n; i++ {
			le.PutUint32(iblock[i*4:], next)
			copy(fs[next*blockSize:(next+1)*blockSize], content[i*blockSize:])
			next++
		}
		setInode(inode, 0o100644, len(content), iblock, n)
		entries = append(entries, entry{name, inode})
		inode++
	}
	for _, name := range sortedKeys(links) {
		setInode(inode, 0o120777, len(links[name]), []byte(links[name]), 0)
		entries = append(entries, entry{name, inode})
		inode++
	}

	dir := fs[rootBlock*blockSize : (rootBlock+1)*blockSize]
	off := 0
	for i, e := range entries {
		recLen := (8 + len(e.name) + 3) &^ 3
		if i == len(entries)-1 {
			recLen = blockSize - off
		}
		le.PutUint32(dir[off:], e.inode)
		le.PutUint16(dir[off+4:], uint16(recLen))
		le.PutUint16(dir[off+6:], uint16(len(e.name)))
		copy(dir[off+8:], e.name)
		off += recLen
	}
	rootIBlock := make([]byte, 60)
	le.PutUint32(rootIBlock, rootBlock)
	setInode(rootInode, 0o040755, blockSize, rootIBlock, 1)

	disk := make([]byte, partitionLBA*512+len(fs))
	part := disk[446:]
	part[4] = 0x83
	le.PutUint32(part[8:], partitionLBA)
	le.PutUint32(part[12:], uint32(len(fs)/512))
	disk[510], disk[511] = 0x55, 0xAA
	copy(disk[partitionLBA*512:], fs)

	return disk, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
