package diskimage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	superblockOffset = 1024
	superblockSize   = 1024
	extMagic         = 0xEF53

	rootInode       = 2
	maxSymlinkHops  = 8
	maxExtentDepth  = 5
	inlineDataLimit = 60

	incompatCompression = 0x1
	incompatFiletype    = 0x2
	incompatJournalDev  = 0x8
	incompatMetaBG      = 0x10
	incompat64Bit       = 0x80
	incompatDirData     = 0x1000
	incompatEncrypt     = 0x10000

	inodeFlagExtents    = 0x80000
	inodeFlagInlineData = 0x10000000

	modeTypeMask = 0xF000
	modeDir      = 0x4000
	modeRegular  = 0x8000
	modeSymlink  = 0xA000

	extentMagic = 0xF30A
)

var unsupportedIncompat = []struct {
	bit  uint32
	name string
}{
	{incompatCompression, "compression"},
	{incompatJournalDev, "journal_dev"},
	{incompatMetaBG, "meta_bg"},
	{incompatDirData, "dirdata"},
	{incompatEncrypt, "encrypt"},
}

var errNotFound = errors.New("no such file or directory")

// filesystem reads an ext2/3/4 filesystem through its partition window.
type filesystem struct {
	r io.ReaderAt

	blockSize      uint64
	blocksCount    uint64
	inodesCount    uint32
	inodesPerGroup uint32
	inodeSize      uint32
	descSize       uint32
	firstDataBlock uint32
	incompat       uint32
}

func openFilesystem(r io.ReaderAt, size int64) (*filesystem, error) {
	if size < superblockOffset+superblockSize {
		return nil, &FilesystemUnsupportedError{Reason: fmt.Sprintf("partition of %d bytes is too small for a superblock", size)}
	}

	sb := make([]byte, superblockSize)
	if err := readFull(r, sb, superblockOffset); err != nil {
		return nil, fmt.Errorf("read superblock: %w", err)
	}

	if magic := binary.LittleEndian.Uint16(sb[56:]); magic != extMagic {
		return nil, &FilesystemUnsupportedError{Reason: fmt.Sprintf("bad superblock magic 0x%04x", magic)}
	}

	logBlockSize := binary.LittleEndian.Uint32(sb[24:])
	if logBlockSize > 6 {
		return nil, &FilesystemUnsupportedError{Reason: fmt.Sprintf("block size 2^%d KiB out of range", logBlockSize)}
	}

	fs := &filesystem{
		r:              r,
		blockSize:      1024 << logBlockSize,
		inodesCount:    binary.LittleEndian.Uint32(sb[0:]),
		blocksCount:    uint64(binary.LittleEndian.Uint32(sb[4:])),
		firstDataBlock: binary.LittleEndian.Uint32(sb[20:]),
		inodesPerGroup: binary.LittleEndian.Uint32(sb[40:]),
		inodeSize:      128,
		descSize:       32,
	}

	if rev := binary.LittleEndian.Uint32(sb[76:]); rev > 0 {
		fs.inodeSize = uint32(binary.LittleEndian.Uint16(sb[88:]))
		fs.incompat = binary.LittleEndian.Uint32(sb[96:])
	}

	var unsupported []string
	for _, feature := range unsupportedIncompat {
		if fs.incompat&feature.bit != 0 {
			unsupported = append(unsupported, feature.name)
		}
	}
	if len(unsupported) > 0 {
		return nil, &FilesystemUnsupportedError{Reason: "incompatible features " + strings.Join(unsupported, ", ")}
	}

	if fs.incompat&incompat64Bit != 0 {
		fs.blocksCount |= uint64(binary.LittleEndian.Uint32(sb[336:])) << 32
		if ds := uint32(binary.LittleEndian.Uint16(sb[254:])); ds >= 64 {
			fs.descSize = ds
		}
	}

	if fs.inodeSize < 128 || uint64(fs.inodeSize) > fs.blockSize || fs.inodeSize&(fs.inodeSize-1) != 0 {
		return nil, &FilesystemUnsupportedError{Reason: fmt.Sprintf("inode size %d", fs.inodeSize)}
	}
	if fs.inodesPerGroup == 0 {
		return nil, &FilesystemUnsupportedError{Reason: "zero inodes per group"}
	}

	return fs, nil
}

func (fs *filesystem) readBlocks(p []byte, block uint64) error {
	if block >= fs.blocksCount {
		return fmt.Errorf("block %d beyond filesystem end %d", block, fs.blocksCount)
	}
	return readFull(fs.r, p, int64(block*fs.blockSize))
}

type inode struct {
	num    uint32
	mode   uint16
	size   uint64
	flags  uint32
	blocks uint32
	acl    uint32
	block  [60]byte
}

func (i *inode) isDir() bool     { return i.mode&modeTypeMask == modeDir }
func (i *inode) isRegular() bool { return i.mode&modeTypeMask == modeRegular }
func (i *inode) isSymlink() bool { return i.mode&modeTypeMask == modeSymlink }

func (fs *filesystem) readInode(num uint32) (*inode, error) {
	if num == 0 || num > fs.inodesCount {
		return nil, fmt.Errorf("inode %d out of range", num)
	}

	group := (num - 1) / fs.inodesPerGroup
	index := (num - 1) % fs.inodesPerGroup

	desc := make([]byte, fs.descSize)
	gdt := uint64(fs.firstDataBlock+1) * fs.blockSize
	if err := readFull(fs.r, desc, int64(gdt+uint64(group)*uint64(fs.descSize))); err != nil {
		return nil, fmt.Errorf("read group descriptor %d: %w", group, err)
	}

	table := uint64(binary.LittleEndian.Uint32(desc[8:]))
	if fs.descSize >= 64 {
		table |= uint64(binary.LittleEndian.Uint32(desc[0x28:])) << 32
	}

	raw := make([]byte, 128)
	if err := readFull(fs.r, raw, int64(table*fs.blockSize+uint64(index)*uint64(fs.inodeSize))); err != nil {
		return nil, fmt.Errorf("read inode %d: %w", num, err)
	}

	in := &inode{
		num:    num,
		mode:   binary.LittleEndian.Uint16(raw[0:]),
		size:   uint64(binary.LittleEndian.Uint32(raw[4:])) | uint64(binary.LittleEndian.Uint32(raw[108:]))<<32,
		blocks: binary.LittleEndian.Uint32(raw[28:]),
		flags:  binary.LittleEndian.Uint32(raw[32:]),
		acl:    binary.LittleEndian.Uint32(raw[104:]),
	}
	copy(in.block[:], raw[40:100])

	return in, nil
}

// readData returns the full content of an inode.
func (fs *filesystem) readData(in *inode) ([]byte, error) {
	if in.flags&inodeFlagInlineData != 0 {
		if in.size > inlineDataLimit {
			return nil, fmt.Errorf("inline data of %d bytes continues in extended attributes", in.size)
		}
		return bytes.Clone(in.block[:in.size]), nil
	}

	if in.size > fs.blocksCount*fs.blockSize {
		return nil, fmt.Errorf("inode %d claims %d bytes, more than the filesystem holds", in.num, in.size)
	}

	buf := make([]byte, in.size)
	if in.size == 0 {
		return buf, nil
	}

	if in.flags&inodeFlagExtents != 0 {
		if err := fs.readExtents(buf, in.block[:], maxExtentDepth); err != nil {
			return nil, fmt.Errorf("inode %d: %w", in.num, err)
		}
		return buf, nil
	}

	if err := fs.readBlockMap(buf, in.block[:]); err != nil {
		return nil, fmt.Errorf("inode %d: %w", in.num, err)
	}
	return buf, nil
}

// readExtents copies the blocks an extent tree node maps into buf. Gaps and
// uninitialized extents stay zero.
func (fs *filesystem) readExtents(buf, node []byte, depthLimit int) error {
	if len(node) < 12 || binary.LittleEndian.Uint16(node[0:]) != extentMagic {
		return errors.New("bad extent header")
	}

	entries := int(binary.LittleEndian.Uint16(node[2:]))
	depth := int(binary.LittleEndian.Uint16(node[6:]))
	if depth > depthLimit {
		return fmt.Errorf("extent tree depth %d exceeds %d", depth, depthLimit)
	}
	if 12+entries*12 > len(node) {
		return fmt.Errorf("extent node claims %d entries", entries)
	}

	size := uint64(len(buf))
	for i := 0; i < entries; i++ {
		entry := node[12+i*12 : 24+i*12]

		if depth > 0 {
			leaf := uint64(binary.LittleEndian.Uint32(entry[4:])) | uint64(binary.LittleEndian.Uint16(entry[8:]))<<32
			child := make([]byte, fs.blockSize)
			if err := fs.readBlocks(child, leaf); err != nil {
				return fmt.Errorf("read extent index block: %w", err)
			}
			if got := int(binary.LittleEndian.Uint16(child[6:])); got != depth-1 {
				return fmt.Errorf("extent block %d at depth %d, want %d", leaf, got, depth-1)
			}
			if err := fs.readExtents(buf, child, depth-1); err != nil {
				return err
			}
			continue
		}

		logical := uint64(binary.LittleEndian.Uint32(entry[0:]))
		length := uint64(binary.LittleEndian.Uint16(entry[4:]))
		start := uint64(binary.LittleEndian.Uint16(entry[6:]))<<32 | uint64(binary.LittleEndian.Uint32(entry[8:]))

		if length > 32768 {
			// Uninitialized extent: allocated but reads as zeros.
			continue
		}

		from := logical * fs.blockSize
		if from >= size {
			continue
		}
		to := min(from+length*fs.blockSize, size)
		if start+length > fs.blocksCount {
			return fmt.Errorf("extent at block %d runs past filesystem end", start)
		}
		if err := readFull(fs.r, buf[from:to], int64(start*fs.blockSize)); err != nil {
			return fmt.Errorf("read extent at block %d: %w", start, err)
		}
	}

	return nil
}

// readBlockMap copies the blocks of a classic ext2/3 block map into buf:
// twelve direct pointers then single, double and triple indirect blocks.
// Zero pointers are holes.
func (fs *filesystem) readBlockMap(buf []byte, iblock []byte) error {
	total := (uint64(len(buf)) + fs.blockSize - 1) / fs.blockSize
	perBlock := fs.blockSize / 4

	var logical uint64
	for i := 0; i < 12 && logical < total; i++ {
		if err := fs.copyBlock(buf, logical, binary.LittleEndian.Uint32(iblock[i*4:])); err != nil {
			return err
		}
		logical++
	}

	for level := 1; level <= 3 && logical < total; level++ {
		ptr := binary.LittleEndian.Uint32(iblock[(11+level)*4:])
		if err := fs.walkIndirect(buf, ptr, level, &logical, total, perBlock); err != nil {
			return err
		}
	}

	if logical < total {
		return fmt.Errorf("block map covers %d of %d blocks", logical, total)
	}
	return nil
}

func (fs *filesystem) walkIndirect(buf []byte, ptr uint32, level int, logical *uint64, total, perBlock uint64) error {
	if ptr == 0 {
		covered := uint64(1)
		for i := 0; i < level; i++ {
			covered *= perBlock
		}
		*logical = min(*logical+covered, total)
		return nil
	}

	block := make([]byte, fs.blockSize)
	if err := fs.readBlocks(block, uint64(ptr)); err != nil {
		return fmt.Errorf("read indirect block %d: %w", ptr, err)
	}

	for i := uint64(0); i < perBlock && *logical < total; i++ {
		child := binary.LittleEndian.Uint32(block[i*4:])
		if level == 1 {
			if err := fs.copyBlock(buf, *logical, child); err != nil {
				return err
			}
			*logical++
			continue
		}
		if err := fs.walkIndirect(buf, child, level-1, logical, total, perBlock); err != nil {
			return err
		}
	}
	return nil
}

func (fs *filesystem) copyBlock(buf []byte, logical uint64, physical uint32) error {
	if physical == 0 {
		return nil
	}
	from := logical * fs.blockSize
	to := min(from+fs.blockSize, uint64(len(buf)))
	if err := fs.readBlocks(buf[from:to], uint64(physical)); err != nil {
		return fmt.Errorf("read data block %d: %w", physical, err)
	}
	return nil
}

// lookup finds name in a directory by scanning its entries linearly, which
// also works for hash-indexed directories.
func (fs *filesystem) lookup(dir *inode, name string) (uint32, error) {
	data, err := fs.readData(dir)
	if err != nil {
		return 0, err
	}

	if dir.flags&inodeFlagInlineData != 0 {
		// The first four bytes of an inline directory hold the parent inode.
		if len(data) < 4 {
			return 0, errNotFound
		}
		return fs.scanEntries(data[4:], name)
	}

	for off := uint64(0); off < uint64(len(data)); off += fs.blockSize {
		end := min(off+fs.blockSize, uint64(len(data)))
		num, err := fs.scanEntries(data[off:end], name)
		if err == nil {
			return num, nil
		}
		if !errors.Is(err, errNotFound) {
			return 0, err
		}
	}
	return 0, errNotFound
}

func (fs *filesystem) scanEntries(block []byte, name string) (uint32, error) {
	for off := 0; off+8 <= len(block); {
		num := binary.LittleEndian.Uint32(block[off:])
		recLen := int(binary.LittleEndian.Uint16(block[off+4:]))
		if fs.blockSize == 65536 && (recLen == 0 || recLen == 65535) {
			recLen = 65536
		}
		if recLen < 8 || off+recLen > len(block) {
			return 0, fmt.Errorf("corrupt directory entry at offset %d", off)
		}

		nameLen := int(block[off+6])
		if fs.incompat&incompatFiletype == 0 {
			nameLen = int(binary.LittleEndian.Uint16(block[off+6:]))
		}

		if num != 0 && 8+nameLen <= recLen && string(block[off+8:off+8+nameLen]) == name {
			return num, nil
		}
		off += recLen
	}
	return 0, errNotFound
}

func (fs *filesystem) readLink(in *inode) (string, error) {
	blocks := in.blocks
	if in.acl != 0 {
		blocks -= uint32(fs.blockSize / 512)
	}

	fast := in.size < inlineDataLimit && blocks == 0 &&
		in.flags&(inodeFlagExtents|inodeFlagInlineData) == 0
	if fast {
		return string(in.block[:in.size]), nil
	}

	data, err := fs.readData(in)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// resolve walks an absolute path from the root directory, following
// symbolic links, and returns the regular file it names.
func (fs *filesystem) resolve(filePath string) (*inode, error) {
	pending := splitPath(filePath)
	stack := []uint32{rootInode}
	hops := 0

	for len(pending) > 0 {
		name := pending[0]
		pending = pending[1:]

		switch name {
		case ".":
			continue
		case "..":
			if len(stack) > 1 {
				stack = stack[:len(stack)-1]
			}
			continue
		}

		dir, err := fs.readInode(stack[len(stack)-1])
		if err != nil {
			return nil, err
		}
		if !dir.isDir() {
			return nil, fmt.Errorf("%s: not a directory", name)
		}

		num, err := fs.lookup(dir, name)
		if err != nil {
			if errors.Is(err, errNotFound) {
				return nil, fmt.Errorf("%s: %w", name, errNotFound)
			}
			return nil, err
		}

		child, err := fs.readInode(num)
		if err != nil {
			return nil, err
		}

		if child.isSymlink() {
			hops++
			if hops > maxSymlinkHops {
				return nil, errors.New("too many levels of symbolic links")
			}
			target, err := fs.readLink(child)
			if err != nil {
				return nil, fmt.Errorf("read link %s: %w", name, err)
			}
			if strings.HasPrefix(target, "/") {
				stack = stack[:1]
			}
			pending = append(splitPath(target), pending...)
			continue
		}

		stack = append(stack, num)
	}

	in, err := fs.readInode(stack[len(stack)-1])
	if err != nil {
		return nil, err
	}
	if !in.isRegular() {
		return nil, fmt.Errorf("%s is not a regular file (mode 0%o)", filePath, in.mode)
	}
	return in, nil
}

func splitPath(p string) []string {
	var parts []string
	for _, part := range strings.Split(p, "/") {
		if part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}
