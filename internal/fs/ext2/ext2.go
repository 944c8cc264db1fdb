// Package ext2 is a read-only reader for ext2 disk images. Only the superblock, block-group
// descriptors, inodes, and direct-block (0-11) data needed by the VFS facade and the ELF loader
// are interpreted; there is no journal, no extended attribute, and no indirect-block support.
// Every field is read through explicit byte-offset helpers rather than a cast struct overlay.
package ext2

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	superblockOffset = 1024
	magic            = 0xEF53

	rootInode = 2

	dirTypeBit = 0x4000 // S_IFDIR

	// MaxListing bounds the number of entries a single directory listing call hands back (spec
	// §4.E reference bound).
	MaxListing = 32
)

var (
	ErrBadSuperblock = errors.New("ext2: bad superblock")
	ErrNotFound      = errors.New("ext2: not found")
	ErrNotDir        = errors.New("ext2: not a directory")
	ErrBounds        = errors.New("ext2: offset out of bounds")
)

// Image is a read-only view over an ext2 filesystem image held entirely in memory.
type Image struct {
	data      []byte
	blockSize uint32

	inodesPerGroup uint32
	inodeSize      uint32
	firstDataBlock uint32
}

// Open validates the superblock magic and returns an Image. It does not copy data; the caller
// retains ownership of the backing slice for the image's lifetime.
func Open(data []byte) (*Image, error) {
	if len(data) < superblockOffset+264 {
		return nil, fmt.Errorf("%w: image too small", ErrBadSuperblock)
	}

	sb := data[superblockOffset:]

	if m := le16(sb, 56); m != magic {
		return nil, fmt.Errorf("%w: magic %#x", ErrBadSuperblock, m)
	}

	logBlockSize := le32(sb, 24)
	blockSize := uint32(1024) << logBlockSize

	inodeSize := uint32(128)
	if rev := le32(sb, 76); rev >= 1 {
		if sz := le16(sb, 88); sz != 0 {
			inodeSize = uint32(sz)
		}
	}

	img := &Image{
		data:           data,
		blockSize:      blockSize,
		inodesPerGroup: le32(sb, 40),
		inodeSize:      inodeSize,
		firstDataBlock: le32(sb, 20),
	}

	return img, nil
}

func le16(b []byte, off int) uint16 { return binary.LittleEndian.Uint16(b[off:]) }
func le32(b []byte, off int) uint32 { return binary.LittleEndian.Uint32(b[off:]) }

// blockGroupDescTable returns the byte offset of the block-group descriptor table.
func (img *Image) blockGroupDescTable() uint32 {
	return (img.firstDataBlock + 1) * img.blockSize
}

// inode is the subset of on-disk inode fields this reader interprets.
type inode struct {
	mode    uint16
	size    uint32
	blocks  [12]uint32 // direct blocks only
}

func (i inode) isDir() bool { return i.mode&dirTypeBit != 0 }

// readInode loads inode number n (1-based).
func (img *Image) readInode(n uint32) (inode, error) {
	if n == 0 {
		return inode{}, fmt.Errorf("%w: inode 0", ErrNotFound)
	}

	idx := n - 1
	group := idx / img.inodesPerGroup
	posInGroup := idx % img.inodesPerGroup

	bgdtOffset := img.blockGroupDescTable() + group*32
	if int(bgdtOffset)+32 > len(img.data) {
		return inode{}, fmt.Errorf("%w: bgdt at %#x", ErrBounds, bgdtOffset)
	}

	bgd := img.data[bgdtOffset:]
	inodeTableBlock := le32(bgd, 8)

	byteOffset := inodeTableBlock*img.blockSize + posInGroup*img.inodeSize
	if int(byteOffset)+128 > len(img.data) {
		return inode{}, fmt.Errorf("%w: inode at %#x", ErrBounds, byteOffset)
	}

	raw := img.data[byteOffset:]

	var ino inode
	ino.mode = le16(raw, 0)
	ino.size = le32(raw, 4)

	for i := 0; i < 12; i++ {
		ino.blocks[i] = le32(raw, 40+i*4)
	}

	return ino, nil
}

// Dirent is one directory entry, surfaced to callers as a flat (name, inode) pair.
type Dirent struct {
	Inode uint32
	Name  string
	IsDir bool
}

// listDir reads every directory record across ino's direct blocks, stopping at the first
// zero-inode or zero-length record within a block and bounding the total count at MaxListing.
func (img *Image) listDir(ino inode) ([]Dirent, error) {
	if !ino.isDir() {
		return nil, ErrNotDir
	}

	var entries []Dirent

	for _, block := range ino.blocks {
		if block == 0 || len(entries) >= MaxListing {
			break
		}

		start := block * img.blockSize
		if int(start)+int(img.blockSize) > len(img.data) {
			return entries, fmt.Errorf("%w: block at %#x", ErrBounds, start)
		}

		buf := img.data[start : start+img.blockSize]

		var pos uint32
		for pos+8 <= img.blockSize && len(entries) < MaxListing {
			inodeNum := le32(buf, int(pos))
			recLen := le16(buf, int(pos+4))
			nameLen := buf[pos+6]
			fileType := buf[pos+7]

			if inodeNum == 0 || recLen == 0 {
				break
			}

			nameStart := pos + 8
			if int(nameStart)+int(nameLen) > len(buf) {
				return entries, fmt.Errorf("%w: dirent name at %#x", ErrBounds, start+nameStart)
			}

			name := string(buf[nameStart : nameStart+uint32(nameLen)])

			entries = append(entries, Dirent{
				Inode: inodeNum,
				Name:  name,
				IsDir: fileType == 2,
			})

			pos += uint32(recLen)
		}
	}

	return entries, nil
}

// resolve walks path components starting from the root inode (number 2).
func (img *Image) resolve(path string) (uint32, inode, error) {
	n := uint32(rootInode)

	ino, err := img.readInode(n)
	if err != nil {
		return 0, inode{}, err
	}

	if !ino.isDir() {
		return 0, inode{}, fmt.Errorf("%w: root is not a directory", ErrBadSuperblock)
	}

	for _, comp := range splitPath(path) {
		entries, err := img.listDir(ino)
		if err != nil {
			return 0, inode{}, err
		}

		var next uint32

		found := false

		for _, e := range entries {
			if e.Name == comp {
				next = e.Inode
				found = true

				break
			}
		}

		if !found {
			return 0, inode{}, fmt.Errorf("%w: %s", ErrNotFound, path)
		}

		n = next

		ino, err = img.readInode(n)
		if err != nil {
			return 0, inode{}, err
		}
	}

	return n, ino, nil
}

func splitPath(path string) []string {
	var out []string

	start := 0

	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '/' {
			if i > start {
				out = append(out, path[start:i])
			}

			start = i + 1
		}
	}

	return out
}

// Stat describes an open file or directory.
type Stat struct {
	Inode uint32
	Size  uint32
	IsDir bool
}

// Stat resolves path to a Stat, walking the directory chain level by level (spec's testable
// property 7: open("/a/b") matches walking "a" inside root then "b" inside that directory,
// because resolve literally performs that walk).
func (img *Image) Stat(path string) (Stat, error) {
	n, ino, err := img.resolve(path)
	if err != nil {
		return Stat{}, err
	}

	return Stat{Inode: n, Size: ino.size, IsDir: ino.isDir()}, nil
}

// ReadAt reads up to len(buf) bytes from the file at path, starting at offset, following only
// direct blocks 0-11. Reads entirely beyond the directly-addressable range (or beyond the file's
// size) report io.EOF-equivalent behavior by returning 0, nil.
func (img *Image) ReadAt(path string, offset uint64, buf []byte) (int, error) {
	_, ino, err := img.resolve(path)
	if err != nil {
		return 0, err
	}

	if ino.isDir() {
		return 0, ErrNotDir
	}

	maxDirect := uint64(len(ino.blocks)) * uint64(img.blockSize)

	if offset >= uint64(ino.size) || offset >= maxDirect {
		return 0, nil
	}

	remaining := uint64(ino.size) - offset
	if remaining > maxDirect-offset {
		remaining = maxDirect - offset
	}

	if uint64(len(buf)) > remaining {
		buf = buf[:remaining]
	}

	var n int

	for len(buf) > 0 {
		blockIdx := offset / uint64(img.blockSize)
		blockOff := offset % uint64(img.blockSize)

		block := ino.blocks[blockIdx]

		chunk := uint64(img.blockSize) - blockOff
		if chunk > uint64(len(buf)) {
			chunk = uint64(len(buf))
		}

		if block == 0 {
			// A hole: report zeros, matching ext2's sparse-file semantics.
			for i := uint64(0); i < chunk; i++ {
				buf[i] = 0
			}
		} else {
			start := uint64(block)*uint64(img.blockSize) + blockOff
			if start+chunk > uint64(len(img.data)) {
				return n, fmt.Errorf("%w: block read at %#x", ErrBounds, start)
			}

			copy(buf[:chunk], img.data[start:start+chunk])
		}

		n += int(chunk)
		offset += chunk
		buf = buf[chunk:]
	}

	return n, nil
}

// List returns the directory entries at path, bounded at MaxListing. Callers should treat the
// returned slice as owned by them, not aliased to internal state: a future caching layer is not
// guaranteed to back it with storage independent of the next call.
func (img *Image) List(path string) ([]Dirent, error) {
	_, ino, err := img.resolve(path)
	if err != nil {
		return nil, err
	}

	return img.listDir(ino)
}
