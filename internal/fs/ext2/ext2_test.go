package ext2

import (
	"encoding/binary"
	"testing"
)

// buildImage assembles a minimal, valid ext2 image with a root directory containing a single
// regular file, using 1 KiB blocks:
//
//	block 0: boot block (unused)
//	block 1: superblock
//	block 2: block-group descriptor table
//	block 3: inode table
//	block 4: root directory data
//	block 5: file data
func buildImage(t *testing.T, fileName string, fileData []byte) []byte {
	t.Helper()

	const blockSize = 1024

	buf := make([]byte, 6*blockSize)

	sb := buf[superblockOffset : superblockOffset+1024]
	putLE32(sb, 20, 1)           // first_data_block
	putLE32(sb, 24, 0)           // log_block_size -> 1024 << 0
	putLE32(sb, 40, 8)           // inodes_per_group
	putLE16(sb, 56, magic)       // magic
	putLE32(sb, 76, 0)           // rev_level 0 -> fixed 128-byte inodes

	bgdt := buf[2*blockSize : 2*blockSize+32]
	putLE32(bgdt, 8, 3) // inode_table block

	// Root inode (#2): index 1, offset = 3*1024 + 1*128.
	rootInode := buf[3*blockSize+128 : 3*blockSize+256]
	putLE16(rootInode, 0, dirTypeBit|0o755)
	putLE32(rootInode, 4, blockSize) // size
	putLE32(rootInode, 40, 4)        // blocks[0] = root dir data block

	// File inode (#3): index 2, offset = 3*1024 + 2*128.
	fileInode := buf[3*blockSize+256 : 3*blockSize+384]
	putLE16(fileInode, 0, 0o100644)
	putLE32(fileInode, 4, uint32(len(fileData)))
	putLE32(fileInode, 40, 5) // blocks[0] = file data block

	// Root directory entry pointing at the file, filling the rest of its block.
	dirBlock := buf[4*blockSize : 5*blockSize]
	putLE32(dirBlock, 0, 3)                      // inode
	putLE16(dirBlock, 4, uint16(blockSize))       // rec_len fills the block
	dirBlock[6] = byte(len(fileName))             // name_len
	dirBlock[7] = 1                               // file_type: regular
	copy(dirBlock[8:], fileName)

	copy(buf[5*blockSize:], fileData)

	return buf
}

func putLE16(b []byte, off int, v uint16) { binary.LittleEndian.PutUint16(b[off:], v) }
func putLE32(b []byte, off int, v uint32) { binary.LittleEndian.PutUint32(b[off:], v) }

func TestOpen_BadMagic(t *testing.T) {
	buf := make([]byte, 4096)

	if _, err := Open(buf); err == nil {
		t.Fatal("expected ErrBadSuperblock")
	}
}

func TestOpenStatReadAt(t *testing.T) {
	buf := buildImage(t, "readme", []byte("0123456789"))

	img, err := Open(buf)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	st, err := img.Stat("/readme")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}

	if st.Size != 10 || st.IsDir {
		t.Fatalf("Stat = %+v", st)
	}

	var out [5]byte

	n, err := img.ReadAt("/readme", 0, out[:])
	if err != nil || n != 5 || string(out[:]) != "01234" {
		t.Fatalf("ReadAt(0) = %d, %v, %q", n, err, out[:])
	}

	var out2 [10]byte

	n, err = img.ReadAt("/readme", 5, out2[:])
	if err != nil || n != 5 || string(out2[:5]) != "56789" {
		t.Fatalf("ReadAt(5) = %d, %v, %q", n, err, out2[:n])
	}

	n, err = img.ReadAt("/readme", 10, out2[:])
	if err != nil || n != 0 {
		t.Fatalf("ReadAt(10) = %d, %v", n, err)
	}
}

func TestList(t *testing.T) {
	buf := buildImage(t, "readme", []byte("hi"))

	img, err := Open(buf)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	entries, err := img.List("/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}

	if len(entries) != 1 || entries[0].Name != "readme" {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestStat_NotFound(t *testing.T) {
	buf := buildImage(t, "readme", []byte("hi"))

	img, err := Open(buf)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, err := img.Stat("/missing"); err == nil {
		t.Fatal("expected ErrNotFound")
	}
}
