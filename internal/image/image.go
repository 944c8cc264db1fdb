// Package image builds synthetic binary images for tests and for the boot command's built-in
// demo fixture: newc-format cpio archives (the initramfs format internal/fs/cpio parses) and
// minimal ELF64 executables (the format internal/exec loads). It is an in-repo encoder for
// binary formats the rest of the kernel only ever reads.
package image

import (
	"bytes"
	"encoding/binary"
)

// CpioFile is one entry to write into a newc archive.
type CpioFile struct {
	Name string
	Data []byte
}

// Cpio assembles a minimal newc-format cpio archive from a list of files, terminated by the
// conventional TRAILER!!! record. The layout matches exactly what internal/fs/cpio.Parse expects:
// ASCII "070701" magic, 8-hex-digit fields, name and data padded to 4-byte boundaries.
func Cpio(files []CpioFile) []byte {
	var buf bytes.Buffer

	for _, f := range files {
		writeCpioEntry(&buf, f.Name, f.Data)
	}

	writeCpioHeader(&buf, "TRAILER!!!", 0, 0)

	return buf.Bytes()
}

func writeCpioEntry(buf *bytes.Buffer, name string, data []byte) {
	writeCpioHeader(buf, name, len(data), 0o100644)
	buf.Write(data)
	padTo4(buf)
}

func writeCpioHeader(buf *bytes.Buffer, name string, filesize, mode int) {
	buf.WriteString("070701")
	buf.WriteString(padHex(0))        // ino
	buf.WriteString(padHex(mode))     // mode
	buf.WriteString(padHex(0))        // uid
	buf.WriteString(padHex(0))        // gid
	buf.WriteString(padHex(1))        // nlink
	buf.WriteString(padHex(0))        // mtime
	buf.WriteString(padHex(filesize)) // filesize
	buf.WriteString(padHex(0))        // devmajor
	buf.WriteString(padHex(0))        // devminor
	buf.WriteString(padHex(0))        // rdevmajor
	buf.WriteString(padHex(0))        // rdevminor
	buf.WriteString(padHex(len(name) + 1))
	buf.WriteString(padHex(0)) // check

	buf.WriteString(name)
	buf.WriteByte(0)
	padTo4(buf)
}

func padHex(v int) string {
	const digits = "0123456789abcdef"

	if v == 0 {
		return "00000000"
	}

	var b []byte

	for v > 0 {
		b = append([]byte{digits[v%16]}, b...)
		v /= 16
	}

	s := "00000000" + string(b)

	return s[len(s)-8:]
}

func padTo4(buf *bytes.Buffer) {
	for buf.Len()%4 != 0 {
		buf.WriteByte(0)
	}
}

// ELF64 header/program-header field layout constants, kept local to this package rather than
// imported from internal/exec so fixture code never depends on the loader's unexported
// validation internals.
const (
	ehSize = 64
	phSize = 56

	classELF64   = 2
	dataLE       = 1
	etExec       = 2
	machineX8664 = 0x3e
	evCurrent    = 1
	phTypeLoad   = 1

	PermRead    = 0x4
	PermWrite   = 0x2
	PermExecute = 0x1
)

// ELF assembles a minimal ELF64 ET_EXEC image with a single PT_LOAD segment: code occupies the
// first len(code) bytes of the segment (p_filesz), the remainder up to memsz is BSS. flags are
// PermRead/PermWrite/PermExecute bits for the segment's p_flags.
func ELF(entry, vaddr uint64, code []byte, memsz uint64, flags uint32) []byte {
	buf := make([]byte, ehSize+phSize+len(code))

	copy(buf[0:], "\x7fELF")
	buf[4] = classELF64
	buf[5] = dataLE
	buf[6] = evCurrent
	binary.LittleEndian.PutUint16(buf[16:], etExec)
	binary.LittleEndian.PutUint16(buf[18:], machineX8664)
	binary.LittleEndian.PutUint32(buf[20:], evCurrent)
	binary.LittleEndian.PutUint64(buf[24:], entry)
	binary.LittleEndian.PutUint64(buf[32:], ehSize) // phoff
	binary.LittleEndian.PutUint16(buf[54:], phSize)
	binary.LittleEndian.PutUint16(buf[56:], 1) // phnum

	ph := buf[ehSize:]
	binary.LittleEndian.PutUint32(ph[0:], phTypeLoad)
	binary.LittleEndian.PutUint32(ph[4:], flags)
	binary.LittleEndian.PutUint64(ph[8:], ehSize+phSize) // p_offset
	binary.LittleEndian.PutUint64(ph[16:], vaddr)
	binary.LittleEndian.PutUint64(ph[32:], uint64(len(code)))
	binary.LittleEndian.PutUint64(ph[40:], memsz)

	copy(buf[ehSize+phSize:], code)

	return buf
}
