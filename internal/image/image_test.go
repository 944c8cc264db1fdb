package image

import (
	"encoding/binary"
	"testing"

	"github.com/gokernel/corekernel/internal/fs/cpio"
)

func TestCpio_RoundTripsThroughParser(t *testing.T) {
	archive := Cpio([]CpioFile{
		{Name: "hello", Data: []byte("hi\n")},
		{Name: "bin/prog", Data: []byte{0x90, 0x90}},
	})

	entries, err := cpio.Parse(archive)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}

	if entries[0].Name != "hello" || string(entries[0].Data) != "hi\n" {
		t.Errorf("entry 0 = %+v", entries[0])
	}

	if entries[1].Name != "bin/prog" {
		t.Errorf("entry 1 name = %q", entries[1].Name)
	}
}

func TestCpio_EmptyArchiveIsJustTrailer(t *testing.T) {
	entries, err := cpio.Parse(Cpio(nil))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if len(entries) != 0 {
		t.Fatalf("got %d entries, want 0", len(entries))
	}
}

func TestELF_EntryAndBSS(t *testing.T) {
	code := []byte{0x90, 0x90, 0x90, 0x90}
	data := ELF(0x400000, 0x400000, code, 0x2000, PermRead|PermExecute)

	if string(data[0:4]) != "\x7fELF" {
		t.Fatalf("bad magic: %x", data[0:4])
	}

	if len(data) != ehSize+phSize+len(code) {
		t.Fatalf("unexpected image length: %d", len(data))
	}

	if got := binary.LittleEndian.Uint64(data[24:]); got != 0x400000 {
		t.Fatalf("e_entry = %#x, want 0x400000", got)
	}

	ph := data[ehSize:]

	if got := binary.LittleEndian.Uint64(ph[32:]); got != uint64(len(code)) {
		t.Fatalf("p_filesz = %d, want %d", got, len(code))
	}

	if got := binary.LittleEndian.Uint64(ph[40:]); got != 0x2000 {
		t.Fatalf("p_memsz = %#x, want 0x2000", got)
	}
}
