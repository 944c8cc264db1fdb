package exec

import (
	"io"
	"testing"

	"github.com/gokernel/corekernel/internal/image"
	"github.com/gokernel/corekernel/internal/log"
	"github.com/gokernel/corekernel/internal/mem"
	"github.com/gokernel/corekernel/internal/mem/vmm"
)

func testLogger() *log.Logger { return log.NewSerialLogger(io.Discard) }

// buildELF assembles a minimal ELF64 ET_EXEC image with one PT_LOAD segment covering code
// (filesz) and a BSS tail (memsz > filesz), read-execute permissions.
func buildELF(entry, vaddr uint64, code []byte, memsz uint64) []byte {
	return image.ELF(entry, vaddr, code, memsz, image.PermRead|image.PermExecute)
}

type seqFrames struct{ next uint64 }

func (s *seqFrames) Alloc() (uint64, error) {
	s.next += uint64(mem.PageSize)
	return s.next, nil
}

func newTestSpace(logger *log.Logger) *vmm.Manager {
	store := vmm.NewFrameStore()
	frames := &seqFrames{next: 0x100000}

	return vmm.NewManager(logger, store, frames, 0x1000)
}

func TestLoad_ValidatesHeader(t *testing.T) {
	logger := testLogger()
	space := newTestSpace(logger)
	frames := &seqFrames{next: 0x200000}
	phys := mem.NewPhysMem()

	l := NewLoader(logger, space, frames, phys)

	bad := []byte("not an elf")
	if _, err := l.Load(bad); err == nil {
		t.Fatal("expected an error for bad magic")
	}
}

func TestLoad_MapsSegmentAndZeroesBSS(t *testing.T) {
	logger := testLogger()
	space := newTestSpace(logger)
	frames := &seqFrames{next: 0x200000}
	phys := mem.NewPhysMem()

	l := NewLoader(logger, space, frames, phys)

	code := []byte{0x90, 0x90, 0x90, 0x90} // four NOPs
	data := buildELF(0x400000, 0x400000, code, 0x2000)

	proc, err := l.Load(data)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if proc.Entry != 0x400000 {
		t.Fatalf("Entry = %#x, want 0x400000", proc.Entry)
	}

	physAddr := space.Translate(proc.PML4, 0x400000)
	if physAddr == 0 {
		t.Fatal("segment page was not mapped")
	}

	var buf [4]byte
	phys.ReadAt(physAddr, buf[:])

	for i, b := range buf {
		if b != code[i] {
			t.Fatalf("byte %d = %#x, want %#x", i, b, code[i])
		}
	}

	// A page beyond filesz but within memsz must read zero (BSS).
	bssPhys := space.Translate(proc.PML4, 0x401000)
	if bssPhys == 0 {
		t.Fatal("bss page was not mapped")
	}

	var bssBuf [4]byte
	phys.ReadAt(bssPhys, bssBuf[:])

	for _, b := range bssBuf {
		if b != 0 {
			t.Fatalf("bss byte = %#x, want 0", b)
		}
	}

	if len(proc.StackPages) != UserStackPages {
		t.Fatalf("len(StackPages) = %d, want %d", len(proc.StackPages), UserStackPages)
	}

	if proc.StackTop != userStackTop-8 {
		t.Fatalf("StackTop = %#x, want %#x", proc.StackTop, userStackTop-8)
	}
}
