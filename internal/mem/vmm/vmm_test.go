package vmm

import (
	"testing"
)

// seqAllocator hands out sequential, page-aligned physical addresses starting at base.
type seqAllocator struct {
	next uint64
}

func (a *seqAllocator) Alloc() (uint64, error) {
	f := a.next
	a.next += 0x1000

	return f, nil
}

func newTestManager() *Manager {
	alloc := &seqAllocator{next: 0x1000}
	store := NewFrameStore()

	kernelPML4, _ := alloc.Alloc()
	store.get(kernelPML4)[511] = makeEntry(0xdead000, FlagPresent|FlagWritable)

	return NewManager(nil, store, alloc, kernelPML4)
}

func TestCreateAddressSpace_Isolation(t *testing.T) {
	m := newTestManager()

	pml4, err := m.CreateAddressSpace()
	if err != nil {
		t.Fatalf("CreateAddressSpace: %v", err)
	}

	kernelTable := m.store.get(m.KernelPML4())
	newTable := m.store.get(pml4)

	for i := 256; i < 512; i++ {
		if newTable[i] != kernelTable[i] {
			t.Errorf("entry %d: kernel half diverges: %#x != %#x", i, newTable[i], kernelTable[i])
		}
	}

	for i := 0; i < 256; i++ {
		if newTable[i] != 0 {
			t.Errorf("entry %d: user half not zero: %#x", i, newTable[i])
		}
	}
}

func TestMapUnmapTranslate_Duality(t *testing.T) {
	m := newTestManager()

	pml4, err := m.CreateAddressSpace()
	if err != nil {
		t.Fatalf("CreateAddressSpace: %v", err)
	}

	const virt = uint64(0x400000)
	const phys = uint64(0x700000)

	if err := m.MapPage(pml4, virt, phys, FlagPresent|FlagUser|FlagWritable); err != nil {
		t.Fatalf("MapPage: %v", err)
	}

	if got := m.Translate(pml4, virt+0x123); got != phys+0x123 {
		t.Errorf("Translate = %#x, want %#x", got, phys+0x123)
	}

	m.UnmapPage(pml4, virt)

	if got := m.Translate(pml4, virt); got != 0 {
		t.Errorf("Translate after unmap = %#x, want 0", got)
	}
}

func TestMapPage_Remap(t *testing.T) {
	m := newTestManager()
	pml4, _ := m.CreateAddressSpace()

	if err := m.MapPage(pml4, 0x1000, 0x2000, FlagPresent|FlagUser); err != nil {
		t.Fatalf("first map: %v", err)
	}

	if err := m.MapPage(pml4, 0x1000, 0x3000, FlagPresent|FlagUser); err != nil {
		t.Fatalf("remap: %v", err)
	}

	if got := m.Translate(pml4, 0x1000); got != 0x3000 {
		t.Errorf("Translate after remap = %#x, want 0x3000", got)
	}
}

func TestSwitchToAndCurrent(t *testing.T) {
	m := newTestManager()
	pml4, _ := m.CreateAddressSpace()

	m.SwitchTo(pml4)

	if got := m.Current(); got != pml4 {
		t.Errorf("Current() = %#x, want %#x", got, pml4)
	}
}
