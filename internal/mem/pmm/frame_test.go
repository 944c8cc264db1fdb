package pmm

import (
	"errors"
	"testing"

	"github.com/gokernel/corekernel/internal/mem"
)

func TestAllocFree_RoundTrip(t *testing.T) {
	regions := []Region{{Base: 0, Length: 16 * uint64(mem.MiB), Type: RegionUsable}}
	a := New(nil, regions, 16*uint64(mem.MiB), 0, 0)

	before := a.Used()

	var allocated []Frame

	for i := 0; i < 64; i++ {
		f, err := a.Alloc()
		if err != nil {
			t.Fatalf("Alloc: %v", err)
		}

		allocated = append(allocated, f)
	}

	for _, f := range allocated {
		if err := a.Free(f.Address()); err != nil {
			t.Fatalf("Free(%s): %v", f, err)
		}
	}

	if got := a.Used(); got != before {
		t.Errorf("bitmap not restored: before=%d after=%d", before, got)
	}
}

func TestAlloc_Exhaustion(t *testing.T) {
	// Only the two frames just above the permanently reserved low-memory region are usable.
	ceiling := uint64(mem.LowMemCeiling) + uint64(mem.PageSize)*2
	regions := []Region{{Base: 0, Length: ceiling, Type: RegionUsable}}
	a := New(nil, regions, ceiling, 0, 0)

	for i := 0; i < 2; i++ {
		if _, err := a.Alloc(); err != nil {
			t.Fatalf("Alloc %d: %v", i, err)
		}
	}

	if _, err := a.Alloc(); !errors.Is(err, ErrOutOfMemory) {
		t.Errorf("expected ErrOutOfMemory, got %v", err)
	}
}

func TestFree_Misaligned(t *testing.T) {
	a := New(nil, nil, uint64(mem.MiB), 0, 0)

	if err := a.Free(1); !errors.Is(err, ErrMisaligned) {
		t.Errorf("expected ErrMisaligned, got %v", err)
	}
}

func TestFree_DoubleFree(t *testing.T) {
	ceiling := uint64(mem.LowMemCeiling) + uint64(mem.PageSize)
	regions := []Region{{Base: 0, Length: ceiling, Type: RegionUsable}}
	a := New(nil, regions, ceiling, 0, 0)

	f, err := a.Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	if err := a.Free(f.Address()); err != nil {
		t.Fatalf("Free: %v", err)
	}

	if err := a.Free(f.Address()); !errors.Is(err, ErrDoubleFree) {
		t.Errorf("expected ErrDoubleFree, got %v", err)
	}
}

func TestNew_LowMemoryReserved(t *testing.T) {
	regions := []Region{{Base: 0, Length: 2 * uint64(mem.MiB), Type: RegionUsable}}
	a := New(nil, regions, 2*uint64(mem.MiB), 0, 0)

	// Every frame below 1 MiB must already read as used.
	for f := uint64(0); f*uint64(mem.PageSize) < uint64(mem.LowMemCeiling); f++ {
		if !a.isSet(f) {
			t.Fatalf("frame %d below 1 MiB should be reserved", f)
		}
	}
}

func TestNew_KernelImageReserved(t *testing.T) {
	regions := []Region{{Base: 0, Length: 4 * uint64(mem.MiB), Type: RegionUsable}}
	kernelBase := uint64(2 * mem.MiB)
	kernelLen := uint64(mem.MiB)

	a := New(nil, regions, 4*uint64(mem.MiB), kernelBase, kernelLen)

	f := kernelBase / uint64(mem.PageSize)
	if !a.isSet(f) {
		t.Fatalf("kernel image frame %d should be reserved", f)
	}
}
