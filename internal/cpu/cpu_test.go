package cpu

import (
	"io"
	"testing"

	"github.com/gokernel/corekernel/internal/log"
)

func testLogger() *log.Logger { return log.NewSerialLogger(io.Discard) }

func TestSelector_Ring(t *testing.T) {
	if UserCodeSelector.Ring() != 3 {
		t.Fatalf("UserCodeSelector.Ring() = %d, want 3", UserCodeSelector.Ring())
	}

	if KernelCodeSelector.Ring() != 0 {
		t.Fatalf("KernelCodeSelector.Ring() = %d, want 0", KernelCodeSelector.Ring())
	}
}

func TestIDT_InstallAndRaise(t *testing.T) {
	idt := NewIDT(testLogger())

	var got *RegisterSnapshot

	idt.Install(VectorPF, func(s *RegisterSnapshot) { got = s })

	snap := &RegisterSnapshot{CR2: 0x1000}
	if ok := idt.Raise(VectorPF, snap); !ok {
		t.Fatal("Raise returned false for installed gate")
	}

	if got == nil || got.Vector != VectorPF {
		t.Fatalf("handler did not receive snapshot: %+v", got)
	}
}

func TestIDT_RaiseUnhandledVector(t *testing.T) {
	idt := NewIDT(testLogger())

	if ok := idt.Raise(200, &RegisterSnapshot{}); ok {
		t.Fatal("expected Raise to report false for an unset gate")
	}
}

type fakeSpace struct {
	switched []uint64
	kernel   uint64
}

func (f *fakeSpace) SwitchTo(pml4 uint64) { f.switched = append(f.switched, pml4) }
func (f *fakeSpace) KernelPML4() uint64   { return f.kernel }

func TestHandler_UserFaultRecovers(t *testing.T) {
	space := &fakeSpace{kernel: 0x9000}

	shellCalled := false
	h := NewHandler(testLogger(), space, func() { shellCalled = true })

	snap := &RegisterSnapshot{
		Vector:    VectorPF,
		ErrorCode: uint64(pfUser),
		CR2:       0x0,
	}

	h.Handle(snap)

	if h.Halted {
		t.Fatal("user fault must not set Halted")
	}

	if !shellCalled {
		t.Fatal("expected shell entry to be called")
	}

	if len(space.switched) != 1 || space.switched[0] != space.kernel {
		t.Fatalf("SwitchTo calls = %v, want [%d]", space.switched, space.kernel)
	}
}

func TestHandler_KernelFaultHalts(t *testing.T) {
	space := &fakeSpace{kernel: 0x9000}

	h := NewHandler(testLogger(), space, func() { t.Fatal("shell must not run on a kernel fault") })

	snap := &RegisterSnapshot{
		Vector:    VectorGP,
		ErrorCode: 0,
		CS:        uint64(KernelCodeSelector),
	}

	h.Handle(snap)

	if !h.Halted {
		t.Fatal("expected Halted to be set after a kernel fault")
	}
}

func TestRing3_EnterUser(t *testing.T) {
	r := NewRing3(testLogger())

	frame := r.EnterUser(0x400000, 0x7ffffff8)

	if frame.CS != UserCodeSelector || frame.SS != UserDataSelector {
		t.Fatalf("frame selectors = %+v", frame)
	}

	if frame.RFLAGS&flagsIF == 0 {
		t.Fatal("expected IF set in RFLAGS")
	}

	if r.CS() != UserCodeSelector {
		t.Fatalf("CS() = %v, want UserCodeSelector", r.CS())
	}

	r.ReturnToKernel()

	if r.CS() != KernelCodeSelector {
		t.Fatalf("CS() after ReturnToKernel = %v, want KernelCodeSelector", r.CS())
	}
}

func TestTSS_RSP0(t *testing.T) {
	tss := NewTSS(testLogger())

	if tss.RSP0 != KernelStackSize {
		t.Fatalf("RSP0 = %d, want %d", tss.RSP0, KernelStackSize)
	}
}

func TestGDT_Entries(t *testing.T) {
	g := NewGDT(testLogger())

	if g.entries[gdtUserCode].dpl != 3 {
		t.Fatalf("user code dpl = %d, want 3", g.entries[gdtUserCode].dpl)
	}

	if g.entries[gdtKernelCode].dpl != 0 {
		t.Fatalf("kernel code dpl = %d, want 0", g.entries[gdtKernelCode].dpl)
	}
}
