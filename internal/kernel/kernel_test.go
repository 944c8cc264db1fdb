package kernel

import (
	"bytes"
	"strings"
	"testing"

	"github.com/gokernel/corekernel/internal/boot"
	"github.com/gokernel/corekernel/internal/cpu"
	"github.com/gokernel/corekernel/internal/image"
	"github.com/gokernel/corekernel/internal/log"
	"github.com/gokernel/corekernel/internal/mem/pmm"
	"github.com/gokernel/corekernel/internal/shell"
	"github.com/gokernel/corekernel/internal/syscalldispatch"
)

const (
	testKernelPhys = 0x100000
	testKernelVirt = 0xffffffff80000000
	testKernelLen  = 0x10000
	testCeiling    = 16 * 1024 * 1024
)

func testBootInfo(modules ...boot.Module) *boot.Info {
	regions := []pmm.Region{{Base: 0, Length: testCeiling, Type: pmm.RegionUsable}}

	return boot.New(log.NewSerialLogger(nil), regions, 0, testKernelPhys, testKernelVirt, testKernelLen, modules)
}

func initramfsModuleWith(entries [][2]string) boot.Module {
	files := make([]image.CpioFile, len(entries))
	for i, e := range entries {
		files[i] = image.CpioFile{Name: e[0], Data: []byte(e[1])}
	}

	return boot.Module{Path: "/boot/initramfs.cpio"}.WithData(image.Cpio(files))
}

// buildFaultingELF assembles a minimal ELF64 ET_EXEC image with one PT_LOAD segment; the code
// bytes themselves are never interpreted by this hosted kernel (there is no x86 instruction
// engine), so they are a placeholder and the "fault" in scenario S3 is simulated directly via
// Kernel.Trap rather than by executing a null-pointer dereference.
func buildFaultingELF(entry, vaddr uint64) []byte {
	code := []byte{0x90}
	return image.ELF(entry, vaddr, code, uint64(len(code)), image.PermRead|image.PermExecute)
}

func TestBoot_ToShellPrompt(t *testing.T) {
	var logbuf, out bytes.Buffer

	module := initramfsModuleWith([][2]string{{"hello", "hi\n"}})
	info := testBootInfo(module)

	in := strings.NewReader("ls\nexit\n")

	k, err := New(log.NewSerialLogger(&logbuf), info, testCeiling, in, &out)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	k.Boot()

	logs := logbuf.String()

	for _, want := range []string{
		"PMM: Initialization complete",
		"VMM: Stored kernel PML4 address:",
		"[initramfs: files: hello]",
	} {
		if !strings.Contains(logs, want) {
			t.Fatalf("log output missing %q; got:\n%s", want, logs)
		}
	}

	outStr := out.String()

	if !strings.Contains(outStr, shell.Prompt) {
		t.Fatalf("shell output missing prompt; got %q", outStr)
	}

	if !strings.Contains(outStr, "hello") {
		t.Fatalf("ls output missing %q; got %q", "hello", outStr)
	}
}

func TestSyscall_ExitReleasesProcess(t *testing.T) {
	var logbuf, out bytes.Buffer

	module := initramfsModuleWith([][2]string{{"bin/prog", string(buildFaultingELF(0x401000, 0x401000))}})
	info := testBootInfo(module)

	k, err := New(log.NewSerialLogger(&logbuf), info, testCeiling, strings.NewReader(""), &out)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := k.Launch("/bin/prog"); err != nil {
		t.Fatalf("Launch: %v", err)
	}

	proc := k.current
	if proc == nil {
		t.Fatal("Launch did not record a running process")
	}

	if got := k.space.Current(); got != proc.PML4 {
		t.Fatalf("Current() = %#x, want the process PML4 %#x", got, proc.PML4)
	}

	if rc := k.Syscall(syscalldispatch.SysExit, [5]uint64{0}); rc != syscalldispatch.ExitSentinel {
		t.Fatalf("Syscall(exit) = %d, want the exit sentinel", rc)
	}

	if got := k.space.Current(); got != k.space.KernelPML4() {
		t.Fatalf("Current() after exit = %#x, want the kernel PML4", got)
	}

	if k.current != nil {
		t.Fatal("process record not cleared after exit")
	}

	for _, virt := range proc.StackPages {
		if got := k.space.Translate(proc.PML4, virt); got != 0 {
			t.Fatalf("stack page %#x still mapped after exit", virt)
		}
	}
}

func TestTrap_PageFaultRecovery(t *testing.T) {
	var logbuf, out bytes.Buffer

	module := initramfsModuleWith([][2]string{{"bin/crash", string(buildFaultingELF(0x401000, 0x401000))}})
	info := testBootInfo(module)

	in := strings.NewReader("exit\n")

	k, err := New(log.NewSerialLogger(&logbuf), info, testCeiling, in, &out)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := k.Launch("/bin/crash"); err != nil {
		t.Fatalf("Launch: %v", err)
	}

	ok := k.Trap(cpu.VectorPF, 0x4, 0x0) // user-mode, not-present read at CR2=0
	if !ok {
		t.Fatal("Trap returned false for an installed #PF gate")
	}

	if k.Halted() {
		t.Fatal("a user fault must not halt the kernel")
	}

	logs := logbuf.String()

	for _, want := range []string{"User Mode Fault", "INT", "Returning to shell"} {
		if !strings.Contains(logs, want) {
			t.Fatalf("log output missing %q; got:\n%s", want, logs)
		}
	}

	if !strings.Contains(out.String(), "$") {
		t.Fatalf("shell output missing prompt after recovery; got %q", out.String())
	}
}
