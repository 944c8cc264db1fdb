// Package kernel assembles the subsystems built in the other internal packages into one bootable,
// hosted simulation of the power-on-to-shell data flow. It owns no algorithms of its own; it is
// wiring: a zero-value struct, its fields filled in dependency order, devices mapped, and only
// then handed back to the caller.
package kernel

import (
	"fmt"
	"io"

	"github.com/gokernel/corekernel/internal/boot"
	"github.com/gokernel/corekernel/internal/cpu"
	"github.com/gokernel/corekernel/internal/exec"
	"github.com/gokernel/corekernel/internal/fs"
	"github.com/gokernel/corekernel/internal/fs/cpio"
	"github.com/gokernel/corekernel/internal/log"
	"github.com/gokernel/corekernel/internal/mem"
	"github.com/gokernel/corekernel/internal/mem/pmm"
	"github.com/gokernel/corekernel/internal/mem/vmm"
	"github.com/gokernel/corekernel/internal/shell"
	"github.com/gokernel/corekernel/internal/syscalldispatch"
)

// initramfsModule is the module path component the boot loader's module list is searched for.
const initramfsModule = "initramfs.cpio"

// trampolineEntry is a placeholder virtual address recorded into LSTAR; no real fast-call
// trampoline exists in this hosted simulation.
const trampolineEntry = 0xffffffff80001000

// frameAllocator adapts pmm.Allocator's Frame-typed result to the plain uint64 contract that
// vmm.FrameAllocator and exec.FrameAllocator share, so both packages can depend on a small local
// interface instead of importing pmm directly.
type frameAllocator struct {
	alloc *pmm.Allocator
}

func (f frameAllocator) Alloc() (uint64, error) {
	frame, err := f.alloc.Alloc()
	return frame.Address(), err
}

// Kernel is the assembled machine: every subsystem built in internal/{mem,cpu,fs,exec,
// syscalldispatch,shell} wired together into one boot sequence.
type Kernel struct {
	boot *boot.Info

	frames *pmm.Allocator
	store  *vmm.FrameStore
	space  *vmm.Manager
	phys   *mem.PhysMem

	gdt     *cpu.GDT
	tss     *cpu.TSS
	idt     *cpu.IDT
	ring3   *cpu.Ring3
	fault   *cpu.Handler
	msr     syscalldispatch.MSRValues
	syscall *syscalldispatch.Dispatcher

	vfs    *fs.VFS
	loader *exec.Loader
	shell  *shell.Shell

	current *exec.Process

	log *log.Logger
}

// New boots a Kernel from boot-loader-supplied info and a physical-memory ceiling, reading shell
// input from in and writing shell/framebuffer output to out: PMM init, VMM init, GDT/IDT/TSS/fault
// handler install, syscall MSR programming, VFS mount, shell start.
func New(logger *log.Logger, info *boot.Info, ceiling uint64, in io.Reader, out io.Writer) (*Kernel, error) {
	if logger == nil {
		logger = log.DefaultLogger()
	}

	k := &Kernel{boot: info, log: logger}

	k.frames = pmm.New(logger, info.MemoryMap, ceiling, info.KernelPhysBase, info.KernelLength)

	k.store = vmm.NewFrameStore()

	fa := frameAllocator{k.frames}

	kernelPML4, err := fa.Alloc()
	if err != nil {
		return nil, fmt.Errorf("kernel: allocate kernel PML4: %w", err)
	}

	k.space = vmm.NewManager(logger, k.store, fa, kernelPML4)
	logger.Info("VMM: Stored kernel PML4 address:", log.Hex("pml4", kernelPML4))

	k.phys = mem.NewPhysMem()

	if err := k.identityMapKernel(fa); err != nil {
		return nil, fmt.Errorf("kernel: map kernel image: %w", err)
	}

	k.gdt = cpu.NewGDT(logger)
	k.tss = cpu.NewTSS(logger)
	k.ring3 = cpu.NewRing3(logger)
	k.idt = cpu.NewIDT(logger)
	k.fault = cpu.NewHandler(logger, k.space, k.runShell)
	k.idt.Install(cpu.VectorGP, k.fault.Gate())
	k.idt.Install(cpu.VectorPF, k.fault.Gate())

	k.msr = syscalldispatch.NewMSRValues(0, uint16(cpu.KernelCodeSelector), uint16(cpu.KernelDataSelector), trampolineEntry)
	logger.Info("SYSCALL: MSRs programmed",
		log.Hex("efer", k.msr.EFER), log.Hex("star", k.msr.STAR),
		log.Hex("lstar", k.msr.LSTAR), log.Hex("fmask", k.msr.FMASK))

	module, ok := info.FindModule(initramfsModule)
	if !ok {
		return nil, fmt.Errorf("kernel: %s not found among boot modules", initramfsModule)
	}

	entries, err := cpio.Parse(module.Data())
	if err != nil {
		return nil, fmt.Errorf("kernel: parse initramfs: %w", err)
	}

	k.vfs, err = fs.Mount(logger, entries)
	if err != nil {
		return nil, fmt.Errorf("kernel: mount initramfs: %w", err)
	}

	k.loader = exec.NewLoader(logger, k.space, fa, k.phys)
	k.syscall = syscalldispatch.New(logger, k.vfs, k.space, k.phys, out)
	k.syscall.SetCurrentPML4(kernelPML4)

	k.shell = shell.New(logger, k.vfs, k, in, out)

	return k, nil
}

// identityMapKernel maps the kernel image's physical range at its virtual base in the kernel PML4,
// so the kernel's own code and data are reachable once paging is live.
func (k *Kernel) identityMapKernel(fa frameAllocator) error {
	pages := mem.PageCount(k.boot.KernelLength)

	for i := uint64(0); i < pages; i++ {
		virt := k.boot.KernelVirtBase + i*uint64(mem.PageSize)
		phys := k.boot.KernelPhysBase + i*uint64(mem.PageSize)

		if err := k.space.MapPage(k.space.KernelPML4(), virt, phys, vmm.KernelFlags); err != nil {
			return err
		}
	}

	return nil
}

// Boot logs the initramfs file listing ("[initramfs: files: ...]") and starts the shell loop,
// returning once the shell exits.
func (k *Kernel) Boot() {
	entries, err := k.vfs.List()
	if err != nil {
		k.log.Error("VFS: list failed", "error", err)
		return
	}

	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}

	k.log.Info(fmt.Sprintf("[initramfs: files: %s]", join(names)))

	k.runShell()
}

func join(names []string) string {
	out := ""

	for i, n := range names {
		if i > 0 {
			out += ", "
		}

		out += n
	}

	return out
}

// runShell is the fault handler's recovery entry point (cpu.ShellEntry) as well as the initial
// boot entry point: both resume the same command loop.
func (k *Kernel) runShell() {
	k.shell.Run()
}

// Launch implements shell.Loader: it loads an ELF64 binary from the VFS, transitions into user
// mode, and records the running process. There is no instruction-level CPU
// simulation in this kernel, so "running" ends the moment a trap is delivered via Trap or a
// syscall is delivered via Syscall; until then the process is considered resident in user mode.
func (k *Kernel) Launch(path string) error {
	data, err := exec.ReadAll(k.vfs, path)
	if err != nil {
		return err
	}

	proc, err := k.loader.Load(data)
	if err != nil {
		return err
	}

	k.space.SwitchTo(proc.PML4)
	k.syscall.SetCurrentPML4(proc.PML4)
	exec.EnterUser(k.ring3, proc)
	k.current = proc

	return nil
}

// exitProcess is the trampoline's exit-sentinel cleanup: switch back to the kernel address space,
// release the process's stack frames, and drop the process record. The segment pages and page
// tables themselves stay allocated, an accepted leak.
func (k *Kernel) exitProcess() {
	proc := k.current
	if proc == nil {
		return
	}

	k.space.SwitchTo(k.space.KernelPML4())
	k.syscall.SetCurrentPML4(k.space.KernelPML4())
	k.ring3.ReturnToKernel()

	for _, virt := range proc.StackPages {
		phys := k.space.Translate(proc.PML4, virt)

		k.space.UnmapPage(proc.PML4, virt)

		if phys != 0 {
			if err := k.frames.Free(mem.PageAlignDown(phys)); err != nil {
				k.log.Warn("EXEC: freeing stack frame failed", "error", err)
			}
		}
	}

	k.current = nil
}

// Trap simulates a hardware exception delivered while a process is in user (or kernel) mode: it
// builds the register snapshot a fault stub would have pushed and raises it through the IDT (spec
// §4.J, §4.K). Vector 14 (#PF) callers should also pass cr2.
func (k *Kernel) Trap(vector uint8, errorCode, cr2 uint64) bool {
	snap := &cpu.RegisterSnapshot{
		ErrorCode: errorCode,
		CS:        uint64(k.ring3.CS()),
		CR2:       cr2,
	}

	ok := k.idt.Raise(vector, snap)

	// A recovered user fault abandons the process: the fault handler has already restored the
	// kernel address space and resumed the shell, so what remains is the stack-frame release and
	// the return of the simulated CPU to ring 0.
	if ok && !k.fault.Halted {
		k.exitProcess()
	}

	return ok
}

// Syscall simulates a fast-call instruction from the currently running process, delegating to the
// syscall dispatcher. When the dispatcher returns the exit sentinel, the trampoline's cleanup runs:
// the kernel address space is restored and the process's stack frames are released.
func (k *Kernel) Syscall(num uint64, args [5]uint64) int64 {
	result := k.syscall.Dispatch(num, args)

	if result == syscalldispatch.ExitSentinel {
		k.exitProcess()
	}

	return result
}

// Halted reports whether a kernel-mode fault has halted the machine.
func (k *Kernel) Halted() bool { return k.fault.Halted }

// ActiveFS reports which filesystem backs the VFS.
func (k *Kernel) ActiveFS() fs.Backing { return k.vfs.ActiveFS() }
