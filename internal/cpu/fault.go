package cpu

import (
	"fmt"

	"github.com/gokernel/corekernel/internal/log"
)

// RegisterSnapshot is the general-register snapshot a fault stub pushes before calling the fault
// handler. Field names match the architectural register names rather than any Go convention,
// since this snapshot's whole purpose is to be printed back out in that vocabulary.
type RegisterSnapshot struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RBP      uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64

	Vector    uint64
	ErrorCode uint64

	RIP, CS, RFLAGS, RSP, SS uint64

	CR2 uint64 // only meaningful when Vector == VectorPF
}

// pfErrorBit decodes the #PF error-code bits the handler reports.
type pfErrorBit uint64

const (
	pfPresent pfErrorBit = 1 << 0 // 0: not-present, 1: protection violation
	pfWrite   pfErrorBit = 1 << 1
	pfUser    pfErrorBit = 1 << 2 // classifies the fault as user-mode vs. kernel-mode
)

func (s *RegisterSnapshot) pfBits() string {
	var present, write, mode string

	if s.ErrorCode&uint64(pfPresent) != 0 {
		present = "protection"
	} else {
		present = "not-present"
	}

	if s.ErrorCode&uint64(pfWrite) != 0 {
		write = "write"
	} else {
		write = "read"
	}

	if s.ErrorCode&uint64(pfUser) != 0 {
		mode = "user"
	} else {
		mode = "supervisor"
	}

	return fmt.Sprintf("%s %s %s", mode, write, present)
}

// ShellEntry is the recovery entry point the fault handler calls after recovering from a user
// fault.
type ShellEntry func()

// AddressSpace is the subset of the VMM's Manager the fault handler needs to restore the kernel
// address space after abandoning a faulted process.
type AddressSpace interface {
	SwitchTo(pml4 uint64)
	KernelPML4() uint64
}

// Handler classifies and responds to faults raised through the IDT.
type Handler struct {
	space AddressSpace
	shell ShellEntry
	log   *log.Logger

	// Halted is set once a kernel fault is handled. The simulation cannot truly halt the host
	// process, so Halted is the flag callers (internal/kernel) check instead.
	Halted bool
}

// NewHandler returns a fault Handler wired to the given address-space manager and shell recovery
// entry point.
func NewHandler(logger *log.Logger, space AddressSpace, shell ShellEntry) *Handler {
	return &Handler{space: space, shell: shell, log: logger}
}

// Gate returns a GateHandler suitable for installing into an IDT via IDT.Install.
func (h *Handler) Gate() GateHandler {
	return h.Handle
}

// userFault classifies the snapshot: for #PF, the user/supervisor bit in the error code decides;
// for everything else, the saved CS selector's RPL decides.
func (h *Handler) userFault(snap *RegisterSnapshot) bool {
	if snap.Vector == VectorPF {
		return snap.ErrorCode&uint64(pfUser) != 0
	}

	return Selector(snap.CS).Ring() == 3
}

// Handle classifies the fault in snap and either halts (kernel fault) or recovers to the shell
// (user fault).
func (h *Handler) Handle(snap *RegisterSnapshot) {
	if !h.userFault(snap) {
		h.handleKernelFault(snap)
		return
	}

	h.handleUserFault(snap)
}

func (h *Handler) handleKernelFault(snap *RegisterSnapshot) {
	h.log.Error("CPU: kernel fault",
		"vector", snap.Vector,
		"error_code", snap.ErrorCode,
		log.Hex("cr2", snap.CR2),
		"pf_bits", snap.pfBits(),
		log.Hex("rip", snap.RIP),
		log.Hex("rax", snap.RAX), log.Hex("rbx", snap.RBX),
		log.Hex("rcx", snap.RCX), log.Hex("rdx", snap.RDX),
		log.Hex("rsi", snap.RSI), log.Hex("rdi", snap.RDI),
		log.Hex("rbp", snap.RBP), log.Hex("rsp", snap.RSP),
	)

	h.Halted = true
}

func (h *Handler) handleUserFault(snap *RegisterSnapshot) {
	h.log.Warn("User Mode Fault",
		"INT", fmt.Sprintf("%#x", snap.Vector),
		log.Hex("cr2", snap.CR2),
	)

	h.space.SwitchTo(h.space.KernelPML4())

	h.log.Info("Returning to shell")

	if h.shell != nil {
		h.shell()
	}
}
