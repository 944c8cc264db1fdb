package cpu

import "github.com/gokernel/corekernel/internal/log"

// UserFrame is the architectural frame a real IRET instruction would consume: SS/RSP/RFLAGS/CS/RIP
// in that stack order.
type UserFrame struct {
	SS     Selector
	RSP    uint64
	RFLAGS uint64
	CS     Selector
	RIP    uint64
}

// RFLAGS bits this kernel cares about: IF (interrupts enabled) and the reserved bit that must
// always read as 1.
const (
	flagsReserved = 1 << 1
	flagsIF       = 1 << 9
)

// Ring3 is the CPU's simulated current privilege level, tracked so the fault handler's CS-selector
// classification has something to read. Transition owns writing it; there is no real CPL register
// in this hosted simulation.
type Ring3 struct {
	current Selector
	log     *log.Logger
}

// NewRing3 returns a Ring3 tracker initialized to the kernel code selector.
func NewRing3(logger *log.Logger) *Ring3 {
	return &Ring3{current: KernelCodeSelector, log: logger}
}

// CS returns the CPU's current code selector, as the fault handler's classification reads it.
func (r *Ring3) CS() Selector { return r.current }

// EnterUser constructs the architectural frame for entry and rsp and "executes" the interrupt
// return: SS/CS get the user selectors at RPL 3, RFLAGS has IF set and the reserved bit set. From
// this point the simulated CPU reports CS as the user code selector until a trap or fast-call
// returns it to ring 0.
func (r *Ring3) EnterUser(entry, rsp uint64) UserFrame {
	frame := UserFrame{
		SS:     UserDataSelector,
		RSP:    rsp,
		RFLAGS: flagsReserved | flagsIF,
		CS:     UserCodeSelector,
		RIP:    entry,
	}

	r.current = UserCodeSelector

	r.log.Info("CPU: entered user mode", log.Hex("entry", entry), log.Hex("rsp", rsp))

	return frame
}

// ReturnToKernel restores CS to the kernel code selector, as a trap gate or the fast-call return
// path does once control transfers back to ring 0.
func (r *Ring3) ReturnToKernel() {
	r.current = KernelCodeSelector
}
