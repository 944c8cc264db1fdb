// Package cpu simulates the x86-64 descriptor tables, the user-mode transition primitive, and the
// fault handler. As with internal/mem/vmm, there is no real CPU underneath: segment selectors,
// gates, and the TSS are ordinary Go values, and "executing" a transition means recording the
// state a real IRET/SYSRET instruction would have installed. Hardware registers are modelled as
// plain struct fields stepped by method calls, the way the rest of this codebase simulates
// other pieces of hardware.
package cpu

import (
	"fmt"

	"github.com/gokernel/corekernel/internal/log"
)

// Selector indexes a GDT entry, with the requested privilege level packed into the low two bits,
// matching the real x86 selector encoding.
type Selector uint16

// Ring returns the selector's requested privilege level.
func (s Selector) Ring() int { return int(s & 0x3) }

func (s Selector) String() string { return fmt.Sprintf("sel:%#04x", uint16(s)) }

// GDT slot indices for a fixed six-descriptor-plus-TSS layout.
const (
	gdtNull = iota
	gdtKernelCode
	gdtKernelData
	gdtUserCode
	gdtUserData
	gdtTSSLow
	gdtTSSHigh // the 64-bit TSS descriptor spans two slots
	gdtEntries
)

// Selector values derived from GDT slot index and requested ring, exported for callers (the ELF
// loader, the user-mode transition primitive) that need to build a selector with a given RPL.
const (
	KernelCodeSelector = Selector(gdtKernelCode << 3)
	KernelDataSelector = Selector(gdtKernelData << 3)
	UserCodeSelector   = Selector(gdtUserCode<<3 | 3)
	UserDataSelector   = Selector(gdtUserData<<3 | 3)
)

// descriptorType distinguishes code/data segment descriptors from the one system (TSS) descriptor.
type descriptorType uint8

const (
	descCode descriptorType = iota
	descData
	descTSS
)

// descriptor is a simulated GDT entry: just enough fields to answer "what ring may use this
// selector, and is it a code, data, or TSS descriptor." The base/limit/access-byte bit layout a
// real CPU needs is irrelevant to a hosted simulation and is not modeled.
type descriptor struct {
	kind descriptorType
	dpl  int
	long bool // long-mode (64-bit) code segment
}

// GDT is the simulated global descriptor table.
type GDT struct {
	entries [gdtEntries]descriptor
	log     *log.Logger
}

// NewGDT builds the fixed six-descriptor-plus-TSS layout: null, kernel code/data (DPL 0, long
// mode), user code/data (DPL 3, long mode), and a 64-bit TSS descriptor occupying two slots.
func NewGDT(logger *log.Logger) *GDT {
	g := &GDT{log: logger}

	g.entries[gdtKernelCode] = descriptor{kind: descCode, dpl: 0, long: true}
	g.entries[gdtKernelData] = descriptor{kind: descData, dpl: 0}
	g.entries[gdtUserCode] = descriptor{kind: descCode, dpl: 3, long: true}
	g.entries[gdtUserData] = descriptor{kind: descData, dpl: 3}
	g.entries[gdtTSSLow] = descriptor{kind: descTSS, dpl: 0}
	g.entries[gdtTSSHigh] = descriptor{kind: descTSS, dpl: 0}

	logger.Info("GDT: installed", "entries", gdtEntries)

	return g
}
