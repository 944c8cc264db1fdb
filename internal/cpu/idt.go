package cpu

import "github.com/gokernel/corekernel/internal/log"

// Exception vectors the core installs gates for.
const (
	VectorGP = 13 // #GP, general protection fault
	VectorPF = 14 // #PF, page fault
)

// GateHandler is the function a stub calls after pushing a RegisterSnapshot onto (simulated) the
// stack.
type GateHandler func(*RegisterSnapshot)

// gate is a simulated interrupt gate: present, DPL 0, pointing at a handler function rather than
// a real code address.
type gate struct {
	present bool
	dpl     int
	handler GateHandler
}

// IDT is the simulated interrupt descriptor table: 256 entries, all initially zero.
type IDT struct {
	entries [256]gate
	log     *log.Logger
}

// NewIDT returns a zeroed IDT with no gates installed.
func NewIDT(logger *log.Logger) *IDT {
	return &IDT{log: logger}
}

// Install sets a present, DPL-0 interrupt gate at vector.
func (t *IDT) Install(vector uint8, handler GateHandler) {
	t.entries[vector] = gate{present: true, dpl: 0, handler: handler}
	t.log.Info("IDT: gate installed", "vector", vector)
}

// Raise simulates a trap into vector: if a gate is installed, its handler runs with the given
// snapshot; otherwise Raise reports false, as a real CPU would triple-fault on an unhandled vector
// with no gate present.
func (t *IDT) Raise(vector uint8, snap *RegisterSnapshot) bool {
	g := t.entries[vector]
	if !g.present {
		return false
	}

	snap.Vector = uint64(vector)
	g.handler(snap)

	return true
}
