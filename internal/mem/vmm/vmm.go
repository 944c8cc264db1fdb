// Package vmm is the address-space manager. It walks and mutates a simulated 4-level x86-64 page
// table tree: PML4 -> PDPT -> PD -> PT, each 512 entries of 8 bytes. Table contents live in a
// FrameStore rather than directly in process memory, which stands in for the real kernel's
// HHDM-aliased reads: given the physical base of a table, the store is how this code "walks
// through the higher-half direct map" without actually mapping physical RAM.
package vmm

import (
	"errors"
	"fmt"

	"github.com/gokernel/corekernel/internal/log"
	"github.com/gokernel/corekernel/internal/mem"
)

// PTFlags are the page-table-entry flag bits.
type PTFlags uint64

const (
	FlagPresent      PTFlags = 1 << 0
	FlagWritable     PTFlags = 1 << 1
	FlagUser         PTFlags = 1 << 2
	FlagWriteThrough PTFlags = 1 << 3
	FlagCacheDisable PTFlags = 1 << 4
	FlagAccessed     PTFlags = 1 << 5
	FlagDirty        PTFlags = 1 << 6
	FlagGlobal       PTFlags = 1 << 8
	FlagNX           PTFlags = 1 << 63

	addrMask PTFlags = 0x000ffffffffff000
)

// KernelFlags are the flags used for kernel-owned mappings.
const KernelFlags = FlagPresent | FlagWritable

// entry is one 64-bit page-table slot.
type entry uint64

func (e entry) has(f PTFlags) bool { return uint64(e)&uint64(f) != 0 }
func (e entry) frameBase() uint64  { return uint64(e) & uint64(addrMask) }

func makeEntry(frameBase uint64, flags PTFlags) entry {
	return entry(frameBase&uint64(addrMask) | uint64(flags))
}

// table is the 512-entry contents of one page-table-level page.
type table [512]entry

// FrameAllocator allocates and zeroes a physical frame for use as an intermediate page-table
// page. It mirrors package pmm's allocator contract without importing it, so vmm can be tested
// without a physical memory manager.
type FrameAllocator interface {
	Alloc() (uint64, error)
}

// FrameStore is where page-table pages physically "live". In a real kernel this is the HHDM alias
// of physical memory; here it is an explicit map keyed by physical base address, read and written
// only through Manager, a safe HHDM-aliasing primitive rather than a cast-through-integer.
type FrameStore struct {
	tables map[uint64]*table
}

// NewFrameStore creates an empty backing store for page-table pages.
func NewFrameStore() *FrameStore {
	return &FrameStore{tables: make(map[uint64]*table)}
}

func (s *FrameStore) get(phys uint64) *table {
	t, ok := s.tables[phys]
	if !ok {
		t = &table{}
		s.tables[phys] = t
	}

	return t
}

var (
	ErrAllocFailed = errors.New("vmm: frame allocation failed")
	ErrNotMapped   = errors.New("vmm: page not mapped")
)

// Manager builds, walks, and mutates address spaces backed by a FrameStore and a FrameAllocator.
type Manager struct {
	store   *FrameStore
	frames  FrameAllocator
	kernel  uint64 // physical base of the kernel PML4, captured once at boot
	current uint64 // physical base of the PML4 currently "loaded" into CR3
	log     *log.Logger
}

// NewManager creates a Manager. kernelPML4 is the physical base address of the PML4 that defines
// the shared kernel half of every address space; it must already exist in store.
func NewManager(logger *log.Logger, store *FrameStore, frames FrameAllocator, kernelPML4 uint64) *Manager {
	if logger == nil {
		logger = log.DefaultLogger()
	}

	return &Manager{
		store:   store,
		frames:  frames,
		kernel:  kernelPML4,
		current: kernelPML4,
		log:     logger,
	}
}

// KernelPML4 returns the physical base of the kernel's PML4, captured at boot. The fault handler
// uses this to restore the kernel address space after a user fault.
func (m *Manager) KernelPML4() uint64 { return m.kernel }

// CreateAddressSpace allocates a new PML4, zeroes it, and copies the upper 256 (kernel-half)
// entries from the kernel PML4 verbatim.
func (m *Manager) CreateAddressSpace() (uint64, error) {
	phys, err := m.frames.Alloc()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrAllocFailed, err)
	}

	kernelTable := m.store.get(m.kernel)
	newTable := m.store.get(phys)

	for i := 256; i < 512; i++ {
		newTable[i] = kernelTable[i]
	}

	m.log.Debug("VMM: created address space", log.Hex("pml4", phys))

	return phys, nil
}

// walk finds (allocating as needed) the leaf PTE for virt within the address space rooted at
// pml4. If alloc is false, walk stops and returns ok=false at the first missing table.
func (m *Manager) walk(pml4 uint64, virt uint64, alloc bool) (leaf *entry, idx int, ok bool, err error) {
	idxs := [4]int{
		int((virt >> 39) & 0x1ff), // PML4
		int((virt >> 30) & 0x1ff), // PDPT
		int((virt >> 21) & 0x1ff), // PD
		int((virt >> 12) & 0x1ff), // PT
	}

	tablePhys := pml4

	for level := 0; level < 4; level++ {
		t := m.store.get(tablePhys)
		e := t[idxs[level]]

		if level == 3 {
			return &t[idxs[level]], idxs[level], true, nil
		}

		if !e.has(FlagPresent) {
			if !alloc {
				return nil, 0, false, nil
			}

			childPhys, err := m.frames.Alloc()
			if err != nil {
				return nil, 0, false, fmt.Errorf("%w: %w", ErrAllocFailed, err)
			}

			m.store.get(childPhys) // zero it into existence

			e = makeEntry(childPhys, FlagPresent|FlagWritable|FlagUser)
			t[idxs[level]] = e
		}

		tablePhys = e.frameBase()
	}

	return nil, 0, false, nil
}

// MapPage maps virt to phys in the address space rooted at pml4 with the given leaf flags,
// allocating any missing intermediate tables. Re-mapping an already-present page is permitted but
// logged.
func (m *Manager) MapPage(pml4, virt, phys uint64, flags PTFlags) error {
	virt = mem.PageAlignDown(virt)
	phys = mem.PageAlignDown(phys)

	leaf, _, _, err := m.walk(pml4, virt, true)
	if err != nil {
		return err
	}

	if leaf.has(FlagPresent) {
		m.log.Debug("VMM: re-mapping present page", log.Hex("virt", virt))
	}

	*leaf = makeEntry(phys, flags|FlagPresent)

	return nil
}

// UnmapPage clears the leaf PTE for virt, if present. Intermediate tables are never freed; this is
// a known, accepted leak.
func (m *Manager) UnmapPage(pml4, virt uint64) {
	virt = mem.PageAlignDown(virt)

	leaf, _, ok, _ := m.walk(pml4, virt, false)
	if !ok || leaf == nil || !leaf.has(FlagPresent) {
		return
	}

	*leaf = 0
	m.invlpg(virt)
}

// invlpg is a no-op in this simulation: there is no real TLB to flush. It exists as an explicit
// call site so the places in the code that must flush after an unmap are visible and testable by
// substitution.
func (m *Manager) invlpg(virt uint64) {}

// Translate walks pml4 and returns the physical address virt maps to, or 0 if any level is not
// present.
func (m *Manager) Translate(pml4, virt uint64) uint64 {
	page := mem.PageAlignDown(virt)
	offset := virt & mem.PageMask

	leaf, _, ok, _ := m.walk(pml4, page, false)
	if !ok || leaf == nil || !leaf.has(FlagPresent) {
		return 0
	}

	return leaf.frameBase() | offset
}

// SwitchTo loads pml4 as the current address space, the simulated equivalent of a CR3 load.
func (m *Manager) SwitchTo(pml4 uint64) {
	m.current = pml4
}

// Current returns the physical base of the address space currently "loaded".
func (m *Manager) Current() uint64 { return m.current }
