// Package pmm is the physical frame allocator. It tracks every 4 KiB frame of physical memory
// below a configured ceiling with a bit-per-frame reservation table: a single owned array plus a
// handful of methods that validate every access before touching it.
package pmm

import (
	"errors"
	"fmt"

	"github.com/gokernel/corekernel/internal/log"
	"github.com/gokernel/corekernel/internal/mem"
)

// Frame is the physical base address of a 4 KiB page of memory. It is always a multiple of
// mem.PageSize.
type Frame uint64

// Address returns the frame as a plain physical address.
func (f Frame) Address() uint64 { return uint64(f) }

func (f Frame) String() string { return fmt.Sprintf("0x%012x", uint64(f)) }

var (
	ErrOutOfMemory  = errors.New("pmm: no free frame")
	ErrMisaligned   = errors.New("pmm: address is not frame-aligned")
	ErrOutOfRange   = errors.New("pmm: address outside managed range")
	ErrDoubleFree   = errors.New("pmm: frame already free")
	ErrNotAllocated = errors.New("pmm: frame was never allocated")
)

// Region describes a range of physical memory reported by the boot loader's memory map. Only
// RegionUsable ranges are considered for allocation.
type Region struct {
	Base   uint64
	Length uint64
	Type   RegionType
}

// RegionType classifies a memory-map entry.
type RegionType uint8

const (
	RegionReserved RegionType = iota
	RegionUsable
)

// Allocator is a bitmap-backed frame allocator. The zero value is not usable; construct one with
// New.
type Allocator struct {
	bitmap []uint64 // one bit per frame; bit set means "in use"
	frames uint64   // total frames tracked

	cursor uint64 // rotating scan position; an optimization, not an invariant

	log *log.Logger
}

// New builds an Allocator sized to cover ceiling bytes of physical memory, marks every frame used,
// then frees the frames fully contained in usable regions, and finally re-reserves the kernel
// image and everything below mem.LowMemCeiling. The allocator's bitmap itself lives on the Go heap
// rather than in the simulated physical range, so unlike a real kernel it needs no separate
// self-reservation step.
//
// kernelBase/kernelLength describe the physical range occupied by the kernel image.
func New(logger *log.Logger, regions []Region, ceiling uint64, kernelBase, kernelLength uint64) *Allocator {
	if logger == nil {
		logger = log.DefaultLogger()
	}

	frames := ceiling / uint64(mem.PageSize)
	words := (frames + 63) / 64

	a := &Allocator{
		bitmap: make([]uint64, words),
		frames: frames,
		log:    logger,
	}

	// Start pessimistic: every frame used.
	for i := range a.bitmap {
		a.bitmap[i] = ^uint64(0)
	}

	for _, r := range regions {
		if r.Type != RegionUsable {
			continue
		}

		a.freeRange(r.Base, r.Length)
	}

	a.reserveRange(kernelBase, kernelLength)
	a.reserveRange(0, uint64(mem.LowMemCeiling))

	logger.Info("PMM: Initialization complete",
		"frames", frames,
		log.Hex("ceiling", ceiling),
	)

	return a
}

func (a *Allocator) freeRange(base, length uint64) {
	start := mem.PageAlignUp(base) / uint64(mem.PageSize)
	end := (base + length) / uint64(mem.PageSize) // round down: a partial trailing frame stays reserved

	for f := start; f < end && f < a.frames; f++ {
		a.clearBit(f)
	}
}

func (a *Allocator) reserveRange(base, length uint64) {
	if length == 0 {
		return
	}

	start := base / uint64(mem.PageSize) // round down: a partially-covered frame is reserved
	end := mem.PageAlignUp(base+length) / uint64(mem.PageSize)

	for f := start; f < end && f < a.frames; f++ {
		a.setBit(f)
	}
}

func (a *Allocator) setBit(f uint64)   { a.bitmap[f/64] |= 1 << (f % 64) }
func (a *Allocator) clearBit(f uint64) { a.bitmap[f/64] &^= 1 << (f % 64) }
func (a *Allocator) isSet(f uint64) bool {
	return a.bitmap[f/64]&(1<<(f%64)) != 0
}

// Alloc reserves and returns the address of the next free frame, scanning forward from a rotating
// cursor. It returns ErrOutOfMemory if no frame is free.
func (a *Allocator) Alloc() (Frame, error) {
	for i := uint64(0); i < a.frames; i++ {
		f := (a.cursor + i) % a.frames

		if !a.isSet(f) {
			a.setBit(f)
			a.cursor = (f + 1) % a.frames

			return Frame(f * uint64(mem.PageSize)), nil
		}
	}

	a.log.Warn("PMM: out of memory", "frames", a.frames)

	return 0, ErrOutOfMemory
}

// Free releases a previously allocated frame. It rejects misaligned or out-of-range addresses and
// reports, without corrupting the bitmap, an attempt to free a frame that is not currently
// allocated.
func (a *Allocator) Free(addr uint64) error {
	if addr%uint64(mem.PageSize) != 0 {
		return fmt.Errorf("%w: %#x", ErrMisaligned, addr)
	}

	f := addr / uint64(mem.PageSize)
	if f >= a.frames {
		return fmt.Errorf("%w: %#x", ErrOutOfRange, addr)
	}

	if !a.isSet(f) {
		a.log.Warn("PMM: double free", log.Hex("addr", addr))
		return fmt.Errorf("%w: %#x", ErrDoubleFree, addr)
	}

	a.clearBit(f)

	return nil
}

// Frames reports the total number of frames the allocator can address.
func (a *Allocator) Frames() uint64 { return a.frames }

// Used reports how many frames are currently allocated.
func (a *Allocator) Used() uint64 {
	var n uint64

	for f := uint64(0); f < a.frames; f++ {
		if a.isSet(f) {
			n++
		}
	}

	return n
}
