// Package exec implements the ELF64 loader: header validation, PT_LOAD segment mapping, BSS
// zeroing, user-stack allocation, and the handoff into user mode. Like an object-code loader that
// parses a flat binary format with explicit byte offsets and a bounded, fail-fast validation pass,
// this package applies that same shape to the richer ELF64 program-header model.
package exec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gokernel/corekernel/internal/cpu"
	"github.com/gokernel/corekernel/internal/fs"
	"github.com/gokernel/corekernel/internal/log"
	"github.com/gokernel/corekernel/internal/mem"
	"github.com/gokernel/corekernel/internal/mem/vmm"
)

const (
	ehSize = 64

	elfMagic = "\x7fELF"

	classELF64   = 2
	dataLE       = 1
	etExec       = 2
	machineX8664 = 0x3e
	evCurrent    = 1

	phTypeLoad = 1

	pfX = 1 << 0
	pfW = 1 << 1
	pfR = 1 << 2

	// UserStackPages is the fixed number of pages allocated for the user stack.
	UserStackPages = 8

	// userStackTop is the address just below which the user stack is mapped.
	userStackTop = uint64(0x80000000)
)

var (
	ErrBadMagic    = errors.New("exec: bad ELF magic")
	ErrNotELF64    = errors.New("exec: not a 64-bit ELF")
	ErrNotLE       = errors.New("exec: not little-endian")
	ErrNotExec     = errors.New("exec: not an executable (ET_EXEC)")
	ErrNotX86_64   = errors.New("exec: not x86_64")
	ErrBadVersion  = errors.New("exec: unsupported ELF version")
	ErrTruncated   = errors.New("exec: file truncated")
)

// header is the subset of the ELF64 file header this loader reads.
type header struct {
	entry     uint64
	phoff     uint64
	phentsize uint16
	phnum     uint16
}

// programHeader is the subset of an ELF64 program header entry this loader reads.
type programHeader struct {
	typ    uint32
	flags  uint32
	offset uint64
	vaddr  uint64
	filesz uint64
	memsz  uint64
}

// validate parses and checks the ELF64 file header.
func validate(data []byte) (header, error) {
	if len(data) < ehSize {
		return header{}, fmt.Errorf("%w: header", ErrTruncated)
	}

	if string(data[:4]) != elfMagic {
		return header{}, ErrBadMagic
	}

	if data[4] != classELF64 {
		return header{}, ErrNotELF64
	}

	if data[5] != dataLE {
		return header{}, ErrNotLE
	}

	if binary.LittleEndian.Uint32(data[20:]) != evCurrent {
		return header{}, ErrBadVersion
	}

	if binary.LittleEndian.Uint16(data[16:]) != etExec {
		return header{}, ErrNotExec
	}

	if binary.LittleEndian.Uint16(data[18:]) != machineX8664 {
		return header{}, ErrNotX86_64
	}

	h := header{
		entry:     binary.LittleEndian.Uint64(data[24:]),
		phoff:     binary.LittleEndian.Uint64(data[32:]),
		phentsize: binary.LittleEndian.Uint16(data[54:]),
		phnum:     binary.LittleEndian.Uint16(data[56:]),
	}

	return h, nil
}

func programHeaders(data []byte, h header) ([]programHeader, error) {
	out := make([]programHeader, 0, h.phnum)

	for i := uint16(0); i < h.phnum; i++ {
		off := h.phoff + uint64(i)*uint64(h.phentsize)
		if off+56 > uint64(len(data)) {
			return nil, fmt.Errorf("%w: program header %d", ErrTruncated, i)
		}

		rec := data[off:]

		ph := programHeader{
			typ:    binary.LittleEndian.Uint32(rec[0:]),
			flags:  binary.LittleEndian.Uint32(rec[4:]),
			offset: binary.LittleEndian.Uint64(rec[8:]),
			vaddr:  binary.LittleEndian.Uint64(rec[16:]),
			filesz: binary.LittleEndian.Uint64(rec[32:]),
			memsz:  binary.LittleEndian.Uint64(rec[40:]),
		}

		out = append(out, ph)
	}

	return out, nil
}

// FrameAllocator is the physical frame source the loader consumes; pmm.Allocator satisfies it
// through a thin adapter (internal/kernel wires the concrete type).
type FrameAllocator interface {
	Alloc() (uint64, error)
}

// AddressSpace is the subset of vmm.Manager the loader needs.
type AddressSpace interface {
	CreateAddressSpace() (uint64, error)
	MapPage(pml4, virt, phys uint64, flags vmm.PTFlags) error
	KernelPML4() uint64
}

// Process describes a loaded, about-to-run user process: the address space it runs in and the
// pages backing its stack, so the caller can free them on exit or fault recovery.
type Process struct {
	PML4       uint64
	Entry      uint64
	StackTop   uint64
	StackPages []uint64 // virtual addresses of the mapped stack pages
}

// Loader implements the ELF64 loading protocol: validate the header, map each PT_LOAD segment,
// zero its BSS tail, allocate a user stack, and hand off into user mode.
type Loader struct {
	space  AddressSpace
	frames FrameAllocator
	phys   *mem.PhysMem
	log    *log.Logger
}

// NewLoader returns a Loader wired to an address-space manager, a frame allocator, and the
// physical-memory content store segments are copied into.
func NewLoader(logger *log.Logger, space AddressSpace, frames FrameAllocator, phys *mem.PhysMem) *Loader {
	return &Loader{space: space, frames: frames, phys: phys, log: logger}
}

// Load validates data as an ELF64 executable, maps its PT_LOAD segments and a user stack into a
// freshly created address space, and returns the resulting Process. It does not itself transition
// to user mode; the caller (internal/kernel) does that via cpu.Ring3.EnterUser once Load succeeds.
func (l *Loader) Load(data []byte) (*Process, error) {
	h, err := validate(data)
	if err != nil {
		return nil, err
	}

	phdrs, err := programHeaders(data, h)
	if err != nil {
		return nil, err
	}

	pml4, err := l.space.CreateAddressSpace()
	if err != nil {
		return nil, fmt.Errorf("exec: create address space: %w", err)
	}

	for _, ph := range phdrs {
		if ph.typ != phTypeLoad {
			continue
		}

		if err := l.loadSegment(pml4, data, ph); err != nil {
			return nil, fmt.Errorf("exec: load segment at %s: %w", log.Hex("vaddr", ph.vaddr), err)
		}
	}

	stackTop, pages, err := l.mapStack(pml4)
	if err != nil {
		return nil, fmt.Errorf("exec: map user stack: %w", err)
	}

	l.log.Info("EXEC: loaded ELF64 image", log.Hex("entry", h.entry), log.Hex("pml4", pml4))

	return &Process{
		PML4:       pml4,
		Entry:      h.entry,
		StackTop:   stackTop,
		StackPages: pages,
	}, nil
}

func (l *Loader) loadSegment(pml4 uint64, data []byte, ph programHeader) error {
	start := mem.PageAlignDown(ph.vaddr)
	end := mem.PageAlignUp(ph.vaddr + ph.memsz)

	flags := vmm.FlagPresent | vmm.FlagUser

	if ph.flags&pfW != 0 {
		flags |= vmm.FlagWritable
	}

	if ph.flags&pfX == 0 {
		flags |= vmm.FlagNX
	}

	for virt := start; virt < end; virt += uint64(mem.PageSize) {
		phys, err := l.frames.Alloc()
		if err != nil {
			return err
		}

		l.phys.ZeroFrame(phys)

		if err := l.space.MapPage(pml4, virt, phys, flags); err != nil {
			return err
		}

		l.copySegmentPage(data, ph, virt, phys)
	}

	return nil
}

// copySegmentPage copies the intersection of the segment's file-backed range with the page at
// virt into the frame at phys; bytes beyond p_filesz but within p_memsz stay zero (the BSS).
func (l *Loader) copySegmentPage(data []byte, ph programHeader, virt, phys uint64) {
	pageStart := virt
	pageEnd := virt + uint64(mem.PageSize)

	segStart := ph.vaddr
	fileEnd := ph.vaddr + ph.filesz

	copyStart := max64(pageStart, segStart)
	copyEnd := min64(pageEnd, fileEnd)

	if copyEnd <= copyStart {
		return
	}

	fileOff := ph.offset + (copyStart - segStart)
	if fileOff >= uint64(len(data)) {
		return
	}

	n := copyEnd - copyStart

	if fileOff+n > uint64(len(data)) {
		n = uint64(len(data)) - fileOff
	}

	l.phys.WriteAt(phys+(copyStart-pageStart), data[fileOff:fileOff+n])
}

func (l *Loader) mapStack(pml4 uint64) (uint64, []uint64, error) {
	var pages []uint64

	base := userStackTop - UserStackPages*uint64(mem.PageSize)

	for i := 0; i < UserStackPages; i++ {
		virt := base + uint64(i)*uint64(mem.PageSize)

		phys, err := l.frames.Alloc()
		if err != nil {
			return 0, pages, err
		}

		l.phys.ZeroFrame(phys)

		if err := l.space.MapPage(pml4, virt, phys, vmm.FlagPresent|vmm.FlagWritable|vmm.FlagUser|vmm.FlagNX); err != nil {
			return 0, pages, err
		}

		pages = append(pages, virt)
	}

	// RSP starts 8 bytes below the top of the last page, preserving the alignment the calling
	// convention expects for a synthetic "return address" slot.
	rsp := userStackTop - 8

	return rsp, pages, nil
}

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}

	return b
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}

	return b
}

// EnterUser hands control to the loaded process via the user-mode transition primitive.
func EnterUser(r *cpu.Ring3, p *Process) cpu.UserFrame {
	return r.EnterUser(p.Entry, p.StackTop)
}

// ReadAll is a convenience used by internal/kernel to read a named file out of the VFS before
// handing its bytes to Load; kept here so the loader's package owns the one place that couples
// fs.File to ELF parsing.
func ReadAll(v *fs.VFS, path string) ([]byte, error) {
	f, err := v.Open(path)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, f.Capacity)

	n, err := v.Read(f, 0, buf)
	if err != nil {
		return nil, err
	}

	return buf[:n], nil
}
