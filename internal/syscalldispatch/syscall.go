// Package syscalldispatch is the fast-call (syscall/sysret) dispatcher: MSR programming values,
// the dispatch table, user-pointer validation, and bounce-buffer copy-in/out. There is no real
// `syscall` instruction in a hosted Go process; Dispatch stands in for the trampoline plus the
// C-level dispatcher it calls, taking the syscall number and five argument registers already
// marshalled, exactly as the trampoline would hand them off.
package syscalldispatch

import (
	"errors"
	"fmt"
	"io"

	"github.com/gokernel/corekernel/internal/fs"
	"github.com/gokernel/corekernel/internal/log"
	"github.com/gokernel/corekernel/internal/mem"
)

// Syscall numbers, plus Fork, which this core intentionally stops at a stub: fork returns -ENOSYS,
// since a correct implementation needs a process table and a scheduler this core does not have.
const (
	SysExit = iota
	SysWrite
	SysRead
	SysOpen
	SysClose
	SysReaddir
	SysFork
)

// MaxBounce bounds a single copy-in/copy-out transfer.
const MaxBounce = 4096

// MaxFDs bounds the open file-descriptor table.
const MaxFDs = 16

const (
	// ENOSYS is the error the Fork stub returns.
	ENOSYS = -38

	errResult = -1
)

var (
	ErrBadPointer = errors.New("syscalldispatch: invalid user pointer")
	ErrBadFD      = errors.New("syscalldispatch: invalid file descriptor")
	ErrTableFull  = errors.New("syscalldispatch: fd table full")
)

// MSRValues are the four model-specific register values the dispatcher's init programs at boot.
// EFER/STAR/LSTAR/FMASK have no real MSR underneath in this simulation; they are recorded so a
// caller (internal/kernel) can log and assert on them.
type MSRValues struct {
	EFER  uint64
	STAR  uint64
	LSTAR uint64
	FMASK uint64
}

// EFER SCE bit and the RFLAGS bits FMASK must clear.
const (
	eferSCE = 1 << 0

	fmaskIF = 1 << 9
	fmaskTF = 1 << 8
	fmaskDF = 1 << 10
)

// NewMSRValues computes the four MSR values the trampoline's init step writes, given the existing
// EFER value, the kernel code/data selectors, and the trampoline's entry address.
func NewMSRValues(existingEFER uint64, kernelCode, kernelData uint16, trampoline uint64) MSRValues {
	star := (uint64(kernelData) << 48) | (uint64(kernelCode) << 32)

	return MSRValues{
		EFER:  existingEFER | eferSCE,
		STAR:  star,
		LSTAR: trampoline,
		FMASK: fmaskIF | fmaskTF | fmaskDF,
	}
}

// Translator is the subset of vmm.Manager the dispatcher needs to walk the current address space
// when validating and copying user memory.
type Translator interface {
	Translate(pml4, virt uint64) uint64
}

// Reserved descriptor slots. Slot 0 is stdin, 1 is stdout, 2 is stderr; open never hands them out.
const (
	fdStdin = iota
	fdStdout
	fdStderr
)

type fd struct {
	file *fs.File // nil for the reserved stdio slots
	pos  int
	used bool
}

// Dispatcher is the ring-0 entry point for the fast-call instruction.
type Dispatcher struct {
	vfs      *fs.VFS
	space    Translator
	phys     *mem.PhysMem
	console  io.Writer
	currPML4 uint64

	fds [MaxFDs]fd

	log *log.Logger
}

// New returns a Dispatcher wired to the VFS facade, the address-space translator, the
// physical-memory store user pointers are copied through, and the terminal writer that backs the
// reserved stdout/stderr descriptors.
func New(logger *log.Logger, vfs *fs.VFS, space Translator, phys *mem.PhysMem, console io.Writer) *Dispatcher {
	d := &Dispatcher{vfs: vfs, space: space, phys: phys, console: console, log: logger}

	for _, slot := range []int{fdStdin, fdStdout, fdStderr} {
		d.fds[slot] = fd{used: true}
	}

	return d
}

// SetCurrentPML4 tells the dispatcher which address space is running, so user-pointer validation
// and copy-in/out walk the right page tables.
func (d *Dispatcher) SetCurrentPML4(pml4 uint64) { d.currPML4 = pml4 }

// validate checks a user pointer: non-null, base+size-1 does not overflow, and the entire range
// lies strictly below the kernel virtual base.
func (d *Dispatcher) validate(ptr, size uint64) error {
	if ptr == 0 {
		return ErrBadPointer
	}

	if size == 0 {
		return nil
	}

	end := ptr + (size - 1)
	if end < ptr {
		return fmt.Errorf("%w: overflow", ErrBadPointer)
	}

	if ptr >= mem.KernelVirtualBase || end >= mem.KernelVirtualBase {
		return fmt.Errorf("%w: crosses kernel base", ErrBadPointer)
	}

	return nil
}

// copyIn reads size bytes (capped at MaxBounce) from the user pointer ptr in the current address
// space into a kernel bounce buffer.
func (d *Dispatcher) copyIn(ptr uint64, size int) ([]byte, error) {
	if size > MaxBounce {
		size = MaxBounce
	}

	if err := d.validate(ptr, uint64(size)); err != nil {
		return nil, err
	}

	buf := make([]byte, size)

	remaining := buf
	addr := ptr

	for len(remaining) > 0 {
		phys := d.space.Translate(d.currPML4, addr)
		if phys == 0 {
			return nil, ErrBadPointer
		}

		off := addr % uint64(mem.PageSize)
		chunk := uint64(mem.PageSize) - off
		if chunk > uint64(len(remaining)) {
			chunk = uint64(len(remaining))
		}

		d.phys.ReadAt(phys, remaining[:chunk])

		remaining = remaining[chunk:]
		addr += chunk
	}

	return buf, nil
}

// copyOut writes buf (capped at MaxBounce) to the user pointer ptr in the current address space.
func (d *Dispatcher) copyOut(ptr uint64, buf []byte) error {
	if len(buf) > MaxBounce {
		buf = buf[:MaxBounce]
	}

	if err := d.validate(ptr, uint64(len(buf))); err != nil {
		return err
	}

	addr := ptr

	for len(buf) > 0 {
		phys := d.space.Translate(d.currPML4, addr)
		if phys == 0 {
			return ErrBadPointer
		}

		off := addr % uint64(mem.PageSize)
		chunk := uint64(mem.PageSize) - off
		if chunk > uint64(len(buf)) {
			chunk = uint64(len(buf))
		}

		d.phys.WriteAt(phys, buf[:chunk])

		buf = buf[chunk:]
		addr += chunk
	}

	return nil
}

// ExitSentinel is the value Dispatch returns for SysExit, meaning "the process is done" so the
// trampoline performs process-exit cleanup.
const ExitSentinel = int64(-0x7fff)

// Dispatch runs one syscall. args holds up to five argument registers.
func (d *Dispatcher) Dispatch(num uint64, args [5]uint64) int64 {
	switch num {
	case SysExit:
		return ExitSentinel
	case SysWrite:
		return d.sysWrite(args[0], args[1], args[2])
	case SysRead:
		return d.sysRead(args[0], args[1], args[2])
	case SysOpen:
		return d.sysOpen(args[0], args[1], args[2])
	case SysClose:
		return d.sysClose(args[0])
	case SysReaddir:
		return d.sysReaddir(args[0], args[1], args[2])
	case SysFork:
		return int64(ENOSYS)
	default:
		return errResult
	}
}

func (d *Dispatcher) sysWrite(fdNum, bufPtr, count uint64) int64 {
	entry, ok := d.lookupFD(fdNum)
	if !ok {
		return errResult
	}

	buf, err := d.copyIn(bufPtr, int(count))
	if err != nil {
		return errResult
	}

	if entry.file == nil {
		if fdNum == fdStdin {
			return errResult
		}

		n, err := d.console.Write(buf)
		if err != nil {
			return errResult
		}

		return int64(n)
	}

	n, err := d.vfs.Write(entry.file, entry.pos, buf)
	if err != nil {
		return errResult
	}

	entry.pos += n

	return int64(n)
}

func (d *Dispatcher) sysRead(fdNum, bufPtr, count uint64) int64 {
	entry, ok := d.lookupFD(fdNum)
	if !ok {
		return errResult
	}

	if entry.file == nil {
		// stdin has no backing source in this kernel; it reads as EOF. stdout/stderr are not
		// readable at all.
		if fdNum == fdStdin {
			return 0
		}

		return errResult
	}

	if int(count) > MaxBounce {
		count = MaxBounce
	}

	tmp := make([]byte, count)

	n, err := d.vfs.Read(entry.file, entry.pos, tmp)
	if err != nil {
		return errResult
	}

	if err := d.copyOut(bufPtr, tmp[:n]); err != nil {
		return errResult
	}

	entry.pos += n

	return int64(n)
}

func (d *Dispatcher) sysOpen(pathPtr, _, _ uint64) int64 {
	path, err := d.copyIn(pathPtr, 256)
	if err != nil {
		return errResult
	}

	name := cString(path)

	file, err := d.vfs.Open(name)
	if err != nil {
		return errResult
	}

	slot := -1

	for i := range d.fds {
		if !d.fds[i].used {
			slot = i
			break
		}
	}

	if slot == -1 {
		return errResult
	}

	d.fds[slot] = fd{file: file, used: true}

	return int64(slot)
}

func (d *Dispatcher) sysClose(fdNum uint64) int64 {
	entry, ok := d.lookupFD(fdNum)
	if !ok {
		return errResult
	}

	// The reserved stdio slots stay open for the life of the process.
	if entry.file == nil {
		return errResult
	}

	d.fds[fdNum] = fd{}

	return 0
}

func (d *Dispatcher) sysReaddir(index, bufPtr, bufSize uint64) int64 {
	entries, err := d.vfs.List()
	if err != nil || index >= uint64(len(entries)) {
		return 0
	}

	e := entries[index]

	// name + NUL, then 8 bytes for size/dir fields; only the name is written, the rest stays zero
	const recordSize = fs.MaxNameLen + 1 + 8

	if bufSize < recordSize {
		return errResult
	}

	rec := make([]byte, recordSize)
	copy(rec, e.Name)

	if err := d.copyOut(bufPtr, rec); err != nil {
		return errResult
	}

	return 1
}

func (d *Dispatcher) lookupFD(n uint64) (*fd, bool) {
	if n >= uint64(len(d.fds)) || !d.fds[n].used {
		return nil, false
	}

	return &d.fds[n], true
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}

	return string(b)
}
