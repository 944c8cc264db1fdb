// Package boot ingests the four things a kernel needs from a Limine-compatible boot loader: a
// memory map, the HHDM offset, the kernel image's physical/virtual range, and a list of loaded
// modules.
package boot

import (
	"strings"

	"github.com/gokernel/corekernel/internal/log"
	"github.com/gokernel/corekernel/internal/mem/pmm"
)

// Module is an in-memory blob the boot loader loaded alongside the kernel, identified by path
// (e.g. an initramfs archive).
type Module struct {
	Path string
	Addr uint64
	Size uint64

	backing []byte
}

// Data returns the module's bytes. Backing is supplied by the caller at construction; in
// production this is a slice over the HHDM alias of the module's physical range, in tests it is
// an ordinary []byte.
func (m Module) Data() []byte { return m.backing }

// WithData attaches the in-memory bytes backing a module; it exists only so tests and the boot
// shim can build a Module without duplicating the struct layout.
func (m Module) WithData(b []byte) Module {
	m.backing = b
	m.Size = uint64(len(b))

	return m
}

// Info is everything the kernel needs from the boot loader, consumed once at startup.
type Info struct {
	MemoryMap  []pmm.Region
	HHDMOffset uint64

	KernelPhysBase uint64
	KernelVirtBase uint64
	KernelLength   uint64

	Modules []Module

	FramebufferBase   uint64
	FramebufferWidth  uint32
	FramebufferHeight uint32
	FramebufferPitch  uint32

	log *log.Logger
}

// New wraps boot-loader-supplied values into an Info. Passing a nil logger uses the package
// default.
func New(logger *log.Logger, memmap []pmm.Region, hhdmOffset, kernelPhys, kernelVirt, kernelLen uint64, modules []Module) *Info {
	if logger == nil {
		logger = log.DefaultLogger()
	}

	return &Info{
		MemoryMap:      memmap,
		HHDMOffset:     hhdmOffset,
		KernelPhysBase: kernelPhys,
		KernelVirtBase: kernelVirt,
		KernelLength:   kernelLen,
		Modules:        modules,
		log:            logger,
	}
}

// PhysToVirt applies the HHDM offset: virt = phys + offset.
func (i *Info) PhysToVirt(phys uint64) uint64 {
	return phys + i.HHDMOffset
}

// FindModule returns the module whose path's last path component matches name, and whether one
// was found. This is how the initramfs archive is located among the boot loader's modules (spec
// §4.C): "matching the last path component against initramfs.cpio".
func (i *Info) FindModule(name string) (Module, bool) {
	for _, m := range i.Modules {
		if lastComponent(m.Path) == name {
			return m, true
		}
	}

	return Module{}, false
}

func lastComponent(path string) string {
	if idx := strings.LastIndexByte(path, '/'); idx >= 0 {
		return path[idx+1:]
	}

	return path
}
