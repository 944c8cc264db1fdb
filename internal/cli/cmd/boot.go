package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/gokernel/corekernel/internal/boot"
	"github.com/gokernel/corekernel/internal/cli"
	"github.com/gokernel/corekernel/internal/image"
	"github.com/gokernel/corekernel/internal/kernel"
	"github.com/gokernel/corekernel/internal/log"
	"github.com/gokernel/corekernel/internal/mem/pmm"
)

// Boot is the command that assembles and runs a kernel (component table §2): physical/virtual
// memory managers, descriptor tables, syscall dispatch, VFS, and the interactive shell, reading
// commands from stdin and writing shell output to stdout.
func Boot() cli.Command {
	return &bootCmd{ceiling: 16 * 1024 * 1024}
}

type bootCmd struct {
	debug     bool
	ceiling   uint64
	initramfs string
}

func (bootCmd) Description() string {
	return "boot the kernel and run its interactive shell"
}

func (bootCmd) Usage(out io.Writer) error {
	_, err := fmt.Fprintln(out, `
boot [ -debug ] [ -initramfs file.cpio ]

Boot the kernel with a simulated memory map and an initramfs module, then run
the in-kernel shell on stdin/stdout.`)

	return err
}

func (b *bootCmd) FlagSet() *cli.FlagSet {
	fs := flag.NewFlagSet("boot", flag.ExitOnError)

	fs.BoolVar(&b.debug, "debug", false, "enable debug logging")
	fs.Uint64Var(&b.ceiling, "ceiling", b.ceiling, "physical memory ceiling, in bytes")
	fs.StringVar(&b.initramfs, "initramfs", "", "path to a newc cpio archive (built-in demo if empty)")

	return fs
}

func (b *bootCmd) Run(_ context.Context, _ []string, out io.Writer, logger *log.Logger) int {
	if b.debug {
		log.LogLevel.Set(log.Debug)
	}

	module, err := b.loadModule()
	if err != nil {
		logger.Error("boot: loading initramfs failed", "err", err)
		return 1
	}

	const (
		kernelPhysBase = 0x100000
		kernelVirtBase = 0xffffffff80000000
		kernelLength   = 0x100000
	)

	regions := []pmm.Region{{Base: 0, Length: b.ceiling, Type: pmm.RegionUsable}}
	info := boot.New(logger, regions, 0, kernelPhysBase, kernelVirtBase, kernelLength, []boot.Module{module})

	k, err := kernel.New(logger, info, b.ceiling, os.Stdin, out)
	if err != nil {
		logger.Error("boot: kernel initialization failed", "err", err)
		return 1
	}

	k.Boot()

	return 0
}

// loadModule reads the initramfs archive from disk, or synthesizes the built-in demo archive
// when no path was given. The module is always presented under the path the kernel's boot-info
// consumer searches for, whatever the file was called on the host.
func (b *bootCmd) loadModule() (boot.Module, error) {
	data := image.Cpio([]image.CpioFile{{Name: "hello", Data: []byte("hi\n")}})

	if b.initramfs != "" {
		var err error

		data, err = os.ReadFile(b.initramfs)
		if err != nil {
			return boot.Module{}, err
		}
	}

	return boot.Module{Path: "/boot/initramfs.cpio"}.WithData(data), nil
}
