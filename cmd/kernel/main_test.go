package main_test

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/gokernel/corekernel/internal/boot"
	"github.com/gokernel/corekernel/internal/image"
	"github.com/gokernel/corekernel/internal/kernel"
	"github.com/gokernel/corekernel/internal/log"
	"github.com/gokernel/corekernel/internal/mem/pmm"
)

const timeout = time.Second

// TestMain boots a kernel exactly the way `kernel boot` does and exercises it through the shell's
// "exit" builtin within a deadline.
func TestMain(t *testing.T) {
	var logbuf, out bytes.Buffer

	regions := []pmm.Region{{Base: 0, Length: 16 * 1024 * 1024, Type: pmm.RegionUsable}}
	module := boot.Module{Path: "/boot/initramfs.cpio"}.
		WithData(image.Cpio([]image.CpioFile{{Name: "hello", Data: []byte("hi\n")}}))
	info := boot.New(nil, regions, 0, 0x100000, 0xffffffff80000000, 0x100000, []boot.Module{module})

	logger := log.NewSerialLogger(&logbuf)
	in := strings.NewReader("ls\nexit\n")

	k, err := kernel.New(logger, info, 16*1024*1024, in, &out)
	if err != nil {
		t.Fatalf("kernel.New: %v", err)
	}

	done := make(chan struct{})

	go func() {
		defer close(done)
		k.Boot()
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatalf("boot did not reach the shell's exit builtin within %s", timeout)
	}

	logs := logbuf.String()

	for _, want := range []string{
		"PMM: Initialization complete",
		"VMM: Stored kernel PML4 address:",
		"[initramfs: files: hello]",
	} {
		if !strings.Contains(logs, want) {
			t.Errorf("log output missing %q; got:\n%s", want, logs)
		}
	}

	if !strings.Contains(out.String(), "hello") {
		t.Errorf("shell output missing ls listing; got %q", out.String())
	}
}
