package boot

import "testing"

func TestFindModule(t *testing.T) {
	info := New(nil, nil, 0, 0, 0, 0, []Module{
		Module{Path: "/boot/initramfs.cpio"}.WithData([]byte("data")),
		{Path: "/boot/disk.img"},
	})

	m, ok := info.FindModule("initramfs.cpio")
	if !ok {
		t.Fatal("expected to find initramfs.cpio")
	}

	if string(m.Data()) != "data" {
		t.Errorf("Data() = %q", m.Data())
	}

	if _, ok := info.FindModule("missing.img"); ok {
		t.Error("expected missing.img not found")
	}
}

func TestPhysToVirt(t *testing.T) {
	info := New(nil, nil, 0xffff800000000000, 0, 0, 0, nil)

	if got := info.PhysToVirt(0x1000); got != 0xffff800000001000 {
		t.Errorf("PhysToVirt = %#x", got)
	}
}
