// x86-64 hypervisor bring-up core
// https://github.com/openhv/bringup
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package memwindow

import (
	"bytes"
	"testing"
	"unsafe"

	"github.com/openhv/bringup/sysconfig"
)

type fakePageTable struct {
	inserted *sysconfig.MemoryRegion
}

func (p *fakePageTable) Insert(r sysconfig.MemoryRegion) error {
	p.inserted = &r
	return nil
}
func (p *fakePageTable) Activate() error { return nil }
func (p *fakePageTable) Root() uintptr   { return 0 }

func TestMapInsertsRegion(t *testing.T) {
	buf := make([]byte, 0x1000)
	virt := uintptr(unsafe.Pointer(&buf[0]))

	pt := &fakePageTable{}
	r, err := Map(pt, 0x6000, virt, 0x1000, sysconfig.RegionRead|sysconfig.RegionWrite)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}

	if pt.inserted == nil || pt.inserted.PhysStart != 0x6000 {
		t.Fatalf("expected phys_start 0x6000 inserted, got %+v", pt.inserted)
	}
	if r.VirtStart != virt {
		t.Fatalf("VirtStart = %#x, want %#x", r.VirtStart, virt)
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	buf := make([]byte, 0x100)
	for i := range buf {
		buf[i] = byte(i)
	}
	virt := uintptr(unsafe.Pointer(&buf[0]))

	r := &Region{VirtStart: virt, Size: uintptr(len(buf))}

	snap := r.Snapshot()
	if !bytes.Equal(snap, buf) {
		t.Fatal("snapshot does not match window contents")
	}

	for i := range r.Bytes() {
		r.Bytes()[i] = 0xff
	}

	if err := r.Restore(snap); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	for i, b := range buf {
		if b != byte(i) {
			t.Fatalf("byte %d = %#x after restore, want %#x", i, b, byte(i))
		}
	}
}

func TestRestoreLengthMismatch(t *testing.T) {
	buf := make([]byte, 0x10)
	r := &Region{VirtStart: uintptr(unsafe.Pointer(&buf[0])), Size: uintptr(len(buf))}

	if err := r.Restore(make([]byte, 4)); err == nil {
		t.Fatal("expected error restoring mismatched snapshot length")
	}
}
