// x86-64 hypervisor bring-up core
// https://github.com/openhv/bringup
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package memwindow manages mapped virtual windows over fixed physical
// memory ranges, such as the AP trampoline's reserved low-memory page(s).
// (The LAPIC MMIO page is mapped by package lapic through the page table
// directly, not through this package.) It is adapted from the teacher's dma package,
// keeping its Region-over-a-physical-range concept and its unsafe
// byte-slice-over-an-address trick, but dropping the first-fit bump
// allocator (alloc/free/block bookkeeping) that package builds on top of
// it: every window this system maps is a single fixed-size range handed
// out by the frame allocator or the host driver, never sub-allocated.
package memwindow

import (
	"reflect"
	"unsafe"

	"github.com/openhv/bringup/extern"
	"github.com/openhv/bringup/hvresult"
	"github.com/openhv/bringup/sysconfig"
)

// Region is one mapped virtual window over a physical memory range.
type Region struct {
	PhysStart uintptr
	VirtStart uintptr
	Size      uintptr
}

// Map inserts the physical range [physStart, physStart+size) into the
// hypervisor's virtual address space at virtStart, with the given
// permission flags (see sysconfig.Region* constants), through pt.
func Map(pt extern.PageTable, physStart, virtStart, size uintptr, flags uint64) (*Region, error) {
	err := pt.Insert(sysconfig.MemoryRegion{
		PhysStart: uint64(physStart),
		VirtStart: uint64(virtStart),
		Size:      uint64(size),
		Flags:     flags,
	})
	if err != nil {
		return nil, err
	}

	return &Region{PhysStart: physStart, VirtStart: virtStart, Size: size}, nil
}

// Bytes returns a byte slice over the mapped window's virtual address
// range, without copying. It is unsafe in the same sense as the
// teacher's dma.Reserve: the returned slice aliases raw memory that
// outlives normal Go garbage collection and must not be retained past
// the window's validity.
func (r *Region) Bytes() []byte {
	var buf []byte

	hdr := (*reflect.SliceHeader)(unsafe.Pointer(&buf))
	hdr.Data = r.VirtStart
	hdr.Len = int(r.Size)
	hdr.Cap = hdr.Len

	return buf
}

// Snapshot copies the window's current contents into a freshly allocated
// Go buffer, suitable for later Restore. Used by the AP trampoline to
// back up the reserved low-memory page(s) before writing the real-mode
// stub into them.
func (r *Region) Snapshot() []byte {
	snap := make([]byte, r.Size)
	copy(snap, r.Bytes())
	return snap
}

// Restore writes snap back into the window byte-for-byte. It fails if
// snap's length does not match the window size, since a partial restore
// would leave the low-memory page observably different from its
// boot-time contents.
func (r *Region) Restore(snap []byte) error {
	if uintptr(len(snap)) != r.Size {
		return hvresult.New(hvresult.EINVAL, "memwindow: snapshot length %d does not match window size %d", len(snap), r.Size)
	}

	copy(r.Bytes(), snap)

	return nil
}
