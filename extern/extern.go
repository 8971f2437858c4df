// x86-64 hypervisor bring-up core
// https://github.com/openhv/bringup
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package extern names the interfaces the bring-up core consumes from its
// external collaborators: the VMX/SVM entry machinery, the cell (memory
// partition) abstraction, the hypervisor's own page-table builder, the
// frame allocator/heap, the hypercall handler, and the logging subsystem.
// None of these are implemented here — the core only specifies the shape
// it needs, the same way the teacher's board packages depend on a `SoC`
// interface without owning its implementation.
package extern

import "github.com/openhv/bringup/sysconfig"

// Vcpu is the per-CPU virtualization control state built over a saved
// host-OS context and a Cell, and driven into and out of guest mode by
// the VMX/SVM entry machinery. The bring-up core never inspects its
// internals; it only constructs one (via NewVcpu) and later asks it to
// enter the guest.
type Vcpu interface {
	// Activate enters guest mode on the calling CPU. On a VM CPU this
	// is the last call of the ACTIVATE phase: control does not return
	// to the caller until the guest later exits, if ever.
	Activate() error

	// Deactivate leaves guest mode. percpu.DeactivateVMM calls it after
	// decrementing ActivatedCPUs.
	Deactivate() error
}

// NewVcpu constructs a Vcpu over a saved host-OS context (the stack
// pointer the host driver passed into vm_cpu_entry) and the Cell that
// CPU belongs to. Supplied by the VMX/SVM entry machinery; the bring-up
// core calls this exactly once per VM CPU, during PERCPU init.
type NewVcpu func(hostSP uintptr, cell Cell) (Vcpu, error)

// Cell is a named collection of physical memory regions assigned to one
// guest (the root cell hosts the host OS). The bring-up core only needs
// to identify and hand off a Cell; the cell subsystem owns its lifecycle
// and region bookkeeping.
type Cell interface {
	// ID returns the cell identifier assigned by the host driver.
	ID() uint32

	// Name returns the cell's configured name.
	Name() string
}

// CellManager is the cell subsystem's entry point: constructing the root
// cell from the system configuration, during primary_init_early.
type CellManager interface {
	// InitRootCell builds the root cell from the root cell descriptor
	// and its memory-region tail.
	InitRootCell(desc sysconfig.CellDescriptor, regions []sysconfig.MemoryRegion) (Cell, error)
}

// PageTable is the hypervisor's own page-table builder. The core asks it
// to map the LAPIC MMIO window and the AP trampoline's low-memory page,
// to activate the table on a given CPU, and to report the physical root
// (CR3 value) so the trampoline can stage it for an incoming AP without
// a bare inline-asm CR3 read.
type PageTable interface {
	// Insert maps a physical region into the hypervisor's virtual
	// address space with the given permissions.
	Insert(region sysconfig.MemoryRegion) error

	// Activate installs this page table as the active one on the
	// calling CPU (writes CR3).
	Activate() error

	// Root returns the physical address of the table's root, the value
	// CR3 must hold for this table to be active.
	Root() uintptr
}

// FrameAllocator hands out physical page frames for the hypervisor's own
// heap and page-table construction during primary_init_early.
type FrameAllocator interface {
	// Alloc returns the physical address of a freshly allocated,
	// zeroed page frame.
	Alloc() (uintptr, error)

	// Free returns a frame previously returned by Alloc.
	Free(phys uintptr)
}

// Hypercall handles a guest-to-hypervisor invocation. The bring-up core
// neither calls this nor wires it into a Vcpu (NewVcpu takes no
// handler); it is named here per spec.md's explicit out-of-scope listing.
type Hypercall interface {
	Handle(vcpu Vcpu, num uint64, args [6]uint64) (uint64, error)
}

// Logger is the minimal structured-logging sink the core writes boot
// progress and terminal failures through. hvlog.Logger implements this;
// it is named here too so packages below hvlog in the dependency order
// (percpu, lapic, trampoline) can depend on the interface without
// importing the concrete logger.
type Logger interface {
	Printf(format string, args ...any)
}
