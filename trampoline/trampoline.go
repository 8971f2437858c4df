// x86-64 hypervisor bring-up core
// https://github.com/openhv/bringup
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package trampoline implements the AP wake procedure: relocating a
// real-mode bootstrap stub into a reserved low-memory page, patching its
// entry/CR3/stack-top parameters, issuing INIT-SIPI-SIPI to bring
// application processors up, and restoring the page byte-for-byte
// afterwards so the host OS never observes the scratch use of its
// boot-time low memory.
//
// It is grounded on the teacher's amd64/smp.go AP bring-up sequence
// (relocate a 16-bit stub, build a GDT, IPI with a page-index vector,
// wait on a shared counter), generalized from tamago's own Go-scheduler
// bring-up to this system's per-CPU-block bring-up and adapted to use
// memwindow/percpu/lapic/timing instead of tamago's dma/reg/runtime
// globals.
package trampoline

import (
	"encoding/binary"
	"math"
	"time"
	"unsafe"

	"github.com/openhv/bringup/extern"
	"github.com/openhv/bringup/lapic"
	"github.com/openhv/bringup/memwindow"
	"github.com/openhv/bringup/percpu"
	"github.com/openhv/bringup/sysconfig"
	"github.com/openhv/bringup/timing"
)

// PageSize is the size of one reserved low-memory page.
const PageSize = 0x1000

// StartPageIdx is the fixed page index (physical address StartPageIdx *
// PageSize = 0x6000) reserved for the real-mode trampoline stub during
// AP bring-up.
const StartPageIdx = 6

// Trailing 64-bit slots within the first reserved page (offsets from the
// start of the window, whether 1 or 3 pages are reserved), read by the
// real-mode stub at these fixed offsets.
const (
	entryOffset    = PageSize - 8
	cr3Offset      = PageSize - 16
	stackTopOffset = PageSize - 24
)

// apicSender is the subset of *lapic.LAPIC the trampoline driver needs to
// issue INIT-SIPI-SIPI. Declaring it here, the same way extern names the
// shape it needs from its other collaborators, lets wake/wakeCandidates be
// exercised with a fake sender instead of real MSR/MMIO access.
type apicSender interface {
	SendInit(apicID uint32)
	SendStartup(apicID uint32, startPageIdx uint8)
}

// apStub returns the bounds of the assembled real-mode AP bootstrap
// stub [start, end) that gets copied verbatim into the reserved page.
//
// defined in trampoline_amd64.s
func apStub() (start, end uintptr)

// apStubFn is indirected through a package var, the same seam lapic
// uses for readMSR/writeMSR, so tests can supply a fake stub without
// assembling real machine code.
var apStubFn = apStub

func stubBytes() []byte {
	start, end := apStubFn()
	return unsafe.Slice((*byte)(unsafe.Pointer(start)), int(end-start))
}

// initSipiGap and startupGap are the INIT-SIPI-SIPI spacings.
const (
	initSipiGap = 10 * time.Millisecond
	startupGap  = 200 * time.Microsecond
)

// arrivalTimeout bounds how long the BSP waits, per candidate, for a
// newly woken CPU to call percpu.New and bump EnteredCPUs. A timeout is
// not fatal; the slot is simply skipped.
const arrivalTimeout = 100 * time.Millisecond

// wake reads the current ENTERED_CPUS baseline, then runs the
// INIT-SIPI-SIPI sequence and arrival wait for one candidate APIC id,
// having already staged the stack-top slot for the CPU id it is
// speculatively reserved for. The baseline must be captured before the
// first IPI is sent: a fast-arriving AP can bump ENTERED_CPUS during the
// 10ms/200us INIT-SIPI-SIPI gaps, and sampling it afterward would race
// that arrival and misreport it as a timeout. It reports whether the
// arrival was observed before arrivalTimeout elapsed; a false result is
// not fatal to the caller.
func wake(lap apicSender, clock *timing.Clock, apicID uint32) bool {
	baseline := percpu.EnteredCPUs()

	lap.SendInit(apicID)
	clock.Spin(initSipiGap)

	lap.SendStartup(apicID, StartPageIdx)
	clock.Spin(startupGap)

	lap.SendStartup(apicID, StartPageIdx)

	return clock.WaitCounterIncrease(percpu.EnteredCPUsAddr(), baseline, arrivalTimeout)
}

// wakeCandidates scans APIC ids [0, maxCPUs) for ones that have not yet
// entered (per lapic's APIC-to-CPU-id map), reserves the next per-CPU
// block's stack-top slot for each, wakes it, and waits for arrival. It
// stops once every CPU id up to maxCPUs has been speculatively
// reserved, even if some candidates never showed up.
func wakeCandidates(lap apicSender, clock *timing.Clock, maxCPUs uint32, buf []byte) {
	nextID := percpu.EnteredCPUs()

	for apicID := uint32(0); apicID < maxCPUs; apicID++ {
		if lapic.CPUIDFor(apicID) != math.MaxUint32 {
			continue
		}
		if nextID >= maxCPUs {
			break
		}

		stackTop := percpu.FromIDMut(nextID).StackTop()
		binary.LittleEndian.PutUint64(buf[stackTopOffset:], uint64(stackTop))
		nextID++

		wake(lap, clock, apicID)
	}
}

// launch maps numPages starting at StartPageIdx into the hypervisor's
// virtual address space at vaddr, snapshots it, stages the stub and the
// entry/CR3 parameters, wakes candidate APs up to maxCPUs, and restores
// the page before returning.
func launch(pt extern.PageTable, vaddr uintptr, numPages uintptr, entry uintptr, cr3 *uintptr, maxCPUs uint32, lap apicSender, clock *timing.Clock) error {
	window, err := memwindow.Map(
		pt,
		StartPageIdx*PageSize,
		vaddr,
		numPages*PageSize,
		sysconfig.RegionRead|sysconfig.RegionWrite|sysconfig.RegionExecute,
	)
	if err != nil {
		return err
	}

	snap := window.Snapshot()
	defer window.Restore(snap)

	buf := window.Bytes()
	copy(buf, stubBytes())

	binary.LittleEndian.PutUint64(buf[entryOffset:], uint64(entry))
	if cr3 != nil {
		binary.LittleEndian.PutUint64(buf[cr3Offset:], uint64(*cr3))
	}

	wakeCandidates(lap, clock, maxCPUs, buf)

	return nil
}

// StartAtBoot brings up the RT application processors during hypervisor
// initialization: three pages reserved, the trampoline entry is the
// fixed RT CPU entry symbol in hypervisor virtual space, and the loaded
// CR3 is the hypervisor page table's root.
func StartAtBoot(pt extern.PageTable, vaddr uintptr, rtEntry uintptr, hvCR3 uintptr, maxCPUs uint32, lap apicSender, clock *timing.Clock) error {
	return launch(pt, vaddr, 3, rtEntry, &hvCR3, maxCPUs, lap, clock)
}

// StartAdditional brings up one or more additional RT application
// processors after hypervisor initialization, with a caller-supplied
// entry physical address. Only one page is reserved, and CR3 is left
// implicit: the CR3 slot is not written, so pt must already be the active
// table on the calling CPU. pt.Root() is read, but its value is neither
// staged nor compared against the calling CPU's CR3, so that invariant is
// not checked here.
func StartAdditional(pt extern.PageTable, vaddr uintptr, rtEntry uintptr, maxCPUs uint32, lap apicSender, clock *timing.Clock) error {
	_ = pt.Root()
	return launch(pt, vaddr, 1, rtEntry, nil, maxCPUs, lap, clock)
}
