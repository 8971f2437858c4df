// x86-64 hypervisor bring-up core
// https://github.com/openhv/bringup
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package bringup implements the two externally linkable entry points and
// the barrier-synchronized state machine that drives every logical CPU
// from host-driver entry through guest activation: ENTER, EARLY, PERCPU,
// LATE, ACTIVATE for the VM path, and the simpler init-then-halt sequence
// for the RT path. Every wait here is a sticky-failure-aware spin over a
// package-level atomic, generalized from the teacher's internal/reg.Wait
// register-polling idiom to barrier polling across CPUs.
package bringup

import (
	"reflect"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/openhv/bringup/extern"
	"github.com/openhv/bringup/fatal"
	"github.com/openhv/bringup/header"
	"github.com/openhv/bringup/hvresult"
	"github.com/openhv/bringup/lapic"
	"github.com/openhv/bringup/percpu"
	"github.com/openhv/bringup/sysconfig"
	"github.com/openhv/bringup/timing"
	"github.com/openhv/bringup/trampoline"
)

// Dependencies are the external collaborators the state machine drives.
// The host driver wires these once, before the first CPU calls
// VMCPUEntry or RTCPUEntry.
type Dependencies struct {
	Logger       extern.Logger
	Cells        extern.CellManager
	Frames       extern.FrameAllocator
	NewPageTable func(extern.FrameAllocator) (extern.PageTable, error)
	NewVcpu      extern.NewVcpu
	Clock        *timing.Clock

	// MMIOVAddr is where the LAPIC MMIO page is mapped in xAPIC mode.
	MMIOVAddr uintptr
	// TrampolineVAddr is where the AP trampoline's reserved page(s) are
	// mapped during RT CPU launch.
	TrampolineVAddr uintptr
}

var deps Dependencies

// Configure records the external collaborators. Must be called exactly
// once before any CPU calls VMCPUEntry or RTCPUEntry.
func Configure(d Dependencies) {
	deps = d
}

var (
	initedCPUs  uint32
	initEarlyOK uint32
	initLateOK  uint32
	errorNum    int32
)

// InitedCPUs returns the number of VM CPUs that have completed PERCPU
// init so far.
func InitedCPUs() uint32 { return atomic.LoadUint32(&initedCPUs) }

// ErrorNum returns the sticky failure code, or hvresult.Code(0) if no
// CPU has failed.
func ErrorNum() hvresult.Code { return hvresult.Code(atomic.LoadInt32(&errorNum)) }

// Failed reports whether any CPU has latched a failure.
func Failed() bool { return ErrorNum() != 0 }

// SetError latches code into ErrorNum with Release ordering. Only the
// first call wins; ErrorNum is never cleared, so later observers still
// see the original failure (scenario 5 in the end-to-end seeds: CPU 2's
// panic must still be visible to CPUs 0, 1, 3 after the fact).
func SetError(code hvresult.Code) {
	atomic.CompareAndSwapInt32(&errorNum, 0, int32(code))
}

func releaseGate(flag *uint32) { atomic.StoreUint32(flag, 1) }

// waitGate spins until flag is released (Acquire) or ErrorNum becomes
// non-zero. A peer observing the sticky failure always returns EBUSY,
// never the original code — only the CPU that caused the failure
// reports its own code.
func waitGate(flag *uint32) hvresult.Code {
	for atomic.LoadUint32(flag) == 0 {
		if Failed() {
			return hvresult.EBUSY
		}
		runtime.Gosched()
	}
	return 0
}

func waitCount(addr *uint32, target uint32) hvresult.Code {
	for atomic.LoadUint32(addr) < target {
		if Failed() {
			return hvresult.EBUSY
		}
		runtime.Gosched()
	}
	return 0
}

var (
	rootCell    extern.Cell
	hvPageTable extern.PageTable
	lap         *lapic.LAPIC

	configureOnce sync.Once
)

// ensureConfigured reads the header and configures percpu's array
// geometry. Every CPU needs Stride/MaxCPUs before it can compute its own
// per-CPU block address at ENTER, so this runs ahead of primary_init_early
// rather than as one of its steps, and is safe to call redundantly from
// every CPU.
func ensureConfigured() *header.Header {
	h := header.Get()
	configureOnce.Do(func() {
		percpu.Configure(uintptr(h.PerCPUSize), h.MaxCPUs)
	})
	return h
}

func archInitPerCPU(id uint32) error {
	if lap == nil {
		return hvresult.New(hvresult.EIO, "bringup: lapic not initialized")
	}
	return lap.InitPerCPU(id)
}

// primaryInitEarly runs the fixed, short-circuiting initialization order:
// log the header, read and validate the system config, build the
// hypervisor page table over its own and the RT workload's memory
// regions, construct the root cell, and bring up the LAPIC abstraction on
// the BSP.
func primaryInitEarly(h *header.Header) hvresult.Code {
	if deps.Logger != nil {
		deps.Logger.Printf("%s", h)
	}

	cfg, regions, err := sysconfig.Get()
	if err != nil {
		return hvresult.EINVAL
	}
	if err := cfg.Check(); err != nil {
		return hvresult.EINVAL
	}

	if h.Malformed() && deps.Logger != nil {
		deps.Logger.Printf("header: rt_cpus >= max_cpus, treating every cpu as a vm cpu")
	}

	pt, err := deps.NewPageTable(deps.Frames)
	if err != nil {
		return hvresult.ENOMEM
	}
	if err := pt.Insert(cfg.HypervisorMemory); err != nil {
		return hvresult.As(err)
	}
	if err := pt.Insert(cfg.RTMemory); err != nil {
		return hvresult.As(err)
	}

	cell, err := deps.Cells.InitRootCell(cfg.RootCell, regions)
	if err != nil {
		return hvresult.As(err)
	}

	l, err := lapic.New(pt, deps.MMIOVAddr)
	if err != nil {
		return hvresult.As(err)
	}

	hvPageTable = pt
	rootCell = cell
	lap = l

	return 0
}

// rtEntryAddr returns RTCPUEntry's own entry PC, the "RT CPU entry symbol
// in hypervisor virtual space" the hypervisor-launch trampoline path
// jumps to.
func rtEntryAddr() uintptr {
	return reflect.ValueOf(RTCPUEntry).Pointer()
}

// primaryInitLate launches the RT CPUs via the hypervisor-launch
// trampoline path.
func primaryInitLate(h *header.Header) hvresult.Code {
	err := trampoline.StartAtBoot(
		hvPageTable,
		deps.TrampolineVAddr,
		rtEntryAddr(),
		hvPageTable.Root(),
		h.MaxCPUs,
		lap,
		deps.Clock,
	)
	if err != nil {
		return hvresult.As(err)
	}
	return 0
}

func logReturn(id uint32, code hvresult.Code) {
	if deps.Logger != nil {
		deps.Logger.Printf("CPU %d return back to driver with code %d", id, code)
	}
}

// VMCPUEntry is vm_cpu_entry: invoked by the host OS driver on each
// logical CPU that will host the host-OS VM. perCPUBlock is accepted for
// ABI compatibility with the host driver's call site; the per-CPU block
// address actually used is the one percpu.New computes from the global
// entry counter, not this argument.
func VMCPUEntry(perCPUBlock uintptr, hostSP uintptr) int32 {
	_ = perCPUBlock

	h := ensureConfigured()

	cpu, err := percpu.New()
	if err != nil {
		code := hvresult.As(err)
		SetError(code)
		logReturn(0, code)
		return int32(code)
	}

	code := runVMPath(cpu, h, hostSP)
	logReturn(cpu.ID(), code)

	return int32(code)
}

func runVMPath(cpu *percpu.PerCPU, h *header.Header, hostSP uintptr) hvresult.Code {
	vmCPUs := h.VMCPUs()

	// ENTER
	if code := waitCount(percpu.EnteredCPUsAddr(), vmCPUs); code != 0 {
		return code
	}

	isPrimary := cpu.ID() == 0

	// EARLY
	if isPrimary {
		if code := primaryInitEarly(h); code != 0 {
			SetError(code)
			return code
		}
		releaseGate(&initEarlyOK)
	} else if code := waitGate(&initEarlyOK); code != 0 {
		return code
	}

	// PERCPU
	if _, err := cpu.InitVMCPU(hostSP, rootCell, deps.NewVcpu, hvPageTable, archInitPerCPU); err != nil {
		code := hvresult.As(err)
		SetError(code)
		return code
	}
	atomic.AddUint32(&initedCPUs, 1)

	if code := waitCount(&initedCPUs, vmCPUs); code != 0 {
		return code
	}

	// LATE
	if isPrimary {
		if code := primaryInitLate(h); code != 0 {
			SetError(code)
			return code
		}
		releaseGate(&initLateOK)
	} else if code := waitGate(&initLateOK); code != 0 {
		return code
	}

	// ACTIVATE
	if err := cpu.ActivateVMM(); err != nil {
		code := hvresult.As(err)
		SetError(code)
		return code
	}

	return 0
}

// RTCPUEntry is rt_cpu_entry: tail-called from the AP trampoline by CPUs
// that will become RT workers. It never returns: after per-CPU init it
// halts, since scheduling the RT workload itself is out of this core's
// scope.
func RTCPUEntry() {
	h := ensureConfigured()

	cpu, err := percpu.New()
	if err != nil {
		SetError(hvresult.As(err))
		fatal.Halt()
		return
	}
	_ = h

	if Failed() {
		fatal.Halt()
		return
	}

	if _, err := cpu.InitRTCPU(hvPageTable, archInitPerCPU); err != nil {
		SetError(hvresult.As(err))
	}

	fatal.Halt()
}
