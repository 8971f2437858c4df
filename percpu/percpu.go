// x86-64 hypervisor bring-up core
// https://github.com/openhv/bringup
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package percpu implements the fixed array of per-CPU blocks: a known
// virtual base address, a compile-time-unknown (header-supplied) stride,
// each block carrying a self pointer, CPU id, a role-tagged payload, and
// a downward-growing stack filling the rest of the stride. The self
// pointer at offset 0 is the thread-pointer segment base (IA32_GS_BASE),
// so "current CPU" is always a single `mov reg, gs:0` away.
package percpu

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/openhv/bringup/extern"
	"github.com/openhv/bringup/fatal"
	"github.com/openhv/bringup/hvresult"
	"github.com/openhv/bringup/internal/reg"
)

// MSRGSBase is IA32_GS_BASE, the MSR holding the thread-pointer segment
// base used as the sole "current CPU" lookup mechanism.
const MSRGSBase = 0xc000_0101

// readMSR/writeMSR are indirected through package vars, the same seam
// lapic uses for its own MSR access, so New/Current can be exercised in
// tests without a real IA32_GS_BASE read/write.
var readMSR = reg.ReadMSR
var writeMSR = reg.WriteMSR

// ArrayBase is the fixed virtual address of the per-CPU array
// (PER_CPU_ARRAY_PTR). Like header.Ptr, it is a variable rather than a
// constant so tests and host-side tooling can point it at a simulated
// array instead of the real fixed mapping.
var ArrayBase uintptr = 0xffff_ffff_a000_0000

// Stride and MaxCPUs are populated once, from the validated header, by
// Configure. Every address computation in this package depends on them.
var (
	Stride  uintptr
	MaxCPUs uint32
)

// Configure records the per-CPU stride and CPU count read from the image
// header. It must be called before the first call to New; bringup calls
// it once per image, ahead of primary_init_early, from whichever CPU
// enters first.
func Configure(stride uintptr, maxCPUs uint32) {
	Stride = stride
	MaxCPUs = maxCPUs
}

var enteredCPUs uint32
var activatedCPUs uint32

// EnteredCPUs returns the number of CPUs that have called New so far.
func EnteredCPUs() uint32 { return atomic.LoadUint32(&enteredCPUs) }

// EnteredCPUsAddr returns the address of the entered-CPUs counter, for
// callers (the AP trampoline) that need to spin-wait on it directly
// rather than polling through EnteredCPUs.
func EnteredCPUsAddr() *uint32 { return &enteredCPUs }

// ActivatedCPUs returns the number of VM CPUs currently inside guest
// mode.
func ActivatedCPUs() uint32 { return atomic.LoadUint32(&activatedCPUs) }

// role is the per-CPU role-tagged payload discriminant. It advances
// monotonically Uninit -> {RT, VM} exactly once per CPU.
type role int

const (
	roleUninit role = iota
	roleRT
	roleVM
)

// VMData is the VM role's payload: the saved host-OS context plus the
// virtualization control state.
type VMData struct {
	HostSP uintptr
	Vcpu   extern.Vcpu
}

// RTData is the RT role's payload: an empty marker, matching the
// original's zero-field RtPerCpuData.
type RTData struct{}

// PerCPU is the per-CPU block prefix. The remainder of the block's
// Stride bytes, up to stackTop, is the CPU's own stack and is not
// represented as a Go field — this package only ever computes its
// address via StackTop.
type PerCPU struct {
	selfVAddr uintptr
	id        uint32
	role      role
	vm        *VMData
	rt        *RTData
}

// FromIDMut returns the per-CPU block for id via unchecked address
// arithmetic. The caller must prove id < MaxCPUs.
func FromIDMut(id uint32) *PerCPU {
	addr := ArrayBase + uintptr(id)*Stride
	return (*PerCPU)(unsafe.Pointer(addr))
}

// New allocates the next CPU id from the global entry counter, writes
// id and self_vaddr into the corresponding block, stores Uninit as the
// role, and sets IA32_GS_BASE to the block's own address so that the
// calling CPU can look itself up from then on.
func New() (*PerCPU, error) {
	if EnteredCPUs() >= MaxCPUs {
		return nil, hvresult.New(hvresult.EINVAL, "percpu: entered_cpus >= max_cpus (%d)", MaxCPUs)
	}

	id := atomic.AddUint32(&enteredCPUs, 1) - 1

	p := FromIDMut(id)
	p.selfVAddr = uintptr(unsafe.Pointer(p))
	p.id = id
	p.role = roleUninit
	p.vm = nil
	p.rt = nil

	writeMSR(MSRGSBase, uint64(p.selfVAddr))

	return p, nil
}

// Current returns the calling CPU's own block via the thread-pointer
// register. It must only be called after that CPU has completed New.
func Current() *PerCPU {
	return (*PerCPU)(unsafe.Pointer(uintptr(readMSR(MSRGSBase))))
}

// ID returns the CPU id assigned at New.
func (p *PerCPU) ID() uint32 { return p.id }

// SelfVAddr returns the block's own virtual address, equal to the
// IA32_GS_BASE value installed for this CPU.
func (p *PerCPU) SelfVAddr() uintptr { return p.selfVAddr }

// StackTop returns the top of this CPU's stack: the block's base plus
// Stride, minus 8 bytes.
func (p *PerCPU) StackTop() uintptr {
	return uintptr(unsafe.Pointer(p)) + Stride - 8
}

// InitVMCPU loads the host-OS context from the stack pointer the host
// driver supplied, activates the hypervisor page table on this CPU, runs
// archInit, constructs the Vcpu over (hostSP, cell), and transitions the
// role from Uninit to VM. It fails if the role is not currently Uninit.
func (p *PerCPU) InitVMCPU(hostSP uintptr, cell extern.Cell, newVcpu extern.NewVcpu, pt extern.PageTable, archInit func(id uint32) error) (*VMData, error) {
	if p.role != roleUninit {
		return nil, hvresult.New(hvresult.EINVAL, "percpu: cpu %d role already assigned", p.id)
	}

	if err := pt.Activate(); err != nil {
		return nil, err
	}

	if err := archInit(p.id); err != nil {
		return nil, err
	}

	vcpu, err := newVcpu(hostSP, cell)
	if err != nil {
		return nil, err
	}

	p.vm = &VMData{HostSP: hostSP, Vcpu: vcpu}
	p.role = roleVM

	return p.vm, nil
}

// InitRTCPU activates the hypervisor page table on this CPU, runs
// archInit, and transitions the role from Uninit to RT. It fails if the
// role is not currently Uninit.
func (p *PerCPU) InitRTCPU(pt extern.PageTable, archInit func(id uint32) error) (*RTData, error) {
	if p.role != roleUninit {
		return nil, hvresult.New(hvresult.EINVAL, "percpu: cpu %d role already assigned", p.id)
	}

	if err := pt.Activate(); err != nil {
		return nil, err
	}

	if err := archInit(p.id); err != nil {
		return nil, err
	}

	p.rt = &RTData{}
	p.role = roleRT

	return p.rt, nil
}

// VM returns this CPU's VM payload and whether the role is VM.
func (p *PerCPU) VM() (*VMData, bool) {
	return p.vm, p.role == roleVM
}

// RT returns this CPU's RT payload and whether the role is RT.
func (p *PerCPU) RT() (*RTData, bool) {
	return p.rt, p.role == roleRT
}

// ActivateVMM enters guest mode on this VM CPU: bumps ActivatedCPUs,
// then hands off to the Vcpu. On success this does not return.
func (p *PerCPU) ActivateVMM() error {
	vm, ok := p.VM()
	if !ok {
		return hvresult.New(hvresult.EINVAL, "percpu: cpu %d is not a VM cpu", p.id)
	}

	atomic.AddUint32(&activatedCPUs, 1)

	return vm.Vcpu.Activate()
}

// DeactivateVMM leaves guest mode on this VM CPU, decrementing
// ActivatedCPUs.
func (p *PerCPU) DeactivateVMM() error {
	vm, ok := p.VM()
	if !ok {
		return hvresult.New(hvresult.EINVAL, "percpu: cpu %d is not a VM cpu", p.id)
	}

	atomic.AddUint32(&activatedCPUs, ^uint32(0))

	return vm.Vcpu.Deactivate()
}

func (p *PerCPU) String() string {
	roleName := "uninit"
	switch p.role {
	case roleRT:
		roleName = "rt"
	case roleVM:
		roleName = "vm"
	}

	return fmt.Sprintf("PerCPU{id=%d self_vaddr=%#x role=%s}", p.id, p.selfVAddr, roleName)
}

func init() {
	fatal.CurrentCPU = func() string {
		vaddr := readMSR(MSRGSBase)
		if vaddr == 0 {
			return "<no current cpu>"
		}
		return Current().String()
	}
}
