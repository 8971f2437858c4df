// x86-64 hypervisor bring-up core
// https://github.com/openhv/bringup
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package percpu

import (
	"testing"
	"unsafe"

	"github.com/openhv/bringup/extern"
	"github.com/openhv/bringup/sysconfig"
)

type fakeVcpu struct {
	activated   bool
	deactivated bool
}

func (v *fakeVcpu) Activate() error   { v.activated = true; return nil }
func (v *fakeVcpu) Deactivate() error { v.deactivated = true; return nil }

type fakeCell struct {
	id   uint32
	name string
}

func (c *fakeCell) ID() uint32   { return c.id }
func (c *fakeCell) Name() string { return c.name }

type fakePageTable struct {
	activated bool
}

func (p *fakePageTable) Insert(sysconfig.MemoryRegion) error { return nil }
func (p *fakePageTable) Activate() error                     { p.activated = true; return nil }
func (p *fakePageTable) Root() uintptr                       { return 0 }

// setup points ArrayBase at a freshly zeroed buffer large enough for
// count blocks of the given stride, resets the global counters, and
// stubs readMSR/writeMSR over a fake GS_BASE cell so New/Current never
// touch the real IA32_GS_BASE MSR. It returns a teardown func restoring
// the prior configuration.
func setup(t *testing.T, stride uintptr, count uint32) func() {
	t.Helper()

	buf := make([]byte, uintptr(count)*stride)

	prevBase, prevStride, prevMax := ArrayBase, Stride, MaxCPUs
	prevEntered, prevActivated := enteredCPUs, activatedCPUs
	prevRead, prevWrite := readMSR, writeMSR

	ArrayBase = uintptr(unsafe.Pointer(&buf[0]))
	Configure(stride, count)
	enteredCPUs = 0
	activatedCPUs = 0

	var gsBase uint64
	readMSR = func(addr uint32) uint64 {
		if addr == MSRGSBase {
			return gsBase
		}
		return 0
	}
	writeMSR = func(addr uint32, val uint64) {
		if addr == MSRGSBase {
			gsBase = val
		}
	}

	return func() {
		ArrayBase, Stride, MaxCPUs = prevBase, prevStride, prevMax
		enteredCPUs, activatedCPUs = prevEntered, prevActivated
		readMSR, writeMSR = prevRead, prevWrite
		_ = buf // keep buf alive until teardown runs
	}
}

func TestCurrentReadsInstalledGSBase(t *testing.T) {
	defer setup(t, 4096, 2)()

	p, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if got := Current(); got != p {
		t.Fatalf("Current() = %p, want %p", got, p)
	}
}

func TestNewAssignsSequentialIDs(t *testing.T) {
	defer setup(t, 4096, 4)()

	for want := uint32(0); want < 4; want++ {
		p, err := New()
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if p.ID() != want {
			t.Fatalf("ID() = %d, want %d", p.ID(), want)
		}
		if p.SelfVAddr() != uintptr(unsafe.Pointer(p)) {
			t.Fatalf("SelfVAddr() = %#x, want %#x", p.SelfVAddr(), uintptr(unsafe.Pointer(p)))
		}
	}
}

func TestNewRejectsOverflow(t *testing.T) {
	defer setup(t, 4096, 1)()

	if _, err := New(); err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := New(); err == nil {
		t.Fatal("expected error allocating beyond max_cpus")
	}
}

func TestFromIDMutStride(t *testing.T) {
	defer setup(t, 4096, 2)()

	p0 := FromIDMut(0)
	p1 := FromIDMut(1)

	if got, want := uintptr(unsafe.Pointer(p1))-uintptr(unsafe.Pointer(p0)), Stride; got != want {
		t.Fatalf("stride between blocks = %#x, want %#x", got, want)
	}
}

func TestStackTop(t *testing.T) {
	defer setup(t, 4096, 1)()

	p, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	want := uintptr(unsafe.Pointer(p)) + Stride - 8
	if got := p.StackTop(); got != want {
		t.Fatalf("StackTop() = %#x, want %#x", got, want)
	}
}

func TestRoleMonotonicity(t *testing.T) {
	defer setup(t, 4096, 1)()

	p, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	pt := &fakePageTable{}
	archInit := func(uint32) error { return nil }

	if _, ok := p.RT(); ok {
		t.Fatal("expected no RT payload before init")
	}

	if _, err := p.InitRTCPU(pt, archInit); err != nil {
		t.Fatalf("InitRTCPU: %v", err)
	}
	if !pt.activated {
		t.Fatal("expected page table activation")
	}
	if _, ok := p.RT(); !ok {
		t.Fatal("expected RT payload after init")
	}

	if _, err := p.InitRTCPU(pt, archInit); err == nil {
		t.Fatal("expected second InitRTCPU to fail: role already assigned")
	}
	if _, err := p.InitVMCPU(0, &fakeCell{}, func(uintptr, extern.Cell) (extern.Vcpu, error) {
		return &fakeVcpu{}, nil
	}, pt, archInit); err == nil {
		t.Fatal("expected InitVMCPU to fail on an already-RT cpu")
	}
}

func TestInitVMCPUConstructsVcpu(t *testing.T) {
	defer setup(t, 4096, 1)()

	p, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	cell := &fakeCell{id: 7, name: "root"}
	var gotSP uintptr
	var gotCell extern.Cell

	newVcpu := func(sp uintptr, c extern.Cell) (extern.Vcpu, error) {
		gotSP, gotCell = sp, c
		return &fakeVcpu{}, nil
	}

	vm, err := p.InitVMCPU(0xdead0000, cell, newVcpu, &fakePageTable{}, func(uint32) error { return nil })
	if err != nil {
		t.Fatalf("InitVMCPU: %v", err)
	}
	if gotSP != 0xdead0000 {
		t.Fatalf("host sp passed to NewVcpu = %#x, want %#x", gotSP, 0xdead0000)
	}
	if gotCell != extern.Cell(cell) {
		t.Fatal("cell passed to NewVcpu does not match")
	}
	if vm.HostSP != 0xdead0000 {
		t.Fatalf("VMData.HostSP = %#x, want %#x", vm.HostSP, 0xdead0000)
	}

	if err := p.ActivateVMM(); err != nil {
		t.Fatalf("ActivateVMM: %v", err)
	}
	if !vm.Vcpu.(*fakeVcpu).activated {
		t.Fatal("expected Vcpu.Activate to be called")
	}
	if ActivatedCPUs() != 1 {
		t.Fatalf("ActivatedCPUs() = %d, want 1", ActivatedCPUs())
	}

	if err := p.DeactivateVMM(); err != nil {
		t.Fatalf("DeactivateVMM: %v", err)
	}
	if !vm.Vcpu.(*fakeVcpu).deactivated {
		t.Fatal("expected Vcpu.Deactivate to be called")
	}
	if ActivatedCPUs() != 0 {
		t.Fatalf("ActivatedCPUs() = %d, want 0", ActivatedCPUs())
	}
}
