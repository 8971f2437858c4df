// x86-64 hypervisor bring-up core
// https://github.com/openhv/bringup
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package trampoline

import (
	"sync/atomic"
	"testing"
	"unsafe"

	"github.com/openhv/bringup/percpu"
	"github.com/openhv/bringup/sysconfig"
	"github.com/openhv/bringup/timing"
)

type fakePageTable struct {
	inserted []sysconfig.MemoryRegion
	root     uintptr
}

func (p *fakePageTable) Insert(r sysconfig.MemoryRegion) error {
	p.inserted = append(p.inserted, r)
	return nil
}
func (p *fakePageTable) Activate() error { return nil }
func (p *fakePageTable) Root() uintptr   { return p.root }

// withStub points apStubFn at a fixed byte pattern standing in for the
// assembled real-mode stub, avoiding any dependency on actual machine
// code in tests.
func withStub(t *testing.T, stub []byte) func() {
	t.Helper()

	prev := apStubFn
	apStubFn = func() (uintptr, uintptr) {
		start := uintptr(unsafe.Pointer(&stub[0]))
		return start, start + uintptr(len(stub))
	}
	return func() { apStubFn = prev }
}

// withPerCPU points percpu's array at a fresh buffer, sized for count
// CPUs at stride bytes each, and resets the package's atomics.
func withPerCPU(t *testing.T, stride uintptr, count uint32) func() {
	t.Helper()

	buf := make([]byte, uintptr(count)*stride)
	prevBase, prevStride, prevMax := percpu.ArrayBase, percpu.Stride, percpu.MaxCPUs

	percpu.ArrayBase = uintptr(unsafe.Pointer(&buf[0]))
	percpu.Configure(stride, count)
	atomic.StoreUint32(percpu.EnteredCPUsAddr(), 0)

	return func() {
		_ = buf
		percpu.ArrayBase, percpu.Stride, percpu.MaxCPUs = prevBase, prevStride, prevMax
	}
}

func fastClock() *timing.Clock { return &timing.Clock{} }

func u64At(buf []byte, off int) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(buf[off+i]) << (8 * i)
	}
	return v
}

func TestLaunchStagesEntryCR3AndStub(t *testing.T) {
	defer withPerCPU(t, 0x1000, 4)()
	defer withStub(t, []byte{0xf4, 0xf4, 0xf4, 0xf4})()

	page := make([]byte, 3*PageSize)
	vaddr := uintptr(unsafe.Pointer(&page[0]))
	pt := &fakePageTable{}

	entry := uintptr(0x1234_5000)
	cr3 := uintptr(0x7000)

	// launch restores the window before it returns, so the staged page
	// is captured while the INIT IPI for the single candidate (APIC id 0,
	// maxCPUs 1) is being issued. The zero-frequency clock makes the
	// arrival wait time out at once.
	var staged []byte
	sender := &fakeAPICSender{
		onSendInit: func() { staged = append([]byte(nil), page...) },
	}

	if err := launch(pt, vaddr, 3, entry, &cr3, 1, sender, fastClock()); err != nil {
		t.Fatalf("launch: %v", err)
	}

	if len(pt.inserted) != 1 || pt.inserted[0].PhysStart != StartPageIdx*PageSize {
		t.Fatalf("expected window mapped at phys %#x, got %+v", uintptr(StartPageIdx*PageSize), pt.inserted)
	}
	if staged == nil {
		t.Fatal("expected an INIT IPI while the window was staged")
	}

	if got := u64At(staged, entryOffset); got != uint64(entry) {
		t.Fatalf("entry slot = %#x, want %#x", got, entry)
	}
	if got := u64At(staged, cr3Offset); got != uint64(cr3) {
		t.Fatalf("cr3 slot = %#x, want %#x", got, cr3)
	}
	if staged[0] != 0xf4 {
		t.Fatalf("stub not copied into window: page[0] = %#x", staged[0])
	}
}

func TestLaunchOmitsCR3WhenNil(t *testing.T) {
	defer withPerCPU(t, 0x1000, 4)()
	defer withStub(t, []byte{0x90})()

	page := make([]byte, PageSize)
	vaddr := uintptr(unsafe.Pointer(&page[0]))
	pt := &fakePageTable{}

	// Captured during the INIT IPI, before launch restores the window.
	var staged []byte
	sender := &fakeAPICSender{
		onSendInit: func() { staged = append([]byte(nil), page...) },
	}

	if err := launch(pt, vaddr, 1, 0x2000, nil, 1, sender, fastClock()); err != nil {
		t.Fatalf("launch: %v", err)
	}
	if staged == nil {
		t.Fatal("expected an INIT IPI while the window was staged")
	}

	if got := u64At(staged, cr3Offset); got != 0 {
		t.Fatalf("cr3 slot = %#x, want 0 (left untouched)", got)
	}
}

func TestLaunchRestoresWindowAfterward(t *testing.T) {
	defer withPerCPU(t, 0x1000, 4)()
	defer withStub(t, []byte{0xaa, 0xbb})()

	page := make([]byte, PageSize)
	for i := range page {
		page[i] = byte(i)
	}
	original := append([]byte(nil), page...)
	vaddr := uintptr(unsafe.Pointer(&page[0]))

	pt := &fakePageTable{}

	if err := launch(pt, vaddr, 1, 0x9000, nil, 0, nil, fastClock()); err != nil {
		t.Fatalf("launch: %v", err)
	}

	for i, b := range page {
		if b != original[i] {
			t.Fatalf("byte %d = %#x after launch, want restored %#x", i, b, original[i])
		}
	}
}

// fakeAPICSender stands in for a *lapic.LAPIC: onSendInit lets a test
// simulate an AP arriving (bumping ENTERED_CPUS) during the
// INIT-SIPI-SIPI sequence itself, before the arrival wait begins.
type fakeAPICSender struct {
	onSendInit func()
}

func (s *fakeAPICSender) SendInit(apicID uint32) {
	if s.onSendInit != nil {
		s.onSendInit()
	}
}
func (s *fakeAPICSender) SendStartup(apicID uint32, startPageIdx uint8) {}

func TestWakeObservesArrivalDuringIPISequence(t *testing.T) {
	defer withPerCPU(t, 0x1000, 2)()

	counter := percpu.EnteredCPUsAddr()
	atomic.StoreUint32(counter, 0)

	// Simulates a fast-arriving AP: it calls percpu.New (bumping
	// ENTERED_CPUS) while the INIT IPI is still being issued, well
	// before the INIT-SIPI-SIPI sequence completes. If the baseline
	// were sampled after the sequence (the prior bug), this arrival
	// would already be folded into the baseline and wake would
	// misreport it as a timeout.
	sender := &fakeAPICSender{
		onSendInit: func() {
			atomic.AddUint32(counter, 1)
		},
	}

	if !wake(sender, fastClock(), 0) {
		t.Fatal("wake() = false, want true: arrival during the IPI sequence must still be observed")
	}
}

func TestWakeCandidatesZeroMaxCPUsScansNothing(t *testing.T) {
	defer withPerCPU(t, 0x1000, 2)()

	buf := make([]byte, PageSize)

	// maxCPUs 0: the loop bound is zero, so no candidate is scanned and
	// lap is never touched regardless of APIC-id occupancy.
	wakeCandidates(nil, fastClock(), 0, buf)
}

func TestStartAtBootReservesThreePages(t *testing.T) {
	defer withPerCPU(t, 0x1000, 2)()
	defer withStub(t, []byte{0x90})()

	page := make([]byte, 3*PageSize)
	vaddr := uintptr(unsafe.Pointer(&page[0]))
	pt := &fakePageTable{}

	err := StartAtBoot(pt, vaddr, 0x4000, 0x5000, 0, nil, fastClock())
	if err != nil {
		t.Fatalf("StartAtBoot: %v", err)
	}
	if len(pt.inserted) != 1 || pt.inserted[0].Size != 3*PageSize {
		t.Fatalf("expected 3-page window, got %+v", pt.inserted)
	}
}

func TestStartAdditionalReservesOnePage(t *testing.T) {
	defer withPerCPU(t, 0x1000, 2)()
	defer withStub(t, []byte{0x90})()

	page := make([]byte, PageSize)
	vaddr := uintptr(unsafe.Pointer(&page[0]))
	pt := &fakePageTable{root: 0x1000}

	err := StartAdditional(pt, vaddr, 0x4000, 0, nil, fastClock())
	if err != nil {
		t.Fatalf("StartAdditional: %v", err)
	}
	if len(pt.inserted) != 1 || pt.inserted[0].Size != PageSize {
		t.Fatalf("expected 1-page window, got %+v", pt.inserted)
	}
}
