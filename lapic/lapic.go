// x86-64 hypervisor bring-up core
// https://github.com/openhv/bringup
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package lapic implements a uniform driver for the Intel Local Advanced
// Programmable Interrupt Controller, in both its MMIO-addressed (xAPIC)
// and MSR-addressed (x2APIC) forms, adopting the following reference
// specification:
//   - Intel 64 and IA-32 Architectures Software Developer's Manual, Volume 3A, Chapter 10.
//
// The two back-ends share a small fixed capability set (id, send INIT,
// send STARTUP); a tagged struct selects between them at construction
// rather than a heap-allocated interface, since there are exactly two
// variants and both are known at detection time.
package lapic

import (
	"math"
	"sync/atomic"

	"github.com/openhv/bringup/extern"
	"github.com/openhv/bringup/hvresult"
	"github.com/openhv/bringup/internal/reg"
	"github.com/openhv/bringup/sysconfig"
)

// MSRAPICBase is IA32_APIC_BASE.
const MSRAPICBase = 0x1b

// IA32_APIC_BASE bits.
const (
	APICBaseBSP  = 1 << 8
	APICBaseEXTD = 1 << 10
	APICBaseEN   = 1 << 11
)

// APICBasePhys is the fixed physical address of the xAPIC MMIO page.
const APICBasePhys = 0xfee0_0000

// PageSize is the size of the xAPIC MMIO window.
const PageSize = 0x1000

// xAPIC register offsets, relative to the MMIO base.
const (
	regID = 0x20
	idPos = 24

	regICRL = 0x300
	regICRH = 0x310

	icrDstPos      = 24
	icrDlvStatus   = 12
	icrDlvPos      = 8
	icrDlvInit     = 0b101 << icrDlvPos
	icrDlvStartup  = 0b110 << icrDlvPos
	icrLevelAssert = 1 << 14
)

// x2APIC MSRs.
const (
	msrX2APICID  = 0x802
	msrX2APICICR = 0x830
)

// MaxAPICID is the largest APIC id this system tracks; the APIC-to-CPU
// map is sized to it.
const MaxAPICID = 254

// readMSR/writeMSR are indirected through package vars so the x2APIC
// path can be exercised by tests without real MSR access.
var readMSR = reg.ReadMSR
var writeMSR = reg.WriteMSR

// LAPIC represents one Local APIC instance, in whichever mode the
// hardware reported at detection time.
type LAPIC struct {
	x2apic bool
	base   uintptr
}

// New detects the current CPU's Local APIC mode by reading
// IA32_APIC_BASE. In xAPIC mode it maps the MMIO page into the
// hypervisor's virtual address space at mmioVAddr through pt; in x2APIC
// mode mmioVAddr and pt are unused. It fails with an I/O error if
// neither EXTD nor EN is set.
func New(pt extern.PageTable, mmioVAddr uintptr) (*LAPIC, error) {
	base := readMSR(MSRAPICBase)

	switch {
	case base&APICBaseEXTD != 0:
		return &LAPIC{x2apic: true}, nil

	case base&APICBaseEN != 0:
		err := pt.Insert(sysconfig.MemoryRegion{
			PhysStart: APICBasePhys,
			VirtStart: uint64(mmioVAddr),
			Size:      PageSize,
			Flags:     sysconfig.RegionRead | sysconfig.RegionWrite | sysconfig.RegionIO,
		})
		if err != nil {
			return nil, err
		}
		return &LAPIC{base: mmioVAddr}, nil

	default:
		return nil, hvresult.New(hvresult.EIO, "lapic: neither xAPIC nor x2APIC enabled")
	}
}

// IsX2APIC reports whether this instance is operating in x2APIC mode.
func (l *LAPIC) IsX2APIC() bool { return l.x2apic }

// ID returns this Local APIC's own identifier.
func (l *LAPIC) ID() uint32 {
	if l.x2apic {
		return uint32(readMSR(msrX2APICID))
	}
	return reg.Read(l.base+regID) >> idPos
}

func (l *LAPIC) sendICR(apicID uint32, dlv uint32, vector uint8) {
	if l.x2apic {
		val := uint64(apicID)<<32 | uint64(dlv) | uint64(vector)
		writeMSR(msrX2APICICR, val)
		return
	}

	reg.SetN(l.base+regICRH, icrDstPos, 0xff, apicID)
	reg.Write(l.base+regICRL, dlv|uint32(vector))
	reg.Wait(l.base+regICRL, icrDlvStatus, 1, 0)
}

// SendInit issues an INIT IPI to apicID.
func (l *LAPIC) SendInit(apicID uint32) {
	l.sendICR(apicID, icrDlvInit|icrLevelAssert, 0)
}

// SendStartup issues a STARTUP IPI to apicID, with the 8-bit page index
// (times 4 KiB) of the real-mode entry point.
func (l *LAPIC) SendStartup(apicID uint32, startPageIdx uint8) {
	l.sendICR(apicID, icrDlvStartup, startPageIdx)
}

// apicToCPUID is the process-wide APIC-id -> CPU-id map. math.MaxUint32
// is the "not yet entered" sentinel. Each slot is written exactly once,
// by the CPU that owns it, with release ordering; the BSP reads it with
// acquire ordering when scanning for wake candidates.
var apicToCPUID [MaxAPICID + 1]uint32

func init() {
	for i := range apicToCPUID {
		atomic.StoreUint32(&apicToCPUID[i], math.MaxUint32)
	}
}

// InitPerCPU records the mapping from this Local APIC's own id to cpuID.
// It fails with an out-of-range error if the reported APIC id exceeds
// MaxAPICID.
func (l *LAPIC) InitPerCPU(cpuID uint32) error {
	apicID := l.ID()
	if apicID > MaxAPICID {
		return hvresult.New(hvresult.ERANGE, "lapic: apic id %d exceeds max %d", apicID, MaxAPICID)
	}

	atomic.StoreUint32(&apicToCPUID[apicID], cpuID)

	return nil
}

// CPUIDFor returns the CPU id recorded for apicID, or math.MaxUint32 if
// apicID has not entered yet or is out of range.
func CPUIDFor(apicID uint32) uint32 {
	if apicID > MaxAPICID {
		return math.MaxUint32
	}
	return atomic.LoadUint32(&apicToCPUID[apicID])
}

// Shutdown issues INIT (without a following STARTUP) to apicID, halting
// that core for the host OS to reclaim.
func (l *LAPIC) Shutdown(apicID uint32) {
	l.SendInit(apicID)
}
