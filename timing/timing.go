// x86-64 hypervisor bring-up core
// https://github.com/openhv/bringup
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package timing calibrates the CPU's Time Stamp Counter frequency and
// provides TSC-based spin-wait primitives. There is no host-OS clock
// available this early in bring-up, so every timed wait — the
// INIT-SIPI-SIPI spacing in lapic and the AP-arrival timeout in
// trampoline — is implemented as a busy spin over a calibrated TSC
// delta, the same approach the teacher's amd64/timer.go uses to derive
// wall-clock time from the TSC on bare metal.
package timing

import (
	"runtime"
	"sync/atomic"
	"time"

	"github.com/openhv/bringup/bits"
	"github.com/openhv/bringup/internal/reg"
)

// Floor is the minimum core frequency this package will ever report.
// Under-counting the frequency would make every calibrated delay too
// short, so a failed or implausible calibration clamps up to Floor
// rather than down to whatever was measured.
const Floor uint64 = 4_000_000_000

// CPUID leaves used during calibration.
const (
	cpuidVendor   = 0x00
	vendorECXAMD  = 0x444d_4163 // ecx of CPUID leaf 0, "Authenti(cAMD)"
	cpuidTSCCCC   = 0x15
	cpuidCPUFreq  = 0x16
	cpuidAPM      = 0x8000_0007
	cpuidAMDProc  = 0x8000_0008
	cpuidKVMTSCHz = 0x4000_0010

	amdProcCPPC = 8 // P-state/CPPC reporting bit, analogous to the teacher's AMD_PROC_CPPC check
)

// MSRAMDPstate is AMD's current P-state definition MSR, used as the
// last hardware-derived calibration source before the floor default.
const MSRAMDPstate = 0xc001_0064

// ACPI PM Timer, used as a calibration source when CPUID reports
// nothing usable and the machine is not a KVM guest.
const (
	acpiPMTimerPort = 0xb008
	acpiPMFreq      = 3_579_545
)

// Pairing, when non-nil, returns two timestamps (wall-clock nanoseconds
// since an arbitrary epoch, paired TSC reading) suitable for frequency
// calibration by linear regression, mirroring the KVM clock pairing
// hypercall. It is nil by default (no paravirtualized clock available)
// and is a package var so a KVM-aware caller can wire one in.
var Pairing func() (nsec int64, tsc uint64)

func calibrateByPairing() uint64 {
	if Pairing == nil {
		return 0
	}

	nsecA, tscA := Pairing()
	nsecB, tscB := Pairing()

	den := uint64(nsecB - nsecA)
	if den == 0 {
		return 0
	}

	return (tscB - tscA) * 1_000_000_000 / den
}

func calibrateByACPIPMTimer() uint64 {
	const mask = 0xff_ffff
	loop := uint32(acpiPMFreq / 100)

	apmA := reg.In32(acpiPMTimerPort)
	if apmA & ^uint32(mask) != 0 {
		// not a valid ACPI PM timer port
		return 0
	}
	tscA := reg.ReadTSC()

	var apmB uint32
	var tscB uint64
	for {
		apmB = reg.In32(acpiPMTimerPort)
		if (apmB-apmA)&mask > loop {
			tscB = reg.ReadTSC()
			break
		}
	}

	den := (apmB - apmA) & mask
	if den == 0 {
		return 0
	}

	return uint64(tscB-tscA) / uint64(den) * acpiPMFreq
}

func calibrateByAMDPstate() uint64 {
	_, _, ecx, _ := reg.CPUID(cpuidVendor, 0)
	if ecx != vendorECXAMD {
		return 0
	}

	_, ebx, _, _ := reg.CPUID(cpuidAMDProc, 0)
	if !bits.Get(&ebx, amdProcCPPC) {
		return 0
	}

	pstate := uint32(reg.ReadMSR(MSRAMDPstate))

	num := float64(bits.GetN(&pstate, 0, 0xff)) * 25
	den := float64(bits.GetN(&pstate, 8, 0b111111)) / 8

	if num == 0 || den == 0 {
		return 0
	}

	return uint64(num/den) * 1_000_000
}

// DetectFrequency runs the calibration ladder: CPUID TSC/core-crystal
// ratio (leaf 0x15, falling back to leaf 0x16 for the nominal
// frequency), KVM's reported TSC kHz, KVM-clock pairing, the ACPI PM
// timer, and an AMD P-state MSR read, in that order; Floor if nothing
// produced a usable value. A non-zero result is never allowed below
// Floor.
func DetectFrequency() uint64 {
	var freq uint64

	if den, num, nominal, _ := reg.CPUID(cpuidTSCCCC, 0); den != 0 {
		if nominal == 0 {
			base, _, _, _ := reg.CPUID(cpuidCPUFreq, 0)
			nominal = uint32(uint64(base) * 1_000_000 * uint64(den) / uint64(num))
		}
		freq = uint64(num) * uint64(nominal) / uint64(den)
	}

	if freq == 0 {
		if khz, _, _, _ := reg.CPUID(cpuidKVMTSCHz, 0); khz != 0 {
			freq = uint64(khz) * 1000
		}
	}

	if freq == 0 {
		freq = calibrateByPairing()
	}

	if freq == 0 {
		freq = calibrateByACPIPMTimer()
	}

	if freq == 0 {
		freq = calibrateByAMDPstate()
	}

	if freq < Floor {
		freq = Floor
	}

	return freq
}

// Clock spins on the TSC, calibrated to a fixed frequency, to implement
// bounded and unbounded wall-clock waits where no OS timer is available.
type Clock struct {
	hz uint64
}

// New calibrates a Clock via DetectFrequency.
func New() *Clock {
	return &Clock{hz: DetectFrequency()}
}

// Hz returns the calibrated frequency.
func (c *Clock) Hz() uint64 { return c.hz }

// Now returns the current TSC value.
func (c *Clock) Now() uint64 { return reg.ReadTSC() }

func (c *Clock) cycles(d time.Duration) uint64 {
	return uint64(d.Seconds() * float64(c.hz))
}

// Spin busy-waits for d, in TSC cycles derived from the calibrated
// frequency. Used for the fixed INIT-SIPI-SIPI spacing (10ms, 200us),
// which is not sticky-failure-aware since it is always followed by
// another step in the same sequence.
func (c *Clock) Spin(d time.Duration) {
	deadline := c.Now() + c.cycles(d)
	for c.Now() < deadline {
		runtime.Gosched()
	}
}

// WaitCounterIncrease spin-waits, up to timeout, for the uint32 at ptr
// to move past baseline. It returns true if the counter increased
// before the deadline, false on timeout — a timeout here is not fatal
// to the caller, only this one wake attempt.
func (c *Clock) WaitCounterIncrease(ptr *uint32, baseline uint32, timeout time.Duration) bool {
	deadline := c.Now() + c.cycles(timeout)

	for atomic.LoadUint32(ptr) == baseline {
		if c.Now() >= deadline {
			return false
		}
		runtime.Gosched()
	}

	return true
}
