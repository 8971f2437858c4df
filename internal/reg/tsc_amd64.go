// x86-64 hypervisor bring-up core
// https://github.com/openhv/bringup
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package reg

// ReadTSC returns the Time Stamp Counter through the RDTSCP instruction.
// RDTSCP (rather than plain RDTSC) is used because it serializes against
// preceding instructions, which matters when timing the gap between two
// IPI sends during INIT-SIPI-SIPI.
//
// defined in tsc_amd64.s
func ReadTSC() (tsc uint64)

// CPUID returns the four output registers of the CPUID instruction for the
// given leaf/subleaf pair.
//
// defined in tsc_amd64.s
func CPUID(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)
