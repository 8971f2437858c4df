// x86-64 hypervisor bring-up core
// https://github.com/openhv/bringup
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package reg

// ReadMSR and WriteMSR access a Model Specific Register through the RDMSR
// and WRMSR instructions.
//
// defined in msr_amd64.s
func ReadMSR(addr uint32) (val uint64)
func WriteMSR(addr uint32, val uint64)
