// x86-64 hypervisor bring-up core
// https://github.com/openhv/bringup
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package reg

import "unsafe"

// Write16 writes a 16-bit value. Unlike Write and Write64, the write is
// not atomic.
func Write16(addr uintptr, val uint16) {
	reg := (*uint16)(unsafe.Pointer(addr))
	*reg = val
}

// Read16 reads a 16-bit value.
func Read16(addr uintptr) uint16 {
	reg := (*uint16)(unsafe.Pointer(addr))
	return *reg
}
