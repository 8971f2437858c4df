// x86-64 hypervisor bring-up core
// https://github.com/openhv/bringup
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package header reads and validates the fixed-layout image header that
// the host driver places at the start of every hypervisor core image: an
// 8-byte signature, the core and per-CPU sizes, the entry offset, and the
// CPU partition between VM and RT roles.
package header

import (
	"encoding/binary"
	"fmt"
	"unsafe"
)

// Signature is the fixed 8-byte ASCII tag every valid header must carry.
const Signature = "RVMIMAGE"

// Size is the packed, little-endian size of Header in bytes:
// signature[8] + core_size:u64 + percpu_size:u64 + entry:u64 + max_cpus:u32 + rt_cpus:u32.
const Size = 8 + 8 + 8 + 8 + 4 + 4

// Header is the process-image prefix read by the loader.
type Header struct {
	Signature  [8]byte
	CoreSize   uint64
	PerCPUSize uint64
	Entry      uint64
	MaxCPUs    uint32
	RTCPUs     uint32
}

// Ptr is the fixed virtual address (HV_HEADER_PTR) at which the host
// driver places the image header. It is a variable, rather than a
// constant, so host-side tooling and tests can point it at a simulated
// image instead of the real fixed mapping.
var Ptr uintptr = 0xffff_ffff_8000_0000

// Get returns the header at the fixed virtual address Ptr. It must only be
// called once the host driver has mapped the image there.
func Get() *Header {
	return (*Header)(unsafe.Pointer(Ptr))
}

// Decode parses a packed, little-endian header from a byte slice, as used
// by host-side tooling that never maps the image into its own address
// space.
func Decode(b []byte) (*Header, error) {
	if len(b) < Size {
		return nil, fmt.Errorf("header: short buffer: got %d bytes, need %d", len(b), Size)
	}

	h := &Header{}
	copy(h.Signature[:], b[0:8])
	h.CoreSize = binary.LittleEndian.Uint64(b[8:16])
	h.PerCPUSize = binary.LittleEndian.Uint64(b[16:24])
	h.Entry = binary.LittleEndian.Uint64(b[24:32])
	h.MaxCPUs = binary.LittleEndian.Uint32(b[32:36])
	h.RTCPUs = binary.LittleEndian.Uint32(b[36:40])

	return h, nil
}

// Encode packs the header into its little-endian wire representation.
func (h *Header) Encode() []byte {
	b := make([]byte, Size)
	copy(b[0:8], h.Signature[:])
	binary.LittleEndian.PutUint64(b[8:16], h.CoreSize)
	binary.LittleEndian.PutUint64(b[16:24], h.PerCPUSize)
	binary.LittleEndian.PutUint64(b[24:32], h.Entry)
	binary.LittleEndian.PutUint32(b[32:36], h.MaxCPUs)
	binary.LittleEndian.PutUint32(b[36:40], h.RTCPUs)
	return b
}

// Valid reports whether the header signature matches the expected tag.
func (h *Header) Valid() bool {
	return string(h.Signature[:]) == Signature
}

// VMCPUs returns the number of CPUs assigned to the VM (host-OS) role. If
// the header is malformed (rt_cpus >= max_cpus) every CPU is treated as a
// VM CPU and the caller is expected to log a warning; VMCPUs itself stays
// side-effect free so it can be called freely from tests and formatting
// code, the warning is emitted by the one caller that owns logging
// (bringup.primaryInitEarly).
func (h *Header) VMCPUs() uint32 {
	if h.RTCPUs >= h.MaxCPUs {
		return h.MaxCPUs
	}
	return h.MaxCPUs - h.RTCPUs
}

// Malformed reports whether rt_cpus >= max_cpus, the condition under which
// VMCPUs falls back to treating every CPU as a VM CPU.
func (h *Header) Malformed() bool {
	return h.RTCPUs >= h.MaxCPUs
}

// String renders the header for boot-log / diagnostic output.
func (h *Header) String() string {
	return fmt.Sprintf(
		"Header{signature=%q core_size=%#x percpu_size=%#x entry=%#x max_cpus=%d rt_cpus=%d vm_cpus=%d}",
		h.Signature[:], h.CoreSize, h.PerCPUSize, h.Entry, h.MaxCPUs, h.RTCPUs, h.VMCPUs(),
	)
}
