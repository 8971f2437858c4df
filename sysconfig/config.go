// x86-64 hypervisor bring-up core
// https://github.com/openhv/bringup
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package sysconfig reads and validates the system configuration blob: a
// packed, little-endian descriptor naming the hypervisor's own memory
// region, the RT workload's memory region, and the root cell (the host-OS
// VM), followed by a variable-length tail of memory-region records
// belonging to the root cell.
//
// The layout is shared verbatim with the host driver, so every field is
// decoded by explicit offset rather than through a Go struct overlay: the
// tail is only self-describing once the fixed prefix has been parsed, and
// nothing here may assume natural alignment of the trailing records.
package sysconfig

import (
	"encoding/binary"
	"fmt"
	"strings"
	"unsafe"
)

// Signature is the fixed 6-byte ASCII tag every valid system config must
// carry.
const Signature = "RVMSYS"

// Revision is the single compile-time revision the core accepts. A
// mismatch here means the host driver and the core disagree on the wire
// layout and nothing below this point can be trusted.
const Revision = 13

// Region flag bits.
const (
	RegionRead = 1 << iota
	RegionWrite
	RegionExecute
	RegionIO
)

// MemoryRegionSize is the packed size of a MemoryRegion record:
// phys_start:u64 | virt_start:u64 | size:u64 | flags:u64.
const MemoryRegionSize = 8 + 8 + 8 + 8

// MemoryRegion describes one physically and virtually mapped memory
// range, tagged with its access permissions.
type MemoryRegion struct {
	PhysStart uint64
	VirtStart uint64
	Size      uint64
	Flags     uint64
}

// DecodeMemoryRegion parses one packed MemoryRegion record. It uses
// explicit byte offsets rather than an overlay cast because the tail
// array in the wire config is not guaranteed to be naturally aligned.
func DecodeMemoryRegion(b []byte) (MemoryRegion, error) {
	if len(b) < MemoryRegionSize {
		return MemoryRegion{}, fmt.Errorf("sysconfig: short memory region: got %d bytes, need %d", len(b), MemoryRegionSize)
	}

	return MemoryRegion{
		PhysStart: binary.LittleEndian.Uint64(b[0:8]),
		VirtStart: binary.LittleEndian.Uint64(b[8:16]),
		Size:      binary.LittleEndian.Uint64(b[16:24]),
		Flags:     binary.LittleEndian.Uint64(b[24:32]),
	}, nil
}

// Encode packs the memory region into its little-endian wire
// representation.
func (r MemoryRegion) Encode() []byte {
	b := make([]byte, MemoryRegionSize)
	binary.LittleEndian.PutUint64(b[0:8], r.PhysStart)
	binary.LittleEndian.PutUint64(b[8:16], r.VirtStart)
	binary.LittleEndian.PutUint64(b[16:24], r.Size)
	binary.LittleEndian.PutUint64(b[24:32], r.Flags)
	return b
}

// Readable, Writable, Executable and IO report the corresponding
// permission bit, mirroring the named-predicate ergonomics of the
// original system's bitflags type without pulling in a bitflags
// dependency nothing else in this tree needs.
func (r MemoryRegion) Readable() bool   { return r.Flags&RegionRead != 0 }
func (r MemoryRegion) Writable() bool   { return r.Flags&RegionWrite != 0 }
func (r MemoryRegion) Executable() bool { return r.Flags&RegionExecute != 0 }
func (r MemoryRegion) IO() bool         { return r.Flags&RegionIO != 0 }

func (r MemoryRegion) String() string {
	var perms strings.Builder
	for _, p := range []struct {
		set bool
		c   byte
	}{{r.Readable(), 'r'}, {r.Writable(), 'w'}, {r.Executable(), 'x'}, {r.IO(), 'i'}} {
		if p.set {
			perms.WriteByte(p.c)
		} else {
			perms.WriteByte('-')
		}
	}
	return fmt.Sprintf("MemoryRegion{phys=%#x virt=%#x size=%#x flags=%s}", r.PhysStart, r.VirtStart, r.Size, perms.String())
}

// CellNameLen is the length of the NUL-padded cell name field.
const CellNameLen = 32

// CellDescriptorSize is the packed size of a CellDescriptor:
// signature[6] | revision:u16 | name[32] | id:u32 | num_memory_regions:u32.
const CellDescriptorSize = 6 + 2 + CellNameLen + 4 + 4

// CellDescriptor names a collection of physical memory regions assigned
// to one guest. The root cell descriptor hosts the host OS.
type CellDescriptor struct {
	Signature         [6]byte
	Revision          uint16
	Name              [CellNameLen]byte
	ID                uint32
	NumMemoryRegions  uint32
}

// DecodeCellDescriptor parses a packed CellDescriptor record.
func DecodeCellDescriptor(b []byte) (CellDescriptor, error) {
	if len(b) < CellDescriptorSize {
		return CellDescriptor{}, fmt.Errorf("sysconfig: short cell descriptor: got %d bytes, need %d", len(b), CellDescriptorSize)
	}

	var c CellDescriptor
	copy(c.Signature[:], b[0:6])
	c.Revision = binary.LittleEndian.Uint16(b[6:8])
	copy(c.Name[:], b[8:8+CellNameLen])
	off := 8 + CellNameLen
	c.ID = binary.LittleEndian.Uint32(b[off : off+4])
	c.NumMemoryRegions = binary.LittleEndian.Uint32(b[off+4 : off+8])

	return c, nil
}

// Encode packs the cell descriptor into its little-endian wire
// representation.
func (c CellDescriptor) Encode() []byte {
	b := make([]byte, CellDescriptorSize)
	copy(b[0:6], c.Signature[:])
	binary.LittleEndian.PutUint16(b[6:8], c.Revision)
	copy(b[8:8+CellNameLen], c.Name[:])
	off := 8 + CellNameLen
	binary.LittleEndian.PutUint32(b[off:off+4], c.ID)
	binary.LittleEndian.PutUint32(b[off+4:off+8], c.NumMemoryRegions)
	return b
}

// NameString returns the cell name trimmed of its NUL padding.
func (c CellDescriptor) NameString() string {
	n := strings.IndexByte(string(c.Name[:]), 0)
	if n < 0 {
		n = len(c.Name)
	}
	return string(c.Name[:n])
}

// ConfigSize returns the byte length of this cell's memory-region tail.
func (c CellDescriptor) ConfigSize() int {
	return int(c.NumMemoryRegions) * MemoryRegionSize
}

// MemoryRegions decodes the cell's trailing memory-region array out of
// tail, which must hold at least ConfigSize() bytes starting at the cell
// descriptor's own end. The caller must tolerate unaligned reads: tail is
// sliced straight out of the in-memory config image.
func (c CellDescriptor) MemoryRegions(tail []byte) ([]MemoryRegion, error) {
	need := c.ConfigSize()
	if len(tail) < need {
		return nil, fmt.Errorf("sysconfig: short memory region tail: got %d bytes, need %d", len(tail), need)
	}

	regions := make([]MemoryRegion, c.NumMemoryRegions)
	for i := range regions {
		r, err := DecodeMemoryRegion(tail[i*MemoryRegionSize:])
		if err != nil {
			return nil, err
		}
		regions[i] = r
	}

	return regions, nil
}

func (c CellDescriptor) String() string {
	return fmt.Sprintf("CellDescriptor{name=%q id=%d num_memory_regions=%d}", c.NameString(), c.ID, c.NumMemoryRegions)
}

// HeaderSize is the packed size of the fixed SystemConfig prefix, not
// including the root cell's memory-region tail:
// signature[6] | revision:u16 | hv_region | rt_region | root_cell.
const HeaderSize = 6 + 2 + MemoryRegionSize + MemoryRegionSize + CellDescriptorSize

// SystemConfig is the fixed prefix of the system configuration blob. The
// root cell's memory-region tail is decoded separately via
// SystemConfig.RootCell.MemoryRegions, since its length depends on a field
// inside the prefix itself.
type SystemConfig struct {
	Signature          [6]byte
	Revision           uint16
	HypervisorMemory   MemoryRegion
	RTMemory           MemoryRegion
	RootCell           CellDescriptor
}

// Decode parses the fixed-size SystemConfig prefix from b. The caller is
// responsible for slicing the remaining num_memory_regions records (see
// CellDescriptor.MemoryRegions) out of whatever follows in the image.
func Decode(b []byte) (*SystemConfig, error) {
	if len(b) < HeaderSize {
		return nil, fmt.Errorf("sysconfig: short buffer: got %d bytes, need %d", len(b), HeaderSize)
	}

	c := &SystemConfig{}
	copy(c.Signature[:], b[0:6])
	c.Revision = binary.LittleEndian.Uint16(b[6:8])

	off := 8
	hv, err := DecodeMemoryRegion(b[off:])
	if err != nil {
		return nil, err
	}
	c.HypervisorMemory = hv
	off += MemoryRegionSize

	rt, err := DecodeMemoryRegion(b[off:])
	if err != nil {
		return nil, err
	}
	c.RTMemory = rt
	off += MemoryRegionSize

	cell, err := DecodeCellDescriptor(b[off:])
	if err != nil {
		return nil, err
	}
	c.RootCell = cell

	return c, nil
}

// Encode packs the fixed SystemConfig prefix into its little-endian wire
// representation. The caller must append the root cell's memory-region
// tail separately.
func (c *SystemConfig) Encode() []byte {
	b := make([]byte, 0, HeaderSize)
	b = append(b, c.Signature[:]...)

	rev := make([]byte, 2)
	binary.LittleEndian.PutUint16(rev, c.Revision)
	b = append(b, rev...)

	b = append(b, c.HypervisorMemory.Encode()...)
	b = append(b, c.RTMemory.Encode()...)
	b = append(b, c.RootCell.Encode()...)

	return b
}

// Size returns the total byte length of this config including the root
// cell's memory-region tail.
func (c *SystemConfig) Size() int {
	return HeaderSize + c.RootCell.ConfigSize()
}

// Check validates the config signature and revision against the
// compile-time constants the core and the host driver must agree on.
func (c *SystemConfig) Check() error {
	if string(c.Signature[:]) != Signature {
		return fmt.Errorf("sysconfig: signature mismatch: got %q, want %q", c.Signature[:], Signature)
	}
	if c.Revision != Revision {
		return fmt.Errorf("sysconfig: revision mismatch: got %d, want %d", c.Revision, Revision)
	}
	return nil
}

// Ptr is the fixed virtual address (HV_SYSCONFIG_PTR) at which the host
// driver places the system config blob, immediately following the image
// header. Like header.Ptr, it is a variable rather than a constant so
// host-side tooling and tests can point it at a simulated image instead
// of the real fixed mapping.
var Ptr uintptr = 0xffff_ffff_8000_0028

// Get reads the SystemConfig prefix and the root cell's memory-region
// tail directly out of the fixed virtual address Ptr. It must only be
// called once the host driver has mapped the config there.
func Get() (*SystemConfig, []MemoryRegion, error) {
	prefix := unsafe.Slice((*byte)(unsafe.Pointer(Ptr)), HeaderSize)

	c, err := Decode(prefix)
	if err != nil {
		return nil, nil, err
	}

	tail := unsafe.Slice((*byte)(unsafe.Pointer(Ptr+uintptr(HeaderSize))), c.RootCell.ConfigSize())

	regions, err := c.RootCell.MemoryRegions(tail)
	if err != nil {
		return nil, nil, err
	}

	return c, regions, nil
}

func (c *SystemConfig) String() string {
	return fmt.Sprintf(
		"SystemConfig{signature=%q revision=%d hv=%s rt=%s root_cell=%s}",
		c.Signature[:], c.Revision, c.HypervisorMemory, c.RTMemory, c.RootCell,
	)
}
