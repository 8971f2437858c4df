// x86-64 hypervisor bring-up core
// https://github.com/openhv/bringup
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"

	"github.com/openhv/bringup/header"
	"github.com/openhv/bringup/sysconfig"
	"gopkg.in/yaml.v3"
)

// sourceRegion is the human-authored YAML form of a sysconfig.MemoryRegion.
type sourceRegion struct {
	Phys  uint64   `yaml:"phys"`
	Virt  uint64   `yaml:"virt"`
	Size  uint64   `yaml:"size"`
	Flags []string `yaml:"flags"`
}

func (r sourceRegion) encode() (sysconfig.MemoryRegion, error) {
	var flags uint64
	for _, f := range r.Flags {
		switch f {
		case "read":
			flags |= sysconfig.RegionRead
		case "write":
			flags |= sysconfig.RegionWrite
		case "execute":
			flags |= sysconfig.RegionExecute
		case "io":
			flags |= sysconfig.RegionIO
		default:
			return sysconfig.MemoryRegion{}, fmt.Errorf("hvimage: unknown region flag %q", f)
		}
	}

	return sysconfig.MemoryRegion{
		PhysStart: r.Phys,
		VirtStart: r.Virt,
		Size:      r.Size,
		Flags:     flags,
	}, nil
}

// sourceCell is the human-authored YAML form of the root cell descriptor
// plus its memory-region tail.
type sourceCell struct {
	Name          string         `yaml:"name"`
	ID            uint32         `yaml:"id"`
	MemoryRegions []sourceRegion `yaml:"memory_regions"`
}

// sourceImage is the top-level YAML schema cmd/hvimage builds a loadable
// image prefix from.
type sourceImage struct {
	CoreSize   uint64       `yaml:"core_size"`
	PerCPUSize uint64       `yaml:"percpu_size"`
	Entry      uint64       `yaml:"entry"`
	MaxCPUs    uint32       `yaml:"max_cpus"`
	RTCPUs     uint32       `yaml:"rt_cpus"`

	HypervisorMemory sourceRegion `yaml:"hypervisor_memory"`
	RTMemory         sourceRegion `yaml:"rt_memory"`
	RootCell         sourceCell   `yaml:"root_cell"`
}

func loadSource(path string) (*sourceImage, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("hvimage: read source: %w", err)
	}

	var src sourceImage
	if err := yaml.Unmarshal(b, &src); err != nil {
		return nil, fmt.Errorf("hvimage: parse source: %w", err)
	}

	return &src, nil
}

// build packs src into the wire-format image prefix: the header,
// immediately followed by the system config and its root cell's
// memory-region tail, matching the fixed layout the hypervisor core
// expects at HV_HEADER_PTR / HV_SYSCONFIG_PTR.
func build(src *sourceImage) ([]byte, error) {
	hdr := &header.Header{
		CoreSize:   src.CoreSize,
		PerCPUSize: src.PerCPUSize,
		Entry:      src.Entry,
		MaxCPUs:    src.MaxCPUs,
		RTCPUs:     src.RTCPUs,
	}
	copy(hdr.Signature[:], header.Signature)

	hvRegion, err := src.HypervisorMemory.encode()
	if err != nil {
		return nil, err
	}
	rtRegion, err := src.RTMemory.encode()
	if err != nil {
		return nil, err
	}

	regions := make([]sysconfig.MemoryRegion, len(src.RootCell.MemoryRegions))
	for i, r := range src.RootCell.MemoryRegions {
		region, err := r.encode()
		if err != nil {
			return nil, err
		}
		regions[i] = region
	}

	cell := sysconfig.CellDescriptor{
		ID:               src.RootCell.ID,
		NumMemoryRegions: uint32(len(regions)),
	}
	copy(cell.Signature[:], sysconfig.Signature)
	cell.Revision = sysconfig.Revision
	copy(cell.Name[:], src.RootCell.Name)

	cfg := &sysconfig.SystemConfig{
		HypervisorMemory: hvRegion,
		RTMemory:         rtRegion,
		RootCell:         cell,
	}
	copy(cfg.Signature[:], sysconfig.Signature)
	cfg.Revision = sysconfig.Revision

	out := append([]byte{}, hdr.Encode()...)
	out = append(out, cfg.Encode()...)
	for _, r := range regions {
		out = append(out, r.Encode()...)
	}

	return out, nil
}
