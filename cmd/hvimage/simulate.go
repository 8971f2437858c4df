// x86-64 hypervisor bring-up core
// https://github.com/openhv/bringup
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/openhv/bringup/header"
	"github.com/openhv/bringup/sysconfig"
	"golang.org/x/sys/unix"
)

// simulate maps an anonymous, mmap-backed buffer standing in for guest-
// physical memory, places the built image prefix at its start the way the
// host driver places it at HV_HEADER_PTR/HV_SYSCONFIG_PTR, and reports the
// bring-up plan the core would execute: VM/RT CPU counts, memory layout,
// and any config validation failures.
//
// It stops short of actually invoking VMCPUEntry/RTCPUEntry: those cross
// into IA32_GS_BASE and IA32_APIC_BASE MSR access, privileged
// instructions a hosted userspace process cannot issue. This command is
// the dry-run companion that exercises the wire format and the memory
// layout around that boundary; it does not build or wire the bring-up
// Dependencies. This is the same role the teacher's qemu package plays
// relative to actual hardware.
func simulate(src *sourceImage) error {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	image, err := build(src)
	if err != nil {
		return fmt.Errorf("simulate: %w", err)
	}

	size := len(image)
	if size < unix.Getpagesize() {
		size = unix.Getpagesize()
	}

	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return fmt.Errorf("simulate: mmap guest memory: %w", err)
	}
	defer unix.Munmap(mem)

	copy(mem, image)

	hdr, err := header.Decode(mem)
	if err != nil {
		return fmt.Errorf("simulate: decode header: %w", err)
	}
	log.Info("image header", "header", hdr.String())

	cfg, err := sysconfig.Decode(mem[header.Size:])
	if err != nil {
		return fmt.Errorf("simulate: decode config: %w", err)
	}
	if err := cfg.Check(); err != nil {
		log.Error("config validation failed", "err", err)
		return err
	}

	vmCPUs := hdr.VMCPUs()
	rtCPUs := hdr.MaxCPUs - vmCPUs

	if hdr.Malformed() {
		log.Warn("rt_cpus >= max_cpus, treating every cpu as a vm cpu")
	}

	log.Info("bring-up plan",
		"guest_memory_bytes", size,
		"max_cpus", hdr.MaxCPUs,
		"vm_cpus", vmCPUs,
		"rt_cpus", rtCPUs,
		"entry", fmt.Sprintf("%#x", hdr.Entry),
		"hypervisor_memory", cfg.HypervisorMemory.String(),
		"rt_memory", cfg.RTMemory.String(),
		"root_cell", cfg.RootCell.String(),
	)

	return nil
}
