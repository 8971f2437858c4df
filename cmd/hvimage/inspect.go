// x86-64 hypervisor bring-up core
// https://github.com/openhv/bringup
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package main

import (
	"fmt"

	"github.com/openhv/bringup/header"
	"github.com/openhv/bringup/sysconfig"
)

// inspect decodes an image prefix the same way the host driver would
// before placing it at HV_HEADER_PTR, and prints the header, the system
// config, and its root cell's memory-region tail.
func inspect(b []byte) error {
	hdr, err := header.Decode(b)
	if err != nil {
		return err
	}
	fmt.Println(hdr)
	if !hdr.Valid() {
		fmt.Printf("warning: signature mismatch, want %q\n", header.Signature)
	}

	rest := b[header.Size:]
	cfg, err := sysconfig.Decode(rest)
	if err != nil {
		return err
	}
	fmt.Println(cfg)
	if err := cfg.Check(); err != nil {
		fmt.Printf("warning: %v\n", err)
	}

	tail := rest[sysconfig.HeaderSize:]
	regions, err := cfg.RootCell.MemoryRegions(tail)
	if err != nil {
		return err
	}
	for i, r := range regions {
		fmt.Printf("  region[%d] = %s\n", i, r)
	}

	return nil
}
