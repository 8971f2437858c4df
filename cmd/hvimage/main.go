// x86-64 hypervisor bring-up core
// https://github.com/openhv/bringup
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Command hvimage is the host-driver-side companion to the hypervisor
// bring-up core: it packs a human-authored YAML system description into
// the core's wire-format image prefix, inspects an existing one, and
// places a built image in an in-process "physical memory" buffer to
// report the bring-up plan. The simulation is a dry run: it does not
// invoke the CPU entry points.
package main

import (
	"flag"
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "build":
		err = runBuild(os.Args[2:])
	case "inspect":
		err = runInspect(os.Args[2:])
	case "simulate":
		err = runSimulate(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "hvimage: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s <build|inspect|simulate> [flags]\n", os.Args[0])
}

func runBuild(args []string) error {
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	source := fs.String("source", "", "YAML system description")
	out := fs.String("out", "", "output image file")
	fs.Parse(args)

	if *source == "" || *out == "" {
		return fmt.Errorf("build: -source and -out are required")
	}

	src, err := loadSource(*source)
	if err != nil {
		return err
	}

	image, err := build(src)
	if err != nil {
		return err
	}

	if err := os.WriteFile(*out, image, 0o644); err != nil {
		return fmt.Errorf("hvimage: write %s: %w", *out, err)
	}

	fmt.Printf("wrote %d bytes to %s\n", len(image), *out)
	return nil
}

func runInspect(args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	path := fs.String("image", "", "image file to inspect")
	fs.Parse(args)

	if *path == "" {
		return fmt.Errorf("inspect: -image is required")
	}

	b, err := os.ReadFile(*path)
	if err != nil {
		return fmt.Errorf("hvimage: read %s: %w", *path, err)
	}

	return inspect(b)
}

func runSimulate(args []string) error {
	fs := flag.NewFlagSet("simulate", flag.ExitOnError)
	source := fs.String("source", "", "YAML system description")
	fs.Parse(args)

	if *source == "" {
		return fmt.Errorf("simulate: -source is required")
	}

	src, err := loadSource(*source)
	if err != nil {
		return err
	}

	return simulate(src)
}
