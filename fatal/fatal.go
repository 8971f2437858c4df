// x86-64 hypervisor bring-up core
// https://github.com/openhv/bringup
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package fatal implements the bring-up core's terminal behavior: an
// unhandled-fault handler that dumps the current per-CPU block before
// halting the core, and a bare out-of-memory handler. There is no host
// OS above this layer to return to, so both paths end in an infinite
// spin rather than a Go panic unwind.
package fatal

import "runtime"

// CurrentCPU is set by package percpu during its own init, so this
// package can describe the faulting CPU without importing percpu and
// creating a cycle (percpu imports this package to install the hook).
var CurrentCPU func() string

var isThrowing bool

// Throw reports an unhandled exception at pc, in the teacher's
// vector/site-reporting style, then halts. Re-entrant faults (a fault
// while already throwing) skip straight to Halt to avoid recursing.
func Throw(pc uintptr) {
	if isThrowing {
		Halt()
	}
	isThrowing = true

	fn := runtime.FuncForPC(pc)
	file, line := fn.FileLine(pc)

	print("fatal: unhandled exception at ", file, ":", line, "\n")

	if CurrentCPU != nil {
		print("fatal: current cpu: ", CurrentCPU(), "\n")
	}

	Halt()
}

// OOM reports a failed allocation and halts. Grounded on the original
// system's bare `panic!("out of memory")` out-of-memory handler: there is
// no recovery path, only a clean terminal report before the spin.
func OOM() {
	print("fatal: out of memory\n")

	if CurrentCPU != nil {
		print("fatal: current cpu: ", CurrentCPU(), "\n")
	}

	Halt()
}

// Halt spins forever. It is the terminal state of every unrecoverable
// fault: there is no supervisor above this layer to kill the process.
func Halt() {
	for {
		runtime.Gosched()
	}
}
