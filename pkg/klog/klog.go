// Package klog prints kernel diagnostics. No repository in the retrieval
// pack pulls in a structured-logging dependency for kernel-side output —
// biscuit, xv6-in-go and gopher-os all print straight to the console with
// fmt/cprintf-style calls — so this stays a thin fmt.Fprintf wrapper rather
// than reaching for an unattested logging library.
package klog

import (
	"fmt"
	"io"
	"os"
)

// Out is the destination for kernel diagnostics; tests may redirect it.
var Out io.Writer = os.Stderr

func Segv(pid int, va uintptr) {
	fmt.Fprintf(Out, "pid %d: Segmentation Fault (va %#x)\n", pid, va)
}

func Fault(pid int, va uintptr, kind string) {
	fmt.Fprintf(Out, "pid %d: page fault at %#x (%s)\n", pid, va, kind)
}

func Reap(pid int, freed int) {
	fmt.Fprintf(Out, "pid %d: teardown freed %d frame(s)\n", pid, freed)
}

func Printf(format string, args ...any) {
	fmt.Fprintf(Out, format, args...)
}
