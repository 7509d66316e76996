package main

import "github.com/VoltagedDebunked/kronosos/kernel/kmain"

var multibootInfoPtr uintptr

// main is not the boot entry point: the rt0 trampoline calls kmain.Kmain
// directly. main only makes a call to Kmain so that the Go compiler keeps
// the real kernel code instead of optimizing it away.
//
// A global variable is passed as an argument to Kmain to prevent the
// compiler from inlining the call and dropping Kmain from the generated
// object file.
func main() {
	kmain.Kmain(multibootInfoPtr, 0, 0)
}
