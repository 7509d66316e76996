package vmm

import (
	"bytes"
	"strings"
	"testing"

	"github.com/VoltagedDebunked/kronosos/kernel"
	"github.com/VoltagedDebunked/kronosos/kernel/irq"
	"github.com/VoltagedDebunked/kronosos/kernel/kfmt/early"
	"github.com/VoltagedDebunked/kronosos/kernel/mem/pmm"
)

// sinkAdapter satisfies early.Sink (io.Writer + io.ByteWriter) over a
// bytes.Buffer.
type sinkAdapter struct {
	buf *bytes.Buffer
}

func (s *sinkAdapter) Write(p []byte) (int, error) { return s.buf.Write(p) }
func (s *sinkAdapter) WriteByte(b byte) error       { return s.buf.WriteByte(b) }

func captureSink(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	early.SetSink(&sinkAdapter{&buf})
	t.Cleanup(func() { early.SetSink(nil) })
	return &buf
}

func TestPageFaultHandlerAlwaysPanics(t *testing.T) {
	withFakeTables(t, 1)
	buf := captureSink(t)

	defer func(origReadCR2 func() uintptr, origPanic func(interface{}), origActivePDT func() uintptr) {
		readCR2Fn = origReadCR2
		panicFn = origPanic
		activePDTFn = origActivePDT
	}(readCR2Fn, panicFn, activePDTFn)

	activePDTFn = func() uintptr { return pmm.Frame(0).Address() }
	readCR2Fn = func() uintptr { return 0xbadc0ffee000 }

	panicked := false
	panicFn = func(e interface{}) { panicked = true }

	var frame irq.Frame
	var regs irq.Regs
	pageFaultHandler(0, &frame, &regs)

	if !panicked {
		t.Fatal("expected pageFaultHandler to call panicFn")
	}
	if got := buf.String(); !strings.Contains(got, "page fault") || !strings.Contains(got, "no mapping") {
		t.Fatalf("expected log to mention the fault and missing mapping; got %q", got)
	}
}

func TestPageFaultHandlerDecodesReason(t *testing.T) {
	withFakeTables(t, 1)

	defer func(origReadCR2 func() uintptr, origPanic func(interface{}), origActivePDT func() uintptr) {
		readCR2Fn = origReadCR2
		panicFn = origPanic
		activePDTFn = origActivePDT
	}(readCR2Fn, panicFn, activePDTFn)

	activePDTFn = func() uintptr { return pmm.Frame(0).Address() }
	readCR2Fn = func() uintptr { return 0x1000 }
	panicFn = func(interface{}) {}

	specs := []struct {
		errorCode uint64
		wantText  string
	}{
		{0, "read from non-present page"},
		{1, "page protection violation (read)"},
		{2, "write to non-present page"},
		{3, "page protection violation (write)"},
	}

	var frame irq.Frame
	var regs irq.Regs
	for _, spec := range specs {
		buf := captureSink(t)
		pageFaultHandler(spec.errorCode, &frame, &regs)
		if got := buf.String(); !strings.Contains(got, spec.wantText) {
			t.Errorf("errorCode %d: expected %q in output; got %q", spec.errorCode, spec.wantText, got)
		}
	}
}

func TestGeneralProtectionFaultHandlerAlwaysPanics(t *testing.T) {
	buf := captureSink(t)

	defer func(origPanic func(interface{})) {
		panicFn = origPanic
	}(panicFn)

	panicked := false
	panicFn = func(e interface{}) { panicked = true }

	var frame irq.Frame
	var regs irq.Regs
	generalProtectionFaultHandler(0x10, &frame, &regs)

	if !panicked {
		t.Fatal("expected generalProtectionFaultHandler to call panicFn")
	}
	if got := buf.String(); !strings.Contains(got, "general protection fault") {
		t.Fatalf("expected log to mention the fault; got %q", got)
	}
}

func TestInitRegistersHandlersAndProbesArenas(t *testing.T) {
	defer func(origActivePDT func() uintptr, origHandle func(irq.ExceptionNum, irq.ExceptionHandlerWithCode)) {
		activePDTFn = origActivePDT
		handleExceptionWithCodeFn = origHandle
	}(activePDTFn, handleExceptionWithCodeFn)

	activePDTFn = func() uintptr { return pmm.Frame(7).Address() }

	registered := map[irq.ExceptionNum]bool{}
	handleExceptionWithCodeFn = func(num irq.ExceptionNum, _ irq.ExceptionHandlerWithCode) {
		registered[num] = true
	}

	if err := Init(); err != nil {
		t.Fatalf("Init returned error: %v", err)
	}

	if !registered[irq.PageFaultException] || !registered[irq.GPFException] {
		t.Fatal("expected Init to register both #PF and #GP handlers")
	}

	if kernelPML4 != pmm.Frame(7) {
		t.Fatalf("expected kernelPML4 to be frame 7; got %v", kernelPML4)
	}

	if kernelArena.start != kernelArenaStart || kernelArena.end != kernelArenaEnd {
		t.Fatal("expected Init to reserve the kernel arena bounds")
	}
	if userArena.start != userArenaStart || userArena.end != userArenaEnd {
		t.Fatal("expected Init to reserve the user arena bounds")
	}
}

func TestSetFrameAllocatorOverridesDefault(t *testing.T) {
	defer func(orig FrameAllocatorFn) { frameAllocator = orig }(frameAllocator)

	called := false
	SetFrameAllocator(func() (pmm.Frame, *kernel.Error) {
		called = true
		return 0, nil
	})

	if _, err := frameAllocator(); err != nil {
		t.Fatal(err)
	}
	if !called {
		t.Fatal("expected SetFrameAllocator to replace frameAllocator")
	}
}
