// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux && amd64

package inferior

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"deet/internal/addrmap"
	"deet/internal/arch"
	"deet/internal/breakpoint"
)

const helloSource = `
#include <stdio.h>

int greet(void) {
    int n = 0;
    n = n + 1;
    printf("hello %d\n", n);
    return n;
}

int main(void) {
    greet();
    return 0;
}
`

func buildHello(t *testing.T) (bin string, bundle *addrmap.Bundle) {
	t.Helper()
	cc, err := exec.LookPath("cc")
	if err != nil {
		t.Skip("no C compiler available")
	}

	dir := t.TempDir()
	src := filepath.Join(dir, "hello.c")
	if err := os.WriteFile(src, []byte(helloSource), 0o644); err != nil {
		t.Fatalf("writing source: %v", err)
	}
	bin = filepath.Join(dir, "hello")

	cmd := exec.Command(cc, "-g", "-O0", "-fno-omit-frame-pointer", "-static", "-o", bin, src)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Skipf("building test binary: %v\n%s", err, out)
	}

	bundle, err = addrmap.Load(bin)
	if err != nil {
		t.Fatalf("addrmap.Load: %v", err)
	}
	return bin, bundle
}

// TestSpawnBreakContinueKill exercises breakpoint idempotence end to
// end: spawn with a breakpoint on greet already registered, cross it
// once via ContinueRun, and confirm the inferior runs to completion
// afterward with the registry's saved byte untouched.
func TestSpawnBreakContinueKill(t *testing.T) {
	bin, bundle := buildHello(t)

	addr64, ok := bundle.FunctionToAddr("", "greet")
	if !ok {
		t.Fatal("greet not found in compiled binary")
	}
	addr := uintptr(addr64)

	breakpoints := breakpoint.NewRegistry()
	breakpoints.Insert(addr, breakpoint.Unpatched)
	stepPoints := breakpoint.NewRegistry()

	in, err := Spawn(bin, nil, breakpoints)
	if err != nil {
		t.Skipf("spawning traced child (ptrace may be unavailable in this environment): %v", err)
	}
	defer func() {
		if !in.Dead() {
			in.Kill()
		}
	}()

	savedByte, ok := breakpoints.Lookup(addr)
	if !ok {
		t.Fatal("breakpoint entry missing after spawn")
	}

	st, err := in.ContinueRun(nil, breakpoints, stepPoints)
	if err != nil {
		t.Fatalf("ContinueRun to breakpoint: %v", err)
	}
	if st.Kind() != KindStopped {
		t.Fatalf("status after first continue = %v, want Stopped", st)
	}
	if st.IP() != addr+arch.BreakpointSize {
		t.Fatalf("ip at breakpoint stop = %#x, want %#x", st.IP(), addr+arch.BreakpointSize)
	}

	stillSaved, ok := breakpoints.Lookup(addr)
	if !ok || stillSaved != savedByte {
		t.Fatalf("saved byte changed across the stop: got %#x, want %#x", stillSaved, savedByte)
	}

	st, err = in.ContinueRun(nil, breakpoints, stepPoints)
	if err != nil {
		t.Fatalf("ContinueRun to exit: %v", err)
	}
	if st.Kind() != KindExited {
		t.Fatalf("status after second continue = %v, want Exited", st)
	}

	finalSaved, ok := breakpoints.Lookup(addr)
	if !ok || finalSaved != savedByte {
		t.Fatalf("saved byte after full traversal: got %#x, want %#x (property 3)", finalSaved, savedByte)
	}
}

// TestStepOverAdvancesAndConsumesPendingPoint stops at greet's entry
// breakpoint, steps to the next source line, and confirms the
// ephemeral step point that move installed is consumed (restored and
// removed, not left armed) the next time the inferior is resumed.
func TestStepOverAdvancesAndConsumesPendingPoint(t *testing.T) {
	bin, bundle := buildHello(t)

	addr64, ok := bundle.FunctionToAddr("", "greet")
	if !ok {
		t.Fatal("greet not found in compiled binary")
	}
	addr := uintptr(addr64)

	breakpoints := breakpoint.NewRegistry()
	breakpoints.Insert(addr, breakpoint.Unpatched)
	stepPoints := breakpoint.NewRegistry()

	in, err := Spawn(bin, nil, breakpoints)
	if err != nil {
		t.Skipf("spawning traced child (ptrace may be unavailable in this environment): %v", err)
	}
	defer func() {
		if !in.Dead() {
			in.Kill()
		}
	}()

	st, err := in.ContinueRun(nil, breakpoints, stepPoints)
	if err != nil {
		t.Fatalf("ContinueRun to breakpoint: %v", err)
	}
	if st.Kind() != KindStopped {
		t.Fatalf("status at breakpoint = %v, want Stopped", st)
	}

	line, ok := bundle.AddrToLine(uint64(st.IP()))
	if !ok {
		t.Fatal("no line info at the breakpoint stop")
	}
	wantAddr, ok := bundle.LineToAddr(line.File, line.Num+1)
	if !ok {
		t.Fatal("no next line to step to")
	}

	st, err = in.StepOver(breakpoints, stepPoints, bundle)
	if err != nil {
		t.Fatalf("StepOver: %v", err)
	}
	if st.Kind() != KindStopped {
		t.Fatalf("status after step = %v, want Stopped", st)
	}
	if st.IP() != uintptr(wantAddr)+arch.BreakpointSize {
		t.Fatalf("ip after step = %#x, want %#x", st.IP(), uintptr(wantAddr)+arch.BreakpointSize)
	}
	if _, ok := stepPoints.Lookup(uintptr(wantAddr)); !ok {
		t.Fatal("pending step point missing immediately after the step that installed it")
	}

	if _, err := in.ContinueRun(nil, breakpoints, stepPoints); err != nil {
		t.Fatalf("ContinueRun after step: %v", err)
	}
	if stepPoints.Len() != 0 {
		t.Fatalf("pending step registry not drained after crossing it: %d entries remain", stepPoints.Len())
	}
}

// TestBacktraceFromInsideGreet stops at a breakpoint on a statement
// inside greet's body (past its prologue, so its frame pointer is set
// up) and checks the walk reports greet as the innermost frame and
// terminates at main.
func TestBacktraceFromInsideGreet(t *testing.T) {
	bin, bundle := buildHello(t)

	// Line 6 of helloSource is "n = n + 1;", inside greet's body and
	// past its prologue.
	bodyAddr64, ok := bundle.LineToAddr("", 6)
	if !ok {
		t.Fatal("no address for a statement inside greet's body")
	}
	bodyAddr := uintptr(bodyAddr64)

	breakpoints := breakpoint.NewRegistry()
	breakpoints.Insert(bodyAddr, breakpoint.Unpatched)
	stepPoints := breakpoint.NewRegistry()

	in, err := Spawn(bin, nil, breakpoints)
	if err != nil {
		t.Skipf("spawning traced child (ptrace may be unavailable in this environment): %v", err)
	}
	defer func() {
		if !in.Dead() {
			in.Kill()
		}
	}()

	st, err := in.ContinueRun(nil, breakpoints, stepPoints)
	if err != nil {
		t.Fatalf("ContinueRun to breakpoint: %v", err)
	}
	if st.Kind() != KindStopped {
		t.Fatalf("status at breakpoint = %v, want Stopped", st)
	}

	frames, err := in.Backtrace(bundle)
	if err != nil {
		t.Fatalf("Backtrace: %v", err)
	}
	if len(frames) < 2 {
		t.Fatalf("got %d frames, want at least greet and main", len(frames))
	}
	if frames[0].Function != "greet" {
		t.Fatalf("innermost frame = %q, want greet", frames[0].Function)
	}
	if last := frames[len(frames)-1]; last.Function != "main" {
		t.Fatalf("outermost frame = %q, want main (walk should terminate there)", last.Function)
	}
}
