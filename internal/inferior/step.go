// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package inferior

import (
	"fmt"

	"golang.org/x/sys/unix"

	"deet/internal/addrmap"
	"deet/internal/arch"
	"deet/internal/breakpoint"
)

// Wait blocks until the child's status changes and translates the raw
// wait status into a Status. Any wait status this codebase doesn't
// recognize is a precondition violation — deet supports a single
// threaded, non-forking traced child only — and is fatal.
func (in *Inferior) Wait() (Status, error) {
	ws, err := in.waitRaw()
	if err != nil {
		in.markDead()
		return Status{}, fmt.Errorf("inferior: wait: %w", err)
	}
	switch {
	case ws.Exited():
		in.markDead()
		return Exited(ws.ExitStatus()), nil
	case ws.Signaled():
		in.markDead()
		return Signaled(ws.Signal()), nil
	case ws.Stopped():
		var regs unix.PtraceRegs
		if err := in.ptraceGetRegs(&regs); err != nil {
			in.markDead()
			return Status{}, fmt.Errorf("inferior: reading registers after stop: %w", err)
		}
		return Stopped(ws.StopSignal(), uintptr(regs.Rip)), nil
	default:
		panic(fmt.Sprintf("inferior: unexpected wait status: %v", ws))
	}
}

// restoreReArm performs the restore-rewind-step[-rearm] dance required
// whenever the child is stopped one byte past a trap it just executed:
// restore the original instruction, rewind rip, single-step over it,
// and (only when rearm is true) write the trap back. It must run before
// any further continue/step, or the child will re-execute garbage.
//
// Order matters: restore, then rewind, then step, then re-arm. Skipping
// the re-arm leaves the breakpoint permanently disabled; skipping the
// rewind skips the real instruction; re-arming before the step traps
// immediately.
func (in *Inferior) restoreReArm(addr uintptr, origInstr byte, rearm bool) (Status, bool, error) {
	if _, err := in.WriteByte(addr, origInstr); err != nil {
		return Status{}, false, fmt.Errorf("inferior: restoring original byte at %#x: %w", addr, err)
	}

	var regs unix.PtraceRegs
	if err := in.ptraceGetRegs(&regs); err != nil {
		return Status{}, false, fmt.Errorf("inferior: reading registers to rewind: %w", err)
	}
	regs.Rip = uint64(addr)
	if err := in.ptraceSetRegs(&regs); err != nil {
		return Status{}, false, fmt.Errorf("inferior: rewinding rip: %w", err)
	}

	if err := in.ptraceSingleStep(); err != nil {
		return Status{}, false, fmt.Errorf("inferior: single-stepping over breakpoint: %w", err)
	}
	st, err := in.Wait()
	if err != nil {
		return Status{}, false, err
	}
	if st.Kind() != KindStopped {
		// Child exited or was signaled while stepping over the trapped
		// instruction; the caller must surface this status immediately.
		return st, true, nil
	}

	if rearm {
		if _, err := in.WriteByte(addr, arch.BreakpointInstr); err != nil {
			return Status{}, false, fmt.Errorf("inferior: re-arming breakpoint at %#x: %w", addr, err)
		}
	}
	return Status{}, false, nil
}

// consumeTrapAtCurrentIP checks whether the child is stopped one byte
// past a known trap (user breakpoint or pending step point) and, if so,
// performs the restore-rewind-step-rearm dance. User breakpoints are
// re-armed; pending-step points are single-use and are removed from
// pendingSteps instead. Returns (status, true, err) if the dance ended
// the child's life early and the caller should return that status
// as-is.
func (in *Inferior) consumeTrapAtCurrentIP(breakpoints, pendingSteps *breakpoint.Registry) (Status, bool, error) {
	var regs unix.PtraceRegs
	if err := in.ptraceGetRegs(&regs); err != nil {
		return Status{}, false, fmt.Errorf("inferior: reading registers: %w", err)
	}
	rip := uintptr(regs.Rip)
	trapAddr := rip - arch.BreakpointSize

	if orig, ok := breakpoints.Lookup(trapAddr); ok {
		return in.restoreReArm(trapAddr, orig, true)
	}
	if orig, ok := pendingSteps.Lookup(trapAddr); ok {
		st, early, err := in.restoreReArm(trapAddr, orig, false)
		pendingSteps.Delete(trapAddr)
		return st, early, err
	}
	return Status{}, false, nil
}

// ContinueRun resumes the child, correctly crossing a just-hit
// breakpoint if the child is currently stopped one byte past one, then
// resumes normal execution and waits for the next stop or exit.
func (in *Inferior) ContinueRun(signal *unix.Signal, breakpoints, pendingSteps *breakpoint.Registry) (Status, error) {
	st, early, err := in.consumeTrapAtCurrentIP(breakpoints, pendingSteps)
	if err != nil {
		return Status{}, err
	}
	if early {
		return st, nil
	}

	sig := 0
	if signal != nil {
		sig = int(*signal)
	}
	if err := in.ptraceCont(sig); err != nil {
		return Status{}, fmt.Errorf("inferior: continuing: %w", err)
	}
	return in.Wait()
}

// StepOver resumes the child until it reaches the first instruction of
// a source line after the one it is currently stopped in. If the
// current ip has no known line (e.g. inside a library), this degrades
// to a plain continue.
func (in *Inferior) StepOver(breakpoints, pendingSteps *breakpoint.Registry, mapper *addrmap.Bundle) (Status, error) {
	var regs unix.PtraceRegs
	if err := in.ptraceGetRegs(&regs); err != nil {
		return Status{}, fmt.Errorf("inferior: reading registers: %w", err)
	}
	rip := uintptr(regs.Rip)

	line, haveLine := mapper.AddrToLine(uint64(rip))

	st, early, err := in.consumeTrapAtCurrentIP(breakpoints, pendingSteps)
	if err != nil {
		return Status{}, err
	}
	if early {
		return st, nil
	}

	if haveLine {
		if nextAddr, ok := mapper.LineToAddr(line.File, line.Num+1); ok {
			orig, err := in.WriteByte(uintptr(nextAddr), arch.BreakpointInstr)
			if err != nil {
				return Status{}, fmt.Errorf("inferior: installing step point at %#x: %w", nextAddr, err)
			}
			pendingSteps.Insert(uintptr(nextAddr), orig)
		}
		// No next-line address: no trap installed, the child simply
		// runs until an existing breakpoint, a signal, or exit.
	}

	if err := in.ptraceCont(0); err != nil {
		return Status{}, fmt.Errorf("inferior: continuing: %w", err)
	}
	return in.Wait()
}
