// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package inferior

import (
	"fmt"

	"golang.org/x/sys/unix"

	"deet/internal/addrmap"
	"deet/internal/arch"
)

// Frame is one resolved stack frame, innermost first.
type Frame struct {
	Function string // empty if unresolved
	Line     string // "file:line", empty if unresolved
}

func (f Frame) String() string {
	switch {
	case f.Function == "" && f.Line == "":
		return "unknown func (source file not found)"
	case f.Line == "":
		return fmt.Sprintf("%s (source file not found)", f.Function)
	case f.Function == "":
		return fmt.Sprintf("unknown func (%s)", f.Line)
	default:
		return fmt.Sprintf("%s (%s)", f.Function, f.Line)
	}
}

// Backtrace walks the frame-pointer chain, x86_64-SysV style, starting
// at the child's current rip/rbp. It stops at the frame named "main" or
// at the first frame it cannot resolve a function for, whichever comes
// first; this requires the target to have been built with frame
// pointers preserved.
func (in *Inferior) Backtrace(mapper *addrmap.Bundle) ([]Frame, error) {
	var regs unix.PtraceRegs
	if err := in.ptraceGetRegs(&regs); err != nil {
		return nil, fmt.Errorf("inferior: reading registers: %w", err)
	}
	rip := uintptr(regs.Rip)
	rbp := uintptr(regs.Rbp)

	var frames []Frame
	for {
		funcName, haveFunc := mapper.AddrToFunction(uint64(rip))
		lineStr := ""
		if line, ok := mapper.AddrToLine(uint64(rip)); ok {
			lineStr = line.String()
		}
		frames = append(frames, Frame{Function: funcName, Line: lineStr})

		if !haveFunc || funcName == "main" {
			break
		}

		retAddr, err := in.ReadWord(rbp + arch.WordSize)
		if err != nil {
			return frames, fmt.Errorf("inferior: reading saved return address: %w", err)
		}
		savedRbp, err := in.ReadWord(rbp)
		if err != nil {
			return frames, fmt.Errorf("inferior: reading saved frame pointer: %w", err)
		}
		rip = uintptr(retAddr)
		rbp = uintptr(savedRbp)
	}
	return frames, nil
}
