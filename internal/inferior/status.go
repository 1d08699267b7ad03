// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package inferior

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Kind is the closed set of outcomes a wait on the inferior can produce.
type Kind int

const (
	// KindStopped means the child is stopped by a signal (typically
	// SIGTRAP, for a breakpoint or single-step) and is still alive.
	KindStopped Kind = iota
	// KindExited means the child called exit() or returned from main.
	KindExited
	// KindSignaled means the child was terminated by a signal.
	KindSignaled
)

// Status is the three-way tagged result of a wait: a closed variant,
// not an open interface.
type Status struct {
	kind     Kind
	signal   unix.Signal
	ip       uintptr
	exitCode int
}

// Stopped builds a Status reporting the child stopped by signal sig with
// the instruction pointer at ip.
func Stopped(sig unix.Signal, ip uintptr) Status {
	return Status{kind: KindStopped, signal: sig, ip: ip}
}

// Exited builds a Status reporting the child exited normally with code.
func Exited(code int) Status {
	return Status{kind: KindExited, exitCode: code}
}

// Signaled builds a Status reporting the child was killed by sig.
func Signaled(sig unix.Signal) Status {
	return Status{kind: KindSignaled, signal: sig}
}

func (s Status) Kind() Kind          { return s.kind }
func (s Status) Signal() unix.Signal { return s.signal }
func (s Status) IP() uintptr         { return s.ip }
func (s Status) ExitCode() int       { return s.exitCode }

func (s Status) String() string {
	switch s.kind {
	case KindStopped:
		return fmt.Sprintf("Stopped: signal %s, ip %#x", s.signal, s.ip)
	case KindExited:
		return fmt.Sprintf("Exited with status %d", s.exitCode)
	case KindSignaled:
		return fmt.Sprintf("Signaled: signal %s", s.signal)
	default:
		return "unknown status"
	}
}
