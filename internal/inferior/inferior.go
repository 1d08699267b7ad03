// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package inferior owns one traced child process: its lifecycle, the
// breakpoint patch/restore protocol, and ptrace-based resumption. This
// is the largest and most delicate piece of deet — the comments below
// name invariants, not rationale.
package inferior

import (
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"deet/internal/arch"
	"deet/internal/breakpoint"
)

var byteOrder = binary.LittleEndian

// Inferior is one traced child process. Zero value is not usable; build
// one with Spawn.
type Inferior struct {
	pid  int
	fc   chan func() error
	ec   chan error

	dead      bool
	closeOnce sync.Once
}

// markDead records that this Inferior's handle is no longer usable and
// shuts down its dedicated ptrace thread exactly once, regardless of
// how many call sites observe the child's death.
func (in *Inferior) markDead() {
	in.dead = true
	in.closeOnce.Do(func() { close(in.fc) })
}

// Spawn forks and execs target with argv, tracing it from birth, then
// patches every address currently in breakpoints into the freshly
// exec'd child's text. It returns a nil Inferior and a non-nil error if
// the child could not be started at all; an address that fails to patch
// is reported but left in the registry (untouched) so a later spawn can
// retry it.
func Spawn(target string, argv []string, breakpoints *breakpoint.Registry) (*Inferior, error) {
	in := &Inferior{
		fc: make(chan func() error),
		ec: make(chan error),
	}
	go ptraceLoop(in.fc, in.ec)

	fullArgv := append([]string{target}, argv...)
	pid, err := in.startProcess(target, fullArgv)
	if err != nil {
		in.markDead()
		return nil, fmt.Errorf("inferior: starting %s: %w", target, err)
	}
	in.pid = pid

	// The traced child raises SIGTRAP at the exec, before running any of
	// its own code; that is the first stop we see.
	st, err := in.Wait()
	if err != nil {
		return nil, fmt.Errorf("inferior: waiting for exec stop: %w", err)
	}
	if st.Kind() != KindStopped {
		in.markDead()
		return nil, fmt.Errorf("inferior: unexpected status at exec: %s", st)
	}

	for _, addr := range breakpoints.Addrs() {
		orig, err := in.WriteByte(addr, arch.BreakpointInstr)
		if err != nil {
			fmt.Printf("invalid breakpoint address %#x\n", addr)
			continue
		}
		breakpoints.Insert(addr, orig)
	}
	return in, nil
}

// Pid returns the traced child's process ID.
func (in *Inferior) Pid() int { return in.pid }

// Dead reports whether this Inferior's handle is known to be unusable
// (the child exited, was signaled or killed, or a wait on it, or the
// register read that follows a stop, failed). Other ptrace failures do
// not mark the handle dead.
// Callers must not issue further operations once Dead is true.
func (in *Inferior) Dead() bool { return in.dead }

// Kill sends the child SIGKILL and reaps it. Idempotent only once: the
// caller must not Kill an already-dead inferior.
func (in *Inferior) Kill() error {
	defer in.markDead()
	if err := in.do(func() error { return unix.Kill(in.pid, unix.SIGKILL) }); err != nil {
		return fmt.Errorf("inferior: kill: %w", err)
	}
	if _, err := in.waitRaw(); err != nil {
		return fmt.Errorf("inferior: reaping killed child: %w", err)
	}
	return nil
}

// WriteByte overwrites the single byte at addr with val, using the
// word-granularity read-modify-write ptrace's memory interface demands,
// and returns the byte that was there before. This is the sole
// mechanism every other operation uses to mutate the child's text; it
// is only safe to call while the child is stopped.
func (in *Inferior) WriteByte(addr uintptr, val byte) (orig byte, err error) {
	base, offset := arch.AlignToWord(addr)
	word, err := in.ptracePeekWord(base)
	if err != nil {
		return 0, fmt.Errorf("inferior: reading word at %#x: %w", base, err)
	}

	updated, orig := arch.PatchWord(word, offset, val)

	if err := in.ptracePokeWord(base, updated); err != nil {
		return 0, fmt.Errorf("inferior: writing word at %#x: %w", base, err)
	}
	return orig, nil
}

// ReadWord reads one aligned machine word from the child's address
// space, e.g. a saved return address or frame pointer on the stack.
func (in *Inferior) ReadWord(addr uintptr) (uint64, error) {
	return in.ptracePeekWord(addr)
}
