// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package inferior

import (
	"fmt"
	"os"
	"runtime"
	"syscall"

	"golang.org/x/sys/unix"
)

// ptraceLoop runs every closure sent on fc, on a single OS thread locked
// for its entire lifetime, and sends the result back on ec. Both
// channels are unbuffered so a caller blocks until its own closure has
// run, never someone else's. Linux requires all ptrace calls against a
// tracee to come from the thread that is registered as its tracer; this
// is how deet guarantees that regardless of what the Go scheduler would
// otherwise do with the calling goroutine.
func ptraceLoop(fc chan func() error, ec chan error) {
	runtime.LockOSThread()
	for f := range fc {
		ec <- f()
	}
}

// do submits f to the inferior's dedicated ptrace thread and returns its
// result.
func (in *Inferior) do(f func() error) error {
	in.fc <- f
	return <-in.ec
}

func (in *Inferior) startProcess(name string, argv []string) (pid int, err error) {
	err = in.do(func() error {
		proc, err1 := os.StartProcess(name, argv, &os.ProcAttr{
			Files: []*os.File{os.Stdin, os.Stdout, os.Stderr},
			Sys:   &syscall.SysProcAttr{Ptrace: true},
		})
		if err1 != nil {
			return err1
		}
		pid = proc.Pid
		return nil
	})
	return pid, err
}

func (in *Inferior) ptraceGetRegs(regsout *unix.PtraceRegs) error {
	return in.do(func() error {
		return unix.PtraceGetRegs(in.pid, regsout)
	})
}

func (in *Inferior) ptraceSetRegs(regs *unix.PtraceRegs) error {
	return in.do(func() error {
		return unix.PtraceSetRegs(in.pid, regs)
	})
}

func (in *Inferior) ptraceCont(signal int) error {
	return in.do(func() error {
		return unix.PtraceCont(in.pid, signal)
	})
}

func (in *Inferior) ptraceSingleStep() error {
	return in.do(func() error {
		return unix.PtraceSingleStep(in.pid)
	})
}

func (in *Inferior) ptracePeekWord(addr uintptr) (word uint64, err error) {
	var buf [8]byte
	err = in.do(func() error {
		n, err1 := unix.PtracePeekText(in.pid, addr, buf[:])
		if err1 != nil {
			return err1
		}
		if n != len(buf) {
			return fmt.Errorf("ptracePeekWord: peeked %d bytes, want %d", n, len(buf))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return byteOrder.Uint64(buf[:]), nil
}

func (in *Inferior) ptracePokeWord(addr uintptr, word uint64) error {
	var buf [8]byte
	byteOrder.PutUint64(buf[:], word)
	return in.do(func() error {
		n, err1 := unix.PtracePokeText(in.pid, addr, buf[:])
		if err1 != nil {
			return err1
		}
		if n != len(buf) {
			return fmt.Errorf("ptracePokeWord: poked %d bytes, want %d", n, len(buf))
		}
		return nil
	})
}

func (in *Inferior) waitRaw() (status unix.WaitStatus, err error) {
	err = in.do(func() error {
		_, err1 := unix.Wait4(in.pid, &status, 0, nil)
		return err1
	})
	return status, err
}
