// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package session is the debugger's command dispatcher: it drives the
// REPL, routes parsed commands to the inferior, and prints
// source-level context on every stop. It owns every piece of mutable
// state this debugger has (the one active inferior, both breakpoint
// registries, the loaded debug-info bundle) and threads the registries
// through each Inferior call as exclusive borrows rather than handing
// the Inferior a reference to them.
package session

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/chzyer/readline"

	"deet/internal/addrmap"
	"deet/internal/breakpoint"
	"deet/internal/inferior"
)

const prompt = "\x1b[35m(deet) \x1b[0m"

// Session is the top-level debugger controller: at most one active
// inferior; breakpoints survive inferior death and are re-applied to
// each new inferior.
type Session struct {
	target      string
	initialArgv []string

	rl *readline.Instance

	mapper *addrmap.Bundle

	breakpoints *breakpoint.Registry
	stepPoints  *breakpoint.Registry

	inf *inferior.Inferior // nil when no inferior is alive
}

// Options configures a New Session beyond the required target path.
type Options struct {
	// ListFunctions, if true, prints every function the address mapper
	// knows about (name and entry address) once at startup, to help
	// pick break targets. Default off.
	ListFunctions bool

	// Argv is the target's argument vector, as given on the deet command
	// line after "--". It is used by a bare "run" (one typed with no
	// arguments of its own); "run" given explicit arguments overrides it.
	Argv []string
}

// New loads target's debug information and prepares a Session. The
// only fatal startup errors are: target missing/unreadable, its debug
// info failing to parse, $HOME being unset (history cannot be
// located), or the line editor failing to initialize.
func New(target string, opts Options) (*Session, error) {
	mapper, err := addrmap.Load(target)
	if err != nil {
		return nil, err
	}

	if opts.ListFunctions {
		for _, fn := range mapper.Functions() {
			fmt.Printf("%s at %#x\n", fn.Name, fn.Entry)
		}
	}

	home, ok := os.LookupEnv("HOME")
	if !ok {
		return nil, errors.New("session: HOME is not set, cannot locate command history")
	}
	historyPath := home + "/.deet_history"

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		HistoryFile:     historyPath,
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		return nil, fmt.Errorf("session: initializing line editor: %w", err)
	}

	return &Session{
		target:      target,
		initialArgv: opts.Argv,
		rl:          rl,
		mapper:      mapper,
		breakpoints: breakpoint.NewRegistry(),
		stepPoints:  breakpoint.NewRegistry(),
	}, nil
}

// Close releases the line editor's resources.
func (s *Session) Close() error {
	return s.rl.Close()
}

// Run drives the REPL until quit or EOF. It never returns an error for
// user-level mistakes; those are printed and the loop continues.
func (s *Session) Run() {
	for {
		line, err := s.rl.Readline()
		switch {
		case errors.Is(err, readline.ErrInterrupt):
			// Ctrl-C: the interactive interrupt never cancels a running
			// inferior (there isn't one running here, we're blocked on
			// input); just remind the user how to actually quit.
			fmt.Println(`Type "quit" to exit`)
			continue
		case errors.Is(err, io.EOF):
			s.quit()
			return
		case err != nil:
			panic(fmt.Sprintf("session: unexpected I/O error reading command: %v", err))
		}

		if strings.TrimSpace(line) == "" {
			continue
		}

		cmd, recognized, empty := ParseCommand(line)
		if empty {
			continue
		}
		if !recognized {
			fmt.Println("Unrecognized command.")
			continue
		}

		if cmd.Kind == CmdQuit {
			s.quit()
			return
		}
		s.dispatch(cmd)
	}
}

func (s *Session) dispatch(cmd Command) {
	switch cmd.Kind {
	case CmdRun:
		s.cmdRun(cmd.Args)
	case CmdContinue:
		s.cmdContinue()
	case CmdStep:
		s.cmdStep()
	case CmdBacktrace:
		s.cmdBacktrace()
	case CmdBreak:
		s.cmdBreak(cmd.Args[0])
	}
}

func (s *Session) quit() {
	if s.inf != nil && !s.inf.Dead() {
		if err := s.inf.Kill(); err != nil {
			fmt.Println(err)
		}
		s.inf = nil
	}
}

func (s *Session) cmdRun(args []string) {
	if len(args) == 0 {
		args = s.initialArgv
	}

	if s.inf != nil && !s.inf.Dead() {
		if err := s.inf.Kill(); err != nil {
			fmt.Println(err)
		}
		s.inf = nil
	}
	// Pending step points from the previous life are meaningless against
	// a freshly exec'd image; clear them. User breakpoints persist and
	// are re-patched by Spawn.
	s.stepPoints.Clear()

	inf, err := inferior.Spawn(s.target, args, s.breakpoints)
	if err != nil {
		fmt.Println("Error starting subprocess")
		return
	}
	s.inf = inf

	st, err := inf.ContinueRun(nil, s.breakpoints, s.stepPoints)
	s.reportStop(st, err)
}

func (s *Session) cmdContinue() {
	if s.noInferior("continue") {
		return
	}
	st, err := s.inf.ContinueRun(nil, s.breakpoints, s.stepPoints)
	s.reportStop(st, err)
}

func (s *Session) cmdStep() {
	if s.noInferior("step") {
		return
	}
	st, err := s.inf.StepOver(s.breakpoints, s.stepPoints, s.mapper)
	s.reportStop(st, err)
}

func (s *Session) cmdBacktrace() {
	if s.noInferior("backtrace") {
		return
	}
	frames, err := s.inf.Backtrace(s.mapper)
	if err != nil {
		fmt.Println(err)
		return
	}
	for _, f := range frames {
		fmt.Println(f.String())
	}
}

func (s *Session) cmdBreak(loc string) {
	addr, err := s.resolveLocation(loc)
	if err != nil {
		fmt.Println(err)
		return
	}

	id := s.breakpoints.Len()
	if s.inf != nil && !s.inf.Dead() {
		orig, err := s.inf.WriteByte(addr, 0xCC)
		if err != nil {
			fmt.Printf("Invalid breakpoint address %#x\n", addr)
			return
		}
		s.breakpoints.Insert(addr, orig)
	} else {
		s.breakpoints.Insert(addr, breakpoint.Unpatched)
	}
	fmt.Printf("Set breakpoint %d at %#x\n", id, addr)
}

// resolveLocation parses a break-location argument: *0xHEX for a raw
// address, an all-decimal token for a line number in the first
// compilation unit, anything else as a function name.
func (s *Session) resolveLocation(loc string) (uintptr, error) {
	if strings.HasPrefix(loc, "*") {
		hexPart := strings.TrimPrefix(strings.TrimPrefix(loc[1:], "0x"), "0X")
		addr, err := strconv.ParseUint(hexPart, 16, 64)
		if err != nil {
			return 0, errors.New("Invalid address")
		}
		return uintptr(addr), nil
	}
	if isAllDigits(loc) {
		line, err := strconv.Atoi(loc)
		if err != nil {
			return 0, errors.New("Invalid line number")
		}
		addr, ok := s.mapper.LineToAddr("", line)
		if !ok {
			return 0, errors.New("Invalid line number")
		}
		return uintptr(addr), nil
	}
	addr, ok := s.mapper.FunctionToAddr("", loc)
	if !ok {
		return 0, errors.New("Usage: break *address|line|func")
	}
	return uintptr(addr), nil
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func (s *Session) noInferior(action string) bool {
	if s.inf == nil || s.inf.Dead() {
		fmt.Printf("Error: you cannot %s when there is no process running\n", action)
		return true
	}
	return false
}

// reportStop prints the outcome of a run/continue/step operation,
// including source-level context on every stop, and updates s.inf
// accordingly.
func (s *Session) reportStop(st inferior.Status, err error) {
	if err != nil {
		fmt.Println(err)
		s.inf = nil
		return
	}
	switch st.Kind() {
	case inferior.KindExited:
		fmt.Printf("Child exited (status %d)\n", st.ExitCode())
		s.inf = nil
	case inferior.KindSignaled:
		fmt.Printf("Child exited due to signal %s\n", st.Signal())
		s.inf = nil
	case inferior.KindStopped:
		fmt.Printf("Child stopped (signal %s)\n", st.Signal())
		line, haveLine := s.mapper.AddrToLine(uint64(st.IP()))
		fn, haveFunc := s.mapper.AddrToFunction(uint64(st.IP()))
		if haveLine && haveFunc {
			fmt.Printf("Stopped at %s (%s)\n", fn, line)
		}
	}
}
