// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command deet is a minimal interactive source-level debugger for
// x86_64 Linux/ELF executables.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"deet/internal/session"
)

func main() {
	var listFunctions bool

	root := &cobra.Command{
		Use:   "deet <target> [-- args...]",
		Short: "deet is a minimal interactive source-level debugger",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, argv, err := splitTargetArgv(cmd, args)
			if err != nil {
				return err
			}
			return runDebugger(target, session.Options{ListFunctions: listFunctions, Argv: argv})
		},
		SilenceUsage: true,
	}
	root.Flags().BoolVar(&listFunctions, "list-functions", false, "print every known function and its address at startup")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// splitTargetArgv separates the target path from the argv it should be
// run with. Everything before "--" must be the single target path;
// everything after "--" becomes its argv, mirroring cobra's own
// convention for separating a command's flags from a child's.
func splitTargetArgv(cmd *cobra.Command, args []string) (target string, argv []string, err error) {
	dash := cmd.ArgsLenAtDash()
	if dash == -1 {
		if len(args) != 1 {
			return "", nil, fmt.Errorf("deet takes exactly one target; use -- to separate its argument vector")
		}
		return args[0], nil, nil
	}
	if dash != 1 {
		return "", nil, fmt.Errorf("deet takes exactly one target before --")
	}
	return args[0], args[dash:], nil
}

func runDebugger(target string, opts session.Options) error {
	sess, err := session.New(target, opts)
	if err != nil {
		return err
	}
	defer sess.Close()

	sess.Run()
	return nil
}
