// cmd/kernel is the command-line interface to the kernel, a hosted simulation of a 64-bit x86
// monolithic kernel and its built-in shell.
package main

import (
	"context"
	"os"

	"github.com/gokernel/corekernel/internal/cli"
	"github.com/gokernel/corekernel/internal/cli/cmd"
)

var (
	commands = []cli.Command{
		cmd.Boot(),
	}
)

// Entry point.
func main() {
	result :=
		cli.New(context.Background()).
			WithLogger(os.Stderr).
			WithCommands(commands).
			WithHelp(cmd.Help(commands)).
			Execute(os.Args[1:])

	os.Exit(result)
}
