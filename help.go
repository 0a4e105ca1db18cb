package main

import (
	"context"
	"fmt"
)

const helpUsage = `
Usage:	sockshim <command> [options]

Runtime Commands:
   run      Run a WebAssembly module with the socket compatibility layer

Other Commands:
   config   Show or edit the sockshim configuration
   help     Show usage information about sockshim commands
   version  Show the sockshim version information

For a description of each command, run 'sockshim help <command>'.`

func help(ctx context.Context, args []string) error {
	flagSet := newFlagSet("sockshim help", helpUsage)
	parseFlags(flagSet, args)

	var cmd string
	var msg string

	if args = flagSet.Args(); len(args) > 0 {
		cmd = args[0]
	}

	switch cmd {
	case "config":
		msg = configUsage
	case "help", "":
		msg = helpUsage
	case "run":
		msg = runUsage
	case "version":
		msg = versionUsage
	default:
		fmt.Printf("sockshim help %s: unknown command\n", cmd)
		return exitCode(1)
	}

	fmt.Println(msg)
	return nil
}
