package main

import (
	"context"
)

const unknownCommand = `sockshim %s: unknown command
For a list of commands available, run 'sockshim help.'
`

func unknown(ctx context.Context, cmd string) error {
	return usageError(unknownCommand, cmd)
}
