// Command errand runs durable workflow plans from the command line.
package main

import (
	"context"
	"os"

	"github.com/roach88/errand/internal/cli"
)

func main() {
	err := cli.NewRootCommand().ExecuteContext(context.Background())
	if err != nil {
		os.Exit(cli.Exit(os.Stderr, err))
	}
}
