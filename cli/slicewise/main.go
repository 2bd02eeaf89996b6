// Package main is the CLI command itself.
package main

import (
	"context"
	"os"

	"go.viam.com/utils"

	"github.com/slicewise/slicewise/cli"
	"github.com/slicewise/slicewise/logging"
)

var logger = logging.NewDebugLogger("entrypoint")

func main() {
	utils.ContextualMain(mainWithArgs, logger)
}

func mainWithArgs(ctx context.Context, args []string, logger logging.Logger) error {
	return cli.NewApp(os.Stdout, os.Stderr).RunContext(ctx, args)
}
