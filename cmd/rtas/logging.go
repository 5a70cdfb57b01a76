package main

import (
	"github.com/urfave/cli"

	"github.com/gekko3d/rtas"
)

// setupLogging returns the subsystem logger and the device provider logger.
func setupLogging(ctx *cli.Context) (rtas.Logger, rtas.Logger) {
	verbose := ctx.GlobalBool("v") || ctx.GlobalBool("vv")
	return rtas.NewDefaultLogger("rtas", verbose), rtas.NewDefaultLogger("device", ctx.GlobalBool("vv"))
}
