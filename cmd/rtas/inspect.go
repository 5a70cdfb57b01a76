package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli"

	"github.com/gekko3d/rtas/rt/shader"
)

// Inspect lists the parts of three stage containers and validates them as a
// bundle.
func Inspect(ctx *cli.Context) error {
	log, _ := setupLogging(ctx)
	if ctx.NArg() != 3 {
		return errors.New("expected ray generation, miss and closest-hit containers")
	}

	var code [3][]byte
	for i, path := range ctx.Args() {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		code[i] = data
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetAutoFormatHeaders(false)
	table.SetHeader([]string{"Stage", "Version", "Part", "Bytes"})
	stages := []shader.Stage{shader.StageRayGen, shader.StageMiss, shader.StageClosestHit}
	for i, s := range stages {
		c, err := shader.Parse(code[i])
		if err != nil {
			table.Append([]string{s.String(), "-", "invalid", err.Error()})
			continue
		}
		for _, p := range c.Parts {
			table.Append([]string{s.String(), fmt.Sprint(c.Version), p.Name(), fmt.Sprint(len(p.Data))})
		}
	}
	table.Render()

	return shader.Validate(shader.NewBundle(code[0], code[1], code[2]), log)
}
