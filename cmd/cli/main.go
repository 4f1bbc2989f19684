package main

import (
	"context"

	"github.com/alecthomas/kong"
	"github.com/wolfeidau/devicegate/cmd/cli/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Inspect commands.InspectCmd `cmd:"" help:"Inspect certificates and check them against the device policy"`
		Probe   commands.ProbeCmd   `cmd:"" help:"Send an mTLS request to a gateway"`
		Debug   bool                `help:"Enable debug mode."`
		Version kong.VersionFlag
	}
)

func main() {
	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Name("devicegate"),
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version})
	cmd.FatalIfErrorf(err)
}
