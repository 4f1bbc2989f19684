package main

import (
	"context"

	"github.com/alecthomas/kong"
	"github.com/wolfeidau/devicegate/cmd/server/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Debug   bool `help:"Enable debug mode." env:"DEVICEGATE_DEBUG"`
		Version kong.VersionFlag
		Serve   commands.ServeCmd `cmd:"" help:"Serve the device gateway"`
	}
)

func main() {
	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Name("devicegate-server"),
		kong.Description("mTLS gateway admitting client devices by certificate organizational unit."),
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version})
	cmd.FatalIfErrorf(err)
}
