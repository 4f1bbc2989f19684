package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/wolfeidau/devicegate/internal/client"
)

type ProbeCmd struct {
	URL        string        `help:"gateway URL" default:"https://localhost:8443/" env:"DEVICEGATE_URL"`
	Cert       string        `help:"PEM client certificate" type:"existingfile" required:"" env:"DEVICEGATE_CLIENT_CERT"`
	Key        string        `help:"PEM client private key" type:"existingfile" required:"" env:"DEVICEGATE_CLIENT_KEY"`
	CA         string        `help:"PEM roots for the gateway certificate, system roots when empty" type:"existingfile" env:"DEVICEGATE_SERVER_CA"`
	ServerName string        `help:"override the server name checked against the gateway certificate"`
	Timeout    time.Duration `help:"request timeout" default:"10s"`

	out io.Writer
}

func (p *ProbeCmd) Run(ctx context.Context, globals *Globals) error {
	config := client.Config{
		ServerURL:  p.URL,
		Timeout:    p.Timeout,
		CertPath:   p.Cert,
		KeyPath:    p.Key,
		CAPath:     p.CA,
		ServerName: p.ServerName,
	}

	res, err := client.Probe(ctx, config)
	if err != nil {
		return err
	}

	out := p.out
	if out == nil {
		out = os.Stdout
	}

	fmt.Fprintf(out, "Status:     %s\n", res.Status)
	if globals.Debug {
		fmt.Fprintf(out, "TLS:        %s\n", res.TLSVersion)
		fmt.Fprintf(out, "Server CN:  %s\n", res.ServerCN)
		fmt.Fprintf(out, "Duration:   %s\n", res.Duration.Round(time.Millisecond))
	}
	fmt.Fprintf(out, "Body:       %q\n", res.Body)

	return nil
}
