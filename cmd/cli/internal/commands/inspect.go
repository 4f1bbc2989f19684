package commands

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/wolfeidau/devicegate/internal/certs"
	"github.com/wolfeidau/devicegate/internal/logger"
	"github.com/wolfeidau/devicegate/internal/pki"
	"github.com/wolfeidau/devicegate/internal/trust"
)

var ErrPolicyRejected = errors.New("certificate does not satisfy the device policy")

type InspectCmd struct {
	Cert     string `help:"PEM certificate chain to inspect, leaf first" type:"existingfile" xor:"input" required:""`
	PKCS12   string `help:"PKCS#12 bundle to inspect" name:"pkcs12" type:"existingfile" xor:"input" required:""`
	Password string `help:"PKCS#12 bundle password" env:"DEVICEGATE_PKCS12_PASSWORD"`
	CA       string `help:"PEM client CA bundle, when set the chain is evaluated like the gateway does" type:"existingfile"`
	OU       string `help:"organizational unit required on the leaf" default:"TrustedDevices"`

	out io.Writer
}

func (c *InspectCmd) Run(_ context.Context, globals *Globals) error {
	log := logger.Setup(globals.Debug)

	chain, err := c.load()
	if err != nil {
		return err
	}

	out := c.out
	if out == nil {
		out = os.Stdout
	}

	printChain(out, chain)

	leaf := chain[0]
	hasOU := pki.HasOrganizationalUnit(leaf, c.OU)
	fmt.Fprintf(out, "Leaf OU=%s:  %s\n", c.OU, yesNo(hasOU))

	if c.CA == "" {
		if !hasOU {
			return ErrPolicyRejected
		}
		return nil
	}

	roots, err := readPool(c.CA)
	if err != nil {
		return err
	}

	engine := trust.NewEngine(roots, trust.NewDevicePolicy(c.OU, log), trust.WithLogger(log))
	if err := engine.Evaluate(chain); err != nil {
		fmt.Fprintf(out, "Verdict:  rejected (%v)\n", err)
		return fmt.Errorf("%w: %w", ErrPolicyRejected, err)
	}

	fmt.Fprintln(out, "Verdict:  accepted")

	log.Debug().Str("cn", pki.CommonName(leaf)).Msg("Chain accepted")

	return nil
}

func (c *InspectCmd) load() ([]*x509.Certificate, error) {
	if c.PKCS12 != "" {
		der, err := os.ReadFile(c.PKCS12)
		if err != nil {
			return nil, fmt.Errorf("failed to read bundle: %w", err)
		}
		_, leaf, chain, err := certs.DecodePKCS12(der, c.Password)
		if err != nil {
			return nil, fmt.Errorf("failed to decode bundle: %w", err)
		}
		return append([]*x509.Certificate{leaf}, chain...), nil
	}

	data, err := os.ReadFile(c.Cert)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate: %w", err)
	}
	chain, err := certs.ParseCertificatesPEM(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", c.Cert, err)
	}
	return chain, nil
}

func printChain(out io.Writer, chain []*x509.Certificate) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for i, cert := range chain {
		fmt.Fprintf(w, "[%d]\t%s\n", i, pki.FormatSubject(pki.MustSubjectAttributes(cert)))
		fmt.Fprintf(w, "\tIssuer:\t%s\n", cert.Issuer.String())
		fmt.Fprintf(w, "\tFingerprint:\t%s\n", pki.Fingerprint(cert))
		fmt.Fprintf(w, "\tSelf-signed:\t%s\n", yesNo(pki.IsSelfSigned(cert)))
		fmt.Fprintf(w, "\tCA:\t%s\n", yesNo(cert.IsCA))
		fmt.Fprintf(w, "\tValid:\t%s to %s\n", cert.NotBefore.Format(time.RFC3339), cert.NotAfter.Format(time.RFC3339))
	}
	_ = w.Flush()
}

func readPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA bundle: %w", err)
	}
	cas, err := certs.ParseCertificatesPEM(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	pool := x509.NewCertPool()
	for _, ca := range cas {
		pool.AddCert(ca)
	}
	return pool, nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
