// Package certs assembles the server identity and client trust store used by the
// TLS acceptor, from PEM files, a PKCS#12 bundle or SSM Parameter Store.
package certs

import (
	"context"
	"fmt"
)

// Load loads trust material from the source selected in cfg.
func Load(ctx context.Context, cfg Config) (*Material, error) {
	switch cfg.Source {
	case SourcePEM:
		return LoadPEMFiles(ctx, cfg)
	case SourcePKCS12:
		return LoadPKCS12(ctx, cfg)
	case SourceSSM:
		client, err := NewSSMClient(ctx)
		if err != nil {
			return nil, err
		}
		return LoadSSM(ctx, client, cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSource, cfg.Source)
	}
}
