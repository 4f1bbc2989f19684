package certs

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// LoadPEMFiles assembles material from a PEM key file, a PEM certificate chain file
// (leaf first) and a PEM client CA file.
func LoadPEMFiles(ctx context.Context, cfg Config) (*Material, error) {
	caPEM, err := os.ReadFile(cfg.ClientCAPath)
	if err != nil {
		return nil, loadError("client CA", cfg.ClientCAPath, err)
	}

	certPEM, err := os.ReadFile(cfg.CertPath)
	if err != nil {
		return nil, loadError("server certificate", cfg.CertPath, err)
	}

	keyPEM, err := os.ReadFile(cfg.KeyPath)
	if err != nil {
		return nil, loadError("server key", cfg.KeyPath, err)
	}

	return fromPEM(ctx, pemPaths{ca: cfg.ClientCAPath, cert: cfg.CertPath, key: cfg.KeyPath}, caPEM, certPEM, keyPEM)
}

// pemPaths names where each PEM document came from for error reporting.
type pemPaths struct {
	ca, cert, key string
}

func fromPEM(ctx context.Context, paths pemPaths, caPEM, certPEM, keyPEM []byte) (*Material, error) {
	clientCAs, err := ParseCertificatesPEM(caPEM)
	if err != nil {
		return nil, loadError("client CA", paths.ca, err)
	}

	chain, err := ParseCertificatesPEM(certPEM)
	if err != nil {
		return nil, loadError("server certificate", paths.cert, err)
	}

	// X509KeyPair parses the key and rejects a key that does not match the leaf
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, loadError("server key", paths.key, fmt.Errorf("invalid server certificate/key: %w", err))
	}

	return assemble(ctx, pair.PrivateKey, chain[0], chain[1:], clientCAs)
}

// loadClientCAFile reads and parses the PEM client CA file.
func loadClientCAFile(path string) ([]*x509.Certificate, error) {
	caPEM, err := os.ReadFile(path)
	if err != nil {
		return nil, loadError("client CA", path, err)
	}

	clientCAs, err := ParseCertificatesPEM(caPEM)
	if err != nil {
		return nil, loadError("client CA", path, err)
	}

	return clientCAs, nil
}
