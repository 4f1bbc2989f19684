package certs

import (
	"context"
	"crypto"
	"crypto/x509"
	"os"
	"strings"

	"software.sslmate.com/src/go-pkcs12"
)

// LoadPKCS12 assembles material from a password protected PKCS#12 bundle holding
// the private key, the end-entity certificate and optionally CA certificates, plus
// the PEM client CA file.
//
// Self-signed CA certificates found in the bundle are not sent to clients, they
// already hold their own trust anchors.
func LoadPKCS12(ctx context.Context, cfg Config) (*Material, error) {
	clientCAs, err := loadClientCAFile(cfg.ClientCAPath)
	if err != nil {
		return nil, err
	}

	der, err := os.ReadFile(cfg.PKCS12Path)
	if err != nil {
		return nil, loadError("pkcs12 bundle", cfg.PKCS12Path, err)
	}

	key, leaf, caCerts, err := DecodePKCS12(der, cfg.PKCS12Password)
	if err != nil {
		return nil, loadError("pkcs12 bundle", cfg.PKCS12Path, err)
	}

	m, err := assembleBundle(ctx, key, leaf, caCerts, clientCAs)
	if err != nil {
		return nil, loadError("pkcs12 bundle", cfg.PKCS12Path, err)
	}

	return m, nil
}

// DecodePKCS12 decodes a PKCS#12 bundle, translating the decoder's missing key and
// missing certificate failures into ErrMissingKey and ErrMissingCert. A bundle
// lacking both reports ErrMissingKey.
func DecodePKCS12(der []byte, password string) (crypto.PrivateKey, *x509.Certificate, []*x509.Certificate, error) {
	key, leaf, caCerts, err := pkcs12.DecodeChain(der, password)
	if err != nil {
		// go-pkcs12 does not export these, only the message identifies them
		switch {
		case strings.HasSuffix(err.Error(), "private key missing"):
			return nil, nil, nil, ErrMissingKey
		case strings.HasSuffix(err.Error(), "certificate missing"):
			// the decoder checks the certificate first
			if !hasKeyBag(der, password) {
				return nil, nil, nil, ErrMissingKey
			}
			return nil, nil, nil, ErrMissingCert
		}
		return nil, nil, nil, err
	}

	return key, leaf, caCerts, nil
}

// hasKeyBag reports whether the bundle holds a decodable private key. Bundles the
// PEM conversion cannot read count as keyless.
func hasKeyBag(der []byte, password string) bool {
	blocks, err := pkcs12.ToPEM(der, password)
	if err != nil {
		return false
	}
	for _, block := range blocks {
		if block.Type == "PRIVATE KEY" {
			return true
		}
	}
	return false
}

// assembleBundle validates the decoded bundle contents and builds the material.
func assembleBundle(ctx context.Context, key crypto.PrivateKey, leaf *x509.Certificate, caCerts, clientCAs []*x509.Certificate) (*Material, error) {
	if key == nil {
		return nil, ErrMissingKey
	}
	if leaf == nil {
		return nil, ErrMissingCert
	}

	if err := verifyKeyMatch(leaf, key); err != nil {
		return nil, err
	}

	return assemble(ctx, key, leaf, caCerts, clientCAs)
}
