package certs

import (
	"bytes"
	"context"
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/wolfeidau/devicegate/internal/pki"
)

// mozillaIntermediateSuites is the TLS 1.2 part of the Mozilla "intermediate"
// profile that crypto/tls implements. TLS 1.3 suites are not configurable.
var mozillaIntermediateSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
}

// PeerVerifier checks the certificates presented by a client during the handshake.
type PeerVerifier interface {
	VerifyPeerCertificate(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error
}

// Material is the server identity and client trust store, assembled once at
// startup and never modified afterwards.
type Material struct {
	// Identity holds the private key, the leaf and the extra chain, in that order.
	Identity tls.Certificate
	// ExtraChain holds the intermediates sent after the leaf. It never contains a
	// self-signed certificate.
	ExtraChain []*x509.Certificate
	// ClientCAs is the pool client certificates are verified against; its subjects
	// are advertised to clients as acceptable issuers.
	ClientCAs     *x509.CertPool
	ClientCACerts []*x509.Certificate
}

// Leaf returns the server end-entity certificate.
func (m *Material) Leaf() *x509.Certificate {
	return m.Identity.Leaf
}

// TLSConfig creates the acceptor configuration shared by every connection.
//
// Clients must present a certificate; chain validation and the authorization
// policy are both performed by verifier. Session resumption is disabled, a
// resumed handshake would skip verifier.
func (m *Material) TLSConfig(verifier PeerVerifier) *tls.Config {
	return &tls.Config{
		Certificates:           []tls.Certificate{m.Identity},
		ClientAuth:             tls.RequireAnyClientCert,
		ClientCAs:              m.ClientCAs,
		VerifyPeerCertificate:  verifier.VerifyPeerCertificate,
		SessionTicketsDisabled: true,
		MinVersion:             tls.VersionTLS12,
		CipherSuites:           mozillaIntermediateSuites,
	}
}

// assemble builds Material from a key, its leaf certificate, any further chain
// certificates and the client CAs. Self-signed chain certificates are dropped.
func assemble(ctx context.Context, key crypto.PrivateKey, leaf *x509.Certificate, chain, clientCAs []*x509.Certificate) (*Material, error) {
	extra, err := extraChain(ctx, chain)
	if err != nil {
		return nil, err
	}

	identity := tls.Certificate{
		Certificate: [][]byte{bytes.Clone(leaf.Raw)},
		PrivateKey:  key,
		Leaf:        leaf,
	}
	for _, c := range extra {
		identity.Certificate = append(identity.Certificate, c.Raw)
	}

	pool := x509.NewCertPool()
	for _, ca := range clientCAs {
		pool.AddCert(ca)
	}

	zerolog.Ctx(ctx).Info().
		Str("leaf", pki.FormatSubject(pki.MustSubjectAttributes(leaf))).
		Int("extra_chain", len(extra)).
		Int("client_cas", len(clientCAs)).
		Msg("Assembled trust material")

	return &Material{
		Identity:      identity,
		ExtraChain:    extra,
		ClientCAs:     pool,
		ClientCACerts: clientCAs,
	}, nil
}

// extraChain returns independent copies of the non self-signed certificates in chain.
func extraChain(ctx context.Context, chain []*x509.Certificate) ([]*x509.Certificate, error) {
	var extra []*x509.Certificate
	for _, c := range chain {
		if pki.IsSelfSigned(c) {
			zerolog.Ctx(ctx).Debug().
				Str("subject", pki.FormatSubject(pki.MustSubjectAttributes(c))).
				Str("fingerprint", pki.Fingerprint(c)).
				Msg("Skipping self-signed certificate in served chain")
			continue
		}

		owned, err := x509.ParseCertificate(bytes.Clone(c.Raw))
		if err != nil {
			return nil, fmt.Errorf("failed to copy chain certificate: %w", err)
		}
		extra = append(extra, owned)
	}
	return extra, nil
}

// ParseCertificatesPEM parses every CERTIFICATE block in data.
func ParseCertificatesPEM(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}

		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate: %w", err)
		}
		certs = append(certs, cert)
	}

	if len(certs) == 0 {
		return nil, ErrNoCertificates
	}
	return certs, nil
}

// verifyKeyMatch checks that key is the private half of the leaf public key.
func verifyKeyMatch(leaf *x509.Certificate, key crypto.PrivateKey) error {
	signer, ok := key.(crypto.Signer)
	if !ok {
		return fmt.Errorf("private key of type %T cannot sign", key)
	}

	pub, ok := signer.Public().(interface{ Equal(crypto.PublicKey) bool })
	if !ok {
		return fmt.Errorf("unsupported public key type %T", signer.Public())
	}

	if !pub.Equal(leaf.PublicKey) {
		return ErrKeyMismatch
	}

	return nil
}
