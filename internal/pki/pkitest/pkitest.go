// Package pkitest builds throwaway certificate hierarchies for tests.
package pkitest

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Authority is a CA that can sign other certificates.
type Authority struct {
	Cert *x509.Certificate
	Key  *ecdsa.PrivateKey
}

// Leaf is an end-entity certificate with its private key.
type Leaf struct {
	Cert *x509.Certificate
	Key  *ecdsa.PrivateKey
}

// NewRootCA creates a self-signed root CA.
func NewRootCA(t testing.TB, commonName string) *Authority {
	t.Helper()

	key := newKey(t)
	template := &x509.Certificate{
		SerialNumber: serialNumber(t),
		Subject: pkix.Name{
			CommonName:   commonName,
			Organization: []string{"Devicegate Test"},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	return &Authority{Cert: create(t, template, template, &key.PublicKey, key), Key: key}
}

// NewIntermediate creates a CA signed by a.
func (a *Authority) NewIntermediate(t testing.TB, commonName string) *Authority {
	t.Helper()

	key := newKey(t)
	template := &x509.Certificate{
		SerialNumber: serialNumber(t),
		Subject: pkix.Name{
			CommonName:   commonName,
			Organization: []string{"Devicegate Test"},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	return &Authority{Cert: create(t, template, a.Cert, &key.PublicKey, a.Key), Key: key}
}

// IssueClient signs a client authentication certificate for subject.
func (a *Authority) IssueClient(t testing.TB, subject pkix.Name) *Leaf {
	t.Helper()

	key := newKey(t)
	template := &x509.Certificate{
		SerialNumber: serialNumber(t),
		Subject:      subject,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}

	return &Leaf{Cert: create(t, template, a.Cert, &key.PublicKey, a.Key), Key: key}
}

// IssueServer signs a server certificate valid for localhost and 127.0.0.1.
func (a *Authority) IssueServer(t testing.TB, commonName string) *Leaf {
	t.Helper()

	key := newKey(t)
	template := &x509.Certificate{
		SerialNumber: serialNumber(t),
		Subject: pkix.Name{
			CommonName:   commonName,
			Organization: []string{"Devicegate Test"},
		},
		NotBefore:   time.Now().Add(-time.Hour),
		NotAfter:    time.Now().Add(24 * time.Hour),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:    []string{"localhost"},
		IPAddresses: []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}

	return &Leaf{Cert: create(t, template, a.Cert, &key.PublicKey, a.Key), Key: key}
}

// SelfSigned creates a self-signed certificate from template, filling in the serial
// number, validity and key when they are unset.
func SelfSigned(t testing.TB, template *x509.Certificate) *Leaf {
	t.Helper()

	key := newKey(t)
	if template.SerialNumber == nil {
		template.SerialNumber = serialNumber(t)
	}
	if template.NotAfter.IsZero() {
		template.NotBefore = time.Now().Add(-time.Hour)
		template.NotAfter = time.Now().Add(24 * time.Hour)
	}

	return &Leaf{Cert: create(t, template, template, &key.PublicKey, key), Key: key}
}

// CertPEM encodes certs as consecutive CERTIFICATE blocks.
func CertPEM(certs ...*x509.Certificate) []byte {
	var out []byte
	for _, c := range certs {
		out = append(out, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.Raw})...)
	}
	return out
}

// KeyPEM encodes key as a PKCS#8 PRIVATE KEY block.
func KeyPEM(t testing.TB, key crypto.PrivateKey) []byte {
	t.Helper()

	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)

	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
}

func newKey(t testing.TB) *ecdsa.PrivateKey {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key
}

func serialNumber(t testing.TB) *big.Int {
	t.Helper()

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	require.NoError(t, err)
	return serial
}

func create(t testing.TB, template, parent *x509.Certificate, pub crypto.PublicKey, priv crypto.Signer) *x509.Certificate {
	t.Helper()

	der, err := x509.CreateCertificate(rand.Reader, template, parent, pub, priv)
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}
