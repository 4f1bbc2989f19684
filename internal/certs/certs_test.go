package certs

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/devicegate/internal/pki/pkitest"
	"software.sslmate.com/src/go-pkcs12"
)

type hierarchy struct {
	root         *pkitest.Authority
	intermediate *pkitest.Authority
	server       *pkitest.Leaf
	clientRoot   *pkitest.Authority
}

func newHierarchy(t *testing.T) *hierarchy {
	root := pkitest.NewRootCA(t, "Server Root")
	intermediate := root.NewIntermediate(t, "Server Intermediate")

	return &hierarchy{
		root:         root,
		intermediate: intermediate,
		server:       intermediate.IssueServer(t, "localhost"),
		clientRoot:   pkitest.NewRootCA(t, "Client Root"),
	}
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0600))
	return path
}

func containsCert(certs []*x509.Certificate, cert *x509.Certificate) bool {
	for _, c := range certs {
		if c.Equal(cert) {
			return true
		}
	}
	return false
}

func TestLoadPEMFiles(t *testing.T) {
	ctx := context.Background()
	h := newHierarchy(t)

	t.Run("loads identity and drops self-signed root from chain", func(t *testing.T) {
		dir := t.TempDir()
		cfg := Config{
			Source:       SourcePEM,
			CertPath:     writeFile(t, dir, "cert.pem", pkitest.CertPEM(h.server.Cert, h.intermediate.Cert, h.root.Cert)),
			KeyPath:      writeFile(t, dir, "key.pem", pkitest.KeyPEM(t, h.server.Key)),
			ClientCAPath: writeFile(t, dir, "client-ca.pem", pkitest.CertPEM(h.clientRoot.Cert)),
		}

		m, err := Load(ctx, cfg)
		require.NoError(t, err)
		require.True(t, m.Leaf().Equal(h.server.Cert))
		require.Len(t, m.ExtraChain, 1)
		require.True(t, m.ExtraChain[0].Equal(h.intermediate.Cert))
		require.False(t, containsCert(m.ExtraChain, h.root.Cert))
		require.Len(t, m.Identity.Certificate, 2)
		require.Len(t, m.ClientCACerts, 1)
		require.True(t, m.ClientCACerts[0].Equal(h.clientRoot.Cert))
	})

	t.Run("missing key file returns load error", func(t *testing.T) {
		dir := t.TempDir()
		cfg := Config{
			Source:       SourcePEM,
			CertPath:     writeFile(t, dir, "cert.pem", pkitest.CertPEM(h.server.Cert)),
			KeyPath:      filepath.Join(dir, "missing.pem"),
			ClientCAPath: writeFile(t, dir, "client-ca.pem", pkitest.CertPEM(h.clientRoot.Cert)),
		}

		_, err := LoadPEMFiles(ctx, cfg)
		require.Error(t, err)

		var loadErr *LoadError
		require.True(t, errors.As(err, &loadErr))
		require.Equal(t, cfg.KeyPath, loadErr.Path)
		require.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("client CA without certificates returns load error", func(t *testing.T) {
		dir := t.TempDir()
		cfg := Config{
			Source:       SourcePEM,
			CertPath:     writeFile(t, dir, "cert.pem", pkitest.CertPEM(h.server.Cert)),
			KeyPath:      writeFile(t, dir, "key.pem", pkitest.KeyPEM(t, h.server.Key)),
			ClientCAPath: writeFile(t, dir, "client-ca.pem", []byte("not a certificate")),
		}

		_, err := LoadPEMFiles(ctx, cfg)
		require.ErrorIs(t, err, ErrNoCertificates)

		var loadErr *LoadError
		require.True(t, errors.As(err, &loadErr))
		require.Equal(t, "client CA", loadErr.What)
	})

	t.Run("mismatched key returns load error", func(t *testing.T) {
		dir := t.TempDir()
		other := h.intermediate.IssueServer(t, "other")
		cfg := Config{
			Source:       SourcePEM,
			CertPath:     writeFile(t, dir, "cert.pem", pkitest.CertPEM(h.server.Cert)),
			KeyPath:      writeFile(t, dir, "key.pem", pkitest.KeyPEM(t, other.Key)),
			ClientCAPath: writeFile(t, dir, "client-ca.pem", pkitest.CertPEM(h.clientRoot.Cert)),
		}

		_, err := LoadPEMFiles(ctx, cfg)
		require.Error(t, err)

		var loadErr *LoadError
		require.True(t, errors.As(err, &loadErr))
		require.Equal(t, "server key", loadErr.What)
	})
}

func TestLoadPKCS12(t *testing.T) {
	ctx := context.Background()
	h := newHierarchy(t)

	t.Run("self-signed CA in bundle is excluded from extra chain", func(t *testing.T) {
		dir := t.TempDir()
		bundle, err := pkcs12.Modern.Encode(h.server.Key, h.server.Cert, []*x509.Certificate{h.intermediate.Cert, h.root.Cert}, "changeit")
		require.NoError(t, err)

		cfg := Config{
			Source:         SourcePKCS12,
			PKCS12Path:     writeFile(t, dir, "server.p12", bundle),
			PKCS12Password: "changeit",
			ClientCAPath:   writeFile(t, dir, "client-ca.pem", pkitest.CertPEM(h.clientRoot.Cert)),
		}

		m, err := Load(ctx, cfg)
		require.NoError(t, err)
		require.True(t, m.Leaf().Equal(h.server.Cert))
		require.Len(t, m.ExtraChain, 1)
		require.True(t, m.ExtraChain[0].Equal(h.intermediate.Cert))
		require.False(t, containsCert(m.ExtraChain, h.root.Cert))
		require.Len(t, m.Identity.Certificate, 2)
		require.Equal(t, h.intermediate.Cert.Raw, m.Identity.Certificate[1])
	})

	t.Run("look alike CA is kept", func(t *testing.T) {
		dir := t.TempDir()
		// same name as the root but signed by the root key
		lookAlike := h.root.NewIntermediate(t, "Server Root")
		bundle, err := pkcs12.Modern.Encode(h.server.Key, h.server.Cert, []*x509.Certificate{lookAlike.Cert, h.root.Cert}, "changeit")
		require.NoError(t, err)

		cfg := Config{
			Source:         SourcePKCS12,
			PKCS12Path:     writeFile(t, dir, "server.p12", bundle),
			PKCS12Password: "changeit",
			ClientCAPath:   writeFile(t, dir, "client-ca.pem", pkitest.CertPEM(h.clientRoot.Cert)),
		}

		m, err := LoadPKCS12(ctx, cfg)
		require.NoError(t, err)
		require.Len(t, m.ExtraChain, 1)
		require.True(t, m.ExtraChain[0].Equal(lookAlike.Cert))
	})

	t.Run("extra chain certificates are independent copies", func(t *testing.T) {
		m, err := assembleBundle(ctx, h.server.Key, h.server.Cert, []*x509.Certificate{h.intermediate.Cert}, []*x509.Certificate{h.clientRoot.Cert})
		require.NoError(t, err)
		require.Len(t, m.ExtraChain, 1)
		require.NotSame(t, h.intermediate.Cert, m.ExtraChain[0])
		require.True(t, m.ExtraChain[0].Equal(h.intermediate.Cert))
	})

	t.Run("bundle without private key", func(t *testing.T) {
		dir := t.TempDir()
		bundle, err := pkcs12.Modern.EncodeTrustStore([]*x509.Certificate{h.server.Cert, h.root.Cert}, "changeit")
		require.NoError(t, err)

		cfg := Config{
			Source:         SourcePKCS12,
			PKCS12Path:     writeFile(t, dir, "truststore.p12", bundle),
			PKCS12Password: "changeit",
			ClientCAPath:   writeFile(t, dir, "client-ca.pem", pkitest.CertPEM(h.clientRoot.Cert)),
		}

		_, err = LoadPKCS12(ctx, cfg)
		require.ErrorIs(t, err, ErrMissingKey)
		require.NotErrorIs(t, err, ErrMissingCert)

		var loadErr *LoadError
		require.True(t, errors.As(err, &loadErr))
		require.Equal(t, cfg.PKCS12Path, loadErr.Path)
	})

	t.Run("bundle without end-entity certificate", func(t *testing.T) {
		_, err := assembleBundle(ctx, h.server.Key, nil, nil, []*x509.Certificate{h.clientRoot.Cert})
		require.ErrorIs(t, err, ErrMissingCert)
		require.NotErrorIs(t, err, ErrMissingKey)
	})

	t.Run("empty bundle reports the missing key", func(t *testing.T) {
		dir := t.TempDir()
		bundle, err := pkcs12.Modern.EncodeTrustStore(nil, "changeit")
		require.NoError(t, err)

		_, _, _, err = DecodePKCS12(bundle, "changeit")
		require.ErrorIs(t, err, ErrMissingKey)
		require.NotErrorIs(t, err, ErrMissingCert)

		cfg := Config{
			Source:         SourcePKCS12,
			PKCS12Path:     writeFile(t, dir, "empty.p12", bundle),
			PKCS12Password: "changeit",
			ClientCAPath:   writeFile(t, dir, "client-ca.pem", pkitest.CertPEM(h.clientRoot.Cert)),
		}

		_, err = LoadPKCS12(ctx, cfg)
		require.ErrorIs(t, err, ErrMissingKey)
	})

	t.Run("key bag detection", func(t *testing.T) {
		full, err := pkcs12.Modern.Encode(h.server.Key, h.server.Cert, nil, "changeit")
		require.NoError(t, err)
		require.True(t, hasKeyBag(full, "changeit"))

		empty, err := pkcs12.Modern.EncodeTrustStore(nil, "changeit")
		require.NoError(t, err)
		require.False(t, hasKeyBag(empty, "changeit"))
	})

	t.Run("nothing decoded reports the missing key", func(t *testing.T) {
		_, err := assembleBundle(ctx, nil, nil, nil, nil)
		require.ErrorIs(t, err, ErrMissingKey)
	})

	t.Run("key not matching leaf", func(t *testing.T) {
		other := h.intermediate.IssueServer(t, "other")
		_, err := assembleBundle(ctx, other.Key, h.server.Cert, nil, []*x509.Certificate{h.clientRoot.Cert})
		require.ErrorIs(t, err, ErrKeyMismatch)
	})

	t.Run("wrong password", func(t *testing.T) {
		dir := t.TempDir()
		bundle, err := pkcs12.Modern.Encode(h.server.Key, h.server.Cert, nil, "changeit")
		require.NoError(t, err)

		cfg := Config{
			Source:         SourcePKCS12,
			PKCS12Path:     writeFile(t, dir, "server.p12", bundle),
			PKCS12Password: "wrong",
			ClientCAPath:   writeFile(t, dir, "client-ca.pem", pkitest.CertPEM(h.clientRoot.Cert)),
		}

		_, err = LoadPKCS12(ctx, cfg)
		require.ErrorIs(t, err, pkcs12.ErrIncorrectPassword)
	})

	t.Run("missing bundle file", func(t *testing.T) {
		dir := t.TempDir()
		cfg := Config{
			Source:       SourcePKCS12,
			PKCS12Path:   filepath.Join(dir, "missing.p12"),
			ClientCAPath: writeFile(t, dir, "client-ca.pem", pkitest.CertPEM(h.clientRoot.Cert)),
		}

		_, err := LoadPKCS12(ctx, cfg)
		require.ErrorIs(t, err, os.ErrNotExist)
	})
}

type fakeParameters map[string]string

func (f fakeParameters) GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	value, ok := f[aws.ToString(params.Name)]
	if !ok {
		return nil, &ssmtypes.ParameterNotFound{Message: aws.String("parameter not found")}
	}
	return &ssm.GetParameterOutput{Parameter: &ssmtypes.Parameter{Name: params.Name, Value: aws.String(value)}}, nil
}

func TestLoadSSM(t *testing.T) {
	ctx := context.Background()
	h := newHierarchy(t)

	params := fakeParameters{
		"/devicegate/test/client-ca":   string(pkitest.CertPEM(h.clientRoot.Cert)),
		"/devicegate/test/server-cert": string(pkitest.CertPEM(h.server.Cert, h.intermediate.Cert, h.root.Cert)),
		"/devicegate/test/server-key":  string(pkitest.KeyPEM(t, h.server.Key)),
	}

	cfg := Config{
		Source:        SourceSSM,
		ClientCASSM:   "/devicegate/test/client-ca",
		ServerCertSSM: "/devicegate/test/server-cert",
		ServerKeySSM:  "/devicegate/test/server-key",
	}

	t.Run("assembles material from parameters", func(t *testing.T) {
		m, err := LoadSSM(ctx, params, cfg)
		require.NoError(t, err)
		require.True(t, m.Leaf().Equal(h.server.Cert))
		require.Len(t, m.ExtraChain, 1)
		require.False(t, containsCert(m.ExtraChain, h.root.Cert))
	})

	t.Run("missing parameter", func(t *testing.T) {
		missing := cfg
		missing.ServerKeySSM = "/devicegate/test/nope"

		_, err := LoadSSM(ctx, params, missing)
		require.Error(t, err)

		var notFound *ssmtypes.ParameterNotFound
		require.True(t, errors.As(err, &notFound))

		var loadErr *LoadError
		require.True(t, errors.As(err, &loadErr))
		require.Equal(t, "/devicegate/test/nope", loadErr.Path)
	})
}

func TestLoad_unknownSource(t *testing.T) {
	_, err := Load(context.Background(), Config{Source: "vault"})
	require.ErrorIs(t, err, ErrUnknownSource)
}

type stubVerifier struct{}

func (stubVerifier) VerifyPeerCertificate([][]byte, [][]*x509.Certificate) error { return nil }

func TestMaterial_TLSConfig(t *testing.T) {
	h := newHierarchy(t)
	ctx := context.Background()

	m, err := assembleBundle(ctx, h.server.Key, h.server.Cert, []*x509.Certificate{h.intermediate.Cert}, []*x509.Certificate{h.clientRoot.Cert})
	require.NoError(t, err)

	cfg := m.TLSConfig(stubVerifier{})
	require.Equal(t, tls.RequireAnyClientCert, cfg.ClientAuth)
	require.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	require.Len(t, cfg.Certificates, 1)
	require.Len(t, cfg.Certificates[0].Certificate, 2)
	require.NotNil(t, cfg.VerifyPeerCertificate)
	require.True(t, cfg.SessionTicketsDisabled)
	require.Same(t, m.ClientCAs, cfg.ClientCAs)
	require.True(t, m.ClientCAs.Equal(poolOf(h.clientRoot.Cert)))
}

func poolOf(certs ...*x509.Certificate) *x509.CertPool {
	pool := x509.NewCertPool()
	for _, c := range certs {
		pool.AddCert(c)
	}
	return pool
}
