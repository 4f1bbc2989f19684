// Package client makes mutually authenticated requests to a devicegate server.
package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/wolfeidau/devicegate/internal/pki"
)

// maxBody bounds how much of a response body is read.
const maxBody = 64 * 1024

// Config holds common client configuration
type Config struct {
	ServerURL string
	Timeout   time.Duration

	// CertPath and KeyPath hold the PEM client identity.
	CertPath string
	KeyPath  string
	// CAPath holds the PEM roots used to verify the server, system roots when empty.
	CAPath string
	// ServerName overrides the name checked against the server certificate.
	ServerName string
}

// DefaultConfig returns a default client configuration
func DefaultConfig() Config {
	return Config{
		ServerURL: "https://localhost:8443",
		Timeout:   10 * time.Second,
	}
}

// Result describes one probe exchange.
type Result struct {
	Status     string
	StatusCode int
	Body       string
	TLSVersion string
	ServerCN   string
	Duration   time.Duration
}

// NewHTTPClient creates an HTTP client presenting the configured certificate.
func NewHTTPClient(config Config) (*http.Client, error) {
	tlsConfig, err := TLSConfig(config)
	if err != nil {
		return nil, err
	}

	return &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			TLSClientConfig:   tlsConfig,
			DisableKeepAlives: true,
		},
	}, nil
}

// TLSConfig builds the client side TLS configuration.
func TLSConfig(config Config) (*tls.Config, error) {
	identity, err := tls.LoadX509KeyPair(config.CertPath, config.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load client identity: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{identity},
		ServerName:   config.ServerName,
		MinVersion:   tls.VersionTLS12,
	}

	if config.CAPath != "" {
		data, err := os.ReadFile(config.CAPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read server CA: %w", err)
		}
		roots := x509.NewCertPool()
		if !roots.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("no certificates found in %s", config.CAPath)
		}
		tlsConfig.RootCAs = roots
	}

	return tlsConfig, nil
}

// Probe sends a GET to the server and returns the response.
func Probe(ctx context.Context, config Config) (*Result, error) {
	httpClient, err := NewHTTPClient(config)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, config.ServerURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	started := time.Now()
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	res := &Result{
		Status:     resp.Status,
		StatusCode: resp.StatusCode,
		Body:       string(body),
		Duration:   time.Since(started),
	}
	if resp.TLS != nil {
		res.TLSVersion = tls.VersionName(resp.TLS.Version)
		if len(resp.TLS.PeerCertificates) > 0 {
			res.ServerCN = pki.CommonName(resp.TLS.PeerCertificates[0])
		}
	}

	return res, nil
}
