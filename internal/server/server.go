// Package server accepts TCP connections and serves each one on its own goroutine:
// TLS handshake with mandatory client certificate, a single bounded read and a
// fixed HTTP/1.1 response.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/wolfeidau/devicegate/internal/telemetry"
	"golang.org/x/net/netutil"
)

const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultReadTimeout      = 10 * time.Second
	DefaultWriteTimeout     = 10 * time.Second
)

// Config controls per connection deadlines and the connection limit. A zero
// timeout disables that deadline and a zero MaxConns means unlimited.
type Config struct {
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	MaxConns         int

	// Metrics defaults to telemetry.GetMetrics().
	Metrics *telemetry.Metrics
}

// DefaultConfig returns a Config with the default deadlines and no connection limit.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: DefaultHandshakeTimeout,
		ReadTimeout:      DefaultReadTimeout,
		WriteTimeout:     DefaultWriteTimeout,
	}
}

// Server serves the fixed response to authorized clients.
type Server struct {
	tlsConfig *tls.Config
	log       zerolog.Logger
	cfg       Config
	metrics   *telemetry.Metrics
}

// New creates a Server. tlsConfig is shared by every connection and must not be
// modified after this call.
func New(tlsConfig *tls.Config, log zerolog.Logger, cfg Config) *Server {
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.GetMetrics()
	}

	return &Server{
		tlsConfig: tlsConfig,
		log:       log,
		cfg:       cfg,
		metrics:   metrics,
	}
}

// ListenAndServe binds addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	return s.Serve(ctx, ln)
}

// Serve accepts connections from ln until ctx is cancelled or Accept fails. On
// cancellation the listener is closed, in-flight connections are waited for and
// nil is returned. An accept failure is returned as an error.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.cfg.MaxConns > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConns)
	}
	defer ln.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
	})
	defer stop()

	s.log.Info().
		Str("addr", ln.Addr().String()).
		Int("max_conns", s.cfg.MaxConns).
		Msg("Accepting connections")

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.log.Info().Msg("Listener closed, waiting for connections to finish")
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept failed: %w", err)
		}

		wg.Go(func() {
			s.serveConn(ctx, conn)
		})
	}
}
