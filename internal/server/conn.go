package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/rs/zerolog"
	"github.com/wolfeidau/devicegate/internal/logger"
	"github.com/wolfeidau/devicegate/internal/pki"
	"github.com/wolfeidau/devicegate/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	readBufferSize = 4096

	responseHeader = "HTTP/1.1 200 OK\r\n" +
		"Content-Length: 3\r\n" +
		"Content-Type: text/plain\r\n" +
		"Connection: close\r\n" +
		"\r\n"
	responseBody = "ok\n"
)

// Connection stages reported in StageError.
const (
	StageHandshake = "handshake"
	StageRead      = "read"
	StageWrite     = "write"
)

// StageError is a connection failure tagged with the stage it happened in.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// serveConn runs one connection to completion and logs the outcome.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	started := time.Now()

	ctx, connID := logger.WithConnection(ctx, s.log, conn.RemoteAddr())
	ctx, span := telemetry.Tracer().Start(ctx, "devicegate.connection",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("devicegate.conn_id", connID),
			attribute.String("net.peer.addr", conn.RemoteAddr().String()),
		),
	)
	defer span.End()

	s.metrics.ConnectionsAccepted.Add(ctx, 1)
	s.metrics.ActiveConnections.Add(ctx, 1)
	defer func() {
		s.metrics.ActiveConnections.Add(ctx, -1)
		s.metrics.ConnectionDuration.Record(ctx, float64(time.Since(started).Milliseconds()))
	}()

	log := zerolog.Ctx(ctx)
	log.Debug().Msg("Connection accepted")

	err := s.handleConn(ctx, conn)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		var stageErr *StageError
		if errors.As(err, &stageErr) && stageErr.Stage == StageHandshake {
			log.Warn().Err(err).Dur("duration", time.Since(started)).Msg("Connection rejected")
			return
		}

		log.Error().Err(err).Dur("duration", time.Since(started)).Msg("Connection failed")
		return
	}

	log.Info().Dur("duration", time.Since(started)).Msg("Response sent")
}

// handleConn performs the handshake, discards the request and writes the fixed
// response. The connection is always closed on return.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) error {
	tlsConn := tls.Server(conn, s.tlsConfig)
	defer tlsConn.Close()

	if err := s.handshake(ctx, tlsConn); err != nil {
		return &StageError{Stage: StageHandshake, Err: err}
	}

	if s.cfg.ReadTimeout > 0 {
		_ = tlsConn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	}

	buf := make([]byte, readBufferSize)
	if _, err := tlsConn.Read(buf); err != nil && !errors.Is(err, io.EOF) {
		s.metrics.RecordIOError(ctx, StageRead)
		return &StageError{Stage: StageRead, Err: err}
	}

	if s.cfg.WriteTimeout > 0 {
		_ = tlsConn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}

	if _, err := io.WriteString(tlsConn, responseHeader); err != nil {
		s.metrics.RecordIOError(ctx, StageWrite)
		return &StageError{Stage: StageWrite, Err: err}
	}
	if _, err := io.WriteString(tlsConn, responseBody); err != nil {
		s.metrics.RecordIOError(ctx, StageWrite)
		return &StageError{Stage: StageWrite, Err: err}
	}

	s.metrics.ResponsesWritten.Add(ctx, 1)

	// close_notify, the peer may already be gone
	_ = tlsConn.CloseWrite()

	return nil
}

func (s *Server) handshake(ctx context.Context, tlsConn *tls.Conn) error {
	if s.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
		defer cancel()
	}

	started := time.Now()
	err := tlsConn.HandshakeContext(ctx)
	s.metrics.RecordHandshake(ctx, started, err)
	if err != nil {
		return err
	}

	state := tlsConn.ConnectionState()

	ev := zerolog.Ctx(ctx).Debug().
		Str("tls_version", tls.VersionName(state.Version)).
		Str("cipher_suite", tls.CipherSuiteName(state.CipherSuite))
	if len(state.PeerCertificates) > 0 {
		ev = ev.Str("client_cn", pki.CommonName(state.PeerCertificates[0]))
	}
	ev.Msg("Handshake complete")

	return nil
}
