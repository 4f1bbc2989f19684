package logger

import (
	"context"
	"io"
	"net"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func Setup(dev bool) zerolog.Logger {
	return New(os.Stderr, dev)
}

// New creates the process logger writing to w, JSON unless dev is set.
func New(w io.Writer, dev bool) zerolog.Logger {
	var logger zerolog.Logger
	level := zerolog.InfoLevel
	if dev {
		level = zerolog.DebugLevel
	}

	logger = zerolog.New(w).Level(level).With().Timestamp().Caller().Logger()

	if dev {
		logger = logger.Output(zerolog.ConsoleWriter{Out: w, FormatTimestamp: func(i any) string {
			return time.Now().Format(time.RFC3339)
		}}).Level(level).With().Stack().Logger()
	}

	return logger
}

// WithConnection derives a logger tagged with a new connection id and the peer
// address, and stores it in the returned context.
func WithConnection(ctx context.Context, base zerolog.Logger, remote net.Addr) (context.Context, string) {
	connID := uuid.NewString()

	l := base.With().
		Str("conn_id", connID).
		Str("remote_addr", addrString(remote)).
		Logger()

	return l.WithContext(ctx), connID
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}
