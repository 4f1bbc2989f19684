package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wolfeidau/devicegate/internal/certs"
	"github.com/wolfeidau/devicegate/internal/config"
	"github.com/wolfeidau/devicegate/internal/logger"
	"github.com/wolfeidau/devicegate/internal/server"
	"github.com/wolfeidau/devicegate/internal/telemetry"
	"github.com/wolfeidau/devicegate/internal/trust"
)

type ServeCmd struct {
	// Configuration file, replaces the flags below when set
	Config string `help:"path to a YAML configuration file" type:"existingfile" env:"DEVICEGATE_CONFIG"`

	// Listener configuration
	Listen   string `help:"listen address" default:"0.0.0.0:8443" env:"DEVICEGATE_LISTEN"`
	MaxConns int    `help:"maximum concurrent connections, 0 for unlimited" default:"0" env:"DEVICEGATE_MAX_CONNS"`

	// Deadlines
	HandshakeTimeout time.Duration `help:"TLS handshake timeout, 0 disables" default:"10s" env:"DEVICEGATE_HANDSHAKE_TIMEOUT"`
	ReadTimeout      time.Duration `help:"request read timeout, 0 disables" default:"10s" env:"DEVICEGATE_READ_TIMEOUT"`
	WriteTimeout     time.Duration `help:"response write timeout, 0 disables" default:"10s" env:"DEVICEGATE_WRITE_TIMEOUT"`

	// Authorization
	RequiredOU string `help:"organizational unit required on client certificates" default:"TrustedDevices" env:"DEVICEGATE_REQUIRED_OU"`

	// Trust material
	Source         string `help:"trust material source" default:"pem" enum:"pem,pkcs12,ssm" env:"DEVICEGATE_SOURCE"`
	ClientCA       string `help:"path to PEM client CA bundle" env:"DEVICEGATE_CLIENT_CA"`
	Cert           string `help:"path to PEM server certificate chain" env:"DEVICEGATE_TLS_CERT"`
	Key            string `help:"path to PEM server private key" env:"DEVICEGATE_TLS_KEY"`
	PKCS12         string `help:"path to PKCS#12 server bundle" name:"pkcs12" env:"DEVICEGATE_PKCS12"`
	PKCS12Password string `help:"PKCS#12 bundle password" name:"pkcs12-password" env:"DEVICEGATE_PKCS12_PASSWORD"`
	ClientCASSM    string `help:"SSM parameter holding the PEM client CA bundle" name:"client-ca-ssm" env:"DEVICEGATE_CLIENT_CA_SSM"`
	CertSSM        string `help:"SSM parameter holding the PEM server certificate chain" name:"cert-ssm" env:"DEVICEGATE_TLS_CERT_SSM"`
	KeySSM         string `help:"SSM parameter holding the PEM server key" name:"key-ssm" env:"DEVICEGATE_TLS_KEY_SSM"`

	// Operational
	Telemetry bool `help:"export metrics and traces over OTLP" default:"false" env:"DEVICEGATE_TELEMETRY"`
}

func (c *ServeCmd) Run(ctx context.Context, globals *Globals) error {
	log := logger.Setup(globals.Debug)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = log.WithContext(ctx)

	log.Info().Str("version", globals.Version).Bool("debug", globals.Debug).Msg("Starting server")

	cfg, err := c.resolve()
	if err != nil {
		return err
	}

	if c.Telemetry {
		log.Info().Msg("Telemetry is enabled")
		shutdown, err := telemetry.InitTelemetry(ctx, "devicegate-server", globals.Version)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without it")
			shutdown = func(context.Context) error { return nil }
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Failed to shutdown telemetry")
			}
		}()
	}

	material, err := certs.Load(ctx, cfg.Material)
	if err != nil {
		return fmt.Errorf("failed to load trust material: %w", err)
	}

	metrics := telemetry.GetMetrics()

	engine := trust.NewEngine(material.ClientCAs,
		trust.NewDevicePolicy(cfg.RequiredOU, log),
		trust.WithLogger(log),
		trust.WithDecisionFunc(func(accepted bool, depth int) {
			metrics.RecordPolicyDecision(ctx, accepted, depth)
		}),
	)

	serverCfg := cfg.ServerConfig()
	serverCfg.Metrics = metrics

	log.Info().
		Str("listen", cfg.Listen).
		Str("source", string(cfg.Material.Source)).
		Str("required_ou", cfg.RequiredOU).
		Msg("Trust material loaded")

	return server.New(material.TLSConfig(engine), log, serverCfg).ListenAndServe(ctx, cfg.Listen)
}

// resolve returns the file configuration when --config is set, otherwise the
// configuration described by the flags.
func (c *ServeCmd) resolve() (config.Config, error) {
	if c.Config != "" {
		return config.Load(c.Config)
	}

	cfg := config.Config{
		Listen: c.Listen,
		Material: certs.Config{
			Source:         certs.Source(c.Source),
			ClientCAPath:   c.ClientCA,
			CertPath:       c.Cert,
			KeyPath:        c.Key,
			PKCS12Path:     c.PKCS12,
			PKCS12Password: c.PKCS12Password,
			ClientCASSM:    c.ClientCASSM,
			ServerCertSSM:  c.CertSSM,
			ServerKeySSM:   c.KeySSM,
		},
		HandshakeTimeout: c.HandshakeTimeout,
		ReadTimeout:      c.ReadTimeout,
		WriteTimeout:     c.WriteTimeout,
		MaxConns:         c.MaxConns,
		RequiredOU:       c.RequiredOU,
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}

	return cfg, nil
}
