// Package config holds the server settings, loadable from a YAML file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/wolfeidau/devicegate/internal/certs"
	"github.com/wolfeidau/devicegate/internal/pki"
	"github.com/wolfeidau/devicegate/internal/server"
	"gopkg.in/yaml.v3"
)

const DefaultListen = "0.0.0.0:8443"

// Config is the complete server configuration.
type Config struct {
	Listen   string       `yaml:"listen" validate:"required,hostname_port"`
	Material certs.Config `yaml:"material"`

	HandshakeTimeout time.Duration `yaml:"handshake_timeout" validate:"gte=0"`
	ReadTimeout      time.Duration `yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout     time.Duration `yaml:"write_timeout" validate:"gte=0"`
	MaxConns         int           `yaml:"max_conns" validate:"gte=0"`

	// RequiredOU is the organizational unit the client leaf must carry.
	RequiredOU string `yaml:"required_ou" validate:"required"`
}

// Default returns the configuration used for any field a file leaves unset.
func Default() Config {
	return Config{
		Listen:           DefaultListen,
		Material:         certs.Config{Source: certs.SourcePEM},
		HandshakeTimeout: server.DefaultHandshakeTimeout,
		ReadTimeout:      server.DefaultReadTimeout,
		WriteTimeout:     server.DefaultWriteTimeout,
		RequiredOU:       pki.TrustedDevicesOU,
	}
}

// Load reads a YAML configuration file over the defaults and validates it.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result. Unknown keys
// are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("failed to decode: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints, including the source specific material paths.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describe(fe))
	}
	return fmt.Errorf("validation failed: %s", strings.Join(msgs, "; "))
}

func describe(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "required", "required_if", "required_unless":
		return field + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	case "hostname_port":
		return field + " must be host:port"
	default:
		return fmt.Sprintf("%s failed %s", field, fe.Tag())
	}
}

// ServerConfig returns the acceptor settings.
func (c Config) ServerConfig() server.Config {
	return server.Config{
		HandshakeTimeout: c.HandshakeTimeout,
		ReadTimeout:      c.ReadTimeout,
		WriteTimeout:     c.WriteTimeout,
		MaxConns:         c.MaxConns,
	}
}
