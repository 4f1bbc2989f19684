package certs

import (
	"errors"
	"fmt"
)

var (
	ErrMissingKey     = errors.New("pkcs12 bundle has no private key")
	ErrMissingCert    = errors.New("pkcs12 bundle has no end-entity certificate")
	ErrKeyMismatch    = errors.New("private key does not match certificate")
	ErrNoCertificates = errors.New("no certificates found")
	ErrUnknownSource  = errors.New("unknown material source")
)

// LoadError reports trust material that could not be read or parsed.
type LoadError struct {
	// What names the material, for example "client CA" or "server key".
	What string
	// Path is the file or parameter the material was read from.
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load %s from %s: %v", e.What, e.Path, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

func loadError(what, path string, err error) error {
	return &LoadError{What: what, Path: path, Err: err}
}
