// Package trust validates client certificate chains and applies the per-depth
// authorization policy during the TLS handshake.
package trust

import (
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/wolfeidau/devicegate/internal/pki"
)

var ErrNoPeerCertificate = errors.New("client did not present a certificate")

// RejectError is returned when the policy rejects a certificate in the client chain.
type RejectError struct {
	Depth   int
	Subject string
	Reason  string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("client certificate rejected at depth %d (%s): %s", e.Depth, e.Subject, e.Reason)
}

// DecisionFunc observes the outcome of every completed chain evaluation.
type DecisionFunc func(accepted bool, depth int)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger used for chain evaluation.
func WithLogger(log zerolog.Logger) Option {
	return func(e *Engine) {
		e.log = log
	}
}

// WithClock overrides the time used for validity checks.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithDecisionFunc registers fn to be told about every accept or reject.
func WithDecisionFunc(fn DecisionFunc) Option {
	return func(e *Engine) {
		e.onDecision = fn
	}
}

// Engine performs path validation against the client CA pool, then walks the
// chain from the highest depth down to the leaf asking the Policy about each
// certificate. The first rejection aborts the handshake.
//
// An Engine is immutable after construction and safe for concurrent use.
type Engine struct {
	roots      *x509.CertPool
	policy     Policy
	log        zerolog.Logger
	now        func() time.Time
	onDecision DecisionFunc
}

// NewEngine creates an Engine verifying chains against roots and deciding with policy.
func NewEngine(roots *x509.CertPool, policy Policy, opts ...Option) *Engine {
	e := &Engine{
		roots:  roots,
		policy: policy,
		log:    zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// VerifyPeerCertificate is installed as tls.Config.VerifyPeerCertificate.
func (e *Engine) VerifyPeerCertificate(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(rawCerts) == 0 {
		return ErrNoPeerCertificate
	}

	presented := make([]*x509.Certificate, 0, len(rawCerts))
	for i, raw := range rawCerts {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return fmt.Errorf("failed to parse client certificate at depth %d: %w", i, err)
		}
		presented = append(presented, cert)
	}

	return e.Evaluate(presented)
}

// Evaluate validates the presented chain (leaf first) and applies the policy.
func (e *Engine) Evaluate(presented []*x509.Certificate) error {
	if len(presented) == 0 || presented[0] == nil {
		return ErrNoPeerCertificate
	}

	chain, verifyErr := e.verify(presented)

	failDepth := -1
	if verifyErr != nil {
		failDepth = failingDepth(verifyErr, chain)
		e.log.Debug().Err(verifyErr).Int("depth", failDepth).Msg("Client chain failed path validation")
	}

	for depth := len(chain) - 1; depth >= 0; depth-- {
		preverified := depth != failDepth

		vc := &Context{
			Depth:   depth,
			Current: chain[depth],
			Chain:   chain,
		}

		if e.policy.Verify(preverified, vc) {
			continue
		}

		e.decided(false, depth)

		reason := "rejected by policy"
		if !preverified {
			reason = verifyErr.Error()
		}

		return &RejectError{
			Depth:   depth,
			Subject: subjectOf(chain[depth]),
			Reason:  reason,
		}
	}

	e.decided(true, 0)

	e.log.Debug().
		Str("cn", pki.CommonName(chain[0])).
		Int("chain_len", len(chain)).
		Msg("Client chain accepted")

	return nil
}

// verify runs path validation. On success the returned chain is the verified
// chain including the trust anchor, otherwise it is the presented chain.
func (e *Engine) verify(presented []*x509.Certificate) ([]*x509.Certificate, error) {
	intermediates := x509.NewCertPool()
	for _, c := range presented[1:] {
		intermediates.AddCert(c)
	}

	chains, err := presented[0].Verify(x509.VerifyOptions{
		Roots:         e.roots,
		Intermediates: intermediates,
		CurrentTime:   e.now(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
	if err != nil {
		return presented, err
	}

	return chains[0], nil
}

func (e *Engine) decided(accepted bool, depth int) {
	if e.onDecision != nil {
		e.onDecision(accepted, depth)
	}
}

// failingDepth maps a path validation error to the depth it is reported at.
// An unknown issuer is attributed to the top of the presented chain, an invalid
// certificate to its own position and anything else to the leaf.
func failingDepth(err error, chain []*x509.Certificate) int {
	var unknown x509.UnknownAuthorityError
	if errors.As(err, &unknown) {
		return len(chain) - 1
	}

	var invalid x509.CertificateInvalidError
	if errors.As(err, &invalid) && invalid.Cert != nil {
		for i, c := range chain {
			if c.Equal(invalid.Cert) {
				return i
			}
		}
	}

	return 0
}
