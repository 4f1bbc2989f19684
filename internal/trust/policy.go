package trust

import (
	"crypto/x509"

	"github.com/rs/zerolog"
	"github.com/wolfeidau/devicegate/internal/pki"
)

// Context describes the certificate being examined at one step of chain validation.
type Context struct {
	// Depth is the position of Current in Chain, 0 is the client leaf and the
	// value increases towards the root.
	Depth int
	// Current is the certificate under examination, it may be nil.
	Current *x509.Certificate
	// Chain is the peer chain ordered leaf first.
	Chain []*x509.Certificate
}

// Policy decides whether a single certificate in the peer chain is acceptable.
//
// Verify is called once per certificate, from the root towards the leaf, with the
// path validation verdict for that certificate. It must not retain state between
// calls; the same Policy is shared by every concurrent handshake.
type Policy interface {
	Verify(preverified bool, vc *Context) bool
}

// PolicyFunc adapts a function to the Policy interface.
type PolicyFunc func(preverified bool, vc *Context) bool

func (f PolicyFunc) Verify(preverified bool, vc *Context) bool {
	return f(preverified, vc)
}

// DevicePolicy admits a chain only when path validation succeeded for every
// certificate and the leaf subject carries the organizational unit OU. Certificates
// above the leaf are only logged, the OU rule is not applied to them.
type DevicePolicy struct {
	OU  string
	Log zerolog.Logger
}

// NewDevicePolicy returns a DevicePolicy requiring ou on the client leaf.
func NewDevicePolicy(ou string, log zerolog.Logger) *DevicePolicy {
	return &DevicePolicy{OU: ou, Log: log}
}

func (p *DevicePolicy) Verify(preverified bool, vc *Context) bool {
	if !preverified {
		p.Log.Warn().
			Int("depth", vc.Depth).
			Str("subject", subjectOf(vc.Current)).
			Msg("Rejecting certificate that failed path validation")
		return false
	}

	if vc.Depth != 0 {
		p.Log.Debug().
			Int("depth", vc.Depth).
			Str("cn", pki.CommonName(vc.Current)).
			Msg("Accepting chain certificate")
		return true
	}

	leaf := vc.Current
	if leaf == nil {
		p.Log.Warn().Msg("No current certificate at depth 0")
		return false
	}

	if !pki.HasOrganizationalUnit(leaf, p.OU) {
		p.Log.Warn().
			Str("required_ou", p.OU).
			Str("subject", subjectOf(leaf)).
			Str("fingerprint", pki.Fingerprint(leaf)).
			Msg("Rejecting leaf certificate without required OU")
		return false
	}

	p.Log.Debug().
		Str("cn", pki.CommonName(leaf)).
		Str("fingerprint", pki.Fingerprint(leaf)).
		Msg("Accepting leaf certificate")

	return true
}

func subjectOf(cert *x509.Certificate) string {
	if cert == nil {
		return ""
	}
	return pki.FormatSubject(pki.MustSubjectAttributes(cert))
}
