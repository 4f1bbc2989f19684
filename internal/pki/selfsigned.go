package pki

import (
	"bytes"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
)

// IsSelfSigned reports whether cert is its own issuer.
//
// Issuer and subject must be the same name once canonicalized, so a PrintableString
// issuer matches a UTF8String subject carrying the same text. The authority key
// identifier (when both identifiers are present) must reference the certificate's
// own key, and the signature must verify under the certificate's own public key. A
// certificate whose names merely look alike, but which was signed by some other key,
// is not self-signed.
func IsSelfSigned(cert *x509.Certificate) bool {
	if cert == nil {
		return false
	}

	if !sameName(cert.RawIssuer, cert.RawSubject) {
		return false
	}

	if len(cert.AuthorityKeyId) > 0 && len(cert.SubjectKeyId) > 0 &&
		!bytes.Equal(cert.AuthorityKeyId, cert.SubjectKeyId) {
		return false
	}

	// CheckSignatureFrom would also demand the CA basic constraint, which a
	// self-signed end-entity certificate does not carry.
	return cert.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature) == nil
}

// Fingerprint returns the hex encoded SHA-256 digest of the DER encoding of cert.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}
