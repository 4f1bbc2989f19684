package pki

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/hex"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/encoding/unicode/utf32"
)

// TrustedDevicesOU is the organizational unit a client leaf certificate must carry
// to be admitted.
const TrustedDevicesOU = "TrustedDevices"

// tagUniversalString is not exported by encoding/asn1.
const tagUniversalString = 28

var (
	oidCommonName         = asn1.ObjectIdentifier{2, 5, 4, 3}
	oidOrganizationalUnit = asn1.ObjectIdentifier{2, 5, 4, 11}
)

// shortNames maps the subject attribute types we expect to see on device and CA
// certificates to the short names operators know from openssl output.
var shortNames = map[string]string{
	"2.5.4.3":                    "CN",
	"2.5.4.4":                    "SN",
	"2.5.4.5":                    "serialNumber",
	"2.5.4.6":                    "C",
	"2.5.4.7":                    "L",
	"2.5.4.8":                    "ST",
	"2.5.4.9":                    "street",
	"2.5.4.10":                   "O",
	"2.5.4.11":                   "OU",
	"2.5.4.12":                   "title",
	"2.5.4.17":                   "postalCode",
	"2.5.4.42":                   "GN",
	"1.2.840.113549.1.9.1":       "emailAddress",
	"0.9.2342.19200300.100.1.1":  "UID",
	"0.9.2342.19200300.100.1.25": "DC",
}

// Attribute is a single subject name entry.
type Attribute struct {
	// Name is the short name of the attribute type, or its dotted OID when unknown.
	Name string
	// Value is the decoded text, or the hex encoding of the raw value bytes when the
	// value is not valid text.
	Value string
	// Text reports whether Value holds decoded text rather than hex.
	Text bool

	oid asn1.ObjectIdentifier
}

func (a Attribute) String() string {
	return a.Name + "=" + a.Value
}

type attributeTypeAndValue struct {
	Type  asn1.ObjectIdentifier
	Value asn1.RawValue
}

// the SET suffix makes encoding/asn1 expect a SET rather than a SEQUENCE
type relativeDistinguishedNameSET []attributeTypeAndValue

type rdnSequence []relativeDistinguishedNameSET

// SubjectAttributes returns the subject attributes of cert in encoded order.
func SubjectAttributes(cert *x509.Certificate) ([]Attribute, error) {
	if cert == nil {
		return nil, fmt.Errorf("certificate is nil")
	}

	var seq rdnSequence
	rest, err := asn1.Unmarshal(cert.RawSubject, &seq)
	if err != nil {
		return nil, fmt.Errorf("failed to parse subject: %w", err)
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("trailing data after subject")
	}

	var attrs []Attribute
	for _, rdn := range seq {
		for _, atv := range rdn {
			attrs = append(attrs, newAttribute(atv))
		}
	}

	return attrs, nil
}

// MustSubjectAttributes is SubjectAttributes for log lines, it never fails and
// falls back to the parsed pkix.Name when the raw subject cannot be decoded.
func MustSubjectAttributes(cert *x509.Certificate) []Attribute {
	attrs, err := SubjectAttributes(cert)
	if err == nil {
		return attrs
	}
	if cert == nil {
		return nil
	}

	for _, atv := range cert.Subject.Names {
		attrs = append(attrs, parsedAttribute(atv))
	}
	return attrs
}

// parsedAttribute applies the text or hex rule to an already parsed name entry.
func parsedAttribute(atv pkix.AttributeTypeAndValue) Attribute {
	if s, ok := atv.Value.(string); ok {
		if !utf8.ValidString(s) {
			return Attribute{Name: attributeName(atv.Type), Value: hex.EncodeToString([]byte(s)), oid: atv.Type}
		}
		return Attribute{Name: attributeName(atv.Type), Value: s, Text: true, oid: atv.Type}
	}

	var raw asn1.RawValue
	if der, err := asn1.Marshal(atv.Value); err == nil {
		if _, err := asn1.Unmarshal(der, &raw); err == nil {
			return newAttribute(attributeTypeAndValue{Type: atv.Type, Value: raw})
		}
	}

	return Attribute{Name: attributeName(atv.Type), oid: atv.Type}
}

// FormatSubject renders attributes as "CN=dev1, OU=TrustedDevices".
func FormatSubject(attrs []Attribute) string {
	parts := make([]string, 0, len(attrs))
	for _, a := range attrs {
		parts = append(parts, a.String())
	}
	return strings.Join(parts, ", ")
}

// CommonName returns the first textual common name in the subject of cert, or "".
func CommonName(cert *x509.Certificate) string {
	for _, a := range MustSubjectAttributes(cert) {
		if a.Text && a.oid.Equal(oidCommonName) {
			return a.Value
		}
	}
	return ""
}

// HasOrganizationalUnit reports whether the subject of cert contains an OU with
// exactly the value ou. There is no case folding and no prefix matching.
func HasOrganizationalUnit(cert *x509.Certificate, ou string) bool {
	attrs, err := SubjectAttributes(cert)
	if err != nil {
		return false
	}

	for _, a := range attrs {
		if a.Text && a.oid.Equal(oidOrganizationalUnit) && a.Value == ou {
			return true
		}
	}
	return false
}

func newAttribute(atv attributeTypeAndValue) Attribute {
	attr := Attribute{Name: attributeName(atv.Type), oid: atv.Type}

	if text, ok := decodeText(atv.Value); ok {
		attr.Value = text
		attr.Text = true
		return attr
	}

	attr.Value = hex.EncodeToString(atv.Value.Bytes)
	return attr
}

// canonicalName renders a DER encoded Name for comparison: text values are
// whitespace collapsed and case folded regardless of their string type, other
// values are compared by encoding.
func canonicalName(raw []byte) (string, bool) {
	var seq rdnSequence
	rest, err := asn1.Unmarshal(raw, &seq)
	if err != nil || len(rest) != 0 {
		return "", false
	}

	fold := cases.Fold()
	rdns := make([]string, 0, len(seq))
	for _, rdn := range seq {
		entries := make([]string, 0, len(rdn))
		for _, atv := range rdn {
			value := "#" + hex.EncodeToString(atv.Value.FullBytes)
			if text, ok := decodeText(atv.Value); ok {
				value = fold.String(strings.Join(strings.Fields(text), " "))
			}
			entries = append(entries, atv.Type.String()+"="+strconv.Quote(value))
		}
		// a multi-valued RDN is a SET, member order carries no meaning
		slices.Sort(entries)
		rdns = append(rdns, strings.Join(entries, "+"))
	}

	return strings.Join(rdns, ","), true
}

// sameName reports whether two DER encoded Names are equal once canonicalized.
func sameName(a, b []byte) bool {
	if string(a) == string(b) {
		return true
	}

	ca, ok := canonicalName(a)
	if !ok {
		return false
	}
	cb, ok := canonicalName(b)
	return ok && ca == cb
}

func attributeName(oid asn1.ObjectIdentifier) string {
	if name, ok := shortNames[oid.String()]; ok {
		return name
	}
	return oid.String()
}

// decodeText converts the ASN.1 string types permitted in a DirectoryString to
// UTF-8. Anything else, or bytes that do not decode cleanly, is reported as not text.
func decodeText(v asn1.RawValue) (string, bool) {
	if v.Class != asn1.ClassUniversal || v.IsCompound {
		return "", false
	}

	switch v.Tag {
	case asn1.TagUTF8String:
		if !utf8.Valid(v.Bytes) {
			return "", false
		}
		return string(v.Bytes), true
	case asn1.TagPrintableString, asn1.TagIA5String, asn1.TagNumericString:
		for _, b := range v.Bytes {
			if b >= utf8.RuneSelf {
				return "", false
			}
		}
		return string(v.Bytes), true
	case asn1.TagT61String:
		return decodeWith(charmap.ISO8859_1, v.Bytes)
	case asn1.TagBMPString:
		if len(v.Bytes)%2 != 0 {
			return "", false
		}
		return decodeWith(unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM), v.Bytes)
	case tagUniversalString:
		if len(v.Bytes)%4 != 0 {
			return "", false
		}
		return decodeWith(utf32.UTF32(utf32.BigEndian, utf32.IgnoreBOM), v.Bytes)
	}

	return "", false
}

func decodeWith(enc encoding.Encoding, b []byte) (string, bool) {
	out, err := enc.NewDecoder().Bytes(b)
	if err != nil || !utf8.Valid(out) || strings.ContainsRune(string(out), utf8.RuneError) {
		return "", false
	}
	return string(out), true
}
