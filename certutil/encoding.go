// Package certutil holds the encoding and key material helpers shared by the
// ACME client and the issuance flow.
package certutil

import (
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedPEM is returned when input that should contain a PEM block
// does not.
var ErrMalformedPEM = errors.New("certutil: malformed pem")

const (
	certBegin = "-----BEGIN CERTIFICATE-----"
	certEnd   = "-----END CERTIFICATE-----"
)

// Base64URLEncode encodes to unpadded base64url, the alphabet JOSE and ACME
// use everywhere.
func Base64URLEncode(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// Base64URLDecode decodes base64url or standard base64, padded or not.
// CA dashboards hand out EAB keys in every one of those shapes.
func Base64URLDecode(s string) ([]byte, error) {
	s = strings.ReplaceAll(s, "+", "-")
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.TrimRight(s, "=")
	return base64.RawURLEncoding.DecodeString(s)
}

// PEMToDER returns the bytes of the first PEM block in pemText.
func PEMToDER(pemText string) ([]byte, error) {
	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return nil, ErrMalformedPEM
	}
	return block.Bytes, nil
}

// DERToPEM wraps der in a PEM block with the given label, line-wrapped at 64
// characters.
func DERToPEM(der []byte, label string) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: label, Bytes: der}))
}

// ExtractFirstCertificatePEM returns the first CERTIFICATE block of a PEM
// chain, markers included.
func ExtractFirstCertificatePEM(chain string) (string, error) {
	start := strings.Index(chain, certBegin)
	if start < 0 {
		return "", fmt.Errorf("%w: no certificate block", ErrMalformedPEM)
	}
	end := strings.Index(chain[start:], certEnd)
	if end < 0 {
		return "", fmt.Errorf("%w: unterminated certificate block", ErrMalformedPEM)
	}
	return chain[start : start+end+len(certEnd)], nil
}
