package certutil

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
)

// id-ce-keyUsage
var oidKeyUsage = asn1.ObjectIdentifier{2, 5, 29, 15}

// NewCSR builds a PKCS#10 request in DER form. The first identifier becomes
// the subject CN and every identifier is listed as a DNS SAN. CAs expect the
// key usage extension to be present and critical, which the stdlib template
// does not emit on its own.
func NewCSR(identifiers []string, key *ecdsa.PrivateKey) ([]byte, error) {
	if len(identifiers) == 0 {
		return nil, errors.New("csr: no identifiers")
	}

	// digitalSignature is bit 0 of the KeyUsage BIT STRING.
	usage, err := asn1.Marshal(asn1.BitString{Bytes: []byte{0x80}, BitLength: 1})
	if err != nil {
		return nil, fmt.Errorf("marshal key usage: %w", err)
	}

	tmpl := &x509.CertificateRequest{
		Subject:            pkix.Name{CommonName: identifiers[0]},
		DNSNames:           identifiers,
		SignatureAlgorithm: x509.ECDSAWithSHA256,
		ExtraExtensions: []pkix.Extension{{
			Id:       oidKeyUsage,
			Critical: true,
			Value:    usage,
		}},
	}

	der, err := x509.CreateCertificateRequest(rand.Reader, tmpl, key)
	if err != nil {
		return nil, fmt.Errorf("create csr: %w", err)
	}
	return der, nil
}
