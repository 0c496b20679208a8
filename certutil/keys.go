package certutil

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// GenerateKey produces a fresh ECDSA P-256 key pair. Both ACME account keys
// and certificate keys use this curve.
func GenerateKey() (*ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate p-256 key: %w", err)
	}
	return key, nil
}

// MarshalPKCS8PEM encodes a private key as a PKCS#8 "PRIVATE KEY" PEM block.
func MarshalPKCS8PEM(key crypto.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// ParsePKCS8PEM reads an ECDSA private key back out of a PKCS#8 PEM block.
func ParsePKCS8PEM(keyPEM string) (*ecdsa.PrivateKey, error) {
	der, err := PEMToDER(keyPEM)
	if err != nil {
		return nil, err
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("parse private key: not an ecdsa key (%T)", parsed)
	}
	return key, nil
}

// FirstCertificate parses the leaf of a PEM chain. Callers read NotAfter off
// the result to decide renewal.
func FirstCertificate(chainPEM string) (*x509.Certificate, error) {
	first, err := ExtractFirstCertificatePEM(chainPEM)
	if err != nil {
		return nil, err
	}
	der, err := PEMToDER(first)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	return cert, nil
}
