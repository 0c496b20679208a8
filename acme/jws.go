package acme

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/asn1"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"gosuda.org/certd/certutil"
)

// ErrMalformedSignature is returned when a DER signature cannot be converted
// to the fixed-width JOSE form.
var ErrMalformedSignature = errors.New("acme: malformed der signature")

// protectedHeader is the JWS protected header for ACME requests. Exactly one
// of KID or JWK is set per RFC 8555 §6.2.
type protectedHeader struct {
	Alg   string `json:"alg"`
	Nonce string `json:"nonce,omitempty"`
	URL   string `json:"url"`
	KID   string `json:"kid,omitempty"`
	JWK   *JWK   `json:"jwk,omitempty"`
}

// jws is the flattened JSON serialization posted to ACME endpoints.
type jws struct {
	Protected string `json:"protected"`
	Payload   string `json:"payload"`
	Signature string `json:"signature"`
}

// signJWS signs header and payload with ES256. payload must already be
// base64url encoded, or empty for POST-as-GET.
func signJWS(key *ecdsa.PrivateKey, header protectedHeader, payload string) (*jws, error) {
	raw, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("marshal protected header: %w", err)
	}
	protected := certutil.Base64URLEncode(raw)

	digest := sha256.Sum256([]byte(protected + "." + payload))
	der, err := key.Sign(rand.Reader, digest[:], crypto.SHA256)
	if err != nil {
		return nil, fmt.Errorf("sign jws: %w", err)
	}
	sig, err := joseSignature(der)
	if err != nil {
		return nil, err
	}

	return &jws{
		Protected: protected,
		Payload:   payload,
		Signature: certutil.Base64URLEncode(sig),
	}, nil
}

// joseSignature converts an ASN.1 DER ECDSA signature into the 64-byte r||s
// concatenation JOSE requires. big.Int drops the DER sign padding; FillBytes
// restores each integer to exactly 32 bytes.
func joseSignature(der []byte) ([]byte, error) {
	var sig struct{ R, S *big.Int }
	if _, err := asn1.Unmarshal(der, &sig); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	if sig.R == nil || sig.S == nil || sig.R.Sign() <= 0 || sig.S.Sign() <= 0 {
		return nil, ErrMalformedSignature
	}
	if sig.R.BitLen() > 8*p256Bytes || sig.S.BitLen() > 8*p256Bytes {
		return nil, ErrMalformedSignature
	}
	out := make([]byte, 2*p256Bytes)
	sig.R.FillBytes(out[:p256Bytes])
	sig.S.FillBytes(out[p256Bytes:])
	return out, nil
}

// signEAB builds the external account binding JWS attached to newAccount.
// The protected header binds the CA-issued key id to the newAccount URL, the
// payload is the account's public JWK, and the signature is HMAC-SHA-256
// with the CA-issued key.
// https://datatracker.ietf.org/doc/html/rfc8555#section-7.3.4
func signEAB(kid, hmacKeyB64, newAccountURL string, accountKey JWK) (*jws, error) {
	hmacKey, err := certutil.Base64URLDecode(hmacKeyB64)
	if err != nil {
		return nil, fmt.Errorf("decode eab hmac key: %w", err)
	}

	header := struct {
		Alg string `json:"alg"`
		KID string `json:"kid"`
		URL string `json:"url"`
	}{"HS256", kid, newAccountURL}
	rawHeader, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("marshal eab header: %w", err)
	}
	rawKey, err := json.Marshal(accountKey.Public())
	if err != nil {
		return nil, fmt.Errorf("marshal eab payload: %w", err)
	}

	protected := certutil.Base64URLEncode(rawHeader)
	payload := certutil.Base64URLEncode(rawKey)

	mac := hmac.New(sha256.New, hmacKey)
	mac.Write([]byte(protected + "." + payload))

	return &jws{
		Protected: protected,
		Payload:   payload,
		Signature: certutil.Base64URLEncode(mac.Sum(nil)),
	}, nil
}
