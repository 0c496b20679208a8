package acme

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"gosuda.org/certd/certutil"
)

// ErrMalformedJWK is returned when a stored or supplied JWK cannot be turned
// back into a P-256 key.
var ErrMalformedJWK = errors.New("acme: malformed jwk")

// JWK is a JSON Web Key restricted to the EC P-256 form this package uses.
// D is present only in the private form.
type JWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
	D   string `json:"d,omitempty"`
}

// coordinate size for P-256 in bytes.
const p256Bytes = 32

// KeyToJWK exports the public half of a P-256 key. Coordinates are
// left-padded to the full 32 bytes before encoding.
func KeyToJWK(pub *ecdsa.PublicKey) JWK {
	x := make([]byte, p256Bytes)
	y := make([]byte, p256Bytes)
	pub.X.FillBytes(x)
	pub.Y.FillBytes(y)
	return JWK{
		Kty: "EC",
		Crv: "P-256",
		X:   certutil.Base64URLEncode(x),
		Y:   certutil.Base64URLEncode(y),
	}
}

// PrivateKeyToJWK exports a full private JWK, D included.
func PrivateKeyToJWK(key *ecdsa.PrivateKey) JWK {
	j := KeyToJWK(&key.PublicKey)
	d := make([]byte, p256Bytes)
	key.D.FillBytes(d)
	j.D = certutil.Base64URLEncode(d)
	return j
}

// Public strips the private scalar.
func (j JWK) Public() JWK {
	j.D = ""
	return j
}

// ECDSAKey rebuilds the private key from a private JWK.
func (j JWK) ECDSAKey() (*ecdsa.PrivateKey, error) {
	if j.D == "" {
		return nil, fmt.Errorf("%w: missing d", ErrMalformedJWK)
	}
	pub, err := j.publicKey()
	if err != nil {
		return nil, err
	}
	d, err := certutil.Base64URLDecode(j.D)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedJWK, err)
	}
	return &ecdsa.PrivateKey{
		PublicKey: *pub,
		D:         new(big.Int).SetBytes(d),
	}, nil
}

func (j JWK) publicKey() (*ecdsa.PublicKey, error) {
	if j.Kty != "EC" || j.Crv != "P-256" || j.X == "" || j.Y == "" {
		return nil, ErrMalformedJWK
	}
	x, err := certutil.Base64URLDecode(j.X)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedJWK, err)
	}
	y, err := certutil.Base64URLDecode(j.Y)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedJWK, err)
	}
	return &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(x),
		Y:     new(big.Int).SetBytes(y),
	}, nil
}

// Thumbprint computes the RFC 7638 SHA-256 thumbprint, base64url encoded.
// The hash input is the canonical JSON with exactly the required public
// members in lexicographic order and no whitespace; the dns-01 key
// authorization depends on this byte-for-byte.
func (j JWK) Thumbprint() (string, error) {
	if j.Kty != "EC" || j.Crv != "P-256" || j.X == "" || j.Y == "" {
		return "", ErrMalformedJWK
	}
	canonical := struct {
		Crv string `json:"crv"`
		Kty string `json:"kty"`
		X   string `json:"x"`
		Y   string `json:"y"`
	}{j.Crv, j.Kty, j.X, j.Y}
	raw, err := json.Marshal(canonical)
	if err != nil {
		return "", fmt.Errorf("marshal canonical jwk: %w", err)
	}
	sum := sha256.Sum256(raw)
	return certutil.Base64URLEncode(sum[:]), nil
}
