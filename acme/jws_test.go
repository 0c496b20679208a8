package acme

import (
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/asn1"
	"encoding/json"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"gosuda.org/certd/certutil"
)

func TestKeyToJWK_CoordinatesFixedWidth(t *testing.T) {
	key, err := certutil.GenerateKey()
	require.NoError(t, err, "GenerateKey() error")

	j := KeyToJWK(&key.PublicKey)
	require.Equal(t, "EC", j.Kty, "kty")
	require.Equal(t, "P-256", j.Crv, "crv")
	// 32 bytes encode to 43 unpadded base64url characters, whatever the
	// leading bytes of the coordinate happen to be.
	require.Len(t, j.X, 43, "x length")
	require.Len(t, j.Y, 43, "y length")
	require.Empty(t, j.D, "public jwk must not carry d")
}

func TestJWK_ECDSAKey_RoundTrip(t *testing.T) {
	key, err := certutil.GenerateKey()
	require.NoError(t, err, "GenerateKey() error")

	back, err := PrivateKeyToJWK(key).ECDSAKey()
	require.NoError(t, err, "ECDSAKey() error")
	require.True(t, key.Equal(back), "key should survive the round trip")
}

func TestJWK_ECDSAKey_Malformed(t *testing.T) {
	key, err := certutil.GenerateKey()
	require.NoError(t, err, "GenerateKey() error")

	for name, mutate := range map[string]func(*JWK){
		"missing d":  func(j *JWK) { j.D = "" },
		"bad base64": func(j *JWK) { j.X = "!!!" },
		"wrong kty":  func(j *JWK) { j.Kty = "RSA" },
		"wrong crv":  func(j *JWK) { j.Crv = "P-384" },
	} {
		t.Run(name, func(t *testing.T) {
			j := PrivateKeyToJWK(key)
			mutate(&j)
			_, err := j.ECDSAKey()
			require.ErrorIs(t, err, ErrMalformedJWK, "expected ErrMalformedJWK")
		})
	}
}

func TestJWK_Thumbprint_FieldOrderIndependent(t *testing.T) {
	// The same key serialized with members in two different orders must
	// produce the same thumbprint, because hashing uses the canonical form.
	inOrder := `{"crv":"P-256","kty":"EC","x":"MKBCTNIcKUSDii11ySs3526iDZ8AiTo7Tu6KPAqv7D4","y":"4Etl6SRW2YiLUrN5vfvVHuhp7x8PxltmWWlbbM4IFyM"}`
	shuffled := `{"y":"4Etl6SRW2YiLUrN5vfvVHuhp7x8PxltmWWlbbM4IFyM","x":"MKBCTNIcKUSDii11ySs3526iDZ8AiTo7Tu6KPAqv7D4","kty":"EC","crv":"P-256"}`

	var a, b JWK
	require.NoError(t, json.Unmarshal([]byte(inOrder), &a), "unmarshal in-order jwk")
	require.NoError(t, json.Unmarshal([]byte(shuffled), &b), "unmarshal shuffled jwk")

	ta, err := a.Thumbprint()
	require.NoError(t, err, "Thumbprint() error")
	tb, err := b.Thumbprint()
	require.NoError(t, err, "Thumbprint() error")

	require.Equal(t, ta, tb, "thumbprint must not depend on member order")
	require.Len(t, ta, 43, "thumbprint is base64url of a sha-256 digest")
}

func TestJWK_Thumbprint_CanonicalBytes(t *testing.T) {
	j := JWK{Kty: "EC", Crv: "P-256", X: "xxx", Y: "yyy", D: "should-not-matter"}

	got, err := j.Thumbprint()
	require.NoError(t, err, "Thumbprint() error")

	sum := sha256.Sum256([]byte(`{"crv":"P-256","kty":"EC","x":"xxx","y":"yyy"}`))
	require.Equal(t, certutil.Base64URLEncode(sum[:]), got, "thumbprint bytes")
}

func TestJWK_Thumbprint_Malformed(t *testing.T) {
	_, err := JWK{Kty: "EC", Crv: "P-256"}.Thumbprint()
	require.ErrorIs(t, err, ErrMalformedJWK, "expected ErrMalformedJWK for missing coordinates")
}

func TestSignJWS_SignatureVerifies(t *testing.T) {
	key, err := certutil.GenerateKey()
	require.NoError(t, err, "GenerateKey() error")

	header := protectedHeader{Alg: "ES256", Nonce: "n1", URL: "https://ca.example/new-order", KID: "https://ca.example/acct/1"}
	payload := certutil.Base64URLEncode([]byte(`{"identifiers":[{"type":"dns","value":"example.com"}]}`))

	signed, err := signJWS(key, header, payload)
	require.NoError(t, err, "signJWS() error")
	require.Equal(t, payload, signed.Payload, "payload should pass through untouched")

	sig, err := certutil.Base64URLDecode(signed.Signature)
	require.NoError(t, err, "decode signature")
	require.Len(t, sig, 64, "jose signature is exactly 64 bytes")

	digest := sha256.Sum256([]byte(signed.Protected + "." + signed.Payload))
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])
	require.True(t, ecdsa.Verify(&key.PublicKey, digest[:], r, s), "signature must verify against the protected input")
}

func TestSignJWS_PostAsGetKeepsEmptyPayload(t *testing.T) {
	key, err := certutil.GenerateKey()
	require.NoError(t, err, "GenerateKey() error")

	signed, err := signJWS(key, protectedHeader{Alg: "ES256", Nonce: "n", URL: "u", KID: "k"}, "")
	require.NoError(t, err, "signJWS() error")
	require.Equal(t, "", signed.Payload, "post-as-get payload must stay the empty string")
}

func TestJoseSignature_PadsShortIntegers(t *testing.T) {
	der, err := asn1.Marshal(struct{ R, S *big.Int }{big.NewInt(1), big.NewInt(0x0200)})
	require.NoError(t, err, "asn1.Marshal() error")

	sig, err := joseSignature(der)
	require.NoError(t, err, "joseSignature() error")
	require.Len(t, sig, 64, "length")

	require.Zero(t, new(big.Int).SetBytes(sig[:32]).Cmp(big.NewInt(1)), "r")
	require.Zero(t, new(big.Int).SetBytes(sig[32:]).Cmp(big.NewInt(0x0200)), "s")
}

func TestJoseSignature_Malformed(t *testing.T) {
	_, err := joseSignature([]byte{0xde, 0xad, 0xbe, 0xef})
	require.ErrorIs(t, err, ErrMalformedSignature, "garbage der")

	der, err := asn1.Marshal(struct{ R, S *big.Int }{big.NewInt(-5), big.NewInt(7)})
	require.NoError(t, err, "asn1.Marshal() error")
	_, err = joseSignature(der)
	require.ErrorIs(t, err, ErrMalformedSignature, "negative integer")
}

func TestSignEAB_HMACAndPayload(t *testing.T) {
	key, err := certutil.GenerateKey()
	require.NoError(t, err, "GenerateKey() error")
	accountJWK := PrivateKeyToJWK(key)

	hmacKey := []byte("zerossl-issued-mac-key-material!")
	binding, err := signEAB("eab-kid-1", certutil.Base64URLEncode(hmacKey), "https://ca.example/new-acct", accountJWK)
	require.NoError(t, err, "signEAB() error")

	rawHeader, err := certutil.Base64URLDecode(binding.Protected)
	require.NoError(t, err, "decode protected")
	var header map[string]string
	require.NoError(t, json.Unmarshal(rawHeader, &header), "unmarshal protected")
	require.Equal(t, map[string]string{
		"alg": "HS256",
		"kid": "eab-kid-1",
		"url": "https://ca.example/new-acct",
	}, header, "eab protected header")

	rawPayload, err := certutil.Base64URLDecode(binding.Payload)
	require.NoError(t, err, "decode payload")
	var payloadJWK JWK
	require.NoError(t, json.Unmarshal(rawPayload, &payloadJWK), "unmarshal payload")
	require.Equal(t, accountJWK.Public(), payloadJWK, "payload must be the public account jwk")

	mac := hmac.New(sha256.New, hmacKey)
	mac.Write([]byte(binding.Protected + "." + binding.Payload))
	require.Equal(t, certutil.Base64URLEncode(mac.Sum(nil)), binding.Signature, "hmac over protected.payload")
}

func TestSignEAB_AcceptsPaddedKey(t *testing.T) {
	key, err := certutil.GenerateKey()
	require.NoError(t, err, "GenerateKey() error")

	// Standard base64 with padding, as some CA dashboards serve it.
	padded := "AAECAwQFBgcICQoLDA0ODw=="
	_, err = signEAB("kid", padded, "https://ca.example/new-acct", KeyToJWK(&key.PublicKey))
	require.NoError(t, err, "signEAB() should tolerate padded keys")
}
