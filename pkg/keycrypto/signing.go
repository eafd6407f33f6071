package keycrypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
)

var ErrBadKeyLength = errors.New("keycrypto: key must be 32 bytes")

// GenerateEd25519 returns a new signing key pair.
func GenerateEd25519() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

// SignJSON signs the canonical form of v and returns an unpadded base64 signature.
func SignJSON(priv ed25519.PrivateKey, v any) (string, error) {
	msg, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	return EncodeBase64(ed25519.Sign(priv, msg)), nil
}

// VerifyJSON reports whether signature is a valid ed25519 signature by
// publicKey (base64) over the canonical form of v. Malformed input is
// simply invalid.
func VerifyJSON(publicKey string, v any, signature string) bool {
	pub, err := DecodeBase64(publicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := DecodeBase64(signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	msg, err := CanonicalJSON(v)
	if err != nil {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig)
}
