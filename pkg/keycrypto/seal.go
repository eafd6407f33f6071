package keycrypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

var ErrLowOrderPoint = errors.New("keycrypto: invalid curve25519 public key")

// Envelope is a payload sealed to one device's curve25519 key.
type Envelope struct {
	Ephemeral  string `json:"ephemeral"`
	Ciphertext string `json:"ciphertext"`
	Recipient  string `json:"recipient_key"`
}

// GenerateCurve25519 returns a clamped private key and its public key.
func GenerateCurve25519() (priv, pub [32]byte, err error) {
	if _, err = rand.Read(priv[:]); err != nil {
		return
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
	pb, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return
	}
	copy(pub[:], pb)
	return
}

// PublicCurve25519 derives the public half of priv.
func PublicCurve25519(priv [32]byte) ([32]byte, error) {
	var pub [32]byte
	pb, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return pub, err
	}
	copy(pub[:], pb)
	return pub, nil
}

// sharedKeys runs X25519 and expands the secret into a key and nonce.
func sharedKeys(priv []byte, pub []byte, info string, size int) ([]byte, error) {
	secret, err := curve25519.X25519(priv, pub)
	if err != nil {
		return nil, ErrLowOrderPoint
	}
	defer Wipe(secret)

	out := make([]byte, size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(info)), out); err != nil {
		return nil, err
	}
	return out, nil
}

// SealToDevice encrypts plaintext to recipient (a base64 curve25519 key,
// usually a freshly claimed one-time key) with an ephemeral key.
func SealToDevice(recipient string, plaintext, ad []byte) (*Envelope, error) {
	pub, err := DecodeBase64(recipient)
	if err != nil || len(pub) != 32 {
		return nil, ErrBadKeyLength
	}
	ephPriv, ephPub, err := GenerateCurve25519()
	if err != nil {
		return nil, err
	}
	defer Wipe(ephPriv[:])

	material, err := sharedKeys(ephPriv[:], pub, "device-seal", chacha20poly1305.KeySize+chacha20poly1305.NonceSizeX)
	if err != nil {
		return nil, err
	}
	defer Wipe(material)

	aead, err := chacha20poly1305.NewX(material[:chacha20poly1305.KeySize])
	if err != nil {
		return nil, err
	}
	ct := aead.Seal(nil, material[chacha20poly1305.KeySize:], plaintext, ad)
	return &Envelope{
		Ephemeral:  EncodeBase64(ephPub[:]),
		Ciphertext: EncodeBase64(ct),
		Recipient:  recipient,
	}, nil
}

// OpenFromDevice is the client half of SealToDevice.
func OpenFromDevice(priv [32]byte, env *Envelope, ad []byte) ([]byte, error) {
	eph, err := DecodeBase64(env.Ephemeral)
	if err != nil || len(eph) != 32 {
		return nil, ErrBadKeyLength
	}
	ct, err := DecodeBase64(env.Ciphertext)
	if err != nil {
		return nil, ErrMalformedMessage
	}
	material, err := sharedKeys(priv[:], eph, "device-seal", chacha20poly1305.KeySize+chacha20poly1305.NonceSizeX)
	if err != nil {
		return nil, err
	}
	defer Wipe(material)

	aead, err := chacha20poly1305.NewX(material[:chacha20poly1305.KeySize])
	if err != nil {
		return nil, err
	}
	out, err := aead.Open(nil, material[chacha20poly1305.KeySize:], ct, ad)
	if err != nil {
		return nil, ErrOpen
	}
	return out, nil
}
