package keycrypto

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

var ErrOpen = errors.New("keycrypto: message authentication failed")

// Wrapper seals small secrets at rest with XChaCha20-Poly1305.
// Output layout: nonce(24) | ciphertext+tag.
type Wrapper struct {
	aead cipher.AEAD
}

// NewWrapper builds a Wrapper from a 32-byte key.
func NewWrapper(key []byte) (*Wrapper, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrBadKeyLength
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("keycrypto: %w", err)
	}
	return &Wrapper{aead: aead}, nil
}

// Wrap seals plaintext bound to ad (for example a session id).
func (w *Wrapper) Wrap(plaintext, ad []byte) ([]byte, error) {
	nonce := make([]byte, w.aead.NonceSize(), w.aead.NonceSize()+len(plaintext)+w.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return w.aead.Seal(nonce, nonce, plaintext, ad), nil
}

// Unwrap reverses Wrap. The same ad must be supplied.
func (w *Wrapper) Unwrap(wrapped, ad []byte) ([]byte, error) {
	ns := w.aead.NonceSize()
	if len(wrapped) < ns+w.aead.Overhead() {
		return nil, ErrOpen
	}
	out, err := w.aead.Open(nil, wrapped[:ns], wrapped[ns:], ad)
	if err != nil {
		return nil, ErrOpen
	}
	return out, nil
}
