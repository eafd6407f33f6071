package keycrypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// SecretStorageAlgorithm names the cipher used for stored secrets
const SecretStorageAlgorithm = "m.secret_storage.v1.xchacha20poly1305"

// SecretCiphertext is one secret encrypted under one storage key. The
// secret name is bound as associated data, so a ciphertext cannot be
// replayed under another name.
type SecretCiphertext struct {
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

func secretAEADKey(key []byte, name string) ([]byte, error) {
	if len(key) != SeedSize {
		return nil, ErrBadKeyLength
	}
	out := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, key, nil, []byte("secret-storage|"+name)), out); err != nil {
		return nil, err
	}
	return out, nil
}

// EncryptSecret encrypts plaintext under a 32-byte storage key.
func EncryptSecret(key []byte, name string, plaintext []byte) (*SecretCiphertext, error) {
	aeadKey, err := secretAEADKey(key, name)
	if err != nil {
		return nil, err
	}
	defer Wipe(aeadKey)

	aead, err := chacha20poly1305.NewX(aeadKey)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return &SecretCiphertext{
		Nonce:      EncodeBase64(nonce),
		Ciphertext: EncodeBase64(aead.Seal(nil, nonce, plaintext, []byte(name))),
	}, nil
}

// DecryptSecret is the inverse of EncryptSecret.
func DecryptSecret(key []byte, name string, ct *SecretCiphertext) ([]byte, error) {
	aeadKey, err := secretAEADKey(key, name)
	if err != nil {
		return nil, err
	}
	defer Wipe(aeadKey)

	nonce, err := DecodeBase64(ct.Nonce)
	if err != nil || len(nonce) != chacha20poly1305.NonceSizeX {
		return nil, ErrOpen
	}
	sealed, err := DecodeBase64(ct.Ciphertext)
	if err != nil {
		return nil, ErrOpen
	}
	aead, err := chacha20poly1305.NewX(aeadKey)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, sealed, []byte(name))
	if err != nil {
		return nil, ErrOpen
	}
	return plaintext, nil
}

// SecretKeyCheck encrypts 32 zero bytes under the empty name. Stored with
// the key description, it lets a client confirm a key before using it.
func SecretKeyCheck(key []byte) (*SecretCiphertext, error) {
	return EncryptSecret(key, "", make([]byte, 32))
}

// VerifySecretKey reports whether key produced check.
func VerifySecretKey(key []byte, check *SecretCiphertext) bool {
	out, err := DecryptSecret(key, "", check)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(out, make([]byte, 32)) == 1
}

// SecretKeyID derives a stable short identifier for a storage key.
func SecretKeyID(key []byte) string {
	sum := sha256.Sum256(append([]byte("secret-storage-key-id|"), key...))
	return base64.RawURLEncoding.EncodeToString(sum[:9])
}
