package keycrypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	BackupAlgorithm = "m.megolm_backup.v1.curve25519-aes-sha2"

	backupMACSize = 8
	saltSize      = 16
)

var (
	ErrBadMAC         = errors.New("keycrypto: backup MAC mismatch")
	ErrBadRecoveryKey = errors.New("keycrypto: malformed recovery key")
)

// recoveryKeyPrefix marks an encoded recovery key.
var recoveryKeyPrefix = [2]byte{0x8B, 0x01}

// BackupSessionData is the stored, opaque form of one backed-up session.
// The server checks that the three members are present and never opens it.
type BackupSessionData struct {
	Ephemeral  string `json:"ephemeral"`
	Ciphertext string `json:"ciphertext"`
	MAC        string `json:"mac"`
}

// EncryptBackup seals sessionData to the backup public key (base64 curve25519).
func EncryptBackup(backupPublicKey string, sessionData []byte) (*BackupSessionData, error) {
	pub, err := DecodeBase64(backupPublicKey)
	if err != nil || len(pub) != 32 {
		return nil, ErrBadKeyLength
	}
	ephPriv, ephPub, err := GenerateCurve25519()
	if err != nil {
		return nil, err
	}
	defer Wipe(ephPriv[:])

	encKey, macKey, nonce, err := backupKeys(ephPriv[:], pub)
	if err != nil {
		return nil, err
	}
	defer Wipe(encKey)
	defer Wipe(macKey)

	aead, err := chacha20poly1305.NewX(encKey)
	if err != nil {
		return nil, err
	}
	ct := aead.Seal(nil, nonce, sessionData, nil)

	return &BackupSessionData{
		Ephemeral:  EncodeBase64(ephPub[:]),
		Ciphertext: EncodeBase64(ct),
		MAC:        EncodeBase64(backupMAC(macKey, ct)),
	}, nil
}

// DecryptBackup opens a BackupSessionData with the backup private key.
func DecryptBackup(priv [32]byte, data *BackupSessionData) ([]byte, error) {
	eph, err := DecodeBase64(data.Ephemeral)
	if err != nil || len(eph) != 32 {
		return nil, ErrBadKeyLength
	}
	ct, err := DecodeBase64(data.Ciphertext)
	if err != nil {
		return nil, ErrMalformedMessage
	}
	mac, err := DecodeBase64(data.MAC)
	if err != nil {
		return nil, ErrBadMAC
	}

	encKey, macKey, nonce, err := backupKeys(priv[:], eph)
	if err != nil {
		return nil, err
	}
	defer Wipe(encKey)
	defer Wipe(macKey)

	if !hmac.Equal(mac, backupMAC(macKey, ct)) {
		return nil, ErrBadMAC
	}
	aead, err := chacha20poly1305.NewX(encKey)
	if err != nil {
		return nil, err
	}
	out, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, ErrOpen
	}
	return out, nil
}

func backupKeys(priv, pub []byte) (encKey, macKey, nonce []byte, err error) {
	material, err := sharedKeys(priv, pub, "megolm-backup", 32+32+chacha20poly1305.NonceSizeX)
	if err != nil {
		return nil, nil, nil, err
	}
	return material[:32], material[32:64], material[64:], nil
}

func backupMAC(macKey, ct []byte) []byte {
	h := hmac.New(sha256.New, macKey)
	h.Write(ct)
	return h.Sum(nil)[:backupMACSize]
}

// GenerateRecoveryKey returns a new backup private key and its public key.
func GenerateRecoveryKey() (priv [32]byte, publicKey string, err error) {
	priv, pub, err := GenerateCurve25519()
	if err != nil {
		return priv, "", err
	}
	return priv, EncodeBase64(pub[:]), nil
}

// DeriveRecoveryKey stretches a passphrase into a backup private key with
// argon2id. The salt is stored in auth_data so other devices can re-derive.
func DeriveRecoveryKey(passphrase string, salt []byte) (priv [32]byte, publicKey string, err error) {
	if len(salt) < saltSize {
		return priv, "", errors.New("keycrypto: salt too short")
	}
	key := argon2.IDKey([]byte(passphrase), salt, 3, 64*1024, 4, 32)
	copy(priv[:], key)
	Wipe(key)
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	pub, err := PublicCurve25519(priv)
	if err != nil {
		return priv, "", err
	}
	return priv, EncodeBase64(pub[:]), nil
}

// NewSalt returns a random passphrase salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, saltSize)
	_, err := rand.Read(salt)
	return salt, err
}

// EncodeRecoveryKey renders priv for a human: prefix | key | parity,
// base64url, in space separated groups of four.
func EncodeRecoveryKey(priv [32]byte) string {
	buf := make([]byte, 0, 2+32+1)
	buf = append(buf, recoveryKeyPrefix[:]...)
	buf = append(buf, priv[:]...)
	var parity byte
	for _, b := range buf {
		parity ^= b
	}
	buf = append(buf, parity)

	encoded := base64.RawURLEncoding.EncodeToString(buf)
	var sb strings.Builder
	for i := 0; i < len(encoded); i += 4 {
		if i > 0 {
			sb.WriteByte(' ')
		}
		end := i + 4
		if end > len(encoded) {
			end = len(encoded)
		}
		sb.WriteString(encoded[i:end])
	}
	return sb.String()
}

// DecodeRecoveryKey parses the output of EncodeRecoveryKey.
func DecodeRecoveryKey(s string) ([32]byte, error) {
	var priv [32]byte
	raw, err := base64.RawURLEncoding.DecodeString(strings.Join(strings.Fields(s), ""))
	if err != nil || len(raw) != 35 {
		return priv, ErrBadRecoveryKey
	}
	if raw[0] != recoveryKeyPrefix[0] || raw[1] != recoveryKeyPrefix[1] {
		return priv, ErrBadRecoveryKey
	}
	var parity byte
	for _, b := range raw {
		parity ^= b
	}
	if parity != 0 {
		return priv, ErrBadRecoveryKey
	}
	copy(priv[:], raw[2:34])
	return priv, nil
}
