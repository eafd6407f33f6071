package keycrypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	SeedSize = 32

	// MaxChainAdvance bounds how far one call may step a chain
	MaxChainAdvance = 1 << 16

	groupMessageVersion = 1
	groupHeaderSize     = 1 + 4 + chacha20poly1305.NonceSizeX
)

var (
	ErrMalformedMessage = errors.New("keycrypto: malformed group message")
	ErrIndexBeforeChain = errors.New("keycrypto: message index precedes the chain key")
	ErrChainTooLong     = errors.New("keycrypto: message index too far ahead of the chain key")
)

// Ratchet is the per-session hash chain. The chain key at index 0 is the
// session seed. Advance must be one-way so that holding the chain key at
// index N reveals nothing about indices below N.
type Ratchet interface {
	Advance(chainKey []byte, sessionID string) ([]byte, error)
	MessageKey(chainKey []byte, sessionID string, index uint32) ([]byte, error)
}

// HKDFRatchet steps the chain with HMAC-SHA256 and expands message keys
// with HKDF-SHA256.
type HKDFRatchet struct{}

func (HKDFRatchet) Advance(chainKey []byte, sessionID string) ([]byte, error) {
	if len(chainKey) != SeedSize {
		return nil, ErrBadKeyLength
	}
	mac := hmac.New(sha256.New, chainKey)
	mac.Write([]byte("megolm-chain"))
	mac.Write([]byte(sessionID))
	return mac.Sum(nil), nil
}

func (HKDFRatchet) MessageKey(chainKey []byte, sessionID string, index uint32) ([]byte, error) {
	if len(chainKey) != SeedSize {
		return nil, ErrBadKeyLength
	}
	info := make([]byte, 0, len("megolm-message")+len(sessionID)+4)
	info = append(info, "megolm-message"...)
	info = append(info, sessionID...)
	info = binary.BigEndian.AppendUint32(info, index)

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, chainKey, nil, info), key); err != nil {
		return nil, err
	}
	return key, nil
}

// ChainKeyAt advances a chain key held at index from up to index to.
// The caller wipes the result.
func ChainKeyAt(r Ratchet, chainKey []byte, sessionID string, from, to uint32) ([]byte, error) {
	if to < from {
		return nil, ErrIndexBeforeChain
	}
	if to-from > MaxChainAdvance {
		return nil, ErrChainTooLong
	}
	key := append([]byte(nil), chainKey...)
	for i := from; i < to; i++ {
		next, err := r.Advance(key, sessionID)
		Wipe(key)
		if err != nil {
			return nil, err
		}
		key = next
	}
	return key, nil
}

func messageKey(r Ratchet, chainKey []byte, chainIndex uint32, sessionID string, index uint32) ([]byte, error) {
	ck, err := ChainKeyAt(r, chainKey, sessionID, chainIndex, index)
	if err != nil {
		return nil, err
	}
	defer Wipe(ck)
	return r.MessageKey(ck, sessionID, index)
}

// NewSeed returns a fresh random session seed.
func NewSeed() ([]byte, error) {
	seed := make([]byte, SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	return seed, nil
}

// EncryptGroupMessage seals plaintext at index using a chain key held at
// chainIndex. Layout: version(1) | index(4, big endian) | nonce(24) |
// ciphertext+tag. The header is authenticated as associated data.
func EncryptGroupMessage(r Ratchet, chainKey []byte, chainIndex uint32, sessionID string, index uint32, plaintext []byte) ([]byte, error) {
	key, err := messageKey(r, chainKey, chainIndex, sessionID, index)
	if err != nil {
		return nil, err
	}
	defer Wipe(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}

	out := make([]byte, groupHeaderSize, groupHeaderSize+len(plaintext)+aead.Overhead())
	out[0] = groupMessageVersion
	binary.BigEndian.PutUint32(out[1:5], index)
	if _, err := rand.Read(out[5:groupHeaderSize]); err != nil {
		return nil, err
	}
	return aead.Seal(out, out[5:groupHeaderSize], plaintext, out[:groupHeaderSize]), nil
}

// GroupMessageIndex reads the index from a message header without decrypting.
func GroupMessageIndex(ciphertext []byte) (uint32, error) {
	if len(ciphertext) < groupHeaderSize || ciphertext[0] != groupMessageVersion {
		return 0, ErrMalformedMessage
	}
	return binary.BigEndian.Uint32(ciphertext[1:5]), nil
}

// DecryptGroupMessage opens a message produced by EncryptGroupMessage.
// It is stateless: the same ciphertext can be opened any number of times.
// Messages sent before chainIndex fail with ErrIndexBeforeChain.
func DecryptGroupMessage(r Ratchet, chainKey []byte, chainIndex uint32, sessionID string, ciphertext []byte) (uint32, []byte, error) {
	index, err := GroupMessageIndex(ciphertext)
	if err != nil {
		return 0, nil, err
	}
	key, err := messageKey(r, chainKey, chainIndex, sessionID, index)
	if err != nil {
		return 0, nil, err
	}
	defer Wipe(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return 0, nil, err
	}
	if len(ciphertext) < groupHeaderSize+aead.Overhead() {
		return 0, nil, ErrMalformedMessage
	}
	plaintext, err := aead.Open(nil, ciphertext[5:groupHeaderSize], ciphertext[groupHeaderSize:], ciphertext[:groupHeaderSize])
	if err != nil {
		return 0, nil, fmt.Errorf("index %d: %w", index, ErrOpen)
	}
	return index, plaintext, nil
}
