package keycrypto

import (
	"encoding/base64"
	"strings"
)

// EncodeBase64 uses unpadded standard base64, as keys and signatures travel on the wire.
func EncodeBase64(b []byte) string { return base64.RawStdEncoding.EncodeToString(b) }

// DecodeBase64 accepts padded and unpadded standard or URL-safe base64.
func DecodeBase64(s string) ([]byte, error) {
	s = strings.TrimRight(s, "=")
	if strings.ContainsAny(s, "-_") {
		return base64.RawURLEncoding.DecodeString(s)
	}
	return base64.RawStdEncoding.DecodeString(s)
}

// Wipe zeroes b. Best effort.
//
//go:noinline
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
